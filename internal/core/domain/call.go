package domain

import "fmt"

type CallState string

const (
	CallStateConnecting    CallState = "connecting"
	CallStateConnected     CallState = "connected"
	CallStateReconnecting  CallState = "reconnecting"
	CallStateDisconnecting CallState = "disconnecting"
	CallStateEnded         CallState = "ended"
)

// ParseCallState accepts the wire names used by the call engine.
func ParseCallState(s string) (CallState, error) {
	switch CallState(s) {
	case CallStateConnecting, CallStateConnected, CallStateReconnecting,
		CallStateDisconnecting, CallStateEnded:
		return CallState(s), nil
	default:
		return "", fmt.Errorf("unknown call state: %q", s)
	}
}

type LayoutMode string

const (
	LayoutModeAuto   LayoutMode = "auto"
	LayoutModeManual LayoutMode = "manual"
)

func ParseLayoutMode(s string) (LayoutMode, error) {
	switch LayoutMode(s) {
	case LayoutModeAuto, LayoutModeManual:
		return LayoutMode(s), nil
	default:
		return "", fmt.Errorf("unknown layout mode: %q", s)
	}
}
