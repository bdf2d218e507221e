package domain

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrStreamNotFound  = errors.New("stream not found")
	ErrPinRejected     = errors.New("pin rejected")
	ErrInvalidViewport = errors.New("invalid viewport")
)
