package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// IDRegex validates session and stream ID format
	IDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	MaxIDLength       = 128
	MaxViewportSide   = 16384
	MaxStreamsPerCall = 1024
	MaxPinnedLimit    = 64
)

// ValidateSessionID validates a call session ID
func ValidateSessionID(sessionID string) error {
	return validateID(sessionID, "session ID")
}

// ValidateStreamID validates a stream ID
func ValidateStreamID(streamID string) error {
	return validateID(streamID, "stream ID")
}

func validateID(id, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, MaxIDLength)
	}
	if !IDRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", fieldName)
	}
	return nil
}

// ValidateUsername validates username
func ValidateUsername(username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username is required")
	}
	if len(username) < 3 {
		return fmt.Errorf("username must be at least 3 characters")
	}
	if len(username) > 50 {
		return fmt.Errorf("username is too long (max 50 characters)")
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("username contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidatePassword validates password
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password is required")
	}
	if len(password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	if len(password) > 128 {
		return fmt.Errorf("password is too long (max 128 characters)")
	}
	return nil
}

// ValidateViewport validates the renderer viewport. Zero sides are allowed.
func ValidateViewport(width, height int) error {
	if width < 0 || height < 0 {
		return fmt.Errorf("viewport dimensions must not be negative")
	}
	if width > MaxViewportSide || height > MaxViewportSide {
		return fmt.Errorf("viewport is too large (max %d pixels per side)", MaxViewportSide)
	}
	return nil
}

// ValidateStreamCount validates the size of a stream feed update
func ValidateStreamCount(count int) error {
	if count > MaxStreamsPerCall {
		return fmt.Errorf("too many streams (max %d)", MaxStreamsPerCall)
	}
	return nil
}

// ValidateMaxPinned validates a pin capacity
func ValidateMaxPinned(maxPinned int) error {
	if maxPinned < 1 {
		return fmt.Errorf("max pinned must be at least 1")
	}
	if maxPinned > MaxPinnedLimit {
		return fmt.Errorf("max pinned is too high (max %d)", MaxPinnedLimit)
	}
	return nil
}

// ValidateCapacity validates a per-policy slot capacity
func ValidateCapacity(capacity int, fieldName string) error {
	if capacity < 0 {
		return fmt.Errorf("%s must not be negative", fieldName)
	}
	if capacity > MaxStreamsPerCall {
		return fmt.Errorf("%s is too high (max %d)", fieldName, MaxStreamsPerCall)
	}
	return nil
}

// ValidateDisplayName validates a participant display name
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > 100 {
		return fmt.Errorf("display name is too long (max 100 characters)")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
