package utils

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// GenerateSessionID generates a unique call session ID
func GenerateSessionID() string {
	return GenerateID("session")
}

// GenerateClientID names a renderer connection that did not bring its own id
func GenerateClientID() string {
	return GenerateID("client")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return GenerateID("req")
}

// GenerateInstanceID identifies this process on the event bus
func GenerateInstanceID() string {
	return GenerateID("instance")
}
