package names

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	handleMinLength = 1
	handleMaxLength = 255
)

var (
	handlePattern = regexp.MustCompile(`^[a-z0-9]+$`)
	// ErrInvalidHandle is returned when a handle does not satisfy the naming
	// constraints.
	ErrInvalidHandle = errors.New("names: invalid handle")
	// ErrHandleTaken is returned when the handle is already minted.
	ErrHandleTaken = errors.New("names: handle already registered")
)

// NormalizeHandle lowercases and validates the supplied handle.
func NormalizeHandle(handle string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(handle))
	if length := len(lower); length < handleMinLength || length > handleMaxLength {
		return "", fmt.Errorf("%w: must be between %d and %d characters", ErrInvalidHandle, handleMinLength, handleMaxLength)
	}
	if !handlePattern.MatchString(lower) {
		return "", fmt.Errorf("%w: allowed characters are [a-z0-9]", ErrInvalidHandle)
	}
	return lower, nil
}
