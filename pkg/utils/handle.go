package utils

import (
	"errors"
	"fmt"
	"strings"
)

const maxHandleLength = 32

// ValidateChannelHandle validates that a public channel handle (without "@")
// is non-empty, at most 32 characters, and made only of letters, digits and
// underscores. Handles end up in preview URL paths, so anything else is
// rejected.
func ValidateChannelHandle(handle string) error {
	trimmed := strings.TrimSpace(handle)
	if trimmed == "" {
		return errors.New("channel handle must be a non-empty string")
	}
	if strings.ContainsAny(trimmed, "/\\") || strings.Contains(trimmed, "..") {
		return errors.New("channel handle must not contain path separators or '..'")
	}
	if len(trimmed) > maxHandleLength {
		return fmt.Errorf("channel handle is longer than %d characters", maxHandleLength)
	}
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		default:
			return fmt.Errorf("channel handle contains invalid character %q", r)
		}
	}
	return nil
}
