package channels

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mymmrac/telego/telegoapi"
)

// ErrChannelNotFound means the channel does not exist or the bot cannot
// see it.
var ErrChannelNotFound = errors.New("channel not found")

// RateLimitError is a server-side flood wait. The request should be
// repeated unchanged after RetryAfter.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// PermanentError is a failure that repeating the request cannot fix.
type PermanentError struct {
	Code        int
	Description string
	Err         error
}

func (e *PermanentError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("permanent failure (%d): %s", e.Code, e.Description)
	}
	return "permanent failure: " + e.Description
}

func (e *PermanentError) Unwrap() error { return e.Err }

// ClassifyAPIError converts a Bot API error into RateLimitError or
// PermanentError. Anything else, including network errors and 5xx
// responses, is returned unchanged and treated as transient.
func ClassifyAPIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *telegoapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch {
	case apiErr.ErrorCode == http.StatusTooManyRequests:
		wait := time.Second
		if apiErr.Parameters != nil && apiErr.Parameters.RetryAfter > 0 {
			wait = time.Duration(apiErr.Parameters.RetryAfter) * time.Second
		}
		return &RateLimitError{RetryAfter: wait, Err: err}

	case apiErr.ErrorCode >= 500 || apiErr.ErrorCode == 0:
		return err

	case strings.Contains(strings.ToLower(apiErr.Description), "chat not found"):
		return &PermanentError{Code: apiErr.ErrorCode, Description: apiErr.Description, Err: ErrChannelNotFound}

	case apiErr.Parameters != nil && apiErr.Parameters.MigrateToChatID != 0:
		return &PermanentError{
			Code:        apiErr.ErrorCode,
			Description: fmt.Sprintf("%s (migrated to %d)", apiErr.Description, apiErr.Parameters.MigrateToChatID),
			Err:         err,
		}

	default:
		return &PermanentError{Code: apiErr.ErrorCode, Description: apiErr.Description, Err: err}
	}
}

var unreachableMarkers = []string{
	"chat not found",
	"bot was kicked",
	"bot is not a member",
	"not enough rights",
	"chat_write_forbidden",
	"need administrator rights",
}

// IsTargetUnreachable reports whether err means the bot can no longer post
// to the chat at all, as opposed to this one message being rejected.
func IsTargetUnreachable(err error) bool {
	if errors.Is(err, ErrChannelNotFound) {
		return true
	}
	var perm *PermanentError
	if !errors.As(err, &perm) {
		return false
	}
	if perm.Code == http.StatusUnauthorized || perm.Code == http.StatusForbidden {
		return true
	}
	desc := strings.ToLower(perm.Description)
	for _, marker := range unreachableMarkers {
		if strings.Contains(desc, marker) {
			return true
		}
	}
	return false
}
