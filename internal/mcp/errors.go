package mcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error categories for adapter and manager failures. The category decides
// retry behavior and the hint surfaced to the user.
type Category string

const (
	CategoryAuthMissing    Category = "auth_missing"
	CategoryAuthExpired    Category = "auth_expired"
	CategoryTransport      Category = "transport"
	CategorySessionEvicted Category = "session_evicted"
	CategoryBadArgument    Category = "bad_argument"
	CategoryToolFailure    Category = "tool_failure"
	CategoryTimeout        Category = "timeout"
)

// Sentinel errors for the well-known failure modes.
var (
	// ErrAuthMissing means no token exists for the (user, provider) pair.
	ErrAuthMissing = errors.New("no token for provider; connect the service first")

	// ErrAuthExpired means the token expired and could not be refreshed.
	ErrAuthExpired = errors.New("token expired; reconnect the service")

	// ErrSessionEvicted means the remote evicted our session (HTTP 404).
	ErrSessionEvicted = errors.New("session not found")

	// ErrNotConnected means no live handle exists and connect failed.
	ErrNotConnected = errors.New("not connected")
)

// BadArgumentError wraps a server-side parameter rejection.
type BadArgumentError struct {
	Tool   string
	Reason string
}

func (e *BadArgumentError) Error() string {
	return fmt.Sprintf("bad argument for %s: %s", e.Tool, e.Reason)
}

// Categorize maps an error to its taxonomy category.
func Categorize(err error) Category {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthMissing):
		return CategoryAuthMissing
	case errors.Is(err, ErrAuthExpired):
		return CategoryAuthExpired
	case errors.Is(err, ErrSessionEvicted):
		return CategorySessionEvicted
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	}

	var badArg *BadArgumentError
	if errors.As(err, &badArg) {
		return CategoryBadArgument
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransport
	}
	if errors.Is(err, ErrNotConnected) || strings.Contains(err.Error(), "connection refused") {
		return CategoryTransport
	}

	return CategoryToolFailure
}

// Retriable reports whether the connection manager's health loop should retry
// after this error.
func Retriable(err error) bool {
	switch Categorize(err) {
	case CategoryTransport, CategoryTimeout, CategorySessionEvicted:
		return true
	default:
		return false
	}
}

// UserHint returns the actionable one-liner for an error category.
func UserHint(err error) string {
	switch Categorize(err) {
	case CategoryAuthMissing:
		return "Connect the service first."
	case CategoryAuthExpired:
		return "Please reconnect the service."
	case CategoryBadArgument:
		return "Try rephrasing your request."
	case CategoryTimeout:
		return "The request timed out; please try again."
	default:
		return ""
	}
}
