// Package apperror defines the stable domain error taxonomy (§7) shared by
// every component. Domain errors are caught at the Hub boundary and
// translated into a response frame's {error: {code, message}} — they are
// never propagated to clients as Go panics or raw internal error strings.
package apperror

import "fmt"

// Code is one of the stable taxonomy codes from §7.
type Code string

const (
	AuthFailed     Code = "AUTH_FAILED"
	Locked         Code = "LOCKED"
	ClaimConflict  Code = "CLAIM_CONFLICT"
	Conflict       Code = "CONFLICT"
	NotFound       Code = "NOT_FOUND"
	Forbidden      Code = "FORBIDDEN"
	Intervention   Code = "INTERVENTION"
	SlowConsumer   Code = "SLOW_CONSUMER"
	Internal       Code = "INTERNAL"
	NameTaken      Code = "NAME_TAKEN"
	Invalid        Code = "INVALID"
)

// Error is a domain error carrying a stable code plus a human message.
type Error struct {
	ErrCode Code
	Msg     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Msg)
}

// New constructs a domain Error.
func New(code Code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, defaulting to Internal for
// any error that isn't one of ours — callers at the Hub boundary must never
// surface a raw internal error string to a client (§7).
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if de, ok := err.(*Error); ok {
		return de.ErrCode
	}
	return Internal
}
