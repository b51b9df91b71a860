package wdclient

import (
	"errors"
	"fmt"
)

// CodeInvalidSessionID is the W3C error code for an unknown session.
const CodeInvalidSessionID = "invalid session id"

// Error is an error reported by a driver.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("webdriver: %s (HTTP %d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("webdriver: %s: %s (HTTP %d)", e.Code, e.Message, e.StatusCode)
}

// IsInvalidSession returns true if err reports an unknown session.
func IsInvalidSession(err error) bool {
	var werr *Error
	return errors.As(err, &werr) && werr.Code == CodeInvalidSessionID
}

// legacyCode maps the numeric statuses of the legacy JSON wire protocol to
// their W3C error codes.
func legacyCode(status int64) string {
	switch status {
	case 6:
		return CodeInvalidSessionID
	case 13:
		return "unknown error"
	case 33:
		return "session not created"
	default:
		return fmt.Sprintf("status %d", status)
	}
}
