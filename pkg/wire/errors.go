package wire

import (
	"errors"
	"fmt"

	"github.com/WebFirstLanguage/meshwire/pkg/constants"
)

// Sentinels matched by errors.Is against a decode or encode *Error
var (
	ErrTruncated      = errors.New("wire: truncated packet")
	ErrBadVersion     = errors.New("wire: unsupported protocol version")
	ErrLengthOverrun  = errors.New("wire: declared length exceeds buffer")
	ErrDecompress     = errors.New("wire: payload decompression failed")
	ErrOversize       = errors.New("wire: payload too large for version")
	ErrInternal       = errors.New("wire: internal encoder error")
	ErrNoSignature    = errors.New("wire: packet has no signature")
	ErrBadSignature   = errors.New("wire: signature verification failed")
	ErrMalformedField = errors.New("wire: malformed payload field")
)

// Error represents a wire codec failure with a protocol error code
type Error struct {
	Code   uint16
	Reason string
	cause  error
}

// NewError creates a new codec error
func NewError(code uint16, reason string) *Error {
	return &Error{
		Code:   code,
		Reason: reason,
		cause:  sentinelFor(code),
	}
}

// wrapError creates a codec error that also carries an underlying cause
func wrapError(code uint16, reason string, cause error) *Error {
	e := NewError(code, reason)
	if cause != nil {
		e.Reason = fmt.Sprintf("%s: %v", reason, cause)
	}
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("wire error %d (%s): %s", e.Code, ErrorCodeName(e.Code), e.Reason)
}

// Unwrap returns the sentinel for the error code
func (e *Error) Unwrap() error {
	return e.cause
}

func sentinelFor(code uint16) error {
	switch code {
	case constants.ErrorTruncated:
		return ErrTruncated
	case constants.ErrorBadVersion:
		return ErrBadVersion
	case constants.ErrorLengthOverrun:
		return ErrLengthOverrun
	case constants.ErrorDecompress:
		return ErrDecompress
	case constants.ErrorOversize:
		return ErrOversize
	case constants.ErrorInternal:
		return ErrInternal
	default:
		return nil
	}
}

// ErrorCodeName returns the human-readable name for an error code
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorTruncated:
		return "TRUNCATED"
	case constants.ErrorBadVersion:
		return "BAD_VERSION"
	case constants.ErrorLengthOverrun:
		return "LENGTH_OVERRUN"
	case constants.ErrorDecompress:
		return "DECOMPRESS"
	case constants.ErrorOversize:
		return "OVERSIZE"
	case constants.ErrorInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// Common error constructors

// errTruncated creates a truncated-input error
func errTruncated(need, have int) *Error {
	return NewError(constants.ErrorTruncated, fmt.Sprintf("need at least %d bytes, have %d", need, have))
}

// errBadVersion creates an unsupported-version error
func errBadVersion(version uint8) *Error {
	return NewError(constants.ErrorBadVersion, fmt.Sprintf("version %d", version))
}

// errLengthOverrun creates a length-overrun error
func errLengthOverrun(expected uint64, have int) *Error {
	return NewError(constants.ErrorLengthOverrun, fmt.Sprintf("expected %d bytes, have %d", expected, have))
}
