package dberr

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

// Domain identifies which subsystem an error came from.
type Domain int

const (
	LiteDomain Domain = iota + 1
	POSIXDomain
	WebSocketDomain
	NetworkDomain
	FleeceDomain
)

func (d Domain) String() string {
	switch d {
	case LiteDomain:
		return "Lite"
	case POSIXDomain:
		return "POSIX"
	case WebSocketDomain:
		return "WebSocket"
	case NetworkDomain:
		return "Network"
	case FleeceDomain:
		return "Fleece"
	default:
		return fmt.Sprintf("Domain(%d)", int(d))
	}
}

// Engine error codes in LiteDomain.
const (
	NotOpen = iota + 1
	NotInTransaction
	TransactionNotClosed
	WrongFormat
	DatabaseTooOld
	InvalidParameter
	Unimplemented
	UnsupportedEncryption
	CorruptRevisionData
)

// Error carries a (domain, code, message) triple plus a backtrace captured
// at construction time.
type Error struct {
	Domain  Domain
	Code    int
	Message string
	stack   error
}

func New(domain Domain, code int, message string) *Error {
	return &Error{
		Domain:  domain,
		Code:    code,
		Message: message,
		stack:   errors.New(message),
	}
}

func Newf(domain Domain, code int, format string, args ...interface{}) *Error {
	return New(domain, code, fmt.Sprintf(format, args...))
}

// Wrap attaches a domain/code to an underlying error. The original error
// remains reachable through Unwrap.
func Wrap(err error, domain Domain, code int, message string) *Error {
	if err == nil {
		return New(domain, code, message)
	}
	return &Error{
		Domain:  domain,
		Code:    code,
		Message: fmt.Sprintf("%s: %s", message, err.Error()),
		stack:   errors.WithStack(err),
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Domain, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return errors.Cause(e.stack)
}

// Backtrace returns the stack captured when the error was created.
func (e *Error) Backtrace() string {
	return fmt.Sprintf("%+v", e.stack)
}

// Is matches on domain and code so callers can compare against sentinel
// errors built with New.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stderrors.As(target, &t) {
		return false
	}
	return e.Domain == t.Domain && e.Code == t.Code
}

// CodeOf returns the taxonomy code of err, or 0 if err carries none.
func CodeOf(err error) int {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return 0
}

// DomainOf returns the taxonomy domain of err, or 0 if err carries none.
func DomainOf(err error) Domain {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Domain
	}
	return 0
}

// IsCode reports whether err is a LiteDomain error with the given code.
func IsCode(err error, code int) bool {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Domain == LiteDomain && e.Code == code
	}
	return false
}
