package sim

import "fmt"

// ErrorKind classifies the errors returned by the runtime.
type ErrorKind int

// The error taxonomy.
const (
	InvalidIdentifier ErrorKind = iota + 1
	InvalidParameter
	InvalidFunctionCall
	RegistrationFailure
	Terminated
	ConnectionFailure
)

var errorKindNames = map[ErrorKind]string{
	InvalidIdentifier:   "invalid identifier",
	InvalidParameter:    "invalid parameter",
	InvalidFunctionCall: "invalid function call",
	RegistrationFailure: "registration failure",
	Terminated:          "terminated",
	ConnectionFailure:   "connection failure",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("error kind %d", int(k))
}

// Error is an error of a known kind.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}

	return e.Kind.String() + ": " + e.Message
}

// Is reports a match when target is an *Error of the same kind, so that
// errors.Is(err, sim.ErrTerminated) works for any terminated error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// NewError creates an error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is.
var (
	ErrInvalidIdentifier   = &Error{Kind: InvalidIdentifier}
	ErrInvalidParameter    = &Error{Kind: InvalidParameter}
	ErrInvalidFunctionCall = &Error{Kind: InvalidFunctionCall}
	ErrRegistrationFailure = &Error{Kind: RegistrationFailure}
	ErrTerminated          = &Error{Kind: Terminated}
	ErrConnectionFailure   = &Error{Kind: ConnectionFailure}
)
