package certify

import "errors"

// Status is the outcome code of a certified messaging operation. Every
// operation returns an error that maps onto exactly one Status via StatusOf.
type Status int

const (
	StatusOK Status = iota
	StatusInvalidTransport
	StatusInvalidArg
	StatusInvalidEvent
	StatusInvalidMsg
	StatusInvalidQueue
	StatusInvalidCallback
	// StatusError covers failures that did not originate from handle or
	// argument validation, such as a ledger write or a publish error.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusInvalidTransport:
		return "INVALID_TRANSPORT"
	case StatusInvalidArg:
		return "INVALID_ARG"
	case StatusInvalidEvent:
		return "INVALID_EVENT"
	case StatusInvalidMsg:
		return "INVALID_MSG"
	case StatusInvalidQueue:
		return "INVALID_QUEUE"
	case StatusInvalidCallback:
		return "INVALID_CALLBACK"
	default:
		return "ERROR"
	}
}

// Error is the error type behind the sentinel errors below.
type Error struct {
	Status Status
	msg    string
}

func (e *Error) Error() string {
	return e.msg
}

var (
	ErrInvalidTransport = &Error{Status: StatusInvalidTransport, msg: "certify: invalid transport"}
	ErrInvalidArg       = &Error{Status: StatusInvalidArg, msg: "certify: invalid argument"}
	ErrInvalidEvent     = &Error{Status: StatusInvalidEvent, msg: "certify: invalid event"}
	ErrInvalidMsg       = &Error{Status: StatusInvalidMsg, msg: "certify: invalid message"}
	ErrInvalidQueue     = &Error{Status: StatusInvalidQueue, msg: "certify: invalid queue"}
	ErrInvalidCallback  = &Error{Status: StatusInvalidCallback, msg: "certify: invalid callback"}
)

// StatusOf maps err to its Status. A nil error is StatusOK; errors that do not
// wrap one of the sentinel errors are StatusError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusError
}
