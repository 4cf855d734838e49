package dispatch

import (
	"errors"
	"fmt"

	"tradegate/internal/broker"
)

// FailureKind classifies why a dispatch failed. The set is closed.
type FailureKind string

const (
	NoActiveSession      FailureKind = "NoActiveSession"
	DriverFailure        FailureKind = "DriverFailure"
	MalformedRequest     FailureKind = "MalformedRequest"
	SessionAlreadyActive FailureKind = "SessionAlreadyActive"
)

// Failure is the outcome of a failed dispatch. Only Kind and Message are
// ever shown to clients; Err is kept for server-side logging.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

// Malformed builds a MalformedRequest failure.
func Malformed(format string, args ...any) *Failure {
	return &Failure{Kind: MalformedRequest, Message: fmt.Sprintf(format, args...)}
}

func noSession(err error) *Failure {
	return &Failure{Kind: NoActiveSession, Message: err.Error(), Err: err}
}

// driverFailure wraps a driver error, keeping the driver's own
// classification in the message when it provides one.
func driverFailure(err error) *Failure {
	var berr *broker.Error
	if errors.As(err, &berr) {
		return &Failure{Kind: DriverFailure, Message: berr.Error(), Err: err}
	}
	return &Failure{Kind: DriverFailure, Message: err.Error(), Err: err}
}
