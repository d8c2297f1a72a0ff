package llm

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrEmptyCompletion is returned when a provider answers with no text.
	ErrEmptyCompletion = errors.New("empty completion")
	// ErrNoJSONObject is returned when a reply carries no JSON object.
	ErrNoJSONObject = errors.New("no JSON object in model reply")
	// ErrUnknownProvider is returned by New for an unsupported provider name.
	ErrUnknownProvider = errors.New("unknown llm provider")
)

// TransientError represents a temporary failure that a caller may resubmit.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent failure such as bad credentials.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// classify wraps a provider error as transient or fatal. Nil stays nil.
func classify(err error) error {
	if err == nil || IsTransient(err) || IsFatal(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTransientError(err)
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted:
			return NewTransientError(err)
		case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument, codes.Unimplemented:
			return NewFatalError(err)
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"),
		strings.Contains(msg, "overloaded"):
		return NewTransientError(err)
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "invalid api key"):
		return NewFatalError(err)
	}
	return err
}
