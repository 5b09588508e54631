/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package rpcerr

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Domain errors that business handlers return. They are translated into gRPC statuses by the error translation interceptor.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalid       = errors.New("invalid argument")
	ErrPermission    = errors.New("permission denied")
	ErrUnimplemented = errors.New("not implemented")
)

// InternalMessage is the only message that is surfaced to the caller for unexpected errors.
const InternalMessage = "Internal server error"

// Error is a domain error carrying a message that is safe to return to the caller.
type Error struct {
	kind error
	msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.msg
}

// Unwrap returns the domain sentinel error, so errors.Is(err, ErrNotFound) works.
func (e *Error) Unwrap() error {
	return e.kind
}

func newError(kind error, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// NotFound returns a new error of the ErrNotFound kind.
func NotFound(format string, args ...interface{}) error {
	return newError(ErrNotFound, format, args...)
}

// Invalid returns a new error of the ErrInvalid kind.
func Invalid(format string, args ...interface{}) error {
	return newError(ErrInvalid, format, args...)
}

// Permission returns a new error of the ErrPermission kind.
func Permission(format string, args ...interface{}) error {
	return newError(ErrPermission, format, args...)
}

// Unimplemented returns a new error of the ErrUnimplemented kind.
func Unimplemented(format string, args ...interface{}) error {
	return newError(ErrUnimplemented, format, args...)
}

// ToStatus translates err into a gRPC status.
// Status errors are returned unchanged.
// The second result is false when err is not a known kind and is reported as Internal, so the caller should log it.
func ToStatus(err error) (st *status.Status, known bool) {
	if err == nil {
		return status.New(codes.OK, ""), true
	}
	if s, ok := status.FromError(err); ok {
		return s, true
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, "Request was cancelled"), true
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, "Request deadline exceeded"), true
	case errors.Is(err, ErrNotFound):
		return status.New(codes.NotFound, callerMessage(err)), true
	case errors.Is(err, ErrInvalid):
		return status.New(codes.InvalidArgument, callerMessage(err)), true
	case errors.Is(err, ErrPermission):
		return status.New(codes.PermissionDenied, callerMessage(err)), true
	case errors.Is(err, ErrUnimplemented):
		return status.New(codes.Unimplemented, callerMessage(err)), true
	}
	return status.New(codes.Internal, InternalMessage), false
}

// callerMessage prefers the message of the outermost *Error in the chain.
// Errors wrapped around it with fmt.Errorf may contain internal details and are not surfaced.
func callerMessage(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.msg
	}
	for _, kind := range []error{ErrNotFound, ErrInvalid, ErrPermission, ErrUnimplemented} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return InternalMessage
}
