package domain

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrUnreachable        = errors.New("backend unreachable")
	ErrMalformedResponse  = errors.New("malformed backend response")
	ErrSessionSuperseded  = errors.New("session changed while request was in flight")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrTokenStoreNotFound = errors.New("unknown token store")
)

// Fallback messages shown when the backend gives no usable message.
const (
	MsgLoginFailed        = "Login failed"
	MsgRegisterFailed     = "Registration failed"
	MsgOTPFailed          = "OTP verification failed"
	MsgOTPSendFailed      = "Failed to send OTP"
	MsgOAuthFailed        = "Google sign-in failed"
	MsgPasswordForgotFail = "Failed to send reset link"
	MsgPasswordResetFail  = "Failed to reset password"
	MsgRequestFailed      = "Request failed"
	MsgSessionChanged     = "Session changed, please try again"
)

// ErrorKind tags a RequestError.
type ErrorKind string

const (
	KindRejected    ErrorKind = "rejected"
	KindUnreachable ErrorKind = "unreachable"
	KindMalformed   ErrorKind = "malformed"
	KindSuperseded  ErrorKind = "superseded"
)

// RequestError is the failure result of a network-facing session operation.
// Message is safe to show to the user as-is.
type RequestError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Is lets callers match on the kind's sentinel with errors.Is.
func (e *RequestError) Is(target error) bool {
	switch e.Kind {
	case KindRejected:
		return target == ErrUnauthorized && (e.Status == 401 || e.Status == 403)
	case KindUnreachable:
		return target == ErrUnreachable
	case KindMalformed:
		return target == ErrMalformedResponse
	case KindSuperseded:
		return target == ErrSessionSuperseded
	}
	return false
}

// WithFallback returns a copy of e whose Message is fallback when e has none.
func (e *RequestError) WithFallback(fallback string) *RequestError {
	out := *e
	if out.Message == "" {
		out.Message = fallback
	}
	return &out
}

// AsRequestError converts any error into a RequestError, using fallback as
// the user message when err carries none.
func AsRequestError(err error, fallback string) *RequestError {
	if err == nil {
		return nil
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.WithFallback(fallback)
	}
	return &RequestError{Kind: KindUnreachable, Message: fallback, Err: err}
}
