package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	// CodeInvalidPayload marks a request rejected before any external call.
	CodeInvalidPayload = Code(codes.InvalidArgument)
	// CodeGenerationFailed marks a content provider failure or unparseable provider output.
	CodeGenerationFailed = Code(codes.Unavailable)
	CodeNotFound         = Code(codes.NotFound)
	CodeAlreadyExists    = Code(codes.AlreadyExists)
	// CodeInternalInconsistency is logged and treated as a no-op, never shown to end users.
	CodeInternalInconsistency = Code(codes.FailedPrecondition)
	CodeInternal              = Code(codes.Internal)
)

var code2http = map[Code]int{
	CodeInvalidPayload:        http.StatusBadRequest,
	CodeGenerationFailed:      http.StatusBadGateway,
	CodeNotFound:              http.StatusNotFound,
	CodeAlreadyExists:         http.StatusConflict,
	CodeInternalInconsistency: http.StatusConflict,
	CodeInternal:              http.StatusInternalServerError,
}

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %s, message: %s", codes.Code(e.Code), e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Public reports whether the message can be shown to an end user as is.
func (e *Error) Public() bool {
	return e.Code != CodeInternal && e.Code != CodeInternalInconsistency
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// IsCode reports whether any error in err's chain is an *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, WithMessagef(format, args...))
}

func InvalidPayload(format string, args ...any) *Error {
	return New(CodeInvalidPayload, WithMessagef(format, args...))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
