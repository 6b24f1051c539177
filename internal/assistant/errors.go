package assistant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Kind categorizes why a remote call failed.
type Kind string

const (
	KindRateLimit      Kind = "rate_limit"
	KindServer         Kind = "server_error"
	KindNetwork        Kind = "network"
	KindAuth           Kind = "auth"
	KindInvalidRequest Kind = "invalid_request"
	KindNotFound       Kind = "not_found"
	KindCanceled       Kind = "canceled"
	KindUnknown        Kind = "unknown"
)

// Transient reports whether retrying the same call may succeed.
func (k Kind) Transient() bool {
	switch k {
	case KindRateLimit, KindServer, KindNetwork:
		return true
	default:
		return false
	}
}

// Error is a classified failure of a remote protocol call.
type Error struct {
	// Op is the protocol operation, e.g. "start_run".
	Op string

	Kind Kind

	// Status is the HTTP status code, if the service answered.
	Status int

	Cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "assistant %s: [%s]", e.Op, e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	if e.Cause != nil {
		b.WriteString(" ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Transient reports whether retrying may succeed.
func (e *Error) Transient() bool {
	return e.Kind.Transient()
}

// IsTransient reports whether err is a transient remote failure.
// Unclassified errors are treated as permanent.
func IsTransient(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Transient()
	}
	return false
}

// wrapError classifies err for op. nil stays nil.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	e := &Error{Op: op, Kind: KindUnknown, Cause: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindCanceled
	case errors.As(err, &apiErr):
		e.Status = apiErr.HTTPStatusCode
		e.Kind = classifyStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		e.Status = reqErr.HTTPStatusCode
		e.Kind = classifyStatus(reqErr.HTTPStatusCode)
	case errors.As(err, &netErr):
		e.Kind = KindNetwork
	}
	return e
}

func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusRequestTimeout:
		return KindNetwork
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindInvalidRequest
	default:
		return KindUnknown
	}
}
