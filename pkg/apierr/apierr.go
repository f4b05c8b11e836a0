// Package apierr provides the tagged error taxonomy used across the proxy and
// renders errors in the OpenAI-compatible envelope:
//
//	{"error":{"message":"...","type":"arbstr_error","code":<http status>}}
//
// Every failure arbstr reports itself, including internal ones, goes through
// Write so clients always receive the same shape; an upstream error body is
// forwarded unchanged instead.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ErrorType is the constant "type" field of the envelope.
const ErrorType = "arbstr_error"

// Kind tags an error with its place in the taxonomy. Each kind maps to
// exactly one HTTP status.
type Kind int

const (
	KindBadRequest Kind = iota
	KindNoProviders
	KindNoPolicyMatch
	KindCircuitOpen
	KindUpstream
	KindTransport
	KindTimeout
	KindInternal
	KindNotFound
)

// Error is a tagged proxy error. Upstream errors additionally carry the
// original status and body so the OpenAI-compatible error surface of the
// provider is preserved verbatim.
type Error struct {
	Kind    Kind
	Message string

	// Status and Body are set only for KindUpstream (passthrough).
	Status int
	Body   []byte

	err error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.err }

// HTTPStatus maps the error kind to its response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest, KindNoProviders, KindNoPolicyMatch:
		return fasthttp.StatusBadRequest
	case KindCircuitOpen:
		return fasthttp.StatusServiceUnavailable
	case KindUpstream:
		return e.Status
	case KindTransport:
		return fasthttp.StatusBadGateway
	case KindTimeout:
		return fasthttp.StatusGatewayTimeout
	case KindNotFound:
		return fasthttp.StatusNotFound
	default:
		return fasthttp.StatusInternalServerError
	}
}

// ── Constructors ─────────────────────────────────────────────────────────────

func BadRequest(format string, args ...any) *Error {
	return &Error{Kind: KindBadRequest, Message: fmt.Sprintf(format, args...)}
}

func NoProviders(model string) *Error {
	return &Error{Kind: KindNoProviders, Message: fmt.Sprintf("no configured provider serves model %q", model)}
}

func NoPolicyMatch(policy string) *Error {
	return &Error{Kind: KindNoPolicyMatch, Message: fmt.Sprintf("policy %q eliminated every candidate provider", policy)}
}

func CircuitOpen(model string) *Error {
	return &Error{Kind: KindCircuitOpen, Message: fmt.Sprintf("all providers for model %q are unavailable (circuit open)", model)}
}

func Upstream(status int, body []byte) *Error {
	return &Error{
		Kind:    KindUpstream,
		Message: fmt.Sprintf("upstream returned status %d", status),
		Status:  status,
		Body:    body,
	}
}

func Transport(err error) *Error {
	return &Error{Kind: KindTransport, Message: "upstream connection failed: " + err.Error(), err: err}
}

func Timeout() *Error {
	return &Error{Kind: KindTimeout, Message: "request deadline exceeded"}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error: " + err.Error(), err: err}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// ── Rendering ────────────────────────────────────────────────────────────────

type (
	payload struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	}
	envelope struct {
		Error payload `json:"error"`
	}
)

// Write renders the envelope with the given status and message.
func Write(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: payload{
		Message: message,
		Type:    ErrorType,
		Code:    status,
	}})
	ctx.SetBody(body)
}

// WriteError renders any error. Tagged errors use their kind mapping; upstream
// errors are forwarded with the original status and body untouched. Everything
// else becomes a 500.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Kind == KindUpstream && len(ae.Body) > 0 {
			ctx.SetStatusCode(ae.Status)
			ctx.SetContentType("application/json")
			ctx.SetBody(ae.Body)
			return
		}
		Write(ctx, ae.HTTPStatus(), ae.Message)
		return
	}
	Write(ctx, fasthttp.StatusInternalServerError, err.Error())
}
