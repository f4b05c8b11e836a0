package apierr

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestKindStatusMapping(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{BadRequest("bad"), fasthttp.StatusBadRequest},
		{NoProviders("gpt-4o"), fasthttp.StatusBadRequest},
		{NoPolicyMatch("strict"), fasthttp.StatusBadRequest},
		{CircuitOpen("gpt-4o"), fasthttp.StatusServiceUnavailable},
		{Upstream(418, []byte(`{}`)), 418},
		{Transport(errors.New("refused")), fasthttp.StatusBadGateway},
		{Timeout(), fasthttp.StatusGatewayTimeout},
		{Internal(errors.New("boom")), fasthttp.StatusInternalServerError},
		{NotFound("nope"), fasthttp.StatusNotFound},
	}
	for _, tc := range cases {
		if got := tc.err.HTTPStatus(); got != tc.want {
			t.Errorf("kind %d: status = %d, want %d", tc.err.Kind, got, tc.want)
		}
	}
}

func TestWrite_EnvelopeShape(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required")

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}

	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Type != "arbstr_error" {
		t.Errorf("type = %q", env.Error.Type)
	}
	if env.Error.Code != 400 {
		t.Errorf("code = %d, want the numeric HTTP status", env.Error.Code)
	}
	if env.Error.Message != "field 'model' is required" {
		t.Errorf("message = %q", env.Error.Message)
	}
}

func TestWriteError_UpstreamPassthrough(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	body := []byte(`{"error":{"message":"upstream says no","type":"server_error"}}`)
	WriteError(ctx, Upstream(502, body))

	if ctx.Response.StatusCode() != 502 {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if string(ctx.Response.Body()) != string(body) {
		t.Errorf("upstream body must be forwarded verbatim, got %s", ctx.Response.Body())
	}
}

func TestWriteError_WrappedTaggedError(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	wrapped := errorsJoin(Timeout())
	WriteError(ctx, wrapped)

	if ctx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Errorf("errors.As unwrapping failed: status = %d", ctx.Response.StatusCode())
	}
}

func TestWriteError_UnknownErrorBecomesInternal(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteError(ctx, errors.New("anonymous failure"))
	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
}

func errorsJoin(err error) error {
	return joinErr{err}
}

type joinErr struct{ inner error }

func (e joinErr) Error() string { return "wrapped: " + e.inner.Error() }
func (e joinErr) Unwrap() error { return e.inner }
