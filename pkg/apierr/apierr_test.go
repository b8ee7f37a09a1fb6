package apierr

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestKind_StatusMapping(t *testing.T) {
	cases := map[Kind]int{
		ClientRequestInvalid: fasthttp.StatusBadRequest,
		Unauthenticated:      fasthttp.StatusUnauthorized,
		Unauthorized:         fasthttp.StatusForbidden,
		RateLimitedLocal:     fasthttp.StatusTooManyRequests,
		RateLimitedUpstream:  fasthttp.StatusTooManyRequests,
		UpstreamRetryable:    fasthttp.StatusServiceUnavailable,
		UpstreamFatal:        fasthttp.StatusBadGateway,
		Timeout:              fasthttp.StatusGatewayTimeout,
		ConfigInvalid:        fasthttp.StatusInternalServerError,
		Internal:             fasthttp.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := kind.Status(); got != want {
			t.Errorf("%s.Status() = %d, want %d", kind, got, want)
		}
	}
}

func TestKind_StatusUnknownDefaultsToInternal(t *testing.T) {
	if got := Kind("bogus").Status(); got != fasthttp.StatusInternalServerError {
		t.Errorf("unknown kind status = %d, want 500", got)
	}
}

func TestWriteKind_SetsStatusAndBody(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteKind(ctx, &Error{
		Kind:    RateLimitedUpstream,
		Message: "provider rejected the request",
		Type:    TypeRateLimitError,
		Code:    CodeRateLimitExceeded,
	})

	if ctx.Response.StatusCode() != fasthttp.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", ctx.Response.StatusCode())
	}

	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if env.Error.Message != "provider rejected the request" {
		t.Errorf("message = %q", env.Error.Message)
	}
}

func TestWriteKind_AppendsProviderCode(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteKind(ctx, &Error{
		Kind:         UpstreamFatal,
		Message:      "upstream refused the request",
		Type:         TypeProviderError,
		Code:         CodeProviderError,
		ProviderCode: "content_policy_violation",
	})

	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if !strings.Contains(env.Error.Message, "content_policy_violation") {
		t.Errorf("expected provider code in message, got %q", env.Error.Message)
	}
}

func TestError_ErrorMethodReturnsMessage(t *testing.T) {
	e := &Error{Message: "boom"}
	if e.Error() != "boom" {
		t.Errorf("Error() = %q, want %q", e.Error(), "boom")
	}
}
