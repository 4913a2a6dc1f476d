package providers

import (
	"context"
	"testing"
)

func TestWithRequestID_and_GetRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-abc-123")
	if got := GetRequestID(ctx); got != "req-abc-123" {
		t.Errorf("GetRequestID() = %q, want %q", got, "req-abc-123")
	}
}

func TestGetRequestID_missing(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on bare context = %q, want empty string", got)
	}
}

func TestInvocationID_independent_of_request_id(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req")
	ctx = WithInvocationID(ctx, "inv")
	if GetRequestID(ctx) != "req" {
		t.Errorf("request id lost after setting invocation id")
	}
	if GetInvocationID(ctx) != "inv" {
		t.Errorf("GetInvocationID() = %q, want %q", GetInvocationID(ctx), "inv")
	}
}
