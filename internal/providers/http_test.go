package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDoRequest_success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json Content-Type, got %s", ct)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "hello"})
	}))
	defer ts.Close()

	body, err := DoRequest(context.Background(), ts.Client(), ts.URL, map[string]string{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if got["message"] != "hello" {
		t.Errorf("got message=%q, want %q", got["message"], "hello")
	}
}

func TestDoRequest_accepts_any_2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	if _, err := DoRequest(context.Background(), ts.Client(), ts.URL, struct{}{}, nil); err != nil {
		t.Fatalf("unexpected error for 202: %v", err)
	}
}

func TestDoRequest_custom_headers(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization header = %q, want %q", got, "Bearer tok")
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := DoRequest(context.Background(), ts.Client(), ts.URL, struct{}{}, map[string]string{"Authorization": "Bearer tok"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDoRequest_rate_limit_with_retry_after(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`rate limited`))
	}))
	defer ts.Close()

	_, err := DoRequest(context.Background(), ts.Client(), ts.URL, struct{}{}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %T: %v", err, err)
	}
	if se.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want %d", se.StatusCode, http.StatusTooManyRequests)
	}
	if se.RetryAfterSecs != 42 {
		t.Errorf("RetryAfterSecs = %d, want 42", se.RetryAfterSecs)
	}
}

func TestDoRequest_forwards_ids(t *testing.T) {
	var gotReq, gotInv string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r.Header.Get("X-Request-ID")
		gotInv = r.Header.Get("X-Invocation-ID")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	ctx := WithInvocationID(WithRequestID(context.Background(), "req-1"), "inv-1")
	if _, err := DoRequest(ctx, ts.Client(), ts.URL, struct{}{}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotReq != "req-1" || gotInv != "inv-1" {
		t.Errorf("forwarded ids = (%q, %q), want (req-1, inv-1)", gotReq, gotInv)
	}
}

func TestDoRequest_timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := &http.Client{Timeout: 50 * time.Millisecond}
	_, err := DoRequest(context.Background(), client, ts.URL, struct{}{}, nil)
	if err == nil || !strings.Contains(err.Error(), "request failed") {
		t.Errorf("error = %v, expected it to contain %q", err, "request failed")
	}
}

func TestDoRequest_marshal_error(t *testing.T) {
	_, err := DoRequest(context.Background(), http.DefaultClient, "http://localhost", make(chan int), nil)
	if err == nil || !strings.Contains(err.Error(), "marshal") {
		t.Errorf("error = %v, expected marshal failure", err)
	}
}

func TestStatusError_ParseRetryAfter(t *testing.T) {
	se := &StatusError{}
	se.ParseRetryAfter("not-a-number")
	if se.RetryAfterSecs != 0 {
		t.Errorf("RetryAfterSecs = %d, want 0", se.RetryAfterSecs)
	}
	se.ParseRetryAfter(time.Now().Add(time.Minute).UTC().Format(time.RFC1123))
	if se.RetryAfterSecs < 50 || se.RetryAfterSecs > 60 {
		t.Errorf("RetryAfterSecs = %d, want ~60", se.RetryAfterSecs)
	}
}

func TestWrapCallError_extracts_backend_message(t *testing.T) {
	se := &StatusError{StatusCode: 401, Body: `{"error":{"message":"bad key","type":"invalid_request_error"}}`}
	err := WrapCallError(OpenAI, se)

	var cfe *CallFailedError
	if !errors.As(err, &cfe) {
		t.Fatalf("expected *CallFailedError, got %T", err)
	}
	if cfe.Message != "bad key" || cfe.Code != "invalid_request_error" || cfe.StatusCode != 401 {
		t.Errorf("unexpected fields: %+v", cfe)
	}
	if got := err.Error(); got != "openai error (invalid_request_error): bad key" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.As(err, &se) {
		t.Error("CallFailedError should unwrap to the StatusError")
	}
}

func TestWrapCallError_plain_body(t *testing.T) {
	err := WrapCallError(Gemini, &StatusError{StatusCode: 503, Body: "upstream down"})
	if got := err.Error(); got != "gemini error (status 503): upstream down" {
		t.Errorf("Error() = %q", got)
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]struct {
		want Name
		ok   bool
	}{
		"openai":  {OpenAI, true},
		"Google":  {Gemini, true},
		"grok":    {XAI, true},
		" xai ":   {XAI, true},
		"bedrock": {Bedrock, true},
		"cohere":  {"cohere", false},
	}
	for in, tc := range cases {
		got, ok := Normalize(in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Normalize(%q) = (%q, %v), want (%q, %v)", in, got, ok, tc.want, tc.ok)
		}
	}
}
