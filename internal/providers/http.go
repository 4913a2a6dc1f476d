package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ConnectTimeout bounds TCP connection setup for every HTTP adapter.
const ConnectTimeout = 10 * time.Second

// NewHTTPClient returns a client with a 10s connect timeout and the given
// overall timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   ConnectTimeout,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// DoRequest posts payload as JSON and returns the response body. Any non-2xx
// response becomes a *StatusError with Retry-After parsed. No retries are
// performed; retrying is the fallback chain's job.
func DoRequest(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string) ([]byte, error) {
	ctx, span := otel.Tracer("tokenrelay.providers").Start(ctx, "provider.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", url)),
	)
	defer span.End()

	req, err := newJSONRequest(ctx, url, payload, headers)
	if err != nil {
		return nil, failSpan(span, "build request failed", err)
	}
	if invID := GetInvocationID(ctx); invID != "" {
		span.SetAttributes(attribute.String("tokenrelay.invocation_id", invID))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, failSpan(span, "request failed", fmt.Errorf("request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failSpan(span, "read response failed", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode/100 != 2 {
		se := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		se.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, failSpan(span, fmt.Sprintf("HTTP %d", resp.StatusCode), se)
	}

	span.SetStatus(codes.Ok, "")
	return body, nil
}

// newJSONRequest builds the POST with the caller's headers, the inbound
// request and invocation IDs, and W3C trace context.
func newJSONRequest(ctx context.Context, url string, payload any, headers map[string]string) (*http.Request, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if id := GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if id := GetInvocationID(ctx); id != "" {
		req.Header.Set("X-Invocation-ID", id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, nil
}

func failSpan(span trace.Span, status string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
	return err
}
