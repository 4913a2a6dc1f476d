package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Name identifies a backend provider family.
type Name string

const (
	OpenAI     Name = "openai"
	Anthropic  Name = "anthropic"
	Gemini     Name = "gemini"
	Bedrock    Name = "bedrock"
	XAI        Name = "xai"
	Perplexity Name = "perplexity"
)

// Supported lists every provider in presentation order.
var Supported = []Name{OpenAI, Anthropic, Gemini, Bedrock, XAI, Perplexity}

var aliases = map[string]Name{
	"google": Gemini,
	"grok":   XAI,
	"claude": Anthropic,
}

// Normalize lower-cases a provider name and resolves aliases. The second
// return value reports whether the result is a supported provider.
func Normalize(s string) (Name, bool) {
	n := strings.ToLower(strings.TrimSpace(s))
	if a, ok := aliases[n]; ok {
		return a, true
	}
	for _, p := range Supported {
		if string(p) == n {
			return p, true
		}
	}
	return Name(n), false
}

// Request is one text-generation call against a single provider model.
type Request struct {
	Model        string
	Prompt       string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// Credential carries what an adapter needs to authenticate. HTTP backends use
// APIKey; Bedrock uses Region and the ambient AWS credential chain.
type Credential struct {
	APIKey string
	Region string
}

// Adapter performs exactly one outbound call per Generate.
type Adapter interface {
	ID() Name
	Generate(ctx context.Context, cred Credential, req Request) (string, error)
}

// Codec translates between the unified Request and a backend wire format.
type Codec interface {
	BuildRequest(req Request) (any, error)
	ParseResponse(body []byte) (string, error)
}

// StatusError captures an HTTP status code from a provider response.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter reads a Retry-After header in either delta-seconds or
// HTTP-date form. Unparseable values are ignored.
func (e *StatusError) ParseRetryAfter(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		e.RetryAfterSecs = n
		return
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			e.RetryAfterSecs = int(d.Seconds())
		}
	}
}

// CredentialMissingError is returned before any network call when the
// provider has no usable credential.
type CredentialMissingError struct {
	Provider Name
}

func (e *CredentialMissingError) Error() string {
	return fmt.Sprintf("%s: credential not configured", e.Provider)
}

// CallFailedError wraps any failure of the single outbound call: transport,
// non-2xx status, malformed body or an unsupported model family.
type CallFailedError struct {
	Provider   Name
	Code       string
	StatusCode int
	Message    string
	Err        error
}

func (e *CallFailedError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Provider))
	b.WriteString(" error")
	switch {
	case e.Code != "":
		fmt.Fprintf(&b, " (%s)", e.Code)
	case e.StatusCode != 0:
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

func (e *CallFailedError) Unwrap() error { return e.Err }

// modelScopedCodes are error codes that condemn one model id or request,
// not the provider behind it.
var modelScopedCodes = map[string]bool{
	"unsupported_model_family":  true,
	"ValidationException":       true,
	"ResourceNotFoundException": true,
	"model_not_found":           true,
	"invalid_request_error":     true,
	"INVALID_ARGUMENT":          true,
	"NOT_FOUND":                 true,
}

// ModelScoped reports whether err is a failure of the requested model or
// payload (a bad model id, an unsupported family, a rejected request body)
// rather than of the provider. Such failures do not count against provider
// health.
func ModelScoped(err error) bool {
	var cfe *CallFailedError
	if !errors.As(err, &cfe) {
		return false
	}
	if modelScopedCodes[cfe.Code] {
		return true
	}
	switch cfe.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// errorEnvelope covers the error bodies returned by OpenAI-compatible,
// Anthropic and Gemini endpoints.
type errorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
		Status  string `json:"status"`
	} `json:"error"`
	Message string `json:"message"`
}

// WrapCallError converts a DoRequest error into a CallFailedError, pulling
// the backend's own message and code out of the body when possible.
func WrapCallError(provider Name, err error) error {
	if se, ok := err.(*StatusError); ok {
		cfe := &CallFailedError{Provider: provider, StatusCode: se.StatusCode, Message: se.Body, Err: se}
		var env errorEnvelope
		if json.Unmarshal([]byte(se.Body), &env) == nil {
			switch {
			case env.Error != nil:
				if env.Error.Message != "" {
					cfe.Message = env.Error.Message
				}
				cfe.Code = firstNonEmpty(env.Error.Type, codeString(env.Error.Code), env.Error.Status)
			case env.Message != "":
				cfe.Message = env.Message
			}
		}
		if cfe.Message == "" {
			cfe.Message = fmt.Sprintf("HTTP %d", se.StatusCode)
		}
		return cfe
	}
	return &CallFailedError{Provider: provider, Message: err.Error(), Err: err}
}

// Malformed reports a response body that could not be decoded.
func Malformed(provider Name, err error) error {
	return &CallFailedError{Provider: provider, Code: "malformed_response", Message: err.Error(), Err: err}
}

func codeString(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case float64:
		return strconv.Itoa(int(c))
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
