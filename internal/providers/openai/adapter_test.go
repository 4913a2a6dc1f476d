package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jordanhubbard/tokenrelay/internal/providers"
)

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return m
}

func TestGenerateSuccess(t *testing.T) {
	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %s", r.Header.Get("Authorization"))
		}
		got = decodeBody(t, r)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Hello!"}},
			},
		})
	}))
	defer ts.Close()

	a, err := New(providers.OpenAI, WithBaseURL(ts.URL))
	if err != nil {
		t.Fatal(err)
	}
	text, err := a.Generate(context.Background(), providers.Credential{APIKey: "test-key"}, providers.Request{
		Model: "gpt-4o", Prompt: "hi", SystemPrompt: "be brief", MaxTokens: 100, Temperature: 0.3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hello!" {
		t.Errorf("text = %q, want Hello!", text)
	}
	msgs := got["messages"].([]any)
	if len(msgs) != 2 || msgs[0].(map[string]any)["role"] != "system" {
		t.Errorf("messages = %v, want system then user", msgs)
	}
	if got["max_tokens"] != float64(100) || got["temperature"] != 0.3 {
		t.Errorf("payload = %v", got)
	}
	if _, ok := got["max_completion_tokens"]; ok {
		t.Error("non-reasoning model must not send max_completion_tokens")
	}
}

func TestCodecReasoningModels(t *testing.T) {
	cases := []struct {
		backend  providers.Name
		wantTemp bool
	}{
		{providers.OpenAI, false},
		{providers.XAI, true},
		{providers.Perplexity, true},
	}
	for _, tc := range cases {
		c := Codec{Backend: Backends[tc.backend]}
		p, _ := c.BuildRequest(providers.Request{Model: "o3-mini", Prompt: "x", MaxTokens: 50, Temperature: 0.2})
		req := p.(chatRequest)
		if req.MaxCompletionTokens != 50 || req.MaxTokens != 0 {
			t.Errorf("%s: token fields = (%d, %d), want max_completion_tokens only", tc.backend, req.MaxTokens, req.MaxCompletionTokens)
		}
		if (req.Temperature != nil) != tc.wantTemp {
			t.Errorf("%s: temperature present = %v, want %v", tc.backend, req.Temperature != nil, tc.wantTemp)
		}
	}
}

func TestCodecNoSystemPrompt(t *testing.T) {
	p, _ := Codec{Backend: Backends[providers.OpenAI]}.BuildRequest(providers.Request{Model: "gpt-4o", Prompt: "x"})
	if msgs := p.(chatRequest).Messages; len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("messages = %+v, want a single user message", msgs)
	}
}

func TestIsReasoningModel(t *testing.T) {
	for _, m := range []string{"o1", "o3-mini", "O4-mini", "gpt-5", "gpt-5.2-codex"} {
		if !IsReasoningModel(m) {
			t.Errorf("IsReasoningModel(%q) = false", m)
		}
	}
	for _, m := range []string{"gpt-4o", "grok-4.1-fast", "sonar"} {
		if IsReasoningModel(m) {
			t.Errorf("IsReasoningModel(%q) = true", m)
		}
	}
}

func TestParseResponseNullContent(t *testing.T) {
	text, err := Codec{}.ParseResponse([]byte(`{"choices":[{"message":{"content":null}}]}`))
	if err != nil || text != "" {
		t.Errorf("ParseResponse = (%q, %v), want empty text and no error", text, err)
	}
}

func TestGenerateMissingCredential(t *testing.T) {
	a, _ := New(providers.XAI, WithBaseURL("http://127.0.0.1:1"))
	_, err := a.Generate(context.Background(), providers.Credential{}, providers.Request{Model: "grok-4", Prompt: "x"})
	var cme *providers.CredentialMissingError
	if !errors.As(err, &cme) || cme.Provider != providers.XAI {
		t.Fatalf("expected CredentialMissingError for xai, got %v", err)
	}
}

func TestGenerateErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
	}))
	defer ts.Close()

	a, _ := New(providers.Perplexity, WithBaseURL(ts.URL))
	_, err := a.Generate(context.Background(), providers.Credential{APIKey: "k"}, providers.Request{Model: "sonar", Prompt: "x"})
	var cfe *providers.CallFailedError
	if !errors.As(err, &cfe) {
		t.Fatalf("expected CallFailedError, got %T", err)
	}
	if cfe.Provider != providers.Perplexity || cfe.StatusCode != 429 || cfe.Message != "rate limited" {
		t.Errorf("unexpected error fields: %+v", cfe)
	}
}

func TestGenerateMalformedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer ts.Close()

	a, _ := New(providers.OpenAI, WithBaseURL(ts.URL))
	_, err := a.Generate(context.Background(), providers.Credential{APIKey: "k"}, providers.Request{Model: "gpt-4o", Prompt: "x"})
	var cfe *providers.CallFailedError
	if !errors.As(err, &cfe) || cfe.Code != "malformed_response" {
		t.Fatalf("expected malformed_response CallFailedError, got %v", err)
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	if _, err := New(providers.Gemini); err == nil {
		t.Error("expected error for non OpenAI-compatible provider")
	}
}
