// Package openai implements the OpenAI chat-completions wire family, which is
// shared by OpenAI, xAI and Perplexity.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/tokenrelay/internal/providers"
)

// Backend describes one OpenAI-compatible endpoint and its quirks.
type Backend struct {
	Name    providers.Name
	BaseURL string
	// DropReasoningTemperature omits temperature when the model is a
	// reasoning model. Only OpenAI rejects it; xAI and Perplexity accept it.
	DropReasoningTemperature bool
}

// Backends is the table of OpenAI-compatible providers.
var Backends = map[providers.Name]Backend{
	providers.OpenAI:     {Name: providers.OpenAI, BaseURL: "https://api.openai.com/v1", DropReasoningTemperature: true},
	providers.XAI:        {Name: providers.XAI, BaseURL: "https://api.x.ai/v1"},
	providers.Perplexity: {Name: providers.Perplexity, BaseURL: "https://api.perplexity.ai"},
}

// reasoningPrefixes are model-id prefixes that take max_completion_tokens
// instead of max_tokens.
var reasoningPrefixes = []string{"o1", "o3", "o4", "o5", "gpt-5"}

// IsReasoningModel reports whether model matches the reasoning-model table.
func IsReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, p := range reasoningPrefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model               string    `json:"model"`
	Messages            []message `json:"messages"`
	MaxTokens           int       `json:"max_tokens,omitempty"`
	MaxCompletionTokens int       `json:"max_completion_tokens,omitempty"`
	Temperature         *float64  `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Codec builds chat-completions payloads for one backend.
type Codec struct {
	Backend Backend
}

func (c Codec) BuildRequest(req providers.Request) (any, error) {
	out := chatRequest{Model: req.Model}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, message{Role: "system", Content: req.SystemPrompt})
	}
	out.Messages = append(out.Messages, message{Role: "user", Content: req.Prompt})

	temp := req.Temperature
	if IsReasoningModel(req.Model) {
		out.MaxCompletionTokens = req.MaxTokens
		if !c.Backend.DropReasoningTemperature {
			out.Temperature = &temp
		}
	} else {
		out.MaxTokens = req.MaxTokens
		out.Temperature = &temp
	}
	return out, nil
}

func (c Codec) ParseResponse(body []byte) (string, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("decode chat completion: no choices")
	}
	if resp.Choices[0].Message.Content == nil {
		return "", nil
	}
	return *resp.Choices[0].Message.Content, nil
}

// Adapter sends chat completions to an OpenAI-compatible backend.
type Adapter struct {
	backend Backend
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// DefaultTimeout is the read budget for one call.
const DefaultTimeout = 60 * time.Second

// WithTimeout sets the overall HTTP client timeout. Zero keeps
// DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.client = providers.NewHTTPClient(d)
		}
	}
}

// WithBaseURL overrides the backend's default endpoint.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// New returns an adapter for the named OpenAI-compatible backend.
func New(name providers.Name, opts ...Option) (*Adapter, error) {
	b, ok := Backends[name]
	if !ok {
		return nil, fmt.Errorf("openai: %q is not an OpenAI-compatible provider", name)
	}
	a := &Adapter{
		backend: b,
		baseURL: b.BaseURL,
		client:  providers.NewHTTPClient(DefaultTimeout),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *Adapter) ID() providers.Name { return a.backend.Name }

// HealthEndpoint is the model listing, which answers 401 without a key.
func (a *Adapter) HealthEndpoint() string { return a.baseURL + "/models" }

func (a *Adapter) Generate(ctx context.Context, cred providers.Credential, req providers.Request) (string, error) {
	if cred.APIKey == "" {
		return "", &providers.CredentialMissingError{Provider: a.backend.Name}
	}
	codec := Codec{Backend: a.backend}
	payload, err := codec.BuildRequest(req)
	if err != nil {
		return "", &providers.CallFailedError{Provider: a.backend.Name, Message: err.Error(), Err: err}
	}
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/chat/completions", payload, map[string]string{
		"Authorization": "Bearer " + cred.APIKey,
	})
	if err != nil {
		return "", providers.WrapCallError(a.backend.Name, err)
	}
	text, err := codec.ParseResponse(body)
	if err != nil {
		return "", providers.Malformed(a.backend.Name, err)
	}
	return text, nil
}
