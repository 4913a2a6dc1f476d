// Package gemini implements the Google generateContent wire family.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jordanhubbard/tokenrelay/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	Temperature     float64 `json:"temperature"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

// Codec folds the system prompt into the user turn, separated by a blank line.
type Codec struct{}

func (Codec) BuildRequest(req providers.Request) (any, error) {
	text := req.Prompt
	if req.SystemPrompt != "" {
		text = req.SystemPrompt + "\n\n" + req.Prompt
	}
	return generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: text}}}},
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}, nil
}

func (Codec) ParseResponse(body []byte) (string, error) {
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode generateContent response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return "", nil
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String(), nil
}

// Adapter calls the Gemini API with an API key.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// DefaultTimeout is the read budget for one call.
const DefaultTimeout = 120 * time.Second

// WithTimeout sets the overall HTTP client timeout. Zero keeps
// DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.client = providers.NewHTTPClient(d)
		}
	}
}

// WithBaseURL overrides the API endpoint (including the version segment).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: defaultBaseURL,
		client:  providers.NewHTTPClient(DefaultTimeout),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() providers.Name { return providers.Gemini }

func (a *Adapter) HealthEndpoint() string { return a.baseURL + "/models" }

func (a *Adapter) Generate(ctx context.Context, cred providers.Credential, req providers.Request) (string, error) {
	if cred.APIKey == "" {
		return "", &providers.CredentialMissingError{Provider: providers.Gemini}
	}
	payload, _ := Codec{}.BuildRequest(req)
	// The key goes in a header so it never appears in logged URLs.
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", a.baseURL, url.PathEscape(req.Model))
	body, err := providers.DoRequest(ctx, a.client, endpoint, payload, map[string]string{
		"x-goog-api-key": cred.APIKey,
	})
	if err != nil {
		return "", providers.WrapCallError(providers.Gemini, err)
	}
	text, err := Codec{}.ParseResponse(body)
	if err != nil {
		return "", providers.Malformed(providers.Gemini, err)
	}
	return text, nil
}
