// Package anthropic implements the Anthropic Messages wire family, used both
// by the direct API and by Claude models hosted on Bedrock.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/tokenrelay/internal/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	// BedrockVersion is the anthropic_version value Bedrock expects in the body.
	BedrockVersion = "bedrock-2023-05-31"
	defaultSystem  = "You are a helpful assistant."
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	AnthropicVersion string    `json:"anthropic_version,omitempty"`
	Model            string    `json:"model,omitempty"`
	Messages         []message `json:"messages"`
	System           string    `json:"system,omitempty"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Codec builds Messages API bodies. With Bedrock set, the model is carried
// out of band and the body is tagged with BedrockVersion.
type Codec struct {
	Bedrock bool
}

func (c Codec) BuildRequest(req providers.Request) (any, error) {
	out := messagesRequest{
		Messages:    []message{{Role: "user", Content: req.Prompt}},
		System:      req.SystemPrompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if c.Bedrock {
		out.AnthropicVersion = BedrockVersion
	} else {
		out.Model = req.Model
		if out.System == "" {
			out.System = defaultSystem
		}
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096
	}
	return out, nil
}

// ParseResponse concatenates every text block in order.
func (c Codec) ParseResponse(body []byte) (string, error) {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode messages response: %w", err)
	}
	var b strings.Builder
	for _, block := range resp.Content {
		b.WriteString(block.Text)
	}
	return b.String(), nil
}

// Adapter calls the Anthropic Messages API directly.
type Adapter struct {
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

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// New creates an Anthropic adapter with a 60s timeout.
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

func (a *Adapter) ID() providers.Name { return providers.Anthropic }

func (a *Adapter) HealthEndpoint() string { return a.baseURL + "/v1/models" }

func (a *Adapter) Generate(ctx context.Context, cred providers.Credential, req providers.Request) (string, error) {
	if cred.APIKey == "" {
		return "", &providers.CredentialMissingError{Provider: providers.Anthropic}
	}
	codec := Codec{}
	payload, _ := codec.BuildRequest(req)
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, map[string]string{
		"x-api-key":         cred.APIKey,
		"anthropic-version": apiVersion,
	})
	if err != nil {
		return "", providers.WrapCallError(providers.Anthropic, err)
	}
	text, err := codec.ParseResponse(body)
	if err != nil {
		return "", providers.Malformed(providers.Anthropic, err)
	}
	return text, nil
}
