package bedrock

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jordanhubbard/tokenrelay/internal/providers"
	"github.com/jordanhubbard/tokenrelay/internal/providers/anthropic"
)

// Family is the vendor whose body format a Bedrock model expects.
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyAmazon    Family = "amazon"
	FamilyMeta      Family = "meta"
	FamilyMistral   Family = "mistral"
)

const topP = 0.9

// profilePrefixes are cross-region inference profile prefixes.
var profilePrefixes = []string{"us.", "eu.", "apac.", "global."}

var codecs = map[Family]providers.Codec{
	FamilyAnthropic: anthropic.Codec{Bedrock: true},
	FamilyAmazon:    amazonCodec{},
	FamilyMeta:      metaCodec{},
	FamilyMistral:   mistralCodec{},
}

// FamilyOf derives the family from the model-id prefix.
func FamilyOf(modelID string) (Family, bool) {
	id := strings.ToLower(modelID)
	for _, p := range profilePrefixes {
		if strings.HasPrefix(id, p) {
			id = strings.TrimPrefix(id, p)
			break
		}
	}
	vendor, _, found := strings.Cut(id, ".")
	if !found {
		return "", false
	}
	f := Family(vendor)
	_, ok := codecs[f]
	return f, ok
}

// CodecFor returns the wire codec for a Bedrock model id.
func CodecFor(modelID string) (providers.Codec, error) {
	f, ok := FamilyOf(modelID)
	if !ok {
		return nil, fmt.Errorf("unsupported model family for %q", modelID)
	}
	return codecs[f], nil
}

// Amazon Titan / Nova text generation.

type amazonRequest struct {
	InputText            string `json:"inputText"`
	TextGenerationConfig struct {
		MaxTokenCount int     `json:"maxTokenCount"`
		Temperature   float64 `json:"temperature"`
		TopP          float64 `json:"topP"`
	} `json:"textGenerationConfig"`
}

type amazonCodec struct{}

func (amazonCodec) BuildRequest(req providers.Request) (any, error) {
	var out amazonRequest
	out.InputText = req.Prompt
	if req.SystemPrompt != "" {
		out.InputText = req.SystemPrompt + "\n\n" + req.Prompt
	}
	out.TextGenerationConfig.MaxTokenCount = req.MaxTokens
	out.TextGenerationConfig.Temperature = req.Temperature
	out.TextGenerationConfig.TopP = topP
	return out, nil
}

func (amazonCodec) ParseResponse(body []byte) (string, error) {
	var resp struct {
		Results []struct {
			OutputText string `json:"outputText"`
		} `json:"results"`
		OutputText string `json:"outputText"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode amazon response: %w", err)
	}
	if len(resp.Results) > 0 {
		return resp.Results[0].OutputText, nil
	}
	return resp.OutputText, nil
}

// Meta Llama instruct.

type metaRequest struct {
	Prompt      string  `json:"prompt"`
	MaxGenLen   int     `json:"max_gen_len"`
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type metaCodec struct{}

func (metaCodec) BuildRequest(req providers.Request) (any, error) {
	prompt := fmt.Sprintf("<s>[INST] %s [/INST]", req.Prompt)
	if req.SystemPrompt != "" {
		prompt = fmt.Sprintf("<s>[INST] <<SYS>>\n%s\n<</SYS>>\n\n%s [/INST]", req.SystemPrompt, req.Prompt)
	}
	return metaRequest{
		Prompt:      prompt,
		MaxGenLen:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        topP,
	}, nil
}

func (metaCodec) ParseResponse(body []byte) (string, error) {
	var resp struct {
		Generation string `json:"generation"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode meta response: %w", err)
	}
	return resp.Generation, nil
}

// Mistral chat.

type mistralMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type mistralRequest struct {
	Messages    []mistralMessage `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	TopP        float64          `json:"top_p"`
}

type mistralCodec struct{}

func (mistralCodec) BuildRequest(req providers.Request) (any, error) {
	out := mistralRequest{MaxTokens: req.MaxTokens, Temperature: req.Temperature, TopP: topP}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, mistralMessage{Role: "system", Content: req.SystemPrompt})
	}
	out.Messages = append(out.Messages, mistralMessage{Role: "user", Content: req.Prompt})
	return out, nil
}

func (mistralCodec) ParseResponse(body []byte) (string, error) {
	var resp struct {
		Outputs []struct {
			Text string `json:"text"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode mistral response: %w", err)
	}
	if len(resp.Outputs) == 0 {
		return "", nil
	}
	return resp.Outputs[0].Text, nil
}
