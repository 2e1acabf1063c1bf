// Package entities extracts picturable named entities from ad text with an
// OpenAI-compatible chat model.
package entities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/snarg/poem-engine/internal/timing"
)

const systemPrompt = `You find named entities in classified ads for an illustrated slideshow.
Return every person, place, organization, brand, product, animal, or concrete object mentioned
in the text that could be shown as a picture. Copy each name exactly as it appears in the text.
Respond with a JSON object of the form {"entities": ["name", ...]} and nothing else.`

// Config configures an Extractor.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// Extractor calls a chat model to list entities, then locates them in the
// body locally.
type Extractor struct {
	client openai.Client
	model  string
}

// NewExtractor creates an entity extractor. An empty BaseURL uses the OpenAI
// API.
func NewExtractor(cfg Config) *Extractor {
	reqOpts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	return &Extractor{
		client: openai.NewClient(reqOpts...),
		model:  cfg.Model,
	}
}

// Extract returns the entities mentioned in body, with mention offsets. Names
// the model returns that do not occur in body are dropped.
func (e *Extractor) Extract(ctx context.Context, body string) ([]timing.Entity, error) {
	if strings.TrimSpace(body) == "" {
		return nil, nil
	}

	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(body),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("entity API error (status %d): %s", apiErr.StatusCode, strings.TrimSpace(apiErr.Message))
		}
		return nil, fmt.Errorf("entity request: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("entity API returned no choices")
	}

	names, err := ParseNames(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return Locate(names, body), nil
}

// ParseNames decodes the model's reply. Both {"entities": [...]} and a bare
// JSON array are accepted, optionally wrapped in a markdown code fence.
func ParseNames(content string) ([]string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var wrapped struct {
		Entities []string `json:"entities"`
	}
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil {
		return wrapped.Entities, nil
	}
	var names []string
	if err := json.Unmarshal([]byte(content), &names); err != nil {
		return nil, fmt.Errorf("decode entity list: %w", err)
	}
	return names, nil
}

// Locate computes each name's mention offset in body: the first occurrence
// preceded by a space, else the first occurrence anywhere, case-insensitive.
// Names absent from body are dropped, as are repeats of a name.
func Locate(names []string, body string) []timing.Entity {
	lower := strings.ToLower(body)
	seen := make(map[string]bool, len(names))
	out := make([]timing.Entity, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		key := timing.Normalize(name)
		if key == "" || seen[key] {
			continue
		}
		needle := strings.ToLower(name)
		off := strings.Index(lower, " "+needle)
		if off >= 0 {
			off++
		} else {
			off = strings.Index(lower, needle)
		}
		if off < 0 {
			continue
		}
		seen[key] = true
		out = append(out, timing.Entity{Name: name, MentionOffset: off})
	}
	return out
}
