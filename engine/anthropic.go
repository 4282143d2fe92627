package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/becomeliminal/nim-recall/core"
)

// AnthropicConfig configures the Claude-backed generator.
type AnthropicConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint. Used by tests.
	BaseURL string

	// Model is the Claude model to use.
	// Default: claude-sonnet-4-20250514
	Model string

	// MaxTokens is the maximum response tokens.
	// Default: 4096
	MaxTokens int64

	// Temperature of the sampling. Nil leaves the API default.
	Temperature *float64

	// MaxRetries is passed to the SDK. The engine's timeouts already bound each call.
	// Default: 0
	MaxRetries int
}

// AnthropicGenerator generates replies with the Claude Messages API.
type AnthropicGenerator struct {
	client *anthropic.Client
	config AnthropicConfig
}

// NewAnthropicGenerator creates a generator from config.
func NewAnthropicGenerator(config AnthropicConfig) (*AnthropicGenerator, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("%w: anthropic api key is required", core.ErrValidation)
	}
	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 4096
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(config.MaxRetries),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicGenerator{client: &client, config: config}, nil
}

// Generate sends the conversation window plus the new input and returns the
// concatenated text blocks of the reply.
func (g *AnthropicGenerator) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	params := g.params(req)

	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		log.Printf("[ANTHROPIC] API error: %v", err)
		return "", fmt.Errorf("claude api error: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return "", errors.New("claude returned no text content")
	}
	log.Printf("[ANTHROPIC] Response: %d output tokens", resp.Usage.OutputTokens)
	return text, nil
}

// GenerateStream is Generate with incremental text delivered to onChunk.
func (g *AnthropicGenerator) GenerateStream(ctx context.Context, req GenerationRequest, onChunk func(string)) (string, error) {
	stream := g.client.Messages.NewStreaming(ctx, g.params(req))
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			log.Printf("[ANTHROPIC] Stream accumulate: %v", err)
		}

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if onChunk != nil {
					onChunk(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("claude stream error: %w", err)
	}

	text := responseText(&message)
	if text == "" {
		return "", errors.New("claude returned no text content")
	}
	return text, nil
}

func (g *AnthropicGenerator) params(req GenerationRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = g.config.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.config.MaxTokens
	}
	temperature := req.Temperature
	if temperature == nil {
		temperature = g.config.Temperature
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  toMessageParams(req.History, req.UserInput),
		System: []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		},
	}
	if temperature != nil {
		params.Temperature = anthropic.Float(*temperature)
	}
	return params
}

// toMessageParams converts the window to API messages. The API requires
// alternating roles starting with a user message, so leading assistant
// messages are dropped and consecutive same-role messages are merged.
func toMessageParams(history []core.Message, userInput string) []anthropic.MessageParam {
	type turn struct {
		role core.Role
		text string
	}
	var turns []turn
	appendTurn := func(role core.Role, text string) {
		if len(turns) == 0 && role != core.RoleUser {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].text += "\n\n" + text
			return
		}
		turns = append(turns, turn{role: role, text: text})
	}
	for _, m := range history {
		appendTurn(m.Role, m.Content)
	}
	appendTurn(core.RoleUser, userInput)

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.text)
		if t.role == core.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	return messages
}

func responseText(resp *anthropic.Message) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
