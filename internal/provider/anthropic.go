package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/spectyra/spectyra-core/internal/convo"
	"github.com/spectyra/spectyra-core/internal/optimizer"
)

// The messages API requires max_tokens; this is the cap when a request does
// not set one.
const anthropicDefaultMaxOutputTokens = 4096

// Anthropic speaks the messages API.
type Anthropic struct {
	client anthropic.Client
}

func NewAnthropic(opts Options) (*Anthropic, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("provider: missing anthropic api key (set ANTHROPIC_API_KEY)")
	}
	reqOpts := []aoption.RequestOption{aoption.WithAPIKey(apiKey)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		reqOpts = append(reqOpts, aoption.WithBaseURL(strings.TrimSpace(opts.BaseURL)))
	}
	return &Anthropic{client: anthropic.NewClient(reqOpts...)}, nil
}

func (p *Anthropic) Chat(ctx context.Context, req optimizer.ChatRequest) (optimizer.ChatResult, error) {
	if p == nil {
		return optimizer.ChatResult{}, errors.New("provider: anthropic adapter not initialized")
	}
	if strings.TrimSpace(req.Model) == "" {
		return optimizer.ChatResult{}, errors.New("provider: missing model")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: anthropicDefaultMaxOutputTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxTokens = int64(req.MaxOutputTokens)
	}
	if system := collectSystemPrompt(req.Messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return optimizer.ChatResult{}, fmt.Errorf("provider: anthropic messages: %w", err)
	}

	result := optimizer.ChatResult{Text: extractAnthropicText(*msg)}
	if msg.Usage.InputTokens > 0 || msg.Usage.OutputTokens > 0 {
		result.Usage = &optimizer.ChatUsage{
			PromptTokens: msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		}
	}
	return result, nil
}

// buildAnthropicMessages maps the transcript onto alternating message
// params. System text travels separately via the params.System field; tool
// output becomes labeled user text.
func buildAnthropicMessages(messages []convo.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages)+1)
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Content)
		if text == "" || msg.Role == convo.RoleSystem {
			continue
		}
		if msg.Role == convo.RoleTool {
			text = labelToolOutput(msg) + text
		}
		if msg.Role == convo.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		} else {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
	}
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}

func collectSystemPrompt(messages []convo.Message) string {
	parts := make([]string, 0, 2)
	for _, msg := range messages {
		if msg.Role != convo.RoleSystem {
			continue
		}
		if txt := strings.TrimSpace(msg.Content); txt != "" {
			parts = append(parts, txt)
		}
	}
	return strings.Join(parts, "\n\n")
}

func extractAnthropicText(msg anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if strings.TrimSpace(block.Type) != "text" {
			continue
		}
		txt := strings.TrimSpace(block.Text)
		if txt == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(txt)
	}
	return sb.String()
}
