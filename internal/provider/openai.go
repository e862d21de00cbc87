package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"

	"github.com/spectyra/spectyra-core/internal/convo"
	"github.com/spectyra/spectyra-core/internal/optimizer"
)

// OpenAI speaks the Responses API.
type OpenAI struct {
	client openai.Client
}

func NewOpenAI(opts Options) (*OpenAI, error) {
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("provider: missing openai api key (set OPENAI_API_KEY)")
	}
	reqOpts := []ooption.RequestOption{ooption.WithAPIKey(apiKey)}
	if strings.TrimSpace(opts.BaseURL) != "" {
		reqOpts = append(reqOpts, ooption.WithBaseURL(strings.TrimSpace(opts.BaseURL)))
	}
	return &OpenAI{client: openai.NewClient(reqOpts...)}, nil
}

func (p *OpenAI) Chat(ctx context.Context, req optimizer.ChatRequest) (optimizer.ChatResult, error) {
	if p == nil {
		return optimizer.ChatResult{}, errors.New("provider: openai adapter not initialized")
	}
	if strings.TrimSpace(req.Model) == "" {
		return optimizer.ChatResult{}, errors.New("provider: missing model")
	}

	params := oresponses.ResponseNewParams{
		Model: oshared.ResponsesModel(strings.TrimSpace(req.Model)),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	items, instructions := buildOpenAIInput(req.Messages)
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if strings.TrimSpace(instructions) != "" {
		params.Instructions = openai.String(strings.TrimSpace(instructions))
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return optimizer.ChatResult{}, fmt.Errorf("provider: openai responses: %w", err)
	}

	result := optimizer.ChatResult{Text: extractOpenAIText(*resp)}
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		result.Usage = &optimizer.ChatUsage{
			PromptTokens: resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}
	}
	return result, nil
}

// buildOpenAIInput folds system text into the instructions field and maps
// the rest onto Responses input items. Tool output rides along as labeled
// user text; these chats carry no function-call items.
func buildOpenAIInput(messages []convo.Message) (oresponses.ResponseInputParam, string) {
	items := make(oresponses.ResponseInputParam, 0, len(messages))
	instructions := ""
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		switch msg.Role {
		case convo.RoleSystem:
			if instructions == "" {
				instructions = text
			} else {
				instructions += "\n\n" + text
			}
		case convo.RoleAssistant:
			items = append(items, oresponses.ResponseInputItemParamOfMessage(text, oresponses.EasyInputMessageRoleAssistant))
		case convo.RoleTool:
			items = append(items, oresponses.ResponseInputItemParamOfMessage(labelToolOutput(msg)+text, oresponses.EasyInputMessageRoleUser))
		default:
			items = append(items, oresponses.ResponseInputItemParamOfMessage(text, oresponses.EasyInputMessageRoleUser))
		}
	}
	return items, instructions
}

func extractOpenAIText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(part.Text))
		}
	}
	return sb.String()
}

func labelToolOutput(msg convo.Message) string {
	if name := strings.TrimSpace(msg.ToolName); name != "" {
		return name + " output:\n"
	}
	return "tool output:\n"
}
