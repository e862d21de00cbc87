// Package convo holds the conversation primitives shared by the optimizer
// pipeline: message roles, the talk/code path split, and the coarse token
// accounting used for budgeting and workload bucketing.
package convo

import (
	"fmt"
	"strings"
)

// Path selects which compilation rules apply to a conversation.
type Path string

const (
	PathTalk Path = "talk"
	PathCode Path = "code"
)

// NormalizePath maps free-form path labels onto the supported set,
// defaulting to talk.
func NormalizePath(raw string) Path {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(PathCode), "coding", "dev":
		return PathCode
	default:
		return PathTalk
	}
}

// Role is the conversational role of a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one transcript entry. ToolName is set only for tool-role
// messages and names the tool that produced the output.
type Message struct {
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"tool_name,omitempty"`
}

// EstimateTokens is the coarse ~4 chars/token heuristic used whenever a
// provider does not report usage.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return len([]rune(text))/4 + 1
}

// EstimateMessagesTokens sums the per-message estimate over a transcript.
func EstimateMessagesTokens(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg.Content)
	}
	return total
}

// SizeClass buckets an estimated prompt size for workload keying.
func SizeClass(promptTokens int) string {
	switch {
	case promptTokens < 2000:
		return "s"
	case promptTokens < 8000:
		return "m"
	default:
		return "l"
	}
}

// WorkloadKey groups comparable requests for baseline estimation.
func WorkloadKey(path Path, provider, model string, promptTokens int) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))
	return fmt.Sprintf("%s|%s|%s|%s", NormalizePath(string(path)), provider, model, SizeClass(promptTokens))
}

// SplitWorkloadKey is the inverse of WorkloadKey; ok is false when the key
// does not have the expected four segments.
func SplitWorkloadKey(key string) (path Path, provider, model, sizeClass string, ok bool) {
	parts := strings.Split(strings.TrimSpace(key), "|")
	if len(parts) != 4 {
		return "", "", "", "", false
	}
	return NormalizePath(parts[0]), parts[1], parts[2], parts[3], true
}
