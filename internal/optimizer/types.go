// Package optimizer sequences the per-turn pipeline: signal extraction,
// unitization, spectral analysis, budget derivation, state compilation,
// prompt assembly and the provider call, with dry-run short-circuiting for
// estimate/simulate callers.
package optimizer

import (
	"context"

	"github.com/spectyra/spectyra-core/internal/convo"
	"github.com/spectyra/spectyra-core/internal/quality"
	"github.com/spectyra/spectyra-core/internal/scc"
	"github.com/spectyra/spectyra-core/internal/semantic"
)

// Mode selects the pipeline variant for one turn.
type Mode string

const (
	// ModeBaseline sends the transcript verbatim (passthrough); used as the
	// measured comparison arm.
	ModeBaseline Mode = "baseline"
	// ModeOptimized runs the full compression pipeline.
	ModeOptimized Mode = "optimized"
)

// NormalizeMode maps free-form mode labels onto the supported set,
// defaulting to optimized.
func NormalizeMode(raw Mode) Mode {
	if raw == ModeBaseline {
		return ModeBaseline
	}
	return ModeOptimized
}

// Phase names one step of the per-turn state machine; the sequence is
// recorded in RunDebug for replay and debugging.
type Phase string

const (
	PhaseCollect        Phase = "COLLECT"
	PhasePassthrough    Phase = "PASSTHROUGH"
	PhaseUnitize        Phase = "UNITIZE"
	PhaseAnalyze        Phase = "ANALYZE"
	PhaseDeriveBudget   Phase = "DERIVE_BUDGET"
	PhaseCompile        Phase = "COMPILE"
	PhaseAssemblePrompt Phase = "ASSEMBLE_PROMPT"
	PhaseCallProvider   Phase = "CALL_PROVIDER"
	PhaseScoreQuality   Phase = "SCORE_QUALITY"
	PhaseDone           Phase = "DONE"
)

// ChatRequest is one provider call. MaxOutputTokens of zero means no cap.
type ChatRequest struct {
	Model           string          `json:"model"`
	Messages        []convo.Message `json:"messages"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
}

// ChatUsage is the provider-reported token accounting.
type ChatUsage struct {
	PromptTokens int64 `json:"prompt_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ChatResult is one provider response. Usage is nil when the provider did
// not report it; callers fall back to the rune-count estimate.
type ChatResult struct {
	Text  string     `json:"text"`
	Usage *ChatUsage `json:"usage,omitempty"`
}

// ChatProvider is the chat capability injected at construction. Adapters
// live in internal/provider; tests use stubs.
type ChatProvider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResult, error)
}

// RunDebug is the per-run debug envelope. Retry, RetryReason and
// FirstFailures are caller-populated pass-through fields; the orchestrator
// fills the phase trace and token estimates.
type RunDebug struct {
	Retry         bool     `json:"retry,omitempty"`
	RetryReason   string   `json:"retry_reason,omitempty"`
	FirstFailures []string `json:"first_failures,omitempty"`

	Phases               []string `json:"phases,omitempty"`
	PromptTokensEstimate int      `json:"prompt_tokens_estimate,omitempty"`
	OutputTokensEstimate int      `json:"output_tokens_estimate,omitempty"`
}

// TurnRequest is one user turn to run through the pipeline.
type TurnRequest struct {
	ConversationID string     `json:"conversation_id"`
	Path           convo.Path `json:"path"`
	Mode           Mode       `json:"mode,omitempty"`
	// DryRun stops after ASSEMBLE_PROMPT; no provider call is made.
	DryRun bool `json:"dry_run,omitempty"`

	// Provider/Model are the wire-id segments. Empty values fall back to
	// the configured default model id.
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// History is the prior transcript, oldest first, excluding UserMessage.
	History []convo.Message `json:"history,omitempty"`
	// UserMessage is the current turn's user text.
	UserMessage string `json:"user_message"`
	// NewMessages are the transcript entries appended since the previous
	// optimized turn (assistant replies, tool output). They are folded into
	// the unit state together with UserMessage; nil means only the user
	// message is new.
	NewMessages []convo.Message `json:"new_messages,omitempty"`

	// State is the unit snapshot carried between turns. The zero value is a
	// fresh conversation.
	State semantic.ConversationState `json:"state"`

	// Level overrides the configured optimization level when set.
	Level *int `json:"level,omitempty"`
	// PatchMode overrides the configured code patch-mode default when set.
	PatchMode *bool `json:"patch_mode,omitempty"`

	// Checks are the quality checks scored against the provider response.
	// Empty means the response passes unconditionally.
	Checks []quality.CompiledCheck `json:"-"`

	// Debug carries caller pass-through metadata (retry bookkeeping).
	Debug RunDebug `json:"debug,omitempty"`
}

// TurnResult is the full outcome of one turn. Persistence is the caller's
// collaborator; the orchestrator only emits values.
type TurnResult struct {
	RunID string `json:"run_id"`
	Mode  Mode   `json:"mode"`

	// State is the updated unit snapshot (baseline turns return the input
	// snapshot untouched).
	State   semantic.ConversationState `json:"state"`
	Summary semantic.SpectralSummary   `json:"summary"`
	Budgets scc.Budgets                `json:"budgets"`
	// Compiled is the synthetic state message (optimized turns only).
	Compiled scc.CompiledState `json:"compiled"`

	// Prompt is the assembled provider request, oldest first.
	Prompt      []convo.Message `json:"prompt,omitempty"`
	WorkloadKey string          `json:"workload_key"`

	// EstimatedPromptTokens covers the assembled prompt;
	// BaselinePromptTokens covers the verbatim transcript. The spread
	// between them is the dry-run savings preview.
	EstimatedPromptTokens int `json:"estimated_prompt_tokens"`
	BaselinePromptTokens  int `json:"baseline_prompt_tokens"`

	ResponseText string    `json:"response_text,omitempty"`
	Usage        ChatUsage `json:"usage"`
	// UsageEstimated is true when the provider reported no usage and the
	// rune-count heuristic filled it in.
	UsageEstimated bool `json:"usage_estimated,omitempty"`

	Quality quality.Result `json:"quality"`
	Debug   RunDebug       `json:"debug"`
}
