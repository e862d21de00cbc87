package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/spectyra/spectyra-core/internal/budget"
	"github.com/spectyra/spectyra-core/internal/config"
	"github.com/spectyra/spectyra-core/internal/convo"
	"github.com/spectyra/spectyra-core/internal/quality"
	"github.com/spectyra/spectyra-core/internal/scc"
	"github.com/spectyra/spectyra-core/internal/semantic"
)

const systemPreamble = "You are a focused assistant. A state message tagged [[SPECTYRA:STATE:TALK]] or [[SPECTYRA:STATE:CODE]] may precede the dialogue; treat it as authoritative conversation memory. Honor every constraint it lists and do not restate its contents."

const patchContract = "When modifying code, reply with unified diff patches only. Do not emit full-file rewrites."

// Options are the capabilities injected at construction. Provider may be nil
// for dry-run-only use; Embedder and Classifier may be nil and degrade to
// zero vectors / neutral labels.
type Options struct {
	Provider   ChatProvider
	Embedder   semantic.Embedder
	Classifier semantic.NLIClassifier
	Logger     *slog.Logger
}

// Optimizer drives the per-turn state machine. Safe for concurrent use:
// each RunTurn call is a stateless unit of work over its request snapshot.
type Optimizer struct {
	cfg        *config.Config
	provider   ChatProvider
	unitizer   *semantic.Unitizer
	analyzer   *semantic.Analyzer
	thresholds semantic.Thresholds
	logger     *slog.Logger
}

func New(cfg *config.Config, opts Options) *Optimizer {
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	thresholds := semantic.Thresholds{
		TLow:  cfg.EffectiveStabilityTLow(),
		THigh: cfg.EffectiveStabilityTHigh(),
	}
	return &Optimizer{
		cfg:      cfg,
		provider: opts.Provider,
		unitizer: semantic.NewUnitizer(opts.Embedder, semantic.UnitizerOptions{
			SimilarityReuseThreshold: cfg.EffectiveSimilarityReuseThreshold(),
			Logger:                   logger,
		}),
		analyzer: semantic.NewAnalyzer(opts.Classifier, semantic.AnalyzerOptions{
			Thresholds: thresholds,
			Logger:     logger,
		}),
		thresholds: thresholds,
		logger:     logger,
	}
}

// RunTurn executes one turn. Baseline mode passes the transcript through
// verbatim; optimized mode runs the full pipeline. Dry runs stop before any
// provider call. Provider errors propagate wrapped; there is no silent
// fallback to baseline. Cancellation is honored between phases, and an
// abandoned provider call leaves the result unusable for ledger emission
// (the error tells the caller so).
func (o *Optimizer) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if o == nil {
		return TurnResult{}, errors.New("optimizer not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res := TurnResult{
		RunID: uuid.NewString(),
		Mode:  NormalizeMode(req.Mode),
		State: req.State,
		Debug: req.Debug,
	}
	// The phase trace is orchestrator-owned; caller pass-through fields
	// (retry bookkeeping) survive untouched.
	res.Debug.Phases = nil

	advance := func(p Phase) error {
		res.Debug.Phases = append(res.Debug.Phases, string(p))
		o.logger.Debug("turn phase", "run_id", res.RunID, "phase", string(p))
		return ctx.Err()
	}

	if err := advance(PhaseCollect); err != nil {
		return res, err
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		return res, errors.New("optimizer: empty user message")
	}
	path := convo.NormalizePath(string(req.Path))
	provider, model := o.resolveModel(req)

	transcript := make([]convo.Message, 0, len(req.History)+1)
	transcript = append(transcript, req.History...)
	transcript = append(transcript, convo.Message{Role: convo.RoleUser, Content: req.UserMessage})

	// The workload key buckets on the verbatim transcript size so baseline
	// and optimized runs of the same conversation land in the same bucket.
	res.BaselinePromptTokens = convo.EstimateMessagesTokens(transcript)
	res.WorkloadKey = convo.WorkloadKey(path, provider, model, res.BaselinePromptTokens)

	if res.Mode == ModeBaseline {
		if err := advance(PhasePassthrough); err != nil {
			return res, err
		}
		res.Prompt = transcript
		res.EstimatedPromptTokens = res.BaselinePromptTokens
		res.Debug.PromptTokensEstimate = res.EstimatedPromptTokens
		if req.DryRun {
			return res, nil
		}
		return o.callAndScore(ctx, req, &res, model, 0, advance)
	}

	signals := scc.Extract(transcript)

	if err := advance(PhaseUnitize); err != nil {
		return res, err
	}
	state := req.State
	if state.ConversationID == "" {
		state.ConversationID = req.ConversationID
	}
	state.Path = path
	newMessages := make([]convo.Message, 0, len(req.NewMessages)+1)
	newMessages = append(newMessages, req.NewMessages...)
	newMessages = append(newMessages, convo.Message{Role: convo.RoleUser, Content: req.UserMessage})
	state, err := o.unitizer.Unitize(ctx, state, newMessages)
	if err != nil {
		return res, fmt.Errorf("optimizer: unitize: %w", err)
	}
	res.State = state

	if err := advance(PhaseAnalyze); err != nil {
		return res, err
	}
	loop := semantic.LoopSignals{
		RepeatedCodes:      signals.RepeatedCodes,
		RecentFailingCount: signals.RecentFailingCount,
		Stuck:              signals.LoopDetected(),
	}
	summary, state, err := o.analyzer.Analyze(ctx, state, loop)
	if err != nil {
		return res, fmt.Errorf("optimizer: analyze: %w", err)
	}
	res.State = state
	res.Summary = summary

	if err := advance(PhaseDeriveBudget); err != nil {
		return res, err
	}
	level := o.cfg.EffectiveOptimizationLevel()
	if req.Level != nil {
		level = *req.Level
	}
	res.Budgets = budget.Derive(budget.DeriveInput{
		Summary:            summary,
		Thresholds:         o.thresholds,
		Level:              level,
		Path:               path,
		RecentFailingCount: signals.RecentFailingCount,
	})

	if err := advance(PhaseCompile); err != nil {
		return res, err
	}
	if path == convo.PathCode {
		res.Compiled = scc.CompileCodeState(signals, res.Budgets)
	} else {
		res.Compiled = scc.CompileTalkState(signals, res.Budgets)
	}

	if err := advance(PhaseAssemblePrompt); err != nil {
		return res, err
	}
	res.Prompt = o.assemblePrompt(path, req, res.Compiled, res.Budgets)
	res.EstimatedPromptTokens = convo.EstimateMessagesTokens(res.Prompt)
	res.Debug.PromptTokensEstimate = res.EstimatedPromptTokens

	o.logger.Debug("turn assembled",
		"run_id", res.RunID,
		"conversation_id", req.ConversationID,
		"path", string(path),
		"recommendation", string(summary.Recommendation),
		"stability_index", summary.StabilityIndex,
		"compiled_chars", res.Compiled.Chars(),
		"prompt_tokens_estimate", res.EstimatedPromptTokens,
		"baseline_tokens_estimate", res.BaselinePromptTokens,
	)

	if req.DryRun {
		return res, nil
	}
	return o.callAndScore(ctx, req, &res, model, o.cfg.EffectiveMaxOutputTokensOptimized(), advance)
}

// callAndScore runs CALL_PROVIDER → SCORE_QUALITY → DONE on the assembled
// prompt.
func (o *Optimizer) callAndScore(ctx context.Context, req TurnRequest, res *TurnResult, model string, maxOutputTokens int, advance func(Phase) error) (TurnResult, error) {
	if err := advance(PhaseCallProvider); err != nil {
		return *res, err
	}
	if o.provider == nil {
		return *res, errors.New("optimizer: no chat provider configured")
	}
	out, err := o.provider.Chat(ctx, ChatRequest{
		Model:           model,
		Messages:        res.Prompt,
		MaxOutputTokens: maxOutputTokens,
	})
	if err != nil {
		return *res, fmt.Errorf("optimizer: provider call: %w", err)
	}
	res.ResponseText = out.Text
	res.Debug.OutputTokensEstimate = convo.EstimateTokens(out.Text)
	if out.Usage != nil {
		res.Usage = *out.Usage
	} else {
		res.Usage = ChatUsage{
			PromptTokens: int64(res.EstimatedPromptTokens),
			OutputTokens: int64(convo.EstimateTokens(out.Text)),
		}
		res.UsageEstimated = true
	}

	if err := advance(PhaseScoreQuality); err != nil {
		return *res, err
	}
	res.Quality = quality.Evaluate(out.Text, req.Checks)

	if err := advance(PhaseDone); err != nil {
		return *res, err
	}
	o.logger.Debug("turn done",
		"run_id", res.RunID,
		"mode", string(res.Mode),
		"quality_pass", res.Quality.Pass,
		"prompt_tokens", res.Usage.PromptTokens,
		"output_tokens", res.Usage.OutputTokens,
		"usage_estimated", res.UsageEstimated,
	)
	return *res, nil
}

func (o *Optimizer) resolveModel(req TurnRequest) (provider, model string) {
	provider = strings.ToLower(strings.TrimSpace(req.Provider))
	model = strings.TrimSpace(req.Model)
	if provider == "" || model == "" {
		dp, dm := o.cfg.EffectiveModelID()
		if provider == "" {
			provider = dp
		}
		if model == "" {
			model = dm
		}
	}
	return provider, model
}

func (o *Optimizer) assemblePrompt(path convo.Path, req TurnRequest, compiled scc.CompiledState, budgets scc.Budgets) []convo.Message {
	patchMode := o.cfg.EffectiveCodePatchModeDefault()
	if req.PatchMode != nil {
		patchMode = *req.PatchMode
	}
	preamble := systemPreamble
	if path == convo.PathCode && patchMode {
		preamble += "\n" + patchContract
	}

	recent := lastTurns(req.History, budgets.KeepLastTurns)
	msgs := make([]convo.Message, 0, len(recent)+3)
	msgs = append(msgs, convo.Message{Role: convo.RoleSystem, Content: preamble})
	if strings.TrimSpace(compiled.Text) != "" {
		msgs = append(msgs, convo.Message{Role: convo.RoleSystem, Content: compiled.Text})
	}
	msgs = append(msgs, recent...)
	msgs = append(msgs, convo.Message{Role: convo.RoleUser, Content: req.UserMessage})
	return msgs
}

// lastTurns returns the transcript suffix covering the last n user turns,
// where a turn starts at a user message and runs until the next one. The
// whole history comes back when it holds fewer than n turns.
func lastTurns(history []convo.Message, n int) []convo.Message {
	if n <= 0 || len(history) == 0 {
		return nil
	}
	seen := 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != convo.RoleUser {
			continue
		}
		seen++
		if seen == n {
			return history[i:]
		}
	}
	return history
}
