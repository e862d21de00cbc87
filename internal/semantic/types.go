// Package semantic turns conversation history into an ordered list of
// semantic units, builds a weighted unit graph from embedding similarity and
// NLI polarity, and derives the per-turn stability signal that drives the
// reuse/expand decision.
package semantic

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/spectyra/spectyra-core/internal/convo"
)

// UnitKind classifies what a semantic unit carries.
type UnitKind string

const (
	UnitKindFact        UnitKind = "fact"
	UnitKindConstraint  UnitKind = "constraint"
	UnitKindExplanation UnitKind = "explanation"
	UnitKindCode        UnitKind = "code"
	UnitKindPatch       UnitKind = "patch"
)

// SemanticUnit is one atomic extracted fact/constraint/explanation/snippet.
// IDs are stable for the life of the conversation; stability scores are
// rewritten only by the analyzer pass.
type SemanticUnit struct {
	ID             string    `json:"id"`
	Kind           UnitKind  `json:"kind"`
	Text           string    `json:"text"`
	Embedding      []float32 `json:"embedding,omitempty"`
	StabilityScore float64   `json:"stability_score"`
	CreatedAtTurn  int       `json:"created_at_turn"`
}

// ConversationState is the unit snapshot for one conversation. The core
// transforms a snapshot and returns an updated one; persistence is owned by
// a storage collaborator.
type ConversationState struct {
	ConversationID string         `json:"conversation_id"`
	Path           convo.Path     `json:"path"`
	Units          []SemanticUnit `json:"units,omitempty"`
	LastTurn       int            `json:"last_turn"`
}

// Recommendation is the per-turn reuse decision.
type Recommendation string

const (
	RecommendReuse      Recommendation = "REUSE"
	RecommendExpand     Recommendation = "EXPAND"
	RecommendAskClarify Recommendation = "ASK_CLARIFY"
	RecommendStopEarly  Recommendation = "STOP_EARLY"
)

// SpectralSummary is the analyzer output for one turn.
type SpectralSummary struct {
	NNodes              int            `json:"n_nodes"`
	NEdges              int            `json:"n_edges"`
	Lambda2             float64        `json:"lambda2"`
	ContradictionEnergy float64        `json:"contradiction_energy"`
	EnergyRatio         float64        `json:"energy_ratio"`
	StabilityIndex      float64        `json:"stability_index"`
	Recommendation      Recommendation `json:"recommendation"`
	DecisionRule        string         `json:"decision_rule,omitempty"`
	StableUnits         []int          `json:"stable_units,omitempty"`
	UnstableUnits       []int          `json:"unstable_units,omitempty"`
}

// LoopSignals carries the SCC loop-detector verdicts into the decision
// policy.
type LoopSignals struct {
	RepeatedCodes      []string `json:"repeated_codes,omitempty"`
	RecentFailingCount int      `json:"recent_failing_count"`
	Stuck              bool     `json:"stuck"`
}

// Thresholds are the two stability cut points the recommendation is read
// against.
type Thresholds struct {
	TLow  float64 `json:"t_low"`
	THigh float64 `json:"t_high"`
}

// DefaultThresholds returns the stock 0.35/0.70 band.
func DefaultThresholds() Thresholds {
	return Thresholds{TLow: 0.35, THigh: 0.70}
}

// Embedder is the embedding capability: one batched call, output vectors in
// input order and arity, deterministic per (model, text). Implementations
// tolerate empty input.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NLILabel is the three-way entailment verdict.
type NLILabel string

const (
	NLIEntailment    NLILabel = "entailment"
	NLINeutral       NLILabel = "neutral"
	NLIContradiction NLILabel = "contradiction"
)

// NLIResult is one classified premise/hypothesis pair.
type NLIResult struct {
	Label      NLILabel `json:"label"`
	Confidence float64  `json:"confidence"`
}

// NLIPair is one ordered premise/hypothesis input.
type NLIPair struct {
	Premise    string `json:"premise"`
	Hypothesis string `json:"hypothesis"`
}

// NLIClassifier is the NLI capability: batch classification preserving pair
// order, degrading to neutral on failure.
type NLIClassifier interface {
	ClassifyBatch(ctx context.Context, pairs []NLIPair) ([]NLIResult, error)
}

// UnitID derives the deterministic unit identifier.
func UnitID(conversationID string, turn, ordinal int, text string) string {
	h := sha1.New() // #nosec G401 -- deterministic id generation, not security sensitive.
	for _, part := range []string{conversationID, strconv.Itoa(turn), strconv.Itoa(ordinal), strings.TrimSpace(text)} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte("|"))
	}
	return "unit_" + hex.EncodeToString(h.Sum(nil))
}
