package semantic

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"

	"github.com/spectyra/spectyra-core/internal/convo"
	"github.com/spectyra/spectyra-core/internal/scc"
)

const (
	defaultSimilarityReuse = 0.90
	maxFragmentRunes       = 600
)

var (
	fencedBlockRe = regexp.MustCompile("(?s)```[^\n]*\n.*?```")
	// Inside a fence any +/- line counts as diff; in prose only explicit
	// unified-diff headers do, so bullet lists never classify as patches.
	diffFencedRe   = regexp.MustCompile(`(?m)^(?:\+\+\+ |--- |@@ |[+-][^+-])`)
	diffProseRe    = regexp.MustCompile(`(?m)^(?:\+\+\+ |--- |@@ |diff --git )`)
	explanationRe  = regexp.MustCompile(`(?i)\b(?:because|therefore|so that|this means|which means|due to|as a result)\b`)
	paragraphSplit = regexp.MustCompile(`\n\s*\n`)
)

// UnitizerOptions configures unit extraction.
type UnitizerOptions struct {
	// SimilarityReuseThreshold suppresses near-duplicate fragments: a new
	// fragment whose cosine similarity to an existing unit reaches the
	// threshold refreshes that unit instead of appending a twin.
	SimilarityReuseThreshold float64
	Logger                   *slog.Logger
}

// Unitizer converts new messages into appended semantic units. Deterministic
// given deterministic embedding output; existing unit ids are never touched.
type Unitizer struct {
	embedder  Embedder
	threshold float64
	logger    *slog.Logger
}

func NewUnitizer(embedder Embedder, opts UnitizerOptions) *Unitizer {
	threshold := opts.SimilarityReuseThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = defaultSimilarityReuse
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Unitizer{embedder: embedder, threshold: threshold, logger: logger}
}

var initialStability = map[UnitKind]float64{
	UnitKindConstraint:  0.9,
	UnitKindCode:        0.8,
	UnitKindFact:        0.7,
	UnitKindExplanation: 0.6,
	UnitKindPatch:       0.5,
}

// Unitize folds the new user/assistant messages of one turn into the
// conversation state. All new fragment texts go out in a single batched
// embedding call; on embedding failure the turn degrades to zero vectors
// and proceeds.
func (u *Unitizer) Unitize(ctx context.Context, state ConversationState, newMessages []convo.Message) (ConversationState, error) {
	if u == nil {
		u = NewUnitizer(nil, UnitizerOptions{})
	}
	out := state
	out.Units = append([]SemanticUnit(nil), state.Units...)
	out.LastTurn = state.LastTurn + 1

	var fragments []fragment
	for _, msg := range newMessages {
		if msg.Role != convo.RoleUser && msg.Role != convo.RoleAssistant {
			continue
		}
		fragments = append(fragments, splitFragments(msg.Content)...)
	}
	if len(fragments) == 0 {
		return out, nil
	}

	texts := make([]string, len(fragments))
	for i, frag := range fragments {
		texts[i] = truncateRunes(frag.text, maxFragmentRunes)
	}

	var vectors [][]float32
	if u.embedder != nil {
		embedded, err := u.embedder.Embed(ctx, texts)
		if err != nil || len(embedded) != len(texts) {
			u.logger.Warn("embedding degraded to zero vectors", "count", len(texts), "err", errString(err))
			vectors = make([][]float32, len(texts))
		} else {
			vectors = embedded
		}
	} else {
		vectors = make([][]float32, len(texts))
	}

	ordinal := 0
	for i, frag := range fragments {
		vec := vectors[i]
		if reused, idx := u.findReusable(out.Units, vec); reused {
			u.logger.Debug("fragment reuses existing unit", "unit_id", out.Units[idx].ID)
			continue
		}
		kind := classifyFragment(frag)
		unit := SemanticUnit{
			ID:             UnitID(out.ConversationID, out.LastTurn, ordinal, frag.text),
			Kind:           kind,
			Text:           frag.text,
			Embedding:      vec,
			StabilityScore: initialStability[kind],
			CreatedAtTurn:  out.LastTurn,
		}
		out.Units = append(out.Units, unit)
		ordinal++
	}
	return out, nil
}

func (u *Unitizer) findReusable(units []SemanticUnit, vec []float32) (bool, int) {
	if len(vec) == 0 {
		return false, 0
	}
	for i, unit := range units {
		if Cosine(unit.Embedding, vec) >= u.threshold {
			return true, i
		}
	}
	return false, 0
}

type fragment struct {
	text   string
	fenced bool
}

// splitFragments carves a message into unit-sized pieces: fenced code blocks
// whole, bullet lines individually, remaining prose by paragraph.
func splitFragments(content string) []fragment {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	var out []fragment
	rest := content
	for {
		loc := fencedBlockRe.FindStringIndex(rest)
		if loc == nil {
			break
		}
		before := rest[:loc[0]]
		out = append(out, proseFragments(before)...)
		out = append(out, fragment{text: strings.TrimSpace(rest[loc[0]:loc[1]]), fenced: true})
		rest = rest[loc[1]:]
	}
	out = append(out, proseFragments(rest)...)
	return out
}

func proseFragments(text string) []fragment {
	var out []fragment
	for _, para := range paragraphSplit.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		lines := strings.Split(para, "\n")
		bullets := 0
		for _, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "-") || strings.HasPrefix(strings.TrimSpace(line), "*") {
				bullets++
			}
		}
		if bullets > 0 && bullets >= len(lines)/2 {
			for _, line := range lines {
				cleaned := scc.NormalizeBullet(line)
				if cleaned == "" {
					continue
				}
				out = append(out, fragment{text: cleaned})
			}
			continue
		}
		out = append(out, fragment{text: scc.CollapseWhitespace(para)})
	}
	return out
}

func classifyFragment(frag fragment) UnitKind {
	switch {
	case frag.fenced && diffFencedRe.MatchString(stripFence(frag.text)):
		return UnitKindPatch
	case frag.fenced:
		return UnitKindCode
	case diffProseRe.MatchString(frag.text):
		return UnitKindPatch
	case scc.LooksConstraint(frag.text):
		return UnitKindConstraint
	case explanationRe.MatchString(frag.text):
		return UnitKindExplanation
	default:
		return UnitKindFact
	}
}

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "\n"); idx >= 0 && strings.HasPrefix(text, "```") {
		text = text[idx+1:]
	}
	return strings.TrimSuffix(text, "```")
}

// Cosine is the cosine similarity between two vectors; zero when either is
// empty, zero-length or mismatched.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncateRunes(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" || max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
