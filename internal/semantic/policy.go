package semantic

// Contradiction share cut points: at dominates, instability is blamed on
// conflicting content even below the low threshold; at material, a middle
// band score is clarify-worthy rather than merely sparse.
const (
	contradictionDominates = 0.50
	contradictionMaterial  = 0.15

	loopFailingThreshold = 3
)

// Fired reports whether any stuck-loop signal is active.
func (l LoopSignals) Fired() bool {
	return l.Stuck || len(l.RepeatedCodes) > 0 || l.RecentFailingCount >= loopFailingThreshold
}

type decisionInput struct {
	NNodes      int
	Stability   float64
	EnergyRatio float64
	Loop        LoopSignals
	Thresholds  Thresholds
}

type decisionRule struct {
	name string
	when func(decisionInput) bool
	out  Recommendation
}

// decisionRules is evaluated top to bottom; the first matching guard wins.
// Keeping the policy as a flat table keeps every branch independently
// testable.
var decisionRules = []decisionRule{
	{name: "empty_graph", when: guardEmptyGraph, out: RecommendExpand},
	{name: "low_band_contradiction", when: guardLowBandContradiction, out: RecommendAskClarify},
	{name: "low_band", when: guardLowBand, out: RecommendExpand},
	{name: "high_band", when: guardHighBand, out: RecommendReuse},
	{name: "middle_band_loop", when: guardMiddleBandLoop, out: RecommendStopEarly},
	{name: "middle_band_contradiction", when: guardMiddleBandContradiction, out: RecommendAskClarify},
	{name: "middle_band", when: guardAlways, out: RecommendExpand},
}

func guardEmptyGraph(in decisionInput) bool {
	return in.NNodes == 0
}

func guardLowBandContradiction(in decisionInput) bool {
	return in.Stability < in.Thresholds.TLow && in.EnergyRatio >= contradictionDominates
}

func guardLowBand(in decisionInput) bool {
	return in.Stability < in.Thresholds.TLow
}

func guardHighBand(in decisionInput) bool {
	return in.Stability >= in.Thresholds.THigh
}

func guardMiddleBandLoop(in decisionInput) bool {
	return in.Loop.Fired()
}

func guardMiddleBandContradiction(in decisionInput) bool {
	return in.EnergyRatio >= contradictionMaterial
}

func guardAlways(decisionInput) bool {
	return true
}

// decide runs the table and returns the recommendation plus the fired rule
// name for debugging.
func decide(in decisionInput) (Recommendation, string) {
	for _, rule := range decisionRules {
		if rule.when(in) {
			return rule.out, rule.name
		}
	}
	return RecommendExpand, "fallback"
}
