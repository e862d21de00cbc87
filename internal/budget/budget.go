// Package budget maps the per-turn stability signal and the requested
// optimization level onto the concrete compression budgets consumed by the
// context compiler.
package budget

import (
	"github.com/spectyra/spectyra-core/internal/convo"
	"github.com/spectyra/spectyra-core/internal/scc"
	"github.com/spectyra/spectyra-core/internal/semantic"
)

// failingRetainThreshold is the recent failing-signal count beyond which tool
// logs are pinned for the code path, so an in-progress build/test trace is
// never compressed away mid-loop.
const failingRetainThreshold = 2

// levelRows are the budget presets for optimization levels 0 through 4.
// Higher rows keep less history and compress harder; level 0 is the widest.
var levelRows = [5]scc.Budgets{
	{
		KeepLastTurns:             8,
		MaxRefpackEntries:         0,
		MinRefpackSavings:         240,
		CompressionAggressiveness: 0,
		PhrasebookAggressiveness:  0,
		CodemapDetailLevel:        3,
		StateCompressionLevel:     0,
		MaxStateChars:             6000,
		RetainToolLogs:            true,
	},
	{
		KeepLastTurns:             6,
		MaxRefpackEntries:         2,
		MinRefpackSavings:         200,
		CompressionAggressiveness: 1,
		PhrasebookAggressiveness:  1,
		CodemapDetailLevel:        2,
		StateCompressionLevel:     1,
		MaxStateChars:             5000,
		RetainToolLogs:            true,
	},
	{
		KeepLastTurns:             4,
		MaxRefpackEntries:         4,
		MinRefpackSavings:         160,
		CompressionAggressiveness: 2,
		PhrasebookAggressiveness:  2,
		CodemapDetailLevel:        2,
		StateCompressionLevel:     2,
		MaxStateChars:             4000,
		RetainToolLogs:            true,
	},
	{
		KeepLastTurns:             3,
		MaxRefpackEntries:         6,
		MinRefpackSavings:         120,
		CompressionAggressiveness: 3,
		PhrasebookAggressiveness:  3,
		CodemapDetailLevel:        1,
		StateCompressionLevel:     3,
		MaxStateChars:             3000,
		RetainToolLogs:            false,
	},
	{
		KeepLastTurns:             2,
		MaxRefpackEntries:         8,
		MinRefpackSavings:         80,
		CompressionAggressiveness: 4,
		PhrasebookAggressiveness:  4,
		CodemapDetailLevel:        0,
		StateCompressionLevel:     3,
		MaxStateChars:             2200,
		RetainToolLogs:            false,
	},
}

// DeriveInput carries everything the budget decision reads.
type DeriveInput struct {
	Summary            semantic.SpectralSummary
	Thresholds         semantic.Thresholds
	Level              int
	Path               convo.Path
	RecentFailingCount int
}

// Derive resolves the effective budget row for one turn. Requested levels
// outside [0,4] are clamped, never an error. A stability index under the low
// threshold always widens to the level-0 row regardless of the requested
// level; the middle band caps the effective level at 2, so aggressive
// trimming only runs on conversations the analyzer already trusts.
func Derive(in DeriveInput) scc.Budgets {
	th := in.Thresholds
	if th.TLow == 0 && th.THigh == 0 {
		th = semantic.DefaultThresholds()
	}
	level := clampLevel(in.Level)
	switch {
	case in.Summary.StabilityIndex < th.TLow:
		level = 0
	case in.Summary.StabilityIndex < th.THigh && level > 2:
		level = 2
	}
	row := levelRows[level]
	if in.Path == convo.PathCode && in.RecentFailingCount > failingRetainThreshold {
		row.RetainToolLogs = true
	}
	return row
}

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > len(levelRows)-1 {
		return len(levelRows) - 1
	}
	return level
}
