package scc

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Path-specific machine-readable markers tagging the compiled state message.
const (
	MarkerTalk = "[[SPECTYRA:STATE:TALK]]"
	MarkerCode = "[[SPECTYRA:STATE:CODE]]"
)

const (
	sectionConstraints = "constraints"
	sectionFailing     = "failing_signals"
	sectionFailure     = "latest_tool_failure"
	sectionFocus       = "focus_files"
	sectionNext        = "next_actions"
	sectionReferences  = "references"

	truncatedMark     = "…[truncated]"
	refpackMinLineLen = 60
)

// dropOrder is the section sacrifice sequence when the state exceeds
// MaxStateChars: lowest value goes first. Constraints are never dropped,
// only tail-truncated.
var dropOrder = []string{sectionReferences, sectionNext, sectionFocus, sectionFailure, sectionFailing}

var sectionTitles = map[string]string{
	sectionConstraints: "Constraints",
	sectionFailing:     "Failing signals",
	sectionFailure:     "Latest tool failure",
	sectionFocus:       "Focus files",
	sectionNext:        "Next actions",
	sectionReferences:  "References",
}

// Per-section share of MaxStateChars before global enforcement. Shares for
// sections a path never emits are simply unused.
var sectionShares = map[string]float64{
	sectionConstraints: 0.30,
	sectionFailing:     0.25,
	sectionFailure:     0.25,
	sectionFocus:       0.10,
	sectionNext:        0.05,
	sectionReferences:  0.05,
}

var phrasebook = []struct{ from, to string }{
	{"is not assignable to type", "≠ type"},
	{"does not exist on type", "missing on type"},
	{"Cannot find module", "missing module"},
	{"Cannot find name", "unknown name"},
	{"Argument of type", "arg type"},
}

var stackFrameLineRe = regexp.MustCompile(`(?m)^\s*at\s+\S`)

type section struct {
	name string
	body string
}

// CompileTalkState assembles the talk-path state message: constraints plus
// any refpack references.
func CompileTalkState(signals ExtractedSignals, budgets Budgets) CompiledState {
	sections := []section{
		{name: sectionConstraints, body: renderConstraints(signals)},
	}
	return compileState(MarkerTalk, sections, budgets)
}

// CompileCodeState assembles the code-path state message in fixed order:
// constraints, failing signals, latest tool failure, focus files, next
// actions, references.
func CompileCodeState(signals ExtractedSignals, budgets Budgets) CompiledState {
	sections := []section{
		{name: sectionConstraints, body: renderConstraints(signals)},
		{name: sectionFailing, body: renderFailingSignals(signals, budgets)},
		{name: sectionFailure, body: renderLatestFailure(signals, budgets)},
		{name: sectionFocus, body: renderFocusFiles(signals, budgets)},
		{name: sectionNext, body: renderNextActions(signals)},
	}
	return compileState(MarkerCode, sections, budgets)
}

func compileState(marker string, sections []section, budgets Budgets) CompiledState {
	maxChars := budgets.MaxStateChars
	if maxChars <= 0 {
		maxChars = 4000
	}

	kept := make([]section, 0, len(sections)+1)
	for _, sec := range sections {
		body := strings.TrimSpace(sec.body)
		if body == "" {
			continue
		}
		if budgets.StateCompressionLevel >= 2 {
			body = collapseBlankLines(body)
		}
		if budgets.StateCompressionLevel >= 3 {
			body = clampLines(body, 200)
		}
		// An in-progress failing trace is exempt from the soft cap while
		// RetainToolLogs holds; only the final hard bound applies to it.
		if sec.name != sectionFailure || !budgets.RetainToolLogs {
			body = enforceSectionCap(sec.name, body, sectionCap(sec.name, maxChars, budgets.CompressionAggressiveness))
		}
		kept = append(kept, section{name: sec.name, body: body})
	}

	kept = buildRefpack(kept, budgets)

	state := CompiledState{Marker: marker, SectionChars: map[string]int{}}
	protectedFailure := budgets.RetainToolLogs

	assemble := func(sections []section) string {
		var b strings.Builder
		b.WriteString(marker)
		for _, sec := range sections {
			b.WriteString("\n\n## ")
			b.WriteString(sectionTitles[sec.name])
			b.WriteString("\n")
			b.WriteString(sec.body)
		}
		return b.String()
	}

	text := assemble(kept)
	for _, victim := range dropOrder {
		if len([]rune(text)) <= maxChars {
			break
		}
		if victim == sectionFailure && protectedFailure {
			continue
		}
		idx := -1
		for i, sec := range kept {
			if sec.name == victim {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		state.DroppedSections = append(state.DroppedSections, victim)
		kept = append(kept[:idx], kept[idx+1:]...)
		text = assemble(kept)
	}

	// Constraints are last in line: tail-truncate bullets, never drop.
	if over := len([]rune(text)) - maxChars; over > 0 {
		for i, sec := range kept {
			if sec.name != sectionConstraints {
				continue
			}
			target := len([]rune(sec.body)) - over - len([]rune(truncatedMark)) - 1
			kept[i].body = truncateBullets(sec.body, target)
			text = assemble(kept)
			break
		}
	}
	if len([]rune(text)) > maxChars {
		text = truncateRunes(text, maxChars)
	}

	state.Text = text
	for _, sec := range kept {
		state.SectionChars[sec.name] = len([]rune(sec.body))
	}
	return state
}

func renderConstraints(signals ExtractedSignals) string {
	var lines []string
	for _, c := range signals.GlobalConstraints {
		lines = append(lines, "- "+c)
	}
	paths := make([]string, 0, len(signals.FileConstraints))
	for path := range signals.FileConstraints {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		for _, c := range signals.FileConstraints[path] {
			line := "- " + path + ": " + c
			lines = append(lines, line)
		}
	}
	return strings.Join(DedupeOrdered(lines), "\n")
}

func renderFailingSignals(signals ExtractedSignals, budgets Budgets) string {
	var lines []string
	for _, sig := range signals.FailingSignals {
		var parts []string
		if sig.File != "" {
			loc := sig.File
			if sig.Line > 0 {
				loc = fmt.Sprintf("%s:%d", sig.File, sig.Line)
			}
			parts = append(parts, loc)
		}
		if sig.Code != "" {
			parts = append(parts, sig.Code)
		}
		msg := sig.Message
		if budgets.PhrasebookAggressiveness >= 2 {
			msg = applyPhrasebook(msg)
		}
		if msg != "" {
			parts = append(parts, msg)
		}
		if len(parts) == 0 {
			parts = append(parts, CollapseWhitespace(sig.Raw))
		}
		lines = append(lines, "- "+strings.Join(parts, " "))
	}
	return strings.Join(DedupeOrdered(lines), "\n")
}

func renderLatestFailure(signals ExtractedSignals, budgets Budgets) string {
	body := signals.LatestToolFailure
	if body == "" {
		return ""
	}
	if budgets.RetainToolLogs {
		return body
	}
	if budgets.PhrasebookAggressiveness >= 2 {
		body = applyPhrasebook(body)
	}
	if budgets.CompressionAggressiveness >= 3 {
		body = collapseStackFrames(body, 2)
	}
	return body
}

func renderFocusFiles(signals ExtractedSignals, budgets Budgets) string {
	if len(signals.FocusFiles) == 0 {
		return ""
	}
	failingByFile := map[string]int{}
	lastIndexByFile := map[string]int{}
	for _, sig := range signals.FailingSignals {
		if sig.File == "" {
			continue
		}
		failingByFile[sig.File]++
		if sig.MessageIndex > lastIndexByFile[sig.File] {
			lastIndexByFile[sig.File] = sig.MessageIndex
		}
	}
	var lines []string
	for _, path := range signals.FocusFiles {
		line := "- " + path
		if n := failingByFile[path]; n > 0 && budgets.CodemapDetailLevel >= 1 {
			if budgets.CodemapDetailLevel >= 2 {
				line = fmt.Sprintf("%s (%d failing, last at message %d)", line, n, lastIndexByFile[path])
			} else {
				line = fmt.Sprintf("%s (%d failing)", line, n)
			}
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func renderNextActions(signals ExtractedSignals) string {
	var lines []string
	if len(signals.RepeatedCodes) > 0 {
		lines = append(lines, "- Resolve "+strings.Join(signals.RepeatedCodes, ", ")+" first; the same diagnostic keeps recurring.")
	} else if len(signals.FailingSignals) > 0 {
		lines = append(lines, "- Fix the failing signals above before new changes.")
	}
	if len(signals.FocusFiles) > 0 {
		lines = append(lines, "- Keep changes inside the focus files.")
	}
	return strings.Join(lines, "\n")
}

// buildRefpack replaces repeated long lines across section bodies with [Rn]
// references defined once in a trailing References section. An entry is only
// worth emitting when the characters it removes beat MinRefpackSavings.
func buildRefpack(sections []section, budgets Budgets) []section {
	if budgets.MaxRefpackEntries <= 0 {
		return sections
	}
	type candidate struct {
		line  string
		count int
		first int
	}
	counts := map[string]*candidate{}
	order := 0
	for _, sec := range sections {
		for _, line := range strings.Split(sec.body, "\n") {
			trimmed := strings.TrimSpace(line)
			if len([]rune(trimmed)) < refpackMinLineLen {
				continue
			}
			c, ok := counts[trimmed]
			if !ok {
				c = &candidate{line: trimmed, first: order}
				counts[trimmed] = c
			}
			c.count++
			order++
		}
	}
	var picked []*candidate
	for _, c := range counts {
		if c.count < 2 {
			continue
		}
		saved := (c.count - 1) * len([]rune(c.line))
		if saved < budgets.MinRefpackSavings {
			continue
		}
		picked = append(picked, c)
	}
	if len(picked) == 0 {
		return sections
	}
	sort.Slice(picked, func(i, j int) bool { return picked[i].first < picked[j].first })
	if len(picked) > budgets.MaxRefpackEntries {
		picked = picked[:budgets.MaxRefpackEntries]
	}

	refs := make(map[string]string, len(picked))
	var refLines []string
	for i, c := range picked {
		tag := fmt.Sprintf("[R%d]", i+1)
		refs[c.line] = tag
		refLines = append(refLines, tag+" "+c.line)
	}

	// Every occurrence collapses to its tag; the full text lives once in the
	// References section.
	out := make([]section, 0, len(sections)+1)
	for _, sec := range sections {
		lines := strings.Split(sec.body, "\n")
		for i, line := range lines {
			if tag, ok := refs[strings.TrimSpace(line)]; ok {
				lines[i] = tag
			}
		}
		out = append(out, section{name: sec.name, body: strings.Join(lines, "\n")})
	}
	out = append(out, section{name: sectionReferences, body: strings.Join(refLines, "\n")})
	return out
}

func sectionCap(name string, maxChars int, aggressiveness int) int {
	share, ok := sectionShares[name]
	if !ok {
		share = 0.10
	}
	scale := 1.0 - 0.10*float64(clampInt(aggressiveness, 0, 4))
	limit := int(float64(maxChars) * share * scale)
	if limit < 200 {
		limit = 200
	}
	return limit
}

// enforceSectionCap trims a section body to its soft cap at whole-line
// granularity, appending the truncation marker when anything was cut.
func enforceSectionCap(name, body string, limit int) string {
	if len([]rune(body)) <= limit {
		return body
	}
	if name == sectionFailure {
		return truncateRunes(body, limit-len([]rune(truncatedMark))) + "\n" + truncatedMark
	}
	return truncateBullets(body, limit)
}

func truncateBullets(body string, targetChars int) string {
	if targetChars <= 0 {
		return truncatedMark
	}
	lines := strings.Split(body, "\n")
	var kept []string
	used := 0
	for _, line := range lines {
		cost := len([]rune(line)) + 1
		if used+cost > targetChars {
			break
		}
		used += cost
		kept = append(kept, line)
	}
	if len(kept) == len(lines) {
		return body
	}
	kept = append(kept, truncatedMark)
	return strings.Join(kept, "\n")
}

func applyPhrasebook(text string) string {
	for _, entry := range phrasebook {
		text = strings.ReplaceAll(text, entry.from, entry.to)
	}
	return text
}

func collapseStackFrames(body string, keep int) string {
	lines := strings.Split(body, "\n")
	frames := 0
	var out []string
	dropped := 0
	for _, line := range lines {
		if stackFrameLineRe.MatchString(line) {
			frames++
			if frames > keep {
				dropped++
				continue
			}
		}
		out = append(out, line)
	}
	if dropped > 0 {
		out = append(out, fmt.Sprintf("    … %d more frames", dropped))
	}
	return strings.Join(out, "\n")
}

func collapseBlankLines(body string) string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func clampLines(body string, max int) string {
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if len([]rune(line)) > max {
			lines[i] = truncateRunes(line, max-1) + "…"
		}
	}
	return strings.Join(lines, "\n")
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
