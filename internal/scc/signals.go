package scc

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/spectyra/spectyra-core/internal/convo"
)

const (
	recentFailingWindow        = 12
	recentFailingLoopThreshold = 3
)

var (
	// webpack style: ERROR in apps/web/src/main.ts:10
	errorInRe = regexp.MustCompile(`(?i)^\s*ERROR\s+in\s+(\S+?):(\d+)(?::\d+)?\s*$`)
	// tsc style: apps/web/src/main.ts(10,5): error TS2322: message
	tscRe = regexp.MustCompile(`^\s*(\S+?)\((\d+),\d+\):\s*(?:error|warning)\s+([A-Z]{1,4}\d{3,5}):\s*(.+)$`)
	// esbuild/vite style: apps/web/src/main.ts:10:5 - error TS2322: message
	lineColRe = regexp.MustCompile(`^\s*(\S+?):(\d+):\d+\s*[-–]?\s*(?:error|warning)\s+(?:([A-Z]{1,4}\d{3,5}):\s*)?(.+)$`)
	// bare diagnostic: TS2322: message / error CS0103: message
	codeLineRe = regexp.MustCompile(`^\s*(?:error\s+|warning\s+)?([A-Z]{1,4}\d{3,5}):\s*(.+)$`)
	// stack frame: at fn (file:10:5)
	stackFrameRe = regexp.MustCompile(`^\s*at\s+.*?\(?(\S+?):(\d+):\d+\)?\s*$`)

	toolFailureRe = regexp.MustCompile(`(?i)\b(?:error|errors|failed|failure|exception|traceback|fatal|panic|cannot\s+find|command\s+not\s+found)\b|exit\s+(?:code|status)\s+[1-9]\d*`)
)

// ExtractFailingSignals parses tool-role text for build/test/runtime
// diagnostics and returns them deduplicated: two signals are duplicates when
// their (file, line, code) triples match, otherwise when their raw text
// matches.
func ExtractFailingSignals(messages []convo.Message) []FailingSignal {
	return dedupeSignals(parseFailingSignals(messages))
}

// parseFailingSignals returns every diagnostic occurrence in transcript
// order, undeduplicated, so the loop detectors can see repeats across turns.
func parseFailingSignals(messages []convo.Message) []FailingSignal {
	var out []FailingSignal
	for idx, msg := range messages {
		if msg.Role != convo.RoleTool {
			continue
		}
		var pending *FailingSignal
		flush := func() {
			if pending != nil {
				out = append(out, *pending)
				pending = nil
			}
		}
		for _, line := range strings.Split(msg.Content, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				flush()
				continue
			}
			switch {
			case tscRe.MatchString(trimmed):
				flush()
				m := tscRe.FindStringSubmatch(trimmed)
				out = append(out, FailingSignal{
					File:         NormalizePath(m[1]),
					Line:         atoiSafe(m[2]),
					Code:         strings.ToUpper(m[3]),
					Message:      strings.TrimSpace(m[4]),
					Raw:          trimmed,
					MessageIndex: idx,
				})
			case errorInRe.MatchString(trimmed):
				flush()
				m := errorInRe.FindStringSubmatch(trimmed)
				pending = &FailingSignal{
					File:         NormalizePath(m[1]),
					Line:         atoiSafe(m[2]),
					Raw:          trimmed,
					MessageIndex: idx,
				}
			case codeLineRe.MatchString(trimmed):
				m := codeLineRe.FindStringSubmatch(trimmed)
				if pending != nil {
					pending.Code = strings.ToUpper(m[1])
					pending.Message = strings.TrimSpace(m[2])
					pending.Raw += "\n" + trimmed
					flush()
					continue
				}
				out = append(out, FailingSignal{
					Code:         strings.ToUpper(m[1]),
					Message:      strings.TrimSpace(m[2]),
					Raw:          trimmed,
					MessageIndex: idx,
				})
			case lineColRe.MatchString(trimmed):
				flush()
				m := lineColRe.FindStringSubmatch(trimmed)
				out = append(out, FailingSignal{
					File:         NormalizePath(m[1]),
					Line:         atoiSafe(m[2]),
					Code:         strings.ToUpper(m[3]),
					Message:      strings.TrimSpace(m[4]),
					Raw:          trimmed,
					MessageIndex: idx,
				})
			case stackFrameRe.MatchString(trimmed):
				flush()
				m := stackFrameRe.FindStringSubmatch(trimmed)
				file := NormalizePath(m[1])
				if !plausiblePath(file) {
					continue
				}
				out = append(out, FailingSignal{
					File:         file,
					Line:         atoiSafe(m[2]),
					Raw:          trimmed,
					MessageIndex: idx,
				})
			default:
				if pending != nil {
					pending.Message = trimmed
					pending.Raw += "\n" + trimmed
					flush()
				}
			}
		}
		flush()
	}
	return out
}

func dedupeSignals(signals []FailingSignal) []FailingSignal {
	if len(signals) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(signals))
	out := make([]FailingSignal, 0, len(signals))
	for _, sig := range signals {
		key := sig.Raw
		if sig.File != "" || sig.Code != "" {
			key = fmt.Sprintf("%s|%d|%s", sig.File, sig.Line, sig.Code)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, sig)
	}
	return out
}

// LatestToolFailure returns the most recent tool message matching the
// failure pattern set, verbatim. The compile stage may truncate it; this
// function never summarizes.
func LatestToolFailure(messages []convo.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != convo.RoleTool {
			continue
		}
		if toolFailureRe.MatchString(msg.Content) {
			return strings.TrimSpace(msg.Content)
		}
	}
	return ""
}

// RecentFailingCount counts failing tool messages among the last window tool
// messages.
func RecentFailingCount(messages []convo.Message, window int) int {
	if window <= 0 {
		window = recentFailingWindow
	}
	seen := 0
	failing := 0
	for i := len(messages) - 1; i >= 0 && seen < window; i-- {
		msg := messages[i]
		if msg.Role != convo.RoleTool {
			continue
		}
		seen++
		if toolFailureRe.MatchString(msg.Content) {
			failing++
		}
	}
	return failing
}

// RepeatedCodes reports diagnostic codes seen in two or more distinct tool
// messages. Expects undeduplicated occurrences (parse order); a code
// repeating across turns is the strongest stuck-loop indicator.
func RepeatedCodes(signals []FailingSignal) []string {
	byCode := map[string]map[int]struct{}{}
	for _, sig := range signals {
		code := strings.TrimSpace(sig.Code)
		if code == "" {
			continue
		}
		if byCode[code] == nil {
			byCode[code] = map[int]struct{}{}
		}
		byCode[code][sig.MessageIndex] = struct{}{}
	}
	var out []string
	for code, indexes := range byCode {
		if len(indexes) >= 2 {
			out = append(out, code)
		}
	}
	sort.Strings(out)
	return out
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
