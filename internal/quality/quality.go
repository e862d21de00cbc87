// Package quality gates model responses behind named regex checks. Baseline
// and optimized runs are scored with the same check set, so recorded savings
// only ever compare quality-equivalent outputs.
package quality

import (
	"fmt"
	"regexp"
	"strings"
)

// Check is one named pattern a response must match. Flags is a subset of
// "ims" mapped onto the corresponding Go regexp flags.
type Check struct {
	Name    string `json:"name" yaml:"name"`
	Pattern string `json:"pattern" yaml:"pattern"`
	Flags   string `json:"flags,omitempty" yaml:"flags,omitempty"`
}

// CompiledCheck is a validated check ready for evaluation.
type CompiledCheck struct {
	name string
	re   *regexp.Regexp
}

// Name returns the check's configured name.
func (c CompiledCheck) Name() string { return c.name }

// Result reports one evaluation: pass iff every check matched, failures
// listed in check order.
type Result struct {
	Pass     bool     `json:"pass"`
	Failures []string `json:"failures,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Compile validates the whole check set up front so malformed patterns fail
// at load time, never mid-evaluation.
func Compile(checks []Check) ([]CompiledCheck, error) {
	out := make([]CompiledCheck, 0, len(checks))
	for i, check := range checks {
		name := strings.TrimSpace(check.Name)
		if name == "" {
			return nil, fmt.Errorf("checks[%d]: name is required", i)
		}
		pattern := check.Pattern
		if strings.TrimSpace(pattern) == "" {
			return nil, fmt.Errorf("checks[%d] %q: pattern is required", i, name)
		}
		prefix, err := flagPrefix(check.Flags)
		if err != nil {
			return nil, fmt.Errorf("checks[%d] %q: %w", i, name, err)
		}
		re, err := regexp.Compile(prefix + pattern)
		if err != nil {
			return nil, fmt.Errorf("checks[%d] %q: invalid pattern: %w", i, name, err)
		}
		out = append(out, CompiledCheck{name: name, re: re})
	}
	return out, nil
}

// Evaluate scores a response against a compiled check set. An empty set
// passes trivially.
func Evaluate(responseText string, checks []CompiledCheck) Result {
	var failures []string
	for _, check := range checks {
		if !check.re.MatchString(responseText) {
			failures = append(failures, check.name)
		}
	}
	return Result{
		Pass:     len(failures) == 0,
		Failures: failures,
		Reason:   strings.Join(failures, ","),
	}
}

func flagPrefix(flags string) (string, error) {
	flags = strings.TrimSpace(flags)
	if flags == "" {
		return "", nil
	}
	var b strings.Builder
	for _, ch := range flags {
		switch ch {
		case 'i', 'm', 's':
			b.WriteRune(ch)
		default:
			return "", fmt.Errorf("unknown flag %q (allowed: i, m, s)", string(ch))
		}
	}
	return "(?" + b.String() + ")", nil
}
