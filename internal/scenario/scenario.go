// Package scenario loads the YAML scripts the harness binaries run:
// scripted conversations with a wire model id, an optimization level, and
// the quality checks every response must pass.
package scenario

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spectyra/spectyra-core/internal/convo"
	"github.com/spectyra/spectyra-core/internal/quality"
)

type rawScenario struct {
	ID     string          `yaml:"id"`
	Path   string          `yaml:"path"`
	Model  string          `yaml:"model"` // "<provider>/<model>" wire id
	Level  *int            `yaml:"level"`
	Checks []quality.Check `yaml:"checks"`
	Turns  []rawTurn       `yaml:"turns"`
}

type rawTurn struct {
	Role     string `yaml:"role"`
	Content  string `yaml:"content"`
	ToolName string `yaml:"tool_name"`
}

// Scenario is one validated scripted conversation.
type Scenario struct {
	ID       string
	Path     convo.Path
	Provider string
	Model    string
	Level    *int // nil means use the configured default
	Checks   []quality.Check
	Compiled []quality.CompiledCheck
	Turns    []convo.Message
	File     string
}

// Step is one optimizer invocation derived from the script: the user turn to
// send, the transcript before it, and the messages appended since the
// previous user turn.
type Step struct {
	History     []convo.Message
	NewMessages []convo.Message
	UserMessage string
}

// Steps expands the script into per-user-turn optimizer invocations.
func (s *Scenario) Steps() []Step {
	if s == nil {
		return nil
	}
	var steps []Step
	prevUser := -1
	for i, turn := range s.Turns {
		if turn.Role != convo.RoleUser {
			continue
		}
		steps = append(steps, Step{
			History:     s.Turns[:i],
			NewMessages: s.Turns[prevUser+1 : i],
			UserMessage: turn.Content,
		})
		prevUser = i
	}
	return steps
}

// Load reads and validates a single scenario file.
func Load(path string) (*Scenario, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("missing scenario path")
	}
	cleanPath = filepath.Clean(cleanPath)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, err
	}
	var raw rawScenario
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", cleanPath, err)
	}
	scenario, err := validate(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cleanPath, err)
	}
	scenario.File = cleanPath
	return scenario, nil
}

// LoadSuite walks dir for scenario files, validates every one before
// returning, and sorts the suite by id.
func LoadSuite(dir string) ([]*Scenario, error) {
	cleanDir := strings.TrimSpace(dir)
	if cleanDir == "" {
		return nil, fmt.Errorf("missing scenario dir")
	}
	var files []string
	err := filepath.WalkDir(cleanDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no scenario files in %s", cleanDir)
	}

	suite := make([]*Scenario, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, file := range files {
		scenario, err := Load(file)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[scenario.ID]; ok {
			return nil, fmt.Errorf("scenario id %s appears in both %s and %s", scenario.ID, prev, file)
		}
		seen[scenario.ID] = file
		suite = append(suite, scenario)
	}
	sort.Slice(suite, func(i, j int) bool { return suite[i].ID < suite[j].ID })
	return suite, nil
}

func validate(raw rawScenario) (*Scenario, error) {
	id := strings.TrimSpace(raw.ID)
	if id == "" {
		return nil, fmt.Errorf("scenario id is empty")
	}

	provider, model, ok := strings.Cut(strings.TrimSpace(raw.Model), "/")
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	if !ok || provider == "" || model == "" {
		return nil, fmt.Errorf("scenario %s has invalid model wire id: %q", id, raw.Model)
	}

	if raw.Level != nil && (*raw.Level < 0 || *raw.Level > 4) {
		return nil, fmt.Errorf("scenario %s has invalid level: %d", id, *raw.Level)
	}

	compiled, err := quality.Compile(raw.Checks)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", id, err)
	}

	turns := make([]convo.Message, 0, len(raw.Turns))
	userTurns := 0
	for i, turn := range raw.Turns {
		role := convo.Role(strings.ToLower(strings.TrimSpace(turn.Role)))
		content := strings.TrimSpace(turn.Content)
		toolName := strings.TrimSpace(turn.ToolName)
		switch role {
		case convo.RoleUser:
			userTurns++
		case convo.RoleAssistant, convo.RoleTool:
		default:
			return nil, fmt.Errorf("scenario %s turn %d has unsupported role: %s", id, i, turn.Role)
		}
		if content == "" {
			return nil, fmt.Errorf("scenario %s turn %d has no content", id, i)
		}
		if toolName != "" && role != convo.RoleTool {
			return nil, fmt.Errorf("scenario %s turn %d sets tool_name on role %s", id, i, role)
		}
		turns = append(turns, convo.Message{Role: role, Content: content, ToolName: toolName})
	}
	if userTurns == 0 {
		return nil, fmt.Errorf("scenario %s has no user turns", id)
	}

	return &Scenario{
		ID:       id,
		Path:     convo.NormalizePath(raw.Path),
		Provider: provider,
		Model:    model,
		Level:    raw.Level,
		Checks:   raw.Checks,
		Compiled: compiled,
		Turns:    turns,
	}, nil
}
