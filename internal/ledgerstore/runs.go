package ledgerstore

import (
	"context"
	"errors"
	"strings"
)

// Run is one harness execution record: a baseline or optimized leg of a
// scenario, with its quality verdict and token totals.
type Run struct {
	RunID         string  `json:"run_id"`
	ScenarioID    string  `json:"scenario_id,omitempty"`
	Mode          string  `json:"mode"`
	Provider      string  `json:"provider,omitempty"`
	Model         string  `json:"model,omitempty"`
	QualityPass   bool    `json:"quality_pass"`
	PromptTokens  int64   `json:"prompt_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
	CostUSD       float64 `json:"cost_usd"`
	CreatedUnixMs int64   `json:"created_at_unix_ms"`
}

func (s *Store) RecordRun(ctx context.Context, run Run) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	run.RunID = strings.TrimSpace(run.RunID)
	run.Mode = strings.TrimSpace(run.Mode)
	if run.RunID == "" || run.Mode == "" {
		return errors.New("invalid run")
	}

	pass := 0
	if run.QualityPass {
		pass = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (
  run_id, scenario_id, mode, provider, model,
  quality_pass, prompt_tokens, output_tokens, cost_usd, created_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		run.RunID,
		strings.TrimSpace(run.ScenarioID),
		run.Mode,
		strings.TrimSpace(run.Provider),
		strings.TrimSpace(run.Model),
		pass,
		run.PromptTokens,
		run.OutputTokens,
		run.CostUSD,
		run.CreatedUnixMs,
	)
	return err
}

// ListRuns returns the most recent runs for a scenario, oldest first. An
// empty scenario id lists every run. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, scenarioID string, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	scenarioID = strings.TrimSpace(scenarioID)
	if limit <= 0 {
		limit = -1
	}

	args := []any{}
	where := ""
	if scenarioID != "" {
		where = "WHERE scenario_id = ?"
		args = append(args, scenarioID)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, scenario_id, mode, provider, model,
       quality_pass, prompt_tokens, output_tokens, cost_usd, created_at_unix_ms
FROM runs
`+where+`
ORDER BY created_at_unix_ms DESC, run_id DESC
LIMIT ?
`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tmp []Run
	for rows.Next() {
		var r Run
		var pass int
		if err := rows.Scan(
			&r.RunID,
			&r.ScenarioID,
			&r.Mode,
			&r.Provider,
			&r.Model,
			&pass,
			&r.PromptTokens,
			&r.OutputTokens,
			&r.CostUSD,
			&r.CreatedUnixMs,
		); err != nil {
			return nil, err
		}
		r.QualityPass = pass != 0
		tmp = append(tmp, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Run, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	return out, nil
}
