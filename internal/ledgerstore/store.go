// Package ledgerstore is the sqlite persistence collaborator for the savings
// ledger: Welford baseline buckets, append-only savings rows and harness run
// records.
package ledgerstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/spectyra/spectyra-core/internal/convo"
	"github.com/spectyra/spectyra-core/internal/ledger"
	"github.com/spectyra/spectyra-core/internal/lockfile"
)

// Store is a local SQLite-backed persistence layer for the savings ledger.
//
// Notes:
// - One writer connection; WAL keeps concurrent readers cheap.
// - A sibling .lock file keeps a second process off the database entirely,
//   so optimize and eval runs on the same ledger fail fast instead of
//   trading SQLITE_BUSY errors.
// - Baseline folds run as a single upsert so concurrent samples for the same
//   bucket never lose an update.
type Store struct {
	db   *sql.DB
	lock *lockfile.Lock
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	lock, err := lockfile.Acquire(p + ".lock")
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, fmt.Errorf("ledger db %s is in use by another process: %w", p, err)
		}
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		_ = lock.Release()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, lock: lock}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if relErr := s.lock.Release(); relErr != nil && err == nil {
		err = relErr
	}
	s.db = nil
	return err
}

func (s *Store) GetSample(ctx context.Context, workloadKey string) (ledger.BaselineSample, bool, error) {
	if s == nil || s.db == nil {
		return ledger.BaselineSample{}, false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	workloadKey = strings.TrimSpace(workloadKey)
	if workloadKey == "" {
		return ledger.BaselineSample{}, false, errors.New("missing workload_key")
	}

	var sample ledger.BaselineSample
	err := s.db.QueryRowContext(ctx, `
SELECT workload_key, n, tokens_mean, tokens_m2, cost_mean, cost_m2, updated_at_unix_ms
FROM baseline_samples
WHERE workload_key = ?
`, workloadKey).Scan(
		&sample.WorkloadKey,
		&sample.N,
		&sample.TokensMean,
		&sample.TokensM2,
		&sample.CostMean,
		&sample.CostM2,
		&sample.UpdatedUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.BaselineSample{}, false, nil
		}
		return ledger.BaselineSample{}, false, err
	}
	return sample, true, nil
}

// NearestSample returns the deepest close-by bucket sharing path, provider
// and model with the key but a different size class.
func (s *Store) NearestSample(ctx context.Context, workloadKey string, minN int64) (ledger.BaselineSample, bool, error) {
	if s == nil || s.db == nil {
		return ledger.BaselineSample{}, false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	path, provider, model, sizeClass, ok := convo.SplitWorkloadKey(workloadKey)
	if !ok {
		return ledger.BaselineSample{}, false, nil
	}

	var sample ledger.BaselineSample
	err := s.db.QueryRowContext(ctx, `
SELECT workload_key, n, tokens_mean, tokens_m2, cost_mean, cost_m2, updated_at_unix_ms
FROM baseline_samples
WHERE path = ? AND provider = ? AND model = ? AND size_class != ? AND n >= ?
ORDER BY ABS(CASE size_class WHEN 's' THEN 0 WHEN 'm' THEN 1 ELSE 2 END - ?) ASC, n DESC, workload_key ASC
LIMIT 1
`, string(path), provider, model, sizeClass, minN, sizeOrdinal(sizeClass)).Scan(
		&sample.WorkloadKey,
		&sample.N,
		&sample.TokensMean,
		&sample.TokensM2,
		&sample.CostMean,
		&sample.CostM2,
		&sample.UpdatedUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.BaselineSample{}, false, nil
		}
		return ledger.BaselineSample{}, false, err
	}
	return sample, true, nil
}

// UpsertSample folds one observation into the bucket's Welford state in a
// single statement. Unqualified columns on the update side read the
// pre-update row, so the incremental mean/M2 algebra is exact.
func (s *Store) UpsertSample(ctx context.Context, workloadKey string, tokens, costUSD float64, atUnixMs int64) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	workloadKey = strings.TrimSpace(workloadKey)
	path, provider, model, sizeClass, ok := convo.SplitWorkloadKey(workloadKey)
	if !ok {
		return fmt.Errorf("malformed workload_key %q", workloadKey)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO baseline_samples (
  workload_key, path, provider, model, size_class,
  n, tokens_mean, tokens_m2, cost_mean, cost_m2, updated_at_unix_ms
) VALUES (?, ?, ?, ?, ?, 1, ?, 0, ?, 0, ?)
ON CONFLICT(workload_key) DO UPDATE SET
  n = n + 1,
  tokens_mean = tokens_mean + (excluded.tokens_mean - tokens_mean) / (n + 1),
  tokens_m2 = tokens_m2 + (excluded.tokens_mean - tokens_mean) * (excluded.tokens_mean - tokens_mean) * CAST(n AS REAL) / (n + 1),
  cost_mean = cost_mean + (excluded.cost_mean - cost_mean) / (n + 1),
  cost_m2 = cost_m2 + (excluded.cost_mean - cost_mean) * (excluded.cost_mean - cost_mean) * CAST(n AS REAL) / (n + 1),
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, workloadKey, string(path), provider, model, sizeClass, tokens, costUSD, atUnixMs)
	return err
}

func (s *Store) AppendRow(ctx context.Context, row ledger.Row) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	row.ID = strings.TrimSpace(row.ID)
	row.WorkloadKey = strings.TrimSpace(row.WorkloadKey)
	if row.ID == "" || row.WorkloadKey == "" {
		return errors.New("invalid row")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO ledger_rows (
  id, run_id, conversation_id, workload_key, savings_type,
  baseline_tokens, optimized_tokens, baseline_cost_usd, optimized_cost_usd,
  tokens_saved, cost_saved_usd, pct_saved, confidence, baseline_source,
  created_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		row.ID,
		strings.TrimSpace(row.RunID),
		strings.TrimSpace(row.ConversationID),
		row.WorkloadKey,
		string(row.SavingsType),
		row.BaselineTokens,
		row.OptimizedTokens,
		row.BaselineCostUSD,
		row.OptimizedCostUSD,
		row.TokensSaved,
		row.CostSavedUSD,
		row.PctSaved,
		row.Confidence,
		row.BaselineSource,
		row.CreatedUnixMs,
	)
	return err
}

// ListRows returns the most recent rows, oldest first, optionally filtered
// by workload key. limit <= 0 means no limit.
func (s *Store) ListRows(ctx context.Context, workloadKey string, limit int) ([]ledger.Row, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	workloadKey = strings.TrimSpace(workloadKey)
	if limit <= 0 {
		limit = -1
	}

	args := []any{}
	where := ""
	if workloadKey != "" {
		where = "WHERE workload_key = ?"
		args = append(args, workloadKey)
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
SELECT id, run_id, conversation_id, workload_key, savings_type,
       baseline_tokens, optimized_tokens, baseline_cost_usd, optimized_cost_usd,
       tokens_saved, cost_saved_usd, pct_saved, confidence, baseline_source,
       created_at_unix_ms
FROM ledger_rows
%s
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT ?
`, where)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tmp []ledger.Row
	for rows.Next() {
		var r ledger.Row
		if err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.ConversationID,
			&r.WorkloadKey,
			&r.SavingsType,
			&r.BaselineTokens,
			&r.OptimizedTokens,
			&r.BaselineCostUSD,
			&r.OptimizedCostUSD,
			&r.TokensSaved,
			&r.CostSavedUSD,
			&r.PctSaved,
			&r.Confidence,
			&r.BaselineSource,
			&r.CreatedUnixMs,
		); err != nil {
			return nil, err
		}
		tmp = append(tmp, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to ASC order.
	out := make([]ledger.Row, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	return out, nil
}

func sizeOrdinal(sizeClass string) int {
	switch sizeClass {
	case "s":
		return 0
	case "m":
		return 1
	default:
		return 2
	}
}
