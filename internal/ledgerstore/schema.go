package ledgerstore

import (
	"database/sql"
	"errors"
	"fmt"
)

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS baseline_samples (
  workload_key TEXT PRIMARY KEY,
  path TEXT NOT NULL,
  provider TEXT NOT NULL,
  model TEXT NOT NULL,
  size_class TEXT NOT NULL,
  n INTEGER NOT NULL,
  tokens_mean REAL NOT NULL,
  tokens_m2 REAL NOT NULL,
  cost_mean REAL NOT NULL,
  cost_m2 REAL NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_baseline_samples_bucket ON baseline_samples(path, provider, model, n);

CREATE TABLE IF NOT EXISTS ledger_rows (
  id TEXT PRIMARY KEY,
  run_id TEXT NOT NULL DEFAULT '',
  conversation_id TEXT NOT NULL DEFAULT '',
  workload_key TEXT NOT NULL,
  savings_type TEXT NOT NULL,
  baseline_tokens INTEGER NOT NULL,
  optimized_tokens INTEGER NOT NULL,
  baseline_cost_usd REAL NOT NULL,
  optimized_cost_usd REAL NOT NULL,
  tokens_saved INTEGER NOT NULL,
  cost_saved_usd REAL NOT NULL,
  pct_saved REAL NOT NULL,
  confidence REAL NOT NULL,
  baseline_source TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_rows_key_created ON ledger_rows(workload_key, created_at_unix_ms DESC, id DESC);

CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  scenario_id TEXT NOT NULL DEFAULT '',
  mode TEXT NOT NULL,
  provider TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  quality_pass INTEGER NOT NULL DEFAULT 0,
  prompt_tokens INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  cost_usd REAL NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_scenario ON runs(scenario_id, created_at_unix_ms DESC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
