package storage

import (
	"database/sql"
	"fmt"
)

var migrations = []string{
	// Migration 1: Initial schema
	`CREATE TABLE IF NOT EXISTS usage_records (
		id           TEXT NOT NULL,
		tenant_id    TEXT NOT NULL,
		provider     TEXT NOT NULL,
		flow         TEXT NOT NULL,
		usage_date   TEXT NOT NULL,
		product_key  TEXT NOT NULL,
		payload      TEXT NOT NULL,
		created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (usage_date, tenant_id, provider, flow, id)
	);

	CREATE TABLE IF NOT EXISTS pricing_records (
		id             TEXT PRIMARY KEY,
		tenant_id      TEXT NOT NULL DEFAULT '',
		provider       TEXT NOT NULL,
		flow           TEXT NOT NULL CHECK(flow IN ('payg', 'commitment', 'infrastructure')),
		product_key    TEXT NOT NULL,
		input_per_1k   TEXT NOT NULL DEFAULT '0',
		output_per_1k  TEXT NOT NULL DEFAULT '0',
		hourly_rate    TEXT NOT NULL DEFAULT '0',
		currency       TEXT NOT NULL DEFAULT 'USD',
		effective_from TEXT NOT NULL,
		effective_to   TEXT,
		is_override    INTEGER NOT NULL DEFAULT 0,
		source         TEXT NOT NULL DEFAULT '',
		updated_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_pricing_lookup ON pricing_records(provider, flow, product_key, tenant_id);

	CREATE TABLE IF NOT EXISTS cost_records (
		id          TEXT PRIMARY KEY,
		tenant_id   TEXT NOT NULL,
		provider    TEXT NOT NULL,
		flow        TEXT NOT NULL,
		product_key TEXT NOT NULL,
		cost_date   TEXT NOT NULL,
		amount      TEXT NOT NULL,
		currency    TEXT NOT NULL DEFAULT '',
		status      TEXT NOT NULL CHECK(status IN ('PRICED', 'UNPRICED')),
		reason      TEXT NOT NULL DEFAULT '',
		usage_count INTEGER NOT NULL DEFAULT 0,
		lineage     TEXT NOT NULL DEFAULT '{}',
		created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (cost_date, tenant_id, provider, flow, product_key)
	);

	CREATE TABLE IF NOT EXISTS unified_costs (
		id                TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		cost_date         TEXT NOT NULL,
		flow              TEXT NOT NULL,
		provider          TEXT NOT NULL,
		product_key       TEXT NOT NULL,
		amount            TEXT NOT NULL,
		currency          TEXT NOT NULL,
		source_cost_id    TEXT NOT NULL,
		source_pricing_id TEXT NOT NULL DEFAULT '',
		run_id            TEXT NOT NULL DEFAULT '',
		created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (cost_date, tenant_id, flow, provider, product_key)
	);

	CREATE TABLE IF NOT EXISTS standard_ledger (
		id                  TEXT PRIMARY KEY,
		schema_version      TEXT NOT NULL,
		tenant_id           TEXT NOT NULL,
		charge_period_start TEXT NOT NULL,
		charge_period_end   TEXT NOT NULL,
		provider_name       TEXT NOT NULL,
		service_category    TEXT NOT NULL,
		charge_category     TEXT NOT NULL DEFAULT '',
		sku_id              TEXT NOT NULL,
		billed_cost         TEXT NOT NULL,
		billing_currency    TEXT NOT NULL,
		source_unified_id   TEXT NOT NULL,
		run_id              TEXT NOT NULL DEFAULT '',
		created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_period ON standard_ledger(charge_period_start, tenant_id, provider_name, service_category);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id             TEXT PRIMARY KEY,
		kind           TEXT NOT NULL CHECK(kind IN ('rating', 'consolidation')),
		tenant_id      TEXT NOT NULL,
		run_date       TEXT NOT NULL,
		provider       TEXT NOT NULL DEFAULT '',
		flow           TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		attempts       INTEGER NOT NULL DEFAULT 0,
		priced_count   INTEGER NOT NULL DEFAULT 0,
		unpriced_count INTEGER NOT NULL DEFAULT 0,
		rejected_count INTEGER NOT NULL DEFAULT 0,
		unified_count  INTEGER NOT NULL DEFAULT 0,
		ledger_count   INTEGER NOT NULL DEFAULT 0,
		error_summary  TEXT NOT NULL DEFAULT '',
		seq            INTEGER NOT NULL DEFAULT 0,
		created_at     DATETIME NOT NULL,
		started_at     DATETIME,
		finished_at    DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_scope ON pipeline_runs(run_date, tenant_id, kind);

	CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

// runMigrations applies pending schema migrations.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := currentVersion; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
