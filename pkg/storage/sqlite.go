package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ogulcanaydogan/genai-cost-ledger/pkg/model"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"
)

// SQLite implements the Storage interface using an SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates an SQLite database at the given path.
func NewSQLite(dbPath string) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers; every replace runs in its own tx.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// replaceWhere deletes the rows of table matching where and inserts the
// staged replacement set in the same transaction.
func (s *SQLite) replaceWhere(ctx context.Context, table, where string, args []any, insert func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace %s: %w", table, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE "+where, args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete %s: %w", table, err)
	}

	if err := insert(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace %s: %w", table, err)
	}
	return nil
}

// ReplaceUsage swaps the stored usage of one rating key. A repeated record
// id keeps its first occurrence.
func (s *SQLite) ReplaceUsage(ctx context.Context, key model.RatingKey, records []model.UsageRecord) error {
	date := model.FormatDate(key.Date)
	return s.replaceWhere(ctx, "usage_records",
		"usage_date = ? AND tenant_id = ? AND provider = ? AND flow = ?",
		[]any{date, key.TenantID, key.Provider, string(key.Flow)},
		func(tx *sql.Tx) error {
			for _, r := range records {
				payload, err := json.Marshal(r)
				if err != nil {
					return fmt.Errorf("marshal usage %s: %w", r.ID, err)
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO usage_records (id, tenant_id, provider, flow, usage_date, product_key, payload)
					 VALUES (?, ?, ?, ?, ?, ?, ?)
					 ON CONFLICT DO NOTHING`,
					r.ID, key.TenantID, key.Provider, string(key.Flow), date, r.ProductKey, string(payload),
				); err != nil {
					return fmt.Errorf("insert usage record: %w", err)
				}
			}
			return nil
		})
}

func (s *SQLite) ReadUsage(ctx context.Context, key model.RatingKey) ([]model.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM usage_records
		 WHERE usage_date = ? AND tenant_id = ? AND provider = ? AND flow = ?
		 ORDER BY id`,
		model.FormatDate(key.Date), key.TenantID, key.Provider, string(key.Flow),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []model.UsageRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		var r model.UsageRecord
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("decode usage row: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

const pricingColumns = `id, tenant_id, provider, flow, product_key, input_per_1k, output_per_1k,
	hourly_rate, currency, effective_from, effective_to, is_override, source, updated_at`

func (s *SQLite) ReplaceCatalog(ctx context.Context, provider string, records []model.PricingRecord) error {
	return s.replaceWhere(ctx, "pricing_records",
		"provider = ? AND is_override = 0 AND tenant_id = ''",
		[]any{provider},
		func(tx *sql.Tx) error {
			for i := range records {
				if err := insertPricing(ctx, tx, &records[i]); err != nil {
					return err
				}
			}
			return nil
		})
}

func (s *SQLite) PutPricing(ctx context.Context, record *model.PricingRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put pricing: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pricing_records WHERE id = ?", record.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("delete pricing record: %w", err)
	}
	if err := insertPricing(ctx, tx, record); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func insertPricing(ctx context.Context, tx *sql.Tx, r *model.PricingRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	var effectiveTo any
	if r.EffectiveTo != nil {
		effectiveTo = model.FormatDate(*r.EffectiveTo)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO pricing_records (`+pricingColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Provider, string(r.Flow), r.ProductKey,
		r.InputPer1K.String(), r.OutputPer1K.String(), r.HourlyRate.String(),
		r.Currency, model.FormatDate(r.EffectiveFrom), effectiveTo,
		r.IsOverride, r.Source, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pricing record %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLite) FindPricing(ctx context.Context, filter PricingFilter) ([]model.PricingRecord, error) {
	var conditions []string
	var args []any

	if len(filter.TenantIDs) > 0 {
		conditions = append(conditions, "tenant_id IN ("+placeholders(len(filter.TenantIDs))+")")
		for _, id := range filter.TenantIDs {
			args = append(args, id)
		}
	}
	if filter.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Flow != "" {
		conditions = append(conditions, "flow = ?")
		args = append(args, string(filter.Flow))
	}
	if filter.ProductKey != "" {
		conditions = append(conditions, "product_key = ?")
		args = append(args, filter.ProductKey)
	}
	if filter.Override != nil {
		conditions = append(conditions, "is_override = ?")
		args = append(args, *filter.Override)
	}

	query := "SELECT " + pricingColumns + " FROM pricing_records"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY provider, flow, product_key, tenant_id, effective_from"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pricing: %w", err)
	}
	defer rows.Close()

	var records []model.PricingRecord
	for rows.Next() {
		var (
			r             model.PricingRecord
			flow          string
			from          string
			to            sql.NullString
			input, output string
			hourly        string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Provider, &flow, &r.ProductKey,
			&input, &output, &hourly, &r.Currency, &from, &to,
			&r.IsOverride, &r.Source, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pricing row: %w", err)
		}
		r.Flow = model.Flow(flow)
		if r.InputPer1K, err = decimal.NewFromString(input); err != nil {
			return nil, fmt.Errorf("pricing %s input price: %w", r.ID, err)
		}
		if r.OutputPer1K, err = decimal.NewFromString(output); err != nil {
			return nil, fmt.Errorf("pricing %s output price: %w", r.ID, err)
		}
		if r.HourlyRate, err = decimal.NewFromString(hourly); err != nil {
			return nil, fmt.Errorf("pricing %s hourly rate: %w", r.ID, err)
		}
		if r.EffectiveFrom, err = model.ParseDate(from); err != nil {
			return nil, fmt.Errorf("pricing %s: %w", r.ID, err)
		}
		if to.Valid {
			end, err := model.ParseDate(to.String)
			if err != nil {
				return nil, fmt.Errorf("pricing %s: %w", r.ID, err)
			}
			r.EffectiveTo = &end
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLite) ReplaceCostRecords(ctx context.Context, key model.RatingKey, records []model.CostRecord) error {
	date := model.FormatDate(key.Date)
	return s.replaceWhere(ctx, "cost_records",
		"cost_date = ? AND tenant_id = ? AND provider = ? AND flow = ?",
		[]any{date, key.TenantID, key.Provider, string(key.Flow)},
		func(tx *sql.Tx) error {
			for _, r := range records {
				lineage, err := json.Marshal(r.Lineage)
				if err != nil {
					return fmt.Errorf("marshal lineage %s: %w", r.ID, err)
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO cost_records (id, tenant_id, provider, flow, product_key, cost_date,
						amount, currency, status, reason, usage_count, lineage)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					r.ID, key.TenantID, key.Provider, string(key.Flow), r.ProductKey, date,
					r.Amount.String(), r.Currency, string(r.Status), r.Reason, r.UsageCount, string(lineage),
				); err != nil {
					return fmt.Errorf("insert cost record: %w", err)
				}
			}
			return nil
		})
}

func (s *SQLite) ReadCostRecords(ctx context.Context, filter CostFilter) ([]model.CostRecord, error) {
	conditions := []string{"cost_date = ?", "tenant_id = ?"}
	args := []any{model.FormatDate(filter.Date), filter.TenantID}
	if filter.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Flow != "" {
		conditions = append(conditions, "flow = ?")
		args = append(args, string(filter.Flow))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, provider, flow, product_key, cost_date, amount, currency,
			status, reason, usage_count, lineage
		 FROM cost_records WHERE `+strings.Join(conditions, " AND ")+`
		 ORDER BY flow, provider, product_key`, args...)
	if err != nil {
		return nil, fmt.Errorf("query cost records: %w", err)
	}
	defer rows.Close()

	var records []model.CostRecord
	for rows.Next() {
		var (
			r                      model.CostRecord
			flow, date, amount     string
			status, lineagePayload string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Provider, &flow, &r.ProductKey, &date,
			&amount, &r.Currency, &status, &r.Reason, &r.UsageCount, &lineagePayload); err != nil {
			return nil, fmt.Errorf("scan cost row: %w", err)
		}
		r.Flow = model.Flow(flow)
		r.Status = model.CostStatus(status)
		if r.CostDate, err = model.ParseDate(date); err != nil {
			return nil, fmt.Errorf("cost %s: %w", r.ID, err)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("cost %s amount: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(lineagePayload), &r.Lineage); err != nil {
			return nil, fmt.Errorf("cost %s lineage: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLite) ReplaceUnified(ctx context.Context, tenantID string, date time.Time, records []model.UnifiedCostRecord) error {
	day := model.FormatDate(date)
	return s.replaceWhere(ctx, "unified_costs",
		"cost_date = ? AND tenant_id = ?",
		[]any{day, tenantID},
		func(tx *sql.Tx) error {
			for _, r := range records {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO unified_costs (id, tenant_id, cost_date, flow, provider, product_key,
						amount, currency, source_cost_id, source_pricing_id, run_id)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					r.ID, tenantID, day, string(r.Flow), r.Provider, r.ProductKey,
					r.Amount.String(), r.Currency, r.SourceCostID, r.SourcePricingID, r.RunID,
				); err != nil {
					return fmt.Errorf("insert unified record: %w", err)
				}
			}
			return nil
		})
}

func (s *SQLite) ReadUnified(ctx context.Context, tenantID string, date time.Time) ([]model.UnifiedCostRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, cost_date, flow, provider, product_key, amount, currency,
			source_cost_id, source_pricing_id, run_id
		 FROM unified_costs WHERE cost_date = ? AND tenant_id = ?
		 ORDER BY flow, provider, product_key`,
		model.FormatDate(date), tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query unified: %w", err)
	}
	defer rows.Close()

	var records []model.UnifiedCostRecord
	for rows.Next() {
		var (
			r                 model.UnifiedCostRecord
			day, flow, amount string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &day, &flow, &r.Provider, &r.ProductKey,
			&amount, &r.Currency, &r.SourceCostID, &r.SourcePricingID, &r.RunID); err != nil {
			return nil, fmt.Errorf("scan unified row: %w", err)
		}
		r.Flow = model.Flow(flow)
		if r.CostDate, err = model.ParseDate(day); err != nil {
			return nil, fmt.Errorf("unified %s: %w", r.ID, err)
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("unified %s amount: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLite) ReplaceStandardLedger(ctx context.Context, tenantID string, date time.Time, records []model.StandardLedgerRecord) error {
	start, end := model.ChargePeriod(date)
	return s.replaceWhere(ctx, "standard_ledger",
		"charge_period_start = ? AND tenant_id = ?",
		[]any{model.FormatDate(start), tenantID},
		func(tx *sql.Tx) error {
			for _, r := range records {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO standard_ledger (id, schema_version, tenant_id, charge_period_start,
						charge_period_end, provider_name, service_category, charge_category, sku_id,
						billed_cost, billing_currency, source_unified_id, run_id)
					 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					r.ID, r.SchemaVersion, tenantID, model.FormatDate(start), model.FormatDate(end),
					r.ProviderName, r.ServiceCategory, r.ChargeCategory, r.SkuID,
					r.BilledCost.String(), r.BillingCurrency, r.SourceUnifiedID, r.RunID,
				); err != nil {
					return fmt.Errorf("insert ledger record: %w", err)
				}
			}
			return nil
		})
}

func (s *SQLite) ReadStandardLedger(ctx context.Context, tenantID string, date time.Time) ([]model.StandardLedgerRecord, error) {
	start, _ := model.ChargePeriod(date)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schema_version, tenant_id, charge_period_start, charge_period_end, provider_name,
			service_category, charge_category, sku_id, billed_cost, billing_currency,
			source_unified_id, run_id
		 FROM standard_ledger WHERE charge_period_start = ? AND tenant_id = ?
		 ORDER BY provider_name, service_category, sku_id`,
		model.FormatDate(start), tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query standard ledger: %w", err)
	}
	defer rows.Close()

	var records []model.StandardLedgerRecord
	for rows.Next() {
		var (
			r                model.StandardLedgerRecord
			startDay, endDay string
			cost             string
		)
		if err := rows.Scan(&r.ID, &r.SchemaVersion, &r.TenantID, &startDay, &endDay,
			&r.ProviderName, &r.ServiceCategory, &r.ChargeCategory, &r.SkuID,
			&cost, &r.BillingCurrency, &r.SourceUnifiedID, &r.RunID); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		if r.ChargePeriodStart, err = model.ParseDate(startDay); err != nil {
			return nil, fmt.Errorf("ledger %s: %w", r.ID, err)
		}
		if r.ChargePeriodEnd, err = model.ParseDate(endDay); err != nil {
			return nil, fmt.Errorf("ledger %s: %w", r.ID, err)
		}
		if r.BilledCost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("ledger %s billed cost: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

const runColumns = `id, kind, tenant_id, run_date, provider, flow, status, attempts, priced_count,
	unpriced_count, rejected_count, unified_count, ledger_count, error_summary, created_at,
	started_at, finished_at`

func (s *SQLite) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (`+runColumns+`, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
		 	(SELECT COALESCE(MAX(seq), 0) + 1 FROM pipeline_runs))`,
		run.ID, string(run.Kind), run.TenantID, model.FormatDate(run.Date), run.Provider,
		string(run.Flow), string(run.Status), run.Attempts, run.PricedCount, run.UnpricedCount,
		run.RejectedCount, run.UnifiedCount, run.LedgerCount, run.ErrorSummary, run.CreatedAt,
		nullTime(run.StartedAt), nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLite) UpdateRun(ctx context.Context, run *model.PipelineRun) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, attempts = ?, priced_count = ?, unpriced_count = ?,
			rejected_count = ?, unified_count = ?, ledger_count = ?, error_summary = ?,
			started_at = ?, finished_at = ?
		 WHERE id = ?`,
		string(run.Status), run.Attempts, run.PricedCount, run.UnpricedCount,
		run.RejectedCount, run.UnifiedCount, run.LedgerCount, run.ErrorSummary,
		nullTime(run.StartedAt), nullTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %q: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM pipeline_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *SQLite) ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error) {
	var conditions []string
	var args []any

	if !filter.Date.IsZero() {
		conditions = append(conditions, "run_date = ?")
		args = append(args, model.FormatDate(filter.Date))
	}
	if filter.TenantID != "" {
		conditions = append(conditions, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Flow != "" {
		conditions = append(conditions, "flow = ?")
		args = append(args, string(filter.Flow))
	}

	query := "SELECT " + runColumns + " FROM pipeline_runs"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.PipelineRun, error) {
	var (
		r                 model.PipelineRun
		kind, date        string
		flow, status      string
		started, finished sql.NullTime
	)
	if err := row.Scan(&r.ID, &kind, &r.TenantID, &date, &r.Provider, &flow, &status,
		&r.Attempts, &r.PricedCount, &r.UnpricedCount, &r.RejectedCount, &r.UnifiedCount,
		&r.LedgerCount, &r.ErrorSummary, &r.CreatedAt, &started, &finished); err != nil {
		return nil, err
	}
	r.Kind = model.RunKind(kind)
	r.Flow = model.Flow(flow)
	r.Status = model.RunStatus(status)
	d, err := model.ParseDate(date)
	if err != nil {
		return nil, err
	}
	r.Date = d
	if started.Valid {
		t := started.Time.UTC()
		r.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time.UTC()
		r.FinishedAt = &t
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
