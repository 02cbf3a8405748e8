package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/facturaIA/invoice-pipeline/internal/models"
	"github.com/facturaIA/invoice-pipeline/internal/pipeline"
)

// ResultRepository stores pipeline results keyed by content hash, plus the
// corrections applied to them. It implements pipeline.ResultStore.
type ResultRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewResultRepository(db *sql.DB) *ResultRepository {
	return &ResultRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *ResultRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across replicas
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2024061501)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS invoice_results (
	content_hash TEXT PRIMARY KEY,
	invocation_id TEXT NOT NULL,
	filename TEXT,
	media_type TEXT NOT NULL,
	vendor_name TEXT,
	total_amount TEXT,
	currency TEXT,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	result JSONB NOT NULL,
	corrected JSONB,
	corrections_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoice_results_created_at ON invoice_results(created_at DESC);

CREATE TABLE IF NOT EXISTS invoice_corrections (
	id TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL REFERENCES invoice_results(content_hash) ON DELETE CASCADE,
	field_path TEXT NOT NULL,
	original_value JSONB,
	new_value JSONB,
	confidence_before DOUBLE PRECISION,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invoice_corrections_hash ON invoice_corrections(content_hash);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// Get returns the stored result with corrections applied, or pipeline.ErrNotFound
func (r *ResultRepository) Get(ctx context.Context, contentHash string) (*models.PipelineResult, error) {
	stored, err := r.GetStored(ctx, contentHash)
	if err != nil {
		return nil, err
	}
	return stored.Result, nil
}

func (r *ResultRepository) GetStored(ctx context.Context, contentHash string) (*models.StoredResult, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT result, corrected, corrections_count, created_at, updated_at
FROM invoice_results
WHERE content_hash = $1
`, contentHash)

	stored, err := scanStored(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("result %s: %w", contentHash, pipeline.ErrNotFound)
		}
		return nil, err
	}
	return stored, nil
}

func (r *ResultRepository) Save(ctx context.Context, res *models.PipelineResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	var vendor, total, currency sql.NullString
	if a := res.Analysis; a != nil {
		vendor = nullString(a.VendorInfo.VendorName)
		currency = nullString(a.FinancialData.Currency)
		if d, ok := a.FinancialData.TotalAmount.Decimal(); ok {
			total = nullString(d.String())
		}
	}

	now := r.now()
	_, err = r.db.ExecContext(ctx, `
INSERT INTO invoice_results (
	content_hash, invocation_id, filename, media_type, vendor_name, total_amount, currency, confidence, result, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (content_hash) DO UPDATE SET
	invocation_id = EXCLUDED.invocation_id,
	vendor_name = EXCLUDED.vendor_name,
	total_amount = EXCLUDED.total_amount,
	currency = EXCLUDED.currency,
	confidence = EXCLUDED.confidence,
	result = EXCLUDED.result,
	updated_at = EXCLUDED.updated_at
`,
		res.ContentHash, res.InvocationID, res.Filename, res.MediaType, vendor, total, currency,
		res.ProcessingConfidence, data, now, now,
	)
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

// ApplyCorrection sets the field at path of the corrected analysis copy and logs
// the change. The original result is kept untouched.
func (r *ResultRepository) ApplyCorrection(ctx context.Context, contentHash string, path models.FieldPath, value any) (*models.Correction, error) {
	if len(path) == 0 {
		return nil, models.ErrInvalidFieldPath
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin correction tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var resultRaw, correctedRaw []byte
	err = tx.QueryRowContext(ctx, `
SELECT result, corrected
FROM invoice_results
WHERE content_hash = $1
FOR UPDATE
`, contentHash).Scan(&resultRaw, &correctedRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("result %s: %w", contentHash, pipeline.ErrNotFound)
		}
		return nil, fmt.Errorf("load result: %w", err)
	}

	analysis, err := effectiveAnalysis(resultRaw, correctedRaw)
	if err != nil {
		return nil, err
	}

	original, _ := models.GetField(analysis, path)
	var confidenceBefore *float64
	if c, ok := analysis.FieldConfidence[path[len(path)-1]]; ok {
		confidenceBefore = &c
	}
	if err := models.SetField(analysis, path, value); err != nil {
		return nil, err
	}

	corrected, err := json.Marshal(analysis)
	if err != nil {
		return nil, fmt.Errorf("marshal corrected analysis: %w", err)
	}
	originalJSON, err := json.Marshal(original)
	if err != nil {
		return nil, fmt.Errorf("marshal original value: %w", err)
	}
	newJSON, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal new value: %w", err)
	}

	c := &models.Correction{
		ID:               uuid.NewString(),
		ContentHash:      contentHash,
		FieldPath:        path.String(),
		OriginalValue:    original,
		NewValue:         value,
		ConfidenceBefore: confidenceBefore,
		CreatedAt:        r.now(),
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE invoice_results
SET corrected = $2, corrections_count = corrections_count + 1, updated_at = $3
WHERE content_hash = $1
`, contentHash, corrected, c.CreatedAt); err != nil {
		return nil, fmt.Errorf("update corrected analysis: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO invoice_corrections (id, content_hash, field_path, original_value, new_value, confidence_before, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`, c.ID, contentHash, c.FieldPath, originalJSON, newJSON, nullFloat(confidenceBefore), c.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert correction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit correction tx: %w", err)
	}
	return c, nil
}

// List returns the most recent results first
func (r *ResultRepository) List(ctx context.Context, limit int) ([]models.StoredResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT result, corrected, corrections_count, created_at, updated_at
FROM invoice_results
ORDER BY created_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []models.StoredResult
	for rows.Next() {
		stored, err := scanStored(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *stored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// Delete removes a result and its corrections. It returns the archive path the
// result recorded, empty when the upload was not archived.
func (r *ResultRepository) Delete(ctx context.Context, contentHash string) (string, error) {
	var archivePath sql.NullString
	err := r.db.QueryRowContext(ctx, `
DELETE FROM invoice_results
WHERE content_hash = $1
RETURNING result->>'archive_path'
`, contentHash).Scan(&archivePath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("result %s: %w", contentHash, pipeline.ErrNotFound)
		}
		return "", fmt.Errorf("delete result: %w", err)
	}
	return archivePath.String, nil
}

// Ping reports whether the database is reachable
func (r *ResultRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStored(row scanner) (*models.StoredResult, error) {
	var resultRaw, correctedRaw []byte
	var stored models.StoredResult
	if err := row.Scan(&resultRaw, &correctedRaw, &stored.CorrectionsCount, &stored.CreatedAt, &stored.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan result: %w", err)
	}

	var res models.PipelineResult
	if err := json.Unmarshal(resultRaw, &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	if len(correctedRaw) > 0 {
		var corrected models.StructuredAnalysis
		if err := json.Unmarshal(correctedRaw, &corrected); err != nil {
			return nil, fmt.Errorf("unmarshal corrected analysis: %w", err)
		}
		res.Analysis = &corrected
	}
	stored.Result = &res
	return &stored, nil
}

func effectiveAnalysis(resultRaw, correctedRaw []byte) (*models.StructuredAnalysis, error) {
	if len(correctedRaw) > 0 {
		var a models.StructuredAnalysis
		if err := json.Unmarshal(correctedRaw, &a); err != nil {
			return nil, fmt.Errorf("unmarshal corrected analysis: %w", err)
		}
		return &a, nil
	}
	var res models.PipelineResult
	if err := json.Unmarshal(resultRaw, &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	if res.Analysis == nil {
		return &models.StructuredAnalysis{}, nil
	}
	return res.Analysis, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
