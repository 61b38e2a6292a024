// Package repository provides the decision store.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the configured database and runs migrations.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := NewWithDB(db, cfg.Driver)

	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// NewWithDB wraps an open database without running migrations.
func NewWithDB(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{
		db:     db,
		driver: driver,
	}
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvaluation stores an evaluation and its masked PII in one transaction.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	if eval == nil || eval.ID == "" {
		return fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}
	if !eval.Outcome.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, eval.Outcome.Status)
	}

	fraudDetail, err := json.Marshal(eval.Outcome.FraudDetail)
	if err != nil {
		return fmt.Errorf("failed to encode fraud detail: %w", err)
	}
	heuristic, err := json.Marshal(eval.Heuristic)
	if err != nil {
		return fmt.Errorf("failed to encode heuristic: %w", err)
	}
	posture, err := json.Marshal(eval.Posture)
	if err != nil {
		return fmt.Errorf("failed to encode posture: %w", err)
	}
	metadata, err := json.Marshal(eval.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO evaluations (
			id, fingerprint, status, risk_score, fraud_score, risk_level,
			model_type, timestamp, fraud_detail, heuristic, posture, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.Fingerprint, string(eval.Outcome.Status),
		eval.Outcome.RiskScore, eval.Outcome.FraudScore,
		string(eval.Outcome.FraudDetail.RiskLevel), eval.Outcome.FraudDetail.ModelType,
		eval.Timestamp.UTC(),
		string(fraudDetail), string(heuristic), string(posture), string(metadata),
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}

	findingQuery := r.rebind(`
		INSERT INTO pii_findings (evaluation_id, field, category, masked_value)
		VALUES (?, ?, ?, ?)
	`)
	for _, f := range eval.PII {
		if _, err := tx.ExecContext(ctx, findingQuery, eval.ID, f.Field, string(f.Category), f.MaskedValue); err != nil {
			return fmt.Errorf("failed to insert pii finding %s: %w", f.Field, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit evaluation: %w", err)
	}
	return nil
}

const selectEvaluation = `
	SELECT id, fingerprint, status, risk_score, fraud_score, timestamp,
		   fraud_detail, heuristic, posture, metadata
	FROM evaluations
`

// GetEvaluation retrieves an evaluation and its masked PII by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (*domain.Evaluation, error) {
	if evalID == "" {
		return nil, fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}

	row := r.db.QueryRowContext(ctx, r.rebind(selectEvaluation+" WHERE id = ?"), evalID)
	eval, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	findings, err := r.findings(ctx, []string{eval.ID})
	if err != nil {
		return nil, err
	}
	eval.PII = findings[eval.ID]

	return eval, nil
}

// ListEvaluations returns evaluations newest first.
func (r *SQLRepository) ListEvaluations(ctx context.Context, filter domain.EvaluationFilter) ([]*domain.Evaluation, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
		}
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	query := selectEvaluation
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT " + strconv.Itoa(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var evals []*domain.Evaluation
	var ids []string
	for rows.Next() {
		eval, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		evals = append(evals, eval)
		ids = append(ids, eval.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return evals, nil
	}

	findings, err := r.findings(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, eval := range evals {
		eval.PII = findings[eval.ID]
	}

	return evals, nil
}

// CountByStatus returns the number of stored evaluations per status.
// Every known status is present, with zero when none exist.
func (r *SQLRepository) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	counts := map[domain.Status]int{
		domain.StatusApproved:      0,
		domain.StatusPendingReview: 0,
		domain.StatusFlagged:       0,
	}

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM evaluations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count evaluations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}

	return counts, rows.Err()
}

// findings loads masked PII for the given evaluations, keyed by evaluation id.
func (r *SQLRepository) findings(ctx context.Context, ids []string) (map[string][]domain.PIIFinding, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	query := `
		SELECT evaluation_id, field, category, masked_value
		FROM pii_findings
		WHERE evaluation_id IN (` + placeholders + `)
		ORDER BY evaluation_id, field
	`

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load pii findings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.PIIFinding, len(ids))
	for rows.Next() {
		var evalID, category string
		var f domain.PIIFinding
		if err := rows.Scan(&evalID, &f.Field, &category, &f.MaskedValue); err != nil {
			return nil, err
		}
		f.Category = domain.PIICategory(category)
		out[evalID] = append(out[evalID], f)
	}

	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row rowScanner) (*domain.Evaluation, error) {
	var eval domain.Evaluation
	var status string
	var fraudDetail, heuristic, metadata string
	var posture sql.NullString

	err := row.Scan(
		&eval.ID, &eval.Fingerprint, &status,
		&eval.Outcome.RiskScore, &eval.Outcome.FraudScore,
		&eval.Timestamp,
		&fraudDetail, &heuristic, &posture, &metadata,
	)
	if err != nil {
		return nil, err
	}

	eval.Outcome.Status = domain.Status(status)

	if err := json.Unmarshal([]byte(fraudDetail), &eval.Outcome.FraudDetail); err != nil {
		return nil, fmt.Errorf("failed to decode fraud detail: %w", err)
	}
	if err := json.Unmarshal([]byte(heuristic), &eval.Heuristic); err != nil {
		return nil, fmt.Errorf("failed to decode heuristic: %w", err)
	}
	if posture.Valid && posture.String != "" {
		if err := json.Unmarshal([]byte(posture.String), &eval.Posture); err != nil {
			return nil, fmt.Errorf("failed to decode posture: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(metadata), &eval.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	return &eval, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
