// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/ceap/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
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

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveReimbursements upserts a batch of reimbursements in one database
// transaction. Records without an ID are assigned one; TenantID is
// overwritten with tenantID.
func (r *SQLRepository) SaveReimbursements(ctx context.Context, tenantID string, records []*domain.Reimbursement) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO reimbursements (
			id, tenant_id, applicant_id, subquota_description, cnpj_cpf,
			supplier, total_net_value, issue_date, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			applicant_id = excluded.applicant_id,
			subquota_description = excluded.subquota_description,
			cnpj_cpf = excluded.cnpj_cpf,
			supplier = excluded.supplier,
			total_net_value = excluded.total_net_value,
			issue_date = excluded.issue_date
	`

	stmt, err := tx.PrepareContext(ctx, r.rebind(query))
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, rec := range records {
		if rec == nil {
			return fmt.Errorf("%w: record %d is nil", ErrInvalidInput, i)
		}
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		rec.TenantID = tenantID

		if _, err := stmt.ExecContext(ctx,
			rec.ID, tenantID, rec.ApplicantID, rec.SubquotaDescription, rec.CNPJCPF,
			rec.Supplier, rec.TotalNetValue, rec.IssueDate.UTC(), now,
		); err != nil {
			return fmt.Errorf("failed to save reimbursement %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

// GetReimbursement retrieves a reimbursement by ID with tenant isolation.
func (r *SQLRepository) GetReimbursement(ctx context.Context, tenantID string, id string) (*domain.Reimbursement, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, applicant_id, subquota_description, cnpj_cpf,
			   supplier, total_net_value, issue_date
		FROM reimbursements
		WHERE tenant_id = ? AND id = ?
	`

	var rec domain.Reimbursement
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, id).Scan(
		&rec.ID, &rec.TenantID, &rec.ApplicantID, &rec.SubquotaDescription, &rec.CNPJCPF,
		&rec.Supplier, &rec.TotalNetValue, &rec.IssueDate,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// ListReimbursements returns the tenant's reimbursements issued at or after
// since, oldest first. A zero since returns every reimbursement.
func (r *SQLRepository) ListReimbursements(ctx context.Context, tenantID string, since time.Time) ([]*domain.Reimbursement, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, applicant_id, subquota_description, cnpj_cpf,
			   supplier, total_net_value, issue_date
		FROM reimbursements
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if !since.IsZero() {
		query += ` AND issue_date >= ?`
		args = append(args, since.UTC())
	}
	query += ` ORDER BY issue_date, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.Reimbursement
	for rows.Next() {
		var rec domain.Reimbursement
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.ApplicantID, &rec.SubquotaDescription, &rec.CNPJCPF,
			&rec.Supplier, &rec.TotalNetValue, &rec.IssueDate,
		); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// SaveModel stores a fitted model snapshot with tenant isolation.
func (r *SQLRepository) SaveModel(ctx context.Context, tenantID string, model *domain.Model) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if model == nil || model.ID == "" {
		return fmt.Errorf("%w: model ID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO models (
			id, tenant_id, fitted_at, record_count, group_count, rare_group_count, snapshot
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		model.ID, tenantID, model.FittedAt.UTC(),
		model.Records, model.Groups, model.RareGroups,
		string(model.Snapshot),
	)
	return err
}

// GetModel retrieves a model snapshot by ID with tenant isolation.
func (r *SQLRepository) GetModel(ctx context.Context, tenantID string, modelID string) (*domain.Model, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, fitted_at, record_count, group_count, rare_group_count, snapshot
		FROM models
		WHERE tenant_id = ? AND id = ?
	`

	return r.scanModel(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, modelID))
}

// GetLatestModel retrieves the most recently fitted model of a tenant.
func (r *SQLRepository) GetLatestModel(ctx context.Context, tenantID string) (*domain.Model, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, fitted_at, record_count, group_count, rare_group_count, snapshot
		FROM models
		WHERE tenant_id = ?
		ORDER BY fitted_at DESC
		LIMIT 1
	`

	return r.scanModel(r.db.QueryRowContext(ctx, r.rebind(query), tenantID))
}

func (r *SQLRepository) scanModel(row *sql.Row) (*domain.Model, error) {
	var m domain.Model
	var snapshot string

	err := row.Scan(
		&m.ID, &m.TenantID, &m.FittedAt,
		&m.Records, &m.Groups, &m.RareGroups,
		&snapshot,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.Snapshot = json.RawMessage(snapshot)
	return &m, nil
}

// SaveEvaluation stores an evaluation result with tenant isolation.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, tenantID string, eval *domain.Evaluation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	assessments, err := json.Marshal(eval.Assessments)
	if err != nil {
		return fmt.Errorf("failed to marshal assessments: %w", err)
	}
	metadata, err := json.Marshal(eval.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO evaluations (
			id, tenant_id, model_id, status, outliers, total, timestamp,
			assessments, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, tenantID, eval.ModelID, eval.Status, eval.Outliers, eval.Total, eval.Timestamp.UTC(),
		string(assessments), string(metadata),
	)
	return err
}

// GetEvaluation retrieves an evaluation by ID with tenant isolation.
func (r *SQLRepository) GetEvaluation(ctx context.Context, tenantID string, evalID string) (*domain.Evaluation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, model_id, status, outliers, total, timestamp,
			   assessments, metadata
		FROM evaluations
		WHERE tenant_id = ? AND id = ?
	`

	var eval domain.Evaluation
	var assessments, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, evalID).Scan(
		&eval.ID, &eval.TenantID, &eval.ModelID, &eval.Status, &eval.Outliers, &eval.Total, &eval.Timestamp,
		&assessments, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(assessments), &eval.Assessments); err != nil {
		return nil, fmt.Errorf("failed to parse assessments of %s: %w", eval.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &eval.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata of %s: %w", eval.ID, err)
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

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
