// Package domain defines the core interfaces and types for ceap.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Reimbursement operations
	SaveReimbursements(ctx context.Context, tenantID string, records []*Reimbursement) error
	GetReimbursement(ctx context.Context, tenantID string, id string) (*Reimbursement, error)
	ListReimbursements(ctx context.Context, tenantID string, since time.Time) ([]*Reimbursement, error)

	// Fitted model snapshots
	SaveModel(ctx context.Context, tenantID string, model *Model) error
	GetModel(ctx context.Context, tenantID string, modelID string) (*Model, error)
	GetLatestModel(ctx context.Context, tenantID string) (*Model, error)

	// Evaluation results
	SaveEvaluation(ctx context.Context, tenantID string, eval *Evaluation) error
	GetEvaluation(ctx context.Context, tenantID string, evalID string) (*Evaluation, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Model is a persisted classifier fit. Snapshot is the classifier's own
// serialized state and is opaque to storage.
type Model struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenantId"`
	FittedAt   time.Time       `json:"fittedAt"`
	Records    int             `json:"records"`
	Groups     int             `json:"groups"`
	RareGroups int             `json:"rareGroups"`
	Snapshot   json.RawMessage `json:"snapshot"`
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgresHost"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgresPort"`
	PostgresUser     string `json:"postgresUser" yaml:"postgresUser"`
	PostgresPassword string `json:"-" yaml:"postgresPassword"`
	PostgresDB       string `json:"postgresDb" yaml:"postgresDb"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}
