package repository

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/ceap/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "ceap-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return repo
}

func day(d int) time.Time {
	return time.Date(2017, time.March, d, 0, 0, 0, 0, time.UTC)
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetReimbursement", func(t *testing.T) {
		rec := &domain.Reimbursement{
			ID:                  "5505401",
			ApplicantID:         "1714",
			SubquotaDescription: "Congressperson meal",
			CNPJCPF:             "67.661.714/0001-11",
			Supplier:            "Restaurante Bom Gosto",
			TotalNetValue:       decimal.RequireFromString("123.45"),
			IssueDate:           day(3),
		}

		if err := repo.SaveReimbursements(ctx, tenantID, []*domain.Reimbursement{rec}); err != nil {
			t.Fatalf("SaveReimbursements failed: %v", err)
		}

		retrieved, err := repo.GetReimbursement(ctx, tenantID, rec.ID)
		if err != nil {
			t.Fatalf("GetReimbursement failed: %v", err)
		}

		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
		if !retrieved.TotalNetValue.Equal(rec.TotalNetValue) {
			t.Errorf("expected value %s, got %s", rec.TotalNetValue, retrieved.TotalNetValue)
		}
		if retrieved.CNPJCPF != rec.CNPJCPF {
			t.Errorf("expected cnpj_cpf %s, got %s", rec.CNPJCPF, retrieved.CNPJCPF)
		}
		if !retrieved.IssueDate.Equal(rec.IssueDate) {
			t.Errorf("expected issue date %v, got %v", rec.IssueDate, retrieved.IssueDate)
		}
	})

	t.Run("AssignsIDs", func(t *testing.T) {
		rec := &domain.Reimbursement{
			ApplicantID:         "1714",
			SubquotaDescription: "Congressperson meal",
			CNPJCPF:             "13230507000104",
			TotalNetValue:       decimal.NewFromInt(-40),
			IssueDate:           day(10),
		}
		if err := repo.SaveReimbursements(ctx, tenantID, []*domain.Reimbursement{rec}); err != nil {
			t.Fatalf("SaveReimbursements failed: %v", err)
		}
		if rec.ID == "" {
			t.Fatal("expected an ID to be assigned")
		}

		retrieved, err := repo.GetReimbursement(ctx, tenantID, rec.ID)
		if err != nil {
			t.Fatalf("GetReimbursement failed: %v", err)
		}
		if !retrieved.TotalNetValue.Equal(decimal.NewFromInt(-40)) {
			t.Errorf("expected refund -40, got %s", retrieved.TotalNetValue)
		}
	})

	t.Run("Upsert", func(t *testing.T) {
		rec := &domain.Reimbursement{
			ID:                  "5505401",
			ApplicantID:         "1714",
			SubquotaDescription: "Congressperson meal",
			CNPJCPF:             "67661714000111",
			TotalNetValue:       decimal.NewFromInt(99),
			IssueDate:           day(3),
		}
		if err := repo.SaveReimbursements(ctx, tenantID, []*domain.Reimbursement{rec}); err != nil {
			t.Fatalf("SaveReimbursements failed: %v", err)
		}

		retrieved, err := repo.GetReimbursement(ctx, tenantID, "5505401")
		if err != nil {
			t.Fatalf("GetReimbursement failed: %v", err)
		}
		if !retrieved.TotalNetValue.Equal(decimal.NewFromInt(99)) {
			t.Errorf("expected updated value 99, got %s", retrieved.TotalNetValue)
		}
	})

	t.Run("ListReimbursements", func(t *testing.T) {
		all, err := repo.ListReimbursements(ctx, tenantID, time.Time{})
		if err != nil {
			t.Fatalf("ListReimbursements failed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("expected 2 reimbursements, got %d", len(all))
		}
		if !all[0].IssueDate.Before(all[1].IssueDate) {
			t.Error("expected reimbursements ordered by issue date")
		}

		recent, err := repo.ListReimbursements(ctx, tenantID, day(5))
		if err != nil {
			t.Fatalf("ListReimbursements failed: %v", err)
		}
		if len(recent) != 1 {
			t.Errorf("expected 1 reimbursement since day 5, got %d", len(recent))
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		otherTenant := "tenant-002"

		_, err := repo.GetReimbursement(ctx, otherTenant, "5505401")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different tenant, got: %v", err)
		}

		records, err := repo.ListReimbursements(ctx, otherTenant, time.Time{})
		if err != nil {
			t.Fatalf("ListReimbursements failed: %v", err)
		}
		if len(records) != 0 {
			t.Errorf("expected no reimbursements for other tenant, got %d", len(records))
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		err := repo.SaveReimbursements(ctx, "", []*domain.Reimbursement{{ID: "x"}})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got: %v", err)
		}

		_, err = repo.GetReimbursement(ctx, "", "5505401")
		if err == nil {
			t.Error("expected error for empty tenantID")
		}

		_, err = repo.GetLatestModel(ctx, "")
		if err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("SaveAndGetModel", func(t *testing.T) {
		older := &domain.Model{
			ID:         "model-001",
			FittedAt:   day(1),
			Records:    120,
			Groups:     30,
			RareGroups: 25,
			Snapshot:   json.RawMessage(`{"id":"model-001"}`),
		}
		newer := &domain.Model{
			ID:         "model-002",
			FittedAt:   day(2),
			Records:    140,
			Groups:     32,
			RareGroups: 26,
			Snapshot:   json.RawMessage(`{"id":"model-002"}`),
		}

		for _, m := range []*domain.Model{newer, older} {
			if err := repo.SaveModel(ctx, tenantID, m); err != nil {
				t.Fatalf("SaveModel failed: %v", err)
			}
		}

		retrieved, err := repo.GetModel(ctx, tenantID, "model-001")
		if err != nil {
			t.Fatalf("GetModel failed: %v", err)
		}
		if retrieved.Records != 120 || retrieved.RareGroups != 25 {
			t.Errorf("unexpected model counts: %+v", retrieved)
		}
		if string(retrieved.Snapshot) != `{"id":"model-001"}` {
			t.Errorf("unexpected snapshot: %s", retrieved.Snapshot)
		}

		latest, err := repo.GetLatestModel(ctx, tenantID)
		if err != nil {
			t.Fatalf("GetLatestModel failed: %v", err)
		}
		if latest.ID != "model-002" {
			t.Errorf("expected latest model-002, got %s", latest.ID)
		}

		if err := repo.SaveModel(ctx, tenantID, &domain.Model{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for model without ID, got: %v", err)
		}
	})

	t.Run("SaveAndGetEvaluation", func(t *testing.T) {
		eval := &domain.Evaluation{
			ID:        "eval-001",
			ModelID:   "model-002",
			Status:    domain.StatusAlert,
			Outliers:  1,
			Total:     2,
			Timestamp: time.Now().UTC(),
			Assessments: []domain.Assessment{
				{ReimbursementID: "5505401", Label: domain.Inlier, Path: domain.PathCommon, Value: 99, Threshold: 140},
				{ReimbursementID: "5505402", Label: domain.Outlier, Path: domain.PathRare, Value: 900, Threshold: 180},
			},
			Metadata: domain.EvaluationMetadata{TraceID: "trace-001", Paths: map[string]int{"common": 1, "rare": 1}},
		}

		if err := repo.SaveEvaluation(ctx, tenantID, eval); err != nil {
			t.Fatalf("SaveEvaluation failed: %v", err)
		}

		retrieved, err := repo.GetEvaluation(ctx, tenantID, eval.ID)
		if err != nil {
			t.Fatalf("GetEvaluation failed: %v", err)
		}

		if retrieved.Status != eval.Status {
			t.Errorf("expected Status %s, got %s", eval.Status, retrieved.Status)
		}
		if retrieved.Outliers != 1 || retrieved.Total != 2 {
			t.Errorf("expected 1/2 outliers, got %d/%d", retrieved.Outliers, retrieved.Total)
		}
		if len(retrieved.Assessments) != 2 || retrieved.Assessments[1].Label != domain.Outlier {
			t.Errorf("unexpected assessments: %+v", retrieved.Assessments)
		}
		if retrieved.Metadata.TraceID != "trace-001" {
			t.Errorf("expected trace-001, got %s", retrieved.Metadata.TraceID)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.GetReimbursement(ctx, tenantID, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}

		_, err = repo.GetModel(ctx, tenantID, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}

		_, err = repo.GetLatestModel(ctx, "tenant-without-models")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}

		_, err = repo.GetEvaluation(ctx, tenantID, "nonexistent")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got: %v", err)
		}
	})
}

func TestInMemorySQLite(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	rec := &domain.Reimbursement{
		ID:                  "1",
		ApplicantID:         "1",
		SubquotaDescription: "Congressperson meal",
		CNPJCPF:             "67661714000111",
		TotalNetValue:       decimal.NewFromInt(10),
	}
	if err := repo.SaveReimbursements(ctx, "t", []*domain.Reimbursement{rec}); err != nil {
		t.Fatalf("SaveReimbursements failed: %v", err)
	}
	if _, err := repo.GetReimbursement(ctx, "t", "1"); err != nil {
		t.Errorf("GetReimbursement failed: %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "ceap", PostgresPassword: "secret"})
	want := "host=localhost port=5432 user=ceap password=secret dbname=ceap sslmode=disable application_name=ceap"
	if dsn != want {
		t.Errorf("postgresDSN = %q, want %q", dsn, want)
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}
