package audit

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/ceap/internal/domain"
)

func assessment(id string, label domain.Label, path domain.DecisionPath, value, threshold float64) domain.Assessment {
	return domain.Assessment{
		ReimbursementID: id,
		Key:             domain.GroupKey{Identity: "12345678000199", Category: domain.CategoryMeal},
		Label:           label,
		Path:            path,
		Value:           value,
		Threshold:       threshold,
	}
}

func TestProcessor(t *testing.T) {
	proc := NewProcessor()
	ctx := context.Background()

	t.Run("AllInliers", func(t *testing.T) {
		input := &Input{
			TenantID:  "tenant-001",
			ModelID:   "model-001",
			TraceID:   "trace-001",
			StartTime: time.Now(),
			Assessments: []domain.Assessment{
				assessment("r1", domain.Inlier, domain.PathCommon, 90, 140),
				assessment("r2", domain.Inlier, domain.PathUnseen, 500, 0),
				assessment("r3", domain.Inlier, domain.PathExempt, 900, 0),
			},
		}

		eval := proc.Process(ctx, input)

		if eval.Status != domain.StatusNoAlert {
			t.Errorf("expected NALT, got %s", eval.Status)
		}
		if eval.Outliers != 0 || eval.Total != 3 {
			t.Errorf("expected 0/3 outliers, got %d/%d", eval.Outliers, eval.Total)
		}
		if eval.TenantID != "tenant-001" || eval.ModelID != "model-001" {
			t.Errorf("unexpected identity %s/%s", eval.TenantID, eval.ModelID)
		}
		if eval.Metadata.TraceID != "trace-001" {
			t.Errorf("expected traceID 'trace-001', got '%s'", eval.Metadata.TraceID)
		}
		if eval.Metadata.EngineVersion != EngineVersion {
			t.Errorf("expected engine version %s, got %s", EngineVersion, eval.Metadata.EngineVersion)
		}
	})

	t.Run("OutlierAlerts", func(t *testing.T) {
		input := &Input{
			TenantID: "tenant-001",
			Assessments: []domain.Assessment{
				assessment("r1", domain.Inlier, domain.PathCommon, 90, 140),
				assessment("r2", domain.Outlier, domain.PathCommon, 150, 140),
			},
		}

		eval := proc.Process(ctx, input)

		if eval.Status != domain.StatusAlert {
			t.Errorf("expected ALRT, got %s", eval.Status)
		}
		if eval.Outliers != 1 {
			t.Errorf("expected 1 outlier, got %d", eval.Outliers)
		}
		if !ShouldAlert(eval) {
			t.Error("expected ShouldAlert to be true")
		}
	})

	t.Run("MinOutliers", func(t *testing.T) {
		strict := &Processor{MinOutliers: 2}
		eval := strict.Process(ctx, &Input{
			TenantID: "tenant-001",
			Assessments: []domain.Assessment{
				assessment("r1", domain.Outlier, domain.PathRare, 400, 200),
				assessment("r2", domain.Inlier, domain.PathRare, 100, 200),
			},
		})

		if eval.Status != domain.StatusNoAlert {
			t.Errorf("expected NALT below MinOutliers, got %s", eval.Status)
		}
	})

	t.Run("PathCounts", func(t *testing.T) {
		eval := proc.Process(ctx, &Input{
			TenantID: "tenant-001",
			Assessments: []domain.Assessment{
				assessment("r1", domain.Inlier, domain.PathCommon, 90, 140),
				assessment("r2", domain.Inlier, domain.PathCommon, 95, 140),
				assessment("r3", domain.Inlier, domain.PathRare, 10, 40),
				assessment("r4", domain.Inlier, domain.PathMalformed, 0, 0),
			},
		})

		want := map[string]int{"common": 2, "rare": 1, "malformed": 1}
		for path, n := range want {
			if eval.Metadata.Paths[path] != n {
				t.Errorf("path %s: expected %d, got %d", path, n, eval.Metadata.Paths[path])
			}
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		eval := proc.Process(ctx, &Input{TenantID: "tenant-001"})

		if eval.Status != domain.StatusNoAlert {
			t.Errorf("expected NALT for empty batch, got %s", eval.Status)
		}
		if eval.ID == "" {
			t.Error("expected evaluation ID")
		}
	})

	t.Run("UniqueIDs", func(t *testing.T) {
		a := proc.Process(ctx, &Input{TenantID: "tenant-001"})
		b := proc.Process(ctx, &Input{TenantID: "tenant-001"})
		if a.ID == b.ID {
			t.Error("expected distinct evaluation IDs")
		}
	})
}

func TestReasons(t *testing.T) {
	eval := &domain.Evaluation{
		Assessments: []domain.Assessment{
			assessment("r1", domain.Inlier, domain.PathCommon, 90, 140),
			assessment("r2", domain.Outlier, domain.PathCommon, 150.5, 140),
			assessment("", domain.Outlier, domain.PathRare, 400, 212.25),
			assessment("r4", domain.Outlier, domain.PathUnseen, 75, 0),
		},
	}

	reasons := Reasons(eval)
	if len(reasons) != 3 {
		t.Fatalf("expected 2 reasons, got %d: %v", len(reasons), reasons)
	}

	want := "r2: 150.50 above 140.00 for 12345678000199/meal (common baseline)"
	if reasons[0] != want {
		t.Errorf("got %q, want %q", reasons[0], want)
	}
	want = "#2: 400.00 above 212.25 for 12345678000199/meal (rare baseline)"
	if reasons[1] != want {
		t.Errorf("got %q, want %q", reasons[1], want)
	}
	want = "r4: 75.00 for 12345678000199/meal (unseen, no baseline)"
	if reasons[2] != want {
		t.Errorf("got %q, want %q", reasons[2], want)
	}
}
