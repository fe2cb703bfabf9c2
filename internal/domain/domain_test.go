package domain

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func validReimbursement() *Reimbursement {
	return &Reimbursement{
		ApplicantID:         "101",
		SubquotaDescription: "Congressperson meal",
		CNPJCPF:             "12.345.678/0001-99",
		TotalNetValue:       decimal.NewFromFloat(42.5),
	}
}

func TestValidateReimbursement(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		if err := ValidateReimbursement(0, validReimbursement()); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("NegativeValueAllowed", func(t *testing.T) {
		r := validReimbursement()
		r.TotalNetValue = decimal.NewFromFloat(-12)
		if err := ValidateReimbursement(0, r); err != nil {
			t.Errorf("refunds must validate, got %v", err)
		}
	})

	tests := []struct {
		name  string
		row   int
		edit  func(r *Reimbursement) *Reimbursement
		field string
	}{
		{"Nil", 3, func(r *Reimbursement) *Reimbursement { return nil }, "record"},
		{"MissingApplicant", 1, func(r *Reimbursement) *Reimbursement { r.ApplicantID = ""; return r }, "applicant_id"},
		{"MissingSubquota", 2, func(r *Reimbursement) *Reimbursement { r.SubquotaDescription = ""; return r }, "subquota_description"},
		{"MissingIdentity", 0, func(r *Reimbursement) *Reimbursement { r.CNPJCPF = ""; return r }, "cnpj_cpf"},
		{"IdentityWithoutDigits", 0, func(r *Reimbursement) *Reimbursement { r.CNPJCPF = "n/a"; return r }, "cnpj_cpf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReimbursement(tt.row, tt.edit(validReimbursement()))
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}

			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected *ConfigurationError, got %T", err)
			}
			if cerr.Row != tt.row || cerr.Field != tt.field {
				t.Errorf("expected row %d field %s, got row %d field %s", tt.row, tt.field, cerr.Row, cerr.Field)
			}
		})
	}
}

func TestNormalizeIdentity(t *testing.T) {
	if got := NormalizeIdentity("67.661.714/0001-11"); got != "67661714000111" {
		t.Errorf("unexpected identity %s", got)
	}
	if got := NormalizeIdentity("123.456.789-09"); len(got) != CPFLength {
		t.Errorf("expected %d digits, got %s", CPFLength, got)
	}
}

func TestAssessmentKeepsZeroThreshold(t *testing.T) {
	a := Assessment{Label: Outlier, Path: PathCommon, Value: 5, Threshold: 0}
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"threshold":0`) {
		t.Errorf("expected zero threshold in %s", data)
	}
}

func TestLabel(t *testing.T) {
	if Inlier.String() != "inlier" || Outlier.String() != "outlier" {
		t.Errorf("unexpected label names %s/%s", Inlier, Outlier)
	}
	if int(Outlier) != -1 || int(Inlier) != 1 {
		t.Error("labels must be +1 and -1")
	}
}

func TestClassifierConfigValidate(t *testing.T) {
	if err := DefaultClassifierConfig().Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}

	tests := []struct {
		name string
		edit func(c *ClassifierConfig)
	}{
		{"CommonThreshold", func(c *ClassifierConfig) { c.CommonThreshold = 0 }},
		{"MinApplicants", func(c *ClassifierConfig) { c.MinApplicants = -1 }},
		{"Multiplier", func(c *ClassifierConfig) { c.RareMultiplier = 0 }},
		{"Clusters", func(c *ClassifierConfig) { c.Clusters = 0 }},
		{"MaxIterations", func(c *ClassifierConfig) { c.MaxIterations = 0 }},
		{"UnseenLabel", func(c *ClassifierConfig) { c.UnseenLabel = 0 }},
		{"CategoryRule", func(c *ClassifierConfig) { c.CategoryRules = []CategoryRule{{Category: "x"}} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultClassifierConfig()
			tt.edit(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestIsExempt(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		cfg := DefaultClassifierConfig()
		for _, cat := range []Category{CategoryNonMeal, CategoryIndividualMeal} {
			if !cfg.IsExempt(cat) {
				t.Errorf("expected %s exempt by default", cat)
			}
		}
		for _, cat := range []Category{CategoryMeal, CategoryLodgingMeal} {
			if cfg.IsExempt(cat) {
				t.Errorf("expected %s scored by default", cat)
			}
		}
	})

	cfg := DefaultClassifierConfig()
	cfg.ExemptCategories = []Category{CategoryNonMeal}

	if !cfg.IsExempt(CategoryNonMeal) {
		t.Error("expected non_meal exempt")
	}
	if cfg.IsExempt(CategoryMeal) {
		t.Error("expected meal scored")
	}
}

func TestLoadConfig(t *testing.T) {
	write := func(t *testing.T, body string) string {
		t.Helper()
		path := filepath.Join(t.TempDir(), "ceap.yaml")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	t.Run("Overlay", func(t *testing.T) {
		path := write(t, `
classifier:
  rareMultiplier: 5
  exemptCategories: [non_meal]
cache:
  localMaxSize: 50
`)
		base := DefaultConfig()
		cfg, err := LoadConfig(path, base)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}

		if cfg.Classifier.RareMultiplier != 5 {
			t.Errorf("expected rareMultiplier 5, got %v", cfg.Classifier.RareMultiplier)
		}
		if cfg.Classifier.CommonMultiplier != 3 {
			t.Errorf("expected commonMultiplier kept at 3, got %v", cfg.Classifier.CommonMultiplier)
		}
		if !cfg.Classifier.IsExempt(CategoryNonMeal) {
			t.Error("expected non_meal exempt")
		}
		if cfg.Cache.LocalMaxSize != 50 || cfg.Cache.ModelTTL != base.Cache.ModelTTL {
			t.Errorf("unexpected cache config %+v", cfg.Cache)
		}
		if cfg.Classifier.IsExempt(CategoryIndividualMeal) {
			t.Error("expected exempt list replaced by the file")
		}
		if base.Classifier.RareMultiplier != 4 || len(base.Classifier.ExemptCategories) != 2 {
			t.Error("base config must not be modified")
		}
	})

	t.Run("InvalidClassifier", func(t *testing.T) {
		path := write(t, "classifier:\n  clusters: 0\n")
		if _, err := LoadConfig(path, DefaultConfig()); err == nil {
			t.Error("expected validation error")
		}
	})

	t.Run("BadYAML", func(t *testing.T) {
		path := write(t, "classifier: [\n")
		if _, err := LoadConfig(path, DefaultConfig()); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestProConfig(t *testing.T) {
	cfg := ProConfig()
	if cfg.Tier != TierPro || cfg.Repository.Driver != "postgres" || cfg.EventBus.Type != "nats" {
		t.Errorf("unexpected pro config %+v", cfg)
	}
	if !cfg.Cache.EnableTwoPhase {
		t.Error("expected two-phase cache in pro tier")
	}
}

func TestEvaluationToResponse(t *testing.T) {
	eval := &Evaluation{
		ID:     "eval-1",
		Status: StatusAlert,
		Assessments: []Assessment{
			{Label: Inlier},
			{Label: Outlier},
			{Label: Outlier},
		},
	}

	resp := eval.ToResponse()
	if resp.Status != StatusFail {
		t.Errorf("expected ALERT, got %s", resp.Status)
	}
	if len(resp.Outliers) != 2 || resp.Outliers[0] != 1 || resp.Outliers[1] != 2 {
		t.Errorf("unexpected outliers %v", resp.Outliers)
	}
	if len(resp.Labels) != 3 {
		t.Errorf("expected 3 labels, got %d", len(resp.Labels))
	}
}

func TestValue(t *testing.T) {
	r := validReimbursement()
	if math.IsNaN(r.Value()) || r.Value() != 42.5 {
		t.Errorf("unexpected value %v", r.Value())
	}
}
