package outlier

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/ceap/internal/domain"
)

const mealSubquota = "Congressperson meal"

func rec(applicant, cnpj, supplier string, value float64) *domain.Reimbursement {
	return &domain.Reimbursement{
		ApplicantID:         applicant,
		SubquotaDescription: mealSubquota,
		CNPJCPF:             cnpj,
		Supplier:            supplier,
		TotalNetValue:       decimal.NewFromFloat(value),
	}
}

// commonGroup returns 21 records from 4 applicants: 10 at low, 10 at high
// and one at their midpoint. Mean is the midpoint and the sample standard
// deviation is (high-low)/2.
func commonGroup(cnpj, supplier string, low, high float64) []*domain.Reimbursement {
	applicants := []string{"101", "102", "103", "104"}
	var out []*domain.Reimbursement
	for i := 0; i < 20; i++ {
		v := low
		if i%2 == 1 {
			v = high
		}
		out = append(out, rec(applicants[i%4], cnpj, supplier, v))
	}
	return append(out, rec("101", cnpj, supplier, (low+high)/2))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClassifier(t *testing.T, cfg domain.ClassifierConfig, opts ...Option) *Classifier {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	return c
}

// stubAugmentor returns a fixed baseline for every rare group.
type stubAugmentor struct {
	baseline   Baseline
	resolveErr error
	fitCalls   int
	resolves   int
}

func (s *stubAugmentor) Fit(rare []domain.GroupStatistics) (*ClusterModel, error) {
	s.fitCalls++
	return &ClusterModel{Categories: map[domain.Category]*CategoryClusters{}}, nil
}

func (s *stubAugmentor) Resolve(group domain.GroupStatistics, model *ClusterModel) (Baseline, error) {
	s.resolves++
	if s.resolveErr != nil {
		return Baseline{}, s.resolveErr
	}
	return s.baseline, nil
}
