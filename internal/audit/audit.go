// Package audit turns the per-record assessments of a scored batch into an
// evaluation record: the batch decision, its path breakdown and timings.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/ceap/internal/domain"
)

// EngineVersion is stamped on every evaluation.
const EngineVersion = "ceap-1.0"

// Processor decides whether a scored batch raises an alert.
type Processor struct {
	// MinOutliers is the number of outliers at which a batch is flagged ALRT.
	MinOutliers int
}

// NewProcessor creates a processor that alerts on the first outlier.
func NewProcessor() *Processor {
	return &Processor{MinOutliers: 1}
}

// Input contains everything needed to build an evaluation.
type Input struct {
	TenantID    string
	ModelID     string
	TraceID     string
	Assessments []domain.Assessment
	StartTime   time.Time
	AssessTime  time.Duration
}

// Process builds the evaluation of one batch.
func (p *Processor) Process(ctx context.Context, input *Input) *domain.Evaluation {
	eval := &domain.Evaluation{
		ID:          uuid.New().String(),
		TenantID:    input.TenantID,
		ModelID:     input.ModelID,
		Total:       len(input.Assessments),
		Timestamp:   time.Now().UTC(),
		Assessments: input.Assessments,
	}

	paths := make(map[string]int)
	for _, a := range input.Assessments {
		paths[string(a.Path)]++
		if a.Label == domain.Outlier {
			eval.Outliers++
		}
	}

	need := p.MinOutliers
	if need <= 0 {
		need = 1
	}
	if eval.Outliers >= need {
		eval.Status = domain.StatusAlert
	} else {
		eval.Status = domain.StatusNoAlert
	}

	var totalMs int64
	if !input.StartTime.IsZero() {
		totalMs = time.Since(input.StartTime).Milliseconds()
	}

	eval.Metadata = domain.EvaluationMetadata{
		TraceID:       input.TraceID,
		AssessMs:      input.AssessTime.Milliseconds(),
		TotalMs:       totalMs,
		Paths:         paths,
		EngineVersion: EngineVersion,
	}

	return eval
}

// ShouldAlert returns true if the evaluation should trigger an alert.
func ShouldAlert(eval *domain.Evaluation) bool {
	return eval.Status == domain.StatusAlert
}

// Reasons describes every outlier of an evaluation, in input order.
func Reasons(eval *domain.Evaluation) []string {
	var reasons []string
	for i, a := range eval.Assessments {
		if a.Label != domain.Outlier {
			continue
		}
		ref := a.ReimbursementID
		if ref == "" {
			ref = fmt.Sprintf("#%d", i)
		}
		value := decimal.NewFromFloat(a.Value).StringFixed(2)
		switch a.Path {
		case domain.PathCommon, domain.PathRare:
			reasons = append(reasons, fmt.Sprintf("%s: %s above %s for %s (%s baseline)",
				ref, value, decimal.NewFromFloat(a.Threshold).StringFixed(2), a.Key, a.Path))
		default:
			// unseen groups have no threshold to compare against
			reasons = append(reasons, fmt.Sprintf("%s: %s for %s (%s, no baseline)", ref, value, a.Key, a.Path))
		}
	}
	return reasons
}
