package outlier

import (
	"fmt"

	"github.com/montanaflynn/stats"

	"github.com/opensource-finance/ceap/internal/domain"
)

// KeyFunc derives the group key of a reimbursement.
type KeyFunc func(r *domain.Reimbursement) (domain.GroupKey, error)

// Builder partitions training records by group key and computes each
// partition's baseline.
type Builder struct {
	key             KeyFunc
	commonThreshold int
	minApplicants   int
}

// NewBuilder creates a Builder. Groups with at least commonThreshold records
// claimed by at least minApplicants distinct applicants are common.
func NewBuilder(key KeyFunc, commonThreshold, minApplicants int) *Builder {
	return &Builder{
		key:             key,
		commonThreshold: commonThreshold,
		minApplicants:   minApplicants,
	}
}

type partition struct {
	values     []float64
	applicants map[string]struct{}
}

// Build returns one GroupStatistics per group key present in records.
// Records are expected to be validated.
func (b *Builder) Build(records []*domain.Reimbursement) (map[domain.GroupKey]domain.GroupStatistics, error) {
	partitions := make(map[domain.GroupKey]*partition)

	for i, r := range records {
		key, err := b.key(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}

		p, ok := partitions[key]
		if !ok {
			p = &partition{applicants: make(map[string]struct{})}
			partitions[key] = p
		}
		p.values = append(p.values, r.Value())
		p.applicants[r.ApplicantID] = struct{}{}
	}

	groups := make(map[domain.GroupKey]domain.GroupStatistics, len(partitions))
	for key, p := range partitions {
		gs, err := b.summarize(key, p)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", key, err)
		}
		groups[key] = gs
	}

	return groups, nil
}

func (b *Builder) summarize(key domain.GroupKey, p *partition) (domain.GroupStatistics, error) {
	mean, err := stats.Mean(p.values)
	if err != nil {
		return domain.GroupStatistics{}, err
	}

	// A singleton has no spread: any later deviation from it is flagged
	var std float64
	if len(p.values) > 1 {
		std, err = stats.StandardDeviationSample(p.values)
		if err != nil {
			return domain.GroupStatistics{}, err
		}
	}

	gs := domain.GroupStatistics{
		Key:        key,
		Count:      len(p.values),
		Applicants: len(p.applicants),
		Mean:       mean,
		Std:        std,
		Class:      domain.FrequencyRare,
	}
	if gs.Count >= b.commonThreshold && gs.Applicants >= b.minApplicants {
		gs.Class = domain.FrequencyCommon
	}

	return gs, nil
}
