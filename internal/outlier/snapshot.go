package outlier

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/ceap/internal/category"
	"github.com/opensource-finance/ceap/internal/domain"
)

// Snapshot is the serializable form of a fit.
type Snapshot struct {
	ID       string                   `json:"id"`
	FittedAt time.Time                `json:"fittedAt"`
	Records  int                      `json:"records"`
	Config   domain.ClassifierConfig  `json:"config"`
	Groups   []domain.GroupStatistics `json:"groups"`
	Clusters *ClusterModel            `json:"clusters"`
}

// Snapshot exports the current fit. Groups are sorted by key so equal fits
// serialize identically.
func (c *Classifier) Snapshot() (*Snapshot, error) {
	s := c.state.Load()
	if s == nil {
		return nil, domain.ErrNotFitted
	}

	groups := make([]domain.GroupStatistics, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Key.String() < groups[j].Key.String()
	})

	return &Snapshot{
		ID:       s.id,
		FittedAt: s.fittedAt,
		Records:  s.records,
		Config:   s.cfg,
		Groups:   groups,
		Clusters: s.clusters,
	}, nil
}

// Restore installs a previously exported fit. The categorizer is rebuilt
// from the snapshot's rules so records are keyed as they were at fit time.
func (c *Classifier) Restore(snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if err := snap.Config.Validate(); err != nil {
		return fmt.Errorf("snapshot %s: invalid config: %w", snap.ID, err)
	}

	cat, err := category.NewCategorizer(snap.Config.CategoryRules, snap.Config.MealSubquota)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}

	s := &state{
		id:          snap.ID,
		fittedAt:    snap.FittedAt,
		records:     snap.Records,
		cfg:         snap.Config,
		categorizer: cat,
		groups:      make(map[domain.GroupKey]domain.GroupStatistics, len(snap.Groups)),
		clusters:    snap.Clusters,
	}
	for _, g := range snap.Groups {
		s.groups[g.Key] = g
	}
	if s.clusters == nil {
		s.clusters = &ClusterModel{}
	}

	if err := c.augment(s); err != nil {
		return fmt.Errorf("snapshot %s: %w", snap.ID, err)
	}

	c.state.Store(s)
	return nil
}

// Model wraps the current fit for storage.
func (c *Classifier) Model(tenantID string) (*domain.Model, error) {
	snap, err := c.Snapshot()
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	rare := 0
	for _, g := range snap.Groups {
		if g.Class == domain.FrequencyRare {
			rare++
		}
	}

	return &domain.Model{
		ID:         snap.ID,
		TenantID:   tenantID,
		FittedAt:   snap.FittedAt,
		Records:    snap.Records,
		Groups:     len(snap.Groups),
		RareGroups: rare,
		Snapshot:   data,
	}, nil
}

// RestoreModel installs a stored fit.
func (c *Classifier) RestoreModel(m *domain.Model) error {
	if m == nil {
		return fmt.Errorf("model is nil")
	}

	var snap Snapshot
	if err := json.Unmarshal(m.Snapshot, &snap); err != nil {
		return fmt.Errorf("model %s: failed to unmarshal snapshot: %w", m.ID, err)
	}

	return c.Restore(&snap)
}
