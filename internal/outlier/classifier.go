// Package outlier implements the meal reimbursement outlier classifier:
// per-group baselines for payees with enough history, and k-means cluster
// baselines borrowed by payees without it.
package outlier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/ceap/internal/category"
	"github.com/opensource-finance/ceap/internal/domain"
)

var tracer = otel.Tracer("ceap-outlier")

// Option configures a Classifier.
type Option func(*Classifier)

// WithAugmentor replaces the default k-means augmentor.
func WithAugmentor(a Augmentor) Option {
	return func(c *Classifier) {
		c.augmentor = a
	}
}

// WithLogger sets the logger used for per-record warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) {
		c.logger = l
	}
}

// Classifier labels meal reimbursements as inliers (+1) or outliers (-1).
// Fit replaces the fitted state in one atomic step; Predict and Assess only
// read it and may be called concurrently.
type Classifier struct {
	cfg       domain.ClassifierConfig
	augmentor Augmentor
	logger    *slog.Logger

	state atomic.Pointer[state]
}

// state is an immutable fit.
type state struct {
	id          string
	fittedAt    time.Time
	records     int
	cfg         domain.ClassifierConfig
	categorizer *category.Categorizer
	groups      map[domain.GroupKey]domain.GroupStatistics
	clusters    *ClusterModel

	// substitute baselines of rare groups, resolved once at fit time
	borrowed map[domain.GroupKey]Baseline
}

// New creates an unfitted classifier.
func New(cfg domain.ClassifierConfig, opts ...Option) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier config: %w", err)
	}

	// the caller keeps its slices; a fit must not change under it
	cfg.ExemptCategories = append([]domain.Category(nil), cfg.ExemptCategories...)
	cfg.CategoryRules = append([]domain.CategoryRule(nil), cfg.CategoryRules...)

	if _, err := category.NewCategorizer(cfg.CategoryRules, cfg.MealSubquota); err != nil {
		return nil, fmt.Errorf("invalid category rules: %w", err)
	}

	c := &Classifier{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.augmentor == nil {
		c.augmentor = NewKMeansAugmentor(cfg.Clusters, cfg.MaxIterations)
	}

	return c, nil
}

// Fit learns baselines from records and replaces any previous fit.
// A malformed record fails the whole fit with a *domain.ConfigurationError.
func (c *Classifier) Fit(ctx context.Context, records []*domain.Reimbursement) error {
	_, span := tracer.Start(ctx, "outlier.Fit")
	defer span.End()
	span.SetAttributes(attribute.Int("ceap.records", len(records)))

	if len(records) == 0 {
		err := &domain.ConfigurationError{Row: 0, Field: "dataset", Reason: "is empty"}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	for i, r := range records {
		if err := domain.ValidateReimbursement(i, r); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	s, err := c.build(records)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	c.state.Store(s)
	span.SetAttributes(
		attribute.String("ceap.model_id", s.id),
		attribute.Int("ceap.groups", len(s.groups)),
		attribute.Int("ceap.rare_groups", len(s.borrowed)),
	)

	c.logger.Debug("classifier fitted",
		"model_id", s.id,
		"records", s.records,
		"groups", len(s.groups),
		"rare_groups", len(s.borrowed),
	)

	return nil
}

// build fits a new state. Each state owns a categorizer compiled from the
// config it was fitted with, as Restore does.
func (c *Classifier) build(records []*domain.Reimbursement) (*state, error) {
	cat, err := category.NewCategorizer(c.cfg.CategoryRules, c.cfg.MealSubquota)
	if err != nil {
		return nil, fmt.Errorf("failed to build categorizer: %w", err)
	}

	builder := NewBuilder(cat.Key, c.cfg.CommonThreshold, c.cfg.MinApplicants)
	groups, err := builder.Build(records)
	if err != nil {
		return nil, fmt.Errorf("failed to build group statistics: %w", err)
	}

	s := &state{
		id:          uuid.New().String(),
		fittedAt:    time.Now().UTC(),
		records:     len(records),
		cfg:         c.cfg,
		categorizer: cat,
		groups:      groups,
	}

	if err := c.augment(s); err != nil {
		return nil, err
	}
	return s, nil
}

// augment fits the cluster model over the rare groups of s and resolves
// their substitute baselines.
func (c *Classifier) augment(s *state) error {
	rare := rareGroups(s.groups)
	s.borrowed = make(map[domain.GroupKey]Baseline, len(rare))
	if len(rare) == 0 {
		s.clusters = &ClusterModel{}
		return nil
	}

	if s.clusters == nil {
		model, err := c.augmentor.Fit(rare)
		if err != nil {
			return fmt.Errorf("failed to fit cluster model: %w", err)
		}
		s.clusters = model
	}

	for _, g := range rare {
		b, err := c.augmentor.Resolve(g, s.clusters)
		if err != nil {
			// The group's own history is the best remaining evidence
			c.logger.Warn("cluster baseline unavailable, using group baseline",
				"group", g.Key.String(),
				"error", err,
			)
			b = Baseline{Mean: g.Mean, Std: g.Std}
		}
		s.borrowed[g.Key] = b
	}

	return nil
}

// rareGroups returns the rare groups sorted by key.
func rareGroups(groups map[domain.GroupKey]domain.GroupStatistics) []domain.GroupStatistics {
	var rare []domain.GroupStatistics
	for _, g := range groups {
		if g.Class == domain.FrequencyRare {
			rare = append(rare, g)
		}
	}
	sort.Slice(rare, func(i, j int) bool {
		return rare[i].Key.String() < rare[j].Key.String()
	})
	return rare
}

// Predict returns one label per record, in input order.
func (c *Classifier) Predict(ctx context.Context, records []*domain.Reimbursement) ([]domain.Label, error) {
	assessments, err := c.Assess(ctx, records)
	if err != nil {
		return nil, err
	}

	labels := make([]domain.Label, len(assessments))
	for i, a := range assessments {
		labels[i] = a.Label
	}
	return labels, nil
}

// Assess labels every record and reports the baseline each decision used.
// A malformed record is labelled an inlier and logged; it never fails the batch.
func (c *Classifier) Assess(ctx context.Context, records []*domain.Reimbursement) ([]domain.Assessment, error) {
	s := c.state.Load()
	if s == nil {
		return nil, domain.ErrNotFitted
	}

	_, span := tracer.Start(ctx, "outlier.Assess")
	defer span.End()

	out := make([]domain.Assessment, len(records))
	outliers := 0
	for i, r := range records {
		out[i] = c.assess(s, i, r)
		if out[i].Label == domain.Outlier {
			outliers++
		}
	}

	span.SetAttributes(
		attribute.String("ceap.model_id", s.id),
		attribute.Int("ceap.records", len(records)),
		attribute.Int("ceap.outliers", outliers),
	)

	return out, nil
}

func (c *Classifier) assess(s *state, row int, r *domain.Reimbursement) domain.Assessment {
	if err := domain.ValidateReimbursement(row, r); err != nil {
		c.logger.Warn("malformed reimbursement labelled inlier", "error", err)
		a := domain.Assessment{Label: domain.Inlier, Path: domain.PathMalformed}
		if r != nil {
			a.ReimbursementID = r.ID
		}
		return a
	}

	a := domain.Assessment{
		ReimbursementID: r.ID,
		Value:           r.Value(),
	}

	key, err := s.categorizer.Key(r)
	if err != nil {
		c.logger.Warn("reimbursement could not be categorized, labelled inlier",
			"row", row,
			"error", err,
		)
		a.Label, a.Path = domain.Inlier, domain.PathMalformed
		return a
	}
	a.Key = key

	if s.cfg.IsExempt(key.Category) {
		a.Label, a.Path = domain.Inlier, domain.PathExempt
		return a
	}

	g, ok := s.groups[key]
	if !ok {
		a.Label, a.Path = s.cfg.UnseenLabel, domain.PathUnseen
		return a
	}

	var (
		base Baseline
		k    float64
	)
	switch g.Class {
	case domain.FrequencyCommon:
		base, k = Baseline{Mean: g.Mean, Std: g.Std}, s.cfg.CommonMultiplier
		a.Path = domain.PathCommon
	default:
		base, k = s.borrowed[key], s.cfg.RareMultiplier
		a.Path = domain.PathRare
	}

	a.Threshold = base.Threshold(k)
	a.Label = domain.Inlier
	if a.Value > a.Threshold {
		a.Label = domain.Outlier
	}

	return a
}

// Fitted reports whether Fit or Restore has completed.
func (c *Classifier) Fitted() bool {
	return c.state.Load() != nil
}

// Info summarizes the current fit.
type Info struct {
	ModelID    string                  `json:"modelId"`
	FittedAt   time.Time               `json:"fittedAt"`
	Records    int                     `json:"records"`
	Groups     int                     `json:"groups"`
	RareGroups int                     `json:"rareGroups"`
	Config     domain.ClassifierConfig `json:"config"`
	Categories map[domain.Category]int `json:"categories"`
	Clusters   map[domain.Category]int `json:"clusters"`
}

// Info returns a summary of the current fit, or ErrNotFitted.
func (c *Classifier) Info() (*Info, error) {
	s := c.state.Load()
	if s == nil {
		return nil, domain.ErrNotFitted
	}

	info := &Info{
		ModelID:    s.id,
		FittedAt:   s.fittedAt,
		Records:    s.records,
		Groups:     len(s.groups),
		RareGroups: len(s.borrowed),
		Config:     s.cfg,
		Categories: make(map[domain.Category]int),
		Clusters:   make(map[domain.Category]int),
	}
	for key := range s.groups {
		info.Categories[key.Category]++
	}
	if s.clusters != nil {
		for cat, cc := range s.clusters.Categories {
			info.Clusters[cat] = len(cc.Centroids)
		}
	}

	return info, nil
}

// GroupView is a fitted group together with the baseline Predict applies to it.
type GroupView struct {
	domain.GroupStatistics
	Baseline   Baseline `json:"baseline"`
	Multiplier float64  `json:"multiplier"`
	Threshold  float64  `json:"threshold"`
}

// ErrUnknownIdentity is returned by GroupsFor when the payee has no fitted groups.
var ErrUnknownIdentity = errors.New("identity has no fitted groups")

// GroupsFor returns the fitted groups of a payee, sorted by category.
func (c *Classifier) GroupsFor(identity string) ([]GroupView, error) {
	s := c.state.Load()
	if s == nil {
		return nil, domain.ErrNotFitted
	}

	identity = domain.NormalizeIdentity(identity)
	var views []GroupView
	for key, g := range s.groups {
		if key.Identity != identity {
			continue
		}
		v := GroupView{GroupStatistics: g}
		if g.Class == domain.FrequencyCommon {
			v.Baseline, v.Multiplier = Baseline{Mean: g.Mean, Std: g.Std}, s.cfg.CommonMultiplier
		} else {
			v.Baseline, v.Multiplier = s.borrowed[key], s.cfg.RareMultiplier
		}
		v.Threshold = v.Baseline.Threshold(v.Multiplier)
		views = append(views, v)
	}
	if len(views) == 0 {
		return nil, ErrUnknownIdentity
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].Key.Category < views[j].Key.Category
	})
	return views, nil
}
