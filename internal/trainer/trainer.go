// Package trainer fits, persists and restores the per-tenant outlier
// classifiers.
//
// A fit is stored in the repository, cached under the tenant's latest model
// key and announced on the event bus, so every ceap node can pick it up
// without refitting.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/ceap/internal/domain"
	"github.com/opensource-finance/ceap/internal/outlier"
	"github.com/opensource-finance/ceap/internal/repository"
)

// Service owns one classifier per tenant.
type Service struct {
	cfg      domain.ClassifierConfig
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	modelTTL time.Duration
	logger   *slog.Logger

	mu          sync.RWMutex
	classifiers map[string]*outlier.Classifier

	// fits of one node are serialized; a full legislature is memory heavy
	fitMu sync.Mutex
}

// NewService creates a trainer. cache and bus may be nil.
func NewService(cfg domain.ClassifierConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, modelTTL time.Duration) *Service {
	return &Service{
		cfg:         cfg,
		repo:        repo,
		cache:       cache,
		bus:         bus,
		modelTTL:    modelTTL,
		logger:      slog.Default(),
		classifiers: make(map[string]*outlier.Classifier),
	}
}

// SetLogger replaces the service logger, which is also handed to every
// classifier the service creates.
func (s *Service) SetLogger(l *slog.Logger) {
	s.logger = l
}

// Train fits the tenant's classifier on every stored reimbursement issued
// at or after since (all of them for a zero since).
func (s *Service) Train(ctx context.Context, tenantID string, since time.Time) (*domain.Model, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	records, err := s.repo.ListReimbursements(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load reimbursements: %w", err)
	}

	return s.Fit(ctx, tenantID, records)
}

// Fit fits a new classifier on records, persists it and makes it the
// tenant's active classifier. The previous classifier keeps serving until
// the new one is stored.
func (s *Service) Fit(ctx context.Context, tenantID string, records []*domain.Reimbursement) (*domain.Model, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	s.fitMu.Lock()
	defer s.fitMu.Unlock()

	start := time.Now()

	c, err := s.newClassifier()
	if err != nil {
		return nil, err
	}
	if err := c.Fit(ctx, records); err != nil {
		return nil, err
	}

	model, err := c.Model(tenantID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.SaveModel(ctx, tenantID, model); err != nil {
		return nil, fmt.Errorf("failed to save model: %w", err)
	}
	s.cacheModel(ctx, tenantID, model)
	s.install(tenantID, c)

	s.logger.Info("model fitted",
		"tenant_id", tenantID,
		"model_id", model.ID,
		"records", model.Records,
		"groups", model.Groups,
		"rare_groups", model.RareGroups,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	s.announce(ctx, tenantID, model)
	return model, nil
}

// Classifier returns the tenant's active classifier, restoring the latest
// stored fit on first use. Returns domain.ErrNotFitted when the tenant has
// never been fitted.
func (s *Service) Classifier(ctx context.Context, tenantID string) (*outlier.Classifier, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	s.mu.RLock()
	c, ok := s.classifiers[tenantID]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	return s.Restore(ctx, tenantID)
}

// Restore loads the tenant's latest fit, from cache first and then from
// the repository, and makes it the active classifier.
func (s *Service) Restore(ctx context.Context, tenantID string) (*outlier.Classifier, error) {
	return s.load(ctx, tenantID, domain.LatestModelKey)
}

// load restores model modelID of a tenant. modelID may be LatestModelKey.
func (s *Service) load(ctx context.Context, tenantID, modelID string) (*outlier.Classifier, error) {
	model, err := s.lookup(ctx, tenantID, modelID)
	if err != nil {
		return nil, err
	}

	c, err := s.newClassifier()
	if err != nil {
		return nil, err
	}
	if err := c.RestoreModel(model); err != nil {
		return nil, fmt.Errorf("failed to restore model %s: %w", model.ID, err)
	}

	s.install(tenantID, c)
	s.logger.Info("model restored",
		"tenant_id", tenantID,
		"model_id", model.ID,
		"fitted_at", model.FittedAt,
	)
	return c, nil
}

func (s *Service) lookup(ctx context.Context, tenantID, modelID string) (*domain.Model, error) {
	if s.cache != nil {
		model, err := s.cache.GetModel(ctx, tenantID, modelID)
		if err != nil {
			s.logger.Warn("model cache read failed",
				"tenant_id", tenantID,
				"model_id", modelID,
				"error", err,
			)
		}
		if model != nil {
			return model, nil
		}
	}

	var model *domain.Model
	var err error
	if modelID == domain.LatestModelKey {
		model, err = s.repo.GetLatestModel(ctx, tenantID)
	} else {
		model, err = s.repo.GetModel(ctx, tenantID, modelID)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, domain.ErrNotFitted
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	// Warm the cache so the next node restores without a database read;
	// a specific model is not necessarily the latest, so only the latest is cached.
	if modelID == domain.LatestModelKey {
		s.cacheModel(ctx, tenantID, model)
	}
	return model, nil
}

// Watch reloads the tenant's classifier whenever another node announces
// a new fit.
func (s *Service) Watch(ctx context.Context, tenantID string) (domain.Subscription, error) {
	if s.bus == nil {
		return nil, fmt.Errorf("no event bus configured")
	}

	return s.bus.Subscribe(ctx, tenantID, domain.TopicModelFitted, func(ctx context.Context, msg *domain.Message) error {
		var announced domain.Model
		if err := json.Unmarshal(msg.Payload, &announced); err != nil {
			return fmt.Errorf("invalid model announcement: %w", err)
		}

		if s.activeModel(tenantID) == announced.ID {
			return nil
		}

		_, err := s.load(ctx, tenantID, announced.ID)
		return err
	})
}

// Forget drops the tenant's in-memory classifier. Stored fits are kept.
func (s *Service) Forget(tenantID string) {
	s.mu.Lock()
	delete(s.classifiers, tenantID)
	s.mu.Unlock()
}

func (s *Service) newClassifier() (*outlier.Classifier, error) {
	return outlier.New(s.cfg, outlier.WithLogger(s.logger))
}

func (s *Service) install(tenantID string, c *outlier.Classifier) {
	s.mu.Lock()
	s.classifiers[tenantID] = c
	s.mu.Unlock()
}

func (s *Service) activeModel(tenantID string) string {
	s.mu.RLock()
	c, ok := s.classifiers[tenantID]
	s.mu.RUnlock()
	if !ok {
		return ""
	}

	info, err := c.Info()
	if err != nil {
		return ""
	}
	return info.ModelID
}

func (s *Service) cacheModel(ctx context.Context, tenantID string, model *domain.Model) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetModel(ctx, tenantID, model, s.modelTTL); err != nil {
		s.logger.Warn("failed to cache model",
			"tenant_id", tenantID,
			"model_id", model.ID,
			"error", err,
		)
	}
}

// announce publishes the model summary; the snapshot itself is read from
// cache or repository by the receivers.
func (s *Service) announce(ctx context.Context, tenantID string, model *domain.Model) {
	if s.bus == nil {
		return
	}

	summary := *model
	summary.Snapshot = nil
	payload, err := json.Marshal(summary)
	if err != nil {
		s.logger.Error("failed to marshal model announcement", "error", err)
		return
	}

	if err := s.bus.Publish(ctx, tenantID, domain.TopicModelFitted, payload); err != nil {
		s.logger.Warn("failed to announce model",
			"tenant_id", tenantID,
			"model_id", model.ID,
			"error", err,
		)
	}
}
