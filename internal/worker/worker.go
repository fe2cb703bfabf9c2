// Package worker provides async batch scoring for the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/ceap/internal/audit"
	"github.com/opensource-finance/ceap/internal/domain"
	"github.com/opensource-finance/ceap/internal/trainer"
)

// Worker scores reimbursement batches published on the EventBus.
type Worker struct {
	bus       domain.EventBus
	repo      domain.Repository
	trainer   *trainer.Service
	processor *audit.Processor

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via the global subject)
	TenantIDs []string

	// WatchModels reloads a tenant's classifier when another node fits it
	WatchModels bool
}

// NewWorker creates a new async worker. repo may be nil, in which case
// batches are neither stored nor audited in the database.
func NewWorker(bus domain.EventBus, repo domain.Repository, trainer *trainer.Service, processor *audit.Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		repo:      repo,
		trainer:   trainer,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing batches for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID, cfg.WatchModels); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker for batches that name their tenant in
// the payload (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicReimbursementIngested, w.handleMessage)
	if err != nil {
		return err
	}
	w.track(sub)

	slog.Info("global worker started")
	return nil
}

func (w *Worker) startTenantWorker(tenantID string, watch bool) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicReimbursementIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processBatch(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.track(sub)

	if watch {
		sub, err := w.trainer.Watch(w.ctx, tenantID)
		if err != nil {
			return fmt.Errorf("failed to watch models: %w", err)
		}
		w.track(sub)
	}

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicReimbursementIngested,
		"watch_models", watch,
	)

	return nil
}

func (w *Worker) track(sub domain.Subscription) {
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processBatch(ctx, msg.TenantID, msg)
}

// BatchMessage is the message payload of a reimbursement batch.
type BatchMessage struct {
	BatchID        string                  `json:"batchId"`
	TenantID       string                  `json:"tenantId"`
	TraceID        string                  `json:"traceId"`
	Store          bool                    `json:"store,omitempty"` // persist the batch before scoring it
	Reimbursements []*domain.Reimbursement `json:"reimbursements"`
}

// processBatch scores a batch against the tenant's active classifier.
func (w *Worker) processBatch(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var batch BatchMessage
	if err := json.Unmarshal(msg.Payload, &batch); err != nil {
		slog.Error("failed to parse batch message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if batch.TenantID != "" {
		tenantID = batch.TenantID
	}

	traceID := batch.TraceID
	if sc := trace.SpanContextFromContext(ctx); traceID == "" && sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing batch",
		"batch_id", batch.BatchID,
		"tenant_id", tenantID,
		"trace_id", traceID,
		"records", len(batch.Reimbursements),
	)

	// 1. Store the batch
	if batch.Store && w.repo != nil {
		if err := w.repo.SaveReimbursements(ctx, tenantID, batch.Reimbursements); err != nil {
			slog.Error("failed to store batch",
				"batch_id", batch.BatchID,
				"error", err,
			)
			return err
		}
	}

	// 2. Score it
	classifier, err := w.trainer.Classifier(ctx, tenantID)
	if err != nil {
		slog.Error("no classifier for tenant",
			"batch_id", batch.BatchID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}
	info, err := classifier.Info()
	if err != nil {
		return err
	}

	assessStart := time.Now()
	assessments, err := classifier.Assess(ctx, batch.Reimbursements)
	if err != nil {
		slog.Error("assessment failed",
			"batch_id", batch.BatchID,
			"error", err,
		)
		return err
	}

	// 3. Audit the decision
	evaluation := w.processor.Process(ctx, &audit.Input{
		TenantID:    tenantID,
		ModelID:     info.ModelID,
		TraceID:     traceID,
		Assessments: assessments,
		StartTime:   start,
		AssessTime:  time.Since(assessStart),
	})

	if w.repo != nil {
		if err := w.repo.SaveEvaluation(ctx, tenantID, evaluation); err != nil {
			slog.Error("failed to save evaluation",
				"batch_id", batch.BatchID,
				"error", err,
			)
		}
	}

	// 4. Publish the result
	_ = w.publish(ctx, tenantID, domain.TopicAssessmentResult, batch.BatchID, evaluation.ToResponse())

	// 5. Outliers also go to the outlier topic, with the full evaluation
	if audit.ShouldAlert(evaluation) {
		_ = w.publish(ctx, tenantID, domain.TopicAssessmentOutlier, batch.BatchID, evaluation)
	}

	slog.Info("batch processed",
		"batch_id", batch.BatchID,
		"tenant_id", tenantID,
		"model_id", info.ModelID,
		"status", evaluation.Status,
		"outliers", evaluation.Outliers,
		"total", evaluation.Total,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// publish sends v on topic. Failures are logged; the batch is already stored.
func (w *Worker) publish(ctx context.Context, tenantID, topic, batchID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal payload",
			"batch_id", batchID,
			"topic", topic,
			"error", err,
		)
		return err
	}

	if err := w.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Error("failed to publish",
			"batch_id", batchID,
			"topic", topic,
			"error", err,
		)
		return err
	}
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
