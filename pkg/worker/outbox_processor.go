package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jwalitptl/palliative-api/internal/model"
	"github.com/jwalitptl/palliative-api/internal/repository"
	"github.com/jwalitptl/palliative-api/pkg/logger"
	"github.com/jwalitptl/palliative-api/pkg/metrics"
)

// EventPublisher delivers one outbox row to the broker.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.OutboxEvent) error
}

type OutboxProcessorConfig struct {
	BatchSize     int
	PollInterval  time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	// MaxRetries is how many polls may fail before an event is marked failed.
	MaxRetries int
	// RetentionPeriod is how long processed events are kept. Zero keeps them forever.
	RetentionPeriod time.Duration
}

func (c OutboxProcessorConfig) validate() error {
	if c.BatchSize <= 0 {
		return errors.New("BatchSize must be greater than 0")
	}
	if c.PollInterval <= 0 {
		return errors.New("PollInterval must be greater than 0")
	}
	if c.RetryAttempts <= 0 {
		return errors.New("RetryAttempts must be greater than 0")
	}
	if c.RetryDelay <= 0 {
		return errors.New("RetryDelay must be greater than 0")
	}
	return nil
}

type OutboxProcessor struct {
	tx        repository.TxManager
	repo      repository.OutboxRepository
	publisher EventPublisher
	config    OutboxProcessorConfig
	logger    *logger.Logger
	metrics   *metrics.Metrics
	sleep     func(time.Duration)
}

func NewOutboxProcessor(
	tx repository.TxManager,
	repo repository.OutboxRepository,
	publisher EventPublisher,
	config OutboxProcessorConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) (*OutboxProcessor, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid outbox processor config: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &OutboxProcessor{
		tx:        tx,
		repo:      repo,
		publisher: publisher,
		config:    config,
		logger:    log,
		metrics:   m,
		sleep:     time.Sleep,
	}, nil
}

func (p *OutboxProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("Starting outbox processor",
		"batch_size", p.config.BatchSize,
		"poll_interval", p.config.PollInterval.String())

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down outbox processor")
			return
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				p.logger.Error(err, "Failed to process events")
			}
			if _, err := p.Cleanup(ctx, time.Now()); err != nil {
				p.logger.Error(err, "Failed to clean up processed events")
			}
		}
	}
}

// ProcessBatch locks up to BatchSize due events, publishes them and records
// the outcome, all in one transaction. It returns how many were published.
func (p *OutboxProcessor) ProcessBatch(ctx context.Context) (int, error) {
	published := 0
	err := p.tx.WithinTx(ctx, func(ctx context.Context) error {
		events, err := p.repo.GetPendingEventsWithLock(ctx, p.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to get pending events: %w", err)
		}
		p.metrics.SetQueueSize(len(events))

		for _, event := range events {
			ok, err := p.processEvent(ctx, event)
			if err != nil {
				return err
			}
			if ok {
				published++
			}
		}
		return nil
	})
	return published, err
}

// processEvent reports whether the event was published. The error is only
// set when its status could not be recorded.
func (p *OutboxProcessor) processEvent(ctx context.Context, event *model.OutboxEvent) (bool, error) {
	start := time.Now()
	err := p.retry(func() error {
		return p.publisher.PublishEvent(ctx, event)
	})
	p.metrics.ObserveOutbox(event.EventType, err, time.Since(start))

	if err == nil {
		if err := p.repo.UpdateStatus(ctx, event.ID, model.OutboxStatusProcessed, nil, nil); err != nil {
			return false, fmt.Errorf("failed to mark event %s processed: %w", event.ID, err)
		}
		return true, nil
	}

	errStr := err.Error()
	status := model.OutboxStatusRetry
	var retryAt *time.Time
	if p.config.MaxRetries > 0 && event.RetryCount+1 >= p.config.MaxRetries {
		status = model.OutboxStatusFailed
	} else {
		at := time.Now().Add(p.config.RetryDelay * time.Duration(event.RetryCount+1))
		retryAt = &at
	}

	p.logger.Error(err, "Failed to publish event",
		"event_id", event.ID.String(),
		"event_type", event.EventType,
		"retry_count", event.RetryCount,
		"status", string(status))

	if err := p.repo.UpdateStatus(ctx, event.ID, status, &errStr, retryAt); err != nil {
		return false, fmt.Errorf("failed to update event %s status: %w", event.ID, err)
	}
	return false, nil
}

// Cleanup deletes processed events older than the retention period.
func (p *OutboxProcessor) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	if p.config.RetentionPeriod <= 0 {
		return 0, nil
	}
	n, err := p.repo.DeleteProcessedBefore(ctx, now.Add(-p.config.RetentionPeriod))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup events: %w", err)
	}
	if n > 0 {
		p.logger.Info("Cleaned up processed events", "deleted", n)
	}
	return n, nil
}

func (p *OutboxProcessor) retry(fn func() error) error {
	var err error
	for i := 0; i < p.config.RetryAttempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < p.config.RetryAttempts-1 {
			p.sleep(p.config.RetryDelay)
		}
	}
	return err
}
