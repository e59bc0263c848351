package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/palliative-api/internal/repository"
	"github.com/jwalitptl/palliative-api/pkg/logger"
)

// AuditCleanupWorker prunes audit entries older than the retention period.
type AuditCleanupWorker struct {
	repo            repository.AuditRepository
	retention       time.Duration
	cleanupInterval time.Duration
	logger          *logger.Logger
	now             func() time.Time
}

func NewAuditCleanupWorker(repo repository.AuditRepository, retention, cleanupInterval time.Duration, log *logger.Logger) (*AuditCleanupWorker, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("audit retention must be positive, got %s", retention)
	}
	if cleanupInterval <= 0 {
		return nil, fmt.Errorf("audit cleanup interval must be positive, got %s", cleanupInterval)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &AuditCleanupWorker{
		repo:            repo,
		retention:       retention,
		cleanupInterval: cleanupInterval,
		logger:          log,
		now:             time.Now,
	}, nil
}

func (w *AuditCleanupWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Cleanup(ctx); err != nil {
				// keep going; the next tick retries
				w.logger.Error(err, "Failed to clean up audit logs")
			}
		}
	}
}

func (w *AuditCleanupWorker) Cleanup(ctx context.Context) (int64, error) {
	cutoff := w.now().Add(-w.retention)

	rows, err := w.repo.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	if rows > 0 {
		w.logger.Info("Cleaned up audit logs", "count", rows, "before", cutoff.Format(time.RFC3339))
	}
	return rows, nil
}
