// Package bootstrap wires configuration into stores, loggers and the outbox
// relay for the api and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jwalitptl/palliative-api/internal/config"
	"github.com/jwalitptl/palliative-api/internal/repository"
	"github.com/jwalitptl/palliative-api/internal/repository/memory"
	"github.com/jwalitptl/palliative-api/internal/repository/postgres"
	"github.com/jwalitptl/palliative-api/pkg/logger"
	"github.com/jwalitptl/palliative-api/pkg/messaging"
	"github.com/jwalitptl/palliative-api/pkg/messaging/redis"
	"github.com/jwalitptl/palliative-api/pkg/metrics"
	"github.com/jwalitptl/palliative-api/pkg/worker"
)

// Backend is one storage driver's set of repositories.
type Backend struct {
	Tx           repository.TxManager
	Resources    repository.ResourceRepository
	Assignments  repository.AssignmentRepository
	Appointments repository.AppointmentRepository
	Outbox       repository.OutboxRepository
	Audit        repository.AuditRepository

	// DB is nil for the memory driver.
	DB *sqlx.DB
}

func OpenBackend(ctx context.Context, cfg config.DatabaseConfig) (*Backend, error) {
	switch cfg.Driver {
	case "memory":
		store := memory.NewStore()
		return &Backend{
			Tx:           store.TxManager(),
			Resources:    store.Resources(),
			Assignments:  store.Assignments(),
			Appointments: store.Appointments(),
			Outbox:       store.Outbox(),
			Audit:        store.Audit(),
		}, nil
	case "postgres":
		db, err := postgres.NewDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		base := postgres.NewBaseRepository(db)
		return &Backend{
			Tx:           postgres.NewTxManager(base),
			Resources:    postgres.NewResourceRepository(base),
			Assignments:  postgres.NewAssignmentRepository(base),
			Appointments: postgres.NewAppointmentRepository(base),
			Outbox:       postgres.NewOutboxRepository(base),
			Audit:        postgres.NewAuditRepository(base),
			DB:           db,
		}, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func (b *Backend) Close() error {
	if b.DB == nil {
		return nil
	}
	return b.DB.Close()
}

func NewLogger(cfg config.LogConfig) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Level),
		Format:     cfg.Format,
		TimeFormat: time.RFC3339,
	})
}

// NewMetrics registers the collectors on a fresh registry, which then backs
// the metrics endpoint. It returns nil metrics when metrics are disabled.
func NewMetrics(cfg config.MetricsConfig) (*metrics.Metrics, *prometheus.Registry, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(cfg.Namespace)
	if err := m.Register(reg); err != nil {
		return nil, nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return m, reg, nil
}

// Relay is the outbox processor together with the broker it publishes to.
type Relay struct {
	Processor *worker.OutboxProcessor
	publisher *messaging.EventPublisher
}

func NewRelay(ctx context.Context, cfg *config.Config, backend *Backend, log *logger.Logger, m *metrics.Metrics) (*Relay, error) {
	zl := log.Zerolog()
	broker, err := redis.NewRedisBroker(ctx, redis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, &zl, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis broker: %w", err)
	}
	publisher := messaging.NewEventPublisher(broker, cfg.Redis.Channel)

	processor, err := worker.NewOutboxProcessor(backend.Tx, backend.Outbox, publisher, worker.OutboxProcessorConfig{
		BatchSize:       cfg.Outbox.BatchSize,
		PollInterval:    cfg.Outbox.PollInterval,
		RetryAttempts:   cfg.Outbox.RetryAttempts,
		RetryDelay:      cfg.Outbox.RetryDelay,
		MaxRetries:      cfg.Outbox.MaxRetries,
		RetentionPeriod: cfg.Outbox.RetentionPeriod,
	}, log.WithFields(map[string]interface{}{"component": "outbox"}), m)
	if err != nil {
		publisher.Close()
		return nil, err
	}
	return &Relay{Processor: processor, publisher: publisher}, nil
}

func (r *Relay) Close() error {
	return r.publisher.Close()
}
