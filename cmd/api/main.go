package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/jwalitptl/palliative-api/internal/bootstrap"
	"github.com/jwalitptl/palliative-api/internal/config"
	appointmentHandler "github.com/jwalitptl/palliative-api/internal/handler/appointment"
	auditHandler "github.com/jwalitptl/palliative-api/internal/handler/audit"
	"github.com/jwalitptl/palliative-api/internal/handler/health"
	occupancyHandler "github.com/jwalitptl/palliative-api/internal/handler/occupancy"
	resourceHandler "github.com/jwalitptl/palliative-api/internal/handler/resource"
	"github.com/jwalitptl/palliative-api/internal/middleware"
	"github.com/jwalitptl/palliative-api/internal/repository/postgres"
	"github.com/jwalitptl/palliative-api/internal/router"
	appointmentService "github.com/jwalitptl/palliative-api/internal/service/appointment"
	auditService "github.com/jwalitptl/palliative-api/internal/service/audit"
	eventService "github.com/jwalitptl/palliative-api/internal/service/event"
	occupancyService "github.com/jwalitptl/palliative-api/internal/service/occupancy"
	resourceService "github.com/jwalitptl/palliative-api/internal/service/resource"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "palliative-api",
		Short:        "Bed occupancy and visit scheduling API",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			relay, _ := cmd.Flags().GetBool("relay")
			return runServer(relay)
		},
	}
	cmd.Flags().Bool("relay", false, "Also run the outbox relay in this process")
	return cmd
}

func runServer(withRelay bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log := bootstrap.NewLogger(cfg.Log)

	loc, err := cfg.Scheduling.Location()
	if err != nil {
		return err
	}
	m, registry, err := bootstrap.NewMetrics(cfg.Metrics)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := bootstrap.OpenBackend(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer backend.Close()

	// Initialize services
	auditor := auditService.NewService(backend.Audit)
	events := eventService.NewEventService(backend.Outbox)
	resourceSvc := resourceService.NewService(backend.Tx, backend.Resources, backend.Assignments, auditor, events,
		log.WithFields(map[string]interface{}{"engine": "resource"}))
	occupancySvc := occupancyService.NewService(backend.Tx, backend.Resources, backend.Assignments, backend.Appointments, auditor, events,
		occupancyService.WithLogger(log.WithFields(map[string]interface{}{"engine": "occupancy"})),
		occupancyService.WithMetrics(m))
	appointmentSvc := appointmentService.NewService(backend.Tx, backend.Appointments, auditor, events,
		appointmentService.WithLogger(log.WithFields(map[string]interface{}{"engine": "appointment"})),
		appointmentService.WithMetrics(m),
		appointmentService.WithLocation(loc))

	var auth *middleware.AuthMiddleware
	if cfg.Auth.Enabled {
		auth = middleware.NewAuthMiddleware(middleware.AuthConfig{Secret: cfg.Auth.Secret, Issuer: cfg.Auth.Issuer})
	}

	var healthHandler *health.Handler
	if backend.DB != nil {
		healthHandler = health.NewHandler(backend.DB)
	} else {
		healthHandler = health.NewHandler(nil)
	}

	routerConfig := router.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		MetricsPath:    cfg.Metrics.Path,
	}
	if cfg.RateLimit.Enabled {
		routerConfig.RateLimit = middleware.RateLimiterConfig{
			RPS:   cfg.RateLimit.RPS,
			Burst: cfg.RateLimit.Burst,
			TTL:   cfg.RateLimit.TTL,
		}
	}
	if registry != nil {
		routerConfig.Gatherer = registry
	}

	gin.SetMode(gin.ReleaseMode)
	r := router.NewRouter(log, m, auth, healthHandler, []router.Handler{
		resourceHandler.NewHandler(resourceSvc),
		occupancyHandler.NewHandler(occupancySvc),
		appointmentHandler.NewHandler(appointmentSvc),
		auditHandler.NewHandler(auditor),
	}, routerConfig)

	if withRelay {
		relay, err := bootstrap.NewRelay(ctx, cfg, backend, log, m)
		if err != nil {
			return err
		}
		defer relay.Close()
		go relay.Processor.Start(ctx)
	}

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Setup(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", "port", cfg.Server.Port, "driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("Server exited properly")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeDB, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			n, err := migrator.Up(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migration(s)\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, closeDB, err := openMigrator(cmd.Context())
			if err != nil {
				return err
			}
			defer closeDB()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				state, appliedAt := "pending", ""
				if s.Applied {
					state = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format(time.RFC3339)
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, state, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*postgres.Migrator, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.Driver != "postgres" {
		return nil, nil, fmt.Errorf("migrations need the postgres driver, got %q", cfg.Database.Driver)
	}
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return postgres.NewMigrator(db), func() { db.Close() }, nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a staff member",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			name, _ := cmd.Flags().GetString("name")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if subject == "" {
				return errors.New("--subject is required")
			}

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return errors.New("auth.secret is not configured")
			}
			auth := middleware.NewAuthMiddleware(middleware.AuthConfig{Secret: cfg.Auth.Secret, Issuer: cfg.Auth.Issuer})
			token, err := auth.IssueToken(subject, name, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().String("subject", "", "Staff identifier recorded as audit actor")
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().Duration("ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
