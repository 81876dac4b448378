package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-itsm-approvals/internal/client"
	"github.com/pesio-ai/be-itsm-approvals/internal/config"
	"github.com/pesio-ai/be-itsm-approvals/internal/database"
	"github.com/pesio-ai/be-itsm-approvals/internal/handler"
	"github.com/pesio-ai/be-itsm-approvals/internal/logger"
	"github.com/pesio-ai/be-itsm-approvals/internal/repository"
	"github.com/pesio-ai/be-itsm-approvals/internal/service"
	"github.com/pesio-ai/be-itsm-approvals/internal/tracing"
)

func main() {
	configPath := flag.String("config", os.Getenv("ITSM_CONFIG_FILE"), "path to an optional YAML config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting ITSM Approvals Service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, cfg.Service.Name, cfg.Service.Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}
	if cfg.Tracing.Enabled {
		log.Info().
			Str("endpoint", cfg.Tracing.Endpoint).
			Float64("sample_ratio", cfg.Tracing.SampleRatio).
			Msg("Tracing enabled")
	}

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply approval schema")
		}
		log.Info().Msg("Approval schema applied")
	}

	// Initialize repositories
	subjects, err := repository.NewSubjectRepository(db, subjectTables(cfg.Workflow.Subjects))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid subject table mapping")
	}
	rulesRepo := repository.NewApprovalRulesRepository(db)
	delegationRepo := repository.NewDelegationRepository(db)
	directoryRepo := repository.NewGroupDirectoryRepository(db, cfg.Workflow.AdminGroup)
	ledger := repository.NewApprovalStore(db, subjects)

	// Connect to NATS
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.ClientName),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
	}
	defer nc.Close()
	log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS connection established")

	var notifier service.Notifier = service.NopNotifier{}
	if cfg.NATS.NotificationsEnable {
		notifier = client.NewNotificationPublisher(nc, cfg.NATS.NotificationPrefix, log.Component("notifications").Logger)
	}

	// Initialize services
	engine := service.NewApprovalEngine(rulesRepo, ledger, delegationRepo, directoryRepo, notifier, log,
		service.WithTxTimeout(cfg.Workflow.TxTimeout),
	)

	admin := service.NewAdminService(rulesRepo, delegationRepo, directoryRepo, directoryRepo, log)

	natsHandler := handler.NewNATSHandler(engine, admin, cfg.NATS.CommandPrefix, cfg.NATS.QueueGroup, 2*cfg.Workflow.TxTimeout, log.Logger)
	if _, err := natsHandler.Subscribe(nc); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe NATS command handler")
	}

	// Ops HTTP server: health and metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		dbErr := db.Ping(r.Context())
		status, code := "healthy", http.StatusOK
		if dbErr != nil || !nc.IsConnected() {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":   status,
			"database": dbErr == nil,
			"nats":     nc.Status().String(),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC server: health and reflection
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	healthServer.SetServingStatus(cfg.Service.Name, healthpb.HealthCheckResponse_SERVING)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		healthServer.SetServingStatus(cfg.Service.Name, healthpb.HealthCheckResponse_NOT_SERVING)
		if err := nc.Drain(); err != nil {
			log.Error().Err(err).Msg("NATS drain failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(cfg.Server.ShutdownTimeout):
			grpcServer.Stop()
		}

		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Tracer provider shutdown failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("Server stopped")
}

// subjectTables maps the configured subject tables onto the repository's
// column layout.
func subjectTables(cfgs []config.SubjectTableConfig) []repository.SubjectTable {
	tables := make([]repository.SubjectTable, 0, len(cfgs))
	for _, c := range cfgs {
		tables = append(tables, repository.SubjectTable{
			Kind:             repository.SubjectKind(c.Kind),
			Table:            c.Table,
			IDColumn:         c.IDColumn,
			StatusColumn:     c.StatusColumn,
			AmountColumn:     c.AmountColumn,
			DepartmentColumn: c.DepartmentColumn,
			ProjectColumn:    c.ProjectColumn,
			TemplateColumn:   c.TemplateColumn,
			CategoryColumn:   c.CategoryColumn,
			CreatedByColumn:  c.CreatedByColumn,
			ReferenceColumn:  c.ReferenceColumn,
		})
	}
	return tables
}
