package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nids-responder/internal/config"
	"nids-responder/internal/consumer"
	"nids-responder/internal/ingest"
	"nids-responder/internal/kafka"
	"nids-responder/internal/metrics"
	"nids-responder/internal/middleware"
	"nids-responder/internal/queue"
	"nids-responder/internal/response"
	"nids-responder/internal/schema"
	"nids-responder/internal/search"
	"nids-responder/internal/startup"
	"nids-responder/internal/storage"
)

const (
	shutdownTimeout    = 30 * time.Second
	queueGaugeInterval = 5 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var skipPreflight bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and detection ingest listeners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.logOutput = os.Stdout
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if !skipPreflight {
				diag := startup.NewDiagnostics(cfg, opts.configPath, logger)
				diag.RunAll(ctx)
				if diag.HasErrors() {
					return errors.New("startup diagnostics failed")
				}
			}

			srv, err := newServer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return srv.run(ctx)
		},
	}
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "skip startup diagnostics")
	return cmd
}

// server owns every long-running component of "responder serve".
type server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	pipeline *pipeline
	queue    *queue.RingBuffer
	intake   *ingest.Intake
	consumer *consumer.Consumer
	tcp      *ingest.TCPServer
	kafka    *kafka.Consumer

	handler http.Handler
	http    *http.Server
}

// newServer builds the pipeline, ingest path and HTTP handler. Nothing is
// started until run.
func newServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server, error) {
	m := metrics.New()
	p, err := newPipeline(ctx, cfg, logger, pipelineOptions{migrate: true, metrics: m})
	if err != nil {
		return nil, err
	}

	s := &server{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		pipeline: p,
		queue:    queue.NewRingBuffer(cfg.Queue.Size),
	}

	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})
	s.intake = ingest.NewIntake(validator, s.queue, logger).WithHooks(ingest.Hooks{
		Rejected: func(n int) { m.DetectionsRejected.Add(float64(n)) },
		Dropped:  func(n int) { m.QueueDropped.Add(float64(n)) },
	})
	if cfg.Ingest.Quarantine && p.clickhouse != nil {
		s.intake.WithQuarantine(storage.NewQuarantineWriter(p.clickhouse))
	}

	s.consumer = consumer.New(s.queue, p.appender, cfg.Consumer, logger).
		WithWriteHook(func(n int) { m.DetectionsIngested.Add(float64(n)) })

	if cfg.Ingest.TCP.Enabled {
		s.tcp = ingest.NewTCPServer(cfg.Ingest.TCP, s.intake, logger)
	}
	if cfg.Kafka.IngestEnabled {
		s.kafka, err = kafka.NewConsumer(cfg.Kafka.Ingest(), s.intake.KafkaHandler(), logger)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("kafka ingest: %w", err)
		}
	}

	s.handler = s.routes()
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// routes registers the ingest, read and response endpoints and wraps them
// in the middleware chain.
func (s *server) routes() http.Handler {
	cfg, m := s.cfg, s.metrics

	ingestHandler := ingest.NewHandler(s.intake).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)
	if s.pipeline.clickhouse != nil {
		ingestHandler.WithHealthCheck("clickhouse", s.pipeline.clickhouse.Ping)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/detections", ingestHandler.HandleDetections)
	mux.HandleFunc("GET /health", ingestHandler.HealthCheck)
	mux.Handle("GET /metrics", m.Handler())
	response.NewHandler(s.pipeline.service, s.pipeline.events, s.pipeline.audit, s.logger).RegisterRoutes(mux)
	search.NewHandler(search.NewExecutor(s.pipeline.events, s.logger), s.logger).RegisterRoutes(mux)

	chain := []middleware.Middleware{
		middleware.RequestID,
		middleware.Recovery(s.logger),
		middleware.Logging(s.logger),
		middleware.SecurityHeaders(cfg.SecurityHeaders, s.logger),
		m.Instrument,
	}
	if cfg.RateLimit.Enabled {
		rl := middleware.NewRateLimiter(cfg.RateLimit, s.logger).WithRejectHook(m.RateLimited.Inc)
		chain = append(chain, rl.Middleware)
	}
	if cfg.Auth.Enabled {
		auth := middleware.NewAuthenticator(cfg.Auth, s.logger).WithFailureHook(m.AuthFailures.Inc)
		chain = append(chain, auth.Middleware)
	}
	return middleware.Chain(mux, chain...)
}

// run starts every listener and blocks until ctx is cancelled or the HTTP
// server fails, then shuts down.
func (s *server) run(ctx context.Context) error {
	// the consumer outlives ctx so it can drain the queue on shutdown
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	defer cancelConsumer()
	s.consumer.Start(consumerCtx)

	if s.tcp != nil {
		if err := s.tcp.Start(ctx); err != nil {
			s.shutdown()
			return fmt.Errorf("tcp ingest: %w", err)
		}
	}
	if s.kafka != nil {
		if err := s.kafka.Start(ctx); err != nil {
			s.shutdown()
			return fmt.Errorf("kafka ingest: %w", err)
		}
	}

	go s.reportQueueDepth(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.logger.Info("responder started",
		"http_port", s.cfg.Server.HTTPPort,
		"eventstore", s.cfg.EventStore.Backend,
		"hard_blocks", s.cfg.HardBlocks.Backend,
		"tcp_ingest", s.tcp != nil,
		"kafka_ingest", s.kafka != nil,
		"auth_enabled", s.cfg.Auth.Enabled,
	)

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	}

	s.shutdown()
	return runErr
}

// shutdown stops intake first, then drains the queue into the store, then
// closes the pipeline.
func (s *server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("http server shutdown error", "error", err)
	}
	if s.tcp != nil {
		s.tcp.Stop()
	}
	if s.kafka != nil {
		if err := s.kafka.Stop(); err != nil {
			s.logger.Error("kafka consumer shutdown error", "error", err)
		}
	}

	s.queue.Close()
	s.consumer.Stop()

	if err := s.pipeline.Close(); err != nil {
		s.logger.Error("pipeline shutdown error", "error", err)
	}

	cm := s.consumer.Metrics()
	s.logger.Info("shutdown complete",
		"detections_stored", cm.Consumed,
		"queue_remaining", s.queue.Len(),
	)
}

func (s *server) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(queueGaugeInterval)
	defer ticker.Stop()
	for {
		s.metrics.QueueDepth.Set(float64(s.queue.Len()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
