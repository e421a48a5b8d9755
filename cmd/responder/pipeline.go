package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"nids-responder/internal/alerting"
	"nids-responder/internal/audit"
	"nids-responder/internal/confidence"
	"nids-responder/internal/config"
	"nids-responder/internal/correlation"
	"nids-responder/internal/decision"
	"nids-responder/internal/encryption"
	"nids-responder/internal/enforcement"
	"nids-responder/internal/eventstore"
	"nids-responder/internal/kafka"
	"nids-responder/internal/metrics"
	"nids-responder/internal/response"
	"nids-responder/internal/risk"
	"nids-responder/internal/secrets"
	"nids-responder/internal/storage"
	"nids-responder/internal/storage/s3"
)

// pipelineOptions selects what a command needs from the pipeline.
type pipelineOptions struct {
	// migrate runs ClickHouse migrations and TTLs before use
	migrate bool
	metrics *metrics.Metrics
}

// pipeline holds every stage of the response pipeline, built from one
// configuration.
type pipeline struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	events     eventstore.Store
	appender   eventstore.Appender
	clickhouse *storage.ClickHouseClient
	correlator *correlation.Correlator
	engine     *decision.Engine
	dispatcher *enforcement.Dispatcher
	audit      *audit.Writer
	service    *response.Service

	closers []func() error
}

// newPipeline builds the pipeline. On error everything opened so far is
// closed.
func newPipeline(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts pipelineOptions) (*pipeline, error) {
	p := &pipeline{cfg: cfg, logger: logger, metrics: opts.metrics}
	built := false
	defer func() {
		if !built {
			p.Close()
		}
	}()

	resolver := secrets.NewResolver(cfg.Secrets, logger)
	if err := resolver.ResolveAll(ctx, cfg.SecretFields()...); err != nil {
		return nil, err
	}

	if err := p.openEventStore(ctx, opts.migrate); err != nil {
		return nil, err
	}

	blocks, err := p.openHardBlocks()
	if err != nil {
		return nil, err
	}
	policy, err := decision.NewPolicy(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	p.engine = decision.NewEngine(blocks, policy, cfg.Decision, logger)

	notifier, err := p.openNotifiers()
	if err != nil {
		return nil, err
	}
	p.dispatcher = enforcement.NewDispatcher(cfg.Enforcement, notifier, logger)
	p.closers = append(p.closers, p.dispatcher.Close)

	var archiver audit.Archiver
	if cfg.S3.Enabled {
		client, err := s3.NewClient(ctx, &cfg.S3, logger)
		if err != nil {
			return nil, fmt.Errorf("s3 archiver: %w", err)
		}
		if cfg.Archive.Enabled {
			sealer, err := encryption.NewSealer(cfg.Archive, logger)
			if err != nil {
				return nil, fmt.Errorf("archive encryption: %w", err)
			}
			client.WithSealer(sealer)
		}
		archiver = client
	}
	p.audit, err = audit.NewWriter(cfg.Audit, archiver, logger)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, p.audit.Close)

	p.correlator = correlation.NewCorrelator(p.events, logger).WithQueryTimeout(cfg.EventStore.QueryTimeout)
	scorer := risk.NewScorer(confidence.NewEstimator(), cfg.Risk)

	if m := opts.metrics; m != nil {
		p.correlator.WithDropHook(func(n int) { m.MalformedEvents.Add(float64(n)) })
		p.engine.WithHardBlockHook(func(decision.HardBlockRecord) { m.HardBlocksAdded.Inc() })
		p.dispatcher.WithNotifyErrorHook(func(error) { m.NotifyErrors.Inc() })
	}

	p.service = response.NewService(p.correlator, scorer, p.engine, p.dispatcher, p.audit, opts.metrics, cfg.Response, logger)
	built = true
	return p, nil
}

func (p *pipeline) openEventStore(ctx context.Context, migrate bool) error {
	cfg := p.cfg
	switch cfg.EventStore.Backend {
	case config.EventStoreClickHouse:
		client, err := storage.NewClickHouseClient(ctx, cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		p.clickhouse = client
		p.closers = append(p.closers, client.Close)

		if migrate {
			if err := storage.NewMigrator(client, p.logger).Run(ctx); err != nil {
				return fmt.Errorf("clickhouse migrations: %w", err)
			}
			if err := storage.NewRetentionManager(client, cfg.Retention, p.logger).ApplyTTLs(ctx); err != nil {
				p.logger.Warn("failed to apply retention TTLs", "error", err)
			}
		}

		p.events = storage.NewDetectionStore(client, cfg.EventStore.QueryTimeout, p.logger)
		writer := storage.NewBatchWriter(client, cfg.BatchWriter, p.logger)
		p.appender = writer
		// the batch writer flushes before the client closes
		p.closers = append(p.closers, writer.Close)

	case config.EventStoreMemory:
		store := eventstore.NewMemoryStore()
		p.events, p.appender = store, store

	default:
		store := eventstore.NewCSVStore(cfg.EventStore.CSVPath, p.logger)
		p.events, p.appender = store, store
	}

	p.logger.Info("event store ready", "backend", cfg.EventStore.Backend)
	return nil
}

func (p *pipeline) openHardBlocks() (decision.HardBlockStore, error) {
	cfg := p.cfg.HardBlocks
	switch cfg.Backend {
	case config.HardBlocksRedis:
		client, err := decision.NewGoRedisClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("hard blocks: %w", err)
		}
		store, err := decision.NewRedisStore(client, cfg.Redis)
		if err != nil {
			client.Close()
			return nil, err
		}
		p.closers = append(p.closers, store.Close)
		return store, nil

	case config.HardBlocksMemory:
		return decision.NewMemoryStore(), nil

	default:
		store, err := decision.OpenFileStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("hard blocks: %w", err)
		}
		return store, nil
	}
}

// openNotifiers always logs actions and adds the configured brokers.
func (p *pipeline) openNotifiers() (enforcement.Notifier, error) {
	cfg := p.cfg
	notifiers := enforcement.MultiNotifier{enforcement.NewLogNotifier(p.logger)}

	if cfg.Kafka.NotifyEnabled {
		producer, err := kafka.NewProducer(cfg.Kafka.Actions(), p.logger)
		if err != nil {
			notifiers.Close()
			return nil, fmt.Errorf("kafka notifier: %w", err)
		}
		notifiers = append(notifiers, enforcement.NewKafkaNotifier(producer))
	}

	if cfg.NATS.Enabled {
		nc, err := enforcement.ConnectNATS(cfg.NATS.NATSConfig, p.logger)
		if err != nil {
			notifiers.Close()
			return nil, fmt.Errorf("nats notifier: %w", err)
		}
		notifiers = append(notifiers, nc)
	}

	if cfg.Alerting.Enabled {
		an, err := alerting.NewNotifier(cfg.Alerting, cfg.Alerting.Channels(), p.logger)
		if err != nil {
			notifiers.Close()
			return nil, err
		}
		if m := p.metrics; m != nil {
			an.WithFailureHook(func(error) { m.NotifyErrors.Inc() })
		}
		notifiers = append(notifiers, an)
	}

	return notifiers, nil
}

// Close releases everything in reverse order of opening.
func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
