// Package engine wires the pipeline components together and manages their
// lifecycle.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netsentry-project/netsentry/internal/alert"
	"github.com/netsentry-project/netsentry/internal/core"
	"github.com/netsentry-project/netsentry/internal/detect"
	"github.com/netsentry-project/netsentry/internal/ingest"
	"github.com/netsentry-project/netsentry/internal/store"
	"github.com/netsentry-project/netsentry/internal/stream"
)

// Options tune engine construction beyond the config file.
type Options struct {
	// Simulate runs the built-in traffic simulator as the producer.
	Simulate bool
	// SimulateSeed fixes the simulator's traffic shape for reproducible
	// runs. Zero picks a time-based seed.
	SimulateSeed int64
}

// Engine owns every pipeline component: store, scorer, stream processor,
// aggregator, alert manager, and the optional bus and simulator.
type Engine struct {
	Config     *core.Config
	Store      store.Store
	Bus        *core.Bus
	Scorer     *detect.Scorer
	Processor  *stream.Processor
	Aggregator *stream.Aggregator
	Alerts     *alert.Manager
	Simulator  *ingest.Simulator
	Logger     zerolog.Logger

	// InstanceID identifies this engine run in logs and bus traffic.
	InstanceID string

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an engine from configuration. Store connectivity problems are
// fatal here; everything downstream degrades and retries instead.
func New(cfg *core.Config, opts Options) (*Engine, error) {
	instanceID := uuid.NewString()
	logger := newLogger(cfg).With().Str("instance", instanceID[:8]).Logger()

	ctx, cancel := context.WithCancel(context.Background())

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	scorer := detect.NewScorer(logger, cfg.Detector)
	processor := stream.NewProcessor(logger, cfg, st, scorer)
	aggregator := stream.NewAggregator(logger, cfg, st)

	e := &Engine{
		Config:     cfg,
		Store:      st,
		Scorer:     scorer,
		Processor:  processor,
		Aggregator: aggregator,
		Logger:     logger.With().Str("component", "engine").Logger(),
		InstanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.Alerts.Enabled {
		mgr, err := alert.NewManager(logger, cfg.Alerts)
		if err != nil {
			cancel()
			st.Close()
			return nil, fmt.Errorf("building alert manager: %w", err)
		}
		e.Alerts = mgr
		processor.Subscribe(mgr.HandleEvent)
	}

	if opts.Simulate {
		seed := opts.SimulateSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		e.Simulator = ingest.NewSimulator(logger, cfg, st, seed, 0.05)
	}

	return e, nil
}

func newLogger(cfg *core.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	switch cfg.LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

func openStore(ctx context.Context, cfg *core.Config, logger zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "redis":
		st, err := store.NewRedis(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("opening redis store: %w", err)
		}
		logger.Info().Str("backend", "redis").Msg("event store ready")
		return st, nil
	case "", "memory":
		logger.Info().Str("backend", "memory").Msg("event store ready")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Start brings up all components in dependency order.
func (e *Engine) Start() error {
	e.Logger.Info().Msg("starting netsentry engine")

	if e.Config.Bus.Enabled {
		bus, err := core.NewBus(&e.Config.Bus, e.Logger)
		if err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus

		e.Processor.Subscribe(func(event *core.ProcessedEvent) error {
			return e.Bus.PublishEvent(event)
		})
		if e.Alerts != nil {
			e.Alerts.OnCreate(func(a *alert.Alert) {
				data, err := a.Marshal()
				if err != nil {
					e.Logger.Error().Err(err).Str("alert_id", a.ID).Msg("failed to marshal alert for bus")
					return
				}
				if err := e.Bus.PublishAlert(a.Severity, data); err != nil {
					e.Logger.Error().Err(err).Str("alert_id", a.ID).Msg("failed to publish alert to bus")
				}
			})
		}
	}

	if e.Alerts != nil {
		if err := e.Alerts.Start(e.ctx); err != nil {
			return fmt.Errorf("starting alert manager: %w", err)
		}
	}
	if err := e.Processor.Start(e.ctx); err != nil {
		return fmt.Errorf("starting stream processor: %w", err)
	}
	if err := e.Aggregator.Start(e.ctx); err != nil {
		return fmt.Errorf("starting aggregator: %w", err)
	}
	if e.Simulator != nil {
		if err := e.Simulator.Start(e.ctx); err != nil {
			return fmt.Errorf("starting simulator: %w", err)
		}
	}

	e.Logger.Info().Msg("netsentry engine started")
	return nil
}

// Run starts the engine and blocks until a shutdown signal arrives.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-e.ctx.Done():
		e.Logger.Info().Msg("context cancelled")
	}

	return e.Shutdown()
}

// Shutdown stops all components in reverse dependency order.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down netsentry engine")

	if e.Simulator != nil {
		e.Simulator.Stop()
	}
	e.Aggregator.Stop()
	e.Processor.Stop()
	if e.Alerts != nil {
		e.Alerts.Stop()
	}
	e.cancel()

	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			e.Logger.Error().Err(err).Msg("error closing event bus")
		}
	}
	if err := e.Store.Close(); err != nil {
		e.Logger.Error().Err(err).Msg("error closing event store")
	}

	e.Logger.Info().Msg("netsentry engine stopped")
	return nil
}

// Context returns the engine's root context.
func (e *Engine) Context() context.Context {
	return e.ctx
}
