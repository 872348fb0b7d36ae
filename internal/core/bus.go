package core

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Bus subjects. Processed events and alerts are mirrored here for external
// consumers (dashboard, API); no core behavior depends on these streams.
const (
	SubjectEvents       = "sentry.events.processed"
	SubjectAlertsPrefix = "sentry.alerts."
)

// Bus wraps NATS JetStream publishing. If configured as embedded it also
// runs an in-process NATS server.
type Bus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	ns     *server.Server
	logger zerolog.Logger

	mu      sync.Mutex
	metrics BusMetrics
}

// BusMetrics tracks bus publish counters.
type BusMetrics struct {
	EventsPublished int64 `json:"events_published"`
	EventsFailed    int64 `json:"events_failed"`
	AlertsPublished int64 `json:"alerts_published"`
}

// NewBus connects to NATS (starting an embedded server first when
// configured) and ensures the event and alert streams exist.
func NewBus(cfg *BusConfig, logger zerolog.Logger) (*Bus, error) {
	bus := &Bus{
		logger: logger.With().Str("component", "bus").Logger(),
	}

	if cfg.Embedded {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating NATS data dir: %w", err)
		}
		opts := &server.Options{
			Host:      "127.0.0.1",
			Port:      cfg.Port,
			JetStream: true,
			StoreDir:  cfg.DataDir,
			NoLog:     true,
			NoSigs:    true,
		}
		ns, err := server.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("creating embedded NATS server: %w", err)
		}
		ns.Start()
		if !ns.ReadyForConnections(10 * time.Second) {
			return nil, fmt.Errorf("embedded NATS server failed to start within timeout")
		}
		bus.ns = ns
		bus.logger.Info().Int("port", cfg.Port).Msg("embedded NATS server started")
	}

	url := cfg.URL
	if cfg.Embedded {
		url = fmt.Sprintf("nats://127.0.0.1:%d", cfg.Port)
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				bus.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			bus.logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	bus.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	bus.js = js

	streams := []*nats.StreamConfig{
		{
			Name:      "SENTRY_EVENTS",
			Subjects:  []string{"sentry.events.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 7,
			MaxBytes:  1024 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
		{
			Name:      "SENTRY_ALERTS",
			Subjects:  []string{"sentry.alerts.>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour * 30,
			MaxBytes:  512 * 1024 * 1024,
			Storage:   nats.FileStorage,
			Discard:   nats.DiscardOld,
		},
	}
	for _, sc := range streams {
		if _, err := js.AddStream(sc); err != nil {
			// Stream may exist with a different config from a previous
			// version, try an update.
			if _, updateErr := js.UpdateStream(sc); updateErr != nil {
				return nil, fmt.Errorf("creating/updating stream %s: %w (original: %v)", sc.Name, updateErr, err)
			}
		}
	}

	bus.logger.Info().Str("url", url).Msg("connected to NATS JetStream")
	return bus, nil
}

// PublishEvent mirrors a processed event to the event stream.
func (b *Bus) PublishEvent(event *ProcessedEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if _, err := b.js.Publish(SubjectEvents, data); err != nil {
		b.mu.Lock()
		b.metrics.EventsFailed++
		b.mu.Unlock()
		return fmt.Errorf("publishing event: %w", err)
	}
	b.mu.Lock()
	b.metrics.EventsPublished++
	b.mu.Unlock()
	return nil
}

// PublishAlert mirrors an alert, pre-serialized, to the alert stream under
// a severity-suffixed subject.
func (b *Bus) PublishAlert(severity Severity, data []byte) error {
	subject := SubjectAlertsPrefix + severity.String()
	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing alert to %s: %w", subject, err)
	}
	b.mu.Lock()
	b.metrics.AlertsPublished++
	b.mu.Unlock()
	return nil
}

// Metrics returns a snapshot of publish counters.
func (b *Bus) Metrics() BusMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}

// IsConnected reports whether the NATS connection is active.
func (b *Bus) IsConnected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close shuts down the connection and, if embedded, the server.
func (b *Bus) Close() error {
	if b.nc != nil {
		b.nc.Close()
	}
	if b.ns != nil {
		b.ns.Shutdown()
		b.ns.WaitForShutdown()
		b.logger.Info().Msg("embedded NATS server stopped")
	}
	return nil
}
