package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netsentry-project/netsentry/internal/core"
	"github.com/netsentry-project/netsentry/internal/detect"
	"github.com/netsentry-project/netsentry/internal/store"
)

// EventHandler is a processed-event subscriber. Handlers are notified
// synchronously in registration order; a handler error or panic is logged
// and never aborts the pipeline.
type EventHandler func(event *core.ProcessedEvent) error

// Stats is a snapshot of the processor's performance counters.
type Stats struct {
	EventsProcessed int64         `json:"events_processed"`
	ThreatsDetected int64         `json:"threats_detected"`
	LastProcessing  time.Duration `json:"last_processing"`
	LastUpdate      time.Time     `json:"last_update"`
}

// Processor pulls raw packet/snapshot pairs from the store, deduplicates,
// scores, persists, and fans out processed events.
type Processor struct {
	logger zerolog.Logger
	store  store.Store
	scorer *detect.Scorer
	cfg    core.ProcessorConfig

	processedTTL time.Duration
	eventsCap    int
	threatsCap   int

	seen *seenCache

	mu       sync.Mutex
	handlers []EventHandler
	stats    Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates a stream processor. The scorer and store are
// required; cfg tunes the loop.
func NewProcessor(logger zerolog.Logger, cfg *core.Config, st store.Store, scorer *detect.Scorer) *Processor {
	return &Processor{
		logger:       logger.With().Str("component", "stream_processor").Logger(),
		store:        st,
		scorer:       scorer,
		cfg:          cfg.Processor,
		processedTTL: cfg.Store.ProcessedTTL(),
		eventsCap:    cfg.Store.RecentEventsCap,
		threatsCap:   cfg.Store.ThreatEventsCap,
		seen:         newSeenCache(cfg.Store.ProcessedTTL(), cfg.Processor.DedupCacheSize),
	}
}

// Subscribe registers a handler for processed events. Handlers run in
// registration order.
func (p *Processor) Subscribe(h EventHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Start launches the polling and stats-logging loops.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.store.Ping(ctx); err != nil {
		return fmt.Errorf("event store unreachable: %w", err)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	if p.cfg.StatsLogSec > 0 {
		p.wg.Add(1)
		go p.statsLoop()
	}

	p.logger.Info().
		Dur("poll_interval", p.cfg.PollInterval()).
		Int("packet_batch", p.cfg.PacketBatch).
		Msg("stream processor started")
	return nil
}

// Stop cancels the loops and waits for them to exit.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("stream processor stopped")
}

func (p *Processor) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.PollOnce(p.ctx); err != nil {
				p.logger.Warn().Err(err).Msg("poll failed, backing off")
				select {
				case <-p.ctx.Done():
					return
				case <-time.After(p.cfg.ErrorBackoff()):
				}
			}
		}
	}
}

// PollOnce reads the head of the packet and metrics lists and processes
// every unseen packet against the latest snapshot. Exported so tests and
// callers can drive the pipeline without the background loop.
func (p *Processor) PollOnce(ctx context.Context) error {
	rawPackets, err := p.store.Range(ctx, store.KeyRecentPackets, 0, p.cfg.PacketBatch-1)
	if err != nil {
		return fmt.Errorf("reading recent packets: %w", err)
	}
	rawMetrics, err := p.store.Range(ctx, store.KeyRecentMetrics, 0, p.cfg.MetricsBatch-1)
	if err != nil {
		return fmt.Errorf("reading recent metrics: %w", err)
	}
	if len(rawMetrics) == 0 {
		return nil
	}

	var latest core.SystemSnapshot
	if err := json.Unmarshal(rawMetrics[0], &latest); err != nil {
		p.logger.Debug().Err(err).Msg("discarding malformed metrics record")
		return nil
	}

	for _, raw := range rawPackets {
		var pkt core.RawPacket
		if err := json.Unmarshal(raw, &pkt); err != nil {
			p.logger.Debug().Err(err).Msg("discarding malformed packet record")
			continue
		}

		key := pkt.Key()
		if p.seen.Seen(key) {
			continue
		}
		exists, err := p.store.Exists(ctx, store.ProcessedKey(key))
		if err != nil {
			return fmt.Errorf("dedup check: %w", err)
		}
		if exists {
			p.seen.Mark(key)
			continue
		}

		if err := p.processOne(ctx, &pkt, &latest, key); err != nil {
			// Per-item boundary: one bad packet never stops the loop.
			// The key stays unmarked so the next poll retries it.
			p.logger.Error().Err(err).Str("event_id", key).Msg("failed to process event")
			continue
		}
		p.seen.Mark(key)
	}
	return nil
}

func (p *Processor) processOne(ctx context.Context, pkt *core.RawPacket, snap *core.SystemSnapshot, key string) error {
	start := time.Now()

	result := p.scorer.Score(pkt, snap)

	event := &core.ProcessedEvent{
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		EventType: "network_packet",
		Severity:  core.SeverityForResult(result),
		Threat:    result,
		Packet:    pkt,
		Metrics:   snap,
		Processed: true,
	}

	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	if err := p.store.SetWithTTL(ctx, store.ProcessedKey(key), data, p.processedTTL); err != nil {
		return fmt.Errorf("persisting event: %w", err)
	}
	if err := p.store.PushCapped(ctx, store.KeyRecentEvents, data, p.eventsCap); err != nil {
		return fmt.Errorf("pushing recent event: %w", err)
	}
	if result.IsThreat {
		if err := p.store.PushCapped(ctx, store.KeyThreatEvents, data, p.threatsCap); err != nil {
			return fmt.Errorf("pushing threat event: %w", err)
		}
	}

	elapsed := time.Since(start)
	p.mu.Lock()
	p.stats.EventsProcessed++
	if result.IsThreat {
		p.stats.ThreatsDetected++
	}
	p.stats.LastProcessing = elapsed
	p.stats.LastUpdate = time.Now()
	handlers := make([]EventHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, h := range handlers {
		p.notify(h, event)
	}

	p.logger.Debug().Str("event_id", key).Dur("elapsed", elapsed).Msg("event processed")
	return nil
}

// notify runs one handler inside its own error boundary.
func (p *Processor) notify(h EventHandler, event *core.ProcessedEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("event handler panicked")
		}
	}()
	if err := h(event); err != nil {
		p.logger.Error().Err(err).Msg("event handler failed")
	}
}

// Stats returns a copy of the performance counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// RecentEvents reads the newest processed events from the store,
// most-recent-first.
func (p *Processor) RecentEvents(ctx context.Context, limit int) ([]*core.ProcessedEvent, error) {
	return p.readEvents(ctx, store.KeyRecentEvents, limit)
}

// ThreatEvents reads the newest threat events from the store.
func (p *Processor) ThreatEvents(ctx context.Context, limit int) ([]*core.ProcessedEvent, error) {
	return p.readEvents(ctx, store.KeyThreatEvents, limit)
}

func (p *Processor) readEvents(ctx context.Context, key string, limit int) ([]*core.ProcessedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.store.Range(ctx, key, 0, limit-1)
	if err != nil {
		return nil, err
	}
	events := make([]*core.ProcessedEvent, 0, len(rows))
	for _, row := range rows {
		event, err := core.UnmarshalProcessedEvent(row)
		if err != nil {
			p.logger.Debug().Err(err).Msg("skipping malformed stored event")
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

func (p *Processor) statsLoop() {
	defer p.wg.Done()

	interval := time.Duration(p.cfg.StatsLogSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			stats := p.Stats()
			if stats.EventsProcessed == 0 {
				continue
			}
			rate := float64(stats.ThreatsDetected) / float64(stats.EventsProcessed)
			p.logger.Info().
				Int64("events_processed", stats.EventsProcessed).
				Int64("threats_detected", stats.ThreatsDetected).
				Float64("threat_rate", rate).
				Dur("last_processing", stats.LastProcessing).
				Msg("processing throughput")
		}
	}
}
