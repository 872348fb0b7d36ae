package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netsentry-project/netsentry/internal/core"
	"github.com/netsentry-project/netsentry/internal/store"
)

// Snapshot is the aggregate statistics record written to the store for
// cheap consumer reads.
type Snapshot struct {
	Timestamp      float64        `json:"timestamp"`
	ThreatTypes    map[string]int `json:"threat_types"`
	SeverityCounts map[string]int `json:"severity_counts"`
	TotalThreats   int            `json:"total_threats"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
		ThreatTypes: make(map[string]int),
		SeverityCounts: map[string]int{
			core.SeverityLow.String():      0,
			core.SeverityMedium.String():   0,
			core.SeverityHigh.String():     0,
			core.SeverityCritical.String(): 0,
		},
	}
}

// Aggregator periodically recomputes rolling threat statistics from the
// store's threat-event window.
type Aggregator struct {
	logger   zerolog.Logger
	store    store.Store
	interval time.Duration
	window   int
	ttl      time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator creates an aggregator over the given store.
func NewAggregator(logger zerolog.Logger, cfg *core.Config, st store.Store) *Aggregator {
	return &Aggregator{
		logger:   logger.With().Str("component", "aggregator").Logger(),
		store:    st,
		interval: cfg.Aggregator.Interval(),
		window:   cfg.Aggregator.Window,
		ttl:      cfg.Store.StatsTTL(),
	}
}

// Start launches the aggregation loop.
func (a *Aggregator) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.run()
	a.logger.Info().Dur("interval", a.interval).Int("window", a.window).Msg("aggregator started")
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (a *Aggregator) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info().Msg("aggregator stopped")
}

func (a *Aggregator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.RunOnce(a.ctx); err != nil {
				a.logger.Warn().Err(err).Msg("aggregation failed")
			}
		}
	}
}

// RunOnce recomputes the aggregate snapshot from the most recent threat
// events and writes it back with a TTL. An empty or missing window writes
// an all-zero snapshot.
func (a *Aggregator) RunOnce(ctx context.Context) error {
	rows, err := a.store.Range(ctx, store.KeyThreatEvents, 0, a.window-1)
	if err != nil {
		return fmt.Errorf("reading threat events: %w", err)
	}

	snap := emptySnapshot()
	for _, row := range rows {
		event, err := core.UnmarshalProcessedEvent(row)
		if err != nil {
			a.logger.Debug().Err(err).Msg("skipping malformed threat event")
			continue
		}
		if event.Threat != nil {
			snap.ThreatTypes[event.Threat.Type.String()]++
		}
		snap.SeverityCounts[event.Severity.String()]++
		snap.TotalThreats++
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := a.store.SetWithTTL(ctx, store.KeyThreatStats, data, a.ttl); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	a.logger.Debug().Int("total_threats", snap.TotalThreats).Msg("aggregate snapshot written")
	return nil
}

// Stats reads the current aggregate snapshot from the store. Returns an
// all-zero snapshot when none has been written yet.
func (a *Aggregator) Stats(ctx context.Context) (*Snapshot, error) {
	data, err := a.store.Get(ctx, store.KeyThreatStats)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return emptySnapshot(), nil
		}
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot: %w", err)
	}
	return &snap, nil
}
