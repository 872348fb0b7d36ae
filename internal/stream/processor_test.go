package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/netsentry-project/netsentry/internal/core"
	"github.com/netsentry-project/netsentry/internal/detect"
	"github.com/netsentry-project/netsentry/internal/store"
)

func newTestProcessor(t *testing.T) (*Processor, *store.Memory) {
	t.Helper()
	cfg := core.DefaultConfig()
	st := store.NewMemory()
	scorer := detect.NewScorer(zerolog.Nop(), cfg.Detector)
	return NewProcessor(zerolog.Nop(), cfg, st, scorer), st
}

func pushPacket(t *testing.T, st *store.Memory, pkt *core.RawPacket) {
	t.Helper()
	data, err := json.Marshal(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Push(context.Background(), store.KeyRecentPackets, data); err != nil {
		t.Fatal(err)
	}
}

func pushSnapshot(t *testing.T, st *store.Memory, snap *core.SystemSnapshot) {
	t.Helper()
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Push(context.Background(), store.KeyRecentMetrics, data); err != nil {
		t.Fatal(err)
	}
}

// ─── polling ──────────────────────────────────────────────────────────────────

func TestPollOnce_ProcessesPacket(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	pkt := &core.RawPacket{Timestamp: 1000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", DstPort: 443, Protocol: "tcp", PacketSize: 512}
	pushPacket(t, st, pkt)
	pushSnapshot(t, st, &core.SystemSnapshot{CPUPercent: 20})

	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	exists, err := st.Exists(ctx, store.ProcessedKey(pkt.Key()))
	if err != nil || !exists {
		t.Errorf("processed record missing: exists=%v err=%v", exists, err)
	}

	events, err := p.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("recent events = %d, want 1", len(events))
	}
	if events[0].EventType != "network_packet" || !events[0].Processed {
		t.Errorf("event = %+v", events[0])
	}
	if got := p.Stats().EventsProcessed; got != 1 {
		t.Errorf("events processed = %d, want 1", got)
	}
}

func TestPollOnce_NoMetricsNoWork(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	pushPacket(t, st, &core.RawPacket{Timestamp: 1, SrcIP: "a", DstIP: "b"})

	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := p.Stats().EventsProcessed; got != 0 {
		t.Errorf("events processed = %d, want 0 without a snapshot", got)
	}
}

func TestPollOnce_Idempotent(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	pkt := &core.RawPacket{Timestamp: 2000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", DstPort: 443, Protocol: "tcp", PacketSize: 256}
	pushPacket(t, st, pkt)
	pushSnapshot(t, st, &core.SystemSnapshot{})

	for i := 0; i < 5; i++ {
		if err := p.PollOnce(ctx); err != nil {
			t.Fatalf("PollOnce #%d: %v", i, err)
		}
	}

	if got := p.Stats().EventsProcessed; got != 1 {
		t.Errorf("events processed = %d, want exactly 1 across repeated polls", got)
	}
	events, _ := p.RecentEvents(ctx, 100)
	if len(events) != 1 {
		t.Errorf("recent events = %d, want 1", len(events))
	}
}

func TestPollOnce_DedupSurvivesCacheMiss(t *testing.T) {
	// Even with a cold in-process cache, the store's processed record is
	// authoritative.
	cfg := core.DefaultConfig()
	st := store.NewMemory()
	scorer := detect.NewScorer(zerolog.Nop(), cfg.Detector)
	ctx := context.Background()

	pkt := &core.RawPacket{Timestamp: 3000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Protocol: "tcp"}
	pushPacket(t, st, pkt)
	pushSnapshot(t, st, &core.SystemSnapshot{})

	first := NewProcessor(zerolog.Nop(), cfg, st, scorer)
	if err := first.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	second := NewProcessor(zerolog.Nop(), cfg, st, scorer)
	if err := second.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := second.Stats().EventsProcessed; got != 0 {
		t.Errorf("second processor reprocessed %d events, want 0", got)
	}
}

func TestPollOnce_MalformedPacketSkipped(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	st.Push(ctx, store.KeyRecentPackets, []byte("{broken"))
	pushPacket(t, st, &core.RawPacket{Timestamp: 4000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Protocol: "tcp"})
	pushSnapshot(t, st, &core.SystemSnapshot{})

	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := p.Stats().EventsProcessed; got != 1 {
		t.Errorf("events processed = %d, want 1 (malformed record skipped)", got)
	}
}

// ─── threat routing ───────────────────────────────────────────────────────────

func TestPollOnce_ThreatGoesToThreatList(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	pushPacket(t, st, &core.RawPacket{Timestamp: 5000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", DstPort: 4444, Protocol: "tcp", PacketSize: 2000})
	pushSnapshot(t, st, &core.SystemSnapshot{})

	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	threats, err := p.ThreatEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ThreatEvents: %v", err)
	}
	if len(threats) != 1 {
		t.Fatalf("threat events = %d, want 1", len(threats))
	}
	if threats[0].Threat == nil || !threats[0].Threat.IsThreat {
		t.Errorf("threat event = %+v", threats[0].Threat)
	}
	if got := p.Stats().ThreatsDetected; got != 1 {
		t.Errorf("threats detected = %d, want 1", got)
	}
}

func TestPollOnce_BenignStaysOffThreatList(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	pushPacket(t, st, &core.RawPacket{Timestamp: 6000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", DstPort: 443, Protocol: "tcp", PacketSize: 128})
	pushSnapshot(t, st, &core.SystemSnapshot{})

	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	threats, _ := p.ThreatEvents(ctx, 10)
	if len(threats) != 0 {
		t.Errorf("threat events = %d, want 0", len(threats))
	}
}

// ─── subscribers ──────────────────────────────────────────────────────────────

func TestSubscribers_OrderedAndIsolated(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	var order []string
	p.Subscribe(func(e *core.ProcessedEvent) error {
		order = append(order, "first")
		return nil
	})
	p.Subscribe(func(e *core.ProcessedEvent) error {
		order = append(order, "second")
		return errors.New("handler failure")
	})
	p.Subscribe(func(e *core.ProcessedEvent) error {
		order = append(order, "third")
		panic("handler panic")
	})
	p.Subscribe(func(e *core.ProcessedEvent) error {
		order = append(order, "fourth")
		return nil
	})

	pushPacket(t, st, &core.RawPacket{Timestamp: 7000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Protocol: "tcp"})
	pushSnapshot(t, st, &core.SystemSnapshot{})

	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	want := []string{"first", "second", "third", "fourth"}
	if len(order) != len(want) {
		t.Fatalf("handlers ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("handlers ran %v, want %v", order, want)
		}
	}
}

func TestSubscriberErrorDoesNotAbortPersistence(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	p.Subscribe(func(e *core.ProcessedEvent) error {
		return errors.New("always fails")
	})

	pkt := &core.RawPacket{Timestamp: 8000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Protocol: "tcp"}
	pushPacket(t, st, pkt)
	pushSnapshot(t, st, &core.SystemSnapshot{})

	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	exists, _ := st.Exists(ctx, store.ProcessedKey(pkt.Key()))
	if !exists {
		t.Error("event not persisted despite subscriber error")
	}
	if got := p.Stats().EventsProcessed; got != 1 {
		t.Errorf("events processed = %d, want 1", got)
	}
}

// ─── transient store errors ───────────────────────────────────────────────────

// flakyStore fails the given operations a fixed number of times before
// recovering.
type flakyStore struct {
	store.Store
	setFailures    int
	existsFailures int
}

func (f *flakyStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.setFailures > 0 {
		f.setFailures--
		return errors.New("store unavailable")
	}
	return f.Store.SetWithTTL(ctx, key, value, ttl)
}

func (f *flakyStore) Exists(ctx context.Context, key string) (bool, error) {
	if f.existsFailures > 0 {
		f.existsFailures--
		return false, errors.New("store unavailable")
	}
	return f.Store.Exists(ctx, key)
}

func TestPollOnce_RetriesAfterTransientWriteError(t *testing.T) {
	cfg := core.DefaultConfig()
	mem := store.NewMemory()
	st := &flakyStore{Store: mem, setFailures: 1}
	scorer := detect.NewScorer(zerolog.Nop(), cfg.Detector)
	p := NewProcessor(zerolog.Nop(), cfg, st, scorer)
	ctx := context.Background()

	pkt := &core.RawPacket{Timestamp: 9000, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", DstPort: 443, Protocol: "tcp", PacketSize: 512}
	pushPacket(t, mem, pkt)
	pushSnapshot(t, mem, &core.SystemSnapshot{})

	// First poll hits the outage; the per-item boundary logs and moves on
	// without remembering the key as processed.
	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := p.Stats().EventsProcessed; got != 0 {
		t.Fatalf("events processed = %d during outage, want 0", got)
	}

	// Once the store recovers, later polls must pick the packet up again.
	for i := 0; i < 5; i++ {
		if err := p.PollOnce(ctx); err != nil {
			t.Fatalf("PollOnce after recovery: %v", err)
		}
	}
	exists, err := mem.Exists(ctx, store.ProcessedKey(pkt.Key()))
	if err != nil || !exists {
		t.Errorf("event never persisted after recovery: exists=%v err=%v", exists, err)
	}
	if got := p.Stats().EventsProcessed; got != 1 {
		t.Errorf("events processed = %d, want exactly 1", got)
	}
}

func TestPollOnce_DedupCheckErrorIsRetried(t *testing.T) {
	cfg := core.DefaultConfig()
	mem := store.NewMemory()
	st := &flakyStore{Store: mem, existsFailures: 1}
	scorer := detect.NewScorer(zerolog.Nop(), cfg.Detector)
	p := NewProcessor(zerolog.Nop(), cfg, st, scorer)
	ctx := context.Background()

	pkt := &core.RawPacket{Timestamp: 9500, SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Protocol: "tcp"}
	pushPacket(t, mem, pkt)
	pushSnapshot(t, mem, &core.SystemSnapshot{})

	if err := p.PollOnce(ctx); err == nil {
		t.Fatal("PollOnce succeeded despite failing dedup check")
	}

	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce after recovery: %v", err)
	}
	exists, _ := mem.Exists(ctx, store.ProcessedKey(pkt.Key()))
	if !exists {
		t.Error("event never persisted after dedup check recovered")
	}
}

// ─── caps ─────────────────────────────────────────────────────────────────────

func TestRecentEventsCap(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Store.RecentEventsCap = 8
	cfg.Processor.PacketBatch = 100
	st := store.NewMemory()
	scorer := detect.NewScorer(zerolog.Nop(), cfg.Detector)
	p := NewProcessor(zerolog.Nop(), cfg, st, scorer)
	ctx := context.Background()

	pushSnapshot(t, st, &core.SystemSnapshot{})
	for i := 0; i < 20; i++ {
		pushPacket(t, st, &core.RawPacket{
			Timestamp: float64(i),
			SrcIP:     fmt.Sprintf("10.0.0.%d", i),
			DstIP:     "10.0.1.1",
			Protocol:  "tcp",
		})
		if err := p.PollOnce(ctx); err != nil {
			t.Fatalf("PollOnce: %v", err)
		}
	}

	if got := p.Stats().EventsProcessed; got != 20 {
		t.Errorf("events processed = %d, want 20", got)
	}
	events, _ := p.RecentEvents(ctx, 1000)
	if len(events) != 8 {
		t.Errorf("recent events = %d, want capped at 8", len(events))
	}
}
