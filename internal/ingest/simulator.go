// Package ingest provides a synthetic telemetry producer for demo runs and
// integration-style tests. Real packet capture is an external producer; the
// simulator speaks the same store contract it would.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netsentry-project/netsentry/internal/core"
	"github.com/netsentry-project/netsentry/internal/store"
)

var (
	simSourceIPs = []string{"192.168.1.10", "192.168.1.23", "10.0.0.5", "172.16.4.2"}
	simDestIPs   = []string{"93.184.216.34", "142.250.74.46", "151.101.1.140", "198.51.100.7"}
	simDestPorts = []int{80, 443, 53, 22, 8080, 3306}
	// suspiciousPorts occasionally replace a destination port to exercise
	// the threat path end to end.
	suspiciousPorts = []int{4444, 31337, 12345}
)

// Simulator writes shaped synthetic packets and system snapshots into the
// store at a fixed rate.
type Simulator struct {
	logger     zerolog.Logger
	store      store.Store
	packetsCap int
	metricsCap int
	interval   time.Duration
	rng        *rand.Rand
	threatRate float64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimulator creates a simulator. Seed fixes the traffic shape for
// reproducible runs; threatRate is the fraction of packets given a
// suspicious destination port.
func NewSimulator(logger zerolog.Logger, cfg *core.Config, st store.Store, seed int64, threatRate float64) *Simulator {
	return &Simulator{
		logger:     logger.With().Str("component", "simulator").Logger(),
		store:      st,
		packetsCap: cfg.Store.RecentPacketsCap,
		metricsCap: cfg.Store.RecentMetricsCap,
		interval:   250 * time.Millisecond,
		rng:        rand.New(rand.NewSource(seed)),
		threatRate: threatRate,
	}
}

// Start launches the generation loop.
func (s *Simulator) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Dur("interval", s.interval).Float64("threat_rate", s.threatRate).Msg("traffic simulator started")
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (s *Simulator) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("traffic simulator stopped")
}

func (s *Simulator) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.EmitPacket(s.ctx); err != nil {
				s.logger.Warn().Err(err).Msg("failed to emit packet")
			}
			// One snapshot per ~10 packets mirrors real collector cadence.
			if tick%10 == 0 {
				if err := s.EmitSnapshot(s.ctx); err != nil {
					s.logger.Warn().Err(err).Msg("failed to emit snapshot")
				}
			}
			tick++
		}
	}
}

// EmitPacket writes one synthetic packet to the store.
func (s *Simulator) EmitPacket(ctx context.Context) error {
	pkt := s.nextPacket()
	data, err := json.Marshal(pkt)
	if err != nil {
		return fmt.Errorf("marshaling packet: %w", err)
	}
	return s.store.PushCapped(ctx, store.KeyRecentPackets, data, s.packetsCap)
}

// EmitSnapshot writes one synthetic system snapshot to the store.
func (s *Simulator) EmitSnapshot(ctx context.Context) error {
	snap := s.nextSnapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	return s.store.PushCapped(ctx, store.KeyRecentMetrics, data, s.metricsCap)
}

func (s *Simulator) nextPacket() *core.RawPacket {
	dstPort := simDestPorts[s.rng.Intn(len(simDestPorts))]
	size := 64 + s.rng.Intn(1400)
	if s.rng.Float64() < s.threatRate {
		dstPort = suspiciousPorts[s.rng.Intn(len(suspiciousPorts))]
		size = 1200 + s.rng.Intn(1800)
	}
	proto := "tcp"
	if dstPort == 53 {
		proto = "udp"
	}
	return &core.RawPacket{
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
		SrcIP:      simSourceIPs[s.rng.Intn(len(simSourceIPs))],
		DstIP:      simDestIPs[s.rng.Intn(len(simDestIPs))],
		SrcPort:    32768 + s.rng.Intn(28000),
		DstPort:    dstPort,
		Protocol:   proto,
		PacketSize: size,
	}
}

func (s *Simulator) nextSnapshot() *core.SystemSnapshot {
	return &core.SystemSnapshot{
		Timestamp:     float64(time.Now().UnixNano()) / 1e9,
		CPUPercent:    5 + s.rng.Float64()*40,
		MemoryPercent: 30 + s.rng.Float64()*35,
		DiskPercent:   40 + s.rng.Float64()*10,
		NetworkIO: core.NetworkIO{
			BytesSent:   uint64(s.rng.Intn(1 << 20)),
			BytesRecv:   uint64(s.rng.Intn(1 << 21)),
			PacketsSent: uint64(s.rng.Intn(2048)),
			PacketsRecv: uint64(s.rng.Intn(4096)),
		},
		ActiveConnections: 10 + s.rng.Intn(60),
	}
}
