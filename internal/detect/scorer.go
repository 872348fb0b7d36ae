package detect

import (
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/netsentry-project/netsentry/internal/core"
)

// backdoorPorts are destination ports strongly associated with remote
// access trojans and reverse shells.
var backdoorPorts = map[int]struct{}{
	1337:  {},
	4444:  {},
	5554:  {},
	6667:  {},
	9001:  {},
	12345: {},
	31337: {},
}

// Model is a trained scoring model. Predict returns a threat probability in
// [0, 1] for a vector in declared feature order. Trained reports whether
// the model carries usable state; an untrained model is skipped entirely.
type Model interface {
	Predict(features []float64) (float64, error)
	Trained() bool
}

// Scorer combines an anomaly baseline, a deterministic heuristic
// classifier, and an optional trained secondary model into a single
// ThreatResult. It functions fully with zero trained state — the heuristic
// path is the default.
type Scorer struct {
	logger           zerolog.Logger
	baseline         *Baseline
	secondary        Model
	threatThreshold  float64
	anomalyThreshold float64
	secondaryWeight  float64
}

// NewScorer creates a scorer from detector configuration.
func NewScorer(logger zerolog.Logger, cfg core.DetectorConfig) *Scorer {
	return &Scorer{
		logger:           logger.With().Str("component", "scorer").Logger(),
		baseline:         NewBaseline(),
		threatThreshold:  cfg.ThreatThreshold,
		anomalyThreshold: cfg.AnomalyThreshold,
		secondaryWeight:  cfg.SecondaryWeight,
	}
}

// SetSecondary installs a trained secondary model. Its probability is
// blended into the final score at the configured weight.
func (s *Scorer) SetSecondary(m Model) {
	s.secondary = m
}

// Score runs the full detection path for one packet/snapshot pair.
func (s *Scorer) Score(pkt *core.RawPacket, snap *core.SystemSnapshot) *core.ThreatResult {
	vec := Extract(pkt, snap)

	anomalyScore := s.baseline.Score(vec)
	s.baseline.Observe(vec)
	anomalous := anomalyScore < s.anomalyThreshold

	score := s.heuristicScore(vec)

	if s.secondary != nil && s.secondary.Trained() {
		if p, err := s.secondary.Predict(vec.Values()); err != nil {
			s.logger.Warn().Err(err).Msg("secondary model prediction failed, using heuristic score")
		} else {
			w := s.secondaryWeight
			score = (1-w)*score + w*clamp01(p)
		}
	}
	score = clamp01(score)

	threatType := core.ClassifyScore(score)
	confidence := math.Min(math.Abs(score-0.5)*2, 1.0)

	return &core.ThreatResult{
		IsThreat:    score > s.threatThreshold,
		Score:       score,
		Type:        threatType,
		Confidence:  confidence,
		Features:    vec.Map(),
		Explanation: explain(vec, threatType, anomalous),
	}
}

// heuristicScore is the untrained classification path: a pure, reproducible
// weighted sum of indicator flags, clamped to [0, 1].
func (s *Scorer) heuristicScore(v FeatureVector) float64 {
	var score float64

	if _, ok := backdoorPorts[int(v.Get("dst_port"))]; ok {
		score += 0.8
	}
	if v.Get("is_high_port") > 0 && v.Get("packet_size") > 1000 {
		score += 0.3
	}
	if v.Get("cpu_percent") > 80 {
		score += 0.2
	}
	if v.Get("memory_percent") > 90 {
		score += 0.2
	}
	if v.Get("active_connections") > 100 {
		score += 0.3
	}

	return clamp01(score)
}

// explain assembles the human-readable indicator summary for a result.
func explain(v FeatureVector, threatType core.ThreatType, anomalous bool) string {
	var indicators []string

	if v.Get("cpu_percent") > 80 {
		indicators = append(indicators, "High CPU usage detected")
	}
	if v.Get("memory_percent") > 90 {
		indicators = append(indicators, "High memory usage detected")
	}
	if v.Get("active_connections") > 100 {
		indicators = append(indicators, "Unusual number of active connections")
	}
	if v.Get("packet_size") > 1000 {
		indicators = append(indicators, "Large packet size detected")
	}
	if _, ok := backdoorPorts[int(v.Get("dst_port"))]; ok {
		indicators = append(indicators, "Destination port associated with known backdoors")
	}
	if anomalous {
		indicators = append(indicators, "Traffic deviates from observed baseline")
	}

	if len(indicators) == 0 {
		indicators = append(indicators, "No specific indicators detected")
	}

	return "Threat type: " + threatType.String() + ". " + strings.Join(indicators, ". ")
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
