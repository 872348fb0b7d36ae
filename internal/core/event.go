package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Severity represents the severity of a processed event or alert.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, ok := ParseSeverity(str)
	if !ok {
		*s = SeverityLow
		return nil
	}
	*s = parsed
	return nil
}

// ParseSeverity converts a severity string to a Severity. The second return
// value is false for unrecognized input.
func ParseSeverity(str string) (Severity, bool) {
	switch strings.ToLower(str) {
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	default:
		return SeverityLow, false
	}
}

// ThreatType is the classification band assigned by the score engine.
type ThreatType int

const (
	ThreatNormal ThreatType = iota
	ThreatSuspicious
	ThreatPotential
	ThreatHigh
)

func (t ThreatType) String() string {
	switch t {
	case ThreatNormal:
		return "normal"
	case ThreatSuspicious:
		return "suspicious"
	case ThreatPotential:
		return "potential_threat"
	case ThreatHigh:
		return "high_threat"
	default:
		return "unknown"
	}
}

func (t ThreatType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ThreatType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "normal":
		*t = ThreatNormal
	case "suspicious":
		*t = ThreatSuspicious
	case "potential_threat":
		*t = ThreatPotential
	case "high_threat":
		*t = ThreatHigh
	default:
		*t = ThreatNormal
	}
	return nil
}

// ClassifyScore maps a final threat score onto its type band.
func ClassifyScore(score float64) ThreatType {
	switch {
	case score < 0.3:
		return ThreatNormal
	case score < 0.6:
		return ThreatSuspicious
	case score < 0.8:
		return ThreatPotential
	default:
		return ThreatHigh
	}
}

// NetworkIO holds cumulative network interface counters.
type NetworkIO struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// RawPacket is a single observed packet's metadata as emitted by the
// capture producer. Immutable once produced.
type RawPacket struct {
	Timestamp   float64 `json:"timestamp"`
	SrcIP       string  `json:"src_ip"`
	DstIP       string  `json:"dst_ip"`
	SrcPort     int     `json:"src_port,omitempty"`
	DstPort     int     `json:"dst_port,omitempty"`
	Protocol    string  `json:"protocol"`
	PacketSize  int     `json:"packet_size"`
	Flags       string  `json:"flags,omitempty"`
	PayloadHash string  `json:"payload_hash,omitempty"`
}

// Key returns the composite dedup identifier for this packet. Two packets
// with identical timestamp, source, and destination share a key and are
// processed at most once per TTL window.
func (p *RawPacket) Key() string {
	return strconv.FormatFloat(p.Timestamp, 'f', -1, 64) + "_" + p.SrcIP + "_" + p.DstIP
}

// SystemSnapshot is a point-in-time host resource reading. Immutable once
// produced.
type SystemSnapshot struct {
	Timestamp         float64   `json:"timestamp"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	DiskPercent       float64   `json:"disk_percent"`
	NetworkIO         NetworkIO `json:"network_io"`
	ActiveConnections int       `json:"active_connections"`
}

// ThreatResult is the output of scoring one packet/snapshot pair.
type ThreatResult struct {
	IsThreat    bool               `json:"is_threat"`
	Score       float64            `json:"threat_score"`
	Type        ThreatType         `json:"threat_type"`
	Confidence  float64            `json:"confidence"`
	Features    map[string]float64 `json:"features,omitempty"`
	Explanation string             `json:"explanation"`
}

// ProcessedEvent is the stream processor's output record: a scored event
// with its source payloads and derived severity.
type ProcessedEvent struct {
	Timestamp float64         `json:"timestamp"`
	EventType string          `json:"event_type"`
	Severity  Severity        `json:"severity"`
	Threat    *ThreatResult   `json:"threat_result,omitempty"`
	Packet    *RawPacket      `json:"packet_data,omitempty"`
	Metrics   *SystemSnapshot `json:"metrics_data,omitempty"`
	Processed bool            `json:"processed"`
}

// Marshal serializes the event to JSON.
func (e *ProcessedEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalProcessedEvent deserializes a ProcessedEvent from JSON.
func UnmarshalProcessedEvent(data []byte) (*ProcessedEvent, error) {
	var event ProcessedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshaling processed event: %w", err)
	}
	return &event, nil
}

// SeverityForResult derives event severity from a threat result. Pure:
// identical results always yield identical severities.
func SeverityForResult(r *ThreatResult) Severity {
	if r == nil || !r.IsThreat {
		return SeverityLow
	}
	switch {
	case r.Score < 0.5:
		return SeverityMedium
	case r.Score < 0.8:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}
