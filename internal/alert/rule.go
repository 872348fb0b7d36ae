// Package alert matches processed events against alert rules and delivers
// notifications through configurable channels with cooldown suppression and
// bounded retry.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/netsentry-project/netsentry/internal/core"
)

// ChannelType names a notification channel on a rule.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelWebhook ChannelType = "webhook"
	ChannelChat    ChannelType = "chat"
	ChannelLog     ChannelType = "log"
)

// Alert is a single notification unit. Lifecycle: created, queued,
// attempted, then sent or requeued up to the retry ceiling.
type Alert struct {
	ID          string               `json:"id"`
	Timestamp   float64              `json:"timestamp"`
	Severity    core.Severity        `json:"severity"`
	Title       string               `json:"title"`
	Description string               `json:"description"`
	Threat      *core.ThreatResult   `json:"threat_result,omitempty"`
	Event       *core.ProcessedEvent `json:"event_data,omitempty"`
	Channels    []ChannelType        `json:"channels"`
	Sent        bool                 `json:"sent"`
	RetryCount  int                  `json:"retry_count"`

	// pending tracks channels still awaiting delivery across retries so a
	// channel that already succeeded is not re-fired.
	pending []ChannelType
}

// Marshal serializes the alert to JSON.
func (a *Alert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// AlertID derives the deterministic alert identifier from event content.
// The same threat condition (type, source, destination) always maps to the
// same id, which is what makes cooldown suppression of repeats work.
func AlertID(event *core.ProcessedEvent) string {
	h := sha256.New()
	if event.Threat != nil {
		h.Write([]byte(event.Threat.Type.String()))
	}
	h.Write([]byte{0})
	if event.Packet != nil {
		h.Write([]byte(event.Packet.SrcIP))
		h.Write([]byte{0})
		h.Write([]byte(event.Packet.DstIP))
	}
	return "alert_" + hex.EncodeToString(h.Sum(nil)[:8])
}

// Condition is a rule predicate evaluated against an alert.
type Condition interface {
	Match(a *Alert) bool
}

// ScoreAbove matches alerts whose threat score exceeds the threshold.
type ScoreAbove struct {
	Threshold float64
}

func (c ScoreAbove) Match(a *Alert) bool {
	return a.Threat != nil && a.Threat.Score > c.Threshold
}

// MetricAbove matches alerts whose event carries a system metric above the
// threshold. Recognized fields: cpu_percent, memory_percent, disk_percent,
// active_connections.
type MetricAbove struct {
	Field     string
	Threshold float64
}

func (c MetricAbove) Match(a *Alert) bool {
	if a.Event == nil || a.Event.Metrics == nil {
		return false
	}
	m := a.Event.Metrics
	switch c.Field {
	case "cpu_percent":
		return m.CPUPercent > c.Threshold
	case "memory_percent":
		return m.MemoryPercent > c.Threshold
	case "disk_percent":
		return m.DiskPercent > c.Threshold
	case "active_connections":
		return float64(m.ActiveConnections) > c.Threshold
	default:
		return false
	}
}

// AllOf matches when every child condition matches.
type AllOf []Condition

func (c AllOf) Match(a *Alert) bool {
	for _, child := range c {
		if !child.Match(a) {
			return false
		}
	}
	return len(c) > 0
}

// AnyOf matches when at least one child condition matches.
type AnyOf []Condition

func (c AnyOf) Match(a *Alert) bool {
	for _, child := range c {
		if child.Match(a) {
			return true
		}
	}
	return false
}

// Rule is a static alert rule. Rules are evaluated in declaration order;
// the first enabled rule whose condition matches claims the alert.
type Rule struct {
	Name      string
	Condition Condition
	Severity  core.Severity
	Channels  []ChannelType
	Cooldown  time.Duration
	Enabled   bool
}

// DefaultRules returns the built-in rule set used when no rules file is
// configured.
func DefaultRules() []*Rule {
	return []*Rule{
		{
			Name:      "High Threat Detection",
			Condition: ScoreAbove{Threshold: 0.8},
			Severity:  core.SeverityCritical,
			Channels:  []ChannelType{ChannelEmail, ChannelLog},
			Cooldown:  5 * time.Minute,
			Enabled:   true,
		},
		{
			Name:      "Medium Threat Detection",
			Condition: ScoreAbove{Threshold: 0.6},
			Severity:  core.SeverityHigh,
			Channels:  []ChannelType{ChannelLog},
			Cooldown:  10 * time.Minute,
			Enabled:   true,
		},
		{
			Name:      "Suspicious Activity",
			Condition: ScoreAbove{Threshold: 0.4},
			Severity:  core.SeverityMedium,
			Channels:  []ChannelType{ChannelLog},
			Cooldown:  30 * time.Minute,
			Enabled:   true,
		},
		{
			Name: "System Resource Alert",
			Condition: AnyOf{
				MetricAbove{Field: "cpu_percent", Threshold: 90},
				MetricAbove{Field: "memory_percent", Threshold: 90},
			},
			Severity: core.SeverityHigh,
			Channels: []ChannelType{ChannelEmail, ChannelLog},
			Cooldown: 15 * time.Minute,
			Enabled:  true,
		},
	}
}

// ruleSpec is the YAML shape of one rule in a rules file.
type ruleSpec struct {
	Name        string   `yaml:"name"`
	Severity    string   `yaml:"severity"`
	Channels    []string `yaml:"channels"`
	CooldownSec int      `yaml:"cooldown_seconds"`
	Enabled     *bool    `yaml:"enabled"`
	When        condSpec `yaml:"when"`
}

// condSpec is the YAML shape of a condition tree node. Exactly one field
// must be set per node.
type condSpec struct {
	ScoreAbove  *float64    `yaml:"score_above"`
	MetricAbove *metricSpec `yaml:"metric_above"`
	AllOf       []condSpec  `yaml:"all_of"`
	AnyOf       []condSpec  `yaml:"any_of"`
}

type metricSpec struct {
	Field     string  `yaml:"field"`
	Threshold float64 `yaml:"threshold"`
}

type rulesFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// LoadRules parses a YAML rules file into evaluated-order rules.
func LoadRules(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rules file: %w", err)
	}

	rules := make([]*Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		rule, err := compileRule(spec)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, spec.Name, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileRule(spec ruleSpec) (*Rule, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("missing name")
	}
	severity, ok := core.ParseSeverity(spec.Severity)
	if !ok {
		return nil, fmt.Errorf("unknown severity %q", spec.Severity)
	}
	cond, err := compileCondition(spec.When)
	if err != nil {
		return nil, err
	}

	channels := make([]ChannelType, 0, len(spec.Channels))
	for _, name := range spec.Channels {
		switch ChannelType(name) {
		case ChannelEmail, ChannelWebhook, ChannelChat, ChannelLog:
			channels = append(channels, ChannelType(name))
		default:
			return nil, fmt.Errorf("unknown channel %q", name)
		}
	}
	if len(channels) == 0 {
		channels = []ChannelType{ChannelLog}
	}

	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}

	return &Rule{
		Name:      spec.Name,
		Condition: cond,
		Severity:  severity,
		Channels:  channels,
		Cooldown:  time.Duration(spec.CooldownSec) * time.Second,
		Enabled:   enabled,
	}, nil
}

func compileCondition(spec condSpec) (Condition, error) {
	set := 0
	if spec.ScoreAbove != nil {
		set++
	}
	if spec.MetricAbove != nil {
		set++
	}
	if len(spec.AllOf) > 0 {
		set++
	}
	if len(spec.AnyOf) > 0 {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("condition node must set exactly one of score_above, metric_above, all_of, any_of")
	}

	switch {
	case spec.ScoreAbove != nil:
		return ScoreAbove{Threshold: *spec.ScoreAbove}, nil
	case spec.MetricAbove != nil:
		if spec.MetricAbove.Field == "" {
			return nil, fmt.Errorf("metric_above requires a field")
		}
		return MetricAbove{Field: spec.MetricAbove.Field, Threshold: spec.MetricAbove.Threshold}, nil
	case len(spec.AllOf) > 0:
		children, err := compileChildren(spec.AllOf)
		if err != nil {
			return nil, err
		}
		return AllOf(children), nil
	default:
		children, err := compileChildren(spec.AnyOf)
		if err != nil {
			return nil, err
		}
		return AnyOf(children), nil
	}
}

func compileChildren(specs []condSpec) ([]Condition, error) {
	children := make([]Condition, 0, len(specs))
	for _, s := range specs {
		child, err := compileCondition(s)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}
