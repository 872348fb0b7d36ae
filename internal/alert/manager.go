package alert

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/netsentry-project/netsentry/internal/core"
)

// cooldownTTL bounds how long a sent-alert timestamp is tracked. Entries
// older than this are purged regardless of rule cooldowns, which caps the
// tracking memory at cooldownCapacity live entries.
const (
	cooldownTTL      = time.Hour
	cooldownCapacity = 10000
)

// CreateHandler observes alert creation. Used to mirror alerts to the bus.
type CreateHandler func(a *Alert)

// ManagerStats is a snapshot of alert manager counters.
type ManagerStats struct {
	TotalRules      int   `json:"total_rules"`
	EnabledRules    int   `json:"enabled_rules"`
	ActiveCooldowns int   `json:"active_cooldowns"`
	QueueDepth      int   `json:"queue_depth"`
	Dispatched      int64 `json:"dispatched"`
	Suppressed      int64 `json:"suppressed"`
	Dropped         int64 `json:"dropped"`
}

// Manager consumes processed events, creates alerts, matches rules, applies
// cooldown suppression, and dispatches notifications with bounded retry.
// A single Manager instance owns all cooldown state; no cross-process
// coordination is needed.
type Manager struct {
	logger    zerolog.Logger
	cfg       core.AlertsConfig
	queue     chan *Alert
	sent      *expirable.LRU[string, time.Time]
	notifiers map[ChannelType]Notifier

	mu         sync.RWMutex
	rules      []*Rule
	onCreate   []CreateHandler
	dispatched int64
	suppressed int64
	dropped    int64

	// now is the clock used for cooldown decisions. Test hook.
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an alert manager with the default rule set (or the
// configured rules file) and notifiers built from configuration.
func NewManager(logger zerolog.Logger, cfg core.AlertsConfig) (*Manager, error) {
	log := logger.With().Str("component", "alert_manager").Logger()

	rules := DefaultRules()
	if cfg.RulesFile != "" {
		loaded, err := LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}

	m := &Manager{
		logger: log,
		cfg:    cfg,
		queue:  make(chan *Alert, queueSize),
		sent:   expirable.NewLRU[string, time.Time](cooldownCapacity, nil, cooldownTTL),
		notifiers: map[ChannelType]Notifier{
			ChannelLog:     NewLogNotifier(logger),
			ChannelWebhook: NewWebhookNotifier(cfg.Webhook),
			ChannelChat:    NewChatNotifier(cfg.Chat),
			ChannelEmail:   NewEmailNotifier(cfg.Email),
		},
		rules: rules,
		now:   time.Now,
	}
	return m, nil
}

// SetNotifier replaces the notifier for a channel. Test hook and extension
// point for custom channels.
func (m *Manager) SetNotifier(kind ChannelType, n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifiers[kind] = n
}

// OnCreate registers a handler invoked for every created alert.
func (m *Manager) OnCreate(h CreateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCreate = append(m.onCreate, h)
}

// AddRule appends a rule to the evaluation order.
func (m *Manager) AddRule(rule *Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
	m.logger.Info().Str("rule", rule.Name).Msg("alert rule added")
}

// RemoveRule removes every rule with the given name.
func (m *Manager) RemoveRule(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rules[:0]
	for _, r := range m.rules {
		if r.Name != name {
			kept = append(kept, r)
		}
	}
	m.rules = kept
	m.logger.Info().Str("rule", name).Msg("alert rule removed")
}

// Rules returns a copy of the rule list in evaluation order.
func (m *Manager) Rules() []*Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Start launches the alert processing loop.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run()
	m.logger.Info().
		Int("rules", len(m.Rules())).
		Int("queue_size", cap(m.queue)).
		Int("max_retries", m.cfg.MaxRetries).
		Msg("alert manager started")
	return nil
}

// Stop cancels the loop and waits for in-flight work to finish.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info().Msg("alert manager stopped")
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case a := <-m.queue:
			m.handle(a)
		}
	}
}

// HandleEvent is the stream-processor subscriber entry point: it creates
// and enqueues an alert for qualifying events.
func (m *Manager) HandleEvent(event *core.ProcessedEvent) error {
	m.CreateAlert(event)
	return nil
}

// CreateAlert builds an alert from a processed event and enqueues it.
// Events without a positive threat result produce no alert.
func (m *Manager) CreateAlert(event *core.ProcessedEvent) *Alert {
	if event == nil || event.Threat == nil || !event.Threat.IsThreat {
		return nil
	}

	a := &Alert{
		ID:          AlertID(event),
		Timestamp:   float64(m.now().UnixNano()) / 1e9,
		Severity:    alertSeverity(event.Threat),
		Title:       "Threat detected: " + event.Threat.Type.String(),
		Description: event.Threat.Explanation,
		Threat:      event.Threat,
		Event:       event,
	}

	m.enqueue(a)

	m.mu.RLock()
	handlers := make([]CreateHandler, len(m.onCreate))
	copy(handlers, m.onCreate)
	m.mu.RUnlock()
	for _, h := range handlers {
		m.notifyCreate(h, a)
	}
	return a
}

func (m *Manager) notifyCreate(h CreateHandler, a *Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("alert create handler panicked")
		}
	}()
	h(a)
}

// alertSeverity derives alert severity from the threat score.
func alertSeverity(r *core.ThreatResult) core.Severity {
	switch {
	case r.Score >= 0.8:
		return core.SeverityCritical
	case r.Score >= 0.6:
		return core.SeverityHigh
	case r.Score >= 0.4:
		return core.SeverityMedium
	default:
		return core.SeverityLow
	}
}

func (m *Manager) enqueue(a *Alert) {
	select {
	case m.queue <- a:
	default:
		m.mu.Lock()
		m.dropped++
		m.mu.Unlock()
		m.logger.Warn().Str("alert_id", a.ID).Msg("alert queue full, alert dropped")
	}
}

// handle runs one alert through the rule-match / cooldown / dispatch state
// machine.
func (m *Manager) handle(a *Alert) {
	rule := m.matchRule(a)
	if rule == nil {
		m.logger.Debug().Str("alert_id", a.ID).Msg("no matching rule, alert discarded")
		return
	}

	if last, ok := m.sent.Get(a.ID); ok && m.now().Sub(last) < rule.Cooldown {
		m.mu.Lock()
		m.suppressed++
		m.mu.Unlock()
		m.logger.Debug().
			Str("alert_id", a.ID).
			Str("rule", rule.Name).
			Msg("alert suppressed by cooldown")
		return
	}

	a.Channels = rule.Channels
	failed := m.dispatch(rule, a)
	if len(failed) == 0 {
		a.Sent = true
		a.pending = nil
		m.sent.Add(a.ID, m.now())
		m.mu.Lock()
		m.dispatched++
		m.mu.Unlock()
		m.logger.Info().
			Str("alert_id", a.ID).
			Str("rule", rule.Name).
			Str("severity", a.Severity.String()).
			Str("title", a.Title).
			Msg("alert sent")
		return
	}

	a.RetryCount++
	a.pending = failed
	if a.RetryCount < m.maxRetries() {
		m.requeue(a)
		return
	}

	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
	m.logger.Warn().
		Str("alert_id", a.ID).
		Int("retry_count", a.RetryCount).
		Str("title", a.Title).
		Msg("alert dropped after retry ceiling")
}

func (m *Manager) maxRetries() int {
	if m.cfg.MaxRetries <= 0 {
		return 3
	}
	return m.cfg.MaxRetries
}

// requeue puts a failed alert back on the queue after the retry delay.
func (m *Manager) requeue(a *Alert) {
	delay := m.cfg.RetryDelay()
	if delay <= 0 {
		m.enqueue(a)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.ctx.Done():
		case <-time.After(delay):
			m.enqueue(a)
		}
	}()
}

// matchRule returns the first enabled rule whose condition matches, in
// declaration order.
func (m *Manager) matchRule(a *Alert) *Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rule := range m.rules {
		if !rule.Enabled {
			continue
		}
		if rule.Condition.Match(a) {
			return rule
		}
	}
	return nil
}

// dispatch attempts delivery on every channel independently and returns the
// channels that failed. A disabled channel is skipped and not counted as a
// failure; one channel's failure never affects its siblings.
func (m *Manager) dispatch(rule *Rule, a *Alert) []ChannelType {
	channels := a.pending
	if len(channels) == 0 {
		channels = rule.Channels
	}

	ctx := m.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var failed []ChannelType
	for _, kind := range channels {
		m.mu.RLock()
		n := m.notifiers[kind]
		m.mu.RUnlock()
		if n == nil {
			m.logger.Warn().Str("channel", string(kind)).Msg("unknown alert channel")
			continue
		}

		err := n.Send(ctx, a)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrChannelDisabled) {
			m.logger.Debug().
				Str("alert_id", a.ID).
				Str("channel", string(kind)).
				Msg("channel not configured, skipping")
			continue
		}
		m.logger.Error().Err(err).
			Str("alert_id", a.ID).
			Str("channel", string(kind)).
			Msg("alert delivery failed")
		failed = append(failed, kind)
	}
	return failed
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	enabled := 0
	for _, r := range m.rules {
		if r.Enabled {
			enabled++
		}
	}
	return ManagerStats{
		TotalRules:      len(m.rules),
		EnabledRules:    enabled,
		ActiveCooldowns: m.sent.Len(),
		QueueDepth:      len(m.queue),
		Dispatched:      m.dispatched,
		Suppressed:      m.suppressed,
		Dropped:         m.dropped,
	}
}
