package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/netsentry-project/netsentry/internal/core"
)

// ErrChannelDisabled marks a channel that cannot deliver because it is
// switched off or its configuration is incomplete. The manager skips such
// channels without counting a delivery failure; sibling channels are
// unaffected.
var ErrChannelDisabled = errors.New("alert channel disabled")

// Notifier delivers one alert over one channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, a *Alert) error
}

// severityColor maps severities to chat attachment colors.
func severityColor(s core.Severity) string {
	switch s {
	case core.SeverityLow:
		return "good"
	case core.SeverityMedium:
		return "warning"
	default:
		return "danger"
	}
}

// LogNotifier writes alerts to the structured log at WARNING level. It
// never fails.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates the log channel.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("channel", "log").Logger()}
}

func (n *LogNotifier) Name() string { return string(ChannelLog) }

func (n *LogNotifier) Send(ctx context.Context, a *Alert) error {
	entry := n.logger.Warn().
		Str("alert_id", a.ID).
		Str("severity", a.Severity.String()).
		Str("title", a.Title).
		Str("description", a.Description)
	if a.Threat != nil {
		entry = entry.
			Float64("threat_score", a.Threat.Score).
			Str("threat_type", a.Threat.Type.String()).
			Float64("confidence", a.Threat.Confidence)
	}
	entry.Msg("SECURITY ALERT")
	return nil
}

// WebhookNotifier POSTs the alert as JSON to a generic webhook endpoint.
// Any non-2xx response is a delivery failure.
type WebhookNotifier struct {
	enabled bool
	url     string
	client  *http.Client
}

// NewWebhookNotifier creates the generic webhook channel.
func NewWebhookNotifier(cfg core.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		enabled: cfg.Enabled,
		url:     cfg.URL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Name() string { return string(ChannelWebhook) }

func (n *WebhookNotifier) Send(ctx context.Context, a *Alert) error {
	if !n.enabled || n.url == "" {
		return ErrChannelDisabled
	}

	payload := map[string]interface{}{
		"alert_id":    a.ID,
		"timestamp":   a.Timestamp,
		"severity":    a.Severity.String(),
		"title":       a.Title,
		"description": a.Description,
	}
	if a.Threat != nil {
		payload["threat_result"] = a.Threat
	}
	if a.Event != nil {
		payload["event_data"] = a.Event
	}

	return n.post(ctx, payload)
}

func (n *WebhookNotifier) post(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// ChatNotifier posts a Slack-compatible message with a severity-colored
// attachment.
type ChatNotifier struct {
	enabled bool
	url     string
	client  *http.Client
}

// NewChatNotifier creates the chat webhook channel.
func NewChatNotifier(cfg core.ChatConfig) *ChatNotifier {
	return &ChatNotifier{
		enabled: cfg.Enabled,
		url:     cfg.URL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *ChatNotifier) Name() string { return string(ChannelChat) }

func (n *ChatNotifier) Send(ctx context.Context, a *Alert) error {
	if !n.enabled || n.url == "" {
		return ErrChannelDisabled
	}

	when := time.Unix(int64(a.Timestamp), 0).UTC().Format("2006-01-02 15:04:05")
	fields := []map[string]interface{}{
		{"title": "Severity", "value": strings.ToUpper(a.Severity.String()), "short": true},
		{"title": "Time", "value": when, "short": true},
		{"title": "Description", "value": a.Description, "short": false},
	}
	if a.Threat != nil {
		fields = append(fields,
			map[string]interface{}{"title": "Threat Score", "value": fmt.Sprintf("%.2f", a.Threat.Score), "short": true},
			map[string]interface{}{"title": "Threat Type", "value": a.Threat.Type.String(), "short": true},
			map[string]interface{}{"title": "Confidence", "value": fmt.Sprintf("%.2f", a.Threat.Confidence), "short": true},
		)
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("🚨 *%s*", a.Title),
		"attachments": []map[string]interface{}{
			{
				"color":  severityColor(a.Severity),
				"fields": fields,
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chat webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// sendMailFunc matches smtp.SendMail; swapped in tests.
type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier delivers alerts over SMTP.
type EmailNotifier struct {
	cfg      core.EmailConfig
	sendMail sendMailFunc
}

// NewEmailNotifier creates the email channel.
func NewEmailNotifier(cfg core.EmailConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, sendMail: smtp.SendMail}
}

func (n *EmailNotifier) Name() string { return string(ChannelEmail) }

func (n *EmailNotifier) Send(ctx context.Context, a *Alert) error {
	if !n.cfg.Enabled || n.cfg.Host == "" || n.cfg.From == "" || len(n.cfg.To) == 0 {
		return ErrChannelDisabled
	}

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(a.Severity.String()), a.Title)
	body := n.body(a)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	if err := n.sendMail(addr, auth, n.cfg.From, n.cfg.To, msg.Bytes()); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	return nil
}

func (n *EmailNotifier) body(a *Alert) string {
	var b strings.Builder
	when := time.Unix(int64(a.Timestamp), 0).UTC().Format("2006-01-02 15:04:05 UTC")
	fmt.Fprintf(&b, "Alert Details:\n")
	fmt.Fprintf(&b, "- Severity: %s\n", strings.ToUpper(a.Severity.String()))
	fmt.Fprintf(&b, "- Time: %s\n", when)
	fmt.Fprintf(&b, "- Description: %s\n", a.Description)
	if a.Threat != nil {
		fmt.Fprintf(&b, "\nThreat Analysis:\n")
		fmt.Fprintf(&b, "- Threat Score: %.2f\n", a.Threat.Score)
		fmt.Fprintf(&b, "- Threat Type: %s\n", a.Threat.Type.String())
		fmt.Fprintf(&b, "- Confidence: %.2f\n", a.Threat.Confidence)
		fmt.Fprintf(&b, "- Explanation: %s\n", a.Threat.Explanation)
	}
	return b.String()
}
