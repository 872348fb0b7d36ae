package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/netsentry-project/netsentry/internal/core"
)

func sampleAlert() *Alert {
	return &Alert{
		ID:          "alert_0011223344556677",
		Timestamp:   1700000000,
		Severity:    core.SeverityCritical,
		Title:       "Threat detected: high_threat",
		Description: "Threat type: high_threat. Destination port associated with known backdoors",
		Threat: &core.ThreatResult{
			IsThreat:   true,
			Score:      0.9,
			Type:       core.ThreatHigh,
			Confidence: 0.8,
		},
	}
}

// ─── log ──────────────────────────────────────────────────────────────────────

func TestLogNotifier_NeverFails(t *testing.T) {
	n := NewLogNotifier(zerolog.Nop())
	if err := n.Send(context.Background(), sampleAlert()); err != nil {
		t.Errorf("Send: %v", err)
	}
	if n.Name() != "log" {
		t.Errorf("name = %q", n.Name())
	}
}

// ─── webhook ──────────────────────────────────────────────────────────────────

func TestWebhookNotifier_PostsJSON(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("body not JSON: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(core.WebhookConfig{Enabled: true, URL: srv.URL})
	if err := n.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if payload["alert_id"] != "alert_0011223344556677" {
		t.Errorf("alert_id = %v", payload["alert_id"])
	}
	if payload["severity"] != "critical" {
		t.Errorf("severity = %v", payload["severity"])
	}
	if payload["title"] == "" || payload["threat_result"] == nil {
		t.Errorf("payload incomplete: %v", payload)
	}
}

func TestWebhookNotifier_Non2xxIsFailure(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusInternalServerError} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		n := NewWebhookNotifier(core.WebhookConfig{Enabled: true, URL: srv.URL})
		if err := n.Send(context.Background(), sampleAlert()); err == nil {
			t.Errorf("status %d: expected delivery failure", status)
		}
		srv.Close()
	}
}

func TestWebhookNotifier_UnconfiguredDisabled(t *testing.T) {
	n := NewWebhookNotifier(core.WebhookConfig{})
	if err := n.Send(context.Background(), sampleAlert()); !errors.Is(err, ErrChannelDisabled) {
		t.Errorf("err = %v, want ErrChannelDisabled", err)
	}
}

// ─── chat ─────────────────────────────────────────────────────────────────────

func TestChatNotifier_SlackShape(t *testing.T) {
	var payload map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("body not JSON: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewChatNotifier(core.ChatConfig{Enabled: true, URL: srv.URL})
	if err := n.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	text, _ := payload["text"].(string)
	if !strings.Contains(text, "Threat detected: high_threat") {
		t.Errorf("text = %q", text)
	}
	attachments, _ := payload["attachments"].([]interface{})
	if len(attachments) != 1 {
		t.Fatalf("attachments = %v", payload["attachments"])
	}
	attachment, _ := attachments[0].(map[string]interface{})
	if attachment["color"] != "danger" {
		t.Errorf("color = %v, want danger for critical", attachment["color"])
	}
}

func TestChatNotifier_UnconfiguredDisabled(t *testing.T) {
	n := NewChatNotifier(core.ChatConfig{})
	if err := n.Send(context.Background(), sampleAlert()); !errors.Is(err, ErrChannelDisabled) {
		t.Errorf("err = %v, want ErrChannelDisabled", err)
	}
}

// ─── email ────────────────────────────────────────────────────────────────────

func TestEmailNotifier_SendsMessage(t *testing.T) {
	n := NewEmailNotifier(core.EmailConfig{
		Enabled: true,
		Host:    "smtp.example.com",
		Port:    587,
		From:    "alerts@example.com",
		To:      []string{"ops@example.com"},
	})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	n.sendMail = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	if err := n.Send(context.Background(), sampleAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Errorf("addr = %q", gotAddr)
	}
	if gotFrom != "alerts@example.com" || len(gotTo) != 1 || gotTo[0] != "ops@example.com" {
		t.Errorf("from = %q, to = %v", gotFrom, gotTo)
	}
	msg := string(gotMsg)
	if !strings.Contains(msg, "Subject: [CRITICAL] Threat detected: high_threat") {
		t.Errorf("subject missing: %q", msg)
	}
	if !strings.Contains(msg, "Severity: CRITICAL") {
		t.Errorf("body missing severity: %q", msg)
	}
}

func TestEmailNotifier_FailurePropagates(t *testing.T) {
	n := NewEmailNotifier(core.EmailConfig{
		Enabled: true,
		Host:    "smtp.example.com",
		From:    "alerts@example.com",
		To:      []string{"ops@example.com"},
	})
	n.sendMail = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		return errors.New("connection refused")
	}
	if err := n.Send(context.Background(), sampleAlert()); err == nil {
		t.Error("expected error")
	}
}

func TestEmailNotifier_UnconfiguredDisabled(t *testing.T) {
	tests := []core.EmailConfig{
		{Enabled: true},
		{Enabled: true, Host: "smtp.example.com"},
		{Enabled: true, Host: "smtp.example.com", From: "a@b.c"},
	}
	for i, cfg := range tests {
		n := NewEmailNotifier(cfg)
		if err := n.Send(context.Background(), sampleAlert()); !errors.Is(err, ErrChannelDisabled) {
			t.Errorf("case %d: err = %v, want ErrChannelDisabled", i, err)
		}
	}
}

// ─── enabled flag ─────────────────────────────────────────────────────────────

func TestNotifiers_EnabledFlagSwitchesConfiguredChannelOff(t *testing.T) {
	// A fully configured channel must still honor enabled: false.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("disabled channel delivered a request")
	}))
	defer srv.Close()

	email := NewEmailNotifier(core.EmailConfig{
		Host: "smtp.example.com",
		From: "alerts@example.com",
		To:   []string{"ops@example.com"},
	})
	email.sendMail = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		t.Error("disabled channel sent mail")
		return nil
	}

	notifiers := []Notifier{
		NewWebhookNotifier(core.WebhookConfig{URL: srv.URL}),
		NewChatNotifier(core.ChatConfig{URL: srv.URL}),
		email,
	}
	for _, n := range notifiers {
		if err := n.Send(context.Background(), sampleAlert()); !errors.Is(err, ErrChannelDisabled) {
			t.Errorf("%s: err = %v, want ErrChannelDisabled", n.Name(), err)
		}
	}
}

// ─── severity colors ──────────────────────────────────────────────────────────

func TestSeverityColor(t *testing.T) {
	tests := []struct {
		sev  core.Severity
		want string
	}{
		{core.SeverityLow, "good"},
		{core.SeverityMedium, "warning"},
		{core.SeverityHigh, "danger"},
		{core.SeverityCritical, "danger"},
	}
	for _, tc := range tests {
		if got := severityColor(tc.sev); got != tc.want {
			t.Errorf("severityColor(%v) = %q, want %q", tc.sev, got, tc.want)
		}
	}
}
