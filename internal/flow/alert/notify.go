package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// Notifier delivers one alert state change. Implementations are called from
// the manager's dispatch worker, never from the recording path, so they may
// block on I/O.
type Notifier interface {
	Notify(a Alert, event string) error
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(Alert, string) error

func (f NotifierFunc) Notify(a Alert, event string) error { return f(a, event) }

// ConsoleNotifier writes one line per alert change.
type ConsoleNotifier struct {
	Out io.Writer
}

func (n *ConsoleNotifier) Notify(a Alert, event string) error {
	_, err := fmt.Fprintf(n.Out, "[alert:%s] %s rule=%s kpi=%s value=%g threshold=%g severity=%s\n",
		event, a.ID, a.RuleID, a.KPI, a.Value, a.Threshold, a.Severity)
	return err
}

// WebhookNotifier POSTs the alert as JSON.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func (n *WebhookNotifier) Notify(a Alert, event string) error {
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	payload := struct {
		Event string `json:"event"`
		Alert Alert  `json:"alert"`
	}{Event: event, Alert: a}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := client.Post(n.URL, "application/json", bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", n.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", n.URL, resp.StatusCode)
	}
	return nil
}

// EmailNotifier sends plain-text mail over SMTP. Send is injectable so tests
// never touch a mail server.
type EmailNotifier struct {
	Addr string
	From string
	To   []string
	// Send defaults to smtp.SendMail.
	Send func(addr string, from string, to []string, msg []byte) error
}

func (n *EmailNotifier) Notify(a Alert, event string) error {
	send := n.Send
	if send == nil {
		send = func(addr, from string, to []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, to, msg)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.To, ", "))
	fmt.Fprintf(&b, "Subject: [%s] alert %s %s\r\n\r\n", a.Severity, a.RuleID, event)
	fmt.Fprintf(&b, "Alert %s on %s: value %g crossed threshold %g (%s).\r\n",
		a.ID, a.KPI, a.Value, a.Threshold, a.Status)
	if err := send(n.Addr, n.From, n.To, []byte(b.String())); err != nil {
		return fmt.Errorf("email via %s: %w", n.Addr, err)
	}
	return nil
}
