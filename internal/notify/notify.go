package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"nudge/internal/config"
)

// Delivery is the per-address outcome of a dispatch. Failures are isolated:
// one bad address never blocks its siblings.
type Delivery struct {
	Address string `json:"address"`
	Error   string `json:"error,omitempty"`
}

func (d Delivery) OK() bool { return d.Error == "" }

// Dispatcher hands a rendered notification to the delivery channel. The
// engine never looks past success/failure per address.
type Dispatcher interface {
	Send(ctx context.Context, addresses []string, subject, bodyHTML string) []Delivery
}

// FromConfig builds the configured dispatcher.
func FromConfig(cfg *config.Config) Dispatcher {
	if cfg.Notify.Mode == "webhook" {
		return &WebhookDispatcher{
			URL:    cfg.Notify.WebhookURL,
			From:   cfg.Notify.From,
			Client: &http.Client{Timeout: cfg.NotifyTimeout()},
		}
	}
	return LogDispatcher{}
}

// LogDispatcher prints instead of delivering. Used in dev and tests.
type LogDispatcher struct{}

func (LogDispatcher) Send(_ context.Context, addresses []string, subject, _ string) []Delivery {
	res := make([]Delivery, 0, len(addresses))
	for _, addr := range addresses {
		log.Printf("notify: [dry-run] to=%s subject=%q", addr, subject)
		res = append(res, Delivery{Address: addr})
	}
	return res
}

// WebhookDispatcher posts one JSON message per address to a mail relay
// endpoint. The relay owns provider auth and actual SMTP/API transport.
type WebhookDispatcher struct {
	URL    string
	From   string
	Client *http.Client
}

type webhookMessage struct {
	MessageID string `json:"message_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
	SentAt    string `json:"sent_at"`
}

func (d *WebhookDispatcher) Send(ctx context.Context, addresses []string, subject, bodyHTML string) []Delivery {
	res := make([]Delivery, 0, len(addresses))
	for _, addr := range addresses {
		if err := d.post(ctx, addr, subject, bodyHTML); err != nil {
			log.Printf("notify: deliver to %s failed: %v", addr, err)
			res = append(res, Delivery{Address: addr, Error: err.Error()})
			continue
		}
		res = append(res, Delivery{Address: addr})
	}
	return res
}

func (d *WebhookDispatcher) post(ctx context.Context, to, subject, bodyHTML string) error {
	msg := webhookMessage{
		MessageID: uuid.New().String(),
		From:      d.From,
		To:        to,
		Subject:   subject,
		HTML:      bodyHTML,
		SentAt:    time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Nudge-Delivery", msg.MessageID)
	resp, err := d.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
