package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DiscordNotifier posts alerts to a Discord webhook.
type DiscordNotifier struct {
	WebhookURL string
	client     *http.Client
	retry      retrier
}

func NewDiscordNotifier(webhookURL string, retries int, delay time.Duration) *DiscordNotifier {
	d := &DiscordNotifier{
		WebhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	d.retry = retrier{send: d.Send, retries: retries, delay: delay}
	return d
}

func (d *DiscordNotifier) Send(message string) error {
	payload, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		return fmt.Errorf("marshaling discord payload: %w", err)
	}
	resp, err := d.client.Post(d.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting to discord webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("discord send failed: %s", resp.Status)
	}
	return nil
}

func (d *DiscordNotifier) SendWithRetry(message string) error {
	return d.retry.sendWithRetry(message)
}
