// Package notifier
package notifier

import (
	"log"
	"time"
)

// Notifier interface for sending operator alerts (e.g., Discord).
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
}

// Noop discards all messages; used when no webhook is configured and in
// tests.
type Noop struct{}

func (Noop) Send(string) error          { return nil }
func (Noop) SendWithRetry(string) error { return nil }

// retrier adds retry-with-delay behavior around a raw sender.
type retrier struct {
	send    func(msg string) error
	retries int
	delay   time.Duration
}

func (r retrier) sendWithRetry(msg string) error {
	var err error
	for i := 0; i < r.retries; i++ {
		if err = r.send(msg); err == nil {
			return nil
		}
		log.Printf("Notifier | Send attempt %d/%d failed: %v", i+1, r.retries, err)
		time.Sleep(r.delay)
	}
	return err
}
