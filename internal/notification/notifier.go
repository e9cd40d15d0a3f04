// Package notification delivers operator alerts to external channels
// (Telegram, webhooks). Delivery is best-effort: a channel failure is logged
// and never propagates into the trading cycle.
package notification

import (
	"context"
	"log"
	"sync"
	"time"

	"options-systemv1/internal/model"
)

// Event is one operator notification.
type Event struct {
	Severity model.Severity `json:"severity"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
}

// Notifier delivers events to one channel.
type Notifier interface {
	Send(ctx context.Context, ev Event) error
}

// Multi fans one event out to every configured channel. Send returns the
// first error but always attempts all channels.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, ev Event) error {
	var first error
	for _, n := range m {
		if err := n.Send(ctx, ev); err != nil {
			log.Printf("[notify] delivery failed: %v", err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Deduper suppresses repeats of the same alert title within a window, so a
// condition that persists across cycles (a halt, a position stuck near its
// stop) pages once instead of every cycle.
type Deduper struct {
	mu     sync.Mutex
	next   Notifier
	window time.Duration
	sent   map[string]time.Time

	now func() time.Time
}

// NewDeduper wraps next with title-based suppression.
func NewDeduper(next Notifier, window time.Duration) *Deduper {
	return &Deduper{
		next:   next,
		window: window,
		sent:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (d *Deduper) Send(ctx context.Context, ev Event) error {
	d.mu.Lock()
	now := d.now()
	if last, ok := d.sent[ev.Title]; ok && now.Sub(last) < d.window {
		d.mu.Unlock()
		return nil
	}
	d.sent[ev.Title] = now
	// Drop expired entries so the map does not grow with alert churn.
	for title, at := range d.sent {
		if now.Sub(at) >= d.window {
			delete(d.sent, title)
		}
	}
	d.mu.Unlock()
	return d.next.Send(ctx, ev)
}
