package notification

import (
	"context"
	"errors"
	"testing"
	"time"

	"options-systemv1/internal/model"
)

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Send(ctx context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestMultiAttemptsAllChannels(t *testing.T) {
	a := &recordingNotifier{err: errors.New("down")}
	b := &recordingNotifier{}
	m := Multi{a, b}

	err := m.Send(context.Background(), Event{Severity: model.SeverityCritical, Title: "halt"})
	if err == nil {
		t.Fatal("expected first channel's error to surface")
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("both channels must be attempted: a=%d b=%d", len(a.events), len(b.events))
	}
}

func TestDeduperSuppressesRepeatsWithinWindow(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDeduper(rec, time.Hour)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	ev := Event{Severity: model.SeverityCritical, Title: "trading halted", Message: "daily loss breach"}
	for i := 0; i < 3; i++ {
		if err := d.Send(context.Background(), ev); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected 1 delivery within window, got %d", len(rec.events))
	}

	// A different title is its own alert.
	d.Send(context.Background(), Event{Title: "assignment detected"})
	if len(rec.events) != 2 {
		t.Fatalf("distinct titles must not suppress each other, got %d", len(rec.events))
	}

	// Past the window the condition pages again.
	now = now.Add(time.Hour + time.Minute)
	d.Send(context.Background(), ev)
	if len(rec.events) != 3 {
		t.Fatalf("expected re-delivery after window, got %d", len(rec.events))
	}
}

func TestFormatTelegramEscapesMarkdown(t *testing.T) {
	got := formatTelegram(Event{
		Severity: model.SeverityCritical,
		Title:    "assignment AAPL:18000:2026-09-18:P",
		Message:  "200 shares (trade 7)",
	})
	want := "🚨 CRITICAL\n*assignment AAPL:18000:2026\\-09\\-18:P*\n200 shares \\(trade 7\\)"
	if got != want {
		t.Errorf("formatTelegram = %q, want %q", got, want)
	}

	if got := escapeMarkdown("a_b*c.d"); got != `a\_b\*c\.d` {
		t.Errorf("escapeMarkdown = %q", got)
	}
}
