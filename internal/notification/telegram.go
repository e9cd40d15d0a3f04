package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"options-systemv1/internal/model"
)

// Telegram sends alerts via the Telegram Bot API.
type Telegram struct {
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegram creates a Telegram notifier for the given bot token and target
// chat id.
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Send(ctx context.Context, ev Event) error {
	body, _ := json.Marshal(map[string]any{
		"chat_id":    t.chatID,
		"text":       formatTelegram(ev),
		"parse_mode": "MarkdownV2",
	})
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// formatTelegram renders an event as MarkdownV2: a severity header line, the
// title in bold, then the message body.
func formatTelegram(ev Event) string {
	header := "INFO"
	switch ev.Severity {
	case model.SeverityWarning:
		header = "⚠️ WARNING"
	case model.SeverityCritical:
		header = "🚨 CRITICAL"
	}
	var b strings.Builder
	b.WriteString(escapeMarkdown(header))
	b.WriteString("\n*")
	b.WriteString(escapeMarkdown(ev.Title))
	b.WriteString("*\n")
	b.WriteString(escapeMarkdown(ev.Message))
	return b.String()
}

// markdownSpecials are the characters MarkdownV2 requires escaped outside of
// entities.
const markdownSpecials = "_*[]()~`>#+-=|{}.!"

func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for _, r := range s {
		if strings.ContainsRune(markdownSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
