package notification

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
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts alerts to a chat through the Bot API sendMessage
// method, formatted as MarkdownV2. Info alerts are delivered silently.
type TelegramNotifier struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:   botToken,
		chatID:  chatID,
		baseURL: telegramAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type sendMessage struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification"`
}

type botResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(sendMessage{
		ChatID:              t.chatID,
		Text:                formatTelegram(alert),
		ParseMode:           "MarkdownV2",
		DisableNotification: alert.Level == AlertInfo,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := t.baseURL + "/bot" + t.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var br botResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &br) == nil && br.Description != "" {
			return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, br.Description)
		}
		return fmt.Errorf("telegram: status %d", resp.StatusCode)
	}

	log.Printf("[telegram] sent %s alert for %s", alert.Level, alert.Title)
	return nil
}

// formatTelegram renders:
//
//	⚠️ *000300 MA20 day unavailable*
//
//	MA20 on day is gap
//	`20:day:20` ok → gap
func formatTelegram(a Alert) string {
	var b strings.Builder
	b.WriteString(levelIcon(a.Level))
	b.WriteString(" *")
	title := a.Title
	if a.Symbol != "" {
		title = a.Symbol + " " + title
	}
	b.WriteString(escapeMarkdown(title))
	b.WriteString("*")
	if a.Message != "" {
		b.WriteString("\n\n")
		b.WriteString(escapeMarkdown(a.Message))
	}
	if a.Series != "" {
		from := a.From
		if from == "" {
			from = "new"
		}
		fmt.Fprintf(&b, "\n`%s` %s → %s", a.Series, escapeMarkdown(from), escapeMarkdown(a.To))
	}
	return b.String()
}

func levelIcon(l AlertLevel) string {
	switch l {
	case AlertCritical:
		return "🚨"
	case AlertWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// MarkdownV2 reserves these outside code spans.
const markdownSpecials = "_*[]()~`>#+-=|{}.!\\"

func escapeMarkdown(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(markdownSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
