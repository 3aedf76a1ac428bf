package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shizukutanaka/autosys/internal/config"
)

// WebhookChannel posts a JSON document. The "text" field makes the payload
// acceptable to Slack-style incoming webhooks.
type WebhookChannel struct {
	name   string
	config config.WebhookConfig
	client *http.Client
}

// NewWebhookChannel creates a webhook channel. Timeouts come from the
// caller's context.
func NewWebhookChannel(name string, cfg config.WebhookConfig) *WebhookChannel {
	return &WebhookChannel{name: name, config: cfg, client: &http.Client{}}
}

func (c *WebhookChannel) Name() string { return c.name }

type webhookPayload struct {
	Text string `json:"text"`
	Message
}

func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(webhookPayload{Text: msg.Text(), Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	return doRequest(c.client, req, "webhook")
}

// TelegramChannel sends through the Bot API sendMessage method.
type TelegramChannel struct {
	name   string
	config config.TelegramConfig
	client *http.Client
}

// NewTelegramChannel creates a Telegram channel.
func NewTelegramChannel(name string, cfg config.TelegramConfig) *TelegramChannel {
	return &TelegramChannel{name: name, config: cfg, client: &http.Client{}}
}

func (c *TelegramChannel) Name() string { return c.name }

func (c *TelegramChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]interface{}{
		"chat_id": c.config.ChatID,
		"text":    c.format(msg),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(c.config.APIURL, "/"), c.config.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return doRequest(c.client, req, "telegram API")
}

func (c *TelegramChannel) format(msg Message) string {
	icon := "⚠️"
	switch {
	case msg.Resolved():
		icon = "✅"
	case msg.Severity == "critical":
		icon = "🚨"
	}
	return icon + " " + msg.Text()
}

func doRequest(client *http.Client, req *http.Request, what string) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned status %d: %s", what, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
