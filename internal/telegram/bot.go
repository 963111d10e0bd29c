// Package telegram sends operator alerts through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pochtmanr/dopplerland-sub001/internal/fleet"
	"github.com/pochtmanr/dopplerland-sub001/internal/registry"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// Bot is a minimal Telegram Bot API client that posts to one chat.
type Bot struct {
	token   string
	chatID  int64
	baseURL string
	client  *http.Client
}

// NewBot creates a bot posting to chatID. An empty apiURL means
// DefaultAPIURL.
func NewBot(token string, chatID int64, apiURL string) *Bot {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Bot{
		token:   token,
		chatID:  chatID,
		baseURL: strings.TrimRight(apiURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendMessage posts text to the configured chat.
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	body, err := json.Marshal(sendMessageRequest{ChatID: b.chatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return fmt.Errorf("telegram: marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", b.baseURL, b.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of logs.
		return fmt.Errorf("telegram: sending message: %w", redact(err, b.token))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var out apiResponse
	_ = json.Unmarshal(respBody, &out)
	if resp.StatusCode != http.StatusOK || !out.OK {
		desc := out.Description
		if desc == "" {
			desc = strings.TrimSpace(string(respBody))
		}
		return fmt.Errorf("telegram: API error: status %d: %s", resp.StatusCode, desc)
	}
	return nil
}

// NotifyHealth reports a server health transition.
func (b *Bot) NotifyHealth(ctx context.Context, ev registry.Event) error {
	icon := "⚠️"
	if ev.NewState == registry.StateHealthy {
		icon = "✅"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s Server %s is %s (was %s)", icon, serverLabel(ev.Name, ev.ServerID), ev.NewState, ev.OldState)
	if ev.Error != "" {
		fmt.Fprintf(&sb, "\n%s", ev.Error)
	}
	return b.SendMessage(ctx, sb.String())
}

// NotifyPartialFailure reports a backend/local disagreement that needs an
// operator.
func (b *Bot) NotifyPartialFailure(ctx context.Context, pf *fleet.PartialFailure) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🚨 Partial failure during %s\n", pf.Op)
	fmt.Fprintf(&sb, "server: %s\nhandle: %s\n", pf.ServerID, pf.Handle)
	fmt.Fprintf(&sb, "backend ok: %t, local ok: %t\n", pf.BackendOK, pf.LocalOK)
	if pf.Err != nil {
		fmt.Fprintf(&sb, "error: %v\n", pf.Err)
	}
	sb.WriteString("Manual reconciliation required.")
	return b.SendMessage(ctx, sb.String())
}

func serverLabel(name, id string) string {
	if name == "" {
		return id
	}
	return fmt.Sprintf("%q (%s)", name, id)
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redact(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "<token>"), err: err}
}
