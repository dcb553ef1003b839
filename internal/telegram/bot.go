// Package telegram is a minimal Telegram Bot API client.
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
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// Update represents a Telegram Bot API update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message represents a Telegram message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from"`
	Chat      Chat   `json:"chat"`
	Text      string `json:"text"`
}

// User represents a Telegram user.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Chat represents a Telegram chat.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// BotCommand is an entry of the bot command menu.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// Bot is a minimal Telegram Bot API client.
type Bot struct {
	token  string
	chatID int64
	apiURL string
	client *http.Client
}

// Option configures a Bot.
type Option func(*Bot)

// WithAPIURL points the bot at a different Bot API server.
func WithAPIURL(u string) Option {
	return func(b *Bot) { b.apiURL = strings.TrimRight(u, "/") }
}

// NewBot creates a new Telegram bot client. If chatID is 0, push
// notifications via SendMessage are disabled (the bot can still
// respond to incoming commands via SendMessageTo).
func NewBot(token string, chatID int64, opts ...Option) *Bot {
	b := &Bot{
		token:  token,
		chatID: chatID,
		apiURL: DefaultAPIURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ChatID returns the chat notifications are sent to.
func (b *Bot) ChatID() int64 { return b.chatID }

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// SendMessage sends a text message to the configured chat.
// It is a no-op if no chat_id was configured.
func (b *Bot) SendMessage(ctx context.Context, text string) error {
	if b.chatID == 0 {
		return nil
	}
	return b.SendMessageTo(ctx, b.chatID, text)
}

// SendMessageTo sends a text message to the specified chat.
func (b *Bot) SendMessageTo(ctx context.Context, chatID int64, text string) error {
	_, err := b.call(ctx, b.client, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text})
	return err
}

// SetMyCommands replaces the bot command menu.
func (b *Bot) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	_, err := b.call(ctx, b.client, "setMyCommands", struct {
		Commands []BotCommand `json:"commands"`
	}{commands})
	return err
}

type getUpdatesRequest struct {
	Offset  int64 `json:"offset"`
	Timeout int   `json:"timeout"`
}

type getUpdatesResponse struct {
	OK     bool     `json:"ok"`
	Result []Update `json:"result"`
}

// GetUpdates performs a long-poll request for new updates.
func (b *Bot) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	// Use a longer HTTP timeout to accommodate the Telegram long-poll timeout.
	httpClient := &http.Client{Timeout: time.Duration(timeout+10) * time.Second}
	respBody, err := b.call(ctx, httpClient, "getUpdates", getUpdatesRequest{Offset: offset, Timeout: timeout})
	if err != nil {
		return nil, err
	}

	var result getUpdatesResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return result.Result, nil
}

func (b *Bot) call(ctx context.Context, client *http.Client, method string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", b.apiURL, b.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// The URL carries the token; never let it reach the logs.
		return nil, fmt.Errorf("%s: %w", method, redactToken(err, b.token))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

func redactToken(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "***"), err: err}
}
