// Package observer reports exporter health over Telegram: it announces
// status changes and answers status commands.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/blikh/awg-exporter/internal/aggregator"
	"github.com/blikh/awg-exporter/internal/clients"
	"github.com/blikh/awg-exporter/internal/telegram"
)

// StatusProvider supplies the most recently published metric set.
type StatusProvider interface {
	Latest() (aggregator.MetricSet, bool)
}

// Bot is the subset of the Telegram client the observer needs.
type Bot interface {
	SendMessage(ctx context.Context, text string) error
	SendMessageTo(ctx context.Context, chatID int64, text string) error
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]telegram.Update, error)
	SetMyCommands(ctx context.Context, commands []telegram.BotCommand) error
	ChatID() int64
}

// Observer sends a message whenever the exporter status flips and replies
// to /status with a summary of the last cycle.
type Observer struct {
	bot          Bot
	provider     StatusProvider
	logger       *slog.Logger
	allowedUsers []int64

	mu         sync.Mutex
	lastStatus *bool
}

// Option configures an Observer.
type Option func(*Observer)

// WithAllowedUsers lets the given Telegram user IDs query the bot from
// private chats, in addition to members of the notification chat.
func WithAllowedUsers(ids []int64) Option {
	return func(o *Observer) { o.allowedUsers = ids }
}

func New(bot Bot, provider StatusProvider, logger *slog.Logger, opts ...Option) *Observer {
	o := &Observer{bot: bot, provider: provider, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Publish implements the publisher contract. Only status transitions are
// sent; the first set is announced only when it is already degraded. The
// status is remembered only once its announcement went out, so a failed
// send is retried with the next set.
func (o *Observer) Publish(ctx context.Context, ms aggregator.MetricSet) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	status := ms.Status
	prev := o.lastStatus
	if (prev == nil && status) || (prev != nil && *prev == status) {
		o.lastStatus = &status
		return nil
	}

	text := "🟢 AmneziaWG exporter recovered\n\n" + FormatStatus(ms, time.Now())
	if !status {
		text = "🔴 AmneziaWG exporter degraded: " + failureReason(ms) + "\n\n" + FormatStatus(ms, time.Now())
	}
	if err := o.bot.SendMessage(ctx, text); err != nil {
		return fmt.Errorf("observer: sending status change: %w", err)
	}
	o.lastStatus = &status
	return nil
}

// Run polls the bot for commands until ctx is done.
func (o *Observer) Run(ctx context.Context) {
	commands := []telegram.BotCommand{
		{Command: "status", Description: "Show online, DAU, MAU and exporter health"},
		{Command: "peers", Description: "List peers from the last scrape"},
		{Command: "help", Description: "Show available commands"},
	}
	if err := o.bot.SetMyCommands(ctx, commands); err != nil {
		o.logger.Error("observer: failed to register bot commands", "err", err)
	}
	o.pollLoop(ctx)
}

func (o *Observer) pollLoop(ctx context.Context) {
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := o.bot.GetUpdates(ctx, offset, 30)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Error("observer: failed to poll updates", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			o.handleCommand(ctx, u.Message)
		}
	}
}

// isAllowed accepts the notification chat and private chats with users
// listed in allowedUsers. Everything else is ignored.
func (o *Observer) isAllowed(msg *telegram.Message) bool {
	if chatID := o.bot.ChatID(); chatID != 0 && msg.Chat.ID == chatID {
		return true
	}
	if msg.Chat.Type != "private" || msg.From == nil {
		return false
	}
	for _, uid := range o.allowedUsers {
		if uid == msg.From.ID {
			return true
		}
	}
	return false
}

func (o *Observer) handleCommand(ctx context.Context, msg *telegram.Message) {
	if !o.isAllowed(msg) {
		var userID int64
		if msg.From != nil {
			userID = msg.From.ID
		}
		o.logger.Debug("observer: ignoring message from unauthorized chat",
			"user_id", userID, "chat_id", msg.Chat.ID)
		return
	}

	cmd, _, _ := strings.Cut(strings.TrimSpace(msg.Text), " ")
	// Strip @botname suffix from commands (e.g., /status@mybot)
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}

	var reply string
	switch cmd {
	case "/status", "/peers":
		ms, ok := o.provider.Latest()
		switch {
		case !ok:
			reply = "No scrape has completed yet"
		case cmd == "/status":
			reply = FormatStatus(ms, time.Now())
		default:
			reply = FormatPeers(ms, time.Now())
		}
	case "/help", "/start":
		reply = "Available commands:\n" +
			"/status - show online, DAU, MAU and exporter health\n" +
			"/peers - list peers from the last scrape\n" +
			"/help - show this message"
	default:
		return
	}

	if err := o.bot.SendMessageTo(ctx, msg.Chat.ID, reply); err != nil {
		o.logger.Error("observer: failed to reply", "chat_id", msg.Chat.ID, "err", err)
	}
}

func failureReason(ms aggregator.MetricSet) string {
	switch {
	case ms.SourceError != nil:
		return "peer table unavailable"
	case ms.LedgerError != nil:
		return "activity ledger unreachable"
	case ms.TimeoutError != nil:
		return "cycle timed out"
	default:
		return "no parsable peer records"
	}
}

// FormatStatus renders the summary of one metric set.
func FormatStatus(ms aggregator.MetricSet, now time.Time) string {
	var b strings.Builder
	b.WriteString("📊 AmneziaWG status\n\n")

	health := "OK"
	if !ms.Status {
		health = "degraded (" + failureReason(ms) + ")"
	}
	fmt.Fprintf(&b, "Exporter: %s\n", health)
	if ms.OnlineKnown {
		fmt.Fprintf(&b, "Online: %d of %d\n", ms.CurrentOnline, len(ms.Peers))
	}
	if ms.CountsKnown {
		fmt.Fprintf(&b, "DAU: %d\nMAU: %d\n", ms.DAU, ms.MAU)
	}
	fmt.Fprintf(&b, "Last scrape: %s\n", humanize.RelTime(ms.Timestamp, now, "ago", "from now"))
	return b.String()
}

// FormatPeers renders one line per peer, online peers first.
func FormatPeers(ms aggregator.MetricSet, now time.Time) string {
	if len(ms.Peers) == 0 {
		return "No peers in the last scrape"
	}
	peers := make([]aggregator.PeerMetric, len(ms.Peers))
	copy(peers, ms.Peers)
	sort.SliceStable(peers, func(i, j int) bool { return peers[i].Online && !peers[j].Online })

	var b strings.Builder
	b.WriteString("👥 Peers:\n\n")
	for _, p := range peers {
		status := "⚪"
		handshake := "never"
		if !p.LastHandshake.IsZero() {
			handshake = humanize.RelTime(p.LastHandshake, now, "ago", "from now")
			status = "🟡"
			if p.Online {
				status = "🟢"
			}
		}

		name := p.ClientName
		if name == "" || name == clients.Unidentified {
			name = shortKey(p.PeerID)
		}
		fmt.Fprintf(&b, "%s %s\n", status, name)
		fmt.Fprintf(&b, "  Handshake: %s\n", handshake)
		fmt.Fprintf(&b, "  Traffic: ↓%s ↑%s\n", humanize.IBytes(p.ReceivedBytes), humanize.IBytes(p.SentBytes))
	}
	return b.String()
}

func shortKey(k string) string {
	if len(k) <= 8 {
		return k
	}
	return k[:8] + "..."
}
