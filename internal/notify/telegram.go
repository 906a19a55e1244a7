// Package notify pushes out-of-band alerts to the operator. Telegram is
// the only backend; without a token notifications are silently dropped.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/torbolabs/torbo/internal/bus"
)

// Notifier delivers a short operator-facing message.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Noop drops every notification.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }

// Telegram sends notifications to a fixed chat.
type Telegram struct {
	bot    *telego.Bot
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is empty")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id is not set")
	}
	bot, err := telego.NewBot(token, telego.WithDiscardLogger())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

func (t *Telegram) Notify(ctx context.Context, text string) error {
	if len(text) > 4000 {
		text = text[:4000]
	}
	_, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), text))
	return err
}

// WatchBus forwards security and agent-error events to the notifier until
// the context ends.
func WatchBus(ctx context.Context, b *bus.Bus, n Notifier) {
	events, cancel := b.Subscribe("*", 32)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !alertWorthy(e) {
				continue
			}
			text := fmt.Sprintf("torbo alert: %s", e.Name)
			if e.Payload != nil {
				text = fmt.Sprintf("%s\n%v", text, e.Payload)
			}
			if err := n.Notify(ctx, text); err != nil {
				slog.Warn("notification failed", "event", e.Name, "error", err)
			}
		}
	}
}

func alertWorthy(e bus.Event) bool {
	switch {
	case e.Name == "system.agent.error":
		return true
	case len(e.Name) > 9 && e.Name[:9] == "security.":
		return true
	}
	return false
}
