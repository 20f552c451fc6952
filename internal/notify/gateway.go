package notify

import (
	"context"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/pheezz/wireguard-bot/internal/messages"
	"github.com/pheezz/wireguard-bot/types"
)

// Gateway delivers messages over the Telegram Bot API and reports the
// outcome as data. The lifecycle engine branches on the outcome enum, never
// on transport error types.
type Gateway struct {
	bot     *bot.Bot
	timeout time.Duration
}

func NewGateway(b *bot.Bot, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{bot: b, timeout: timeout}
}

func (g *Gateway) Deliver(ctx context.Context, chatID int64, text string) types.DeliveryOutcome {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
	})
	if err == nil {
		return types.DeliveryOutcome{Status: types.DeliveryDelivered}
	}
	if kind, ok := unreachableKind(err); ok {
		return types.DeliveryOutcome{
			Status: types.DeliveryRecipientUnreachable,
			Kind:   kind,
			Detail: err.Error(),
		}
	}
	return types.DeliveryOutcome{
		Status: types.DeliveryTransientError,
		Detail: err.Error(),
	}
}

// unreachableKind recognizes the Bot API responses that mean the recipient
// is permanently gone. Everything else is treated as transient.
func unreachableKind(err error) (string, bool) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "bot was blocked by the user"):
		return "blocked", true
	case strings.Contains(msg, "chat not found"):
		return "not_found", true
	case strings.Contains(msg, "user is deactivated"):
		return "deactivated", true
	default:
		return "", false
	}
}
