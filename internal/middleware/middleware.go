package middleware

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/pheezz/wireguard-bot/internal/contextkeys"
	"github.com/pheezz/wireguard-bot/internal/messages"
	"github.com/pheezz/wireguard-bot/store"
	"github.com/pheezz/wireguard-bot/types"
)

// Middlewares is the explicit interceptor chain in front of the lifecycle
// engine: ban gate, rate limit, admin gate. Composed as ordinary function
// wrapping in main.
type Middlewares struct {
	bans     types.BanRegistry
	rdb      *store.RedisClient
	adminIDs map[int64]bool
}

func New(bans types.BanRegistry, rdb *store.RedisClient, adminIDs []int64) *Middlewares {
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Middlewares{
		bans:     bans,
		rdb:      rdb,
		adminIDs: admins,
	}
}

// BanGate drops every update from a banned identity with the fixed denial
// message. Runs first: it gates the hot path through the cached registry.
func (m *Middlewares) BanGate(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		userID, chatID := identityFromUpdate(update)
		if userID == 0 || chatID == 0 {
			return
		}

		banned, err := m.bans.IsBanned(ctx, userID)
		if err != nil {
			log.Printf("Ban gate: user %d: %v", userID, err)
			b.SendMessage(ctx, &bot.SendMessageParams{
				ChatID:    chatID,
				Text:      messages.ErrorDefault(),
				ParseMode: messages.ParseModeHTML,
			})
			return
		}
		if banned {
			log.Printf("Ban gate: dropped update from banned user %d", userID)
			b.SendMessage(ctx, &bot.SendMessageParams{
				ChatID:    chatID,
				Text:      messages.AccessDenied(),
				ParseMode: messages.ParseModeHTML,
			})
			return
		}

		ctx = contextkeys.WithUserID(ctx, userID)
		ctx = contextkeys.WithChatID(ctx, chatID)
		next(ctx, b, update)
	}
}

// RateLimit allows at most limit updates per user inside the window, backed
// by a Redis counter. A Redis failure lets the update through.
func (m *Middlewares) RateLimit(limit int, window time.Duration) func(bot.HandlerFunc) bot.HandlerFunc {
	return func(next bot.HandlerFunc) bot.HandlerFunc {
		return func(ctx context.Context, b *bot.Bot, update *models.Update) {
			userID, chatID := identityFromUpdate(update)
			if userID != 0 && m.rdb != nil {
				key := fmt.Sprintf("ratelimit:%d", userID)
				n, err := m.rdb.IncrWithTTL(ctx, key, window)
				if err != nil {
					log.Printf("Rate limit: user %d: %v", userID, err)
				} else if n > int64(limit) {
					if n == int64(limit)+1 && chatID != 0 {
						b.SendMessage(ctx, &bot.SendMessageParams{
							ChatID:    chatID,
							Text:      messages.RateLimited(),
							ParseMode: messages.ParseModeHTML,
						})
					}
					return
				}
			}
			next(ctx, b, update)
		}
	}
}

// AdminOnly rejects everyone outside the configured allowlist.
func (m *Middlewares) AdminOnly(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		userID, chatID := identityFromUpdate(update)
		if !m.adminIDs[userID] {
			log.Printf("Admin gate: refused user %d", userID)
			if chatID != 0 {
				b.SendMessage(ctx, &bot.SendMessageParams{
					ChatID:    chatID,
					Text:      messages.AdminOnly(),
					ParseMode: messages.ParseModeHTML,
				})
			}
			return
		}
		next(ctx, b, update)
	}
}

func identityFromUpdate(update *models.Update) (userID, chatID int64) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From.ID, update.Message.Chat.ID
	case update.CallbackQuery != nil:
		return update.CallbackQuery.From.ID, chatIDFromMaybeInaccessibleMessage(update.CallbackQuery.Message)
	default:
		return 0, 0
	}
}

func chatIDFromMaybeInaccessibleMessage(m models.MaybeInaccessibleMessage) int64 {
	if m.Message != nil {
		return m.Message.Chat.ID
	}
	if m.InaccessibleMessage != nil {
		return m.InaccessibleMessage.Chat.ID
	}
	return 0
}
