package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/pheezz/wireguard-bot/internal/contextkeys"
	"github.com/pheezz/wireguard-bot/internal/lifecycle"
	"github.com/pheezz/wireguard-bot/internal/messages"
	"github.com/pheezz/wireguard-bot/internal/wg"
	"github.com/pheezz/wireguard-bot/types"
)

// Handlers is the command surface: it parses administrator and user commands,
// invokes the lifecycle engine, and renders its structured results.
type Handlers struct {
	engine    *lifecycle.Engine
	ledger    types.Ledger
	service   types.ServiceController
	adminGate func(bot.HandlerFunc) bot.HandlerFunc
}

func NewHandlers(engine *lifecycle.Engine, ledger types.Ledger, service types.ServiceController, adminGate func(bot.HandlerFunc) bot.HandlerFunc) *Handlers {
	return &Handlers{
		engine:    engine,
		ledger:    ledger,
		service:   service,
		adminGate: adminGate,
	}
}

var adminCommands = map[string]bool{
	"/ban":     true,
	"/unban":   true,
	"/status":  true,
	"/give":    true,
	"/setdate": true,
	"/banned":  true,
	"/stats":   true,
	"/restart": true,
}

// MainHandler routes an update to the admin or user surface. Administrator
// commands pass through the admin gate supplied at construction.
func (h *Handlers) MainHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	fields := commandFields(update)
	if len(fields) == 0 {
		return
	}
	if adminCommands[fields[0]] {
		h.adminGate(h.HandleAdminCommand)(ctx, b, update)
		return
	}
	h.HandleUserCommand(ctx, b, update)
}

func (h *Handlers) reply(ctx context.Context, b *bot.Bot, chatID int64, text string) {
	if chatID == 0 {
		return
	}
	if _, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
	}); err != nil {
		log.Printf("Reply: chat %d: %v", chatID, err)
	}
}

func chatIDFromContext(ctx context.Context, update *models.Update) int64 {
	if id, ok := contextkeys.GetChatID(ctx); ok {
		return id
	}
	if update.Message != nil {
		return update.Message.Chat.ID
	}
	return 0
}

func commandFields(update *models.Update) []string {
	if update.Message == nil {
		return nil
	}
	fields := strings.Fields(strings.TrimSpace(update.Message.Text))
	if len(fields) == 0 {
		return nil
	}
	if strings.Contains(fields[0], "@") {
		fields[0] = strings.SplitN(fields[0], "@", 2)[0]
	}
	return fields
}

func parseUserID(arg string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// HandleUserCommand serves non-admin commands. Unknown input gets a fixed
// reply, never internal detail.
func (h *Handlers) HandleUserCommand(ctx context.Context, b *bot.Bot, update *models.Update) {
	chatID := chatIDFromContext(ctx, update)
	fields := commandFields(update)
	if len(fields) == 0 {
		return
	}
	userID, _ := contextkeys.GetUserID(ctx)

	switch fields[0] {
	case "/start":
		if update.Message != nil && update.Message.From != nil {
			err := h.ledger.UpsertUser(ctx, types.User{
				UserID:   userID,
				ChatID:   chatID,
				Username: update.Message.From.Username,
			})
			if err != nil {
				log.Printf("Start: user %d: %v", userID, err)
				h.reply(ctx, b, chatID, messages.ErrorDefault())
				return
			}
		}
		h.reply(ctx, b, chatID, "👋 Привет! Это сервис WireGuard VPN.")
	case "/config":
		h.cmdConfig(ctx, b, chatID, userID, fields)
	default:
		h.reply(ctx, b, chatID, messages.ErrorUnknownCommand())
	}
}

// cmdConfig issues a fresh peer for the requesting user's device. This is the
// explicit re-provisioning step after an unban or after a ban removed the
// old configuration.
func (h *Handlers) cmdConfig(ctx context.Context, b *bot.Bot, chatID, userID int64, fields []string) {
	class, ok := parseClass(fields)
	if !ok {
		h.reply(ctx, b, chatID, messages.UsageConfig())
		return
	}

	privateKey, err := h.engine.Provision(ctx, userID, class)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrBanned):
			h.reply(ctx, b, chatID, messages.AccessDenied())
		case errors.Is(err, types.ErrExpired):
			h.reply(ctx, b, chatID, messages.SubscriptionRequired())
		default:
			log.Printf("Config command: user %d: %v", userID, err)
			h.reply(ctx, b, chatID, messages.ErrorDefault())
		}
		return
	}
	h.reply(ctx, b, chatID, messages.ConfigIssued(string(class), privateKey))
}

// parseClass maps the optional device argument; a bare /config means PC.
func parseClass(fields []string) (wg.Class, bool) {
	if len(fields) == 1 {
		return wg.ClassPC, true
	}
	if len(fields) != 2 {
		return "", false
	}
	switch strings.ToLower(fields[1]) {
	case "pc":
		return wg.ClassPC, true
	case "phone":
		return wg.ClassPhone, true
	default:
		return "", false
	}
}
