package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/pheezz/wireguard-bot/internal/messages"
	"github.com/pheezz/wireguard-bot/types"
)

// HandleAdminCommand dispatches the administrator commands. The admin gate
// runs before this handler; here only parsing and rendering remain.
func (h *Handlers) HandleAdminCommand(ctx context.Context, b *bot.Bot, update *models.Update) {
	chatID := chatIDFromContext(ctx, update)
	fields := commandFields(update)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "/ban":
		h.cmdBan(ctx, b, chatID, fields)
	case "/unban":
		h.cmdUnban(ctx, b, chatID, fields)
	case "/status":
		h.cmdStatus(ctx, b, chatID, fields)
	case "/give":
		h.cmdGive(ctx, b, chatID, fields)
	case "/setdate":
		h.cmdSetDate(ctx, b, chatID, fields)
	case "/banned":
		h.cmdBannedList(ctx, b, chatID)
	case "/stats":
		h.cmdStats(ctx, b, chatID, fields)
	case "/restart":
		h.cmdRestart(ctx, b, chatID)
	default:
		h.reply(ctx, b, chatID, messages.ErrorUnknownCommand())
	}
}

func (h *Handlers) cmdBan(ctx context.Context, b *bot.Bot, chatID int64, fields []string) {
	if len(fields) != 2 {
		h.reply(ctx, b, chatID, messages.UsageBan())
		return
	}
	userID, ok := parseUserID(fields[1])
	if !ok {
		h.reply(ctx, b, chatID, messages.InvalidUserID())
		return
	}

	res, err := h.engine.BanCompletely(ctx, userID, "banned by administrator")
	h.renderResult(ctx, b, chatID, userID, res, err)
}

func (h *Handlers) cmdUnban(ctx context.Context, b *bot.Bot, chatID int64, fields []string) {
	if len(fields) != 2 {
		h.reply(ctx, b, chatID, messages.UsageUnban())
		return
	}
	userID, ok := parseUserID(fields[1])
	if !ok {
		h.reply(ctx, b, chatID, messages.InvalidUserID())
		return
	}

	res, err := h.engine.Unban(ctx, userID)
	h.renderResult(ctx, b, chatID, userID, res, err)
}

func (h *Handlers) cmdStatus(ctx context.Context, b *bot.Bot, chatID int64, fields []string) {
	if len(fields) != 2 {
		h.reply(ctx, b, chatID, messages.UsageStatus())
		return
	}
	userID, ok := parseUserID(fields[1])
	if !ok {
		h.reply(ctx, b, chatID, messages.InvalidUserID())
		return
	}

	user, expired, err := h.engine.Status(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			h.reply(ctx, b, chatID, messages.UserNotFound(userID))
			return
		}
		log.Printf("Status command: user %d: %v", userID, err)
		h.reply(ctx, b, chatID, messages.AdminFailure(userID, err.Error()))
		return
	}
	h.reply(ctx, b, chatID, messages.StatusText(user, user.Banned, expired))
}

func (h *Handlers) cmdGive(ctx context.Context, b *bot.Bot, chatID int64, fields []string) {
	userID, days, ok := parseUserIDAndDays(fields)
	if !ok {
		h.reply(ctx, b, chatID, messages.UsageGive())
		return
	}

	res, err := h.engine.Grant(ctx, userID, days)
	h.renderResult(ctx, b, chatID, userID, res, err)
}

func (h *Handlers) cmdSetDate(ctx context.Context, b *bot.Bot, chatID int64, fields []string) {
	userID, days, ok := parseUserIDAndDays(fields)
	if !ok {
		h.reply(ctx, b, chatID, messages.UsageSetDate())
		return
	}

	res, err := h.engine.SetExpiry(ctx, userID, days)
	h.renderResult(ctx, b, chatID, userID, res, err)
}

func (h *Handlers) cmdBannedList(ctx context.Context, b *bot.Bot, chatID int64) {
	records, err := h.engine.ListBanned(ctx)
	if err != nil {
		log.Printf("Banned list command: %v", err)
		h.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	h.reply(ctx, b, chatID, messages.BannedList(records))
}

// cmdStats lists every user with their subscription end date, newest first,
// optionally narrowed to active or expired subscriptions.
func (h *Handlers) cmdStats(ctx context.Context, b *bot.Bot, chatID int64, fields []string) {
	filter, ok := parseUserFilter(fields)
	if !ok {
		h.reply(ctx, b, chatID, messages.UsageStats())
		return
	}

	users, err := h.ledger.ListUsersByExpiry(ctx, filter)
	if err != nil {
		log.Printf("Stats command: %v", err)
		h.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	h.reply(ctx, b, chatID, messages.UsersByExpiry(users))
}

func parseUserFilter(fields []string) (types.UserFilter, bool) {
	switch len(fields) {
	case 1:
		return types.FilterAll, true
	case 2:
		switch strings.ToLower(fields[1]) {
		case "active":
			return types.FilterActive, true
		case "expired":
			return types.FilterExpired, true
		}
	}
	return "", false
}

func (h *Handlers) cmdRestart(ctx context.Context, b *bot.Bot, chatID int64) {
	if err := h.service.Restart(ctx); err != nil {
		log.Printf("Restart command: %v", err)
		h.reply(ctx, b, chatID, messages.ErrorDefault())
		return
	}
	h.reply(ctx, b, chatID, messages.ServiceRestarted())
}

// renderResult turns a CommandResult plus the error taxonomy into admin
// replies: benign no-ops and refusals show the result detail, failures show
// a short reason with the identity.
func (h *Handlers) renderResult(ctx context.Context, b *bot.Bot, chatID, userID int64, res types.CommandResult, err error) {
	switch {
	case err == nil:
		h.reply(ctx, b, chatID, res.Detail)
	case errors.Is(err, types.ErrAlreadyInState), errors.Is(err, types.ErrBanned):
		h.reply(ctx, b, chatID, res.Detail)
	case errors.Is(err, types.ErrNotFound):
		h.reply(ctx, b, chatID, messages.UserNotFound(userID))
	default:
		h.reply(ctx, b, chatID, messages.AdminFailure(userID, err.Error()))
	}
}

func parseUserIDAndDays(fields []string) (int64, int, bool) {
	if len(fields) != 3 {
		return 0, 0, false
	}
	userID, ok := parseUserID(fields[1])
	if !ok {
		return 0, 0, false
	}
	days, err := strconv.Atoi(fields[2])
	if err != nil {
		return 0, 0, false
	}
	return userID, days, true
}
