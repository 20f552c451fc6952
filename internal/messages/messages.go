package messages

import (
	"fmt"
	"strings"
	"time"

	"github.com/pheezz/wireguard-bot/types"
)

const ParseModeHTML = "HTML"

const dateLayout = "02-01-2006"

func Escape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&#39;",
	)
	return replacer.Replace(strings.TrimSpace(s))
}

func code(s string) string {
	return fmt.Sprintf("<code>%s</code>", Escape(s))
}

func bold(s string) string {
	return fmt.Sprintf("<b>%s</b>", Escape(s))
}

// AccessDenied is the fixed reply a banned user sees. Never leaks internal
// detail.
func AccessDenied() string {
	return "🚫 Доступ к сервису заблокирован."
}

func ErrorDefault() string {
	return "🚫 <b>Ошибка сервиса</b>\nПопробуйте ещё раз."
}

func ErrorUnknownCommand() string {
	return "❓ <b>Команда не найдена</b>"
}

func RateLimited() string {
	return "⏳ Слишком много запросов. Подождите немного."
}

func UserNotFound(userID int64) string {
	return fmt.Sprintf("Пользователь %s не найден в базе данных", code(fmt.Sprintf("%d", userID)))
}

func AdminOnly() string {
	return "У вас нет прав для использования этой команды."
}

func BanDone(userID int64, username string) string {
	return fmt.Sprintf(
		"✅ Пользователь %s::%s заблокирован навсегда.\nВсе конфигурации удалены из WireGuard и базы данных.",
		code(fmt.Sprintf("%d", userID)), code(username),
	)
}

func AlreadyBanned(userID int64) string {
	return fmt.Sprintf("Пользователь %s уже заблокирован", code(fmt.Sprintf("%d", userID)))
}

func UnbanDone(userID int64, username string) string {
	return fmt.Sprintf(
		"✅ Пользователь %s::%s разблокирован.\nТеперь он может снова использовать бота.",
		code(fmt.Sprintf("%d", userID)), code(username),
	)
}

func NotBanned(userID int64) string {
	return fmt.Sprintf("Пользователь %s не заблокирован", code(fmt.Sprintf("%d", userID)))
}

func GrantDone(userID int64, days int, until time.Time) string {
	return fmt.Sprintf(
		"Пользователю %s продлена подписка на %s дней.\nТеперь она актуальна до: %s",
		code(fmt.Sprintf("%d", userID)), bold(fmt.Sprintf("%d", days)), bold(until.Format(dateLayout)),
	)
}

func SetDateDone(userID int64, until time.Time) string {
	return fmt.Sprintf(
		"Пользователю %s установлена дата окончания подписки: %s",
		code(fmt.Sprintf("%d", userID)), bold(until.Format(dateLayout)),
	)
}

func StatusText(user *types.User, banned bool, expired bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👤 Пользователь %s::%s\n\n", code(fmt.Sprintf("%d", user.UserID)), code(user.Username))
	if banned {
		b.WriteString("🚫 Заблокирован: Да\n")
	} else {
		b.WriteString("🚫 Заблокирован: Нет\n")
	}
	if user.SubscriptionEndDate != nil {
		fmt.Fprintf(&b, "📅 Подписка до: %s\n", bold(user.SubscriptionEndDate.Format(dateLayout)))
	} else {
		b.WriteString("📅 Подписка до: —\n")
	}
	if expired {
		b.WriteString("⏰ Статус подписки: Истекла\n")
	} else {
		b.WriteString("⏰ Статус подписки: Активна\n")
	}
	fmt.Fprintf(&b, "📱 Конфигурации: %d\n", user.ConfigCount)
	return b.String()
}

func BannedList(records []types.BanRecord) string {
	if len(records) == 0 {
		return "Заблокированных пользователей нет"
	}
	var b strings.Builder
	b.WriteString("🚫 <b>Заблокированные пользователи</b>\n\n")
	for _, r := range records {
		fmt.Fprintf(&b, "%s — %s — %s\n",
			code(fmt.Sprintf("%d", r.UserID)), r.BannedAt.Format(dateLayout), Escape(r.Reason))
	}
	return b.String()
}

func ConfigIssued(class string, privateKey string) string {
	return fmt.Sprintf(
		"🔑 Новая конфигурация (%s)\nПриватный ключ: %s\nСохраните его: повторно он не показывается.",
		bold(class), code(privateKey),
	)
}

func SubscriptionRequired() string {
	return "Ваша подписка неактивна. Продлите её, чтобы получить конфигурацию."
}

func UsersByExpiry(users []types.User) string {
	if len(users) == 0 {
		return "Пользователей не найдено"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>Пользователи по дате окончания</b> (%d)\n\n", len(users))
	for _, u := range users {
		date := "—"
		if u.SubscriptionEndDate != nil {
			date = u.SubscriptionEndDate.Format(dateLayout)
		}
		fmt.Fprintf(&b, "%s::%s — %s\n", code(fmt.Sprintf("%d", u.UserID)), code(u.Username), date)
	}
	return b.String()
}

func SubscriptionExtended(days int) string {
	return fmt.Sprintf("Поздравляем! Администратор продлил вашу подписку на %s дней!", bold(fmt.Sprintf("%d", days)))
}

func SubscriptionExpired() string {
	return "Ваша подписка истекла."
}

func ServiceRestarted() string {
	return "Сервис WireGuard перезапущен"
}

func UsageBan() string {
	return "Использование: " + code("/ban user_id")
}

func UsageUnban() string {
	return "Использование: " + code("/unban user_id")
}

func UsageStatus() string {
	return "Использование: " + code("/status user_id")
}

func UsageGive() string {
	return "Использование: " + code("/give user_id days")
}

func UsageSetDate() string {
	return "Использование: " + code("/setdate user_id days")
}

func UsageConfig() string {
	return "Использование: " + code("/config pc|phone")
}

func UsageStats() string {
	return "Использование: " + code("/stats [active|expired]")
}

func InvalidUserID() string {
	return "Неверный формат user_id"
}

func AdminFailure(userID int64, detail string) string {
	return fmt.Sprintf("Ошибка для пользователя %s: %s", code(fmt.Sprintf("%d", userID)), Escape(detail))
}
