package messages

import (
	"testing"
	"time"

	"github.com/pheezz/wireguard-bot/types"
	"github.com/stretchr/testify/assert"
)

func TestEscape(t *testing.T) {
	assert.Equal(t, "a &amp; b &lt;c&gt;", Escape("  a & b <c>  "))
	assert.Equal(t, "&quot;x&#39;s&quot;", Escape(`"x's"`))
}

func TestGrantDoneRendersDate(t *testing.T) {
	until := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	got := GrantDone(123, 30, until)
	assert.Contains(t, got, "<code>123</code>")
	assert.Contains(t, got, "<b>30</b>")
	assert.Contains(t, got, "15-03-2026")
}

func TestStatusText(t *testing.T) {
	until := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	user := &types.User{UserID: 7, Username: "alice", SubscriptionEndDate: &until, ConfigCount: 2}

	got := StatusText(user, false, true)
	assert.Contains(t, got, "<code>alice</code>")
	assert.Contains(t, got, "02-01-2026")
	assert.Contains(t, got, "Истекла")
	assert.Contains(t, got, "Заблокирован: Нет")

	got = StatusText(&types.User{UserID: 8, Username: "bob", Banned: true}, true, true)
	assert.Contains(t, got, "Заблокирован: Да")
	assert.Contains(t, got, "Подписка до: —")
}

func TestBannedList(t *testing.T) {
	assert.Equal(t, "Заблокированных пользователей нет", BannedList(nil))

	records := []types.BanRecord{
		{UserID: 1, BannedAt: time.Date(2026, 5, 6, 0, 0, 0, 0, time.UTC), Reason: "unreachable recipient"},
	}
	got := BannedList(records)
	assert.Contains(t, got, "<code>1</code>")
	assert.Contains(t, got, "06-05-2026")
	assert.Contains(t, got, "unreachable recipient")
}

func TestAccessDeniedIsFixed(t *testing.T) {
	assert.Equal(t, "🚫 Доступ к сервису заблокирован.", AccessDenied())
}

func TestConfigIssued(t *testing.T) {
	got := ConfigIssued("PC", "priv-key==")
	assert.Contains(t, got, "<b>PC</b>")
	assert.Contains(t, got, "<code>priv-key==</code>")
}

func TestUsersByExpiry(t *testing.T) {
	assert.Equal(t, "Пользователей не найдено", UsersByExpiry(nil))

	until := time.Date(2026, 7, 8, 0, 0, 0, 0, time.UTC)
	got := UsersByExpiry([]types.User{
		{UserID: 1, Username: "alice", SubscriptionEndDate: &until},
		{UserID: 2, Username: "bob"},
	})
	assert.Contains(t, got, "(2)")
	assert.Contains(t, got, "<code>alice</code> — 08-07-2026")
	assert.Contains(t, got, "<code>bob</code> — —")
}
