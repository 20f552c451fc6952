package store

import (
	"context"
	"testing"
	"time"

	"github.com/pheezz/wireguard-bot/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRegistry struct {
	records       map[int64]types.BanRecord
	isBannedCalls int
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{records: make(map[int64]types.BanRecord)}
}

func (r *stubRegistry) Ban(_ context.Context, userID int64, reason string) error {
	r.records[userID] = types.BanRecord{UserID: userID, BannedAt: time.Now(), Reason: reason}
	return nil
}

func (r *stubRegistry) Unban(_ context.Context, userID int64) (bool, error) {
	_, ok := r.records[userID]
	delete(r.records, userID)
	return ok, nil
}

func (r *stubRegistry) IsBanned(_ context.Context, userID int64) (bool, error) {
	r.isBannedCalls++
	_, ok := r.records[userID]
	return ok, nil
}

func (r *stubRegistry) ListBanned(_ context.Context) ([]types.BanRecord, error) {
	var out []types.BanRecord
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out, nil
}

func TestBanCacheFallsBackWithoutRedis(t *testing.T) {
	reg := newStubRegistry()
	require.NoError(t, reg.Ban(context.Background(), 7, "banned by administrator"))

	cache := NewBanCache(reg, nil, time.Minute)

	banned, err := cache.IsBanned(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, banned)

	banned, err = cache.IsBanned(context.Background(), 8)
	require.NoError(t, err)
	assert.False(t, banned)

	// every verdict came straight from the registry
	assert.Equal(t, 2, reg.isBannedCalls)
}

func TestBanCacheWritesThrough(t *testing.T) {
	reg := newStubRegistry()
	cache := NewBanCache(reg, nil, time.Minute)

	require.NoError(t, cache.Ban(context.Background(), 7, "unreachable recipient"))
	assert.Contains(t, reg.records, int64(7))

	removed, err := cache.Unban(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = cache.Unban(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestBanCacheListDelegates(t *testing.T) {
	reg := newStubRegistry()
	require.NoError(t, reg.Ban(context.Background(), 1, "banned by administrator"))

	cache := NewBanCache(reg, nil, time.Minute)
	records, err := cache.ListBanned(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].UserID)
}
