package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pheezz/wireguard-bot/internal/wg"
	"github.com/pheezz/wireguard-bot/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu           sync.Mutex
	users        map[int64]*types.User
	configRows   map[int64]int
	allocatedIPs []string
	extendCalls  int
	deleteCalls  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		users:      make(map[int64]*types.User),
		configRows: make(map[int64]int),
	}
}

func (l *fakeLedger) UpsertUser(_ context.Context, user types.User) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	u := user
	l.users[user.UserID] = &u
	return nil
}

func (l *fakeLedger) GetUser(_ context.Context, userID int64) (*types.User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[userID]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (l *fakeLedger) ExtendSubscription(_ context.Context, userID int64, d time.Duration) (time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[userID]
	if !ok {
		return time.Time{}, types.ErrNotFound
	}
	base := time.Now()
	if u.SubscriptionEndDate != nil && u.SubscriptionEndDate.After(base) {
		base = *u.SubscriptionEndDate
	}
	until := base.Add(d)
	u.SubscriptionEndDate = &until
	l.extendCalls++
	return until, nil
}

func (l *fakeLedger) SetExpiryAbsolute(_ context.Context, userID int64, until time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[userID]
	if !ok {
		return types.ErrNotFound
	}
	u.SubscriptionEndDate = &until
	return nil
}

func (l *fakeLedger) IsExpired(_ context.Context, userID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[userID]
	if !ok {
		return false, types.ErrNotFound
	}
	return u.SubscriptionEndDate == nil || u.SubscriptionEndDate.Before(time.Now()), nil
}

func (l *fakeLedger) MarkBanned(_ context.Context, userID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[userID]
	if !ok {
		return types.ErrNotFound
	}
	u.Banned = true
	sentinel := time.Now().AddDate(0, 0, -9999)
	u.SubscriptionEndDate = &sentinel
	return nil
}

func (l *fakeLedger) ClearBanned(_ context.Context, userID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[userID]
	if !ok {
		return types.ErrNotFound
	}
	u.Banned = false
	return nil
}

func (l *fakeLedger) AddUserConfig(_ context.Context, userID int64, _, _, allowedIP string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configRows[userID]++
	l.allocatedIPs = append(l.allocatedIPs, allowedIP)
	return nil
}

func (l *fakeLedger) ListAllocatedIPs(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.allocatedIPs...), nil
}

func (l *fakeLedger) IncrementConfigCount(_ context.Context, userID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.users[userID]
	if !ok {
		return types.ErrNotFound
	}
	u.ConfigCount++
	return nil
}

func (l *fakeLedger) DeleteUserConfigs(_ context.Context, userID int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleteCalls++
	n := l.configRows[userID]
	l.configRows[userID] = 0
	return int64(n), nil
}

func (l *fakeLedger) ListNewlyExpired(_ context.Context) ([]types.User, error) {
	return nil, nil
}

func (l *fakeLedger) MarkExpiryNotified(_ context.Context, userID int64) error {
	return nil
}

func (l *fakeLedger) ListUsersByExpiry(_ context.Context, _ types.UserFilter) ([]types.User, error) {
	return nil, nil
}

type fakeRegistry struct {
	mu      sync.Mutex
	records map[int64]types.BanRecord
	banErr  error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: make(map[int64]types.BanRecord)}
}

func (r *fakeRegistry) Ban(_ context.Context, userID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.banErr != nil {
		return r.banErr
	}
	r.records[userID] = types.BanRecord{UserID: userID, BannedAt: time.Now(), Reason: reason}
	return nil
}

func (r *fakeRegistry) Unban(_ context.Context, userID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[userID]
	delete(r.records, userID)
	return ok, nil
}

func (r *fakeRegistry) IsBanned(_ context.Context, userID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[userID]
	return ok, nil
}

func (r *fakeRegistry) ListBanned(_ context.Context) ([]types.BanRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.BanRecord
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out, nil
}

type fakePeers struct {
	mu     sync.Mutex
	blocks map[string][]string
}

func newFakePeers() *fakePeers {
	return &fakePeers{blocks: make(map[string][]string)}
}

func disconnectedForm(label string) string {
	return "#DISCONNECTED_" + strings.TrimPrefix(label, "#")
}

func (p *fakePeers) RemovePeerBlocks(_ context.Context, labelVariants []string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for _, label := range labelVariants {
		if _, ok := p.blocks[label]; ok {
			delete(p.blocks, label)
			removed++
		}
	}
	return removed, nil
}

func (p *fakePeers) DisconnectPeer(_ context.Context, label string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	block, ok := p.blocks[label]
	if !ok {
		return false, nil
	}
	delete(p.blocks, label)
	p.blocks[disconnectedForm(label)] = block
	return true, nil
}

func (p *fakePeers) ReconnectPeer(_ context.Context, label string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	block, ok := p.blocks[disconnectedForm(label)]
	if !ok {
		return false, nil
	}
	delete(p.blocks, disconnectedForm(label))
	p.blocks[label] = block
	return true, nil
}

func (p *fakePeers) AddPeerBlock(_ context.Context, label string, lines []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(lines) != 4 {
		return types.ErrConfigFormat
	}
	delete(p.blocks, disconnectedForm(label))
	p.blocks[label] = lines
	return nil
}

func (p *fakePeers) has(label string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.blocks[label]
	return ok
}

func (p *fakePeers) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.blocks)
}

type fakeService struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (s *fakeService) Restart(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.err
}

func (s *fakeService) restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeNotifier struct {
	mu      sync.Mutex
	outcome types.DeliveryOutcome
	sent    []string
}

func (n *fakeNotifier) Deliver(_ context.Context, _ int64, text string) types.DeliveryOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
	return n.outcome
}

func (n *fakeNotifier) delivered() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

type fixture struct {
	ledger *fakeLedger
	bans   *fakeRegistry
	peers  *fakePeers
	svc    *fakeService
	notes  *fakeNotifier
	engine *Engine
}

func newFixture() *fixture {
	f := &fixture{
		ledger: newFakeLedger(),
		bans:   newFakeRegistry(),
		peers:  newFakePeers(),
		svc:    &fakeService{},
		notes:  &fakeNotifier{outcome: types.DeliveryOutcome{Status: types.DeliveryDelivered}},
	}
	f.engine = NewEngine(f.ledger, f.bans, f.peers, f.svc, f.notes, Config{RestartRetries: 3})
	return f
}

func (f *fixture) addUser(userID int64, username string, expiry *time.Time) {
	f.ledger.users[userID] = &types.User{
		UserID:              userID,
		ChatID:              userID,
		Username:            username,
		SubscriptionEndDate: expiry,
	}
}

func (f *fixture) addActivePeers(username string) {
	for _, class := range wg.Classes() {
		f.peers.blocks[wg.Label(username, class)] = []string{"[Peer]", "PublicKey = x", "PresharedKey = y", "AllowedIPs = z"}
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestGrantExpiredUserExtendsFromNow(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", timePtr(time.Now().Add(-24*time.Hour)))

	res, err := f.engine.Grant(context.Background(), 1, 30)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, types.StateActive, res.State)

	u, err := f.ledger.GetUser(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, u.SubscriptionEndDate)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), *u.SubscriptionEndDate, 5*time.Second)
}

func TestGrantActiveUserExtendsFromExpiry(t *testing.T) {
	f := newFixture()
	future := time.Now().Add(10 * 24 * time.Hour)
	f.addUser(1, "alice", timePtr(future))

	res, err := f.engine.Grant(context.Background(), 1, 30)
	require.NoError(t, err)
	assert.Equal(t, types.StateActive, res.State)

	u, _ := f.ledger.GetUser(context.Background(), 1)
	assert.WithinDuration(t, future.AddDate(0, 0, 30), *u.SubscriptionEndDate, time.Second)
}

func TestGrantExpiredUserReconnectsPeers(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", timePtr(time.Now().Add(-24*time.Hour)))
	f.peers.blocks[disconnectedForm(wg.Label("alice", wg.ClassPC))] = []string{"[Peer]", "a", "b", "c"}

	_, err := f.engine.Grant(context.Background(), 1, 30)
	require.NoError(t, err)

	assert.True(t, f.peers.has(wg.Label("alice", wg.ClassPC)))
	assert.False(t, f.peers.has(disconnectedForm(wg.Label("alice", wg.ClassPC))))
	assert.Equal(t, 1, f.svc.restarts())
	require.Len(t, f.notes.delivered(), 1)
}

func TestGrantActiveToActiveHasNoSideEffects(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", timePtr(time.Now().Add(24*time.Hour)))
	f.addActivePeers("alice")

	_, err := f.engine.Grant(context.Background(), 1, 30)
	require.NoError(t, err)
	assert.Zero(t, f.svc.restarts())
	assert.Empty(t, f.notes.delivered())
}

func TestGrantRefusedForBannedUser(t *testing.T) {
	f := newFixture()
	f.addUser(2, "bob", nil)
	f.ledger.users[2].Banned = true

	res, err := f.engine.Grant(context.Background(), 2, 30)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrBanned)
	assert.Equal(t, types.StateBanned, res.State)
	assert.Zero(t, f.ledger.extendCalls)
}

func TestGrantUnknownUser(t *testing.T) {
	f := newFixture()

	_, err := f.engine.Grant(context.Background(), 42, 30)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestBanCompletely(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", timePtr(time.Now().Add(24*time.Hour)))
	f.addActivePeers("alice")
	f.ledger.configRows[1] = 2

	res, err := f.engine.BanCompletely(context.Background(), 1, "banned by administrator")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, types.StateBanned, res.State)

	banned, _ := f.bans.IsBanned(context.Background(), 1)
	assert.True(t, banned)
	assert.Zero(t, f.peers.count())
	assert.Zero(t, f.ledger.configRows[1])
	assert.Equal(t, 1, f.svc.restarts())

	u, _ := f.ledger.GetUser(context.Background(), 1)
	assert.True(t, u.Banned)
	require.NotNil(t, u.SubscriptionEndDate)
	assert.True(t, u.SubscriptionEndDate.Before(time.Now().AddDate(0, 0, -9000)))
}

func TestBanCompletelyIsIdempotent(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", nil)
	f.addActivePeers("alice")

	_, err := f.engine.BanCompletely(context.Background(), 1, "banned by administrator")
	require.NoError(t, err)

	res, err := f.engine.BanCompletely(context.Background(), 1, "banned by administrator")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrAlreadyInState)
	assert.Equal(t, types.StateBanned, res.State)

	records, _ := f.bans.ListBanned(context.Background())
	assert.Len(t, records, 1)
	assert.Equal(t, 1, f.svc.restarts())
}

func TestBanAbortsBeforeBookkeepingWhenRestartFails(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", nil)
	f.addActivePeers("alice")
	f.svc.err = fmt.Errorf("%w: restart timed out", types.ErrResourceUnavailable)

	_, err := f.engine.BanCompletely(context.Background(), 1, "banned by administrator")
	require.Error(t, err)

	// bounded retries, then fatal with no bookkeeping applied
	assert.Equal(t, 3, f.svc.restarts())
	assert.Zero(t, f.ledger.deleteCalls)
	banned, _ := f.bans.IsBanned(context.Background(), 1)
	assert.False(t, banned)
	u, _ := f.ledger.GetUser(context.Background(), 1)
	assert.False(t, u.Banned)
}

func TestUnbanRestoresNothing(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", timePtr(time.Now().Add(24*time.Hour)))
	f.addActivePeers("alice")

	_, err := f.engine.BanCompletely(context.Background(), 1, "banned by administrator")
	require.NoError(t, err)

	res, err := f.engine.Unban(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.OK)
	// the ban pushed the expiry into the far past, so the user comes back expired
	assert.Equal(t, types.StateExpired, res.State)

	banned, _ := f.bans.IsBanned(context.Background(), 1)
	assert.False(t, banned)
	u, _ := f.ledger.GetUser(context.Background(), 1)
	assert.False(t, u.Banned)
	assert.Zero(t, f.peers.count())
}

func TestUnbanOfNotBannedUser(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", nil)

	res, err := f.engine.Unban(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrAlreadyInState)
	assert.False(t, res.OK)
}

func TestUnreachableRecipientTriggersFullBan(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", timePtr(time.Now().Add(24*time.Hour)))
	f.addActivePeers("alice")
	f.notes.outcome = types.DeliveryOutcome{
		Status: types.DeliveryRecipientUnreachable,
		Kind:   "blocked",
	}

	user, err := f.ledger.GetUser(context.Background(), 1)
	require.NoError(t, err)
	ok, err := f.engine.SafeDeliver(context.Background(), user, "hello")
	require.NoError(t, err)
	assert.False(t, ok)

	banned, _ := f.bans.IsBanned(context.Background(), 1)
	assert.True(t, banned)
	records, _ := f.bans.ListBanned(context.Background())
	require.Len(t, records, 1)
	assert.Equal(t, ReasonUnreachable, records[0].Reason)
	assert.Zero(t, f.peers.count())
}

func TestTransientDeliveryErrorDoesNotBan(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", nil)
	f.notes.outcome = types.DeliveryOutcome{
		Status: types.DeliveryTransientError,
		Detail: "flood wait",
	}

	user, err := f.ledger.GetUser(context.Background(), 1)
	require.NoError(t, err)
	ok, err := f.engine.SafeDeliver(context.Background(), user, "hello")
	require.Error(t, err)
	assert.False(t, ok)

	banned, _ := f.bans.IsBanned(context.Background(), 1)
	assert.False(t, banned)
}

func TestExpireUserSoftDisconnects(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", timePtr(time.Now().Add(-time.Hour)))
	f.addActivePeers("alice")

	user, err := f.ledger.GetUser(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, f.engine.ExpireUser(context.Background(), *user))

	assert.True(t, f.peers.has(disconnectedForm(wg.Label("alice", wg.ClassPC))))
	assert.True(t, f.peers.has(disconnectedForm(wg.Label("alice", wg.ClassPhone))))
	assert.False(t, f.peers.has(wg.Label("alice", wg.ClassPC)))
	assert.Equal(t, 1, f.svc.restarts())
	require.Len(t, f.notes.delivered(), 1)
}

func TestProvisionIssuesPeer(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", timePtr(time.Now().Add(24*time.Hour)))

	priv, err := f.engine.Provision(context.Background(), 1, wg.ClassPC)
	require.NoError(t, err)
	assert.NotEmpty(t, priv)

	assert.True(t, f.peers.has(wg.Label("alice", wg.ClassPC)))
	u, _ := f.ledger.GetUser(context.Background(), 1)
	assert.Equal(t, 1, u.ConfigCount)
	assert.Equal(t, 1, f.svc.restarts())
}

func TestProvisionAllocatesFreeAddress(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", timePtr(time.Now().Add(24*time.Hour)))
	f.ledger.allocatedIPs = []string{"10.66.66.2/32", "10.66.66.3/32"}

	_, err := f.engine.Provision(context.Background(), 1, wg.ClassPC)
	require.NoError(t, err)

	block := f.peers.blocks[wg.Label("alice", wg.ClassPC)]
	require.Len(t, block, 4)
	assert.Equal(t, "AllowedIPs = 10.66.66.4/32", block[3])
	assert.Contains(t, f.ledger.allocatedIPs, "10.66.66.4/32")
}

func TestProvisionFailsWhenPoolExhausted(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", timePtr(time.Now().Add(24*time.Hour)))
	for octet := 2; octet <= 251; octet++ {
		f.ledger.allocatedIPs = append(f.ledger.allocatedIPs, fmt.Sprintf("10.66.66.%d/32", octet))
	}

	_, err := f.engine.Provision(context.Background(), 1, wg.ClassPC)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrResourceUnavailable)
	assert.False(t, f.peers.has(wg.Label("alice", wg.ClassPC)))
}

func TestProvisionRefusedWhenExpired(t *testing.T) {
	f := newFixture()
	f.addUser(1, "alice", timePtr(time.Now().Add(-time.Hour)))

	_, err := f.engine.Provision(context.Background(), 1, wg.ClassPC)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrExpired)
	assert.False(t, f.peers.has(wg.Label("alice", wg.ClassPC)))
}

func TestUserLockEntriesDropAfterUse(t *testing.T) {
	f := newFixture()
	for id := int64(1); id <= 5; id++ {
		f.addUser(id, fmt.Sprintf("user%d", id), timePtr(time.Now().Add(24*time.Hour)))
		_, err := f.engine.Grant(context.Background(), id, 30)
		require.NoError(t, err)
	}

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	assert.Empty(t, f.engine.locks)
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, types.StateBanned, StateOf(&types.User{Banned: true}))
	assert.Equal(t, types.StateExpired, StateOf(&types.User{}))
	assert.Equal(t, types.StateExpired, StateOf(&types.User{SubscriptionEndDate: timePtr(time.Now().Add(-time.Minute))}))
	assert.Equal(t, types.StateActive, StateOf(&types.User{SubscriptionEndDate: timePtr(time.Now().Add(time.Hour))}))
}
