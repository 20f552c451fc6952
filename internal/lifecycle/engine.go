package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pheezz/wireguard-bot/internal/messages"
	"github.com/pheezz/wireguard-bot/internal/wg"
	"github.com/pheezz/wireguard-bot/types"
)

// ReasonUnreachable is the ban reason recorded when the messaging channel to
// the user is permanently gone (blocked / chat not found / deactivated).
const ReasonUnreachable = "unreachable recipient"

const defaultRestartRetries = 3

// Engine orchestrates the subscription ledger, the ban registry, and the
// peer configuration file as single logical operations. Composite operations
// stop at the first failing step; ordering puts the network-facing changes
// before bookkeeping, so a crash never leaves an active tunnel for a user the
// database already considers banned.
type Engine struct {
	ledger   types.Ledger
	bans     types.BanRegistry
	peers    types.PeerConfigStore
	service  types.ServiceController
	notifier types.Notifier

	restartRetries int

	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

type Config struct {
	RestartRetries int
}

func NewEngine(ledger types.Ledger, bans types.BanRegistry, peers types.PeerConfigStore, service types.ServiceController, notifier types.Notifier, config Config) *Engine {
	if config.RestartRetries <= 0 {
		config.RestartRetries = defaultRestartRetries
	}
	return &Engine{
		ledger:         ledger,
		bans:           bans,
		peers:          peers,
		service:        service,
		notifier:       notifier,
		restartRetries: config.RestartRetries,
		locks:          make(map[int64]*userLock),
	}
}

// lockUser serializes composite operations per identity. Operations on
// different identities proceed concurrently. Entries are reference-counted
// and dropped once the last holder releases, so the map does not grow with
// every identity ever seen.
func (e *Engine) lockUser(userID int64) func() {
	e.mu.Lock()
	l, ok := e.locks[userID]
	if !ok {
		l = &userLock{}
		e.locks[userID] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, userID)
		}
		e.mu.Unlock()
	}
}

// StateOf collapses a user record to the three lifecycle states. The banned
// flag wins over the expiry axis.
func StateOf(user *types.User) types.LifecycleState {
	if user.Banned {
		return types.StateBanned
	}
	if user.SubscriptionEndDate == nil || user.SubscriptionEndDate.Before(time.Now()) {
		return types.StateExpired
	}
	return types.StateActive
}

// Grant extends the user's subscription by the given number of days. Refused
// for banned users. When the extension flips the user from expired to active
// the soft-disabled peers are reconnected and the user is notified.
func (e *Engine) Grant(ctx context.Context, userID int64, days int) (types.CommandResult, error) {
	res, user, notifyText, err := e.grantLocked(ctx, userID, days)
	if err != nil {
		return res, err
	}
	if notifyText != "" {
		e.deliverAfterOp(ctx, user, notifyText)
	}
	return res, nil
}

func (e *Engine) grantLocked(ctx context.Context, userID int64, days int) (types.CommandResult, *types.User, string, error) {
	unlock := e.lockUser(userID)
	defer unlock()

	user, err := e.ledger.GetUser(ctx, userID)
	if err != nil {
		log.Printf("Grant: user %d: %v", userID, err)
		return types.CommandResult{Detail: messages.UserNotFound(userID)}, nil, "", err
	}
	if err := e.refuseIfBanned(ctx, user); err != nil {
		return types.CommandResult{Detail: messages.AlreadyBanned(userID), State: types.StateBanned}, nil, "", err
	}

	wasExpired, err := e.ledger.IsExpired(ctx, userID)
	if err != nil {
		log.Printf("Grant: user %d: expiry check: %v", userID, err)
		return types.CommandResult{}, nil, "", err
	}

	until, err := e.ledger.ExtendSubscription(ctx, userID, time.Duration(days)*24*time.Hour)
	if err != nil {
		log.Printf("Grant: user %d: extend: %v", userID, err)
		return types.CommandResult{}, nil, "", err
	}
	log.Printf("[+] user %d::%s subscription extended by %d days, until %s", userID, user.Username, days, until.Format(time.DateOnly))

	notifyText, state, err := e.applyExpiryTransition(ctx, user, wasExpired, until.Before(time.Now()), messages.SubscriptionExtended(days))
	if err != nil {
		return types.CommandResult{}, nil, "", err
	}
	return types.CommandResult{
		OK:     true,
		Detail: messages.GrantDone(userID, days, until),
		State:  state,
	}, user, notifyText, nil
}

// SetExpiry overwrites the expiry with now + days, for administrator-forced
// dates. Same two-state side effects as Grant, and the same ban gate.
func (e *Engine) SetExpiry(ctx context.Context, userID int64, days int) (types.CommandResult, error) {
	res, user, notifyText, err := e.setExpiryLocked(ctx, userID, days)
	if err != nil {
		return res, err
	}
	if notifyText != "" {
		e.deliverAfterOp(ctx, user, notifyText)
	}
	return res, nil
}

func (e *Engine) setExpiryLocked(ctx context.Context, userID int64, days int) (types.CommandResult, *types.User, string, error) {
	unlock := e.lockUser(userID)
	defer unlock()

	user, err := e.ledger.GetUser(ctx, userID)
	if err != nil {
		log.Printf("SetExpiry: user %d: %v", userID, err)
		return types.CommandResult{Detail: messages.UserNotFound(userID)}, nil, "", err
	}
	if err := e.refuseIfBanned(ctx, user); err != nil {
		return types.CommandResult{Detail: messages.AlreadyBanned(userID), State: types.StateBanned}, nil, "", err
	}

	wasExpired, err := e.ledger.IsExpired(ctx, userID)
	if err != nil {
		log.Printf("SetExpiry: user %d: expiry check: %v", userID, err)
		return types.CommandResult{}, nil, "", err
	}

	until := time.Now().Add(time.Duration(days) * 24 * time.Hour)
	if err := e.ledger.SetExpiryAbsolute(ctx, userID, until); err != nil {
		log.Printf("SetExpiry: user %d: %v", userID, err)
		return types.CommandResult{}, nil, "", err
	}
	log.Printf("[+] user %d::%s expiry set to %s", userID, user.Username, until.Format(time.DateOnly))

	notifyText, state, err := e.applyExpiryTransition(ctx, user, wasExpired, until.Before(time.Now()), messages.SubscriptionExtended(days))
	if err != nil {
		return types.CommandResult{}, nil, "", err
	}
	return types.CommandResult{
		OK:     true,
		Detail: messages.SetDateDone(userID, until),
		State:  state,
	}, user, notifyText, nil
}

// applyExpiryTransition performs the side effects of the four was/is expiry
// combinations: expired->active reconnects peers, active->expired soft
// disconnects them, the other two need nothing beyond the ledger write.
func (e *Engine) applyExpiryTransition(ctx context.Context, user *types.User, wasExpired, nowExpired bool, extendedText string) (string, types.LifecycleState, error) {
	switch {
	case wasExpired && !nowExpired:
		changed, err := e.reconnectPeers(ctx, user.Username)
		if err != nil {
			log.Printf("Lifecycle: user %d: reconnect: %v", user.UserID, err)
			return "", types.StateActive, err
		}
		if changed {
			if err := e.restartPeerService(ctx, user.UserID); err != nil {
				return "", types.StateActive, err
			}
		}
		return extendedText, types.StateActive, nil
	case !wasExpired && nowExpired:
		changed, err := e.disconnectPeers(ctx, user.Username)
		if err != nil {
			log.Printf("Lifecycle: user %d: disconnect: %v", user.UserID, err)
			return "", types.StateExpired, err
		}
		if changed {
			if err := e.restartPeerService(ctx, user.UserID); err != nil {
				return "", types.StateExpired, err
			}
		}
		return messages.SubscriptionExpired(), types.StateExpired, nil
	case nowExpired:
		return "", types.StateExpired, nil
	default:
		// active -> active: nothing beyond the ledger write.
		return "", types.StateActive, nil
	}
}

// BanCompletely removes the user's peer blocks, restarts the peer service,
// deletes stored configs, records the ban, and finally marks the user record.
// The order is load-bearing: a partial failure may leave a stale config row
// for a banned user, never a live tunnel.
func (e *Engine) BanCompletely(ctx context.Context, userID int64, reason string) (types.CommandResult, error) {
	unlock := e.lockUser(userID)
	defer unlock()

	user, err := e.ledger.GetUser(ctx, userID)
	if err != nil {
		log.Printf("Ban: user %d: %v", userID, err)
		return types.CommandResult{Detail: messages.UserNotFound(userID)}, err
	}
	if user.Banned {
		log.Printf("Ban: user %d already banned", userID)
		return types.CommandResult{
			Detail: messages.AlreadyBanned(userID),
			State:  types.StateBanned,
		}, types.ErrAlreadyInState
	}

	removed, err := e.peers.RemovePeerBlocks(ctx, wg.LabelVariants(user.Username))
	if err != nil {
		log.Printf("Ban: user %d: step remove peer blocks: %v", userID, err)
		return types.CommandResult{}, err
	}
	if removed > 0 {
		// The file is already rewritten; only the restart may be retried.
		// A still-failing restart aborts before any bookkeeping.
		if err := e.restartPeerService(ctx, userID); err != nil {
			log.Printf("Ban: user %d: step restart service: %v", userID, err)
			return types.CommandResult{}, err
		}
	}

	deleted, err := e.ledger.DeleteUserConfigs(ctx, userID)
	if err != nil {
		log.Printf("Ban: user %d: step delete config rows: %v", userID, err)
		return types.CommandResult{}, err
	}

	if err := e.bans.Ban(ctx, userID, reason); err != nil {
		log.Printf("Ban: user %d: step ban record: %v", userID, err)
		return types.CommandResult{}, err
	}

	if err := e.ledger.MarkBanned(ctx, userID); err != nil {
		log.Printf("Ban: user %d: step mark banned: %v", userID, err)
		return types.CommandResult{}, err
	}

	log.Printf("[!] user %d::%s completely banned (%s): peers removed=%d, config rows deleted=%d",
		userID, user.Username, reason, removed, deleted)
	return types.CommandResult{
		OK:     true,
		Detail: messages.BanDone(userID, user.Username),
		State:  types.StateBanned,
	}, nil
}

// Unban lifts the block: the ban record and the flag are cleared, nothing
// else is restored. Re-provisioning is an explicit separate action; the
// resulting state comes from the stored expiry as the ban left it.
func (e *Engine) Unban(ctx context.Context, userID int64) (types.CommandResult, error) {
	unlock := e.lockUser(userID)
	defer unlock()

	user, err := e.ledger.GetUser(ctx, userID)
	if err != nil {
		log.Printf("Unban: user %d: %v", userID, err)
		return types.CommandResult{Detail: messages.UserNotFound(userID)}, err
	}

	removed, err := e.bans.Unban(ctx, userID)
	if err != nil {
		log.Printf("Unban: user %d: %v", userID, err)
		return types.CommandResult{}, err
	}
	if !removed && !user.Banned {
		log.Printf("Unban: user %d was not banned", userID)
		return types.CommandResult{
			Detail: messages.NotBanned(userID),
			State:  StateOf(user),
		}, types.ErrAlreadyInState
	}

	if err := e.ledger.ClearBanned(ctx, userID); err != nil {
		log.Printf("Unban: user %d: clear flag: %v", userID, err)
		return types.CommandResult{}, err
	}

	state := types.StateExpired
	if user.SubscriptionEndDate != nil && user.SubscriptionEndDate.After(time.Now()) {
		state = types.StateActive
	}
	log.Printf("[+] user %d::%s unbanned", userID, user.Username)
	return types.CommandResult{
		OK:     true,
		Detail: messages.UnbanDone(userID, user.Username),
		State:  state,
	}, nil
}

// Provision issues a fresh peer for the given device class: keypair, config
// row, file block, config counter. Returns the client's private key for the
// command surface to render.
func (e *Engine) Provision(ctx context.Context, userID int64, class wg.Class) (string, error) {
	unlock := e.lockUser(userID)
	defer unlock()

	user, err := e.ledger.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if err := e.refuseIfBanned(ctx, user); err != nil {
		return "", err
	}
	expired, err := e.ledger.IsExpired(ctx, userID)
	if err != nil {
		return "", err
	}
	if expired {
		return "", fmt.Errorf("user %d: %w", userID, types.ErrExpired)
	}

	privateKey, err := wg.GeneratePrivateKey()
	if err != nil {
		return "", err
	}
	publicKey, err := wg.PublicKey(privateKey)
	if err != nil {
		return "", err
	}
	presharedKey, err := wg.GeneratePresharedKey()
	if err != nil {
		return "", err
	}

	allowedIP, err := e.freeAddress(ctx)
	if err != nil {
		log.Printf("Provision: user %d: address allocation: %v", userID, err)
		return "", err
	}

	label := wg.Label(user.Username, class)
	if err := e.ledger.AddUserConfig(ctx, userID, label, publicKey, allowedIP); err != nil {
		log.Printf("Provision: user %d: config row: %v", userID, err)
		return "", err
	}

	if err := e.peers.AddPeerBlock(ctx, label, wg.PeerBlockLines(publicKey, presharedKey, allowedIP)); err != nil {
		log.Printf("Provision: user %d: peer block: %v", userID, err)
		return "", err
	}
	if err := e.ledger.IncrementConfigCount(ctx, userID); err != nil {
		log.Printf("Provision: user %d: config count: %v", userID, err)
		return "", err
	}
	if err := e.restartPeerService(ctx, userID); err != nil {
		return "", err
	}

	log.Printf("[+] user %d::%s provisioned peer %s at %s", userID, user.Username, label, allowedIP)
	return privateKey, nil
}

// freeAddress picks the lowest unused client address in 10.66.66.2-251. The
// allocated set comes from the config rows, so addresses freed by a ban's
// row deletion become reusable.
func (e *Engine) freeAddress(ctx context.Context) (string, error) {
	allocated, err := e.ledger.ListAllocatedIPs(ctx)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(allocated))
	for _, ip := range allocated {
		taken[ip] = true
	}
	for octet := 2; octet <= 251; octet++ {
		candidate := fmt.Sprintf("10.66.66.%d/32", octet)
		if !taken[candidate] {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: client address pool exhausted", types.ErrResourceUnavailable)
}

// ExpireUser soft-disconnects a user whose subscription elapsed and notifies
// them once. Driven by the periodic sweep.
func (e *Engine) ExpireUser(ctx context.Context, user types.User) error {
	err := e.expireLocked(ctx, user)
	if err != nil {
		return err
	}
	e.deliverAfterOp(ctx, &user, messages.SubscriptionExpired())
	return nil
}

func (e *Engine) expireLocked(ctx context.Context, user types.User) error {
	unlock := e.lockUser(user.UserID)
	defer unlock()

	changed, err := e.disconnectPeers(ctx, user.Username)
	if err != nil {
		log.Printf("Sweep: user %d: disconnect: %v", user.UserID, err)
		return err
	}
	if changed {
		if err := e.restartPeerService(ctx, user.UserID); err != nil {
			return err
		}
	}
	if err := e.ledger.MarkExpiryNotified(ctx, user.UserID); err != nil {
		log.Printf("Sweep: user %d: mark notified: %v", user.UserID, err)
		return err
	}
	log.Printf("[+] user %d::%s subscription expired, peers disconnected", user.UserID, user.Username)
	return nil
}

// Status reports the user record plus the expiry verdict for the command
// surface. The banned flag on the record is the authoritative one.
func (e *Engine) Status(ctx context.Context, userID int64) (*types.User, bool, error) {
	user, err := e.ledger.GetUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	expired, err := e.ledger.IsExpired(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return user, expired, nil
}

func (e *Engine) ListBanned(ctx context.Context) ([]types.BanRecord, error) {
	return e.bans.ListBanned(ctx)
}

// SafeDeliver sends a message through the gateway. A permanently unreachable
// recipient triggers the same full ban an administrator would issue, with
// the reason recorded as "unreachable recipient". Transient delivery errors
// are surfaced and never trigger a ban.
func (e *Engine) SafeDeliver(ctx context.Context, user *types.User, text string) (bool, error) {
	out := e.notifier.Deliver(ctx, user.ChatID, text)
	switch out.Status {
	case types.DeliveryDelivered:
		return true, nil
	case types.DeliveryRecipientUnreachable:
		log.Printf("[!] user %d unreachable (%s), banning completely", user.UserID, out.Kind)
		if _, err := e.BanCompletely(ctx, user.UserID, ReasonUnreachable); err != nil && !errors.Is(err, types.ErrAlreadyInState) {
			return false, err
		}
		return false, nil
	default:
		return false, fmt.Errorf("delivery to user %d failed: %s", user.UserID, out.Detail)
	}
}

// deliverAfterOp runs outside the per-identity lock: an unreachable verdict
// leads straight into BanCompletely, which takes the same lock.
func (e *Engine) deliverAfterOp(ctx context.Context, user *types.User, text string) {
	if _, err := e.SafeDeliver(ctx, user, text); err != nil {
		log.Printf("Notify: user %d: %v", user.UserID, err)
	}
}

func (e *Engine) refuseIfBanned(ctx context.Context, user *types.User) error {
	if user.Banned {
		log.Printf("Lifecycle: user %d is banned, operation refused", user.UserID)
		return types.ErrBanned
	}
	banned, err := e.bans.IsBanned(ctx, user.UserID)
	if err != nil {
		return err
	}
	if banned {
		log.Printf("Lifecycle: user %d has a ban record, operation refused", user.UserID)
		return types.ErrBanned
	}
	return nil
}

func (e *Engine) disconnectPeers(ctx context.Context, username string) (bool, error) {
	any := false
	for _, class := range wg.Classes() {
		changed, err := e.peers.DisconnectPeer(ctx, wg.Label(username, class))
		if err != nil {
			return any, err
		}
		any = any || changed
	}
	return any, nil
}

func (e *Engine) reconnectPeers(ctx context.Context, username string) (bool, error) {
	any := false
	for _, class := range wg.Classes() {
		changed, err := e.peers.ReconnectPeer(ctx, wg.Label(username, class))
		if err != nil {
			return any, err
		}
		any = any || changed
	}
	return any, nil
}

// restartPeerService retries a bounded number of times: the config file is
// already rewritten by the time this runs, and a stale running daemon is the
// one state that must not be left silently.
func (e *Engine) restartPeerService(ctx context.Context, userID int64) error {
	var err error
	for attempt := 1; attempt <= e.restartRetries; attempt++ {
		if err = e.service.Restart(ctx); err == nil {
			return nil
		}
		log.Printf("Peer service restart attempt %d/%d (user %d): %v", attempt, e.restartRetries, userID, err)
	}
	return fmt.Errorf("peer service restart failed after %d attempts: %w", e.restartRetries, err)
}
