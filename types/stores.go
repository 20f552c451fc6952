package types

import (
	"context"
	"time"
)

// Ledger owns the persisted per-user record.
type Ledger interface {
	UpsertUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, userID int64) (*User, error)

	// ExtendSubscription adds d starting from the current expiry when it is
	// still in the future, otherwise from now. The update is a single
	// conditional statement. Returns the resulting expiry.
	ExtendSubscription(ctx context.Context, userID int64, d time.Duration) (time.Time, error)
	SetExpiryAbsolute(ctx context.Context, userID int64, until time.Time) error
	IsExpired(ctx context.Context, userID int64) (bool, error)

	MarkBanned(ctx context.Context, userID int64) error
	ClearBanned(ctx context.Context, userID int64) error

	AddUserConfig(ctx context.Context, userID int64, label, publicKey, allowedIP string) error
	IncrementConfigCount(ctx context.Context, userID int64) error
	DeleteUserConfigs(ctx context.Context, userID int64) (int64, error)

	// ListAllocatedIPs returns every AllowedIP currently held by a config
	// row, so provisioning can pick a free address instead of reusing one.
	ListAllocatedIPs(ctx context.Context) ([]string, error)

	ListNewlyExpired(ctx context.Context) ([]User, error)
	MarkExpiryNotified(ctx context.Context, userID int64) error

	// ListUsersByExpiry returns users ordered by end date descending,
	// optionally narrowed to only active or only expired subscriptions.
	ListUsersByExpiry(ctx context.Context, filter UserFilter) ([]User, error)
}

// BanRegistry owns the set of permanently banned identities.
type BanRegistry interface {
	Ban(ctx context.Context, userID int64, reason string) error
	Unban(ctx context.Context, userID int64) (bool, error)
	IsBanned(ctx context.Context, userID int64) (bool, error)
	ListBanned(ctx context.Context) ([]BanRecord, error)
}

// PeerConfigStore owns the shared peer configuration file. Every mutation is
// an atomic whole-file replace; a missing label is an idempotent no-op.
type PeerConfigStore interface {
	RemovePeerBlocks(ctx context.Context, labelVariants []string) (int, error)
	DisconnectPeer(ctx context.Context, label string) (bool, error)
	ReconnectPeer(ctx context.Context, label string) (bool, error)
	AddPeerBlock(ctx context.Context, label string, lines []string) error
}

// ServiceController restarts the running peer daemon after file changes.
type ServiceController interface {
	Restart(ctx context.Context) error
}

// Notifier delivers one message to a user's chat and reports the outcome as
// data rather than transport error types.
type Notifier interface {
	Deliver(ctx context.Context, chatID int64, text string) DeliveryOutcome
}
