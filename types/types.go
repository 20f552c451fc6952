package types

import "time"

type User struct {
	UserID              int64
	ChatID              int64
	Username            string
	SubscriptionEndDate *time.Time
	ConfigCount         int
	Banned              bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type BanRecord struct {
	UserID   int64
	BannedAt time.Time
	Reason   string
}

type PeerConfig struct {
	ID        int64
	UserID    int64
	Label     string
	PublicKey string
	AllowedIP string
	CreatedAt time.Time
}

// UserFilter narrows user listings by subscription standing.
type UserFilter string

const (
	FilterAll     UserFilter = ""
	FilterActive  UserFilter = "active"
	FilterExpired UserFilter = "expired"
)

// LifecycleState is the collapsed view of a user's standing: banned wins,
// otherwise the stored expiry decides between active and expired.
type LifecycleState string

const (
	StateActive  LifecycleState = "active"
	StateExpired LifecycleState = "expired"
	StateBanned  LifecycleState = "banned"
)

// CommandResult is what the command surface renders for the administrator.
type CommandResult struct {
	OK     bool
	Detail string
	State  LifecycleState
}

type DeliveryStatus string

const (
	DeliveryDelivered            DeliveryStatus = "delivered"
	DeliveryRecipientUnreachable DeliveryStatus = "recipient_unreachable"
	DeliveryTransientError       DeliveryStatus = "transient_error"
)

// DeliveryOutcome is the gateway's verdict for one send attempt. Kind is set
// only for unreachable recipients (blocked / not_found / deactivated).
type DeliveryOutcome struct {
	Status DeliveryStatus
	Kind   string
	Detail string
}

func (o DeliveryOutcome) Unreachable() bool {
	return o.Status == DeliveryRecipientUnreachable
}
