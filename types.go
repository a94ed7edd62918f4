package flagwatch

import (
	"time"

	"github.com/OrlandoBitencourt/flagwatch/internal/domain"
	"github.com/OrlandoBitencourt/flagwatch/internal/gateway"
	"github.com/OrlandoBitencourt/flagwatch/internal/watch"
)

// FlagMap is a snapshot of every flag, keyed by name. Absent flags are false.
type FlagMap = domain.FlagMap

// ChangeEvent describes one observed change of a flag between two
// consecutive poll cycles.
type ChangeEvent = domain.ChangeEvent

// Gateway fetches the complete flag mapping from a remote source.
type Gateway = gateway.Gateway

// GatewayFunc adapts a function to Gateway.
type GatewayFunc = gateway.Func

// Listener receives change events for a subscribed flag. Subscribing the
// same pointer listener to the same flag twice returns the same handle.
type Listener = watch.Listener

// ListenerFunc adapts a function to Listener. Each subscription of a
// ListenerFunc is independent.
type ListenerFunc = watch.ListenerFunc

// Subscription is the handle returned by SubscribeToFlag. Cancel removes
// exactly that registration.
type Subscription = watch.Subscription

// SubscriptionInfo describes a live subscription.
type SubscriptionInfo = watch.SubscriptionInfo

// Stats is a point-in-time view of the client's activity.
type Stats struct {
	Queries       QueryStats    `json:"queries"`
	Polling       PollingStats  `json:"polling"`
	Subscriptions int           `json:"subscriptions"`
	WatchedFlags  []string      `json:"watched_flags"`
	Snapshot      *StorageStats `json:"snapshot,omitempty"`
	Circuit       string        `json:"circuit,omitempty"`
}

// QueryStats counts point queries and the fetches they caused.
type QueryStats struct {
	Fetches  uint64 `json:"fetches"`
	Joined   uint64 `json:"joined"`
	Forced   uint64 `json:"forced"`
	Failures uint64 `json:"failures"`
	Hits     uint64 `json:"snapshot_hits"`
}

// PollingStats describes the shared polling timer.
type PollingStats struct {
	Active        bool      `json:"active"`
	Activations   uint64    `json:"activations"`
	Cycles        uint64    `json:"cycles"`
	Failures      uint64    `json:"failures"`
	LastCycle     time.Time `json:"last_cycle"`
	LastError     string    `json:"last_error,omitempty"`
	Stale         uint64    `json:"stale"`
	Notifications uint64    `json:"notifications"`
	Dropped       uint64    `json:"dropped"`
	Panics        uint64    `json:"listener_panics"`
}

// StorageStats reports the snapshot store when retention is enabled.
type StorageStats struct {
	KeysAdded   uint64  `json:"keys_added"`
	KeysEvicted uint64  `json:"keys_evicted"`
	HitRatio    float64 `json:"hit_ratio"`
}
