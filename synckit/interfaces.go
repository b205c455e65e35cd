package synckit

import "context"

// OfflineCache is the device-local key/blob store. Keys are "{type}:{id}" or
// "{type}" when no id scoping applies.
type OfflineCache interface {
	// GetCachedData returns the record stored under key. The boolean is false
	// when nothing is stored.
	GetCachedData(ctx context.Context, key string) (Record, bool, error)

	// CacheData replaces the record stored under key.
	CacheData(ctx context.Context, key string, value Record) error
}

// KeyLister is implemented by offline caches that can enumerate their keys.
// With one, Manager.Start restores writes that were stored locally but never
// confirmed by the remote side before the process exited.
type KeyLister interface {
	// Keys returns every stored key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// ChannelHandler receives inbound change notifications from a PushChannel.
type ChannelHandler func(SyncEvent)

// ListenerID identifies a listener registered on a PushChannel.
type ListenerID uint64

// PushChannel is the bidirectional transport to the authoritative service.
type PushChannel interface {
	// IsConnected reports current liveness. It must not block.
	IsConnected() bool

	// AddListener registers handler for inbound events of entityType.
	AddListener(entityType string, handler ChannelHandler) ListenerID

	// RemoveListener unregisters a listener. Unknown ids are ignored.
	RemoveListener(entityType string, id ListenerID)

	// Send delivers an outbound change.
	Send(ctx context.Context, event SyncEvent) error
}

// Fetcher re-reads the authoritative copy of an entity. It is optional; the
// reconciliation sweep skips the re-fetch step without one.
type Fetcher interface {
	// Fetch returns the remote snapshot. The boolean is false when the remote
	// side has never seen the entity.
	Fetch(ctx context.Context, entityType, entityID string) (Snapshot, bool, error)
}
