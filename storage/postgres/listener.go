package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/facility-sync/synckit"
)

// maxInlinePayload keeps NOTIFY payloads under PostgreSQL's 8000 byte limit.
// Larger snapshots are announced by key and fetched by the listener.
const maxInlinePayload = 7900

const pingInterval = 90 * time.Second

// NotificationPayload is the JSON carried by each NOTIFY.
type NotificationPayload struct {
	EntityType   string                `json:"entity_type"`
	EntityID     string                `json:"entity_id"`
	Operation    synckit.OperationKind `json:"operation"`
	Timestamp    int64                 `json:"ts"`
	OriginUserID string                `json:"origin_user_id,omitempty"`
	Data         synckit.Record        `json:"data,omitempty"`
	// ByReference is set when Data was too large to inline.
	ByReference bool `json:"by_ref,omitempty"`
}

func encodeNotification(e synckit.SyncEvent) ([]byte, error) {
	p := NotificationPayload{
		EntityType:   e.EntityType,
		EntityID:     e.EntityID,
		Operation:    e.Operation,
		Timestamp:    e.Timestamp,
		OriginUserID: e.OriginUserID,
		Data:         e.Data,
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if len(b) <= maxInlinePayload {
		return b, nil
	}
	p.Data = nil
	p.ByReference = true
	return json.Marshal(p)
}

type fetchFunc func(ctx context.Context, entityType, entityID string) (synckit.Snapshot, bool, error)

// Listener fans NOTIFY payloads out to per-entity-type handlers and tracks
// connection liveness from pq.Listener events.
type Listener struct {
	logger    *slog.Logger
	fetch     fetchFunc
	connected atomic.Bool

	mu       stdSync.RWMutex
	handlers map[string]map[synckit.ListenerID]synckit.ChannelHandler
	nextID   synckit.ListenerID

	pql    *pq.Listener
	closed atomic.Bool
	done   chan struct{}
	wg     stdSync.WaitGroup
}

func newListener(logger *slog.Logger, fetch fetchFunc) *Listener {
	return &Listener{
		logger:   logger,
		fetch:    fetch,
		handlers: make(map[string]map[synckit.ListenerID]synckit.ChannelHandler),
		done:     make(chan struct{}),
	}
}

func (l *Listener) start(pql *pq.Listener, channel string) error {
	if err := pql.Listen(channel); err != nil {
		return err
	}
	l.pql = pql
	l.connected.Store(true)
	l.wg.Add(1)
	go l.listenLoop()
	return nil
}

// eventCallback handles pq.Listener connection events. pq re-issues LISTEN
// for every channel after a reconnect.
func (l *Listener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		l.connected.Store(true)
		l.logger.Info("connected to PostgreSQL for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		l.connected.Store(false)
		l.logger.Warn("disconnected from PostgreSQL", "error", err)
	case pq.ListenerEventReconnected:
		l.connected.Store(true)
		l.logger.Info("reconnected to PostgreSQL")
	case pq.ListenerEventConnectionAttemptFailed:
		l.connected.Store(false)
		l.logger.Warn("connection attempt failed", "error", err)
	}
}

func (l *Listener) listenLoop() {
	defer l.wg.Done()
	defer l.logger.Debug("notification listener stopped")

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case n, ok := <-l.pql.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect; anything sent while
			// disconnected is picked up by the manager's reconcile sweep.
			if n != nil {
				l.handleNotification(n)
			}
		case <-ticker.C:
			if err := l.pql.Ping(); err != nil {
				l.logger.Warn("ping failed", "error", err)
			}
		}
	}
}

func (l *Listener) handleNotification(n *pq.Notification) {
	var p NotificationPayload
	if err := json.Unmarshal([]byte(n.Extra), &p); err != nil {
		l.logger.Warn("dropping malformed notification", "channel", n.Channel, "error", err)
		return
	}
	e, err := l.toEvent(p)
	if err != nil {
		l.logger.Warn("dropping notification", "entity_type", p.EntityType, "entity_id", p.EntityID, "error", err)
		return
	}
	l.dispatch(e)
}

func (l *Listener) toEvent(p NotificationPayload) (synckit.SyncEvent, error) {
	e := synckit.SyncEvent{
		EntityType:   p.EntityType,
		EntityID:     p.EntityID,
		Operation:    p.Operation,
		Data:         p.Data,
		Timestamp:    p.Timestamp,
		OriginUserID: p.OriginUserID,
	}
	if !p.ByReference {
		return e, nil
	}
	if l.fetch == nil {
		return e, fmt.Errorf("payload sent by reference and no fetcher configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, ok, err := l.fetch(ctx, p.EntityType, p.EntityID)
	if err != nil {
		return e, err
	}
	if !ok {
		return e, fmt.Errorf("entity %s:%s no longer exists", p.EntityType, p.EntityID)
	}
	return snap.Event(synckit.EntityKey{Type: p.EntityType, ID: p.EntityID}, p.Operation), nil
}

func (l *Listener) dispatch(e synckit.SyncEvent) {
	l.mu.RLock()
	hs := make([]synckit.ChannelHandler, 0, len(l.handlers[e.EntityType]))
	for _, h := range l.handlers[e.EntityType] {
		hs = append(hs, h)
	}
	l.mu.RUnlock()

	for _, h := range hs {
		h(e)
	}
}

// IsConnected reports whether the LISTEN connection is up.
func (l *Listener) IsConnected() bool {
	return !l.closed.Load() && l.connected.Load()
}

// AddListener registers h for notifications about entityType.
func (l *Listener) AddListener(entityType string, h synckit.ChannelHandler) synckit.ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	if l.handlers[entityType] == nil {
		l.handlers[entityType] = make(map[synckit.ListenerID]synckit.ChannelHandler)
	}
	l.handlers[entityType][l.nextID] = h
	return l.nextID
}

// RemoveListener drops a handler. Unknown ids are ignored.
func (l *Listener) RemoveListener(entityType string, id synckit.ListenerID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers[entityType], id)
	if len(l.handlers[entityType]) == 0 {
		delete(l.handlers, entityType)
	}
}

// Close stops the listen loop and the pq.Listener.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.pql != nil {
		return l.pql.Close()
	}
	return nil
}
