package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
	"github.com/c0deZ3R0/facility-sync/logging"
	"github.com/c0deZ3R0/facility-sync/storage/memory"
	"github.com/c0deZ3R0/facility-sync/synckit"
)

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("hub is closed")

// Hub is the authoritative side of the protocol. It keeps the latest
// snapshot of every entity in an OfflineCache and fans accepted writes out
// to every open stream for the entity's type.
type Hub struct {
	opts   *HubOptions
	logger *slog.Logger
	store  synckit.OfflineCache

	// pubMu orders store writes and broadcasts so every stream sees
	// accepted writes in the order they were stored.
	pubMu sync.Mutex

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	types map[string]bool
	ch    chan synckit.SyncEvent
	gone  chan struct{}
	once  sync.Once
}

func (s *subscriber) wants(entityType string) bool {
	return len(s.types) == 0 || s.types[entityType]
}

func (s *subscriber) evict() { s.once.Do(func() { close(s.gone) }) }

// NewHub returns a hub storing snapshots in store. A nil store keeps them
// in memory.
func NewHub(store synckit.OfflineCache, opts ...HubOption) *Hub {
	o := applyHubOptions(opts...)
	if store == nil {
		store = memory.New(0)
	}
	logger := o.Logger
	if logger == nil {
		logger = logging.WithComponent(logging.Component("transport/sse")).Logger
	}
	return &Hub{
		opts:   o,
		logger: logger,
		store:  store,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Routes returns the hub's router. Callers may mount more routes on it.
func (h *Hub) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(healthPath, h.handleHealth)
	r.Post(eventsPath, h.handlePublish)
	r.Get(streamPath, h.handleStream)
	r.Get(entityPath+"/{type}/{id}", h.handleEntity)
	return r
}

// Publish stores e as the entity's authoritative snapshot and broadcasts it.
func (h *Hub) Publish(ctx context.Context, e synckit.SyncEvent) error {
	if err := validateEvent(e); err != nil {
		return syncErrors.NewValidationError(syncErrors.OpSend, err)
	}
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return ErrHubClosed
	}

	rec, err := snapshotRecord(e.Snapshot())
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpSend, err)
	}

	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	if err := h.store.CacheData(ctx, e.Key().String(), rec); err != nil {
		return err
	}
	h.broadcast(e)
	return nil
}

// Snapshot returns the stored snapshot of an entity.
func (h *Hub) Snapshot(ctx context.Context, entityType, entityID string) (synckit.Snapshot, bool, error) {
	key := synckit.EntityKey{Type: entityType, ID: entityID}
	rec, ok, err := h.store.GetCachedData(ctx, key.String())
	if err != nil || !ok {
		return synckit.Snapshot{}, false, err
	}
	snap, err := recordSnapshot(rec)
	if err != nil {
		return synckit.Snapshot{}, false, syncErrors.NewCacheError(syncErrors.OpCacheRead, key.String(), err)
	}
	return snap, true, nil
}

func (h *Hub) broadcast(e synckit.SyncEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		if !s.wants(e.EntityType) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.logger.Warn("disconnecting slow stream", "entity_type", e.EntityType)
			delete(h.subs, s)
			s.evict()
		}
	}
}

func (h *Hub) subscribe(types []string) (*subscriber, error) {
	s := &subscriber{
		types: make(map[string]bool, len(types)),
		ch:    make(chan synckit.SyncEvent, h.opts.SubscriberBuffer),
		gone:  make(chan struct{}),
	}
	for _, t := range types {
		s.types[t] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.subs[s] = struct{}{}
	return s, nil
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	s.evict()
}

// SubscriberCount reports the number of open streams.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every open stream and rejects further publishes.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for s := range h.subs {
		s.evict()
	}
	h.subs = make(map[*subscriber]struct{})
	return nil
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]any{"status": "ok", "streams": h.SubscriberCount()})
}

func (h *Hub) handlePublish(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestSize)
	var e synckit.SyncEvent
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		respondWithError(w, http.StatusBadRequest, "invalid event body")
		return
	}

	err := h.Publish(r.Context(), e)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case syncErrors.HasCode(err, syncErrors.ErrCodeValidationFailure):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrHubClosed):
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("publish failed", "entity", e.Key().String(), "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to store event")
	}
}

func (h *Hub) handleEntity(w http.ResponseWriter, r *http.Request) {
	snap, ok, err := h.Snapshot(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("snapshot read failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to read entity")
		return
	}
	if !ok {
		respondWithError(w, http.StatusNotFound, "entity not found")
		return
	}
	respondWithJSON(w, http.StatusOK, snap)
}

func (h *Hub) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	sub, err := h.subscribe(types)
	if err != nil {
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer h.unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(h.opts.Heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.gone:
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case e := <-sub.ch:
			b, err := json.Marshal(e)
			if err != nil {
				h.logger.Error("failed to encode event", "entity", e.Key().String(), "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseEventName, b)
			flusher.Flush()
		}
	}
}

func snapshotRecord(s synckit.Snapshot) (synckit.Record, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var rec synckit.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func recordSnapshot(rec synckit.Record) (synckit.Snapshot, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return synckit.Snapshot{}, err
	}
	var s synckit.Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return synckit.Snapshot{}, err
	}
	return s, nil
}
