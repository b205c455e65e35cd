package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/facility-sync/errors"
	"github.com/c0deZ3R0/facility-sync/logging"
	"github.com/c0deZ3R0/facility-sync/synckit"
)

func newTestHub(opts ...HubOption) *Hub {
	return NewHub(nil, append([]HubOption{WithHubLogger(logging.Discard())}, opts...)...)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, eventsPath, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHub_PublishAndFetchEntity(t *testing.T) {
	hub := newTestHub()
	routes := hub.Routes()

	body, _ := json.Marshal(synckit.SyncEvent{
		EntityType: "task", EntityID: "t-1", Operation: synckit.OpUpdate,
		Data: synckit.Record{"title": "Inspect sprinklers"}, Timestamp: 11, OriginUserID: "u-2",
	})
	rec := post(t, routes, string(body))
	require.Equal(t, http.StatusAccepted, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/entities/task/t-1", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap synckit.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "Inspect sprinklers", snap.Data["title"])
	assert.Equal(t, int64(11), snap.Timestamp)
	assert.Equal(t, "u-2", snap.OriginUserID)

	req = httptest.NewRequest(http.MethodGet, "/entities/task/missing", nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHub_PublishDelete(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub()
	require.NoError(t, hub.Publish(ctx, synckit.SyncEvent{EntityType: "task", EntityID: "t-1", Operation: synckit.OpDelete, Timestamp: 3}))

	snap, ok, err := hub.Snapshot(ctx, "task", "t-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, snap.Deleted)
}

func TestHub_RejectsBadRequests(t *testing.T) {
	hub := newTestHub(WithMaxRequestSize(64))
	routes := hub.Routes()

	tests := map[string]struct {
		body string
		code int
	}{
		"not json":      {"{", http.StatusBadRequest},
		"missing id":    {`{"entity_type":"task","operation":"update"}`, http.StatusBadRequest},
		"bad operation": {`{"entity_type":"task","entity_id":"t","operation":"merge"}`, http.StatusBadRequest},
		"too large":     {`{"entity_type":"task","entity_id":"t","operation":"update","data":{"x":"` + strings.Repeat("a", 128) + `"}}`, http.StatusRequestEntityTooLarge},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			rec := post(t, routes, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			var er errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
			assert.NotEmpty(t, er.Error)
		})
	}

	err := hub.Publish(context.Background(), synckit.SyncEvent{EntityType: "task"})
	assert.True(t, syncErrors.HasCode(err, syncErrors.ErrCodeValidationFailure))
}

func TestHub_Health(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestHub().Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, healthPath, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestHub_BroadcastFiltersAndEvictsSlowStreams(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(WithSubscriberBuffer(1))

	tasks, err := hub.subscribe([]string{"task"})
	require.NoError(t, err)
	all, err := hub.subscribe(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, hub.SubscriberCount())

	require.NoError(t, hub.Publish(ctx, synckit.SyncEvent{EntityType: "building", EntityID: "b-1", Operation: synckit.OpCreate}))
	assert.Len(t, tasks.ch, 0)
	assert.Len(t, all.ch, 1)

	// all is now full; the next event for it evicts the stream.
	require.NoError(t, hub.Publish(ctx, synckit.SyncEvent{EntityType: "task", EntityID: "t-1", Operation: synckit.OpCreate}))
	assert.Len(t, tasks.ch, 1)
	select {
	case <-all.gone:
	default:
		t.Fatal("slow stream was not evicted")
	}
	assert.Equal(t, 1, hub.SubscriberCount())

	require.NoError(t, hub.Close())
	select {
	case <-tasks.gone:
	default:
		t.Fatal("Close did not end open streams")
	}
	assert.ErrorIs(t, hub.Publish(ctx, synckit.SyncEvent{EntityType: "task", EntityID: "t-2", Operation: synckit.OpCreate}), ErrHubClosed)
	_, err = hub.subscribe(nil)
	assert.ErrorIs(t, err, ErrHubClosed)

	rec := post(t, hub.Routes(), `{"entity_type":"task","entity_id":"t","operation":"update"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSnapshotRecordRoundTrip(t *testing.T) {
	in := synckit.Snapshot{Data: synckit.Record{"name": "HQ"}, Timestamp: 9, Deleted: false, OriginUserID: "u"}
	rec, err := snapshotRecord(in)
	require.NoError(t, err)
	out, err := recordSnapshot(rec)
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
	assert.Equal(t, in.Timestamp, out.Timestamp)
	assert.True(t, bytes.Contains(mustJSON(t, rec), []byte(`"timestamp":9`)))
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
