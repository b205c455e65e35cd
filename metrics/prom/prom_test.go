package prom

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/facility-sync/logging"
	"github.com/c0deZ3R0/facility-sync/storage/memory"
	"github.com/c0deZ3R0/facility-sync/synckit"
)

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.RecordSendDuration("task", 20*time.Millisecond, true)
	c.RecordSendDuration("task", time.Second, false)
	c.RecordEventReceived("task", "conflict")
	c.RecordConflictDetected("task", synckit.KindUpdateUpdate)
	c.RecordConflictResolved("task", synckit.StrategyAutoMerge, 2)
	c.RecordConflictResolved("task", synckit.StrategyPreferLocal, 0)
	c.RecordSyncError("send", "CONNECTION_FAILURE")
	c.RecordReconcile(50*time.Millisecond, 3)
	c.SetConnected(true)

	assert.Equal(t, 1, testutil.CollectAndCount(c.SendDuration.WithLabelValues("task", "success").(prometheus.Histogram)))
	assert.Equal(t, 2, testutil.CollectAndCount(c.SendDuration))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.EventsReceived.WithLabelValues("task", "conflict")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.ConflictsDetected.WithLabelValues("task", "update_update")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.ConflictsResolved.WithLabelValues("task", "auto_merge")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.ForcedFields.WithLabelValues("task")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.SyncErrors.WithLabelValues("send", "CONNECTION_FAILURE")))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.ReconciledEntities))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Connected))

	c.SetConnected(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(c.Connected))

	expected := `
# HELP facility_sync_conflicts_detected_total Conflicts detected by kind
# TYPE facility_sync_conflicts_detected_total counter
facility_sync_conflicts_detected_total{entity_type="task",kind="update_update"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "facility_sync_conflicts_detected_total"))
}

func TestCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

type stubChannel struct{}

func (stubChannel) IsConnected() bool { return true }
func (stubChannel) AddListener(string, synckit.ChannelHandler) synckit.ListenerID {
	return 1
}
func (stubChannel) RemoveListener(string, synckit.ListenerID)          {}
func (stubChannel) Send(context.Context, synckit.SyncEvent) error { return nil }

func TestCollector_WiredIntoManager(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	m, err := synckit.NewManager(
		synckit.WithCache(memory.New(0)),
		synckit.WithChannel(stubChannel{}),
		synckit.WithLogger(logging.Discard()),
		synckit.WithMetrics(c),
	)
	require.NoError(t, err)
	defer m.Close()

	r, err := m.Register("task", "t-1", synckit.Handlers{})
	require.NoError(t, err)
	require.NoError(t, r.Send(context.Background(), synckit.Record{"title": "Inspect extinguishers"}, synckit.OpCreate))

	assert.Equal(t, 1, testutil.CollectAndCount(c.SendDuration))
	require.NoError(t, m.Reconcile(context.Background()))
	assert.Equal(t, 1, testutil.CollectAndCount(c.ReconcileDuration))
}
