package synckit

import "time"

// MetricsCollector provides hooks for collecting sync operation metrics
type MetricsCollector interface {
	// RecordSendDuration records how long an outbound send took
	RecordSendDuration(entityType string, duration time.Duration, success bool)

	// RecordEventReceived counts an inbound event after detection
	RecordEventReceived(entityType string, outcome string)

	// RecordConflictDetected counts a newly detected conflict
	RecordConflictDetected(entityType string, kind ConflictKind)

	// RecordConflictResolved counts a resolution and its force-resolved fields
	RecordConflictResolved(entityType string, strategy Strategy, forced int)

	// RecordSyncError records sync operation errors by code
	RecordSyncError(operation string, code string)

	// RecordReconcile records a reconciliation sweep
	RecordReconcile(duration time.Duration, entities int)

	// SetConnected reports push channel liveness
	SetConnected(connected bool)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordSendDuration(string, time.Duration, bool)  {}
func (NoOpMetricsCollector) RecordEventReceived(string, string)              {}
func (NoOpMetricsCollector) RecordConflictDetected(string, ConflictKind)     {}
func (NoOpMetricsCollector) RecordConflictResolved(string, Strategy, int)    {}
func (NoOpMetricsCollector) RecordSyncError(string, string)                  {}
func (NoOpMetricsCollector) RecordReconcile(time.Duration, int)              {}
func (NoOpMetricsCollector) SetConnected(bool)                               {}
