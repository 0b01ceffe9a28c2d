package dreshard

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Outcome is how an operation ended from the point of view of one instance
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

// Metrics receives lifecycle events and progress counters of resharding instances
type Metrics interface {
	OnStart(role string, opID OperationID)
	OnStepUp(role string)
	OnStepDown(role string)
	OnCompletion(role string, opID OperationID, outcome Outcome)

	OnDocumentsCopied(n int64)
	OnBytesCopied(n int64)
	OnOplogEntriesApplied(n int64)
}

// MetricsSnapshot is a point in time copy of the counters kept by StatsMetrics
type MetricsSnapshot struct {
	Started   int64
	Succeeded int64
	Aborted   int64
	Failed    int64

	DocumentsCopied     int64
	BytesCopied         int64
	OplogEntriesApplied int64
}

// StatsMetrics counts events in memory and logs lifecycle events at debug level
type StatsMetrics struct {
	started   int64
	succeeded int64
	aborted   int64
	failed    int64

	documentsCopied     int64
	bytesCopied         int64
	oplogEntriesApplied int64
}

var _ Metrics = (*StatsMetrics)(nil)

func (m *StatsMetrics) OnStart(role string, opID OperationID) {
	atomic.AddInt64(&m.started, 1)
	logrus.WithFields(logrus.Fields{"role": role, "reshardingUUID": opID}).Debug("metrics: operation started")
}

func (m *StatsMetrics) OnStepUp(role string) {
	logrus.WithField("role", role).Debug("metrics: stepped up")
}

func (m *StatsMetrics) OnStepDown(role string) {
	logrus.WithField("role", role).Debug("metrics: stepped down")
}

func (m *StatsMetrics) OnCompletion(role string, opID OperationID, outcome Outcome) {
	switch outcome {
	case OutcomeSucceeded:
		atomic.AddInt64(&m.succeeded, 1)
	case OutcomeAborted:
		atomic.AddInt64(&m.aborted, 1)
	default:
		atomic.AddInt64(&m.failed, 1)
	}
	logrus.WithFields(logrus.Fields{"role": role, "reshardingUUID": opID, "outcome": outcome}).Debug("metrics: operation completed")
}

func (m *StatsMetrics) OnDocumentsCopied(n int64) { atomic.AddInt64(&m.documentsCopied, n) }

func (m *StatsMetrics) OnBytesCopied(n int64) { atomic.AddInt64(&m.bytesCopied, n) }

func (m *StatsMetrics) OnOplogEntriesApplied(n int64) { atomic.AddInt64(&m.oplogEntriesApplied, n) }

func (m *StatsMetrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Started:             atomic.LoadInt64(&m.started),
		Succeeded:           atomic.LoadInt64(&m.succeeded),
		Aborted:             atomic.LoadInt64(&m.aborted),
		Failed:              atomic.LoadInt64(&m.failed),
		DocumentsCopied:     atomic.LoadInt64(&m.documentsCopied),
		BytesCopied:         atomic.LoadInt64(&m.bytesCopied),
		OplogEntriesApplied: atomic.LoadInt64(&m.oplogEntriesApplied),
	}
}
