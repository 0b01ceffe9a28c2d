package coordinator

import (
	"context"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// LagQuerier asks a recipient how long it estimates it still needs to catch up with the
// donors' change logs
type LagQuerier interface {
	RemainingOperationTime(ctx context.Context, shardID string, opID dreshard.OperationID) (time.Duration, error)
}

// CommitMonitor decides when the recipients are close enough to the donors that blocking
// writes for the final catch up is cheap
type CommitMonitor struct {
	OperationID dreshard.OperationID
	Recipients  []string
	Querier     LagQuerier

	Interval  time.Duration
	Threshold time.Duration

	log *logrus.Entry
}

func NewCommitMonitor(opID dreshard.OperationID, recipients []string, querier LagQuerier, interval, threshold time.Duration) *CommitMonitor {
	return &CommitMonitor{
		OperationID: opID,
		Recipients:  recipients,
		Querier:     querier,
		Interval:    interval,
		Threshold:   threshold,
		log:         logrus.WithField("reshardingUUID", opID),
	}
}

// Run polls the recipients until every one of them stayed below the threshold for a full
// interval, meaning two consecutive polls. It returns ctx.Err() if ctx is done first.
func (m *CommitMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	consecutive := 0
	for {
		if m.poll(ctx) {
			consecutive++
			if consecutive >= 2 {
				m.log.Info("recipients are within the commit threshold")
				return nil
			}
		} else {
			consecutive = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll returns true if every recipient reported a remaining time below the threshold
func (m *CommitMonitor) poll(ctx context.Context) bool {
	remaining := make([]time.Duration, len(m.Recipients))

	g, gctx := errgroup.WithContext(ctx)
	for i, shardID := range m.Recipients {
		i, shardID := i, shardID
		g.Go(func() error {
			d, err := m.Querier.RemainingOperationTime(gctx, shardID, m.OperationID)
			if err != nil {
				return errors.WithMessagef(err, "querying remaining time of %s", shardID)
			}
			remaining[i] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		m.log.WithError(err).Debug("commit monitor poll failed")
		return false
	}

	for i, d := range remaining {
		if d >= m.Threshold {
			m.log.WithFields(logrus.Fields{"shard": m.Recipients[i], "remaining": d}).Debug("recipient not within commit threshold")
			return false
		}
	}
	return true
}
