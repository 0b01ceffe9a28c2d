package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lagFunc func(ctx context.Context, shardID string, opID dreshard.OperationID) (time.Duration, error)

func (f lagFunc) RemainingOperationTime(ctx context.Context, shardID string, opID dreshard.OperationID) (time.Duration, error) {
	return f(ctx, shardID, opID)
}

// scriptedLag answers each poll round with the next entry of script, repeating the last one
type scriptedLag struct {
	mu     sync.Mutex
	script []time.Duration
	calls  map[string]int
}

func (s *scriptedLag) RemainingOperationTime(ctx context.Context, shardID string, opID dreshard.OperationID) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	i := s.calls[shardID]
	s.calls[shardID]++
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	if s.script[i] < 0 {
		return 0, errors.New("unreachable")
	}
	return s.script[i], nil
}

func (s *scriptedLag) rounds(shardID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[shardID]
}

func TestCommitMonitorNeedsTwoConsecutivePolls(t *testing.T) {
	// below, above, error, below, below
	lag := &scriptedLag{script: []time.Duration{0, time.Second, -1, 0, 0}}
	m := NewCommitMonitor("op", []string{"shard0", "shard1"}, lag, time.Millisecond, 100*time.Millisecond)

	require.NoError(t, m.Run(context.Background()))
	assert.Equal(t, 5, lag.rounds("shard0"))
	assert.Equal(t, 5, lag.rounds("shard1"))
}

func TestCommitMonitorStopsOnCancel(t *testing.T) {
	m := NewCommitMonitor("op", []string{"shard0"}, lagFunc(func(context.Context, string, dreshard.OperationID) (time.Duration, error) {
		return time.Hour, nil
	}), time.Millisecond, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
