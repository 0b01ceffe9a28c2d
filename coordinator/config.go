package coordinator

import (
	"context"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/sirupsen/logrus"
)

// Config holds the tunables of the coordinator side. Set them before starting the service.
type Config struct {
	// How long recipients get to reach strict consistency once writes are blocked
	CriticalSectionTimeout time.Duration

	CommitMonitorInterval           time.Duration
	RemainingOperationTimeThreshold time.Duration

	// Recipients wait at least this long after the clone started before applying
	MinimumOperationDuration time.Duration

	// Number of chunks of a fresh layout when the request does not name one, 0 keeps the
	// current chunk count of the collection
	DefaultNumInitialChunks int
}

func DefaultConfig() Config {
	return Config{
		CriticalSectionTimeout:          5 * time.Second,
		CommitMonitorInterval:           time.Second,
		RemainingOperationTimeThreshold: 500 * time.Millisecond,
		MinimumOperationDuration:        5 * time.Minute,
	}
}

// Notifier tells data nodes to refresh their cached catalog entry of a namespace.
// Delivery is fire and forget, lost messages are recovered by renotifying.
type Notifier interface {
	Notify(ctx context.Context, shardIDs []string, ns dreshard.Namespace)
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(ctx context.Context, shardIDs []string, ns dreshard.Namespace)

func (f NotifierFunc) Notify(ctx context.Context, shardIDs []string, ns dreshard.Namespace) {
	f(ctx, shardIDs, ns)
}

// FatalHandler receives errors that happen after the commit decision was made. There is
// no way back from those, the node has to be restarted.
type FatalHandler func(err error)

func DefaultFatalHandler(err error) {
	logrus.WithError(err).Fatal("unrecoverable error after the resharding commit")
}
