package simdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/jonas747/dreshard/participant"
	"github.com/jonas747/dreshard/routing"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"
)

// EntryApplyCost is the estimated time it takes to apply one change log entry, used for
// the remaining time estimate
var EntryApplyCost = time.Millisecond

// ChunkSource returns the routing table of a namespace
type ChunkSource interface {
	Chunks(ctx context.Context, ns dreshard.Namespace) ([]dreshard.ChunkEntry, error)
}

// CatalogChunks reads chunks straight from the authority node's catalog
type CatalogChunks struct {
	Store *catalog.Store
}

func (cc CatalogChunks) Chunks(ctx context.Context, ns dreshard.Namespace) ([]dreshard.ChunkEntry, error) {
	var chunks []dreshard.ChunkEntry
	err := cc.Store.WithTransaction(ctx, func(tx *catalog.Txn) error {
		var err error
		chunks, err = routing.LoadChunks(tx, ns)
		return err
	})
	return chunks, err
}

// Replicator copies data from the donor shards of a cluster into the temporary collection
// of a recipient shard
type Replicator struct {
	Cluster *Cluster
	ShardID string
	Chunks  ChunkSource
}

var _ participant.Replicator = (*Replicator)(nil)

func NewReplicator(cluster *Cluster, shardID string, chunks ChunkSource) *Replicator {
	return &Replicator{
		Cluster: cluster,
		ShardID: shardID,
		Chunks:  chunks,
	}
}

func (r *Replicator) Start(ctx context.Context, params participant.ReplicationParams) (participant.Replication, error) {
	local := r.Cluster.Shard(r.ShardID)
	if local == nil {
		return nil, errors.Errorf("unknown shard %s", r.ShardID)
	}

	chunks, err := r.Chunks.Chunks(ctx, params.TempNamespace)
	if err != nil {
		return nil, errors.WithMessage(err, "loading temporary collection chunks")
	}

	var owned []dreshard.ChunkEntry
	for _, c := range chunks {
		if c.Shard == r.ShardID {
			owned = append(owned, c)
		}
	}

	donors := make([]*Shard, 0, len(params.DonorShardIDs))
	for _, id := range params.DonorShardIDs {
		d := r.Cluster.Shard(id)
		if d == nil {
			return nil, errors.Errorf("unknown donor shard %s", id)
		}
		donors = append(donors, d)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	repl := &replication{
		params:      params,
		local:       local,
		owned:       owned,
		cancel:      cancel,
		group:       g,
		cloneDone:   make(chan struct{}),
		steady:      make(chan struct{}),
		consistent:  make(chan struct{}),
		failed:      make(chan struct{}),
		caughtUp:    make(map[string]bool),
		finalSeen:   make(map[string]bool),
		pendingByID: make(map[string]int),
		log: logrus.WithFields(logrus.Fields{
			"reshardingUUID": params.OperationID,
			"shard":          r.ShardID,
		}),
	}

	g.Go(func() error {
		err := repl.run(gctx, donors)
		if err != nil && gctx.Err() == nil {
			repl.fail(err)
		}
		return err
	})

	return repl, nil
}

type replication struct {
	params participant.ReplicationParams
	local  *Shard
	owned  []dreshard.ChunkEntry
	log    *logrus.Entry

	cancel context.CancelFunc
	group  *errgroup.Group

	cloneDone  chan struct{}
	steady     chan struct{}
	consistent chan struct{}
	failed     chan struct{}

	// below fields are protected by the following mutex
	mu          sync.Mutex
	err         error
	caughtUp    map[string]bool
	finalSeen   map[string]bool
	pendingByID map[string]int
	progress    participant.ReplicationProgress
}

func (r *replication) owns(doc bson.M) bool {
	key := KeyValueOf(doc, r.params.ReshardingKey)
	for _, c := range r.owned {
		if dreshard.KeyRangeContains(c.Min, c.Max, key) {
			return true
		}
	}
	return false
}

func (r *replication) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err == nil {
		r.err = err
		close(r.failed)
		r.log.WithError(err).Error("replication failed")
	}
}

func (r *replication) run(ctx context.Context, donors []*Shard) error {
	// a resumed replication starts over from a fresh copy
	r.local.truncateLocal(r.params.TempNamespace)

	offsets := make([]int, len(donors))
	for i, d := range donors {
		snap, offset := d.snapshotAt(r.params.SourceNamespace, r.params.SourceUUID)
		offsets[i] = offset
		if snap == nil {
			continue
		}

		for id, doc := range snap.Docs {
			if !r.owns(doc) {
				continue
			}
			raw, err := bson.Marshal(doc)
			if err != nil {
				return errors.WithMessagef(err, "cloning %s", id)
			}
			if err := r.local.upsertLocal(r.params.TempNamespace, id, doc); err != nil {
				return errors.WithMessage(err, "cloning")
			}

			r.mu.Lock()
			r.progress.DocumentsCopied++
			r.progress.BytesCopied += int64(len(raw))
			r.mu.Unlock()
		}
	}
	close(r.cloneDone)

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range donors {
		d, offset := d, offsets[i]
		g.Go(func() error {
			return r.tail(gctx, d, offset)
		})
	}
	return g.Wait()
}

// tail buffers and applies the change log of one donor from offset on
func (r *replication) tail(ctx context.Context, donor *Shard, offset int) error {
	buffer := dreshard.BufferNamespace(r.params.SourceUUID, donor.ID)
	r.local.ensureLocal(buffer)

	for {
		entries, changed := donor.oplogSince(offset)

		r.mu.Lock()
		r.pendingByID[donor.ID] = len(entries)
		r.mu.Unlock()

		for _, e := range entries {
			offset++
			if err := r.apply(buffer, donor.ID, e); err != nil {
				return err
			}

			r.mu.Lock()
			r.pendingByID[donor.ID]--
			r.mu.Unlock()
		}

		if len(entries) == 0 {
			r.markCaughtUp(donor.ID)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
			}
		}
	}
}

func (r *replication) apply(buffer dreshard.Namespace, donorID string, e OplogEntry) error {
	if e.Kind == OplogFinal {
		if e.OperationID == r.params.OperationID && e.Recipient == r.local.ID {
			r.markFinal(donorID)
		}
		return nil
	}
	if e.Namespace != r.params.SourceNamespace || e.UUID != r.params.SourceUUID {
		return nil
	}

	if err := r.local.upsertLocal(buffer, fmt.Sprintf("%d.%d", e.TS.T, e.TS.I), bson.M{"op": e.Kind, "docId": e.DocID}); err != nil {
		return err
	}

	switch e.Kind {
	case OplogInsert, OplogUpdate:
		if r.owns(e.Doc) {
			if err := r.local.upsertLocal(r.params.TempNamespace, e.DocID, e.Doc); err != nil {
				return errors.WithMessage(err, "applying change")
			}
		} else {
			// the document moved to a range owned by another recipient
			r.local.deleteLocal(r.params.TempNamespace, e.DocID)
		}
	case OplogDelete:
		r.local.deleteLocal(r.params.TempNamespace, e.DocID)
	default:
		return nil
	}

	r.mu.Lock()
	r.progress.OplogEntriesApplied++
	r.mu.Unlock()
	return nil
}

func (r *replication) markCaughtUp(donorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.caughtUp[donorID] {
		return
	}
	r.caughtUp[donorID] = true
	if len(r.caughtUp) == len(r.params.DonorShardIDs) {
		close(r.steady)
	}
}

func (r *replication) markFinal(donorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalSeen[donorID] {
		return
	}
	r.finalSeen[donorID] = true
	if len(r.finalSeen) == len(r.params.DonorShardIDs) {
		close(r.consistent)
	}
}

func (r *replication) await(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-r.failed:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *replication) AwaitCloneDone(ctx context.Context) error {
	return r.await(ctx, r.cloneDone)
}

func (r *replication) AwaitSteadyState(ctx context.Context) error {
	return r.await(ctx, r.steady)
}

func (r *replication) AwaitStrictConsistency(ctx context.Context) error {
	return r.await(ctx, r.consistent)
}

func (r *replication) RemainingTime() (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return 0, r.err
	}
	if len(r.caughtUp) < len(r.params.DonorShardIDs) {
		return 0, dreshard.NewError(dreshard.CodeInternalError, "change log application has not caught up yet")
	}

	pending := 0
	for _, n := range r.pendingByID {
		pending += n
	}
	return time.Duration(pending) * EntryApplyCost, nil
}

func (r *replication) Progress() participant.ReplicationProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *replication) Shutdown() {
	r.cancel()
	r.group.Wait()
}
