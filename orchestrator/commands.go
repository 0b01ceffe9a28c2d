package orchestrator

import (
	"context"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/jonas747/dreshard/coordinator"
	"github.com/jonas747/dreshard/routing"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrAlreadySharded   = dreshard.NewError(dreshard.CodeBadValue, "collection is already sharded")
	ErrUnknownOperation = dreshard.NewError(dreshard.CodeNamespaceNotFound, "unknown resharding operation")
)

// ShardCollectionRequest registers an existing collection with the catalog
type ShardCollectionRequest struct {
	Namespace dreshard.Namespace
	UUID      dreshard.UUID
	Key       dreshard.KeyPattern

	// PrimaryShard is the primary shard of the database, used when the database is not
	// registered yet
	PrimaryShard string

	// Ranges of the collection and the shards holding them, they have to cover the whole
	// key space
	Chunks []dreshard.ReshardedChunk
}

// ShardCollection writes the catalog entries of a collection that already lives on the
// shards named in its chunks
func (o *Orchestrator) ShardCollection(ctx context.Context, req ShardCollectionRequest) error {
	if !req.Namespace.Valid() {
		return dreshard.NewError(dreshard.CodeBadValue, "invalid namespace %q", req.Namespace)
	}
	if len(req.Key) == 0 {
		return dreshard.NewError(dreshard.CodeBadValue, "shard key must not be empty")
	}
	if req.UUID == "" {
		req.UUID = dreshard.NewUUID()
	}

	return o.Store.WithTransaction(ctx, func(tx *catalog.Txn) error {
		raws, err := tx.Find(dreshard.ShardsCollection, nil)
		if err != nil {
			return err
		}
		shards, err := catalog.DecodeAll[dreshard.ShardEntry](raws)
		if err != nil {
			return err
		}
		known := make([]string, 0, len(shards))
		for _, s := range shards {
			known = append(known, s.ID)
		}

		chunks, err := routing.ValidatePresetChunks(req.Chunks, known)
		if err != nil {
			return err
		}

		exists, err := tx.Count(dreshard.CollectionsCollection, byID(req.Namespace))
		if err != nil {
			return err
		}
		if exists > 0 {
			return errors.WithMessage(ErrAlreadySharded, string(req.Namespace))
		}

		var db dreshard.DatabaseEntry
		found, err := tx.FindOne(dreshard.DatabasesCollection, byID(req.Namespace.DB()), &db)
		if err != nil {
			return err
		}
		if !found {
			primary := req.PrimaryShard
			if primary == "" {
				primary = chunks[0].RecipientShardID
			}
			if err := tx.Insert(dreshard.DatabasesCollection, dreshard.DatabaseEntry{Name: req.Namespace.DB(), Primary: primary}); err != nil {
				return err
			}
		}

		epoch := primitive.NewObjectID()
		ts := primitive.Timestamp{T: uint32(time.Now().Unix())}
		err = tx.Insert(dreshard.CollectionsCollection, dreshard.CollectionEntry{
			Namespace: req.Namespace,
			UUID:      req.UUID,
			Epoch:     epoch,
			Timestamp: ts,
			Key:       req.Key,
		})
		if err != nil {
			return err
		}

		for _, c := range routing.BuildChunks(req.Namespace, epoch, ts, chunks) {
			if err := tx.Insert(dreshard.ChunksCollection, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// StartResharding starts resharding a collection, it returns once the operation was
// persisted
func (o *Orchestrator) StartResharding(ctx context.Context, req coordinator.Request) (dreshard.OperationID, error) {
	c, err := o.Coordinators.Create(ctx, req)
	if err != nil {
		return "", err
	}

	o.Log(dreshard.LogInfo, nil, "started resharding "+string(req.Namespace)+" to "+req.ReshardingKey.String()+", operation "+string(c.ID()))
	return c.ID(), nil
}

// AbortResharding aborts the operation running on ns, it returns false if the operation
// is already committing
func (o *Orchestrator) AbortResharding(ns dreshard.Namespace) (bool, error) {
	aborted, err := o.Coordinators.Abort(ns)
	if err != nil {
		return false, err
	}

	if aborted {
		o.Log(dreshard.LogInfo, nil, "aborting resharding of "+string(ns))
	} else {
		o.Log(dreshard.LogInfo, nil, "resharding of "+string(ns)+" is past the commit point, not aborting")
	}
	return aborted, nil
}

// WaitForOperation blocks until the operation finished and returns its outcome
func (o *Orchestrator) WaitForOperation(ctx context.Context, opID dreshard.OperationID) error {
	c := o.Coordinators.Lookup(opID)
	if c == nil {
		return errors.WithMessage(ErrUnknownOperation, string(opID))
	}
	return c.Wait(ctx)
}

// StepDown stops running coordinators, as if this node lost its primary role. Persisted
// operations resume on StepUp.
func (o *Orchestrator) StepDown() {
	o.Coordinators.StepDown()
	o.Log(dreshard.LogInfo, nil, "stepped down")
}

func (o *Orchestrator) StepUp(ctx context.Context) error {
	if err := o.Coordinators.StepUp(ctx); err != nil {
		return err
	}
	o.Log(dreshard.LogInfo, nil, "stepped up")
	return nil
}

// Status is a snapshot of the orchestrator, its nodes and operations
type Status struct {
	Primary    bool
	Nodes      []*NodeStatus
	Operations []coordinator.Progress

	// counters of the coordinators, nil unless they report to a StatsMetrics
	Metrics *dreshard.MetricsSnapshot `json:",omitempty"`
}

func (o *Orchestrator) Status() *Status {
	status := &Status{
		Primary:    o.Coordinators.IsPrimary(),
		Nodes:      o.GetFullNodesStatus(),
		Operations: o.Coordinators.Report(),
	}

	if stats, ok := o.Coordinators.Metrics.(*dreshard.StatsMetrics); ok {
		snap := stats.Snapshot()
		status.Metrics = &snap
	}
	return status
}

// LookupCollection returns the catalog entry of ns
func (o *Orchestrator) LookupCollection(ctx context.Context, ns dreshard.Namespace) (*dreshard.CollectionEntry, error) {
	return o.ConfigServer.FetchCollection(ctx, ns)
}

func byID(id interface{}) bson.M {
	return bson.M{"_id": id}
}
