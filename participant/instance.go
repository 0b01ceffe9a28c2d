package participant

import (
	"context"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
)

// deps are the collaborators shared by every instance on a node
type deps struct {
	ShardID          string
	Config           Config
	Local            *catalog.Store
	Client           ConfigClient
	Storage          Storage
	Replicator       Replicator
	CriticalSections *dreshard.CriticalSections
	Metrics          dreshard.Metrics
}

func byID(id interface{}) bson.M {
	return bson.M{"_id": id}
}

// replaceLocalDoc overwrites the local state document of an instance
func replaceLocalDoc(ctx context.Context, local *catalog.Store, coll string, id dreshard.OperationID, doc interface{}) error {
	return dreshard.RetryTransient(ctx, "persisting "+coll, func() error {
		return local.WithTransaction(ctx, func(tx *catalog.Txn) error {
			found, err := tx.Replace(coll, byID(id), doc)
			if err != nil {
				return err
			}
			if !found {
				return errors.Errorf("state document %s missing from %s", id, coll)
			}
			return nil
		})
	})
}

// finishLocal deletes the local state document and leaves a tombstone in its place in
// the same transaction
func finishLocal(ctx context.Context, local *catalog.Store, coll string, id dreshard.OperationID, ns dreshard.Namespace, role string) error {
	return dreshard.RetryTransient(ctx, "removing "+coll, func() error {
		return local.WithTransaction(ctx, func(tx *catalog.Txn) error {
			if _, err := tx.DeleteOne(coll, byID(id)); err != nil {
				return err
			}
			return putTombstone(tx, id, ns, role)
		})
	})
}

func putTombstone(tx *catalog.Txn, id dreshard.OperationID, ns dreshard.Namespace, role string) error {
	return tx.Upsert(dreshard.ParticipantTombstonesCollection, dreshard.ParticipantTombstone{
		ID:          dreshard.TombstoneID(id, role),
		OperationID: id,
		Namespace:   ns,
		Role:        role,
	})
}

// sleepCtx waits for d, it returns false if ctx was done first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func outcomeOf(reason *dreshard.AbortReason, aborted bool) dreshard.Outcome {
	switch {
	case reason != nil:
		return dreshard.OutcomeFailed
	case aborted:
		return dreshard.OutcomeAborted
	}
	return dreshard.OutcomeSucceeded
}
