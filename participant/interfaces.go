// Package participant runs the donor and recipient state machines of resharding
// operations on a data node. Both learn what the coordinator decided from the resharding
// fields of the catalog entries they are notified about, and report their own progress
// through guarded updates of their sub-entry in the coordinator document.
package participant

import (
	"context"
	"time"

	"github.com/jonas747/dreshard"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ConfigClient is how a data node talks to the authority node's catalog
type ConfigClient interface {
	FetchCollection(ctx context.Context, ns dreshard.Namespace) (*dreshard.CollectionEntry, error)
	UpdateDonorEntry(ctx context.Context, opID dreshard.OperationID, entry dreshard.DonorShardEntry, expected []dreshard.DonorState) (bool, error)
	UpdateRecipientEntry(ctx context.Context, opID dreshard.OperationID, entry dreshard.RecipientShardEntry, expected []dreshard.RecipientState) (bool, error)
}

// Storage is the local collection storage of a data node
type Storage interface {
	// EstimateSize returns the size of this node's part of ns
	EstimateSize(ctx context.Context, ns dreshard.Namespace) (bytes, docs int64, err error)

	// WriteNoopAndAwaitMajority writes a no-op entry to the change log and returns its
	// timestamp once a majority acknowledged it
	WriteNoopAndAwaitMajority(ctx context.Context, msg string) (primitive.Timestamp, error)

	// WriteFinalOplogEntry marks the end of the change log entries for ns the recipient
	// has to apply for the operation
	WriteFinalOplogEntry(ctx context.Context, ns dreshard.Namespace, opID dreshard.OperationID, recipientShardID string) error

	CollectionUUID(ctx context.Context, ns dreshard.Namespace) (dreshard.UUID, bool, error)
	DropCollection(ctx context.Context, ns dreshard.Namespace) error
	CreateTemporaryCollection(ctx context.Context, ns dreshard.Namespace, uuid dreshard.UUID, key dreshard.KeyPattern) error
	RenameCollection(ctx context.Context, from, to dreshard.Namespace, dropTarget bool) error

	// StashCollectionsEmpty reports whether the conflict stashes of every donor are empty
	StashCollectionsEmpty(ctx context.Context, sourceUUID dreshard.UUID, donorShardIDs []string) (bool, error)

	// DropReshardingArtifacts drops the change log buffers and conflict stashes
	DropReshardingArtifacts(ctx context.Context, sourceUUID dreshard.UUID, donorShardIDs []string) error
}

// ReplicationParams describes what a recipient copies
type ReplicationParams struct {
	OperationID     dreshard.OperationID
	ShardID         string
	SourceNamespace dreshard.Namespace
	SourceUUID      dreshard.UUID
	TempNamespace   dreshard.Namespace
	ReshardingKey   dreshard.KeyPattern
	DonorShardIDs   []string
	CloneTimestamp  primitive.Timestamp
}

// Replicator starts the bulk copy and change log application of a recipient
type Replicator interface {
	Start(ctx context.Context, params ReplicationParams) (Replication, error)
}

// ReplicationProgress counts what a replication copied and applied so far
type ReplicationProgress struct {
	DocumentsCopied     int64
	BytesCopied         int64
	OplogEntriesApplied int64
}

// Replication is a running copy of the donors' data into the temporary collection
type Replication interface {
	// AwaitCloneDone returns once the bulk copy finished
	AwaitCloneDone(ctx context.Context) error

	// AwaitSteadyState returns once the change log application caught up with the donors
	AwaitSteadyState(ctx context.Context) error

	// AwaitStrictConsistency returns once the final entry of every donor was applied
	AwaitStrictConsistency(ctx context.Context) error

	// RemainingTime estimates how long applying the outstanding entries takes
	RemainingTime() (time.Duration, error)

	Progress() ReplicationProgress
	Shutdown()
}
