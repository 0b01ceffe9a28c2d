package dreshard

import (
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Catalog collections. The config.* collections without "local" in the name live on the
// authority node, the local ones on every data node.
const (
	CollectionsCollection = "config.collections"
	ChunksCollection      = "config.chunks"
	TagsCollection        = "config.tags"
	DatabasesCollection   = "config.databases"
	ShardsCollection      = "config.shards"

	CoordinatorsCollection = "config.reshardingOperations"

	DonorsCollection                = "config.localReshardingOperations.donor"
	RecipientsCollection            = "config.localReshardingOperations.recipient"
	ParticipantTombstonesCollection = "config.localReshardingOperations.tombstones"
)

// CollectionEntry is the routing metadata of a sharded collection
type CollectionEntry struct {
	Namespace        Namespace           `bson:"_id"`
	UUID             UUID                `bson:"uuid"`
	Epoch            primitive.ObjectID  `bson:"lastmodEpoch"`
	Timestamp        primitive.Timestamp `bson:"timestamp"`
	Key              KeyPattern          `bson:"key"`
	AllowMigrations  *bool               `bson:"allowMigrations,omitempty"`
	ReshardingFields *ReshardingFields   `bson:"reshardingFields,omitempty"`
}

// ReshardingFields is the part of a collection entry participants read to drive their
// state machines. The source collection carries DonorFields, the temporary collection
// RecipientFields.
type ReshardingFields struct {
	OperationID     OperationID      `bson:"uuid"`
	State           CoordinatorState `bson:"state"`
	AbortReason     *AbortReason     `bson:"abortReason,omitempty"`
	DonorFields     *DonorFields     `bson:"donorFields,omitempty"`
	RecipientFields *RecipientFields `bson:"recipientFields,omitempty"`
}

type DonorFields struct {
	TempNamespace     Namespace  `bson:"tempNs"`
	ReshardingKey     KeyPattern `bson:"reshardingKey"`
	DonorShardIDs     []string   `bson:"donorShardIds"`
	RecipientShardIDs []string   `bson:"recipientShardIds"`
}

type RecipientFields struct {
	SourceNamespace       Namespace            `bson:"sourceNs"`
	SourceUUID            UUID                 `bson:"sourceUUID"`
	DonorShardIDs         []string             `bson:"donorShardIds"`
	RecipientShardIDs     []string             `bson:"recipientShardIds"`
	CloneTimestamp        *primitive.Timestamp `bson:"cloneTimestamp,omitempty"`
	ApproxBytesToCopy     *int64               `bson:"approxBytesToCopy,omitempty"`
	ApproxDocumentsToCopy *int64               `bson:"approxDocumentsToCopy,omitempty"`

	MinimumOperationDurationMillis int64 `bson:"minimumOperationDurationMillis"`
}

type ChunkVersion struct {
	Epoch     primitive.ObjectID  `bson:"epoch"`
	Timestamp primitive.Timestamp `bson:"timestamp"`
	Major     int64               `bson:"major"`
	Minor     int64               `bson:"minor"`
}

// Less orders versions within one epoch
func (v ChunkVersion) Less(other ChunkVersion) bool {
	return v.Major < other.Major || (v.Major == other.Major && v.Minor < other.Minor)
}

type ChunkEntry struct {
	ID        primitive.ObjectID `bson:"_id"`
	Namespace Namespace          `bson:"ns"`
	Min       KeyValue           `bson:"min"`
	Max       KeyValue           `bson:"max"`
	Shard     string             `bson:"shard"`
	Version   ChunkVersion       `bson:"lastmod"`
}

type ZoneEntry struct {
	ID        string    `bson:"_id"`
	Namespace Namespace `bson:"ns"`
	Zone      string    `bson:"tag"`
	Min       KeyValue  `bson:"min"`
	Max       KeyValue  `bson:"max"`
}

// ZoneEntryID is the id of the zone entry for the range starting at min
func ZoneEntryID(ns Namespace, min KeyValue) string {
	return string(ns) + "-" + string(min)
}

type DatabaseEntry struct {
	Name    string `bson:"_id"`
	Primary string `bson:"primary"`
}

type ShardEntry struct {
	ID   string `bson:"_id"`
	Host string `bson:"host"`
}

// ParticipantTombstone marks an operation a participant already finished, so late
// notifications for it do not start a new instance
type ParticipantTombstone struct {
	ID          string      `bson:"_id"`
	OperationID OperationID `bson:"uuid"`
	Namespace   Namespace   `bson:"ns"`
	Role        string      `bson:"role"`
}

func TombstoneID(opID OperationID, role string) string {
	return string(opID) + "/" + role
}

const (
	RoleCoordinator = "coordinator"
	RoleDonor       = "donor"
	RoleRecipient   = "recipient"
)

// BufferNamespace is where a recipient buffers the change log fetched from one donor
func BufferNamespace(sourceUUID UUID, donorShardID string) Namespace {
	return Namespace("config.localReshardingOplogBuffer." + string(sourceUUID) + "." + donorShardID)
}

// StashNamespace is where a recipient parks writes it could not apply in order
func StashNamespace(sourceUUID UUID, donorShardID string) Namespace {
	return Namespace("config.localReshardingConflictStash." + string(sourceUUID) + "." + donorShardID)
}
