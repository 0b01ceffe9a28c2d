package dreshard

import (
	"time"

	"golang.org/x/exp/slices"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SchemaVersion is written into every persisted operation document. Decoding rejects
// documents written by a newer layout.
const SchemaVersion = 1

type DonorShardMutableState struct {
	State             DonorState           `bson:"state"`
	MinFetchTimestamp *primitive.Timestamp `bson:"minFetchTimestamp,omitempty"`
	BytesToClone      *int64               `bson:"bytesToClone,omitempty"`
	DocumentsToClone  *int64               `bson:"documentsToClone,omitempty"`
	AbortReason       *AbortReason         `bson:"abortReason,omitempty"`
}

// DonorShardEntry is the donor sub-entry of a coordinator document. It is written by the
// donor through a guarded update and read by the coordinator.
type DonorShardEntry struct {
	ID           string                 `bson:"id"`
	MutableState DonorShardMutableState `bson:"mutableState"`
}

type RecipientShardMutableState struct {
	State       RecipientState `bson:"state"`
	AbortReason *AbortReason   `bson:"abortReason,omitempty"`
}

type RecipientShardEntry struct {
	ID           string                     `bson:"id"`
	MutableState RecipientShardMutableState `bson:"mutableState"`
}

// CoordinatorDocument is the durable state of a resharding operation on the authority node
type CoordinatorDocument struct {
	ID            OperationID      `bson:"_id"`
	SchemaVersion int              `bson:"schemaVersion"`
	Namespace     Namespace        `bson:"ns"`
	ExistingUUID  UUID             `bson:"existingUUID"`
	TempNamespace Namespace        `bson:"tempNs"`
	ReshardingKey KeyPattern       `bson:"reshardingKey"`
	State         CoordinatorState `bson:"state"`

	// Active is always true, the unique index over (ns, active) is what keeps a second
	// operation on the same namespace from being inserted
	Active bool `bson:"active"`

	DonorShards     []DonorShardEntry     `bson:"donorShards"`
	RecipientShards []RecipientShardEntry `bson:"recipientShards"`

	CloneTimestamp        *primitive.Timestamp `bson:"cloneTimestamp,omitempty"`
	ApproxBytesToCopy     *int64               `bson:"approxBytesToCopy,omitempty"`
	ApproxDocumentsToCopy *int64               `bson:"approxDocumentsToCopy,omitempty"`
	AbortReason           *AbortReason         `bson:"abortReason,omitempty"`

	// inputs consumed by the initializing step
	PresetReshardedChunks []ReshardedChunk `bson:"presetReshardedChunks,omitempty"`
	Zones                 []Zone           `bson:"zones,omitempty"`
	NumInitialChunks      int              `bson:"numInitialChunks,omitempty"`

	MinimumOperationDurationMillis int64     `bson:"minimumOperationDurationMillis"`
	StartTime                      time.Time `bson:"startTime"`
}

func (doc *CoordinatorDocument) DonorShardIDs() []string {
	ids := make([]string, 0, len(doc.DonorShards))
	for _, d := range doc.DonorShards {
		ids = append(ids, d.ID)
	}
	return ids
}

func (doc *CoordinatorDocument) RecipientShardIDs() []string {
	ids := make([]string, 0, len(doc.RecipientShards))
	for _, r := range doc.RecipientShards {
		ids = append(ids, r.ID)
	}
	return ids
}

// ParticipantShardIDs returns the sorted union of donors and recipients
func (doc *CoordinatorDocument) ParticipantShardIDs() []string {
	return UnionShardIDs(doc.DonorShardIDs(), doc.RecipientShardIDs())
}

func (doc *CoordinatorDocument) Donor(id string) *DonorShardEntry {
	for i := range doc.DonorShards {
		if doc.DonorShards[i].ID == id {
			return &doc.DonorShards[i]
		}
	}
	return nil
}

func (doc *CoordinatorDocument) Recipient(id string) *RecipientShardEntry {
	for i := range doc.RecipientShards {
		if doc.RecipientShards[i].ID == id {
			return &doc.RecipientShards[i]
		}
	}
	return nil
}

// ParticipantAbortReason returns the first abort reason reported by any participant
func (doc *CoordinatorDocument) ParticipantAbortReason() *AbortReason {
	for _, d := range doc.DonorShards {
		if d.MutableState.AbortReason != nil {
			return d.MutableState.AbortReason
		}
	}
	for _, r := range doc.RecipientShards {
		if r.MutableState.AbortReason != nil {
			return r.MutableState.AbortReason
		}
	}
	return nil
}

// Clone returns a deep enough copy for handing snapshots between goroutines
func (doc *CoordinatorDocument) Clone() *CoordinatorDocument {
	cp := *doc
	cp.DonorShards = append([]DonorShardEntry(nil), doc.DonorShards...)
	cp.RecipientShards = append([]RecipientShardEntry(nil), doc.RecipientShards...)
	cp.ReshardingKey = append(KeyPattern(nil), doc.ReshardingKey...)
	cp.PresetReshardedChunks = append([]ReshardedChunk(nil), doc.PresetReshardedChunks...)
	cp.Zones = append([]Zone(nil), doc.Zones...)
	return &cp
}

// DonorDocument is the durable state of a donor on its own node
type DonorDocument struct {
	ID              OperationID `bson:"_id"`
	SchemaVersion   int         `bson:"schemaVersion"`
	Namespace       Namespace   `bson:"ns"`
	ExistingUUID    UUID        `bson:"existingUUID"`
	TempNamespace   Namespace   `bson:"tempNs"`
	ReshardingKey   KeyPattern  `bson:"reshardingKey"`
	RecipientShards []string    `bson:"recipientShards"`
	State           DonorState  `bson:"state"`

	MinFetchTimestamp *primitive.Timestamp `bson:"minFetchTimestamp,omitempty"`
	BytesToClone      *int64               `bson:"bytesToClone,omitempty"`
	DocumentsToClone  *int64               `bson:"documentsToClone,omitempty"`
	AbortReason       *AbortReason         `bson:"abortReason,omitempty"`
}

// DonorEntry builds the coordinator sub-entry reporting this document's progress
func (doc *DonorDocument) DonorEntry(shardID string) DonorShardEntry {
	return DonorShardEntry{
		ID: shardID,
		MutableState: DonorShardMutableState{
			State:             doc.State,
			MinFetchTimestamp: doc.MinFetchTimestamp,
			BytesToClone:      doc.BytesToClone,
			DocumentsToClone:  doc.DocumentsToClone,
			AbortReason:       doc.AbortReason,
		},
	}
}

// RecipientDocument is the durable state of a recipient on its own node
type RecipientDocument struct {
	ID            OperationID    `bson:"_id"`
	SchemaVersion int            `bson:"schemaVersion"`
	Namespace     Namespace      `bson:"ns"`
	ExistingUUID  UUID           `bson:"existingUUID"`
	TempNamespace Namespace      `bson:"tempNs"`
	ReshardingKey KeyPattern     `bson:"reshardingKey"`
	DonorShards   []string       `bson:"donorShards"`
	State         RecipientState `bson:"state"`

	MinimumOperationDurationMillis int64 `bson:"minimumOperationDurationMillis"`

	CloneTimestamp        *primitive.Timestamp `bson:"cloneTimestamp,omitempty"`
	StartConfigCloneTime  *time.Time           `bson:"startConfigCloneTime,omitempty"`
	ApproxBytesToCopy     *int64               `bson:"approxBytesToCopy,omitempty"`
	ApproxDocumentsToCopy *int64               `bson:"approxDocumentsToCopy,omitempty"`
	AbortReason           *AbortReason         `bson:"abortReason,omitempty"`
}

func (doc *RecipientDocument) RecipientEntry(shardID string) RecipientShardEntry {
	return RecipientShardEntry{
		ID: shardID,
		MutableState: RecipientShardMutableState{
			State:       doc.State,
			AbortReason: doc.AbortReason,
		},
	}
}

func (doc *RecipientDocument) MinimumOperationDuration() time.Duration {
	return time.Duration(doc.MinimumOperationDurationMillis) * time.Millisecond
}

// HighestMinFetchTimestamp returns the latest minFetchTimestamp reported by the donors.
// Every donor's change log has to be read from no later than the point any donor started
// tagging writes, so the latest of them is the clone timestamp.
func HighestMinFetchTimestamp(donors []DonorShardEntry) (primitive.Timestamp, bool) {
	var (
		highest primitive.Timestamp
		found   bool
	)
	for _, d := range donors {
		ts := d.MutableState.MinFetchTimestamp
		if ts == nil {
			continue
		}
		if !found || TimestampAfter(*ts, highest) {
			highest = *ts
			found = true
		}
	}
	return highest, found
}

// TimestampAfter reports whether a is later than b
func TimestampAfter(a, b primitive.Timestamp) bool {
	return a.T > b.T || (a.T == b.T && a.I > b.I)
}

// UnionShardIDs merges the id lists into one sorted list without duplicates
func UnionShardIDs(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// CheckSchemaVersion rejects documents persisted by a newer layout than this build knows
func CheckSchemaVersion(v int) error {
	if v > SchemaVersion {
		return NewError(CodeBadValue, "document schema version %d is newer than supported version %d", v, SchemaVersion)
	}
	return nil
}
