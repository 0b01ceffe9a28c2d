package dreshard

import (
	"strings"

	"github.com/google/uuid"
)

// Namespace is a fully qualified collection name, "<db>.<collection>"
type Namespace string

// DB returns the database part of the namespace
func (ns Namespace) DB() string {
	if i := strings.IndexByte(string(ns), '.'); i >= 0 {
		return string(ns[:i])
	}
	return string(ns)
}

// Coll returns the collection part of the namespace
func (ns Namespace) Coll() string {
	if i := strings.IndexByte(string(ns), '.'); i >= 0 {
		return string(ns[i+1:])
	}
	return ""
}

// Valid reports whether both the database and collection parts are non empty
func (ns Namespace) Valid() bool {
	return ns.DB() != "" && ns.Coll() != ""
}

func (ns Namespace) String() string {
	return string(ns)
}

// TempReshardingNamespace returns the namespace the new incarnation of a collection is
// built under while it is being resharded
func TempReshardingNamespace(ns Namespace, sourceUUID UUID) Namespace {
	return Namespace(ns.DB() + ".system.resharding." + string(sourceUUID))
}

// UUID identifies a collection incarnation
type UUID string

// OperationID identifies one resharding attempt, the collection built by the attempt
// carries it as its UUID once committed
type OperationID = UUID

func NewUUID() UUID {
	return UUID(uuid.NewString())
}

// KeyPattern is the ordered list of fields a collection is partitioned by
type KeyPattern []string

func (kp KeyPattern) String() string {
	return "{" + strings.Join(kp, ", ") + "}"
}

func (kp KeyPattern) Equal(other KeyPattern) bool {
	if len(kp) != len(other) {
		return false
	}
	for i := range kp {
		if kp[i] != other[i] {
			return false
		}
	}
	return true
}

// KeyValue is a point in the partition key space. The space is ordered by string
// comparison and bounded by MinKey and MaxKey.
type KeyValue string

const (
	MinKey KeyValue = "$minKey"
	MaxKey KeyValue = "$maxKey"
)

// CompareKeys returns -1, 0 or 1 depending on the ordering of a and b
func CompareKeys(a, b KeyValue) int {
	if a == b {
		return 0
	}

	switch {
	case a == MinKey || b == MaxKey:
		return -1
	case a == MaxKey || b == MinKey:
		return 1
	case a < b:
		return -1
	}
	return 1
}

// KeyRangeContains reports whether v falls in [min, max)
func KeyRangeContains(min, max, v KeyValue) bool {
	return CompareKeys(min, v) <= 0 && CompareKeys(v, max) < 0
}

// ReshardedChunk is one range of the initial layout of the new collection
type ReshardedChunk struct {
	RecipientShardID string   `bson:"recipientShardId" json:"recipientShardId"`
	Min              KeyValue `bson:"min" json:"min"`
	Max              KeyValue `bson:"max" json:"max"`
}

// Zone pins a key range to a named zone
type Zone struct {
	Zone string   `bson:"zone" json:"zone"`
	Min  KeyValue `bson:"min" json:"min"`
	Max  KeyValue `bson:"max" json:"max"`
}
