// Package simdata is an in-memory data plane for resharding: shards holding collections
// of documents with a change log, and a replicator copying from donors into a recipient's
// temporary collection. It backs the participant Storage and Replicator contracts in the
// server binary and in tests.
package simdata

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonas747/dreshard"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrWritesBlocked = dreshard.NewError(dreshard.CodeConflictingOperationInProgress, "writes are blocked by a resharding critical section")
	ErrReadsBlocked  = dreshard.NewError(dreshard.CodeConflictingOperationInProgress, "reads are blocked by a resharding critical section")
)

// Cluster is a set of shards sharing one clock
type Cluster struct {
	clock clock

	mu     sync.Mutex
	shards map[string]*Shard
}

func NewCluster() *Cluster {
	return &Cluster{shards: make(map[string]*Shard)}
}

// AddShard returns the shard with id, creating it if needed
func (c *Cluster) AddShard(id string) *Shard {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.shards[id]; ok {
		return s
	}

	s := &Shard{
		ID:               id,
		CriticalSections: dreshard.NewCriticalSections(),
		clock:            &c.clock,
		collections:      make(map[dreshard.Namespace]*Collection),
		changed:          make(chan struct{}),
	}
	c.shards[id] = s
	return s
}

func (c *Cluster) Shard(id string) *Shard {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shards[id]
}

// ShardIDs returns the ids of all shards, sorted
func (c *Cluster) ShardIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.shards))
	for id := range c.shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// clock hands out cluster wide increasing timestamps
type clock struct {
	mu   sync.Mutex
	last primitive.Timestamp
}

func (c *clock) next() primitive.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := uint32(time.Now().Unix())
	if now > c.last.T {
		c.last = primitive.Timestamp{T: now, I: 1}
	} else {
		c.last.I++
	}
	return c.last
}

// Collection is one incarnation of a collection on a shard
type Collection struct {
	UUID dreshard.UUID
	Key  dreshard.KeyPattern
	Docs map[string]bson.M
}

func (c *Collection) clone() *Collection {
	cp := &Collection{UUID: c.UUID, Key: c.Key, Docs: make(map[string]bson.M, len(c.Docs))}
	for id, d := range c.Docs {
		cp.Docs[id] = copyDoc(d)
	}
	return cp
}

func copyDoc(d bson.M) bson.M {
	cp := make(bson.M, len(d))
	for k, v := range d {
		cp[k] = v
	}
	return cp
}

// OplogKind is the type of a change log entry
type OplogKind string

const (
	OplogInsert OplogKind = "i"
	OplogUpdate OplogKind = "u"
	OplogDelete OplogKind = "d"
	OplogNoop   OplogKind = "n"

	// OplogFinal marks the last entry a recipient has to apply from this donor
	OplogFinal OplogKind = "final"
)

type OplogEntry struct {
	TS        primitive.Timestamp `bson:"ts"`
	Kind      OplogKind           `bson:"op"`
	Namespace dreshard.Namespace  `bson:"ns"`
	UUID      dreshard.UUID       `bson:"ui,omitempty"`
	DocID     string              `bson:"docId,omitempty"`
	Doc       bson.M              `bson:"o,omitempty"`
	Message   string              `bson:"msg,omitempty"`

	OperationID dreshard.OperationID `bson:"reshardingUUID,omitempty"`
	Recipient   string               `bson:"recipient,omitempty"`
}

// KeyValueOf returns the position of doc in the key space of key. Compound keys join the
// field values with a comma.
func KeyValueOf(doc bson.M, key dreshard.KeyPattern) dreshard.KeyValue {
	parts := make([]string, 0, len(key))
	for _, f := range key {
		v, ok := doc[f]
		if !ok || v == nil {
			parts = append(parts, "")
			continue
		}
		if s, ok := v.(string); ok {
			parts = append(parts, s)
			continue
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return dreshard.KeyValue(strings.Join(parts, ","))
}
