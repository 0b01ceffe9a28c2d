package simdata

import (
	"context"
	"strings"
	"sync"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/participant"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Shard is the local storage of one data node
type Shard struct {
	ID               string
	CriticalSections *dreshard.CriticalSections

	clock *clock

	// below fields are protected by the following mutex
	mu          sync.Mutex
	collections map[dreshard.Namespace]*Collection
	oplog       []OplogEntry

	// closed and replaced on every oplog append
	changed chan struct{}
}

var _ participant.Storage = (*Shard)(nil)

func (s *Shard) appendOplogLocked(e OplogEntry) primitive.Timestamp {
	e.TS = s.clock.next()
	s.oplog = append(s.oplog, e)
	close(s.changed)
	s.changed = make(chan struct{})
	return e.TS
}

// CreateCollection creates an empty collection, used to seed the shards
func (s *Shard) CreateCollection(ns dreshard.Namespace, uuid dreshard.UUID, key dreshard.KeyPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.collections[ns]; ok {
		if cur.UUID == uuid {
			return nil
		}
		return dreshard.NewError(dreshard.CodeBadValue, "%s already exists on %s with uuid %s", ns, s.ID, cur.UUID)
	}

	s.collections[ns] = &Collection{UUID: uuid, Key: key, Docs: make(map[string]bson.M)}
	return nil
}

func (s *Shard) writableLocked(ns dreshard.Namespace) (*Collection, error) {
	if s.CriticalSections.WritesBlocked(ns) {
		return nil, ErrWritesBlocked
	}
	coll, ok := s.collections[ns]
	if !ok {
		return nil, dreshard.NewError(dreshard.CodeNamespaceNotFound, "%s does not exist on %s", ns, s.ID)
	}
	return coll, nil
}

// Insert inserts doc under id and logs the write
func (s *Shard) Insert(ns dreshard.Namespace, id string, doc bson.M) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.writableLocked(ns)
	if err != nil {
		return err
	}
	if _, ok := coll.Docs[id]; ok {
		return dreshard.NewError(dreshard.CodeBadValue, "duplicate document %s in %s", id, ns)
	}

	coll.Docs[id] = copyDoc(doc)
	s.appendOplogLocked(OplogEntry{Kind: OplogInsert, Namespace: ns, UUID: coll.UUID, DocID: id, Doc: copyDoc(doc)})
	return nil
}

// Update replaces the document stored under id
func (s *Shard) Update(ns dreshard.Namespace, id string, doc bson.M) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.writableLocked(ns)
	if err != nil {
		return err
	}
	if _, ok := coll.Docs[id]; !ok {
		return dreshard.NewError(dreshard.CodeBadValue, "no document %s in %s", id, ns)
	}

	coll.Docs[id] = copyDoc(doc)
	s.appendOplogLocked(OplogEntry{Kind: OplogUpdate, Namespace: ns, UUID: coll.UUID, DocID: id, Doc: copyDoc(doc)})
	return nil
}

func (s *Shard) Delete(ns dreshard.Namespace, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, err := s.writableLocked(ns)
	if err != nil {
		return err
	}
	if _, ok := coll.Docs[id]; !ok {
		return nil
	}

	delete(coll.Docs, id)
	s.appendOplogLocked(OplogEntry{Kind: OplogDelete, Namespace: ns, UUID: coll.UUID, DocID: id})
	return nil
}

// Find returns a copy of the document stored under id
func (s *Shard) Find(ns dreshard.Namespace, id string) (bson.M, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CriticalSections.ReadsBlocked(ns) {
		return nil, false, ErrReadsBlocked
	}
	coll, ok := s.collections[ns]
	if !ok {
		return nil, false, nil
	}
	doc, ok := coll.Docs[id]
	if !ok {
		return nil, false, nil
	}
	return copyDoc(doc), true, nil
}

// Snapshot returns a copy of the collection at ns, nil if there is none
func (s *Shard) Snapshot(ns dreshard.Namespace) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[ns]
	if !ok {
		return nil
	}
	return coll.clone()
}

// Namespaces lists the collections on the shard
func (s *Shard) Namespaces() []dreshard.Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]dreshard.Namespace, 0, len(s.collections))
	for ns := range s.collections {
		out = append(out, ns)
	}
	return out
}

// InjectStash puts a document into the conflict stash of a donor, for exercising the
// stash check
func (s *Shard) InjectStash(sourceUUID dreshard.UUID, donorShardID, id string, doc bson.M) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns := dreshard.StashNamespace(sourceUUID, donorShardID)
	coll, ok := s.collections[ns]
	if !ok {
		coll = &Collection{UUID: dreshard.NewUUID(), Docs: make(map[string]bson.M)}
		s.collections[ns] = coll
	}
	coll.Docs[id] = copyDoc(doc)
}

// oplogSince returns the entries after index from and a channel closed on the next append
func (s *Shard) oplogSince(from int) ([]OplogEntry, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from >= len(s.oplog) {
		return nil, s.changed
	}
	return append([]OplogEntry(nil), s.oplog[from:]...), s.changed
}

// snapshotAt copies ns together with the oplog position the copy is consistent with
func (s *Shard) snapshotAt(ns dreshard.Namespace, uuid dreshard.UUID) (*Collection, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[ns]
	if !ok || coll.UUID != uuid {
		return nil, len(s.oplog)
	}
	return coll.clone(), len(s.oplog)
}

// upsertLocal writes to a collection without logging, as done by the change log applier
func (s *Shard) upsertLocal(ns dreshard.Namespace, id string, doc bson.M) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[ns]
	if !ok {
		return dreshard.NewError(dreshard.CodeNamespaceNotFound, "%s does not exist on %s", ns, s.ID)
	}
	coll.Docs[id] = copyDoc(doc)
	return nil
}

func (s *Shard) deleteLocal(ns dreshard.Namespace, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if coll, ok := s.collections[ns]; ok {
		delete(coll.Docs, id)
	}
}

func (s *Shard) truncateLocal(ns dreshard.Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if coll, ok := s.collections[ns]; ok {
		coll.Docs = make(map[string]bson.M)
	}
}

// ensureLocal creates an internal collection if it is missing
func (s *Shard) ensureLocal(ns dreshard.Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[ns]; !ok {
		s.collections[ns] = &Collection{UUID: dreshard.NewUUID(), Docs: make(map[string]bson.M)}
	}
}

// Storage implementation

func (s *Shard) EstimateSize(ctx context.Context, ns dreshard.Namespace) (bytes, docs int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[ns]
	if !ok {
		return 0, 0, nil
	}

	for _, d := range coll.Docs {
		raw, err := bson.Marshal(d)
		if err != nil {
			return 0, 0, errors.WithMessage(err, "sizing document")
		}
		bytes += int64(len(raw))
		docs++
	}
	return bytes, docs, nil
}

func (s *Shard) WriteNoopAndAwaitMajority(ctx context.Context, msg string) (primitive.Timestamp, error) {
	if err := ctx.Err(); err != nil {
		return primitive.Timestamp{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendOplogLocked(OplogEntry{Kind: OplogNoop, Message: msg}), nil
}

func (s *Shard) WriteFinalOplogEntry(ctx context.Context, ns dreshard.Namespace, opID dreshard.OperationID, recipientShardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uuid dreshard.UUID
	if coll, ok := s.collections[ns]; ok {
		uuid = coll.UUID
	}
	s.appendOplogLocked(OplogEntry{
		Kind:        OplogFinal,
		Namespace:   ns,
		UUID:        uuid,
		OperationID: opID,
		Recipient:   recipientShardID,
	})
	return nil
}

func (s *Shard) CollectionUUID(ctx context.Context, ns dreshard.Namespace) (dreshard.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[ns]
	if !ok {
		return "", false, nil
	}
	return coll.UUID, true, nil
}

func (s *Shard) DropCollection(ctx context.Context, ns dreshard.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.collections, ns)
	return nil
}

func (s *Shard) CreateTemporaryCollection(ctx context.Context, ns dreshard.Namespace, uuid dreshard.UUID, key dreshard.KeyPattern) error {
	return s.CreateCollection(ns, uuid, key)
}

func (s *Shard) RenameCollection(ctx context.Context, from, to dreshard.Namespace, dropTarget bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[from]
	if !ok {
		return dreshard.NewError(dreshard.CodeNamespaceNotFound, "%s does not exist on %s", from, s.ID)
	}
	if _, exists := s.collections[to]; exists && !dropTarget {
		return dreshard.NewError(dreshard.CodeBadValue, "%s already exists on %s", to, s.ID)
	}

	s.collections[to] = coll
	delete(s.collections, from)
	return nil
}

func (s *Shard) StashCollectionsEmpty(ctx context.Context, sourceUUID dreshard.UUID, donorShardIDs []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range donorShardIDs {
		if coll, ok := s.collections[dreshard.StashNamespace(sourceUUID, d)]; ok && len(coll.Docs) > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (s *Shard) DropReshardingArtifacts(ctx context.Context, sourceUUID dreshard.UUID, donorShardIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bufferPrefix := string(dreshard.BufferNamespace(sourceUUID, ""))
	stashPrefix := string(dreshard.StashNamespace(sourceUUID, ""))
	for ns := range s.collections {
		if strings.HasPrefix(string(ns), bufferPrefix) || strings.HasPrefix(string(ns), stashPrefix) {
			delete(s.collections, ns)
		}
	}
	return nil
}
