package participant

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonas747/dreshard"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fakeClient struct {
	mu         sync.Mutex
	donors     []dreshard.DonorShardEntry
	recipients []dreshard.RecipientShardEntry

	// if set, updates wait for it to be closed
	hold    chan struct{}
	waiting atomic.Int32
}

func (c *fakeClient) wait() {
	if c.hold == nil {
		return
	}
	c.waiting.Add(1)
	<-c.hold
	c.waiting.Add(-1)
}

func (c *fakeClient) FetchCollection(ctx context.Context, ns dreshard.Namespace) (*dreshard.CollectionEntry, error) {
	return nil, nil
}

func (c *fakeClient) UpdateDonorEntry(ctx context.Context, opID dreshard.OperationID, entry dreshard.DonorShardEntry, expected []dreshard.DonorState) (bool, error) {
	c.wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.donors = append(c.donors, entry)
	return true, nil
}

func (c *fakeClient) UpdateRecipientEntry(ctx context.Context, opID dreshard.OperationID, entry dreshard.RecipientShardEntry, expected []dreshard.RecipientState) (bool, error) {
	c.wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recipients = append(c.recipients, entry)
	return true, nil
}

func (c *fakeClient) lastDonor() (dreshard.DonorShardEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.donors) == 0 {
		return dreshard.DonorShardEntry{}, false
	}
	return c.donors[len(c.donors)-1], true
}

func (c *fakeClient) lastRecipient() (dreshard.RecipientShardEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.recipients) == 0 {
		return dreshard.RecipientShardEntry{}, false
	}
	return c.recipients[len(c.recipients)-1], true
}

func (c *fakeClient) donorReported(state dreshard.DonorState) bool {
	e, ok := c.lastDonor()
	return ok && e.MutableState.State == state
}

func (c *fakeClient) recipientReported(state dreshard.RecipientState) bool {
	e, ok := c.lastRecipient()
	return ok && e.MutableState.State == state
}

type finalEntry struct {
	ns        dreshard.Namespace
	recipient string
}

type rename struct {
	from, to   dreshard.Namespace
	dropTarget bool
}

type fakeStorage struct {
	mu           sync.Mutex
	collections  map[dreshard.Namespace]dreshard.UUID
	finalEntries []finalEntry
	dropped      []dreshard.Namespace
	renames      []rename
	stashFull    bool
	artifacts    int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{collections: make(map[dreshard.Namespace]dreshard.UUID)}
}

func (s *fakeStorage) EstimateSize(ctx context.Context, ns dreshard.Namespace) (int64, int64, error) {
	return 1000, 10, nil
}

func (s *fakeStorage) WriteNoopAndAwaitMajority(ctx context.Context, msg string) (primitive.Timestamp, error) {
	return primitive.Timestamp{T: 42, I: 1}, nil
}

func (s *fakeStorage) WriteFinalOplogEntry(ctx context.Context, ns dreshard.Namespace, opID dreshard.OperationID, recipientShardID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalEntries = append(s.finalEntries, finalEntry{ns: ns, recipient: recipientShardID})
	return nil
}

func (s *fakeStorage) CollectionUUID(ctx context.Context, ns dreshard.Namespace) (dreshard.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uuid, ok := s.collections[ns]
	return uuid, ok, nil
}

func (s *fakeStorage) DropCollection(ctx context.Context, ns dreshard.Namespace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, ns)
	s.dropped = append(s.dropped, ns)
	return nil
}

func (s *fakeStorage) CreateTemporaryCollection(ctx context.Context, ns dreshard.Namespace, uuid dreshard.UUID, key dreshard.KeyPattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[ns] = uuid
	return nil
}

func (s *fakeStorage) RenameCollection(ctx context.Context, from, to dreshard.Namespace, dropTarget bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[to] = s.collections[from]
	delete(s.collections, from)
	s.renames = append(s.renames, rename{from: from, to: to, dropTarget: dropTarget})
	return nil
}

func (s *fakeStorage) StashCollectionsEmpty(ctx context.Context, sourceUUID dreshard.UUID, donorShardIDs []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stashFull, nil
}

func (s *fakeStorage) DropReshardingArtifacts(ctx context.Context, sourceUUID dreshard.UUID, donorShardIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts++
	return nil
}

func (s *fakeStorage) uuidOf(ns dreshard.Namespace) (dreshard.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	uuid, ok := s.collections[ns]
	return uuid, ok
}

func (s *fakeStorage) droppedNamespaces() []dreshard.Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dreshard.Namespace(nil), s.dropped...)
}

// fakeReplication finishes cloning and reaches steady state right away, strict
// consistency once released
type fakeReplication struct {
	consistent chan struct{}
	once       sync.Once
	shutdown   chan struct{}
}

func (r *fakeReplication) AwaitCloneDone(ctx context.Context) error { return nil }

func (r *fakeReplication) AwaitSteadyState(ctx context.Context) error { return nil }

func (r *fakeReplication) AwaitStrictConsistency(ctx context.Context) error {
	select {
	case <-r.consistent:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *fakeReplication) RemainingTime() (time.Duration, error) { return 3 * time.Millisecond, nil }

func (r *fakeReplication) Progress() ReplicationProgress {
	return ReplicationProgress{DocumentsCopied: 10, BytesCopied: 1000}
}

func (r *fakeReplication) Shutdown() {
	r.once.Do(func() { close(r.shutdown) })
}

type fakeReplicator struct {
	mu      sync.Mutex
	started []ReplicationParams
	repl    *fakeReplication
}

func newFakeReplicator(strictConsistency bool) *fakeReplicator {
	repl := &fakeReplication{
		consistent: make(chan struct{}),
		shutdown:   make(chan struct{}),
	}
	if strictConsistency {
		close(repl.consistent)
	}
	return &fakeReplicator{repl: repl}
}

func (r *fakeReplicator) Start(ctx context.Context, params ReplicationParams) (Replication, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, params)
	return r.repl, nil
}
