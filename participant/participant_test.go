package participant

import (
	"context"
	"testing"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	testNs     = dreshard.Namespace("db.coll")
	sourceUUID = dreshard.UUID("source-uuid")
	opID       = dreshard.OperationID("op-1")

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var tempNs = dreshard.TempReshardingNamespace(testNs, sourceUUID)

// sourceEntry is the catalog entry of the collection being resharded. shard0 and shard1
// donate, shard0 and shard2 receive.
func sourceEntry(state dreshard.CoordinatorState, uuid dreshard.UUID) *dreshard.CollectionEntry {
	return &dreshard.CollectionEntry{
		Namespace: testNs,
		UUID:      uuid,
		Key:       dreshard.KeyPattern{"oldKey"},
		ReshardingFields: &dreshard.ReshardingFields{
			OperationID: opID,
			State:       state,
			DonorFields: &dreshard.DonorFields{
				TempNamespace:     tempNs,
				ReshardingKey:     dreshard.KeyPattern{"newKey"},
				DonorShardIDs:     []string{"shard0", "shard1"},
				RecipientShardIDs: []string{"shard0", "shard2"},
			},
		},
	}
}

func tempEntry(state dreshard.CoordinatorState, cloneTS *primitive.Timestamp) *dreshard.CollectionEntry {
	bytes, docs := int64(500), int64(5)
	return &dreshard.CollectionEntry{
		Namespace: tempNs,
		UUID:      opID,
		Key:       dreshard.KeyPattern{"newKey"},
		ReshardingFields: &dreshard.ReshardingFields{
			OperationID: opID,
			State:       state,
			RecipientFields: &dreshard.RecipientFields{
				SourceNamespace:       testNs,
				SourceUUID:            sourceUUID,
				DonorShardIDs:         []string{"shard0", "shard1"},
				RecipientShardIDs:     []string{"shard0", "shard2"},
				CloneTimestamp:        cloneTS,
				ApproxBytesToCopy:     &bytes,
				ApproxDocumentsToCopy: &docs,
			},
		},
	}
}

type testService struct {
	*Service
	client     *fakeClient
	storage    *fakeStorage
	replicator *fakeReplicator
	metrics    *dreshard.StatsMetrics
}

func newTestService(t *testing.T, shardID string, strictConsistency bool) *testService {
	ts := &testService{
		client:     &fakeClient{},
		storage:    newFakeStorage(),
		replicator: newFakeReplicator(strictConsistency),
		metrics:    &dreshard.StatsMetrics{},
	}
	ts.storage.collections[testNs] = sourceUUID

	ts.Service = NewService(shardID, catalog.New(), ts.client, ts.storage, ts.replicator)
	ts.Service.Metrics = ts.metrics
	ts.Service.Config.RetryDelay = tick
	return ts
}

func (ts *testService) start(t *testing.T) {
	require.NoError(t, ts.StepUp(context.Background()))
	t.Cleanup(ts.StepDown)
}

func (ts *testService) notify(t *testing.T, entry *dreshard.CollectionEntry) {
	require.NoError(t, ts.OnCatalogFieldsChanged(context.Background(), entry.Namespace, entry))
}

func (ts *testService) tombstones(t *testing.T) []dreshard.ParticipantTombstone {
	raws, err := ts.Local.Find(context.Background(), dreshard.ParticipantTombstonesCollection, nil)
	require.NoError(t, err)
	out, err := catalog.DecodeAll[dreshard.ParticipantTombstone](raws)
	require.NoError(t, err)
	return out
}

func TestDonorRunsToDone(t *testing.T) {
	ts := newTestService(t, "shard1", true)
	ts.start(t)

	ts.notify(t, sourceEntry(dreshard.CoordinatorPreparingToDonate, sourceUUID))
	require.Eventually(t, func() bool { return ts.client.donorReported(dreshard.DonorDonatingInitialData) }, waitFor, tick)

	reported, _ := ts.client.lastDonor()
	assert.Equal(t, "shard1", reported.ID)
	require.NotNil(t, reported.MutableState.MinFetchTimestamp)
	assert.Equal(t, primitive.Timestamp{T: 42, I: 1}, *reported.MutableState.MinFetchTimestamp)
	assert.EqualValues(t, 1000, *reported.MutableState.BytesToClone)

	ts.notify(t, sourceEntry(dreshard.CoordinatorApplying, sourceUUID))
	require.Eventually(t, func() bool { return ts.client.donorReported(dreshard.DonorDonatingOplogEntries) }, waitFor, tick)

	ts.notify(t, sourceEntry(dreshard.CoordinatorBlockingWrites, sourceUUID))
	require.Eventually(t, func() bool { return ts.client.donorReported(dreshard.DonorMirroring) }, waitFor, tick)
	assert.True(t, ts.CriticalSections.WritesBlocked(testNs))

	ts.storage.mu.Lock()
	assert.ElementsMatch(t, []finalEntry{{ns: testNs, recipient: "shard0"}, {ns: testNs, recipient: "shard2"}}, ts.storage.finalEntries)
	ts.storage.mu.Unlock()

	ts.notify(t, sourceEntry(dreshard.CoordinatorCommitting, opID))
	require.Eventually(t, func() bool { return ts.Donor(opID) == nil }, waitFor, tick)

	assert.True(t, ts.client.donorReported(dreshard.DonorDone))
	assert.Equal(t, []dreshard.Namespace{testNs}, ts.storage.droppedNamespaces())
	assert.False(t, ts.CriticalSections.WritesBlocked(testNs))
	assert.EqualValues(t, 1, ts.metrics.Snapshot().Succeeded)

	local, err := ts.Local.Find(context.Background(), dreshard.DonorsCollection, nil)
	require.NoError(t, err)
	assert.Empty(t, local)
	require.Len(t, ts.tombstones(t), 1)

	// a late notification reports done again instead of starting over
	ts.notify(t, sourceEntry(dreshard.CoordinatorCommitting, opID))
	assert.Nil(t, ts.Donor(opID))
	assert.True(t, ts.client.donorReported(dreshard.DonorDone))

	// the namespace moved on, the tombstone goes away
	require.NoError(t, ts.OnCatalogFieldsChanged(context.Background(), testNs, &dreshard.CollectionEntry{Namespace: testNs, UUID: opID}))
	assert.Empty(t, ts.tombstones(t))
}

func TestDonorIgnoresOtherShardsAndInactiveService(t *testing.T) {
	ts := newTestService(t, "shard2", true)

	// not primary yet
	ts.notify(t, sourceEntry(dreshard.CoordinatorPreparingToDonate, sourceUUID))
	assert.Nil(t, ts.Donor(opID))

	ts.start(t)
	ts.notify(t, sourceEntry(dreshard.CoordinatorPreparingToDonate, sourceUUID))
	assert.Nil(t, ts.Donor(opID))
	_, reported := ts.client.lastDonor()
	assert.False(t, reported)
}

func TestDonorResumesFromLocalDocument(t *testing.T) {
	ts := newTestService(t, "shard1", true)

	doc := dreshard.DonorDocument{
		ID:              opID,
		SchemaVersion:   dreshard.SchemaVersion,
		Namespace:       testNs,
		ExistingUUID:    sourceUUID,
		TempNamespace:   tempNs,
		ReshardingKey:   dreshard.KeyPattern{"newKey"},
		RecipientShards: []string{"shard0", "shard2"},
		State:           dreshard.DonorMirroring,
	}
	require.NoError(t, ts.Local.WithTransaction(context.Background(), func(tx *catalog.Txn) error {
		return tx.Insert(dreshard.DonorsCollection, doc)
	}))

	ts.start(t)
	require.NotNil(t, ts.Donor(opID))
	require.Eventually(t, func() bool { return ts.client.donorReported(dreshard.DonorMirroring) }, waitFor, tick)
	// held again although the section of the previous run was lost
	require.Eventually(t, func() bool { return ts.CriticalSections.WritesBlocked(testNs) }, waitFor, tick)

	ts.notify(t, sourceEntry(dreshard.CoordinatorCommitting, opID))
	require.Eventually(t, func() bool { return ts.client.donorReported(dreshard.DonorDone) }, waitFor, tick)
	assert.Equal(t, []dreshard.Namespace{testNs}, ts.storage.droppedNamespaces())
}

func TestDonorOnlyDropsTheSourceIncarnation(t *testing.T) {
	cases := []struct {
		name        string
		current     dreshard.UUID
		exists      bool
		wantDropped bool
	}{
		{name: "already dropped", exists: false},
		{name: "source incarnation", current: sourceUUID, exists: true, wantDropped: true},
		{name: "already renamed over", current: opID, exists: true},
		{name: "unknown incarnation", current: "someone-else", exists: true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			storage := newFakeStorage()
			if c.exists {
				storage.collections[testNs] = c.current
			}

			doc := dreshard.DonorDocument{
				ID:              opID,
				SchemaVersion:   dreshard.SchemaVersion,
				Namespace:       testNs,
				ExistingUUID:    sourceUUID,
				RecipientShards: []string{"shard2"},
				State:           dreshard.DonorDropping,
			}
			d := newDonor(doc, deps{
				ShardID:          "shard1",
				Config:           DefaultConfig(),
				Local:            catalog.New(),
				Client:           &fakeClient{},
				Storage:          storage,
				CriticalSections: dreshard.NewCriticalSections(),
				Metrics:          &dreshard.StatsMetrics{},
			})

			require.NoError(t, d.dropSourceCollection(doc))
			assert.Equal(t, dreshard.DonorDone, d.State())

			_, stillThere := storage.uuidOf(testNs)
			if c.wantDropped {
				assert.Equal(t, []dreshard.Namespace{testNs}, storage.droppedNamespaces())
				assert.False(t, stillThere)
			} else {
				assert.Empty(t, storage.droppedNamespaces())
				assert.Equal(t, c.exists, stillThere)
			}
		})
	}
}

func TestRecipientRunsToDone(t *testing.T) {
	ts := newTestService(t, "shard2", false)
	ts.start(t)

	ts.notify(t, tempEntry(dreshard.CoordinatorPreparingToDonate, nil))
	require.Eventually(t, func() bool { return ts.client.recipientReported(dreshard.RecipientAwaitingFetchTimestamp) }, waitFor, tick)

	cloneTS := primitive.Timestamp{T: 42, I: 1}
	ts.notify(t, tempEntry(dreshard.CoordinatorCloning, &cloneTS))
	require.Eventually(t, func() bool { return ts.client.recipientReported(dreshard.RecipientSteadyState) }, waitFor, tick)

	uuid, found := ts.storage.uuidOf(tempNs)
	require.True(t, found)
	assert.Equal(t, opID, uuid)

	ts.replicator.mu.Lock()
	require.Len(t, ts.replicator.started, 1)
	params := ts.replicator.started[0]
	ts.replicator.mu.Unlock()
	assert.Equal(t, cloneTS, params.CloneTimestamp)
	assert.Equal(t, []string{"shard0", "shard1"}, params.DonorShardIDs)
	assert.Equal(t, sourceUUID, params.SourceUUID)

	remaining, err := ts.RemainingOperationTime(opID)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Millisecond, remaining)

	// the donors' final entries arrived
	close(ts.replicator.repl.consistent)
	require.Eventually(t, func() bool { return ts.client.recipientReported(dreshard.RecipientStrictConsistency) }, waitFor, tick)
	assert.True(t, ts.CriticalSections.WritesBlocked(testNs))

	// past the commit the recipient hears about the source namespace only
	ts.notify(t, sourceEntry(dreshard.CoordinatorCommitting, opID))
	require.Eventually(t, func() bool { return ts.Recipient(opID) == nil }, waitFor, tick)

	assert.True(t, ts.client.recipientReported(dreshard.RecipientDone))
	ts.storage.mu.Lock()
	assert.Equal(t, []rename{{from: tempNs, to: testNs, dropTarget: true}}, ts.storage.renames)
	assert.Equal(t, 1, ts.storage.artifacts)
	ts.storage.mu.Unlock()

	uuid, _ = ts.storage.uuidOf(testNs)
	assert.Equal(t, opID, uuid)
	assert.False(t, ts.CriticalSections.WritesBlocked(testNs))
	assert.EqualValues(t, 1, ts.metrics.Snapshot().Succeeded)

	_, err = ts.RemainingOperationTime(opID)
	assert.True(t, dreshard.IsCode(err, dreshard.CodeNamespaceNotFound))
}

func TestRecipientCleansUpOnAbort(t *testing.T) {
	ts := newTestService(t, "shard2", false)
	ts.start(t)

	cloneTS := primitive.Timestamp{T: 42, I: 1}
	ts.notify(t, tempEntry(dreshard.CoordinatorCloning, &cloneTS))
	require.Eventually(t, func() bool { return ts.client.recipientReported(dreshard.RecipientSteadyState) }, waitFor, tick)

	ts.notify(t, tempEntry(dreshard.CoordinatorAborting, &cloneTS))
	require.Eventually(t, func() bool { return ts.client.recipientReported(dreshard.RecipientDone) }, waitFor, tick)

	assert.Contains(t, ts.storage.droppedNamespaces(), tempNs)
	_, found := ts.storage.uuidOf(tempNs)
	assert.False(t, found)
	assert.Eventually(t, func() bool { return ts.metrics.Snapshot().Aborted == 1 }, waitFor, tick)

	reported, _ := ts.client.lastRecipient()
	assert.Nil(t, reported.MutableState.AbortReason)

	// the source collection is untouched
	uuid, _ := ts.storage.uuidOf(testNs)
	assert.Equal(t, sourceUUID, uuid)
}

func TestRecipientWithNonEmptyStashFails(t *testing.T) {
	ts := newTestService(t, "shard2", true)
	ts.storage.stashFull = true
	ts.start(t)

	cloneTS := primitive.Timestamp{T: 42, I: 1}
	ts.notify(t, tempEntry(dreshard.CoordinatorCloning, &cloneTS))
	require.Eventually(t, func() bool { return ts.client.recipientReported(dreshard.RecipientDone) }, waitFor, tick)

	reported, _ := ts.client.lastRecipient()
	require.NotNil(t, reported.MutableState.AbortReason)
	assert.Equal(t, dreshard.CodeStashCollectionsNotEmpty, reported.MutableState.AbortReason.Code)

	ts.client.mu.Lock()
	var sawError bool
	for _, e := range ts.client.recipients {
		if e.MutableState.State == dreshard.RecipientError {
			sawError = true
		}
	}
	ts.client.mu.Unlock()
	assert.True(t, sawError)

	_, found := ts.storage.uuidOf(tempNs)
	assert.False(t, found)
	assert.False(t, ts.CriticalSections.WritesBlocked(testNs))
	assert.Eventually(t, func() bool { return ts.metrics.Snapshot().Failed == 1 }, waitFor, tick)
}

func TestRecipientReportsDoneForAbortWithoutInstance(t *testing.T) {
	ts := newTestService(t, "shard2", true)
	ts.start(t)

	ts.notify(t, tempEntry(dreshard.CoordinatorAborting, nil))
	assert.Nil(t, ts.Recipient(opID))
	assert.True(t, ts.client.recipientReported(dreshard.RecipientDone))

	ts.replicator.mu.Lock()
	assert.Empty(t, ts.replicator.started)
	ts.replicator.mu.Unlock()
}

func TestAbortedOperationIsNotRestartedByLateEntry(t *testing.T) {
	ts := newTestService(t, "shard2", false)
	ts.start(t)

	cloneTS := primitive.Timestamp{T: 42, I: 1}
	ts.notify(t, tempEntry(dreshard.CoordinatorAborting, &cloneTS))
	require.True(t, ts.client.recipientReported(dreshard.RecipientDone))

	tombstones := ts.tombstones(t)
	require.Len(t, tombstones, 1)
	assert.Equal(t, dreshard.TombstoneID(opID, dreshard.RoleRecipient), tombstones[0].ID)
	assert.Equal(t, testNs, tombstones[0].Namespace)

	// an entry fetched before the abort arrives last
	ts.notify(t, tempEntry(dreshard.CoordinatorCloning, &cloneTS))
	assert.Nil(t, ts.Recipient(opID))

	ts.replicator.mu.Lock()
	assert.Empty(t, ts.replicator.started)
	ts.replicator.mu.Unlock()

	_, found := ts.storage.uuidOf(tempNs)
	assert.False(t, found)

	local, err := ts.Local.Find(context.Background(), dreshard.RecipientsCollection, nil)
	require.NoError(t, err)
	assert.Empty(t, local)
}

func TestAbortedDonorIsNotRestartedByLateEntry(t *testing.T) {
	ts := newTestService(t, "shard1", true)
	ts.start(t)

	ts.notify(t, sourceEntry(dreshard.CoordinatorAborting, sourceUUID))
	require.True(t, ts.client.donorReported(dreshard.DonorDone))

	ts.notify(t, sourceEntry(dreshard.CoordinatorPreparingToDonate, sourceUUID))
	assert.Nil(t, ts.Donor(opID))

	local, err := ts.Local.Find(context.Background(), dreshard.DonorsCollection, nil)
	require.NoError(t, err)
	assert.Empty(t, local)

	// once the source entry no longer names the operation the tombstone goes away
	ts.notify(t, &dreshard.CollectionEntry{Namespace: testNs, UUID: sourceUUID, Key: dreshard.KeyPattern{"oldKey"}})
	assert.Empty(t, ts.tombstones(t))
}

func TestDoneReportIsSentWithoutHoldingTheService(t *testing.T) {
	ts := newTestService(t, "shard2", true)
	ts.client.hold = make(chan struct{})
	ts.start(t)

	notified := make(chan error, 1)
	go func() {
		notified <- ts.OnCatalogFieldsChanged(context.Background(), tempNs, tempEntry(dreshard.CoordinatorAborting, nil))
	}()
	require.Eventually(t, func() bool { return ts.client.waiting.Load() == 1 }, waitFor, tick)

	// answered while the report is still in flight
	_, err := ts.RemainingOperationTime(opID)
	assert.True(t, dreshard.IsCode(err, dreshard.CodeNamespaceNotFound), "got %v", err)
	assert.Nil(t, ts.Recipient(opID))

	close(ts.client.hold)
	select {
	case err := <-notified:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("catalog notification did not return")
	}
	assert.True(t, ts.client.recipientReported(dreshard.RecipientDone))
}
