package simdata

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/participant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	sourceNs   = dreshard.Namespace("db.coll")
	sourceUUID = dreshard.UUID("source-uuid")
	opID       = dreshard.OperationID("op-1")
)

var tempNs = dreshard.TempReshardingNamespace(sourceNs, sourceUUID)

type staticChunks []dreshard.ChunkEntry

func (c staticChunks) Chunks(ctx context.Context, ns dreshard.Namespace) ([]dreshard.ChunkEntry, error) {
	return c, nil
}

// newTwoShardCluster seeds two donors with ten documents each. The documents carry the
// new key "region" alternating between "east" and "west".
func newTwoShardCluster(t *testing.T) *Cluster {
	c := NewCluster()
	for i, id := range []string{"shard0", "shard1"} {
		s := c.AddShard(id)
		require.NoError(t, s.CreateCollection(sourceNs, sourceUUID, dreshard.KeyPattern{"oldKey"}))
		for j := 0; j < 10; j++ {
			region := "east"
			if j%2 == 1 {
				region = "west"
			}
			docID := fmt.Sprintf("%d-%d", i, j)
			require.NoError(t, s.Insert(sourceNs, docID, bson.M{"_id": docID, "region": region, "n": j}))
		}
	}
	return c
}

// layout puts everything below "m" on shard0 and the rest on shard1
var layout = staticChunks{
	{Namespace: tempNs, Min: dreshard.MinKey, Max: "m", Shard: "shard0"},
	{Namespace: tempNs, Min: "m", Max: dreshard.MaxKey, Shard: "shard1"},
}

func startReplication(t *testing.T, c *Cluster, shardID string) participant.Replication {
	s := c.Shard(shardID)
	require.NoError(t, s.CreateTemporaryCollection(context.Background(), tempNs, opID, dreshard.KeyPattern{"region"}))

	r := NewReplicator(c, shardID, layout)
	repl, err := r.Start(context.Background(), participant.ReplicationParams{
		OperationID:     opID,
		ShardID:         shardID,
		SourceNamespace: sourceNs,
		SourceUUID:      sourceUUID,
		TempNamespace:   tempNs,
		ReshardingKey:   dreshard.KeyPattern{"region"},
		DonorShardIDs:   []string{"shard0", "shard1"},
	})
	require.NoError(t, err)
	t.Cleanup(repl.Shutdown)
	return repl
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestReplicationCopiesOwnedRange(t *testing.T) {
	c := newTwoShardCluster(t)
	repl := startReplication(t, c, "shard0")
	ctx := waitCtx(t)

	require.NoError(t, repl.AwaitCloneDone(ctx))
	require.NoError(t, repl.AwaitSteadyState(ctx))

	temp := c.Shard("shard0").Snapshot(tempNs)
	require.NotNil(t, temp)
	assert.Len(t, temp.Docs, 10)
	for _, d := range temp.Docs {
		assert.Equal(t, "east", d["region"])
	}
	assert.EqualValues(t, 10, repl.Progress().DocumentsCopied)
}

func TestReplicationFailsOnUnencodableDocument(t *testing.T) {
	c := newTwoShardCluster(t)
	require.NoError(t, c.Shard("shard1").Insert(sourceNs, "bad", bson.M{"_id": "bad", "region": "east", "ch": make(chan int)}))

	repl := startReplication(t, c, "shard0")
	err := repl.AwaitCloneDone(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cloning bad")

	_, err = repl.RemainingTime()
	assert.Error(t, err)
}

func TestReplicationAppliesChangesUntilFinalEntries(t *testing.T) {
	c := newTwoShardCluster(t)
	repl := startReplication(t, c, "shard0")
	ctx := waitCtx(t)
	require.NoError(t, repl.AwaitSteadyState(ctx))

	donor := c.Shard("shard1")
	require.NoError(t, donor.Insert(sourceNs, "new", bson.M{"_id": "new", "region": "east"}))
	// moves out of shard0's range
	require.NoError(t, donor.Update(sourceNs, "1-0", bson.M{"_id": "1-0", "region": "west"}))
	require.NoError(t, donor.Delete(sourceNs, "1-2"))

	for _, id := range []string{"shard0", "shard1"} {
		require.NoError(t, c.Shard(id).WriteFinalOplogEntry(ctx, sourceNs, opID, "shard0"))
	}
	require.NoError(t, repl.AwaitStrictConsistency(ctx))

	temp := c.Shard("shard0").Snapshot(tempNs)
	assert.Contains(t, temp.Docs, "new")
	assert.NotContains(t, temp.Docs, "1-0")
	assert.NotContains(t, temp.Docs, "1-2")
	assert.Len(t, temp.Docs, 9)

	assert.Eventually(t, func() bool {
		remaining, err := repl.RemainingTime()
		return err == nil && remaining == 0
	}, time.Second, 5*time.Millisecond)
}

func TestFinalEntryForOtherRecipientIsIgnored(t *testing.T) {
	c := newTwoShardCluster(t)
	repl := startReplication(t, c, "shard0")
	ctx := waitCtx(t)
	require.NoError(t, repl.AwaitSteadyState(ctx))

	for _, id := range []string{"shard0", "shard1"} {
		require.NoError(t, c.Shard(id).WriteFinalOplogEntry(ctx, sourceNs, opID, "shard1"))
	}

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, repl.AwaitStrictConsistency(short), context.DeadlineExceeded)
}

func TestWritesRejectedUnderCriticalSection(t *testing.T) {
	c := newTwoShardCluster(t)
	s := c.Shard("shard0")

	require.NoError(t, s.CriticalSections.Acquire(sourceNs, opID))
	err := s.Insert(sourceNs, "x", bson.M{"_id": "x"})
	assert.True(t, dreshard.IsCode(err, dreshard.CodeConflictingOperationInProgress))

	_, _, err = s.Find(sourceNs, "0-1")
	assert.NoError(t, err)

	require.NoError(t, s.CriticalSections.PromoteToBlockReads(sourceNs, opID))
	_, _, err = s.Find(sourceNs, "0-1")
	assert.ErrorIs(t, err, ErrReadsBlocked)

	s.CriticalSections.Release(sourceNs, opID)
	assert.NoError(t, s.Insert(sourceNs, "x", bson.M{"_id": "x"}))
}

func TestRenameStashAndArtifacts(t *testing.T) {
	ctx := context.Background()
	c := newTwoShardCluster(t)
	s := c.Shard("shard0")
	donors := []string{"shard0", "shard1"}

	require.NoError(t, s.CreateTemporaryCollection(ctx, tempNs, opID, dreshard.KeyPattern{"region"}))

	empty, err := s.StashCollectionsEmpty(ctx, sourceUUID, donors)
	require.NoError(t, err)
	assert.True(t, empty)

	s.InjectStash(sourceUUID, "shard1", "conflict", bson.M{"_id": "conflict"})
	empty, err = s.StashCollectionsEmpty(ctx, sourceUUID, donors)
	require.NoError(t, err)
	assert.False(t, empty)

	require.NoError(t, s.DropReshardingArtifacts(ctx, sourceUUID, donors))
	empty, err = s.StashCollectionsEmpty(ctx, sourceUUID, donors)
	require.NoError(t, err)
	assert.True(t, empty)

	err = s.RenameCollection(ctx, tempNs, sourceNs, false)
	assert.Error(t, err)

	require.NoError(t, s.RenameCollection(ctx, tempNs, sourceNs, true))
	uuid, found, err := s.CollectionUUID(ctx, sourceNs)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, opID, uuid)

	_, found, err = s.CollectionUUID(ctx, tempNs)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEstimateSizeAndNoopTimestamps(t *testing.T) {
	ctx := context.Background()
	c := newTwoShardCluster(t)
	s := c.Shard("shard0")

	bytes, docs, err := s.EstimateSize(ctx, sourceNs)
	require.NoError(t, err)
	assert.EqualValues(t, 10, docs)
	assert.Greater(t, bytes, int64(0))

	a, err := s.WriteNoopAndAwaitMajority(ctx, "a")
	require.NoError(t, err)
	b, err := c.Shard("shard1").WriteNoopAndAwaitMajority(ctx, "b")
	require.NoError(t, err)
	assert.True(t, dreshard.TimestampAfter(b, a))
}
