package routing

import (
	"context"
	"testing"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestValidatePresetChunks(t *testing.T) {
	shards := []string{"shard0", "shard1"}

	sorted, err := ValidatePresetChunks([]dreshard.ReshardedChunk{
		{RecipientShardID: "shard1", Min: "5", Max: dreshard.MaxKey},
		{RecipientShardID: "shard0", Min: dreshard.MinKey, Max: "5"},
	}, shards)
	require.NoError(t, err)
	assert.Equal(t, dreshard.MinKey, sorted[0].Min)

	cases := map[string][]dreshard.ReshardedChunk{
		"hole": {
			{RecipientShardID: "shard0", Min: dreshard.MinKey, Max: "3"},
			{RecipientShardID: "shard1", Min: "5", Max: dreshard.MaxKey},
		},
		"overlap": {
			{RecipientShardID: "shard0", Min: dreshard.MinKey, Max: "6"},
			{RecipientShardID: "shard1", Min: "5", Max: dreshard.MaxKey},
		},
		"missing global min": {
			{RecipientShardID: "shard0", Min: "1", Max: dreshard.MaxKey},
		},
		"missing global max": {
			{RecipientShardID: "shard0", Min: dreshard.MinKey, Max: "9"},
		},
		"unknown shard": {
			{RecipientShardID: "shard9", Min: dreshard.MinKey, Max: dreshard.MaxKey},
		},
	}
	for name, chunks := range cases {
		_, err := ValidatePresetChunks(chunks, shards)
		assert.True(t, dreshard.IsCode(err, dreshard.CodeBadValue), name)
	}
}

func TestValidateZones(t *testing.T) {
	assert.NoError(t, ValidateZones([]dreshard.Zone{
		{Zone: "eu", Min: dreshard.MinKey, Max: "5"},
		{Zone: "us", Min: "5", Max: dreshard.MaxKey},
	}))
	assert.Error(t, ValidateZones([]dreshard.Zone{
		{Zone: "eu", Min: dreshard.MinKey, Max: "6"},
		{Zone: "us", Min: "5", Max: dreshard.MaxKey},
	}))
}

func TestSplitEvenCoversKeySpace(t *testing.T) {
	layout := SplitEven(4, []string{"b", "a"})
	require.Len(t, layout, 4)

	sorted, err := ValidatePresetChunks(layout, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, layout, sorted)
	assert.Equal(t, []string{"a", "b", "a", "b"}, []string{layout[0].RecipientShardID, layout[1].RecipientShardID, layout[2].RecipientShardID, layout[3].RecipientShardID})
	assert.Equal(t, dreshard.KeyValue("4000"), layout[0].Max)
	assert.Equal(t, []string{"a", "b"}, RecipientsOf(layout))
}

func TestBumpShardVersions(t *testing.T) {
	store := catalog.New()
	ctx := context.Background()
	epoch := primitive.NewObjectID()
	ns := dreshard.Namespace("db.coll")

	chunks := BuildChunks(ns, epoch, primitive.Timestamp{T: 1}, SplitEven(4, []string{"a", "b"}))
	require.NoError(t, store.WithTransaction(ctx, func(tx *catalog.Txn) error {
		for _, c := range chunks {
			if err := tx.Insert(dreshard.ChunksCollection, c); err != nil {
				return err
			}
		}
		return BumpShardVersions(tx, ns, []string{"b"})
	}))

	var loaded []dreshard.ChunkEntry
	require.NoError(t, store.WithTransaction(ctx, func(tx *catalog.Txn) (err error) {
		loaded, err = LoadChunks(tx, ns)
		return err
	}))

	require.Len(t, loaded, 4)
	assert.Equal(t, int64(1), loaded[0].Version.Major)
	assert.Equal(t, int64(2), loaded[1].Version.Major, "first chunk of shard b gets the bumped version")
	assert.Equal(t, epoch, loaded[1].Version.Epoch)
	assert.Equal(t, []string{"a", "b"}, ShardsOwningChunks(loaded))

	owner, ok := OwnerOf(loaded, "c000")
	require.True(t, ok)
	assert.Equal(t, "b", owner)
}
