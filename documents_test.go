package dreshard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func ts(t uint32) *primitive.Timestamp {
	return &primitive.Timestamp{T: t, I: 1}
}

func TestHighestMinFetchTimestamp(t *testing.T) {
	donors := []DonorShardEntry{
		{ID: "shard0", MutableState: DonorShardMutableState{State: DonorDonatingInitialData, MinFetchTimestamp: ts(5)}},
		{ID: "shard1", MutableState: DonorShardMutableState{State: DonorDonatingInitialData, MinFetchTimestamp: ts(9)}},
		{ID: "shard2", MutableState: DonorShardMutableState{State: DonorDonatingInitialData, MinFetchTimestamp: ts(3)}},
	}

	highest, ok := HighestMinFetchTimestamp(donors)
	require.True(t, ok)
	assert.Equal(t, uint32(9), highest.T)

	_, ok = HighestMinFetchTimestamp([]DonorShardEntry{{ID: "shard0"}})
	assert.False(t, ok)
}

func TestTimestampAfterComparesIncrement(t *testing.T) {
	assert.True(t, TimestampAfter(primitive.Timestamp{T: 5, I: 2}, primitive.Timestamp{T: 5, I: 1}))
	assert.False(t, TimestampAfter(primitive.Timestamp{T: 4, I: 9}, primitive.Timestamp{T: 5, I: 1}))
}

func TestCoordinatorDocumentPersistsStateNames(t *testing.T) {
	doc := CoordinatorDocument{
		ID:            "op",
		SchemaVersion: SchemaVersion,
		Namespace:     "db.coll",
		State:         CoordinatorBlockingWrites,
		Active:        true,
		DonorShards: []DonorShardEntry{
			{ID: "shard0", MutableState: DonorShardMutableState{State: DonorMirroring}},
		},
		RecipientShards: []RecipientShardEntry{
			{ID: "shard1", MutableState: RecipientShardMutableState{State: RecipientStrictConsistency}},
		},
		StartTime: time.Unix(100, 0).UTC(),
	}

	raw, err := bson.Marshal(doc)
	require.NoError(t, err)

	// the persisted layout uses stable names, never the enum ordinal
	assert.Equal(t, "blocking-writes", bson.Raw(raw).Lookup("state").StringValue())
	assert.Equal(t, "mirroring", bson.Raw(raw).Lookup("donorShards", "0", "mutableState", "state").StringValue())

	var decoded CoordinatorDocument
	require.NoError(t, bson.Unmarshal(raw, &decoded))
	assert.Equal(t, doc, decoded)
}

func TestUnknownStateNameIsRejected(t *testing.T) {
	raw, err := bson.Marshal(bson.M{"_id": "op", "state": "resharding-harder"})
	require.NoError(t, err)

	var decoded DonorDocument
	assert.Error(t, bson.Unmarshal(raw, &decoded))
}

func TestCheckSchemaVersion(t *testing.T) {
	assert.NoError(t, CheckSchemaVersion(SchemaVersion))
	assert.True(t, IsCode(CheckSchemaVersion(SchemaVersion+1), CodeBadValue))
}

func TestStatesBefore(t *testing.T) {
	assert.Equal(t, []DonorState{DonorUnused, DonorPreparingToDonate}, DonorStatesBefore(DonorDonatingInitialData))
	assert.NotContains(t, DonorStatesBefore(DonorError), DonorDone)
	assert.Contains(t, DonorStatesBefore(DonorDone), DonorError)

	assert.NotContains(t, RecipientStatesBefore(RecipientApplying), RecipientApplying)
	assert.Contains(t, RecipientStatesBefore(RecipientDone), RecipientRenaming)

	assert.False(t, RecipientError.Reached(RecipientApplying))
	assert.True(t, RecipientSteadyState.Reached(RecipientApplying))
}

func TestNamespaceHelpers(t *testing.T) {
	ns := Namespace("app.users")
	assert.Equal(t, "app", ns.DB())
	assert.Equal(t, "users", ns.Coll())
	assert.True(t, ns.Valid())
	assert.False(t, Namespace("nodot").Valid())
	assert.Equal(t, Namespace("app.system.resharding.abc"), TempReshardingNamespace(ns, "abc"))
}

func TestCompareKeysHonoursBounds(t *testing.T) {
	assert.Equal(t, -1, CompareKeys(MinKey, "0000"))
	assert.Equal(t, 1, CompareKeys(MaxKey, "ffff"))
	assert.Equal(t, -1, CompareKeys("0001", "0002"))
	assert.True(t, KeyRangeContains(MinKey, MaxKey, "zzz"))
	assert.False(t, KeyRangeContains("a", "b", "b"))
}

func TestUnionShardIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, UnionShardIDs([]string{"c", "a"}, []string{"b", "a"}))
}
