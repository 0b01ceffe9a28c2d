package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/jonas747/dreshard/coordinator"
	"github.com/jonas747/dreshard/datanode"
	"github.com/jonas747/dreshard/participant"
	"github.com/jonas747/dreshard/simdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

const (
	testNs     = dreshard.Namespace("db.coll")
	sourceUUID = dreshard.UUID("source-uuid")
	waitFor    = 10 * time.Second
	tick       = 10 * time.Millisecond
)

var shardIDs = []string{"shard0", "shard1"}

type testCluster struct {
	*Orchestrator
	cluster *simdata.Cluster
	nodes   map[string]*datanode.DataNode
}

// startTestCluster starts an orchestrator and a data node per shard talking to it over
// loopback
func startTestCluster(t *testing.T, cfg coordinator.Config) *testCluster {
	store := catalog.New()
	o := NewOrchestrator(store)
	o.RenotifyInterval = 50 * time.Millisecond
	o.Coordinators.Config = cfg

	require.NoError(t, o.Start("127.0.0.1:0"))
	t.Cleanup(o.Stop)

	tc := &testCluster{
		Orchestrator: o,
		cluster:      simdata.NewCluster(),
		nodes:        make(map[string]*datanode.DataNode),
	}

	for _, id := range shardIDs {
		dn, err := datanode.Start(context.Background(), tc.cluster, id, datanode.Options{
			OrchestratorAddr: o.Addr(),
			Host:             id + ".local",
			Version:          "test",
			Chunks:           simdata.CatalogChunks{Store: store},
			Config:           participant.Config{RetryDelay: tick},
		})
		require.NoError(t, err)
		t.Cleanup(dn.Stop)
		tc.nodes[id] = dn
	}

	require.Eventually(t, func() bool {
		for _, id := range shardIDs {
			if o.FindNodeByID(id) == nil {
				return false
			}
		}
		return true
	}, waitFor, tick, "nodes did not identify")

	return tc
}

// seed creates the collection sharded by oldKey, the first five documents on shard0 and
// the rest on shard1. newKey puts even documents below "m" and odd ones above.
func (tc *testCluster) seed(t *testing.T) {
	for _, id := range shardIDs {
		require.NoError(t, tc.cluster.Shard(id).CreateCollection(testNs, sourceUUID, dreshard.KeyPattern{"oldKey"}))
	}

	for i := 0; i < 10; i++ {
		owner := shardIDs[0]
		if i >= 5 {
			owner = shardIDs[1]
		}
		newKey := fmt.Sprintf("a-%d", i)
		if i%2 == 1 {
			newKey = fmt.Sprintf("z-%d", i)
		}
		docID := fmt.Sprintf("doc-%d", i)
		err := tc.cluster.Shard(owner).Insert(testNs, docID, bson.M{"_id": docID, "oldKey": fmt.Sprint(i), "newKey": newKey})
		require.NoError(t, err)
	}

	err := tc.ShardCollection(context.Background(), ShardCollectionRequest{
		Namespace: testNs,
		UUID:      sourceUUID,
		Key:       dreshard.KeyPattern{"oldKey"},
		Chunks: []dreshard.ReshardedChunk{
			{RecipientShardID: shardIDs[0], Min: dreshard.MinKey, Max: "5"},
			{RecipientShardID: shardIDs[1], Min: "5", Max: dreshard.MaxKey},
		},
	})
	require.NoError(t, err)
}

func fastConfig() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.MinimumOperationDuration = 0
	cfg.CommitMonitorInterval = 20 * time.Millisecond
	cfg.RemainingOperationTimeThreshold = time.Second
	return cfg
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func TestReshardCollectionEndToEnd(t *testing.T) {
	tc := startTestCluster(t, fastConfig())
	tc.seed(t)

	opID, err := tc.StartResharding(context.Background(), coordinator.Request{
		Namespace:     testNs,
		ReshardingKey: dreshard.KeyPattern{"newKey"},
		PresetReshardedChunks: []dreshard.ReshardedChunk{
			{RecipientShardID: shardIDs[0], Min: dreshard.MinKey, Max: "m"},
			{RecipientShardID: shardIDs[1], Min: "m", Max: dreshard.MaxKey},
		},
	})
	require.NoError(t, err)
	require.NoError(t, tc.WaitForOperation(waitCtx(t), opID))

	entry, err := tc.LookupCollection(context.Background(), testNs)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, dreshard.UUID(opID), entry.UUID, "the new incarnation is named after the operation")
	assert.Equal(t, dreshard.KeyPattern{"newKey"}, entry.Key)
	assert.Nil(t, entry.ReshardingFields)

	tempNs := dreshard.TempReshardingNamespace(testNs, sourceUUID)
	for i, id := range shardIDs {
		shard := tc.cluster.Shard(id)

		require.Eventually(t, func() bool {
			uuid, ok, err := shard.CollectionUUID(context.Background(), testNs)
			return err == nil && ok && uuid == dreshard.UUID(opID)
		}, waitFor, tick, "%s did not rename the temporary collection", id)
		assert.NotContains(t, shard.Namespaces(), tempNs)

		coll := shard.Snapshot(testNs)
		require.NotNil(t, coll)
		assert.Len(t, coll.Docs, 5)
		for docID, doc := range coll.Docs {
			owner, _ := doc["newKey"].(string)
			if i == 0 {
				assert.Less(t, owner, "m", docID)
			} else {
				assert.Greater(t, owner, "m", docID)
			}
		}
	}

	status := tc.Status()
	require.Len(t, status.Operations, 1)
	assert.Equal(t, dreshard.CoordinatorDone.String(), status.Operations[0].State)
	require.NotNil(t, status.Metrics)
	assert.Equal(t, int64(1), status.Metrics.Succeeded)
}

func TestAbortReshardingEndToEnd(t *testing.T) {
	cfg := fastConfig()
	cfg.MinimumOperationDuration = time.Hour
	tc := startTestCluster(t, cfg)
	tc.seed(t)

	opID, err := tc.StartResharding(context.Background(), coordinator.Request{
		Namespace:        testNs,
		ReshardingKey:    dreshard.KeyPattern{"newKey"},
		NumInitialChunks: 2,
	})
	require.NoError(t, err)

	aborted, err := tc.AbortResharding(testNs)
	require.NoError(t, err)
	assert.True(t, aborted)

	err = tc.WaitForOperation(waitCtx(t), opID)
	assert.True(t, dreshard.IsCode(err, dreshard.CodeReshardCollectionAborted), "got %v", err)

	entry, err := tc.LookupCollection(context.Background(), testNs)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, sourceUUID, entry.UUID)
	assert.Equal(t, dreshard.KeyPattern{"oldKey"}, entry.Key)

	tempNs := dreshard.TempReshardingNamespace(testNs, sourceUUID)
	for _, id := range shardIDs {
		shard := tc.cluster.Shard(id)
		require.Eventually(t, func() bool {
			for _, ns := range shard.Namespaces() {
				if ns == tempNs {
					return false
				}
			}
			return true
		}, waitFor, tick, "%s kept the temporary collection", id)

		coll := shard.Snapshot(testNs)
		require.NotNil(t, coll)
		assert.Equal(t, sourceUUID, coll.UUID)
		assert.Len(t, coll.Docs, 5)
	}
}

func TestShardCollectionRejectsUnknownShardsAndDuplicates(t *testing.T) {
	tc := startTestCluster(t, fastConfig())
	tc.seed(t)

	err := tc.ShardCollection(context.Background(), ShardCollectionRequest{
		Namespace: testNs,
		Key:       dreshard.KeyPattern{"k"},
		Chunks:    []dreshard.ReshardedChunk{{RecipientShardID: shardIDs[0], Min: dreshard.MinKey, Max: dreshard.MaxKey}},
	})
	assert.True(t, dreshard.IsCode(err, dreshard.CodeBadValue), "got %v", err)

	err = tc.ShardCollection(context.Background(), ShardCollectionRequest{
		Namespace: "db.other",
		Key:       dreshard.KeyPattern{"k"},
		Chunks:    []dreshard.ReshardedChunk{{RecipientShardID: "shard9", Min: dreshard.MinKey, Max: dreshard.MaxKey}},
	})
	assert.Error(t, err)
}

func TestNodeStatusAndRemainingTime(t *testing.T) {
	tc := startTestCluster(t, fastConfig())

	nodes := tc.GetFullNodesStatus()
	require.Len(t, nodes, len(shardIDs))
	for _, n := range nodes {
		assert.True(t, n.SessionEstablished)
		assert.Equal(t, "test", n.Version)
		assert.Equal(t, n.ID+".local", n.Host)
	}

	// no recipient runs on the node, the error crosses the wire with its code
	_, err := tc.RemainingOperationTime(context.Background(), shardIDs[0], "unknown-op")
	assert.True(t, dreshard.IsCode(err, dreshard.CodeNamespaceNotFound), "got %v", err)

	_, err = tc.RemainingOperationTime(context.Background(), "shard9", "unknown-op")
	assert.True(t, dreshard.IsCode(err, dreshard.CodeHostUnreachable), "got %v", err)
}
