package routing

import (
	"sort"

	"github.com/jonas747/dreshard"
	"github.com/jonas747/dreshard/catalog"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BuildChunks turns a layout into chunk records of a new collection incarnation
func BuildChunks(ns dreshard.Namespace, epoch primitive.ObjectID, ts primitive.Timestamp, layout []dreshard.ReshardedChunk) []dreshard.ChunkEntry {
	out := make([]dreshard.ChunkEntry, 0, len(layout))
	for i, c := range layout {
		out = append(out, dreshard.ChunkEntry{
			ID:        primitive.NewObjectID(),
			Namespace: ns,
			Min:       c.Min,
			Max:       c.Max,
			Shard:     c.RecipientShardID,
			Version: dreshard.ChunkVersion{
				Epoch:     epoch,
				Timestamp: ts,
				Major:     1,
				Minor:     int64(i),
			},
		})
	}
	return out
}

// BuildZones turns zones into zone records of ns
func BuildZones(ns dreshard.Namespace, zones []dreshard.Zone) []dreshard.ZoneEntry {
	out := make([]dreshard.ZoneEntry, 0, len(zones))
	for _, z := range zones {
		out = append(out, dreshard.ZoneEntry{
			ID:        dreshard.ZoneEntryID(ns, z.Min),
			Namespace: ns,
			Zone:      z.Zone,
			Min:       z.Min,
			Max:       z.Max,
		})
	}
	return out
}

// LoadChunks returns the chunks of ns sorted by range
func LoadChunks(tx *catalog.Txn, ns dreshard.Namespace) ([]dreshard.ChunkEntry, error) {
	raws, err := tx.Find(dreshard.ChunksCollection, bson.M{"ns": ns})
	if err != nil {
		return nil, err
	}

	chunks, err := catalog.DecodeAll[dreshard.ChunkEntry](raws)
	if err != nil {
		return nil, err
	}

	sort.Slice(chunks, func(i, j int) bool {
		return dreshard.CompareKeys(chunks[i].Min, chunks[j].Min) < 0
	})
	return chunks, nil
}

// ShardsOwningChunks lists the shards owning at least one chunk of ns
func ShardsOwningChunks(chunks []dreshard.ChunkEntry) []string {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.Shard)
	}
	return dreshard.UnionShardIDs(ids)
}

// OwnerOf returns the shard owning key
func OwnerOf(chunks []dreshard.ChunkEntry, key dreshard.KeyValue) (string, bool) {
	for _, c := range chunks {
		if dreshard.KeyRangeContains(c.Min, c.Max, key) {
			return c.Shard, true
		}
	}
	return "", false
}

// BumpShardVersions raises the collection version of ns and hands the new versions to one
// chunk of each listed shard. Routers and shards caching the routing table see a newer
// version and refresh.
func BumpShardVersions(tx *catalog.Txn, ns dreshard.Namespace, shards []string) error {
	chunks, err := LoadChunks(tx, ns)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	collVersion := chunks[0].Version
	for _, c := range chunks[1:] {
		if collVersion.Less(c.Version) {
			collVersion = c.Version
		}
	}

	next := dreshard.ChunkVersion{
		Epoch:     collVersion.Epoch,
		Timestamp: collVersion.Timestamp,
		Major:     collVersion.Major + 1,
	}

	for _, shard := range dreshard.UnionShardIDs(shards) {
		for _, c := range chunks {
			if c.Shard != shard {
				continue
			}

			c.Version = next
			if _, err := tx.Replace(dreshard.ChunksCollection, bson.M{"_id": c.ID}, c); err != nil {
				return errors.WithMessage(err, "bumping chunk version")
			}
			next.Minor++
			break
		}
	}
	return nil
}
