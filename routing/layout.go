// Package routing computes and validates partition layouts and maintains the chunk
// records that describe which shard owns which key range.
package routing

import (
	"fmt"
	"sort"

	"github.com/jonas747/dreshard"
	"golang.org/x/exp/slices"
)

// keySpaceSize is the size of the hex key space fresh layouts are split over
const keySpaceSize = 1 << 16

// ValidatePresetChunks checks that the preset ranges cover the whole key space without
// holes or overlaps and that each names a known shard. It returns the ranges sorted.
func ValidatePresetChunks(chunks []dreshard.ReshardedChunk, knownShards []string) ([]dreshard.ReshardedChunk, error) {
	if len(chunks) == 0 {
		return nil, dreshard.NewError(dreshard.CodeBadValue, "preset chunk list must not be empty")
	}

	sorted := append([]dreshard.ReshardedChunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool {
		return dreshard.CompareKeys(sorted[i].Min, sorted[j].Min) < 0
	})

	for i, c := range sorted {
		if !slices.Contains(knownShards, c.RecipientShardID) {
			return nil, dreshard.NewError(dreshard.CodeBadValue, "preset chunk [%s, %s) names unknown shard %q", c.Min, c.Max, c.RecipientShardID)
		}
		if dreshard.CompareKeys(c.Min, c.Max) >= 0 {
			return nil, dreshard.NewError(dreshard.CodeBadValue, "preset chunk [%s, %s) is empty", c.Min, c.Max)
		}
		if i == 0 {
			continue
		}

		prev := sorted[i-1]
		switch cmp := dreshard.CompareKeys(prev.Max, c.Min); {
		case cmp < 0:
			return nil, dreshard.NewError(dreshard.CodeBadValue, "preset chunks leave a hole between %s and %s", prev.Max, c.Min)
		case cmp > 0:
			return nil, dreshard.NewError(dreshard.CodeBadValue, "preset chunks [%s, %s) and [%s, %s) overlap", prev.Min, prev.Max, c.Min, c.Max)
		}
	}

	if sorted[0].Min != dreshard.MinKey {
		return nil, dreshard.NewError(dreshard.CodeBadValue, "preset chunks must start at the global minimum, not %s", sorted[0].Min)
	}
	if last := sorted[len(sorted)-1]; last.Max != dreshard.MaxKey {
		return nil, dreshard.NewError(dreshard.CodeBadValue, "preset chunks must end at the global maximum, not %s", last.Max)
	}

	return sorted, nil
}

// ValidateZones checks that no two zones overlap
func ValidateZones(zones []dreshard.Zone) error {
	sorted := append([]dreshard.Zone(nil), zones...)
	sort.Slice(sorted, func(i, j int) bool {
		return dreshard.CompareKeys(sorted[i].Min, sorted[j].Min) < 0
	})

	for i, z := range sorted {
		if z.Zone == "" {
			return dreshard.NewError(dreshard.CodeBadValue, "zone [%s, %s) has no name", z.Min, z.Max)
		}
		if dreshard.CompareKeys(z.Min, z.Max) >= 0 {
			return dreshard.NewError(dreshard.CodeBadValue, "zone %s has an empty range", z.Zone)
		}
		if i > 0 && dreshard.CompareKeys(sorted[i-1].Max, z.Min) > 0 {
			return dreshard.NewError(dreshard.CodeBadValue, "zones %s and %s overlap", sorted[i-1].Zone, z.Zone)
		}
	}
	return nil
}

// SplitEven splits the key space into numChunks contiguous ranges over the hex key space
// and hands them out to shards round robin
func SplitEven(numChunks int, shards []string) []dreshard.ReshardedChunk {
	if len(shards) == 0 {
		return nil
	}
	if numChunks < 1 {
		numChunks = 1
	}
	if numChunks > keySpaceSize {
		numChunks = keySpaceSize
	}

	sortedShards := append([]string(nil), shards...)
	sort.Strings(sortedShards)

	out := make([]dreshard.ReshardedChunk, 0, numChunks)
	min := dreshard.MinKey
	for i := 0; i < numChunks; i++ {
		max := dreshard.MaxKey
		if i < numChunks-1 {
			max = SplitPoint(i+1, numChunks)
		}

		out = append(out, dreshard.ReshardedChunk{
			RecipientShardID: sortedShards[i%len(sortedShards)],
			Min:              min,
			Max:              max,
		})
		min = max
	}
	return out
}

// SplitPoint returns the i'th of n-1 evenly spaced boundaries of the hex key space
func SplitPoint(i, n int) dreshard.KeyValue {
	return dreshard.KeyValue(fmt.Sprintf("%04x", i*keySpaceSize/n))
}

// RecipientsOf lists the shards owning at least one range of the layout
func RecipientsOf(layout []dreshard.ReshardedChunk) []string {
	ids := make([]string, 0, len(layout))
	for _, c := range layout {
		ids = append(ids, c.RecipientShardID)
	}
	return dreshard.UnionShardIDs(ids)
}
