package shard

import (
	"sort"
	"strings"

	"github.com/gantry-systems/gantry/internal/suite"
)

// ShardList splits items into shardCount contiguous slices whose sizes
// differ by at most one. The first len(items) mod shardCount slices get
// the extra element; when there are fewer items than shards the tail
// shards are present but empty.
func ShardList[T any](items []T, shardCount int) [][]T {
	if shardCount < 1 {
		shardCount = 1
	}
	shards := make([][]T, 0, shardCount)
	base := len(items) / shardCount
	extra := len(items) % shardCount
	next := 0
	for i := 0; i < shardCount; i++ {
		size := base
		if i < extra {
			size++
		}
		shards = append(shards, items[next:next+size])
		next += size
	}
	return shards
}

// group is a set of units sharing one module identity. Groups are
// distributed whole so the sub-units of a split module, and the
// parameterized variants of one definition, land on the same shard.
type group struct {
	units  []suite.Unit
	weight int
}

// moduleKey strips a trailing parameter suffix such as "[instant]" so
// variants of one module definition group together.
func moduleKey(id string) string {
	if strings.HasSuffix(id, "]") {
		if i := strings.LastIndex(id, "["); i > 0 {
			return id[:i]
		}
	}
	return id
}

// groupByModule collects units into per-module groups weighted by test
// count, preserving the order in which each module first appears.
func groupByModule(units []suite.Unit) []*group {
	var order []*group
	index := make(map[string]*group)
	for _, u := range units {
		key := moduleKey(u.ID())
		g, ok := index[key]
		if !ok {
			g = &group{}
			index[key] = g
			order = append(order, g)
		}
		g.units = append(g.units, u)
		g.weight += u.TestCount()
	}
	return order
}

// splitByDeviceCount pulls out units that need more than one device.
// Each gets a dedicated shard of its own, scheduled ahead of the
// single-device remainder.
func splitByDeviceCount(units []suite.Unit) (dedicated [][]suite.Unit, singles []suite.Unit) {
	for _, u := range units {
		if u.NeededDevices() > 1 {
			dedicated = append(dedicated, []suite.Unit{u})
			continue
		}
		singles = append(singles, u)
	}
	return dedicated, singles
}

// packByTestCount distributes groups across shardCount shards with a
// best-fit-decreasing pass: heaviest group first, each into the least
// loaded shard, ties broken by the lowest shard index.
func packByTestCount(groups []*group, shardCount int) [][]suite.Unit {
	sorted := make([]*group, len(groups))
	copy(sorted, groups)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].weight > sorted[j].weight })

	shards := make([][]suite.Unit, shardCount)
	loads := make([]int, shardCount)
	for _, g := range sorted {
		best := 0
		for i := 1; i < shardCount; i++ {
			if loads[i] < loads[best] {
				best = i
			}
		}
		shards[best] = append(shards[best], g.units...)
		loads[best] += g.weight
	}
	return shards
}

// roundRobin deals whole groups to shards in first-seen order.
func roundRobin(groups []*group, shardCount int) [][]suite.Unit {
	shards := make([][]suite.Unit, shardCount)
	for i, g := range groups {
		shards[i%shardCount] = append(shards[i%shardCount], g.units...)
	}
	return shards
}

// Split distributes units across shardCount shards. Multi-device units
// come first, one per shard; the rest are grouped by module identity
// and dealt to the remaining capacity, balanced by test count when even
// is set and round-robin otherwise. Shards may come back empty when
// there are fewer groups than shards.
func Split(units []suite.Unit, shardCount int, even bool) [][]suite.Unit {
	dedicated, singles := splitByDeviceCount(units)
	remaining := shardCount - len(dedicated)
	if remaining < 1 {
		remaining = 1
	}
	groups := groupByModule(singles)
	var rest [][]suite.Unit
	if even {
		rest = packByTestCount(groups, remaining)
	} else {
		rest = roundRobin(groups, remaining)
	}
	return append(dedicated, rest...)
}
