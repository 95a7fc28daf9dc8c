package version

import (
	"fmt"

	"tinyssb.dev/node/feed"
)

// Update feeds carry their first update blob at sequence 4 (behind ISCHILD,
// UPDFILE, MKCHILD), so version v of a feed with base b sits at sequence
// v - b + 3.
const firstUpdateSeq = 4

type accessEntry struct {
	feed *feed.Feed
	base uint32
}

// Graph is the dependency DAG of one file, assembled across its whole
// update-feed chain (rotations walk to parent feeds).
type Graph struct {
	// edges are undirected: v <-> depends_on(v).
	edges  map[int][]int
	access map[int]accessEntry
	max    int
}

// seqOf maps a version number to its sequence inside the owning feed.
func (e accessEntry) seqOf(version int) int {
	return version - int(e.base) + firstUpdateSeq - 1
}

// Has reports whether version is present in the chain.
func (g *Graph) Has(version int) bool {
	_, ok := g.access[version]
	return ok
}

// Max returns the highest version the chain covers.
func (g *Graph) Max() int { return g.max }

// changesAt decodes the update blob of a version.
func (g *Graph) changesAt(version int) ([]Change, error) {
	entry, ok := g.access[version]
	if !ok {
		return nil, fmt.Errorf("version %d not in graph", version)
	}
	payload, err := entry.feed.GetPayload(entry.seqOf(version))
	if err != nil {
		return nil, err
	}
	changes, _, err := DecodeChanges(payload)
	return changes, err
}

// ExtractGraph walks from the newest update feed up the parent chain,
// collecting every version each feed owns and the dependency edges between
// them. The walk stops at the first feed without UPDFILE metadata (the root
// update feed).
func ExtractGraph(open func(fid [32]byte) (*feed.Feed, error), f *feed.Feed) (*Graph, error) {
	g := &Graph{
		edges:  make(map[int][]int),
		access: make(map[int]accessEntry),
		max:    -1,
	}

	current := f
	for current != nil {
		_, base, ok := current.UpdFileInfo()
		if !ok {
			break
		}
		maxv := int(base) + int(current.Length()) - 3
		if maxv > g.max {
			g.max = maxv
		}
		for v := int(base); v <= maxv; v++ {
			g.access[v] = accessEntry{feed: current, base: base}
		}

		parentFID, ok := current.Parent()
		if !ok {
			break
		}
		parent, err := open(parentFID)
		if err != nil {
			// The chain extends past what replicated so far.
			break
		}
		current = parent
	}

	for v := 1; v <= g.max; v++ {
		entry, ok := g.access[v]
		if !ok {
			continue
		}
		dep, isUpdate, err := entry.feed.Dependency(entry.seqOf(v))
		if err != nil || !isUpdate {
			continue
		}
		g.edges[v] = append(g.edges[v], int(dep))
		g.edges[int(dep)] = append(g.edges[int(dep)], v)
	}
	return g, nil
}

// bfs finds the shortest path between two versions on the undirected
// dependency graph. Returns nil when no path exists.
func (g *Graph) bfs(start, end int) []int {
	if start == end {
		return []int{start}
	}
	visited := map[int]bool{start: true}
	queue := [][]int{{start}}

	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		current := path[len(path)-1]
		if current == end {
			return path
		}
		for _, next := range g.edges[current] {
			if !visited[next] {
				visited[next] = true
				extended := append(append([]int(nil), path...), next)
				queue = append(queue, extended)
			}
		}
	}
	return nil
}

func monoInc(path []int) bool {
	for i := 1; i < len(path); i++ {
		if path[i-1] >= path[i] {
			return false
		}
	}
	return true
}

func monoDec(path []int) bool {
	for i := 1; i < len(path); i++ {
		if path[i-1] <= path[i] {
			return false
		}
	}
	return true
}

// JumpVersions transforms content from version start to version end along
// the shortest dependency path. A path is all-increasing (apply each step),
// all-decreasing (revert each step) or has exactly one pivot where the
// direction flips: revert the decreasing prefix, apply the increasing
// suffix, skipping the pivot itself.
func (g *Graph) JumpVersions(content string, start, end int) (string, error) {
	if start == end {
		return content, nil
	}
	if start > g.max || end > g.max {
		return "", fmt.Errorf("version %d not available yet (max %d)", max(start, end), g.max)
	}
	path := g.bfs(start, end)
	if path == nil {
		return "", fmt.Errorf("no dependency path from %d to %d", start, end)
	}

	apply := func(content string, v int) (string, error) {
		changes, err := g.changesAt(v)
		if err != nil {
			return "", err
		}
		return ApplyChanges(content, changes), nil
	}
	revert := func(content string, v int) (string, error) {
		changes, err := g.changesAt(v)
		if err != nil {
			return "", err
		}
		return ApplyChanges(content, ReverseChanges(changes)), nil
	}

	var err error
	switch {
	case monoInc(path):
		for _, v := range path[1:] {
			if content, err = apply(content, v); err != nil {
				return "", err
			}
		}
	case monoDec(path):
		for _, v := range path[:len(path)-1] {
			if content, err = revert(content, v); err != nil {
				return "", err
			}
		}
	default:
		pivot := 0
		for i := 1; i < len(path); i++ {
			if path[i] > path[i-1] {
				pivot = i - 1
				break
			}
		}
		for _, v := range path[:pivot] {
			if content, err = revert(content, v); err != nil {
				return "", err
			}
		}
		for _, v := range path[pivot+1:] {
			if content, err = apply(content, v); err != nil {
				return "", err
			}
		}
	}
	return content, nil
}
