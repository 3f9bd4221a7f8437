package memory

import (
	"sort"
	"sync"
)

// RelationIndex is a bidirectional entity-relationship graph. Every edge is
// stored in both directions so lookups from either endpoint are O(1).
// Re-adding an existing edge is a no-op (set union semantics).
type RelationIndex struct {
	mu      sync.RWMutex
	forward map[string]map[string]map[string]struct{} // entity -> relation -> targets
	reverse map[string]map[string]map[string]struct{} // entity -> relation -> sources
}

// Path is one traversal from a start entity to an end entity.
type Path []string

// NewRelationIndex constructs an empty graph.
func NewRelationIndex() *RelationIndex {
	return &RelationIndex{
		forward: make(map[string]map[string]map[string]struct{}),
		reverse: make(map[string]map[string]map[string]struct{}),
	}
}

// Associate records the directed edge (a, relation, b) plus its reverse.
func (g *RelationIndex) Associate(a, b, relation string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	addEdge(g.forward, a, relation, b)
	addEdge(g.reverse, b, relation, a)
}

func addEdge(m map[string]map[string]map[string]struct{}, from, rel, to string) {
	rels, ok := m[from]
	if !ok {
		rels = make(map[string]map[string]struct{})
		m[from] = rels
	}
	targets, ok := rels[rel]
	if !ok {
		targets = make(map[string]struct{})
		rels[rel] = targets
	}
	targets[to] = struct{}{}
}

// Related returns every entity connected to entity in either direction. With
// a non-empty relation, only edges carrying that relation are considered.
// Results are sorted; absence yields an empty slice, never an error.
func (g *RelationIndex) Related(entity, relation string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]struct{})
	collect(g.forward[entity], relation, seen)
	collect(g.reverse[entity], relation, seen)
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func collect(rels map[string]map[string]struct{}, relation string, seen map[string]struct{}) {
	for rel, targets := range rels {
		if relation != "" && rel != relation {
			continue
		}
		for t := range targets {
			seen[t] = struct{}{}
		}
	}
}

// FindPath returns every path from start to end within maxDepth hops,
// traversing edges in both directions. A path-local visited set prevents
// cycles inside a single path; an entity may still appear in multiple
// distinct paths. No path yields an empty slice, never an error.
func (g *RelationIndex) FindPath(start, end string, maxDepth int) []Path {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if maxDepth <= 0 {
		return []Path{}
	}
	paths := []Path{}
	visited := map[string]struct{}{start: {}}
	g.dfs(start, end, maxDepth, Path{start}, visited, &paths)
	return paths
}

func (g *RelationIndex) dfs(current, end string, depth int, path Path, visited map[string]struct{}, paths *[]Path) {
	if current == end && len(path) > 1 {
		found := make(Path, len(path))
		copy(found, path)
		*paths = append(*paths, found)
		return
	}
	if depth == 0 {
		return
	}
	for _, next := range g.neighborsLocked(current) {
		if _, seen := visited[next]; seen {
			continue
		}
		visited[next] = struct{}{}
		g.dfs(next, end, depth-1, append(path, next), visited, paths)
		delete(visited, next)
	}
}

// Neighborhood returns every entity reachable from entity within depth hops,
// excluding the entity itself. Breadth-first, both edge directions.
func (g *RelationIndex) Neighborhood(entity string, depth int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := map[string]struct{}{entity: {}}
	frontier := []string{entity}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, e := range frontier {
			for _, n := range g.neighborsLocked(e) {
				if _, ok := seen[n]; ok {
					continue
				}
				seen[n] = struct{}{}
				next = append(next, n)
			}
		}
		frontier = next
	}
	delete(seen, entity)
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// neighborsLocked returns sorted undirected neighbors; caller holds the lock.
func (g *RelationIndex) neighborsLocked(entity string) []string {
	seen := make(map[string]struct{})
	collect(g.forward[entity], "", seen)
	collect(g.reverse[entity], "", seen)
	out := make([]string, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
