package memory

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// HierarchicalStore is a nested path-keyed tree for multi-level organization.
// Paths are slash-separated ("clients/acme/contacts"); intermediate segments
// are created implicitly on Put, so the structure is a strict tree by
// construction.
type HierarchicalStore struct {
	mu   sync.RWMutex
	root *hierarchyNode
}

type hierarchyNode struct {
	children  map[string]*hierarchyNode
	value     any
	metadata  map[string]string
	createdAt time.Time
	hasValue  bool
}

// NewHierarchicalStore constructs an empty tree.
func NewHierarchicalStore() *HierarchicalStore {
	return &HierarchicalStore{root: newHierarchyNode()}
}

func newHierarchyNode() *hierarchyNode {
	return &hierarchyNode{children: make(map[string]*hierarchyNode)}
}

// Put stores a value at path, creating intermediate nodes as needed.
func (h *HierarchicalStore) Put(path string, value any, metadata map[string]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	node := h.root
	for _, seg := range splitPath(path) {
		child, ok := node.children[seg]
		if !ok {
			child = newHierarchyNode()
			child.createdAt = time.Now().UTC()
			node.children[seg] = child
		}
		node = child
	}
	node.value = value
	node.metadata = metadata
	node.hasValue = true
}

// Get returns the subtree rooted at path rendered as a nested map, or an
// empty map when the path does not exist. Leaf values appear under "value",
// children under their segment names.
func (h *HierarchicalStore) Get(path string) map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	node := h.lookup(path)
	if node == nil {
		return map[string]any{}
	}
	return renderSubtree(node)
}

func renderSubtree(node *hierarchyNode) map[string]any {
	out := map[string]any{}
	if node.hasValue {
		out["value"] = node.value
		if len(node.metadata) > 0 {
			out["metadata"] = node.metadata
		}
	}
	for name, child := range node.children {
		out[name] = renderSubtree(child)
	}
	return out
}

// ListChildren returns the sorted child key segments at path.
func (h *HierarchicalStore) ListChildren(path string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	node := h.lookup(path)
	if node == nil {
		return []string{}
	}
	out := make([]string, 0, len(node.children))
	for name := range node.children {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Search returns every path within maxDepth whose final key segment contains
// term (case-insensitive). Results are sorted.
func (h *HierarchicalStore) Search(term string, maxDepth int) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	lower := strings.ToLower(term)
	var walk func(node *hierarchyNode, prefix []string, depth int)
	walk = func(node *hierarchyNode, prefix []string, depth int) {
		if maxDepth > 0 && depth > maxDepth {
			return
		}
		for name, child := range node.children {
			path := make([]string, len(prefix), len(prefix)+1)
			copy(path, prefix)
			path = append(path, name)
			if strings.Contains(strings.ToLower(name), lower) {
				out = append(out, strings.Join(path, "/"))
			}
			walk(child, path, depth+1)
		}
	}
	walk(h.root, nil, 1)
	sort.Strings(out)
	return out
}

func (h *HierarchicalStore) lookup(path string) *hierarchyNode {
	node := h.root
	for _, seg := range splitPath(path) {
		child, ok := node.children[seg]
		if !ok {
			return nil
		}
		node = child
	}
	return node
}

func splitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
