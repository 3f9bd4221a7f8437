package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelationIndex_BidirectionalLookup(t *testing.T) {
	g := NewRelationIndex()
	g.Associate("alice", "acme", "works_at")

	// Both endpoints see the edge without a second Associate call.
	assert.Equal(t, []string{"acme"}, g.Related("alice", "works_at"))
	assert.Equal(t, []string{"alice"}, g.Related("acme", "works_at"))
}

func TestRelationIndex_AssociateIdempotent(t *testing.T) {
	g := NewRelationIndex()
	g.Associate("alice", "acme", "works_at")
	g.Associate("alice", "acme", "works_at")

	assert.Equal(t, []string{"acme"}, g.Related("alice", "works_at"))
}

func TestRelationIndex_RelatedFiltersByRelation(t *testing.T) {
	g := NewRelationIndex()
	g.Associate("alice", "acme", "works_at")
	g.Associate("alice", "bob", "knows")
	g.Associate("carol", "alice", "manages")

	assert.Equal(t, []string{"acme", "bob", "carol"}, g.Related("alice", ""))
	assert.Equal(t, []string{"bob"}, g.Related("alice", "knows"))
	assert.Equal(t, []string{"carol"}, g.Related("alice", "manages"))
	assert.Empty(t, g.Related("alice", "owns"))
	assert.Empty(t, g.Related("stranger", ""))
}

func TestRelationIndex_FindPath(t *testing.T) {
	g := NewRelationIndex()
	g.Associate("alice", "acme", "works_at")
	g.Associate("acme", "berlin", "located_in")
	g.Associate("alice", "berlin", "lives_in")

	paths := g.FindPath("alice", "berlin", 3)
	require.Len(t, paths, 2)
	assert.Contains(t, paths, Path{"alice", "berlin"})
	assert.Contains(t, paths, Path{"alice", "acme", "berlin"})

	// Depth 1 only finds the direct edge.
	paths = g.FindPath("alice", "berlin", 1)
	require.Len(t, paths, 1)
	assert.Equal(t, Path{"alice", "berlin"}, paths[0])

	// Unreachable and zero-depth cases return empty, never nil panics.
	assert.Empty(t, g.FindPath("alice", "tokyo", 5))
	assert.Empty(t, g.FindPath("alice", "berlin", 0))
}

func TestRelationIndex_Neighborhood(t *testing.T) {
	g := NewRelationIndex()
	g.Associate("alice", "acme", "works_at")
	g.Associate("acme", "berlin", "located_in")
	g.Associate("berlin", "germany", "part_of")

	assert.Equal(t, []string{"acme"}, g.Neighborhood("alice", 1))
	assert.Equal(t, []string{"acme", "berlin"}, g.Neighborhood("alice", 2))
	assert.Equal(t, []string{"acme", "berlin", "germany"}, g.Neighborhood("alice", 3))
	assert.Empty(t, g.Neighborhood("stranger", 2))
}
