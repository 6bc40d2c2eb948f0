package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseBuilder(t *testing.T) *Builder {
	t.Helper()
	b := NewBuilder()
	require.NoError(t, b.AddNode(Node{ID: "intake", Name: "Intake"}))
	require.NoError(t, b.AddNode(Node{ID: "research", Name: "Research"}))
	b.AddEdge("intake", "research")
	b.SetEntryPoint("start", "intake")
	return b
}

func TestValidate(t *testing.T) {
	b := baseBuilder(t)
	require.NoError(t, b.Validate())

	require.NoError(t, b.AddNode(Node{ID: "orphan"}))
	assert.ErrorIs(t, b.Validate(), ErrUnreachable)
}

func TestInject_MarksReachable(t *testing.T) {
	b := baseBuilder(t)

	require.NoError(t, b.Inject(Node{ID: "guardian", Name: "Agent Guardian"}))
	require.NoError(t, b.Validate())

	topo, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "guardian", topo.EntryPoints()["guardian"])

	_, ok := topo.Node("guardian")
	assert.True(t, ok)
}

func TestInject_Duplicate(t *testing.T) {
	b := baseBuilder(t)
	require.NoError(t, b.Inject(Node{ID: "guardian"}))
	assert.ErrorIs(t, b.Inject(Node{ID: "guardian"}), ErrDuplicateNode)
	assert.Equal(t, 3, b.Len())
}

func TestValidate_UnknownReferences(t *testing.T) {
	b := baseBuilder(t)
	b.AddEdge("research", "ghost")
	assert.Error(t, b.Validate())

	b = baseBuilder(t)
	b.SetEntryPoint("bad", "ghost")
	assert.Error(t, b.Validate())
}

func TestClone_IsIndependent(t *testing.T) {
	b := baseBuilder(t)
	staged := b.Clone()
	require.NoError(t, staged.Inject(Node{ID: "guardian"}))

	assert.False(t, b.HasNode("guardian"))
	assert.Equal(t, 2, b.Len())
	assert.True(t, staged.HasNode("guardian"))
}

func TestSnapshot_Immutable(t *testing.T) {
	b := baseBuilder(t)
	topo, err := b.Snapshot()
	require.NoError(t, err)

	// Later builder changes must not leak into the snapshot
	require.NoError(t, b.Inject(Node{ID: "late"}))
	_, ok := topo.Node("late")
	assert.False(t, ok)

	eps := topo.EntryPoints()
	eps["start"] = "research"
	assert.Equal(t, "intake", topo.EntryPoints()["start"])

	nodes := topo.Nodes()
	nodes[0].Capabilities = append(nodes[0].Capabilities, "run_command")
	n, _ := topo.Node("intake")
	assert.Empty(t, n.Capabilities)
}
