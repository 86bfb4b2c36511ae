package melody

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makerforge/orchestrator/internal/config"
)

func TestChain_RecordLinksLeadsToEdges(t *testing.T) {
	c := OpenTask("task-1")
	n1 := c.Record("preprocessor", "preprocessing", "raw request", "normalized request", "normalized the request")
	n2 := c.Record("planner", "planning", "normalized request", "plan", "drafted a two-step plan")
	n3 := c.Record("coder", "coding", "plan", "code", "implemented step one")

	assert.Equal(t, n3, c.Tip())

	nodes := c.Nodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, n1, nodes[0].ID)
	assert.Equal(t, n2, nodes[1].ID)
	assert.Equal(t, "raw request", nodes[0].InputSummary)
	assert.Equal(t, "normalized request", nodes[0].OutputSummary)
	assert.Equal(t, "normalized the request", nodes[0].Reasoning)
	assert.Equal(t, "preprocessing", nodes[0].Kind)
}

func TestChain_ContextFor_WalksAncestorsOldestFirst(t *testing.T) {
	c := OpenTask("task-1")
	c.Record("preprocessor", "preprocessing", "in A", "out A", "step A")
	c.Record("planner", "planning", "in B", "out B", "step B")
	tip := c.Record("coder", "coding", "in C", "out C", "step C")

	ctxText := c.ContextFor(tip, 0)
	idxA := strings.Index(ctxText, "step A")
	idxB := strings.Index(ctxText, "step B")
	idxC := strings.Index(ctxText, "step C")
	require.True(t, idxA >= 0 && idxB >= 0 && idxC >= 0)
	assert.Less(t, idxA, idxB)
	assert.Less(t, idxB, idxC)
}

func TestChain_ContextFor_RendersReasoningAndOutputSeparately(t *testing.T) {
	c := OpenTask("task-1")
	tip := c.Record("coder", "coding", "plan text", "func helper() int { return 42 }", "implemented the helper per the plan")

	out := c.ContextFor(tip, 0)
	assert.Contains(t, out, "coder: implemented the helper per the plan")
	assert.Contains(t, out, "Output: func helper() int { return 42 }")
}

func TestChain_ContextFor_TruncatesOutputToN(t *testing.T) {
	c := OpenTask("task-1")
	longOutput := strings.Repeat("z", outputPreviewChars+50)
	tip := c.Record("coder", "coding", "plan", longOutput, "done")

	out := c.ContextFor(tip, 0)
	assert.Contains(t, out, strings.Repeat("z", outputPreviewChars))
	assert.NotContains(t, out, strings.Repeat("z", outputPreviewChars+1))
}

func TestChain_ContextFor_TruncatesWithMarkerUnderBudget(t *testing.T) {
	c := OpenTask("task-1")
	c.Record("preprocessor", "preprocessing", "in", "out", strings.Repeat("x", 200))
	c.Record("planner", "planning", "in", "out", strings.Repeat("y", 200))
	tip := c.Record("coder", "coding", "in", "recent", "recent")

	out := c.ContextFor(tip, 50)
	assert.LessOrEqual(t, len(out), 50+len("... (earlier reasoning truncated) ...\n"))
	assert.Contains(t, out, "truncated")
	assert.Contains(t, out, "recent")
}

func TestChain_ContextFor_UnknownNodeIsEmpty(t *testing.T) {
	c := OpenTask("task-1")
	c.Record("preprocessor", "preprocessing", "in", "out", "step A")
	assert.Equal(t, "", c.ContextFor("does-not-exist", 0))
}

func TestChain_RecordWithID_RejectsDuplicateID(t *testing.T) {
	c := OpenTask("task-1")
	id, err := c.RecordWithID("node-1", "planner", "planning", "in", "out", "step")
	require.NoError(t, err)
	assert.Equal(t, "node-1", id)

	_, err = c.RecordWithID("node-1", "planner", "planning", "in", "out", "step again")
	require.Error(t, err)
	assert.Len(t, c.Nodes(), 1)
}

func TestChain_Coordinate_RejectsUnknownNodes(t *testing.T) {
	c := OpenTask("task-1")
	n1 := c.Record("coder", "coding", "plan", "candidate A", "candidate A")
	require.Error(t, c.Coordinate(n1, "ghost"))
	require.Error(t, c.Coordinate("ghost", n1))
}

func TestChain_Coordinate_LinksExistingNodes(t *testing.T) {
	c := OpenTask("task-1")
	n1 := c.Record("coder", "coding", "plan", "candidate A", "candidate A")
	n2 := c.Record("coder", "coding", "plan", "candidate B", "candidate B")
	require.NoError(t, c.Coordinate(n1, n2))
}

func TestStore_OpenTask_ReusesChainWhenEnabled(t *testing.T) {
	s := NewStore(config.MelodyConfig{RenderBudget: 1000})
	c1 := s.OpenTask("task-1")
	c1.Record("preprocessor", "preprocessing", "in", "out", "hello")

	c2 := s.OpenTask("task-1")
	assert.Len(t, c2.Nodes(), 1, "same task should return the same chain")
}

func TestStore_OpenTask_DisabledDegradesGracefully(t *testing.T) {
	s := NewStore(config.MelodyConfig{Disabled: true})
	c1 := s.OpenTask("task-1")
	c1.Record("preprocessor", "preprocessing", "in", "out", "hello")

	c2 := s.OpenTask("task-1")
	assert.Empty(t, c2.Nodes(), "disabled store must not persist chains across OpenTask calls")
}

func TestStore_Forget_DropsChain(t *testing.T) {
	s := NewStore(config.MelodyConfig{})
	c1 := s.OpenTask("task-1")
	c1.Record("preprocessor", "preprocessing", "in", "out", "hello")

	s.Forget("task-1")
	c2 := s.OpenTask("task-1")
	assert.Empty(t, c2.Nodes())
}
