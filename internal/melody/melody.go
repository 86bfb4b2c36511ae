// Package melody implements the Reasoning-Chain Memory component: an append-only record of what each agent did
// for a task, linked into a DAG so any agent can ask "what led to this
// point" without replaying the whole conversation.
package melody

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EdgeKind distinguishes a chain's sequential backbone from the optional
// cross-agent links a swarm variant would add.
type EdgeKind string

const (
	// LeadsTo links a node to the node whose reasoning it fed into,
	// forming the chain's append-only backbone.
	LeadsTo EdgeKind = "LEADS_TO"
	// CoordinatesWith links nodes across independently-running agents.
	// Reserved for a future swarm/multi-agent-in-parallel variant; the
	// single-pipeline orchestrator this module backs never creates one.
	CoordinatesWith EdgeKind = "COORDINATES_WITH"
)

// Node is one recorded unit of an agent's work on a task: the action it took, what it was given, what it
// produced, and why — kept as distinct fields so ContextFor can render
// the reasoning and the output separately rather than one blended blob.
type Node struct {
	ID            string
	TaskID        string
	Agent         string
	Kind          string // action kind, e.g. "preprocessing", "coding", "reviewing"
	InputSummary  string
	OutputSummary string
	Reasoning     string
	CreatedAt     time.Time
}

// Edge links two nodes in the chain.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
}

// Chain is one task's append-only reasoning DAG.
type Chain struct {
	mu     sync.RWMutex
	taskID string
	nodes  []Node
	edges  []Edge
	byID   map[string]int // node ID -> index into nodes
	tip    string         // ID of the most recently appended node
}

// OpenTask starts a fresh, empty chain for a task.
func OpenTask(taskID string) *Chain {
	return &Chain{
		taskID: taskID,
		byID:   make(map[string]int),
	}
}

// Record appends one node authored by agent, linked from the chain's
// current tip via a LEADS_TO edge, and returns the new node's ID. The very
// first Record call on a chain has no predecessor to link from. kind names
// the action (e.g. "preprocessing"); inputSummary/outputSummary capture
// what the agent was given and what it produced; reasoning is the
// Pipeline's own account of why, supplied explicitly rather than parsed
// from the agent's output.
func (c *Chain) Record(agent, kind, inputSummary, outputSummary, reasoning string) string {
	id, _ := c.RecordWithID(uuid.NewString(), agent, kind, inputSummary, outputSummary, reasoning)
	return id
}

// RecordWithID is Record with a caller-supplied node ID, for replaying a
// chain from a durable backing store. Recording the same ID twice on a
// chain is rejected.
func (c *Chain) RecordWithID(id, agent, kind, inputSummary, outputSummary, reasoning string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byID[id]; exists {
		return "", fmt.Errorf("melody: node %q already recorded on task %q", id, c.taskID)
	}

	node := Node{
		ID:            id,
		TaskID:        c.taskID,
		Agent:         agent,
		Kind:          kind,
		InputSummary:  inputSummary,
		OutputSummary: outputSummary,
		Reasoning:     reasoning,
		CreatedAt:     time.Now(),
	}
	c.byID[node.ID] = len(c.nodes)
	c.nodes = append(c.nodes, node)

	if c.tip != "" {
		c.edges = append(c.edges, Edge{From: c.tip, To: node.ID, Kind: LeadsTo})
	}
	c.tip = node.ID
	return node.ID, nil
}

// Coordinate records a COORDINATES_WITH edge between two existing nodes,
// for a swarm variant where agents run independently of one chain's
// backbone. Returns an error if either node is unknown to this chain.
func (c *Chain) Coordinate(fromNodeID, toNodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[fromNodeID]; !ok {
		return fmt.Errorf("melody: unknown node %q", fromNodeID)
	}
	if _, ok := c.byID[toNodeID]; !ok {
		return fmt.Errorf("melody: unknown node %q", toNodeID)
	}
	c.edges = append(c.edges, Edge{From: fromNodeID, To: toNodeID, Kind: CoordinatesWith})
	return nil
}

// outputPreviewChars bounds how much of a node's output_summary ContextFor
// renders per entry.
const outputPreviewChars = 200

// ContextFor renders the chain of LEADS_TO ancestors of nodeID (inclusive),
// oldest first, as plain text bounded by budget characters. Each entry
// renders as "AGENT: reasoning ... Output: first N chars". If the full
// chain would exceed budget, the oldest entries are elided behind a
// truncation marker rather than silently dropped.
func (c *Chain) ContextFor(nodeID string, budget int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	chain := c.ancestorChainLocked(nodeID)
	lines := make([]string, 0, len(chain))
	for _, n := range chain {
		lines = append(lines, fmt.Sprintf("%s: %s ... Output: %s",
			n.Agent, n.Reasoning, truncateOutput(n.OutputSummary, outputPreviewChars)))
	}
	if budget <= 0 {
		return strings.Join(lines, "\n")
	}

	out := strings.Join(lines, "\n")
	if len(out) <= budget {
		return out
	}
	const marker = "... (earlier reasoning truncated) ...\n"
	keep := budget - len(marker)
	if keep < 0 {
		keep = 0
	}
	return marker + out[len(out)-keep:]
}

// truncateOutput bounds s to at most n characters, for the "first N
// chars" half of ContextFor's per-node render.
func truncateOutput(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ancestorChainLocked walks LEADS_TO edges backward from nodeID to the
// chain's root. Caller must hold c.mu for reading.
func (c *Chain) ancestorChainLocked(nodeID string) []Node {
	predecessor := make(map[string]string, len(c.edges))
	for _, e := range c.edges {
		if e.Kind == LeadsTo {
			predecessor[e.To] = e.From
		}
	}

	var ids []string
	cur := nodeID
	seen := make(map[string]bool)
	for cur != "" && !seen[cur] {
		if _, ok := c.byID[cur]; !ok {
			break
		}
		ids = append(ids, cur)
		seen[cur] = true
		cur = predecessor[cur]
	}
	// ids is tip-to-root; reverse to root-to-tip.
	out := make([]Node, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = c.nodes[c.byID[id]]
	}
	return out
}

// Tip returns the ID of the most recently recorded node, or "" for an
// empty chain.
func (c *Chain) Tip() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip
}

// Nodes returns a defensive copy of every node recorded so far, in
// insertion order.
func (c *Chain) Nodes() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Node, len(c.nodes))
	copy(out, c.nodes)
	return out
}
