// Package graph holds the dependency structure of an execution's nodes.
package graph

import (
	"github.com/catface996/aiops-executor/internal/domain"
)

// Node is a vertex with its "must complete before" edges.
type Node struct {
	ID        string
	DependsOn []string
}

// Graph is an adjacency mapping node -> dependency set. It is immutable
// after construction and safe for concurrent reads.
type Graph struct {
	order      []string
	index      map[string]int
	deps       map[string][]string
	dependents map[string][]string
	duplicates []string
}

// New builds a graph without validating it.
func New(nodes []Node) *Graph {
	g := &Graph{
		index:      make(map[string]int, len(nodes)),
		deps:       make(map[string][]string, len(nodes)),
		dependents: make(map[string][]string, len(nodes)),
	}
	for _, n := range nodes {
		if _, dup := g.index[n.ID]; dup {
			g.duplicates = append(g.duplicates, n.ID)
			continue
		}
		g.index[n.ID] = len(g.order)
		g.order = append(g.order, n.ID)

		seen := make(map[string]bool, len(n.DependsOn))
		for _, d := range n.DependsOn {
			if seen[d] {
				continue
			}
			seen[d] = true
			g.deps[n.ID] = append(g.deps[n.ID], d)
			g.dependents[d] = append(g.dependents[d], n.ID)
		}
	}
	return g
}

// Build constructs and validates a graph.
func Build(nodes []Node) (*Graph, error) {
	g := New(nodes)
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// FromTeam converts a team definition into graph nodes in declaration order.
func FromTeam(team *domain.Team) []Node {
	nodes := make([]Node, 0, len(team.SubTeams))
	for _, st := range team.SubTeams {
		nodes = append(nodes, Node{ID: st.ID, DependsOn: team.DependenciesOf(st.ID)})
	}
	return nodes
}

// FromExecutionNodes converts materialized execution nodes into graph nodes.
func FromExecutionNodes(nodes []domain.ExecutionNode) []Node {
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Node{ID: n.NodeID, DependsOn: n.Dependencies})
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Nodes returns node ids in declaration order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the nodes that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Descendants returns every node that transitively depends on id, in
// declaration order.
func (g *Graph) Descendants(id string) []string {
	reached := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.dependents[cur] {
			if !reached[d] {
				reached[d] = true
				stack = append(stack, d)
			}
		}
	}
	out := make([]string, 0, len(reached))
	for _, n := range g.order {
		if reached[n] {
			out = append(out, n)
		}
	}
	return out
}

// ReadyNodes returns, in declaration order, the nodes whose whole dependency
// set is in completed and which are not yet dispatched.
func (g *Graph) ReadyNodes(completed, dispatched map[string]bool) []string {
	var ready []string
	for _, id := range g.order {
		if dispatched[id] || completed[id] {
			continue
		}
		ok := true
		for _, d := range g.deps[id] {
			if !completed[d] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}
