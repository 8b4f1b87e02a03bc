package graph

import (
	"github.com/catface996/aiops-executor/internal/domain"
)

// Validate rejects empty or duplicate ids, references to undefined nodes and
// cycles. It returns a *domain.ConfigurationError.
func (g *Graph) Validate() error {
	if len(g.order) == 0 {
		return domain.InvalidConfig("team has no sub-teams")
	}
	if len(g.duplicates) > 0 {
		return domain.InvalidConfig("duplicate node id %q", g.duplicates[0])
	}
	for _, id := range g.order {
		if id == "" {
			return domain.InvalidConfig("node id must not be empty")
		}
		for _, d := range g.deps[id] {
			if !g.Has(d) {
				return &domain.ConfigurationError{
					Kind:      domain.ConfigDanglingReference,
					NodeID:    id,
					Reference: d,
				}
			}
		}
	}
	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder runs Kahn's algorithm. Among nodes that become ready at
// the same time, declaration order is kept.
func (g *Graph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		for _, d := range g.deps[id] {
			if g.Has(d) {
				inDegree[id]++
			}
		}
	}

	var queue []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)

		for _, dep := range g.dependents[cur] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(order) != len(g.order) {
		var stuck []string
		for _, id := range g.order {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, &domain.ConfigurationError{Kind: domain.ConfigCycle, Nodes: stuck}
	}
	return order, nil
}
