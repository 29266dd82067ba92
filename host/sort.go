package host

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// SortNodes returns the nodes of g in an order where every node comes after the producers of its inputs.
// Nodes already in a valid order keep their relative order.
//
// available lists values that are ready before any node runs (graph inputs and initializers).
// It returns an error if some node can never become ready (cycles or missing producers).
func SortNodes(g Graph, available ...string) ([]Node, error) {
	nodes := g.Nodes()
	sorted := make([]Node, 0, len(nodes))

	done := sets.Make[string]()
	for _, input := range g.Inputs() {
		done.Insert(input.Name)
	}
	done.Insert(available...)

	isReady := func(node Node) bool {
		for _, input := range node.Inputs() {
			if !done.Has(input.Name) {
				return false
			}
		}
		return true
	}

	// Repeatedly scan pending nodes in original order, taking the first ready one.
	pending := nodes
	for len(pending) > 0 {
		progress := false
		remaining := pending[:0:0]
		for _, node := range pending {
			if !progress && isReady(node) {
				sorted = append(sorted, node)
				for _, output := range node.Outputs() {
					done.Insert(output.Name)
				}
				progress = true
				continue
			}
			remaining = append(remaining, node)
		}
		if !progress {
			node := remaining[0]
			for _, input := range node.Inputs() {
				if !done.Has(input.Name) {
					return nil, errors.Errorf("graph %q: node %q (%s) input %q is never produced",
						g.Name(), node.Name(), node.OpType(), input.Name)
				}
			}
			return nil, errors.Errorf("graph %q: cannot sort node %q", g.Name(), node.Name())
		}
		pending = remaining
	}
	return sorted, nil
}
