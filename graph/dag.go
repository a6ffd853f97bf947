// Package graph provides dependency DAG utilities for query execution
// planning: transitive closure construction, cycle detection, and
// deterministic topological ordering.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"github.com/LandMarkVisits/FlowKit/query"
)

// ErrCycleDetected is returned when a query kind's dependency computer
// produces a cyclic graph. A cycle is a programming error in the kind
// implementation, never a legal runtime condition.
var ErrCycleDetected = errors.New("circular dependency detected")

// Node is one entry in a dependency DAG, labelled by fingerprint.
type Node struct {
	ID   string
	Spec *query.Spec

	// Stored is true when the cache holds a completed record for this id.
	Stored bool

	// DependsOn lists the fingerprints of the node's direct prerequisites.
	DependsOn []string
}

// DAG is a dependency graph over query fingerprints.
type DAG struct {
	Nodes map[string]*Node
}

// Closure builds the full transitive dependency DAG of a spec. The stored
// predicate attaches cache state to each node; it may be nil, in which case
// every node is marked unstored.
func Closure(s *query.Spec, stored func(id string) bool) (*DAG, error) {
	d := &DAG{Nodes: make(map[string]*Node)}
	inProgress := make(map[string]bool)
	if err := d.add(s, stored, inProgress); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DAG) add(s *query.Spec, stored func(id string) bool, inProgress map[string]bool) error {
	id := query.Fingerprint(s)
	if inProgress[id] {
		return fmt.Errorf("%w: involving %s (%s)", ErrCycleDetected, id, s.Kind)
	}
	if _, seen := d.Nodes[id]; seen {
		return nil
	}

	inProgress[id] = true
	defer delete(inProgress, id)

	node := &Node{ID: id, Spec: s}
	if stored != nil {
		node.Stored = stored(id)
	}
	d.Nodes[id] = node

	deps, err := query.Dependencies(s)
	if err != nil {
		return err
	}
	for _, dep := range deps {
		depID := query.Fingerprint(dep)
		node.DependsOn = append(node.DependsOn, depID)
		if err := d.add(dep, stored, inProgress); err != nil {
			return err
		}
	}
	sort.Strings(node.DependsOn)
	return nil
}

// Unstored returns the subgraph induced by removing every stored node: the
// work that must still happen. Edges into removed nodes are dropped, so a
// prerequisite that is already materialised contributes nothing to its
// parent's in-degree.
func (d *DAG) Unstored() *DAG {
	out := &DAG{Nodes: make(map[string]*Node)}
	for id, node := range d.Nodes {
		if node.Stored {
			continue
		}
		copied := &Node{ID: node.ID, Spec: node.Spec}
		for _, dep := range node.DependsOn {
			if depNode, ok := d.Nodes[dep]; ok && !depNode.Stored {
				copied.DependsOn = append(copied.DependsOn, dep)
			}
		}
		out.Nodes[id] = copied
	}
	return out
}

// IDs returns the node fingerprints in sorted order.
func (d *DAG) IDs() []string {
	ids := make([]string, 0, len(d.Nodes))
	for id := range d.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dependents maps each node to the nodes that depend on it directly.
func (d *DAG) Dependents() map[string][]string {
	out := make(map[string][]string, len(d.Nodes))
	for _, node := range d.Nodes {
		for _, dep := range node.DependsOn {
			out[dep] = append(out[dep], node.ID)
		}
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out
}

// InDegrees returns, for every node, the number of its prerequisites present
// in this DAG.
func (d *DAG) InDegrees() map[string]int {
	out := make(map[string]int, len(d.Nodes))
	for id, node := range d.Nodes {
		out[id] = len(node.DependsOn)
	}
	return out
}

// TopologicalOrder returns a linear extension of the DAG, leaves first, using
// Kahn's algorithm. Ties are broken by fingerprint ordering so the order is
// reproducible across runs.
func (d *DAG) TopologicalOrder() ([]string, error) {
	inDegree := d.InDegrees()
	dependents := d.Dependents()

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	result := make([]string, 0, len(d.Nodes))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		result = append(result, current)

		released := false
		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}

	if len(result) != len(d.Nodes) {
		return nil, ErrCycleDetected
	}
	return result, nil
}
