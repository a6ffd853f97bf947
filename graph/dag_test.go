package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LandMarkVisits/FlowKit/query"
)

func mustSpec(t *testing.T, body string) *query.Spec {
	t.Helper()
	s, err := query.ParseSpecJSON([]byte(body))
	require.NoError(t, err)
	return s
}

func TestClosureOfLeafIsSingleNode(t *testing.T) {
	s := mustSpec(t, `{"query_kind":"dummy_query","dummy_param":"foobar"}`)
	d, err := Closure(s, nil)
	require.NoError(t, err)

	assert.Len(t, d.Nodes, 1)
	assert.Equal(t, []string{query.Fingerprint(s)}, d.IDs())
}

func TestClosureDeduplicatesSharedDependencies(t *testing.T) {
	// Two daily locations at the same aggregation unit share one geography
	// node, so the closure has 2 dailies + 2 sightings + 1 geography + root.
	s := mustSpec(t, `{"query_kind":"modal_location","dates":["2016-01-01","2016-01-02"],"aggregation_unit":"admin1"}`)
	d, err := Closure(s, nil)
	require.NoError(t, err)

	assert.Len(t, d.Nodes, 6)
}

func TestTopologicalOrderLeavesFirst(t *testing.T) {
	s := mustSpec(t, `{"query_kind":"daily_location","date":"2016-01-01","method":"last","aggregation_unit":"admin3"}`)
	d, err := Closure(s, nil)
	require.NoError(t, err)

	order, err := d.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 3)

	// The root must come after both of its prerequisites.
	assert.Equal(t, query.Fingerprint(s), order[2])

	position := make(map[string]int)
	for i, id := range order {
		position[id] = i
	}
	for _, node := range d.Nodes {
		for _, dep := range node.DependsOn {
			assert.Less(t, position[dep], position[node.ID],
				"dependency %s must precede %s", dep, node.ID)
		}
	}
}

func TestTopologicalOrderIsDeterministic(t *testing.T) {
	s := mustSpec(t, `{"query_kind":"meaningful_locations_aggregate","start_date":"2016-01-01","end_date":"2016-01-03","label":"home","aggregation_unit":"admin3"}`)
	d, err := Closure(s, nil)
	require.NoError(t, err)

	first, err := d.TopologicalOrder()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := d.TopologicalOrder()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestUnstoredDropsCompletedNodesAndTheirEdges(t *testing.T) {
	s := mustSpec(t, `{"query_kind":"daily_location","date":"2016-01-01","method":"last","aggregation_unit":"admin3"}`)
	deps, err := query.Dependencies(s)
	require.NoError(t, err)
	storedID := query.Fingerprint(deps[0])

	d, err := Closure(s, func(id string) bool { return id == storedID })
	require.NoError(t, err)

	unstored := d.Unstored()
	assert.Len(t, unstored.Nodes, 2)
	assert.NotContains(t, unstored.Nodes, storedID)

	// The stored prerequisite no longer counts towards the root's in-degree.
	root := unstored.Nodes[query.Fingerprint(s)]
	require.NotNil(t, root)
	assert.Len(t, root.DependsOn, 1)
}

func TestUnstoredOfFullyStoredGraphIsEmpty(t *testing.T) {
	s := mustSpec(t, `{"query_kind":"daily_location","date":"2016-01-01","method":"last","aggregation_unit":"admin3"}`)
	d, err := Closure(s, func(string) bool { return true })
	require.NoError(t, err)

	assert.Empty(t, d.Unstored().Nodes)
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	// Construct a cyclic graph by hand; the spec layer cannot produce one,
	// but a broken dependency computer could.
	d := &DAG{Nodes: map[string]*Node{
		"a": {ID: "a", DependsOn: []string{"b"}},
		"b": {ID: "b", DependsOn: []string{"a"}},
	}}
	_, err := d.TopologicalOrder()
	assert.ErrorIs(t, err, ErrCycleDetected)
}
