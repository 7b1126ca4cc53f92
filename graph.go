package bifmon

import (
	"math"
	"time"
)

// DefaultRelation tags edges created from entity co-occurrence.
const DefaultRelation = "co-occurs"

// GraphNode is a concept in the symbolic graph.
type GraphNode struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Weight    float64   `json:"weight"`    // Accumulated occurrences, never decreases
	Timestamp time.Time `json:"timestamp"` // Set on insertion only
}

// GraphEdge is a directed, weighted relation between two existing nodes.
type GraphEdge struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Relation string  `json:"type"`
	Weight   float64 `json:"weight"`
}

// GraphState is a read-only snapshot of the graph.
type GraphState struct {
	Nodes      []GraphNode `json:"nodes"`
	Edges      []GraphEdge `json:"edges"`
	Complexity float64     `json:"complexity"`
}

type edgeKey struct{ from, to string }

// SymbolicGraph is an append-mostly concept graph: nodes are entities with
// accumulated weight, edges are co-occurrences with accumulated weight.
//
// Its growth per document is the proxy for how much new structure a document
// forces into the world model.
//
// A SymbolicGraph is not safe for concurrent use; Monitor guards its own.
type SymbolicGraph struct {
	nodes map[string]*GraphNode
	order []string // Node insertion order
	edges []GraphEdge
	index map[edgeKey]int // (from,to) -> position in edges

	now func() time.Time
}

// NewSymbolicGraph creates an empty graph.
func NewSymbolicGraph() *SymbolicGraph {
	return &SymbolicGraph{
		nodes: make(map[string]*GraphNode),
		index: make(map[edgeKey]int),
		now:   time.Now,
	}
}

// AddNode inserts id with weight, or adds weight to the existing node.
// The timestamp of an existing node is left unchanged.
func (g *SymbolicGraph) AddNode(id, label string, weight float64) {
	if n, ok := g.nodes[id]; ok {
		n.Weight += weight
		return
	}

	g.nodes[id] = &GraphNode{
		ID:        id,
		Label:     label,
		Weight:    weight,
		Timestamp: g.now(),
	}
	g.order = append(g.order, id)
}

// AddEdge links from -> to. It is a no-op if either endpoint is missing.
// Repeated additions for the same ordered pair accumulate weight regardless
// of relation.
func (g *SymbolicGraph) AddEdge(from, to, relation string, weight float64) {
	if _, ok := g.nodes[from]; !ok {
		return
	}
	if _, ok := g.nodes[to]; !ok {
		return
	}

	key := edgeKey{from, to}
	if i, ok := g.index[key]; ok {
		g.edges[i].Weight += weight
		return
	}

	if relation == "" {
		relation = DefaultRelation
	}
	g.index[key] = len(g.edges)
	g.edges = append(g.edges, GraphEdge{
		From:     from,
		To:       to,
		Relation: relation,
		Weight:   weight,
	})
}

// MergeEntities adds every entity as a node, then a co-occurrence edge between
// each consecutive pair. It returns how many new nodes the call created.
func (g *SymbolicGraph) MergeEntities(entities []string) int {
	before := len(g.nodes)

	for _, e := range entities {
		g.AddNode(e, e, 1)
	}
	for i := 0; i+1 < len(entities); i++ {
		g.AddEdge(entities[i], entities[i+1], DefaultRelation, 1)
	}

	return len(g.nodes) - before
}

// NodeCount returns the number of nodes.
func (g *SymbolicGraph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges.
func (g *SymbolicGraph) EdgeCount() int { return len(g.edges) }

// Complexity returns edge density × log2(nodes+1).
func (g *SymbolicGraph) Complexity() float64 {
	return GraphComplexity(len(g.nodes), len(g.edges))
}

// Snapshot copies the current nodes and edges in insertion order.
func (g *SymbolicGraph) Snapshot() GraphState {
	nodes := make([]GraphNode, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, *g.nodes[id])
	}

	edges := make([]GraphEdge, len(g.edges))
	copy(edges, g.edges)

	return GraphState{
		Nodes:      nodes,
		Edges:      edges,
		Complexity: g.Complexity(),
	}
}

// Clear removes all nodes and edges.
func (g *SymbolicGraph) Clear() {
	g.nodes = make(map[string]*GraphNode)
	g.order = nil
	g.edges = nil
	g.index = make(map[edgeKey]int)
}

// GraphComplexity is edge density × log2(n+1) with density = e / (n(n-1)).
// Density is 0 when n ≤ 1.
func GraphComplexity(nodes, edges int) float64 {
	if nodes <= 1 {
		return 0
	}
	density := float64(edges) / float64(nodes*(nodes-1))
	return density * math.Log2(float64(nodes)+1)
}
