// Package graph holds the typed trigger/dependency graph the planner walks.
// It is a pure data structure: nodes are functions and tables, edges are
// output, trigger and dependency links. Construction deduplicates nodes by
// (kind, id) so repeated references to one table collapse.
package graph

import (
	"github.com/kartikbazzad/tabflow/internal/version"
)

// NodeKind tags a node as a function or a table.
type NodeKind int

const (
	NodeFunction NodeKind = iota
	NodeTable
)

// Node identifies one function or table, with enough naming context to
// render it.
type Node struct {
	Kind           NodeKind
	ID             string
	VersionID      string
	Name           string
	CollectionID   string
	CollectionName string
}

type nodeKey struct {
	kind NodeKind
	id   string
}

// EdgeKind tags an edge.
type EdgeKind int

const (
	// EdgeOutput links a function to a table it produces, with the declared
	// output position.
	EdgeOutput EdgeKind = iota
	// EdgeTrigger links a table to a function it re-triggers. Triggers carry
	// no version expression: only latest-at-trigger-time is meaningful.
	EdgeTrigger
	// EdgeDependency links a table to a function that reads it, with a
	// dependency position, a version expression and a self flag when the
	// function reads a table it also produces.
	EdgeDependency
)

// Edge is one typed link between two nodes.
type Edge struct {
	Kind EdgeKind
	From nodeKey
	To   nodeKey
	Pos  int
	Self bool
	Expr version.Expr
}

// Graph is an edge-ordered multigraph over deduplicated nodes.
type Graph struct {
	nodes map[nodeKey]*Node
	order []nodeKey
	edges []Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[nodeKey]*Node)}
}

func (g *Graph) add(n Node) nodeKey {
	k := nodeKey{kind: n.Kind, id: n.ID}
	if _, ok := g.nodes[k]; !ok {
		copied := n
		g.nodes[k] = &copied
		g.order = append(g.order, k)
	}
	return k
}

// AddFunction inserts a function node if not present.
func (g *Graph) AddFunction(n Node) {
	n.Kind = NodeFunction
	g.add(n)
}

// AddTable inserts a table node if not present.
func (g *Graph) AddTable(n Node) {
	n.Kind = NodeTable
	g.add(n)
}

// AddOutput records that fn produces table at the given output position.
func (g *Graph) AddOutput(fn, table Node, pos int) {
	fn.Kind, table.Kind = NodeFunction, NodeTable
	g.edges = append(g.edges, Edge{Kind: EdgeOutput, From: g.add(fn), To: g.add(table), Pos: pos})
}

// AddTrigger records that a refresh of table re-triggers fn.
func (g *Graph) AddTrigger(table, fn Node) {
	table.Kind, fn.Kind = NodeTable, NodeFunction
	g.edges = append(g.edges, Edge{Kind: EdgeTrigger, From: g.add(table), To: g.add(fn), Expr: version.Head()})
}

// AddDependency records that fn reads table at the given dependency position.
func (g *Graph) AddDependency(table, fn Node, pos int, self bool, expr version.Expr) {
	table.Kind, fn.Kind = NodeTable, NodeFunction
	g.edges = append(g.edges, Edge{
		Kind: EdgeDependency,
		From: g.add(table),
		To:   g.add(fn),
		Pos:  pos,
		Self: self,
		Expr: expr,
	})
}

// NodeCount returns the number of distinct nodes.
func (g *Graph) NodeCount() int { return len(g.order) }

// Functions returns the function nodes in insertion order.
func (g *Graph) Functions() []Node {
	var out []Node
	for _, k := range g.order {
		if k.kind == NodeFunction {
			out = append(out, *g.nodes[k])
		}
	}
	return out
}

// Tables returns the table nodes in insertion order.
func (g *Graph) Tables() []Node {
	var out []Node
	for _, k := range g.order {
		if k.kind == NodeTable {
			out = append(out, *g.nodes[k])
		}
	}
	return out
}

// Outputs returns the tables output by the function, in edge order.
func (g *Graph) Outputs(functionID string) []Node {
	return g.collect(EdgeOutput, nodeKey{NodeFunction, functionID}, false)
}

// TriggeredBy returns the functions that a refresh of the table re-triggers.
func (g *Graph) TriggeredBy(tableID string) []Node {
	return g.collect(EdgeTrigger, nodeKey{NodeTable, tableID}, false)
}

// Dependencies returns the dependency edges into the function, in declared
// position order (insertion order equals declaration order).
func (g *Graph) Dependencies(functionID string) []Edge {
	var out []Edge
	to := nodeKey{NodeFunction, functionID}
	for _, e := range g.edges {
		if e.Kind == EdgeDependency && e.To == to {
			out = append(out, e)
		}
	}
	return out
}

// Triggers returns the trigger edges into the function.
func (g *Graph) Triggers(functionID string) []Edge {
	var out []Edge
	to := nodeKey{NodeFunction, functionID}
	for _, e := range g.edges {
		if e.Kind == EdgeTrigger && e.To == to {
			out = append(out, e)
		}
	}
	return out
}

// Node resolves a node by kind and id.
func (g *Graph) Node(kind NodeKind, id string) (Node, bool) {
	n, ok := g.nodes[nodeKey{kind, id}]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

func (g *Graph) collect(kind EdgeKind, from nodeKey, reverse bool) []Node {
	var out []Node
	for _, e := range g.edges {
		if e.Kind != kind {
			continue
		}
		if !reverse && e.From == from {
			out = append(out, *g.nodes[e.To])
		}
		if reverse && e.To == from {
			out = append(out, *g.nodes[e.From])
		}
	}
	return out
}
