package graph

import (
	"fmt"
	"strings"
)

// DOT renders the graph for display. Output is deterministic for a fixed
// declaration order: nodes in insertion order, edges in insertion order.
func (g *Graph) DOT() string {
	var b strings.Builder
	b.WriteString("digraph execution {\n")
	b.WriteString("  rankdir=LR;\n")

	for _, k := range g.order {
		n := g.nodes[k]
		label := n.Name
		if n.CollectionName != "" {
			label = n.CollectionName + "/" + n.Name
		}
		shape := "box"
		if n.Kind == NodeTable {
			shape = "ellipse"
		}
		fmt.Fprintf(&b, "  %q [label=%q, shape=%s];\n", dotID(*n), label, shape)
	}

	for _, e := range g.edges {
		from, to := g.nodes[e.From], g.nodes[e.To]
		attrs := ""
		switch e.Kind {
		case EdgeTrigger:
			attrs = ` [style=bold, label="trigger"]`
		case EdgeDependency:
			label := e.Expr.String()
			if e.Self {
				label += " (self)"
			}
			attrs = fmt.Sprintf(" [style=dashed, label=%q]", label)
		}
		fmt.Fprintf(&b, "  %q -> %q%s;\n", dotID(*from), dotID(*to), attrs)
	}

	b.WriteString("}\n")
	return b.String()
}

func dotID(n Node) string {
	if n.Kind == NodeFunction {
		return "fn:" + n.ID
	}
	return "tbl:" + n.ID
}
