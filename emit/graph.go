package emit

import (
	"fmt"
	"strings"

	"github.com/benbjohnson/p4testgen"
	"github.com/benbjohnson/p4testgen/ir"
	"github.com/emicklei/dot"
)

// Node fill colors by coverage.
const (
	ColorCovered   = "palegreen"
	ColorPartial   = "khaki"
	ColorUncovered = "lightpink"
)

// CoverageGraph returns a control-flow graph of prog with a cluster per
// parser and control. Statements are colored by whether cov has covered
// them. A nil cov leaves nodes uncolored.
func CoverageGraph(prog *ir.Program, cov *p4testgen.Coverage) *dot.Graph {
	g := &coverageGraph{
		Graph:   dot.NewGraph(dot.Directed),
		prog:    prog,
		cov:     cov,
		actions: make(map[*ir.Action]dot.Node),
	}
	g.Attr("nodesep", "0.4")
	g.Attr("ranksep", "0.3")

	for _, name := range prog.Pipeline {
		switch block := prog.Block(name).(type) {
		case *ir.Parser:
			g.parser(block)
		case *ir.Control:
			g.control(block)
		}
	}
	return g.Graph
}

type coverageGraph struct {
	*dot.Graph
	prog    *ir.Program
	cov     *p4testgen.Coverage
	actions map[*ir.Action]dot.Node // first statement of each action body
}

func (g *coverageGraph) parser(p *ir.Parser) {
	sub := g.Subgraph(p.Name, dot.ClusterOption{})
	sub.Attr("color", "blue")

	nodes := make(map[string]dot.Node)
	node := func(name string) dot.Node {
		if n, ok := nodes[name]; ok {
			return n
		}
		n := sub.Node(p.Name + "." + name)
		n.Attr("shape", "box")
		n.Attr("label", name)
		nodes[name] = n
		return n
	}

	for _, state := range p.States {
		n := node(state.Name)

		var label strings.Builder
		fmt.Fprintf(&label, "%s\\l", state.Name)
		var covered int
		for _, stmt := range state.Statements {
			fmt.Fprintf(&label, "%d %s\\l", stmt.ID(), escape(ir.StatementString(stmt)))
			if g.isCovered(stmt.ID()) {
				covered++
			}
		}
		n.Attr("label", dot.Literal(`"`+label.String()+`"`))
		g.fill(n, covered, len(state.Statements))
	}

	for _, state := range p.States {
		t := state.Transition
		switch {
		case t == nil:
			g.Edge(nodes[state.Name], node(ir.StateReject))
		case t.Select == nil:
			g.Edge(nodes[state.Name], node(t.Next))
		default:
			for _, c := range t.Select.Cases {
				label := make([]string, len(c.Keysets))
				for i, ks := range c.Keysets {
					label[i] = ks.String()
				}
				g.Edge(nodes[state.Name], node(c.Next)).Attr("label", strings.Join(label, ", "))
			}
		}
	}
}

func (g *coverageGraph) control(c *ir.Control) {
	sub := g.Subgraph(c.Name, dot.ClusterOption{})
	sub.Attr("color", "blue")

	entry := sub.Node(c.Name)
	entry.Attr("shape", "oval")
	if first := g.body(sub, c, c.Body); first != nil {
		g.Edge(entry, *first)
	}
}

// body adds a node per statement in stmts and chains them. Returns the
// node of the first statement or nil if stmts is empty.
func (g *coverageGraph) body(sub *dot.Graph, c *ir.Control, stmts []ir.Statement) *dot.Node {
	var first, prev *dot.Node
	for _, stmt := range stmts {
		n := g.statement(sub, c, stmt)
		if prev != nil {
			g.Edge(*prev, n)
		} else {
			first = &n
		}
		prev = &n
	}
	return first
}

func (g *coverageGraph) statement(sub *dot.Graph, c *ir.Control, stmt ir.Statement) dot.Node {
	n := sub.Node(fmt.Sprintf("s%d", stmt.ID()))
	n.Attr("shape", "box")
	n.Attr("label", fmt.Sprintf("%d %s", stmt.ID(), ir.StatementString(stmt)))
	if g.isCovered(stmt.ID()) {
		g.fill(n, 1, 1)
	} else {
		g.fill(n, 0, 1)
	}

	switch stmt := stmt.(type) {
	case *ir.IfStatement:
		if then := g.body(sub, c, stmt.Then); then != nil {
			g.Edge(n, *then).Attr("label", "true").Attr("color", "darkgreen")
		}
		if els := g.body(sub, c, stmt.Else); els != nil {
			g.Edge(n, *els).Attr("label", "false").Attr("color", "red")
		}
	case *ir.ApplyStatement:
		g.table(sub, c, n, stmt.Table)
	case *ir.SwitchStatement:
		g.table(sub, c, n, stmt.Table)
		for _, sc := range stmt.Cases {
			if first := g.body(sub, c, sc.Body); first != nil {
				g.Edge(n, *first).Attr("label", sc.Label)
			}
		}
	}
	return n
}

// table links an apply node to the bodies of the table's actions. Action
// bodies are added once and shared by every table that lists the action.
func (g *coverageGraph) table(sub *dot.Graph, c *ir.Control, n dot.Node, name string) {
	tbl := c.Table(name)
	if tbl == nil {
		return
	}
	for _, actionName := range tbl.Actions {
		action := c.Action(actionName)
		if action == nil || len(action.Body) == 0 {
			continue
		}

		first, ok := g.actions[action]
		if !ok {
			first = *g.body(sub, c, action.Body)
			g.actions[action] = first
		}
		g.Edge(n, first).Attr("label", actionName).Attr("style", "dashed")
	}
}

func (g *coverageGraph) isCovered(id int) bool {
	return g.cov != nil && g.cov.IsCovered(id)
}

func (g *coverageGraph) fill(n dot.Node, covered, total int) {
	if g.cov == nil || total == 0 {
		return
	}
	n.Attr("style", "filled")
	switch covered {
	case total:
		n.Attr("fillcolor", ColorCovered)
	case 0:
		n.Attr("fillcolor", ColorUncovered)
	default:
		n.Attr("fillcolor", ColorPartial)
	}
}

func escape(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
