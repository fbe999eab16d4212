package p4testgen

import (
	"github.com/benbjohnson/p4testgen/ir"
	"golang.org/x/tools/container/intsets"
)

// Coverage tracks the statements covered by emitted tests and computes the
// statements reachable from a node. Reachable sets are cached per node; the
// program is immutable so entries are never invalidated.
type Coverage struct {
	prog    *ir.Program
	covered intsets.Sparse
	cache   map[ir.Node]*intsets.Sparse

	// Tables by name, for resolving apply & switch statements.
	tables map[string]tableRef
}

type tableRef struct {
	ctrl  *ir.Control
	table *ir.Table
}

// NewCoverage returns a new coverage tracker for prog.
func NewCoverage(prog *ir.Program) *Coverage {
	c := &Coverage{
		prog:   prog,
		cache:  make(map[ir.Node]*intsets.Sparse),
		tables: make(map[string]tableRef),
	}
	for _, ctrl := range prog.Controls {
		for _, table := range ctrl.Tables {
			if _, ok := c.tables[table.Name]; !ok {
				c.tables[table.Name] = tableRef{ctrl: ctrl, table: table}
			}
		}
	}
	return c
}

// Add marks statements as covered and returns the number newly covered.
func (c *Coverage) Add(ids ...int) (n int) {
	for _, id := range ids {
		if c.covered.Insert(id) {
			n++
		}
	}
	return n
}

// IsCovered returns true if the statement has been covered.
func (c *Coverage) IsCovered(id int) bool { return c.covered.Has(id) }

// Covered returns the number of covered statements.
func (c *Coverage) Covered() int { return c.covered.Len() }

// Total returns the number of coverable statements.
func (c *Coverage) Total() int { return len(c.prog.Statements()) }

// Ratio returns the fraction of statements covered.
func (c *Coverage) Ratio() float64 {
	if c.Total() == 0 {
		return 1
	}
	return float64(c.Covered()) / float64(c.Total())
}

// CoveredIDs returns the ids of covered statements in order.
func (c *Coverage) CoveredIDs() []int {
	return c.covered.AppendTo(nil)
}

// Potential returns the number of uncovered statements reachable from the
// pending commands of state.
func (c *Coverage) Potential(state *ExecutionState) int {
	var set intsets.Sparse
	for _, cmd := range state.Body() {
		c.scanCommand(&set, cmd)
	}
	set.DifferenceWith(&c.covered)
	return set.Len()
}

func (c *Coverage) scanCommand(set *intsets.Sparse, cmd Command) {
	switch cmd := cmd.(type) {
	case *StatementCommand:
		set.UnionWith(c.Reachable(cmd.Stmt))
	case *BlockCommand:
		set.UnionWith(c.Reachable(cmd.Block))
	case *ParserStateCommand:
		set.UnionWith(c.Reachable(cmd.State))
	case *TransitionCommand:
		visited := make(map[*ir.ParserState]struct{})
		visited[cmd.State] = struct{}{}
		c.scanTransition(set, cmd.Parser, cmd.State.Transition, visited)
	case *ActionCommand:
		set.UnionWith(c.Reachable(cmd.Action))
	case *ConditionCommand:
		c.scanStatements(set, cmd.Stmt.Then)
		c.scanStatements(set, cmd.Stmt.Else)
	case *SwitchCommand:
		for _, sc := range cmd.Stmt.Cases {
			c.scanStatements(set, sc.Body)
		}
	}
}

// Reachable returns the statements reachable from node. Parser state cycles
// are tracked with a visited set so the scan always terminates.
func (c *Coverage) Reachable(node ir.Node) *intsets.Sparse {
	if set, ok := c.cache[node]; ok {
		return set
	}

	set := &intsets.Sparse{}
	switch node := node.(type) {
	case ir.Statement:
		c.scanStatement(set, node)
	case *ir.Action:
		c.scanStatements(set, node.Body)
	case *ir.Control:
		c.scanStatements(set, node.Body)
	case *ir.Parser:
		if start := node.State(ir.StateStart); start != nil {
			c.scanState(set, node, start, make(map[*ir.ParserState]struct{}))
		}
	case *ir.ParserState:
		c.scanState(set, c.parserOf(node), node, make(map[*ir.ParserState]struct{}))
	}
	c.cache[node] = set
	return set
}

func (c *Coverage) scanStatements(set *intsets.Sparse, stmts []ir.Statement) {
	for _, stmt := range stmts {
		set.UnionWith(c.Reachable(stmt))
	}
}

func (c *Coverage) scanStatement(set *intsets.Sparse, stmt ir.Statement) {
	if id := stmt.ID(); id > 0 {
		set.Insert(id)
	}

	switch stmt := stmt.(type) {
	case *ir.IfStatement:
		ir.WalkExpression(stmt.Cond, func(e ir.Expression) {
			if e, ok := e.(*ir.TableHit); ok {
				c.scanTable(set, e.Table)
			}
		})
		c.scanStatements(set, stmt.Then)
		c.scanStatements(set, stmt.Else)
	case *ir.ApplyStatement:
		c.scanTable(set, stmt.Table)
	case *ir.SwitchStatement:
		c.scanTable(set, stmt.Table)
		for _, sc := range stmt.Cases {
			c.scanStatements(set, sc.Body)
		}
	}
}

// scanTable adds the bodies of every action a table may run.
func (c *Coverage) scanTable(set *intsets.Sparse, name string) {
	ref, ok := c.tables[name]
	if !ok {
		return
	}
	names := append([]string{}, ref.table.Actions...)
	if ref.table.DefaultAction != nil {
		names = append(names, ref.table.DefaultAction.Name)
	}
	for _, entry := range ref.table.Entries {
		names = append(names, entry.Action.Name)
	}
	for _, name := range names {
		if action := ref.ctrl.Action(name); action != nil {
			set.UnionWith(c.Reachable(action))
		}
	}
}

func (c *Coverage) scanState(set *intsets.Sparse, parser *ir.Parser, state *ir.ParserState, visited map[*ir.ParserState]struct{}) {
	if _, ok := visited[state]; ok {
		return
	}
	visited[state] = struct{}{}

	c.scanStatements(set, state.Statements)
	c.scanTransition(set, parser, state.Transition, visited)
}

func (c *Coverage) scanTransition(set *intsets.Sparse, parser *ir.Parser, t *ir.Transition, visited map[*ir.ParserState]struct{}) {
	if parser == nil || t == nil {
		return
	}

	var names []string
	if t.Select == nil {
		names = append(names, t.Next)
	} else {
		for _, sc := range t.Select.Cases {
			names = append(names, sc.Next)
		}
	}
	for _, name := range names {
		if next := parser.State(name); next != nil {
			c.scanState(set, parser, next, visited)
		}
	}
}

// parserOf returns the parser declaring state.
func (c *Coverage) parserOf(state *ir.ParserState) *ir.Parser {
	for _, parser := range c.prog.Parsers {
		for _, other := range parser.States {
			if other == state {
				return parser
			}
		}
	}
	return nil
}
