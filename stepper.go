package p4testgen

import (
	"fmt"
	"log"

	"github.com/benbjohnson/p4testgen/ir"
	"golang.org/x/exp/slices"
)

// DefaultMaxParserStates is the default bound on parser states entered along one path.
const DefaultMaxParserStates = 256

// validSuffix names the validity bit of a header.
const validSuffix = "$valid"

// Branch represents a single successor produced by a step. The condition is
// nil if the branch is unconditional.
type Branch struct {
	Condition Expr
	Prev      *ExecutionState
	Next      *ExecutionState
	Covered   []int // statement ids covered by the step
}

// Stepper executes one command at a time from the top of a state's body.
type Stepper struct {
	prog    *ir.Program
	target  Target
	externs *ExternTable

	// Upper bound on parser states entered along a single path.
	MaxParserStates int
}

// NewStepper returns a new instance of Stepper for a program & target.
func NewStepper(prog *ir.Program, target Target) *Stepper {
	return &Stepper{
		prog:            prog,
		target:          target,
		externs:         target.Externs(),
		MaxParserStates: DefaultMaxParserStates,
	}
}

// Program returns the program being executed.
func (s *Stepper) Program() *ir.Program { return s.prog }

// Target returns the target the program is executed for.
func (s *Stepper) Target() Target { return s.target }

// Step executes the next command of state and returns its successors. The
// source state is never modified.
func (s *Stepper) Step(state *ExecutionState) ([]Branch, error) {
	cmd := state.Top()
	if cmd == nil {
		next := state.Clone()
		next.Terminate(ExecutionStatusFinished, "pipeline complete")
		return []Branch{{Prev: state, Next: next}}, nil
	}
	log.Printf("[step] %d: %s", state.ID(), cmd)

	next := state.Clone()
	next.depth++

	var branches []Branch
	var err error
	switch cmd := cmd.(type) {
	case *StatementCommand:
		branches, err = s.stepStatement(next, cmd.Stmt)
	case *BlockCommand:
		branches, err = s.stepBlock(next, cmd.Block)
	case *ParserStateCommand:
		branches, err = s.stepParserState(next, cmd)
	case *TransitionCommand:
		branches, err = s.stepTransition(next, cmd)
	case *ActionCommand:
		branches, err = s.stepAction(next, cmd)
	case *ConditionCommand:
		next.PopBody()
		branches, err = s.stepCondition(next, cmd.Stmt)
	case *SwitchCommand:
		next.PopBody()
		branches, err = s.stepSwitch(next, cmd.Stmt)
	case *ScopeCommand:
		next.PopBody()
		next.PopNamespace()
		branches = single(next)
	case *ExceptionCommand:
		branches, err = s.stepException(next, cmd.Exception)
	default:
		return nil, bugf("unexpected command: %T", cmd)
	}
	if err != nil {
		return nil, err
	}

	for i := range branches {
		if branches[i].Prev == nil {
			branches[i].Prev = state
		}
	}
	return branches, nil
}

// single returns a single unconditional branch to next.
func single(next *ExecutionState) []Branch {
	return []Branch{{Next: next}}
}

func (s *Stepper) stepStatement(next *ExecutionState, stmt ir.Statement) ([]Branch, error) {
	next.MarkCovered(stmt.ID())

	var branches []Branch
	var err error
	switch stmt := stmt.(type) {
	case *ir.AssignStatement:
		next.PopBody()
		branches, err = s.stepAssign(next, stmt)

	case *ir.IfStatement:
		next.PopBody()
		if tables := tableHits(stmt.Cond); len(tables) > 0 {
			cmds := make([]Command, 0, len(tables)+1)
			for _, name := range tables {
				cmds = append(cmds, &StatementCommand{Stmt: &ir.ApplyStatement{Table: name}})
			}
			next.PushBody(append(cmds, &ConditionCommand{Stmt: stmt})...)
			branches = single(next)
		} else {
			branches, err = s.stepCondition(next, stmt)
		}

	case *ir.MethodCallStatement:
		next.PopBody()
		branches, err = s.stepCall(next, stmt.Call, nil)

	case *ir.ApplyStatement:
		next.PopBody()
		branches, err = s.stepTable(next, stmt.Table)

	case *ir.SwitchStatement:
		next.ReplaceTopBody(
			&StatementCommand{Stmt: &ir.ApplyStatement{Table: stmt.Table}},
			&SwitchCommand{Stmt: stmt},
		)
		branches = single(next)

	case *ir.ReturnStatement:
		next.PopBody()
		if !next.UnwindTo(ScopeAction, ScopeControl) {
			return nil, bugf("return outside of an action or control")
		}
		branches = single(next)

	case *ir.ExitStatement:
		next.PopBody()
		if !next.UnwindTo(ScopeControl) {
			return nil, bugf("exit outside of a control")
		}
		branches = single(next)

	default:
		return nil, bugf("unexpected statement: %T", stmt)
	}
	if err != nil {
		return nil, err
	}

	if id := stmt.ID(); id > 0 {
		for i := range branches {
			branches[i].Covered = append(branches[i].Covered, id)
		}
	}
	return branches, nil
}

// tableHits returns the tables referenced by hit/miss expressions in expr.
func tableHits(expr ir.Expression) []string {
	var a []string
	ir.WalkExpression(expr, func(e ir.Expression) {
		if e, ok := e.(*ir.TableHit); ok {
			a = append(a, e.Table)
		}
	})
	return a
}

func (s *Stepper) stepAssign(next *ExecutionState, stmt *ir.AssignStatement) ([]Branch, error) {
	if call, ok := stmt.Right.(*ir.MethodCall); ok && call.Method != "isValid" {
		return s.stepCall(next, call, stmt.Left)
	}

	if _, ok := stmt.Left.(*ir.Slice); !ok {
		dst, err := s.Locate(next, stmt.Left)
		if err != nil {
			return nil, err
		}
		if !ir.IsScalar(dst.Type) {
			src, err := s.Locate(next, stmt.Right)
			if err != nil {
				return nil, err
			}
			if err := s.copyAggregate(next, dst, src); err != nil {
				return nil, err
			}
			return single(next), nil
		}
	}

	width, err := s.lvalueWidth(next, stmt.Left)
	if err != nil {
		return nil, err
	}
	value, err := s.Eval(next, stmt.Right, width)
	if err != nil {
		return nil, err
	}
	if err := s.Assign(next, stmt.Left, value); err != nil {
		return nil, err
	}
	return single(next), nil
}

func (s *Stepper) lvalueWidth(state *ExecutionState, expr ir.Expression) (uint, error) {
	if sl, ok := expr.(*ir.Slice); ok {
		return uint(sl.Hi - sl.Lo + 1), nil
	}
	loc, err := s.Locate(state, expr)
	if err != nil {
		return 0, err
	}
	return uint(ir.Width(loc.Type)), nil
}

// stepCondition forks an if statement into its then & else branches.
func (s *Stepper) stepCondition(next *ExecutionState, stmt *ir.IfStatement) ([]Branch, error) {
	cond, err := s.Eval(next, stmt.Cond, WidthBool)
	if err != nil {
		return nil, err
	}

	if HasTaint(cond) {
		s.Warnf(next, "tainted condition %q, exploring both branches", stmt.Cond)
		next.SetProperty(PropertyOutputTainted, true)

		then, els := next, next.Clone()
		then.PushBody(statementCommands(stmt.Then)...)
		els.PushBody(statementCommands(stmt.Else)...)
		return []Branch{{Next: then}, {Next: els}}, nil
	}

	if c, ok := cond.(*ConstantExpr); ok {
		if c.IsTrue() {
			next.PushBody(statementCommands(stmt.Then)...)
		} else {
			next.PushBody(statementCommands(stmt.Else)...)
		}
		return single(next), nil
	}

	log.Printf("[fork] if %s", stmt.Cond)
	then, els := next, next.Clone()
	then.PushBody(statementCommands(stmt.Then)...)
	els.PushBody(statementCommands(stmt.Else)...)
	return []Branch{
		{Condition: cond, Next: then},
		{Condition: NewIsZeroExpr(cond), Next: els},
	}, nil
}

// stepSwitch forks on the action run by the table applied just before.
func (s *Stepper) stepSwitch(next *ExecutionState, stmt *ir.SwitchStatement) ([]Branch, error) {
	ctrl, tbl := s.lookupTable(next, stmt.Table)
	if tbl == nil {
		return nil, bugf("switch: table not found: %s", stmt.Table)
	}
	run, ok := next.Lookup(TableActionRunName(tbl.Name))
	if !ok {
		return nil, bugf("switch: table %s not applied", tbl.Name)
	}

	var branches []Branch
	var prior []Expr
	for i, c := range stmt.Cases {
		if c.Label == "default" {
			continue
		}
		if ctrl.Action(c.Label) == nil {
			return nil, bugf("switch: unknown action %q", c.Label)
		}
		match := NewBinaryExpr(EQ, run, NewConstantExpr32(uint64(tableActionIndex(tbl, c.Label))))
		prior = append(prior, match)

		child := next.Clone()
		child.PushBody(statementCommands(switchCaseBody(stmt.Cases, i))...)
		branches = append(branches, Branch{Condition: match, Next: child})
	}

	// Default case, explicit or empty.
	var body []ir.Statement
	for i, c := range stmt.Cases {
		if c.Label == "default" {
			body = switchCaseBody(stmt.Cases, i)
		}
	}
	next.PushBody(statementCommands(body)...)
	branches = append(branches, Branch{Condition: NewIsZeroExpr(NewDisjunctionExpr(prior...)), Next: next})
	return branches, nil
}

// switchCaseBody returns the body of case i. Empty cases fall through.
func switchCaseBody(cases []*ir.SwitchCase, i int) []ir.Statement {
	for ; i < len(cases); i++ {
		if len(cases[i].Body) > 0 {
			return cases[i].Body
		}
	}
	return nil
}

func statementCommands(stmts []ir.Statement) []Command {
	cmds := make([]Command, len(stmts))
	for i, stmt := range stmts {
		cmds[i] = &StatementCommand{Stmt: stmt}
	}
	return cmds
}

func (s *Stepper) stepBlock(next *ExecutionState, block ir.Block) ([]Branch, error) {
	switch block := block.(type) {
	case *ir.Parser:
		next.PushNamespace(&Namespace{Kind: ScopeParser, Name: block.Name, Prefix: block.Name, Decls: block.Locals})
		next.ReplaceTopBody(
			&ParserStateCommand{Parser: block, State: block.State(ir.StateStart)},
			&ScopeCommand{Kind: ScopeParser, Name: block.Name},
		)
	case *ir.Control:
		next.PushNamespace(&Namespace{Kind: ScopeControl, Name: block.Name, Prefix: block.Name, Decls: block.Locals})
		next.ReplaceTopBody(append(statementCommands(block.Body), &ScopeCommand{Kind: ScopeControl, Name: block.Name})...)
	default:
		return nil, bugf("unexpected block: %T", block)
	}
	next.Tracef("block", "enter %s", block.BlockName())
	return single(next), nil
}

func (s *Stepper) stepAction(next *ExecutionState, cmd *ActionCommand) ([]Branch, error) {
	if len(cmd.Args) != len(cmd.Action.Params) {
		return nil, bugf("action %s: expected %d arguments, got %d", cmd.Action.Name, len(cmd.Action.Params), len(cmd.Args))
	}

	prefix := cmd.Control.Name + "." + cmd.Action.Name
	decls := make([]*ir.Variable, len(cmd.Action.Params))
	for i, p := range cmd.Action.Params {
		decls[i] = &ir.Variable{Name: p.Name, Type: p.Type}
		next.Set(prefix+"."+p.Name, NewCastExpr(cmd.Args[i], uint(ir.Width(p.Type)), false))
	}

	next.ReplaceTopBody(append(statementCommands(cmd.Action.Body), &ScopeCommand{Kind: ScopeAction, Name: cmd.Action.Name})...)
	next.PushNamespace(&Namespace{Kind: ScopeAction, Name: cmd.Action.Name, Prefix: prefix, Decls: decls})
	next.Tracef("action", "%s.%s", cmd.Control.Name, cmd.Action.Name)
	return single(next), nil
}

func (s *Stepper) stepException(next *ExecutionState, exc Exception) ([]Branch, error) {
	next.PopBody()
	if !next.UnwindTo(ScopeParser) {
		return nil, bugf("exception %s raised outside of a parser", exc)
	}
	next.Tracef("exception", "%s", exc)
	log.Printf("[exception] %s", exc)

	if err := s.target.HandleParserException(next, exc); err != nil {
		return nil, err
	}
	return single(next), nil
}

// stepCall dispatches a call to an action or an extern method. If result is
// not nil then the return value of the call is assigned to it.
func (s *Stepper) stepCall(next *ExecutionState, call *ir.MethodCall, result ir.Expression) ([]Branch, error) {
	if call.Receiver == nil && result == nil {
		if ctrl := s.currentControl(next); ctrl != nil {
			if action := ctrl.Action(call.Method); action != nil {
				ordered, err := orderArgs(call, action.Params)
				if err != nil {
					return nil, err
				}
				args, err := s.evalArgs(next, ordered, action.Params)
				if err != nil {
					return nil, err
				}
				next.PushBody(&ActionCommand{Control: ctrl, Action: action, Args: args})
				return single(next), nil
			}
		}
	}

	ext, err := s.newExternCall(next, call, result)
	if err != nil {
		return nil, err
	}

	method, err := s.externs.Resolve(ext.Type, call)
	if err != nil {
		return nil, err
	} else if method == nil {
		return nil, bugf("no handler for extern call %s on type %q", call, ext.Type)
	}
	ext.Params = method.Params
	log.Printf("[extern] %s", method)
	return method.Handler(ext, s)
}

// orderArgs returns the arguments of call in parameter order.
func orderArgs(call *ir.MethodCall, params []*ir.Param) ([]ir.Expression, error) {
	if call.ArgNames == nil {
		return call.Args, nil
	} else if len(call.ArgNames) != len(params) {
		return nil, bugf("%s: expected %d arguments, got %d", call, len(params), len(call.ArgNames))
	}
	args := make([]ir.Expression, len(params))
	for i, p := range params {
		j := slices.Index(call.ArgNames, p.Name)
		if j < 0 {
			return nil, bugf("%s: missing argument %q", call, p.Name)
		}
		args[i] = call.Args[j]
	}
	return args, nil
}

// evalArgs evaluates call arguments to the widths of the given parameters.
func (s *Stepper) evalArgs(state *ExecutionState, args []ir.Expression, params []*ir.Param) ([]Expr, error) {
	if len(args) != len(params) {
		return nil, bugf("expected %d arguments, got %d", len(params), len(args))
	}
	a := make([]Expr, len(args))
	for i, arg := range args {
		if d := params[i].Direction; d == "out" || d == "inout" {
			return nil, unimplementedf("%s action parameter %s", d, params[i].Name)
		}
		v, err := s.Eval(state, arg, uint(ir.Width(params[i].Type)))
		if err != nil {
			return nil, err
		}
		a[i] = v
	}
	return a, nil
}

// currentControl returns the innermost control in scope, if any.
func (s *Stepper) currentControl(state *ExecutionState) *ir.Control {
	for i := len(state.namespaces) - 1; i >= 0; i-- {
		if ns := state.namespaces[i]; ns.Kind == ScopeControl {
			return s.prog.Control(ns.Name)
		}
	}
	return nil
}

// lookupTable returns a table by name, searching the current control first.
func (s *Stepper) lookupTable(state *ExecutionState, name string) (*ir.Control, *ir.Table) {
	if ctrl := s.currentControl(state); ctrl != nil {
		if tbl := ctrl.Table(name); tbl != nil {
			return ctrl, tbl
		}
	}
	for _, ctrl := range s.prog.Controls {
		if tbl := ctrl.Table(name); tbl != nil {
			return ctrl, tbl
		}
	}
	return nil, nil
}

// Warnf logs a soft warning and records it in the state's trace.
func (s *Stepper) Warnf(state *ExecutionState, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("[warn] %s", msg)
	state.Tracef("warn", "%s", msg)
}

// choice returns a fresh choice variable. Names are numbered per path.
func (s *Stepper) choice(state *ExecutionState, name string, width uint) *VarExpr {
	n := state.IntProperty(PropertyChoiceCount)
	state.SetProperty(PropertyChoiceCount, n+1)
	return NewVarExpr(ChoiceName(name, n), width)
}

// Location represents a storage location in the symbolic environment.
type Location struct {
	Name   string  // fully qualified name
	Type   ir.Type // declared type
	Header string  // enclosing header, if any
}

// IsHeader returns true if the location holds an entire header.
func (loc *Location) IsHeader() bool {
	return loc.Header != "" && loc.Header == loc.Name
}

// Locate resolves a path or member expression to a location.
func (s *Stepper) Locate(state *ExecutionState, expr ir.Expression) (*Location, error) {
	switch expr := expr.(type) {
	case *ir.PathExpr:
		name, decl := state.Resolve(expr.Name)
		if decl == nil {
			decl = s.prog.Global(expr.Name)
		}
		if decl == nil {
			return nil, bugf("unresolved name: %s", expr.Name)
		}

		loc := &Location{Name: name, Type: decl.Type}
		if _, ok := decl.Type.(*ir.HeaderType); ok {
			loc.Header = name
		}
		return loc, nil

	case *ir.Member:
		base, err := s.Locate(state, expr.Expr)
		if err != nil {
			return nil, err
		}

		var field *ir.Field
		switch t := base.Type.(type) {
		case *ir.HeaderType:
			field = t.Field(expr.Name)
		case *ir.StructType:
			field = t.Field(expr.Name)
		}
		if field == nil {
			return nil, bugf("%s has no field %q", base.Type, expr.Name)
		}

		loc := &Location{Name: base.Name + "." + expr.Name, Type: field.Type, Header: base.Header}
		if _, ok := field.Type.(*ir.HeaderType); ok {
			loc.Header = loc.Name
		}
		return loc, nil

	default:
		return nil, bugf("not an lvalue: %s", expr)
	}
}

// Read returns the current value of a scalar location.
func (s *Stepper) Read(state *ExecutionState, loc *Location) (Expr, error) {
	switch t := loc.Type.(type) {
	case *ir.VarbitType:
		return nil, unimplementedf("varbit read: %s", loc.Name)
	case *ir.HeaderType, *ir.StructType:
		return nil, bugf("%s: scalar expected, got %s", loc.Name, t)
	}

	width := uint(ir.Width(loc.Type))
	if loc.Header != "" && s.target.ForceTaint() && !s.IsValid(state, loc.Header) {
		return NewTaintExpr(width, false), nil
	}
	return state.Get(loc.Name, width, s.target.ForceTaint()), nil
}

// IsValid returns true if the header at the given location is valid.
func (s *Stepper) IsValid(state *ExecutionState, header string) bool {
	return IsConstantTrue(state.Get(header+"."+validSuffix, WidthBool, false))
}

// SetValid sets the validity bit of a header.
func (s *Stepper) SetValid(state *ExecutionState, header string, valid bool) {
	state.Set(header+"."+validSuffix, NewBoolConstantExpr(valid))
}

// Assign writes value to a scalar location or a bit slice of one.
func (s *Stepper) Assign(state *ExecutionState, lhs ir.Expression, value Expr) error {
	if sl, ok := lhs.(*ir.Slice); ok {
		loc, err := s.Locate(state, sl.Expr)
		if err != nil {
			return err
		}
		old, err := s.Read(state, loc)
		if err != nil {
			return err
		}

		width := ExprWidth(old)
		if sl.Lo < 0 || sl.Hi < sl.Lo || uint(sl.Hi) >= width {
			return bugf("slice out of bounds: %s", sl)
		}

		result := NewCastExpr(value, uint(sl.Hi-sl.Lo+1), false)
		if uint(sl.Hi) < width-1 {
			result = NewConcatExpr(NewExtractExpr(old, uint(sl.Hi+1), width-1-uint(sl.Hi)), result)
		}
		if sl.Lo > 0 {
			result = NewConcatExpr(result, NewExtractExpr(old, 0, uint(sl.Lo)))
		}
		state.Set(loc.Name, result)
		return nil
	}

	loc, err := s.Locate(state, lhs)
	if err != nil {
		return err
	} else if !ir.IsScalar(loc.Type) {
		return bugf("%s: scalar expected, got %s", loc.Name, loc.Type)
	}
	state.Set(loc.Name, NewCastExpr(value, uint(ir.Width(loc.Type)), false))
	return nil
}

// copyAggregate copies a header or struct field by field.
func (s *Stepper) copyAggregate(state *ExecutionState, dst, src *Location) error {
	if dst.Type != src.Type {
		return bugf("cannot assign %s to %s", src.Type, dst.Type)
	}

	if dst.IsHeader() {
		state.Set(dst.Name+"."+validSuffix, state.Get(src.Name+"."+validSuffix, WidthBool, false))
	}
	for _, f := range ir.FieldsOf(dst.Type) {
		d := &Location{Name: dst.Name + "." + f.Name, Type: f.Type, Header: dst.Header}
		sr := &Location{Name: src.Name + "." + f.Name, Type: f.Type, Header: src.Header}
		if _, ok := f.Type.(*ir.HeaderType); ok {
			d.Header, sr.Header = d.Name, sr.Name
		}

		if !ir.IsScalar(f.Type) {
			if err := s.copyAggregate(state, d, sr); err != nil {
				return err
			}
			continue
		}
		value, err := s.Read(state, sr)
		if err != nil {
			return err
		}
		state.Set(d.Name, value)
	}
	return nil
}

// Eval evaluates expr in the scope of state. Untyped constants take the
// given width when no other operand determines it.
func (s *Stepper) Eval(state *ExecutionState, expr ir.Expression, width uint) (Expr, error) {
	switch expr := expr.(type) {
	case *ir.Constant:
		if expr.Type != nil {
			return NewConstantExpr(expr.Value, uint(ir.Width(expr.Type))), nil
		} else if width == 0 {
			width = Width32
		}
		return NewConstantExpr(expr.Value, width), nil

	case *ir.BoolLiteral:
		return NewBoolConstantExpr(expr.Value), nil

	case *ir.PathExpr:
		loc, err := s.Locate(state, expr)
		if err != nil {
			return nil, err
		}
		return s.Read(state, loc)

	case *ir.Member:
		if p, ok := expr.Expr.(*ir.PathExpr); ok && p.Name == "error" {
			if width == 0 {
				width = Width32
			}
			return NewConstantExpr(Exception(expr.Name).Code(), width), nil
		}
		loc, err := s.Locate(state, expr)
		if err != nil {
			return nil, err
		}
		return s.Read(state, loc)

	case *ir.Binary:
		return s.evalBinary(state, expr, width)

	case *ir.Unary:
		v, err := s.Eval(state, expr.Expr, width)
		if err != nil {
			return nil, err
		}
		switch expr.Op {
		case ir.OpLNot:
			return NewIsZeroExpr(v), nil
		case ir.OpNot:
			return NewNotExpr(v), nil
		case ir.OpNeg:
			return NewBinaryExpr(SUB, NewConstantExpr(0, ExprWidth(v)), v), nil
		default:
			return nil, bugf("unexpected unary operator: %s", expr.Op)
		}

	case *ir.Cast:
		tw := uint(ir.Width(expr.Type))
		v, err := s.Eval(state, expr.Expr, tw)
		if err != nil {
			return nil, err
		}
		if _, ok := expr.Type.(*ir.BoolType); ok && ExprWidth(v) != WidthBool {
			return NewBinaryExpr(NE, v, NewConstantExpr(0, ExprWidth(v))), nil
		}
		return NewCastExpr(v, tw, s.isSigned(state, expr.Expr)), nil

	case *ir.Slice:
		v, err := s.Eval(state, expr.Expr, 0)
		if err != nil {
			return nil, err
		} else if expr.Lo < 0 || expr.Hi < expr.Lo || uint(expr.Hi) >= ExprWidth(v) {
			return nil, bugf("slice out of bounds: %s", expr)
		}
		return NewExtractExpr(v, uint(expr.Lo), uint(expr.Hi-expr.Lo+1)), nil

	case *ir.Mux:
		cond, err := s.Eval(state, expr.Cond, WidthBool)
		if err != nil {
			return nil, err
		}
		then, els, err := s.evalPair(state, expr.Then, expr.Else, width)
		if err != nil {
			return nil, err
		}
		return NewIteExpr(cond, then, els), nil

	case *ir.TableHit:
		hit, ok := state.Lookup(TableHitName(expr.Table))
		if !ok {
			return nil, bugf("table %s not applied", expr.Table)
		} else if expr.Miss {
			return NewIsZeroExpr(hit), nil
		}
		return hit, nil

	case *ir.MethodCall:
		if expr.Method == "isValid" && expr.Receiver != nil && len(expr.Args) == 0 {
			loc, err := s.Locate(state, expr.Receiver)
			if err != nil {
				return nil, err
			} else if !loc.IsHeader() {
				return nil, bugf("isValid on non-header: %s", loc.Name)
			}
			return NewBoolConstantExpr(s.IsValid(state, loc.Name)), nil
		}
		return nil, unimplementedf("method call in expression: %s", expr)

	default:
		return nil, bugf("unexpected expression: %T", expr)
	}
}

// evalPair evaluates two operands. An untyped constant takes the width of
// the other operand.
func (s *Stepper) evalPair(state *ExecutionState, l, r ir.Expression, width uint) (lhs, rhs Expr, err error) {
	if isUntyped(l) && !isUntyped(r) {
		if rhs, err = s.Eval(state, r, width); err != nil {
			return nil, nil, err
		}
		lhs, err = s.Eval(state, l, ExprWidth(rhs))
		return lhs, rhs, err
	}

	if lhs, err = s.Eval(state, l, width); err != nil {
		return nil, nil, err
	}
	rhs, err = s.Eval(state, r, ExprWidth(lhs))
	return lhs, rhs, err
}

func (s *Stepper) evalBinary(state *ExecutionState, expr *ir.Binary, width uint) (Expr, error) {
	switch expr.Op {
	case ir.OpLAnd, ir.OpLOr:
		lhs, err := s.Eval(state, expr.Left, WidthBool)
		if err != nil {
			return nil, err
		}
		rhs, err := s.Eval(state, expr.Right, WidthBool)
		if err != nil {
			return nil, err
		}
		if expr.Op == ir.OpLAnd {
			return NewBinaryExpr(AND, lhs, rhs), nil
		}
		return NewBinaryExpr(OR, lhs, rhs), nil

	case ir.OpConcat:
		lhs, err := s.Eval(state, expr.Left, 0)
		if err != nil {
			return nil, err
		}
		rhs, err := s.Eval(state, expr.Right, 0)
		if err != nil {
			return nil, err
		}
		return NewConcatExpr(lhs, rhs), nil

	case ir.OpShl, ir.OpShr:
		lhs, err := s.Eval(state, expr.Left, width)
		if err != nil {
			return nil, err
		}
		rhs, err := s.Eval(state, expr.Right, ExprWidth(lhs))
		if err != nil {
			return nil, err
		}
		rhs = NewCastExpr(rhs, ExprWidth(lhs), false)
		if expr.Op == ir.OpShl {
			return NewBinaryExpr(SHL, lhs, rhs), nil
		} else if s.isSigned(state, expr.Left) {
			return NewBinaryExpr(ASHR, lhs, rhs), nil
		}
		return NewBinaryExpr(LSHR, lhs, rhs), nil
	}

	// Comparison operands are unrelated to the width of the result.
	if isCompareOp(expr.Op) {
		width = 0
	}
	lhs, rhs, err := s.evalPair(state, expr.Left, expr.Right, width)
	if err != nil {
		return nil, err
	} else if ExprWidth(lhs) != ExprWidth(rhs) {
		return nil, bugf("operand width mismatch: %s", expr)
	}
	signed := s.isSigned(state, expr.Left) || s.isSigned(state, expr.Right)

	switch expr.Op {
	case ir.OpAdd:
		return NewBinaryExpr(ADD, lhs, rhs), nil
	case ir.OpSub:
		return NewBinaryExpr(SUB, lhs, rhs), nil
	case ir.OpMul:
		return NewBinaryExpr(MUL, lhs, rhs), nil
	case ir.OpAnd:
		return NewBinaryExpr(AND, lhs, rhs), nil
	case ir.OpOr:
		return NewBinaryExpr(OR, lhs, rhs), nil
	case ir.OpXor:
		return NewBinaryExpr(XOR, lhs, rhs), nil
	case ir.OpEq:
		return NewBinaryExpr(EQ, lhs, rhs), nil
	case ir.OpNe:
		return NewBinaryExpr(NE, lhs, rhs), nil
	case ir.OpLt:
		return NewBinaryExpr(pick(signed, SLT, ULT), lhs, rhs), nil
	case ir.OpLe:
		return NewBinaryExpr(pick(signed, SLE, ULE), lhs, rhs), nil
	case ir.OpGt:
		return NewBinaryExpr(pick(signed, SGT, UGT), lhs, rhs), nil
	case ir.OpGe:
		return NewBinaryExpr(pick(signed, SGE, UGE), lhs, rhs), nil
	default:
		return nil, bugf("unexpected binary operator: %s", expr.Op)
	}
}

func pick(signed bool, s, u BinaryOp) BinaryOp {
	if signed {
		return s
	}
	return u
}

func isCompareOp(op string) bool {
	switch op {
	case ir.OpEq, ir.OpNe, ir.OpLt, ir.OpLe, ir.OpGt, ir.OpGe:
		return true
	}
	return false
}

// isUntyped returns true if expr is an integer literal without a width.
func isUntyped(expr ir.Expression) bool {
	c, ok := expr.(*ir.Constant)
	return ok && c.Type == nil
}

// isSigned returns true if expr evaluates to a signed integer.
func (s *Stepper) isSigned(state *ExecutionState, expr ir.Expression) bool {
	switch expr := expr.(type) {
	case *ir.Constant:
		t, ok := expr.Type.(*ir.BitsType)
		return ok && t.Signed
	case *ir.PathExpr, *ir.Member:
		loc, err := s.Locate(state, expr)
		if err != nil {
			return false
		}
		t, ok := loc.Type.(*ir.BitsType)
		return ok && t.Signed
	case *ir.Cast:
		t, ok := expr.Type.(*ir.BitsType)
		return ok && t.Signed
	case *ir.Binary:
		if isCompareOp(expr.Op) || expr.Op == ir.OpConcat {
			return false
		}
		return s.isSigned(state, expr.Left) || s.isSigned(state, expr.Right)
	case *ir.Unary:
		return s.isSigned(state, expr.Expr)
	default:
		return false
	}
}
