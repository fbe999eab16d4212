package ir

import (
	"fmt"
	"strings"
)

// Expression represents a side-effect free expression or a method call.
type Expression interface {
	expression()
	String() string
}

func (*Constant) expression()    {}
func (*BoolLiteral) expression() {}
func (*PathExpr) expression()    {}
func (*Member) expression()      {}
func (*Binary) expression()      {}
func (*Unary) expression()       {}
func (*Cast) expression()        {}
func (*Slice) expression()       {}
func (*Mux) expression()         {}
func (*MethodCall) expression()  {}
func (*TableHit) expression()    {}

// Constant represents an integer literal. Type is nil for untyped literals,
// which take the width of the expression they are combined with.
type Constant struct {
	Value uint64
	Type  Type
}

func (e *Constant) String() string {
	if t, ok := e.Type.(*BitsType); ok {
		if t.Signed {
			return fmt.Sprintf("%ds%d", t.Width, e.Value)
		}
		return fmt.Sprintf("%dw%d", t.Width, e.Value)
	}
	return fmt.Sprint(e.Value)
}

// BoolLiteral represents true or false.
type BoolLiteral struct {
	Value bool
}

func (e *BoolLiteral) String() string { return fmt.Sprint(e.Value) }

// PathExpr refers to a variable, parameter, or extern instance by name.
type PathExpr struct {
	Name string
}

func (e *PathExpr) String() string { return e.Name }

// Member represents field access: "Expr.Name".
type Member struct {
	Expr Expression
	Name string
}

func (e *Member) String() string { return e.Expr.String() + "." + e.Name }

// Binary operators.
const (
	OpAdd    = "+"
	OpSub    = "-"
	OpMul    = "*"
	OpAnd    = "&"
	OpOr     = "|"
	OpXor    = "^"
	OpShl    = "<<"
	OpShr    = ">>"
	OpEq     = "=="
	OpNe     = "!="
	OpLt     = "<"
	OpLe     = "<="
	OpGt     = ">"
	OpGe     = ">="
	OpLAnd   = "&&"
	OpLOr    = "||"
	OpConcat = "++"
)

// Unary operators.
const (
	OpLNot = "!"
	OpNot  = "~"
	OpNeg  = "-"
)

// Binary represents a binary operation.
type Binary struct {
	Op    string
	Left  Expression
	Right Expression
}

func (e *Binary) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Left, e.Op, e.Right)
}

// Unary represents a unary operation.
type Unary struct {
	Op   string
	Expr Expression
}

func (e *Unary) String() string { return e.Op + e.Expr.String() }

// Cast represents "(Type)Expr".
type Cast struct {
	Type Type
	Expr Expression
}

func (e *Cast) String() string { return fmt.Sprintf("(%s)%s", e.Type, e.Expr) }

// Slice represents the bit slice "Expr[Hi:Lo]". Both bounds are inclusive.
type Slice struct {
	Expr Expression
	Hi   int
	Lo   int
}

func (e *Slice) String() string { return fmt.Sprintf("%s[%d:%d]", e.Expr, e.Hi, e.Lo) }

// Mux represents "Cond ? Then : Else".
type Mux struct {
	Cond Expression
	Then Expression
	Else Expression
}

func (e *Mux) String() string { return fmt.Sprintf("(%s ? %s : %s)", e.Cond, e.Then, e.Else) }

// MethodCall represents a call on an extern, a header, or a free function
// when Receiver is nil.
type MethodCall struct {
	Receiver Expression
	Method   string
	TypeArgs []Type
	Args     []Expression

	// ArgNames holds the parameter name of each argument for calls written
	// with named arguments, "f(b = 1, a = 2)". Nil for positional calls.
	ArgNames []string
}

func (e *MethodCall) String() string {
	var buf strings.Builder
	if e.Receiver != nil {
		buf.WriteString(e.Receiver.String())
		buf.WriteString(".")
	}
	buf.WriteString(e.Method)
	if len(e.TypeArgs) > 0 {
		buf.WriteString("<")
		for i, t := range e.TypeArgs {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(t.String())
		}
		buf.WriteString(">")
	}
	buf.WriteString("(")
	for i, arg := range e.Args {
		if i > 0 {
			buf.WriteString(", ")
		}
		if i < len(e.ArgNames) {
			buf.WriteString(e.ArgNames[i])
			buf.WriteString(" = ")
		}
		buf.WriteString(arg.String())
	}
	buf.WriteString(")")
	return buf.String()
}

// TableHit represents "Table.apply().hit" or "Table.apply().miss". The table
// must be applied before the expression is evaluated.
type TableHit struct {
	Table string
	Miss  bool
}

func (e *TableHit) String() string {
	if e.Miss {
		return e.Table + ".apply().miss"
	}
	return e.Table + ".apply().hit"
}

// PathString returns the dotted name of a path or member chain.
// Returns a blank string for any other expression.
func PathString(expr Expression) string {
	switch expr := expr.(type) {
	case *PathExpr:
		return expr.Name
	case *Member:
		if s := PathString(expr.Expr); s != "" {
			return s + "." + expr.Name
		}
	}
	return ""
}

// WalkExpression calls fn for expr and every subexpression, parents first.
func WalkExpression(expr Expression, fn func(Expression)) {
	if expr == nil {
		return
	}
	fn(expr)

	switch expr := expr.(type) {
	case *Member:
		WalkExpression(expr.Expr, fn)
	case *Binary:
		WalkExpression(expr.Left, fn)
		WalkExpression(expr.Right, fn)
	case *Unary:
		WalkExpression(expr.Expr, fn)
	case *Cast:
		WalkExpression(expr.Expr, fn)
	case *Slice:
		WalkExpression(expr.Expr, fn)
	case *Mux:
		WalkExpression(expr.Cond, fn)
		WalkExpression(expr.Then, fn)
		WalkExpression(expr.Else, fn)
	case *MethodCall:
		WalkExpression(expr.Receiver, fn)
		for _, arg := range expr.Args {
			WalkExpression(arg, fn)
		}
	}
}

// WalkStatementExpressions calls fn for every expression within stmts.
func WalkStatementExpressions(stmts []Statement, fn func(Expression)) {
	for _, stmt := range stmts {
		switch stmt := stmt.(type) {
		case *AssignStatement:
			WalkExpression(stmt.Left, fn)
			WalkExpression(stmt.Right, fn)
		case *IfStatement:
			WalkExpression(stmt.Cond, fn)
			WalkStatementExpressions(stmt.Then, fn)
			WalkStatementExpressions(stmt.Else, fn)
		case *MethodCallStatement:
			WalkExpression(stmt.Call, fn)
		case *SwitchStatement:
			for _, c := range stmt.Cases {
				WalkStatementExpressions(c.Body, fn)
			}
		}
	}
}

// WalkProgramExpressions calls fn for every expression in the program.
func WalkProgramExpressions(p *Program, fn func(Expression)) {
	for _, parser := range p.Parsers {
		for _, state := range parser.States {
			WalkStatementExpressions(state.Statements, fn)
			if state.Transition != nil && state.Transition.Select != nil {
				for _, key := range state.Transition.Select.Keys {
					WalkExpression(key, fn)
				}
			}
		}
	}
	for _, ctrl := range p.Controls {
		for _, action := range ctrl.Actions {
			WalkStatementExpressions(action.Body, fn)
		}
		for _, tbl := range ctrl.Tables {
			for _, key := range tbl.Keys {
				WalkExpression(key.Expr, fn)
			}
		}
		WalkStatementExpressions(ctrl.Body, fn)
	}
}
