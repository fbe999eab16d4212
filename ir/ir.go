package ir

import (
	"fmt"
	"strings"
)

// Node represents any element of a compiled program.
type Node interface {
	node()
}

func (*Program) node()             {}
func (*Parser) node()              {}
func (*ParserState) node()         {}
func (*Control) node()             {}
func (*Action) node()              {}
func (*Table) node()               {}
func (*AssignStatement) node()     {}
func (*IfStatement) node()         {}
func (*MethodCallStatement) node() {}
func (*ApplyStatement) node()      {}
func (*SwitchStatement) node()     {}
func (*ReturnStatement) node()     {}
func (*ExitStatement) node()       {}

// Program represents a compiled program. It is read-only once loaded.
type Program struct {
	Name     string
	Arch     string
	Headers  []*HeaderType
	Structs  []*StructType
	Globals  []*Variable
	Externs  []*ExternInstance
	Parsers  []*Parser
	Controls []*Control

	// Names of the parsers & controls in the order a packet traverses them.
	Pipeline []string

	// Populated by Number().
	statements []Statement
	states     []*ParserState
}

// Parser returns a parser by name.
func (p *Program) Parser(name string) *Parser {
	for _, parser := range p.Parsers {
		if parser.Name == name {
			return parser
		}
	}
	return nil
}

// Control returns a control by name.
func (p *Program) Control(name string) *Control {
	for _, ctrl := range p.Controls {
		if ctrl.Name == name {
			return ctrl
		}
	}
	return nil
}

// Global returns a global variable by name.
func (p *Program) Global(name string) *Variable {
	for _, v := range p.Globals {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// Extern returns an extern instance by name.
func (p *Program) Extern(name string) *ExternInstance {
	for _, ext := range p.Externs {
		if ext.Name == name {
			return ext
		}
	}
	return nil
}

// LookupType returns a named header or struct type.
func (p *Program) LookupType(name string) Type {
	for _, h := range p.Headers {
		if h.Name == name {
			return h
		}
	}
	for _, s := range p.Structs {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Statements returns every coverable statement in numbering order.
func (p *Program) Statements() []Statement { return p.statements }

// Statement returns the statement with the given id.
func (p *Program) Statement(id int) Statement {
	if id <= 0 || id > len(p.statements) {
		return nil
	}
	return p.statements[id-1]
}

// ParserStates returns every parser state in numbering order.
func (p *Program) ParserStates() []*ParserState { return p.states }

// References returns true if any expression in the program refers to
// the dotted path, e.g. "ig_prsr_md.parser_err".
func (p *Program) References(path string) bool {
	var found bool
	WalkProgramExpressions(p, func(expr Expression) {
		if !found && PathString(expr) == path {
			found = true
		}
	})
	return found
}

// Number assigns statement and parser state ids in declaration order.
// Ids start at 1 so the zero value means "unnumbered".
func (p *Program) Number() {
	p.statements, p.states = nil, nil

	var number func(stmts []Statement)
	number = func(stmts []Statement) {
		for _, stmt := range stmts {
			p.statements = append(p.statements, stmt)
			stmt.setID(len(p.statements))

			switch stmt := stmt.(type) {
			case *IfStatement:
				number(stmt.Then)
				number(stmt.Else)
			case *SwitchStatement:
				for _, c := range stmt.Cases {
					number(c.Body)
				}
			}
		}
	}

	for _, parser := range p.Parsers {
		for _, state := range parser.States {
			p.states = append(p.states, state)
			state.NodeID = len(p.states)
			number(state.Statements)
		}
	}
	for _, ctrl := range p.Controls {
		for _, action := range ctrl.Actions {
			number(action.Body)
		}
		number(ctrl.Body)
	}
}

// Block is a top-level pipeline block: either a *Parser or a *Control.
type Block interface {
	Node
	BlockName() string
}

func (p *Parser) BlockName() string  { return p.Name }
func (c *Control) BlockName() string { return c.Name }

// Block returns the pipeline block with the given name.
func (p *Program) Block(name string) Block {
	if parser := p.Parser(name); parser != nil {
		return parser
	}
	if ctrl := p.Control(name); ctrl != nil {
		return ctrl
	}
	return nil
}

// Variable represents a named, typed storage location.
type Variable struct {
	Name string
	Type Type
}

// ExternInstance represents an instantiated extern object such as a
// register, counter, action profile or action selector.
type ExternInstance struct {
	Name      string
	Type      string
	TypeArgs  []Type
	Size      int
	Algorithm string
	Profile   string // selectors may share a profile
	Register  string // register bound to a register action
}

// Extern instance types understood by the core.
const (
	ExternActionProfile  = "action_profile"
	ExternActionSelector = "action_selector"
	ExternRegister       = "register"
	ExternCounter        = "counter"
	ExternMeter          = "meter"
	ExternRegisterAction = "RegisterAction"
)

// Parser represents a parser block.
type Parser struct {
	Name   string
	Locals []*Variable
	States []*ParserState
}

// State returns a parser state by name.
func (p *Parser) State(name string) *ParserState {
	for _, state := range p.States {
		if state.Name == name {
			return state
		}
	}
	return nil
}

// Terminal parser state names.
const (
	StateStart  = "start"
	StateAccept = "accept"
	StateReject = "reject"
)

// ParserState represents a single state of a parser state machine.
type ParserState struct {
	NodeID     int
	Name       string
	Statements []Statement
	Transition *Transition
}

// ID returns the state id assigned by Program.Number().
func (s *ParserState) ID() int { return s.NodeID }

// Transition is either a direct jump to Next or a select expression.
type Transition struct {
	Next   string
	Select *SelectExpression
}

// SelectExpression represents "transition select(keys) { cases }".
type SelectExpression struct {
	Keys  []Expression
	Cases []*SelectCase
}

// SelectCase maps one keyset per select key to a next state.
type SelectCase struct {
	Keysets []*Keyset
	Next    string
}

// IsDefault returns true if every keyset in the case is a wildcard.
func (c *SelectCase) IsDefault() bool {
	for _, ks := range c.Keysets {
		if ks.Kind != KeysetDefault {
			return false
		}
	}
	return true
}

// KeysetKind describes how a keyset matches a value.
type KeysetKind int

const (
	KeysetValue = KeysetKind(iota)
	KeysetMask
	KeysetPrefix
	KeysetRange
	KeysetDefault
)

// Keyset represents a match on a single value in a select case or a
// constant table entry.
type Keyset struct {
	Kind      KeysetKind
	Value     uint64
	Mask      uint64
	PrefixLen int
	Low       uint64
	High      uint64
}

// String returns the keyset in source form.
func (ks *Keyset) String() string {
	switch ks.Kind {
	case KeysetMask:
		return fmt.Sprintf("%#x &&& %#x", ks.Value, ks.Mask)
	case KeysetPrefix:
		return fmt.Sprintf("%#x/%d", ks.Value, ks.PrefixLen)
	case KeysetRange:
		return fmt.Sprintf("%#x..%#x", ks.Low, ks.High)
	case KeysetDefault:
		return "default"
	default:
		return fmt.Sprintf("%#x", ks.Value)
	}
}

// Control represents a control block.
type Control struct {
	Name    string
	Locals  []*Variable
	Actions []*Action
	Tables  []*Table
	Body    []Statement
}

// Action returns a declared action by name.
func (c *Control) Action(name string) *Action {
	for _, a := range c.Actions {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Table returns a declared table by name.
func (c *Control) Table(name string) *Table {
	for _, t := range c.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Action represents an action declaration.
type Action struct {
	Name   string
	Params []*Param
	Body   []Statement
}

// Param is an action parameter. Directionless parameters are supplied by
// the control plane.
type Param struct {
	Name      string
	Type      Type
	Direction string
}

// Match kinds.
const (
	MatchExact          = "exact"
	MatchTernary        = "ternary"
	MatchLPM            = "lpm"
	MatchRange          = "range"
	MatchOptional       = "optional"
	MatchSelector       = "selector"
	MatchATCAMPartition = "atcam_partition_index"
)

// Table represents a match-action table.
type Table struct {
	Name           string
	Keys           []*KeyElement
	Actions        []string
	DefaultAction  *ActionRef
	Entries        []*Entry
	Immutable      bool
	Implementation string
	Size           int
}

// KeyElement is a single key field of a table.
type KeyElement struct {
	Expr      Expression
	MatchKind string
	Name      string
}

// FieldName returns the control-plane name of the key.
func (k *KeyElement) FieldName() string {
	if k.Name != "" {
		return k.Name
	}
	return strings.ReplaceAll(PathString(k.Expr), ".", "_")
}

// ActionRef is a reference to an action with optional constant arguments.
type ActionRef struct {
	Name string
	Args []Expression
}

// Entry is a compile-time constant table entry.
type Entry struct {
	Keysets  []*Keyset
	Action   *ActionRef
	Priority int
}

// Statement represents a coverable statement.
type Statement interface {
	Node
	ID() int
	setID(int)
	statement()
}

// Base holds the id assigned to a statement by Program.Number().
type Base struct {
	NodeID int
}

// ID returns the statement id.
func (b *Base) ID() int { return b.NodeID }

func (b *Base) setID(id int) { b.NodeID = id }

func (*AssignStatement) statement()     {}
func (*IfStatement) statement()         {}
func (*MethodCallStatement) statement() {}
func (*ApplyStatement) statement()      {}
func (*SwitchStatement) statement()     {}
func (*ReturnStatement) statement()     {}
func (*ExitStatement) statement()       {}

// AssignStatement represents "Left = Right".
type AssignStatement struct {
	Base
	Left  Expression
	Right Expression
}

// IfStatement represents a two-way conditional.
type IfStatement struct {
	Base
	Cond Expression
	Then []Statement
	Else []Statement
}

// MethodCallStatement represents a call whose result is discarded.
type MethodCallStatement struct {
	Base
	Call *MethodCall
}

// ApplyStatement applies a table.
type ApplyStatement struct {
	Base
	Table string
}

// SwitchStatement dispatches on the action run by the last application of Table.
type SwitchStatement struct {
	Base
	Table string
	Cases []*SwitchCase
}

// SwitchCase is a single labeled case. An empty body falls through to the
// next case.
type SwitchCase struct {
	Label string
	Body  []Statement
}

// ReturnStatement returns from the enclosing action or control.
type ReturnStatement struct {
	Base
}

// ExitStatement terminates the enclosing control.
type ExitStatement struct {
	Base
}

// StatementString returns a short single-line description of stmt.
func StatementString(stmt Statement) string {
	switch stmt := stmt.(type) {
	case *AssignStatement:
		return fmt.Sprintf("%s = %s", stmt.Left, stmt.Right)
	case *IfStatement:
		return fmt.Sprintf("if (%s)", stmt.Cond)
	case *MethodCallStatement:
		return stmt.Call.String()
	case *ApplyStatement:
		return stmt.Table + ".apply()"
	case *SwitchStatement:
		return fmt.Sprintf("switch (%s.apply().action_run)", stmt.Table)
	case *ReturnStatement:
		return "return"
	case *ExitStatement:
		return "exit"
	default:
		return fmt.Sprintf("%T", stmt)
	}
}
