package ir

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NoAction is implicitly declared in every control that references it.
const NoAction = "NoAction"

type programYAML struct {
	Name     string        `yaml:"name"`
	Arch     string        `yaml:"arch"`
	Headers  []typeYAML    `yaml:"headers"`
	Structs  []typeYAML    `yaml:"structs"`
	Globals  []varYAML     `yaml:"globals"`
	Externs  []externYAML  `yaml:"externs"`
	Parsers  []parserYAML  `yaml:"parsers"`
	Controls []controlYAML `yaml:"controls"`
	Pipeline []string      `yaml:"pipeline"`
}

type typeYAML struct {
	Name   string    `yaml:"name"`
	Fields []varYAML `yaml:"fields"`
}

type varYAML struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Direction string `yaml:"direction"`
}

type externYAML struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	TypeArgs  []string `yaml:"type_args"`
	Size      int      `yaml:"size"`
	Algorithm string   `yaml:"algorithm"`
	Profile   string   `yaml:"profile"`
	Register  string   `yaml:"register"`
}

type parserYAML struct {
	Name   string      `yaml:"name"`
	Locals []varYAML   `yaml:"locals"`
	States []stateYAML `yaml:"states"`
}

type stateYAML struct {
	Name       string      `yaml:"name"`
	Statements yaml.Node   `yaml:"statements"`
	Transition string      `yaml:"transition"`
	Select     *selectYAML `yaml:"select"`
}

type selectYAML struct {
	Keys  []string   `yaml:"keys"`
	Cases []caseYAML `yaml:"cases"`
}

type caseYAML struct {
	Keysets []string `yaml:"keysets"`
	Next    string   `yaml:"next"`
}

type controlYAML struct {
	Name    string       `yaml:"name"`
	Locals  []varYAML    `yaml:"locals"`
	Actions []actionYAML `yaml:"actions"`
	Tables  []tableYAML  `yaml:"tables"`
	Body    yaml.Node    `yaml:"body"`
}

type actionYAML struct {
	Name   string    `yaml:"name"`
	Params []varYAML `yaml:"params"`
	Body   yaml.Node `yaml:"body"`
}

type tableYAML struct {
	Name           string      `yaml:"name"`
	Keys           []keyYAML   `yaml:"keys"`
	Actions        []string    `yaml:"actions"`
	DefaultAction  string      `yaml:"default_action"`
	Entries        []entryYAML `yaml:"entries"`
	Const          bool        `yaml:"const"`
	Implementation string      `yaml:"implementation"`
	Size           int         `yaml:"size"`
}

type keyYAML struct {
	Expr  string `yaml:"expr"`
	Match string `yaml:"match"`
	Name  string `yaml:"name"`
}

type entryYAML struct {
	Keysets  []string `yaml:"keysets"`
	Action   string   `yaml:"action"`
	Priority int      `yaml:"priority"`
}

// LoadFile reads a program from a YAML file.
func LoadFile(filename string) (*Program, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Load reads a program from YAML. The returned program is validated and numbered.
func Load(r io.Reader) (*Program, error) {
	var doc programYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode program: %w", err)
	}

	l := &loader{prog: &Program{Name: doc.Name, Arch: doc.Arch, Pipeline: doc.Pipeline}}
	if err := l.load(&doc); err != nil {
		return nil, err
	}
	if err := Validate(l.prog); err != nil {
		return nil, err
	}
	l.prog.Number()
	return l.prog, nil
}

// Unmarshal reads a program from a YAML document in memory.
func Unmarshal(data []byte) (*Program, error) {
	return Load(bytes.NewReader(data))
}

type loader struct {
	prog *Program
}

func (l *loader) load(doc *programYAML) (err error) {
	// Declare all named types first so fields may refer to any of them.
	for _, t := range doc.Headers {
		l.prog.Headers = append(l.prog.Headers, &HeaderType{Name: t.Name})
	}
	for _, t := range doc.Structs {
		l.prog.Structs = append(l.prog.Structs, &StructType{Name: t.Name})
	}
	for i, t := range doc.Headers {
		if l.prog.Headers[i].Fields, err = l.fields(t.Fields); err != nil {
			return fmt.Errorf("header %s: %w", t.Name, err)
		}
	}
	for i, t := range doc.Structs {
		if l.prog.Structs[i].Fields, err = l.fields(t.Fields); err != nil {
			return fmt.Errorf("struct %s: %w", t.Name, err)
		}
	}

	if l.prog.Globals, err = l.variables(doc.Globals); err != nil {
		return fmt.Errorf("globals: %w", err)
	}

	for _, e := range doc.Externs {
		ext := &ExternInstance{Name: e.Name, Type: e.Type, Size: e.Size, Algorithm: e.Algorithm, Profile: e.Profile, Register: e.Register}
		for _, s := range e.TypeArgs {
			t, err := l.typ(s)
			if err != nil {
				return fmt.Errorf("extern %s: %w", e.Name, err)
			}
			ext.TypeArgs = append(ext.TypeArgs, t)
		}
		l.prog.Externs = append(l.prog.Externs, ext)
	}

	for i := range doc.Parsers {
		parser, err := l.parser(&doc.Parsers[i])
		if err != nil {
			return fmt.Errorf("parser %s: %w", doc.Parsers[i].Name, err)
		}
		l.prog.Parsers = append(l.prog.Parsers, parser)
	}

	for i := range doc.Controls {
		ctrl, err := l.control(&doc.Controls[i])
		if err != nil {
			return fmt.Errorf("control %s: %w", doc.Controls[i].Name, err)
		}
		l.prog.Controls = append(l.prog.Controls, ctrl)
	}
	return nil
}

func (l *loader) typ(s string) (Type, error) {
	s = strings.TrimSpace(s)
	if t := l.prog.LookupType(s); t != nil {
		return t, nil
	}
	return ParseScalarType(s)
}

func (l *loader) fields(a []varYAML) ([]*Field, error) {
	fields := make([]*Field, 0, len(a))
	for _, f := range a {
		t, err := l.typ(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		fields = append(fields, &Field{Name: f.Name, Type: t})
	}
	return fields, nil
}

func (l *loader) variables(a []varYAML) ([]*Variable, error) {
	vars := make([]*Variable, 0, len(a))
	for _, v := range a {
		t, err := l.typ(v.Type)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", v.Name, err)
		}
		vars = append(vars, &Variable{Name: v.Name, Type: t})
	}
	return vars, nil
}

func (l *loader) parser(doc *parserYAML) (_ *Parser, err error) {
	parser := &Parser{Name: doc.Name}
	if parser.Locals, err = l.variables(doc.Locals); err != nil {
		return nil, err
	}

	for i := range doc.States {
		s := &doc.States[i]
		state := &ParserState{Name: s.Name, Transition: &Transition{Next: s.Transition}}
		if state.Statements, err = l.statements(&s.Statements); err != nil {
			return nil, fmt.Errorf("state %s: %w", s.Name, err)
		}

		if s.Select != nil {
			if state.Transition.Select, err = l.selectExpr(s.Select); err != nil {
				return nil, fmt.Errorf("state %s: %w", s.Name, err)
			}
		} else if s.Transition == "" {
			return nil, fmt.Errorf("state %s: transition required", s.Name)
		}
		parser.States = append(parser.States, state)
	}
	return parser, nil
}

func (l *loader) selectExpr(doc *selectYAML) (*SelectExpression, error) {
	sel := &SelectExpression{}
	for _, s := range doc.Keys {
		key, err := ParseExpression(s)
		if err != nil {
			return nil, err
		}
		sel.Keys = append(sel.Keys, key)
	}

	for _, c := range doc.Cases {
		if len(c.Keysets) != len(sel.Keys) {
			return nil, fmt.Errorf("select case %q: expected %d keysets, got %d", c.Next, len(sel.Keys), len(c.Keysets))
		}
		sc := &SelectCase{Next: c.Next}
		for _, s := range c.Keysets {
			ks, err := ParseKeyset(s)
			if err != nil {
				return nil, err
			}
			sc.Keysets = append(sc.Keysets, ks)
		}
		sel.Cases = append(sel.Cases, sc)
	}
	return sel, nil
}

func (l *loader) control(doc *controlYAML) (_ *Control, err error) {
	ctrl := &Control{Name: doc.Name}
	if ctrl.Locals, err = l.variables(doc.Locals); err != nil {
		return nil, err
	}

	for i := range doc.Actions {
		a := &doc.Actions[i]
		action := &Action{Name: a.Name}
		for _, p := range a.Params {
			t, err := l.typ(p.Type)
			if err != nil {
				return nil, fmt.Errorf("action %s: param %s: %w", a.Name, p.Name, err)
			}
			action.Params = append(action.Params, &Param{Name: p.Name, Type: t, Direction: p.Direction})
		}
		if action.Body, err = l.statements(&a.Body); err != nil {
			return nil, fmt.Errorf("action %s: %w", a.Name, err)
		}
		ctrl.Actions = append(ctrl.Actions, action)
	}

	for i := range doc.Tables {
		tbl, err := l.table(&doc.Tables[i])
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", doc.Tables[i].Name, err)
		}
		ctrl.Tables = append(ctrl.Tables, tbl)
	}

	// Declare NoAction if a table references it without a declaration.
	if ctrl.Action(NoAction) == nil {
		for _, tbl := range ctrl.Tables {
			if tableReferences(tbl, NoAction) {
				ctrl.Actions = append(ctrl.Actions, &Action{Name: NoAction})
				break
			}
		}
	}

	if ctrl.Body, err = l.statements(&doc.Body); err != nil {
		return nil, err
	}
	return ctrl, nil
}

func tableReferences(tbl *Table, action string) bool {
	if tbl.DefaultAction != nil && tbl.DefaultAction.Name == action {
		return true
	}
	for _, name := range tbl.Actions {
		if name == action {
			return true
		}
	}
	return false
}

func (l *loader) table(doc *tableYAML) (_ *Table, err error) {
	tbl := &Table{
		Name:           doc.Name,
		Actions:        doc.Actions,
		Immutable:      doc.Const,
		Implementation: doc.Implementation,
		Size:           doc.Size,
	}

	for _, k := range doc.Keys {
		expr, err := ParseExpression(k.Expr)
		if err != nil {
			return nil, err
		}
		tbl.Keys = append(tbl.Keys, &KeyElement{Expr: expr, MatchKind: k.Match, Name: k.Name})
	}

	defaultAction := doc.DefaultAction
	if defaultAction == "" {
		defaultAction = NoAction
	}
	if tbl.DefaultAction, err = parseActionRef(defaultAction); err != nil {
		return nil, fmt.Errorf("default action: %w", err)
	}

	for _, e := range doc.Entries {
		if len(e.Keysets) != len(tbl.Keys) {
			return nil, fmt.Errorf("entry %q: expected %d keysets, got %d", e.Action, len(tbl.Keys), len(e.Keysets))
		}
		entry := &Entry{Priority: e.Priority}
		for _, s := range e.Keysets {
			ks, err := ParseKeyset(s)
			if err != nil {
				return nil, err
			}
			entry.Keysets = append(entry.Keysets, ks)
		}
		if entry.Action, err = parseActionRef(e.Action); err != nil {
			return nil, err
		}
		tbl.Entries = append(tbl.Entries, entry)
	}
	return tbl, nil
}

// parseActionRef parses "a" or "a(1, 2)".
func parseActionRef(s string) (*ActionRef, error) {
	expr, err := ParseExpression(s)
	if err != nil {
		return nil, err
	}
	switch expr := expr.(type) {
	case *PathExpr:
		return &ActionRef{Name: expr.Name}, nil
	case *MethodCall:
		if expr.Receiver == nil && expr.ArgNames == nil {
			return &ActionRef{Name: expr.Method, Args: expr.Args}, nil
		}
	}
	return nil, fmt.Errorf("invalid action reference %q", s)
}

func (l *loader) statements(node *yaml.Node) ([]Statement, error) {
	if node.Kind == 0 {
		return nil, nil
	} else if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: statement list expected", node.Line)
	}

	stmts := make([]Statement, 0, len(node.Content))
	for _, n := range node.Content {
		stmt, err := l.statement(n)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}

func (l *loader) statement(node *yaml.Node) (Statement, error) {
	if node.Kind == yaml.ScalarNode {
		switch node.Value {
		case "return":
			return &ReturnStatement{}, nil
		case "exit":
			return &ExitStatement{}, nil
		}
		return nil, fmt.Errorf("unknown statement %q", node.Value)
	} else if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return nil, errors.New("statement must be a single-key mapping")
	}

	key, value := node.Content[0].Value, node.Content[1]
	switch key {
	case "assign":
		lhs, rhs, ok := strings.Cut(value.Value, " = ")
		if !ok {
			return nil, fmt.Errorf("invalid assignment %q", value.Value)
		}
		left, err := ParseExpression(lhs)
		if err != nil {
			return nil, err
		}
		right, err := ParseExpression(rhs)
		if err != nil {
			return nil, err
		}
		return &AssignStatement{Left: left, Right: right}, nil

	case "call":
		expr, err := ParseExpression(value.Value)
		if err != nil {
			return nil, err
		}
		call, ok := expr.(*MethodCall)
		if !ok {
			return nil, fmt.Errorf("method call expected: %q", value.Value)
		}
		return &MethodCallStatement{Call: call}, nil

	case "apply":
		return &ApplyStatement{Table: value.Value}, nil

	case "if":
		var doc struct {
			Cond string    `yaml:"cond"`
			Then yaml.Node `yaml:"then"`
			Else yaml.Node `yaml:"else"`
		}
		if err := value.Decode(&doc); err != nil {
			return nil, err
		}
		cond, err := ParseExpression(doc.Cond)
		if err != nil {
			return nil, err
		}
		stmt := &IfStatement{Cond: cond}
		if stmt.Then, err = l.statements(&doc.Then); err != nil {
			return nil, err
		}
		if stmt.Else, err = l.statements(&doc.Else); err != nil {
			return nil, err
		}
		return stmt, nil

	case "switch":
		var doc struct {
			Table string `yaml:"table"`
			Cases []struct {
				Label string    `yaml:"label"`
				Body  yaml.Node `yaml:"body"`
			} `yaml:"cases"`
		}
		if err := value.Decode(&doc); err != nil {
			return nil, err
		}
		stmt := &SwitchStatement{Table: doc.Table}
		for i := range doc.Cases {
			body, err := l.statements(&doc.Cases[i].Body)
			if err != nil {
				return nil, err
			}
			stmt.Cases = append(stmt.Cases, &SwitchCase{Label: doc.Cases[i].Label, Body: body})
		}
		return stmt, nil

	default:
		return nil, fmt.Errorf("unknown statement %q", key)
	}
}

// Validate checks cross references between declarations.
func Validate(p *Program) error {
	if len(p.Pipeline) == 0 {
		return errors.New("pipeline required")
	}
	for _, name := range p.Pipeline {
		if p.Block(name) == nil {
			return fmt.Errorf("pipeline block not found: %q", name)
		}
	}

	for _, parser := range p.Parsers {
		if parser.State(StateStart) == nil {
			return fmt.Errorf("parser %s: start state not found", parser.Name)
		}
		for _, state := range parser.States {
			for _, next := range transitionTargets(state.Transition) {
				if next != StateAccept && next != StateReject && parser.State(next) == nil {
					return fmt.Errorf("parser %s: state %s: transition to unknown state %q", parser.Name, state.Name, next)
				}
			}
		}
	}

	for _, ctrl := range p.Controls {
		for _, tbl := range ctrl.Tables {
			for _, name := range tbl.Actions {
				if ctrl.Action(name) == nil {
					return fmt.Errorf("control %s: table %s: action not found: %q", ctrl.Name, tbl.Name, name)
				}
			}
			if ctrl.Action(tbl.DefaultAction.Name) == nil {
				return fmt.Errorf("control %s: table %s: default action not found: %q", ctrl.Name, tbl.Name, tbl.DefaultAction.Name)
			}
			if tbl.Implementation != "" && p.Extern(tbl.Implementation) == nil {
				return fmt.Errorf("control %s: table %s: implementation not found: %q", ctrl.Name, tbl.Name, tbl.Implementation)
			}
		}
	}
	return nil
}

func transitionTargets(t *Transition) []string {
	if t.Select == nil {
		return []string{t.Next}
	}
	a := make([]string, 0, len(t.Select.Cases))
	for _, c := range t.Select.Cases {
		a = append(a, c.Next)
	}
	return a
}
