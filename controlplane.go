package p4testgen

import (
	"fmt"

	"github.com/benbjohnson/p4testgen/ir"
)

// Test object categories.
const (
	CategoryTableConfig    = "tableconfig"
	CategoryActionProfile  = "action_profile"
	CategoryActionSelector = "action_selector"
	CategoryRegister       = "register"
)

// Table config property names.
const (
	TablePropertyActionProfile  = "action_profile"
	TablePropertyActionSelector = "action_selector"
)

// ActionArg binds an action parameter to a symbolic value.
type ActionArg struct {
	Param string
	Value Expr
}

// ActionCall is an action invocation chosen by the control plane.
type ActionCall struct {
	Name   string
	Action *ir.Action
	Args   []ActionArg
}

// Values returns the argument values in parameter order.
func (c *ActionCall) Values() []Expr {
	a := make([]Expr, len(c.Args))
	for i, arg := range c.Args {
		a[i] = arg.Value
	}
	return a
}

// Match represents the match of a single key field of a table rule.
type Match interface {
	MatchKind() string
}

func (*ExactMatch) MatchKind() string    { return ir.MatchExact }
func (*TernaryMatch) MatchKind() string  { return ir.MatchTernary }
func (*LPMMatch) MatchKind() string      { return ir.MatchLPM }
func (*RangeMatch) MatchKind() string    { return ir.MatchRange }
func (*OptionalMatch) MatchKind() string { return ir.MatchOptional }

// ExactMatch matches a key equal to Value.
type ExactMatch struct {
	Value Expr
}

// TernaryMatch matches a key whose masked bits equal the masked Value.
type TernaryMatch struct {
	Value Expr
	Mask  Expr
}

// LPMMatch matches a key whose top PrefixLen bits equal those of Value.
type LPMMatch struct {
	Value     Expr
	PrefixLen Expr
}

// RangeMatch matches a key in [Min, Max].
type RangeMatch struct {
	Min Expr
	Max Expr
}

// OptionalMatch matches a key equal to Value.
type OptionalMatch struct {
	Value Expr
}

// FieldMatch binds a match to a key field name.
type FieldMatch struct {
	Field string
	Width uint
	Match Match
}

// TableRule is a single table entry assumed by a path.
type TableRule struct {
	Matches      []FieldMatch
	Priority     int
	Action       *ActionCall
	TTL          uint64
	ProfileIndex int // member index for profile-backed tables, otherwise -1
}

// TableConfig holds the rules assumed for a table along a path.
type TableConfig struct {
	Table      string
	Rules      []*TableRule
	Properties map[string]string
}

// TestObjectCategory returns the test object category.
func (*TableConfig) TestObjectCategory() string { return CategoryTableConfig }

// Clone returns a copy of the config that can be extended independently.
func (c *TableConfig) Clone() *TableConfig {
	other := &TableConfig{
		Table:      c.Table,
		Rules:      clip(c.Rules),
		Properties: make(map[string]string, len(c.Properties)),
	}
	for k, v := range c.Properties {
		other.Properties[k] = v
	}
	return other
}

// AddRule appends a rule to the config.
func (c *TableConfig) AddRule(rule *TableRule) {
	c.Rules = append(c.Rules, rule)
}

// ActionProfile is a shared, indexed pool of actions.
type ActionProfile struct {
	Name    string
	Actions []*ActionCall
}

// TestObjectCategory returns the test object category.
func (*ActionProfile) TestObjectCategory() string { return CategoryActionProfile }

// Clone returns a copy of the profile. Existing members keep their indexes.
func (p *ActionProfile) Clone() *ActionProfile {
	return &ActionProfile{Name: p.Name, Actions: clip(p.Actions)}
}

// AddAction appends a member and returns its index.
func (p *ActionProfile) AddAction(call *ActionCall) int {
	p.Actions = append(p.Actions, call)
	return len(p.Actions) - 1
}

// ActionSelector selects a member of a profile by hashing selector keys.
// The hash itself is not modeled.
type ActionSelector struct {
	Name         string
	Profile      string
	SelectorKeys []Expr
}

// TestObjectCategory returns the test object category.
func (*ActionSelector) TestObjectCategory() string { return CategoryActionSelector }

// RegisterValue records the initial value of a register cell.
type RegisterValue struct {
	Register string
	Index    uint64
	Value    *VarExpr
}

// TestObjectCategory returns the test object category.
func (*RegisterValue) TestObjectCategory() string { return CategoryRegister }

// ControlPlane is the concrete control-plane configuration of a test.
type ControlPlane struct {
	Tables    []*TableEntries   `yaml:"tables,omitempty"`
	Profiles  []*ProfileMembers `yaml:"action_profiles,omitempty"`
	Selectors []*SelectorGroup  `yaml:"action_selectors,omitempty"`
	Registers []*RegisterCell   `yaml:"registers,omitempty"`
}

// TableEntries holds the concrete entries of a table.
type TableEntries struct {
	Table      string            `yaml:"table"`
	Entries    []*TableEntry     `yaml:"entries"`
	Properties map[string]string `yaml:"properties,omitempty"`
}

// TableEntry is a concrete table entry.
type TableEntry struct {
	Matches  []*KeyMatch     `yaml:"matches,omitempty"`
	Priority int             `yaml:"priority,omitempty"`
	Action   *ConcreteAction `yaml:"action,omitempty"`
	Member   *int            `yaml:"member,omitempty"`
	TTL      uint64          `yaml:"ttl,omitempty"`
}

// KeyMatch is the concrete match of a key field. Only the fields relevant
// to the match kind are set.
type KeyMatch struct {
	Field     string `yaml:"field"`
	Kind      string `yaml:"kind"`
	Width     uint   `yaml:"width"`
	Value     uint64 `yaml:"value"`
	Mask      uint64 `yaml:"mask,omitempty"`
	PrefixLen uint64 `yaml:"prefix_len,omitempty"`
	High      uint64 `yaml:"high,omitempty"`
}

// ConcreteAction is an action with concrete arguments.
type ConcreteAction struct {
	Name string         `yaml:"name"`
	Args []*ConcreteArg `yaml:"args,omitempty"`
}

// ConcreteArg is a concrete action argument.
type ConcreteArg struct {
	Param string `yaml:"param"`
	Width uint   `yaml:"width"`
	Value uint64 `yaml:"value"`
}

// ProfileMembers lists the concrete members of an action profile.
type ProfileMembers struct {
	Profile string            `yaml:"profile"`
	Actions []*ConcreteAction `yaml:"actions"`
}

// SelectorGroup binds an action selector to its profile.
type SelectorGroup struct {
	Selector string `yaml:"selector"`
	Profile  string `yaml:"profile"`
	Members  []int  `yaml:"members"`
}

// RegisterCell is the initial value of a register cell.
type RegisterCell struct {
	Register string `yaml:"register"`
	Index    uint64 `yaml:"index"`
	Width    uint   `yaml:"width"`
	Value    uint64 `yaml:"value"`
}

// SynthesizeControlPlane converts the control-plane objects of a state into
// concrete values using the evaluator's model.
func SynthesizeControlPlane(state *ExecutionState, ee *ExprEvaluator) (*ControlPlane, error) {
	var cp ControlPlane

	for _, obj := range state.TestObjects(CategoryTableConfig) {
		cfg := obj.(*TableConfig)
		t := &TableEntries{Table: cfg.Table, Properties: cfg.Properties}
		for _, rule := range cfg.Rules {
			entry, err := synthesizeRule(rule, ee)
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", cfg.Table, err)
			}
			t.Entries = append(t.Entries, entry)
		}
		cp.Tables = append(cp.Tables, t)
	}

	for _, obj := range state.TestObjects(CategoryActionProfile) {
		prof := obj.(*ActionProfile)
		p := &ProfileMembers{Profile: prof.Name}
		for _, call := range prof.Actions {
			action, err := synthesizeAction(call, ee)
			if err != nil {
				return nil, fmt.Errorf("action profile %s: %w", prof.Name, err)
			}
			p.Actions = append(p.Actions, action)
		}
		cp.Profiles = append(cp.Profiles, p)
	}

	for _, obj := range state.TestObjects(CategoryActionSelector) {
		sel := obj.(*ActionSelector)
		g := &SelectorGroup{Selector: sel.Name, Profile: sel.Profile}
		if prof, ok := state.GetTestObject(CategoryActionProfile, sel.Profile, false).(*ActionProfile); ok {
			for i := range prof.Actions {
				g.Members = append(g.Members, i)
			}
		}
		cp.Selectors = append(cp.Selectors, g)
	}

	for _, obj := range state.TestObjects(CategoryRegister) {
		reg := obj.(*RegisterValue)
		v, err := ee.Evaluate(reg.Value)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", reg.Register, err)
		}
		cp.Registers = append(cp.Registers, &RegisterCell{
			Register: reg.Register,
			Index:    reg.Index,
			Width:    reg.Value.Width,
			Value:    v.Value,
		})
	}

	return &cp, nil
}

func synthesizeRule(rule *TableRule, ee *ExprEvaluator) (*TableEntry, error) {
	entry := &TableEntry{Priority: rule.Priority, TTL: rule.TTL}
	for _, fm := range rule.Matches {
		m, err := synthesizeMatch(fm, ee)
		if err != nil {
			return nil, err
		}
		entry.Matches = append(entry.Matches, m)
	}

	if rule.ProfileIndex >= 0 {
		index := rule.ProfileIndex
		entry.Member = &index
		return entry, nil
	}

	action, err := synthesizeAction(rule.Action, ee)
	if err != nil {
		return nil, err
	}
	entry.Action = action
	return entry, nil
}

func synthesizeMatch(fm FieldMatch, ee *ExprEvaluator) (*KeyMatch, error) {
	km := &KeyMatch{Field: fm.Field, Kind: fm.Match.MatchKind(), Width: fm.Width}

	eval := func(expr Expr) (uint64, error) {
		v, err := ee.Evaluate(expr)
		if err != nil {
			return 0, fmt.Errorf("key %s: %w", fm.Field, err)
		}
		return v.Value, nil
	}

	var err error
	switch m := fm.Match.(type) {
	case *ExactMatch:
		km.Value, err = eval(m.Value)
	case *OptionalMatch:
		km.Value, err = eval(m.Value)
	case *TernaryMatch:
		if km.Mask, err = eval(m.Mask); err != nil {
			return nil, err
		}
		km.Value, err = eval(m.Value)
		km.Value &= km.Mask
	case *LPMMatch:
		if km.PrefixLen, err = eval(m.PrefixLen); err != nil {
			return nil, err
		}
		km.Value, err = eval(m.Value)
		km.Value &= prefixMask(uint(km.PrefixLen), fm.Width).Value
	case *RangeMatch:
		if km.Value, err = eval(m.Min); err != nil {
			return nil, err
		}
		km.High, err = eval(m.Max)
	default:
		return nil, bugf("unexpected match: %T", m)
	}
	if err != nil {
		return nil, err
	}
	return km, nil
}

func synthesizeAction(call *ActionCall, ee *ExprEvaluator) (*ConcreteAction, error) {
	action := &ConcreteAction{Name: call.Name}
	for _, arg := range call.Args {
		v, err := ee.Evaluate(arg.Value)
		if err != nil {
			return nil, fmt.Errorf("action %s: param %s: %w", call.Name, arg.Param, err)
		}
		action.Args = append(action.Args, &ConcreteArg{Param: arg.Param, Width: ExprWidth(arg.Value), Value: v.Value})
	}
	return action, nil
}
