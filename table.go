package p4testgen

import (
	"log"

	"github.com/benbjohnson/p4testgen/ir"
)

// TableImplementation describes how the entries of a table are provided.
type TableImplementation int

const (
	TableStandard = TableImplementation(iota) // entries programmed directly
	TableProfile                              // entries reference action profile members
	TableSelector                             // profile members picked by an action selector
	TableConstant                             // entries fixed at compile time
	TableSkip                                 // only the default action runs
)

// String returns the name of the implementation kind.
func (impl TableImplementation) String() string {
	switch impl {
	case TableStandard:
		return "standard"
	case TableProfile:
		return "profile"
	case TableSelector:
		return "selector"
	case TableConstant:
		return "constant"
	case TableSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// TableStepper resolves a single application of a table into one branch
// per action plus a miss branch.
type TableStepper struct {
	stepper *Stepper
	state   *ExecutionState
	ctrl    *ir.Control
	table   *ir.Table

	keys         []tableKey
	selectorKeys []Expr

	impl     TableImplementation
	profile  *ir.ExternInstance
	selector *ir.ExternInstance

	// Set once the first tainted key is found. Never reset.
	tainted bool
}

type tableKey struct {
	elem    *ir.KeyElement
	value   Expr
	tainted bool
}

// NewTableStepper returns a stepper for applying table in state.
func NewTableStepper(s *Stepper, state *ExecutionState, ctrl *ir.Control, table *ir.Table) *TableStepper {
	return &TableStepper{
		stepper: s,
		state:   state,
		ctrl:    ctrl,
		table:   table,
	}
}

// Tainted returns true if a key prevents control-plane synthesis.
func (ts *TableStepper) Tainted() bool { return ts.tainted }

// Implementation returns the implementation kind chosen for the table.
func (ts *TableStepper) Implementation() TableImplementation { return ts.impl }

// SelectorKeys returns the values of the selector keys.
func (ts *TableStepper) SelectorKeys() []Expr { return ts.selectorKeys }

func (s *Stepper) stepTable(next *ExecutionState, name string) ([]Branch, error) {
	ctrl, table := s.lookupTable(next, name)
	if table == nil {
		return nil, bugf("table not found: %s", name)
	}
	log.Printf("[table] apply %s", table.Name)

	ts := NewTableStepper(s, next, ctrl, table)
	if err := ts.CheckTargetProperties(); err != nil {
		return nil, err
	}
	return ts.Eval()
}

// CheckTargetProperties evaluates the keys of the table and determines its
// implementation kind.
func (ts *TableStepper) CheckTargetProperties() error {
	s, table := ts.stepper, ts.table

	for _, elem := range table.Keys {
		value, err := s.Eval(ts.state, elem.Expr, 0)
		if err != nil {
			return err
		}
		key := tableKey{elem: elem, value: value, tainted: HasTaint(value)}

		switch elem.MatchKind {
		case ir.MatchSelector:
			ts.selectorKeys = append(ts.selectorKeys, value)
			continue
		case ir.MatchATCAMPartition:
			s.Warnf(ts.state, "table %s: match kind %s is not modeled", table.Name, elem.MatchKind)
			continue
		case ir.MatchExact, ir.MatchTernary, ir.MatchLPM:
			if key.tainted && !table.Immutable && !ts.tainted {
				ts.tainted = true
				s.Warnf(ts.state, "table %s: key %s is tainted", table.Name, elem.FieldName())
			}
		case ir.MatchRange, ir.MatchOptional:
		default:
			return unimplementedf("table %s: match kind %s", table.Name, elem.MatchKind)
		}
		ts.keys = append(ts.keys, key)

		if ts.tainted {
			break
		}
	}

	switch {
	case table.Immutable:
		ts.impl = TableConstant
	case table.Implementation != "":
		inst := s.prog.Extern(table.Implementation)
		if inst == nil {
			return bugf("table %s: implementation not found: %s", table.Name, table.Implementation)
		}
		switch inst.Type {
		case ir.ExternActionProfile:
			ts.impl, ts.profile = TableProfile, inst
		case ir.ExternActionSelector:
			if !s.target.SupportsActionSelector() {
				s.Warnf(ts.state, "table %s: action selectors are not supported by %s, using default action", table.Name, s.target.Arch())
				ts.impl = TableSkip
				break
			}
			ts.impl, ts.selector, ts.profile = TableSelector, inst, inst
			if inst.Profile != "" {
				if ts.profile = s.prog.Extern(inst.Profile); ts.profile == nil {
					return bugf("action selector %s: profile not found: %s", inst.Name, inst.Profile)
				}
			}
		default:
			return bugf("table %s: invalid implementation type %s", table.Name, inst.Type)
		}
	default:
		ts.impl = TableStandard
	}
	return nil
}

// Eval returns the branches of the table application.
func (ts *TableStepper) Eval() ([]Branch, error) {
	switch {
	case ts.impl == TableConstant:
		return ts.evalConstEntries()
	case ts.impl == TableSkip:
		return ts.defaultBranches(nil)
	case ts.tainted:
		ts.stepper.Warnf(ts.state, "table %s is tainted, using default action", ts.table.Name)
		return ts.defaultBranches(nil)
	case len(ts.table.Keys) == 0:
		return ts.defaultBranches(nil)
	default:
		return ts.evalActions()
	}
}

// matches returns the hit condition and the rule matches of the table.
func (ts *TableStepper) matches() (Expr, []FieldMatch) {
	var conds []Expr
	var matches []FieldMatch
	for _, key := range ts.keys {
		name, field := ts.table.Name, key.elem.FieldName()
		w := ExprWidth(key.value)

		switch key.elem.MatchKind {
		case ir.MatchExact:
			ctrl := NewControlVar(RoleKey, TableKeyName(name, field), w)
			conds = append(conds, NewBinaryExpr(EQ, key.value, ctrl))
			matches = append(matches, FieldMatch{Field: field, Width: w, Match: &ExactMatch{Value: ctrl}})

		case ir.MatchTernary:
			ctrl := NewControlVar(RoleKey, TableKeyName(name, field), w)
			mask := NewControlVar(RoleMask, TableMaskName(name, field), w)
			conds = append(conds, NewBinaryExpr(EQ,
				NewBinaryExpr(AND, key.value, mask),
				NewBinaryExpr(AND, ctrl, mask),
			))
			matches = append(matches, FieldMatch{Field: field, Width: w, Match: &TernaryMatch{Value: ctrl, Mask: mask}})

		case ir.MatchLPM:
			ctrl := NewControlVar(RoleKey, TableKeyName(name, field), w)
			prefix := NewControlVar(RoleLPMPrefix, TableLPMPrefixName(name, field), w)
			shift := NewBinaryExpr(SUB, NewConstantExpr(uint64(w), w), prefix)
			conds = append(conds,
				NewBinaryExpr(ULE, prefix, NewConstantExpr(uint64(w), w)),
				NewBinaryExpr(EQ, NewBinaryExpr(LSHR, key.value, shift), NewBinaryExpr(LSHR, ctrl, shift)),
			)
			matches = append(matches, FieldMatch{Field: field, Width: w, Match: &LPMMatch{Value: ctrl, PrefixLen: prefix}})

		case ir.MatchRange:
			if key.tainted {
				matches = append(matches, FieldMatch{Field: field, Width: w, Match: &RangeMatch{
					Min: NewConstantExpr(0, w),
					Max: NewConstantExpr(bitmask(w), w),
				}})
				continue
			}
			lo := NewControlVar(RoleRangeMin, TableRangeMinName(name, field), w)
			hi := NewControlVar(RoleRangeMax, TableRangeMaxName(name, field), w)
			conds = append(conds,
				NewBinaryExpr(ULT, lo, hi),
				NewBinaryExpr(ULE, lo, key.value),
				NewBinaryExpr(ULE, key.value, hi),
			)
			matches = append(matches, FieldMatch{Field: field, Width: w, Match: &RangeMatch{Min: lo, Max: hi}})

		case ir.MatchOptional:
			if key.tainted {
				continue
			}
			ctrl := NewControlVar(RoleKey, TableKeyName(name, field), w)
			conds = append(conds, NewBinaryExpr(EQ, key.value, ctrl))
			matches = append(matches, FieldMatch{Field: field, Width: w, Match: &OptionalMatch{Value: ctrl}})
		}
	}
	return NewConjunctionExpr(conds...), matches
}

// needsPriority returns true if entries of the table may overlap.
func (ts *TableStepper) needsPriority() bool {
	for _, key := range ts.keys {
		switch key.elem.MatchKind {
		case ir.MatchTernary, ir.MatchRange, ir.MatchOptional:
			return true
		}
	}
	return false
}

// evalActions returns one branch per table action plus the miss branch.
func (ts *TableStepper) evalActions() ([]Branch, error) {
	hit, matches := ts.matches()
	choice := NewControlVar(RoleAction, TableActionName(ts.table.Name), Width32)

	var branches []Branch
	var guards []Expr
	for _, name := range ts.table.Actions {
		action := ts.ctrl.Action(name)
		if action == nil {
			return nil, bugf("table %s: action not found: %s", ts.table.Name, name)
		}

		next := ts.state.Clone()
		call := &ActionCall{Name: name, Action: action}
		for _, p := range action.Params {
			v := NewControlVar(RoleActionArg, TableActionArgName(ts.table.Name, name, p.Name), uint(ir.Width(p.Type)))
			call.Args = append(call.Args, ActionArg{Param: p.Name, Value: v})
		}

		cfg := ts.tableConfig(next)
		rule := &TableRule{Matches: matches, Action: call, ProfileIndex: -1}
		if ts.needsPriority() {
			rule.Priority = len(cfg.Rules) + 1
		}

		// Guards of a standard table are mutually exclusive. Each branch of a
		// profile or selector table adds its member to its own copy of the
		// profile, so the branches may share an index and overlap.
		index := tableActionIndex(ts.table, name)
		if ts.impl == TableProfile || ts.impl == TableSelector {
			index = ts.addProfileMember(next, cfg, call)
			rule.ProfileIndex = index
		}
		cfg.AddRule(rule)
		next.AddTestObject(CategoryTableConfig, ts.table.Name, cfg)

		next.Set(TableHitName(ts.table.Name), NewBoolConstantExpr(true))
		next.Set(TableActionRunName(ts.table.Name), NewConstantExpr32(uint64(tableActionIndex(ts.table, name))))
		next.PushBody(&ActionCommand{Control: ts.ctrl, Action: action, Args: call.Values()})
		next.Tracef("table", "%s hit, action %s", ts.table.Name, name)

		guard := NewBinaryExpr(AND, hit, NewBinaryExpr(EQ, choice, NewConstantExpr32(uint64(index))))
		guards = append(guards, guard)
		branches = append(branches, Branch{Condition: guard, Next: next})
	}

	miss, err := ts.defaultBranches(NewIsZeroExpr(NewDisjunctionExpr(guards...)))
	if err != nil {
		return nil, err
	}
	return append(branches, miss...), nil
}

// tableConfig returns a copy of the table's config, creating it if needed.
func (ts *TableStepper) tableConfig(state *ExecutionState) *TableConfig {
	if cfg, ok := state.GetTestObject(CategoryTableConfig, ts.table.Name, false).(*TableConfig); ok {
		return cfg.Clone()
	}
	return &TableConfig{Table: ts.table.Name, Properties: make(map[string]string)}
}

// addProfileMember appends call to the table's action profile and returns
// the member index. Existing members are never removed or renumbered.
func (ts *TableStepper) addProfileMember(state *ExecutionState, cfg *TableConfig, call *ActionCall) int {
	prof, ok := state.GetTestObject(CategoryActionProfile, ts.profile.Name, false).(*ActionProfile)
	if ok {
		prof = prof.Clone()
	} else {
		log.Printf("[table] new action profile %s", ts.profile.Name)
		prof = &ActionProfile{Name: ts.profile.Name}
	}
	index := prof.AddAction(call)
	state.AddTestObject(CategoryActionProfile, prof.Name, prof)
	cfg.Properties[TablePropertyActionProfile] = prof.Name

	if ts.impl == TableSelector {
		sel, ok := state.GetTestObject(CategoryActionSelector, ts.selector.Name, false).(*ActionSelector)
		if ok {
			other := *sel
			sel = &other
		} else {
			sel = &ActionSelector{Name: ts.selector.Name, Profile: prof.Name}
		}
		sel.SelectorKeys = ts.selectorKeys
		state.AddTestObject(CategoryActionSelector, sel.Name, sel)
		cfg.Properties[TablePropertyActionSelector] = sel.Name
	}
	return index
}

// defaultBranches returns the branch running the default action. The
// condition is nil if the default action always runs.
func (ts *TableStepper) defaultBranches(cond Expr) ([]Branch, error) {
	if cond != nil && IsConstantFalse(cond) {
		return nil, nil
	}

	ref := ts.table.DefaultAction
	if ref == nil {
		ref = &ir.ActionRef{Name: ir.NoAction}
	}
	action := ts.ctrl.Action(ref.Name)
	if action == nil {
		return nil, bugf("table %s: default action not found: %s", ts.table.Name, ref.Name)
	}

	next := ts.state.Clone()
	var args []Expr
	if len(ref.Args) == len(action.Params) {
		var err error
		if args, err = ts.stepper.evalArgs(next, ref.Args, action.Params); err != nil {
			return nil, err
		}
	} else {
		for _, p := range action.Params {
			args = append(args, NewControlVar(RoleActionArg, TableActionArgName(ts.table.Name, ref.Name, p.Name), uint(ir.Width(p.Type))))
		}
	}

	var hit Expr = NewBoolConstantExpr(false)
	if ts.tainted {
		hit = NewTaintExpr(WidthBool, false)
	}
	next.Set(TableHitName(ts.table.Name), hit)
	next.Set(TableActionRunName(ts.table.Name), NewConstantExpr32(uint64(tableActionIndex(ts.table, ref.Name))))
	next.PushBody(&ActionCommand{Control: ts.ctrl, Action: action, Args: args})
	next.Tracef("table", "%s miss, default action %s", ts.table.Name, ref.Name)

	return []Branch{{Condition: cond, Next: next}}, nil
}

// evalConstEntries resolves a table with compile-time entries. Entry i
// fires when it matches and no earlier entry does.
func (ts *TableStepper) evalConstEntries() ([]Branch, error) {
	values := make([]Expr, len(ts.table.Keys))
	for i, elem := range ts.table.Keys {
		v, err := ts.stepper.Eval(ts.state, elem.Expr, 0)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	var branches []Branch
	var prior []Expr
	for i, entry := range ts.table.Entries {
		if len(entry.Keysets) != len(values) {
			return nil, bugf("table %s: entry %d has %d keysets, expected %d", ts.table.Name, i, len(entry.Keysets), len(values))
		}

		conds := make([]Expr, len(values))
		for j, ks := range entry.Keysets {
			conds[j] = KeysetMatch(values[j], ks)
		}
		match := NewConjunctionExpr(conds...)
		if HasTaint(match) {
			ts.stepper.Warnf(ts.state, "table %s: entry %d matches a tainted key", ts.table.Name, i)
			match = NewControlVar(RoleConstEntry, TableConstEntryName(ts.table.Name, i), WidthBool)
		}

		guard := NewBinaryExpr(AND, match, NewIsZeroExpr(NewDisjunctionExpr(prior...)))
		prior = append(prior, match)
		if IsConstantFalse(guard) {
			continue
		}

		action := ts.ctrl.Action(entry.Action.Name)
		if action == nil {
			return nil, bugf("table %s: action not found: %s", ts.table.Name, entry.Action.Name)
		}
		next := ts.state.Clone()
		args, err := ts.stepper.evalArgs(next, entry.Action.Args, action.Params)
		if err != nil {
			return nil, err
		}

		next.Set(TableHitName(ts.table.Name), NewBoolConstantExpr(true))
		next.Set(TableActionRunName(ts.table.Name), NewConstantExpr32(uint64(tableActionIndex(ts.table, action.Name))))
		next.PushBody(&ActionCommand{Control: ts.ctrl, Action: action, Args: args})
		next.Tracef("table", "%s const entry %d, action %s", ts.table.Name, i, action.Name)
		branches = append(branches, Branch{Condition: guard, Next: next})

		if IsConstantTrue(guard) {
			return branches, nil
		}
	}

	miss, err := ts.defaultBranches(NewIsZeroExpr(NewDisjunctionExpr(prior...)))
	if err != nil {
		return nil, err
	}
	return append(branches, miss...), nil
}

// tableActionIndex returns the index of an action in the table's action
// list. Actions not in the list share the index after the last action.
func tableActionIndex(table *ir.Table, name string) int {
	for i, other := range table.Actions {
		if other == name {
			return i
		}
	}
	return len(table.Actions)
}
