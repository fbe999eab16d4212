package p4testgen_test

import (
	"testing"

	"github.com/benbjohnson/p4testgen"
	"github.com/benbjohnson/p4testgen/ir"
	"github.com/benbjohnson/p4testgen/targets"
)

const tablesYAML = `
name: tables
arch: v1model
headers:
  - name: h_t
    fields:
      - {name: a, type: bit<8>}
      - {name: b, type: bit<8>}
structs:
  - name: headers_t
    fields:
      - {name: h, type: h_t}
globals:
  - {name: hdr, type: headers_t}
externs:
  - {name: ap, type: action_profile, size: 16}
  - {name: sel, type: action_selector, profile: ap}
controls:
  - name: C
    actions:
      - name: a1
        body:
          - assign: hdr.h.b = 1
      - name: a2
        params:
          - {name: x, type: bit<8>}
        body:
          - assign: hdr.h.b = x
    tables:
      - name: t_ternary
        keys:
          - {expr: hdr.h.a, match: ternary}
        actions: [a1]
      - name: t_lpm
        keys:
          - {expr: hdr.h.a, match: lpm}
        actions: [a1]
      - name: t_range
        keys:
          - {expr: hdr.h.a, match: range}
        actions: [a1]
      - name: t_optional
        keys:
          - {expr: hdr.h.a, match: optional}
        actions: [a1]
      - name: t_taint
        keys:
          - {expr: hdr.h.a, match: exact}
          - {expr: hdr.h.b, match: ternary}
        actions: [a1, a2]
      - name: t_profile
        keys:
          - {expr: hdr.h.a, match: exact}
        actions: [a1, a2]
        implementation: ap
      - name: t_selector
        keys:
          - {expr: hdr.h.a, match: exact}
          - {expr: hdr.h.b, match: selector}
        actions: [a1]
        implementation: sel
      - name: t_const
        keys:
          - {expr: hdr.h.a, match: exact}
        actions: [a1, a2]
        const: true
        entries:
          - {keysets: ["0x01"], action: a1}
          - {keysets: ["0x02"], action: "a2(7)"}
    body:
      - apply: t_ternary
pipeline: [C]
`

// ApplyTable resolves a single application of the named table in control C.
func ApplyTable(tb testing.TB, prog *ir.Program, target p4testgen.Target, state *p4testgen.ExecutionState, name string) (*p4testgen.TableStepper, []p4testgen.Branch) {
	tb.Helper()
	ctrl := prog.Control("C")
	ts := p4testgen.NewTableStepper(p4testgen.NewStepper(prog, target), state, ctrl, ctrl.Table(name))
	if err := ts.CheckTargetProperties(); err != nil {
		tb.Fatal(err)
	}
	branches, err := ts.Eval()
	if err != nil {
		tb.Fatal(err)
	}
	return ts, branches
}

// NewTableState returns a state with the table key fields bound to a & b.
func NewTableState(a, b p4testgen.Expr) *p4testgen.ExecutionState {
	state := p4testgen.NewExecutionState(p4testgen.DefaultMaxPacketBytes, 0)
	state.Set("hdr.h.a", a)
	state.Set("hdr.h.b", b)
	return state
}

// MustRule returns the only rule of the table config in state.
func MustRule(tb testing.TB, state *p4testgen.ExecutionState, table string) *p4testgen.TableRule {
	tb.Helper()
	cfg := state.GetTestObject(p4testgen.CategoryTableConfig, table, true).(*p4testgen.TableConfig)
	if len(cfg.Rules) != 1 {
		tb.Fatalf("unexpected rule count: %d", len(cfg.Rules))
	}
	return cfg.Rules[0]
}

// NewKeyModel returns a model choosing the first action of table with the
// key field bound to k.
func NewKeyModel(table string, k uint64, vars map[string]uint64) *p4testgen.Model {
	model := p4testgen.NewModel()
	model.Values["k"] = p4testgen.NewConstantExpr(k, 8)
	model.Values[p4testgen.TableActionName(table)] = p4testgen.NewConstantExpr32(0)
	for name, v := range vars {
		model.Values[name] = p4testgen.NewConstantExpr(v, 8)
	}
	return model
}

func MustActionCommand(tb testing.TB, state *p4testgen.ExecutionState) *p4testgen.ActionCommand {
	tb.Helper()
	cmd, ok := state.Top().(*p4testgen.ActionCommand)
	if !ok {
		tb.Fatalf("unexpected top command: %v", state.Top())
	}
	return cmd
}

func TestTableStepper_MatchKinds(t *testing.T) {
	prog, err := ir.Unmarshal([]byte(tablesYAML))
	if err != nil {
		t.Fatal(err)
	}
	target := targets.NewBMv2()
	k, b := p4testgen.NewVarExpr("k", 8), p4testgen.NewVarExpr("b", 8)

	t.Run("Ternary", func(t *testing.T) {
		_, branches := ApplyTable(t, prog, target, NewTableState(k, b), "t_ternary")
		if len(branches) != 2 {
			t.Fatalf("unexpected branch count: %d", len(branches))
		}

		rule := MustRule(t, branches[0].Next, "t_ternary")
		if _, ok := rule.Matches[0].Match.(*p4testgen.TernaryMatch); !ok {
			t.Fatalf("unexpected match: %T", rule.Matches[0].Match)
		} else if rule.Priority != 1 {
			t.Fatalf("unexpected priority: %d", rule.Priority)
		}

		key, mask := p4testgen.TableKeyName("t_ternary", "hdr_h_a"), p4testgen.TableMaskName("t_ternary", "hdr_h_a")
		if !MustEval(t, NewKeyModel("t_ternary", 0x35, map[string]uint64{key: 0x05, mask: 0x0f}), branches[0].Condition).IsTrue() {
			t.Fatal("expected masked key to match")
		} else if MustEval(t, NewKeyModel("t_ternary", 0x35, map[string]uint64{key: 0x05, mask: 0xff}), branches[0].Condition).IsTrue() {
			t.Fatal("unexpected match")
		}
	})

	t.Run("LPM", func(t *testing.T) {
		_, branches := ApplyTable(t, prog, target, NewTableState(k, b), "t_lpm")
		rule := MustRule(t, branches[0].Next, "t_lpm")
		if _, ok := rule.Matches[0].Match.(*p4testgen.LPMMatch); !ok {
			t.Fatalf("unexpected match: %T", rule.Matches[0].Match)
		} else if rule.Priority != 0 {
			t.Fatalf("unexpected priority: %d", rule.Priority)
		}

		key, prefix := p4testgen.TableKeyName("t_lpm", "hdr_h_a"), p4testgen.TableLPMPrefixName("t_lpm", "hdr_h_a")
		if !MustEval(t, NewKeyModel("t_lpm", 0xA5, map[string]uint64{key: 0xA0, prefix: 4}), branches[0].Condition).IsTrue() {
			t.Fatal("expected prefix to match")
		} else if MustEval(t, NewKeyModel("t_lpm", 0xA5, map[string]uint64{key: 0xB0, prefix: 4}), branches[0].Condition).IsTrue() {
			t.Fatal("unexpected match")
		} else if MustEval(t, NewKeyModel("t_lpm", 0xA5, map[string]uint64{key: 0xA5, prefix: 9}), branches[0].Condition).IsTrue() {
			t.Fatal("unexpected match with prefix longer than key")
		}
	})

	t.Run("Range", func(t *testing.T) {
		_, branches := ApplyTable(t, prog, target, NewTableState(k, b), "t_range")
		rule := MustRule(t, branches[0].Next, "t_range")
		if _, ok := rule.Matches[0].Match.(*p4testgen.RangeMatch); !ok {
			t.Fatalf("unexpected match: %T", rule.Matches[0].Match)
		}

		lo, hi := p4testgen.TableRangeMinName("t_range", "hdr_h_a"), p4testgen.TableRangeMaxName("t_range", "hdr_h_a")
		for _, tt := range []struct {
			k, lo, hi uint64
			want      bool
		}{
			{15, 10, 20, true},
			{10, 10, 20, true},
			{25, 10, 20, false},
			{15, 15, 15, false},
		} {
			if got := MustEval(t, NewKeyModel("t_range", tt.k, map[string]uint64{lo: tt.lo, hi: tt.hi}), branches[0].Condition).IsTrue(); got != tt.want {
				t.Fatalf("range [%d,%d] key %d: got %v", tt.lo, tt.hi, tt.k, got)
			}
		}
	})

	// A tainted range key matches the whole domain rather than tainting the table.
	t.Run("RangeTainted", func(t *testing.T) {
		ts, branches := ApplyTable(t, prog, target, NewTableState(p4testgen.NewTaintExpr(8, false), b), "t_range")
		if ts.Tainted() {
			t.Fatal("unexpected tainted table")
		} else if len(branches) != 2 {
			t.Fatalf("unexpected branch count: %d", len(branches))
		}

		m := MustRule(t, branches[0].Next, "t_range").Matches[0].Match.(*p4testgen.RangeMatch)
		if got, want := m.Min.String(), "(const 0 8)"; got != want {
			t.Fatalf("unexpected min: %s", got)
		} else if got, want := m.Max.String(), "(const 255 8)"; got != want {
			t.Fatalf("unexpected max: %s", got)
		} else if !MustEval(t, NewKeyModel("t_range", 0, nil), branches[0].Condition).IsTrue() {
			t.Fatal("expected hit")
		}
	})

	t.Run("Optional", func(t *testing.T) {
		_, branches := ApplyTable(t, prog, target, NewTableState(k, b), "t_optional")
		rule := MustRule(t, branches[0].Next, "t_optional")
		if _, ok := rule.Matches[0].Match.(*p4testgen.OptionalMatch); !ok {
			t.Fatalf("unexpected match: %T", rule.Matches[0].Match)
		} else if rule.Priority != 1 {
			t.Fatalf("unexpected priority: %d", rule.Priority)
		}
	})

	// A tainted optional key is left out of the rule.
	t.Run("OptionalTainted", func(t *testing.T) {
		ts, branches := ApplyTable(t, prog, target, NewTableState(p4testgen.NewTaintExpr(8, false), b), "t_optional")
		if ts.Tainted() {
			t.Fatal("unexpected tainted table")
		} else if rule := MustRule(t, branches[0].Next, "t_optional"); len(rule.Matches) != 0 {
			t.Fatalf("unexpected matches: %d", len(rule.Matches))
		}
	})
}

func TestTableStepper_Taint(t *testing.T) {
	prog, err := ir.Unmarshal([]byte(tablesYAML))
	if err != nil {
		t.Fatal(err)
	}

	// The first tainted key makes the table fall back to its default action.
	ts, branches := ApplyTable(t, prog, targets.NewBMv2(), NewTableState(p4testgen.NewTaintExpr(8, false), p4testgen.NewVarExpr("b", 8)), "t_taint")
	if !ts.Tainted() {
		t.Fatal("expected tainted table")
	} else if len(branches) != 1 || branches[0].Condition != nil {
		t.Fatalf("unexpected branches: %v", branches)
	}

	next := branches[0].Next
	if hit, _ := next.Lookup(p4testgen.TableHitName("t_taint")); !p4testgen.HasTaint(hit) {
		t.Fatalf("unexpected hit: %v", hit)
	} else if got, want := MustActionCommand(t, next).Action.Name, ir.NoAction; got != want {
		t.Fatalf("unexpected action: %s", got)
	} else if obj := next.GetTestObject(p4testgen.CategoryTableConfig, "t_taint", false); obj != nil {
		t.Fatal("unexpected table config")
	}
}

func TestTableStepper_Profile(t *testing.T) {
	prog, err := ir.Unmarshal([]byte(tablesYAML))
	if err != nil {
		t.Fatal(err)
	}
	target := targets.NewBMv2()

	ts, branches := ApplyTable(t, prog, target, NewTableState(p4testgen.NewVarExpr("k", 8), p4testgen.NewVarExpr("b", 8)), "t_profile")
	if got, want := ts.Implementation(), p4testgen.TableProfile; got != want {
		t.Fatalf("unexpected implementation: %s", got)
	} else if len(branches) != 3 {
		t.Fatalf("unexpected branch count: %d", len(branches))
	}

	first := branches[1].Next
	prof := first.GetTestObject(p4testgen.CategoryActionProfile, "ap", true).(*p4testgen.ActionProfile)
	if len(prof.Actions) != 1 || prof.Actions[0].Name != "a2" {
		t.Fatalf("unexpected profile: %#v", prof.Actions)
	}
	cfg := first.GetTestObject(p4testgen.CategoryTableConfig, "t_profile", true).(*p4testgen.TableConfig)
	if got, want := cfg.Rules[0].ProfileIndex, 0; got != want {
		t.Fatalf("unexpected profile index: %d", got)
	} else if got, want := cfg.Properties[p4testgen.TablePropertyActionProfile], "ap"; got != want {
		t.Fatalf("unexpected profile property: %q", got)
	}

	// Every branch adds its member to a fresh profile so the action guards
	// share index 0 and are not mutually exclusive.
	t.Run("OverlappingGuards", func(t *testing.T) {
		model := NewKeyModel("t_profile", 0x12, map[string]uint64{p4testgen.TableKeyName("t_profile", "hdr_h_a"): 0x12})
		if !MustEval(t, model, branches[0].Condition).IsTrue() {
			t.Fatal("expected first action guard")
		} else if !MustEval(t, model, branches[1].Condition).IsTrue() {
			t.Fatal("expected second action guard")
		} else if MustEval(t, model, branches[2].Condition).IsTrue() {
			t.Fatal("unexpected miss guard")
		}
	})

	// Applying again extends the profile without renumbering members.
	t.Run("AppendOnly", func(t *testing.T) {
		_, again := ApplyTable(t, prog, target, first, "t_profile")
		next := again[0].Next

		prof := next.GetTestObject(p4testgen.CategoryActionProfile, "ap", true).(*p4testgen.ActionProfile)
		if len(prof.Actions) != 2 {
			t.Fatalf("unexpected member count: %d", len(prof.Actions))
		} else if prof.Actions[0].Name != "a2" || prof.Actions[1].Name != "a1" {
			t.Fatalf("unexpected members: %s, %s", prof.Actions[0].Name, prof.Actions[1].Name)
		}

		cfg := next.GetTestObject(p4testgen.CategoryTableConfig, "t_profile", true).(*p4testgen.TableConfig)
		if len(cfg.Rules) != 2 {
			t.Fatalf("unexpected rule count: %d", len(cfg.Rules))
		} else if got, want := cfg.Rules[1].ProfileIndex, 1; got != want {
			t.Fatalf("unexpected profile index: %d", got)
		}

		if prof := first.GetTestObject(p4testgen.CategoryActionProfile, "ap", true).(*p4testgen.ActionProfile); len(prof.Actions) != 1 {
			t.Fatalf("source profile modified: %d", len(prof.Actions))
		}
	})
}

func TestTableStepper_Selector(t *testing.T) {
	prog, err := ir.Unmarshal([]byte(tablesYAML))
	if err != nil {
		t.Fatal(err)
	}
	state := NewTableState(p4testgen.NewVarExpr("k", 8), p4testgen.NewVarExpr("b", 8))

	ts, branches := ApplyTable(t, prog, targets.NewBMv2(), state, "t_selector")
	if got, want := ts.Implementation(), p4testgen.TableSelector; got != want {
		t.Fatalf("unexpected implementation: %s", got)
	} else if keys := ts.SelectorKeys(); len(keys) != 1 || keys[0].String() != p4testgen.NewVarExpr("b", 8).String() {
		t.Fatalf("unexpected selector keys: %v", keys)
	} else if len(branches) != 2 {
		t.Fatalf("unexpected branch count: %d", len(branches))
	}

	next := branches[0].Next
	sel := next.GetTestObject(p4testgen.CategoryActionSelector, "sel", true).(*p4testgen.ActionSelector)
	if sel.Profile != "ap" || len(sel.SelectorKeys) != 1 {
		t.Fatalf("unexpected selector: %#v", sel)
	} else if prof := next.GetTestObject(p4testgen.CategoryActionProfile, "ap", true).(*p4testgen.ActionProfile); len(prof.Actions) != 1 {
		t.Fatalf("unexpected member count: %d", len(prof.Actions))
	}

	// Selector keys are hash inputs only.
	rule := MustRule(t, next, "t_selector")
	if len(rule.Matches) != 1 {
		t.Fatalf("unexpected matches: %d", len(rule.Matches))
	}
	for _, v := range p4testgen.FindVars(branches[0].Condition) {
		if v.Name == "b" {
			t.Fatal("selector key constrains the hit condition")
		}
	}

	t.Run("Unsupported", func(t *testing.T) {
		ts, branches := ApplyTable(t, prog, targets.NewPNA(), state, "t_selector")
		if got, want := ts.Implementation(), p4testgen.TableSkip; got != want {
			t.Fatalf("unexpected implementation: %s", got)
		} else if len(branches) != 1 || branches[0].Condition != nil {
			t.Fatalf("unexpected branches: %v", branches)
		} else if got, want := MustActionCommand(t, branches[0].Next).Action.Name, ir.NoAction; got != want {
			t.Fatalf("unexpected action: %s", got)
		}
	})
}

func TestTableStepper_Constant(t *testing.T) {
	prog, err := ir.Unmarshal([]byte(tablesYAML))
	if err != nil {
		t.Fatal(err)
	}
	target := targets.NewBMv2()
	b := p4testgen.NewVarExpr("b", 8)

	t.Run("Symbolic", func(t *testing.T) {
		ts, branches := ApplyTable(t, prog, target, NewTableState(p4testgen.NewVarExpr("k", 8), b), "t_const")
		if got, want := ts.Implementation(), p4testgen.TableConstant; got != want {
			t.Fatalf("unexpected implementation: %s", got)
		} else if len(branches) != 3 {
			t.Fatalf("unexpected branch count: %d", len(branches))
		}

		// Exactly the expected entry fires for each key.
		for k, want := range map[uint64]int{1: 0, 2: 1, 3: 2} {
			model := p4testgen.NewModel()
			model.Values["k"] = p4testgen.NewConstantExpr(k, 8)
			for i, branch := range branches {
				if got := MustEval(t, model, branch.Condition).IsTrue(); got != (i == want) {
					t.Fatalf("key %d: branch %d guard=%v", k, i, got)
				}
			}
		}

		next := branches[1].Next
		cmd := MustActionCommand(t, next)
		if cmd.Action.Name != "a2" || len(cmd.Args) != 1 || cmd.Args[0].String() != "(const 7 8)" {
			t.Fatalf("unexpected action: %s %v", cmd.Action.Name, cmd.Args)
		} else if run, _ := next.Lookup(p4testgen.TableActionRunName("t_const")); run.String() != "(const 1 32)" {
			t.Fatalf("unexpected action_run: %v", run)
		} else if obj := next.GetTestObject(p4testgen.CategoryTableConfig, "t_const", false); obj != nil {
			t.Fatal("unexpected table config")
		}
	})

	// A constant key stops at the first entry that always matches.
	t.Run("Concrete", func(t *testing.T) {
		_, branches := ApplyTable(t, prog, target, NewTableState(p4testgen.NewConstantExpr(2, 8), b), "t_const")
		if len(branches) != 1 {
			t.Fatalf("unexpected branch count: %d", len(branches))
		} else if !p4testgen.IsConstantTrue(branches[0].Condition) {
			t.Fatalf("unexpected condition: %v", branches[0].Condition)
		} else if got, want := MustActionCommand(t, branches[0].Next).Action.Name, "a2"; got != want {
			t.Fatalf("unexpected action: %s", got)
		}
	})

	// Tainted entry conditions become choice variables.
	t.Run("Tainted", func(t *testing.T) {
		ts, branches := ApplyTable(t, prog, target, NewTableState(p4testgen.NewTaintExpr(8, false), b), "t_const")
		if ts.Tainted() {
			t.Fatal("unexpected tainted table")
		} else if len(branches) != 3 {
			t.Fatalf("unexpected branch count: %d", len(branches))
		} else if p4testgen.HasTaint(branches[0].Condition) {
			t.Fatalf("unexpected taint: %v", branches[0].Condition)
		}

		var found bool
		for _, v := range p4testgen.FindVars(branches[0].Condition) {
			found = found || v.Name == p4testgen.TableConstEntryName("t_const", 0)
		}
		if !found {
			t.Fatalf("expected const entry variable: %v", branches[0].Condition)
		}
	})
}
