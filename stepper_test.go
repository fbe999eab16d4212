package p4testgen_test

import (
	"testing"

	"github.com/benbjohnson/p4testgen"
	"github.com/benbjohnson/p4testgen/ir"
	"github.com/benbjohnson/p4testgen/targets"
)

// NewBlockState returns a root state that executes a single pipeline block.
func NewBlockState(tb testing.TB, prog *ir.Program, target p4testgen.Target, block string) *p4testgen.ExecutionState {
	tb.Helper()
	state := p4testgen.NewExecutionState(p4testgen.DefaultMaxPacketBytes, target.MinPacketBytes())
	state.PushBody(&p4testgen.BlockCommand{Block: prog.Block(block)})
	if err := target.Initialize(state, prog); err != nil {
		tb.Fatal(err)
	}
	return state
}

// StepUntilFork steps state until a step returns more than one branch or a
// conditional branch. Returns nil if the state terminates first.
func StepUntilFork(tb testing.TB, s *p4testgen.Stepper, state *p4testgen.ExecutionState) []p4testgen.Branch {
	tb.Helper()
	for i := 0; i < 1000; i++ {
		branches, err := s.Step(state)
		if err != nil {
			tb.Fatal(err)
		} else if len(branches) != 1 || branches[0].Condition != nil {
			return branches
		}
		if state = branches[0].Next; state.Terminated() {
			return nil
		}
	}
	tb.Fatal("step limit exceeded")
	return nil
}

// StepToEnd steps an unforking state until its body is empty.
func StepToEnd(tb testing.TB, s *p4testgen.Stepper, state *p4testgen.ExecutionState) *p4testgen.ExecutionState {
	tb.Helper()
	for state.Top() != nil {
		branches, err := s.Step(state)
		if err != nil {
			tb.Fatal(err)
		} else if len(branches) != 1 {
			tb.Fatalf("unexpected fork: %d branches", len(branches))
		}
		state = branches[0].Next
	}
	return state
}

// MustEval evaluates expr with model. Fatal on error.
func MustEval(tb testing.TB, model *p4testgen.Model, expr p4testgen.Expr) *p4testgen.ConstantExpr {
	tb.Helper()
	v, err := p4testgen.NewExprEvaluator(model).Evaluate(expr)
	if err != nil {
		tb.Fatal(err)
	}
	return v
}

// NewPacketModel returns a model binding the packet size and content.
func NewPacketModel(state *p4testgen.ExecutionState, content ...byte) *p4testgen.Model {
	model := p4testgen.NewModel()
	model.Values[p4testgen.PacketSizeVarName] = p4testgen.NewConstantExpr32(uint64(len(content)) * 8)
	model.Arrays[state.InputPacketContent().ID] = content
	return model
}

func TestStepper_Table(t *testing.T) {
	prog := MustLoadProgram(t, "testdata/v1model_table.yaml")
	target := targets.NewBMv2()
	s := p4testgen.NewStepper(prog, target)

	state := NewBlockState(t, prog, target, "MyIngress")
	branches := StepUntilFork(t, s, state)
	if got, want := len(branches), 4; got != want {
		t.Fatalf("unexpected branch count: %d", got)
	}

	t.Run("Hit", func(t *testing.T) {
		next := branches[1].Next
		if hit, ok := next.Lookup(p4testgen.TableHitName("t")); !ok || !p4testgen.IsConstantTrue(hit) {
			t.Fatalf("unexpected hit: %v", hit)
		}

		cfg := next.GetTestObject(p4testgen.CategoryTableConfig, "t", true).(*p4testgen.TableConfig)
		if got, want := len(cfg.Rules), 1; got != want {
			t.Fatalf("unexpected rule count: %d", got)
		}
		rule := cfg.Rules[0]
		if got, want := rule.Action.Name, "a2"; got != want {
			t.Fatalf("unexpected action: %s", got)
		} else if got, want := rule.Action.Args[0].Value.String(), p4testgen.NewVarExpr(p4testgen.TableActionArgName("t", "a2", "x"), 8).String(); got != want {
			t.Fatalf("unexpected arg: %s", got)
		} else if rule.Priority != 0 {
			t.Fatalf("unexpected priority: %d", rule.Priority)
		}

		// Running the action writes the control-plane argument.
		end := StepToEnd(t, s, next)
		if got, want := end.Get("hdr.h.b", 8, false).String(), rule.Action.Args[0].Value.String(); got != want {
			t.Fatalf("unexpected hdr.h.b: %s", got)
		}
	})

	t.Run("Miss", func(t *testing.T) {
		next := branches[3].Next
		if hit, ok := next.Lookup(p4testgen.TableHitName("t")); !ok || !p4testgen.IsConstantFalse(hit) {
			t.Fatalf("unexpected hit: %v", hit)
		} else if obj := next.GetTestObject(p4testgen.CategoryTableConfig, "t", false); obj != nil {
			t.Fatal("expected no table config on miss")
		}

		// The miss guard holds when no action is chosen by the control plane.
		model := p4testgen.NewModel()
		model.Values[p4testgen.TableActionName("t")] = p4testgen.NewConstantExpr32(5)
		if !MustEval(t, model, branches[3].Condition).IsTrue() {
			t.Fatal("expected miss")
		} else if MustEval(t, model, branches[0].Condition).IsTrue() {
			t.Fatal("unexpected hit")
		}
	})

	// Exactly one branch guard holds for any control-plane choice.
	t.Run("Exclusive", func(t *testing.T) {
		for choice := uint64(0); choice < 4; choice++ {
			model := p4testgen.NewModel()
			model.Values[p4testgen.TableActionName("t")] = p4testgen.NewConstantExpr32(choice)

			var n int
			for _, b := range branches {
				if MustEval(t, model, b.Condition).IsTrue() {
					n++
				}
			}
			if n != 1 {
				t.Fatalf("choice %d: %d guards hold", choice, n)
			}
		}
	})

	t.Run("SourceUnchanged", func(t *testing.T) {
		if _, ok := state.Lookup(p4testgen.TableHitName("t")); ok {
			t.Fatal("source state modified")
		}
	})
}

func TestStepper_Parser(t *testing.T) {
	prog := MustLoadProgram(t, "testdata/v1model_select.yaml")
	target := targets.NewBMv2()
	s := p4testgen.NewStepper(prog, target)

	state := NewBlockState(t, prog, target, "MyParser")
	extract := StepUntilFork(t, s, state)
	if got, want := len(extract), 2; got != want {
		t.Fatalf("unexpected branch count: %d", got)
	}

	t.Run("Extract", func(t *testing.T) {
		if !MustEval(t, NewPacketModel(state, 0x08, 0x00), extract[0].Condition).IsTrue() {
			t.Fatal("expected 16-bit packet to be accepted")
		} else if MustEval(t, NewPacketModel(state, 0x08), extract[0].Condition).IsTrue() {
			t.Fatal("expected 8-bit packet to be rejected")
		} else if !MustEval(t, NewPacketModel(state, 0x08), extract[1].Condition).IsTrue() {
			t.Fatal("expected too-short branch")
		}

		if got, want := extract[0].Next.InputPacketCursor(), uint(16); got != want {
			t.Fatalf("unexpected cursor: %d", got)
		} else if !s.IsValid(extract[0].Next, "hdr.eth") {
			t.Fatal("expected valid header")
		}
	})

	t.Run("Select", func(t *testing.T) {
		branches := StepUntilFork(t, s, extract[0].Next)
		if got, want := len(branches), 3; got != want {
			t.Fatalf("unexpected branch count: %d", got)
		}

		for i, tt := range []struct {
			content []byte
			branch  int
		}{
			{[]byte{0x08, 0x00}, 0},
			{[]byte{0xde, 0xad}, 1},
			{[]byte{0x86, 0xdd}, 2},
		} {
			model := NewPacketModel(state, tt.content...)
			for j, b := range branches {
				if got, want := MustEval(t, model, b.Condition).IsTrue(), j == tt.branch; got != want {
					t.Fatalf("%d. branch %d: unexpected guard: %v", i, j, got)
				}
			}
		}
	})

	// A packet too short to extract ends the path as a drop.
	t.Run("PacketTooShort", func(t *testing.T) {
		branches, err := s.Step(extract[1].Next)
		if err != nil {
			t.Fatal(err)
		} else if len(branches) != 1 {
			t.Fatalf("unexpected branch count: %d", len(branches))
		}

		end := branches[0].Next
		if got, want := end.Status(), p4testgen.ExecutionStatusDropped; got != want {
			t.Fatalf("unexpected status: %s", got)
		} else if _, ok := end.Lookup(p4testgen.ParserErrorVarName); ok {
			t.Fatal("unexpected parser error")
		}
	})

	// Other parser errors are recorded and the pipeline continues.
	t.Run("NoMatch", func(t *testing.T) {
		branches := StepUntilFork(t, s, extract[0].Next)
		end := StepToEnd(t, s, branches[2].Next)
		if end.Terminated() {
			t.Fatalf("unexpected status: %s", end.Status())
		} else if got, want := end.Get(targets.StandardMetadata+".parser_error", 32, false).String(), p4testgen.NewConstantExpr32(p4testgen.ExceptionNoMatch.Code()).String(); got != want {
			t.Fatalf("unexpected parser error: %s", got)
		}
	})
}

// Extracting a 16-bit header of two 8-bit fields binds the fields to the
// first and second byte of the packet.
func TestStepper_Extract(t *testing.T) {
	prog := MustLoadProgram(t, "testdata/v1model_table.yaml")
	target := targets.NewBMv2()
	s := p4testgen.NewStepper(prog, target)

	state := NewBlockState(t, prog, target, "MyParser")
	branches := StepUntilFork(t, s, state)
	if got, want := len(branches), 2; got != want {
		t.Fatalf("unexpected branch count: %d", got)
	}

	model := NewPacketModel(state, 0x12, 0x34)
	accept := branches[0].Next
	if !MustEval(t, model, branches[0].Condition).IsTrue() || MustEval(t, model, branches[1].Condition).IsTrue() {
		t.Fatal("expected 16-bit packet to be accepted only")
	} else if got := MustEval(t, model, accept.Get("hdr.h.a", 8, false)).Value; got != 0x12 {
		t.Fatalf("unexpected hdr.h.a: %#x", got)
	} else if got := MustEval(t, model, accept.Get("hdr.h.b", 8, false)).Value; got != 0x34 {
		t.Fatalf("unexpected hdr.h.b: %#x", got)
	}

	short := NewPacketModel(state, 0x12)
	if MustEval(t, short, branches[0].Condition).IsTrue() || !MustEval(t, short, branches[1].Condition).IsTrue() {
		t.Fatal("expected 8-bit packet to be too short only")
	}
}

func TestStepper_Extract_ZeroWidth(t *testing.T) {
	prog, err := ir.Unmarshal([]byte(`
name: zero
headers:
  - name: h_t
    fields:
      - {name: a, type: bit<8>}
      - {name: z, type: bit<0>}
      - {name: b, type: bit<8>}
  - name: e_t
    fields:
      - {name: z, type: bit<0>}
globals:
  - {name: h, type: h_t}
  - {name: e, type: e_t}
externs:
  - {name: pkt, type: packet_in}
parsers:
  - name: P
    states:
      - name: start
        statements:
          - call: pkt.extract(e)
          - call: pkt.extract(h)
        transition: accept
pipeline: [P]
`))
	if err != nil {
		t.Fatal(err)
	}

	target := &p4testgen.BaseTarget{DeviceName: "test", ArchName: "test"}
	s := p4testgen.NewStepper(prog, target)
	state := NewBlockState(t, prog, target, "P")

	// An empty header is extracted without a fork and without reading bits.
	branches := StepUntilFork(t, s, state)
	if got, want := len(branches), 2; got != want {
		t.Fatalf("unexpected branch count: %d", got)
	}
	accept := branches[0].Next
	if !s.IsValid(accept, "e") {
		t.Fatal("expected valid empty header")
	} else if got, want := accept.Get("e.z", 0, false).String(), "(const 0 0)"; got != want {
		t.Fatalf("unexpected e.z: %s", got)
	}

	// Zero-width fields take no bits from their neighbors.
	model := NewPacketModel(state, 0xab, 0xcd)
	if got, want := accept.InputPacketCursor(), uint(16); got != want {
		t.Fatalf("unexpected cursor: %d", got)
	} else if got, want := accept.Get("h.z", 0, false).String(), "(const 0 0)"; got != want {
		t.Fatalf("unexpected h.z: %s", got)
	} else if got := MustEval(t, model, accept.Get("h.a", 8, false)).Value; got != 0xab {
		t.Fatalf("unexpected h.a: %#x", got)
	} else if got := MustEval(t, model, accept.Get("h.b", 8, false)).Value; got != 0xcd {
		t.Fatalf("unexpected h.b: %#x", got)
	}
}

func TestStepper_ParserStateLimit(t *testing.T) {
	prog, err := ir.Unmarshal([]byte(`
name: loop
headers:
  - name: h_t
    fields:
      - {name: f, type: bit<8>}
globals:
  - {name: h, type: h_t}
parsers:
  - name: P
    states:
      - name: start
        transition: start
pipeline: [P]
`))
	if err != nil {
		t.Fatal(err)
	}

	target := &p4testgen.BaseTarget{DeviceName: "test", ArchName: "test"}
	s := p4testgen.NewStepper(prog, target)
	s.MaxParserStates = 4

	state := NewBlockState(t, prog, target, "P")
	for state.Top() != nil && !state.Terminated() {
		branches, err := s.Step(state)
		if err != nil {
			t.Fatal(err)
		}
		state = branches[0].Next
	}
	if got, want := state.Status(), p4testgen.ExecutionStatusDropped; got != want {
		t.Fatalf("unexpected status: %s", got)
	}
}

func TestStepper_Eval(t *testing.T) {
	prog := MustLoadProgram(t, "testdata/v1model_table.yaml")
	s := p4testgen.NewStepper(prog, targets.NewBMv2())
	state := p4testgen.NewExecutionState(16, 0)
	state.Set("hdr.h.a", p4testgen.NewConstantExpr(200, 8))

	for _, tt := range []struct {
		expr  string
		width uint
		want  string
	}{
		{expr: "hdr.h.a + 100", want: "(const 44 8)"},
		{expr: "hdr.h.a == 200", want: "(const 1 1)"},
		{expr: "hdr.h.a[7:4]", want: "(const 12 4)"},
		{expr: "(bit<16>)hdr.h.a", want: "(const 200 16)"},
		{expr: "hdr.h.a ++ 8w1", want: "(const 51201 16)"},
		{expr: "hdr.h.a > 100 ? 8w1 : 8w2", want: "(const 1 8)"},
		{expr: "10", width: 4, want: "(const 10 4)"},
		{expr: "!(hdr.h.a == 1)", want: "(const 1 1)"},
		{expr: "error.NoMatch", want: "(const 2 32)"},
	} {
		t.Run(tt.expr, func(t *testing.T) {
			v, err := s.Eval(state, ir.MustParseExpression(tt.expr), tt.width)
			if err != nil {
				t.Fatal(err)
			} else if got := v.String(); got != tt.want {
				t.Fatalf("unexpected value: %s", got)
			}
		})
	}

	// Shifting a symbolic value by zero yields the value itself.
	t.Run("ShiftByZero", func(t *testing.T) {
		state := state.Clone()
		state.Set("hdr.h.b", p4testgen.NewVarExpr("b", 8))
		for _, expr := range []string{"hdr.h.b << 0", "hdr.h.b >> 0"} {
			v, err := s.Eval(state, ir.MustParseExpression(expr), 0)
			if err != nil {
				t.Fatal(err)
			} else if got, want := v.String(), "(var b 8)"; got != want {
				t.Fatalf("%s: unexpected value: %s", expr, got)
			}
		}
	})

	t.Run("ErrUnresolved", func(t *testing.T) {
		if _, err := s.Eval(state, ir.MustParseExpression("nope.x"), 0); !p4testgen.IsBug(err) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}
