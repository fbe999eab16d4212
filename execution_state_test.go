package p4testgen_test

import (
	"testing"

	"github.com/benbjohnson/p4testgen"
	"github.com/benbjohnson/p4testgen/ir"
	"github.com/google/go-cmp/cmp"
)

// testObject is a minimal control-plane object for exercising storage.
type testObject struct {
	category string
	name     string
}

func (o *testObject) TestObjectCategory() string { return o.category }

func TestNewExecutionState(t *testing.T) {
	t.Run("NoMinimum", func(t *testing.T) {
		state := p4testgen.NewExecutionState(64, 0)
		if n := len(state.Constraints()); n != 2 {
			t.Fatalf("unexpected constraint count: %d", n)
		} else if got, want := state.MaxPacketBits(), uint(512); got != want {
			t.Fatalf("unexpected max bits: %d", got)
		} else if state.Status() != p4testgen.ExecutionStatusRunning {
			t.Fatalf("unexpected status: %s", state.Status())
		}
	})

	t.Run("Minimum", func(t *testing.T) {
		state := p4testgen.NewExecutionState(64, 14)
		if n := len(state.Constraints()); n != 3 {
			t.Fatalf("unexpected constraint count: %d", n)
		}
	})
}

func TestExecutionState_Clone(t *testing.T) {
	parent := p4testgen.NewExecutionState(16, 0)
	parent.Set("hdr.h.a", p4testgen.NewConstantExpr8(1))
	parent.MarkCovered(1)
	parent.Tracef("table", "t hit")

	child := parent.Fork(p4testgen.NewVarExpr("c", 1))
	child.Set("hdr.h.a", p4testgen.NewConstantExpr8(2))
	child.Set("hdr.h.b", p4testgen.NewConstantExpr8(3))
	child.MarkCovered(2)
	child.Tracef("table", "t miss")
	child.SetProperty(p4testgen.PropertyDrop, true)
	child.AddTestObject("table", "t", &testObject{category: "table", name: "t"})

	if got := parent.Get("hdr.h.a", 8, false).String(); got != "(const 1 8)" {
		t.Fatalf("unexpected parent value: %s", got)
	} else if _, ok := parent.Lookup("hdr.h.b"); ok {
		t.Fatal("unexpected parent binding")
	} else if diff := cmp.Diff([]int{1}, parent.Covered()); diff != "" {
		t.Fatal(diff)
	} else if n := len(parent.Trace()); n != 1 {
		t.Fatalf("unexpected parent trace length: %d", n)
	} else if n, m := len(parent.Constraints()), len(child.Constraints()); n+1 != m {
		t.Fatalf("unexpected constraint counts: %d, %d", n, m)
	} else if parent.BoolProperty(p4testgen.PropertyDrop) {
		t.Fatal("unexpected parent property")
	} else if obj := parent.GetTestObject("table", "t", false); obj != nil {
		t.Fatalf("unexpected parent object: %#v", obj)
	}

	if got := child.Get("hdr.h.a", 8, false).String(); got != "(const 2 8)" {
		t.Fatalf("unexpected child value: %s", got)
	} else if diff := cmp.Diff([]string{"hdr.h.a", "hdr.h.b"}, child.Names()); diff != "" {
		t.Fatal(diff)
	} else if diff := cmp.Diff([]int{1, 2}, child.Covered()); diff != "" {
		t.Fatal(diff)
	} else if !child.BoolProperty(p4testgen.PropertyDrop) {
		t.Fatal("expected child property")
	}
}

func TestExecutionState_Get(t *testing.T) {
	state := p4testgen.NewExecutionState(16, 0)
	if got := state.Get("meta.x", 16, false).String(); got != "(const 0 16)" {
		t.Fatalf("unexpected value: %s", got)
	} else if got := state.Get("meta.x", 16, true); !p4testgen.IsTaintExpr(got) {
		t.Fatalf("expected taint: %s", got)
	}
}

func TestAddConstraint(t *testing.T) {
	a, b := p4testgen.NewVarExpr("a", 1), p4testgen.NewVarExpr("b", 1)

	t.Run("SplitConjunction", func(t *testing.T) {
		constraints := p4testgen.AddConstraint(nil, p4testgen.NewBinaryExpr(p4testgen.AND, a, b))
		if diff := cmp.Diff([]p4testgen.Expr{a, b}, constraints); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("DropTrue", func(t *testing.T) {
		if constraints := p4testgen.AddConstraint(nil, p4testgen.NewBoolConstantExpr(true)); len(constraints) != 0 {
			t.Fatalf("unexpected constraints: %v", constraints)
		}
	})

	t.Run("ErrFalse", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic")
			}
		}()
		p4testgen.AddConstraint(nil, p4testgen.NewBoolConstantExpr(false))
	})
}

func TestExecutionState_Body(t *testing.T) {
	exit := &ir.ExitStatement{}
	ret := &ir.ReturnStatement{}

	t.Run("PushBody", func(t *testing.T) {
		state := p4testgen.NewExecutionState(16, 0)
		first, second := &p4testgen.StatementCommand{Stmt: exit}, &p4testgen.StatementCommand{Stmt: ret}
		state.PushBody(first, second)
		if state.Top() != p4testgen.Command(first) {
			t.Fatalf("unexpected top: %s", state.Top())
		} else if diff := cmp.Diff([]p4testgen.Command{first, second}, state.Body()); diff != "" {
			t.Fatal(diff)
		}

		state.ReplaceTopBody(&p4testgen.ExceptionCommand{Exception: p4testgen.ExceptionNoMatch})
		if got := state.Top().String(); got != "exception: NoMatch" {
			t.Fatalf("unexpected top: %s", got)
		}

		state.PopBody()
		state.PopBody()
		if state.Top() != nil {
			t.Fatalf("unexpected top: %s", state.Top())
		}
	})

	t.Run("UnwindTo", func(t *testing.T) {
		state := p4testgen.NewExecutionState(16, 0)
		ctrl := &p4testgen.Namespace{Kind: p4testgen.ScopeControl, Name: "MyIngress", Prefix: "MyIngress"}
		action := &p4testgen.Namespace{Kind: p4testgen.ScopeAction, Name: "a", Prefix: "MyIngress.a"}

		state.PushNamespace(ctrl)
		state.PushBody(&p4testgen.StatementCommand{Stmt: exit}, &p4testgen.ScopeCommand{Kind: p4testgen.ScopeControl, Name: "MyIngress"})
		state.PushNamespace(action)
		state.PushBody(&p4testgen.StatementCommand{Stmt: ret}, &p4testgen.ScopeCommand{Kind: p4testgen.ScopeAction, Name: "a"})

		if !state.UnwindTo(p4testgen.ScopeAction) {
			t.Fatal("expected unwind")
		} else if state.Namespace() != ctrl {
			t.Fatalf("unexpected namespace: %#v", state.Namespace())
		} else if n := len(state.Body()); n != 2 {
			t.Fatalf("unexpected body length: %d", n)
		}

		if state.UnwindTo(p4testgen.ScopeParser) {
			t.Fatal("unexpected unwind")
		} else if n := len(state.Body()); n != 2 {
			t.Fatalf("unexpected body length: %d", n)
		}
	})
}

func TestExecutionState_Resolve(t *testing.T) {
	state := p4testgen.NewExecutionState(16, 0)
	state.PushNamespace(&p4testgen.Namespace{
		Kind:   p4testgen.ScopeControl,
		Prefix: "MyIngress",
		Decls:  []*ir.Variable{{Name: "meta"}},
	})
	state.PushNamespace(&p4testgen.Namespace{
		Kind:   p4testgen.ScopeAction,
		Prefix: "MyIngress.set",
		Decls:  []*ir.Variable{{Name: "port"}},
	})

	if name, decl := state.Resolve("port"); name != "MyIngress.set.port" || decl == nil {
		t.Fatalf("unexpected resolution: %s", name)
	} else if name, decl := state.Resolve("meta.x"); name != "MyIngress.meta.x" || decl == nil {
		t.Fatalf("unexpected resolution: %s", name)
	} else if name, decl := state.Resolve("hdr.h.a"); name != "hdr.h.a" || decl != nil {
		t.Fatalf("unexpected resolution: %s", name)
	}
}

func TestExecutionState_TestObjects(t *testing.T) {
	state := p4testgen.NewExecutionState(16, 0)
	b := &testObject{category: "table", name: "b"}
	a := &testObject{category: "table", name: "a"}
	state.AddTestObject("table", "b", b)
	state.AddTestObject("table", "a", a)
	state.AddTestObject("tables", "c", &testObject{category: "tables", name: "c"})

	if objs := state.TestObjects("table"); len(objs) != 2 || objs[0] != p4testgen.TestObject(a) || objs[1] != p4testgen.TestObject(b) {
		t.Fatalf("unexpected objects: %#v", objs)
	} else if obj := state.GetTestObject("table", "a", true); obj != p4testgen.TestObject(a) {
		t.Fatalf("unexpected object: %#v", obj)
	}

	t.Run("ErrNotFound", func(t *testing.T) {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("expected panic")
			}
		}()
		state.GetTestObject("table", "z", true)
	})
}

func TestExecutionState_PacketBuffer(t *testing.T) {
	state := p4testgen.NewExecutionState(4, 0)
	state.AppendToPacketBuffer(p4testgen.NewConstantExpr8(0xAB))

	if got := state.SlicePacketBuffer(4).String(); got != "(const 10 4)" {
		t.Fatalf("unexpected slice: %s", got)
	} else if n := state.PacketBufferSize(); n != 4 {
		t.Fatalf("unexpected buffer size: %d", n)
	}

	// Peeking never consumes.
	peek := state.PeekPacketBuffer(12)
	if n := state.PacketBufferSize(); n != 4 {
		t.Fatalf("unexpected buffer size: %d", n)
	} else if n := state.InputPacketCursor(); n != 0 {
		t.Fatalf("unexpected cursor: %d", n)
	}

	// Remaining buffered bits come first, then the input packet.
	slice := state.SlicePacketBuffer(12)
	if diff := cmp.Diff(peek, slice); diff != "" {
		t.Fatal(diff)
	} else if n := state.PacketBufferSize(); n != 0 {
		t.Fatalf("unexpected buffer size: %d", n)
	} else if n := state.InputPacketCursor(); n != 8 {
		t.Fatalf("unexpected cursor: %d", n)
	}

	model := p4testgen.NewModel()
	model.Arrays[state.InputPacketContent().ID] = []byte{0xCD}
	if v := MustEval(t, model, slice); v.Value != 0xBCD {
		t.Fatalf("unexpected value: %#x", v.Value)
	}

	t.Run("Prepend", func(t *testing.T) {
		state := p4testgen.NewExecutionState(4, 0)
		state.AppendToPacketBuffer(p4testgen.NewConstantExpr8(0x02))
		state.PrependToPacketBuffer(p4testgen.NewConstantExpr8(0x01))
		if got := state.SlicePacketBuffer(16).String(); got != "(const 258 16)" {
			t.Fatalf("unexpected slice: %s", got)
		}
	})
}

func TestExecutionState_Emit(t *testing.T) {
	parent := p4testgen.NewExecutionState(16, 0)
	parent.Emit(p4testgen.NewConstantExpr8(1))

	child := parent.Clone()
	child.Emit(p4testgen.NewConstantExpr8(2))
	parent.Emit(p4testgen.NewConstantExpr8(3))

	if got := len(child.EmitBuffer()); got != 2 {
		t.Fatalf("unexpected child emit count: %d", got)
	} else if got := child.EmitBuffer()[1].String(); got != "(const 2 8)" {
		t.Fatalf("unexpected child emit: %s", got)
	} else if got := parent.EmitBuffer()[1].String(); got != "(const 3 8)" {
		t.Fatalf("unexpected parent emit: %s", got)
	}
}

func TestException_Code(t *testing.T) {
	if code := p4testgen.ExceptionNoError.Code(); code != 0 {
		t.Fatalf("unexpected code: %d", code)
	} else if code := p4testgen.ExceptionPacketTooShort.Code(); code != 1 {
		t.Fatalf("unexpected code: %d", code)
	} else if code := p4testgen.Exception("Custom").Code(); code != uint64(len(p4testgen.Exceptions)) {
		t.Fatalf("unexpected code: %d", code)
	}
}
