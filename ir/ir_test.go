package ir_test

import (
	"strings"
	"testing"

	"github.com/benbjohnson/p4testgen/ir"
	"github.com/google/go-cmp/cmp"
)

func TestParseExpression(t *testing.T) {
	for _, tt := range []struct {
		name string
		s    string
		want string
	}{
		{"Path", "hdr.h.a", "hdr.h.a"},
		{"Precedence", "a + b * c", "(a + (b * c))"},
		{"LeftAssociative", "a - b - c", "((a - b) - c)"},
		{"Logical", "hdr.ip.ttl == 1 && x", "((hdr.ip.ttl == 1) && x)"},
		{"Compare", "a >= 16w5", "(a >= 16w5)"},
		{"Concat", "a ++ b", "(a ++ b)"},
		{"Unary", "!a.isValid()", "!a.isValid()"},
		{"Slice", "hdr.h.a[7:4]", "hdr.h.a[7:4]"},
		{"Cast", "(bit<16>)x", "(bit<16>)x"},
		{"Paren", "(a + b) * c", "((a + b) * c)"},
		{"Mux", "c ? a : b", "(c ? a : b)"},
		{"MethodCall", "pkt.extract(hdr.h)", "pkt.extract(hdr.h)"},
		{"FreeCall", "mark_to_drop(standard_metadata)", "mark_to_drop(standard_metadata)"},
		{"TypeArgs", "pkt.lookahead<bit<8>>()", "pkt.lookahead<bit<8>>()"},
		{"NamedArgs", "pkt.f(b = 1, a = x + 1)", "pkt.f(b = 1, a = (x + 1))"},
		{"EqualArg", "f(a == b)", "f((a == b))"},
		{"Hex", "0x800", "2048"},
		{"TableHit", "t.apply().hit", "t.apply().hit"},
		{"TableMiss", "t.apply().miss", "t.apply().miss"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := ir.ParseExpression(tt.s)
			if err != nil {
				t.Fatal(err)
			} else if got := expr.String(); got != tt.want {
				t.Fatalf("unexpected expression: %s", got)
			}
		})
	}

	t.Run("TableHitNode", func(t *testing.T) {
		if diff := cmp.Diff(&ir.TableHit{Table: "MyIngress.t", Miss: true}, ir.MustParseExpression("MyIngress.t.apply().miss")); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ArgNames", func(t *testing.T) {
		call := ir.MustParseExpression("f(b = 1, a = 2)").(*ir.MethodCall)
		if diff := cmp.Diff([]string{"b", "a"}, call.ArgNames); diff != "" {
			t.Fatal(diff)
		} else if call := ir.MustParseExpression("f(1, 2)").(*ir.MethodCall); call.ArgNames != nil {
			t.Fatalf("unexpected names: %v", call.ArgNames)
		}
	})

	t.Run("ErrMixedArgs", func(t *testing.T) {
		if _, err := ir.ParseExpression("f(a = 1, 2)"); err == nil || !strings.Contains(err.Error(), "cannot mix") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrSyntax", func(t *testing.T) {
		if _, err := ir.ParseExpression("a +"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("ErrInvalidSlice", func(t *testing.T) {
		if _, err := ir.ParseExpression("x[3:4]"); err == nil || !strings.Contains(err.Error(), "invalid slice") {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestParseConstant(t *testing.T) {
	for _, tt := range []struct {
		s    string
		want *ir.Constant
	}{
		{"10", &ir.Constant{Value: 10}},
		{"0x800", &ir.Constant{Value: 0x800}},
		{"0b1010", &ir.Constant{Value: 10}},
		{"1_000", &ir.Constant{Value: 1000}},
		{"16w0x800", &ir.Constant{Value: 0x800, Type: &ir.BitsType{Width: 16}}},
		{"8s5", &ir.Constant{Value: 5, Type: &ir.BitsType{Width: 8, Signed: true}}},
	} {
		c, err := ir.ParseConstant(tt.s)
		if err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(tt.want, c); diff != "" {
			t.Fatalf("%s: %s", tt.s, diff)
		}
	}

	if _, err := ir.ParseConstant("xyz"); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseKeyset(t *testing.T) {
	for _, tt := range []struct {
		s    string
		want *ir.Keyset
		str  string
	}{
		{"0x0800", &ir.Keyset{Kind: ir.KeysetValue, Value: 0x800}, "0x800"},
		{"0x800 &&& 0xF00", &ir.Keyset{Kind: ir.KeysetMask, Value: 0x800, Mask: 0xF00}, "0x800 &&& 0xf00"},
		{"0x0a000000/8", &ir.Keyset{Kind: ir.KeysetPrefix, Value: 0x0a000000, PrefixLen: 8}, "0xa000000/8"},
		{"1..5", &ir.Keyset{Kind: ir.KeysetRange, Low: 1, High: 5}, "0x1..0x5"},
		{"default", &ir.Keyset{Kind: ir.KeysetDefault}, "default"},
		{"_", &ir.Keyset{Kind: ir.KeysetDefault}, "default"},
	} {
		ks, err := ir.ParseKeyset(tt.s)
		if err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(tt.want, ks); diff != "" {
			t.Fatalf("%s: %s", tt.s, diff)
		} else if got := ks.String(); got != tt.str {
			t.Fatalf("%s: unexpected string: %s", tt.s, got)
		}
	}

	if _, err := ir.ParseKeyset("1/x"); err == nil {
		t.Fatal("expected error")
	}
}

func TestParseScalarType(t *testing.T) {
	for _, tt := range []struct {
		s     string
		want  ir.Type
		width int
	}{
		{"bit<9>", &ir.BitsType{Width: 9}, 9},
		{"int<16>", &ir.BitsType{Width: 16, Signed: true}, 16},
		{"varbit<320>", &ir.VarbitType{MaxWidth: 320}, 320},
		{"bool", &ir.BoolType{}, 1},
	} {
		typ, err := ir.ParseScalarType(tt.s)
		if err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(tt.want, typ); diff != "" {
			t.Fatalf("%s: %s", tt.s, diff)
		} else if w := ir.Width(typ); w != tt.width {
			t.Fatalf("%s: unexpected width: %d", tt.s, w)
		} else if typ.String() != tt.s {
			t.Fatalf("unexpected string: %s", typ.String())
		}
	}
}

func TestLoadFile(t *testing.T) {
	prog, err := ir.LoadFile("../testdata/v1model_table.yaml")
	if err != nil {
		t.Fatal(err)
	}

	if prog.Name != "v1model_table" || prog.Arch != "v1model" {
		t.Fatalf("unexpected program: %s/%s", prog.Name, prog.Arch)
	} else if diff := cmp.Diff([]string{"MyParser", "MyIngress", "MyDeparser"}, prog.Pipeline); diff != "" {
		t.Fatal(diff)
	}

	t.Run("Types", func(t *testing.T) {
		hdr := prog.Global("hdr")
		if hdr == nil {
			t.Fatal("expected hdr")
		} else if w := ir.Width(hdr.Type); w != 16 {
			t.Fatalf("unexpected width: %d", w)
		} else if f := hdr.Type.(*ir.StructType).Field("h"); f == nil || f.Type != prog.LookupType("h_t") {
			t.Fatalf("unexpected field: %#v", f)
		}
	})

	t.Run("Numbering", func(t *testing.T) {
		var a []string
		for _, stmt := range prog.Statements() {
			a = append(a, ir.StatementString(stmt))
		}
		if diff := cmp.Diff([]string{
			"pkt.extract(hdr.h)",
			"hdr.h.b = 1",
			"hdr.h.b = x",
			"mark_to_drop(standard_metadata)",
			"standard_metadata.egress_spec = 2",
			"t.apply()",
			"out.emit(hdr.h)",
		}, a); diff != "" {
			t.Fatal(diff)
		}

		for i, stmt := range prog.Statements() {
			if stmt.ID() != i+1 {
				t.Fatalf("unexpected id: %d", stmt.ID())
			} else if prog.Statement(i+1) != stmt {
				t.Fatalf("unexpected statement: %d", i+1)
			}
		}
		if prog.Statement(0) != nil || prog.Statement(8) != nil {
			t.Fatal("expected out of range statements to be nil")
		}
	})

	t.Run("NoAction", func(t *testing.T) {
		ctrl := prog.Control("MyIngress")
		if ctrl.Action(ir.NoAction) == nil {
			t.Fatal("expected implicit NoAction")
		} else if tbl := ctrl.Table("t"); tbl.DefaultAction.Name != ir.NoAction {
			t.Fatalf("unexpected default action: %s", tbl.DefaultAction.Name)
		} else if name := tbl.Keys[0].FieldName(); name != "hdr_h_a" {
			t.Fatalf("unexpected field name: %s", name)
		}
	})

	t.Run("References", func(t *testing.T) {
		if !prog.References("standard_metadata.egress_spec") {
			t.Fatal("expected reference")
		} else if prog.References("standard_metadata.parser_error") {
			t.Fatal("unexpected reference")
		}
	})
}

func TestLoadFile_Select(t *testing.T) {
	prog, err := ir.LoadFile("../testdata/v1model_select.yaml")
	if err != nil {
		t.Fatal(err)
	}

	start := prog.Parser("MyParser").State(ir.StateStart)
	if start.ID() != 1 {
		t.Fatalf("unexpected state id: %d", start.ID())
	} else if n := len(prog.ParserStates()); n != 2 {
		t.Fatalf("unexpected state count: %d", n)
	}

	sel := start.Transition.Select
	if got := sel.Keys[0].String(); got != "hdr.eth.type" {
		t.Fatalf("unexpected key: %s", got)
	} else if n := len(sel.Cases); n != 2 {
		t.Fatalf("unexpected case count: %d", n)
	} else if got := sel.Cases[1].Keysets[0].String(); got != "0xdead" {
		t.Fatalf("unexpected keyset: %s", got)
	} else if sel.Cases[0].IsDefault() {
		t.Fatal("unexpected default case")
	}

	stmt := prog.Control("MyIngress").Body[0].(*ir.IfStatement)
	if n, m := len(stmt.Then), len(stmt.Else); n != 2 || m != 1 {
		t.Fatalf("unexpected branches: %d/%d", n, m)
	}
}

func TestUnmarshal(t *testing.T) {
	const header = `
name: p
arch: v1model
`
	for _, tt := range []struct {
		name string
		doc  string
		err  string
	}{
		{
			name: "ErrUnknownField",
			doc:  header + "bogus: 1\npipeline: [P]\n",
			err:  "field bogus not found",
		},
		{
			name: "ErrPipelineRequired",
			doc:  header,
			err:  "pipeline required",
		},
		{
			name: "ErrBlockNotFound",
			doc:  header + "pipeline: [P]\n",
			err:  `pipeline block not found: "P"`,
		},
		{
			name: "ErrStartNotFound",
			doc: header + `
parsers:
  - name: P
    states:
      - {name: parse, transition: accept}
pipeline: [P]
`,
			err: "parser P: start state not found",
		},
		{
			name: "ErrUnknownState",
			doc: header + `
parsers:
  - name: P
    states:
      - {name: start, transition: parse}
pipeline: [P]
`,
			err: `transition to unknown state "parse"`,
		},
		{
			name: "ErrTransitionRequired",
			doc: header + `
parsers:
  - name: P
    states:
      - {name: start}
pipeline: [P]
`,
			err: "transition required",
		},
		{
			name: "ErrActionNotFound",
			doc: header + `
controls:
  - name: C
    tables:
      - {name: t, actions: [a]}
pipeline: [C]
`,
			err: `action not found: "a"`,
		},
		{
			name: "ErrKeysetCount",
			doc: header + `
controls:
  - name: C
    actions:
      - {name: a}
    tables:
      - name: t
        keys:
          - {expr: x, match: exact}
        actions: [a]
        entries:
          - {keysets: ["1", "2"], action: a}
pipeline: [C]
`,
			err: "expected 1 keysets, got 2",
		},
		{
			name: "ErrUnknownStatement",
			doc: header + `
controls:
  - name: C
    body:
      - loop: forever
pipeline: [C]
`,
			err: `unknown statement "loop"`,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ir.Unmarshal([]byte(tt.doc)); err == nil || !strings.Contains(err.Error(), tt.err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestUnmarshal_Statements(t *testing.T) {
	prog, err := ir.Unmarshal([]byte(`
name: p
arch: v1model
controls:
  - name: C
    actions:
      - name: a
        body:
          - return
      - name: b
        body:
          - exit
    tables:
      - name: t
        keys:
          - {expr: hdr.h.a, match: ternary}
        actions: [a, b]
        default_action: b
        entries:
          - {keysets: ["0x01 &&& 0x0f"], action: a, priority: 10}
        const: true
    body:
      - switch:
          table: t
          cases:
            - label: a
              body:
                - assign: x = 1
            - label: default
      - if:
          cond: t.apply().hit
          then:
            - exit
pipeline: [C]
`))
	if err != nil {
		t.Fatal(err)
	}

	ctrl := prog.Control("C")
	tbl := ctrl.Table("t")
	if !tbl.Immutable {
		t.Fatal("expected immutable table")
	} else if ctrl.Action(ir.NoAction) != nil {
		t.Fatal("unexpected NoAction")
	} else if diff := cmp.Diff(&ir.Entry{
		Keysets:  []*ir.Keyset{{Kind: ir.KeysetMask, Value: 1, Mask: 0xf}},
		Action:   &ir.ActionRef{Name: "a"},
		Priority: 10,
	}, tbl.Entries[0]); diff != "" {
		t.Fatal(diff)
	}

	sw := ctrl.Body[0].(*ir.SwitchStatement)
	if sw.Table != "t" || len(sw.Cases) != 2 || len(sw.Cases[1].Body) != 0 {
		t.Fatalf("unexpected switch: %#v", sw)
	}

	var a []string
	for _, stmt := range prog.Statements() {
		a = append(a, ir.StatementString(stmt))
	}
	if diff := cmp.Diff([]string{
		"return",
		"exit",
		"switch (t.apply().action_run)",
		"x = 1",
		"if (t.apply().hit)",
		"exit",
	}, a); diff != "" {
		t.Fatal(diff)
	}
}
