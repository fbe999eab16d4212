package p4testgen_test

import (
	"testing"

	"github.com/benbjohnson/p4testgen"
	"github.com/google/go-cmp/cmp"
)

func TestArray(t *testing.T) {
	t.Run("Select", func(t *testing.T) {
		t.Run("SingleByte", func(t *testing.T) {
			a := p4testgen.NewArray(1, "pkt", 4)
			if diff := cmp.Diff(
				a.Select(p4testgen.NewConstantExpr64(2), 8, false),
				&p4testgen.SelectExpr{
					Array: a,
					Index: p4testgen.NewConstantExpr64(2),
				},
			); diff != "" {
				t.Fatal(diff)
			}
		})

		t.Run("BigEndian", func(t *testing.T) {
			a := p4testgen.NewArray(1, "pkt", 4)
			if diff := cmp.Diff(
				a.Select(p4testgen.NewConstantExpr64(0), 16, false),
				&p4testgen.ConcatExpr{
					MSB: &p4testgen.SelectExpr{Array: a, Index: p4testgen.NewConstantExpr64(0)},
					LSB: &p4testgen.SelectExpr{Array: a, Index: p4testgen.NewConstantExpr64(1)},
				},
			); diff != "" {
				t.Fatal(diff)
			}
		})

		t.Run("LittleEndian", func(t *testing.T) {
			a := p4testgen.NewArray(1, "pkt", 4)
			if diff := cmp.Diff(
				a.Select(p4testgen.NewConstantExpr64(0), 16, true),
				&p4testgen.ConcatExpr{
					MSB: &p4testgen.SelectExpr{Array: a, Index: p4testgen.NewConstantExpr64(1)},
					LSB: &p4testgen.SelectExpr{Array: a, Index: p4testgen.NewConstantExpr64(0)},
				},
			); diff != "" {
				t.Fatal(diff)
			}
		})
	})

	t.Run("SelectBits", func(t *testing.T) {
		// Byte-aligned reads return the byte itself.
		t.Run("Aligned", func(t *testing.T) {
			a := p4testgen.NewArray(1, "pkt", 4)
			if diff := cmp.Diff(
				a.SelectBits(8, 8),
				&p4testgen.SelectExpr{Array: a, Index: p4testgen.NewConstantExpr64(1)},
			); diff != "" {
				t.Fatal(diff)
			}
		})

		// An unaligned read spanning two bytes takes the low nibble of the
		// first byte and the high nibble of the second.
		t.Run("Unaligned", func(t *testing.T) {
			a := p4testgen.NewArray(1, "pkt", 4)
			if diff := cmp.Diff(
				a.SelectBits(4, 8),
				&p4testgen.ConcatExpr{
					MSB: &p4testgen.ExtractExpr{
						Expr:   &p4testgen.SelectExpr{Array: a, Index: p4testgen.NewConstantExpr64(0)},
						Offset: 0,
						Width:  4,
					},
					LSB: &p4testgen.ExtractExpr{
						Expr:   &p4testgen.SelectExpr{Array: a, Index: p4testgen.NewConstantExpr64(1)},
						Offset: 4,
						Width:  4,
					},
				},
			); diff != "" {
				t.Fatal(diff)
			}
		})

		t.Run("Evaluate", func(t *testing.T) {
			a := p4testgen.NewArray(1, "pkt", 4)
			model := p4testgen.NewModel()
			model.Arrays[a.ID] = []byte{0xAB, 0xCD, 0xEF}

			for _, tt := range []struct {
				offset, width uint
				want          uint64
			}{
				{0, 8, 0xAB},
				{4, 8, 0xBC},
				{0, 24, 0xABCDEF},
				{12, 3, 0x6},
				{24, 8, 0}, // unbound bytes are zero
			} {
				v, err := p4testgen.NewExprEvaluator(model).Evaluate(a.SelectBits(tt.offset, tt.width))
				if err != nil {
					t.Fatal(err)
				} else if v.Value != tt.want {
					t.Fatalf("SelectBits(%d, %d)=%#x, want %#x", tt.offset, tt.width, v.Value, tt.want)
				}
			}
		})
	})

	t.Run("IsSymbolic", func(t *testing.T) {
		if !p4testgen.NewArray(1, "pkt", 4).IsSymbolic() {
			t.Fatal("expected symbolic")
		} else if p4testgen.NewArray(1, "pkt", 0).IsSymbolic() {
			t.Fatal("expected concrete")
		}
	})

	t.Run("String", func(t *testing.T) {
		if got, want := p4testgen.NewArray(1, "pkt", 4).String(), "(array pkt 4)"; got != want {
			t.Fatalf("unexpected string: %s", got)
		} else if got, want := p4testgen.NewArray(2, "", 4).String(), "(array #2 4)"; got != want {
			t.Fatalf("unexpected string: %s", got)
		}
	})
}

func TestCompareArray(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		if cmp := p4testgen.CompareArray(nil, nil); cmp != 0 {
			t.Fatalf("unexpected compare: %d", cmp)
		} else if cmp := p4testgen.CompareArray(nil, p4testgen.NewArray(0, "", 2)); cmp != -1 {
			t.Fatalf("unexpected compare: %d", cmp)
		} else if cmp := p4testgen.CompareArray(p4testgen.NewArray(0, "", 2), nil); cmp != 1 {
			t.Fatalf("unexpected compare: %d", cmp)
		}
	})

	t.Run("ID", func(t *testing.T) {
		if cmp := p4testgen.CompareArray(p4testgen.NewArray(1, "", 2), p4testgen.NewArray(2, "", 2)); cmp != -1 {
			t.Fatalf("unexpected compare: %d", cmp)
		} else if cmp := p4testgen.CompareArray(p4testgen.NewArray(2, "", 2), p4testgen.NewArray(1, "", 2)); cmp != 1 {
			t.Fatalf("unexpected compare: %d", cmp)
		}
	})

	t.Run("Size", func(t *testing.T) {
		if cmp := p4testgen.CompareArray(p4testgen.NewArray(0, "", 2), p4testgen.NewArray(0, "", 2)); cmp != 0 {
			t.Fatalf("unexpected compare: %d", cmp)
		} else if cmp := p4testgen.CompareArray(p4testgen.NewArray(0, "", 1), p4testgen.NewArray(0, "", 2)); cmp != -1 {
			t.Fatalf("unexpected compare: %d", cmp)
		} else if cmp := p4testgen.CompareArray(p4testgen.NewArray(0, "", 2), p4testgen.NewArray(0, "", 1)); cmp != 1 {
			t.Fatalf("unexpected compare: %d", cmp)
		}
	})
}
