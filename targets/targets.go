// Package targets implements the devices tests can be generated for.
package targets

import (
	"github.com/benbjohnson/p4testgen"
	"github.com/benbjohnson/p4testgen/ir"
)

// NewRegistry returns a registry holding every built-in target.
func NewRegistry() *p4testgen.TargetRegistry {
	r := p4testgen.NewTargetRegistry()
	Register(r)
	return r
}

// Register adds the built-in targets to r.
func Register(r *p4testgen.TargetRegistry) {
	r.Register(NewBMv2())
	r.Register(NewPNA())
	r.Register(NewTofino())
}

// zeroGlobal sets every scalar field of a global struct to zero. It is a
// no-op if the program does not declare the global.
func zeroGlobal(state *p4testgen.ExecutionState, prog *ir.Program, name string) {
	v := prog.Global(name)
	if v == nil {
		return
	}
	zeroFields(state, name, v.Type)
}

func zeroFields(state *p4testgen.ExecutionState, prefix string, t ir.Type) {
	if _, ok := t.(*ir.VarbitType); ok {
		return
	} else if ir.IsScalar(t) {
		if w := uint(ir.Width(t)); w <= p4testgen.Width64 {
			state.Set(prefix, p4testgen.NewConstantExpr(0, w))
		}
		return
	}
	for _, f := range ir.FieldsOf(t) {
		if _, ok := f.Type.(*ir.HeaderType); ok {
			continue
		}
		zeroFields(state, prefix+"."+f.Name, f.Type)
	}
}

// fieldWidth returns the width of a field of a global struct, or zero if
// either is not declared.
func fieldWidth(prog *ir.Program, global, field string) uint {
	v := prog.Global(global)
	if v == nil {
		return 0
	}
	for _, f := range ir.FieldsOf(v.Type) {
		if f.Name == field {
			return uint(ir.Width(f.Type))
		}
	}
	return 0
}

// single returns a single unconditional branch to state.
func single(state *p4testgen.ExecutionState) []p4testgen.Branch {
	return []p4testgen.Branch{{Next: state}}
}
