package targets

import (
	"github.com/benbjohnson/p4testgen"
	"github.com/benbjohnson/p4testgen/ir"
)

// V1Model names.
const (
	StandardMetadata = "standard_metadata"

	// Egress port value that drops the packet.
	BMv2DropPort = 511

	bmv2PortWidth = 9
)

// BMv2 is the behavioral model software switch running the v1model
// architecture. Parser errors other than PacketTooShort are recorded in
// standard_metadata and the packet continues to ingress.
type BMv2 struct {
	p4testgen.BaseTarget
}

// NewBMv2 returns a new instance of BMv2.
func NewBMv2() *BMv2 {
	t := &BMv2{}
	t.DeviceName, t.ArchName = "bmv2", "v1model"

	t.ExternSet = p4testgen.NewExternTable(p4testgen.BaseExterns())
	t.ExternSet.Register(p4testgen.FreeFunction, "mark_to_drop", []string{"standard_metadata"}, t.markToDrop)
	return t
}

// Initialize zeroes standard metadata and makes the ingress port symbolic.
func (t *BMv2) Initialize(state *p4testgen.ExecutionState, prog *ir.Program) error {
	zeroGlobal(state, prog, StandardMetadata)

	port := p4testgen.NewVarExpr(p4testgen.InputPortVarName, bmv2PortWidth)
	state.Set(p4testgen.InputPortVarName, port)
	state.AddConstraint(p4testgen.NewBinaryExpr(p4testgen.ULT, port, p4testgen.NewConstantExpr(BMv2DropPort, bmv2PortWidth)))
	if fieldWidth(prog, StandardMetadata, "ingress_port") == bmv2PortWidth {
		state.Set(StandardMetadata+".ingress_port", port)
	}
	return nil
}

// HandleParserException drops packets that are too short to parse. Other
// errors are stored in standard_metadata and the pipeline continues.
func (t *BMv2) HandleParserException(state *p4testgen.ExecutionState, exc p4testgen.Exception) error {
	if exc == p4testgen.ExceptionPacketTooShort {
		return t.BaseTarget.HandleParserException(state, exc)
	}
	state.Set(p4testgen.ParserErrorVarName, p4testgen.NewConstantExpr32(exc.Code()))
	if w := storedWidth(state, StandardMetadata+".parser_error"); w > 0 {
		state.Set(StandardMetadata+".parser_error", p4testgen.NewConstantExpr(exc.Code(), w))
	}
	return nil
}

// Output returns the egress spec. Port 511 drops the packet.
func (t *BMv2) Output(state *p4testgen.ExecutionState) (port, drop p4testgen.Expr) {
	port = state.Get(StandardMetadata+".egress_spec", bmv2PortWidth, false)
	drop = p4testgen.NewBinaryExpr(p4testgen.EQ, port, p4testgen.NewConstantExpr(BMv2DropPort, bmv2PortWidth))
	if state.BoolProperty(p4testgen.PropertyDrop) {
		drop = p4testgen.NewBoolConstantExpr(true)
	}
	return port, drop
}

// markToDrop sets the egress spec of the given metadata to the drop port.
func (t *BMv2) markToDrop(call *p4testgen.ExternCall, s *p4testgen.Stepper) ([]p4testgen.Branch, error) {
	lhs := &ir.Member{Expr: call.Arg("standard_metadata"), Name: "egress_spec"}
	if err := s.Assign(call.State, lhs, p4testgen.NewConstantExpr(BMv2DropPort, bmv2PortWidth)); err != nil {
		return nil, err
	}
	return single(call.State), nil
}

// storedWidth returns the width of a value already stored in the state, or
// zero if none is.
func storedWidth(state *p4testgen.ExecutionState, name string) uint {
	if v, ok := state.Lookup(name); ok {
		return p4testgen.ExprWidth(v)
	}
	return 0
}
