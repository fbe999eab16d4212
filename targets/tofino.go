package targets

import (
	"fmt"

	"github.com/benbjohnson/p4testgen"
	"github.com/benbjohnson/p4testgen/ir"
)

// TNA metadata names.
const (
	IngressIntrinsicMetadata = "ig_intr_md"
	IngressParserMetadata    = "ig_prsr_md"
	IngressDeparserMetadata  = "ig_dprsr_md"
	IngressTrafficManager    = "ig_tm_md"

	// Bits of the packet reserved for the Ethernet frame check sequence.
	TofinoFCSBits = 32

	// Smallest frame the device accepts.
	TofinoMinPacketBytes = 64

	tofinoPortWidth = 9
)

// Tofino is the Tofino switch running the tofino native architecture. Reads
// of uninitialized values are tainted.
type Tofino struct {
	p4testgen.BaseTarget
}

// NewTofino returns a new instance of Tofino.
func NewTofino() *Tofino {
	t := &Tofino{}
	t.DeviceName, t.ArchName = "tofino", "tna"

	t.ExternSet = p4testgen.NewExternTable(p4testgen.BaseExterns())
	t.ExternSet.Register(ir.ExternRegisterAction, "execute", []string{"index"}, tofinoRegisterActionExecute)
	return t
}

// ForceTaint returns true. Unset variables read as taint.
func (t *Tofino) ForceTaint() bool { return true }

// MinPacketBytes returns the minimum frame size.
func (t *Tofino) MinPacketBytes() uint { return TofinoMinPacketBytes }

// Initialize reserves the frame check sequence, zeroes intrinsic metadata
// and makes the ingress port symbolic.
func (t *Tofino) Initialize(state *p4testgen.ExecutionState, prog *ir.Program) error {
	state.SetProperty(p4testgen.PropertyFCSLeft, TofinoFCSBits)
	state.SetProperty(p4testgen.PropertyParserErrReferenced, prog.References(IngressParserMetadata+".parser_err"))

	for _, name := range []string{IngressIntrinsicMetadata, IngressParserMetadata, IngressDeparserMetadata, IngressTrafficManager} {
		zeroGlobal(state, prog, name)
	}

	port := p4testgen.NewVarExpr(p4testgen.InputPortVarName, tofinoPortWidth)
	state.Set(p4testgen.InputPortVarName, port)
	if fieldWidth(prog, IngressIntrinsicMetadata, "ingress_port") == tofinoPortWidth {
		state.Set(IngressIntrinsicMetadata+".ingress_port", port)
	}
	return nil
}

// HandleParserException continues to ingress with the error recorded if the
// program reads the parser error. Otherwise the packet is dropped.
func (t *Tofino) HandleParserException(state *p4testgen.ExecutionState, exc p4testgen.Exception) error {
	if !state.BoolProperty(p4testgen.PropertyParserErrReferenced) {
		return t.BaseTarget.HandleParserException(state, exc)
	}
	state.Set(p4testgen.ParserErrorVarName, p4testgen.NewConstantExpr32(exc.Code()))
	if w := storedWidth(state, IngressParserMetadata+".parser_err"); w > 0 {
		state.Set(IngressParserMetadata+".parser_err", p4testgen.NewConstantExpr(exc.Code(), w))
	}
	return nil
}

// Output returns the unicast egress port. The packet is dropped if bit 0 of
// drop_ctl is set.
func (t *Tofino) Output(state *p4testgen.ExecutionState) (port, drop p4testgen.Expr) {
	port = state.Get(IngressTrafficManager+".ucast_egress_port", tofinoPortWidth, true)

	drop = p4testgen.NewBoolConstantExpr(state.BoolProperty(p4testgen.PropertyDrop))
	if ctl, ok := state.Lookup(IngressDeparserMetadata + ".drop_ctl"); ok && p4testgen.ExprWidth(ctl) > 0 {
		bit := p4testgen.NewExtractExpr(ctl, 0, 1)
		if p4testgen.HasTaint(bit) {
			bit = p4testgen.NewBoolConstantExpr(false)
		}
		drop = p4testgen.NewBinaryExpr(p4testgen.OR, drop, bit)
	}
	return port, drop
}

// tofinoRegisterActionExecute models RegisterAction<T, I, U>.execute(index).
// The register action body is not interpreted so the result is tainted.
func tofinoRegisterActionExecute(call *p4testgen.ExternCall, s *p4testgen.Stepper) ([]p4testgen.Branch, error) {
	inst := call.Instance
	if len(inst.TypeArgs) != 3 {
		return nil, &p4testgen.BugError{Message: fmt.Sprintf("register action %s: expected 3 type arguments, got %d", inst.Name, len(inst.TypeArgs))}
	}

	width, err := s.ResultWidth(call)
	if err != nil {
		return nil, err
	} else if width == 0 {
		return single(call.State), nil
	}

	s.Warnf(call.State, "register action %s is not modeled, result is tainted", inst.Name)
	if err := s.SetResult(call, p4testgen.NewTaintExpr(width, false)); err != nil {
		return nil, err
	}
	return single(call.State), nil
}
