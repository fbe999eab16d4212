package targets

import (
	"github.com/benbjohnson/p4testgen"
	"github.com/benbjohnson/p4testgen/ir"
)

// PNA is the portable NIC architecture. Packets are dropped unless a port is
// chosen with send_to_port, and parser exceptions drop the packet.
type PNA struct {
	p4testgen.BaseTarget
}

// NewPNA returns a new instance of PNA.
func NewPNA() *PNA {
	t := &PNA{}
	t.DeviceName, t.ArchName = "dpdk", "pna"

	t.ExternSet = p4testgen.NewExternTable(p4testgen.BaseExterns())
	t.ExternSet.Register(p4testgen.FreeFunction, "drop_packet", nil, pnaDropPacket)
	t.ExternSet.Register(p4testgen.FreeFunction, "send_to_port", []string{"dest_port"}, pnaSendToPort)
	return t
}

// Initialize marks the packet as dropped until a port is chosen.
func (t *PNA) Initialize(state *p4testgen.ExecutionState, prog *ir.Program) error {
	state.SetProperty(p4testgen.PropertyDrop, true)
	return nil
}

// SupportsActionSelector returns false.
func (t *PNA) SupportsActionSelector() bool { return false }

func pnaDropPacket(call *p4testgen.ExternCall, s *p4testgen.Stepper) ([]p4testgen.Branch, error) {
	call.State.SetProperty(p4testgen.PropertyDrop, true)
	return single(call.State), nil
}

func pnaSendToPort(call *p4testgen.ExternCall, s *p4testgen.Stepper) ([]p4testgen.Branch, error) {
	port, err := s.Eval(call.State, call.Arg("dest_port"), p4testgen.Width32)
	if err != nil {
		return nil, err
	}
	call.State.Set(p4testgen.OutputPortVarName, p4testgen.NewCastExpr(port, p4testgen.Width32, false))
	call.State.SetProperty(p4testgen.PropertyDrop, false)
	return single(call.State), nil
}
