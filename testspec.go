package p4testgen

import (
	"encoding/hex"
	"fmt"
)

// TestSpec is a concrete test case derived from a terminal path.
type TestSpec struct {
	ID           int             `yaml:"id"`
	Status       ExecutionStatus `yaml:"status"`
	Reason       string          `yaml:"reason,omitempty"`
	InputPort    uint64          `yaml:"input_port"`
	InputPacket  HexBytes        `yaml:"input_packet"`
	Output       *ExpectedOutput `yaml:"expected_output,omitempty"`
	ControlPlane *ControlPlane   `yaml:"control_plane,omitempty"`
	Trace        []string        `yaml:"trace,omitempty"`
	Covered      []int           `yaml:"covered,omitempty"`
}

// Dropped returns true if the packet is expected to be dropped.
func (t *TestSpec) Dropped() bool { return t.Output == nil }

// ExpectedOutput is the packet expected on an egress port. Mask bits that
// are zero are don't-care bits.
type ExpectedOutput struct {
	Port   uint64   `yaml:"port"`
	Packet HexBytes `yaml:"packet"`
	Mask   HexBytes `yaml:"mask"`
}

// HexBytes is a byte slice that is marshaled as a hex string.
type HexBytes []byte

// MarshalYAML returns the bytes as a hex string.
func (b HexBytes) MarshalYAML() (interface{}, error) {
	return hex.EncodeToString(b), nil
}

// UnmarshalYAML decodes a hex string.
func (b *HexBytes) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	buf, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*b = buf
	return nil
}

// SymbolicValues returns every expression a test built from state depends
// on: constraints, output values and control-plane objects.
func SymbolicValues(state *ExecutionState, target Target) []Expr {
	a := append([]Expr{}, state.Constraints()...)
	a = append(a, state.InputPacketSizeVar())
	a = append(a, state.EmitBuffer()...)
	if state.packetBuffer != nil {
		a = append(a, state.packetBuffer)
	}
	if port, ok := state.Lookup(InputPortVarName); ok {
		a = append(a, port)
	}

	port, drop := target.Output(state)
	a = append(a, port, drop)

	for _, obj := range state.TestObjects(CategoryTableConfig) {
		for _, rule := range obj.(*TableConfig).Rules {
			for _, fm := range rule.Matches {
				switch m := fm.Match.(type) {
				case *ExactMatch:
					a = append(a, m.Value)
				case *TernaryMatch:
					a = append(a, m.Value, m.Mask)
				case *LPMMatch:
					a = append(a, m.Value, m.PrefixLen)
				case *RangeMatch:
					a = append(a, m.Min, m.Max)
				case *OptionalMatch:
					a = append(a, m.Value)
				}
			}
			if rule.Action != nil {
				a = append(a, rule.Action.Values()...)
			}
		}
	}
	for _, obj := range state.TestObjects(CategoryActionProfile) {
		for _, call := range obj.(*ActionProfile).Actions {
			a = append(a, call.Values()...)
		}
	}
	for _, obj := range state.TestObjects(CategoryRegister) {
		a = append(a, obj.(*RegisterValue).Value)
	}
	return a
}

// NewTestSpec builds a concrete test from a terminal state and a model of
// its constraints.
func NewTestSpec(id int, state *ExecutionState, target Target, model *Model) (*TestSpec, error) {
	ee := NewExprEvaluator(model)
	spec := &TestSpec{
		ID:      id,
		Status:  state.Status(),
		Reason:  state.Reason(),
		Covered: state.Covered(),
	}
	for _, e := range state.Trace() {
		spec.Trace = append(spec.Trace, e.String())
	}

	// Input packet.
	size, err := ee.Evaluate(state.InputPacketSizeVar())
	if err != nil {
		return nil, fmt.Errorf("packet size: %w", err)
	}
	n := size.Value / 8
	content := model.Arrays[state.InputPacketContent().ID]
	spec.InputPacket = make(HexBytes, n)
	copy(spec.InputPacket, content)

	if port, ok := state.Lookup(InputPortVarName); ok {
		v, err := ee.Evaluate(port)
		if err != nil {
			return nil, fmt.Errorf("input port: %w", err)
		}
		spec.InputPort = v.Value
	}

	// Control plane.
	if spec.ControlPlane, err = SynthesizeControlPlane(state, ee); err != nil {
		return nil, err
	}

	// Expected output, unless the packet is dropped.
	if state.Status() == ExecutionStatusDropped {
		return spec, nil
	}
	port, drop := target.Output(state)
	if v, err := ee.Evaluate(drop); err != nil {
		return nil, fmt.Errorf("drop: %w", err)
	} else if v.IsTrue() {
		spec.Status = ExecutionStatusDropped
		return spec, nil
	}

	portValue, err := ee.Evaluate(port)
	if err != nil {
		return nil, fmt.Errorf("output port: %w", err)
	}
	out := &ExpectedOutput{Port: portValue.Value}

	var w bitWriter
	for _, expr := range state.EmitBuffer() {
		if err := w.writeExpr(ee, expr); err != nil {
			return nil, err
		}
	}
	if buf := state.packetBuffer; buf != nil {
		if err := w.writeExpr(ee, buf); err != nil {
			return nil, err
		}
	}
	for i := uint64(state.InputPacketCursor()); i < size.Value; i++ {
		bit := (spec.InputPacket[i/8] >> (7 - i%8)) & 1
		w.writeBits(uint64(bit), 1, true)
	}
	out.Packet, out.Mask = w.buf, w.mask
	spec.Output = out

	return spec, nil
}

// bitWriter writes a big-endian bit stream with a care mask.
type bitWriter struct {
	buf  []byte
	mask []byte
	n    uint
}

// writeExpr writes the value of expr. Tainted expressions are written as
// don't-care bits. Wide expressions are written in 64-bit chunks.
func (w *bitWriter) writeExpr(ee *ExprEvaluator, expr Expr) error {
	width := ExprWidth(expr)
	for width > 0 {
		chunk := width
		if chunk > Width64 {
			chunk = Width64
		}
		part := NewExtractExpr(expr, width-chunk, chunk)
		width -= chunk

		if HasTaint(part) {
			w.writeBits(0, chunk, false)
			continue
		}
		v, err := ee.Evaluate(part)
		if err != nil {
			return err
		}
		w.writeBits(v.Value, chunk, true)
	}
	return nil
}

func (w *bitWriter) writeBits(v uint64, width uint, care bool) {
	for i := width; i > 0; i-- {
		if w.n%8 == 0 {
			w.buf = append(w.buf, 0)
			w.mask = append(w.mask, 0)
		}
		shift := 7 - w.n%8
		w.buf[len(w.buf)-1] |= byte((v>>(i-1))&1) << shift
		if care {
			w.mask[len(w.mask)-1] |= 1 << shift
		}
		w.n++
	}
}
