package p4testgen

import (
	"log"

	"github.com/benbjohnson/p4testgen/ir"
)

// stepParserState executes the statements of a parser state and queues its
// transition.
func (s *Stepper) stepParserState(next *ExecutionState, cmd *ParserStateCommand) ([]Branch, error) {
	if cmd.State == nil {
		return nil, bugf("parser %s: missing state", cmd.Parser.Name)
	}

	next.parserStates++
	if s.MaxParserStates > 0 && next.parserStates > s.MaxParserStates {
		s.Warnf(next, "parser %s: state limit of %d exceeded", cmd.Parser.Name, s.MaxParserStates)
		next.ReplaceTopBody(&ExceptionCommand{Exception: ExceptionStackOutOfBounds})
		return single(next), nil
	}

	next.Tracef("parser", "%s.%s", cmd.Parser.Name, cmd.State.Name)
	next.ReplaceTopBody(append(
		statementCommands(cmd.State.Statements),
		&TransitionCommand{Parser: cmd.Parser, State: cmd.State},
	)...)
	return single(next), nil
}

// stepTransition forks on the cases of a select transition.
func (s *Stepper) stepTransition(next *ExecutionState, cmd *TransitionCommand) ([]Branch, error) {
	next.PopBody()

	t := cmd.State.Transition
	if t == nil {
		return nil, bugf("parser state %s: missing transition", cmd.State.Name)
	} else if t.Select == nil {
		if err := s.gotoState(next, cmd.Parser, t.Next); err != nil {
			return nil, err
		}
		return single(next), nil
	}

	keys := make([]Expr, len(t.Select.Keys))
	for i, key := range t.Select.Keys {
		v, err := s.Eval(next, key, 0)
		if err != nil {
			return nil, err
		}
		keys[i] = v
	}

	var branches []Branch
	var prior []Expr
	var hasDefault bool
	for _, c := range t.Select.Cases {
		if len(c.Keysets) != len(keys) {
			return nil, bugf("parser state %s: select case has %d keysets, expected %d", cmd.State.Name, len(c.Keysets), len(keys))
		}

		var match Expr = NewBoolConstantExpr(true)
		if c.IsDefault() {
			hasDefault = true
		} else {
			conds := make([]Expr, len(keys))
			for i, ks := range c.Keysets {
				conds[i] = KeysetMatch(keys[i], ks)
			}
			match = NewConjunctionExpr(conds...)
		}

		if HasTaint(match) {
			s.Warnf(next, "parser state %s: tainted select key", cmd.State.Name)
			match = s.choice(next, "select", WidthBool)
		}

		guard := NewBinaryExpr(AND, match, NewIsZeroExpr(NewDisjunctionExpr(prior...)))
		prior = append(prior, match)
		if IsConstantFalse(guard) {
			continue
		}

		child := next.Clone()
		if err := s.gotoState(child, cmd.Parser, c.Next); err != nil {
			return nil, err
		}
		branches = append(branches, Branch{Condition: guard, Next: child})

		if hasDefault || IsConstantTrue(guard) {
			break
		}
	}

	if !hasDefault {
		guard := NewIsZeroExpr(NewDisjunctionExpr(prior...))
		if !IsConstantFalse(guard) {
			child := next.Clone()
			child.PushBody(&ExceptionCommand{Exception: ExceptionNoMatch})
			branches = append(branches, Branch{Condition: guard, Next: child})
		}
	}
	return branches, nil
}

// gotoState queues the parser state called name.
func (s *Stepper) gotoState(state *ExecutionState, parser *ir.Parser, name string) error {
	switch name {
	case ir.StateAccept:
		state.Tracef("parser", "%s.accept", parser.Name)
		return nil
	case ir.StateReject:
		state.PushBody(&ExceptionCommand{Exception: ExceptionNoError})
		return nil
	}

	next := parser.State(name)
	if next == nil {
		return bugf("parser %s: unknown state %q", parser.Name, name)
	}
	state.PushBody(&ParserStateCommand{Parser: parser, State: next})
	return nil
}

// KeysetMatch returns a boolean expression that is true if key matches ks.
func KeysetMatch(key Expr, ks *ir.Keyset) Expr {
	w := ExprWidth(key)
	switch ks.Kind {
	case ir.KeysetMask:
		mask := NewConstantExpr(ks.Mask, w)
		return NewBinaryExpr(EQ, NewBinaryExpr(AND, key, mask), NewConstantExpr(ks.Value&ks.Mask, w))
	case ir.KeysetPrefix:
		mask := prefixMask(uint(ks.PrefixLen), w)
		return NewBinaryExpr(EQ, NewBinaryExpr(AND, key, mask), NewConstantExpr(ks.Value, w).And(mask))
	case ir.KeysetRange:
		return NewBinaryExpr(AND,
			NewBinaryExpr(ULE, NewConstantExpr(ks.Low, w), key),
			NewBinaryExpr(ULE, key, NewConstantExpr(ks.High, w)),
		)
	case ir.KeysetDefault:
		return NewBoolConstantExpr(true)
	default:
		return NewBinaryExpr(EQ, key, NewConstantExpr(ks.Value, w))
	}
}

// prefixMask returns a mask with the top n of width bits set.
func prefixMask(n, width uint) *ConstantExpr {
	if n >= width {
		return NewConstantExpr(bitmask(width), width)
	}
	return NewConstantExpr(bitmask(width)&^bitmask(width-n), width)
}

// advanceBranches splits state on whether the input packet holds another
// n bits. The accept branch runs onAccept and the reject branch raises
// PacketTooShort. Bits already buffered are not checked again.
func (s *Stepper) advanceBranches(state *ExecutionState, n uint, onAccept func(*ExecutionState) error) ([]Branch, error) {
	var pull uint
	if buffered := state.PacketBufferSize(); n > buffered {
		pull = n - buffered
	}
	if pull == 0 {
		if err := onAccept(state); err != nil {
			return nil, err
		}
		return single(state), nil
	}

	end := state.InputPacketCursor() + pull
	if end > state.MaxPacketBits() {
		log.Printf("[parser] %d bits exceed the packet size limit", end)
		state.PushBody(&ExceptionCommand{Exception: ExceptionPacketTooShort})
		return single(state), nil
	}

	fcs := uint64(state.IntProperty(PropertyFCSLeft))
	cond := NewBinaryExpr(UGE, state.InputPacketSizeVar(), NewConstantExpr32(uint64(end)+fcs))

	reject := state.Clone()
	if err := onAccept(state); err != nil {
		return nil, err
	}

	if state.BoolProperty(PropertyParserErrReferenced) {
		s.Warnf(reject, "parser error is referenced, packet-too-short branch not generated")
		return []Branch{{Condition: cond, Next: state}}, nil
	}

	reject.PushBody(&ExceptionCommand{Exception: ExceptionPacketTooShort})
	return []Branch{
		{Condition: cond, Next: state},
		{Condition: NewIsZeroExpr(cond), Next: reject},
	}, nil
}

// headerFields returns the fields of a header location. Varbit fields and
// fields wider than 64 bits are not supported.
func headerFields(loc *Location) ([]*ir.Field, error) {
	fields := ir.FieldsOf(loc.Type)
	for _, f := range fields {
		if _, ok := f.Type.(*ir.VarbitType); ok {
			return nil, unimplementedf("varbit field %s.%s", loc.Name, f.Name)
		} else if ir.Width(f.Type) > Width64 {
			return nil, unimplementedf("field %s.%s wider than 64 bits", loc.Name, f.Name)
		}
	}
	return fields, nil
}

func externExtract(call *ExternCall, s *Stepper) ([]Branch, error) {
	loc, err := s.Locate(call.State, call.Arg("hdr"))
	if err != nil {
		return nil, err
	} else if !loc.IsHeader() {
		return nil, bugf("extract: header expected: %s", call.Arg("hdr"))
	}
	fields, err := headerFields(loc)
	if err != nil {
		return nil, err
	}

	n := uint(ir.Width(loc.Type))
	return s.advanceBranches(call.State, n, func(next *ExecutionState) error {
		for _, f := range fields {
			name := loc.Name + "." + f.Name
			if w := uint(ir.Width(f.Type)); w == 0 {
				next.Set(name, NewConstantExpr(0, 0))
			} else {
				next.Set(name, next.SlicePacketBuffer(w))
			}
		}
		s.SetValid(next, loc.Name, true)
		next.Tracef("extract", "%s (%d bits)", loc.Name, n)
		return nil
	})
}

func externAdvance(call *ExternCall, s *Stepper) ([]Branch, error) {
	v, err := s.Eval(call.State, call.Arg("sizeInBits"), Width32)
	if err != nil {
		return nil, err
	}
	c, ok := v.(*ConstantExpr)
	if !ok {
		return nil, unimplementedf("advance by a symbolic amount: %s", call.Arg("sizeInBits"))
	} else if c.Value == 0 {
		return single(call.State), nil
	}

	n := uint(c.Value)
	return s.advanceBranches(call.State, n, func(next *ExecutionState) error {
		for remaining := n; remaining > 0; {
			w := remaining
			if w > Width64 {
				w = Width64
			}
			next.SlicePacketBuffer(w)
			remaining -= w
		}
		next.Tracef("advance", "%d bits", n)
		return nil
	})
}

func externLookahead(call *ExternCall, s *Stepper) ([]Branch, error) {
	if len(call.Call.TypeArgs) != 1 {
		return nil, bugf("lookahead: expected one type argument, got %d", len(call.Call.TypeArgs))
	} else if !ir.IsScalar(call.Call.TypeArgs[0]) {
		return nil, unimplementedf("lookahead of non-scalar type %s", call.Call.TypeArgs[0])
	}

	n := uint(ir.Width(call.Call.TypeArgs[0]))
	if n > Width64 {
		return nil, unimplementedf("lookahead wider than 64 bits")
	} else if n == 0 {
		return single(call.State), nil
	}

	return s.advanceBranches(call.State, n, func(next *ExecutionState) error {
		return s.SetResult(call, next.PeekPacketBuffer(n))
	})
}

func externLength(call *ExternCall, s *Stepper) ([]Branch, error) {
	size := call.State.InputPacketSizeVar()
	if err := s.SetResult(call, NewBinaryExpr(LSHR, size, NewConstantExpr32(3))); err != nil {
		return nil, err
	}
	return single(call.State), nil
}

func externEmit(call *ExternCall, s *Stepper) ([]Branch, error) {
	loc, err := s.Locate(call.State, call.Arg("hdr"))
	if err != nil {
		return nil, err
	}
	if err := s.emit(call.State, loc); err != nil {
		return nil, err
	}
	return single(call.State), nil
}

// emit appends a valid header, or every header of a struct, to the output.
func (s *Stepper) emit(state *ExecutionState, loc *Location) error {
	switch loc.Type.(type) {
	case *ir.HeaderType:
		if !s.IsValid(state, loc.Name) {
			return nil
		}
		fields, err := headerFields(loc)
		if err != nil {
			return err
		}
		for _, f := range fields {
			if ir.Width(f.Type) == 0 {
				continue
			}
			value, err := s.Read(state, &Location{Name: loc.Name + "." + f.Name, Type: f.Type, Header: loc.Name})
			if err != nil {
				return err
			}
			state.Emit(value)
		}
		state.Tracef("emit", "%s", loc.Name)
		return nil

	case *ir.StructType:
		for _, f := range ir.FieldsOf(loc.Type) {
			child := &Location{Name: loc.Name + "." + f.Name, Type: f.Type}
			if _, ok := f.Type.(*ir.HeaderType); ok {
				child.Header = child.Name
			}
			if err := s.emit(state, child); err != nil {
				return err
			}
		}
		return nil

	default:
		return bugf("emit: header or struct expected: %s", loc.Name)
	}
}
