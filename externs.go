package p4testgen

import (
	"fmt"
	"log"
	"strings"

	"github.com/benbjohnson/p4testgen/ir"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Receiver type names of calls that are not made on extern instances.
const (
	HeaderReceiver = "header"
	FreeFunction   = ""
)

// ExternHandler implements an extern method. The handler mutates the state
// attached to the call and returns the resulting branches.
type ExternHandler func(call *ExternCall, s *Stepper) ([]Branch, error)

// ExternMethod represents a registered extern method handler.
type ExternMethod struct {
	Type    string
	Method  string
	Params  []string
	Handler ExternHandler
}

// String returns the signature of the method.
func (m *ExternMethod) String() string {
	if m.Type == FreeFunction {
		return fmt.Sprintf("%s(%s)", m.Method, strings.Join(m.Params, ", "))
	}
	return fmt.Sprintf("%s.%s(%s)", m.Type, m.Method, strings.Join(m.Params, ", "))
}

// ExternTable maps (receiver type, method, ordered parameter names) to
// handlers. Lookups that miss fall back to the parent table.
type ExternTable struct {
	parent  *ExternTable
	methods map[string][]*ExternMethod // keyed by "type.method"
}

// NewExternTable returns a new table that falls back to parent.
func NewExternTable(parent *ExternTable) *ExternTable {
	return &ExternTable{
		parent:  parent,
		methods: make(map[string][]*ExternMethod),
	}
}

// Register adds a handler. A handler with the same parameter names is
// replaced; overloads with the same arity but different names coexist.
func (t *ExternTable) Register(typ, method string, params []string, handler ExternHandler) {
	key := typ + "." + method
	m := &ExternMethod{Type: typ, Method: method, Params: params, Handler: handler}
	for i, other := range t.methods[key] {
		if slices.Equal(other.Params, params) {
			t.methods[key][i] = m
			return
		}
	}
	t.methods[key] = append(t.methods[key], m)
}

// Lookup returns the handler with exactly the given parameter names.
// Returns nil if no table in the chain has one.
func (t *ExternTable) Lookup(typ, method string, params []string) *ExternMethod {
	for ; t != nil; t = t.parent {
		for _, m := range t.methods[typ+"."+method] {
			if slices.Equal(m.Params, params) {
				return m
			}
		}
	}
	return nil
}

// Resolve returns the handler for call. Named arguments select the overload
// whose parameters are exactly the names given, in any order. Positional
// arguments select by arity and the nearest table in the chain with a match
// wins; more than one match in that table is ambiguous. Returns nil, nil if
// nothing matches.
func (t *ExternTable) Resolve(typ string, call *ir.MethodCall) (*ExternMethod, error) {
	for ; t != nil; t = t.parent {
		var found []*ExternMethod
		for _, m := range t.methods[typ+"."+call.Method] {
			if call.ArgNames != nil {
				if sameNames(m.Params, call.ArgNames) {
					return m, nil
				}
			} else if len(m.Params) == len(call.Args) {
				found = append(found, m)
			}
		}
		switch len(found) {
		case 0:
			continue
		case 1:
			return found[0], nil
		default:
			sigs := make([]string, len(found))
			for i, m := range found {
				sigs[i] = m.String()
			}
			return nil, bugf("ambiguous call %s: matches %s", call, strings.Join(sigs, ", "))
		}
	}
	return nil, nil
}

// sameNames reports whether names is a permutation of params.
func sameNames(params, names []string) bool {
	if len(params) != len(names) {
		return false
	}
	for _, name := range names {
		if !slices.Contains(params, name) {
			return false
		}
	}
	return true
}

// Methods returns the signatures of all reachable methods in sorted order.
func (t *ExternTable) Methods() []string {
	seen := make(map[string]struct{})
	for ; t != nil; t = t.parent {
		for _, a := range t.methods {
			for _, m := range a {
				seen[m.String()] = struct{}{}
			}
		}
	}
	keys := maps.Keys(seen)
	slices.Sort(keys)
	return keys
}

// ExternCall holds the resolved information of a single extern call.
type ExternCall struct {
	Call     *ir.MethodCall
	Type     string             // receiver type name
	Instance *ir.ExternInstance // set for calls on extern instances
	Receiver *Location          // set for calls on headers
	Params   []string           // formal parameter names
	Result   ir.Expression      // assigned the return value, if not nil
	State    *ExecutionState    // successor state, call already popped
}

// Arg returns the argument bound to the named parameter.
func (c *ExternCall) Arg(name string) ir.Expression {
	names := c.Params
	if c.Call.ArgNames != nil {
		names = c.Call.ArgNames
	}
	i := slices.Index(names, name)
	assert(i >= 0 && i < len(c.Call.Args), "extern %s: no argument %q", c.Call.Method, name)
	return c.Call.Args[i]
}

// newExternCall resolves the receiver of call.
func (s *Stepper) newExternCall(state *ExecutionState, call *ir.MethodCall, result ir.Expression) (*ExternCall, error) {
	ext := &ExternCall{Call: call, Type: FreeFunction, Result: result, State: state}
	if call.Receiver == nil {
		return ext, nil
	}

	if inst := s.prog.Extern(ir.PathString(call.Receiver)); inst != nil {
		ext.Type, ext.Instance = inst.Type, inst
		return ext, nil
	}

	loc, err := s.Locate(state, call.Receiver)
	if err != nil {
		return nil, err
	} else if !loc.IsHeader() {
		return nil, bugf("unsupported call receiver: %s", call.Receiver)
	}
	ext.Type, ext.Receiver = HeaderReceiver, loc
	return ext, nil
}

// SetResult assigns value to the result location of the call, if any.
func (s *Stepper) SetResult(call *ExternCall, value Expr) error {
	if call.Result == nil {
		return nil
	}
	return s.Assign(call.State, call.Result, value)
}

// ResultWidth returns the width of the call's result location.
func (s *Stepper) ResultWidth(call *ExternCall) (uint, error) {
	if call.Result == nil {
		return 0, nil
	}
	return s.lvalueWidth(call.State, call.Result)
}

// BaseExterns returns the handlers shared by every target.
func BaseExterns() *ExternTable {
	t := NewExternTable(nil)
	t.Register("packet_in", "extract", []string{"hdr"}, externExtract)
	t.Register("packet_in", "advance", []string{"sizeInBits"}, externAdvance)
	t.Register("packet_in", "lookahead", nil, externLookahead)
	t.Register("packet_in", "length", nil, externLength)
	t.Register("packet_out", "emit", []string{"hdr"}, externEmit)

	t.Register(HeaderReceiver, "setValid", nil, externSetValid(true))
	t.Register(HeaderReceiver, "setInvalid", nil, externSetValid(false))
	t.Register(HeaderReceiver, "isValid", nil, externIsValid)

	t.Register(FreeFunction, "verify", []string{"check", "toSignal"}, externVerify)
	t.Register(FreeFunction, "min", []string{"a", "b"}, externMinMax(false))
	t.Register(FreeFunction, "max", []string{"a", "b"}, externMinMax(true))
	t.Register(FreeFunction, "hash", []string{"result", "algo", "data"}, externHash)
	t.Register(FreeFunction, "mark_to_drop", nil, externMarkToDrop)

	t.Register(ir.ExternRegister, "read", []string{"result", "index"}, externRegisterRead)
	t.Register(ir.ExternRegister, "write", []string{"index", "value"}, externRegisterWrite)
	t.Register(ir.ExternCounter, "count", []string{"index"}, externNop)
	t.Register(ir.ExternMeter, "execute_meter", []string{"index", "result"}, externMeter)
	return t
}

func externNop(call *ExternCall, s *Stepper) ([]Branch, error) {
	return single(call.State), nil
}

func externSetValid(valid bool) ExternHandler {
	return func(call *ExternCall, s *Stepper) ([]Branch, error) {
		s.SetValid(call.State, call.Receiver.Name, valid)
		return single(call.State), nil
	}
}

func externIsValid(call *ExternCall, s *Stepper) ([]Branch, error) {
	if err := s.SetResult(call, NewBoolConstantExpr(s.IsValid(call.State, call.Receiver.Name))); err != nil {
		return nil, err
	}
	return single(call.State), nil
}

func externMarkToDrop(call *ExternCall, s *Stepper) ([]Branch, error) {
	call.State.SetProperty(PropertyDrop, true)
	return single(call.State), nil
}

// exceptionArg returns the exception named by an "error.X" argument.
func exceptionArg(expr ir.Expression) (Exception, error) {
	if m, ok := expr.(*ir.Member); ok {
		if p, ok := m.Expr.(*ir.PathExpr); ok && p.Name == "error" {
			return Exception(m.Name), nil
		}
	}
	return "", bugf("error constant expected: %s", expr)
}

func externVerify(call *ExternCall, s *Stepper) ([]Branch, error) {
	state := call.State
	cond, err := s.Eval(state, call.Arg("check"), WidthBool)
	if err != nil {
		return nil, err
	}
	exc, err := exceptionArg(call.Arg("toSignal"))
	if err != nil {
		return nil, err
	}

	switch {
	case HasTaint(cond):
		s.Warnf(state, "tainted verify condition, assuming it holds")
		return single(state), nil
	case IsConstantTrue(cond):
		return single(state), nil
	case IsConstantFalse(cond):
		state.PushBody(&ExceptionCommand{Exception: exc})
		return single(state), nil
	}

	fail := state.Clone()
	fail.PushBody(&ExceptionCommand{Exception: exc})
	return []Branch{
		{Condition: cond, Next: state},
		{Condition: NewIsZeroExpr(cond), Next: fail},
	}, nil
}

// externMinMax splits on which operand is smaller.
func externMinMax(isMax bool) ExternHandler {
	return func(call *ExternCall, s *Stepper) ([]Branch, error) {
		state := call.State
		width, err := s.ResultWidth(call)
		if err != nil {
			return nil, err
		}
		a, b, err := s.evalPair(state, call.Arg("a"), call.Arg("b"), width)
		if err != nil {
			return nil, err
		}

		op := pick(s.isSigned(state, call.Arg("a")) || s.isSigned(state, call.Arg("b")), SLE, ULE)
		cond := NewBinaryExpr(op, a, b)
		first, second := a, b
		if isMax {
			first, second = b, a
		}

		if c, ok := cond.(*ConstantExpr); ok {
			value := second
			if c.IsTrue() {
				value = first
			}
			if err := s.SetResult(call, value); err != nil {
				return nil, err
			}
			return single(state), nil
		} else if HasTaint(cond) {
			if err := s.SetResult(call, NewTaintExpr(ExprWidth(a), false)); err != nil {
				return nil, err
			}
			return single(state), nil
		}

		other := state.Clone()
		if err := s.SetResult(call, first); err != nil {
			return nil, err
		}
		call.State = other
		if err := s.SetResult(call, second); err != nil {
			return nil, err
		}
		return []Branch{
			{Condition: cond, Next: state},
			{Condition: NewIsZeroExpr(cond), Next: other},
		}, nil
	}
}

// Hash algorithms computed by the base handler.
const (
	HashIdentity = "identity"
)

func externHash(call *ExternCall, s *Stepper) ([]Branch, error) {
	state := call.State
	width, err := s.lvalueWidth(state, call.Arg("result"))
	if err != nil {
		return nil, err
	}

	algo := call.Arg("algo")
	if m, ok := algo.(*ir.Member); ok {
		algo = &ir.PathExpr{Name: m.Name}
	}

	var value Expr
	if ir.PathString(algo) == HashIdentity {
		data, err := s.Eval(state, call.Arg("data"), 0)
		if err != nil {
			return nil, err
		}
		value = NewCastExpr(data, width, false)
	} else {
		s.Warnf(state, "hash algorithm %s is not modeled, result is tainted", ir.PathString(algo))
		value = NewTaintExpr(width, false)
	}

	if err := s.Assign(state, call.Arg("result"), value); err != nil {
		return nil, err
	}
	return single(state), nil
}

func externMeter(call *ExternCall, s *Stepper) ([]Branch, error) {
	state := call.State
	width, err := s.lvalueWidth(state, call.Arg("result"))
	if err != nil {
		return nil, err
	}
	s.Warnf(state, "meter %s is not modeled, result is tainted", call.Instance.Name)
	if err := s.Assign(state, call.Arg("result"), NewTaintExpr(width, false)); err != nil {
		return nil, err
	}
	return single(state), nil
}

// registerIndex evaluates a register index. Only constant indexes are supported.
func (s *Stepper) registerIndex(call *ExternCall) (uint64, error) {
	inst := call.Instance
	if len(inst.TypeArgs) == 0 {
		return 0, bugf("register %s: missing element type", inst.Name)
	}

	v, err := s.Eval(call.State, call.Arg("index"), Width32)
	if err != nil {
		return 0, err
	}
	index, ok := v.(*ConstantExpr)
	if !ok {
		return 0, unimplementedf("register %s: symbolic index", inst.Name)
	} else if inst.Size > 0 && index.Value >= uint64(inst.Size) {
		return 0, bugf("register %s: index %d out of bounds", inst.Name, index.Value)
	}
	return index.Value, nil
}

// ReadRegister returns the current value of a register cell. The first read
// of a cell introduces a control-plane variable for its initial value.
func (s *Stepper) ReadRegister(state *ExecutionState, inst *ir.ExternInstance, index uint64) Expr {
	name := RegisterValueName(inst.Name, index)
	if value, ok := state.Lookup(name); ok {
		return value
	}

	init := NewVarExpr(name, uint(ir.Width(inst.TypeArgs[0])))
	state.Set(name, init)
	state.AddTestObject(CategoryRegister, fmt.Sprintf("%s[%d]", inst.Name, index), &RegisterValue{
		Register: inst.Name,
		Index:    index,
		Value:    init,
	})
	return init
}

// WriteRegister stores a value in a register cell.
func (s *Stepper) WriteRegister(state *ExecutionState, inst *ir.ExternInstance, index uint64, value Expr) {
	s.ReadRegister(state, inst, index)
	state.Set(RegisterValueName(inst.Name, index), NewCastExpr(value, uint(ir.Width(inst.TypeArgs[0])), false))
}

func externRegisterRead(call *ExternCall, s *Stepper) ([]Branch, error) {
	index, err := s.registerIndex(call)
	if err != nil {
		return nil, err
	}
	value := s.ReadRegister(call.State, call.Instance, index)
	if err := s.Assign(call.State, call.Arg("result"), value); err != nil {
		return nil, err
	}
	log.Printf("[register] read %s[%d]", call.Instance.Name, index)
	return single(call.State), nil
}

func externRegisterWrite(call *ExternCall, s *Stepper) ([]Branch, error) {
	index, err := s.registerIndex(call)
	if err != nil {
		return nil, err
	}
	value, err := s.Eval(call.State, call.Arg("value"), uint(ir.Width(call.Instance.TypeArgs[0])))
	if err != nil {
		return nil, err
	}
	s.WriteRegister(call.State, call.Instance, index, value)
	log.Printf("[register] write %s[%d]", call.Instance.Name, index)
	return single(call.State), nil
}
