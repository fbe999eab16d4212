package p4testgen

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/benbjohnson/immutable"
	"github.com/benbjohnson/p4testgen/ir"
	"github.com/davecgh/go-spew/spew"
	"golang.org/x/exp/slices"
)

// ExecutionState represents a path under exploration.
//
// States are cloned at every branch. Environment, properties, test objects
// and coverage live in persistent maps and every slice is clipped before it
// is appended to, so a clone shares structure with its source but mutation
// of one never affects the other.
type ExecutionState struct {
	id    int
	depth int

	// Shows whether state is running, finished, or terminated.
	status ExecutionStatus
	reason string

	// Symbolic environment. Maps fully qualified names to expressions.
	env *immutable.SortedMap

	// Target-specific scratch values, e.g. "fcsLeft" or "drop".
	properties *immutable.SortedMap

	// Synthesized control-plane objects keyed by "category/name".
	objects *immutable.SortedMap

	// Statement ids covered along this path.
	covered *immutable.SortedMap

	// Constraints collected so far during execution.
	constraints []Expr

	// Human readable justification of the path.
	trace []TraceEvent

	// Pending commands. The last element executes next.
	body []Command

	// Active scopes for name resolution. The last element is innermost.
	namespaces []*Namespace

	// Packet model. The size variable & content array are shared by every
	// state derived from the same root.
	packetSize   *VarExpr
	content      *Array
	inputCursor  uint // bits consumed from the input packet
	packetBuffer Expr // buffered but unconsumed bits, nil if empty
	emitBuffer   []Expr

	// Number of parser states entered along this path.
	parserStates int
}

// NewExecutionState returns a root state for a packet of at most maxBytes
// bytes. Root constraints bound the symbolic packet size.
func NewExecutionState(maxBytes, minBytes uint) *ExecutionState {
	s := &ExecutionState{
		status:     ExecutionStatusRunning,
		env:        immutable.NewSortedMap(&stringComparer{}),
		properties: immutable.NewSortedMap(&stringComparer{}),
		objects:    immutable.NewSortedMap(&stringComparer{}),
		covered:    immutable.NewSortedMap(&intComparer{}),
		packetSize: NewVarExpr(PacketSizeVarName, Width32),
		content:    NewArray(1, PacketContentName, maxBytes),
	}

	s.AddConstraint(NewBinaryExpr(ULE, s.packetSize, NewConstantExpr32(uint64(maxBytes)*8)))
	s.AddConstraint(NewIsZeroExpr(NewBinaryExpr(AND, s.packetSize, NewConstantExpr32(7))))
	if minBytes > 0 {
		s.AddConstraint(NewBinaryExpr(UGE, s.packetSize, NewConstantExpr32(uint64(minBytes)*8)))
	}
	return s
}

// ID returns an autoincrementing ID assigned by the executor.
func (s *ExecutionState) ID() int { return s.id }

// Depth returns the number of steps taken along this path.
func (s *ExecutionState) Depth() int { return s.depth }

// Constraints returns the path condition as a list of conjuncts.
func (s *ExecutionState) Constraints() []Expr {
	return s.constraints
}

// Clone returns a copy of the state. The clone shares immutable structure
// with s and never mutates it.
func (s *ExecutionState) Clone() *ExecutionState {
	other := *s
	other.id = 0
	other.constraints = clip(s.constraints)
	other.trace = clip(s.trace)
	other.body = clip(s.body)
	other.namespaces = clip(s.namespaces)
	other.emitBuffer = clip(s.emitBuffer)
	return &other
}

// Fork returns a clone of the state with the additional constraint.
func (s *ExecutionState) Fork(constraint Expr) *ExecutionState {
	child := s.Clone()
	if constraint != nil {
		child.AddConstraint(constraint)
	}
	return child
}

// clip returns a with its capacity limited to its length so that a
// subsequent append always copies.
func clip[T any](a []T) []T {
	return a[:len(a):len(a)]
}

// Status returns the current status of the state.
// See Reason() for additional information if status is not running.
func (s *ExecutionState) Status() ExecutionStatus {
	return s.status
}

// Reason returns additional information about the status of the state.
func (s *ExecutionState) Reason() string {
	return s.reason
}

// Terminated returns true if the state completes execution of a path.
func (s *ExecutionState) Terminated() bool {
	return s.status != ExecutionStatusRunning
}

// Terminate marks the state as complete with the given status.
func (s *ExecutionState) Terminate(status ExecutionStatus, reason string) {
	s.status, s.reason = status, reason
}

// AddConstraint adds a constraint to the state. Panic if expr is a constant false.
func (s *ExecutionState) AddConstraint(expr Expr) {
	s.constraints = AddConstraint(clip(s.constraints), expr)
}

// AddConstraint adds expr to constraints and returns the new constraint list.
// If expr is a binary AND expression then its LHS & RHS are split into
// independent constraints. Constant true constraints are dropped.
func AddConstraint(a []Expr, expr Expr) []Expr {
	if expr, ok := expr.(*ConstantExpr); ok {
		assert(expr.IsTrue(), "invalid false constraint")
		return a
	}
	if expr, ok := expr.(*BinaryExpr); ok && expr.Op == AND && ExprWidth(expr) == WidthBool {
		a = AddConstraint(a, expr.LHS)
		a = AddConstraint(a, expr.RHS)
		return a
	}
	return append(a, expr)
}

// Set binds a fully qualified name to an expression.
func (s *ExecutionState) Set(name string, expr Expr) {
	s.env = s.env.Set(name, expr)
}

// Get returns the expression bound to name. Unset variables read as zero,
// or as taint if forceTaint is set.
func (s *ExecutionState) Get(name string, width uint, forceTaint bool) Expr {
	if v, ok := s.env.Get(name); ok {
		return v.(Expr)
	} else if forceTaint {
		return NewTaintExpr(width, false)
	}
	return NewConstantExpr(0, width)
}

// Lookup returns the expression bound to name, if any.
func (s *ExecutionState) Lookup(name string) (Expr, bool) {
	v, ok := s.env.Get(name)
	if !ok {
		return nil, false
	}
	return v.(Expr), true
}

// Names returns all bound names in sorted order.
func (s *ExecutionState) Names() []string {
	a := make([]string, 0, s.env.Len())
	itr := s.env.Iterator()
	for !itr.Done() {
		k, _ := itr.Next()
		a = append(a, k.(string))
	}
	return a
}

// SetProperty sets a target-specific property.
func (s *ExecutionState) SetProperty(key string, value interface{}) {
	s.properties = s.properties.Set(key, value)
}

// Property returns a target-specific property, if set.
func (s *ExecutionState) Property(key string) (interface{}, bool) {
	return s.properties.Get(key)
}

// BoolProperty returns a property as a bool. Unset properties are false.
func (s *ExecutionState) BoolProperty(key string) bool {
	v, _ := s.properties.Get(key)
	b, _ := v.(bool)
	return b
}

// IntProperty returns a property as an int. Unset properties are zero.
func (s *ExecutionState) IntProperty(key string) int {
	v, _ := s.properties.Get(key)
	i, _ := v.(int)
	return i
}

// Well-known properties.
const (
	PropertyDrop                = "drop"
	PropertyFCSLeft             = "fcsLeft"
	PropertyParserErrReferenced = "parserErrReferenced"
	PropertyOutputTainted       = "outputTainted"
	PropertyChoiceCount         = "choiceCount"
)

// TestObject represents a synthesized control-plane artifact.
type TestObject interface {
	TestObjectCategory() string
}

func testObjectKey(category, name string) string {
	return category + "/" + name
}

// AddTestObject stores obj under (category, name), replacing any existing object.
func (s *ExecutionState) AddTestObject(category, name string, obj TestObject) {
	s.objects = s.objects.Set(testObjectKey(category, name), obj)
}

// GetTestObject returns the object stored under (category, name). Returns
// nil if no object exists unless mustExist is set, in which case it panics.
func (s *ExecutionState) GetTestObject(category, name string, mustExist bool) TestObject {
	v, ok := s.objects.Get(testObjectKey(category, name))
	assert(ok || !mustExist, "test object not found: %s/%s", category, name)
	if !ok {
		return nil
	}
	return v.(TestObject)
}

// TestObjects returns all objects of a category sorted by name.
func (s *ExecutionState) TestObjects(category string) []TestObject {
	var a []TestObject
	prefix := category + "/"

	itr := s.objects.Iterator()
	for itr.Seek(prefix); !itr.Done(); {
		k, v := itr.Next()
		if !strings.HasPrefix(k.(string), prefix) {
			break
		}
		a = append(a, v.(TestObject))
	}
	return a
}

// MarkCovered records a statement as covered along this path.
func (s *ExecutionState) MarkCovered(id int) {
	if id > 0 {
		s.covered = s.covered.Set(id, struct{}{})
	}
}

// Covered returns the ids of covered statements in ascending order.
func (s *ExecutionState) Covered() []int {
	a := make([]int, 0, s.covered.Len())
	itr := s.covered.Iterator()
	for !itr.Done() {
		k, _ := itr.Next()
		a = append(a, k.(int))
	}
	return a
}

// TraceEvent represents a single step of justification for a path.
type TraceEvent struct {
	Kind    string
	Message string
}

// String returns the event as a single line.
func (e TraceEvent) String() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Tracef appends a trace event.
func (s *ExecutionState) Tracef(kind, format string, args ...interface{}) {
	s.trace = append(clip(s.trace), TraceEvent{Kind: kind, Message: fmt.Sprintf(format, args...)})
}

// Trace returns all trace events in order.
func (s *ExecutionState) Trace() []TraceEvent { return s.trace }

// Command represents a pending unit of execution on the continuation stack.
type Command interface {
	command()
	String() string
}

func (*StatementCommand) command()   {}
func (*BlockCommand) command()       {}
func (*ParserStateCommand) command() {}
func (*TransitionCommand) command()  {}
func (*ActionCommand) command()      {}
func (*ScopeCommand) command()       {}
func (*ExceptionCommand) command()   {}
func (*ConditionCommand) command()   {}
func (*SwitchCommand) command()      {}

// StatementCommand executes a single statement.
type StatementCommand struct {
	Stmt ir.Statement
}

func (c *StatementCommand) String() string { return "stmt: " + ir.StatementString(c.Stmt) }

// BlockCommand enters a top-level pipeline block.
type BlockCommand struct {
	Block ir.Block
}

func (c *BlockCommand) String() string { return "block: " + c.Block.BlockName() }

// ParserStateCommand enters a parser state.
type ParserStateCommand struct {
	Parser *ir.Parser
	State  *ir.ParserState
}

func (c *ParserStateCommand) String() string { return "state: " + c.Parser.Name + "." + c.State.Name }

// TransitionCommand evaluates the transition of a parser state.
type TransitionCommand struct {
	Parser *ir.Parser
	State  *ir.ParserState
}

func (c *TransitionCommand) String() string {
	return "transition: " + c.Parser.Name + "." + c.State.Name
}

// ActionCommand runs an action body with its arguments bound.
type ActionCommand struct {
	Control *ir.Control
	Action  *ir.Action
	Args    []Expr
}

func (c *ActionCommand) String() string { return "action: " + c.Control.Name + "." + c.Action.Name }

// ConditionCommand evaluates the condition of an if statement once the
// tables it refers to have been applied.
type ConditionCommand struct {
	Stmt *ir.IfStatement
}

func (c *ConditionCommand) String() string { return "cond: " + c.Stmt.Cond.String() }

// SwitchCommand dispatches on the action run by a table applied just before.
type SwitchCommand struct {
	Stmt *ir.SwitchStatement
}

func (c *SwitchCommand) String() string { return "switch: " + c.Stmt.Table }

// ScopeKind identifies the construct that pushed a namespace.
type ScopeKind string

const (
	ScopeParser  = ScopeKind("parser")
	ScopeControl = ScopeKind("control")
	ScopeAction  = ScopeKind("action")
)

// ScopeCommand marks the end of a scope. Executing it pops the namespace.
// Return and exit unwind the body up to the matching scope.
type ScopeCommand struct {
	Kind ScopeKind
	Name string
}

func (c *ScopeCommand) String() string { return fmt.Sprintf("end %s: %s", c.Kind, c.Name) }

// ExceptionCommand raises a parser exception.
type ExceptionCommand struct {
	Exception Exception
}

func (c *ExceptionCommand) String() string { return "exception: " + string(c.Exception) }

// Exception represents a parser error.
type Exception string

const (
	ExceptionNoError          = Exception("NoError")
	ExceptionPacketTooShort   = Exception("PacketTooShort")
	ExceptionNoMatch          = Exception("NoMatch")
	ExceptionStackOutOfBounds = Exception("StackOutOfBounds")
	ExceptionHeaderTooShort   = Exception("HeaderTooShort")
	ExceptionParserTimeout    = Exception("ParserTimeout")
	ExceptionParserInvalidArg = Exception("ParserInvalidArgument")
)

// Exceptions in error code order.
var Exceptions = []Exception{
	ExceptionNoError,
	ExceptionPacketTooShort,
	ExceptionNoMatch,
	ExceptionStackOutOfBounds,
	ExceptionHeaderTooShort,
	ExceptionParserTimeout,
	ExceptionParserInvalidArg,
}

// Code returns the numeric error code of the exception.
func (e Exception) Code() uint64 {
	for i, other := range Exceptions {
		if other == e {
			return uint64(i)
		}
	}
	return uint64(len(Exceptions))
}

// Top returns the next command to execute, or nil if the body is empty.
func (s *ExecutionState) Top() Command {
	if len(s.body) == 0 {
		return nil
	}
	return s.body[len(s.body)-1]
}

// PopBody removes the next command from the body.
func (s *ExecutionState) PopBody() {
	assert(len(s.body) > 0, "pop body: empty")
	s.body = clip(s.body[:len(s.body)-1])
}

// ReplaceTopBody replaces the next command with cmds. cmds[0] executes next.
func (s *ExecutionState) ReplaceTopBody(cmds ...Command) {
	s.PopBody()
	s.PushBody(cmds...)
}

// PushBody pushes cmds onto the body. cmds[0] executes next.
func (s *ExecutionState) PushBody(cmds ...Command) {
	body := clip(s.body)
	for i := len(cmds) - 1; i >= 0; i-- {
		body = append(body, cmds[i])
	}
	s.body = body
}

// Body returns the pending commands in execution order.
func (s *ExecutionState) Body() []Command {
	a := make([]Command, len(s.body))
	for i := range s.body {
		a[len(a)-i-1] = s.body[i]
	}
	return a
}

// UnwindTo discards commands up to and including the first scope of one of
// the given kinds. Returns false and leaves the body untouched if no such
// scope exists.
func (s *ExecutionState) UnwindTo(kinds ...ScopeKind) bool {
	for i := len(s.body) - 1; i >= 0; i-- {
		scope, ok := s.body[i].(*ScopeCommand)
		if !ok || !slices.Contains(kinds, scope.Kind) {
			continue
		}

		for j := len(s.body) - 1; j >= i; j-- {
			if _, ok := s.body[j].(*ScopeCommand); ok {
				s.PopNamespace()
			}
		}
		s.body = clip(s.body[:i])
		return true
	}
	return false
}

// Namespace represents a scope for name resolution.
type Namespace struct {
	Kind   ScopeKind
	Name   string
	Prefix string
	Decls  []*ir.Variable // declared locals or parameters
}

// Lookup returns the local declaration of name, if any.
func (ns *Namespace) Lookup(name string) *ir.Variable {
	for _, v := range ns.Decls {
		if v.Name == name {
			return v
		}
	}
	return nil
}

// PushNamespace enters a new scope.
func (s *ExecutionState) PushNamespace(ns *Namespace) {
	s.namespaces = append(clip(s.namespaces), ns)
}

// PopNamespace leaves the innermost scope.
func (s *ExecutionState) PopNamespace() {
	assert(len(s.namespaces) > 0, "pop namespace: empty")
	s.namespaces = clip(s.namespaces[:len(s.namespaces)-1])
}

// Namespace returns the innermost scope or nil.
func (s *ExecutionState) Namespace() *Namespace {
	if len(s.namespaces) == 0 {
		return nil
	}
	return s.namespaces[len(s.namespaces)-1]
}

// Resolve returns the fully qualified name & declaration of the root of a
// dotted path by searching scopes from innermost to outermost. Returns a nil
// declaration if the root is not declared locally.
func (s *ExecutionState) Resolve(path string) (string, *ir.Variable) {
	root, _, _ := strings.Cut(path, ".")
	for i := len(s.namespaces) - 1; i >= 0; i-- {
		if ns := s.namespaces[i]; ns.Lookup(root) != nil {
			return ns.Prefix + "." + path, ns.Lookup(root)
		}
	}
	return path, nil
}

// InputPacketSizeVar returns the symbolic total length of the input packet, in bits.
func (s *ExecutionState) InputPacketSizeVar() *VarExpr { return s.packetSize }

// InputPacketContent returns the symbolic input packet content.
func (s *ExecutionState) InputPacketContent() *Array { return s.content }

// MaxPacketBits returns the largest packet the content array can hold.
func (s *ExecutionState) MaxPacketBits() uint { return s.content.Size * 8 }

// InputPacketCursor returns the number of input packet bits consumed so far.
func (s *ExecutionState) InputPacketCursor() uint { return s.inputCursor }

// PacketBufferSize returns the number of buffered but unconsumed bits.
func (s *ExecutionState) PacketBufferSize() uint {
	if s.packetBuffer == nil {
		return 0
	}
	return ExprWidth(s.packetBuffer)
}

// AppendToPacketBuffer appends bits to the end of the packet buffer.
func (s *ExecutionState) AppendToPacketBuffer(expr Expr) {
	if s.packetBuffer == nil {
		s.packetBuffer = expr
		return
	}
	s.packetBuffer = NewConcatExpr(s.packetBuffer, expr)
}

// PrependToPacketBuffer inserts bits at the front of the packet buffer.
func (s *ExecutionState) PrependToPacketBuffer(expr Expr) {
	if s.packetBuffer == nil {
		s.packetBuffer = expr
		return
	}
	s.packetBuffer = NewConcatExpr(expr, s.packetBuffer)
}

// SlicePacketBuffer consumes n bits from the front of the packet. Buffered
// bits are consumed first, then bits of the input packet. Reading past the
// end of the input is not checked here; the caller's branch guard decides
// whether the packet is long enough.
func (s *ExecutionState) SlicePacketBuffer(n uint) Expr {
	assert(n > 0, "slice packet buffer: zero width")

	var result Expr
	if bw := s.PacketBufferSize(); bw > 0 {
		take := n
		if take > bw {
			take = bw
		}
		result = NewExtractExpr(s.packetBuffer, bw-take, take)
		if take == bw {
			s.packetBuffer = nil
		} else {
			s.packetBuffer = NewExtractExpr(s.packetBuffer, 0, bw-take)
		}
		n -= take
	}

	if n > 0 {
		slice := s.content.SelectBits(s.inputCursor, n)
		s.inputCursor += n
		if result == nil {
			result = slice
		} else {
			result = NewConcatExpr(result, slice)
		}
	}
	return result
}

// PeekPacketBuffer returns the next n bits without consuming them.
func (s *ExecutionState) PeekPacketBuffer(n uint) Expr {
	other := s.Clone()
	return other.SlicePacketBuffer(n)
}

// EmitBuffer returns the expressions emitted by the deparser, in order.
func (s *ExecutionState) EmitBuffer() []Expr { return s.emitBuffer }

// Emit appends an expression to the output packet.
func (s *ExecutionState) Emit(expr Expr) {
	s.emitBuffer = append(clip(s.emitBuffer), expr)
}

// Dump returns the contents of the state as a string.
func (s *ExecutionState) Dump() string {
	var buf bytes.Buffer

	fmt.Fprintln(&buf, "EXECUTION STATE")
	fmt.Fprintln(&buf, "===============")
	fmt.Fprintf(&buf, "id=%d depth=%d\n", s.id, s.depth)
	fmt.Fprintf(&buf, "status=%s\n", s.status)
	fmt.Fprintf(&buf, "reason=%s\n", s.reason)
	fmt.Fprintf(&buf, "cursor=%d buffered=%d\n", s.inputCursor, s.PacketBufferSize())
	fmt.Fprintln(&buf, "")

	fmt.Fprintln(&buf, "== BODY")
	for i, cmd := range s.Body() {
		fmt.Fprintf(&buf, "%d. %s\n", i, cmd.String())
	}
	fmt.Fprintln(&buf, "")

	fmt.Fprintln(&buf, "== ENV")
	itr := s.env.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		fmt.Fprintf(&buf, "%s = %s\n", k.(string), v.(Expr).String())
	}
	fmt.Fprintln(&buf, "")

	fmt.Fprintln(&buf, "== OBJECTS")
	itr = s.objects.Iterator()
	for !itr.Done() {
		k, v := itr.Next()
		fmt.Fprintf(&buf, "%s\n%s", k.(string), spew.Sdump(v))
	}
	fmt.Fprintln(&buf, "")

	fmt.Fprintln(&buf, "== CONSTRAINTS")
	for i, expr := range s.constraints {
		fmt.Fprintf(&buf, "%d. %s\n", i, expr.String())
	}
	return buf.String()
}

// ExecutionStatus represents the current status of the execution state.
// The state will also include a reason if the status is not running.
type ExecutionStatus string

const (
	ExecutionStatusRunning  = ExecutionStatus("running")  // has future states
	ExecutionStatusFinished = ExecutionStatus("finished") // packet leaves the pipeline
	ExecutionStatusDropped  = ExecutionStatus("dropped")  // packet dropped
	ExecutionStatusFailed   = ExecutionStatus("failed")   // unsupported construct
)

// stringComparer compares two strings. Implements immutable.Comparer.
type stringComparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b, and
// returns 0 if a is equal to b. Panic if a or b is not a string.
func (c *stringComparer) Compare(a, b interface{}) int {
	return strings.Compare(a.(string), b.(string))
}

// intComparer compares two ints. Implements immutable.Comparer.
type intComparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b, and
// returns 0 if a is equal to b. Panic if a or b is not an int.
func (c *intComparer) Compare(a, b interface{}) int {
	if i, j := a.(int), b.(int); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
