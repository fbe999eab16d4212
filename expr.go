package p4testgen

import (
	"fmt"
	"sort"
	"sync"
)

// Expr represents a symbolic expression.
type Expr interface {
	expr()
	String() string
}

func (*BinaryExpr) expr()   {}
func (*CastExpr) expr()     {}
func (*ConcatExpr) expr()   {}
func (*ConstantExpr) expr() {}
func (*ExtractExpr) expr()  {}
func (*IteExpr) expr()      {}
func (*NotExpr) expr()      {}
func (*SelectExpr) expr()   {}
func (*TaintExpr) expr()    {}
func (*VarExpr) expr()      {}

// ExprWidth returns the bit width of the expression.
func ExprWidth(expr Expr) uint {
	switch expr := expr.(type) {
	case *ConstantExpr:
		return expr.Width
	case *VarExpr:
		return expr.Width
	case *TaintExpr:
		return expr.Width
	case *SelectExpr:
		return Width8
	case *ConcatExpr:
		return ExprWidth(expr.MSB) + ExprWidth(expr.LSB)
	case *ExtractExpr:
		return expr.Width
	case *NotExpr:
		return ExprWidth(expr.Expr)
	case *CastExpr:
		return expr.Width
	case *IteExpr:
		return ExprWidth(expr.Then)
	case *BinaryExpr:
		if expr.Op.IsCompare() {
			return WidthBool
		}
		return ExprWidth(expr.LHS)
	default:
		panic("unreachable")
	}
}

// BinaryOp represents a binary expression operations.
type BinaryOp int

// BinaryExpr operations.
const (
	arithmetic_op_begin = BinaryOp(iota)
	ADD
	SUB
	MUL
	AND
	OR
	XOR
	SHL
	LSHR
	ASHR
	arithmetic_op_end

	compare_op_begin
	EQ
	NE
	ULT
	ULE
	UGT
	UGE
	SLT
	SLE
	SGT
	SGE
	compare_op_end
)

var binaryOps = [...]string{
	ADD:  "add",
	SUB:  "sub",
	MUL:  "mul",
	AND:  "and",
	OR:   "or",
	XOR:  "xor",
	SHL:  "shl",
	LSHR: "lshr",
	ASHR: "ashr",
	EQ:   "eq",
	NE:   "ne",
	ULT:  "ult",
	ULE:  "ule",
	UGT:  "ugt",
	UGE:  "uge",
	SLT:  "slt",
	SLE:  "sle",
	SGT:  "sgt",
	SGE:  "sge",
}

// String returns the string representation of the operation.
func (op BinaryOp) String() string {
	if op >= 0 && op < BinaryOp(len(binaryOps)) && binaryOps[op] != "" {
		return binaryOps[op]
	}
	return fmt.Sprintf("BinaryOp<%d>", op)
}

// IsArithmetic returns true if op is an arithmetic operator.
func (op BinaryOp) IsArithmetic() bool {
	return op > arithmetic_op_begin && op < arithmetic_op_end
}

// IsCompare returns true if op is a comparison operator.
func (op BinaryOp) IsCompare() bool {
	return op > compare_op_begin && op < compare_op_end
}

// BinaryExpr represents an operation on two expressions.
type BinaryExpr struct {
	Op  BinaryOp
	LHS Expr
	RHS Expr
}

// NewBinaryExpr returns a new binary expression. Constant operands are folded
// and tainted operands propagate taint to the result.
func NewBinaryExpr(op BinaryOp, lhs, rhs Expr) Expr {
	assert(ExprWidth(lhs) == ExprWidth(rhs), "binary expr width mismatch: op=%s %s(%d) != %s(%d)", op, lhs, ExprWidth(lhs), rhs, ExprWidth(rhs))

	if expr, ok := foldTaint(op, lhs, rhs); ok {
		return expr
	}

	switch op {
	// Arithmetic operators
	case ADD:
		return newAddExpr(lhs, rhs)
	case SUB:
		return newSubExpr(lhs, rhs)
	case MUL:
		return newMulExpr(lhs, rhs)
	case AND:
		return newAndExpr(lhs, rhs)
	case OR:
		return newOrExpr(lhs, rhs)
	case XOR:
		return newXorExpr(lhs, rhs)
	case SHL:
		return newShlExpr(lhs, rhs)
	case LSHR:
		return newLShrExpr(lhs, rhs)
	case ASHR:
		return newAShrExpr(lhs, rhs)

	// Comparison operators
	case EQ:
		return newEqExpr(lhs, rhs)
	case NE:
		return NewBinaryExpr(EQ, NewConstantExpr(0, WidthBool), NewBinaryExpr(EQ, lhs, rhs))
	case ULT:
		return newUltExpr(lhs, rhs)
	case UGT:
		return newUltExpr(rhs, lhs) // reverse
	case ULE:
		return newUleExpr(lhs, rhs)
	case UGE:
		return newUleExpr(rhs, lhs) // reverse
	case SLT:
		return newSltExpr(lhs, rhs)
	case SGT:
		return newSltExpr(rhs, lhs) // reverse
	case SLE:
		return newSleExpr(lhs, rhs)
	case SGE:
		return newSleExpr(rhs, lhs) // reverse

	default:
		panic("unreachable")
	}
}

// foldTaint returns a tainted result if either operand is a taint expression.
// AND with zero, OR with all ones, and MUL by zero still produce constants.
func foldTaint(op BinaryOp, lhs, rhs Expr) (Expr, bool) {
	lt, rt := IsTaintExpr(lhs), IsTaintExpr(rhs)
	if !lt && !rt {
		return nil, false
	}

	if lt != rt {
		other := lhs
		if lt {
			other = rhs
		}
		if c, ok := other.(*ConstantExpr); ok {
			switch {
			case op == AND && c.Value == 0:
				return c, true
			case op == OR && c.IsAllOnes():
				return c, true
			case op == MUL && c.Value == 0:
				return c, true
			}
		}
	}

	if op.IsCompare() {
		return NewTaintExpr(WidthBool, false), true
	}
	return NewTaintExpr(ExprWidth(lhs), false), true
}

// String returns the string representation of the expression.
func (e *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.Op, e.LHS, e.RHS)
}

// newAddExpr returns the expression representing the sum of lhs & rhs.
func newAddExpr(lhs, rhs Expr) Expr {
	// Move constant expression to left hand side.
	if !IsConstantExpr(lhs) && IsConstantExpr(rhs) {
		lhs, rhs = rhs, lhs
	}

	// Refactor to XOR for boolean expressions.
	if ExprWidth(lhs) == WidthBool {
		return NewBinaryExpr(XOR, lhs, rhs)
	}

	// Compute constant if both sides are constant.
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if lhs.Value == 0 {
			return rhs
		} else if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Add(rhs)
		}
	}

	// Merge constant LHS with constant in RHS binary expression.
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*BinaryExpr); ok {
			if rhs.Op == ADD && IsConstantExpr(rhs.LHS) { // X + (Y+z) == (X+Y) + z
				return NewBinaryExpr(ADD, NewBinaryExpr(ADD, lhs, rhs.LHS), rhs.RHS)
			} else if rhs.Op == SUB && IsConstantExpr(rhs.LHS) { // X + (Y-z) == (X+Y) - z
				return NewBinaryExpr(SUB, NewBinaryExpr(ADD, lhs, rhs.LHS), rhs.RHS)
			}
		}
	}

	// Refactor constant LHS.LHS to a standalone value on LHS.
	if lhs, ok := lhs.(*BinaryExpr); ok && IsConstantExpr(lhs.LHS) {
		if lhs.Op == ADD { // (X+y) + z = X + (y+z)
			return NewBinaryExpr(ADD, lhs.LHS, NewBinaryExpr(ADD, lhs.RHS, rhs))
		} else if lhs.Op == SUB { // (X-y) + z = X + (z-y)
			return NewBinaryExpr(ADD, lhs.LHS, NewBinaryExpr(SUB, rhs, lhs.RHS))
		}
	}

	return &BinaryExpr{Op: ADD, LHS: lhs, RHS: rhs}
}

// newSubExpr returns an expression representing the difference of lhs & rhs.
func newSubExpr(lhs, rhs Expr) Expr {
	// Subtracting a value from itself is zero.
	if CompareExpr(lhs, rhs) == 0 {
		return NewConstantExpr(0, ExprWidth(lhs))
	}

	// Compute constant if both sides are constant.
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Sub(rhs)
		}
	}

	// Refactor to XOR for boolean expressions.
	if ExprWidth(lhs) == WidthBool {
		return NewBinaryExpr(XOR, lhs, rhs)
	}

	// If constant is on right side, refactor to addition of the negated constant.
	if rhs, ok := rhs.(*ConstantExpr); ok && !IsConstantExpr(lhs) {
		return NewBinaryExpr(ADD, NewConstantExpr(0, ExprWidth(rhs)).Sub(rhs), lhs)
	}

	// Combine with children of RHS binary expression, if possible.
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*BinaryExpr); ok {
			if rhs.Op == ADD && IsConstantExpr(rhs.LHS) { // X - (Y+z) == (X-Y) - z
				return NewBinaryExpr(SUB, NewBinaryExpr(SUB, lhs, rhs.LHS), rhs.RHS)
			} else if rhs.Op == SUB && IsConstantExpr(rhs.LHS) { // X - (Y-z) == (X-Y) + z
				return NewBinaryExpr(ADD, NewBinaryExpr(SUB, lhs, rhs.LHS), rhs.RHS)
			}
		}
	}

	return &BinaryExpr{Op: SUB, LHS: lhs, RHS: rhs}
}

// newMulExpr returns an expression that represents the product of lhs & rhs.
func newMulExpr(lhs, rhs Expr) Expr {
	// If constant is on right side, swap to left side.
	if IsConstantExpr(rhs) && !IsConstantExpr(lhs) {
		lhs, rhs = rhs, lhs
	}

	// Compute constant if both sides are constant.
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Mul(rhs)
		}
	}

	// Refactor to AND for boolean expressions.
	if ExprWidth(lhs) == WidthBool {
		return NewBinaryExpr(AND, lhs, rhs)
	}

	// Optimize for multiplication with a constant 1 or 0.
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if lhs.Value == 1 {
			return rhs
		} else if lhs.Value == 0 {
			return lhs
		}
	}
	return &BinaryExpr{Op: MUL, LHS: lhs, RHS: rhs}
}

// newAndExpr returns an expression that represents the bitwise AND of lhs & rhs.
func newAndExpr(lhs, rhs Expr) Expr {
	// Compute constant if both sides are constant.
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.And(rhs)
		}
	}

	// If constant is on left side, swap to right side.
	if IsConstantExpr(lhs) && !IsConstantExpr(rhs) {
		lhs, rhs = rhs, lhs
	}

	// Optimize for if constant is all ones or zeros.
	if rhs, ok := rhs.(*ConstantExpr); ok {
		if rhs.IsAllOnes() {
			return lhs
		} else if rhs.Value == 0 {
			return rhs
		}
	}

	if CompareExpr(lhs, rhs) == 0 {
		return lhs
	}
	return &BinaryExpr{Op: AND, LHS: lhs, RHS: rhs}
}

// newOrExpr returns an expression that represents the bitwise OR of lhs & rhs.
func newOrExpr(lhs, rhs Expr) Expr {
	// Compute constant if both sides are constant.
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Or(rhs)
		}
	}

	// If constant is on left side, swap to right side.
	if IsConstantExpr(lhs) && !IsConstantExpr(rhs) {
		lhs, rhs = rhs, lhs
	}

	// Optimize for if constant is all ones or zeros.
	if rhs, ok := rhs.(*ConstantExpr); ok {
		if rhs.IsAllOnes() {
			return rhs
		} else if rhs.Value == 0 {
			return lhs
		}
	}

	if CompareExpr(lhs, rhs) == 0 {
		return lhs
	}
	return &BinaryExpr{Op: OR, LHS: lhs, RHS: rhs}
}

// newXorExpr returns an expression that represents the bitwise XOR of lhs & rhs.
func newXorExpr(lhs, rhs Expr) Expr {
	// If constant is on right side, swap to left side.
	if !IsConstantExpr(lhs) && IsConstantExpr(rhs) {
		lhs, rhs = rhs, lhs
	}

	// Compute constant if both sides are constant.
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if lhs.Value == 0 {
			return rhs
		} else if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Xor(rhs)
		}
	}

	return &BinaryExpr{Op: XOR, LHS: lhs, RHS: rhs}
}

// newShlExpr returns an expression that represents the shift-left of lhs by rhs bits.
func newShlExpr(lhs, rhs Expr) Expr {
	if r, ok := rhs.(*ConstantExpr); ok {
		if l, ok := lhs.(*ConstantExpr); ok {
			return l.Shl(r)
		} else if r.Value == 0 {
			return lhs
		}
	}
	if ExprWidth(lhs) == WidthBool { // l & !r
		return NewBinaryExpr(AND, lhs, NewIsZeroExpr(rhs))
	}
	return &BinaryExpr{Op: SHL, LHS: lhs, RHS: rhs}
}

// newLShrExpr returns an expression that represents the logical shift-right of lhs by rhs bits.
func newLShrExpr(lhs, rhs Expr) Expr {
	if r, ok := rhs.(*ConstantExpr); ok {
		if l, ok := lhs.(*ConstantExpr); ok {
			return l.LShr(r)
		} else if r.Value == 0 {
			return lhs
		}
	}
	if ExprWidth(lhs) == WidthBool {
		return NewBinaryExpr(AND, lhs, NewIsZeroExpr(rhs)) // l & !r
	}
	return &BinaryExpr{Op: LSHR, LHS: lhs, RHS: rhs}
}

// newAShrExpr returns an expression that represents the arithmetic shift-right of lhs by rhs bits.
func newAShrExpr(lhs, rhs Expr) Expr {
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.AShr(rhs)
		}
	}
	if ExprWidth(lhs) == WidthBool { // l
		return lhs
	}
	return &BinaryExpr{Op: ASHR, LHS: lhs, RHS: rhs}
}

// newEqExpr returns an expression that represents the equality of lhs and rhs.
func newEqExpr(lhs, rhs Expr) Expr {
	// If constant is on right side, swap to left side.
	if !IsConstantExpr(lhs) && IsConstantExpr(rhs) {
		lhs, rhs = rhs, lhs
	}

	// Compute constant if both sides are constant.
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Eq(rhs)
		}

		width := ExprWidth(lhs)
		switch rhs := rhs.(type) {
		case *BinaryExpr:
			switch rhs.Op {
			case EQ:
				if width == WidthBool {
					if lhs.IsTrue() {
						return rhs
					} else if IsConstantFalse(lhs) && IsConstantFalse(rhs.LHS) {
						return rhs.RHS // 0 == (0 == A) => A
					}
				}
			case OR:
				if width == WidthBool {
					if lhs.IsTrue() {
						return rhs // T == X || Y => X || Y
					}
					return NewBinaryExpr(AND, NewIsZeroExpr(rhs.LHS), NewIsZeroExpr(rhs.RHS)) // F == X || Y => !X && !Y
				}
			case ADD:
				if IsConstantExpr(rhs.LHS) { // X = Y + z => X - Y = z
					return NewBinaryExpr(EQ, NewBinaryExpr(SUB, lhs, rhs.LHS), rhs.RHS)
				}
			}
			if width == WidthBool && lhs.IsTrue() && rhs.Op.IsCompare() {
				return rhs // T == (cmp) => cmp
			}

		case *CastExpr:
			trunc := lhs.ZExt(ExprWidth(rhs.Src))
			if rhs.Signed { // (sext(a,T)==c) == (a==c)
				if CompareExpr(lhs, trunc.SExt(width)) == 0 {
					return NewBinaryExpr(EQ, trunc, rhs.Src)
				}
				return NewConstantExpr(0, WidthBool)
			}
			// (zext(a,T)==c) == (a==c)
			if CompareExpr(lhs, trunc.ZExt(width)) == 0 {
				return NewBinaryExpr(EQ, trunc, rhs.Src)
			}
			return NewConstantExpr(0, WidthBool)

		default:
			if width == WidthBool && lhs.IsTrue() {
				return rhs // T == X => X
			}
		}
	}

	if CompareExpr(lhs, rhs) == 0 {
		return NewConstantExpr(1, WidthBool)
	}
	return &BinaryExpr{Op: EQ, LHS: lhs, RHS: rhs}
}

// newUltExpr returns an expression that represents the if lhs is less than rhs (unsigned).
func newUltExpr(lhs, rhs Expr) Expr {
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Ult(rhs)
		}
	}
	if rhs, ok := rhs.(*ConstantExpr); ok && rhs.Value == 0 {
		return NewBoolConstantExpr(false) // nothing is below zero
	}
	if ExprWidth(lhs) == WidthBool { // !lhs && rhs
		return NewBinaryExpr(AND, NewIsZeroExpr(lhs), rhs)
	}
	return &BinaryExpr{Op: ULT, LHS: lhs, RHS: rhs}
}

// newUleExpr returns an expression that represents the if lhs is less than or equal to rhs (unsigned).
func newUleExpr(lhs, rhs Expr) Expr {
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Ule(rhs)
		} else if lhs.Value == 0 {
			return NewBoolConstantExpr(true)
		}
	}
	if rhs, ok := rhs.(*ConstantExpr); ok && rhs.IsAllOnes() {
		return NewBoolConstantExpr(true)
	}
	if ExprWidth(lhs) == WidthBool { // !(lhs && !rhs)
		return NewBinaryExpr(OR, NewIsZeroExpr(lhs), rhs)
	}
	return &BinaryExpr{Op: ULE, LHS: lhs, RHS: rhs}
}

// newSltExpr returns an expression that represents the if lhs is less than rhs (signed).
func newSltExpr(lhs, rhs Expr) Expr {
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Slt(rhs)
		}
	}
	if ExprWidth(lhs) == WidthBool { // lhs && !rhs
		return NewBinaryExpr(AND, lhs, NewIsZeroExpr(rhs))
	}
	return &BinaryExpr{Op: SLT, LHS: lhs, RHS: rhs}
}

// newSleExpr returns an expression that represents the if lhs is less than or equal to rhs (signed).
func newSleExpr(lhs, rhs Expr) Expr {
	if lhs, ok := lhs.(*ConstantExpr); ok {
		if rhs, ok := rhs.(*ConstantExpr); ok {
			return lhs.Sle(rhs)
		}
	}
	if ExprWidth(lhs) == WidthBool { // !(!lhs && rhs)
		return NewBinaryExpr(OR, lhs, NewIsZeroExpr(rhs))
	}
	return &BinaryExpr{Op: SLE, LHS: lhs, RHS: rhs}
}

// SelectExpr represents a one byte read from an array.
type SelectExpr struct {
	Array *Array
	Index Expr
}

// NewSelectExpr returns a new instance of SelectExpr based on a given array.
func NewSelectExpr(a *Array, index Expr) Expr {
	return &SelectExpr{
		Array: a,
		Index: index,
	}
}

// String returns the string representation of the expression.
func (e *SelectExpr) String() string {
	return fmt.Sprintf("(select %s %s)", e.Array, e.Index)
}

// ConcatExpr represents a concatenation of two expressions.
type ConcatExpr struct {
	MSB Expr
	LSB Expr
}

// NewConcatExpr returns a new instance of ConcatExpr. Zero-width operands
// are dropped.
func NewConcatExpr(msb, lsb Expr) Expr {
	if ExprWidth(msb) == 0 {
		return lsb
	} else if ExprWidth(lsb) == 0 {
		return msb
	}

	// Combine expressions if they are both constants and fit in a word.
	if msb, ok := msb.(*ConstantExpr); ok {
		if lsb, ok := lsb.(*ConstantExpr); ok && msb.Width+lsb.Width <= Width64 {
			return msb.Concat(lsb)
		}
	}

	// Adjacent taint merges into a single wider taint.
	if IsTaintExpr(msb) && IsTaintExpr(lsb) {
		return NewTaintExpr(ExprWidth(msb)+ExprWidth(lsb), false)
	}

	// Combine extract expressions if they are contiguous.
	if msb, ok := msb.(*ExtractExpr); ok {
		if lsb, ok := lsb.(*ExtractExpr); ok {
			if CompareExpr(msb.Expr, lsb.Expr) == 0 && lsb.Offset+lsb.Width == msb.Offset {
				return NewExtractExpr(msb.Expr, lsb.Offset, msb.Width+lsb.Width)
			}
		}
	}

	return &ConcatExpr{
		MSB: msb,
		LSB: lsb,
	}
}

// String returns the string representation of the expression.
func (e *ConcatExpr) String() string {
	return fmt.Sprintf("(concat %s %s)", e.MSB, e.LSB)
}

// ExtractExpr represents the extraction of a set of bits at a given offset/width.
// Offset 0 refers to the least significant bit.
type ExtractExpr struct {
	Expr   Expr
	Offset uint
	Width  uint
}

// NewExtractExpr returns a new instance of ExtractExpr.
func NewExtractExpr(expr Expr, offset uint, width uint) Expr {
	kw := ExprWidth(expr)
	assert(width > 0, "extract width cannot be zero")
	assert(offset+width <= kw, "extract out of bounds: %d+%d > %d", width, offset, kw)

	if width == kw {
		return expr
	}

	switch expr := expr.(type) {
	case *ConstantExpr:
		return expr.Extract(offset, width)
	case *TaintExpr:
		return NewTaintExpr(width, false)
	case *ConcatExpr:
		// Directly extract from MSB if we skip over LSB.
		lw := ExprWidth(expr.LSB)
		if offset >= lw {
			return NewExtractExpr(expr.MSB, offset-lw, width)
		}

		// Directly extract from LSB if we skip over MSB.
		if offset+width <= lw {
			return NewExtractExpr(expr.LSB, offset, width)
		}

		// Convert extraction to a concatenation of two extractions.
		// E(C(x,y)) = C(E(x), E(y))
		return NewConcatExpr(
			NewExtractExpr(expr.MSB, 0, offset+width-lw),
			NewExtractExpr(expr.LSB, offset, lw-offset),
		)
	}

	return &ExtractExpr{
		Expr:   expr,
		Offset: offset,
		Width:  width,
	}
}

// String returns the string representation of the expression.
func (e *ExtractExpr) String() string {
	return fmt.Sprintf("(extract %s %d %d)", e.Expr, e.Offset, e.Width)
}

// NotExpr represents a bitwise not of an expression.
type NotExpr struct {
	Expr Expr
}

// NewNotExpr returns a new instance of NotExpr.
func NewNotExpr(expr Expr) Expr {
	switch expr := expr.(type) {
	case *ConstantExpr:
		return expr.Not()
	case *TaintExpr:
		return expr
	case *NotExpr:
		return expr.Expr
	}
	return &NotExpr{Expr: expr}
}

// String returns the string representation of the expression.
func (e *NotExpr) String() string {
	return fmt.Sprintf("(not %s)", e.Expr)
}

// CastExpr represents an expression that casts an expression to a new width.
type CastExpr struct {
	Src    Expr
	Width  uint
	Signed bool
}

// NewCastExpr returns a new instance of CastExpr.
func NewCastExpr(src Expr, width uint, signed bool) Expr {
	if signed {
		return newSExtExpr(src, width)
	}
	return newZExtExpr(src, width)
}

// newZExtExpr returns a new zero-extension binary operation.
func newZExtExpr(src Expr, w uint) Expr {
	sw := ExprWidth(src)
	if w == sw { // nop
		return src
	} else if w == 0 {
		return NewConstantExpr(0, 0)
	} else if w < sw { // truncate
		return NewExtractExpr(src, 0, w)
	} else if c, ok := src.(*ConstantExpr); ok {
		return c.ZExt(w)
	} else if IsTaintExpr(src) {
		return NewTaintExpr(w, false)
	}
	return &CastExpr{Src: src, Width: w, Signed: false}
}

// newSExtExpr returns a new signed-extension binary operation.
func newSExtExpr(src Expr, w uint) Expr {
	sw := ExprWidth(src)
	if w == sw { // nop
		return src
	} else if w == 0 {
		return NewConstantExpr(0, 0)
	} else if w < sw { // truncate
		return NewExtractExpr(src, 0, w)
	} else if c, ok := src.(*ConstantExpr); ok {
		return c.SExt(w)
	} else if IsTaintExpr(src) {
		return NewTaintExpr(w, true)
	}
	return &CastExpr{Src: src, Width: w, Signed: true}
}

// String returns the string representation of the expression.
func (e *CastExpr) String() string {
	if e.Signed {
		return fmt.Sprintf("(sext %s %d)", e.Src, e.Width)
	}
	return fmt.Sprintf("(zext %s %d)", e.Src, e.Width)
}

// IteExpr represents "if Cond then Then else Else".
type IteExpr struct {
	Cond Expr
	Then Expr
	Else Expr
}

// NewIteExpr returns a new conditional expression.
func NewIteExpr(cond, then, els Expr) Expr {
	assert(ExprWidth(cond) == WidthBool, "ite: condition must be boolean")
	assert(ExprWidth(then) == ExprWidth(els), "ite: width mismatch: %d != %d", ExprWidth(then), ExprWidth(els))

	if c, ok := cond.(*ConstantExpr); ok {
		if c.IsTrue() {
			return then
		}
		return els
	} else if IsTaintExpr(cond) {
		return NewTaintExpr(ExprWidth(then), false)
	} else if CompareExpr(then, els) == 0 {
		return then
	}

	// Boolean select between literals collapses to the condition.
	if IsConstantTrue(then) && IsConstantFalse(els) {
		return cond
	} else if IsConstantFalse(then) && IsConstantTrue(els) {
		return NewIsZeroExpr(cond)
	}
	return &IteExpr{Cond: cond, Then: then, Else: els}
}

// String returns the string representation of the expression.
func (e *IteExpr) String() string {
	return fmt.Sprintf("(ite %s %s %s)", e.Cond, e.Then, e.Else)
}

// VarExpr represents a named symbolic variable. Two variables with the same
// name refer to the same solver variable.
type VarExpr struct {
	Name  string
	Width uint
	Role  string // origin of a control-plane variable, empty otherwise
}

// NewVarExpr returns a new symbolic variable.
func NewVarExpr(name string, width uint) *VarExpr {
	assert(name != "", "variable name required")
	return &VarExpr{Name: name, Width: width}
}

// NewControlVar returns a control-plane variable. Variables that share a
// name must share a role.
func NewControlVar(role, name string, width uint) *VarExpr {
	v := NewVarExpr(name, width)
	v.Role = role
	return v
}

// String returns the string representation of the expression.
func (e *VarExpr) String() string {
	return fmt.Sprintf("(var %s %d)", e.Name, e.Width)
}

// TaintExpr represents a value whose bits are undefined, such as a read
// before initialization.
type TaintExpr struct {
	Width  uint
	Signed bool
	Varbit bool
}

type taintKey struct {
	width  uint
	signed bool
}

// taints caches fixed-width taint expressions.
var taints sync.Map

// NewTaintExpr returns a fixed-width taint expression. Instances are shared
// for the same width & signedness.
func NewTaintExpr(width uint, signed bool) *TaintExpr {
	key := taintKey{width: width, signed: signed}
	if v, ok := taints.Load(key); ok {
		return v.(*TaintExpr)
	}
	v, _ := taints.LoadOrStore(key, &TaintExpr{Width: width, Signed: signed})
	return v.(*TaintExpr)
}

// NewVarbitTaintExpr returns a taint expression for a variable-width value.
// These are never cached.
func NewVarbitTaintExpr(maxWidth uint) *TaintExpr {
	return &TaintExpr{Width: maxWidth, Varbit: true}
}

// String returns the string representation of the expression.
func (e *TaintExpr) String() string {
	return fmt.Sprintf("(taint %d)", e.Width)
}

// IsTaintExpr returns true if expr is an instance of TaintExpr.
func IsTaintExpr(expr Expr) bool {
	_, ok := expr.(*TaintExpr)
	return ok
}

// HasTaint returns true if any part of expr is tainted.
func HasTaint(expr Expr) bool {
	var found bool
	WalkExpr(exprVisitorFunc(func(expr Expr) bool {
		if IsTaintExpr(expr) {
			found = true
		}
		return !found
	}), expr)
	return found
}

// ConstantExpr represents a fixed width integer of up to 64 bits.
type ConstantExpr struct {
	Value uint64
	Width uint
}

// NewConstantExpr returns a new instance of ConstantExpr.
// The value is truncated to the given width.
func NewConstantExpr(value uint64, width uint) *ConstantExpr {
	assert(width <= Width64, "constant width too large: %d", width)
	return &ConstantExpr{
		Value: value & bitmask(width),
		Width: width,
	}
}

// NewConstantExpr8 returns a 8-bit constant expression.
func NewConstantExpr8(value uint64) *ConstantExpr {
	return NewConstantExpr(value, 8)
}

// NewConstantExpr16 returns a 16-bit constant expression.
func NewConstantExpr16(value uint64) *ConstantExpr {
	return NewConstantExpr(value, 16)
}

// NewConstantExpr32 returns a 32-bit constant expression.
func NewConstantExpr32(value uint64) *ConstantExpr {
	return NewConstantExpr(value, 32)
}

// NewConstantExpr64 returns a 64-bit constant expression.
func NewConstantExpr64(value uint64) *ConstantExpr {
	return NewConstantExpr(value, 64)
}

// NewBoolConstantExpr is an ease of use function for creating constant boolean expressions.
func NewBoolConstantExpr(value bool) *ConstantExpr {
	if value {
		return &ConstantExpr{Value: 1, Width: WidthBool}
	}
	return &ConstantExpr{Value: 0, Width: WidthBool}
}

// String returns the string representation of the expression.
func (e *ConstantExpr) String() string {
	return fmt.Sprintf("(const %d %d)", e.Value, e.Width)
}

// IsTrue returns true if this is a boolean true expression.
func (e *ConstantExpr) IsTrue() bool {
	return e.Width == WidthBool && e.Value != 0
}

// IsFalse returns true if this is a boolean false expression.
func (e *ConstantExpr) IsFalse() bool {
	return e.Width == WidthBool && e.Value == 0
}

// IsAllOnes returns true if all bits in the value are one.
func (e *ConstantExpr) IsAllOnes() bool {
	return e.Width > 0 && e.Value == bitmask(e.Width)
}

// Signed returns the value interpreted as a two's complement integer.
func (e *ConstantExpr) Signed() int64 {
	return signExtend(e.Value, e.Width)
}

// Add returns the sum of e and other.
func (e *ConstantExpr) Add(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "add: width mismatch: %d != %d", e.Width, other.Width)
	return NewConstantExpr(e.Value+other.Value, e.Width)
}

// Sub returns the difference of e and other.
func (e *ConstantExpr) Sub(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "sub: width mismatch: %d != %d", e.Width, other.Width)
	return NewConstantExpr(e.Value-other.Value, e.Width)
}

// Mul returns the product of e and other.
func (e *ConstantExpr) Mul(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "mul: width mismatch: %d != %d", e.Width, other.Width)
	return NewConstantExpr(e.Value*other.Value, e.Width)
}

// And returns the bitwise AND of e and other.
func (e *ConstantExpr) And(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "and: width mismatch: %d != %d", e.Width, other.Width)
	return NewConstantExpr(e.Value&other.Value, e.Width)
}

// Or returns the bitwise OR of e and other.
func (e *ConstantExpr) Or(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "or: width mismatch: %d != %d", e.Width, other.Width)
	return NewConstantExpr(e.Value|other.Value, e.Width)
}

// Xor returns the bitwise XOR of e and other.
func (e *ConstantExpr) Xor(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "xor: width mismatch: %d != %d", e.Width, other.Width)
	return NewConstantExpr(e.Value^other.Value, e.Width)
}

// Shl returns the value of e shifted left by other number of bits.
func (e *ConstantExpr) Shl(other *ConstantExpr) *ConstantExpr {
	if other.Value >= uint64(e.Width) {
		return NewConstantExpr(0, e.Width)
	}
	return NewConstantExpr(e.Value<<other.Value, e.Width)
}

// LShr returns the value of e logically shifted right by other number of bits.
func (e *ConstantExpr) LShr(other *ConstantExpr) *ConstantExpr {
	if other.Value >= uint64(e.Width) {
		return NewConstantExpr(0, e.Width)
	}
	return NewConstantExpr(e.Value>>other.Value, e.Width)
}

// AShr returns the value of e arithmetically shifted right by other number of bits.
func (e *ConstantExpr) AShr(other *ConstantExpr) *ConstantExpr {
	shift := other.Value
	if shift >= Width64 {
		shift = Width64 - 1
	}
	return NewConstantExpr(uint64(e.Signed()>>shift), e.Width)
}

// Eq returns the equality of e and other.
func (e *ConstantExpr) Eq(other *ConstantExpr) *ConstantExpr {
	assert(e.Width == other.Width, "eq: width mismatch: %d != %d", e.Width, other.Width)
	return NewBoolConstantExpr(e.Value == other.Value)
}

// Ult returns the unsigned less than comparison of e to other.
func (e *ConstantExpr) Ult(other *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.Value < other.Value)
}

// Ugt returns the unsigned greater than comparison of e to other.
func (e *ConstantExpr) Ugt(other *ConstantExpr) *ConstantExpr {
	return other.Ult(e)
}

// Ule returns the unsigned less than or equal to comparison of e to other.
func (e *ConstantExpr) Ule(other *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.Value <= other.Value)
}

// Uge returns the unsigned greater than or equal to comparison of e to other.
func (e *ConstantExpr) Uge(other *ConstantExpr) *ConstantExpr {
	return other.Ule(e)
}

// Slt returns the signed less than comparison of e to other.
func (e *ConstantExpr) Slt(other *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.Signed() < other.Signed())
}

// Sgt returns the signed greater than comparison of e to other.
func (e *ConstantExpr) Sgt(other *ConstantExpr) *ConstantExpr {
	return other.Slt(e)
}

// Sle returns the signed less than or equal to comparison of e to other.
func (e *ConstantExpr) Sle(other *ConstantExpr) *ConstantExpr {
	return NewBoolConstantExpr(e.Signed() <= other.Signed())
}

// Sge returns the signed greater than or equal to comparison of e to other.
func (e *ConstantExpr) Sge(other *ConstantExpr) *ConstantExpr {
	return other.Sle(e)
}

// ZExt returns the zero-extension of e to a new width.
func (e *ConstantExpr) ZExt(width uint) *ConstantExpr {
	if e.Width == width {
		return e
	} else if width == WidthBool {
		return NewBoolConstantExpr(e.Value&1 != 0)
	}
	return NewConstantExpr(e.Value, width)
}

// SExt returns the sign-extension of e to a new width.
func (e *ConstantExpr) SExt(width uint) *ConstantExpr {
	if e.Width == width {
		return e
	}
	return NewConstantExpr(uint64(e.Signed()), width)
}

// Not returns the bitwise NOT of the expression.
func (e *ConstantExpr) Not() *ConstantExpr {
	return NewConstantExpr(^e.Value, e.Width)
}

// Extract returns width number of bits starting at offset.
func (e *ConstantExpr) Extract(offset, width uint) *ConstantExpr {
	return NewConstantExpr(e.Value>>offset, width)
}

// Concat returns the concatenation of e and lsb.
func (e *ConstantExpr) Concat(lsb *ConstantExpr) *ConstantExpr {
	return NewConstantExpr((e.Value<<lsb.Width)|lsb.Value, e.Width+lsb.Width)
}

func bitmask(width uint) uint64 {
	if width >= Width64 {
		return ^uint64(0)
	}
	return (1 << width) - 1
}

func signExtend(v uint64, width uint) int64 {
	if width == 0 {
		return 0
	}
	shift := Width64 - width
	return int64(v<<shift) >> shift
}

// IsConstantExpr returns true if expr is an instance of ConstantExpr.
func IsConstantExpr(expr Expr) bool {
	_, ok := expr.(*ConstantExpr)
	return ok
}

// IsConstantTrue returns true if expr is an instance of ConstantExpr and is true.
func IsConstantTrue(expr Expr) bool {
	tmp, ok := expr.(*ConstantExpr)
	return ok && tmp.IsTrue()
}

// IsConstantFalse returns true if expr is an instance of ConstantExpr and is false.
func IsConstantFalse(expr Expr) bool {
	tmp, ok := expr.(*ConstantExpr)
	return ok && tmp.IsFalse()
}

// NewIsZeroExpr returns an expression that checks the equality of other to zero.
// For booleans this is logical negation.
func NewIsZeroExpr(other Expr) Expr {
	return NewBinaryExpr(EQ, NewConstantExpr(0, ExprWidth(other)), other)
}

// NewConjunctionExpr returns the logical AND of boolean expressions.
// Returns true if no expressions are given.
func NewConjunctionExpr(exprs ...Expr) Expr {
	var result Expr = NewBoolConstantExpr(true)
	for _, expr := range exprs {
		result = NewBinaryExpr(AND, result, expr)
	}
	return result
}

// NewDisjunctionExpr returns the logical OR of boolean expressions.
// Returns false if no expressions are given.
func NewDisjunctionExpr(exprs ...Expr) Expr {
	var result Expr = NewBoolConstantExpr(false)
	for _, expr := range exprs {
		result = NewBinaryExpr(OR, result, expr)
	}
	return result
}

// CompareExpr returns an integer comparing two expressions.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareExpr(a, b Expr) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if ak, bk := exprKind(a), exprKind(b); ak < bk {
		return -1
	} else if ak > bk {
		return 1
	}

	switch a := a.(type) {
	case *ConstantExpr:
		return compareConstantExpr(a, b.(*ConstantExpr))
	case *VarExpr:
		return compareVarExpr(a, b.(*VarExpr))
	case *TaintExpr:
		return compareTaintExpr(a, b.(*TaintExpr))
	case *SelectExpr:
		return compareSelectExpr(a, b.(*SelectExpr))
	case *ConcatExpr:
		return compareConcatExpr(a, b.(*ConcatExpr))
	case *ExtractExpr:
		return compareExtractExpr(a, b.(*ExtractExpr))
	case *NotExpr:
		return compareNotExpr(a, b.(*NotExpr))
	case *CastExpr:
		return compareCastExpr(a, b.(*CastExpr))
	case *IteExpr:
		return compareIteExpr(a, b.(*IteExpr))
	case *BinaryExpr:
		return compareBinaryExpr(a, b.(*BinaryExpr))
	default:
		panic("unreachable")
	}
}

func compareUint(a, b uint64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}

func compareBool(a, b bool) int {
	if !a && b {
		return -1
	} else if a && !b {
		return 1
	}
	return 0
}

func compareConstantExpr(a, b *ConstantExpr) int {
	if cmp := compareUint(uint64(a.Width), uint64(b.Width)); cmp != 0 {
		return cmp
	}
	return compareUint(a.Value, b.Value)
}

func compareVarExpr(a, b *VarExpr) int {
	if a.Name < b.Name {
		return -1
	} else if a.Name > b.Name {
		return 1
	}
	return compareUint(uint64(a.Width), uint64(b.Width))
}

// compareTaintExpr orders taint by shape only. Two varbit taints of the
// same width are never equal unless they are the same instance.
func compareTaintExpr(a, b *TaintExpr) int {
	if cmp := compareUint(uint64(a.Width), uint64(b.Width)); cmp != 0 {
		return cmp
	} else if cmp := compareBool(a.Signed, b.Signed); cmp != 0 {
		return cmp
	} else if cmp := compareBool(a.Varbit, b.Varbit); cmp != 0 {
		return cmp
	} else if a.Varbit && a != b {
		return -1
	}
	return 0
}

func compareSelectExpr(a, b *SelectExpr) int {
	if cmp := CompareExpr(a.Index, b.Index); cmp != 0 {
		return cmp
	}
	return CompareArray(a.Array, b.Array)
}

func compareConcatExpr(a, b *ConcatExpr) int {
	if cmp := CompareExpr(a.MSB, b.MSB); cmp != 0 {
		return cmp
	}
	return CompareExpr(a.LSB, b.LSB)
}

func compareExtractExpr(a, b *ExtractExpr) int {
	if cmp := compareUint(uint64(a.Offset), uint64(b.Offset)); cmp != 0 {
		return cmp
	} else if cmp := compareUint(uint64(a.Width), uint64(b.Width)); cmp != 0 {
		return cmp
	}
	return CompareExpr(a.Expr, b.Expr)
}

func compareNotExpr(a, b *NotExpr) int {
	return CompareExpr(a.Expr, b.Expr)
}

func compareCastExpr(a, b *CastExpr) int {
	if cmp := compareBool(b.Signed, a.Signed); cmp != 0 {
		return cmp
	} else if cmp := compareUint(uint64(a.Width), uint64(b.Width)); cmp != 0 {
		return cmp
	}
	return CompareExpr(a.Src, b.Src)
}

func compareIteExpr(a, b *IteExpr) int {
	if cmp := CompareExpr(a.Cond, b.Cond); cmp != 0 {
		return cmp
	} else if cmp := CompareExpr(a.Then, b.Then); cmp != 0 {
		return cmp
	}
	return CompareExpr(a.Else, b.Else)
}

func compareBinaryExpr(a, b *BinaryExpr) int {
	if a.Op < b.Op {
		return -1
	} else if a.Op > b.Op {
		return 1
	}
	if cmp := CompareExpr(a.LHS, b.LHS); cmp != 0 {
		return cmp
	}
	return CompareExpr(a.RHS, b.RHS)
}

// exprKind returns a numeric value for the type of expression.
// Only used internally for equality checks and sorting.
func exprKind(expr Expr) int {
	switch expr.(type) {
	case *ConstantExpr:
		return 1
	case *VarExpr:
		return 2
	case *TaintExpr:
		return 3
	case *SelectExpr:
		return 4
	case *ConcatExpr:
		return 5
	case *ExtractExpr:
		return 6
	case *NotExpr:
		return 7
	case *CastExpr:
		return 8
	case *IteExpr:
		return 9
	case *BinaryExpr:
		return 10
	default:
		panic("unreachable")
	}
}

// ExprVisitor represents a visitor that can be passed to WalkExpr().
type ExprVisitor interface {
	// Executed for every visited node. Children are skipped if nil is returned.
	Visit(expr Expr) ExprVisitor
}

// WalkExpr traverses expr depth-first. Expressions are immutable so the
// walk never rewrites the tree.
func WalkExpr(v ExprVisitor, expr Expr) {
	if v = v.Visit(expr); v == nil {
		return
	}

	switch expr := expr.(type) {
	case *BinaryExpr:
		WalkExpr(v, expr.LHS)
		WalkExpr(v, expr.RHS)
	case *CastExpr:
		WalkExpr(v, expr.Src)
	case *ConcatExpr:
		WalkExpr(v, expr.MSB)
		WalkExpr(v, expr.LSB)
	case *ConstantExpr, *VarExpr, *TaintExpr:
		// nop
	case *ExtractExpr:
		WalkExpr(v, expr.Expr)
	case *IteExpr:
		WalkExpr(v, expr.Cond)
		WalkExpr(v, expr.Then)
		WalkExpr(v, expr.Else)
	case *NotExpr:
		WalkExpr(v, expr.Expr)
	case *SelectExpr:
		WalkExpr(v, expr.Index)
	default:
		panic("unreachable")
	}
}

// exprVisitorFunc adapts a function to ExprVisitor. Children are visited
// while fn returns true.
type exprVisitorFunc func(Expr) bool

func (fn exprVisitorFunc) Visit(expr Expr) ExprVisitor {
	if fn(expr) {
		return fn
	}
	return nil
}

// FindArrays returns all symbolic arrays in the expression tree.
func FindArrays(exprs ...Expr) []*Array {
	m := make(map[uint64]*Array)
	v := exprVisitorFunc(func(expr Expr) bool {
		if expr, ok := expr.(*SelectExpr); ok && expr.Array.IsSymbolic() {
			if _, ok := m[expr.Array.ID]; !ok {
				m[expr.Array.ID] = expr.Array
			}
		}
		return true
	})
	for _, expr := range exprs {
		WalkExpr(v, expr)
	}

	a := make([]*Array, 0, len(m))
	for _, array := range m {
		a = append(a, array)
	}
	sort.Slice(a, func(i, j int) bool { return CompareArray(a[i], a[j]) == -1 })
	return a
}

// FindVars returns all symbolic variables in the expression tree, sorted by name.
func FindVars(exprs ...Expr) []*VarExpr {
	m := make(map[string]*VarExpr)
	v := exprVisitorFunc(func(expr Expr) bool {
		if expr, ok := expr.(*VarExpr); ok {
			if prev, ok := m[expr.Name]; ok {
				assert(prev.Role == expr.Role, "variable name collision: %s: %q != %q", expr.Name, prev.Role, expr.Role)
				assert(prev.Width == expr.Width, "variable width collision: %s: %d != %d", expr.Name, prev.Width, expr.Width)
			} else {
				m[expr.Name] = expr
			}
		}
		return true
	})
	for _, expr := range exprs {
		WalkExpr(v, expr)
	}

	a := make([]*VarExpr, 0, len(m))
	for _, expr := range m {
		a = append(a, expr)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].Name < a[j].Name })
	return a
}

// Model holds concrete values for the symbolic variables and arrays of a
// satisfiable set of constraints.
type Model struct {
	Values map[string]*ConstantExpr // by variable name
	Arrays map[uint64][]byte        // initial array contents by id
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{
		Values: make(map[string]*ConstantExpr),
		Arrays: make(map[uint64][]byte),
	}
}

// Value returns the value of the named variable. Unbound variables are zero.
func (m *Model) Value(v *VarExpr) *ConstantExpr {
	if value, ok := m.Values[v.Name]; ok {
		return value
	}
	return NewConstantExpr(0, v.Width)
}

// ExprEvaluator evaluates expressions using a model.
type ExprEvaluator struct {
	model *Model
}

// NewExprEvaluator returns a new instance of ExprEvaluator for the given model.
func NewExprEvaluator(model *Model) *ExprEvaluator {
	if model == nil {
		model = NewModel()
	}
	return &ExprEvaluator{model: model}
}

// Evaluate evaluates expr to a constant expression. Unbound variables and
// array bytes evaluate to zero. Taint evaluates to zero.
func (ee *ExprEvaluator) Evaluate(expr Expr) (*ConstantExpr, error) {
	switch expr := expr.(type) {
	case *BinaryExpr:
		lhs, err := ee.Evaluate(expr.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := ee.Evaluate(expr.RHS)
		if err != nil {
			return nil, err
		}
		return NewBinaryExpr(expr.Op, lhs, rhs).(*ConstantExpr), nil
	case *CastExpr:
		src, err := ee.Evaluate(expr.Src)
		if err != nil {
			return nil, err
		}
		return NewCastExpr(src, expr.Width, expr.Signed).(*ConstantExpr), nil
	case *ConcatExpr:
		msb, err := ee.Evaluate(expr.MSB)
		if err != nil {
			return nil, err
		}
		lsb, err := ee.Evaluate(expr.LSB)
		if err != nil {
			return nil, err
		} else if msb.Width+lsb.Width > Width64 {
			return nil, fmt.Errorf("concat too wide to evaluate: %d bits", msb.Width+lsb.Width)
		}
		return msb.Concat(lsb), nil
	case *ConstantExpr:
		return expr, nil
	case *VarExpr:
		return ee.model.Value(expr), nil
	case *TaintExpr:
		return NewConstantExpr(0, expr.Width), nil
	case *ExtractExpr:
		exp, err := ee.Evaluate(expr.Expr)
		if err != nil {
			return nil, err
		}
		return exp.Extract(expr.Offset, expr.Width), nil
	case *IteExpr:
		cond, err := ee.Evaluate(expr.Cond)
		if err != nil {
			return nil, err
		} else if cond.IsTrue() {
			return ee.Evaluate(expr.Then)
		}
		return ee.Evaluate(expr.Else)
	case *NotExpr:
		exp, err := ee.Evaluate(expr.Expr)
		if err != nil {
			return nil, err
		}
		return exp.Not(), nil
	case *SelectExpr:
		i, err := ee.Evaluate(expr.Index)
		if err != nil {
			return nil, err
		}

		if i.Value >= uint64(expr.Array.Size) {
			return nil, fmt.Errorf("select index out of bounds: %d >= %d", i.Value, expr.Array.Size)
		}
		initial := ee.model.Arrays[expr.Array.ID]
		if int(i.Value) >= len(initial) {
			return NewConstantExpr(0, Width8), nil
		}
		return NewConstantExpr(uint64(initial[i.Value]), Width8), nil

	default:
		return nil, fmt.Errorf("invalid expression type: %T", expr)
	}
}
