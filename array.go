package p4testgen

import (
	"fmt"
)

// Array represents a fixed-size array of symbolic bytes, such as the
// content of the input packet.
type Array struct {
	ID   uint64 // unique id
	Name string // solver name
	Size uint   // width, in bytes
}

// NewArray returns a new Array of the given size.
func NewArray(id uint64, name string, size uint) *Array {
	return &Array{
		ID:   id,
		Name: name,
		Size: size,
	}
}

// String returns a string representation of the array.
func (a *Array) String() string {
	if a.Name != "" {
		return fmt.Sprintf("(array %s %d)", a.Name, a.Size)
	}
	return fmt.Sprintf("(array #%d %d)", a.ID, a.Size)
}

// IsSymbolic returns true if any bytes in the array are symbolic. Arrays
// carry no concrete updates so this is always true for non-empty arrays.
func (a *Array) IsSymbolic() bool {
	return a.Size > 0
}

// Select reads a byte-aligned value from the array.
func (a *Array) Select(offset Expr, width uint, isLittleEndian bool) Expr {
	assert(width > 0 && width%8 == 0, "select: invalid width: %d", width)

	offset = newZExtExpr(offset, Width64)

	// Handle read byte-by-byte.
	var result Expr
	for i, n := uint64(0), uint64(width)/8; i != n; i++ {
		byteOffset := i
		if !isLittleEndian {
			byteOffset = (n - i - 1)
		}

		value := a.selectByte(NewBinaryExpr(ADD, offset, NewConstantExpr64(byteOffset)))
		if i == 0 {
			result = value
		} else {
			result = NewConcatExpr(value, result)
		}
	}
	return result
}

// SelectBits reads width bits starting at bit offset in network order, where
// bit 0 is the most significant bit of the first byte.
func (a *Array) SelectBits(offset, width uint) Expr {
	assert(width > 0, "select bits: invalid width")

	first, last := offset/8, (offset+width-1)/8
	assert(last < a.Size, "select bits: out of bounds: byte %d >= %d", last, a.Size)

	var span Expr
	for i := first; i <= last; i++ {
		b := a.selectByte(NewConstantExpr64(uint64(i)))
		if span == nil {
			span = b
		} else {
			span = NewConcatExpr(span, b)
		}
	}

	spanWidth := (last - first + 1) * 8
	return NewExtractExpr(span, spanWidth-(offset-first*8)-width, width)
}

// selectByte reads a single byte from the array.
func (a *Array) selectByte(index Expr) Expr {
	assert(ExprWidth(index) == 64, "selectByte: invalid array index width: %d", ExprWidth(index))
	if index, ok := index.(*ConstantExpr); ok {
		assert(index.Value < uint64(a.Size), "selectByte: index out of bounds: %d >= %d", index.Value, a.Size)
	}
	return NewSelectExpr(a, index)
}

// CompareArray returns an integer comparing two arrays.
// The result will be 0 if a==b, -1 if a < b, and +1 if a > b.
func CompareArray(a, b *Array) int {
	if a == nil && b != nil {
		return -1
	} else if a != nil && b == nil {
		return 1
	} else if a == nil && b == nil {
		return 0
	}

	if a.ID < b.ID {
		return -1
	} else if a.ID > b.ID {
		return 1
	}

	if a.Size < b.Size {
		return -1
	} else if a.Size > b.Size {
		return 1
	}
	return 0
}
