package ir

import (
	"fmt"
)

// Type represents the type of a value in a program.
type Type interface {
	typ()
	String() string
}

func (*BitsType) typ()   {}
func (*BoolType) typ()   {}
func (*VarbitType) typ() {}
func (*HeaderType) typ() {}
func (*StructType) typ() {}

// BitsType represents bit<W> or int<W>.
type BitsType struct {
	Width  int
	Signed bool
}

func (t *BitsType) String() string {
	if t.Signed {
		return fmt.Sprintf("int<%d>", t.Width)
	}
	return fmt.Sprintf("bit<%d>", t.Width)
}

// BoolType represents bool. It is stored as a single bit.
type BoolType struct{}

func (t *BoolType) String() string { return "bool" }

// VarbitType represents varbit<MaxWidth>.
type VarbitType struct {
	MaxWidth int
}

func (t *VarbitType) String() string { return fmt.Sprintf("varbit<%d>", t.MaxWidth) }

// Field is a named member of a header or struct.
type Field struct {
	Name string
	Type Type
}

// HeaderType represents a header. Headers carry an implicit validity bit.
type HeaderType struct {
	Name   string
	Fields []*Field
}

func (t *HeaderType) String() string { return t.Name }

// Field returns a field by name.
func (t *HeaderType) Field(name string) *Field { return lookupField(t.Fields, name) }

// StructType represents a struct of headers, structs, or scalars.
type StructType struct {
	Name   string
	Fields []*Field
}

func (t *StructType) String() string { return t.Name }

// Field returns a field by name.
func (t *StructType) Field(name string) *Field { return lookupField(t.Fields, name) }

func lookupField(fields []*Field, name string) *Field {
	for _, f := range fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Width returns the number of bits required to store a value of type t.
// Validity bits are not included.
func Width(t Type) int {
	switch t := t.(type) {
	case *BitsType:
		return t.Width
	case *BoolType:
		return 1
	case *VarbitType:
		return t.MaxWidth
	case *HeaderType:
		return fieldsWidth(t.Fields)
	case *StructType:
		return fieldsWidth(t.Fields)
	default:
		return 0
	}
}

func fieldsWidth(fields []*Field) (n int) {
	for _, f := range fields {
		n += Width(f.Type)
	}
	return n
}

// IsScalar returns true if t is stored in a single variable.
func IsScalar(t Type) bool {
	switch t.(type) {
	case *BitsType, *BoolType, *VarbitType:
		return true
	default:
		return false
	}
}

// FieldsOf returns the fields of a header or struct type.
func FieldsOf(t Type) []*Field {
	switch t := t.(type) {
	case *HeaderType:
		return t.Fields
	case *StructType:
		return t.Fields
	default:
		return nil
	}
}
