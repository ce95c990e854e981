// Package candid implements the binary form of the Candid interface
// description language, as spoken by Internet Computer canisters.
//
// Values travel as a self-describing message: the "DIDL" magic, a table of
// compound types, the types of the arguments and finally the argument values.
// Encoding is driven by explicit Type descriptors; decoding reads the wire
// types and produces generic values (see value.go) that typed bindings then
// convert with the As* helpers.
package candid

import (
	"fmt"
	"sort"
	"strings"
)

// Type opcodes, as they appear on the wire.
const (
	opNull      int64 = -1
	opBool      int64 = -2
	opNat       int64 = -3
	opInt       int64 = -4
	opNat8      int64 = -5
	opNat16     int64 = -6
	opNat32     int64 = -7
	opNat64     int64 = -8
	opInt8      int64 = -9
	opInt16     int64 = -10
	opInt32     int64 = -11
	opInt64     int64 = -12
	opFloat32   int64 = -13
	opFloat64   int64 = -14
	opText      int64 = -15
	opReserved  int64 = -16
	opEmpty     int64 = -17
	opOpt       int64 = -18
	opVec       int64 = -19
	opRecord    int64 = -20
	opVariant   int64 = -21
	opFunc      int64 = -22
	opService   int64 = -23
	opPrincipal int64 = -24
)

// Type describes the shape of a Candid value.
type Type interface {
	fmt.Stringer
	// opcode returns the wire opcode of the type.
	opcode() int64
}

// PrimitiveType is a type with no type arguments.
type PrimitiveType struct {
	code int64
	name string
}

func (t PrimitiveType) opcode() int64  { return t.code }
func (t PrimitiveType) String() string { return t.name }

// Primitive types.
var (
	Null      Type = PrimitiveType{opNull, "null"}
	Bool      Type = PrimitiveType{opBool, "bool"}
	Nat       Type = PrimitiveType{opNat, "nat"}
	Int       Type = PrimitiveType{opInt, "int"}
	Nat8      Type = PrimitiveType{opNat8, "nat8"}
	Nat16     Type = PrimitiveType{opNat16, "nat16"}
	Nat32     Type = PrimitiveType{opNat32, "nat32"}
	Nat64     Type = PrimitiveType{opNat64, "nat64"}
	Int8      Type = PrimitiveType{opInt8, "int8"}
	Int16     Type = PrimitiveType{opInt16, "int16"}
	Int32     Type = PrimitiveType{opInt32, "int32"}
	Int64     Type = PrimitiveType{opInt64, "int64"}
	Float32   Type = PrimitiveType{opFloat32, "float32"}
	Float64   Type = PrimitiveType{opFloat64, "float64"}
	Text      Type = PrimitiveType{opText, "text"}
	Reserved  Type = PrimitiveType{opReserved, "reserved"}
	Empty     Type = PrimitiveType{opEmpty, "empty"}
	Principal Type = PrimitiveType{opPrincipal, "principal"}
)

var primitives = map[int64]Type{}

func init() {
	for _, t := range []Type{Null, Bool, Nat, Int, Nat8, Nat16, Nat32, Nat64, Int8, Int16, Int32, Int64, Float32, Float64, Text, Reserved, Empty, Principal} {
		primitives[t.opcode()] = t
	}
}

// Blob is shorthand for vec nat8.
var Blob Type = Vec(Nat8)

// OptType is `opt T`.
type OptType struct {
	Elem Type
}

// Opt returns the type `opt elem`.
func Opt(elem Type) *OptType {
	return &OptType{Elem: elem}
}

func (t *OptType) opcode() int64 { return opOpt }

func (t *OptType) String() string { return typeString(t, 0) }

// VecType is `vec T`.
type VecType struct {
	Elem Type
}

// Vec returns the type `vec elem`.
func Vec(elem Type) *VecType {
	return &VecType{Elem: elem}
}

func (t *VecType) opcode() int64 { return opVec }

func (t *VecType) String() string { return typeString(t, 0) }

// Field is a record field or a variant alternative.
type Field struct {
	// ID is the field id, the hash of Name or a tuple index.
	ID uint32
	// Name is the field label. Empty for tuple fields and for types read
	// off the wire, which only carry ids.
	Name string
	Type Type
}

// NamedField returns a field labeled `name`.
func NamedField(name string, t Type) Field {
	return Field{ID: Hash(name), Name: name, Type: t}
}

// TupleField returns the i-th positional field of a tuple.
func TupleField(i uint32, t Type) Field {
	return Field{ID: i, Type: t}
}

// RecordType is `record { ... }`.
type RecordType struct {
	Fields []Field
}

// Record returns a record type with the given fields, sorted by id.
func Record(fields ...Field) *RecordType {
	return &RecordType{Fields: sortFields(fields)}
}

// Tuple returns the record type `record { t0; t1; ... }`.
func Tuple(types ...Type) *RecordType {
	fields := make([]Field, len(types))
	for i, t := range types {
		fields[i] = TupleField(uint32(i), t)
	}
	return &RecordType{Fields: fields}
}

func (t *RecordType) opcode() int64 { return opRecord }

func (t *RecordType) String() string { return typeString(t, 0) }

// FieldByID returns the field with the given id.
func (t *RecordType) FieldByID(id uint32) (Field, bool) {
	return findField(t.Fields, id)
}

// VariantType is `variant { ... }`.
type VariantType struct {
	Fields []Field
}

// Variant returns a variant type with the given alternatives, sorted by id.
func Variant(fields ...Field) *VariantType {
	return &VariantType{Fields: sortFields(fields)}
}

// Enum returns a variant whose alternatives all carry `null`.
func Enum(labels ...string) *VariantType {
	fields := make([]Field, len(labels))
	for i, l := range labels {
		fields[i] = NamedField(l, Null)
	}
	return Variant(fields...)
}

func (t *VariantType) opcode() int64 { return opVariant }

func (t *VariantType) String() string { return typeString(t, 0) }

// FieldByID returns the alternative with the given id.
func (t *VariantType) FieldByID(id uint32) (Field, bool) {
	return findField(t.Fields, id)
}

// Hash returns the Candid field id of a label.
func Hash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h*223 + uint32(name[i])
	}
	return h
}

func sortFields(fields []Field) []Field {
	sorted := append([]Field{}, fields...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}

func findField(fields []Field, id uint32) (Field, bool) {
	i := sort.Search(len(fields), func(i int) bool { return fields[i].ID >= id })
	if i < len(fields) && fields[i].ID == id {
		return fields[i], true
	}
	return Field{}, false
}

// Types read off the wire may be recursive; printing stops at this depth.
const maxTypeStringDepth = 8

func typeString(t Type, depth int) string {
	if depth > maxTypeStringDepth {
		return "…"
	}
	switch t := t.(type) {
	case *OptType:
		return "opt " + typeString(t.Elem, depth+1)
	case *VecType:
		return "vec " + typeString(t.Elem, depth+1)
	case *RecordType:
		return "record {" + fieldsString(t.Fields, depth) + "}"
	case *VariantType:
		return "variant {" + fieldsString(t.Fields, depth) + "}"
	default:
		return t.String()
	}
}

func fieldsString(fields []Field, depth int) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		label := f.Name
		if label == "" {
			label = fmt.Sprint(f.ID)
		}
		parts[i] = fmt.Sprintf(" %s: %s;", label, typeString(f.Type, depth+1))
	}
	return strings.Join(parts, "") + " "
}
