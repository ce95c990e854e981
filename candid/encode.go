package candid

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"unicode/utf8"

	"github.com/yral-dapp/postcache/principal"
)

var magic = []byte("DIDL")

// Marshal encodes values as a Candid message whose arguments have the given types.
func Marshal(types []Type, values []any) ([]byte, error) {
	if len(types) != len(values) {
		return nil, encodeErrorf(Tuple(types...), "%d types for %d values", len(types), len(values))
	}

	enc := &encoder{index: make(map[Type]int64)}
	refs := make([]int64, len(types))
	for i, t := range types {
		ref, err := enc.ref(t)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
	}

	b := append([]byte{}, magic...)
	b = appendULEB128(b, uint64(len(enc.table)))
	for _, entry := range enc.table {
		b = append(b, entry...)
	}
	b = appendULEB128(b, uint64(len(refs)))
	for _, ref := range refs {
		b = appendSLEB128(b, ref)
	}

	var err error
	for i, t := range types {
		if b, err = enc.value(b, t, values[i]); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// MustMarshal is like Marshal but panics on error. Intended for constant
// arguments in tests and static tables.
func MustMarshal(types []Type, values []any) []byte {
	b, err := Marshal(types, values)
	if err != nil {
		panic(err)
	}
	return b
}

// encoder accumulates the type table of a message.
type encoder struct {
	table [][]byte
	index map[Type]int64
}

// ref returns the wire reference of t, adding compound types to the table.
func (e *encoder) ref(t Type) (int64, error) {
	if t == nil {
		return 0, encodeErrorf(Null, "nil type")
	}
	if p, ok := t.(PrimitiveType); ok {
		return p.code, nil
	}
	if idx, ok := e.index[t]; ok {
		return idx, nil
	}

	// Reserve the slot first so recursive references resolve to it.
	idx := int64(len(e.table))
	e.table = append(e.table, nil)
	e.index[t] = idx

	entry := appendSLEB128(nil, t.opcode())
	switch t := t.(type) {
	case *OptType:
		ref, err := e.ref(t.Elem)
		if err != nil {
			return 0, err
		}
		entry = appendSLEB128(entry, ref)
	case *VecType:
		ref, err := e.ref(t.Elem)
		if err != nil {
			return 0, err
		}
		entry = appendSLEB128(entry, ref)
	case *RecordType:
		var err error
		if entry, err = e.fields(entry, t, t.Fields); err != nil {
			return 0, err
		}
	case *VariantType:
		var err error
		if entry, err = e.fields(entry, t, t.Fields); err != nil {
			return 0, err
		}
	default:
		return 0, encodeErrorf(t, "unsupported type")
	}
	e.table[idx] = entry
	return idx, nil
}

func (e *encoder) fields(entry []byte, t Type, fields []Field) ([]byte, error) {
	entry = appendULEB128(entry, uint64(len(fields)))
	for i, f := range fields {
		if i > 0 && fields[i-1].ID >= f.ID {
			return nil, encodeErrorf(t, "fields not sorted or duplicate id %d", f.ID)
		}
		ref, err := e.ref(f.Type)
		if err != nil {
			return nil, err
		}
		entry = appendULEB128(entry, uint64(f.ID))
		entry = appendSLEB128(entry, ref)
	}
	return entry, nil
}

func (e *encoder) value(b []byte, t Type, v any) ([]byte, error) {
	switch t := t.(type) {
	case PrimitiveType:
		return appendPrimitive(b, t, v)
	case *OptType:
		var o Option
		switch val := v.(type) {
		case Option:
			o = val
		case nil:
			o = None()
		default:
			return nil, encodeErrorf(t, "want candid.Option, got %T", v)
		}
		if !o.Valid {
			return append(b, 0), nil
		}
		return e.value(append(b, 1), t.Elem, o.Value)
	case *VecType:
		if blob, ok := v.([]byte); ok && t.Elem == Nat8 {
			b = appendULEB128(b, uint64(len(blob)))
			return append(b, blob...), nil
		}
		elems, ok := v.([]any)
		if !ok {
			if v != nil {
				return nil, encodeErrorf(t, "want []any, got %T", v)
			}
			elems = nil
		}
		b = appendULEB128(b, uint64(len(elems)))
		var err error
		for _, elem := range elems {
			if b, err = e.value(b, t.Elem, elem); err != nil {
				return nil, err
			}
		}
		return b, nil
	case *RecordType:
		rec, ok := v.(RecordValue)
		if !ok {
			return nil, encodeErrorf(t, "want candid.RecordValue, got %T", v)
		}
		for _, f := range rec.Fields {
			if _, ok := t.FieldByID(f.ID); !ok {
				return nil, encodeErrorf(t, "unknown field %s", fieldLabel(f.Name, f.ID))
			}
		}
		var err error
		for _, f := range t.Fields {
			fv, ok := rec.ByID(f.ID)
			if !ok {
				switch f.Type.(type) {
				case *OptType:
					fv = None()
				default:
					if f.Type != Null && f.Type != Reserved {
						return nil, encodeErrorf(t, "missing field %s", fieldLabel(f.Name, f.ID))
					}
				}
			}
			if b, err = e.value(b, f.Type, fv); err != nil {
				return nil, err
			}
		}
		return b, nil
	case *VariantType:
		variant, ok := v.(VariantValue)
		if !ok {
			return nil, encodeErrorf(t, "want candid.VariantValue, got %T", v)
		}
		for i, f := range t.Fields {
			if f.ID == variant.ID {
				b = appendULEB128(b, uint64(i))
				return e.value(b, f.Type, variant.Value)
			}
		}
		return nil, encodeErrorf(t, "no alternative %s", fieldLabel(variant.Name, variant.ID))
	default:
		return nil, encodeErrorf(t, "unsupported type")
	}
}

func fieldLabel(name string, id uint32) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("_%d_", id)
}

func appendPrimitive(b []byte, t PrimitiveType, v any) ([]byte, error) {
	switch t.code {
	case opNull:
		if v != nil {
			return nil, encodeErrorf(t, "want nil, got %T", v)
		}
		return b, nil
	case opReserved:
		return b, nil
	case opEmpty:
		return nil, encodeErrorf(t, "type empty has no values")
	case opBool:
		x, ok := v.(bool)
		if !ok {
			return nil, encodeErrorf(t, "want bool, got %T", v)
		}
		if x {
			return append(b, 1), nil
		}
		return append(b, 0), nil
	case opNat:
		n, ok := toBigInt(v)
		if !ok || n.Sign() < 0 {
			return nil, encodeErrorf(t, "want non-negative integer, got %v (%T)", v, v)
		}
		return appendBigULEB128(b, n), nil
	case opInt:
		n, ok := toBigInt(v)
		if !ok {
			return nil, encodeErrorf(t, "want integer, got %T", v)
		}
		return appendBigSLEB128(b, n), nil
	case opNat8, opNat16, opNat32, opNat64:
		size := fixedSize(t.code)
		n, ok := toUint64(v)
		if !ok || (size < 8 && n >= 1<<(8*size)) {
			return nil, encodeErrorf(t, "value %v (%T) out of range", v, v)
		}
		return appendLittleEndian(b, n, size), nil
	case opInt8, opInt16, opInt32, opInt64:
		size := fixedSize(t.code)
		n, ok := toInt64(v)
		if size < 8 {
			limit := int64(1) << (8*size - 1)
			ok = ok && n >= -limit && n < limit
		}
		if !ok {
			return nil, encodeErrorf(t, "value %v (%T) out of range", v, v)
		}
		return appendLittleEndian(b, uint64(n), size), nil
	case opFloat32:
		f, ok := v.(float32)
		if !ok {
			return nil, encodeErrorf(t, "want float32, got %T", v)
		}
		return binary.LittleEndian.AppendUint32(b, math.Float32bits(f)), nil
	case opFloat64:
		f, ok := v.(float64)
		if !ok {
			return nil, encodeErrorf(t, "want float64, got %T", v)
		}
		return binary.LittleEndian.AppendUint64(b, math.Float64bits(f)), nil
	case opText:
		s, ok := v.(string)
		if !ok {
			return nil, encodeErrorf(t, "want string, got %T", v)
		}
		if !utf8.ValidString(s) {
			return nil, encodeErrorf(t, "invalid UTF-8")
		}
		b = appendULEB128(b, uint64(len(s)))
		return append(b, s...), nil
	case opPrincipal:
		var p principal.Principal
		switch x := v.(type) {
		case principal.Principal:
			p = x
		case *principal.Principal:
			if x == nil {
				return nil, encodeErrorf(t, "nil principal")
			}
			p = *x
		default:
			return nil, encodeErrorf(t, "want principal.Principal, got %T", v)
		}
		if len(p.Raw) > principal.MaxLength {
			return nil, encodeErrorf(t, "principal longer than %d bytes", principal.MaxLength)
		}
		b = append(b, 1)
		b = appendULEB128(b, uint64(len(p.Raw)))
		return append(b, p.Raw...), nil
	default:
		return nil, encodeErrorf(t, "unsupported primitive")
	}
}

// fixedSize returns the byte width of a fixed-width number type.
func fixedSize(code int64) int {
	switch code {
	case opNat8, opInt8:
		return 1
	case opNat16, opInt16:
		return 2
	case opNat32, opInt32, opFloat32:
		return 4
	default:
		return 8
	}
}

func appendLittleEndian(b []byte, v uint64, size int) []byte {
	for i := 0; i < size; i++ {
		b = append(b, byte(v>>(8*i)))
	}
	return b
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case uint:
		return uint64(n), true
	case int:
		return uint64(n), n >= 0
	case int64:
		return uint64(n), n >= 0
	case *big.Int:
		if n != nil && n.IsUint64() {
			return n.Uint64(), true
		}
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case *big.Int:
		if n != nil && n.IsInt64() {
			return n.Int64(), true
		}
	}
	return 0, false
}

func toBigInt(v any) (*big.Int, bool) {
	switch n := v.(type) {
	case *big.Int:
		return n, n != nil
	}
	if u, ok := toUint64(v); ok {
		return new(big.Int).SetUint64(u), true
	}
	if i, ok := toInt64(v); ok {
		return big.NewInt(i), true
	}
	return nil, false
}
