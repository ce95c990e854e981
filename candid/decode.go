package candid

import (
	"bytes"
	"encoding/binary"
	"math"
	"unicode/utf8"

	"github.com/yral-dapp/postcache/principal"
)

const (
	// Nesting limit for values; recursive wire types could otherwise
	// exhaust the stack.
	maxDepth = 256
	// Upper bound on the number of vector elements that take no bytes on
	// the wire (e.g. vec null), summed over the whole message.
	maxZeroSizedVecLength = 1 << 20
)

// Unmarshal decodes a Candid message. It returns the wire types of the
// arguments together with their values.
func Unmarshal(data []byte) ([]Type, []any, error) {
	d := &decoder{r: reader{buf: data}}

	m, err := d.r.bytes(len(magic))
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(m, magic) {
		return nil, nil, newDecodeError(0, "bad magic number %x", m)
	}
	if err = d.readTypeTable(); err != nil {
		return nil, nil, err
	}

	n, err := d.r.uleb128()
	if err != nil {
		return nil, nil, err
	}
	if n > uint64(d.r.remaining()) {
		return nil, nil, d.r.errorf("%d arguments declared, only %d bytes remain", n, d.r.remaining())
	}
	types := make([]Type, n)
	for i := range types {
		ref, err2 := d.r.sleb128()
		if err2 != nil {
			return nil, nil, err2
		}
		if types[i], err2 = d.resolve(ref); err2 != nil {
			return nil, nil, err2
		}
	}

	values := make([]any, n)
	for i, t := range types {
		if values[i], err = d.value(t); err != nil {
			return nil, nil, err
		}
	}
	if d.r.remaining() != 0 {
		return nil, nil, d.r.errorf("%d trailing bytes", d.r.remaining())
	}
	return types, values, nil
}

type rawField struct {
	id  uint32
	ref int64
}

type rawEntry struct {
	op     int64
	ref    int64
	fields []rawField
}

type decoder struct {
	r     reader
	table []Type
	depth int
	// Zero-sized vector elements decoded so far.
	zeroSizedElems uint64
}

func (d *decoder) readTypeTable() error {
	n, err := d.r.uleb128()
	if err != nil {
		return err
	}
	if n > uint64(d.r.remaining()) {
		return d.r.errorf("type table of %d entries, only %d bytes remain", n, d.r.remaining())
	}

	raws := make([]rawEntry, n)
	for i := range raws {
		op, err := d.r.sleb128()
		if err != nil {
			return err
		}
		raws[i].op = op
		switch op {
		case opOpt, opVec:
			if raws[i].ref, err = d.r.sleb128(); err != nil {
				return err
			}
		case opRecord, opVariant:
			count, err := d.r.uleb128()
			if err != nil {
				return err
			}
			if count > uint64(d.r.remaining()) {
				return d.r.errorf("%d fields declared, only %d bytes remain", count, d.r.remaining())
			}
			raws[i].fields = make([]rawField, count)
			for j := range raws[i].fields {
				id, err := d.r.uleb128()
				if err != nil {
					return err
				}
				if id > math.MaxUint32 {
					return d.r.errorf("field id %d out of range", id)
				}
				if j > 0 && uint32(id) <= raws[i].fields[j-1].id {
					return d.r.errorf("field ids not strictly increasing")
				}
				ref, err := d.r.sleb128()
				if err != nil {
					return err
				}
				raws[i].fields[j] = rawField{id: uint32(id), ref: ref}
			}
		case opFunc, opService:
			return d.r.errorf("unsupported type opcode %d", op)
		default:
			return d.r.errorf("invalid type table opcode %d", op)
		}
	}

	// Allocate first so that entries can refer to each other, recursively.
	d.table = make([]Type, n)
	for i, raw := range raws {
		switch raw.op {
		case opOpt:
			d.table[i] = &OptType{}
		case opVec:
			d.table[i] = &VecType{}
		case opRecord:
			d.table[i] = &RecordType{Fields: make([]Field, len(raw.fields))}
		case opVariant:
			d.table[i] = &VariantType{Fields: make([]Field, len(raw.fields))}
		}
	}
	for i, raw := range raws {
		switch t := d.table[i].(type) {
		case *OptType:
			if t.Elem, err = d.resolve(raw.ref); err != nil {
				return err
			}
		case *VecType:
			if t.Elem, err = d.resolve(raw.ref); err != nil {
				return err
			}
		case *RecordType:
			if err = d.resolveFields(t.Fields, raw.fields); err != nil {
				return err
			}
		case *VariantType:
			if err = d.resolveFields(t.Fields, raw.fields); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *decoder) resolveFields(dst []Field, raws []rawField) error {
	for j, f := range raws {
		t, err := d.resolve(f.ref)
		if err != nil {
			return err
		}
		dst[j] = Field{ID: f.id, Type: t}
	}
	return nil
}

// resolve maps a wire type reference to a Type.
func (d *decoder) resolve(ref int64) (Type, error) {
	if ref >= 0 {
		if ref >= int64(len(d.table)) {
			return nil, d.r.errorf("type reference %d out of range", ref)
		}
		return d.table[ref], nil
	}
	t, ok := primitives[ref]
	if !ok {
		return nil, d.r.errorf("invalid type reference %d", ref)
	}
	return t, nil
}

func (d *decoder) value(t Type) (any, error) {
	d.depth++
	defer func() { d.depth-- }()
	if d.depth > maxDepth {
		return nil, d.r.errorf("values nested deeper than %d", maxDepth)
	}

	switch t := t.(type) {
	case PrimitiveType:
		return d.primitive(t)
	case *OptType:
		tag, err := d.r.byte()
		if err != nil {
			return nil, err
		}
		switch tag {
		case 0:
			return None(), nil
		case 1:
			v, err := d.value(t.Elem)
			if err != nil {
				return nil, err
			}
			return Some(v), nil
		default:
			return nil, d.r.errorf("invalid opt tag %d", tag)
		}
	case *VecType:
		n, err := d.r.uleb128()
		if err != nil {
			return nil, err
		}
		if t.Elem == Nat8 {
			if n > uint64(d.r.remaining()) {
				return nil, d.r.errorf("blob of %d bytes, only %d remain", n, d.r.remaining())
			}
			b, err := d.r.bytes(int(n))
			if err != nil {
				return nil, err
			}
			return append([]byte{}, b...), nil
		}
		if zeroSized(t.Elem, 0) {
			if n > maxZeroSizedVecLength-d.zeroSizedElems {
				return nil, d.r.errorf("vector of %d zero-sized elements exceeds the limit of %d per message", n, maxZeroSizedVecLength)
			}
			d.zeroSizedElems += n
		} else if n > uint64(d.r.remaining()) {
			return nil, d.r.errorf("vector of %d elements, only %d bytes remain", n, d.r.remaining())
		}
		elems := make([]any, n)
		for i := range elems {
			if elems[i], err = d.value(t.Elem); err != nil {
				return nil, err
			}
		}
		return elems, nil
	case *RecordType:
		rec := RecordValue{Fields: make([]FieldValue, len(t.Fields))}
		for i, f := range t.Fields {
			v, err := d.value(f.Type)
			if err != nil {
				return nil, err
			}
			rec.Fields[i] = FieldValue{ID: f.ID, Name: f.Name, Value: v}
		}
		return rec, nil
	case *VariantType:
		idx, err := d.r.uleb128()
		if err != nil {
			return nil, err
		}
		if idx >= uint64(len(t.Fields)) {
			return nil, d.r.errorf("variant index %d out of range (%d alternatives)", idx, len(t.Fields))
		}
		f := t.Fields[idx]
		v, err := d.value(f.Type)
		if err != nil {
			return nil, err
		}
		return VariantValue{ID: f.ID, Name: f.Name, Value: v}, nil
	default:
		return nil, d.r.errorf("unsupported type %s", t)
	}
}

func (d *decoder) primitive(t PrimitiveType) (any, error) {
	switch t.code {
	case opNull, opReserved:
		return nil, nil
	case opEmpty:
		return nil, d.r.errorf("cannot decode a value of type empty")
	case opBool:
		c, err := d.r.byte()
		if err != nil {
			return nil, err
		}
		switch c {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return nil, d.r.errorf("invalid bool %d", c)
		}
	case opNat:
		return d.r.bigULEB128()
	case opInt:
		return d.r.bigSLEB128()
	case opNat8, opNat16, opNat32, opNat64, opInt8, opInt16, opInt32, opInt64, opFloat32, opFloat64:
		b, err := d.r.bytes(fixedSize(t.code))
		if err != nil {
			return nil, err
		}
		switch t.code {
		case opNat8:
			return b[0], nil
		case opNat16:
			return binary.LittleEndian.Uint16(b), nil
		case opNat32:
			return binary.LittleEndian.Uint32(b), nil
		case opNat64:
			return binary.LittleEndian.Uint64(b), nil
		case opInt8:
			return int8(b[0]), nil
		case opInt16:
			return int16(binary.LittleEndian.Uint16(b)), nil
		case opInt32:
			return int32(binary.LittleEndian.Uint32(b)), nil
		case opInt64:
			return int64(binary.LittleEndian.Uint64(b)), nil
		case opFloat32:
			return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
		default:
			return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
		}
	case opText:
		n, err := d.r.uleb128()
		if err != nil {
			return nil, err
		}
		if n > uint64(d.r.remaining()) {
			return nil, d.r.errorf("text of %d bytes, only %d remain", n, d.r.remaining())
		}
		b, err := d.r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(b) {
			return nil, d.r.errorf("text is not valid UTF-8")
		}
		return string(b), nil
	case opPrincipal:
		flag, err := d.r.byte()
		if err != nil {
			return nil, err
		}
		if flag != 1 {
			return nil, d.r.errorf("opaque principal references are not supported")
		}
		n, err := d.r.uleb128()
		if err != nil {
			return nil, err
		}
		if n > principal.MaxLength {
			return nil, d.r.errorf("principal of %d bytes", n)
		}
		b, err := d.r.bytes(int(n))
		if err != nil {
			return nil, err
		}
		return principal.Principal{Raw: append([]byte{}, b...)}, nil
	default:
		return nil, d.r.errorf("unsupported primitive %s", t)
	}
}

// zeroSized reports whether values of t take no bytes on the wire.
func zeroSized(t Type, depth int) bool {
	if depth > maxTypeStringDepth {
		return false
	}
	switch t := t.(type) {
	case PrimitiveType:
		return t.code == opNull || t.code == opReserved
	case *RecordType:
		for _, f := range t.Fields {
			if !zeroSized(f.Type, depth+1) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
