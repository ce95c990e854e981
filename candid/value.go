package candid

import (
	"fmt"
	"math/big"

	"github.com/yral-dapp/postcache/principal"
)

// Decoded values use the following Go representations:
//
//	null, reserved    nil
//	bool              bool
//	nat, int          *big.Int
//	nat8 ... nat64    uint8 ... uint64
//	int8 ... int64    int8 ... int64
//	float32, float64  float32, float64
//	text              string
//	principal         principal.Principal
//	opt T             Option
//	vec nat8          []byte
//	vec T             []any
//	record            RecordValue
//	variant           VariantValue

// Option is the value of an `opt T`.
type Option struct {
	Value any
	Valid bool
}

// Some returns a present optional value.
func Some(v any) Option {
	return Option{Value: v, Valid: true}
}

// None returns an absent optional value.
func None() Option {
	return Option{}
}

// FieldValue is a single record field.
type FieldValue struct {
	ID    uint32
	Name  string
	Value any
}

// F returns a named record field.
func F(name string, v any) FieldValue {
	return FieldValue{ID: Hash(name), Name: name, Value: v}
}

// RecordValue is the value of a record. Fields are kept in wire order,
// which is ascending by id.
type RecordValue struct {
	Fields []FieldValue
}

// NewRecord returns a record holding the given fields.
func NewRecord(fields ...FieldValue) RecordValue {
	return RecordValue{Fields: fields}
}

// NewTuple returns a record holding positional fields.
func NewTuple(values ...any) RecordValue {
	fields := make([]FieldValue, len(values))
	for i, v := range values {
		fields[i] = FieldValue{ID: uint32(i), Value: v}
	}
	return RecordValue{Fields: fields}
}

// ByID returns the value of the field with the given id.
func (r RecordValue) ByID(id uint32) (any, bool) {
	for _, f := range r.Fields {
		if f.ID == id {
			return f.Value, true
		}
	}
	return nil, false
}

// Get returns the value of the field labeled `name`.
func (r RecordValue) Get(name string) (any, bool) {
	return r.ByID(Hash(name))
}

// Field returns the value of a required field, or an error naming the
// missing label.
func (r RecordValue) Field(name string) (any, error) {
	v, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("candid: record has no field %q", name)
	}
	return v, nil
}

// OptField returns the value of an `opt` field. Absent fields decode as
// None, as Candid subtyping allows.
func (r RecordValue) OptField(name string) (Option, error) {
	v, ok := r.Get(name)
	if !ok {
		return None(), nil
	}
	return AsOption(v), nil
}

// VariantValue is the value of a variant.
type VariantValue struct {
	ID    uint32
	Name  string
	Value any
}

// NewVariant returns the alternative `name` carrying v.
func NewVariant(name string, v any) VariantValue {
	return VariantValue{ID: Hash(name), Name: name, Value: v}
}

// Is reports whether the variant holds the alternative `name`.
func (v VariantValue) Is(name string) bool {
	return v.ID == Hash(name)
}

// MismatchError is returned when a decoded value does not have the Go
// representation a binding expected.
type MismatchError struct {
	Want string
	Got  any
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("candid: expected %s, got %T", e.Want, e.Got)
}

func mismatch(want string, got any) error {
	return &MismatchError{Want: want, Got: got}
}

// AsBool converts a decoded bool.
func AsBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, mismatch("bool", v)
	}
	return b, nil
}

// AsNat converts a decoded nat.
func AsNat(v any) (*big.Int, error) {
	n, ok := v.(*big.Int)
	if !ok || n.Sign() < 0 {
		return nil, mismatch("nat", v)
	}
	return n, nil
}

// AsNat16 converts a decoded nat16.
func AsNat16(v any) (uint16, error) {
	n, ok := v.(uint16)
	if !ok {
		return 0, mismatch("nat16", v)
	}
	return n, nil
}

// AsNat32 converts a decoded nat32.
func AsNat32(v any) (uint32, error) {
	n, ok := v.(uint32)
	if !ok {
		return 0, mismatch("nat32", v)
	}
	return n, nil
}

// AsNat64 converts a decoded nat64.
func AsNat64(v any) (uint64, error) {
	n, ok := v.(uint64)
	if !ok {
		return 0, mismatch("nat64", v)
	}
	return n, nil
}

// AsText converts a decoded text.
func AsText(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", mismatch("text", v)
	}
	return s, nil
}

// AsBlob converts a decoded `vec nat8`.
func AsBlob(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case []any:
		// An empty vector whose element type is not nat8 on the wire.
		if len(b) == 0 {
			return []byte{}, nil
		}
	}
	return nil, mismatch("blob", v)
}

// AsPrincipal converts a decoded principal.
func AsPrincipal(v any) (principal.Principal, error) {
	p, ok := v.(principal.Principal)
	if !ok {
		return principal.Principal{}, mismatch("principal", v)
	}
	return p, nil
}

// AsVec converts a decoded vector.
func AsVec(v any) ([]any, error) {
	switch vec := v.(type) {
	case []any:
		return vec, nil
	case []byte:
		out := make([]any, len(vec))
		for i, b := range vec {
			out[i] = b
		}
		return out, nil
	}
	return nil, mismatch("vec", v)
}

// AsRecord converts a decoded record.
func AsRecord(v any) (RecordValue, error) {
	r, ok := v.(RecordValue)
	if !ok {
		return RecordValue{}, mismatch("record", v)
	}
	return r, nil
}

// AsVariant converts a decoded variant.
func AsVariant(v any) (VariantValue, error) {
	variant, ok := v.(VariantValue)
	if !ok {
		return VariantValue{}, mismatch("variant", v)
	}
	return variant, nil
}

// AsOption converts a decoded value expected to be an `opt`. A bare value
// is treated as present and `null` as absent.
func AsOption(v any) Option {
	switch o := v.(type) {
	case Option:
		return o
	case nil:
		return None()
	default:
		return Some(v)
	}
}
