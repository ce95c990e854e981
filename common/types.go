// Package common holds small helpers shared across packages.
package common

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
)

// BigInt is an arbitrary-precision integer. It marshals to JSON as a
// string and to PostgreSQL as NUMERIC.
type BigInt struct {
	big.Int
}

func NewBigInt(v int64) BigInt {
	return BigInt{*big.NewInt(v)}
}

// BigIntFromUint64 is used for nat64 values, which may not fit in int64.
func BigIntFromUint64(v uint64) BigInt {
	var b BigInt
	b.SetUint64(v)
	return b
}

func (b BigInt) String() string {
	return b.Int.String()
}

func (b BigInt) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *BigInt) UnmarshalText(text []byte) error {
	return b.Int.UnmarshalText(text)
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, b.String())), nil
}

func (b *BigInt) UnmarshalJSON(text []byte) error {
	v := strings.Trim(string(text), "\"")
	return b.Int.UnmarshalJSON([]byte(v))
}

// NumericValue implements pgtype.NumericValuer.
func (b BigInt) NumericValue() (pgtype.Numeric, error) {
	return pgtype.Numeric{Int: new(big.Int).Set(&b.Int), Exp: 0, Valid: true}, nil
}

// ScanNumeric implements pgtype.NumericScanner.
func (b *BigInt) ScanNumeric(n pgtype.Numeric) error {
	if !n.Valid {
		return fmt.Errorf("NULL values can't be decoded. Scan into a **BigInt to handle NULLs")
	}
	v, err := numericToBigInt(n)
	if err != nil {
		return err
	}
	b.Int = *v
	return nil
}

// numericToBigInt converts an integral NUMERIC value.
func numericToBigInt(n pgtype.Numeric) (*big.Int, error) {
	bi := new(big.Int).Set(n.Int)
	if n.Exp == 0 {
		return bi, nil
	}
	big10 := big.NewInt(10)
	if n.Exp > 0 {
		mul := new(big.Int).Exp(big10, big.NewInt(int64(n.Exp)), nil)
		return bi.Mul(bi, mul), nil
	}
	div := new(big.Int).Exp(big10, big.NewInt(int64(-n.Exp)), nil)
	remainder := new(big.Int)
	bi.DivMod(bi, div, remainder)
	if remainder.Sign() != 0 {
		return nil, fmt.Errorf("cannot convert %v to integer", n)
	}
	return bi, nil
}

// Key used to set values in a web request context.
type ContextKey string

const (
	// RequestIDContextKey is used to set a request id for tracing
	// in a request context.
	RequestIDContextKey ContextKey = "request_id"
)
