package common

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"
)

func TestBigInt(t *testing.T) {
	var v BigInt

	textRef := []byte("11111111111111111111")
	err := v.UnmarshalText(textRef)
	require.NoError(t, err)
	textRoundTrip, err := v.MarshalText()
	require.NoError(t, err)
	require.Equal(t, textRef, textRoundTrip)

	jsonRef := []byte("\"22222222222222222222\"")
	err = json.Unmarshal(jsonRef, &v)
	require.NoError(t, err)
	jsonRoundTrip, err := json.Marshal(v)
	require.NoError(t, err)
	require.Equal(t, jsonRef, jsonRoundTrip)

	stringRef := "33333333333333333333"
	err = v.Int.UnmarshalText([]byte(stringRef))
	require.NoError(t, err)
	stringRoundTrip := fmt.Sprintf("%v", v)
	require.Equal(t, stringRef, stringRoundTrip)

	// Values nested in other values print as numbers too.
	require.Equal(t, "{"+stringRef+"}", fmt.Sprintf("%v", struct{ Balance BigInt }{v}))
}

func TestBigIntNumeric(t *testing.T) {
	v := BigIntFromUint64(math.MaxUint64)
	require.Equal(t, "18446744073709551615", v.String())

	n, err := v.NumericValue()
	require.NoError(t, err)
	require.True(t, n.Valid)

	var scanned BigInt
	require.NoError(t, scanned.ScanNumeric(n))
	require.Equal(t, v.String(), scanned.String())

	require.NoError(t, scanned.ScanNumeric(pgtype.Numeric{Int: big.NewInt(12), Exp: 2, Valid: true}))
	require.Equal(t, "1200", scanned.String())
	require.NoError(t, scanned.ScanNumeric(pgtype.Numeric{Int: big.NewInt(1200), Exp: -2, Valid: true}))
	require.Equal(t, "12", scanned.String())
	require.Error(t, scanned.ScanNumeric(pgtype.Numeric{Int: big.NewInt(1234), Exp: -2, Valid: true}))
	require.Error(t, scanned.ScanNumeric(pgtype.Numeric{}))
}

func TestPtr(t *testing.T) {
	p := Ptr(5)
	require.Equal(t, 5, *p)
}
