package candid

import "math/big"

// Arbitrary precision numbers longer than this many LEB128 bytes are rejected.
const maxBigLEBLength = 1024

func appendULEB128(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendSLEB128(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}

var bigMask = big.NewInt(0x7f)

func appendBigULEB128(b []byte, v *big.Int) []byte {
	if v.IsUint64() {
		return appendULEB128(b, v.Uint64())
	}
	x := new(big.Int).Set(v)
	c := new(big.Int)
	for {
		c.And(x, bigMask)
		x.Rsh(x, 7)
		byt := byte(c.Uint64())
		if x.Sign() != 0 {
			byt |= 0x80
		}
		b = append(b, byt)
		if x.Sign() == 0 {
			return b
		}
	}
}

func appendBigSLEB128(b []byte, v *big.Int) []byte {
	if v.IsInt64() {
		return appendSLEB128(b, v.Int64())
	}
	x := new(big.Int).Set(v)
	c := new(big.Int)
	minusOne := big.NewInt(-1)
	for {
		// And on a negative big.Int uses two's complement semantics.
		c.And(x, bigMask)
		x.Rsh(x, 7)
		byt := byte(c.Uint64())
		done := (x.Sign() == 0 && byt&0x40 == 0) || (x.Cmp(minusOne) == 0 && byt&0x40 != 0)
		if !done {
			byt |= 0x80
		}
		b = append(b, byt)
		if done {
			return b
		}
	}
}

// reader is a cursor over an encoded message.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) errorf(format string, args ...interface{}) error {
	return newDecodeError(r.off, format, args...)
}

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, r.errorf("unexpected end of input")
	}
	c := r.buf[r.off]
	r.off++
	return c, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, r.errorf("need %d bytes, %d remaining", n, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uleb128() (uint64, error) {
	var v uint64
	for shift := uint(0); ; shift += 7 {
		c, err := r.byte()
		if err != nil {
			return 0, err
		}
		if shift == 63 && c > 1 {
			return 0, r.errorf("LEB128 value overflows 64 bits")
		}
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, nil
		}
		if shift >= 63 {
			return 0, r.errorf("LEB128 value overflows 64 bits")
		}
	}
}

func (r *reader) sleb128() (int64, error) {
	var v int64
	var shift uint
	for {
		c, err := r.byte()
		if err != nil {
			return 0, err
		}
		if shift >= 63 && c != 0x00 && c != 0x7f {
			return 0, r.errorf("SLEB128 value overflows 64 bits")
		}
		v |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				v |= -1 << shift
			}
			return v, nil
		}
	}
}

// lebBytes returns the raw bytes of the next LEB128-encoded number.
func (r *reader) lebBytes() ([]byte, error) {
	start := r.off
	for {
		c, err := r.byte()
		if err != nil {
			return nil, err
		}
		if r.off-start > maxBigLEBLength {
			return nil, r.errorf("LEB128 number longer than %d bytes", maxBigLEBLength)
		}
		if c&0x80 == 0 {
			return r.buf[start:r.off], nil
		}
	}
}

func (r *reader) bigULEB128() (*big.Int, error) {
	raw, err := r.lebBytes()
	if err != nil {
		return nil, err
	}
	v := new(big.Int)
	digit := new(big.Int)
	for i := len(raw) - 1; i >= 0; i-- {
		v.Lsh(v, 7)
		digit.SetUint64(uint64(raw[i] & 0x7f))
		v.Or(v, digit)
	}
	return v, nil
}

func (r *reader) bigSLEB128() (*big.Int, error) {
	raw, err := r.lebBytes()
	if err != nil {
		return nil, err
	}
	v := new(big.Int)
	digit := new(big.Int)
	for i := len(raw) - 1; i >= 0; i-- {
		v.Lsh(v, 7)
		digit.SetUint64(uint64(raw[i] & 0x7f))
		v.Or(v, digit)
	}
	if raw[len(raw)-1]&0x40 != 0 {
		// Sign-extend: subtract 2^(7*len).
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), uint(7*len(raw))))
	}
	return v, nil
}
