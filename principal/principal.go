// Package principal implements Internet Computer principal identifiers.
package principal

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

// MaxLength is the maximum length of a principal's raw byte form.
const MaxLength = 29

const (
	typeSelfAuthenticating = 0x02
	typeAnonymous          = 0x04
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var (
	// ErrInvalidChecksum is returned when a textual principal's checksum
	// does not match its contents.
	ErrInvalidChecksum = errors.New("principal: invalid checksum")
	// ErrTooLong is returned when a principal exceeds MaxLength bytes.
	ErrTooLong = errors.New("principal: too long")
)

// Principal identifies a canister or a user.
type Principal struct {
	Raw []byte
}

var (
	// ManagementCanister is the principal of the IC management canister.
	ManagementCanister = Principal{Raw: []byte{}}
	// Anonymous is the principal of unauthenticated callers.
	Anonymous = Principal{Raw: []byte{typeAnonymous}}
)

// New returns a principal backed by a copy of raw.
func New(raw []byte) (Principal, error) {
	if len(raw) > MaxLength {
		return Principal{}, ErrTooLong
	}
	return Principal{Raw: append([]byte{}, raw...)}, nil
}

// SelfAuthenticating returns the principal derived from a DER-encoded public key.
func SelfAuthenticating(derPublicKey []byte) Principal {
	h := sha256.Sum224(derPublicKey)
	raw := make([]byte, 0, len(h)+1)
	raw = append(raw, h[:]...)
	raw = append(raw, typeSelfAuthenticating)
	return Principal{Raw: raw}
}

// Decode parses the textual form of a principal, e.g. "rrkah-fqaaa-aaaaa-aaaaq-cai".
func Decode(s string) (Principal, error) {
	undashed := strings.ReplaceAll(s, "-", "")
	b, err := encoding.DecodeString(strings.ToUpper(undashed))
	if err != nil {
		return Principal{}, fmt.Errorf("principal: invalid text %q: %w", s, err)
	}
	if len(b) < crc32.Size {
		return Principal{}, fmt.Errorf("principal: text %q too short", s)
	}
	raw := b[crc32.Size:]
	if len(raw) > MaxLength {
		return Principal{}, ErrTooLong
	}
	if binary.BigEndian.Uint32(b[:crc32.Size]) != crc32.ChecksumIEEE(raw) {
		return Principal{}, ErrInvalidChecksum
	}
	p := Principal{Raw: append([]byte{}, raw...)}
	if p.String() != s {
		return Principal{}, fmt.Errorf("principal: %q is not in canonical form (expected %q)", s, p.String())
	}
	return p, nil
}

// MustDecode is like Decode but panics on malformed input. Intended for constants.
func MustDecode(s string) Principal {
	p, err := Decode(s)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the textual form of the principal.
func (p Principal) String() string {
	b := make([]byte, crc32.Size, crc32.Size+len(p.Raw))
	binary.BigEndian.PutUint32(b, crc32.ChecksumIEEE(p.Raw))
	b = append(b, p.Raw...)
	s := strings.ToLower(encoding.EncodeToString(b))

	var sb strings.Builder
	for i := 0; i < len(s); i += 5 {
		if i > 0 {
			sb.WriteByte('-')
		}
		end := i + 5
		if end > len(s) {
			end = len(s)
		}
		sb.WriteString(s[i:end])
	}
	return sb.String()
}

// Equal reports whether p and o are the same principal.
func (p Principal) Equal(o Principal) bool {
	return bytes.Equal(p.Raw, o.Raw)
}

// Compare orders principals by their raw bytes.
func (p Principal) Compare(o Principal) int {
	return bytes.Compare(p.Raw, o.Raw)
}

// IsAnonymous reports whether p is the anonymous principal.
func (p Principal) IsAnonymous() bool {
	return p.Equal(Anonymous)
}

// MarshalText implements encoding.TextMarshaler.
func (p Principal) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Principal) UnmarshalText(text []byte) error {
	decoded, err := Decode(string(text))
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}
