package agent

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// RequestType is the kind of a request to the replica.
type RequestType string

const (
	RequestTypeCall      RequestType = "call"
	RequestTypeQuery     RequestType = "query"
	RequestTypeReadState RequestType = "read_state"
)

// RequestID identifies a request; it is the representation-independent hash
// of the request content.
type RequestID [32]byte

func (id RequestID) String() string {
	return hex.EncodeToString(id[:])
}

// Request is the content of an envelope. Fields that do not apply to the
// request type are ignored.
type Request struct {
	Type          RequestType
	Sender        []byte
	Nonce         []byte
	IngressExpiry uint64
	CanisterID    []byte
	MethodName    string
	Arg           []byte
	Paths         [][][]byte
}

// ID returns the request id.
func (r *Request) ID() RequestID {
	return hashOfMap(r.fields())
}

func (r *Request) fields() map[string]any {
	fields := map[string]any{
		"request_type":   string(r.Type),
		"sender":         orEmpty(r.Sender),
		"ingress_expiry": r.IngressExpiry,
	}
	if r.Nonce != nil {
		fields["nonce"] = r.Nonce
	}
	switch r.Type {
	case RequestTypeCall, RequestTypeQuery:
		fields["canister_id"] = orEmpty(r.CanisterID)
		fields["method_name"] = r.MethodName
		fields["arg"] = orEmpty(r.Arg)
	case RequestTypeReadState:
		paths := make([]any, len(r.Paths))
		for i, path := range r.Paths {
			labels := make([]any, len(path))
			for j, l := range path {
				labels[j] = l
			}
			paths[i] = labels
		}
		fields["paths"] = paths
	}
	return fields
}

// MarshalCBOR encodes the request content as a map holding only the fields
// of its type.
func (r Request) MarshalCBOR() ([]byte, error) {
	return encMode.Marshal(r.fields())
}

// UnmarshalCBOR decodes request content.
func (r *Request) UnmarshalCBOR(data []byte) error {
	var m struct {
		Type          string     `cbor:"request_type"`
		Sender        []byte     `cbor:"sender"`
		Nonce         []byte     `cbor:"nonce"`
		IngressExpiry uint64     `cbor:"ingress_expiry"`
		CanisterID    []byte     `cbor:"canister_id"`
		MethodName    string     `cbor:"method_name"`
		Arg           []byte     `cbor:"arg"`
		Paths         [][][]byte `cbor:"paths"`
	}
	if err := cbor.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = Request{
		Type:          RequestType(m.Type),
		Sender:        m.Sender,
		Nonce:         m.Nonce,
		IngressExpiry: m.IngressExpiry,
		CanisterID:    m.CanisterID,
		MethodName:    m.MethodName,
		Arg:           m.Arg,
		Paths:         m.Paths,
	}
	return nil
}

func orEmpty(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// Representation-independent hashing of request content.

func hashOfMap(m map[string]any) RequestID {
	pairs := make([][]byte, 0, len(m))
	for k, v := range m {
		kh := sha256.Sum256([]byte(k))
		vh := hashOfValue(v)
		pairs = append(pairs, append(kh[:], vh[:]...))
	}
	sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i], pairs[j]) < 0 })
	return sha256.Sum256(bytes.Join(pairs, nil))
}

func hashOfValue(v any) [32]byte {
	switch v := v.(type) {
	case []byte:
		return sha256.Sum256(v)
	case string:
		return sha256.Sum256([]byte(v))
	case uint64:
		return sha256.Sum256(appendULEB128(nil, v))
	case []any:
		var buf []byte
		for _, elem := range v {
			h := hashOfValue(elem)
			buf = append(buf, h[:]...)
		}
		return sha256.Sum256(buf)
	case map[string]any:
		return hashOfMap(v)
	default:
		panic("agent: unhashable request field")
	}
}

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

// Envelope wraps request content with the sender's authentication.
type Envelope struct {
	Content      Request `cbor:"content"`
	SenderPubKey []byte  `cbor:"sender_pubkey,omitempty"`
	SenderSig    []byte  `cbor:"sender_sig,omitempty"`
}

// selfDescribeTag marks a CBOR item as CBOR (tag 55799).
var selfDescribeTag = []byte{0xd9, 0xd9, 0xf7}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func marshalCBOR(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, selfDescribeTag...), b...), nil
}

func unmarshalCBOR(data []byte, v any) error {
	return cbor.Unmarshal(bytes.TrimPrefix(data, selfDescribeTag), v)
}

// Replies.

type queryResponse struct {
	Status        string `cbor:"status"`
	Reply         *reply `cbor:"reply"`
	RejectCode    uint64 `cbor:"reject_code"`
	RejectMessage string `cbor:"reject_message"`
	ErrorCode     string `cbor:"error_code"`
}

type reply struct {
	Arg []byte `cbor:"arg"`
}

type readStateResponse struct {
	Certificate []byte `cbor:"certificate"`
}

// callResponse is the body of a rejected synchronous call.
type callResponse struct {
	RejectCode    uint64 `cbor:"reject_code"`
	RejectMessage string `cbor:"reject_message"`
	ErrorCode     string `cbor:"error_code"`
}

type statusResponse struct {
	RootKey             []byte `cbor:"root_key"`
	ImplVersion         string `cbor:"impl_version"`
	ReplicaHealthStatus string `cbor:"replica_health_status"`
}
