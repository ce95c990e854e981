package agent

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/fxamacker/cbor/v2"

	"github.com/yral-dapp/postcache/principal"
)

// MainnetRootKey is the DER-encoded BLS public key of the IC mainnet.
var MainnetRootKey = mustDecodeHex("308182301d060d2b0601040182dc7c0503010201060c2b0601040182dc7c05030201036100814c0e6ec71fab583b08bd81373c255c3c371b2e84863c98a4f1e08b74235d14fb5d9c0cd546d9685f913a0c0b2cc5341583bf4b4392e467db96d65b9bb4cb717112f8472e0d5a4d14505ffd7484b01291091c5f87b98883463f98091a0baaae")

var blsDERPrefix = mustDecodeHex("308182301d060d2b0601040182dc7c0503010201060c2b0601040182dc7c05030201036100")

const blsDST = "BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_"

var (
	stateRootDomainSeparator = []byte("\x0Dic-state-root")

	hashTreeEmpty   = []byte("\x11ic-hashtree-empty")
	hashTreeFork    = []byte("\x10ic-hashtree-fork")
	hashTreeLabeled = []byte("\x13ic-hashtree-labeled")
	hashTreeLeaf    = []byte("\x10ic-hashtree-leaf")
)

// Hash tree node tags.
const (
	tagEmpty   = 0
	tagFork    = 1
	tagLabeled = 2
	tagLeaf    = 3
	tagPruned  = 4
)

// HashTree is a certified (partial) view of the replicated state.
type HashTree struct {
	root node
}

type node interface {
	digest() [32]byte
}

type (
	emptyNode   struct{}
	forkNode    struct{ left, right node }
	labeledNode struct {
		label []byte
		sub   node
	}
	leafNode   []byte
	prunedNode [32]byte
)

func domainHash(sep []byte, parts ...[]byte) [32]byte {
	h := sha256.New()
	h.Write(sep)
	for _, p := range parts {
		h.Write(p)
	}
	var d [32]byte
	copy(d[:], h.Sum(nil))
	return d
}

func (emptyNode) digest() [32]byte { return domainHash(hashTreeEmpty) }

func (n forkNode) digest() [32]byte {
	l, r := n.left.digest(), n.right.digest()
	return domainHash(hashTreeFork, l[:], r[:])
}

func (n labeledNode) digest() [32]byte {
	sub := n.sub.digest()
	return domainHash(hashTreeLabeled, n.label, sub[:])
}

func (n leafNode) digest() [32]byte { return domainHash(hashTreeLeaf, n) }

func (n prunedNode) digest() [32]byte { return n }

// Digest returns the root hash of the tree.
func (t HashTree) Digest() [32]byte {
	return t.root.digest()
}

// Trees deeper than this are rejected.
const maxTreeDepth = 128

func parseNode(v any, depth int) (node, error) {
	if depth > maxTreeDepth {
		return nil, errors.New("hash tree too deep")
	}
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("hash tree node is not an array: %T", v)
	}
	tag, ok := arr[0].(uint64)
	if !ok {
		return nil, fmt.Errorf("hash tree node tag is %T", arr[0])
	}
	blob := func(i int) ([]byte, error) {
		if i >= len(arr) {
			return nil, fmt.Errorf("hash tree node %d is too short", tag)
		}
		b, ok := arr[i].([]byte)
		if !ok {
			return nil, fmt.Errorf("hash tree node %d: element %d is %T", tag, i, arr[i])
		}
		return b, nil
	}
	switch tag {
	case tagEmpty:
		return emptyNode{}, nil
	case tagFork:
		if len(arr) != 3 {
			return nil, errors.New("fork node must have two children")
		}
		left, err := parseNode(arr[1], depth+1)
		if err != nil {
			return nil, err
		}
		right, err := parseNode(arr[2], depth+1)
		if err != nil {
			return nil, err
		}
		return forkNode{left, right}, nil
	case tagLabeled:
		label, err := blob(1)
		if err != nil {
			return nil, err
		}
		if len(arr) != 3 {
			return nil, errors.New("labeled node must have a subtree")
		}
		sub, err := parseNode(arr[2], depth+1)
		if err != nil {
			return nil, err
		}
		return labeledNode{label, sub}, nil
	case tagLeaf:
		b, err := blob(1)
		if err != nil {
			return nil, err
		}
		return leafNode(b), nil
	case tagPruned:
		b, err := blob(1)
		if err != nil {
			return nil, err
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("pruned node hash has %d bytes", len(b))
		}
		var p prunedNode
		copy(p[:], b)
		return p, nil
	default:
		return nil, fmt.Errorf("unknown hash tree node tag %d", tag)
	}
}

// lookupStatus is the outcome of a path lookup.
type lookupStatus int

const (
	lookupFound lookupStatus = iota
	lookupAbsent
	// The tree was pruned where the path would be.
	lookupUnknown
)

func find(n node, label []byte) (node, lookupStatus) {
	switch n := n.(type) {
	case labeledNode:
		if bytes.Equal(n.label, label) {
			return n.sub, lookupFound
		}
		return nil, lookupAbsent
	case forkNode:
		sub, ls := find(n.left, label)
		if ls == lookupFound {
			return sub, ls
		}
		sub, rs := find(n.right, label)
		if rs == lookupFound {
			return sub, rs
		}
		if ls == lookupUnknown || rs == lookupUnknown {
			return nil, lookupUnknown
		}
		return nil, lookupAbsent
	case prunedNode:
		return nil, lookupUnknown
	default:
		return nil, lookupAbsent
	}
}

func (t HashTree) lookup(path ...[]byte) ([]byte, lookupStatus) {
	n := t.root
	for _, label := range path {
		var status lookupStatus
		if n, status = find(n, label); status != lookupFound {
			return nil, status
		}
	}
	switch n := n.(type) {
	case leafNode:
		return n, lookupFound
	case prunedNode:
		return nil, lookupUnknown
	default:
		return nil, lookupAbsent
	}
}

// Lookup returns the value at path. It returns ErrPathAbsent when the tree
// proves the path absent and an error when the tree was pruned there.
func (t HashTree) Lookup(path ...[]byte) ([]byte, error) {
	v, status := t.lookup(path...)
	switch status {
	case lookupFound:
		return v, nil
	case lookupAbsent:
		return nil, ErrPathAbsent
	default:
		return nil, fmt.Errorf("agent: path %s pruned from state tree", pathString(path))
	}
}

func pathString(path [][]byte) string {
	var b bytes.Buffer
	for _, l := range path {
		b.WriteByte('/')
		if isPrintable(l) {
			b.Write(l)
		} else {
			b.WriteString(hex.EncodeToString(l))
		}
	}
	return b.String()
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// Certificate is a certified hash tree, signed by the subnet that holds it.
type Certificate struct {
	Tree       HashTree
	Signature  []byte
	Delegation *Delegation
}

// Delegation authorizes a subnet to sign on behalf of the root subnet.
type Delegation struct {
	SubnetID    []byte
	Certificate []byte
}

type rawCertificate struct {
	Tree       cbor.RawMessage `cbor:"tree"`
	Signature  []byte          `cbor:"signature"`
	Delegation *struct {
		SubnetID    []byte `cbor:"subnet_id"`
		Certificate []byte `cbor:"certificate"`
	} `cbor:"delegation"`
}

// ParseCertificate decodes a CBOR certificate.
func ParseCertificate(data []byte) (*Certificate, error) {
	var raw rawCertificate
	if err := unmarshalCBOR(data, &raw); err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	tree, err := parseHashTree(raw.Tree)
	if err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	cert := &Certificate{Tree: tree, Signature: raw.Signature}
	if raw.Delegation != nil {
		cert.Delegation = &Delegation{SubnetID: raw.Delegation.SubnetID, Certificate: raw.Delegation.Certificate}
	}
	return cert, nil
}

func parseHashTree(data []byte) (HashTree, error) {
	var v any
	if err := cbor.Unmarshal(data, &v); err != nil {
		return HashTree{}, err
	}
	root, err := parseNode(v, 0)
	if err != nil {
		return HashTree{}, err
	}
	return HashTree{root: root}, nil
}

// Verify checks the certificate's signature against rootKey (DER) and,
// when the certificate was signed through a delegation, that the delegated
// subnet is responsible for canister.
func (c *Certificate) Verify(rootKey []byte, canister principal.Principal) error {
	key := rootKey
	if c.Delegation != nil {
		var err error
		if key, err = c.delegatedKey(rootKey, canister); err != nil {
			return err
		}
	}
	pub, err := blsKeyFromDER(key)
	if err != nil {
		return err
	}
	root := c.Tree.Digest()
	msg := append(append([]byte{}, stateRootDomainSeparator...), root[:]...)
	return verifyBLS(pub, c.Signature, msg)
}

func (c *Certificate) delegatedKey(rootKey []byte, canister principal.Principal) ([]byte, error) {
	sub, err := ParseCertificate(c.Delegation.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: delegation: %v", ErrCertificateInvalid, err)
	}
	if sub.Delegation != nil {
		return nil, fmt.Errorf("%w: nested delegation", ErrCertificateInvalid)
	}
	if err = sub.Verify(rootKey, canister); err != nil {
		return nil, err
	}

	subnet := c.Delegation.SubnetID
	rangesCBOR, err := sub.Tree.Lookup([]byte("subnet"), subnet, []byte("canister_ranges"))
	if err != nil {
		return nil, fmt.Errorf("%w: delegation canister ranges: %v", ErrCertificateInvalid, err)
	}
	var ranges [][2][]byte
	if err = unmarshalCBOR(rangesCBOR, &ranges); err != nil {
		return nil, fmt.Errorf("%w: delegation canister ranges: %v", ErrCertificateInvalid, err)
	}
	if !inRanges(canister, ranges) {
		return nil, fmt.Errorf("%w: subnet %s is not authorized for canister %s", ErrCertificateInvalid, principal.Principal{Raw: subnet}, canister)
	}

	key, err := sub.Tree.Lookup([]byte("subnet"), subnet, []byte("public_key"))
	if err != nil {
		return nil, fmt.Errorf("%w: delegation public key: %v", ErrCertificateInvalid, err)
	}
	return key, nil
}

func inRanges(canister principal.Principal, ranges [][2][]byte) bool {
	for _, r := range ranges {
		if bytes.Compare(r[0], canister.Raw) <= 0 && bytes.Compare(canister.Raw, r[1]) <= 0 {
			return true
		}
	}
	return false
}

// Time returns the certified time of the state.
func (c *Certificate) Time() (time.Time, error) {
	b, err := c.Tree.Lookup([]byte("time"))
	if err != nil {
		return time.Time{}, err
	}
	var nanos uint64
	for i, shift := 0, uint(0); ; i, shift = i+1, shift+7 {
		if i >= len(b) || shift > 63 {
			return time.Time{}, fmt.Errorf("%w: malformed time", ErrCertificateInvalid)
		}
		nanos |= uint64(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			break
		}
	}
	return time.Unix(0, int64(nanos)), nil
}

func blsKeyFromDER(der []byte) (*bls12381.G2Affine, error) {
	if len(der) != len(blsDERPrefix)+bls12381.SizeOfG2AffineCompressed || !bytes.HasPrefix(der, blsDERPrefix) {
		return nil, fmt.Errorf("%w: malformed BLS public key", ErrCertificateInvalid)
	}
	var pub bls12381.G2Affine
	if _, err := pub.SetBytes(der[len(blsDERPrefix):]); err != nil {
		return nil, fmt.Errorf("%w: BLS public key: %v", ErrCertificateInvalid, err)
	}
	return &pub, nil
}

// BLSKeyToDER wraps a compressed BLS12-381 G2 public key in its DER envelope.
func BLSKeyToDER(pub []byte) []byte {
	return append(append([]byte{}, blsDERPrefix...), pub...)
}

func verifyBLS(pub *bls12381.G2Affine, sig, msg []byte) error {
	var s bls12381.G1Affine
	if _, err := s.SetBytes(sig); err != nil {
		return fmt.Errorf("%w: BLS signature: %v", ErrCertificateInvalid, err)
	}
	h, err := bls12381.HashToG1(msg, []byte(blsDST))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	var negH bls12381.G1Affine
	negH.Neg(&h)
	_, _, _, g2 := bls12381.Generators()
	ok, err := bls12381.PairingCheck([]bls12381.G1Affine{s, negH}, []bls12381.G2Affine{g2, *pub})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	if !ok {
		return fmt.Errorf("%w: signature mismatch", ErrCertificateInvalid)
	}
	return nil
}
