package agent

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	"github.com/yral-dapp/postcache/principal"
)

// Domain separator of request signatures.
var requestDomainSeparator = []byte("\x0Aic-request")

// Identity authenticates requests.
type Identity interface {
	// Sender is the principal requests are sent as.
	Sender() principal.Principal
	// PublicKey returns the DER-encoded public key, or nil for the
	// anonymous identity.
	PublicKey() []byte
	// Sign signs a request id.
	Sign(id RequestID) ([]byte, error)
}

func signedMessage(id RequestID) []byte {
	return append(append([]byte{}, requestDomainSeparator...), id[:]...)
}

// AnonymousIdentity sends unsigned requests as the anonymous principal.
type AnonymousIdentity struct{}

func (AnonymousIdentity) Sender() principal.Principal { return principal.Anonymous }
func (AnonymousIdentity) PublicKey() []byte           { return nil }
func (AnonymousIdentity) Sign(RequestID) ([]byte, error) {
	return nil, nil
}

// DER prefixes of SubjectPublicKeyInfo structures.
var (
	ed25519DERPrefix   = mustDecodeHex("302a300506032b6570032100")
	secp256k1DERPrefix = mustDecodeHex("3056301006072a8648ce3d020106052b8104000a034200")
)

// Ed25519Identity signs requests with an Ed25519 key.
type Ed25519Identity struct {
	key    ed25519.PrivateKey
	der    []byte
	sender principal.Principal
}

// NewEd25519Identity returns the identity of a 32-byte Ed25519 seed.
func NewEd25519Identity(seed []byte) (*Ed25519Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	pub := key.Public().(ed25519.PublicKey)
	der := append(append([]byte{}, ed25519DERPrefix...), pub...)
	return &Ed25519Identity{key: key, der: der, sender: principal.SelfAuthenticating(der)}, nil
}

// GenerateEd25519Identity returns a fresh random identity.
func GenerateEd25519Identity() (*Ed25519Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return NewEd25519Identity(seed)
}

func (id *Ed25519Identity) Sender() principal.Principal { return id.sender }
func (id *Ed25519Identity) PublicKey() []byte           { return id.der }

func (id *Ed25519Identity) Sign(reqID RequestID) ([]byte, error) {
	return ed25519.Sign(id.key, signedMessage(reqID)), nil
}

// Secp256k1Identity signs requests with an ECDSA secp256k1 key.
type Secp256k1Identity struct {
	key    *ecdsa.PrivateKey
	der    []byte
	sender principal.Principal
}

// NewSecp256k1Identity returns the identity of a 32-byte secp256k1 secret.
func NewSecp256k1Identity(secret []byte) (*Secp256k1Identity, error) {
	key, err := ethCrypto.ToECDSA(secret)
	if err != nil {
		return nil, fmt.Errorf("secp256k1 key: %w", err)
	}
	der := append(append([]byte{}, secp256k1DERPrefix...), ethCrypto.FromECDSAPub(&key.PublicKey)...)
	return &Secp256k1Identity{key: key, der: der, sender: principal.SelfAuthenticating(der)}, nil
}

func (id *Secp256k1Identity) Sender() principal.Principal { return id.sender }
func (id *Secp256k1Identity) PublicKey() []byte           { return id.der }

func (id *Secp256k1Identity) Sign(reqID RequestID) ([]byte, error) {
	digest := sha256.Sum256(signedMessage(reqID))
	sig, err := ethCrypto.Sign(digest[:], id.key)
	if err != nil {
		return nil, err
	}
	// Drop the recovery id; the replica expects r || s.
	return sig[:64], nil
}

// Key file formats.

var (
	oidEd25519   = asn1.ObjectIdentifier{1, 3, 101, 112}
	oidSecp256k1 = asn1.ObjectIdentifier{1, 3, 132, 0, 10}
)

type pkcs8 struct {
	Version    int
	Algorithm  pkix.AlgorithmIdentifier
	PrivateKey []byte
	PublicKey  asn1.BitString `asn1:"optional,tag:1"`
}

type sec1 struct {
	Version    int
	PrivateKey []byte
	Curve      asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey  asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

// ParsePEMIdentity reads an identity from a PEM file as written by dfx:
// a PKCS#8 "PRIVATE KEY" holding an Ed25519 key, or an "EC PRIVATE KEY"
// holding a secp256k1 key.
func ParsePEMIdentity(data []byte) (Identity, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no private key found in PEM data")
		}
		switch block.Type {
		case "EC PARAMETERS":
			continue
		case "PRIVATE KEY":
			return parsePKCS8(block.Bytes)
		case "EC PRIVATE KEY":
			return parseSEC1(block.Bytes)
		default:
			return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
		}
	}
}

func parsePKCS8(der []byte) (Identity, error) {
	var key pkcs8
	if _, err := asn1.Unmarshal(der, &key); err != nil {
		return nil, fmt.Errorf("PKCS#8: %w", err)
	}
	if !key.Algorithm.Algorithm.Equal(oidEd25519) {
		return nil, fmt.Errorf("PKCS#8: unsupported algorithm %s", key.Algorithm.Algorithm)
	}
	var seed []byte
	if _, err := asn1.Unmarshal(key.PrivateKey, &seed); err != nil {
		return nil, fmt.Errorf("PKCS#8: ed25519 key: %w", err)
	}
	return NewEd25519Identity(seed)
}

func parseSEC1(der []byte) (Identity, error) {
	var key sec1
	if _, err := asn1.Unmarshal(der, &key); err != nil {
		return nil, fmt.Errorf("SEC1: %w", err)
	}
	if len(key.Curve) != 0 && !key.Curve.Equal(oidSecp256k1) {
		return nil, fmt.Errorf("SEC1: unsupported curve %s", key.Curve)
	}
	return NewSecp256k1Identity(key.PrivateKey)
}

// LoadIdentity builds an identity from its configuration. kind is one of
// "anonymous", "ed25519" and "secp256k1". A hex-encoded secret key may be
// given in place of a PEM file.
func LoadIdentity(kind, pemFile, seedHex string) (Identity, error) {
	kind = strings.ToLower(kind)
	switch kind {
	case "", "anonymous":
		return AnonymousIdentity{}, nil
	case "ed25519", "secp256k1":
		if seedHex != "" {
			seed, err := hex.DecodeString(seedHex)
			if err != nil {
				return nil, fmt.Errorf("identity seed: %w", err)
			}
			if kind == "ed25519" {
				return NewEd25519Identity(seed)
			}
			return NewSecp256k1Identity(seed)
		}
		data, err := os.ReadFile(pemFile)
		if err != nil {
			return nil, fmt.Errorf("identity: %w", err)
		}
		return ParsePEMIdentity(data)
	default:
		return nil, fmt.Errorf("unknown identity kind %q", kind)
	}
}

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
