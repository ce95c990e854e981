package agent

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/yral-dapp/postcache/principal"
)

func parseTree(t *testing.T, tree []any) HashTree {
	t.Helper()
	data, err := cbor.Marshal(tree)
	require.NoError(t, err)
	parsed, err := parseHashTree(data)
	require.NoError(t, err)
	return parsed
}

func TestHashTreeLookup(t *testing.T) {
	tree := parseTree(t, forkAll(
		labeled("a", forkAll(
			labeled("x", leaf([]byte("hello"))),
			labeled("y", leaf([]byte("world"))),
		)),
		labeled("b", leaf([]byte("good"))),
		labeled("c", pruned([32]byte{9})),
		labeled("d", leaf([]byte("morning"))),
	))

	v, err := tree.Lookup([]byte("a"), []byte("x"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(v))
	v, err = tree.Lookup([]byte("d"))
	require.NoError(t, err)
	require.Equal(t, "morning", string(v))

	_, err = tree.Lookup([]byte("a"), []byte("z"))
	require.ErrorIs(t, err, ErrPathAbsent)
	_, err = tree.Lookup([]byte("e"))
	require.ErrorIs(t, err, ErrPathAbsent)
	// Labeled subtrees are not values.
	_, err = tree.Lookup([]byte("a"))
	require.ErrorIs(t, err, ErrPathAbsent)

	_, err = tree.Lookup([]byte("c"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPathAbsent)
	require.Contains(t, err.Error(), "/c pruned")
}

func TestHashTreeDigestIgnoresPruning(t *testing.T) {
	full := parseTree(t, forkAll(
		labeled("a", leaf([]byte("1"))),
		labeled("b", leaf([]byte("2"))),
	))
	right := parseTree(t, labeled("b", leaf([]byte("2"))))
	prunedTree := parseTree(t, forkAll(
		labeled("a", leaf([]byte("1"))),
		pruned(right.Digest()),
	))
	require.Equal(t, full.Digest(), prunedTree.Digest())

	_, err := prunedTree.Lookup([]byte("b"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPathAbsent)
}

func TestParseHashTreeMalformed(t *testing.T) {
	for name, tree := range map[string]any{
		"not array":     uint64(1),
		"unknown tag":   []any{uint64(9)},
		"short fork":    []any{uint64(tagFork), leaf(nil)},
		"leaf no value": []any{uint64(tagLeaf)},
		"short pruned":  []any{uint64(tagPruned), []byte{1, 2}},
		"label type":    []any{uint64(tagLabeled), "text", leaf(nil)},
	} {
		data, err := cbor.Marshal(tree)
		require.NoError(t, err)
		_, err = parseHashTree(data)
		require.Error(t, err, name)
	}
}

func TestCertificateVerify(t *testing.T) {
	key := newTestKey(99)
	now := time.Unix(1_700_000_000, 123)
	data := key.certify(t, forkAll(labeled("k", leaf([]byte("v"))), timeLeaf(now)), nil)

	cert, err := ParseCertificate(data)
	require.NoError(t, err)
	require.NoError(t, cert.Verify(key.der, testCanister))
	certTime, err := cert.Time()
	require.NoError(t, err)
	require.True(t, now.Equal(certTime))

	require.ErrorIs(t, cert.Verify(newTestKey(100).der, testCanister), ErrCertificateInvalid)
	require.ErrorIs(t, cert.Verify([]byte{1, 2, 3}, testCanister), ErrCertificateInvalid)

	// Tampering with the tree breaks the signature.
	cert.Tree = parseTree(t, forkAll(labeled("k", leaf([]byte("w"))), timeLeaf(now)))
	require.ErrorIs(t, cert.Verify(key.der, testCanister), ErrCertificateInvalid)
}

func TestCertificateDelegation(t *testing.T) {
	root := newTestKey(1001)
	subnetKey := newTestKey(2002)
	subnetID := []byte{0xaa, 0xbb}

	ranges, err := cbor.Marshal([][2][]byte{
		{principal.MustDecode("rrkah-fqaaa-aaaaa-aaaaq-cai").Raw, principal.MustDecode("rrkah-fqaaa-aaaaa-aaaaq-cai").Raw},
	})
	require.NoError(t, err)
	delegationCert := root.certify(t, forkAll(
		labeled("subnet", labeled(string(subnetID), forkAll(
			labeled("canister_ranges", leaf(ranges)),
			labeled("public_key", leaf(subnetKey.der)),
		))),
		timeLeaf(time.Now()),
	), nil)

	data := subnetKey.certify(t, timeLeaf(time.Now()), map[string]any{
		"subnet_id":   subnetID,
		"certificate": delegationCert,
	})
	cert, err := ParseCertificate(data)
	require.NoError(t, err)
	require.NotNil(t, cert.Delegation)

	require.NoError(t, cert.Verify(root.der, testCanister))

	other := principal.MustDecode("ryjl3-tyaaa-aaaaa-aaaba-cai")
	err = cert.Verify(root.der, other)
	require.ErrorIs(t, err, ErrCertificateInvalid)
	require.Contains(t, err.Error(), "not authorized")

	// The delegation must chain to the root key.
	require.ErrorIs(t, cert.Verify(subnetKey.der, testCanister), ErrCertificateInvalid)
}
