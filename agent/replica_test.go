package agent

import (
	"bytes"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	bls12381 "github.com/consensys/gnark-crypto/ecc/bls12-381"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

// Hash tree builders.

func leaf(b []byte) []any              { return []any{uint64(tagLeaf), b} }
func labeled(l string, sub []any) []any { return []any{uint64(tagLabeled), []byte(l), sub} }
func fork(l, r []any) []any             { return []any{uint64(tagFork), l, r} }
func pruned(d [32]byte) []any           { return []any{uint64(tagPruned), d[:]} }

// forkAll joins subtrees into a right-leaning chain of forks.
func forkAll(subs ...[]any) []any {
	if len(subs) == 1 {
		return subs[0]
	}
	return fork(subs[0], forkAll(subs[1:]...))
}

func timeLeaf(t time.Time) []any {
	return labeled("time", leaf(appendULEB128(nil, uint64(t.UnixNano()))))
}

// testKey is a BLS key pair signing test certificates.
type testKey struct {
	secret *big.Int
	der    []byte
}

func newTestKey(secret int64) testKey {
	sk := big.NewInt(secret)
	_, _, _, g2 := bls12381.Generators()
	var pub bls12381.G2Affine
	pub.ScalarMultiplication(&g2, sk)
	b := pub.Bytes()
	return testKey{secret: sk, der: BLSKeyToDER(b[:])}
}

// certify signs a hash tree and returns the CBOR certificate.
func (k testKey) certify(t *testing.T, tree []any, delegation map[string]any) []byte {
	t.Helper()
	treeCBOR, err := cbor.Marshal(tree)
	require.NoError(t, err)
	parsed, err := parseHashTree(treeCBOR)
	require.NoError(t, err)

	root := parsed.Digest()
	msg := append(append([]byte{}, stateRootDomainSeparator...), root[:]...)
	h, err := bls12381.HashToG1(msg, []byte(blsDST))
	require.NoError(t, err)
	var sig bls12381.G1Affine
	sig.ScalarMultiplication(&h, k.secret)
	sigBytes := sig.Bytes()

	cert := map[string]any{"tree": tree, "signature": sigBytes[:]}
	if delegation != nil {
		cert["delegation"] = delegation
	}
	data, err := marshalCBOR(cert)
	require.NoError(t, err)
	return data
}

// fakeReplica serves the IC HTTP interface for one canister.
type fakeReplica struct {
	t   *testing.T
	key testKey

	mu sync.Mutex
	// Outcomes of update calls, by method name.
	outcomes map[string]func(arg []byte) [][]any
	// Number of polls answered with "processing" before the outcome.
	pending   int
	polls     map[RequestID]int
	calls     map[RequestID]Request
	envelopes []Envelope
	stale     bool
}

func newFakeReplica(t *testing.T) (*fakeReplica, *httptest.Server) {
	r := &fakeReplica{
		t:        t,
		key:      newTestKey(0x1234567890abcdef),
		outcomes: map[string]func([]byte) [][]any{},
		polls:    map[RequestID]int{},
		calls:    map[RequestID]Request{},
	}
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return r, srv
}

func (r *fakeReplica) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == "/api/v2/status" {
		r.write(w, http.StatusOK, map[string]any{"root_key": r.key.der, "impl_version": "test"})
		return
	}
	body, err := io.ReadAll(req.Body)
	require.NoError(r.t, err)
	require.True(r.t, bytes.HasPrefix(body, selfDescribeTag))
	require.Equal(r.t, cborContentType, req.Header.Get("Content-Type"))
	var env Envelope
	require.NoError(r.t, unmarshalCBOR(body, &env))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)

	switch {
	case strings.HasSuffix(req.URL.Path, "/query"):
		switch env.Content.MethodName {
		case "echo":
			r.write(w, http.StatusOK, map[string]any{"status": "replied", "reply": map[string]any{"arg": env.Content.Arg}})
		case "missing":
			r.write(w, http.StatusOK, map[string]any{
				"status": "rejected", "reject_code": uint64(3),
				"reject_message": "canister not found", "error_code": "IC0301",
			})
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
		}
	case strings.HasSuffix(req.URL.Path, "/call"):
		r.calls[env.Content.ID()] = env.Content
		w.WriteHeader(http.StatusAccepted)
	case strings.HasSuffix(req.URL.Path, "/read_state"):
		require.Len(r.t, env.Content.Paths, 1)
		var id RequestID
		copy(id[:], env.Content.Paths[0][1])
		r.write(w, http.StatusOK, map[string]any{"certificate": r.certificateFor(id)})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (r *fakeReplica) certificateFor(id RequestID) []byte {
	now := time.Now()
	if r.stale {
		now = now.Add(-time.Hour)
	}
	call, known := r.calls[id]
	r.polls[id]++
	var status []any
	switch {
	case !known || r.polls[id] == 1:
		// Not received yet: the tree proves nothing about the request.
		return r.key.certify(r.t, forkAll(pruned([32]byte{1}), timeLeaf(now)), nil)
	case r.polls[id] <= r.pending+1:
		status = labeled("status", leaf([]byte("processing")))
		return r.key.certify(r.t, forkAll(
			labeled("request_status", labeled(string(id[:]), status)),
			timeLeaf(now),
		), nil)
	}
	outcome := r.outcomes[call.MethodName]
	require.NotNil(r.t, outcome, "no outcome for %s", call.MethodName)
	return r.key.certify(r.t, forkAll(
		labeled("request_status", labeled(string(id[:]), forkAll(outcome(call.Arg)...))),
		timeLeaf(now),
	), nil)
}

func (r *fakeReplica) write(w http.ResponseWriter, status int, v any) {
	data, err := marshalCBOR(v)
	require.NoError(r.t, err)
	w.Header().Set("Content-Type", cborContentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
