package call

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yral-dapp/postcache/candid"
	"github.com/yral-dapp/postcache/common"
	"github.com/yral-dapp/postcache/postcache"
	"github.com/yral-dapp/postcache/principal"
)

func TestWriteOutput(t *testing.T) {
	balance := cycleBalance{
		CanisterID:   "aaaaa-aa",
		CycleBalance: common.NewBigInt(1_000_000),
	}

	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, outputYAML, balance))
	require.Equal(t, "canister_id: aaaaa-aa\ncycle_balance: \"1000000\"\n", buf.String())

	buf.Reset()
	require.NoError(t, writeOutput(&buf, outputJSON, balance))
	require.JSONEq(t, `{"canister_id":"aaaaa-aa","cycle_balance":"1000000"}`, buf.String())

	// Arrays and nil.
	buf.Reset()
	require.NoError(t, writeOutput(&buf, outputYAML, []string{"a", "b"}))
	require.Equal(t, "- a\n- b\n", buf.String())

	buf.Reset()
	require.NoError(t, writeOutput(&buf, outputYAML, nil))
	require.Empty(t, buf.String())
}

func TestWriteOutputKeepsFieldOrder(t *testing.T) {
	res := postcache.TopPostsResult{Ok: []postcache.PostScoreIndexItemV1{{
		Status:              postcache.ReadyToView,
		PostID:              7,
		Score:               42,
		PublisherCanisterID: principal.Anonymous,
	}}}

	var buf bytes.Buffer
	require.NoError(t, writeOutput(&buf, outputYAML, res))
	out := buf.String()
	require.True(t, strings.HasPrefix(out, "ok:\n"), out)
	require.Contains(t, out, "post_id: 7")
	require.Contains(t, out, "publisher_canister_id: 2vxsx-fae")
}

func TestReadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "post.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"is_nsfw": false,
		"status": "ready_to_view",
		"post_id": 3,
		"created_at": null,
		"score": 10,
		"publisher_canister_id": "2vxsx-fae"
	}`), 0o600))

	var item postcache.PostScoreIndexItemV1
	require.NoError(t, readJSON(&options{}, path, &item))
	require.NoError(t, normalizePost(&item))
	require.Equal(t, postcache.ReadyToView, item.Status)
	require.Equal(t, uint64(3), item.PostID)

	// Stdin.
	var items []postcache.PostScoreIndexItemV1
	o := &options{in: strings.NewReader(`[]`)}
	require.NoError(t, readJSON(o, "-", &items))
	require.Empty(t, items)

	// Unknown fields are rejected.
	o = &options{in: strings.NewReader(`{"post_idx": 1}`)}
	require.Error(t, readJSON(o, "-", &item))
}

func TestEncodeInitArgs(t *testing.T) {
	o := &options{in: strings.NewReader(`{
		"known_principal_ids": [{"type": "canister-id-sns-controller", "principal": "2vxsx-fae"}],
		"version": "v1.0.0",
		"upgrade_version_number": 2
	}`)}
	res, err := encodeInitArgs(o, "-")
	require.NoError(t, err)

	b, err := hex.DecodeString(res.Argument)
	require.NoError(t, err)
	_, args, err := candid.Unmarshal(b)
	require.NoError(t, err)
	rec, err := candid.AsRecord(args[0])
	require.NoError(t, err)
	version, err := rec.Field("version")
	require.NoError(t, err)
	require.Equal(t, "v1.0.0", version)

	want, err := postcache.EncodeInitArgs(postcache.PostCacheInitArgs{
		KnownPrincipalIDs:    []postcache.KnownPrincipal{{Type: postcache.CanisterIDSNSController, Principal: principal.Anonymous}},
		Version:              "v1.0.0",
		UpgradeVersionNumber: func() *uint64 { n := uint64(2); return &n }(),
	})
	require.NoError(t, err)
	require.Equal(t, want, b)

	o = &options{in: strings.NewReader(`{"known_principal_ids": [{"type": "nope", "principal": "2vxsx-fae"}], "version": "v1"}`)}
	_, err = encodeInitArgs(o, "-")
	require.ErrorContains(t, err, "known principal 0")
}
