package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/yral-dapp/postcache/metrics"
	"github.com/yral-dapp/postcache/principal"
)

type stubAgent struct {
	reply []byte
	err   error
}

func (s stubAgent) Query(context.Context, principal.Principal, string, []byte) ([]byte, error) {
	return s.reply, s.err
}

func (s stubAgent) Update(context.Context, principal.Principal, string, []byte) ([]byte, error) {
	return s.reply, s.err
}

func TestInstrumentedAgent(t *testing.T) {
	m := metrics.NewDefaultAgentMetrics("agent_test")

	ok := NewInstrumentedAgent(stubAgent{reply: []byte("x")}, m)
	reply, err := ok.Query(context.Background(), testCanister, "get", nil)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), reply)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Calls(testCanister.String(), "get", kindQuery, "ok")))

	rejected := NewInstrumentedAgent(stubAgent{err: &RejectError{Code: RejectCanisterError}}, m)
	_, err = rejected.Update(context.Background(), testCanister, "put", nil)
	require.Error(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Calls(testCanister.String(), "put", kindUpdate, "rejected")))
}

func TestCallStatus(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("m: %w", &RejectError{}), "rejected"},
		{&HTTPError{StatusCode: 503}, "http_error"},
		{fmt.Errorf("%w: bad", ErrCertificateInvalid), "bad_certificate"},
		{fmt.Errorf("wait: %w", context.DeadlineExceeded), "timeout"},
		{errors.New("other"), "error"},
	} {
		require.Equal(t, tc.want, CallStatus(tc.err))
	}
}
