package agent

import (
	"context"
	"errors"

	"github.com/yral-dapp/postcache/metrics"
	"github.com/yral-dapp/postcache/principal"
)

// Call kinds, as reported in metrics.
const (
	kindQuery  = "query"
	kindUpdate = "update"
)

// InstrumentedAgent records metrics for every call made through an Agent.
type InstrumentedAgent struct {
	agent   Agent
	metrics metrics.AgentMetrics
}

var _ Agent = (*InstrumentedAgent)(nil)

// NewInstrumentedAgent wraps agent with call metrics.
func NewInstrumentedAgent(agent Agent, m metrics.AgentMetrics) *InstrumentedAgent {
	return &InstrumentedAgent{agent: agent, metrics: m}
}

func (a *InstrumentedAgent) Query(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	return a.instrument(kindQuery, canister, method, func() ([]byte, error) {
		return a.agent.Query(ctx, canister, method, arg)
	})
}

func (a *InstrumentedAgent) Update(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	return a.instrument(kindUpdate, canister, method, func() ([]byte, error) {
		return a.agent.Update(ctx, canister, method, arg)
	})
}

func (a *InstrumentedAgent) instrument(kind string, canister principal.Principal, method string, call func() ([]byte, error)) ([]byte, error) {
	timer := a.metrics.CallLatencies(method, kind)
	defer timer.ObserveDuration()

	reply, err := call()
	a.metrics.Calls(canister.String(), method, kind, CallStatus(err)).Inc()
	return reply, err
}

// CallStatus classifies the outcome of a call for metrics and logs.
func CallStatus(err error) string {
	var (
		rejectErr *RejectError
		httpErr   *HTTPError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rejectErr):
		return "rejected"
	case errors.As(err, &httpErr):
		return "http_error"
	case errors.Is(err, ErrCertificateInvalid):
		return "bad_certificate"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
