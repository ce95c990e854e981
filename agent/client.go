// Package agent talks to Internet Computer replicas over the HTTP interface.
//
// The Client signs requests with an Identity, sends queries and update calls,
// polls for the certified outcome of update calls and verifies the
// certificates it receives.
package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/yral-dapp/postcache/log"
	"github.com/yral-dapp/postcache/principal"
)

// Agent performs query and update calls.
type Agent interface {
	Query(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error)
	Update(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error)
}

const (
	defaultIngressExpiry = 4 * time.Minute
	defaultPollInitial   = 250 * time.Millisecond
	defaultPollMax       = 5 * time.Second

	cborContentType = "application/cbor"
	// Replies larger than this are refused.
	maxResponseSize = 4 << 20
)

// Config configures a Client.
type Config struct {
	// URL of a replica or boundary node, e.g. https://icp-api.io.
	URL string
	// Identity defaults to the anonymous identity.
	Identity Identity
	// IngressExpiry is how long a request stays valid; it also bounds how
	// long Update waits. Defaults to 4 minutes.
	IngressExpiry time.Duration
	// RootKey is the DER-encoded root public key. Defaults to the mainnet key.
	RootKey []byte
	// FetchRootKey makes NewClient read the root key from the replica.
	// Only for local replicas.
	FetchRootKey bool
	// SkipVerification disables certificate verification. Only for local
	// development.
	SkipVerification bool
	// PollInitial and PollMax bound the request status polling interval.
	PollInitial time.Duration
	PollMax     time.Duration
	HTTPClient  *http.Client
}

// Client is an Agent speaking the IC HTTP interface. It is safe for
// concurrent use.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	logger *log.Logger

	rootKeyLock sync.RWMutex
	rootKey     []byte

	// now is replaced in tests.
	now func() time.Time
}

var _ Agent = (*Client)(nil)

// NewClient returns a client of the replica at cfg.URL.
func NewClient(ctx context.Context, cfg Config, logger *log.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("agent: replica url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("agent: replica url %q must be http or https", cfg.URL)
	}
	if cfg.Identity == nil {
		cfg.Identity = AnonymousIdentity{}
	}
	if cfg.IngressExpiry <= 0 {
		cfg.IngressExpiry = defaultIngressExpiry
	}
	if cfg.PollInitial <= 0 {
		cfg.PollInitial = defaultPollInitial
	}
	if cfg.PollMax <= 0 {
		cfg.PollMax = defaultPollMax
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	rootKey := cfg.RootKey
	if rootKey == nil {
		rootKey = MainnetRootKey
	}

	c := &Client{
		cfg:     cfg,
		base:    base,
		http:    httpClient,
		logger:  logger.WithModule("agent").With("replica", base.Host),
		rootKey: rootKey,
		now:     time.Now,
	}
	if cfg.FetchRootKey {
		if err := c.FetchRootKey(ctx); err != nil {
			return nil, err
		}
	}
	c.logger.Info("agent initialized",
		"sender", cfg.Identity.Sender().String(),
		"verify_certificates", !cfg.SkipVerification,
	)
	return c, nil
}

// Sender returns the principal the client calls as.
func (c *Client) Sender() principal.Principal {
	return c.cfg.Identity.Sender()
}

// RootKey returns the DER-encoded root key certificates are checked against.
func (c *Client) RootKey() []byte {
	c.rootKeyLock.RLock()
	defer c.rootKeyLock.RUnlock()
	return c.rootKey
}

// Status is the replica's self-description.
type Status struct {
	RootKey             []byte
	ImplVersion         string
	ReplicaHealthStatus string
}

// Status queries the replica's status endpoint.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/v2/status", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var resp statusResponse
	if err := unmarshalCBOR(body, &resp); err != nil {
		return nil, fmt.Errorf("agent: status: %w", err)
	}
	return &Status{RootKey: resp.RootKey, ImplVersion: resp.ImplVersion, ReplicaHealthStatus: resp.ReplicaHealthStatus}, nil
}

// FetchRootKey replaces the root key with the one the replica reports.
// Never use this against mainnet.
func (c *Client) FetchRootKey(ctx context.Context) error {
	status, err := c.Status(ctx)
	if err != nil {
		return err
	}
	if len(status.RootKey) == 0 {
		return errors.New("agent: replica did not report a root key")
	}
	c.rootKeyLock.Lock()
	c.rootKey = status.RootKey
	c.rootKeyLock.Unlock()
	c.logger.Warn("using root key fetched from replica")
	return nil
}

func (c *Client) newRequest(typ RequestType, canister principal.Principal, method string, arg []byte) Request {
	nonce := uuid.New()
	return Request{
		Type:          typ,
		Sender:        c.cfg.Identity.Sender().Raw,
		Nonce:         nonce[:],
		IngressExpiry: uint64(c.now().Add(c.cfg.IngressExpiry).UnixNano()),
		CanisterID:    canister.Raw,
		MethodName:    method,
		Arg:           arg,
	}
}

func (c *Client) envelope(req Request) ([]byte, RequestID, error) {
	id := req.ID()
	env := Envelope{Content: req}
	if pub := c.cfg.Identity.PublicKey(); pub != nil {
		sig, err := c.cfg.Identity.Sign(id)
		if err != nil {
			return nil, id, fmt.Errorf("agent: sign request: %w", err)
		}
		env.SenderPubKey = pub
		env.SenderSig = sig
	}
	body, err := marshalCBOR(env)
	if err != nil {
		return nil, id, fmt.Errorf("agent: encode envelope: %w", err)
	}
	return body, id, nil
}

// Query performs a query call and returns the reply.
func (c *Client) Query(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	body, _, err := c.envelope(c.newRequest(RequestTypeQuery, canister, method, arg))
	if err != nil {
		return nil, err
	}
	respBody, err := c.do(ctx, http.MethodPost, "/api/v2/canister/"+canister.String()+"/query", body, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var resp queryResponse
	if err := unmarshalCBOR(respBody, &resp); err != nil {
		return nil, fmt.Errorf("agent: query response: %w", err)
	}
	switch resp.Status {
	case "replied":
		if resp.Reply == nil {
			return nil, errors.New("agent: query replied without a reply")
		}
		return resp.Reply.Arg, nil
	case "rejected":
		return nil, &RejectError{Code: RejectCode(resp.RejectCode), Message: resp.RejectMessage, ErrorCode: resp.ErrorCode}
	default:
		return nil, fmt.Errorf("agent: unexpected query status %q", resp.Status)
	}
}

// Update performs an update call and waits for its certified reply.
func (c *Client) Update(ctx context.Context, canister principal.Principal, method string, arg []byte) ([]byte, error) {
	req := c.newRequest(RequestTypeCall, canister, method, arg)
	id, err := c.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithDeadline(ctx, time.Unix(0, int64(req.IngressExpiry)))
	defer cancel()
	return c.Wait(ctx, canister, id)
}

// Call submits an update call without waiting for its outcome.
func (c *Client) Call(ctx context.Context, req Request) (RequestID, error) {
	body, id, err := c.envelope(req)
	if err != nil {
		return id, err
	}
	canister := principal.Principal{Raw: req.CanisterID}
	respBody, err := c.do(ctx, http.MethodPost, "/api/v2/canister/"+canister.String()+"/call", body, http.StatusAccepted, http.StatusOK)
	if err != nil {
		return id, err
	}
	// Some boundary nodes answer a synchronous reject with 200.
	if len(respBody) > 0 {
		var resp callResponse
		if err := unmarshalCBOR(respBody, &resp); err == nil && resp.RejectCode != 0 {
			return id, &RejectError{Code: RejectCode(resp.RejectCode), Message: resp.RejectMessage, ErrorCode: resp.ErrorCode}
		}
	}
	c.logger.Debug("update call submitted", "canister", canister.String(), "method", req.MethodName, "request_id", id.String())
	return id, nil
}

// errPending signals a request whose outcome is not known yet.
var errPending = errors.New("agent: request pending")

// Wait polls the status of an update call until it is replied, rejected or
// done, or ctx ends.
func (c *Client) Wait(ctx context.Context, canister principal.Principal, id RequestID) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.PollInitial
	b.MaxInterval = c.cfg.PollMax
	b.MaxElapsedTime = 0

	reply, err := backoff.RetryNotifyWithData(func() ([]byte, error) {
		reply, err := c.RequestStatus(ctx, canister, id)
		switch {
		case err == nil:
			return reply, nil
		case errors.Is(err, errPending):
			return nil, err
		case isTransient(err):
			c.logger.Debug("transient error polling request status", "request_id", id.String(), "err", err)
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	}, backoff.WithContext(b, ctx), nil)
	if err != nil {
		if errors.Is(err, errPending) || ctx.Err() != nil {
			return nil, fmt.Errorf("agent: waiting for request %s: %w", id, ctx.Err())
		}
		return nil, err
	}
	return reply, nil
}

func isTransient(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == http.StatusTooManyRequests
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr)
}

// Request statuses.
const (
	statusReceived   = "received"
	statusProcessing = "processing"
	statusReplied    = "replied"
	statusRejected   = "rejected"
	statusDone       = "done"
)

// RequestStatus reads the certified status of an update call once. It
// returns the reply once replied and an error wrapping errPending while the
// outcome is not known.
func (c *Client) RequestStatus(ctx context.Context, canister principal.Principal, id RequestID) ([]byte, error) {
	prefix := [][]byte{[]byte("request_status"), id[:]}
	cert, err := c.ReadState(ctx, canister, [][][]byte{prefix})
	if err != nil {
		return nil, err
	}

	status, err := cert.Tree.Lookup(append(prefix, []byte("status"))...)
	if err != nil {
		// Absent or pruned: the replica has not seen the request yet.
		return nil, fmt.Errorf("%w: %v", errPending, err)
	}
	switch string(status) {
	case statusReceived, statusProcessing:
		return nil, fmt.Errorf("%w: %s", errPending, status)
	case statusReplied:
		reply, err := cert.Tree.Lookup(append(prefix, []byte("reply"))...)
		if err != nil {
			return nil, fmt.Errorf("agent: replied request without reply: %w", err)
		}
		return reply, nil
	case statusRejected:
		codeBytes, err := cert.Tree.Lookup(append(prefix, []byte("reject_code"))...)
		if err != nil {
			return nil, fmt.Errorf("agent: rejected request without reject code: %w", err)
		}
		msg, err := cert.Tree.Lookup(append(prefix, []byte("reject_message"))...)
		if err != nil {
			return nil, fmt.Errorf("agent: rejected request without reject message: %w", err)
		}
		code, err := decodeULEB128(codeBytes)
		if err != nil {
			return nil, err
		}
		rejectErr := &RejectError{Code: RejectCode(code), Message: string(msg)}
		if errorCode, err := cert.Tree.Lookup(append(prefix, []byte("error_code"))...); err == nil {
			rejectErr.ErrorCode = string(errorCode)
		}
		return nil, rejectErr
	case statusDone:
		return nil, ErrRequestDone
	default:
		return nil, fmt.Errorf("agent: unknown request status %q", status)
	}
}

// ReadState reads the given state tree paths. The returned certificate has
// been verified unless verification is disabled.
func (c *Client) ReadState(ctx context.Context, canister principal.Principal, paths [][][]byte) (*Certificate, error) {
	req := c.newRequest(RequestTypeReadState, canister, "", nil)
	req.Nonce = nil
	req.Paths = paths
	body, _, err := c.envelope(req)
	if err != nil {
		return nil, err
	}
	respBody, err := c.do(ctx, http.MethodPost, "/api/v2/canister/"+canister.String()+"/read_state", body, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var resp readStateResponse
	if err := unmarshalCBOR(respBody, &resp); err != nil {
		return nil, fmt.Errorf("agent: read_state response: %w", err)
	}
	cert, err := ParseCertificate(resp.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	if c.cfg.SkipVerification {
		return cert, nil
	}
	if err := cert.Verify(c.RootKey(), canister); err != nil {
		return nil, err
	}
	certTime, err := cert.Time()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	if age := c.now().Sub(certTime); age > c.cfg.IngressExpiry {
		return nil, fmt.Errorf("%w: certificate is %s old", ErrCertificateInvalid, age.Round(time.Second))
	}
	return cert, nil
}

func decodeULEB128(b []byte) (uint64, error) {
	var v uint64
	for i, shift := 0, uint(0); i < len(b) && shift < 64; i, shift = i+1, shift+7 {
		v |= uint64(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errors.New("agent: malformed LEB128 number")
}

// do sends an HTTP request and returns the body of a response with one of
// the accepted statuses.
func (c *Client) do(ctx context.Context, method, path string, body []byte, accepted ...int) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", cborContentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("agent: reading response: %w", err)
	}
	tooLarge := len(respBody) > maxResponseSize
	if tooLarge {
		respBody = respBody[:maxResponseSize]
	}
	for _, status := range accepted {
		if resp.StatusCode != status {
			continue
		}
		if tooLarge {
			return nil, fmt.Errorf("%w: %s %s exceeds %d bytes", ErrResponseTooLarge, method, path, maxResponseSize)
		}
		return respBody, nil
	}
	return nil, &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
}
