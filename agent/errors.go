package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestDone is returned when the status of an update call has
	// been pruned before its reply could be read.
	ErrRequestDone = errors.New("agent: request is done, its reply is no longer available")
	// ErrCertificateInvalid is returned when a certificate fails verification.
	ErrCertificateInvalid = errors.New("agent: invalid certificate")
	// ErrPathAbsent is returned when a certified path is provably absent.
	ErrPathAbsent = errors.New("agent: path absent from state tree")
	// ErrResponseTooLarge is returned when a replica response exceeds the
	// size the agent reads.
	ErrResponseTooLarge = errors.New("agent: response too large")
)

// RejectCode classifies a canister or system reject.
type RejectCode uint64

const (
	RejectSysFatal           RejectCode = 1
	RejectSysTransient       RejectCode = 2
	RejectDestinationInvalid RejectCode = 3
	RejectCanisterReject     RejectCode = 4
	RejectCanisterError      RejectCode = 5
)

func (c RejectCode) String() string {
	switch c {
	case RejectSysFatal:
		return "SysFatal"
	case RejectSysTransient:
		return "SysTransient"
	case RejectDestinationInvalid:
		return "DestinationInvalid"
	case RejectCanisterReject:
		return "CanisterReject"
	case RejectCanisterError:
		return "CanisterError"
	default:
		return fmt.Sprintf("RejectCode(%d)", uint64(c))
	}
}

// RejectError is returned when the replica or the canister rejects a call.
type RejectError struct {
	Code    RejectCode
	Message string
	// ErrorCode is the replica's error code, e.g. "IC0503". Optional.
	ErrorCode string
}

func (e *RejectError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("agent: call rejected (%s, %s): %s", e.Code, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("agent: call rejected (%s): %s", e.Code, e.Message)
}

// HTTPError is returned when the replica answers with an unexpected status.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("agent: replica returned HTTP %d: %s", e.StatusCode, e.Body)
}
