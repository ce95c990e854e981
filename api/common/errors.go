// Package common holds request parsing and error replies shared by API handlers.
package common

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yral-dapp/postcache/agent"
	"github.com/yral-dapp/postcache/candid"
	"github.com/yral-dapp/postcache/postcache"
)

var (
	// ErrBadRequest is returned when the provided HTTP request
	// is malformed.
	ErrBadRequest = errors.New("invalid request parameters")
	// ErrNotFound is returned when the canister holds no such item.
	ErrNotFound = errors.New("item not found")
	// ErrUpdatesDisabled is returned for mutating requests when the
	// gateway is read-only.
	ErrUpdatesDisabled = errors.New("updates are disabled on this gateway")
)

// HumanReadableError is the JSON body of every error response.
type HumanReadableError struct {
	Msg string `json:"msg"`
}

// HttpCodeForError maps an error to the HTTP status it is reported with.
func HttpCodeForError(err error) int {
	var (
		rejectErr *agent.RejectError
		httpErr   *agent.HTTPError
		decodeErr *candid.DecodeError
		fetchErr  postcache.TopPostsFetchError
	)
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUpdatesDisabled):
		return http.StatusForbidden
	case errors.As(err, &fetchErr):
		if fetchErr == postcache.ReachedEndOfItemsList {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case errors.As(err, &rejectErr):
		if rejectErr.Code == agent.RejectDestinationInvalid {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	case errors.As(err, &httpErr), errors.As(err, &decodeErr),
		errors.Is(err, agent.ErrCertificateInvalid), errors.Is(err, agent.ErrRequestDone):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ReplyWithError renders any error as human-readable JSON
// to the HTTP response stream `w`.
func ReplyWithError(w http.ResponseWriter, err error) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("x-content-type-options", "nosniff")
	w.WriteHeader(HttpCodeForError(err))

	_ = json.NewEncoder(w).Encode(HumanReadableError{Msg: err.Error()})
}
