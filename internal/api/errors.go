package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/vault-lending/internal/model"
)

// statusByKind maps engine error kinds to HTTP status codes.
var statusByKind = map[error]int{
	model.ErrInvalidAmount:  http.StatusBadRequest,
	model.ErrWrongAsset:     http.StatusBadRequest,
	model.ErrInvalidAccount: http.StatusBadRequest,

	model.ErrUnauthorized: http.StatusForbidden,

	model.ErrNotFound: http.StatusNotFound,

	model.ErrLoanAlreadyActive:  http.StatusConflict,
	model.ErrNoActiveLoan:       http.StatusConflict,
	model.ErrNotYetLiquidatable: http.StatusConflict,
	model.ErrBorrowerLocked:     http.StatusConflict,
	model.ErrIssuanceClosed:     http.StatusConflict,

	model.ErrInsufficientBalance:       http.StatusUnprocessableEntity,
	model.ErrInsufficientShares:        http.StatusUnprocessableEntity,
	model.ErrInsufficientLiquidity:     http.StatusUnprocessableEntity,
	model.ErrInsufficientFunds:         http.StatusUnprocessableEntity,
	model.ErrInsufficientPoolLiquidity: http.StatusUnprocessableEntity,
	model.ErrInsufficientAllowance:     http.StatusUnprocessableEntity,
	model.ErrInsufficientCollateral:    http.StatusUnprocessableEntity,
	model.ErrBorrowCapExceeded:         http.StatusUnprocessableEntity,
	model.ErrArithmeticOverflow:        http.StatusUnprocessableEntity,
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, kind string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}

// writeOpError renders an engine error. Errors without a kind are internal
// and their text is not exposed.
func writeOpError(w http.ResponseWriter, r *http.Request, err error) {
	for kind, status := range statusByKind {
		if errors.Is(err, kind) {
			writeError(w, model.DetailOf(err), kind.Error(), status)
			return
		}
	}
	slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
	writeError(w, "internal error", "", http.StatusInternalServerError)
}
