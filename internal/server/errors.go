package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"southwinds.dev/heirloom"
)

// statusFor maps a vault error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, heirloom.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, heirloom.ErrAlreadyExists),
		errors.Is(err, heirloom.ErrTestamentNotActive):
		return http.StatusConflict
	case errors.Is(err, heirloom.ErrNotOwner),
		errors.Is(err, heirloom.ErrNotABeneficiary),
		errors.Is(err, heirloom.ErrDerivationDenied):
		return http.StatusForbidden
	case errors.Is(err, heirloom.ErrNotReleased):
		return http.StatusLocked
	case errors.Is(err, heirloom.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, heirloom.ErrDerivationUnavailable),
		errors.Is(err, heirloom.ErrStorage),
		errors.Is(err, heirloom.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type problem struct {
	Error string `json:"error"`
}

func writeProblem(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, problem{Error: msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
