package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cuemby/membersync/pkg/log"
	"github.com/cuemby/membersync/pkg/service"
	"github.com/cuemby/membersync/pkg/storage"
	"github.com/cuemby/membersync/pkg/types"
)

// Error codes returned in ErrorResponse
const (
	CodeInvalidInput = "INVALID_INPUT"
	CodeNotFound     = "NOT_FOUND"
	CodeReadOnly     = "READ_ONLY"
	CodeUnavailable  = "UNAVAILABLE"
	CodeInternal     = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Logger.Error().Err(err).Msg("Failed to encode response")
		}
	}
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, CodeInvalidInput, message)
}

// handleError maps service errors onto status codes. Input errors carry
// their message back to the caller; anything else is logged and hidden.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, "resource not found")
	case errors.Is(err, types.ErrInvalidWorkType),
		errors.Is(err, types.ErrInvalidPayload),
		errors.Is(err, types.ErrInvalidStatus),
		errors.Is(err, service.ErrInvalidMember):
		badRequest(w, err.Error())
	default:
		logger := requestLogger(r)
		logger.Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
	}
}
