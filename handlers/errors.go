package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/Yulian302/lfusys-services-routes/apperror"
)

type errorResponse struct {
	Error         string `json:"error"`
	MissingChunks []int  `json:"missingChunks,omitempty"`
}

func statusFor(err error) int {
	var incomplete *apperror.IncompleteSessionError
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &incomplete):
		return http.StatusConflict
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, apperror.ErrInvalidArgument),
		errors.Is(err, apperror.ErrSizeMismatch),
		errors.Is(err, apperror.ErrChunkIndexOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrSessionNotFound),
		errors.Is(err, apperror.ErrDocumentNotFound),
		errors.Is(err, apperror.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrRevisionConflict):
		return http.StatusPreconditionFailed
	case errors.Is(err, apperror.ErrJobExists),
		errors.Is(err, apperror.ErrJobFinalized):
		return http.StatusConflict
	case errors.Is(err, apperror.ErrBackingStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	resp := errorResponse{Error: err.Error()}
	if missing, ok := apperror.MissingChunks(err); ok {
		resp.MissingChunks = missing
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "internal error"
	}

	writeJSON(w, status, resp)
}
