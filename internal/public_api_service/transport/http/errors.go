package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rentdesk/comms_services/internal/core_comms/domain"
)

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(body)
}

func jsonError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, statusCode int, resp GenericErrorResponse) {
	level := slog.LevelWarn
	if statusCode >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(r.Context(), level, "API error response",
		"request_id", middleware.GetReqID(r.Context()),
		"status_code", statusCode, "error", resp.Error, "field", resp.Field)
	writeJSON(w, statusCode, resp)
}

// writeError maps domain and transport errors to a status code.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		valErr    *domain.ValidationError
		fieldErrs validator.ValidationErrors
	)
	switch {
	case errors.As(err, &fieldErrs) && len(fieldErrs) > 0:
		fe := fieldErrs[0]
		jsonError(w, r, logger, http.StatusBadRequest, GenericErrorResponse{
			Error:   "validation failed",
			Field:   fieldPath(fe),
			Details: "failed on '" + fe.Tag() + "'",
		})
	case errors.As(err, &valErr):
		jsonError(w, r, logger, http.StatusBadRequest, GenericErrorResponse{
			Error:   "validation failed",
			Field:   valErr.Field,
			Details: valErr.Message,
		})
	case errors.Is(err, domain.ErrNotFound):
		jsonError(w, r, logger, http.StatusNotFound, GenericErrorResponse{Error: "not found"})
	case errors.Is(err, domain.ErrTransitionConflict):
		jsonError(w, r, logger, http.StatusConflict, GenericErrorResponse{Error: "conflict", Details: err.Error()})
	default:
		if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
			jsonError(w, r, logger, grpcToHTTP(st.Code()), GenericErrorResponse{Error: st.Message()})
			return
		}
		logger.ErrorContext(r.Context(), "Unhandled error", "request_id", middleware.GetReqID(r.Context()), "error", err)
		jsonError(w, r, logger, http.StatusInternalServerError, GenericErrorResponse{Error: "internal error"})
	}
}

// fieldPath drops the top-level struct name from the validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func grpcToHTTP(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable, codes.DeadlineExceeded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
