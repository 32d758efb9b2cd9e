// Package handler implements the HTTP handlers of the orchestrator API.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/openctemio/orchestrator/internal/infra/http/middleware"
	"github.com/openctemio/orchestrator/pkg/apierror"
	"github.com/openctemio/orchestrator/pkg/domain/shared"
	"github.com/openctemio/orchestrator/pkg/logger"
	"github.com/openctemio/orchestrator/pkg/validator"
)

// ListResponse wraps list results.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

func newList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Data: items, Total: len(items)}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeAndValidate reads a JSON body into dst and runs struct validation.
// It writes the error response itself and reports whether to continue.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v *validator.Validator, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierror.New(http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "Request body too large").WriteJSON(w)
			return false
		}
		apierror.BadRequest("Invalid request body").WriteJSON(w)
		return false
	}
	if err := v.Validate(dst); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func writeValidationError(w http.ResponseWriter, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		apierror.ValidationFailed("Validation failed", validationErrors).WriteJSON(w)
		return
	}
	apierror.BadRequest(err.Error()).WriteJSON(w)
}

// writeServiceError maps domain errors onto API errors. resource names the
// entity in not-found messages.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, resource string, err error) {
	var domainErr *shared.DomainError
	switch {
	case shared.IsNotFound(err):
		apierror.NotFound(resource).WriteJSON(w)
	case shared.IsValidation(err):
		message := err.Error()
		if errors.As(err, &domainErr) {
			message = domainErr.Message
		}
		apierror.BadRequest(message).WriteJSON(w)
	case shared.IsConflict(err):
		apierror.Conflict(err.Error()).WriteJSON(w)
	default:
		log.Error("request failed",
			"resource", resource,
			"request_id", middleware.GetRequestID(r.Context()),
			"error", err,
		)
		apierror.InternalError(err).WriteJSON(w)
	}
}

// visibleTo reports whether a resource owned by owner may be shown to the
// caller. A caller without an owner header sees everything.
func visibleTo(r *http.Request, owner string) bool {
	caller := middleware.GetOwner(r.Context())
	return caller == "" || caller == owner
}

func pathID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return val
}

func queryBool(r *http.Request, key string) bool {
	s := r.URL.Query().Get(key)
	return s == "true" || s == "1"
}
