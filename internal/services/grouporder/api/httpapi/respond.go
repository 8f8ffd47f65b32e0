package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	apperrors "github.com/louisbranch/grouporder/internal/platform/errors"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     apperrors.Code    `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the JSON error body. Errors without a domain
// code are logged and reported as internal.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var domainErr *apperrors.Error
	switch {
	case errors.As(err, &domainErr):
		writeJSON(w, domainErr.Code.HTTPStatus(), errorBody{Error: errorDetail{
			Code:     domainErr.Code,
			Message:  domainErr.Message,
			Metadata: domainErr.Metadata,
		}})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{
			Code:    apperrors.CodeUnavailable,
			Message: "request timed out",
		}})
	default:
		h.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Code:    apperrors.CodeUnknown,
			Message: "internal error",
		}})
	}
}

// decode reads a JSON body into dst and validates its struct tags.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Wrap(apperrors.CodeValidation, "malformed request body", err)
	}
	return validateRequest(dst)
}

func validateRequest(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]
		return apperrors.WithMetadata(apperrors.CodeValidation,
			fmt.Sprintf("%s failed %s validation", first.Field(), first.Tag()),
			map[string]string{apperrors.MetaField: first.Field()})
	}
	return apperrors.Wrap(apperrors.CodeValidation, "invalid request", err)
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
