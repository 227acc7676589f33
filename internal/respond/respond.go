// Package respond writes JSON bodies and classified errors for the REST
// handlers.
package respond

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"go-fanline/internal/apperr"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// Error maps err through the apperr taxonomy. Unclassified errors are logged
// and reported as INTERNAL without their text.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := ErrorBody{Code: apperr.CodeOf(err, apperr.CodeInternal), Message: err.Error()}
	if status >= http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		if apperr.KindOf(err) == apperr.KindInternal {
			body.Message = "internal error"
		}
	}
	JSON(w, status, body)
}

// Decode reads a JSON body into v, replying 400 on failure.
func Decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		JSON(w, http.StatusBadRequest, ErrorBody{Code: apperr.CodeInvalidPayload, Message: err.Error()})
		return false
	}
	return true
}
