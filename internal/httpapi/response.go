// Package httpapi holds the HTTP response envelope, error mapping, and
// middleware chain shared by the head and node HTTP surfaces.
package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/webai/internal/weberr"
)

// Response is the envelope every JSON endpoint returns.
type Response struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the error half of Response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// WriteJSON writes v as the response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes a 2xx success envelope.
func WriteSuccess(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{Success: true, Data: data})
}

// WriteError translates err into the JSON error envelope. Non-domain
// errors are logged with their cause and surfaced only as "internal".
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	werr, ok := weberr.As(err)
	if !ok {
		logger.Error("unclassified error reached HTTP layer", zap.Error(err))
		werr = weberr.New(weberr.CodeInternal, "internal error")
	}
	if werr.Code == weberr.CodeInternal {
		logger.Error("internal error", zap.Error(werr))
	}
	WriteJSON(w, statusFor(werr), Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    string(werr.Code),
			Message: werr.Message,
			Reason:  werr.Reason,
		},
	})
}

func statusFor(err *weberr.Error) int {
	if err.HTTPStatus != 0 {
		return err.HTTPStatus
	}
	return http.StatusInternalServerError
}

// DecodeJSONBody strictly decodes r.Body into v, rejecting unknown fields.
func DecodeJSONBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return weberr.New(weberr.CodeInvalidInput, "malformed JSON body").WithCause(err)
	}
	return nil
}
