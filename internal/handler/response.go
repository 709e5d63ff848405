package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

const internalMessage = "something went wrong, please try again later"

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zctx.From(r.Context()).Warn("Failed to encode response", zap.Error(err))
	}
}

// writeError renders err as the error envelope. Persistence and unclassified
// errors are logged and never shown to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	status := statusOf(ae)

	message := ae.Message
	if status >= http.StatusInternalServerError && ae.Kind != apperr.KindExternalService {
		message = internalMessage
	}

	lg := zctx.From(r.Context())
	switch {
	case status >= http.StatusInternalServerError:
		lg.Error("Request failed", zap.String("code", ae.Code), zap.Error(err))
	case ae.Kind == apperr.KindExternalService:
		lg.Warn("Request failed", zap.String("code", ae.Code), zap.Error(err))
	}

	WriteErrorEnvelope(w, status, ae.Code, string(ae.Kind), message)
}

// WriteErrorEnvelope writes {"code","error","kind","message"}.
func WriteErrorEnvelope(w http.ResponseWriter, status int, code, kind, message string) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("error")
	e.Str(code)
	e.FieldStart("kind")
	e.Str(kind)
	e.FieldStart("message")
	e.Str(message)
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func statusOf(e *apperr.Error) int {
	switch e.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case apperr.KindExternalService:
		switch {
		case errors.Is(e, payment.ErrDeclined):
			return http.StatusPaymentRequired
		case errors.Is(e, payment.ErrTimeout):
			return http.StatusGatewayTimeout
		default:
			return http.StatusBadGateway
		}
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v. An empty body is accepted when
// allowEmpty is set.
func decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Validation("request body is too large")
		}
		return apperr.Validation("request body is not valid JSON").Wrap(err)
	}
	return nil
}
