package handler

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/coupon-engine/internal/domain/coupon"
)

const maxBodyBytes = 1 << 20

// statusOf maps a business rejection kind to its HTTP status.
func statusOf(kind coupon.Kind) int {
	switch kind {
	case coupon.KindNotFound:
		return http.StatusNotFound
	case coupon.KindInvalidCouponData:
		return http.StatusUnprocessableEntity
	case coupon.KindUsageLimitExceeded,
		coupon.KindPerUserLimitExceeded,
		coupon.KindCodeAlreadyExists,
		coupon.KindAlreadyApplied:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

// writeServiceError renders err returned by the coupon service. Rejections
// and malformed input are reported to the caller; anything else is logged and
// hidden behind a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if kind := coupon.KindOf(err); kind != "" {
		var fields map[string]string
		var invalid *coupon.InvalidDataError
		if errors.As(err, &invalid) {
			fields = invalid.Fields
		}
		message := err.Error()
		var rej *coupon.Rejection
		if errors.As(err, &rej) {
			message = rej.Message
		}
		writeErrorBody(w, statusOf(kind), message, kind, fields)
		return
	}
	if errors.Is(err, coupon.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	zctx.From(r.Context()).Error("Request failed",
		zap.String("route", r.Pattern),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal error, please try again later")
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeErrorBody(w, status, message, "", nil)
}

// writeErrorBody encodes {"code", "message", "kind", "fields"}; kind and
// fields are omitted when empty.
func writeErrorBody(w http.ResponseWriter, status int, message string, kind coupon.Kind, fields map[string]string) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("message")
	e.Str(message)
	if kind != "" {
		e.FieldStart("kind")
		e.Str(string(kind))
	}
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		e.FieldStart("fields")
		e.ObjStart()
		for _, k := range keys {
			e.FieldStart(k)
			e.Str(fields[k])
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads the request body into v, writing a 400 response and
// returning false when it is not valid JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
