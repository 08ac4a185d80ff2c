package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chaz8081/coldsend/internal/service"
	"github.com/chaz8081/coldsend/internal/transport"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeErr maps service and transport errors to a status code and includes
// the transport error code when there is one.
func writeErr(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	if code := transport.Code(err); code != "" {
		body["code"] = code
	}
	writeJSON(w, statusFor(err), body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrEmptyPayload),
		errors.Is(err, service.ErrInvalidMode),
		errors.Is(err, service.ErrUnknownProtocol),
		errors.Is(err, service.ErrPayloadTooLarge),
		errors.Is(err, transport.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrDeviceNotFound),
		errors.Is(err, transport.ErrPeripheralNotFound):
		return http.StatusNotFound
	case errors.Is(err, transport.ErrScanInProgress),
		errors.Is(err, service.ErrProtocolChanged):
		return http.StatusConflict
	case errors.Is(err, transport.ErrRadioNotReady),
		errors.Is(err, transport.ErrPortExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a small JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
