package httpx

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the JSON error shape used by every non-2xx response.
type ErrorBody struct {
	Detail string `json:"detail"`
}

// WriteJSON writes v as a JSON response with the given status code.
// It sets Content-Type and disables caching.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	NoCache(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response with a detail message.
func WriteError(w http.ResponseWriter, code int, detail string) {
	WriteJSON(w, code, ErrorBody{Detail: detail})
}

// NoCache sets Cache-Control and Pragma headers to prevent caching.
// Required for responses carrying tokens or user content.
func NoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// DecodeJSON decodes a JSON request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
