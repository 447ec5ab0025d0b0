package api

import (
	"encoding/json"
	"net/http"
)

// maxRequestBytes bounds an /v1/op body.
const maxRequestBytes = 4 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, opResponse{Error: &opError{Kind: kind, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(dst)
}
