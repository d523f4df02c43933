package httpx

import (
	"encoding/json"
	"net/http"
)

// errorBody is the uniform error envelope every handler returns.
type errorBody struct {
	Error string `json:"error"`
}

// writeJSON encodes payload with the given status. The status line goes
// out before the body, so encode failures cannot be reported.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
