package api

import (
	"encoding/json"
	"net/http"
)

type statusBody struct {
	Status string `json:"status"`
}

type errorBody struct {
	Error string `json:"error"`
}

// respondJSON writes v as the JSON body with the given status code.
func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respondStatus writes {"status": s}.
func respondStatus(w http.ResponseWriter, code int, s string) {
	respondJSON(w, code, statusBody{Status: s})
}

// respondError writes {"error": msg}.
func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, errorBody{Error: msg})
}
