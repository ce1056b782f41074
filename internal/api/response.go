package api

import (
	"encoding/json"
	"net/http"

	"github.com/peterje/termbridge/internal/models"
)

// WriteJSON writes data inside a success envelope.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	env := models.Envelope{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "encode response: "+err.Error())
			return
		}
		env.Data = raw
	}
	writeEnvelope(w, status, env)
}

// WriteError writes a failure envelope carrying message.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, models.Envelope{Success: false, Message: message})
}

func writeEnvelope(w http.ResponseWriter, status int, env models.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
