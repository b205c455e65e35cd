// Package sse carries sync events over Server-Sent Events. Hub is the
// authoritative server side; Client implements synckit.PushChannel and
// synckit.Fetcher against a Hub.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/c0deZ3R0/facility-sync/synckit"
)

const (
	eventsPath = "/events"
	streamPath = "/events/stream"
	entityPath = "/entities"
	healthPath = "/healthz"

	// sseEventName tags sync events on the stream.
	sseEventName = "sync"
)

// errorResponse is the JSON body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

func validateEvent(e synckit.SyncEvent) error {
	if e.EntityType == "" || e.EntityID == "" {
		return fmt.Errorf("entity_type and entity_id are required")
	}
	if !e.Operation.Valid() {
		return fmt.Errorf("unknown operation %q", e.Operation)
	}
	return nil
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to marshal response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorResponse{Error: message})
}
