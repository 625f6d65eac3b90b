// Package http serves the agent's local status surface: a liveness probe,
// a JSON status snapshot, and the prometheus metrics.
package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AI-OWL/MNM-Fasteners-Agent/internal/log"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/models"
	"github.com/AI-OWL/MNM-Fasteners-Agent/pkg/storage"
)

// StatusSource exposes the runtime's live counters to the status endpoint.
type StatusSource interface {
	ConnState() models.ConnState
	Succeeded() int64
	Failed() int64
	InFlight() int
}

func StartServer(addr string, store storage.TaskStore, agent StatusSource) error {
	log.GetLogger().Infof("Starting status server on %s", addr)
	return http.ListenAndServe(addr, NewMux(store, agent))
}

// NewMux wires the handlers onto a fresh mux, so tests can serve it directly.
func NewMux(store storage.TaskStore, agent StatusSource) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/status", statusHandler(store, agent))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Agent is running")
}

type statusResponse struct {
	ConnState         models.ConnState `json:"conn_state"`
	QueueDepth        int              `json:"queue_depth"`
	InFlight          int              `json:"in_flight"`
	TasksSucceeded    int64            `json:"tasks_succeeded"`
	TasksFailed       int64            `json:"tasks_failed"`
	UnreportedResults int              `json:"unreported_results"`
}

func statusHandler(store storage.TaskStore, agent StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		depth, err := store.CountReady(time.Now().UTC())
		if err != nil {
			log.GetLogger().Errorf("Failed to count ready tasks: %v", err)
			http.Error(w, fmt.Sprintf("Failed to read queue: %v", err), http.StatusInternalServerError)
			return
		}
		unreported, err := store.ListUnreportedTerminal(1000)
		if err != nil {
			log.GetLogger().Errorf("Failed to list unreported results: %v", err)
			http.Error(w, fmt.Sprintf("Failed to read queue: %v", err), http.StatusInternalServerError)
			return
		}
		resp := statusResponse{
			ConnState:         agent.ConnState(),
			QueueDepth:        depth,
			InFlight:          agent.InFlight(),
			TasksSucceeded:    agent.Succeeded(),
			TasksFailed:       agent.Failed(),
			UnreportedResults: len(unreported),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
