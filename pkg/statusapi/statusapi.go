// Package statusapi serves a read-only HTTP/JSON status surface for the
// dashboard and chat-bot collaborators, in the same net/http.ServeMux style
// the teacher's health server used, replacing the grpc+protobuf API surface
// the cluster control plane needed but this scheduler does not: every
// caller here only reads scheduler state, never mutates it.
package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/conveyor/pkg/dispatcher"
	"github.com/cuemby/conveyor/pkg/events"
	"github.com/cuemby/conveyor/pkg/metrics"
	"github.com/cuemby/conveyor/pkg/storage"
	"github.com/cuemby/conveyor/pkg/types"
)

// Server exposes task, queue, and proposal state as JSON.
type Server struct {
	Store      storage.Store
	Dispatcher *dispatcher.Dispatcher
	Events     *events.Broker
	mux        *http.ServeMux
}

// NewServer builds the status API's handler tree. broker may be nil, in
// which case /api/v1/events responds 404 instead of streaming.
func NewServer(store storage.Store, disp *dispatcher.Dispatcher, broker *events.Broker) *Server {
	s := &Server{Store: store, Dispatcher: disp, Events: broker}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", s.handleListTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleGetTask)
	mux.HandleFunc("/api/v1/queue", s.handleListQueue)
	mux.HandleFunc("/api/v1/proposals", s.handleListProposals)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
	s.mux = mux
	return s
}

// ListenAndServe starts the HTTP server at addr, blocking until it exits.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.Store.ListTasks()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Path[len("/api/v1/tasks/"):]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid task id"})
		return
	}
	task, err := s.Store.GetTask(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	outputs, err := s.Store.ListTaskOutputs(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*types.Task
		Outputs []*types.TaskOutput `json:"outputs"`
	}{task, outputs})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Store.ListActiveQueueEntries()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	status := types.ProposalStatusProposed
	if q := r.URL.Query().Get("status"); q != "" {
		status = types.ProposalStatus(q)
	}
	proposals, err := s.Store.ListProposalsByStatus(status)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, proposals)
}

// statusResponse summarizes scheduler state for a dashboard landing view.
type statusResponse struct {
	ActiveAgents int64     `json:"active_agents"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Timestamp: time.Now()}
	if s.Dispatcher != nil {
		resp.ActiveAgents = s.Dispatcher.ActiveAgents()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams lifecycle events as server-sent events for the
// dashboard and chat bot, so neither has to poll the task/queue/proposal
// endpoints to notice a change.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		http.Error(w, "event stream not configured", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.Events.Subscribe()
	defer s.Events.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
