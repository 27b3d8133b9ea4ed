package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/pithecene-io/refinewatch/log"
	"github.com/pithecene-io/refinewatch/types"
)

// Server serves a replay script.
type Server struct {
	script   *Script
	logger   *log.Logger
	router   *mux.Router
	upgrader websocket.Upgrader

	mu       sync.Mutex
	used     []bool
	jobs     map[string]*job
	requests []types.ContinuationRequest
}

type job struct {
	id     string
	script *JobScript

	mu    sync.Mutex
	polls int
}

// NewServer creates a server for script. A nil logger discards logs.
func NewServer(script *Script, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.NewNop()
	}
	s := &Server{
		script: script,
		logger: logger,
		router: mux.NewRouter(),
		used:   make([]bool, len(script.Jobs)),
		jobs:   make(map[string]*job),
	}
	s.RegisterRoutes(s.router)
	return s
}

// RegisterRoutes registers the API surface on r.
func (s *Server) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/jobs", s.handleStart).Methods("POST")
	r.HandleFunc("/api/jobs/{id}/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/ws/jobs/{id}", s.handleSocket).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Requests returns the job-start and continuation requests received, in
// order. Start requests have a zero StartPass.
func (s *Server) Requests() []types.ContinuationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ContinuationRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// claim assigns the first unused job script matching startPass.
func (s *Server) claim(startPass int) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.script.Jobs {
		js := &s.script.Jobs[i]
		if s.used[i] || js.StartPass != startPass {
			continue
		}
		s.used[i] = true
		id := js.JobID
		if id == "" {
			id = "job-" + uuid.NewString()
		}
		j := &job{id: id, script: js}
		s.jobs[id] = j
		return j, true
	}
	return nil, false
}

func (s *Server) lookup(id string) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req types.ContinuationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := req.StartRequest.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.StartPass != 0 {
		if err := req.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	j, ok := s.claim(req.StartPass)
	if !ok {
		http.Error(w, fmt.Sprintf("no scripted job for startPass %d", req.StartPass), http.StatusConflict)
		return
	}
	if code := j.script.Reject; code != 0 {
		http.Error(w, "rejected by script", code)
		return
	}

	s.logger.Info("job started", map[string]any{
		"job_id":     j.id,
		"name":       j.script.Name,
		"start_pass": req.StartPass,
		"handle":     string(j.script.Handle),
	})

	if j.script.Handle == HandleJSON {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(j.event(j.script.Stream[0].Event))
		return
	}
	s.stream(w, r, j)
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request, j *job) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	ctx := r.Context()
	for _, st := range j.script.Stream {
		if !sleep(ctx, s.script.delay(st)) {
			return
		}
		line := st.Raw
		if st.Event != nil {
			data, err := json.Marshal(j.event(st.Event))
			if err != nil {
				s.logger.Error("encode event", map[string]any{"error": err.Error()})
				return
			}
			line = "data: " + string(data) + "\n"
		}
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}

	if j.script.Hold {
		<-ctx.Done()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(mux.Vars(r)["id"])
	if !ok || len(j.script.Status) == 0 {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	j.mu.Lock()
	idx := min(j.polls, len(j.script.Status)-1)
	j.polls++
	j.mu.Unlock()

	st := j.script.Status[idx]
	if st.Code != 0 && st.Event == nil {
		http.Error(w, http.StatusText(st.Code), st.Code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(j.event(st.Event))
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookup(mux.Vars(r)["id"])
	if !ok || len(j.script.Socket) == 0 {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("socket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	defer conn.Close()

	for _, st := range j.script.Socket {
		if !sleep(r.Context(), s.script.delay(st)) {
			return
		}
		if st.Code != 0 {
			msg := websocket.FormatCloseMessage(st.Code, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
		payload := []byte(st.Raw)
		if st.Event != nil {
			if payload, err = json.Marshal(j.event(st.Event)); err != nil {
				return
			}
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}

	// No scripted close: hold until the client closes.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// event fills the job and file identifiers of a scripted event.
func (j *job) event(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	if _, ok := out["jobId"]; !ok {
		out["jobId"] = j.id
	}
	if _, ok := out["fileId"]; !ok && j.script.FileID != "" {
		out["fileId"] = j.script.FileID
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
