package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"dngpipe/internal/pipeline"
	"dngpipe/internal/storage"
	"dngpipe/internal/tasks"
	"dngpipe/internal/web"
)

// maxOpcodeListBytes bounds POST /opcodes/decode bodies.
const maxOpcodeListBytes = 16 << 20

// Server is the HTTP API over the job pipeline and store.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	hub      *web.Hub
	log      *slog.Logger
	server   *http.Server
}

// NewServer wires the API. hub may be nil, in which case /ws is not served.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, hub *web.Hub, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      hub,
		log:      log,
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/opcodes", s.handleOpcodeCounts).Methods("GET")
	r.HandleFunc("/opcodes/decode", s.handleDecode).Methods("POST")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	if s.hub != nil {
		r.Handle("/ws", s.hub).Methods("GET")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pipeline != nil && !s.pipeline.Running() {
		http.Error(w, "pipeline stopped", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type jobDetail struct {
	storage.JobRecord
	Meta    map[string]any          `json:"meta,omitempty"`
	Repairs []storage.RepairRecord `json:"repairs,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("job %s not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	detail := jobDetail{JobRecord: rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		detail.Meta = meta
	}
	if repairs, err := s.store.RepairsForJob(id); err == nil {
		detail.Repairs = repairs
	}
	writeJSON(w, http.StatusOK, detail)
}

type submitRequest struct {
	Type    pipeline.JobType `json:"type"`
	Input   string           `json:"input"`
	Output  string           `json:"output"`
	Options map[string]any   `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode job: %w", err))
		return
	}
	if !req.Type.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown job type %q", req.Type))
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, errors.New("input is required"))
		return
	}
	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      req.Type,
		InputPath: req.Input,
		Output:    req.Output,
		Options:   req.Options,
	}
	switch err := s.pipeline.Submit(job); {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("job submitted", "job", job.ID, "type", job.Type, "input", job.InputPath)
	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleOpcodeCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.OpcodeCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// handleDecode describes a raw big-endian opcode list posted as the body.
// The stage query parameter defaults to 1.
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	stage := 1
	if v := r.URL.Query().Get("stage"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid stage %q", v))
			return
		}
		stage = n
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxOpcodeListBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(data) > maxOpcodeListBytes {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("opcode list too large"))
		return
	}
	ops, err := tasks.DescribeOpcodeList(r.Context(), stage, data)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stage": stage, "opcodes": ops})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
