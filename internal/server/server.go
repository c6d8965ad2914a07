// Package server exposes submission and polling over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/asyncchat/asyncx"
	"github.com/mohans/asyncchat/convlog"
	"github.com/mohans/asyncchat/internal/metrics"
	"github.com/mohans/asyncchat/notes"
	"github.com/mohans/asyncchat/worker"
)

// Submitter admits tasks. *asyncx.Client satisfies it.
type Submitter interface {
	Submit(ctx context.Context, kind asyncx.Kind, payload any) (string, error)
}

// History supplies today's turns when a request carries no history.
type History interface {
	Turns(ctx context.Context) ([]convlog.Turn, error)
}

// NotesSearcher is the read side of the notes store.
type NotesSearcher interface {
	Search(ctx context.Context, q notes.Query) ([]notes.Entry, error)
}

// Deps are the services behind the handlers. Notes, Metrics and Inspector
// are optional.
type Deps struct {
	Submitter    Submitter
	Store        asyncx.Store
	History      History
	Notes        NotesSearcher
	Metrics      *metrics.Collector
	Inspector    *asynq.Inspector
	SyncTimeout  time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.SyncTimeout <= 0 {
		deps.SyncTimeout = 90 * time.Second
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = 200 * time.Millisecond
	}
	s := &Server{deps: deps, logger: deps.Logger, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /ask", s.handleAskSync)
	s.mux.HandleFunc("POST /ask/async", s.handleSubmit(asyncx.KindChat))
	s.mux.HandleFunc("POST /ask/stream", s.handleSubmit(asyncx.KindChatStream))
	s.mux.HandleFunc("GET /task/{id}", s.handleTask)
	s.mux.HandleFunc("POST /consolidate", s.handleConsolidate)
	s.mux.HandleFunc("GET /notes", s.handleNotes)
	s.mux.HandleFunc("GET /stats", s.handleStats)
}

// Handler returns the routed handler wrapped in middleware.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.logger, s.mux)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type askRequest struct {
	Message string         `json:"message"`
	History []convlog.Turn `json:"history"`
}

type taskResponse struct {
	TaskID string           `json:"task_id"`
	State  string           `json:"state,omitempty"`
	Result *asyncx.Snapshot `json:"result,omitempty"`
	Answer string           `json:"answer,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (s *Server) payload(r *http.Request) (worker.ChatPayload, error) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return worker.ChatPayload{}, errors.New("invalid JSON body")
	}
	if strings.TrimSpace(req.Message) == "" {
		return worker.ChatPayload{}, errors.New("message is required")
	}
	history := req.History
	if history == nil && s.deps.History != nil {
		turns, err := s.deps.History.Turns(r.Context())
		if err != nil {
			s.logger.Warn("failed to load conversation history", "error", err)
		}
		history = turns
	}
	if history == nil {
		history = []convlog.Turn{}
	}
	return worker.ChatPayload{Message: req.Message, History: history}, nil
}

func (s *Server) handleSubmit(kind asyncx.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.payload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		id, err := s.deps.Submitter.Submit(r.Context(), kind, p)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, taskResponse{TaskID: id, State: string(asyncx.StatePending)})
	}
}

func (s *Server) handleAskSync(w http.ResponseWriter, r *http.Request) {
	p, err := s.payload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := s.deps.Submitter.Submit(r.Context(), asyncx.KindChat, p)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.SyncTimeout)
	defer cancel()
	rec, err := asyncx.Await(ctx, s.deps.Store, id, s.deps.PollInterval, nil)
	switch {
	case err != nil && rec != nil:
		writeJSON(w, http.StatusGatewayTimeout, taskResponse{TaskID: id, State: string(rec.State), Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, taskResponse{TaskID: id, State: string(asyncx.StatePending), Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, taskResponse{TaskID: id, Error: err.Error()})
	case rec.State == asyncx.StateFailure:
		writeJSON(w, http.StatusBadGateway, taskResponse{TaskID: id, State: string(rec.State), Error: rec.Snapshot.Error})
	default:
		writeJSON(w, http.StatusOK, taskResponse{TaskID: id, State: string(rec.State), Answer: rec.Snapshot.Answer})
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.deps.Store.Get(r.Context(), id)
	if errors.Is(err, asyncx.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, taskResponse{TaskID: id, State: "NOT_FOUND"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := taskResponse{TaskID: rec.ID, State: string(rec.State), Result: &rec.Snapshot}
	if rec.State == asyncx.StateFailure {
		resp.Error = rec.Snapshot.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	id, err := s.deps.Submitter.Submit(r.Context(), asyncx.KindConsolidate, nil)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: id, State: string(asyncx.StatePending)})
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notes == nil {
		writeError(w, http.StatusNotImplemented, "notes store not configured")
		return
	}
	q := r.URL.Query()
	query := notes.Query{
		Keyword: q.Get("keyword"),
		Type:    notes.Type(q.Get("type")),
		Tags:    q["tag"],
		Date:    q.Get("date"),
	}
	if query.Type != "" && !query.Type.Valid() {
		writeError(w, http.StatusBadRequest, "unknown note type")
		return
	}
	entries, err := s.deps.Notes.Search(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []notes.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type laneStats struct {
	Size      int `json:"size"`
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	if s.deps.Metrics != nil {
		out["metrics"] = s.deps.Metrics.Snapshot()
	}
	if s.deps.Inspector != nil {
		lanes := map[string]laneStats{}
		for _, lane := range []string{asyncx.LaneChat, asyncx.LaneBackground} {
			info, err := s.deps.Inspector.GetQueueInfo(lane)
			if err != nil {
				// Queues are created lazily on first enqueue.
				lanes[lane] = laneStats{}
				continue
			}
			lanes[lane] = laneStats{
				Size:      info.Size,
				Pending:   info.Pending,
				Active:    info.Active,
				Processed: info.Processed,
				Failed:    info.Failed,
			}
		}
		out["lanes"] = lanes
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
