package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/example/ccom-scheduler/internal/db"
	"github.com/example/ccom-scheduler/internal/engine"
	"github.com/example/ccom-scheduler/internal/store"
)

// RunSource exposes the most recent execute run.
type RunSource interface {
	LastRun() (engine.RunSummary, bool)
}

// Directory is the slice of the store the ops surface reads.
type Directory interface {
	ListRooms(ctx context.Context) ([]store.Room, error)
	UserByUsername(ctx context.Context, username string) (store.User, error)
	ListHistoryByUser(ctx context.Context, userID int64, limit int) ([]store.HistoryRecord, error)
}

// Server is the read-only operator surface. It never mutates anything; all
// writes go through the CLI and the scheduler.
type Server struct {
	Runs   RunSource
	Store  Directory
	Logger *slog.Logger
}

func (s *Server) Routes() http.Handler {
	r := httprouter.New()

	r.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.GET("/api/runs/latest", s.handleLatestRun)
	r.GET("/api/runs/latest/errors", s.handleLatestRunErrors)
	r.GET("/api/rooms", s.handleRooms)
	r.GET("/api/users/:username/history", s.handleUserHistory)

	return cors.Default().Handler(r)
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sum, ok := s.Runs.LastRun()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no run has completed yet")
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

// handleLatestRunErrors serves just the error notes of the latest run, so an
// operator can page through them without the rest of the summary.
func (s *Server) handleLatestRunErrors(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	sum, ok := s.Runs.LastRun()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no run has completed yet")
		return
	}
	errs := sum.Errors
	if errs == nil {
		errs = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id": sum.RunID,
		"errors": errs,
	})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rooms, err := s.Store.ListRooms(r.Context())
	if err != nil {
		s.logger().Error("list rooms failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if rooms == nil {
		rooms = []store.Room{}
	}
	s.writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	user, err := s.Store.UserByUsername(r.Context(), ps.ByName("username"))
	if err != nil {
		if db.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "unknown user")
			return
		}
		s.logger().Error("user lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}

	recs, err := s.Store.ListHistoryByUser(r.Context(), user.ID, limit)
	if err != nil {
		s.logger().Error("history query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if recs == nil {
		recs = []store.HistoryRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger().Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Start serves h on addr until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv.ListenAndServe()
}
