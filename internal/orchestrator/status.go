package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/crypdick/pynchy/internal/queue"
	"github.com/crypdick/pynchy/internal/store"
)

// statusServer is the minimal read-only HTTP status endpoint spec.md
// §4.10 step 11 allows (the gateway/protocol server itself is out of
// scope; this is the thin view over state the spec leaves in bounds).
type statusServer struct {
	log   *slog.Logger
	store store.Store
	queue *queue.Queue
	srv   *http.Server
}

func newStatusServer(log *slog.Logger, st store.Store, q *queue.Queue) *statusServer {
	return &statusServer{log: log, store: st, queue: q}
}

type statusResponse struct {
	Workspaces []statusWorkspace `json:"workspaces"`
}

type statusWorkspace struct {
	JID      string `json:"jid"`
	Folder   string `json:"folder"`
	IsAdmin  bool   `json:"is_admin"`
	Active   bool   `json:"active"`
}

func (s *statusServer) handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	all, err := s.store.ListWorkspaces(ctx)
	if err != nil {
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	resp := statusResponse{}
	for _, ws := range all {
		resp.Workspaces = append(resp.Workspaces, statusWorkspace{
			JID: ws.JID, Folder: ws.Folder, IsAdmin: ws.IsAdmin, Active: s.queue.IsActive(ws.JID),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Start binds the status endpoint on PYNCHY_STATUS_ADDR (default
// 127.0.0.1:8787), logging but not failing startup if the port is taken.
func (s *statusServer) Start() error {
	addr := os.Getenv("PYNCHY_STATUS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8787"
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handle)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("status server exited", "error", err)
		}
	}()
	return nil
}

// Stop gives the status server a brief window to drain (§5: "HTTP server
// is given a brief window (~300 ms) to drain SSE subscribers" — no SSE
// here, but the same grace period applies).
func (s *statusServer) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Debug("status server shutdown", "error", err)
	}
}
