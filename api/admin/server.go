// Package admin exposes the operational controls of the shards over HTTP
// and the standard gRPC health service.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/sushant-115/hybridkv/core/shard"
)

// ServiceName is the health service name of a shard.
func ServiceName(tag string) string { return "hybridkv.shard." + tag }

// Server serves the admin surface of a set of shards.
type Server struct {
	shards  map[string]*shard.Shard
	order   []string
	health  *health.Server
	metrics http.Handler
	logger  *zap.Logger
}

// New builds the admin surface. metrics may be nil.
func New(shards []*shard.Shard, metrics http.Handler, logger *zap.Logger) *Server {
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	s := &Server{
		shards:  make(map[string]*shard.Shard, len(shards)),
		health:  health.NewServer(),
		metrics: metrics,
		logger:  logger.Named("admin"),
	}
	for _, sh := range shards {
		s.shards[sh.Tag()] = sh
		s.order = append(s.order, sh.Tag())
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.SyncHealth(context.Background())
	return s
}

// RegisterGRPC installs the health and reflection services on g.
func (s *Server) RegisterGRPC(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
	reflection.Register(g)
}

// Health is the gRPC health implementation, exposed for in-process checks.
func (s *Server) Health() *health.Server { return s.health }

// SyncHealth marks every shard SERVING, or NOT_SERVING while its
// checkpointing is blocked or it cannot be reached.
func (s *Server) SyncHealth(ctx context.Context) {
	for _, tag := range s.order {
		s.syncShard(ctx, s.shards[tag])
	}
}

func (s *Server) syncShard(ctx context.Context, sh *shard.Shard) {
	status := healthpb.HealthCheckResponse_SERVING
	blocked, err := sh.IsBlocked(ctx)
	if err != nil || blocked {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName(sh.Tag()), status)
}

// Shutdown flips every service to NOT_SERVING.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "shards": s.order})
	})
	r.Handle("/metrics", s.metrics)

	r.Route("/admin/shards/{tag}", func(r chi.Router) {
		r.Post("/checkpoint", s.handleCheckpoint)
		r.Post("/hangup", s.control(func(ctx context.Context, sh *shard.Shard) error { return sh.Hangup(ctx) }))
		r.Post("/resume", s.control(func(ctx context.Context, sh *shard.Shard) error { return sh.Resume(ctx) }))
		r.Post("/block", s.control(func(ctx context.Context, sh *shard.Shard) error { return sh.Block(ctx) }))
		r.Post("/unblock", s.control(func(ctx context.Context, sh *shard.Shard) error { return sh.Unblock(ctx) }))
		r.Post("/giveup", s.handleGiveUp)
		r.Get("/stats", s.handleStats)
		r.Get("/snapshot", s.handleSnapshot)
	})
	return r
}

func (s *Server) shard(w http.ResponseWriter, r *http.Request) (*shard.Shard, bool) {
	tag := chi.URLParam(r, "tag")
	sh, ok := s.shards[tag]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown shard %q", tag))
	}
	return sh, ok
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	sh, ok := s.shard(w, r)
	if !ok {
		return
	}
	rotate := true
	if v := r.URL.Query().Get("rotate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad rotate parameter: %w", err))
			return
		}
		rotate = b
	}
	status, err := sh.StartCheckpoint(r.Context(), rotate)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("Checkpoint requested", zap.String("shard", sh.Tag()), zap.Bool("rotate", rotate), zap.Stringer("status", status))
	writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

// control wraps the flag-style operations; block and unblock also move the
// gRPC health status of the shard.
func (s *Server) control(fn func(ctx context.Context, sh *shard.Shard) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sh, ok := s.shard(w, r)
		if !ok {
			return
		}
		if err := fn(r.Context(), sh); err != nil {
			s.fail(w, err)
			return
		}
		s.syncShard(r.Context(), sh)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleGiveUp(w http.ResponseWriter, r *http.Request) {
	sh, ok := s.shard(w, r)
	if !ok {
		return
	}
	gaveUp, err := sh.GiveUpDrain(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"gave_up": gaveUp})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sh, ok := s.shard(w, r)
	if !ok {
		return
	}
	st, err := sh.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	sh, ok := s.shard(w, r)
	if !ok {
		return
	}
	var rate int64
	if v := r.URL.Query().Get("rate"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("bad rate parameter %q", v))
			return
		}
		rate = n
	}
	out := &lazyWriter{w: w, tag: sh.Tag()}
	n, err := sh.Snapshot(r.Context(), out, rate)
	if err != nil {
		if out.started {
			s.logger.Error("Snapshot stream broken", zap.String("shard", sh.Tag()), zap.Int64("bytes", n), zap.Error(err))
			return
		}
		s.fail(w, err)
		return
	}
	s.logger.Info("Snapshot served", zap.String("shard", sh.Tag()), zap.Int64("bytes", n), zap.Int64("rate", rate))
}

// lazyWriter sends the download headers with the first byte, so that an
// error before it can still be reported as JSON.
type lazyWriter struct {
	w       http.ResponseWriter
	tag     string
	started bool
}

func (l *lazyWriter) Write(p []byte) (int, error) {
	if !l.started {
		l.started = true
		l.w.Header().Set("Content-Type", "application/octet-stream")
		l.w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="shard-%s.db"`, l.tag))
		l.w.WriteHeader(http.StatusOK)
	}
	return l.w.Write(p)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, shard.ErrNotBlocked):
		status = http.StatusConflict
	case errors.Is(err, shard.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("Admin request failed", zap.Error(err))
	}
	writeError(w, status, err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
