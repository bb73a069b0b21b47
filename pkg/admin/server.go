// Package admin serves the operational surface of the proxy: stats,
// health and a liveness test endpoint. It never touches the data plane
// beyond the stats snapshot function handed to it.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.uber.org/zap"

	"go.relayd.io/proxy/pkg/models"
	"go.relayd.io/proxy/utils"
)

// StatsFunc snapshots the data-plane counters.
type StatsFunc func() models.Stats

// Server is the admin HTTP server.
type Server struct {
	logger *zap.Logger
	port   uint32
	stats  StatsFunc
}

// New creates the server; Start binds it.
func New(logger *zap.Logger, port uint32, stats StatsFunc) *Server {
	return &Server{
		logger: logger.Named("admin"),
		port:   port,
		stats:  stats,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/ping", s.handlePing)
	r.Get("/stats", s.handleStats)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer utils.Recover(s.logger)
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("admin server listening", zap.Uint32("port", s.port))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			utils.LogError(s.logger, err, "failed to shut down admin server")
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		utils.LogError(s.logger, err, "admin server failed")
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.stats())
}
