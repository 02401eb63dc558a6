package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"TileServer/internal/platform/server/handler/health"
	"TileServer/internal/platform/server/handler/status"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// Server is the HTTP admin surface next to the binary query port.
type Server struct {
	httpAddr string
	engine   *chi.Mux
	http     *http.Server
	log      *logrus.Logger
	status   *status.StatusHandler
}

func NewServer(host string, port int, statusHandler *status.StatusHandler, log *logrus.Logger) *Server {
	url := fmt.Sprintf("%s:%d", host, port)
	srv := &Server{
		engine:   chi.NewRouter(),
		httpAddr: url,
		log:      log,
		status:   statusHandler,
	}
	srv.engine.Use(middleware.RequestID)
	srv.engine.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: log, NoColor: true}))
	srv.engine.Use(middleware.Recoverer)
	srv.registerRoutes()
	srv.http = &http.Server{Addr: url, Handler: srv.engine, ReadHeaderTimeout: 5 * time.Second}
	return srv
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.log.WithField("address", s.httpAddr).Info("admin server running")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.engine.Get("/health", health.CheckHandler)
	s.engine.Get("/status", s.status.GetStatus)
	s.engine.Post("/stop", s.status.Stop)
}
