// Package api exposes the agent's local control surface over HTTP.
// The provisioning console and operators use it to inspect the analyzed
// machine, start and cancel runs and follow run events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/metabinary-ltd/reforge/internal/config"
	"github.com/metabinary-ltd/reforge/internal/orchestrator"
	"github.com/metabinary-ltd/reforge/internal/storage"
)

type Server struct {
	cfg       config.APIConfig
	logger    *slog.Logger
	srv       *http.Server
	orch      *orchestrator.Orchestrator
	store     *storage.Store
	mux       *http.ServeMux
	started   bool
	authToken string
}

func NewServer(cfg config.APIConfig, orch *orchestrator.Orchestrator, store *storage.Store, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		orch:      orch,
		store:     store,
		mux:       mux,
		authToken: strings.TrimSpace(cfg.AuthToken),
	}
	s.registerRoutes()
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler: s.mux,
		BaseContext: func(l net.Listener) context.Context {
			return context.Background()
		},
	}
	return s
}

func (s *Server) Start() error {
	s.logger.Info("starting api server", "addr", s.srv.Addr)
	s.started = true
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if !s.started {
		return nil
	}
	s.logger.Info("stopping api server")
	return s.srv.Shutdown(ctx)
}
