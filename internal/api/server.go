// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package api serves the router's management HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"github.com/traylinx/kilorouter/internal/api/handlers/management"
	"github.com/traylinx/kilorouter/internal/config"
	"github.com/traylinx/kilorouter/internal/util"
)

// Server is the management HTTP server.
type Server struct {
	cfg     *config.Config
	engine  *gin.Engine
	handler http.Handler
	srv     *http.Server
}

// NewServer builds the routes over backend. The state box may be nil.
func NewServer(cfg *config.Config, backend management.Backend, sb *util.StateBox) *Server {
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	// Client addresses come from the socket only; forwarding headers are
	// handled by managementAuth.
	_ = engine.SetTrustedProxies(nil)

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v0 := engine.Group("/v0", managementAuth(cfg.Server))
	management.NewHandler(backend).Register(v0)
	v0.GET("/state-box/status", StateBoxStatusHandler(sb))

	s := &Server{cfg: cfg, engine: engine, handler: engine}
	if len(cfg.Server.AllowedOrigins) > 0 {
		s.handler = cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Management-Key"},
			AllowCredentials: true,
		}).Handler(engine)
	}
	s.srv = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, including CORS when origins are
// configured.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
}

// Start listens until Stop is called. It returns nil after a clean stop.
func (s *Server) Start() error {
	log.Infof("management API listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", s.srv.Addr, err)
	}
	return nil
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
