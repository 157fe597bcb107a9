// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Server glues the dispatcher together: it exposes the REST ingress for
// conversation submissions, the websocket endpoint reviewers attach to and
// the health and metrics endpoints, and it drives the periodic sweep that
// reclaims expired reviews and dead sessions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codepr/reviewd/config"
	"github.com/codepr/reviewd/controller"
	"github.com/codepr/reviewd/model"
	"github.com/codepr/reviewd/socket"
	"github.com/codepr/reviewd/store"
)

const shutdownGrace = 30 * time.Second

// Server is the dispatcher process: one HTTP listener, one socket hub, one
// candidate for the sweep leadership.
type Server struct {
	cfg    *config.Config
	server *http.Server
	kv     *store.Client
	lock   *store.Lock
	hub    *socket.Hub
	conn   *controller.ConnectionController
	conv   *controller.ConversationController
	log    *zap.Logger
}

func New(cfg *config.Config, kv *store.Client, lock *store.Lock, hub *socket.Hub,
	connCtrl *controller.ConnectionController, convCtrl *controller.ConversationController,
	logger *zap.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		kv:   kv,
		lock: lock,
		hub:  hub,
		conn: connCtrl,
		conv: convCtrl,
		log:  logger,
	}
	s.registerSocketEvents()
	// No global write timeout, reviewer sockets stay open for hours.
	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router(),
		ErrorLog:          zap.NewStdLog(logger),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", model.HeaderScoringKey},
		MaxAge:         300,
	}))
	r.Get("/healthz", s.handleHealth())
	r.Handle("/metrics", promhttp.Handler())
	r.With(requireScoringKey(s.cfg.ScoringKey)).Post("/api/score", s.handleSubmission())
	r.Get("/ws", s.hub.ServeHTTP)
	return r
}

// Handler exposes the routed stack, the integration tests mount it on a
// throwaway listener.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// registerSocketEvents binds the reviewer-facing socket protocol to the
// controllers. A fresh connection joins the pool and immediately tries to
// pull work off the queue.
func (s *Server) registerSocketEvents() {
	s.hub.OnConnect(func(ctx context.Context, sid string) {
		if err := s.conn.Connect(ctx, sid); err != nil {
			s.log.Error("session registration failed", zap.String("sid", sid), zap.Error(err))
			return
		}
		if err := s.conv.Pick(ctx); err != nil {
			s.log.Error("assignment on connect failed", zap.String("sid", sid), zap.Error(err))
		}
	})
	s.hub.OnDisconnect(func(ctx context.Context, sid string) {
		// State cleanup is the sweeper's job, a vanished session keeps its
		// review until the heartbeat lapses.
		s.log.Debug("session closed", zap.String("sid", sid))
	})
	s.hub.OnEvent(model.EventPing, func(ctx context.Context, sid string, data json.RawMessage) error {
		return s.conn.Heartbeat(ctx, sid)
	})
	s.hub.OnEvent(model.EventActivitySignal, func(ctx context.Context, sid string, data json.RawMessage) error {
		return s.conn.ActivitySignal(ctx, sid)
	})
	s.hub.OnEvent(model.EventScoreConversation, func(ctx context.Context, sid string, data json.RawMessage) error {
		var verdict model.ScoreRequest
		if err := json.Unmarshal(data, &verdict); err != nil {
			return fmt.Errorf("malformed verdict: %w", err)
		}
		if err := validate.Struct(verdict); err != nil {
			return fmt.Errorf("invalid verdict: %w", err)
		}
		return s.conv.Score(ctx, sid, verdict)
	})
	s.hub.OnError(func(sid string, err error) {
		s.log.Warn("socket event failed", zap.String("sid", sid), zap.Error(err))
		s.hub.Emit(context.Background(), sid, model.EventServerError,
			model.ServerError{ErrorMsg: err.Error()})
	})
}

// Run starts the event relay, the sweep loop and the HTTP listener, then
// blocks until SIGINT or SIGTERM triggers a graceful drain.
func (s *Server) Run() error {
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := s.hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("event relay stopped", zap.Error(err))
		}
	}()
	s.lock.Start(ctx, runtime.GOMAXPROCS(0))
	tick := NewTick(s.lock, s.conn, s.conv, s.cfg.TickInterval.Std(), s.log)
	go tick.Run(ctx)

	go func() {
		<-quit
		s.log.Info("shutdown requested")
		cancel()
		s.lock.Stop()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutCancel()
		s.server.SetKeepAlivesEnabled(false)
		if err := s.server.Shutdown(shutCtx); err != nil {
			s.log.Error("forced shutdown", zap.Error(err))
		}
		close(done)
	}()

	s.log.Info("listening", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	<-done
	return nil
}

// requestLogger logs one line per request once the handler returns.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("remote", r.RemoteAddr))
		})
	}
}
