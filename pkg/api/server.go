// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2025-present Datadog, Inc.

// Package api exposes the watcher's companion HTTP surface: liveness,
// metrics and a small authenticated admin API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ztf-alerts/alertwatcher/pkg/config"
	"github.com/ztf-alerts/alertwatcher/pkg/util/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusReporter is the supervisor's status surface.
type StatusReporter interface {
	Topics() []string
}

// FilterReloader forces filter templates to be reloaded on the next
// alert. Workers implement it through their evaluator.
type FilterReloader interface {
	ReloadFilters(ctx context.Context) error
}

// Server is the companion HTTP server.
type Server struct {
	addr          string
	jwtSecret     string
	jwtAlgorithm  string
	adminUsername string

	status   StatusReporter
	reloader FilterReloader
	srv      *http.Server
}

// New builds the server. reloader may be nil when no worker pool is
// attached yet; the reload endpoint then reports a conflict.
func New(cfg config.API, status StatusReporter, reloader FilterReloader) *Server {
	s := &Server{
		addr:          cfg.Addr,
		jwtSecret:     cfg.JWTSecret,
		jwtAlgorithm:  cfg.JWTAlgorithm,
		adminUsername: cfg.AdminUsername,
		status:        status,
		reloader:      reloader,
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	authed := r.PathPrefix("/api").Subrouter()
	authed.Use(s.Auth)
	authed.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	admin := authed.PathPrefix("/filters").Subrouter()
	admin.Use(s.AdminOnly)
	admin.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves in a background goroutine until Stop.
func (s *Server) Start() {
	go func() {
		log.Infof("api: listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("api: server stopped: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	topics := []string{}
	if s.status != nil {
		topics = s.status.Topics()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"data": map[string]interface{}{
			"topics_on_watch": topics,
		},
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		writeError(w, http.StatusConflict, "no workers attached")
		return
	}
	if err := s.reloader.ReloadFilters(r.Context()); err != nil {
		log.Errorf("api: filter reload failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	payload, err := json.Marshal(body)
	if err != nil {
		log.Errorf("api: unable to encode response: %v", err)
		return
	}
	w.Write(payload) //nolint:errcheck
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"status": "error", "message": message})
}
