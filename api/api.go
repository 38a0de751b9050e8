// Package api exposes the engine's HTTP surface: event ingestion, rule
// reload, health, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"argus/core"
	"argus/detect"
	"argus/ingest"
	"argus/registry"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 8 << 20 // 8 MiB per ingest request

// Server is the engine's HTTP front end.
type Server struct {
	buffer    *ingest.Buffer
	registry  *registry.Registry
	loader    *registry.Loader
	scheduler *detect.Scheduler
	rulesDir  string
	logger    *zap.SugaredLogger
	http      *http.Server
}

// NewServer builds the router and server.
func NewServer(addr string, buf *ingest.Buffer, reg *registry.Registry, loader *registry.Loader, sched *detect.Scheduler, rulesDir string, logger *zap.SugaredLogger) *Server {
	s := &Server{
		buffer:    buf,
		registry:  reg,
		loader:    loader,
		scheduler: sched,
		rulesDir:  rulesDir,
		logger:    logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/events", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/rules/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/rules", s.handleRules).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks.
func (s *Server) Start() error {
	s.logger.Infow("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ingestResult is the per-event accept/reject status for a batch.
type ingestResult struct {
	EventID  string `json:"event_id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// handleIngest accepts one event or a batch, JSON or MessagePack, and
// returns per-event status. Schema and capacity rejections are per event;
// the batch itself always answers 200 unless the payload cannot be decoded.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("reading body: %v", err))
		return
	}

	var events []*core.Event
	switch r.Header.Get("Content-Type") {
	case "application/msgpack", "application/x-msgpack":
		events, err = ingest.DecodeMsgpack(body)
	default:
		events, err = ingest.DecodeJSON(body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results := make([]ingestResult, 0, len(events))
	accepted := 0
	for _, e := range events {
		res := ingestResult{EventID: e.EventID, Accepted: true}
		if err := s.buffer.Ingest(e); err != nil {
			res.Accepted = false
			res.Error = err.Error()
		} else {
			accepted++
		}
		results = append(results, res)
	}

	status := http.StatusOK
	if accepted == 0 && len(events) > 0 {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]interface{}{
		"accepted": accepted,
		"rejected": len(events) - accepted,
		"results":  results,
	})
}

// handleReload re-reads the rule directory and swaps the active set if it
// validates. The response carries the (rule_id, reason) list on rejection.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if errs := s.loader.LoadDirInto(s.registry, s.rulesDir); len(errs) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"activated": false,
			"errors":    errs,
		})
		return
	}
	rs := s.registry.Active()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"activated": true,
		"version":   rs.Version,
		"rules":     len(rs.Rules),
	})
}

// handleRules lists the active rule set.
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rs := s.registry.Active()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":   rs.Version,
		"loaded_at": rs.LoadedAt,
		"rules":     rs.Rules,
	})
}

// handleHealth reports scheduler state per rule and buffer depths.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	depths := make(map[string]int, len(core.SourceTypes))
	for _, st := range core.SourceTypes {
		depths[string(st)] = s.buffer.Depth(st)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"rules":         s.scheduler.Status(),
		"buffer_depths": depths,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
