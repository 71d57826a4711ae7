package server

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/aargor/openset/internal/errs"
	"github.com/aargor/openset/internal/oloop"
	"github.com/aargor/openset/internal/query"
	"github.com/aargor/openset/internal/table"
)

// Server is the HTTP surface over one engine: ingest, query, segment,
// column, and admin/status channels.
type Server struct {
	engine *Engine
	http   *http.Server

	refreshStop chan struct{}
}

// RefreshSweepInterval is how often the segment refresh sweeper checks
// for stale segments.
const RefreshSweepInterval = 5 * time.Second

// NewServer wires the HTTP routes over an engine.
func NewServer(engine *Engine, addr string) *Server {
	s := &Server{
		engine:      engine,
		refreshStop: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/insert", s.handleInsert)
	mux.HandleFunc("/v1/query", s.handleQuery)
	mux.HandleFunc("/v1/segment", s.handleSegment)
	mux.HandleFunc("/v1/column", s.handleColumn)
	mux.HandleFunc("/v1/histogram", s.handleHistogram)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

// Start runs the engine, the refresh sweeper, and the HTTP listener. It
// blocks until the listener stops.
func (s *Server) Start() error {
	s.engine.Start()
	go s.refreshLoop()
	log.WithField("addr", s.http.Addr).Info("openset listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server and stops the engine.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.refreshStop)
	err := s.http.Shutdown(ctx)
	s.engine.Stop()
	return err
}

// refreshLoop periodically re-runs registered segments whose refresh
// interval lapsed.
func (s *Server) refreshLoop() {
	ticker := time.NewTicker(RefreshSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.refreshStop:
			return
		case <-ticker.C:
			s.engine.RefreshSegments()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	kind := errs.KindOf(err)
	switch kind {
	case errs.PartitionMigrated, errs.NodeUnreachable:
		status = http.StatusServiceUnavailable
	case errs.Timeout:
		status = http.StatusGatewayTimeout
	case errs.QueryRuntime, errs.BadRecord:
		status = http.StatusInternalServerError
	}
	retryable := false
	if e, ok := err.(*errs.Error); ok {
		retryable = e.Retryable()
	}
	writeJSON(w, status, map[string]any{
		"error":     err.Error(),
		"kind":      string(kind),
		"retryable": retryable,
	})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, errs.New(errs.BadInsert, "read body: %s", err.Error()))
		return
	}
	inserted, skipped, ierr := s.engine.Insert(payload)
	if ierr != nil {
		writeError(w, ierr)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"inserted": inserted,
		"skipped":  skipped,
	})
}

// queryRequest is the common query/segment wire shape.
type queryRequest struct {
	Query     string         `json:"query"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.runQuery(w, r, s.engine.Query)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	s.runQuery(w, r, s.engine.SegmentQuery)
}

func (s *Server) runQuery(w http.ResponseWriter, r *http.Request,
	run func(string, query.Params, time.Duration) (map[string]any, error)) {

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.QueryCompile, "bad request body: %s", err.Error()))
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	res, err := run(req.Query, query.Params(req.Params), timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

// columnRequest is the /v1/column wire shape.
type columnRequest struct {
	Column    string   `json:"column"`
	Mode      string   `json:"mode,omitempty"`
	Segments  []string `json:"segments,omitempty"`
	Bucket    float64  `json:"bucket,omitempty"`
	Low       float64  `json:"low,omitempty"`
	High      float64  `json:"high,omitempty"`
	Text      string   `json:"text,omitempty"`
	Rx        string   `json:"rx,omitempty"`
	TimeoutMS int64    `json:"timeout_ms,omitempty"`
}

func (s *Server) handleColumn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req columnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.QueryCompile, "bad request body: %s", err.Error()))
		return
	}
	mode, ok := oloop.ParseColumnMode(req.Mode)
	if !ok {
		writeError(w, errs.New(errs.QueryCompile, "unknown column mode %q", req.Mode))
		return
	}
	cfg := oloop.ColumnConfig{
		Column:     req.Column,
		Mode:       mode,
		Segments:   req.Segments,
		Bucket:     int64(req.Bucket * 10000),
		FilterLow:  int64(req.Low * 10000),
		FilterHigh: int64(req.High * 10000),
		FilterText: req.Text,
	}
	// only double columns store fixed-point values
	if col, found := s.engine.Table.GetColumn(req.Column); found && col.Type != table.TypeDouble {
		cfg.FilterLow = int64(req.Low)
		cfg.FilterHigh = int64(req.High)
		cfg.Bucket = int64(req.Bucket)
	}
	if req.Rx != "" {
		rx, err := regexp.Compile(req.Rx)
		if err != nil {
			writeError(w, errs.New(errs.QueryCompile, "bad rx: %s", err.Error()))
			return
		}
		cfg.Rx = rx
	}
	res, err := s.engine.ColumnQuery(cfg, time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

// histogramRequest is the /v1/histogram wire shape.
type histogramRequest struct {
	Query     string         `json:"query"`
	Group     string         `json:"group"`
	Bucket    float64        `json:"bucket"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMS int64          `json:"timeout_ms,omitempty"`
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req histogramRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.QueryCompile, "bad request body: %s", err.Error()))
		return
	}
	res, err := s.engine.HistogramQuery(req.Query, req.Group, req.Bucket,
		query.Params(req.Params), time.Duration(req.TimeoutMS)*time.Millisecond)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.NodeStatus())
}
