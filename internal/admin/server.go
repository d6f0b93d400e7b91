// Package admin serves the operator HTTP surface of a tablet node: tablet
// listings, version timelines, manual compaction triggers and Prometheus
// metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aalhour/tabletkv/internal/compaction"
	"github.com/aalhour/tabletkv/internal/logging"
	"github.com/aalhour/tabletkv/internal/tablet"
	"github.com/aalhour/tabletkv/internal/version"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
)

// Tablet is what the admin surface needs from a registered tablet.
type Tablet interface {
	compaction.Candidate
	Info() tablet.Info
	Snapshot() version.Snapshot
}

var _ Tablet = (*tablet.Tablet)(nil)

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. "127.0.0.1:8040" or ":0".
	Addr    string
	Manager *compaction.Manager

	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	Logger   logging.Logger
}

// Server is the admin HTTP server.
type Server struct {
	opts   Options
	logger logging.Logger

	mu         sync.Mutex
	httpServer *http.Server
	addr       net.Addr
}

// NewServer creates a stopped server.
func NewServer(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{opts: opts, logger: logging.OrDefault(opts.Logger)}
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}

// Start binds the listener and serves in the background. A serve error
// after a successful bind is reported through the logger's Fatalf.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("admin: already started")
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.opts.Addr, err)
	}
	s.addr = ln.Addr()
	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}
	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatalf("%sserve: %v", logging.NSAdmin, err)
		}
	}()
	s.logger.Infof("%slistening on %s", logging.NSAdmin, s.addr)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts the server down, waiting up to five seconds for open requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin: shutdown: %w", err)
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/tablets", s.handleTablets)
	r.Get("/tablets/{id}", s.handleTablet)
	r.Get("/tablets/{id}/versions", s.handleVersions)
	r.Post("/compaction/trigger", s.handleTrigger)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warnf("%sencode response: %v", logging.NSAdmin, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newStatsResponse(s.opts.Manager))
}

func (s *Server) handleTablets(w http.ResponseWriter, r *http.Request) {
	infos := []tablet.Info{}
	for _, c := range s.opts.Manager.Tablets() {
		if t, ok := c.(Tablet); ok {
			infos = append(infos, t.Info())
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleTablet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, t.Info())
}

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	snap := t.Snapshot()
	resp := VersionsResponse{
		TabletID:        t.ID(),
		CumulativePoint: snap.CumulativePoint,
		Rowsets:         make([]RowsetInfo, 0, len(snap.Rowsets)),
	}
	for _, d := range snap.Rowsets {
		resp.Rowsets = append(resp.Rowsets, newRowsetInfo(d))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleTrigger requests a scheduling pass. With wait=true the pass runs
// inline and the reply is sent once every admitted task has finished.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	m := s.opts.Manager
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		m.Trigger()
		s.writeJSON(w, http.StatusAccepted, newStatsResponse(m))
		return
	}
	admitted := m.ScheduleOnce()
	m.WaitIdle()
	s.logger.Infof("%smanual compaction pass admitted %d tasks", logging.NSAdmin, admitted)
	resp := newStatsResponse(m)
	resp.Admitted = &admitted
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Tablet, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("invalid tablet id"))
		return nil, false
	}
	c, ok := s.opts.Manager.Tablet(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(fmt.Sprintf("tablet %d not found", id)))
		return nil, false
	}
	t, ok := c.(Tablet)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(fmt.Sprintf("tablet %d has no admin view", id)))
		return nil, false
	}
	return t, true
}
