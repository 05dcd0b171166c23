// Package api exposes the worker's admin/health HTTP surface: liveness,
// Prometheus scrape, and a per-zone status snapshot. Grounded on the
// teacher's internal/api/server.go gorilla/mux Server, trimmed down to the
// read-only surface an outbound delivery worker needs (no dashboard, no
// auth, no queue-browsing — this worker owns no persistent queue).
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/busybox42/elemta-outbound/internal/delivery"
	"github.com/busybox42/elemta-outbound/internal/timers"
)

// CircuitStates reports the current gobreaker state of every exchange:ip
// pair a Dialer has opened a breaker for. internal/dialer.Dialer satisfies
// this.
type CircuitStates interface {
	States() map[string]string
}

// Server is the worker's admin HTTP surface.
type Server struct {
	httpServer *http.Server
	zones      []*delivery.Zone
	circuits   CircuitStates
	timers     *timers.Registry
	drain      func()
	logger     *slog.Logger
}

// Config configures the admin server's listen address.
type Config struct {
	Listen string
}

// NewServer builds a Server over the given Zones, whose Released/Deferred/
// Bounced/DialAttempts counters and the dialer's circuit-breaker states are
// surfaced on GET /zones, alongside stageTimers' per-stage rate snapshots.
// drain is invoked on every POST /drain — typically the process's
// shutdown context.CancelFunc, so every worker's Run loop exits after its
// current in-flight delivery. A nil drain makes /drain a no-op 503. A nil
// stageTimers omits the "stages" field from GET /zones.
func NewServer(cfg Config, zones []*delivery.Zone, circuits CircuitStates, drain func(), stageTimers *timers.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{zones: zones, circuits: circuits, timers: stageTimers, drain: drain, logger: logger.With("component", "api")}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/zones", s.handleZones).Methods("GET")
	r.HandleFunc("/drain", s.handleDrain).Methods("POST")

	listen := cfg.Listen
	if listen == "" {
		listen = ":8080"
	}
	s.httpServer = &http.Server{
		Addr:         listen,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Start runs the admin server in a background goroutine, matching the
// teacher's Server.Start fire-and-log idiom.
func (s *Server) Start() {
	go func() {
		s.logger.Info("starting admin server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server exited", "err", err)
		}
	}()
}

// Stop gracefully shuts the admin server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.drain == nil {
		http.Error(w, "drain not supported", http.StatusServiceUnavailable)
		return
	}
	s.logger.Info("drain requested")
	s.drain()
	writeJSON(w, map[string]string{"status": "draining"})
}

// ZoneStatus is one Zone's admin-visible state.
type ZoneStatus struct {
	Name            string `json:"name"`
	Workers         int    `json:"workers"`
	DisableStarttls bool   `json:"disable_starttls"`
	DialAttempts    int64  `json:"dial_attempts"`
	Released        int64  `json:"released"`
	Deferred        int64  `json:"deferred"`
	Bounced         int64  `json:"bounced"`
}

// StageSnapshot is one named delivery stage's rotating-window rate
// snapshot, per internal/timers.Registry.
type StageSnapshot struct {
	Name          string        `json:"name"`
	Mean          time.Duration `json:"mean_ns"`
	WindowMean    time.Duration `json:"window_mean_ns"`
	ObservedTotal int64         `json:"observed_total"`
}

// ZonesResponse is the body of GET /zones: per-zone counters, the
// dialer's exchange:ip circuit-breaker states (which span every zone
// since exchanges are not zone-scoped), per-stage rate snapshots, and
// the lifetime count of STARTTLS-to-plaintext downgrades across every
// zone (TLS negotiation is exchange-scoped, not zone-scoped).
type ZonesResponse struct {
	Zones         []ZoneStatus      `json:"zones"`
	Circuits      map[string]string `json:"circuits,omitempty"`
	Stages        []StageSnapshot   `json:"stages,omitempty"`
	TLSDowngrades int64             `json:"tls_downgrades"`
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request) {
	statuses := make([]ZoneStatus, 0, len(s.zones))
	for _, z := range s.zones {
		workers := len(z.Addresses)
		if workers == 0 {
			workers = z.Workers
		}
		if workers == 0 {
			workers = 1
		}
		statuses = append(statuses, ZoneStatus{
			Name:            z.Name,
			Workers:         workers,
			DisableStarttls: z.DisableStarttls.Load(),
			DialAttempts:    z.DialAttempts.Load(),
			Released:        z.Released.Load(),
			Deferred:        z.Deferred.Load(),
			Bounced:         z.Bounced.Load(),
		})
	}
	var circuits map[string]string
	if s.circuits != nil {
		circuits = s.circuits.States()
	}
	var tlsDowngrades int64
	if s.timers != nil {
		tlsDowngrades = s.timers.TLSDowngrades()
	}
	writeJSON(w, ZonesResponse{Zones: statuses, Circuits: circuits, Stages: s.stageSnapshots(), TLSDowngrades: tlsDowngrades})
}

func (s *Server) stageSnapshots() []StageSnapshot {
	if s.timers == nil {
		return nil
	}
	names := s.timers.Names()
	sort.Strings(names)
	stages := make([]StageSnapshot, 0, len(names))
	for _, name := range names {
		snap := s.timers.Snapshot(name)
		stages = append(stages, StageSnapshot{
			Name:          name,
			Mean:          snap.Mean(),
			WindowMean:    snap.WindowMean(),
			ObservedTotal: snap.TotalCount,
		})
	}
	return stages
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
