// Package metrics exposes Prometheus gauges for pool and graph counters
// over a small HTTP server, using the registry-plus-promhttp style this
// codebase's monitoring surfaces are built with elsewhere.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khryptorgraphics/workengine/pkg/contract"
	"github.com/khryptorgraphics/workengine/pkg/events"
)

// PoolStatsSource is satisfied by contract.Pool.
type PoolStatsSource interface {
	Name() string
	Stats() contract.Stats
}

// GraphStatsSource is satisfied by workgraph.WorkGraph.
type GraphStatsSource interface {
	Stats() events.Stats
}

// Registry holds the engine's Prometheus collectors and the sources it
// samples from on each scrape.
type Registry struct {
	registry *prometheus.Registry

	poolCapacity    *prometheus.GaugeVec
	poolActive      *prometheus.GaugeVec
	poolScheduled   *prometheus.GaugeVec
	poolExecuting   *prometheus.GaugeVec
	poolMainSched   *prometheus.GaugeVec
	poolMainExec    *prometheus.GaugeVec
	graphPending    *prometheus.GaugeVec
	graphReady      *prometheus.GaugeVec
	graphScheduled  *prometheus.GaugeVec
	graphExecuting  *prometheus.GaugeVec
	graphCompleted  *prometheus.GaugeVec
	graphFailed     *prometheus.GaugeVec
	graphCancelled  *prometheus.GaugeVec
	graphDropped    *prometheus.GaugeVec
	graphDeferred   *prometheus.GaugeVec

	pools  map[string]PoolStatsSource
	graphs map[string]GraphStatsSource
}

// NewRegistry builds a Registry with every gauge registered under the
// workengine namespace.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		pools:    make(map[string]PoolStatsSource),
		graphs:   make(map[string]GraphStatsSource),
	}

	labels := []string{"pool"}
	r.poolCapacity = r.gaugeVec("pool_capacity", "Configured slot capacity of the pool.", labels)
	r.poolActive = r.gaugeVec("pool_active_count", "Slots currently occupied (allocated, scheduled or executing).", labels)
	r.poolScheduled = r.gaugeVec("pool_scheduled_count", "Any-thread contracts currently scheduled.", labels)
	r.poolExecuting = r.gaugeVec("pool_executing_count", "Any-thread contracts currently executing.", labels)
	r.poolMainSched = r.gaugeVec("pool_main_scheduled_count", "Main-thread contracts currently scheduled.", labels)
	r.poolMainExec = r.gaugeVec("pool_main_executing_count", "Main-thread contracts currently executing.", labels)

	glabels := []string{"graph"}
	r.graphPending = r.gaugeVec("graph_pending_nodes", "Nodes not yet terminal.", glabels)
	r.graphReady = r.gaugeVec("graph_ready_nodes", "Nodes ready but not yet submitted.", glabels)
	r.graphScheduled = r.gaugeVec("graph_scheduled_nodes", "Nodes submitted to the pool.", glabels)
	r.graphExecuting = r.gaugeVec("graph_executing_nodes", "Nodes currently executing.", glabels)
	r.graphCompleted = r.gaugeVec("graph_completed_nodes", "Nodes that completed successfully.", glabels)
	r.graphFailed = r.gaugeVec("graph_failed_nodes", "Nodes that failed.", glabels)
	r.graphCancelled = r.gaugeVec("graph_cancelled_nodes", "Nodes cancelled by a failed ancestor.", glabels)
	r.graphDropped = r.gaugeVec("graph_dropped_nodes", "Nodes dropped from an overflowing deferred queue.", glabels)
	r.graphDeferred = r.gaugeVec("graph_deferred_nodes", "Nodes currently waiting in the deferred queue.", glabels)

	return r
}

func (r *Registry) gaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "workengine",
		Name:      name,
		Help:      help,
	}, labels)
	r.registry.MustRegister(g)
	return g
}

// RegisterPool adds p to the set of pools sampled on every scrape.
func (r *Registry) RegisterPool(p PoolStatsSource) {
	r.pools[p.Name()] = p
}

// RegisterGraph adds g, identified by name, to the set of graphs sampled
// on every scrape.
func (r *Registry) RegisterGraph(name string, g GraphStatsSource) {
	r.graphs[name] = g
}

// sample pulls fresh stats from every registered source into the gauges.
// Called synchronously on each /metrics scrape rather than on a ticker, so
// readers always see the latest counts.
func (r *Registry) sample() {
	for name, p := range r.pools {
		s := p.Stats()
		r.poolCapacity.WithLabelValues(name).Set(float64(s.Capacity))
		r.poolActive.WithLabelValues(name).Set(float64(s.ActiveCount))
		r.poolScheduled.WithLabelValues(name).Set(float64(s.ScheduledCount))
		r.poolExecuting.WithLabelValues(name).Set(float64(s.ExecutingCount))
		r.poolMainSched.WithLabelValues(name).Set(float64(s.MainScheduledCount))
		r.poolMainExec.WithLabelValues(name).Set(float64(s.MainExecutingCount))
	}
	for name, g := range r.graphs {
		s := g.Stats()
		r.graphPending.WithLabelValues(name).Set(float64(s.Pending))
		r.graphReady.WithLabelValues(name).Set(float64(s.Ready))
		r.graphScheduled.WithLabelValues(name).Set(float64(s.Scheduled))
		r.graphExecuting.WithLabelValues(name).Set(float64(s.Executing))
		r.graphCompleted.WithLabelValues(name).Set(float64(s.Completed))
		r.graphFailed.WithLabelValues(name).Set(float64(s.Failed))
		r.graphCancelled.WithLabelValues(name).Set(float64(s.Cancelled))
		r.graphDropped.WithLabelValues(name).Set(float64(s.Dropped))
		r.graphDeferred.WithLabelValues(name).Set(float64(s.Deferred))
	}
}

// Server serves /metrics and /healthz for a Registry.
type Server struct {
	registry *Registry
	http     *http.Server
}

// NewServer builds an HTTP server bound to addr. It does not start
// listening until Start is called.
func NewServer(addr string, registry *Registry) *Server {
	router := mux.NewRouter()

	router.HandleFunc("/metrics", func(w http.ResponseWriter, req *http.Request) {
		registry.sample()
		promhttp.HandlerFor(registry.registry, promhttp.HandlerOpts{}).ServeHTTP(w, req)
	}).Methods(http.MethodGet)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	return &Server{
		registry: registry,
		http: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving in a background goroutine. ListenAndServe errors
// other than http.ErrServerClosed are returned on errCh.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
