package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/miaoyq/leafscan/internal/imagecache"
	"github.com/miaoyq/leafscan/internal/maintenance"
	"github.com/miaoyq/leafscan/internal/resource"
	"github.com/miaoyq/leafscan/internal/retryqueue"
	"github.com/miaoyq/leafscan/internal/scheduler"
	"github.com/miaoyq/leafscan/pkg/types"
)

// NetworkSource reports connectivity
type NetworkSource interface {
	State() types.NetworkState
}

// QueueSource is the retry queue as seen by the API
type QueueSource interface {
	List() []types.QueuedScan
	Draining() bool
	Drain(ctx context.Context) retryqueue.DrainReport
	Dequeue(id string) (bool, error)
}

// HistorySource is the scan history as seen by the API
type HistorySource interface {
	GetAll() ([]types.ScanResult, error)
	GetByID(id string) (*types.ScanResult, error)
	GetByStatus(status types.HealthStatus) ([]types.ScanResult, error)
	GetByDateRange(start, end time.Time) ([]types.ScanResult, error)
	Delete(id string) (bool, error)
}

// CacheSource reports image cache usage
type CacheSource interface {
	Stats() imagecache.Stats
}

// SchedulerSource reports processing load
type SchedulerSource interface {
	QueueStatus() scheduler.Status
	Metrics() scheduler.GlobalMetrics
}

// MaintenanceSource runs and reports maintenance jobs
type MaintenanceSource interface {
	Status() []maintenance.JobStatus
	RunNow(ctx context.Context) []maintenance.JobStatus
}

// MemorySource reports process memory
type MemorySource interface {
	Metrics() (*resource.MemoryMetrics, error)
}

// DiskSource reports free space where scans are stored
type DiskSource interface {
	Usage() (*resource.DiskMetrics, error)
}

// Deps are the components the API reads from. Nil members disable their
// routes.
type Deps struct {
	Network     NetworkSource
	Queue       QueueSource
	History     HistorySource
	Cache       CacheSource
	Scheduler   SchedulerSource
	Maintenance MaintenanceSource
	Memory      MemorySource
	Disk        DiskSource
}

// Server exposes read-mostly status endpoints over HTTP
type Server struct {
	deps   Deps
	router *mux.Router
	logger *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer builds the router
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}
	s.router = s.newRouter()
	return s
}

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	if s.deps.Network != nil {
		v1.HandleFunc("/network", s.handleNetwork).Methods(http.MethodGet)
	}
	if s.deps.Queue != nil {
		v1.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)
		v1.HandleFunc("/queue/drain", s.handleDrain).Methods(http.MethodPost)
		v1.HandleFunc("/queue/{id}", s.handleDequeue).Methods(http.MethodDelete)
	}
	if s.deps.History != nil {
		v1.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
		v1.HandleFunc("/history/{id}", s.handleHistoryItem).Methods(http.MethodGet)
		v1.HandleFunc("/history/{id}", s.handleHistoryDelete).Methods(http.MethodDelete)
	}
	if s.deps.Cache != nil {
		v1.HandleFunc("/cache", s.handleCache).Methods(http.MethodGet)
	}
	if s.deps.Scheduler != nil {
		v1.HandleFunc("/scheduler", s.handleScheduler).Methods(http.MethodGet)
	}
	if s.deps.Memory != nil {
		v1.HandleFunc("/memory", s.handleMemory).Methods(http.MethodGet)
	}
	if s.deps.Disk != nil {
		v1.HandleFunc("/disk", s.handleDisk).Methods(http.MethodGet)
	}
	if s.deps.Maintenance != nil {
		v1.HandleFunc("/maintenance", s.handleMaintenance).Methods(http.MethodGet)
		v1.HandleFunc("/maintenance/run", s.handleMaintenanceRun).Methods(http.MethodPost)
	}

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.NotFoundHandler = notFound
	v1.NotFoundHandler = notFound
	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves in the background. The returned address
// is the one actually bound, which matters for ":0".
func (s *Server) Start(addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return "", fmt.Errorf("api server already started")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = server
	s.listener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("API server listening", zap.String("addr", listener.Addr().String()))
	return listener.Addr().String(), nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("API request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
