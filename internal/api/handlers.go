package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/miaoyq/leafscan/internal/imagecache"
	"github.com/miaoyq/leafscan/internal/retryqueue"
	"github.com/miaoyq/leafscan/internal/scheduler"
	"github.com/miaoyq/leafscan/pkg/types"
)

// QueueResponse is returned by GET /v1/queue
type QueueResponse struct {
	Size     int                `json:"size"`
	Draining bool               `json:"draining"`
	Items    []types.QueuedScan `json:"items"`
}

// HistoryResponse is returned by GET /v1/history
type HistoryResponse struct {
	Count int                `json:"count"`
	Items []types.ScanResult `json:"items"`
}

// SchedulerResponse is returned by GET /v1/scheduler
type SchedulerResponse struct {
	Queue   scheduler.Status        `json:"queue"`
	Metrics scheduler.GlobalMetrics `json:"metrics"`
}

// CacheResponse is returned by GET /v1/cache
type CacheResponse struct {
	imagecache.Stats
}

// DrainResponse is returned by POST /v1/queue/drain
type DrainResponse struct {
	retryqueue.DrainReport
	Remaining int `json:"remaining"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeScanError(w http.ResponseWriter, err error) {
	scanErr := types.Classify(err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Error:     scanErr.Error(),
		Kind:      string(scanErr.Kind),
		Retryable: scanErr.Retryable(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Network.State())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items := s.deps.Queue.List()
	writeJSON(w, http.StatusOK, QueueResponse{
		Size:     len(items),
		Draining: s.deps.Queue.Draining(),
		Items:    items,
	})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	report := s.deps.Queue.Drain(r.Context())
	status := http.StatusOK
	switch {
	case report.SkipReason == retryqueue.SkipOffline:
		status = http.StatusServiceUnavailable
	case report.Skipped:
		status = http.StatusConflict
	}
	writeJSON(w, status, DrainResponse{
		DrainReport: report,
		Remaining:   len(s.deps.Queue.List()),
	})
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Queue.Dequeue(mux.Vars(r)["id"])
	if err != nil {
		writeScanError(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "queued scan not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHistory supports ?status=, ?from=&to= (RFC3339) and ?limit=
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var (
		items []types.ScanResult
		err   error
	)
	switch {
	case query.Get("status") != "":
		status := types.HealthStatus(query.Get("status"))
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "status must be healthy or diseased")
			return
		}
		items, err = s.deps.History.GetByStatus(status)
	case query.Get("from") != "" || query.Get("to") != "":
		from, to, parseErr := parseRange(query.Get("from"), query.Get("to"))
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		items, err = s.deps.History.GetByDateRange(from, to)
	default:
		items, err = s.deps.History.GetAll()
	}
	if err != nil {
		writeScanError(w, err)
		return
	}

	if items == nil {
		items = []types.ScanResult{}
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Count: len(items), Items: items})
}

func parseRange(rawFrom, rawTo string) (time.Time, time.Time, error) {
	from := time.Time{}
	to := time.Now().UTC()
	if rawFrom != "" {
		t, err := time.Parse(time.RFC3339, rawFrom)
		if err != nil {
			return from, to, errors.New("from must be an RFC3339 timestamp")
		}
		from = t
	}
	if rawTo != "" {
		t, err := time.Parse(time.RFC3339, rawTo)
		if err != nil {
			return from, to, errors.New("to must be an RFC3339 timestamp")
		}
		to = t
	}
	if to.Before(from) {
		return from, to, errors.New("to is before from")
	}
	return from, to, nil
}

func (s *Server) handleHistoryItem(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.History.GetByID(mux.Vars(r)["id"])
	if err != nil {
		writeScanError(w, err)
		return
	}
	if result == nil {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.History.Delete(mux.Vars(r)["id"])
	if err != nil {
		writeScanError(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, CacheResponse{Stats: s.deps.Cache.Stats()})
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SchedulerResponse{
		Queue:   s.deps.Scheduler.QueueStatus(),
		Metrics: s.deps.Scheduler.Metrics(),
	})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.deps.Memory.Metrics()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleDisk(w http.ResponseWriter, r *http.Request) {
	usage, err := s.deps.Disk.Usage()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Maintenance.Status())
}

func (s *Server) handleMaintenanceRun(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Maintenance.RunNow(r.Context()))
}
