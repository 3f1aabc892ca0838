package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// Status is the training-run view served at /status. The status function is
// polled on request; it must be cheap and safe to call from another
// goroutine.
type Status struct {
	RunID     string         `json:"run_id"`
	Phase     string         `json:"phase"`
	Step      int            `json:"step"`
	BaseModel string         `json:"base_model"`
	Devices   []DeviceStatus `json:"devices"`
}

type DeviceStatus struct {
	Name      string `json:"name"`
	UsedBytes int64  `json:"used_bytes"`
}

type health struct {
	Status   string  `json:"status"`
	Uptime   string  `json:"uptime"`
	GoVer    string  `json:"go_version"`
	NumCPU   int     `json:"num_cpu"`
	HeapMB   float64 `json:"heap_mb"`
	Training *Status `json:"training,omitempty"`
}

// Server exposes /healthz, /status and Prometheus /metrics for a run.
type Server struct {
	start    time.Time
	statusFn func() Status
	srv      *http.Server
}

func NewServer(statusFn func() Status) *Server {
	return &Server{start: time.Now(), statusFn: statusFn}
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("monitoring server starting", "addr", addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	h := health{
		Status: "ok",
		Uptime: time.Since(s.start).Round(time.Second).String(),
		GoVer:  runtime.Version(),
		NumCPU: runtime.NumCPU(),
		HeapMB: float64(mem.HeapAlloc) / (1 << 20),
	}
	if s.statusFn != nil {
		st := s.statusFn()
		h.Training = &st
	}
	writeJSON(w, h)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.statusFn == nil {
		http.Error(w, "no active run", http.StatusNotFound)
		return
	}
	writeJSON(w, s.statusFn())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("monitoring response write failed", "error", err)
	}
}
