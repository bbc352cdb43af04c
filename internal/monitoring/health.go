package monitoring

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/23skdu/longbow-xlora/internal/device"
	"github.com/23skdu/longbow-xlora/internal/engine"
	"github.com/23skdu/longbow-xlora/internal/logger"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Engine    EngineInfo    `json:"engine"`
	Memory    MemoryInfo    `json:"memory"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains process-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	HeapMB       int    `json:"heap_mb"`
	HeapInUseMB  int    `json:"heap_in_use_mb"`
	NumGoroutine int    `json:"num_goroutine"`
}

// EngineInfo summarises open generation sessions
type EngineInfo struct {
	SessionsActive int                  `json:"sessions_active"`
	FrozenSessions int                  `json:"frozen_sessions"`
	KVCacheBytes   int64                `json:"kv_cache_bytes"`
	Sessions       []engine.SessionInfo `json:"sessions"`
}

// MemoryInfo reports the admission device's memory
type MemoryInfo struct {
	Device         string  `json:"device"`
	AvailableBytes uint64  `json:"available_bytes"`
	TotalBytes     uint64  `json:"total_bytes"`
	AvailablePct   float64 `json:"available_pct"`
	Error          string  `json:"error,omitempty"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // engine, memory, export
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// SessionSource lists open sessions.
type SessionSource interface {
	Sessions() []engine.SessionInfo
}

// MemorySource queries device memory.
type MemorySource interface {
	AvailableBytes(dev device.Device) (uint64, error)
	TotalBytes(dev device.Device) (uint64, error)
}

// HealthMonitor serves health, status and metrics endpoints
type HealthMonitor struct {
	version  string
	sessions SessionSource
	memory   MemorySource
	dev      device.Device

	startTime time.Time
	server    *http.Server
	mu        sync.RWMutex
	alerts    []Alert
}

// lowMemoryPct is the free-memory share below which status is degraded.
const lowMemoryPct = 5.0

// NewHealthMonitor creates a new health monitor. sessions and memory may be
// nil.
func NewHealthMonitor(version string, sessions SessionSource, memory MemorySource, dev device.Device) *HealthMonitor {
	return &HealthMonitor{
		version:   version,
		sessions:  sessions,
		memory:    memory,
		dev:       dev,
		startTime: time.Now(),
		alerts:    make([]Alert, 0),
	}
}

// Handler returns the monitoring mux.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)

	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves the monitoring endpoints until Stop is called
func (hm *HealthMonitor) Start(addr string) error {
	hm.mu.Lock()
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	srv := hm.server
	hm.mu.Unlock()

	logger.Log.Info("Health monitor starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops health monitoring
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.RLock()
	srv := hm.server
	hm.mu.RUnlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})

	// Keep only last 100 alerts
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}

	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert resolves an alert
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "critical" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health status.
func (hm *HealthMonitor) Status() HealthStatus {
	engineInfo := hm.engineInfo()
	memInfo := hm.memoryInfo()

	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}
	if status == "healthy" && (memInfo.Error != "" || (memInfo.TotalBytes > 0 && memInfo.AvailablePct < lowMemoryPct)) {
		status = "degraded"
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   hm.version,
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Engine:    engineInfo,
		Memory:    memInfo,
		Alerts:    alerts,
	}
}

func (hm *HealthMonitor) engineInfo() EngineInfo {
	info := EngineInfo{Sessions: []engine.SessionInfo{}}
	if hm.sessions == nil {
		return info
	}
	info.Sessions = hm.sessions.Sessions()
	info.SessionsActive = len(info.Sessions)
	for _, s := range info.Sessions {
		if s.ScalingsFrozen {
			info.FrozenSessions++
		}
		info.KVCacheBytes += s.KVCacheBytes
	}
	return info
}

func (hm *HealthMonitor) memoryInfo() MemoryInfo {
	info := MemoryInfo{Device: hm.dev.String()}
	if hm.memory == nil {
		return info
	}
	avail, err := hm.memory.AvailableBytes(hm.dev)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	total, err := hm.memory.TotalBytes(hm.dev)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.AvailableBytes = avail
	info.TotalBytes = total
	if total > 0 {
		info.AvailablePct = float64(avail) / float64(total) * 100
	}
	return info
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		HeapMB:       int(m.HeapSys / 1024 / 1024),
		HeapInUseMB:  int(m.HeapInuse / 1024 / 1024),
		NumGoroutine: runtime.NumGoroutine(),
	}
}
