package api

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// healthTimeout bounds each dependency check of the metrics endpoint.
const healthTimeout = 2 * time.Second

// SystemMetrics is the body of GET /metrics.
type SystemMetrics struct {
	Timestamp     string                      `json:"timestamp"`
	Version       string                      `json:"version"`
	UptimeSeconds int64                       `json:"uptime_seconds"`
	Runtime       RuntimeMetrics              `json:"runtime"`
	WebSocket     WSMetrics                   `json:"websocket"`
	Registry      RegistryMetrics             `json:"registry"`
	Dependencies  map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// RegistryMetrics summarises the active home's registry.
type RegistryMetrics struct {
	HomeID   string `json:"home_id"`
	Loaded   bool   `json:"loaded"`
	Devices  int    `json:"devices"`
	Online   int    `json:"online"`
	Entities int    `json:"entities"`
	Pending  int    `json:"pending"`
}

// DependencyStatus is the outcome of one health check.
type DependencyStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	homeID, loaded := s.store.ActiveHome()
	reg := RegistryMetrics{HomeID: homeID, Loaded: loaded, Pending: len(s.store.Pending())}
	for _, d := range s.store.Devices() {
		reg.Devices++
		reg.Entities += len(d.Entities)
		if d.Online {
			reg.Online++
		}
	}

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
			NumGC:         mem.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Registry:  reg,
	}

	if len(s.health) > 0 {
		names := make([]string, 0, len(s.health))
		for name := range s.health {
			names = append(names, name)
		}
		sort.Strings(names)

		metrics.Dependencies = make(map[string]DependencyStatus, len(names))
		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			err := s.health[name].HealthCheck(ctx)
			cancel()
			st := DependencyStatus{Healthy: err == nil}
			if err != nil {
				st.Error = err.Error()
			}
			metrics.Dependencies[name] = st
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
