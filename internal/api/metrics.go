package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-driverhost/internal/poll"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Drivers       DriverMetrics  `json:"drivers"`
	Polling       *PollMetrics   `json:"polling,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
	Channels         int `json:"channels"`
}

// DriverMetrics summarises the loaded drivers.
type DriverMetrics struct {
	Total           int            `json:"total"`
	ByState         map[string]int `json:"by_state"`
	Polls           uint64         `json:"polls"`
	Commands        uint64         `json:"commands"`
	CommandsFailed  uint64         `json:"commands_failed"`
	ConnectionsLost uint64         `json:"connections_lost"`
	DriverListID    uint32         `json:"driver_list_id"`
}

// PollMetrics contains polling engine statistics.
type PollMetrics struct {
	poll.Stats
	Subscriptions int `json:"subscriptions"`
}

// handleMetrics returns system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			Channels:         s.hub.ChannelCount(),
		},
		Drivers: DriverMetrics{
			ByState:      make(map[string]int),
			DriverListID: s.host.DriverListID(),
		},
	}

	for _, d := range s.host.Drivers() {
		metrics.Drivers.Total++
		metrics.Drivers.ByState[d.State.String()]++
		metrics.Drivers.Polls += d.Stats.Polls
		metrics.Drivers.Commands += d.Stats.CommandsProcessed
		metrics.Drivers.CommandsFailed += d.Stats.CommandsFailed
		metrics.Drivers.ConnectionsLost += d.Stats.ConnectionsLost
	}

	if s.poll != nil {
		metrics.Polling = &PollMetrics{
			Stats:         s.poll.Stats(),
			Subscriptions: s.poll.Subscriptions(),
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
