package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
)

type healthReport struct {
	Status     string  `json:"status"`
	Rooms      int     `json:"rooms"`
	Peers      int     `json:"peers"`
	Goroutines int     `json:"goroutines"`
	RAMBytes   uint64  `json:"ram_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	PidStatus  string  `json:"pid_status"`
	At         string  `json:"at"`
}

// HealthHandler reports relay load plus process self stats (RSS, CPU, OS
// status) in the same shape the heartbeat consumers expect.
func HealthHandler(hub *Hub, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rooms, peers := hub.Stats()
		report := healthReport{
			Status:     "ok",
			Rooms:      rooms,
			Peers:      peers,
			Goroutines: runtime.NumGoroutine(),
			At:         time.Now().UTC().Format(time.RFC3339),
		}

		if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
			if memInfo, err := p.MemoryInfo(); err == nil {
				report.RAMBytes = memInfo.RSS
			}
			if cpu, err := p.CPUPercent(); err == nil {
				report.CPUPercent = cpu
			}
			if status, err := p.Status(); err == nil {
				report.PidStatus = status
			}
		} else {
			log.Warn("failed to collect self stats", "err", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(report)
	}
}
