package httpapi

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// HealthHandler serves a process/resource snapshot at GET /health, the
// supplemental surface named alongside the metrics endpoint and the SQL
// query surface.
type HealthHandler struct {
	startedAt time.Time
}

// NewHealthHandler constructs a HealthHandler, timing uptime from
// construction.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{startedAt: time.Now()}
}

// Register mounts GET /health on srv.
func (h *HealthHandler) Register(srv *Server) {
	srv.HandleFunc("GET /health", h.handle)
}

func (h *HealthHandler) handle(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]interface{}{
		"status":        "ok",
		"uptimeSeconds": time.Since(h.startedAt).Seconds(),
		"goroutines":    runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snapshot["systemMemoryUsedPercent"] = vm.UsedPercent
	}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			snapshot["processRSSBytes"] = info.RSS
		}
	}
	writeJSON(w, http.StatusOK, snapshot)
}
