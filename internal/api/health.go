package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/seantiz/sandboxd/internal/model"
)

type healthResponse struct {
	Healthy        bool        `json:"healthy"`
	Version        string      `json:"version"`
	UptimeSeconds  float64     `json:"uptime"`
	ActiveContexts int         `json:"active_contexts"`
	Stats          model.Stats `json:"stats"`
	SystemInfo     systemInfo  `json:"system_info"`
}

// systemInfo describes the host. Fields gopsutil cannot read are left zero.
type systemInfo struct {
	Hostname      string  `json:"hostname,omitempty"`
	OS            string  `json:"os"`
	Platform      string  `json:"platform,omitempty"`
	KernelVersion string  `json:"kernel_version,omitempty"`
	CPUCount      int     `json:"cpu_count"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryTotal   uint64  `json:"memory_total"`
	MemoryUsed    uint64  `json:"memory_used"`
	MemoryPercent float64 `json:"memory_percent"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.manager.Stats()
	s.writeJSON(w, http.StatusOK, healthResponse{
		Healthy:        true,
		Version:        s.version,
		UptimeSeconds:  time.Since(s.started).Seconds(),
		ActiveContexts: stats.Total,
		Stats:          stats,
		SystemInfo:     collectSystemInfo(r),
	})
}

func collectSystemInfo(r *http.Request) systemInfo {
	ctx := r.Context()
	info := systemInfo{OS: runtime.GOOS, CPUCount: runtime.NumCPU()}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.KernelVersion = h.KernelVersion
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.CPUCount = n
	}
	// A zero interval compares against the previous call and does not block.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		info.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
		info.MemoryUsed = vm.Used
		info.MemoryPercent = vm.UsedPercent
	}
	return info
}
