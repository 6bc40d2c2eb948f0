package diagnostics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot captures host state at the moment an escalation is written.
// Probes that fail are left out rather than failing the snapshot.
func Snapshot(ctx context.Context) map[string]interface{} {
	out := map[string]interface{}{
		"captured_at": time.Now().UTC().Format(time.RFC3339),
		"goroutines":  runtime.NumGoroutine(),
		"num_cpu":     runtime.NumCPU(),
		"go_version":  runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		out["hostname"] = hostname
	}

	if cpuPercent, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		out["cpu_percent"] = cpuPercent[0]
	}

	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["mem_used_percent"] = memInfo.UsedPercent
		out["mem_available_bytes"] = memInfo.Available
		out["mem_total_bytes"] = memInfo.Total
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		out["os"] = info.OS
		out["platform"] = info.Platform
		out["uptime_seconds"] = info.Uptime
	}

	return out
}
