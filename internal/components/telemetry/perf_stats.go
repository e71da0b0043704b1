package telemetry

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
)

const report_perf_stats = "perf-stats"

// InstrumentPerfStats periodically reports process resource usage through the
// given API until ctx is done, it is meant for long running commands.
func InstrumentPerfStats(ctx context.Context, tel API, interval time.Duration) {
	go func() {
		var memStats runtime.MemStats
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				runtime.ReadMemStats(&memStats)

				cpuUsage, err := cpu.PercentWithContext(ctx, time.Second, false)
				if err == nil && len(cpuUsage) > 0 {
					tel.ReportCount("cpu_usage_percent", int64(cpuUsage[0]))
				} else if err != nil {
					tel.ReportWarning(report_perf_stats, fmt.Errorf("read cpu usage: %w", err))
				}

				tel.ReportCount("allocated_mb", int64(memStats.Alloc/1_000_000))
				tel.ReportCount("live_objects", int64(memStats.Mallocs)-int64(memStats.Frees))
				tel.ReportCount("goroutine_count", int64(runtime.NumGoroutine()))
			case <-ctx.Done():
				return
			}
		}
	}()
}
