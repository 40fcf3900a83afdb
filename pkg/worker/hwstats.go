package worker

import (
	"context"
	"time"

	"github.com/kepler-labs/kepler/pkg/telemetry"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// minHWStatsInterval is the floor enforced regardless of configuration; a
// tighter interval would make the sampler itself a meaningful load.
const minHWStatsInterval = 60 * time.Second

// RunHWStatsReporter is worker step 14: a background side channel, independent
// of any single node execution, that periodically samples disk usage per
// path, overall memory, and overall CPU, and publishes the result. It runs
// for the lifetime of ctx and never returns an error; a failed sample is
// dropped rather than surfaced, since hardware telemetry is best-effort and
// must never interrupt the run it is observing.
func RunHWStatsReporter(ctx context.Context, paths []string, interval time.Duration, publish func(telemetry.PersistableEvent)) {
	if interval < minHWStatsInterval {
		interval = minHWStatsInterval
	}
	if publish == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sample, ok := sampleHWStats(ctx, paths); ok {
				publish(telemetry.PersistableEvent{Kind: telemetry.KindHWStats, Data: sample})
			}
		}
	}
}

func sampleHWStats(ctx context.Context, paths []string) ([]telemetry.HWStatsPartition, bool) {
	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, false
	}
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(cpuPercents) == 0 {
		return nil, false
	}

	if len(paths) == 0 {
		paths = []string{"/"}
	}

	out := make([]telemetry.HWStatsPartition, 0, len(paths))
	for _, p := range paths {
		usage, err := disk.UsageWithContext(ctx, p)
		if err != nil {
			continue
		}
		out = append(out, telemetry.HWStatsPartition{
			Mount:      p,
			UsedBytes:  usage.Used,
			TotalBytes: usage.Total,
			CPUPercent: cpuPercents[0],
			MemPercent: memStat.UsedPercent,
		})
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}
