package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/transcodefarm/farmd/pkg/bus"
	"github.com/transcodefarm/farmd/pkg/logging"
	"github.com/transcodefarm/farmd/pkg/models"
)

// Reporter publishes host telemetry as server.metrics events so bus
// consumers see controller health without scraping Prometheus.
type Reporter struct {
	bus      *bus.Bus
	log      *logging.Logger
	interval time.Duration
}

// NewReporter creates a telemetry reporter. interval zero means 30s.
func NewReporter(b *bus.Bus, log *logging.Logger, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reporter{bus: b, log: log, interval: interval}
}

// Run emits until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.emit()
		}
	}
}

func (r *Reporter) emit() {
	data := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		data["cpu_percent"] = pct[0]
	} else if avg, err := load.Avg(); err == nil {
		data["load1"] = avg.Load1
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		r.log.Debugf("memory telemetry: %v", err)
	} else {
		data["mem_percent"] = vm.UsedPercent
		data["mem_used_bytes"] = vm.Used
	}

	r.bus.Emit(models.TopicServerMetrics, data)
}
