package agentsvc

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// The agent's prometheus collectors. These are operational telemetry only;
// the mux below serves a loopback-bound endpoint and never carries machine
// traffic.
var (
	machinesSpawnedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zuri_agent_machines_spawned_total",
		Help: "Total number of machines spawned by this agent.",
	})
	machinesExitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zuri_agent_machines_exited_total",
		Help: "Total number of machines that have exited, by whether they were signaled.",
	}, []string{"signaled"})
	machinesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zuri_agent_machines_active",
		Help: "Number of machines currently spawned and not yet exited.",
	})
	hostCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zuri_agent_host_cpu_percent",
		Help: "Host CPU utilization percent, sampled periodically.",
	})
	hostMemPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "zuri_agent_host_mem_percent",
		Help: "Host memory utilization percent, sampled periodically.",
	})
)

// RecordSpawn/RecordExit/SetActive are called by the agent binary's
// InvokeService wiring to keep the above collectors current.
func RecordSpawn() { machinesSpawnedTotal.Inc() }

func RecordExit(signaled bool) {
	label := "false"
	if signaled {
		label = "true"
	}
	machinesExitedTotal.WithLabelValues(label).Inc()
}

func SetActive(n int) { machinesActive.Set(float64(n)) }

// SampleHost periodically samples host CPU/memory utilization via gopsutil
// until ctx is cancelled, feeding the host gauges above.
func SampleHost(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
				hostCPUPercent.Set(pcts[0])
			} else if err != nil {
				logger.Debug("failed to sample host cpu", zap.Error(err))
			}
			if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
				hostMemPercent.Set(vm.UsedPercent)
			} else {
				logger.Debug("failed to sample host memory", zap.Error(err))
			}
		}
	}
}

// NewOperationalMux builds the agent's loopback-only /healthz + /metrics
// mux. It never serves machine traffic.
func NewOperationalMux() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
