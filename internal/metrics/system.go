package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
)

// System periodically samples host CPU utilisation and this process's Go
// heap and goroutine count, and exposes them as Prometheus gauges,
// following the pattern in the teacher's
// internal/metrics/system.go.
type System struct {
	mu          sync.RWMutex
	cpuPercent  float64
	memoryStats runtime.MemStats

	cpuGauge    prometheus.Gauge
	heapGauge   prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewSystem registers the system gauges and takes an initial sample.
func NewSystem() *System {
	s := &System{
		cpuGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rpcmux_process_cpu_percent",
			Help: "Host-wide CPU utilisation percentage since the previous sample",
		}),
		heapGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rpcmux_process_heap_bytes",
			Help: "Process heap bytes in use",
		}),
		goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rpcmux_goroutines",
			Help: "Number of live goroutines",
		}),
	}
	s.sample()
	return s
}

// Run samples system metrics every interval until ctx/stop fires.
func (s *System) Run(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *System) sample() {
	s.mu.Lock()
	runtime.ReadMemStats(&s.memoryStats)
	percents, err := cpu.Percent(0, false)
	if err == nil && len(percents) > 0 {
		s.cpuPercent = percents[0]
	}
	cpuPct := s.cpuPercent
	heap := s.memoryStats.HeapInuse
	s.mu.Unlock()

	s.cpuGauge.Set(cpuPct)
	s.heapGauge.Set(float64(heap))
	s.goroutines.Set(float64(runtime.NumGoroutine()))
}
