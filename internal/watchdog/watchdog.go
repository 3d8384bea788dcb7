// Package watchdog samples host vitals and flags the rover degraded
// when temperature, load, or storage run out of budget, or when the
// drive train link is down.
package watchdog

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	metricCPUUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rover_cpu_usage_percent",
		Help: "Host CPU usage",
	})
	metricMemUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rover_memory_usage_percent",
		Help: "Host memory usage",
	})
	metricDiskUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rover_disk_usage_percent",
		Help: "Root filesystem usage",
	})
	metricCPUTemp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rover_cpu_temp_celsius",
		Help: "CPU temperature, 0 when no sensor is exposed",
	})
	metricDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rover_degraded",
		Help: "1 while the rover is in degraded operation",
	})
)

// Limits are the degradation thresholds. Zero disables a check.
type Limits struct {
	MaxCPUTemp     float64
	MaxCPUUsage    float64
	MaxMemoryUsage float64
	MaxDiskUsage   float64
}

type sample struct {
	cpuPct  float64
	memPct  float64
	diskPct float64
	cpuTemp float64
}

// Monitor polls host vitals on a fixed cadence.
type Monitor struct {
	interval time.Duration
	limits   Limits
	probe    func() (sample, error)

	degraded   atomic.Bool
	serialDown atomic.Bool

	mu      sync.Mutex
	reasons []string

	quit chan struct{}
	wg   sync.WaitGroup
}

func New(interval time.Duration, limits Limits) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	m := &Monitor{
		interval: interval,
		limits:   limits,
		quit:     make(chan struct{}),
	}
	m.probe = collect
	return m
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s, err := m.probe()
				if err != nil {
					log.Printf("watchdog: probe: %v", err)
					continue
				}
				m.evaluate(s)
			case <-m.quit:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	close(m.quit)
	m.wg.Wait()
}

// SetSerialDown marks the drive train link state. While down the rover
// stays degraded regardless of host vitals.
func (m *Monitor) SetSerialDown(down bool) {
	m.serialDown.Store(down)
}

// Degraded reports the current health flag.
func (m *Monitor) Degraded() bool {
	return m.degraded.Load()
}

// Reasons returns what currently holds the rover degraded.
func (m *Monitor) Reasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.reasons...)
	if m.serialDown.Load() {
		out = append(out, "serial link down")
	}
	return out
}

func (m *Monitor) evaluate(s sample) {
	metricCPUUsage.Set(s.cpuPct)
	metricMemUsage.Set(s.memPct)
	metricDiskUsage.Set(s.diskPct)
	metricCPUTemp.Set(s.cpuTemp)

	var reasons []string
	if m.limits.MaxCPUTemp > 0 && s.cpuTemp > m.limits.MaxCPUTemp {
		reasons = append(reasons, fmt.Sprintf("cpu temp %.1fC over %.1fC", s.cpuTemp, m.limits.MaxCPUTemp))
	}
	if m.limits.MaxCPUUsage > 0 && s.cpuPct > m.limits.MaxCPUUsage {
		reasons = append(reasons, fmt.Sprintf("cpu %.0f%% over %.0f%%", s.cpuPct, m.limits.MaxCPUUsage))
	}
	if m.limits.MaxMemoryUsage > 0 && s.memPct > m.limits.MaxMemoryUsage {
		reasons = append(reasons, fmt.Sprintf("memory %.0f%% over %.0f%%", s.memPct, m.limits.MaxMemoryUsage))
	}
	if m.limits.MaxDiskUsage > 0 && s.diskPct > m.limits.MaxDiskUsage {
		reasons = append(reasons, fmt.Sprintf("disk %.0f%% over %.0f%%", s.diskPct, m.limits.MaxDiskUsage))
	}

	m.mu.Lock()
	m.reasons = reasons
	m.mu.Unlock()

	bad := len(reasons) > 0 || m.serialDown.Load()
	was := m.degraded.Swap(bad)
	if bad != was {
		if bad {
			log.Printf("watchdog: degraded: %s", strings.Join(m.Reasons(), "; "))
		} else {
			log.Printf("watchdog: recovered")
		}
	}
	if bad {
		metricDegraded.Set(1)
	} else {
		metricDegraded.Set(0)
	}
}

func collect() (sample, error) {
	var s sample

	pcts, err := cpu.Percent(0, false)
	if err != nil {
		return s, err
	}
	if len(pcts) > 0 {
		s.cpuPct = pcts[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return s, err
	}
	s.memPct = vm.UsedPercent

	du, err := disk.Usage("/")
	if err != nil {
		return s, err
	}
	s.diskPct = du.UsedPercent

	// Temperature sensors vary by board; take the hottest CPU-ish one
	// and tolerate having none.
	temps, err := host.SensorsTemperatures()
	if err == nil {
		for _, t := range temps {
			key := strings.ToLower(t.SensorKey)
			if strings.Contains(key, "cpu") || strings.Contains(key, "coretemp") || strings.Contains(key, "soc") {
				if t.Temperature > s.cpuTemp {
					s.cpuTemp = t.Temperature
				}
			}
		}
	}
	return s, nil
}
