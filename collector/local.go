package collector

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
	"go.uber.org/zap"
)

// hostStats is the slice of gopsutil the local collector reads.
type hostStats interface {
	CPUPercent(ctx context.Context, interval time.Duration) (float64, error)
	Memory(ctx context.Context) (*mem.VirtualMemoryStat, error)
	Load(ctx context.Context) (*load.AvgStat, error)
	Temperatures(ctx context.Context) ([]sensors.TemperatureStat, error)
}

type gopsutilHost struct{}

func (gopsutilHost) CPUPercent(ctx context.Context, interval time.Duration) (float64, error) {
	pct, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return 0, err
	}
	if len(pct) == 0 {
		return 0, errors.New("no aggregate cpu figure")
	}
	return pct[0], nil
}

func (gopsutilHost) Memory(ctx context.Context) (*mem.VirtualMemoryStat, error) {
	return mem.VirtualMemoryWithContext(ctx)
}

func (gopsutilHost) Load(ctx context.Context) (*load.AvgStat, error) {
	return load.AvgWithContext(ctx)
}

func (gopsutilHost) Temperatures(ctx context.Context) ([]sensors.TemperatureStat, error) {
	return sensors.TemperaturesWithContext(ctx)
}

// LocalCollector reports host metrics (CPU, RAM, temperature, load) through
// gopsutil plus a few Go runtime figures of the agent itself. Sources that
// are unavailable on the host are skipped.
type LocalCollector struct {
	CPUSample time.Duration // window of the first CPU measurement
	Log       *zap.Logger

	host    hostStats
	mu      sync.Mutex
	sampled bool
}

// NewLocalCollector returns a collector reading the real host.
func NewLocalCollector(log *zap.Logger) *LocalCollector {
	return &LocalCollector{CPUSample: 500 * time.Millisecond, Log: log, host: gopsutilHost{}}
}

// Name implements Collector.
func (l *LocalCollector) Name() string { return "local" }

// Collect implements Collector.
func (l *LocalCollector) Collect(ctx context.Context) (map[string]float64, error) {
	host := l.host
	if host == nil {
		host = gopsutilHost{}
	}
	out := map[string]float64{
		"go_goroutines": float64(runtime.NumGoroutine()),
	}

	if vm, err := host.Memory(ctx); err != nil {
		l.Log.Debug("memory stats unavailable", zap.Error(err))
	} else if vm.Total > 0 && vm.Available <= vm.Total {
		used := vm.Total - vm.Available
		out["ram_usage_percent"] = round2(float64(used) / float64(vm.Total) * 100)
		out["ram_used_mb"] = round2(float64(used) / 1024 / 1024)
	}

	if usage, err := l.cpuUsage(ctx, host); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		l.Log.Debug("cpu usage unavailable", zap.Error(err))
	} else {
		out["cpu_usage_percent"] = round2(math.Max(0, math.Min(100, usage)))
	}

	if avg, err := host.Load(ctx); err != nil {
		l.Log.Debug("load average unavailable", zap.Error(err))
	} else {
		out["load_avg_1m"], out["load_avg_5m"], out["load_avg_15m"] = avg.Load1, avg.Load5, avg.Load15
	}

	if temp, ok := l.cpuTemperature(ctx, host); ok {
		out["cpu_temp_celsius"] = round2(temp)
	}
	return out, nil
}

// cpuUsage blocks for CPUSample on the first call; later calls report the
// busy share since the previous one.
func (l *LocalCollector) cpuUsage(ctx context.Context, host hostStats) (float64, error) {
	l.mu.Lock()
	interval := time.Duration(0)
	if !l.sampled {
		interval = l.CPUSample
	}
	l.mu.Unlock()

	usage, err := host.CPUPercent(ctx, interval)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	l.sampled = true
	l.mu.Unlock()
	return usage, nil
}

// cpuSensorHints name the sensor chips that carry the package temperature.
var cpuSensorHints = []string{"coretemp", "k10temp", "zenpower", "cpu", "soc"}

// cpuTemperature picks a CPU sensor when one is recognizable and falls back
// to the first sensor with a reading. gopsutil returns partial results
// alongside warnings, so readings are used even when err is set.
func (l *LocalCollector) cpuTemperature(ctx context.Context, host hostStats) (float64, bool) {
	temps, err := host.Temperatures(ctx)
	if err != nil {
		l.Log.Debug("temperature sensors reported warnings", zap.Error(err))
	}
	temps = append([]sensors.TemperatureStat(nil), temps...)
	sort.SliceStable(temps, func(i, j int) bool { return temps[i].SensorKey < temps[j].SensorKey })

	var fallback *sensors.TemperatureStat
	for i := range temps {
		t := &temps[i]
		if t.Temperature <= 0 || math.IsNaN(t.Temperature) {
			continue
		}
		key := strings.ToLower(t.SensorKey)
		for _, hint := range cpuSensorHints {
			if strings.Contains(key, hint) {
				return t.Temperature, true
			}
		}
		if fallback == nil {
			fallback = t
		}
	}
	if fallback != nil {
		return fallback.Temperature, true
	}
	return 0, false
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
