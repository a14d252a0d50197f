// Package platform detects the resource limits of the container jrow is
// running in (cgroup v1/v2 memory and CPU quotas) and turns them into safe
// sizing defaults, with a host-level fallback when no cgroup limit exists.
package platform

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// MemoryLimit reads the container memory limit in bytes from the cgroup
// filesystem. It tries cgroup v2 first, then v1; it returns 0 (not an
// error) when no limit is configured, which is the common case on bare
// metal or a VM.
func MemoryLimit() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			return strconv.ParseInt(limit, 10, 64)
		}
		return 0, nil
	}

	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}

// Connection sizing bounds and per-connection memory estimate. A jrow
// connection's dominant cost is its outbound queue (conn.DefaultQueueDepth slots
// of roughly 500 bytes each) plus bookkeeping in the subscription indexes.
const (
	minConnections = 100
	maxConnections = 50000
	// runtimeOverheadBytes is reserved for the Go runtime, goroutine stacks,
	// and the durable store's in-memory metadata cache before any is spent
	// on connections.
	runtimeOverheadBytes = 128 * 1024 * 1024
	// bytesPerConnection approximates a connection's queue (1024 slots *
	// ~500 bytes) plus subscription bookkeeping overhead.
	bytesPerConnection = 530 * 1024
	defaultConnections = 10000
)

// MaxConnections turns a cgroup memory limit (0 = unlimited) into a safe
// maximum connection count, bounded to [minConnections, maxConnections].
func MaxConnections(memoryLimitBytes int64) int {
	if memoryLimitBytes == 0 {
		return defaultConnections
	}

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}

	n := int(available / bytesPerConnection)
	if n < minConnections {
		return minConnections
	}
	if n > maxConnections {
		return maxConnections
	}
	return n
}

// ThrottleStats reports cgroup CPU throttling counters for the current
// sampling window.
type ThrottleStats struct {
	NrPeriods    uint64
	NrThrottled  uint64
	ThrottledSec float64
}

// CPUMonitor reports CPU usage either relative to a cgroup quota (container
// mode) or relative to the whole host (fallback mode via gopsutil).
type CPUMonitor struct {
	mode   string
	cgroup *cgroupCPU
	logger zerolog.Logger
}

// NewCPUMonitor detects a cgroup CPU quota and falls back to host-wide
// measurement via gopsutil if none is found.
func NewCPUMonitor(logger zerolog.Logger) *CPUMonitor {
	cg, err := newCgroupCPU()
	if err != nil {
		logger.Warn().Err(err).Msg("cgroup CPU detection failed, falling back to host CPU measurement")
		return &CPUMonitor{mode: "host", logger: logger}
	}

	logger.Info().
		Int("cgroup_version", cg.version).
		Float64("cpus_allocated", cg.allocated).
		Msg("using container-aware CPU measurement")
	return &CPUMonitor{mode: "container", cgroup: cg, logger: logger}
}

// Percent returns CPU usage as a percentage of the allocation: of the
// cgroup quota in container mode, or of the whole host's CPUs in host mode.
func (m *CPUMonitor) Percent() (float64, ThrottleStats, error) {
	if m.mode == "container" {
		return m.cgroup.percent()
	}
	pct, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	if len(pct) == 0 {
		return 0, ThrottleStats{}, fmt.Errorf("platform: no host CPU sample")
	}
	return pct[0], ThrottleStats{}, nil
}

// Allocation returns the number of CPUs available: the cgroup quota in
// container mode, or runtime.NumCPU() in host mode.
func (m *CPUMonitor) Allocation() float64 {
	if m.mode == "container" {
		return m.cgroup.allocated
	}
	return float64(runtime.NumCPU())
}

// Mode reports "container" or "host".
func (m *CPUMonitor) Mode() string { return m.mode }
