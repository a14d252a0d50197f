package platform

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// cgroupCPU reads CPU quota and usage directly from the cgroup filesystem,
// supporting both v1 (separate cpu.cfs_quota_us/cpu.cfs_period_us files)
// and v2 (combined cpu.max) layouts.
type cgroupCPU struct {
	mu             sync.Mutex
	path           string
	version        int // 1 or 2
	allocated      float64
	lastUsageUsec  uint64
	lastSampleTime time.Time
	lastThrottle   ThrottleStats
}

func newCgroupCPU() (*cgroupCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, err
	}

	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, err
	}

	allocated := float64(runtime.NumCPU())
	if quota > 0 && period > 0 {
		allocated = float64(quota) / float64(period)
	}

	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, err
	}

	throttle, _ := readThrottleStats(path, version)

	return &cgroupCPU{
		path:           path,
		version:        version,
		allocated:      allocated,
		lastUsageUsec:  usage,
		lastSampleTime: time.Now(),
		lastThrottle:   throttle,
	}, nil
}

func (c *cgroupCPU) percent() (float64, ThrottleStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	elapsedUsec := now.Sub(c.lastSampleTime).Microseconds()
	if elapsedUsec == 0 {
		return 0, ThrottleStats{}, fmt.Errorf("platform: sample interval too small")
	}

	usage, err := readCPUUsage(c.path, c.version)
	if err != nil {
		return 0, ThrottleStats{}, err
	}
	usageDelta := usage - c.lastUsageUsec
	rawPercent := (float64(usageDelta) / float64(elapsedUsec)) * 100.0
	percent := rawPercent / c.allocated

	var throttleDelta ThrottleStats
	if throttle, err := readThrottleStats(c.path, c.version); err == nil {
		throttleDelta = ThrottleStats{
			NrPeriods:    throttle.NrPeriods - c.lastThrottle.NrPeriods,
			NrThrottled:  throttle.NrThrottled - c.lastThrottle.NrThrottled,
			ThrottledSec: throttle.ThrottledSec - c.lastThrottle.ThrottledSec,
		}
		c.lastThrottle = throttle
	}

	c.lastUsageUsec = usage
	c.lastSampleTime = now
	return percent, throttleDelta, nil
}

func detectCgroupPath() (path string, version int, err error) {
	file, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		hierarchyID, controllers, cgroupPath := parts[0], parts[1], parts[2]

		if hierarchyID == "0" && controllers == "" {
			return "/sys/fs/cgroup" + cgroupPath, 2, nil
		}
		if strings.Contains(controllers, "cpu") {
			return "/sys/fs/cgroup/cpu" + cgroupPath, 1, nil
		}
	}
	return "", 0, fmt.Errorf("platform: could not detect cgroup path")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("platform: unexpected cpu.max format %q", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		file, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			if fields := strings.Fields(scanner.Text()); len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("platform: usage_usec not found in cpu.stat")
	}

	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}

func readThrottleStats(path string, version int) (ThrottleStats, error) {
	var stats ThrottleStats
	file, err := os.Open(path + "/cpu.stat")
	if err != nil {
		return stats, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "nr_periods":
			stats.NrPeriods = value
		case "nr_throttled":
			stats.NrThrottled = value
		case "throttled_usec": // cgroup v2
			stats.ThrottledSec = float64(value) / 1e6
		case "throttled_time": // cgroup v1, nanoseconds
			stats.ThrottledSec = float64(value) / 1e9
		}
	}
	return stats, nil
}
