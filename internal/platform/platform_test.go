package platform

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestMaxConnectionsNoLimitUsesDefault(t *testing.T) {
	if got := MaxConnections(0); got != defaultConnections {
		t.Errorf("MaxConnections(0) = %d, want %d", got, defaultConnections)
	}
}

func TestMaxConnectionsRespectsFloor(t *testing.T) {
	if got := MaxConnections(1); got != minConnections {
		t.Errorf("MaxConnections(1) = %d, want floor %d", got, minConnections)
	}
}

func TestMaxConnectionsRespectsCeiling(t *testing.T) {
	huge := int64(1) << 40 // 1 TiB
	if got := MaxConnections(huge); got != maxConnections {
		t.Errorf("MaxConnections(huge) = %d, want ceiling %d", got, maxConnections)
	}
}

func TestMaxConnectionsScalesWithMemory(t *testing.T) {
	small := MaxConnections(512 * 1024 * 1024)
	large := MaxConnections(4 * 1024 * 1024 * 1024)
	if !(small <= large) {
		t.Errorf("expected MaxConnections to be non-decreasing in memory, got %d then %d", small, large)
	}
}

func TestNewCPUMonitorFallsBackOutsideContainer(t *testing.T) {
	m := NewCPUMonitor(zerolog.Nop())
	if m.Allocation() <= 0 {
		t.Errorf("Allocation() = %v, want > 0", m.Allocation())
	}
	if m.Mode() != "container" && m.Mode() != "host" {
		t.Errorf("Mode() = %q, want container or host", m.Mode())
	}
}
