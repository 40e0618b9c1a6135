package advisor

import (
	"strings"
	"testing"
	"time"
)

func TestCaptureSystemState_PopulatesFields(t *testing.T) {
	state := CaptureSystemState(time.Now().Add(-time.Second))

	if state.MemoryBytes <= 0 {
		t.Errorf("MemoryBytes = %d, want > 0", state.MemoryBytes)
	}
	if state.GoroutineCount < 1 {
		t.Errorf("GoroutineCount = %d, want >= 1", state.GoroutineCount)
	}
	if state.UptimeMs < 1000 {
		t.Errorf("UptimeMs = %d, want >= 1000", state.UptimeMs)
	}
}

func TestCaptureSystemState_ZeroStartUsesProcessStart(t *testing.T) {
	state := CaptureSystemState(time.Time{})

	if state.UptimeMs < 0 {
		t.Errorf("UptimeMs = %d, want >= 0", state.UptimeMs)
	}
	if limit := time.Since(processStart).Milliseconds(); state.UptimeMs > limit {
		t.Errorf("UptimeMs = %d, want <= %d", state.UptimeMs, limit)
	}
}

func TestCaptureSystemState_FutureStartClampsToZero(t *testing.T) {
	state := CaptureSystemState(time.Now().Add(time.Hour))
	if state.UptimeMs != 0 {
		t.Errorf("UptimeMs = %d, want 0", state.UptimeMs)
	}
}

func TestSystemState_StringOmitsHost(t *testing.T) {
	s := &SystemState{
		MemoryBytes:    100 << 20,
		GoroutineCount: 42,
		UptimeMs:       61_400,
		HostName:       "worker-1.internal",
	}

	got := s.String()
	if got != "heap=100MiB goroutines=42 uptime=1m1s" {
		t.Errorf("String() = %q", got)
	}
	if strings.Contains(got, "worker-1") {
		t.Error("host name leaked into sample")
	}
}
