// system.go captures process state at error time.

package advisor

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

var processStart = time.Now()

// SystemState captures process metrics at the time of an error.
type SystemState struct {
	// MemoryBytes is the current heap allocation in bytes.
	MemoryBytes int64

	GoroutineCount int

	// UptimeMs is the process uptime in milliseconds.
	UptimeMs int64

	HostName string
}

// CaptureSystemState captures process metrics now. Uptime is measured from
// start, or from package initialization when start is zero.
func CaptureSystemState(start time.Time) *SystemState {
	if start.IsZero() {
		start = processStart
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hostname, _ := os.Hostname()

	uptimeMs := time.Since(start).Milliseconds()
	if uptimeMs < 0 {
		uptimeMs = 0
	}

	return &SystemState{
		MemoryBytes:    int64(memStats.Alloc),
		GoroutineCount: runtime.NumGoroutine(),
		UptimeMs:       uptimeMs,
		HostName:       hostname,
	}
}

// String renders the state on one line for samples. The host name is left
// out; it does not help diagnosis and identifies infrastructure.
func (s *SystemState) String() string {
	return fmt.Sprintf("heap=%dMiB goroutines=%d uptime=%s",
		s.MemoryBytes>>20, s.GoroutineCount, (time.Duration(s.UptimeMs) * time.Millisecond).Round(time.Second))
}
