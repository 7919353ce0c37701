package toolbus

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewToolID mints a replay ID, reusing the same prefix-uuid shape the
// upstream SSE layer uses for chat completion IDs.
func NewToolID() string {
	return "tool-" + uuid.NewString()
}

// clockTicksPerSec is sysconf(_SC_CLK_TCK) on every Linux architecture Go
// supports; there is no portable syscall for it, so it's hardcoded rather
// than pulling in a cgo dependency for one constant.
const clockTicksPerSec = 100

// cpuTimeNow returns this process's total CPU time in seconds, read from
// /proc/self/stat on Linux. Go has no portable equivalent of
// resource.getrusage(RUSAGE_CHILDREN); on non-Linux platforms this falls
// back to wall-clock time, making tool_cpu_ms an approximation rather than
// an exact accounting.
func cpuTimeNow() float64 {
	if runtime.GOOS != "linux" {
		return float64(time.Now().UnixNano()) / 1e9
	}
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return float64(time.Now().UnixNano()) / 1e9
	}
	closeParen := strings.LastIndexByte(string(data), ')')
	if closeParen < 0 {
		return float64(time.Now().UnixNano()) / 1e9
	}
	fields := strings.Fields(string(data)[closeParen+1:])
	// utime and stime are fields 14 and 15 overall, i.e. indices 11 and 12
	// of the fields after the (comm) field, where index 0 is the state field.
	if len(fields) < 13 {
		return float64(time.Now().UnixNano()) / 1e9
	}
	utime, _ := strconv.ParseFloat(fields[11], 64)
	stime, _ := strconv.ParseFloat(fields[12], 64)
	return (utime + stime) / clockTicksPerSec
}
