package metrics

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// systemSampler derives process CPU% from /proc/self/stat tick deltas and
// RSS MB from /proc/self/statm. Off linux both read as zero.
type systemSampler struct {
	mu        sync.Mutex
	lastTicks uint64
	lastAt    time.Time
}

// clockTicksPerSecond is the kernel USER_HZ value. Linux has reported 100
// for every mainstream architecture since 2.6; reading it portably needs
// cgo, so the constant stands.
const clockTicksPerSecond = 100

// sample returns (cpuPercent, rssMB). The first call has no tick delta and
// reports zero CPU.
func (s *systemSampler) sample(now time.Time) (float64, float64) {
	if runtime.GOOS != "linux" {
		return 0, 0
	}
	cpu := s.sampleCPU(now)
	mem := sampleRSSMB()
	return cpu, mem
}

func (s *systemSampler) sampleCPU(now time.Time) float64 {
	b, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0
	}
	// Field 2 (comm) may contain spaces; everything after the closing paren
	// is space-separated. utime and stime are fields 14 and 15 (1-indexed).
	raw := string(b)
	close := strings.LastIndexByte(raw, ')')
	if close < 0 {
		return 0
	}
	fields := strings.Fields(raw[close+1:])
	if len(fields) < 13 {
		return 0
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0
	}
	ticks := utime + stime

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		s.lastTicks = ticks
		s.lastAt = now
	}()
	if s.lastAt.IsZero() || !now.After(s.lastAt) || ticks < s.lastTicks {
		return 0
	}
	elapsed := now.Sub(s.lastAt).Seconds()
	used := float64(ticks-s.lastTicks) / clockTicksPerSecond
	return used / elapsed * 100
}

func sampleRSSMB() float64 {
	b, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(b))
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return float64(pages) * float64(os.Getpagesize()) / (1024 * 1024)
}

// RecordSystemMetrics samples process CPU and memory and records them as
// cpu_usage / memory_usage_mb. Callers typically run it on a ticker.
func (c *Collector) RecordSystemMetrics() {
	now := c.now()
	cpu, mem := c.sys.sample(now)
	c.Record(KPICPUUsage, cpu, WithTimestamp(now))
	c.Record(KPIMemoryUsage, mem, WithTimestamp(now))
}
