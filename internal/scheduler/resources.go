package scheduler

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"autodev/internal/logging"
)

// memoryStats holds the values admission control needs, in MiB.
type memoryStats struct {
	totalMB     int
	availableMB int
}

// usedPercent returns memory utilization as a percentage.
func (m memoryStats) usedPercent() float64 {
	if m.totalMB == 0 {
		return 0
	}
	return float64(m.totalMB-m.availableMB) / float64(m.totalMB) * 100
}

// readMemoryStats parses /proc/meminfo. On any failure it reports ok=false
// and the caller admits the task; admission control degrades open.
func readMemoryStats() (memoryStats, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return memoryStats{}, false
	}
	defer f.Close()

	var stats memoryStats
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			stats.totalMB = kb / 1024
		case "MemAvailable:":
			stats.availableMB = kb / 1024
		}
	}
	return stats, stats.totalMB > 0 && stats.availableMB > 0
}

// admissible reports whether a new worker fits in the configured memory
// headroom.
func (s *Scheduler) admissible() bool {
	stats, ok := readMemoryStats()
	if !ok {
		return true
	}
	if stats.usedPercent() >= s.cfg.MemoryMaxPercent {
		logging.Scheduler("Admission denied: memory at %.0f%% (limit %.0f%%)",
			stats.usedPercent(), s.cfg.MemoryMaxPercent)
		return false
	}
	if stats.availableMB < s.cfg.MemoryMinAvailableMB {
		logging.Scheduler("Admission denied: %d MiB available (need %d MiB)",
			stats.availableMB, s.cfg.MemoryMinAvailableMB)
		return false
	}
	return true
}
