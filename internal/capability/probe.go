// Package capability implements the abstract capability-probe collaborator
// (§6): an oracle returning a device's CPU/RAM/GPU summary and a derived
// capacity_score the pipeline coordinator uses for layer splitting.
package capability

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Probe is the abstract capability-probe collaborator interface (§6). The
// core treats any implementation as an oracle.
type Probe interface {
	Probe() (Report, error)
}

// Report mirrors §6's capability-probe record.
type Report struct {
	CPUModel        string
	Cores           int
	RAMTotalMB      uint64
	RAMAvailableMB  uint64
	HasGPU          bool
	CapacityScore   int // 0..100
	MaxLayers       uint32
}

// LocalProbe reads the running host's own resources: cores via Go's
// runtime, RAM via /proc/meminfo on Linux with a stdlib-only fallback
// elsewhere (no memory-probing library exists anywhere in the example
// pack, see DESIGN.md).
type LocalProbe struct{}

func NewLocalProbe() LocalProbe { return LocalProbe{} }

func (LocalProbe) Probe() (Report, error) {
	cores := runtime.NumCPU()
	totalMB, availMB := readMemInfo()

	report := Report{
		CPUModel:       runtime.GOARCH,
		Cores:          cores,
		RAMTotalMB:     totalMB,
		RAMAvailableMB: availMB,
	}
	report.CapacityScore = capacityScore(cores, availMB)
	report.MaxLayers = maxLayersFor(availMB)
	return report, nil
}

// readMemInfo parses /proc/meminfo for MemTotal/MemAvailable (kB), falling
// back to runtime.MemStats-derived estimates when unavailable (non-Linux,
// sandboxed, or missing /proc).
func readMemInfo() (totalMB, availMB uint64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return fallbackMemInfo()
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalMB = parseMemInfoKB(line) / 1024
		case strings.HasPrefix(line, "MemAvailable:"):
			availMB = parseMemInfoKB(line) / 1024
		}
	}
	if totalMB == 0 {
		return fallbackMemInfo()
	}
	return totalMB, availMB
}

func parseMemInfoKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// fallbackMemInfo gives a conservative estimate from the Go runtime's own
// memory stats when /proc/meminfo is unavailable; it under-reports true
// system RAM but keeps capacity_score non-zero rather than failing.
func fallbackMemInfo() (totalMB, availMB uint64) {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	sysMB := stats.Sys / (1024 * 1024)
	if sysMB == 0 {
		sysMB = 512
	}
	return sysMB * 4, sysMB * 2
}

// capacityScore tiers cores x available RAM into 0..100, the same tiered
// switch shape the allocator elsewhere in this tree uses for replica
// counts, applied here to device capability instead of replica sizing.
func capacityScore(cores int, availMB uint64) int {
	weight := cores * int(availMB/1024) // cores x available GB
	switch {
	case weight < 2:
		return 10
	case weight < 8:
		return 10 + (weight-2)*6 // 10..40
	case weight < 32:
		return 46 + (weight-8)*2 // 46..92
	case weight < 64:
		return 94 + (weight-32)/16 // 94..95
	default:
		return 100
	}
}

// maxLayersFor estimates a ceiling on transformer layers this device can
// hold resident, assuming roughly 64MB per layer at typical hidden sizes;
// the real figure is supplied by the model shard collaborator once loaded,
// this is only the probe's conservative upper bound.
func maxLayersFor(availMB uint64) uint32 {
	const mbPerLayer = 64
	layers := availMB / mbPerLayer
	if layers == 0 {
		return 1
	}
	return uint32(layers)
}
