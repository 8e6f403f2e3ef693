package batch

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
)

// RuntimeSampler reports memory pressure for the current process.
//
// With a soft memory limit (GOMEMLIMIT) the fraction is Go-managed memory
// over that limit. Otherwise it is system memory in use, read from
// /proc/meminfo, and on systems without it heap in use over memory obtained
// from the OS.
type RuntimeSampler struct {
	MeminfoPath string
}

// NewRuntimeSampler returns a sampler reading /proc/meminfo.
func NewRuntimeSampler() *RuntimeSampler {
	return &RuntimeSampler{MeminfoPath: "/proc/meminfo"}
}

func (s *RuntimeSampler) Usage() (float64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
		return float64(ms.Sys-ms.HeapReleased) / float64(limit), nil
	}

	if s.MeminfoPath != "" {
		if usage, err := meminfoUsage(s.MeminfoPath); err == nil {
			return usage, nil
		}
	}

	if ms.Sys == 0 {
		return 0, fmt.Errorf("no memory statistics available")
	}
	return float64(ms.HeapInuse) / float64(ms.Sys), nil
}

// meminfoUsage returns 1 - MemAvailable/MemTotal.
func meminfoUsage(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if total <= 0 {
		return 0, fmt.Errorf("%s: MemTotal missing", path)
	}
	return 1 - available/total, nil
}
