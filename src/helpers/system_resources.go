package helpers

import (
	"os"
	"runtime"
	"sync"

	"signal-hub/src/models"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessSampler reads CPU and memory usage of the running process.
type ProcessSampler struct {
	once sync.Once
	proc *process.Process
}

// -----------------------------------------------------------------------------

func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{}
}

// -----------------------------------------------------------------------------

// Sample returns the current process statistics. CPU and RSS stay zero when
// the platform does not expose them.
func (s *ProcessSampler) Sample() models.MProcessStats {
	s.once.Do(func() {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err == nil {
			s.proc = p
		}
	})

	stats := models.MProcessStats{Goroutines: runtime.NumGoroutine()}
	if s.proc == nil {
		return stats
	}
	if pct, err := s.proc.CPUPercent(); err == nil {
		stats.CPUPercent = pct
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		stats.RSSMB = float64(mem.RSS) / 1024 / 1024
	}
	return stats
}
