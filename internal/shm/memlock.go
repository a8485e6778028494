package shm

import (
	"math"
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// MemlockLimit returns the soft RLIMIT_MEMLOCK of the current process.
// ok is false when the limit cannot be read or is unlimited.
func MemlockLimit() (limit uint64, ok bool) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, false
	}
	limits, err := p.Rlimit()
	if err != nil {
		return 0, false
	}
	for _, l := range limits {
		if l.Resource != process.RLIMIT_MEMLOCK {
			continue
		}
		if l.Soft == math.MaxUint64 || int64(l.Soft) < 0 {
			return 0, false
		}
		return l.Soft, true
	}
	return 0, false
}
