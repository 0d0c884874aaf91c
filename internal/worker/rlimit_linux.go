package worker

import "syscall"

// applyMemoryLimit hard-caps the data segment so a runaway allocation
// kills this process instead of the host. The Go soft limit set alongside
// it keeps the GC working below the cap.
func applyMemoryLimit(mb int) error {
	limit := uint64(mb) << 20
	return syscall.Setrlimit(syscall.RLIMIT_DATA, &syscall.Rlimit{Cur: limit, Max: limit})
}
