//go:build !linux

package worker

// applyMemoryLimit is a no-op here; platforms without rlimit support rely
// on the Go soft memory limit alone.
func applyMemoryLimit(int) error { return nil }
