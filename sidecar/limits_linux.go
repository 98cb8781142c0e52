//go:build linux

package sidecar

import (
	"golang.org/x/sys/unix"
)

// applyResourceLimits pins CPU-seconds and address-space ceilings on a
// started sidecar process. Zero leaves the corresponding limit untouched.
func applyResourceLimits(pid int, cpuSeconds, memBytes int64) error {
	if cpuSeconds > 0 {
		lim := unix.Rlimit{Cur: uint64(cpuSeconds), Max: uint64(cpuSeconds)}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &lim, nil); err != nil {
			return err
		}
	}
	if memBytes > 0 {
		lim := unix.Rlimit{Cur: uint64(memBytes), Max: uint64(memBytes)}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			return err
		}
	}
	return nil
}
