// setaffinity_linux.go — pin the calling OS thread via sched_setaffinity(2)

//go:build linux

package ring

import (
	"syscall"
	"unsafe"

	"cyclearb/constants"
)

// setAffinity binds the current thread to one core. Out-of-range cores and
// syscall failures leave the thread unpinned.
func setAffinity(core int) bool {
	if core < 0 || core >= constants.MaxSupportedCores {
		return false
	}
	mask := [1]uintptr{1 << uint(core)}
	_, _, errno := syscall.RawSyscall(
		syscall.SYS_SCHED_SETAFFINITY,
		0,
		uintptr(unsafe.Sizeof(mask)),
		uintptr(unsafe.Pointer(&mask)),
	)
	return errno == 0
}
