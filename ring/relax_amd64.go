// relax_amd64.go — PAUSE hint for dispatch spin loops on x86-64.

//go:build amd64 && !noasm && !nocgo && cgo

package ring

/*
static inline void cpu_pause() {
    __asm__ __volatile__("pause" ::: "memory");
}
*/
import "C"

// cpuRelax lets the sibling hyperthread run while a worker polls an empty ring.
//
//go:nosplit
func cpuRelax() {
	C.cpu_pause()
}
