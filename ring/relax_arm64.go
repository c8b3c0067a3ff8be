// relax_arm64.go — YIELD hint for dispatch spin loops on ARM64.

//go:build arm64 && !noasm && !nocgo && cgo

package ring

/*
static inline void cpu_yield() {
    __asm__ __volatile__("yield" ::: "memory");
}
*/
import "C"

//go:nosplit
func cpuRelax() {
	C.cpu_yield()
}
