// relax_stub.go — no spin hint on other targets or without cgo.

//go:build (!amd64 && !arm64) || noasm || nocgo || !cgo

package ring

//go:nosplit
func cpuRelax() {}
