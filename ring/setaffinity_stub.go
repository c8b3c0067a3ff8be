// setaffinity_stub.go — CPU pinning is a Linux-only optimisation.

//go:build !linux

package ring

func setAffinity(core int) bool { return false }
