package main

import (
	"log"
	"os"
	"runtime/pprof"
)

// startProfile collects a CPU profile into default.pgo. The returned func
// stops it.
func startProfile(l *log.Logger) func() {
	f, err := os.Create("default.pgo")
	if err != nil {
		l.Printf("pgo: %v", err)
		return func() {}
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		l.Printf("pgo: %v", err)
		f.Close()
		return func() {}
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}
}
