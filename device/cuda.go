//go:build cuda

package device

import (
	"fmt"

	"gorgonia.org/cu"
)

func runtimeVersion() string {
	return fmt.Sprintf("CUDA %v", cu.Version())
}

func count() (int, error) {
	return cu.NumDevices()
}

func describe(d int) (Info, error) {
	dev := cu.Device(d)
	name, err := dev.Name()
	if err != nil {
		return Info{}, err
	}
	mem, err := dev.TotalMem()
	if err != nil {
		return Info{}, err
	}
	clock, _ := dev.Attribute(cu.ClockRate)
	major, _ := dev.Attribute(cu.ComputeCapabilityMajor)
	minor, _ := dev.Attribute(cu.ComputeCapabilityMinor)
	return Info{Index: d, Name: name, MemoryBytes: mem, ClockKHz: clock, Major: major, Minor: minor}, nil
}
