// Package device discovers the accelerators and the host CPU a worker can use.
package device

import (
	"fmt"
	"io"

	"github.com/klauspost/cpuid/v2"
)

// Info describes one accelerator.
type Info struct {
	Index       int
	Name        string
	MemoryBytes int64
	ClockKHz    int
	Major       int
	Minor       int
}

func (i Info) String() string {
	return fmt.Sprintf("#%d %s, %d MiB, %d MHz, compute %d.%d",
		i.Index, i.Name, i.MemoryBytes>>20, i.ClockKHz/1000, i.Major, i.Minor)
}

// Host describes the CPU of this node.
type Host struct {
	Brand        string
	LogicalCores int
	AVX512       bool
}

func HostInfo() Host {
	cores := cpuid.CPU.LogicalCores
	if cores < 1 {
		cores = 1
	}
	return Host{
		Brand:        cpuid.CPU.BrandName,
		LogicalCores: cores,
		AVX512:       cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
}

// Count returns the number of accelerators on this node, 0 on CPU only builds.
func Count() (int, error) {
	return count()
}

// List returns every accelerator on this node.
func List() ([]Info, error) {
	n, err := count()
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, n)
	for d := 0; d < n; d++ {
		info, err := describe(d)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

// Print writes a human readable inventory of the node.
func Print(w io.Writer) error {
	h := HostInfo()
	fmt.Fprintf(w, "CPU: %s, %d logical cores, avx512=%v\n", h.Brand, h.LogicalCores, h.AVX512)
	fmt.Fprintf(w, "Runtime: %s\n", runtimeVersion())
	devs, err := List()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Devices: %d\n", len(devs))
	for _, d := range devs {
		fmt.Fprintln(w, "  "+d.String())
	}
	return nil
}
