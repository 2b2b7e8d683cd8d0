//go:build !cuda

package device

import "fmt"

func runtimeVersion() string { return "cpu only (built without the cuda tag)" }

func count() (int, error) { return 0, nil }

func describe(d int) (Info, error) {
	return Info{}, fmt.Errorf("device %d: built without the cuda tag", d)
}
