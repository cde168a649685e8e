package device

import (
	"runtime"
	"strings"

	"vitforge/internal/errkind"
)

// Kind names a compute device.
type Kind string

const (
	CPU  Kind = "cpu"
	Auto Kind = "auto"
)

// Device is the single compute device a run uses from start to finish.
type Device struct {
	Kind Kind
	// Threads is informational; the training loop itself is single threaded.
	Threads int
}

// Select resolves a configured device name. "auto" picks the best available
// device, which is always the CPU since no accelerator backend is built in.
func Select(name string) (Device, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(name))) {
	case "", Auto, CPU:
		return Device{Kind: CPU, Threads: runtime.GOMAXPROCS(0)}, nil
	case "gpu", "cuda", "mps":
		return Device{}, errkind.Configf("device %q is not supported by this build", name)
	default:
		return Device{}, errkind.Configf("unknown device %q", name)
	}
}

func (d Device) String() string {
	return string(d.Kind)
}
