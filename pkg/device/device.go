package device

import (
	"fmt"
	"strings"
)

// Device is the placement label carried by tensors and the inference adapter.
type Device string

const (
	CPU  Device = "cpu"
	CUDA Device = "cuda"
)

// Parse converts a user supplied device name to a Device.
func Parse(name string) (Device, error) {
	switch Device(strings.ToLower(strings.TrimSpace(name))) {
	case CPU:
		return CPU, nil
	case CUDA, "":
		return CUDA, nil
	default:
		return "", fmt.Errorf("unsupported device %q, expected one of [cuda, cpu]", name)
	}
}

// Resolve returns the requested device, or CPU when an accelerator was
// requested but the availability probe reports none.
func Resolve(requested Device, available func() bool) Device {
	if requested == CUDA && (available == nil || !available()) {
		return CPU
	}
	return requested
}

// AcceleratorAvailable reports whether an accelerator backend is usable.
// No accelerator backend is linked into this build, so models always run
// on the host.
func AcceleratorAvailable() bool {
	return false
}

// IsHost reports whether tensors on d live in host memory.
func (d Device) IsHost() bool {
	return d == CPU || d == ""
}

func (d Device) String() string {
	if d == "" {
		return string(CPU)
	}
	return string(d)
}
