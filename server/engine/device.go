package engine

import (
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/teilomillet/gollm"
	"go.uber.org/zap"
)

// Device modes.
const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// Probe reports whether the named accelerator is usable on this host.
type Probe func(device string) bool

// ResolveDevice maps the configured device mode to a concrete device.
// auto picks cuda when it is available and cpu otherwise. An explicit
// accelerator that is not available falls back to cpu with a warning.
func ResolveDevice(mode string, probe Probe, logger *zap.Logger) string {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode = strings.ToLower(strings.TrimSpace(mode))

	switch mode {
	case DeviceCPU:
		return DeviceCPU
	case "", DeviceAuto:
		if probe(DeviceCUDA) {
			return DeviceCUDA
		}
		return DeviceCPU
	default:
		if probe(mode) {
			return mode
		}
		logger.Warn("Requested device not available, falling back to cpu",
			zap.String("device", mode),
		)
		return DeviceCPU
	}
}

// DefaultProbe checks for the host-level signs of an accelerator.
func DefaultProbe(device string) bool {
	switch device {
	case DeviceCUDA:
		if _, err := os.Stat("/dev/nvidia0"); err == nil {
			return true
		}
		_, err := exec.LookPath("nvidia-smi")
		return err == nil
	case "rocm":
		_, err := os.Stat("/dev/kfd")
		return err == nil
	case "mps", "metal":
		return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
	default:
		return false
	}
}

// applyDevice pins a local provider to the resolved device. Hosted
// providers choose their own hardware.
func applyDevice(llm gollm.LLM, provider, device string) {
	if provider != "ollama" {
		return
	}
	if device == DeviceCPU {
		// ollama: no layers offloaded to a GPU
		llm.SetOption("num_gpu", 0)
	}
}
