package inference

import "fmt"

// Backend is the hardware execution provider a Provider runs models on.
// The set is closed; it is chosen once at startup.
type Backend string

const (
	BackendCPU          Backend = "cpu"
	BackendGPU          Backend = "gpu"
	BackendNeuralEngine Backend = "neural-engine"
)

// ParseBackend converts a configuration value into a Backend.
func ParseBackend(s string) (Backend, error) {
	switch Backend(s) {
	case BackendCPU, BackendGPU, BackendNeuralEngine:
		return Backend(s), nil
	case "coreml":
		// accepted alias for the CoreML execution provider
		return BackendNeuralEngine, nil
	case "cuda":
		return BackendGPU, nil
	}
	return "", fmt.Errorf("invalid backend %q (use cpu, gpu or neural-engine)", s)
}

// ConcurrentRun reports whether sessions on this backend tolerate
// concurrent Run calls. CoreML sessions are serialized.
func (b Backend) ConcurrentRun() bool {
	return b != BackendNeuralEngine
}

func (b Backend) String() string {
	return string(b)
}
