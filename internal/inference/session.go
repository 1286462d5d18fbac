package inference

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	initialized bool
	initMu      sync.Mutex
)

// Initialize sets up the ONNX Runtime environment (call once at startup).
func Initialize(libraryPath string) error {
	initMu.Lock()
	defer initMu.Unlock()

	if initialized {
		return nil
	}

	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
	}

	initialized = true
	return nil
}

// Shutdown cleans up the ONNX Runtime environment.
func Shutdown() error {
	initMu.Lock()
	defer initMu.Unlock()

	if !initialized {
		return nil
	}

	if err := ort.DestroyEnvironment(); err != nil {
		return err
	}

	initialized = false
	return nil
}

// Model is a loaded network that maps input tensors to output tensors.
// Implementations must be safe for the concurrency their backend allows;
// Provider.LoadModel returns a Model that already enforces it.
type Model interface {
	Run(inputs []Tensor) ([]Tensor, error)
	Close() error
}

// Config selects and tunes the execution provider.
type Config struct {
	Backend          Backend
	AllowCPUFallback bool
	LibraryPath      string
	// SerializeInference forces every model call through a single inference
	// worker even on backends that allow concurrent runs.
	SerializeInference bool
	StallTimeout       time.Duration
	Logger             *slog.Logger
}

// Provider owns the ONNX Runtime environment and every model loaded through
// it. Backend selection is fixed at Open.
type Provider struct {
	backend      Backend
	stallTimeout time.Duration
	log          *slog.Logger
	// worker is shared by every model when inference is serialized.
	worker *Worker

	mu     sync.Mutex
	models map[string]Model
	closed bool
}

// Open initializes the runtime and verifies the requested backend can be
// attached. If it cannot, Open fails with a BackendUnavailableError unless
// cfg.AllowCPUFallback is set.
func Open(cfg Config) (*Provider, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if _, err := ParseBackend(string(cfg.Backend)); err != nil {
		return nil, err
	}

	if err := Initialize(cfg.LibraryPath); err != nil {
		return nil, &BackendUnavailableError{Backend: cfg.Backend, Err: err}
	}

	backend := cfg.Backend
	if err := probe(backend); err != nil {
		if !cfg.AllowCPUFallback || backend == BackendCPU {
			return nil, &BackendUnavailableError{Backend: backend, Err: err}
		}
		log.Warn("execution backend unavailable, falling back to cpu", "backend", backend, "err", err)
		backend = BackendCPU
	}

	p := &Provider{
		backend:      backend,
		stallTimeout: cfg.StallTimeout,
		log:          log,
		models:       make(map[string]Model),
	}
	if cfg.SerializeInference || !backend.ConcurrentRun() {
		p.worker = NewWorker(cfg.StallTimeout)
	}
	log.Info("execution provider ready", "backend", backend, "serialized", p.worker != nil)
	return p, nil
}

// probe builds throwaway session options to check the provider attaches.
func probe(b Backend) error {
	options, err := newSessionOptions(b)
	if err != nil {
		return err
	}
	return options.Destroy()
}

// newSessionOptions creates session options with the backend's execution
// provider appended.
func newSessionOptions(b Backend) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}

	switch b {
	case BackendGPU:
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			options.Destroy()
			return nil, fmt.Errorf("cuda provider options: %w", err)
		}
		defer cudaOptions.Destroy()
		if err := cudaOptions.Update(map[string]string{"device_id": "0"}); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("cuda provider options: %w", err)
		}
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("append cuda provider: %w", err)
		}
	case BackendNeuralEngine:
		// Flag 0 = default settings, use Neural Engine + GPU
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			options.Destroy()
			return nil, fmt.Errorf("append coreml provider: %w", err)
		}
	}
	return options, nil
}

// Backend returns the backend models actually run on.
func (p *Provider) Backend() Backend {
	return p.backend
}

// LoadModel loads the model at path, or returns the cached handle when it
// was loaded before. The returned Model is owned by the Provider; callers
// must not Close it.
func (p *Provider) LoadModel(path string) (Model, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, &ModelLoadError{Path: path, Err: ErrClosed}
	}
	if m, ok := p.models[path]; ok {
		return m, nil
	}

	session, err := NewSession(p.backend, path)
	if err != nil {
		return nil, err
	}
	p.log.Info("model loaded", "path", path, "backend", p.backend,
		"inputs", session.InputNames(), "outputs", session.OutputNames())

	p.models[path] = borrowed{p.wrap(session)}
	return p.models[path], nil
}

func (p *Provider) wrap(m Model) Model {
	if p.worker != nil {
		return Serialized(m, p.worker)
	}
	return Watch(m, p.stallTimeout)
}

// Close releases every loaded model and the runtime environment.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.worker != nil {
		p.worker.Close()
	}

	var errs []error
	for path, m := range p.models {
		if b, ok := m.(borrowed); ok {
			if err := b.Model.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
			}
		}
	}
	p.models = nil

	if err := Shutdown(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// borrowed hides Close from consumers of cached models.
type borrowed struct {
	Model
}

func (borrowed) Close() error { return nil }

// Session wraps an ONNX Runtime inference session
type Session struct {
	session     *ort.DynamicAdvancedSession
	modelPath   string
	inputs      []ort.InputOutputInfo
	outputs     []ort.InputOutputInfo
	inputNames  []string
	outputNames []string
}

// NewSession creates a session for the model at modelPath on backend b.
// Input and output names are read from the model file.
func NewSession(b Backend, modelPath string) (*Session, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, &ModelLoadError{Path: modelPath, Err: err}
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, &ModelLoadError{Path: modelPath, Err: err}
	}

	options, err := newSessionOptions(b)
	if err != nil {
		return nil, &BackendUnavailableError{Backend: b, Err: err}
	}
	defer options.Destroy()

	inputNames := make([]string, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, &ModelLoadError{Path: modelPath, Err: err}
	}

	return &Session{
		session:     session,
		modelPath:   modelPath,
		inputs:      inputs,
		outputs:     outputs,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

// InputNames returns model input names in declaration order.
func (s *Session) InputNames() []string { return s.inputNames }

// OutputNames returns model output names in declaration order.
func (s *Session) OutputNames() []string { return s.outputNames }

// Run executes inference. Inputs are matched positionally against the
// model's declared inputs; outputs are allocated by the runtime and copied
// out before being released.
func (s *Session) Run(inputs []Tensor) ([]Tensor, error) {
	if s.session == nil {
		return nil, &InferenceError{Model: s.modelPath, Err: ErrClosed}
	}
	if len(inputs) != len(s.inputs) {
		return nil, &InferenceError{Model: s.modelPath,
			Err: fmt.Errorf("got %d inputs, model expects %d", len(inputs), len(s.inputs))}
	}

	values := make([]ort.Value, len(inputs))
	defer func() {
		for _, v := range values {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	for i, in := range inputs {
		if !matchShape(s.inputs[i].Dimensions, in.Shape) {
			return nil, &InferenceError{Model: s.modelPath,
				Err: fmt.Errorf("input %s: shape %v does not match %v", s.inputNames[i], in.Shape, s.inputs[i].Dimensions)}
		}
		t, err := ort.NewTensor(ort.NewShape(in.Shape...), in.Data)
		if err != nil {
			return nil, &InferenceError{Model: s.modelPath, Err: fmt.Errorf("input %s: %w", s.inputNames[i], err)}
		}
		values[i] = t
	}

	// nil outputs are allocated by onnxruntime
	outputs := make([]ort.Value, len(s.outputs))
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()
	if err := s.session.Run(values, outputs); err != nil {
		return nil, &InferenceError{Model: s.modelPath, Err: err}
	}

	result := make([]Tensor, len(outputs))
	for i, v := range outputs {
		t, ok := v.(*ort.Tensor[float32])
		if !ok {
			return nil, &InferenceError{Model: s.modelPath,
				Err: fmt.Errorf("output %s is not a float32 tensor", s.outputNames[i])}
		}
		data := make([]float32, len(t.GetData()))
		copy(data, t.GetData())
		result[i] = Tensor{Shape: append([]int64(nil), t.GetShape()...), Data: data}
	}
	return result, nil
}

// Close releases session resources
func (s *Session) Close() error {
	if s.session != nil {
		err := s.session.Destroy()
		s.session = nil
		return err
	}
	return nil
}
