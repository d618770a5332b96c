package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Kind identifies a compute backend tier.
type Kind string

const (
	KindCUDA   Kind = "cuda"   // high-performance GPU
	KindCoreML Kind = "coreml" // generic GPU / neural engine
	KindCPU    Kind = "cpu"
)

// Preference selects which tiers the selector may try.
type Preference string

const (
	PreferAuto Preference = "auto"
	PreferGPU  Preference = "gpu"
	PreferCPU  Preference = "cpu"
)

// tierOrder is the fixed probe order: highest capability first.
var tierOrder = []Kind{KindCUDA, KindCoreML, KindCPU}

// ErrUnavailable is returned when no backend tier can be initialized.
var ErrUnavailable = errors.New("backend: no usable compute backend")

// ErrReleased is returned when a released backend is used again.
var ErrReleased = errors.New("backend: backend already released")

// The ONNX Runtime environment is process-global; backends refcount it
// so releasing one backend cannot tear the environment out from under
// another that is still live.
var (
	envRefs int
	envMu   sync.Mutex
)

// initEnvironment acquires a reference on the ONNX Runtime environment,
// initializing it on the first.
func initEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
		}
	}
	envRefs++
	return nil
}

// shutdownEnvironment drops a reference and tears the environment down
// once the last holder is gone.
func shutdownEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs > 0 {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Backend wraps one inference execution context. All sessions created from
// it share a single submission queue: inference runtimes do not support
// concurrent calls on one execution context.
type Backend struct {
	kind        Kind
	initialized bool

	mu       sync.Mutex // serializes Run across all sessions
	stateMu  sync.Mutex
	released bool
}

// Kind reports the tier this backend runs on.
func (b *Backend) Kind() Kind { return b.kind }

// Accelerated reports whether the backend runs on a GPU tier.
func (b *Backend) Accelerated() bool { return b.kind != KindCPU }

// Release tears down the backend. Sessions must be closed by their owners
// first; after Release the backend cannot create or run sessions again.
// Device memory is not reclaimed automatically by the runtime on object
// destruction, so callers must invoke Release on every job exit path.
func (b *Backend) Release() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.released {
		return nil
	}
	b.released = true
	b.initialized = false
	return shutdownEnvironment()
}

func (b *Backend) checkUsable() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.released {
		return ErrReleased
	}
	return nil
}

// Prober reports whether a tier's execution provider can be initialized.
// Swappable so that selection fallback is testable without hardware.
type Prober func(kind Kind) error

// probeProvider attempts to construct session options carrying the tier's
// execution provider. Driver mismatch, missing runtime components and
// similar environment faults surface here, before any model is loaded.
func probeProvider(kind Kind) error {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	return appendProvider(opts, kind)
}

func appendProvider(opts *ort.SessionOptions, kind Kind) error {
	switch kind {
	case KindCUDA:
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("cuda provider options: %w", err)
		}
		defer cudaOpts.Destroy()
		return opts.AppendExecutionProviderCUDA(cudaOpts)
	case KindCoreML:
		return opts.AppendExecutionProviderCoreML(0)
	case KindCPU:
		return nil // CPU is the implicit provider
	default:
		return fmt.Errorf("unknown backend kind %q", kind)
	}
}

// Selector chooses a compute backend by probing tiers in capability order.
type Selector struct {
	Probe  Prober
	Logger *slog.Logger
}

// NewSelector returns a selector using the real provider probe.
func NewSelector(logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{Probe: probeProvider, Logger: logger}
}

// Select initializes the runtime and picks the highest-capability tier
// that probes successfully. A probe failure falls through to the next
// tier rather than failing the job: hardware and driver environments are
// heterogeneous and cannot be verified ahead of time. The result is fixed
// for the job; a mid-job hardware fault is fatal, never a re-selection.
func (s *Selector) Select(pref Preference) (*Backend, error) {
	if err := initEnvironment(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	for _, kind := range candidates(pref) {
		if err := s.Probe(kind); err != nil {
			s.Logger.Warn("backend tier unavailable, falling back",
				"kind", kind, "error", err)
			continue
		}
		s.Logger.Info("compute backend selected", "kind", kind)
		return &Backend{kind: kind, initialized: true}, nil
	}

	// Unreachable with the default prober (CPU always probes clean), but
	// an injected prober may refuse every tier.
	if err := shutdownEnvironment(); err != nil {
		s.Logger.Warn("runtime shutdown after failed selection", "error", err)
	}
	return nil, ErrUnavailable
}

func candidates(pref Preference) []Kind {
	if pref == PreferCPU {
		return []Kind{KindCPU}
	}
	return tierOrder
}
