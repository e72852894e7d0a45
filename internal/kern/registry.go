package kern

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	SupportedSchemaVersion = 1
	SupportedCodecVersion  = 1
)

var (
	ErrKernelExists   = errors.New("kernel already registered")
	ErrKernelNotFound = errors.New("kernel not found")
	ErrKernelVersion  = errors.New("kernel version mismatch")
	ErrKernelParams   = errors.New("invalid kernel parameters")
)

// Params are the named hyperparameters passed to a Factory.
type Params map[string]float64

func (p Params) get(key string, fallback float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return fallback
}

type Factory func(params Params) (Function, error)

type Spec struct {
	Name          string
	Factory       Factory
	SchemaVersion int
	CodecVersion  int
}

type registeredKernel struct {
	factory       Factory
	schemaVersion int
	codecVersion  int
}

var kernelRegistry = struct {
	mu sync.RWMutex
	m  map[string]registeredKernel
}{
	m: make(map[string]registeredKernel),
}

func init() {
	initializeBuiltInKernels()
}

func initializeBuiltInKernels() {
	MustRegister("squared_exp", func(params Params) (Function, error) {
		k := SquaredExp{
			LengthScale: params.get("length_scale", 1),
			Variance:    params.get("variance", 1),
		}
		if k.LengthScale <= 0 {
			return nil, fmt.Errorf("%w: length_scale must be > 0, got %g", ErrKernelParams, k.LengthScale)
		}
		if k.Variance <= 0 {
			return nil, fmt.Errorf("%w: variance must be > 0, got %g", ErrKernelParams, k.Variance)
		}
		return k, nil
	})
	MustRegister("dot_product", func(Params) (Function, error) {
		return DotProduct{}, nil
	})
	MustRegister("polynomial", func(params Params) (Function, error) {
		degree := params.get("degree", 2)
		if degree < 1 || degree != float64(int(degree)) {
			return nil, fmt.Errorf("%w: degree must be a positive integer, got %g", ErrKernelParams, degree)
		}
		return Polynomial{Degree: int(degree), Offset: params.get("offset", 0)}, nil
	})
}

func Register(name string, factory Factory) error {
	return RegisterWithSpec(Spec{
		Name:          name,
		Factory:       factory,
		SchemaVersion: SupportedSchemaVersion,
		CodecVersion:  SupportedCodecVersion,
	})
}

func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

func RegisterWithSpec(spec Spec) error {
	if spec.Name == "" {
		return errors.New("kernel name is required")
	}
	if spec.Factory == nil {
		return errors.New("kernel factory is required")
	}
	if spec.SchemaVersion != SupportedSchemaVersion || spec.CodecVersion != SupportedCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrKernelVersion, spec.SchemaVersion, spec.CodecVersion)
	}

	kernelRegistry.mu.Lock()
	defer kernelRegistry.mu.Unlock()

	if _, exists := kernelRegistry.m[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrKernelExists, spec.Name)
	}
	kernelRegistry.m[spec.Name] = registeredKernel{
		factory:       spec.Factory,
		schemaVersion: spec.SchemaVersion,
		codecVersion:  spec.CodecVersion,
	}
	return nil
}

// New builds the named kernel with the given hyperparameters.
func New(name string, params Params) (Function, error) {
	kernelRegistry.mu.RLock()
	entry, ok := kernelRegistry.m[name]
	kernelRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKernelNotFound, name)
	}
	if entry.schemaVersion != SupportedSchemaVersion || entry.codecVersion != SupportedCodecVersion {
		return nil, fmt.Errorf("%w: %s", ErrKernelVersion, name)
	}
	return entry.factory(params)
}

// NewProduct builds a Product from several registered kernels sharing params.
func NewProduct(names []string, params Params) (Function, error) {
	if len(names) == 1 {
		return New(names[0], params)
	}
	out := make(Product, 0, len(names))
	for _, name := range names {
		f, err := New(name, params)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := out.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKernelParams, err)
	}
	return out, nil
}

func List() []string {
	kernelRegistry.mu.RLock()
	defer kernelRegistry.mu.RUnlock()

	names := make([]string, 0, len(kernelRegistry.m))
	for name := range kernelRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetRegistryForTests() {
	kernelRegistry.mu.Lock()
	kernelRegistry.m = make(map[string]registeredKernel)
	kernelRegistry.mu.Unlock()
	initializeBuiltInKernels()
}
