// Package kernel is the closed registry of connectivity kernels. A kernel
// weights the UV offset between a neuron and a synapse location; its
// arguments are lengths expressed in real-world units.
package kernel

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/r2"
)

var (
	ErrKernelExists   = errors.New("kernel already registered")
	ErrKernelNotFound = errors.New("kernel not found")
	ErrKernelArgs     = errors.New("invalid kernel arguments")
)

// WeightFunc evaluates a kernel at a UV offset.
type WeightFunc func(du, dv float64, args []float64) float64

// ExtentFunc bounds the offsets where a kernel is non-zero.
type ExtentFunc func(args []float64) (lo, hi r2.Vec)

// Strategy describes a named kernel. Args is the exact argument count;
// Positive lists argument positions that must be strictly positive.
type Strategy struct {
	Name     string
	Args     int
	Positive []int
	Weight   WeightFunc
	Extent   ExtentFunc
}

var registry = struct {
	mu sync.RWMutex
	m  map[string]Strategy
}{
	m: make(map[string]Strategy),
}

func init() {
	registerBuiltIns()
}

// Register adds a strategy.
func Register(s Strategy) error {
	if s.Name == "" {
		return errors.New("kernel name is required")
	}
	if s.Weight == nil || s.Extent == nil {
		return fmt.Errorf("kernel %s: weight and extent are required", s.Name)
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, ok := registry.m[s.Name]; ok {
		return fmt.Errorf("%w: %s", ErrKernelExists, s.Name)
	}
	registry.m[s.Name] = s
	return nil
}

// MustRegister is Register that panics on error.
func MustRegister(s Strategy) {
	if err := Register(s); err != nil {
		panic(err)
	}
}

// Lookup returns the strategy registered under name.
func Lookup(name string) (Strategy, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	s, ok := registry.m[name]
	if !ok {
		return Strategy{}, fmt.Errorf("%w: %s", ErrKernelNotFound, name)
	}
	return s, nil
}

// Names lists registered kernels in sorted order.
func Names() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	out := make([]string, 0, len(registry.m))
	for name := range registry.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate checks name and arguments without building a kernel.
func Validate(name string, args []float64) error {
	_, err := New(name, args)
	return err
}

// Kernel is a strategy bound to its arguments.
type Kernel struct {
	strategy Strategy
	args     []float64
}

// New binds args to the named strategy.
func New(name string, args []float64) (*Kernel, error) {
	s, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	if len(args) != s.Args {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrKernelArgs, name, s.Args, len(args))
	}
	for _, a := range args {
		if math.IsNaN(a) || math.IsInf(a, 0) {
			return nil, fmt.Errorf("%w: %s: non-finite argument", ErrKernelArgs, name)
		}
	}
	for _, i := range s.Positive {
		if args[i] <= 0 {
			return nil, fmt.Errorf("%w: %s: argument %d must be positive, got %g", ErrKernelArgs, name, i, args[i])
		}
	}
	return &Kernel{strategy: s, args: append([]float64(nil), args...)}, nil
}

// Name returns the strategy name.
func (k *Kernel) Name() string { return k.strategy.Name }

// Args returns a copy of the bound arguments.
func (k *Kernel) Args() []float64 { return append([]float64(nil), k.args...) }

// Weight evaluates the kernel at a UV offset.
func (k *Kernel) Weight(du, dv float64) float64 { return k.strategy.Weight(du, dv, k.args) }

// Extent bounds the offsets where the kernel is non-zero.
func (k *Kernel) Extent() (r2.Vec, r2.Vec) { return k.strategy.Extent(k.args) }

// Scaled returns the kernel with every argument divided by factor, turning
// real-world lengths into UV lengths.
func (k *Kernel) Scaled(factor float64) *Kernel {
	args := make([]float64, len(k.args))
	for i, a := range k.args {
		args[i] = a / factor
	}
	return &Kernel{strategy: k.strategy, args: args}
}
