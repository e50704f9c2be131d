package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pam-connect/server/internal/cache"
	"github.com/pam-connect/server/internal/data/scene"
	"github.com/pam-connect/server/internal/mapping"
	"github.com/pam-connect/server/internal/spatial"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrNotComputed        = errors.New("connection not computed")
	ErrLayerNotFound      = errors.New("layer not found")
)

// PositionProvider returns the ordered positions of a population.
type PositionProvider interface {
	Positions(layer, population string) ([]r3.Vec, error)
}

// Population describes a neuron population of a scene.
type Population struct {
	Layer string
	Name  string
	Count int
}

// NeuronGroup is a population with its position in the model's group list.
type NeuronGroup struct {
	ID         int    `json:"id"`
	Layer      string `json:"layer"`
	Population string `json:"population"`
	Count      int    `json:"count"`
}

// ConnectionIndex links a connection to the groups it connects.
type ConnectionIndex struct {
	Connection int `json:"connection"`
	Source     int `json:"source"`
	Target     int `json:"target"`
}

// Options configure a model.
type Options struct {
	// Workers is the default pool size: 0 for one worker per CPU, -1 to run
	// sequentially.
	Workers int
	// Seed is the default global random seed.
	Seed int64
	// GridResolution is the cell size of the synapse grid in UV units.
	GridResolution float64
	Mapper         mapping.Options
	Logger         *log.Logger
}

// RunOptions control one computation.
type RunOptions struct {
	Workers  int
	Seed     int64
	Progress func(phase string, done, total int)
}

// Model holds the layers of a scene, the configured connections and their
// results. It replaces process-wide state: every cache it uses is owned by
// the model and cleared by Reset.
type Model struct {
	opts      Options
	logger    *log.Logger
	cache     *cache.Manager
	geoms     []mapping.Geometry
	positions PositionProvider
	groups    []NeuronGroup

	mu          sync.RWMutex
	mapper      *mapping.Mapper
	layers      []*mapping.Layer
	byName      map[string]*mapping.Layer
	connections []ConnectionSpec
	generations []uint64 // bumped by ReplaceConnection
	results     []*Result
}

// NewModel builds the layers of geoms. c may be nil.
func NewModel(geoms []mapping.Geometry, positions PositionProvider, populations []Population, c *cache.Manager, opts Options) (*Model, error) {
	if opts.GridResolution <= 0 {
		opts.GridResolution = spatial.DefaultResolution
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	m := &Model{
		opts:      opts,
		logger:    logger,
		cache:     c,
		geoms:     geoms,
		positions: positions,
	}
	for i, p := range populations {
		m.groups = append(m.groups, NeuronGroup{ID: i, Layer: p.Layer, Population: p.Name, Count: p.Count})
	}
	if err := m.Initialize(); err != nil {
		return nil, err
	}
	return m, nil
}

// FromScene builds a model over the layers and populations of sc.
func FromScene(sc *scene.Scene, c *cache.Manager, opts Options) (*Model, error) {
	meshes := sc.Layers()
	geoms := make([]mapping.Geometry, len(meshes))
	for i, g := range meshes {
		geoms[i] = g
	}
	var pops []Population
	for _, p := range sc.Populations() {
		pops = append(pops, Population{Layer: p.Layer, Name: p.Name, Count: p.Count})
	}
	return NewModel(geoms, sc, pops, c, opts)
}

// Initialize rebuilds the layer tables (UV scaling and cumulative areas) and
// drops their cached quadtrees.
func (m *Model) Initialize() error {
	layers := make([]*mapping.Layer, len(m.geoms))
	byName := make(map[string]*mapping.Layer, len(m.geoms))
	for i, g := range m.geoms {
		l, err := mapping.NewLayer(g)
		if err != nil {
			return fmt.Errorf("layer %s: %w", g.Name(), err)
		}
		if _, dup := byName[l.Name()]; dup {
			return fmt.Errorf("%w: duplicate layer %q", ErrConfiguration, l.Name())
		}
		layers[i] = l
		byName[l.Name()] = l
		if m.cache != nil {
			m.cache.Invalidate(l.Name())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers = layers
	m.byName = byName
	m.mapper = mapping.NewMapper(m.opts.Mapper, m.cache)
	m.logger.Printf("[Model] Initialized %d layers", len(layers))
	return nil
}

// Reset drops every result and the quadtree cache. Connections are kept.
func (m *Model) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.results {
		m.results[i] = nil
	}
	m.mapper = mapping.NewMapper(m.opts.Mapper, m.cache)
	if m.cache != nil {
		return m.cache.Reset()
	}
	return nil
}

// Mapper returns the mapper shared by the model's computations.
func (m *Model) Mapper() *mapping.Mapper {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mapper
}

// Layers returns the layers in scene order.
func (m *Model) Layers() []*mapping.Layer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*mapping.Layer(nil), m.layers...)
}

// Layer returns the named layer.
func (m *Model) Layer(name string) (*mapping.Layer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, name)
	}
	return l, nil
}

// RunDefaults returns the run options configured for the model.
func (m *Model) RunDefaults() RunOptions {
	return RunOptions{Workers: m.opts.Workers, Seed: m.opts.Seed}
}

// AddConnection validates c and appends it. It returns the index of the new
// connection.
func (m *Model) AddConnection(c ConnectionSpec) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.resolve(c); err != nil {
		return -1, err
	}
	m.connections = append(m.connections, c)
	m.generations = append(m.generations, 0)
	m.results = append(m.results, nil)
	return len(m.connections) - 1, nil
}

// ReplaceConnection validates c and replaces connection i, dropping its
// result.
func (m *Model) ReplaceConnection(i int, c ConnectionSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.connections) {
		return fmt.Errorf("%w: %d", ErrConnectionNotFound, i)
	}
	if _, err := m.resolve(c); err != nil {
		return err
	}
	m.connections[i] = c
	m.generations[i]++
	m.results[i] = nil
	return nil
}

// Connection returns connection i.
func (m *Model) Connection(i int) (ConnectionSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.connections) {
		return ConnectionSpec{}, fmt.Errorf("%w: %d", ErrConnectionNotFound, i)
	}
	return m.connections[i], nil
}

// Connections returns every configured connection.
func (m *Model) Connections() []ConnectionSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ConnectionSpec(nil), m.connections...)
}

// ConnectionByName returns the index of the connection labelled name.
func (m *Model) ConnectionByName(name string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, c := range m.connections {
		if c.Label() == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrConnectionNotFound, name)
}

// Result returns the last result of connection i.
func (m *Model) Result(i int) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.results) {
		return nil, fmt.Errorf("%w: %d", ErrConnectionNotFound, i)
	}
	if m.results[i] == nil {
		return nil, fmt.Errorf("%w: %d", ErrNotComputed, i)
	}
	return m.results[i], nil
}

// Errors returns the recorded failures of every computed connection, keyed
// by connection index.
func (m *Model) Errors() map[int][]ConnectionError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int][]ConnectionError)
	for i, r := range m.results {
		if r != nil && len(r.Errors) > 0 {
			out[i] = r.Errors
		}
	}
	return out
}

// NeuronGroups returns the populations of the scene in order.
func (m *Model) NeuronGroups() []NeuronGroup {
	return append([]NeuronGroup(nil), m.groups...)
}

// GroupID returns the group index of a population.
func (m *Model) GroupID(layer, population string) (int, bool) {
	for _, g := range m.groups {
		if g.Layer == layer && g.Population == population {
			return g.ID, true
		}
	}
	return -1, false
}

// ConnectionIndices links every connection to its source and target groups.
// Groups that are not part of the scene are reported as -1.
func (m *Model) ConnectionIndices() []ConnectionIndex {
	conns := m.Connections()
	out := make([]ConnectionIndex, len(conns))
	for i, c := range conns {
		src, _ := m.GroupID(c.SourceLayer(), c.Source.Population)
		dst, _ := m.GroupID(c.TargetLayer(), c.Target.Population)
		out[i] = ConnectionIndex{Connection: i, Source: src, Target: dst}
	}
	return out
}

// Compute (re)computes connection i and stores its result. A result is not
// stored when the connection was replaced while it was being computed.
func (m *Model) Compute(ctx context.Context, i int, ro RunOptions) (*Result, error) {
	m.mu.RLock()
	if i < 0 || i >= len(m.connections) {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %d", ErrConnectionNotFound, i)
	}
	spec := m.connections[i]
	gen := m.generations[i]
	p, err := m.resolve(spec)
	mapper := m.mapper
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	res, err := m.connect(ctx, mapper, p, ro)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.generations[i] == gen {
		m.results[i] = res
	}
	m.mu.Unlock()
	return res, nil
}

// ComputeAll computes every connection in order with the model defaults.
func (m *Model) ComputeAll(ctx context.Context) ([]*Result, error) {
	n := len(m.Connections())
	out := make([]*Result, n)
	for i := 0; i < n; i++ {
		res, err := m.Compute(ctx, i, m.RunDefaults())
		if err != nil {
			return out, fmt.Errorf("connection %d: %w", i, err)
		}
		out[i] = res
	}
	return out, nil
}
