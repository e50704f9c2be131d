package service

import (
	"context"
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pam-connect/server/internal/cache"
	"github.com/pam-connect/server/internal/data/scene"
	"github.com/pam-connect/server/internal/mapping"
)

func TestAddConnection_ConfigurationErrors(t *testing.T) {
	m := stackedModel(t, WorkersSequential)
	tests := []struct {
		name   string
		modify func(c *ConnectionSpec)
	}{
		{"no layers", func(c *ConnectionSpec) { c.Layers = nil; c.Mapping = nil; c.Distance = nil }},
		{"mapping length", func(c *ConnectionSpec) { c.Mapping = c.Mapping[:1] }},
		{"distance length", func(c *ConnectionSpec) { c.Distance = append(c.Distance, mapping.DistDirect) }},
		{"synapse layer high", func(c *ConnectionSpec) { c.SynapseLayer = 3 }},
		{"synapse layer negative", func(c *ConnectionSpec) { c.SynapseLayer = -1 }},
		{"mapping operator", func(c *ConnectionSpec) { c.Mapping[0] = mapping.MappingOp(9) }},
		{"distance operator", func(c *ConnectionSpec) { c.Distance[1] = mapping.DistanceOp(-2) }},
		{"unknown layer", func(c *ConnectionSpec) { c.Layers[1] = "nowhere" }},
		{"unknown kernel", func(c *ConnectionSpec) { c.SourceKernel.Name = "cauchy" }},
		{"kernel args", func(c *ConnectionSpec) { c.TargetKernel.Args = []float64{1} }},
		{"no synapses", func(c *ConnectionSpec) { c.Synapses = 0 }},
		{"unknown population", func(c *ConnectionSpec) { c.Target.Population = "ghosts" }},
		{"population layer", func(c *ConnectionSpec) { c.Source.Layer = "syn" }},
		{"topology", func(c *ConnectionSpec) { c.Mapping[0] = mapping.MapTopology }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := stackedSpec()
			spec.Layers = append([]string(nil), spec.Layers...)
			spec.Mapping = append([]mapping.MappingOp(nil), spec.Mapping...)
			spec.Distance = append([]mapping.DistanceOp(nil), spec.Distance...)
			tt.modify(&spec)
			idx, err := m.AddConnection(spec)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("AddConnection error = %v, want ErrConfiguration", err)
			}
			if idx != -1 {
				t.Errorf("index = %d, want -1", idx)
			}
		})
	}
	if n := len(m.Connections()); n != 0 {
		t.Errorf("%d connections stored after failures", n)
	}
}

func TestModel_Registry(t *testing.T) {
	m := stackedModel(t, WorkersSequential)
	i0, err := m.AddConnection(stackedSpec())
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	second := stackedSpec()
	second.Name = "second"
	i1, err := m.AddConnection(second)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if i0 != 0 || i1 != 1 {
		t.Fatalf("indices = %d, %d", i0, i1)
	}
	if i, err := m.ConnectionByName("second"); err != nil || i != 1 {
		t.Errorf("ConnectionByName = %d, %v", i, err)
	}
	if _, err := m.ConnectionByName("third"); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("ConnectionByName(third) error = %v", err)
	}
	if _, err := m.Result(0); !errors.Is(err, ErrNotComputed) {
		t.Errorf("Result before compute: %v", err)
	}
	if _, err := m.Result(5); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("Result(5): %v", err)
	}

	results, err := m.ComputeAll(context.Background())
	if err != nil {
		t.Fatalf("ComputeAll: %v", err)
	}
	if len(results) != 2 || results[0] == nil || results[1] == nil {
		t.Fatalf("ComputeAll returned %v", results)
	}
	if r, _ := m.Result(1); r != results[1] {
		t.Error("Result(1) is not the computed result")
	}

	replaced := stackedSpec()
	replaced.Name = "replaced"
	replaced.Synapses = 2
	if err := m.ReplaceConnection(1, replaced); err != nil {
		t.Fatalf("ReplaceConnection: %v", err)
	}
	if _, err := m.Result(1); !errors.Is(err, ErrNotComputed) {
		t.Errorf("replaced connection keeps its result: %v", err)
	}
	res, err := m.Compute(context.Background(), 1, m.RunDefaults())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if res.Cols() != 2 || res.Connection != "replaced" {
		t.Errorf("recomputed result: %d cols, name %q", res.Cols(), res.Connection)
	}
	if err := m.ReplaceConnection(9, replaced); !errors.Is(err, ErrConnectionNotFound) {
		t.Errorf("ReplaceConnection(9): %v", err)
	}

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := m.Result(0); !errors.Is(err, ErrNotComputed) {
		t.Errorf("Result after Reset: %v", err)
	}
	if n := len(m.Connections()); n != 2 {
		t.Errorf("Reset dropped connections: %d left", n)
	}
}

func TestCompute_ReplacedDuringRun(t *testing.T) {
	m, spec := identityModel(t)
	idx, err := m.AddConnection(spec)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	wider := spec
	wider.Synapses = 2

	replaced := false
	ro := m.RunDefaults()
	ro.Progress = func(phase string, done, total int) {
		if !replaced {
			replaced = true
			if err := m.ReplaceConnection(idx, wider); err != nil {
				t.Errorf("ReplaceConnection: %v", err)
			}
		}
	}
	res, err := m.Compute(context.Background(), idx, ro)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !replaced || res.Cols() != 1 {
		t.Fatalf("replaced=%v cols=%d", replaced, res.Cols())
	}
	if _, err := m.Result(idx); !errors.Is(err, ErrNotComputed) {
		t.Errorf("result of the replaced connection was stored: %v", err)
	}

	res, err = m.Compute(context.Background(), idx, m.RunDefaults())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if got, err := m.Result(idx); err != nil || got != res || got.Cols() != 2 {
		t.Errorf("Result = %v, %v", got, err)
	}
}

func TestModel_Groups(t *testing.T) {
	m := stackedModel(t, WorkersSequential)
	groups := m.NeuronGroups()
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(groups))
	}
	if g := groups[1]; g.ID != 1 || g.Layer != "post" || g.Population != "b" || g.Count != 15 {
		t.Errorf("group 1 = %+v", g)
	}
	if _, err := m.AddConnection(stackedSpec()); err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	idx := m.ConnectionIndices()
	if len(idx) != 1 || idx[0] != (ConnectionIndex{Connection: 0, Source: 0, Target: 1}) {
		t.Errorf("ConnectionIndices = %+v", idx)
	}
	if _, ok := m.GroupID("pre", "b"); ok {
		t.Error("GroupID found a population on the wrong layer")
	}
}

func TestModel_LayersAndCache(t *testing.T) {
	c, err := cache.NewManager(cache.Config{QuadtreeEntries: 8, PayloadSizeMB: 1})
	if err != nil {
		t.Fatalf("cache.NewManager: %v", err)
	}
	defer c.Close()

	sc, err := scene.Build(scene.Document{Layers: []scene.LayerSpec{grid("plane", 0, 0, 2)}})
	if err != nil {
		t.Fatalf("scene.Build: %v", err)
	}
	m, err := FromScene(sc, c, Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("FromScene: %v", err)
	}
	l, err := m.Layer("plane")
	if err != nil {
		t.Fatalf("Layer: %v", err)
	}
	if math.Abs(l.UVScaling()-1) > tol {
		t.Errorf("UVScaling = %g, want 1", l.UVScaling())
	}
	if _, err := m.Layer("missing"); !errors.Is(err, ErrLayerNotFound) {
		t.Errorf("Layer(missing): %v", err)
	}

	if _, ok := m.Mapper().Inverse(l, r2.Vec{X: 0.5, Y: 0.5}); !ok {
		t.Fatal("Inverse failed on the layer")
	}
	if !c.HasQuadtree("plane") {
		t.Fatal("quadtree not cached")
	}
	if err := m.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.HasQuadtree("plane") {
		t.Error("Reset kept the quadtree")
	}
	m.Mapper().Inverse(l, r2.Vec{X: 0.5, Y: 0.5})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if c.HasQuadtree("plane") {
		t.Error("Initialize kept the quadtree")
	}
}

func TestComputeProbabilities(t *testing.T) {
	m, spec := identityModel(t)
	idx, err := m.AddConnection(spec)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	p, err := m.ComputeProbabilities(context.Background(), idx, KernelSpec{}, m.RunDefaults())
	if err != nil {
		t.Fatalf("ComputeProbabilities: %v", err)
	}
	r, c := p.Probability.Dims()
	if r != 3 || c != 3 {
		t.Fatalf("dims = %dx%d", r, c)
	}
	step := math.Sqrt(2) * 0.4
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			wantP, wantD := 0.0, math.Abs(float64(a-b))*step
			if a == b {
				wantP = 1
			}
			if got := p.Probability.At(a, b); got != wantP {
				t.Errorf("P(%d,%d) = %g, want %g", a, b, got, wantP)
			}
			if got := p.Distance.At(a, b); math.Abs(got-wantD) > 1e-6 {
				t.Errorf("D(%d,%d) = %g, want %g", a, b, got, wantD)
			}
		}
	}

	wide, err := m.ComputeProbabilities(context.Background(), idx, KernelSpec{Name: "unity"}, m.RunDefaults())
	if err != nil {
		t.Fatalf("ComputeProbabilities(unity): %v", err)
	}
	if got := wide.Probability.At(0, 2); got != 1 {
		t.Errorf("unity P(0,2) = %g", got)
	}
	if _, err := m.ComputeProbabilities(context.Background(), idx, KernelSpec{Name: "nope"}, m.RunDefaults()); !errors.Is(err, ErrConfiguration) {
		t.Errorf("unknown kernel error = %v", err)
	}
}

func TestPreSynapticDistance(t *testing.T) {
	m := stackedModel(t, WorkersSequential)
	direct, err := m.AddConnection(stackedSpec())
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	surface := stackedSpec()
	surface.Name = "surface"
	surface.Distance = []mapping.DistanceOp{mapping.DistEuclidUV, mapping.DistEuclidUV}
	viaUV, err := m.AddConnection(surface)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	if _, _, err := m.PreSynapticDistance(direct, 0, nil); !errors.Is(err, ErrNotComputed) {
		t.Fatalf("PreSynapticDistance before compute: %v", err)
	}
	if _, err := m.ComputeAll(context.Background()); err != nil {
		t.Fatalf("ComputeAll: %v", err)
	}

	// A direct last hop leaves the path at the source neuron.
	d, path, err := m.PreSynapticDistance(direct, 0, nil)
	if err != nil {
		t.Fatalf("PreSynapticDistance: %v", err)
	}
	if d != 0 || len(path) != 1 {
		t.Errorf("direct: distance %g over %d points, want 0 over 1", d, len(path))
	}

	// pre and syn are parallel planes one unit apart.
	d, path, err = m.PreSynapticDistance(viaUV, 0, nil)
	if err != nil {
		t.Fatalf("PreSynapticDistance: %v", err)
	}
	if d < 1-1e-9 || len(path) != 2 {
		t.Errorf("surface: distance %g over %d points, want at least 1 over 2", d, len(path))
	}
	only, _, err := m.PreSynapticDistance(viaUV, 0, []int{-1, 99})
	if err != nil {
		t.Fatalf("PreSynapticDistance: %v", err)
	}
	if math.Abs(only-1) > 1e-9 {
		t.Errorf("no valid slots: distance %g, want 1", only)
	}
	if _, _, err := m.PreSynapticDistance(direct, 99, nil); err == nil {
		t.Error("out of range neuron accepted")
	}
}

func TestUVDistances(t *testing.T) {
	doc := scene.Document{
		Layers: []scene.LayerSpec{
			grid("plane", 0, 0, 1),
			{Name: "wide", Grid: &scene.GridSpec{Size: [2]float64{2, 2}, Z: 1, Divisions: [2]int{1, 1}}},
			grid("far", 5, 0, 1),
		},
		Populations: []scene.PopulationSpec{
			{Layer: "plane", Name: "pre", Positions: [][3]float64{{0.11, 0.11, 0}, {0.51, 0.51, 0}, {0.91, 0.91, 0}}},
			{Layer: "plane", Name: "post", Positions: [][3]float64{{0.115, 0.11, 0}, {0.515, 0.51, 0}, {0.915, 0.91, 0}}},
		},
	}
	m := newTestModel(t, doc, Options{Workers: WorkersSequential})
	_, spec := identityModel(t)
	idx, err := m.AddConnection(spec)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	res, err := m.Compute(context.Background(), idx, m.RunDefaults())
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for i := range res.Connections {
		if res.Connections[i][0] != i {
			t.Fatalf("row %d connects to %v", i, res.Connections[i])
		}
	}

	tests := []struct {
		common string
		want   float64
	}{
		{"plane", 0.005},
		// UV offsets are halved on the wide layer and its scaling is 2.
		{"wide", 0.005},
		// Closest points on the far layer all lie on its x=5 edge.
		{"far", 0},
	}
	for _, tt := range tests {
		t.Run(tt.common, func(t *testing.T) {
			d, err := m.UVDistances(context.Background(), idx, tt.common)
			if err != nil {
				t.Fatalf("UVDistances: %v", err)
			}
			for i, row := range d {
				if len(row) != 1 || math.Abs(row[0]-tt.want) > 1e-6 {
					t.Errorf("row %d = %v, want [%g]", i, row, tt.want)
				}
			}
		})
	}

	if _, err := m.UVDistances(context.Background(), idx, "nowhere"); !errors.Is(err, ErrLayerNotFound) {
		t.Errorf("unknown common layer: %v", err)
	}
}

func TestPopulationHelpers(t *testing.T) {
	m := stackedModel(t, WorkersSequential)

	i, d, err := m.NearestParticle("far", "lost", r3.Vec{X: 5.5, Y: 0.45, Z: 0})
	if err != nil || i != 1 || math.Abs(d-0.05) > 1e-9 {
		t.Errorf("NearestParticle = %d, %g, %v", i, d, err)
	}
	if _, _, err := m.NearestParticle("far", "ghosts", r3.Vec{}); !errors.Is(err, scene.ErrPopulationNotFound) {
		t.Errorf("NearestParticle(ghosts): %v", err)
	}

	near, err := m.MaskParticles("pre", "a", "syn", 1.5)
	if err != nil {
		t.Fatalf("MaskParticles: %v", err)
	}
	if len(near) != 20 {
		t.Errorf("MaskParticles(1.5) = %d neurons, want 20", len(near))
	}
	far, err := m.MaskParticles("pre", "a", "syn", 0.5)
	if err != nil {
		t.Fatalf("MaskParticles: %v", err)
	}
	if len(far) != 0 {
		t.Errorf("MaskParticles(0.5) = %v, want none", far)
	}

	dm, err := m.DistanceToMask("post", "b", 0, "syn")
	if err != nil || math.Abs(dm-1) > 1e-9 {
		t.Errorf("DistanceToMask = %g, %v", dm, err)
	}
	if _, err := m.DistanceToMask("post", "b", 15, "syn"); err == nil {
		t.Error("DistanceToMask accepted an out of range neuron")
	}

	perm, err := m.SortByUV("far", "lost", 'v')
	if err != nil {
		t.Fatalf("SortByUV: %v", err)
	}
	if len(perm) != 3 || perm[0] != 0 || perm[1] != 1 || perm[2] != 2 {
		t.Errorf("SortByUV(v) = %v", perm)
	}
	if _, err := m.SortByUV("far", "lost", 'w'); err == nil {
		t.Error("SortByUV accepted axis w")
	}
}
