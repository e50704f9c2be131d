// Package scene reads scene files: the surface layers of a model and the
// neuron populations placed on them. Scenes are stored as JSON, YAML or
// zstd-compressed JSON.
package scene

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"github.com/pam-connect/server/internal/mesh"
)

var (
	ErrLayerNotFound      = errors.New("layer not found")
	ErrPopulationNotFound = errors.New("population not found")
)

// Format is the encoding of a scene file.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
	FormatJSONZstd
)

// Document is the on-disk form of a scene.
type Document struct {
	Name        string           `json:"name" yaml:"name"`
	Layers      []LayerSpec      `json:"layers" yaml:"layers"`
	Populations []PopulationSpec `json:"populations" yaml:"populations"`
}

// LayerSpec describes one surface: either explicit geometry or a generated
// grid or box.
type LayerSpec struct {
	Name     string         `json:"name" yaml:"name"`
	Vertices [][3]float64   `json:"vertices,omitempty" yaml:"vertices,omitempty"`
	Polygons [][]int        `json:"polygons,omitempty" yaml:"polygons,omitempty"`
	UVs      [][][2]float64 `json:"uvs,omitempty" yaml:"uvs,omitempty"`
	Grid     *GridSpec      `json:"grid,omitempty" yaml:"grid,omitempty"`
	Box      *BoxSpec       `json:"box,omitempty" yaml:"box,omitempty"`
}

// GridSpec generates a flat subdivided rectangle.
type GridSpec struct {
	Origin    [2]float64 `json:"origin" yaml:"origin"`
	Size      [2]float64 `json:"size" yaml:"size"`
	Z         float64    `json:"z" yaml:"z"`
	Divisions [2]int     `json:"divisions" yaml:"divisions"`
}

// BoxSpec generates a closed axis-aligned box.
type BoxSpec struct {
	Min [3]float64 `json:"min" yaml:"min"`
	Max [3]float64 `json:"max" yaml:"max"`
}

// PopulationSpec lists the positions of a named population on a layer.
type PopulationSpec struct {
	Layer     string       `json:"layer" yaml:"layer"`
	Name      string       `json:"name" yaml:"name"`
	Positions [][3]float64 `json:"positions" yaml:"positions"`
}

// PopulationInfo summarises a population.
type PopulationInfo struct {
	Layer string `json:"layer"`
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type populationKey struct{ layer, name string }

// Scene holds the decoded layers and populations.
type Scene struct {
	Name        string
	layers      []*mesh.Mesh
	byName      map[string]*mesh.Mesh
	populations map[populationKey][]r3.Vec
	order       []PopulationInfo
}

// DetectFormat picks the format from a file name.
func DetectFormat(path string) (Format, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".json.zst"):
		return FormatJSONZstd, nil
	case strings.HasSuffix(lower, ".json"):
		return FormatJSON, nil
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		return FormatYAML, nil
	}
	return 0, fmt.Errorf("unsupported scene file %s", filepath.Base(path))
}

// Load reads and builds a scene file.
func Load(path string) (*Scene, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scene: %w", err)
	}
	return Decode(data, format)
}

// Decode parses scene data in the given format.
func Decode(data []byte, format Format) (*Scene, error) {
	var doc Document
	switch format {
	case FormatJSONZstd:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer decoder.Close()
		raw, err := decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed: %w", err)
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse scene: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse scene: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse scene: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown scene format %d", format)
	}
	return Build(doc)
}

// Build turns a document into meshes and populations.
func Build(doc Document) (*Scene, error) {
	s := &Scene{
		Name:        doc.Name,
		byName:      make(map[string]*mesh.Mesh, len(doc.Layers)),
		populations: make(map[populationKey][]r3.Vec, len(doc.Populations)),
	}
	for i, spec := range doc.Layers {
		if spec.Name == "" {
			return nil, fmt.Errorf("layer %d has no name", i)
		}
		if _, dup := s.byName[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate layer %s", spec.Name)
		}
		m, err := buildLayer(spec)
		if err != nil {
			return nil, err
		}
		s.layers = append(s.layers, m)
		s.byName[spec.Name] = m
	}

	for _, p := range doc.Populations {
		if _, ok := s.byName[p.Layer]; !ok {
			return nil, fmt.Errorf("population %s: %w: %s", p.Name, ErrLayerNotFound, p.Layer)
		}
		key := populationKey{p.Layer, p.Name}
		if _, dup := s.populations[key]; dup {
			return nil, fmt.Errorf("duplicate population %s on %s", p.Name, p.Layer)
		}
		pos := make([]r3.Vec, len(p.Positions))
		for i, v := range p.Positions {
			pos[i] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
		}
		s.populations[key] = pos
		s.order = append(s.order, PopulationInfo{Layer: p.Layer, Name: p.Name, Count: len(pos)})
	}
	return s, nil
}

func buildLayer(spec LayerSpec) (*mesh.Mesh, error) {
	switch {
	case spec.Grid != nil:
		g := spec.Grid
		return mesh.Grid(spec.Name, g.Origin[0], g.Origin[1], g.Size[0], g.Size[1], g.Z, g.Divisions[0], g.Divisions[1])
	case spec.Box != nil:
		b := spec.Box
		return mesh.Box(spec.Name, r3.Vec{X: b.Min[0], Y: b.Min[1], Z: b.Min[2]}, r3.Vec{X: b.Max[0], Y: b.Max[1], Z: b.Max[2]})
	}

	verts := make([]r3.Vec, len(spec.Vertices))
	for i, v := range spec.Vertices {
		verts[i] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	}
	var uvs [][]r2.Vec
	if len(spec.UVs) > 0 {
		uvs = make([][]r2.Vec, len(spec.UVs))
		for i, loop := range spec.UVs {
			uvs[i] = make([]r2.Vec, len(loop))
			for k, uv := range loop {
				uvs[i][k] = r2.Vec{X: uv[0], Y: uv[1]}
			}
		}
	}
	return mesh.New(spec.Name, verts, spec.Polygons, uvs)
}

// Layers returns the meshes in file order.
func (s *Scene) Layers() []*mesh.Mesh { return s.layers }

// Layer returns a mesh by name.
func (s *Scene) Layer(name string) (*mesh.Mesh, error) {
	m, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, name)
	}
	return m, nil
}

// Positions returns the positions of a population. The slice must not be
// modified.
func (s *Scene) Positions(layer, population string) ([]r3.Vec, error) {
	pos, ok := s.populations[populationKey{layer, population}]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrPopulationNotFound, population, layer)
	}
	return pos, nil
}

// Populations lists populations in file order.
func (s *Scene) Populations() []PopulationInfo { return s.order }
