package mapping

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pam-connect/server/internal/geom"
)

// Chain is an ordered list of layers with one mapping and one distance
// operator per hop.
type Chain struct {
	Layers   []*Layer
	Mapping  []MappingOp
	Distance []DistanceOp
}

// Hops returns the number of hops.
func (c Chain) Hops() int { return len(c.Mapping) }

// Validate checks lengths and operator codes.
func (c Chain) Validate() error {
	if len(c.Layers) == 0 {
		return fmt.Errorf("%w: no layers", ErrInvalidChain)
	}
	if len(c.Mapping) != len(c.Layers)-1 || len(c.Distance) != len(c.Layers)-1 {
		return fmt.Errorf("%w: %d layers need %d mapping and distance operators, got %d and %d",
			ErrInvalidChain, len(c.Layers), len(c.Layers)-1, len(c.Mapping), len(c.Distance))
	}
	for i := range c.Mapping {
		if !c.Mapping[i].Valid() {
			return fmt.Errorf("%w: hop %d: mapping operator %d", ErrInvalidChain, i, int(c.Mapping[i]))
		}
		if !c.Distance[i].Valid() {
			return fmt.Errorf("%w: hop %d: distance operator %d", ErrInvalidChain, i, int(c.Distance[i]))
		}
	}
	for i, l := range c.Layers {
		if l == nil {
			return fmt.Errorf("%w: layer %d is nil", ErrInvalidChain, i)
		}
	}
	return nil
}

// Reverse returns the chain walked from its last layer back to its first.
func (c Chain) Reverse() Chain {
	out := Chain{
		Layers:   make([]*Layer, len(c.Layers)),
		Mapping:  make([]MappingOp, len(c.Mapping)),
		Distance: make([]DistanceOp, len(c.Distance)),
	}
	for i, l := range c.Layers {
		out.Layers[len(c.Layers)-1-i] = l
	}
	for i := range c.Mapping {
		out.Mapping[len(c.Mapping)-1-i] = c.Mapping[i]
		out.Distance[len(c.Distance)-1-i] = c.Distance[i]
	}
	return out
}

// Result is the outcome of a chain evaluation. Path ends at the last
// waypoint recorded before the synapse, which depends on the distance
// operator of the final hop.
type Result struct {
	Path   []r3.Vec
	UV     r2.Vec
	Length float64
}

// Last returns the final waypoint.
func (r Result) Last() r3.Vec { return r.Path[len(r.Path)-1] }

// Map walks point through the chain. rng feeds the random-point operator.
// Any hop that cannot resolve a point aborts the evaluation with a
// *ChainError.
func (m *Mapper) Map(c Chain, point r3.Vec, rng *rand.Rand) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, err
	}

	h := &hop{m: m, rng: rng, path: []r3.Vec{point}}
	next := point
	for i := 0; i < c.Hops(); i++ {
		h.from, h.to = c.Layers[i], c.Layers[i+1]
		key := hopKey{mapping: c.Mapping[i], distance: c.Distance[i], terminal: i == c.Hops()-1}
		handler := hopTable[key]

		n, reason := handler.step(h)
		if reason == "" {
			reason = handler.rule(h, n)
		}
		if reason != "" {
			return Result{}, m.chainError(c, i, reason, h.path)
		}
		next = n
	}

	last := c.Layers[len(c.Layers)-1]
	uv, ok := m.Forward(last, next)
	if !ok {
		return Result{}, m.chainError(c, c.Hops(), "terminal point has no uv coordinate", h.path)
	}
	return Result{Path: h.path, UV: uv, Length: geom.PathLength(h.path)}, nil
}

func (m *Mapper) chainError(c Chain, i int, reason string, path []r3.Vec) error {
	e := &ChainError{Hop: i, Reason: reason}
	if i < c.Hops() {
		e.Layer = c.Layers[i+1].Name()
		e.Mapping, e.Distance = c.Mapping[i], c.Distance[i]
	} else {
		e.Layer = c.Layers[len(c.Layers)-1].Name()
	}
	if m.opts.Debug {
		e.Path = append([]r3.Vec(nil), path...)
	}
	return e
}

// hop is the mutable state of one chain evaluation.
type hop struct {
	m        *Mapper
	rng      *rand.Rand
	from, to *Layer
	path     []r3.Vec
}

func (h *hop) last() r3.Vec { return h.path[len(h.path)-1] }

func (h *hop) add(p ...r3.Vec) { h.path = append(h.path, p...) }

// A step produces the mapped point on the next layer; a rule records the
// waypoints of the hop. Both return a non-empty reason on failure.
type (
	step func(h *hop) (r3.Vec, string)
	rule func(h *hop, n r3.Vec) string
)

type hopKey struct {
	mapping  MappingOp
	distance DistanceOp
	terminal bool
}

type hopHandler struct {
	step step
	rule rule
}

var hopTable = buildHopTable()

func buildHopTable() map[hopKey]hopHandler {
	steps := map[MappingOp]step{
		MapEuclid: func(h *hop) (r3.Vec, string) {
			return orFail(h.m.Nearest(h.to, h.last()))("no closest point")
		},
		MapNormal: func(h *hop) (r3.Vec, string) {
			return orFail(h.m.NormalProject(h.from, h.to, h.last()))("normal ray missed")
		},
		MapRandom: func(h *hop) (r3.Vec, string) {
			return orFail(h.m.RandomPoint(h.to, h.rng))("layer has no area")
		},
		MapTopology: func(h *hop) (r3.Vec, string) {
			return orFail(h.m.Topological(h.from, h.to, h.last()))("no topological counterpart")
		},
		MapUV: func(h *hop) (r3.Vec, string) {
			return orFail(h.m.UVToUV(h.from, h.to, h.last()))("uv coordinate not on next layer")
		},
		MapMask3D: func(h *hop) (r3.Vec, string) {
			if !h.to.Contains(h.last()) {
				return r3.Vec{}, "point outside mask"
			}
			return h.last(), ""
		},
	}

	intermediate := map[DistanceOp]rule{
		DistDirect:   appendNext,
		DistEuclidUV: appendNext,
		DistJumpUV: func(h *hop, n r3.Vec) string {
			t, ok := h.m.Nearest(h.to, h.last())
			if !ok {
				return "no closest point"
			}
			h.add(t)
			h.add(h.m.Interpolate(h.to, t, n)...)
			h.add(n)
			return ""
		},
		DistUVJump: func(h *hop, n r3.Vec) string {
			t, ok := h.m.Nearest(h.from, n)
			if !ok {
				return "no closest point"
			}
			h.add(h.m.Interpolate(h.from, h.last(), t)...)
			h.add(n)
			return ""
		},
		DistNormalUV: func(h *hop, n r3.Vec) string {
			t, ok := h.m.NormalProject(h.from, h.to, h.last())
			if !ok {
				return "normal ray missed"
			}
			h.add(t)
			h.add(h.m.Interpolate(h.to, t, n)...)
			h.add(n)
			return ""
		},
		DistUVNormal: func(h *hop, n r3.Vec) string {
			t, ok := h.m.NormalProject(h.to, h.from, n)
			if !ok {
				return "normal ray missed"
			}
			h.add(h.m.Interpolate(h.from, h.last(), t)...)
			h.add(t, n)
			return ""
		},
	}

	// The final hop leaves the remaining distance to the synapse rule.
	terminal := map[DistanceOp]rule{
		DistDirect:   keepPath,
		DistEuclidUV: appendNext,
		DistJumpUV: func(h *hop, n r3.Vec) string {
			t, ok := h.m.Nearest(h.to, h.last())
			if !ok {
				return "no closest point"
			}
			h.add(t)
			return ""
		},
		DistUVJump: keepPath,
		DistNormalUV: func(h *hop, n r3.Vec) string {
			t, ok := h.m.NormalProject(h.from, h.to, h.last())
			if !ok {
				return "normal ray missed"
			}
			h.add(t)
			return ""
		},
		DistUVNormal: keepPath,
	}

	// Operators whose mapped point already is the jump or projection target.
	overrides := map[hopKey]rule{
		{MapEuclid, DistJumpUV, false}:   appendNext,
		{MapEuclid, DistJumpUV, true}:    appendNext,
		{MapNormal, DistNormalUV, false}: appendNext,
		{MapNormal, DistUVNormal, false}: appendNext,
		{MapNormal, DistNormalUV, true}:  appendNext,
	}

	table := make(map[hopKey]hopHandler, len(steps)*len(intermediate)*2)
	for op, s := range steps {
		for d := range intermediate {
			for _, last := range []bool{false, true} {
				key := hopKey{mapping: op, distance: d, terminal: last}
				r := intermediate[d]
				if last {
					r = terminal[d]
				}
				if o, ok := overrides[key]; ok {
					r = o
				}
				if op == MapMask3D {
					r = appendNext
				}
				table[key] = hopHandler{step: s, rule: r}
			}
		}
	}
	return table
}

func orFail(p r3.Vec, ok bool) func(reason string) (r3.Vec, string) {
	return func(reason string) (r3.Vec, string) {
		if !ok {
			return r3.Vec{}, reason
		}
		return p, ""
	}
}

func appendNext(h *hop, n r3.Vec) string {
	h.add(n)
	return ""
}

func keepPath(*hop, r3.Vec) string { return "" }
