package mapping

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrMapping marks a chain that could not be walked to its last layer.
	ErrMapping = errors.New("mapping failed")
	// ErrUVResolution marks a UV coordinate with no 3D counterpart.
	ErrUVResolution = errors.New("uv coordinate could not be resolved")
	// ErrInvalidChain marks a malformed chain definition.
	ErrInvalidChain = errors.New("invalid mapping chain")
	// ErrNoUVScaling is returned for layers whose UV layout yields no
	// positive scaling factor.
	ErrNoUVScaling = errors.New("layer has no usable uv scaling")
)

// ChainError reports the hop at which a chain evaluation stopped. Path is
// only populated in debug mode and holds the waypoints reached so far.
type ChainError struct {
	Hop      int
	Layer    string
	Mapping  MappingOp
	Distance DistanceOp
	Reason   string
	Path     []r3.Vec
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("hop %d to %s (%s/%s): %s", e.Hop, e.Layer, e.Mapping, e.Distance, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrMapping }

// UVResolutionError reports a synapse or waypoint UV that does not lie on
// the layer.
type UVResolutionError struct {
	Layer    string
	UV       r2.Vec
	Distance DistanceOp
	Reason   string
}

func (e *UVResolutionError) Error() string {
	return fmt.Sprintf("layer %s: uv (%g, %g) with %s: %s", e.Layer, e.UV.X, e.UV.Y, e.Distance, e.Reason)
}

func (e *UVResolutionError) Unwrap() error { return ErrUVResolution }
