package mapping

import (
	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/pam-connect/server/internal/geom"
)

// DistanceToSynapse measures the path from p, the last waypoint of a chain,
// to the synapse at UV coordinate synapse on slayer. ilayer is the last layer
// before the synapse layer; it may be nil when d is DistDirect.
func (m *Mapper) DistanceToSynapse(ilayer, slayer *Layer, p r3.Vec, synapse r2.Vec, d DistanceOp) (float64, []r3.Vec, error) {
	s3, ok := m.Inverse(slayer, synapse)
	if !ok {
		return 0, nil, &UVResolutionError{Layer: slayer.Name(), UV: synapse, Distance: d, Reason: "synapse not on layer"}
	}

	var path []r3.Vec
	switch d {
	case DistDirect:
		path = []r3.Vec{p, s3}
	case DistEuclidUV, DistJumpUV, DistNormalUV:
		path = append([]r3.Vec{p}, m.Interpolate(slayer, p, s3)...)
		path = append(path, s3)
	case DistUVJump:
		if ilayer == nil {
			return 0, nil, &UVResolutionError{Layer: slayer.Name(), UV: synapse, Distance: d, Reason: "no intermediate layer"}
		}
		i3, ok := m.Nearest(ilayer, s3)
		if !ok {
			return 0, nil, &UVResolutionError{Layer: ilayer.Name(), UV: synapse, Distance: d, Reason: "no closest point"}
		}
		path = append([]r3.Vec{p}, m.Interpolate(ilayer, p, i3)...)
		path = append(path, i3, s3)
	case DistUVNormal:
		if ilayer == nil {
			return 0, nil, &UVResolutionError{Layer: slayer.Name(), UV: synapse, Distance: d, Reason: "no intermediate layer"}
		}
		t, ok := m.NormalProject(slayer, ilayer, s3)
		if !ok {
			return 0, nil, &UVResolutionError{Layer: ilayer.Name(), UV: synapse, Distance: d, Reason: "normal ray missed"}
		}
		path = append([]r3.Vec{p}, m.Interpolate(ilayer, p, t)...)
		path = append(path, t, s3)
	default:
		return 0, nil, &UVResolutionError{Layer: slayer.Name(), UV: synapse, Distance: d, Reason: "unsupported distance operator"}
	}
	return geom.PathLength(path), path, nil
}
