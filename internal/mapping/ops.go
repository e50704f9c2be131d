package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

// MappingOp advances a point from one layer to the next.
type MappingOp int

const (
	MapEuclid MappingOp = iota
	MapNormal
	MapRandom
	MapTopology
	MapUV
	MapMask3D
)

// DistanceOp governs the waypoints recorded between two layers.
type DistanceOp int

const (
	DistDirect DistanceOp = iota
	DistEuclidUV
	DistJumpUV
	DistUVJump
	DistNormalUV
	DistUVNormal
)

var mappingNames = [...]string{"euclid", "normal", "random", "topology", "uv", "mask3d"}

var distanceNames = [...]string{"direct", "euclid_uv", "jump_uv", "uv_jump", "normal_uv", "uv_normal"}

// Valid reports whether op is a known mapping operator.
func (op MappingOp) Valid() bool { return op >= 0 && int(op) < len(mappingNames) }

func (op MappingOp) String() string {
	if !op.Valid() {
		return "mapping(" + strconv.Itoa(int(op)) + ")"
	}
	return mappingNames[op]
}

// MarshalText implements encoding.TextMarshaler.
func (op MappingOp) MarshalText() ([]byte, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: mapping operator %d", ErrInvalidChain, int(op))
	}
	return []byte(op.String()), nil
}

// UnmarshalText accepts an operator name or its numeric code.
func (op *MappingOp) UnmarshalText(b []byte) error {
	v, err := ParseMappingOp(string(b))
	if err != nil {
		return err
	}
	*op = v
	return nil
}

// ParseMappingOp parses an operator name or numeric code.
func ParseMappingOp(s string) (MappingOp, error) {
	i, err := parseOp(s, mappingNames[:])
	if err != nil {
		return 0, fmt.Errorf("%w: mapping operator %q", ErrInvalidChain, s)
	}
	return MappingOp(i), nil
}

// Valid reports whether op is a known distance operator.
func (op DistanceOp) Valid() bool { return op >= 0 && int(op) < len(distanceNames) }

func (op DistanceOp) String() string {
	if !op.Valid() {
		return "distance(" + strconv.Itoa(int(op)) + ")"
	}
	return distanceNames[op]
}

// MarshalText implements encoding.TextMarshaler.
func (op DistanceOp) MarshalText() ([]byte, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: distance operator %d", ErrInvalidChain, int(op))
	}
	return []byte(op.String()), nil
}

// UnmarshalText accepts an operator name or its numeric code.
func (op *DistanceOp) UnmarshalText(b []byte) error {
	v, err := ParseDistanceOp(string(b))
	if err != nil {
		return err
	}
	*op = v
	return nil
}

// ParseDistanceOp parses an operator name or numeric code.
func ParseDistanceOp(s string) (DistanceOp, error) {
	i, err := parseOp(s, distanceNames[:])
	if err != nil {
		return 0, fmt.Errorf("%w: distance operator %q", ErrInvalidChain, s)
	}
	return DistanceOp(i), nil
}

func parseOp(s string, names []string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n >= len(names) {
			return 0, fmt.Errorf("code %d out of range", n)
		}
		return n, nil
	}
	key := strings.ReplaceAll(s, "-", "_")
	for i, name := range names {
		if key == name || key == strings.ReplaceAll(name, "_", "") {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown operator %q", s)
}
