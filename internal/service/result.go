package service

import (
	"gonum.org/v1/gonum/spatial/r2"
)

// Unconnected marks a matrix cell without a connection. It is used both in
// the connection matrix and in the distance matrix.
const Unconnected = -1

// Stage names the step of a computation at which a neuron or a synapse
// failed.
type Stage string

const (
	// StageTarget is a target neuron whose chain to the synapse layer failed.
	StageTarget Stage = "target"
	// StageSource is a source neuron whose chain to the synapse layer failed.
	StageSource Stage = "source"
	// StagePreSynapse is a failed path from a source neuron to a synapse.
	StagePreSynapse Stage = "pre_synapse"
	// StagePostSynapse is a failed path from a synapse to a target neuron.
	StagePostSynapse Stage = "post_synapse"
)

// ConnectionError records a recoverable failure. Slot is -1 when the whole
// neuron failed.
type ConnectionError struct {
	Neuron  int    `json:"neuron"`
	Slot    int    `json:"slot"`
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`
}

// Result holds the connectivity of one connection: one row per source neuron
// and one column per synapse. A nil synapse marks an unconnected cell.
// Results are read-only once returned.
type Result struct {
	Connection  string
	Seed        int64
	Connections [][]int
	Distances   [][]float64
	Synapses    [][]*r2.Vec
	Errors      []ConnectionError
}

// NewResult returns a result of the given size with every cell unconnected.
func NewResult(name string, rows, cols int) *Result {
	r := &Result{
		Connection:  name,
		Connections: make([][]int, rows),
		Distances:   make([][]float64, rows),
		Synapses:    make([][]*r2.Vec, rows),
	}
	for i := 0; i < rows; i++ {
		r.Connections[i] = make([]int, cols)
		r.Distances[i] = make([]float64, cols)
		r.Synapses[i] = make([]*r2.Vec, cols)
		for j := 0; j < cols; j++ {
			r.Connections[i][j] = Unconnected
			r.Distances[i][j] = Unconnected
		}
	}
	return r
}

// Rows returns the number of source neurons.
func (r *Result) Rows() int { return len(r.Connections) }

// Cols returns the number of synapses per source neuron.
func (r *Result) Cols() int {
	if len(r.Connections) == 0 {
		return 0
	}
	return len(r.Connections[0])
}

// Summary aggregates a result.
type Summary struct {
	Rows         int     `json:"rows"`
	Cols         int     `json:"cols"`
	Connected    int     `json:"connected"`
	Unconnected  int     `json:"unconnected"`
	FailedRows   int     `json:"failed_rows"`
	MeanDistance float64 `json:"mean_distance"`
	Errors       int     `json:"errors"`
}

// Summary counts connected cells and averages their distances.
func (r *Result) Summary() Summary {
	s := Summary{Rows: r.Rows(), Cols: r.Cols(), Errors: len(r.Errors)}
	var total float64
	for i, row := range r.Connections {
		connected := 0
		for j, t := range row {
			if t == Unconnected {
				s.Unconnected++
				continue
			}
			connected++
			total += r.Distances[i][j]
		}
		if connected == 0 && len(row) > 0 {
			s.FailedRows++
		}
		s.Connected += connected
	}
	if s.Connected > 0 {
		s.MeanDistance = total / float64(s.Connected)
	}
	return s
}

// SynapseUVs returns the UV coordinates of every connected synapse in row
// order.
func (r *Result) SynapseUVs() []r2.Vec {
	var uvs []r2.Vec
	for _, row := range r.Synapses {
		for _, uv := range row {
			if uv != nil {
				uvs = append(uvs, *uv)
			}
		}
	}
	return uvs
}
