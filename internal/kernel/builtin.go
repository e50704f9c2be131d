package kernel

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// gaussCutoff is the number of standard deviations covered by the gauss
// extent.
const gaussCutoff = 3

func registerBuiltIns() {
	// gauss: [sigma_u, sigma_v, shift_u, shift_v]
	MustRegister(Strategy{
		Name:     "gauss",
		Args:     4,
		Positive: []int{0, 1},
		Weight: func(du, dv float64, a []float64) float64 {
			x := (du - a[2]) / a[0]
			y := (dv - a[3]) / a[1]
			return math.Exp(-0.5 * (x*x + y*y))
		},
		Extent: func(a []float64) (r2.Vec, r2.Vec) {
			return r2.Vec{X: a[2] - gaussCutoff*a[0], Y: a[3] - gaussCutoff*a[1]},
				r2.Vec{X: a[2] + gaussCutoff*a[0], Y: a[3] + gaussCutoff*a[1]}
		},
	})

	// uniform: [radius]
	MustRegister(Strategy{
		Name:     "uniform",
		Args:     1,
		Positive: []int{0},
		Weight: func(du, dv float64, a []float64) float64 {
			if math.Hypot(du, dv) <= a[0] {
				return 1
			}
			return 0
		},
		Extent: symmetric,
	})

	// box: [half_width_u, half_width_v]
	MustRegister(Strategy{
		Name:     "box",
		Args:     2,
		Positive: []int{0, 1},
		Weight: func(du, dv float64, a []float64) float64 {
			if math.Abs(du) <= a[0] && math.Abs(dv) <= a[1] {
				return 1
			}
			return 0
		},
		Extent: func(a []float64) (r2.Vec, r2.Vec) {
			return r2.Vec{X: -a[0], Y: -a[1]}, r2.Vec{X: a[0], Y: a[1]}
		},
	})

	// linear: [radius], weight falls from 1 at the centre to 0 at radius.
	MustRegister(Strategy{
		Name:     "linear",
		Args:     1,
		Positive: []int{0},
		Weight: func(du, dv float64, a []float64) float64 {
			return math.Max(0, 1-math.Hypot(du, dv)/a[0])
		},
		Extent: symmetric,
	})

	MustRegister(Strategy{
		Name:   "unity",
		Weight: func(du, dv float64, a []float64) float64 { return 1 },
		Extent: func(a []float64) (r2.Vec, r2.Vec) {
			return r2.Vec{X: math.Inf(-1), Y: math.Inf(-1)}, r2.Vec{X: math.Inf(1), Y: math.Inf(1)}
		},
	})
}

func symmetric(a []float64) (r2.Vec, r2.Vec) {
	return r2.Vec{X: -a[0], Y: -a[0]}, r2.Vec{X: a[0], Y: a[0]}
}
