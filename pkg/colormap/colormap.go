// Package colormap provides color scales for UV density and kernel images.
package colormap

import (
	"image/color"
	"sort"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap interpolates linearly between evenly spaced stops.
type LinearColormap struct {
	stops []color.RGBA
}

// NewLinear builds a colormap from at least two stops.
func NewLinear(stops ...color.RGBA) LinearColormap {
	if len(stops) == 1 {
		stops = append(stops, stops[0])
	}
	return LinearColormap{stops: stops}
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	last := len(c.stops) - 1
	switch {
	case t <= 0 || t != t:
		return c.stops[0]
	case t >= 1:
		return c.stops[last]
	}
	pos := t * float64(last)
	i := int(pos)
	if i >= last {
		return c.stops[last]
	}
	return mix(c.stops[i], c.stops[i+1], pos-float64(i))
}

// AtIndex returns the stop at index i, wrapping around.
func (c LinearColormap) AtIndex(i int) color.Color {
	n := len(c.stops)
	return c.stops[((i%n)+n)%n]
}

// Reversed returns the colormap running from its last stop to its first.
func (c LinearColormap) Reversed() LinearColormap {
	out := make([]color.RGBA, len(c.stops))
	for i, s := range c.stops {
		out[len(out)-1-i] = s
	}
	return LinearColormap{stops: out}
}

func mix(a, b color.RGBA, t float64) color.RGBA {
	lerp := func(x, y uint8) uint8 { return uint8(float64(x) + t*(float64(y)-float64(x))) }
	return color.RGBA{R: lerp(a.R, b.R), G: lerp(a.G, b.G), B: lerp(a.B, b.B), A: 255}
}

// Viridis is matplotlib's viridis.
var Viridis = NewLinear(
	color.RGBA{68, 1, 84, 255},
	color.RGBA{72, 35, 116, 255},
	color.RGBA{64, 67, 135, 255},
	color.RGBA{52, 94, 141, 255},
	color.RGBA{41, 120, 142, 255},
	color.RGBA{32, 144, 140, 255},
	color.RGBA{34, 167, 132, 255},
	color.RGBA{68, 190, 112, 255},
	color.RGBA{121, 209, 81, 255},
	color.RGBA{189, 222, 38, 255},
	color.RGBA{253, 231, 37, 255},
)

// Plasma is matplotlib's plasma.
var Plasma = NewLinear(
	color.RGBA{13, 8, 135, 255},
	color.RGBA{75, 3, 161, 255},
	color.RGBA{125, 3, 168, 255},
	color.RGBA{168, 34, 150, 255},
	color.RGBA{203, 70, 121, 255},
	color.RGBA{229, 107, 93, 255},
	color.RGBA{248, 148, 65, 255},
	color.RGBA{253, 195, 40, 255},
	color.RGBA{240, 249, 33, 255},
)

// Inferno is matplotlib's inferno.
var Inferno = NewLinear(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{40, 11, 84, 255},
	color.RGBA{101, 21, 110, 255},
	color.RGBA{159, 42, 99, 255},
	color.RGBA{212, 72, 66, 255},
	color.RGBA{245, 125, 21, 255},
	color.RGBA{250, 193, 39, 255},
	color.RGBA{252, 255, 164, 255},
)

// Magma is matplotlib's magma.
var Magma = NewLinear(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{28, 16, 68, 255},
	color.RGBA{79, 18, 123, 255},
	color.RGBA{129, 37, 129, 255},
	color.RGBA{181, 54, 122, 255},
	color.RGBA{229, 80, 100, 255},
	color.RGBA{251, 135, 97, 255},
	color.RGBA{254, 194, 135, 255},
	color.RGBA{252, 253, 191, 255},
)

// Greys runs from white to black, for printing kernel masks.
var Greys = NewLinear(
	color.RGBA{255, 255, 255, 255},
	color.RGBA{0, 0, 0, 255},
)

// Heat runs from light grey to red, the scale of the original connectivity
// viewer.
var Heat = NewLinear(
	color.RGBA{211, 211, 211, 255},
	color.RGBA{255, 0, 0, 255},
)

var registry = map[string]Colormap{
	"viridis": Viridis,
	"plasma":  Plasma,
	"inferno": Inferno,
	"magma":   Magma,
	"greys":   Greys,
	"heat":    Heat,
}

// Lookup returns the named colormap.
func Lookup(name string) (Colormap, bool) {
	c, ok := registry[name]
	return c, ok
}

// Names lists the registered colormaps in alphabetical order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
