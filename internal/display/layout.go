package display

import "image"

// Gauge is a rounded box on the 128x64 panel.
type Gauge struct {
	X, Y, W, H, R int
}

func (g Gauge) Rect() image.Rectangle {
	return image.Rect(g.X, g.Y, g.X+g.W, g.Y+g.H)
}

var (
	titleBox = Gauge{X: 0, Y: 0, W: 128, H: 26, R: 5}

	gauges = map[Region]Gauge{
		Voltage: {X: 0, Y: 50, W: 62, H: 14, R: 3},
		Counter: {X: 66, Y: 50, W: 62, H: 14, R: 3},
		MetricA: {X: 0, Y: 32, W: 62, H: 14, R: 3},
		MetricB: {X: 66, Y: 32, W: 62, H: 14, R: 3},
	}
)

// GaugeFor returns the box of a region.
func GaugeFor(r Region) (Gauge, bool) {
	g, ok := gauges[r]
	return g, ok
}

// TextX returns the left edge of text of the given pixel width inside g.
func TextX(g Gauge, width int, align Align) int {
	switch align {
	case AlignCenter:
		return g.X + g.W/2 - width/2 + 1
	case AlignRight:
		return g.X + g.W - width - 3
	default:
		return g.X + 3
	}
}
