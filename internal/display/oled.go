package display

import (
	"fmt"
	"image"
	"log/slog"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
)

const title = "TTN-Node"

// screen is the part of *ssd1306.Dev the OLED drives.
type screen interface {
	Bounds() image.Rectangle
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
	Halt() error
}

// OLED draws the gauges on a 128x64 SSD1306 panel.
type OLED struct {
	mu     sync.Mutex
	dev    screen
	img    *image1bit.VerticalLSB
	face   font.Face
	logger *slog.Logger
}

// NewOLED initialises the panel and draws the static frame. The panel is
// mounted upside down on the reference board, hence rotated.
func NewOLED(bus i2c.Bus, rotated bool, logger *slog.Logger) (*OLED, error) {
	opts := ssd1306.DefaultOpts
	opts.Rotated = rotated
	dev, err := ssd1306.NewI2C(bus, &opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisplayUnavailable, err)
	}

	o := newOLED(dev, logger)
	o.drawFrame()
	if err := o.flush(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisplayUnavailable, err)
	}
	return o, nil
}

func newOLED(dev screen, logger *slog.Logger) *OLED {
	if logger == nil {
		logger = slog.Default()
	}
	return &OLED{
		dev:    dev,
		img:    image1bit.NewVerticalLSB(dev.Bounds()),
		face:   basicfont.Face7x13,
		logger: logger,
	}
}

func (o *OLED) drawFrame() {
	drawRoundRect(o.img, titleBox)
	w := font.MeasureString(o.face, title).Ceil()
	o.drawText(TextX(titleBox, w, AlignCenter), 18, title)
	for _, r := range Regions {
		drawRoundRect(o.img, gauges[r])
	}
}

func (o *OLED) Render(region Region, text string, align Align) {
	g, ok := gauges[region]
	if !ok {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	clearInside(o.img, g)
	w := font.MeasureString(o.face, text).Ceil()
	o.drawText(TextX(g, w, align), g.Y+g.H-3, text)
	// The next Render redraws the whole frame, so a failed flush is only
	// logged.
	if err := o.flush(); err != nil {
		o.logger.Debug("oled flush failed", "region", region.String(), "error", err)
	}
}

func (o *OLED) drawText(x, baseline int, text string) {
	d := font.Drawer{
		Dst:  o.img,
		Src:  image.White,
		Face: o.face,
		Dot:  fixed.P(x, baseline),
	}
	d.DrawString(text)
}

func (o *OLED) flush() error {
	return o.dev.Draw(o.dev.Bounds(), o.img, image.Point{})
}

func (o *OLED) Close() error {
	return o.dev.Halt()
}

func clearInside(img *image1bit.VerticalLSB, g Gauge) {
	for y := g.Y + 2; y < g.Y+g.H-2; y++ {
		for x := g.X + 2; x < g.X+g.W-2; x++ {
			img.SetBit(x, y, image1bit.Off)
		}
	}
}

// drawRoundRect outlines g with quarter circle corners of radius g.R.
func drawRoundRect(img *image1bit.VerticalLSB, g Gauge) {
	x0, y0 := g.X, g.Y
	x1, y1 := g.X+g.W-1, g.Y+g.H-1
	r := g.R

	for x := x0 + r; x <= x1-r; x++ {
		img.SetBit(x, y0, image1bit.On)
		img.SetBit(x, y1, image1bit.On)
	}
	for y := y0 + r; y <= y1-r; y++ {
		img.SetBit(x0, y, image1bit.On)
		img.SetBit(x1, y, image1bit.On)
	}

	// midpoint circle, one octal pair per corner
	x, y, f := r, 0, 1-r
	for y <= x {
		for _, p := range [][2]int{
			{x1 - r + x, y0 + r - y}, {x1 - r + y, y0 + r - x},
			{x0 + r - x, y0 + r - y}, {x0 + r - y, y0 + r - x},
			{x1 - r + x, y1 - r + y}, {x1 - r + y, y1 - r + x},
			{x0 + r - x, y1 - r + y}, {x0 + r - y, y1 - r + x},
		} {
			img.SetBit(p[0], p[1], image1bit.On)
		}
		y++
		if f < 0 {
			f += 2*y + 1
		} else {
			x--
			f += 2*(y-x) + 1
		}
	}
}
