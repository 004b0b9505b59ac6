// Package render draws fields as PNG heatmaps for quick inspection of
// calibrated output.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/lox/emoscal/internal/field"
)

const (
	DefaultScale  = 8
	captionHeight = 20
	captionPad    = 4
)

var (
	Missing   = color.RGBA{128, 128, 128, 255}
	captionBG = color.RGBA{20, 20, 40, 255}
	captionFG = color.RGBA{230, 230, 230, 255}
	labelFace font.Face
	fontOnce  sync.Once
)

func captionFace() font.Face {
	fontOnce.Do(func() {
		f, err := opentype.Parse(goregular.TTF)
		if err == nil {
			labelFace, err = opentype.NewFace(f, &opentype.FaceOptions{
				Size:    12,
				DPI:     72,
				Hinting: font.HintingFull,
			})
		}
		if err != nil {
			log.Warn().Err(err).Msg("caption font unavailable, using basicfont")
			labelFace = basicfont.Face7x13
		}
	})
	return labelFace
}

// Options selects the plane to draw and how to colour it.
type Options struct {
	Realization int
	Time        int
	// Scale is the size in pixels of one grid cell.
	Scale int
	// Caption defaults to the field name, units and validity time.
	Caption string
	// Min and Max fix the colour range. When equal the range is taken from
	// the finite values of the plane.
	Min, Max float64
}

// Color maps v onto a blue-white-red ramp over [lo, hi]. NaN is grey.
func Color(v, lo, hi float64) color.RGBA {
	if math.IsNaN(v) {
		return Missing
	}
	t := 0.5
	if hi > lo {
		t = (v - lo) / (hi - lo)
	}
	t = math.Max(0, math.Min(1, t))
	if t < 0.5 {
		s := t / 0.5
		c := uint8(255 * s)
		return color.RGBA{c, c, 255, 255}
	}
	s := (1 - t) / 0.5
	c := uint8(255 * s)
	return color.RGBA{255, c, c, 255}
}

func valueRange(plane []float32) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range plane {
		x := float64(v)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

func defaultCaption(f *field.Field, t int) string {
	caption := f.Name
	if f.Units != "" {
		caption += " (" + f.Units + ")"
	}
	if t >= 0 && t < len(f.Times) {
		caption += " " + f.Times[t].UTC().Format(time.RFC3339)
	}
	return caption
}

// Heatmap draws one y/x plane of f with a caption band underneath. Row 0 of
// the y axis is at the bottom.
func Heatmap(f *field.Field, opts Options) (*image.RGBA, error) {
	plane, err := f.Plane(opts.Realization, opts.Time)
	if err != nil {
		return nil, err
	}
	scale := opts.Scale
	if scale <= 0 {
		scale = DefaultScale
	}
	lo, hi := opts.Min, opts.Max
	if lo == hi {
		lo, hi = valueRange(plane)
	}
	caption := opts.Caption
	if caption == "" {
		caption = defaultCaption(f, opts.Time)
	}

	ny, nx := f.Len(field.AxisY), f.Len(field.AxisX)
	face := captionFace()
	width := nx * scale
	if w := font.MeasureString(face, caption).Ceil() + 2*captionPad; w > width {
		width = w
	}
	height := ny*scale + captionHeight

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < ny; y++ {
		row := ny - 1 - y
		for x := 0; x < nx; x++ {
			c := Color(float64(plane[y*nx+x]), lo, hi)
			for py := row * scale; py < (row+1)*scale; py++ {
				for px := x * scale; px < (x+1)*scale; px++ {
					img.SetRGBA(px, py, c)
				}
			}
		}
	}
	for py := ny * scale; py < height; py++ {
		for px := 0; px < width; px++ {
			img.SetRGBA(px, py, captionBG)
		}
	}

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(captionFG),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(captionPad), Y: fixed.I(height - 6)},
	}
	d.DrawString(caption)
	return img, nil
}

func WritePNG(w io.Writer, f *field.Field, opts Options) error {
	img, err := Heatmap(f, opts)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode heatmap: %w", err)
	}
	return nil
}

func WriteFile(path string, f *field.Field, opts Options) error {
	var buf bytes.Buffer
	if err := WritePNG(&buf, f, opts); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
