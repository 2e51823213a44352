// Package report renders the small diagnostic PNG stored at a product's
// report_path: a histogram of the validation stage's image statistics, not
// the scientific validation itself. Grounded on the teacher's
// services/avatar.go gg.NewContext + golang/freetype idiom.
package report

import (
	"bytes"
	"fmt"
	"image/color"
	"os"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
)

const (
	width  = 640
	height = 360
	margin = 40
)

// Bin is one histogram bucket of an image-statistics distribution (e.g.
// pixel-value counts from kernel.ValidationResult.Metrics).
type Bin struct {
	Label string
	Value float64
}

var defaultFace font.Face

// SetFontPath loads the TTF used to label the rendered histogram; callers
// without a custom font can skip this and fall back to gg's built-in face.
func SetFontPath(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("report: read font: %w", err)
	}
	parsed, err := truetype.Parse(raw)
	if err != nil {
		return fmt.Errorf("report: parse font: %w", err)
	}
	defaultFace = truetype.NewFace(parsed, &truetype.Options{Size: 14, DPI: 72, Hinting: font.HintingNone})
	return nil
}

// Render draws bins as a simple bar histogram and returns the encoded PNG.
func Render(title string, bins []Bin) ([]byte, error) {
	dc := gg.NewContext(width, height)
	dc.SetColor(color.White)
	dc.Clear()

	if defaultFace != nil {
		dc.SetFontFace(defaultFace)
	}
	dc.SetColor(color.Black)
	dc.DrawString(title, margin, 20)

	if len(bins) == 0 {
		dc.DrawString("no metrics available", margin, height/2)
		return encode(dc)
	}

	maxVal := 0.0
	for _, b := range bins {
		if b.Value > maxVal {
			maxVal = b.Value
		}
	}
	if maxVal == 0 {
		maxVal = 1
	}

	plotHeight := float64(height - 2*margin)
	barWidth := float64(width-2*margin) / float64(len(bins))
	for i, b := range bins {
		barHeight := (b.Value / maxVal) * plotHeight
		x := margin + float64(i)*barWidth
		y := float64(height - margin)
		dc.SetColor(color.RGBA{R: 0x33, G: 0x66, B: 0xcc, A: 0xff})
		dc.DrawRectangle(x+2, y-barHeight, barWidth-4, barHeight)
		dc.Fill()
		dc.SetColor(color.Black)
		dc.DrawStringAnchored(b.Label, x+barWidth/2, y+12, 0.5, 0)
	}

	return encode(dc)
}

func encode(dc *gg.Context) ([]byte, error) {
	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("report: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile renders and writes the histogram to path.
func WriteFile(path, title string, bins []Bin) error {
	data, err := Render(title, bins)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
