package render

import (
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gomono"

	"viiru.dev/internal/catalog"
	"viiru.dev/internal/project"
)

const (
	rowHeight = 24.0
	indent    = 16.0
	padding   = 12.0
	fontSize  = 12.0
	minWidth  = 120.0
)

var ErrEmpty = errors.New("nothing to draw")

// Image draws every script of t as a column of coloured bars.
func Image(cat *catalog.Catalog, t *project.Target) (image.Image, error) {
	lines := Lines(cat, t)
	if len(lines) == 0 {
		return nil, ErrEmpty
	}

	ttf, err := truetype.Parse(gomono.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	face := truetype.NewFace(ttf, &truetype.Options{
		Size:    fontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})

	// Measure on a scratch context first so the canvas fits the widest bar.
	scratch := gg.NewContext(1, 1)
	scratch.SetFontFace(face)
	width, height := minWidth, padding
	prev := -1
	for _, ln := range lines {
		if prev >= 0 && ln.Script != prev {
			height += rowHeight / 2
		}
		prev = ln.Script
		w, _ := scratch.MeasureString(ln.Text)
		width = math.Max(width, float64(ln.Depth)*indent+w+2*padding)
		height += rowHeight
	}
	width += padding
	height += padding

	dc := gg.NewContext(int(math.Ceil(width)), int(math.Ceil(height)))
	dc.SetHexColor("#F9F9F9")
	dc.Clear()
	dc.SetFontFace(face)
	dc.SetLineWidth(1)

	y := padding
	prev = -1
	for _, ln := range lines {
		if prev >= 0 && ln.Script != prev {
			y += rowHeight / 2
		}
		prev = ln.Script
		x := padding + float64(ln.Depth)*indent
		w, _ := dc.MeasureString(ln.Text)
		barW := math.Max(w+2*padding, 48)

		col := cat.Colour(ln.Opcode)
		if ln.Opcode == "" {
			// else/end rows take the colour of the block that owns them.
			col = cat.Colour(ownerOpcode(lines, ln))
		}
		dc.DrawRoundedRectangle(x, y, barW, rowHeight-2, 4)
		dc.SetHexColor(col.Fill)
		dc.FillPreserve()
		dc.SetHexColor(col.Border)
		dc.Stroke()

		dc.SetHexColor(col.Text)
		dc.DrawStringAnchored(ln.Text, x+padding, y+(rowHeight-2)/2, 0, 0.35)
		y += rowHeight
	}
	return dc.Image(), nil
}

// ownerOpcode finds the nearest block row above ln at the same depth.
func ownerOpcode(lines []Line, ln Line) string {
	idx := -1
	for i := range lines {
		if lines[i] == ln {
			idx = i
			break
		}
	}
	for i := idx - 1; i >= 0; i-- {
		if lines[i].Depth == ln.Depth && lines[i].Opcode != "" {
			return lines[i].Opcode
		}
	}
	return ""
}

// EncodePNG writes the image of t to w.
func EncodePNG(w io.Writer, cat *catalog.Catalog, t *project.Target) error {
	img, err := Image(cat, t)
	if err != nil {
		return err
	}
	dc := gg.NewContextForImage(img)
	return dc.EncodePNG(w)
}

// PNG saves the image of t to path.
func PNG(path string, cat *catalog.Catalog, t *project.Target) error {
	img, err := Image(cat, t)
	if err != nil {
		return err
	}
	return gg.SavePNG(path, img)
}
