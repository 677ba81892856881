// Package render draws decoded frames and their detection overlays onto an RGBA surface.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/dj-oyu/chickeye-monitor/internal/categories"
	"github.com/dj-oyu/chickeye-monitor/internal/presence"
	"github.com/dj-oyu/chickeye-monitor/pkg/types"
	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// OrdinalPalette colors the "#n" labels in review overlays. It is kept apart from
// the category colors so ordinals never read as a category.
var OrdinalPalette = []color.RGBA{
	{R: 0x22, G: 0xc5, B: 0x5e, A: 0xff}, // green
	{R: 0xa8, G: 0x55, B: 0xf7, A: 0xff}, // purple
	{R: 0xec, G: 0x48, B: 0x99, A: 0xff}, // pink
	{R: 0x14, G: 0xb8, B: 0xa6, A: 0xff}, // teal
	{R: 0xea, G: 0xb3, B: 0x08, A: 0xff}, // yellow
	{R: 0xf9, G: 0x73, B: 0x16, A: 0xff}, // orange
}

var (
	black = color.RGBA{A: 0xff}
	white = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
)

// Surface is a raster target sized to the last image drawn on it.
type Surface struct {
	img     *image.RGBA
	resizes int
}

// NewSurface returns an empty surface. It has no pixels until the first Blit.
func NewSurface() *Surface {
	return &Surface{}
}

// Resize reallocates (and therefore clears) the surface only when the dimensions change.
func (s *Surface) Resize(w, h int) bool {
	if s.img != nil && s.img.Rect.Dx() == w && s.img.Rect.Dy() == h {
		return false
	}
	s.img = image.NewRGBA(image.Rect(0, 0, w, h))
	s.resizes++
	return true
}

// Resizes counts reallocations since creation.
func (s *Surface) Resizes() int { return s.resizes }

// Size returns the current dimensions.
func (s *Surface) Size() (int, int) {
	if s.img == nil {
		return 0, 0
	}
	return s.img.Rect.Dx(), s.img.Rect.Dy()
}

// Image exposes the backing image. Callers must not keep it across draws.
func (s *Surface) Image() *image.RGBA { return s.img }

// Clone copies the current pixels.
func (s *Surface) Clone() *image.RGBA {
	if s.img == nil {
		return nil
	}
	out := image.NewRGBA(s.img.Rect)
	copy(out.Pix, s.img.Pix)
	return out
}

// Blit sizes the surface to src and copies it at the origin without scaling.
func (s *Surface) Blit(src image.Image) error {
	if src == nil {
		return fmt.Errorf("blit: nil image")
	}
	b := src.Bounds()
	if b.Empty() {
		return fmt.Errorf("blit: empty image %v", b)
	}
	s.Resize(b.Dx(), b.Dy())
	draw.Draw(s.img, s.img.Rect, src, b.Min, draw.Src)
	return nil
}

// StrokeWidth scales the box outline with the surface width.
func StrokeWidth(surfaceWidth int) float64 {
	return math.Max(2, float64(surfaceWidth)/320)
}

// DrawLabelOverlay strokes review boxes given in normalized center coordinates
// and tags each one with its ordinal.
func (s *Surface) DrawLabelOverlay(dets []types.LabelDetection, cats categories.Config) {
	if s.img == nil || len(dets) == 0 {
		return
	}
	w, h := s.Size()
	dc := gg.NewContextForRGBA(s.img)
	dc.SetFontFace(basicfont.Face7x13)
	sw := StrokeWidth(w)

	for i, d := range dets {
		x, y, bw, bh := d.PixelRect(w, h)
		dc.SetLineWidth(sw)
		dc.SetColor(cats.Color(d.Effective()))
		dc.DrawRectangle(x, y, bw, bh)
		dc.Stroke()

		tab(dc, fmt.Sprintf("#%d", i+1), x, y, OrdinalPalette[i%len(OrdinalPalette)], black)
	}
}

// DrawLiveOverlay strokes pixel-space boxes in the category color with a
// "<name> <pct>%" caption.
func (s *Surface) DrawLiveOverlay(dets []types.Detection, cats categories.Config) {
	if s.img == nil || len(dets) == 0 {
		return
	}
	w, _ := s.Size()
	dc := gg.NewContextForRGBA(s.img)
	dc.SetFontFace(basicfont.Face7x13)
	sw := StrokeWidth(w)

	for _, d := range dets {
		c := cats.Color(d.Class)
		dc.SetLineWidth(sw)
		dc.SetColor(c)
		dc.DrawRectangle(d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3])
		dc.Stroke()

		caption := cats.Name(d.Class) + " " + presence.FormatConfidence(d.Confidence)
		tab(dc, caption, d.BBox[0], d.BBox[1], c, textColorOn(c))
	}
}

// tab draws text on a filled background just above (x, y), or just inside the
// box when there is no room above.
func tab(dc *gg.Context, text string, x, y float64, bg, fg color.Color) {
	const pad = 3
	face := basicfont.Face7x13
	tw, _ := dc.MeasureString(text)
	th := float64(face.Height)

	top := y - th - 2*pad
	if top < 0 {
		top = y
	}
	dc.SetColor(bg)
	dc.DrawRectangle(x, top, tw+2*pad, th+2*pad)
	dc.Fill()

	dc.SetColor(fg)
	dc.DrawString(text, x+pad, top+pad+float64(face.Ascent))
}

func textColorOn(bg color.RGBA) color.RGBA {
	// Rec. 601 luma
	luma := 0.299*float64(bg.R) + 0.587*float64(bg.G) + 0.114*float64(bg.B)
	if luma > 140 {
		return black
	}
	return white
}
