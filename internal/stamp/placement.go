// Package stamp renders the signature block onto uploaded documents. PDFs
// get an incremental update carrying a form XObject; raster images are drawn
// on directly. The block holds a QR verification code, the institutional
// seal, and the signer's identity lines.
package stamp

import "math"

// Rect is an axis-aligned rectangle in top-down page coordinates, matching
// the selection the browser sends.
type Rect struct {
	X float64
	Y float64
	W float64
	H float64
}

// Reference rectangle the layout metrics were tuned against. Selections
// larger or smaller than this scale the whole block proportionally.
const (
	refWidth  = 190.0
	refHeight = 180.0

	minScale = 0.6
	maxScale = 4.0
)

// Transform maps a selection made on the browser canvas onto the real page.
// Non-positive canvas dimensions fall back to the page's own, which makes
// the selection coordinates pass through unscaled. Width and height never
// drop below 1.
func Transform(sel Rect, canvasW, canvasH, pageW, pageH float64) Rect {
	if canvasW <= 0 {
		canvasW = pageW
	}
	if canvasH <= 0 {
		canvasH = pageH
	}
	sx := pageW / canvasW
	sy := pageH / canvasH
	return Rect{
		X: math.Trunc(sel.X * sx),
		Y: math.Trunc(sel.Y * sy),
		W: math.Max(1, math.Trunc(sel.W*sx)),
		H: math.Max(1, math.Trunc(sel.H*sy)),
	}
}

// ScaleFactor derives the block scale from the selection size, clamped so
// tiny selections stay legible and huge ones stay sane.
func ScaleFactor(rectW, rectH float64) float64 {
	s := math.Min(rectW/refWidth, rectH/refHeight)
	return math.Max(minScale, math.Min(maxScale, s))
}

// ClampPage normalizes a 1-based page request into [1, total].
func ClampPage(pageNum, total int) int {
	if pageNum < 1 {
		return 1
	}
	if pageNum > total {
		return total
	}
	return pageNum
}
