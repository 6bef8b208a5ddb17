package stamp

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Raster stamping uses fixed pixel metrics rather than the scaled PDF ones.
// Uploaded photos vary wildly in resolution, and the selection rectangle
// already absorbs that through the canvas transform.
const (
	rasterQRSize     = 50
	rasterSealW      = 35
	rasterSealH      = 50
	rasterGap        = 6
	rasterTopOffset  = 10
	rasterTextOffset = 8
	rasterFontSize   = 12
	rasterStatusSize = 18
	rasterWrapChars  = 40
)

// StampImage draws the signature block onto a JPEG or PNG upload and
// re-encodes it with the original format.
func StampImage(input []byte, ext string, block Block, qrURL string, sel Rect, canvasW, canvasH float64, seal []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := src.Bounds()
	canvas := image.NewRGBA(bounds)
	draw.Draw(canvas, bounds, src, bounds.Min, draw.Src)

	rect := Transform(sel, canvasW, canvasH, float64(bounds.Dx()), float64(bounds.Dy()))

	regular, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse regular font: %w", err)
	}
	bold, err := opentype.Parse(gobold.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse bold font: %w", err)
	}
	normalFace, err := opentype.NewFace(regular, &opentype.FaceOptions{Size: rasterFontSize, DPI: 72})
	if err != nil {
		return nil, fmt.Errorf("build normal face: %w", err)
	}
	defer normalFace.Close()
	statusFace, err := opentype.NewFace(bold, &opentype.FaceOptions{Size: rasterStatusSize, DPI: 72})
	if err != nil {
		return nil, fmt.Errorf("build status face: %w", err)
	}
	defer statusFace.Close()

	// Icons centered at the top of the selection.
	iconsW := rasterQRSize + rasterGap + rasterSealW
	iconsX := int(rect.X) + int(rect.W-float64(iconsW))/2
	iconsY := int(rect.Y) + rasterTopOffset

	qrImg := qrImage(newQR(qrURL), rasterQRSize)
	draw.Draw(canvas, image.Rect(iconsX, iconsY, iconsX+rasterQRSize, iconsY+rasterQRSize),
		qrImg, image.Point{}, draw.Over)

	if len(seal) > 0 {
		sealSrc, _, err := image.Decode(bytes.NewReader(seal))
		if err != nil {
			return nil, fmt.Errorf("decode seal: %w", err)
		}
		sealX := iconsX + rasterQRSize + rasterGap
		dst := image.Rect(sealX, iconsY, sealX+rasterSealW, iconsY+rasterSealH)
		draw.ApproxBiLinear.Scale(canvas, dst, sealSrc, sealSrc.Bounds(), draw.Over, nil)
	}

	iconsH := rasterQRSize
	if rasterSealH > iconsH {
		iconsH = rasterSealH
	}
	textY := iconsY + iconsH + rasterTextOffset

	black := image.NewUniform(color.RGBA{0, 0, 0, 255})
	normalH := faceHeight(normalFace)
	statusH := faceHeight(statusFace)

	for _, line := range block.Lines {
		if strings.TrimSpace(line) == "" {
			textY += rasterFontSize + 6
			continue
		}
		if block.IsStatus(line) {
			width := font.MeasureString(statusFace, line).Ceil()
			x := int(rect.X) + (int(rect.W)-width)/2
			drawLine(canvas, statusFace, black, x, textY, line)
			textY += statusH + 8
			continue
		}
		for _, sub := range Wrap(line, rasterWrapChars) {
			width := font.MeasureString(normalFace, sub).Ceil()
			x := int(rect.X) + (int(rect.W)-width)/2
			drawLine(canvas, normalFace, black, x, textY, sub)
			textY += normalH + 2
		}
	}

	var out bytes.Buffer
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(&out, canvas, &jpeg.Options{Quality: 90})
	case ".png":
		err = png.Encode(&out, canvas)
	default:
		return nil, fmt.Errorf("unsupported image extension %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return out.Bytes(), nil
}

func faceHeight(f font.Face) int {
	m := f.Metrics()
	return (m.Ascent + m.Descent).Ceil()
}

// drawLine renders text with (x, y) at the top-left of the glyph box.
func drawLine(dst draw.Image, face font.Face, src image.Image, x, y int, text string) {
	d := font.Drawer{
		Dst:  dst,
		Src:  src,
		Face: face,
		Dot: fixed.Point26_6{
			X: fixed.I(x),
			Y: fixed.I(y) + face.Metrics().Ascent,
		},
	}
	d.DrawString(text)
}
