package stamp

import (
	"image"
	"image/color"
	"strings"

	"github.com/georgepadayatti/gopdf/pdf/qr"
)

// VerificationURL builds the public URL encoded into the QR code. baseURL
// comes from configuration; when empty the caller's own origin is used.
func VerificationURL(baseURL, origin, code string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = strings.TrimRight(origin, "/")
	}
	return base + "/verify/crc?crc=" + code
}

// newQR generates the verification QR code. The high error correction level
// keeps codes scannable after print-and-scan round trips.
func newQR(url string) *qr.QRCode {
	return qr.NewQRCode(url, qr.ECLevelH)
}

// qrImage rasterizes the QR code to a square RGBA image of the given edge
// length using nearest-neighbor sampling, quiet zone included.
func qrImage(code *qr.QRCode, edge int) *image.RGBA {
	total := code.Size + code.Border*2
	img := image.NewRGBA(image.Rect(0, 0, edge, edge))
	for py := 0; py < edge; py++ {
		for px := 0; px < edge; px++ {
			row := py*total/edge - code.Border
			col := px*total/edge - code.Border
			c := color.RGBA{255, 255, 255, 255}
			if row >= 0 && row < code.Size && col >= 0 && col < code.Size && code.Modules[row][col] {
				c = color.RGBA{0, 0, 0, 255}
			}
			img.SetRGBA(px, py, c)
		}
	}
	return img
}
