package stamp

import (
	"math"
	"strings"
	"time"
)

// Timestamps in the block use the installation's civil time.
const timeZone = "America/Fortaleza"

// Signer carries the identity fields printed in the signature block.
type Signer struct {
	Nome      string
	CPFMasked string
	Matricula string
	Orgao     string
	Cargo     string
}

// Block is the fully composed signature block, ready for a renderer.
type Block struct {
	Lines    []string
	Status   string
	Code     string
	SignedAt time.Time
}

// NewBlock assembles the block text for a signing. The free-text status
// line, rendered emphasized, defaults to the signer's cargo and may end up
// empty, which leaves a visual gap in its place.
func NewBlock(signer Signer, status, processo, code string, now time.Time) Block {
	if loc, err := time.LoadLocation(timeZone); err == nil {
		now = now.In(loc)
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = strings.TrimSpace(signer.Cargo)
	}
	lines := []string{
		"Assinado digitalmente por",
		signer.Nome,
		signer.CPFMasked,
		"Matrícula: " + signer.Matricula,
		signer.Orgao,
		status,
		"Processo nº: " + processo,
		"em: " + now.Format("02/01/2006 15:04"),
		"CRC: " + code,
	}
	return Block{Lines: lines, Status: status, Code: code, SignedAt: now}
}

// IsStatus reports whether line is the emphasized status line.
func (b Block) IsStatus(line string) bool {
	return b.Status != "" && strings.TrimSpace(line) == b.Status
}

// Metrics are the block's layout dimensions for a given scale factor. All
// values are in page units for PDFs.
type Metrics struct {
	Scale        float64
	QRSize       float64
	SealW        float64
	SealH        float64
	Gap          float64
	TopOffset    float64
	TextOffset   float64
	FontNormal   float64
	FontStatus   float64
	LineAdvance  float64
	EmptyAdvance float64
	StatusTuck   float64
	GroupGap     float64
}

// MetricsFor computes layout metrics for a scale factor from ScaleFactor.
func MetricsFor(s float64) Metrics {
	return Metrics{
		Scale:        s,
		QRSize:       math.Round(35 * s),
		SealW:        math.Round(25 * s),
		SealH:        math.Round(35 * s),
		Gap:          math.Round(6 * s),
		TopOffset:    math.Round(10 * s),
		TextOffset:   math.Round(8 * s),
		FontNormal:   math.Max(6, math.Round(9*s)),
		FontStatus:   math.Max(8, math.Round(13*s)),
		LineAdvance:  math.Max(8, math.Round(12*s)),
		EmptyAdvance: math.Round(5 * s),
		StatusTuck:   math.Round(4 * s),
		GroupGap:     math.Round(6 * s),
	}
}

// WrapWidth gives the character budget per text line inside a rectangle of
// the given width, never below 20.
func WrapWidth(rectW, fontNormal float64) int {
	w := int((rectW - 16) / (fontNormal * 0.6))
	if w < 20 {
		return 20
	}
	return w
}

// Wrap performs greedy word wrapping at the given character budget. Words
// longer than the budget are split hard so no output line overflows.
func Wrap(s string, width int) []string {
	if width < 1 {
		width = 1
	}
	var out []string
	var cur []rune
	for _, word := range strings.Fields(s) {
		runes := []rune(word)
		for len(runes) > width {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = nil
			}
			out = append(out, string(runes[:width]))
			runes = runes[width:]
		}
		switch {
		case len(cur) == 0:
			cur = runes
		case len(cur)+1+len(runes) <= width:
			cur = append(cur, ' ')
			cur = append(cur, runes...)
		default:
			out = append(out, string(cur))
			cur = runes
		}
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}
