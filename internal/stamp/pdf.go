package stamp

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/georgepadayatti/gopdf/pdf/generic"
	"github.com/georgepadayatti/gopdf/pdf/images"
	"github.com/georgepadayatti/gopdf/pdf/reader"
	"github.com/georgepadayatti/gopdf/pdf/writer"
)

// StampPDF draws the signature block onto one page of a PDF and returns the
// updated document. The original bytes are preserved through an incremental
// update; only the target page object and the new streams are appended.
func StampPDF(input []byte, block Block, qrURL string, sel Rect, canvasW, canvasH float64, pageNum int, seal []byte) ([]byte, error) {
	r, err := reader.NewPdfFileReaderFromBytes(input)
	if err != nil {
		return nil, fmt.Errorf("parse pdf: %w", err)
	}

	total := r.GetPageCount()
	if total == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}
	pageIdx := ClampPage(pageNum, total) - 1

	pageW, pageH := pageDimensions(r, pageIdx)
	rect := Transform(sel, canvasW, canvasH, pageW, pageH)
	m := MetricsFor(ScaleFactor(rect.W, rect.H))

	w := writer.NewIncrementalPdfFileWriter(r)

	sealRef, err := addImageXObject(w, seal, int(m.SealW), int(m.SealH))
	if err != nil {
		return nil, fmt.Errorf("embed seal: %w", err)
	}

	formRef, err := addBlockForm(w, block, qrURL, rect, m, sealRef)
	if err != nil {
		return nil, err
	}

	// Isolate whatever graphics state the page content leaves behind.
	qRef := w.AddObject(generic.NewStream(nil, []byte("q")))
	if _, err := w.AddStreamToPage(pageIdx, qRef, nil, true); err != nil {
		return nil, fmt.Errorf("wrap page content: %w", err)
	}
	bigQRef := w.AddObject(generic.NewStream(nil, []byte("Q")))
	if _, err := w.AddStreamToPage(pageIdx, bigQRef, nil, false); err != nil {
		return nil, fmt.Errorf("wrap page content: %w", err)
	}

	// Selection coordinates are top-down; PDF user space is bottom-up.
	originY := pageH - rect.Y - rect.H
	paint := fmt.Sprintf("q 1 0 0 1 %f %f cm /SigBlock Do Q", rect.X, originY)
	wrapperRef := w.AddObject(generic.NewStream(nil, []byte(paint)))

	resources := generic.NewDictionary()
	xobjects := generic.NewDictionary()
	xobjects.Set("SigBlock", formRef)
	resources.Set("XObject", xobjects)
	if _, err := w.AddStreamToPage(pageIdx, wrapperRef, resources, false); err != nil {
		return nil, fmt.Errorf("attach signature block: %w", err)
	}

	var out bytes.Buffer
	if err := w.Write(&out); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return out.Bytes(), nil
}

func pageDimensions(r *reader.PdfFileReader, pageIdx int) (width, height float64) {
	page, err := r.GetPage(pageIdx)
	if err != nil {
		return 612, 792
	}
	if arr, ok := page.Get("MediaBox").(generic.ArrayObject); ok && len(arr) >= 4 {
		w := numValue(arr[2]) - numValue(arr[0])
		h := numValue(arr[3]) - numValue(arr[1])
		if w > 0 && h > 0 {
			return w, h
		}
	}
	return 612, 792
}

func numValue(obj generic.PdfObject) float64 {
	switch v := obj.(type) {
	case generic.IntegerObject:
		return float64(v)
	case generic.RealObject:
		return float64(v)
	default:
		return 0
	}
}

// addImageXObject embeds an image, resized to the given box, as an image
// XObject with a soft mask when the source carries alpha.
func addImageXObject(w *writer.IncrementalPdfFileWriter, data []byte, boxW, boxH int) (generic.Reference, error) {
	img, err := images.NewPDFImageFromBytes(data)
	if err != nil {
		return generic.Reference{}, err
	}
	if boxW > 0 && boxH > 0 && (img.Width != boxW || img.Height != boxH) {
		resized, err := img.Resize(boxW, boxH)
		if err == nil {
			img = resized
		}
	}

	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("XObject"))
	dict.Set("Subtype", generic.NameObject("Image"))
	dict.Set("Width", generic.IntegerObject(img.Width))
	dict.Set("Height", generic.IntegerObject(img.Height))
	dict.Set("ColorSpace", generic.NameObject(string(img.ColorSpace)))
	dict.Set("BitsPerComponent", generic.IntegerObject(img.BitsPerComponent))
	if img.Filter != "" {
		dict.Set("Filter", generic.NameObject(img.Filter))
	}

	if img.HasAlpha() {
		if alpha := img.GetAlphaMask(); alpha != nil {
			alphaDict := generic.NewDictionary()
			alphaDict.Set("Type", generic.NameObject("XObject"))
			alphaDict.Set("Subtype", generic.NameObject("Image"))
			alphaDict.Set("Width", generic.IntegerObject(alpha.Width))
			alphaDict.Set("Height", generic.IntegerObject(alpha.Height))
			alphaDict.Set("ColorSpace", generic.NameObject("DeviceGray"))
			alphaDict.Set("BitsPerComponent", generic.IntegerObject(8))
			if alpha.Filter != "" {
				alphaDict.Set("Filter", generic.NameObject(alpha.Filter))
			}
			alphaRef := w.AddObject(generic.NewStream(alphaDict, alpha.Data))
			dict.Set("SMask", alphaRef)
		}
	}

	return w.AddObject(generic.NewStream(dict, img.Data)), nil
}

// addBlockForm builds the signature block as a form XObject with its origin
// at the bottom-left of the selection rectangle.
func addBlockForm(w *writer.IncrementalPdfFileWriter, block Block, qrURL string, rect Rect, m Metrics, sealRef generic.Reference) (generic.Reference, error) {
	var buf bytes.Buffer

	iconsW := m.QRSize + m.Gap + m.SealW
	iconsX := float64(int((rect.W - iconsW) / 2))
	iconsTop := m.TopOffset

	// QR code, vector modules scaled into the icon box.
	code := newQR(qrURL)
	qrY := rect.H - iconsTop - m.QRSize
	fmt.Fprintf(&buf, "q 1 0 0 1 %f %f cm %f 0 0 %f 0 0 cm\n",
		iconsX, qrY, m.QRSize/code.TotalWidth(), m.QRSize/code.TotalWidth())
	buf.Write(code.RenderPDF())
	buf.WriteString("Q\n")

	// Seal image beside the QR.
	sealX := iconsX + m.QRSize + m.Gap
	sealY := rect.H - iconsTop - m.SealH
	fmt.Fprintf(&buf, "q %f 0 0 %f %f %f cm /Im1 Do Q\n", m.SealW, m.SealH, sealX, sealY)

	// Text lines below the icons, cursor in top-down coordinates.
	iconsH := m.QRSize
	if m.SealH > iconsH {
		iconsH = m.SealH
	}
	textY := iconsTop + iconsH + m.TextOffset

	charBudget := WrapWidth(rect.W, m.FontNormal)
	for _, line := range block.Lines {
		if strings.TrimSpace(line) == "" {
			textY += m.EmptyAdvance
			continue
		}
		if block.IsStatus(line) {
			width := approxTextWidth(line, m.FontStatus)
			x := (rect.W - width) / 2
			writeText(&buf, "F2", m.FontStatus, x, rect.H-textY, line)
			textY += m.FontStatus - m.StatusTuck
			continue
		}
		for _, sub := range Wrap(line, charBudget) {
			width := approxTextWidth(sub, m.FontNormal)
			x := (rect.W - width) / 2
			writeText(&buf, "F1", m.FontNormal, x, rect.H-textY, sub)
			textY += m.LineAdvance
		}
		if strings.HasPrefix(line, "Matrícula:") {
			textY += m.GroupGap
		}
	}

	dict := generic.NewDictionary()
	dict.Set("Type", generic.NameObject("XObject"))
	dict.Set("Subtype", generic.NameObject("Form"))
	dict.Set("FormType", generic.IntegerObject(1))
	dict.Set("BBox", generic.ArrayObject{
		generic.RealObject(0),
		generic.RealObject(0),
		generic.RealObject(rect.W),
		generic.RealObject(rect.H),
	})

	resources := generic.NewDictionary()
	fonts := generic.NewDictionary()
	fonts.Set("F1", helveticaDict("Helvetica"))
	fonts.Set("F2", helveticaDict("Helvetica-Bold"))
	resources.Set("Font", fonts)
	xobjects := generic.NewDictionary()
	xobjects.Set("Im1", sealRef)
	resources.Set("XObject", xobjects)
	dict.Set("Resources", resources)

	return w.AddObject(generic.NewStream(dict, buf.Bytes())), nil
}

func helveticaDict(baseFont string) *generic.DictionaryObject {
	font := generic.NewDictionary()
	font.Set("Type", generic.NameObject("Font"))
	font.Set("Subtype", generic.NameObject("Type1"))
	font.Set("BaseFont", generic.NameObject(baseFont))
	font.Set("Encoding", generic.NameObject("WinAnsiEncoding"))
	return font
}

func writeText(buf *bytes.Buffer, font string, size, x, y float64, text string) {
	fmt.Fprintf(buf, "BT /%s %f Tf 0 0 0 rg %f %f Td (", font, size, x, y)
	buf.Write(escapeText(text))
	buf.WriteString(") Tj ET\n")
}

// escapeText encodes a string for a PDF literal string under
// WinAnsiEncoding. Delimiters are escaped; characters outside Latin-1 are
// replaced since the base fonts cannot show them.
func escapeText(s string) []byte {
	var buf bytes.Buffer
	for _, c := range s {
		switch {
		case c == '(' || c == ')' || c == '\\':
			buf.WriteByte('\\')
			buf.WriteByte(byte(c))
		case c < 256:
			buf.WriteByte(byte(c))
		default:
			buf.WriteByte('?')
		}
	}
	return buf.Bytes()
}

// approxTextWidth estimates rendered width for centering. The base fonts
// average close to half the em per glyph at these sizes.
func approxTextWidth(s string, fontSize float64) float64 {
	return float64(len([]rune(s))) * fontSize * 0.5
}
