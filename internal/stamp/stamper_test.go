package stamp

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/georgepadayatti/gopdf/pdf/reader"

	"assina/api/internal/artifact"
	"assina/api/internal/checksum"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{200, 200, 200, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testService(t *testing.T) (*Service, artifact.Store) {
	t.Helper()
	store, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(store, pngBytes(t, 35, 50), "https://assina.example.gov.br")
	svc.now = func() time.Time {
		return time.Date(2026, 3, 7, 15, 30, 0, 0, time.UTC)
	}
	return svc, store
}

func testRequest(t *testing.T) Request {
	return Request{
		FileName: "contrato obra.png",
		Data:     pngBytes(t, 800, 600),
		Signer: Signer{
			Nome:      "Maria Souza",
			CPFMasked: "123.456.789-01",
			Matricula: "12345",
			Orgao:     "Secretaria de Obras",
			Cargo:     "Analista",
		},
		Processo:  "2026/0042",
		Selection: Rect{X: 100, Y: 100, W: 300, H: 300},
		CanvasW:   800,
		CanvasH:   600,
		Page:      1,
	}
}

func TestSignImage(t *testing.T) {
	svc, store := testService(t)
	req := testRequest(t)

	res, err := svc.Sign(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	uploadHash, _ := checksum.Reader(bytes.NewReader(req.Data))
	wantCode := checksum.ShortCode(uploadHash)
	if res.ShortCode != wantCode {
		t.Errorf("ShortCode = %s, want %s", res.ShortCode, wantCode)
	}
	wantName := "assinado_contrato_obra_" + wantCode + ".png"
	if res.FileName != wantName {
		t.Errorf("FileName = %s, want %s", res.FileName, wantName)
	}
	if res.IsPDF {
		t.Error("IsPDF = true for a png upload")
	}

	rc, size, err := store.Open(context.Background(), res.FileName)
	if err != nil {
		t.Fatalf("artifact not stored: %v", err)
	}
	defer rc.Close()
	signed, err := io.ReadAll(rc)
	if err != nil || int64(len(signed)) != size {
		t.Fatalf("read artifact: %v", err)
	}

	// The stored hash must match the artifact, not the upload.
	gotHash, _ := checksum.Reader(bytes.NewReader(signed))
	if res.FullHash != gotHash {
		t.Errorf("FullHash = %s, artifact hashes to %s", res.FullHash, gotHash)
	}
	if res.FullHash == uploadHash {
		t.Error("signed artifact is byte-identical to the upload")
	}

	// Stamping changed pixels inside the selection.
	if bytes.Equal(signed, req.Data) {
		t.Error("stamp left the image unchanged")
	}
}

func TestSignShortCodeIsStable(t *testing.T) {
	svc, _ := testService(t)
	req := testRequest(t)

	a, err := svc.Sign(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	b, err := svc.Sign(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if a.ShortCode != b.ShortCode {
		t.Errorf("same upload produced codes %s and %s", a.ShortCode, b.ShortCode)
	}
}

func TestSignUnsupportedFormat(t *testing.T) {
	svc, store := testService(t)
	req := testRequest(t)
	req.FileName = "contrato.docx"

	if _, err := svc.Sign(context.Background(), req, ""); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
	names, _ := store.List(context.Background())
	if len(names) != 0 {
		t.Errorf("artifacts stored despite failure: %v", names)
	}
}

func TestSignFailureStoresNothing(t *testing.T) {
	svc, store := testService(t)
	req := testRequest(t)
	req.Data = []byte("not an image")

	if _, err := svc.Sign(context.Background(), req, ""); err == nil {
		t.Fatal("expected decode error")
	}
	names, _ := store.List(context.Background())
	if len(names) != 0 {
		t.Errorf("artifacts stored despite failure: %v", names)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"contrato obra", "contrato_obra"},
		{"relatório final", "relat_rio_final"},
		{"..hidden", "hidden"},
		{"a/b\\c", "a_b_c"},
	}
	for _, tc := range cases {
		if got := sanitizeName(tc.in); got != tc.want {
			t.Errorf("sanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVerificationURL(t *testing.T) {
	got := VerificationURL("https://assina.example.gov.br/", "", "ba7816bf8f")
	if got != "https://assina.example.gov.br/verify/crc?crc=ba7816bf8f" {
		t.Errorf("VerificationURL = %s", got)
	}
	got = VerificationURL("", "http://localhost:8080", "ba7816bf8f")
	if got != "http://localhost:8080/verify/crc?crc=ba7816bf8f" {
		t.Errorf("VerificationURL with origin = %s", got)
	}
}

func TestQRImage(t *testing.T) {
	code := newQR("https://assina.example.gov.br/verify/crc?crc=ba7816bf8f")
	img := qrImage(code, 50)
	if img.Bounds().Dx() != 50 || img.Bounds().Dy() != 50 {
		t.Fatalf("bounds = %v, want 50x50", img.Bounds())
	}

	dark := 0
	for y := 0; y < 50; y++ {
		for x := 0; x < 50; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			if r == 0 {
				dark++
			}
		}
	}
	if dark == 0 || dark == 50*50 {
		t.Errorf("dark module count = %d, QR looks degenerate", dark)
	}

	// Quiet zone: the outermost ring must be white.
	for i := 0; i < 50; i++ {
		for _, p := range [][2]int{{i, 0}, {0, i}, {i, 49}, {49, i}} {
			r, _, _, _ := img.At(p[0], p[1]).RGBA()
			if r == 0 {
				t.Fatalf("dark pixel in quiet zone at %v", p)
			}
		}
	}
}

func TestSignPDFDocument(t *testing.T) {
	svc, store := testService(t)
	req := testRequest(t)
	req.FileName = "contrato obra.pdf"
	req.Data = minimalPDF(t, 3)
	req.CanvasW = 800
	req.CanvasH = 1000
	req.Page = 2

	res, err := svc.Sign(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Sign pdf: %v", err)
	}
	if !res.IsPDF {
		t.Error("IsPDF = false for a pdf upload")
	}
	if !strings.HasSuffix(res.FileName, res.ShortCode+".pdf") {
		t.Errorf("FileName = %s", res.FileName)
	}

	rc, _, err := store.Open(context.Background(), res.FileName)
	if err != nil {
		t.Fatalf("open stored pdf: %v", err)
	}
	defer rc.Close()
	stored, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reader.NewPdfFileReaderFromBytes(stored); err != nil {
		t.Errorf("stored pdf unreadable: %v", err)
	}
}

func TestQRImageLongURL(t *testing.T) {
	// A deep public base URL plus a 64-hex code still has to fit the
	// fixed 50x50 raster; a denser version just means smaller modules.
	url := "https://prefeitura.example.gov.br/sistemas/assinador/producao/v2/" +
		strings.Repeat("subpasta/", 20) + "verify/crc?crc=" + strings.Repeat("ab", 32)
	code := newQR(url)
	if code.Size <= 0 {
		t.Fatalf("Size = %d", code.Size)
	}

	img := qrImage(code, 50)
	if img.Bounds().Dx() != 50 || img.Bounds().Dy() != 50 {
		t.Fatalf("bounds = %v, want 50x50", img.Bounds())
	}
	dark := 0
	for y := 0; y < 50; y++ {
		for x := 0; x < 50; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			if r == 0 {
				dark++
			}
		}
	}
	if dark == 0 || dark == 50*50 {
		t.Errorf("dark module count = %d, QR looks degenerate", dark)
	}
}

func TestBlockRendersAllLines(t *testing.T) {
	svc, store := testService(t)
	req := testRequest(t)
	req.Signer.Cargo = strings.Repeat("Analista de Infraestrutura ", 3)

	res, err := svc.Sign(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Sign with long status: %v", err)
	}
	if _, _, err := store.Open(context.Background(), res.FileName); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
}
