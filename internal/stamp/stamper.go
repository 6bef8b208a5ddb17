package stamp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"assina/api/internal/artifact"
	"assina/api/internal/checksum"
)

// ErrUnsupportedFormat is returned for uploads that are not PDF, JPEG or PNG.
var ErrUnsupportedFormat = errors.New("unsupported format: send PDF, JPG or PNG")

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Request describes one signing operation.
type Request struct {
	FileName  string
	Data      []byte
	Signer    Signer
	Status    string
	Processo  string
	Selection Rect
	CanvasW   float64
	CanvasH   float64
	Page      int
}

// Result describes the stored signed document.
type Result struct {
	FileName  string
	ShortCode string
	FullHash  string
	IsPDF     bool
}

// Service stamps uploads and persists the signed artifacts.
type Service struct {
	artifacts artifact.Store
	seal      []byte
	baseURL   string
	now       func() time.Time
}

func NewService(artifacts artifact.Store, seal []byte, publicBaseURL string) *Service {
	return &Service{
		artifacts: artifacts,
		seal:      seal,
		baseURL:   publicBaseURL,
		now:       time.Now,
	}
}

// Sign stamps the upload and saves the result under its content-derived
// name. Nothing is persisted when rendering fails. origin is the request's
// own scheme://host, used for the QR URL when no public base URL is
// configured.
func (s *Service) Sign(ctx context.Context, req Request, origin string) (Result, error) {
	ext := strings.ToLower(filepath.Ext(req.FileName))
	base := sanitizeName(strings.TrimSuffix(filepath.Base(req.FileName), filepath.Ext(req.FileName)))
	if base == "" {
		base = "documento"
	}

	// The short code is derived from the original upload, so re-signing
	// the same source document yields the same code.
	uploadHash, err := checksum.Reader(bytes.NewReader(req.Data))
	if err != nil {
		return Result{}, fmt.Errorf("hash upload: %w", err)
	}
	code := checksum.ShortCode(uploadHash)

	block := NewBlock(req.Signer, req.Status, req.Processo, code, s.now())
	qrURL := VerificationURL(s.baseURL, origin, code)

	var signed []byte
	isPDF := false
	switch ext {
	case ".pdf":
		isPDF = true
		signed, err = StampPDF(req.Data, block, qrURL, req.Selection, req.CanvasW, req.CanvasH, req.Page, s.seal)
	case ".jpg", ".jpeg", ".png":
		signed, err = StampImage(req.Data, ext, block, qrURL, req.Selection, req.CanvasW, req.CanvasH, s.seal)
	default:
		return Result{}, ErrUnsupportedFormat
	}
	if err != nil {
		return Result{}, err
	}

	fullHash, err := checksum.Reader(bytes.NewReader(signed))
	if err != nil {
		return Result{}, fmt.Errorf("hash signed document: %w", err)
	}

	fileName := fmt.Sprintf("assinado_%s_%s%s", base, code, ext)
	if err := s.artifacts.Save(ctx, fileName, signed); err != nil {
		return Result{}, fmt.Errorf("store signed document: %w", err)
	}

	return Result{
		FileName:  fileName,
		ShortCode: code,
		FullHash:  fullHash,
		IsPDF:     isPDF,
	}, nil
}

// sanitizeName reduces an upload's base name to a filesystem-safe form.
func sanitizeName(name string) string {
	name = unsafeNameChars.ReplaceAllString(name, "_")
	return strings.Trim(name, "._")
}
