// Package verify resolves signed documents by short code or by content.
// Lookups hit the database index first; the artifact listing remains as a
// fallback so documents that predate the index are still found.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"assina/api/internal/artifact"
	"assina/api/internal/checksum"
	"assina/api/internal/store"
)

var (
	// ErrNotFound means no signed document matches the query.
	ErrNotFound = errors.New("verify: no matching signed document")
	// ErrBadCode means the submitted code is not a plausible lookup code.
	ErrBadCode = errors.New("verify: malformed verification code")
)

// DocumentIndex is the subset of the store used for lookups.
type DocumentIndex interface {
	GetSignedDocumentByCode(ctx context.Context, code string) (store.SignedDocument, error)
	GetSignedDocumentByHash(ctx context.Context, fullHash string) (store.SignedDocument, error)
}

// Match is a successful verification.
type Match struct {
	FileName string
	FullHash string
}

type Service struct {
	index     DocumentIndex
	artifacts artifact.Store
}

func NewService(index DocumentIndex, artifacts artifact.Store) *Service {
	return &Service{index: index, artifacts: artifacts}
}

// ByCode finds the official signed copy for a short verification code. The
// returned hash is computed from the stored artifact itself, so a corrupted
// or swapped file cannot present a stale recorded hash.
func (s *Service) ByCode(ctx context.Context, code string) (Match, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if !checksum.ValidLookupCode(code) {
		return Match{}, ErrBadCode
	}

	name, err := s.fileByCode(ctx, code)
	if err != nil {
		return Match{}, err
	}

	hash, err := s.hashArtifact(ctx, name)
	if err != nil {
		return Match{}, err
	}
	return Match{FileName: name, FullHash: hash}, nil
}

func (s *Service) fileByCode(ctx context.Context, code string) (string, error) {
	doc, err := s.index.GetSignedDocumentByCode(ctx, code)
	if err == nil {
		// The index can outlive the artifact, e.g. after manual cleanup.
		if s.artifactExists(ctx, doc.FileName) {
			return doc.FileName, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("index lookup: %w", err)
	}

	names, err := s.artifacts.List(ctx)
	if err != nil {
		return "", fmt.Errorf("scan artifacts: %w", err)
	}
	// Codes as short as 8 hex digits are accepted, so a submitted code may
	// be a prefix of the stored one; substring matching covers that.
	marker := "_" + code
	for _, name := range names {
		if strings.Contains(name, marker) {
			return name, nil
		}
	}
	return "", ErrNotFound
}

// ByUpload finds the official copy whose bytes match the uploaded file.
func (s *Service) ByUpload(ctx context.Context, upload io.Reader) (Match, error) {
	hash, err := checksum.Reader(upload)
	if err != nil {
		return Match{}, fmt.Errorf("hash upload: %w", err)
	}

	doc, err := s.index.GetSignedDocumentByHash(ctx, hash)
	if err == nil {
		if s.artifactExists(ctx, doc.FileName) {
			return Match{FileName: doc.FileName, FullHash: hash}, nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return Match{}, fmt.Errorf("index lookup: %w", err)
	}

	names, listErr := s.artifacts.List(ctx)
	if listErr != nil {
		return Match{}, fmt.Errorf("scan artifacts: %w", listErr)
	}
	for _, name := range names {
		got, hashErr := s.hashArtifact(ctx, name)
		if hashErr != nil {
			continue
		}
		if got == hash {
			return Match{FileName: name, FullHash: hash}, nil
		}
	}
	return Match{}, ErrNotFound
}

// CompareWithOfficial checks an uploaded copy against the official document
// registered under code. It returns the official match, the upload's hash,
// and whether the two are identical.
func (s *Service) CompareWithOfficial(ctx context.Context, code string, upload io.Reader) (Match, string, bool, error) {
	official, err := s.ByCode(ctx, code)
	if err != nil {
		return Match{}, "", false, err
	}
	uploadHash, err := checksum.Reader(upload)
	if err != nil {
		return Match{}, "", false, fmt.Errorf("hash upload: %w", err)
	}
	return official, uploadHash, uploadHash == official.FullHash, nil
}

func (s *Service) artifactExists(ctx context.Context, name string) bool {
	rc, _, err := s.artifacts.Open(ctx, name)
	if err != nil {
		return false
	}
	rc.Close()
	return true
}

func (s *Service) hashArtifact(ctx context.Context, name string) (string, error) {
	rc, _, err := s.artifacts.Open(ctx, name)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer rc.Close()
	hash, err := checksum.Reader(rc)
	if err != nil {
		return "", fmt.Errorf("hash artifact: %w", err)
	}
	return hash, nil
}
