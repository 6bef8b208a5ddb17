// Package app wires the signing service together and exposes it over HTTP.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"assina/api/internal/artifact"
	"assina/api/internal/authpw"
	"assina/api/internal/ratelimit"
	"assina/api/internal/session"
	"assina/api/internal/stamp"
	"assina/api/internal/store"
	"assina/api/internal/verify"
)

// dataStore is the persistence surface the service needs. *store.PostgresStore
// satisfies it; tests use an in-memory fake.
type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByFingerprint(ctx context.Context, fingerprint string) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	CountUsers(ctx context.Context) (int, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	UpdateUser(ctx context.Context, user store.User) error
	DeleteUser(ctx context.Context, email string) error
	InsertSignedDocument(ctx context.Context, doc store.SignedDocument) (store.SignedDocument, error)
	GetSignedDocumentByCode(ctx context.Context, code string) (store.SignedDocument, error)
	GetSignedDocumentByHash(ctx context.Context, fullHash string) (store.SignedDocument, error)
}

// sessionStore abstracts the Redis session backend for tests.
type sessionStore interface {
	Create(ctx context.Context, id session.Identity) (string, error)
	Lookup(ctx context.Context, token string) (session.Identity, error)
	CSRFToken(ctx context.Context, token string) (string, error)
	VerifyCSRF(ctx context.Context, token, submitted string) error
	Revoke(ctx context.Context, token string) error
}

type Service struct {
	store     dataStore
	sessions  sessionStore
	auth      *authpw.Service
	limiter   *ratelimit.Limiter
	stamper   *stamp.Service
	verifier  *verify.Service
	artifacts artifact.Store
}

func NewService(
	dataStore dataStore,
	sessions sessionStore,
	auth *authpw.Service,
	limiter *ratelimit.Limiter,
	stamper *stamp.Service,
	verifier *verify.Service,
	artifacts artifact.Store,
) *Service {
	return &Service{
		store:     dataStore,
		sessions:  sessions,
		auth:      auth,
		limiter:   limiter,
		stamper:   stamper,
		verifier:  verifier,
		artifacts: artifacts,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// LoginResult is a freshly created session.
type LoginResult struct {
	Token    string
	CSRF     string
	Identity session.Identity
}

// Login authenticates and opens a session. Failed attempts count toward the
// per email|ip lockout; the lockout answer deliberately does not reveal
// whether the credentials were right.
func (s *Service) Login(ctx context.Context, email, cpf, ip string) (LoginResult, error) {
	if s.limiter != nil {
		locked, remaining, err := s.limiter.Locked(ctx, email, ip)
		if err != nil {
			return LoginResult{}, fmt.Errorf("check lockout: %w", err)
		}
		if locked {
			secs := int(remaining.Round(time.Second).Seconds())
			return LoginResult{}, domainError(http.StatusTooManyRequests, "LOCKED_OUT",
				"Too many failed attempts, try again later",
				map[string]any{"retryAfterSeconds": secs})
		}
	}

	user, err := s.auth.SignIn(ctx, email, cpf)
	if err != nil {
		// Shape-invalid input never touched the credential store and
		// does not count toward the lockout.
		if s.limiter != nil && !errors.Is(err, authpw.ErrMalformedLogin) {
			if recErr := s.limiter.RecordFailure(ctx, email, ip); recErr != nil {
				log.Printf("record login failure: %v", recErr)
			}
		}
		return LoginResult{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS",
			"Invalid email or CPF", nil)
	}
	if s.limiter != nil {
		if err := s.limiter.Clear(ctx, email, ip); err != nil {
			log.Printf("clear login failures: %v", err)
		}
	}

	id := session.Identity{
		Email:     user.Email,
		Nome:      user.Nome,
		CPFMasked: user.CPFMasked,
		Orgao:     user.Orgao,
		Setor:     user.Setor,
		Matricula: user.Matricula,
		Cargo:     user.Cargo,
		IsAdmin:   user.IsAdmin,
		LoginAt:   time.Now(),
	}
	token, err := s.sessions.Create(ctx, id)
	if err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}
	csrf, err := s.sessions.CSRFToken(ctx, token)
	if err != nil {
		return LoginResult{}, fmt.Errorf("read csrf token: %w", err)
	}
	return LoginResult{Token: token, CSRF: csrf, Identity: id}, nil
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Revoke(ctx, token)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (session.Identity, error) {
	return s.sessions.Lookup(ctx, token)
}

func (s *Service) VerifyCSRF(ctx context.Context, token, submitted string) error {
	return s.sessions.VerifyCSRF(ctx, token, submitted)
}

// SignDocument stamps the upload for the authenticated signer and records it
// in the signed-document index. An index write failure is logged rather than
// surfaced: the artifact is already stored and the verification scan still
// finds it.
func (s *Service) SignDocument(ctx context.Context, id session.Identity, req stamp.Request, origin string) (stamp.Result, error) {
	req.Signer = stamp.Signer{
		Nome:      id.Nome,
		CPFMasked: id.CPFMasked,
		Matricula: id.Matricula,
		Orgao:     id.Orgao,
		Cargo:     id.Cargo,
	}
	res, err := s.stamper.Sign(ctx, req, origin)
	if err != nil {
		return stamp.Result{}, err
	}

	ext := filepath.Ext(res.FileName)
	doc := store.SignedDocument{
		BaseName:      strings.TrimSuffix(res.FileName, ext),
		Extension:     ext,
		FileName:      res.FileName,
		ShortCode:     res.ShortCode,
		FullHash:      res.FullHash,
		SignerEmail:   id.Email,
		ProcessNumber: req.Processo,
	}
	if _, err := s.store.InsertSignedDocument(ctx, doc); err != nil {
		log.Printf("index signed document %s: %v", res.FileName, err)
	}
	return res, nil
}

func (s *Service) VerifyByCode(ctx context.Context, code string) (verify.Match, error) {
	return s.verifier.ByCode(ctx, code)
}

func (s *Service) VerifyByUpload(ctx context.Context, upload io.Reader) (verify.Match, error) {
	return s.verifier.ByUpload(ctx, upload)
}

func (s *Service) CompareWithOfficial(ctx context.Context, code string, upload io.Reader) (verify.Match, string, bool, error) {
	return s.verifier.CompareWithOfficial(ctx, code, upload)
}

// OpenArtifact serves a stored signed document for download.
func (s *Service) OpenArtifact(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	return s.artifacts.Open(ctx, name)
}

func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	return s.auth.ListUsers(ctx)
}

func (s *Service) CreateUser(ctx context.Context, req authpw.CreateUserRequest) (store.User, error) {
	return s.auth.CreateUser(ctx, req)
}

func (s *Service) UpdateUser(ctx context.Context, req authpw.UpdateUserRequest) error {
	return s.auth.UpdateUser(ctx, req)
}

func (s *Service) DeleteUser(ctx context.Context, email string) error {
	return s.auth.DeleteUser(ctx, email)
}

// Bootstrap seeds the first admin when the users table is empty.
func (s *Service) Bootstrap(ctx context.Context, email, nome, cpf string) error {
	return s.auth.Bootstrap(ctx, email, nome, cpf)
}
