// Package authpw provides CPF-credential authentication and user
// administration. Staff sign in with email plus CPF digits; the CPF doubles
// as the password-equivalent credential and is stored only as a bcrypt hash
// plus a salted deterministic fingerprint for duplicate detection.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"assina/api/internal/cpf"
	"assina/api/internal/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or CPF")
	// ErrMalformedLogin is a shape-invalid login attempt: not a plausible
	// email or not 11 CPF digits. It matches ErrInvalidCredentials so the
	// answer stays uniform, but such attempts never reach the stores and
	// callers can keep them out of the lockout counter.
	ErrMalformedLogin = fmt.Errorf("malformed login: %w", ErrInvalidCredentials)
	ErrEmailTaken     = errors.New("email already registered")
	ErrCPFTaken       = errors.New("CPF already registered")
	ErrInvalidEmail   = errors.New("invalid email")
	ErrInvalidCPF     = errors.New("invalid CPF: 11 digits required")
	ErrUserNotFound   = errors.New("user not found")
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func ValidEmail(email string) bool {
	return emailRe.MatchString(strings.ToLower(strings.TrimSpace(email)))
}

// UserStore defines the storage interface for auth and user administration.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByFingerprint(ctx context.Context, fingerprint string) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	CountUsers(ctx context.Context) (int, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	UpdateUser(ctx context.Context, user store.User) error
	DeleteUser(ctx context.Context, email string) error
}

type Service struct {
	store UserStore
	salt  string
}

func NewService(userStore UserStore, cpfHashSalt string) *Service {
	return &Service{store: userStore, salt: cpfHashSalt}
}

// SignIn authenticates an email + CPF pair. All failure modes collapse into
// ErrInvalidCredentials so callers cannot enumerate accounts.
func (s *Service) SignIn(ctx context.Context, email, rawCPF string) (store.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	digits := cpf.Normalize(rawCPF)

	if !ValidEmail(email) || !cpf.ValidDigits(digits) {
		return store.User{}, ErrMalformedLogin
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.CPFHash), []byte(digits)) != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// CreateUserRequest carries the admin-supplied profile for a new user.
type CreateUserRequest struct {
	Nome      string
	Email     string
	CPF       string
	Orgao     string
	Setor     string
	Matricula string
	Cargo     string
	IsAdmin   bool
}

func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (store.User, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !ValidEmail(email) {
		return store.User{}, ErrInvalidEmail
	}
	digits := cpf.Normalize(req.CPF)
	if !cpf.ValidDigits(digits) {
		return store.User{}, ErrInvalidCPF
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return store.User{}, ErrEmailTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("check email: %w", err)
	}

	fingerprint := cpf.Fingerprint(s.salt, digits)
	if _, err := s.store.GetUserByFingerprint(ctx, fingerprint); err == nil {
		return store.User{}, ErrCPFTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("check fingerprint: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(digits), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash cpf: %w", err)
	}

	user := store.User{
		Email:          email,
		Nome:           strings.TrimSpace(req.Nome),
		CPFHash:        string(hash),
		CPFFingerprint: fingerprint,
		CPFMasked:      cpf.Mask(digits),
		Orgao:          strings.TrimSpace(req.Orgao),
		Setor:          strings.TrimSpace(req.Setor),
		Matricula:      strings.TrimSpace(req.Matricula),
		Cargo:          strings.TrimSpace(req.Cargo),
		IsAdmin:        req.IsAdmin,
	}
	created, err := s.store.CreateUser(ctx, user)
	if err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return created, nil
}

// UpdateUserRequest edits the user currently registered under EditEmail. The
// CPF is only re-hashed when ChangeCPF is set.
type UpdateUserRequest struct {
	EditEmail string
	Nome      string
	Email     string
	Orgao     string
	Setor     string
	Matricula string
	Cargo     string
	ChangeCPF bool
	CPF       string
}

func (s *Service) UpdateUser(ctx context.Context, req UpdateUserRequest) error {
	editEmail := strings.ToLower(strings.TrimSpace(req.EditEmail))
	user, err := s.store.GetUserByEmail(ctx, editEmail)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	newEmail := strings.ToLower(strings.TrimSpace(req.Email))
	if !ValidEmail(newEmail) {
		return ErrInvalidEmail
	}
	if newEmail != editEmail {
		if _, err := s.store.GetUserByEmail(ctx, newEmail); err == nil {
			return ErrEmailTaken
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check email: %w", err)
		}
	}

	if req.ChangeCPF {
		digits := cpf.Normalize(req.CPF)
		if !cpf.ValidDigits(digits) {
			return ErrInvalidCPF
		}
		fingerprint := cpf.Fingerprint(s.salt, digits)
		if other, err := s.store.GetUserByFingerprint(ctx, fingerprint); err == nil {
			if other.ID != user.ID {
				return ErrCPFTaken
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("check fingerprint: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(digits), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash cpf: %w", err)
		}
		user.CPFHash = string(hash)
		user.CPFFingerprint = fingerprint
		user.CPFMasked = cpf.Mask(digits)
	}

	user.Email = newEmail
	user.Nome = strings.TrimSpace(req.Nome)
	user.Orgao = strings.TrimSpace(req.Orgao)
	user.Setor = strings.TrimSpace(req.Setor)
	user.Matricula = strings.TrimSpace(req.Matricula)
	user.Cargo = strings.TrimSpace(req.Cargo)

	if err := s.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (s *Service) DeleteUser(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ErrInvalidEmail
	}
	err := s.store.DeleteUser(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUserNotFound
	}
	return err
}

func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	return s.store.ListUsers(ctx)
}

// Bootstrap seeds the first admin account when the users table is empty.
func (s *Service) Bootstrap(ctx context.Context, email, nome, rawCPF string) error {
	if email == "" || rawCPF == "" {
		return nil
	}
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err = s.CreateUser(ctx, CreateUserRequest{
		Nome:    nome,
		Email:   email,
		CPF:     rawCPF,
		IsAdmin: true,
	})
	return err
}
