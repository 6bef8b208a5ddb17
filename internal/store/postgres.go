package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("store: not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, email, nome, cpf_hash, cpf_fingerprint, cpf_masked,
	orgao, setor, matricula, cargo, is_admin, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Nome, &u.CPFHash, &u.CPFFingerprint,
		&u.CPFMasked, &u.Orgao, &u.Setor, &u.Matricula, &u.Cargo,
		&u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	user, err := scanUser(s.db.QueryRowContext(ctx, query, email))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByFingerprint(ctx context.Context, fingerprint string) (User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE cpf_fingerprint = $1`
	user, err := scanUser(s.db.QueryRowContext(ctx, query, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by fingerprint: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	query := `
		INSERT INTO users (email, nome, cpf_hash, cpf_fingerprint, cpf_masked,
			orgao, setor, matricula, cargo, is_admin)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + userColumns
	created, err := scanUser(s.db.QueryRowContext(ctx, query,
		user.Email, user.Nome, user.CPFHash, user.CPFFingerprint, user.CPFMasked,
		user.Orgao, user.Setor, user.Matricula, user.Cargo, user.IsAdmin))
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, user User) error {
	query := `
		UPDATE users
		SET email = $2, nome = $3, cpf_hash = $4, cpf_fingerprint = $5,
			cpf_masked = $6, orgao = $7, setor = $8, matricula = $9,
			cargo = $10, is_admin = $11, updated_at = NOW()
		WHERE id = $1
	`
	result, err := s.db.ExecContext(ctx, query,
		user.ID, user.Email, user.Nome, user.CPFHash, user.CPFFingerprint,
		user.CPFMasked, user.Orgao, user.Setor, user.Matricula, user.Cargo,
		user.IsAdmin)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, email string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE email = $1`, email)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const signedDocColumns = `id, base_name, extension, file_name, short_code,
	full_hash, signer_email, process_number, created_at`

func scanSignedDocument(row interface{ Scan(...any) error }) (SignedDocument, error) {
	var d SignedDocument
	err := row.Scan(&d.ID, &d.BaseName, &d.Extension, &d.FileName, &d.ShortCode,
		&d.FullHash, &d.SignerEmail, &d.ProcessNumber, &d.CreatedAt)
	return d, err
}

func (s *PostgresStore) InsertSignedDocument(ctx context.Context, doc SignedDocument) (SignedDocument, error) {
	query := `
		INSERT INTO signed_documents (base_name, extension, file_name,
			short_code, full_hash, signer_email, process_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + signedDocColumns
	created, err := scanSignedDocument(s.db.QueryRowContext(ctx, query,
		doc.BaseName, doc.Extension, doc.FileName, doc.ShortCode,
		doc.FullHash, doc.SignerEmail, doc.ProcessNumber))
	if err != nil {
		return SignedDocument{}, fmt.Errorf("insert signed document: %w", err)
	}
	return created, nil
}

// GetSignedDocumentByCode returns the oldest index row whose short code
// starts with code. Submitted codes may be shorter than the stored 10-hex
// code, and hash prefixes may collide across uploads; insertion order makes
// the winner stable. code must be pre-validated hex so the pattern carries
// no LIKE metacharacters.
func (s *PostgresStore) GetSignedDocumentByCode(ctx context.Context, code string) (SignedDocument, error) {
	query := `SELECT ` + signedDocColumns + `
		FROM signed_documents WHERE short_code LIKE $1 || '%'
		ORDER BY id ASC LIMIT 1`
	doc, err := scanSignedDocument(s.db.QueryRowContext(ctx, query, code))
	if errors.Is(err, sql.ErrNoRows) {
		return SignedDocument{}, ErrNotFound
	}
	if err != nil {
		return SignedDocument{}, fmt.Errorf("get signed document by code: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetSignedDocumentByHash(ctx context.Context, fullHash string) (SignedDocument, error) {
	query := `SELECT ` + signedDocColumns + `
		FROM signed_documents WHERE full_hash = $1
		ORDER BY id ASC LIMIT 1`
	doc, err := scanSignedDocument(s.db.QueryRowContext(ctx, query, fullHash))
	if errors.Is(err, sql.ErrNoRows) {
		return SignedDocument{}, ErrNotFound
	}
	if err != nil {
		return SignedDocument{}, fmt.Errorf("get signed document by hash: %w", err)
	}
	return doc, nil
}
