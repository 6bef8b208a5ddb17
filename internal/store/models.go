package store

import "time"

type User struct {
	ID             int64
	Email          string
	Nome           string
	CPFHash        string
	CPFFingerprint string
	CPFMasked      string
	Orgao          string
	Setor          string
	Matricula      string
	Cargo          string
	IsAdmin        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SignedDocument is the index row written alongside every stamped artifact.
// The artifact itself lives in the artifact store under FileName; the row
// exists so verification does not have to rescan the archive.
type SignedDocument struct {
	ID            int64
	BaseName      string
	Extension     string
	FileName      string
	ShortCode     string
	FullHash      string
	SignerEmail   string
	ProcessNumber string
	CreatedAt     time.Time
}
