package signd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// JobRecord holds the per-upload metadata needed to sign and clean up one
// package. Records age out after Config.JobTTL unless deleted earlier by a
// non-persisted sign.
type JobRecord struct {
	ID                string    `db:"id" json:"id"`
	CustomName        string    `db:"custom_name" json:"custom_name,omitempty"`
	BundleID          string    `db:"bundle_id" json:"bundle_id,omitempty"`
	StripProvisioning bool      `db:"strip_provisioning" json:"strip_provisioning"`
	ExpireAt          time.Time `db:"expire_at" json:"expire_at"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`

	// Meta holds what package inspection learned at upload time. The manifest
	// falls back to it when the client supplied no overrides.
	Meta map[string]string `db:"-" json:"meta,omitempty"`
}

// StoredCredential maps a hashed client secret to the job whose certificate
// and profile files it unlocks. SecretHash is an argon2id digest; the
// plaintext secret is never persisted.
type StoredCredential struct {
	ID         uuid.UUID `db:"id" json:"id"`
	OwnerJobID string    `db:"owner_job_id" json:"owner_job_id"`
	SecretHash string    `db:"secret_hash" json:"-"`
	ExpireAt   time.Time `db:"expire_at" json:"expire_at"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// JobStore persists job records. Implementations must treat deletion of an
// absent record as a no-op and return ErrNotFound from Get for unknown ids.
type JobStore interface {
	Create(ctx context.Context, job JobRecord) error
	Get(ctx context.Context, id string) (JobRecord, error)
	Delete(ctx context.Context, id string) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]JobRecord, error)
}

// CredentialStore persists stored-credential records for the vault. Same
// absence semantics as JobStore.
type CredentialStore interface {
	Create(ctx context.Context, cred StoredCredential) error
	Get(ctx context.Context, id uuid.UUID) (StoredCredential, error)
	Renew(ctx context.Context, id uuid.UUID, expireAt time.Time) error
	Delete(ctx context.Context, id uuid.UUID) error
	HasOwner(ctx context.Context, ownerJobID string) (bool, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]StoredCredential, error)
}

const jobKeyBytes = 6

// NewJobID returns a short random hex key. The key space is small enough to
// type into a URL and large enough that collisions are negligible for
// day-scale record lifetimes.
func NewJobID() string {
	buf := make([]byte, jobKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(buf)
}
