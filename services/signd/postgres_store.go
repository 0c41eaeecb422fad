package signd

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"ipasignd/pkg/db"
)

// PostgresJobStore persists job records in the signing_jobs table.
type PostgresJobStore struct {
	pool *pgxpool.Pool
}

func NewPostgresJobStore(pool *pgxpool.Pool) *PostgresJobStore {
	return &PostgresJobStore{pool: pool}
}

// jobRow carries the raw jsonb meta column; scany cannot scan it into a map
// directly under the simple protocol.
type jobRow struct {
	ID                string    `db:"id"`
	CustomName        string    `db:"custom_name"`
	BundleID          string    `db:"bundle_id"`
	StripProvisioning bool      `db:"strip_provisioning"`
	Meta              []byte    `db:"meta"`
	ExpireAt          time.Time `db:"expire_at"`
	CreatedAt         time.Time `db:"created_at"`
}

func (r jobRow) record() (JobRecord, error) {
	job := JobRecord{
		ID:                r.ID,
		CustomName:        r.CustomName,
		BundleID:          r.BundleID,
		StripProvisioning: r.StripProvisioning,
		ExpireAt:          r.ExpireAt,
		CreatedAt:         r.CreatedAt,
	}
	if len(r.Meta) > 0 {
		if err := json.Unmarshal(r.Meta, &job.Meta); err != nil {
			return JobRecord{}, &StorageError{Op: "decode job meta", Err: err}
		}
	}
	return job, nil
}

func (s *PostgresJobStore) Create(ctx context.Context, job JobRecord) error {
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return &StorageError{Op: "encode job meta", Err: err}
	}

	query := `
        INSERT INTO signing_jobs (id, custom_name, bundle_id, strip_provisioning, meta, expire_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7);
    `
	if _, err := db.Exec(ctx, s.pool, query,
		job.ID, job.CustomName, job.BundleID, job.StripProvisioning, meta, job.ExpireAt, job.CreatedAt); err != nil {
		return &StorageError{Op: "create job", Err: err}
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (JobRecord, error) {
	query := `
        SELECT id, custom_name, bundle_id, strip_provisioning, meta, expire_at, created_at
        FROM signing_jobs
        WHERE id = $1
    `
	var row jobRow
	if err := db.Get(ctx, s.pool, &row, query, id); err != nil {
		if db.NotFound(err) {
			return JobRecord{}, ErrNotFound
		}
		return JobRecord{}, &StorageError{Op: "get job", Err: err}
	}
	return row.record()
}

func (s *PostgresJobStore) Delete(ctx context.Context, id string) error {
	if _, err := db.Exec(ctx, s.pool, `DELETE FROM signing_jobs WHERE id = $1`, id); err != nil {
		return &StorageError{Op: "delete job", Err: err}
	}
	return nil
}

func (s *PostgresJobStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]JobRecord, error) {
	query := `
        SELECT id, custom_name, bundle_id, strip_provisioning, meta, expire_at, created_at
        FROM signing_jobs
        WHERE expire_at <= $1
        ORDER BY expire_at
        LIMIT $2
    `
	if limit <= 0 {
		limit = 500
	}
	var rows []jobRow
	if err := db.Select(ctx, s.pool, &rows, query, now, limit); err != nil {
		return nil, &StorageError{Op: "list expired jobs", Err: err}
	}

	jobs := make([]JobRecord, 0, len(rows))
	for _, row := range rows {
		job, err := row.record()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// PostgresCredentialStore persists vault records in the stored_credentials table.
type PostgresCredentialStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCredentialStore(pool *pgxpool.Pool) *PostgresCredentialStore {
	return &PostgresCredentialStore{pool: pool}
}

func (s *PostgresCredentialStore) Create(ctx context.Context, cred StoredCredential) error {
	query := `
        INSERT INTO stored_credentials (id, owner_job_id, secret_hash, expire_at, created_at)
        VALUES ($1, $2, $3, $4, $5);
    `
	if _, err := db.Exec(ctx, s.pool, query,
		cred.ID, cred.OwnerJobID, cred.SecretHash, cred.ExpireAt, cred.CreatedAt); err != nil {
		return &StorageError{Op: "create credential", Err: err}
	}
	return nil
}

func (s *PostgresCredentialStore) Get(ctx context.Context, id uuid.UUID) (StoredCredential, error) {
	query := `
        SELECT id, owner_job_id, secret_hash, expire_at, created_at
        FROM stored_credentials
        WHERE id = $1
    `
	var cred StoredCredential
	if err := db.Get(ctx, s.pool, &cred, query, id); err != nil {
		if db.NotFound(err) {
			return StoredCredential{}, ErrNotFound
		}
		return StoredCredential{}, &StorageError{Op: "get credential", Err: err}
	}
	return cred, nil
}

func (s *PostgresCredentialStore) Renew(ctx context.Context, id uuid.UUID, expireAt time.Time) error {
	tag, err := db.Exec(ctx, s.pool,
		`UPDATE stored_credentials SET expire_at = $2 WHERE id = $1`, id, expireAt)
	if err != nil {
		return &StorageError{Op: "renew credential", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresCredentialStore) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := db.Exec(ctx, s.pool, `DELETE FROM stored_credentials WHERE id = $1`, id); err != nil {
		return &StorageError{Op: "delete credential", Err: err}
	}
	return nil
}

func (s *PostgresCredentialStore) HasOwner(ctx context.Context, ownerJobID string) (bool, error) {
	var count int
	err := db.Get(ctx, s.pool, &count,
		`SELECT count(*) FROM stored_credentials WHERE owner_job_id = $1`, ownerJobID)
	if err != nil {
		return false, &StorageError{Op: "count credential owners", Err: err}
	}
	return count > 0, nil
}

func (s *PostgresCredentialStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]StoredCredential, error) {
	query := `
        SELECT id, owner_job_id, secret_hash, expire_at, created_at
        FROM stored_credentials
        WHERE expire_at <= $1
        ORDER BY expire_at
        LIMIT $2
    `
	if limit <= 0 {
		limit = 500
	}
	var creds []StoredCredential
	if err := db.Select(ctx, s.pool, &creds, query, now, limit); err != nil {
		return nil, &StorageError{Op: "list expired credentials", Err: err}
	}
	return creds, nil
}

var (
	_ JobStore        = (*PostgresJobStore)(nil)
	_ CredentialStore = (*PostgresCredentialStore)(nil)
	_ JobStore        = (*MemoryJobStore)(nil)
	_ CredentialStore = (*MemoryCredentialStore)(nil)
)
