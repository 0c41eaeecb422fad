package signd

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryJobStore is a mutex-map JobStore used by tests and single-node
// deployments without Postgres.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]JobRecord
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]JobRecord)}
}

func (s *MemoryJobStore) Create(_ context.Context, job JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return JobRecord{}, ErrNotFound
	}
	return job, nil
}

func (s *MemoryJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemoryJobStore) ListExpired(_ context.Context, now time.Time, limit int) ([]JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []JobRecord
	for _, job := range s.jobs {
		if !job.ExpireAt.After(now) {
			expired = append(expired, job)
			if limit > 0 && len(expired) >= limit {
				break
			}
		}
	}
	return expired, nil
}

// MemoryCredentialStore is the in-memory CredentialStore counterpart.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds map[uuid.UUID]StoredCredential
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[uuid.UUID]StoredCredential)}
}

func (s *MemoryCredentialStore) Create(_ context.Context, cred StoredCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.ID] = cred
	return nil
}

func (s *MemoryCredentialStore) Get(_ context.Context, id uuid.UUID) (StoredCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[id]
	if !ok {
		return StoredCredential{}, ErrNotFound
	}
	return cred, nil
}

func (s *MemoryCredentialStore) Renew(_ context.Context, id uuid.UUID, expireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.creds[id]
	if !ok {
		return ErrNotFound
	}
	cred.ExpireAt = expireAt
	s.creds[id] = cred
	return nil
}

func (s *MemoryCredentialStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
	return nil
}

func (s *MemoryCredentialStore) HasOwner(_ context.Context, ownerJobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cred := range s.creds {
		if cred.OwnerJobID == ownerJobID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryCredentialStore) ListExpired(_ context.Context, now time.Time, limit int) ([]StoredCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []StoredCredential
	for _, cred := range s.creds {
		if !cred.ExpireAt.After(now) {
			expired = append(expired, cred)
			if limit > 0 && len(expired) >= limit {
				break
			}
		}
	}
	return expired, nil
}
