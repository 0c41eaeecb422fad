package signd

import (
	"context"
	"errors"
	"log"
	"sync"

	"ipasignd/pkg/bus"
	gos3 "ipasignd/pkg/s3"
)

// Event subjects published to the bus when one is wired.
const (
	jobsUploadedTopic = "signd.jobs.uploaded"
	jobsSignedTopic   = "signd.jobs.signed"
)

// Store holds external dependencies required by the handlers. Bus and Mirror
// are optional; a nil value disables the integration.
type Store struct {
	Jobs        JobStore
	Credentials CredentialStore
	Bus         *bus.Bus
	Mirror      *gos3.Client
}

// API wires stores, the vault, the password carrier, the artifact store, and
// the signing tool behind the HTTP handlers.
type API struct {
	store     *Store
	artifacts *Artifacts
	signer    Signer
	vault     *Vault
	carrier   *PasswordCarrier
	config    Config
	logger    *log.Logger
	locks     keyedMutex
}

// New initialises the API layer with sane defaults applied to the provided
// configuration.
func New(store *Store, artifacts *Artifacts, signer Signer, cfg Config, logger *log.Logger) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.Jobs == nil || store.Credentials == nil {
		return nil, errors.New("job and credential stores are required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact store is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}

	carrier, err := NewPasswordCarrier([]byte(cfg.TokenSecret), cfg.PasswordTokenTTL)
	if err != nil {
		return nil, err
	}

	return &API{
		store:     store,
		artifacts: artifacts,
		signer:    signer,
		vault:     NewVault(store.Credentials, cfg.CredentialTTL),
		carrier:   carrier,
		config:    cfg,
		logger:    logger,
		locks:     keyedMutex{entries: make(map[string]*lockEntry)},
	}, nil
}

func (a *API) publish(ctx context.Context, subject string, payload any) {
	if a.store.Bus == nil {
		return
	}
	if err := a.store.Bus.Publish(ctx, subject, payload); err != nil {
		a.logf("WARN publish %s: %v", subject, err)
	}
}

func (a *API) logf(format string, args ...any) {
	if a.logger != nil {
		a.logger.Printf(format, args...)
	}
}

// keyedMutex serializes concurrent signs for the same job id so two requests
// cannot race on the same output path. Entries are reference counted and
// freed when the last holder unlocks.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	refs int
	mu   sync.Mutex
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.entries[key]
	if !ok {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}
