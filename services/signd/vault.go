package signd

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
)

// argon2id parameters. The secret is server-generated high-entropy
// randomness, but verification still goes through a salted slow hash so a
// leaked table or a timing probe yields nothing usable.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16

	secretBytes = 24
)

// Vault issues and verifies long-lived stored-credential secrets. The token
// handed to clients is "<record-id>.<secret>"; only the argon2id hash of the
// secret half is persisted, so the plaintext can never be produced again.
type Vault struct {
	creds CredentialStore
	ttl   time.Duration
}

func NewVault(creds CredentialStore, ttl time.Duration) *Vault {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Vault{creds: creds, ttl: ttl}
}

// Register creates a credential owned by ownerJobID and returns the plaintext
// token exactly once.
func (v *Vault) Register(ctx context.Context, ownerJobID string) (string, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	plaintext := hex.EncodeToString(secret)

	hash, err := hashSecret(plaintext)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	cred := StoredCredential{
		ID:         uuid.New(),
		OwnerJobID: ownerJobID,
		SecretHash: hash,
		ExpireAt:   now.Add(v.ttl),
		CreatedAt:  now,
	}
	if err := v.creds.Create(ctx, cred); err != nil {
		return "", err
	}

	return cred.ID.String() + "." + plaintext, nil
}

// Resolve verifies a presented token and returns the owning job id. A
// successful resolution slides the record's expiry forward by the vault TTL.
// Expired or unknown records resolve as ErrNotFound even before the sweeper
// has removed them.
func (v *Vault) Resolve(ctx context.Context, token string) (string, error) {
	id, secret, err := splitToken(token)
	if err != nil {
		return "", err
	}

	cred, err := v.creds.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !cred.ExpireAt.After(time.Now()) {
		return "", ErrNotFound
	}

	ok, err := verifySecret(secret, cred.SecretHash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}

	if err := v.creds.Renew(ctx, cred.ID, time.Now().UTC().Add(v.ttl)); err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	return cred.OwnerJobID, nil
}

// Revoke deletes the credential a presented token refers to. The token's
// secret must still verify; a bad token is not allowed to delete someone
// else's record. Returns the owning job id so the caller can clean up files.
func (v *Vault) Revoke(ctx context.Context, token string) (string, error) {
	id, secret, err := splitToken(token)
	if err != nil {
		return "", err
	}

	cred, err := v.creds.Get(ctx, id)
	if err != nil {
		return "", err
	}

	ok, err := verifySecret(secret, cred.SecretHash)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}

	if err := v.creds.Delete(ctx, cred.ID); err != nil {
		return "", err
	}
	return cred.OwnerJobID, nil
}

func splitToken(token string) (uuid.UUID, string, error) {
	idPart, secret, found := strings.Cut(token, ".")
	if !found || secret == "" {
		return uuid.Nil, "", ErrInvalidToken
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, "", ErrInvalidToken
	}
	return id, secret, nil
}

func hashSecret(secret string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

func verifySecret(secret, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("malformed secret hash")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, fmt.Errorf("malformed secret hash version: %w", err)
	}
	var memory uint32
	var iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("malformed secret hash parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("malformed secret hash salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("malformed secret hash key: %w", err)
	}

	got := argon2.IDKey([]byte(secret), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
