package signd

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultRegisterResolve(t *testing.T) {
	ctx := context.Background()
	creds := NewMemoryCredentialStore()
	vault := NewVault(creds, time.Hour)

	token, err := vault.Register(ctx, "job-1")
	require.NoError(t, err)

	id, secret, ok := strings.Cut(token, ".")
	require.True(t, ok)
	require.NotEmpty(t, secret)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	owner, err := vault.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "job-1", owner)

	// The plaintext secret is never stored.
	cred, err := creds.Get(ctx, uuid.MustParse(id))
	require.NoError(t, err)
	assert.NotContains(t, cred.SecretHash, secret)
	assert.True(t, strings.HasPrefix(cred.SecretHash, "$argon2id$"))
}

func TestVaultResolveSlidesExpiry(t *testing.T) {
	ctx := context.Background()
	creds := NewMemoryCredentialStore()
	vault := NewVault(creds, time.Hour)

	token, err := vault.Register(ctx, "job-1")
	require.NoError(t, err)

	id := uuid.MustParse(strings.SplitN(token, ".", 2)[0])

	// Age the record to the edge of expiry, then resolve.
	require.NoError(t, creds.Renew(ctx, id, time.Now().Add(time.Minute)))

	_, err = vault.Resolve(ctx, token)
	require.NoError(t, err)

	cred, err := creds.Get(ctx, id)
	require.NoError(t, err)
	assert.Greater(t, time.Until(cred.ExpireAt), 55*time.Minute)
}

func TestVaultResolveExpired(t *testing.T) {
	ctx := context.Background()
	creds := NewMemoryCredentialStore()
	vault := NewVault(creds, time.Hour)

	token, err := vault.Register(ctx, "job-1")
	require.NoError(t, err)

	id := uuid.MustParse(strings.SplitN(token, ".", 2)[0])
	require.NoError(t, creds.Renew(ctx, id, time.Now().Add(-time.Second)))

	// Expired before the sweeper caught it: still unresolvable.
	_, err = vault.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVaultResolveWrongSecret(t *testing.T) {
	ctx := context.Background()
	vault := NewVault(NewMemoryCredentialStore(), time.Hour)

	token, err := vault.Register(ctx, "job-1")
	require.NoError(t, err)

	id := strings.SplitN(token, ".", 2)[0]
	_, err = vault.Resolve(ctx, id+"."+strings.Repeat("0", 48))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVaultMalformedTokens(t *testing.T) {
	ctx := context.Background()
	vault := NewVault(NewMemoryCredentialStore(), time.Hour)

	for _, token := range []string{
		"",
		"no-dot",
		"not-a-uuid.secret",
		uuid.NewString(),
		uuid.NewString() + ".",
	} {
		_, err := vault.Resolve(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken, token)
	}

	// Well-formed but unknown.
	_, err := vault.Resolve(ctx, uuid.NewString()+".deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVaultRevoke(t *testing.T) {
	ctx := context.Background()
	creds := NewMemoryCredentialStore()
	vault := NewVault(creds, time.Hour)

	token, err := vault.Register(ctx, "job-1")
	require.NoError(t, err)

	// A wrong secret cannot revoke the record.
	id := strings.SplitN(token, ".", 2)[0]
	_, err = vault.Revoke(ctx, id+"."+strings.Repeat("0", 48))
	assert.ErrorIs(t, err, ErrNotFound)

	owner, err := vault.Revoke(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "job-1", owner)

	_, err = vault.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSecretHashRoundTrip(t *testing.T) {
	hash, err := hashSecret("s3cret")
	require.NoError(t, err)

	ok, err := verifySecret("s3cret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifySecret("other", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	// Two hashes of the same secret differ by salt.
	other, err := hashSecret("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)

	_, err = verifySecret("s3cret", "$argon2id$garbage")
	assert.Error(t, err)
}
