package signd

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtifactsPlainRoundTrip(t *testing.T) {
	ctx := context.Background()
	artifacts, err := NewArtifacts(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, artifacts.SaveCert(ctx, "job1", bytes.NewReader([]byte("cert bytes"))))
	require.NoError(t, artifacts.SaveProfile(ctx, "job1", bytes.NewReader([]byte("profile bytes"))))
	assert.True(t, artifacts.HasCertMaterial("job1"))

	certPath, profilePath, cleanup, err := artifacts.CertMaterial("job1")
	require.NoError(t, err)
	defer cleanup()

	// Without encryption the stored files are handed out directly.
	assert.Equal(t, artifacts.CertPath("job1"), certPath)
	assert.Equal(t, artifacts.ProfilePath("job1"), profilePath)

	data, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("cert bytes"), data)
}

func TestArtifactsEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	artifacts, err := NewArtifacts(t.TempDir(), identity)
	require.NoError(t, err)

	require.NoError(t, artifacts.SaveCert(ctx, "job1", bytes.NewReader([]byte("cert bytes"))))
	require.NoError(t, artifacts.SaveProfile(ctx, "job1", bytes.NewReader([]byte("profile bytes"))))
	assert.True(t, artifacts.HasCertMaterial("job1"))

	// Only ciphertext on disk.
	assert.NoFileExists(t, artifacts.CertPath("job1"))
	enc, err := os.ReadFile(artifacts.CertPath("job1") + encSuffix)
	require.NoError(t, err)
	assert.NotContains(t, string(enc), "cert bytes")

	certPath, profilePath, cleanup, err := artifacts.CertMaterial("job1")
	require.NoError(t, err)

	data, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("cert bytes"), data)
	data, err = os.ReadFile(profilePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("profile bytes"), data)

	// Cleanup removes the decrypted scratch files but not the ciphertext.
	cleanup()
	assert.NoFileExists(t, certPath)
	assert.NoFileExists(t, profilePath)
	assert.True(t, artifacts.HasCertMaterial("job1"))

	artifacts.RemoveCertMaterial("job1")
	assert.False(t, artifacts.HasCertMaterial("job1"))
}

func TestCertMaterialMissing(t *testing.T) {
	artifacts, err := NewArtifacts(t.TempDir(), nil)
	require.NoError(t, err)

	_, _, cleanup, err := artifacts.CertMaterial("absent")
	cleanup()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetchURL(t *testing.T) {
	ctx := context.Background()
	artifacts, err := NewArtifacts(t.TempDir(), nil)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote bytes"))
	}))
	defer srv.Close()

	var got []byte
	err = artifacts.FetchURL(ctx, srv.URL+"/ok", func(ctx context.Context, body io.Reader) error {
		var readErr error
		got, readErr = io.ReadAll(body)
		return readErr
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("remote bytes"), got)

	err = artifacts.FetchURL(ctx, srv.URL+"/missing", func(context.Context, io.Reader) error { return nil })
	assert.Error(t, err)
}

func TestRemoveOlderThan(t *testing.T) {
	ctx := context.Background()
	artifacts, err := NewArtifacts(t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, artifacts.SavePackage(ctx, "old", bytes.NewReader([]byte("pkg"))))
	require.NoError(t, os.WriteFile(artifacts.SignedPath("old"), []byte("signed"), 0o644))
	require.NoError(t, artifacts.WriteManifest("old", []byte("<plist/>")))
	require.NoError(t, artifacts.SaveCert(ctx, "old", bytes.NewReader([]byte("cert"))))

	// Nothing is old enough yet.
	assert.Zero(t, artifacts.RemoveOlderThan(time.Now().Add(-time.Hour)))

	removed := artifacts.RemoveOlderThan(time.Now().Add(time.Hour))
	assert.Equal(t, 3, removed)
	assert.NoFileExists(t, artifacts.PackagePath("old"))
	assert.NoFileExists(t, artifacts.SignedPath("old"))
	assert.NoFileExists(t, artifacts.ManifestPath("old"))
	// Certificate material is out of scope for the age-based pass.
	assert.FileExists(t, artifacts.CertPath("old"))
}
