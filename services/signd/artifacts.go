package signd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
)

// Directory layout under the artifact root. Files are addressed by job id
// (or credential-owner id for certificate material).
const (
	dirTemp      = "temp"
	dirCerts     = "certs"
	dirSigned    = "signed"
	dirManifests = "manifests"

	encSuffix = ".age"
)

// Artifacts is the filesystem-backed store for uploaded packages,
// certificate material, signed outputs, and install manifests. When an age
// identity is configured, certificate material is encrypted at rest and
// decrypted to scratch files only for the duration of a signing call.
type Artifacts struct {
	root     string
	client   *http.Client
	identity *age.X25519Identity
}

func NewArtifacts(root string, identity *age.X25519Identity) (*Artifacts, error) {
	if root == "" {
		return nil, errors.New("artifact root is required")
	}
	for _, dir := range []string{dirTemp, dirCerts, dirSigned, dirManifests} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o750); err != nil {
			return nil, &StorageError{Op: "prepare artifact dirs", Err: err}
		}
	}
	return &Artifacts{
		root:     root,
		client:   &http.Client{Timeout: 5 * time.Minute},
		identity: identity,
	}, nil
}

func (a *Artifacts) PackagePath(id string) string {
	return filepath.Join(a.root, dirTemp, id+".ipa")
}

func (a *Artifacts) CertPath(id string) string {
	return filepath.Join(a.root, dirCerts, id+".p12")
}

func (a *Artifacts) ProfilePath(id string) string {
	return filepath.Join(a.root, dirCerts, id+".mobileprovision")
}

func (a *Artifacts) SignedPath(id string) string {
	return filepath.Join(a.root, dirSigned, id+".ipa")
}

func (a *Artifacts) ManifestPath(id string) string {
	return filepath.Join(a.root, dirManifests, id+".plist")
}

// SignedDir and ManifestDir back the static file routes.
func (a *Artifacts) SignedDir() string   { return filepath.Join(a.root, dirSigned) }
func (a *Artifacts) ManifestDir() string { return filepath.Join(a.root, dirManifests) }

// SavePackage streams an uploaded package to the temp area.
func (a *Artifacts) SavePackage(ctx context.Context, id string, src io.Reader) error {
	return a.write(ctx, a.PackagePath(id), src, false)
}

// SaveCert and SaveProfile store certificate material, encrypting at rest
// when an identity is configured.
func (a *Artifacts) SaveCert(ctx context.Context, id string, src io.Reader) error {
	return a.write(ctx, a.CertPath(id), src, a.identity != nil)
}

func (a *Artifacts) SaveProfile(ctx context.Context, id string, src io.Reader) error {
	return a.write(ctx, a.ProfilePath(id), src, a.identity != nil)
}

// FetchURL materializes a remote input; the original flow allows any of the
// three upload inputs to be given as a URL instead of a file part.
func (a *Artifacts) FetchURL(ctx context.Context, rawURL string, save func(context.Context, io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return &StorageError{Op: "fetch remote input", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StorageError{Op: "fetch remote input", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	return save(ctx, resp.Body)
}

func (a *Artifacts) write(ctx context.Context, path string, src io.Reader, encrypt bool) error {
	if encrypt {
		path += encSuffix
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return &StorageError{Op: "create artifact", Err: err}
	}

	var dst io.WriteCloser = f
	if encrypt {
		dst, err = age.Encrypt(f, a.identity.Recipient())
		if err != nil {
			f.Close()
			return &StorageError{Op: "encrypt artifact", Err: err}
		}
	}

	if _, err := io.Copy(dst, readerWithContext(ctx, src)); err != nil {
		if encrypt {
			dst.Close()
		}
		f.Close()
		os.Remove(path)
		return &StorageError{Op: "write artifact", Err: err}
	}
	if encrypt {
		if err := dst.Close(); err != nil {
			f.Close()
			os.Remove(path)
			return &StorageError{Op: "finalize encrypted artifact", Err: err}
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return &StorageError{Op: "close artifact", Err: err}
	}
	return nil
}

// CertMaterial resolves the certificate and profile paths for a signing call,
// decrypting to scratch files when at-rest encryption is on. The returned
// cleanup removes any scratch files and must always be called. A missing
// input surfaces as ErrNotFound; the expiry sweep may have raced us.
func (a *Artifacts) CertMaterial(id string) (certPath, profilePath string, cleanup func(), err error) {
	cleanup = func() {}

	certPath, err = a.materialize(a.CertPath(id))
	if err != nil {
		return "", "", cleanup, err
	}
	profilePath, err = a.materialize(a.ProfilePath(id))
	if err != nil {
		if a.identity != nil {
			os.Remove(certPath)
		}
		return "", "", func() {}, err
	}

	if a.identity != nil {
		cp, pp := certPath, profilePath
		cleanup = func() {
			os.Remove(cp)
			os.Remove(pp)
		}
	}
	return certPath, profilePath, cleanup, nil
}

func (a *Artifacts) materialize(path string) (string, error) {
	if a.identity == nil {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return "", ErrNotFound
			}
			return "", &StorageError{Op: "stat artifact", Err: err}
		}
		return path, nil
	}

	src, err := os.Open(path + encSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", &StorageError{Op: "open encrypted artifact", Err: err}
	}
	defer src.Close()

	plain, err := age.Decrypt(src, a.identity)
	if err != nil {
		return "", &StorageError{Op: "decrypt artifact", Err: err}
	}

	scratch, err := os.CreateTemp(filepath.Join(a.root, dirTemp), "material-*")
	if err != nil {
		return "", &StorageError{Op: "create scratch file", Err: err}
	}
	if _, err := io.Copy(scratch, plain); err != nil {
		scratch.Close()
		os.Remove(scratch.Name())
		return "", &StorageError{Op: "decrypt artifact", Err: err}
	}
	if err := scratch.Close(); err != nil {
		os.Remove(scratch.Name())
		return "", &StorageError{Op: "close scratch file", Err: err}
	}
	return scratch.Name(), nil
}

// HasCertMaterial reports whether both certificate files exist for id.
func (a *Artifacts) HasCertMaterial(id string) bool {
	cert, profile := a.CertPath(id), a.ProfilePath(id)
	if a.identity != nil {
		cert += encSuffix
		profile += encSuffix
	}
	if _, err := os.Stat(cert); err != nil {
		return false
	}
	_, err := os.Stat(profile)
	return err == nil
}

// Removal is best-effort everywhere: a missing file is already-deleted state,
// not an error.

func (a *Artifacts) RemovePackage(id string) { removeQuiet(a.PackagePath(id)) }

func (a *Artifacts) RemoveCertMaterial(id string) {
	removeQuiet(a.CertPath(id))
	removeQuiet(a.ProfilePath(id))
	removeQuiet(a.CertPath(id) + encSuffix)
	removeQuiet(a.ProfilePath(id) + encSuffix)
}

func (a *Artifacts) RemoveSigned(id string)   { removeQuiet(a.SignedPath(id)) }
func (a *Artifacts) RemoveManifest(id string) { removeQuiet(a.ManifestPath(id)) }

func removeQuiet(path string) {
	_ = os.Remove(path)
}

// WriteManifest stores the rendered install manifest.
func (a *Artifacts) WriteManifest(id string, data []byte) error {
	if err := os.WriteFile(a.ManifestPath(id), data, 0o644); err != nil {
		return &StorageError{Op: "write manifest", Err: err}
	}
	return nil
}

// RemoveOlderThan deletes files in the transient directories (temp, signed,
// manifests) whose modification time is before cutoff. Certificate material
// is excluded; its lifetime is owned by the credential records.
func (a *Artifacts) RemoveOlderThan(cutoff time.Time) (removed int) {
	for _, dir := range []string{dirTemp, dirSigned, dirManifests} {
		entries, err := os.ReadDir(filepath.Join(a.root, dir))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				removeQuiet(filepath.Join(a.root, dir, entry.Name()))
				removed++
			}
		}
	}
	return removed
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
