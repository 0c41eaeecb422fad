package signd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// handleUpload accepts a package, a signing certificate, and a provisioning
// profile in one multipart request. Each input may arrive as a file part or
// as a <field>_url form value pointing at a fetchable copy. On success the
// client gets a job id, a short-lived password token cookie, and, when
// persistence was requested, a stored-credential token cookie.
func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Message: "malformed upload: " + err.Error()})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	jobID := NewJobID()

	accepted := false
	defer func() {
		if !accepted {
			a.artifacts.RemovePackage(jobID)
			a.artifacts.RemoveCertMaterial(jobID)
			_ = a.store.Jobs.Delete(ctx, jobID)
		}
	}()

	if err := a.saveInput(ctx, r, "package", jobID, a.artifacts.SavePackage); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.saveInput(ctx, r, "certificate", jobID, a.artifacts.SaveCert); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.saveInput(ctx, r, "profile", jobID, a.artifacts.SaveProfile); err != nil {
		a.respondError(w, r, err)
		return
	}

	now := time.Now().UTC()
	job := JobRecord{
		ID:                jobID,
		CustomName:        strings.TrimSpace(r.FormValue("display_name")),
		BundleID:          strings.TrimSpace(r.FormValue("bundle_id")),
		StripProvisioning: parseBoolField(r.FormValue("strip_provisioning")),
		ExpireAt:          now.Add(a.config.JobTTL),
		CreatedAt:         now,
	}

	// Best effort: a package we cannot peek inside may still be signable, so
	// inspection failures only cost the manifest its metadata defaults.
	if info, ierr := InspectPackage(a.artifacts.PackagePath(jobID)); ierr == nil {
		job.Meta = map[string]string{
			"bundle_id":    info.BundleID,
			"display_name": info.DisplayName,
			"version":      info.Version,
		}
	} else {
		a.logf("WARN upload %s: inspect package: %v", jobID, ierr)
	}
	if err := a.store.Jobs.Create(ctx, job); err != nil {
		a.respondError(w, r, err)
		return
	}

	pwToken, err := a.carrier.Issue(r.FormValue("password"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	setCookie(w, passwordTokenCookie, pwToken, int(a.config.PasswordTokenTTL.Seconds()))

	// Credential handling never blocks the upload; a vault failure costs the
	// client a convenience, not the job.
	if parseBoolField(r.FormValue("persist")) {
		a.persistCredential(ctx, w, r, jobID)
	}

	accepted = true
	uploadsTotal.Inc()
	a.publish(ctx, jobsUploadedTopic, map[string]any{"job_id": jobID, "expire_at": job.ExpireAt})

	writeJSON(w, http.StatusOK, apiResponse{Status: "ok", JobID: jobID, Message: "upload accepted"})
}

// persistCredential reuses a presented stored credential when it still
// resolves; otherwise it registers a fresh one owned by this job and hands
// the plaintext token to the client.
func (a *API) persistCredential(ctx context.Context, w http.ResponseWriter, r *http.Request, jobID string) {
	if presented := tokenFrom(r, certTokenCookie, certTokenHeader); presented != "" {
		switch _, err := a.vault.Resolve(ctx, presented); {
		case err == nil:
			return
		case errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidToken):
			clearCookie(w, certTokenCookie)
		default:
			a.logf("WARN upload %s: resolve stored credential: %v", jobID, err)
		}
	}

	token, err := a.vault.Register(ctx, jobID)
	if err != nil {
		a.logf("WARN upload %s: register stored credential: %v", jobID, err)
		return
	}
	setCookie(w, certTokenCookie, token, certCookieMaxAge)
}

func (a *API) saveInput(ctx context.Context, r *http.Request, field, id string, save func(context.Context, string, io.Reader) error) error {
	file, _, err := r.FormFile(field)
	if err == nil {
		defer file.Close()
		return save(ctx, id, file)
	}
	if !errors.Is(err, http.ErrMissingFile) {
		return &StorageError{Op: "read upload part " + field, Err: err}
	}

	if raw := strings.TrimSpace(r.FormValue(field + "_url")); raw != "" {
		return a.artifacts.FetchURL(ctx, raw, func(ctx context.Context, body io.Reader) error {
			return save(ctx, id, body)
		})
	}

	return &MissingParameterError{Field: field}
}

// handleSign runs the external signing tool for a previously uploaded job and
// publishes the install manifest. The password token is single use: it is
// cleared from the client before the outcome is known. A presented stored
// credential redirects certificate material to its owning job; persist=false
// additionally revokes it once the sign completes.
func (a *API) handleSign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	if jobID == "" {
		a.respondError(w, r, &MissingParameterError{Field: "job_id"})
		return
	}

	unlock := a.locks.lock(jobID)
	defer unlock()

	pwToken := tokenFrom(r, passwordTokenCookie, passwordTokenHeader)
	clearCookie(w, passwordTokenCookie)
	password, err := a.carrier.Redeem(pwToken)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	persistIntent := true
	if b, perr := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("persist"))); perr == nil {
		persistIntent = b
	}

	certToken := tokenFrom(r, certTokenCookie, certTokenHeader)
	ownerID := ""
	if certToken != "" {
		switch owner, rerr := a.vault.Resolve(ctx, certToken); {
		case rerr == nil:
			ownerID = owner
		case errors.Is(rerr, ErrNotFound) || errors.Is(rerr, ErrInvalidToken):
			// Stale client state; fall back to the job's own material.
			clearCookie(w, certTokenCookie)
			certToken = ""
		default:
			a.respondError(w, r, rerr)
			return
		}
	}

	job, err := a.store.Jobs.Get(ctx, jobID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	materialID := jobID
	if ownerID != "" {
		materialID = ownerID
	}
	certPath, profilePath, cleanupMaterial, err := a.artifacts.CertMaterial(materialID)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	defer cleanupMaterial()

	req := SignRequest{
		PackagePath:       a.artifacts.PackagePath(jobID),
		CertPath:          certPath,
		ProfilePath:       profilePath,
		OutputPath:        a.artifacts.SignedPath(jobID),
		Password:          password,
		BundleID:          job.BundleID,
		DisplayName:       job.CustomName,
		StripProvisioning: job.StripProvisioning,
	}

	start := time.Now()
	signErr := a.signer.Sign(ctx, req)
	signDuration.Observe(time.Since(start).Seconds())
	if signErr != nil {
		signsTotal.WithLabelValues("failure").Inc()
		a.respondError(w, r, signErr)
		return
	}
	signsTotal.WithLabelValues("success").Inc()

	manifest := InstallManifest{
		PackageURL: a.packageURL(ctx, job),
		BundleID:   job.BundleID,
		Title:      job.CustomName,
		Version:    job.Meta["version"],
	}
	if manifest.BundleID == "" {
		manifest.BundleID = job.Meta["bundle_id"]
	}
	if manifest.Title == "" {
		manifest.Title = job.Meta["display_name"]
	}

	data, err := manifest.Render()
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.artifacts.WriteManifest(jobID, data); err != nil {
		a.respondError(w, r, err)
		return
	}

	if ownerID != "" && !persistIntent {
		if revokedOwner, rerr := a.vault.Revoke(ctx, certToken); rerr == nil {
			a.artifacts.RemoveCertMaterial(revokedOwner)
		} else if !errors.Is(rerr, ErrNotFound) && !errors.Is(rerr, ErrInvalidToken) {
			a.logf("WARN sign %s: revoke stored credential: %v", jobID, rerr)
		}
		clearCookie(w, certTokenCookie)
	}

	// Single-use cleanup: the record and the transient inputs go now unless a
	// live stored credential still owns this job's certificate material. In
	// that case the expiry sweep is the deleter.
	owned, oerr := a.store.Credentials.HasOwner(ctx, jobID)
	if oerr != nil {
		a.logf("WARN sign %s: check credential owner: %v", jobID, oerr)
		owned = true
	}
	if !owned {
		if derr := a.store.Jobs.Delete(ctx, jobID); derr != nil && !errors.Is(derr, ErrNotFound) {
			a.logf("WARN sign %s: delete job record: %v", jobID, derr)
		}
		a.artifacts.RemovePackage(jobID)
		a.artifacts.RemoveCertMaterial(jobID)
	}

	a.publish(ctx, jobsSignedTopic, map[string]any{"job_id": jobID})

	writeJSON(w, http.StatusOK, apiResponse{
		Status:        "ok",
		JobID:         jobID,
		Message:       "signing complete",
		InstallURL:    a.installURL(jobID),
		WebInstallURL: a.config.BaseURL + "/install?job_id=" + jobID,
	})
}

// handleInstall redirects a browser to the platform installer URL for a job's
// manifest. No record lookup: a non-persisted sign deletes its record while
// the manifest stays downloadable until the sweep removes it.
func (a *API) handleInstall(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(r.URL.Query().Get("job_id"))
	if jobID == "" {
		a.respondError(w, r, &MissingParameterError{Field: "job_id"})
		return
	}
	http.Redirect(w, r, a.installURL(jobID), http.StatusFound)
}

func (a *API) installURL(jobID string) string {
	manifestURL := a.config.BaseURL + "/manifests/" + jobID + ".plist"
	return "itms-services://?action=download-manifest&url=" + url.QueryEscape(manifestURL)
}

// packageURL picks the download URL embedded in the manifest: the local
// static route, or a presigned object-store link when mirroring is on. Mirror
// failures degrade to the local URL.
func (a *API) packageURL(ctx context.Context, job JobRecord) string {
	local := a.config.BaseURL + "/apps/" + job.ID + ".ipa"
	if a.store.Mirror == nil || a.config.MirrorBucket == "" {
		return local
	}
	mirrored, err := a.mirrorSigned(ctx, job)
	if err != nil {
		a.logf("WARN sign %s: mirror signed artifact: %v", job.ID, err)
		return local
	}
	return mirrored
}

func (a *API) mirrorSigned(ctx context.Context, job JobRecord) (string, error) {
	f, err := os.Open(a.artifacts.SignedPath(job.ID))
	if err != nil {
		return "", &StorageError{Op: "open signed artifact", Err: err}
	}
	defer f.Close()

	digest := sha256.New()
	size, err := io.Copy(digest, f)
	if err != nil {
		return "", &StorageError{Op: "hash signed artifact", Err: err}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", &StorageError{Op: "rewind signed artifact", Err: err}
	}

	key := "signed/" + job.ID + ".ipa"
	if err := a.store.Mirror.PutObject(ctx, a.config.MirrorBucket, key, f, size, hex.EncodeToString(digest.Sum(nil))); err != nil {
		return "", err
	}

	ttl := time.Until(job.ExpireAt)
	if ttl <= 0 || ttl > a.config.JobTTL {
		ttl = a.config.JobTTL
	}
	return a.store.Mirror.PresignGet(ctx, a.config.MirrorBucket, key, ttl)
}
