package signd

import (
	"context"
	"errors"
	"log"
	"time"
)

// Sweeper deletes expired job and credential records on a fixed interval,
// along with their backing files. Each record is an independent failure
// domain: one bad delete is logged and counted, never propagated, and never
// stops the rest of the batch.
type Sweeper struct {
	jobs      JobStore
	creds     CredentialStore
	artifacts *Artifacts
	logger    *log.Logger

	interval time.Duration
	jobTTL   time.Duration
	batch    int
}

func NewSweeper(jobs JobStore, creds CredentialStore, artifacts *Artifacts, logger *log.Logger, interval, jobTTL time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	return &Sweeper{
		jobs:      jobs,
		creds:     creds,
		artifacts: artifacts,
		logger:    logger,
		interval:  interval,
		jobTTL:    jobTTL,
		batch:     500,
	}
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx, time.Now())
		}
	}
}

// SweepOnce performs a single sweep pass against the given observation time.
// It deletes exactly the records whose expire_at is at or before now; a
// second immediate pass deletes nothing additional.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) {
	expiredJobs, err := s.jobs.ListExpired(ctx, now, s.batch)
	if err != nil {
		s.logf("ERROR sweep: list expired jobs: %v", err)
	}
	for _, job := range expiredJobs {
		s.sweepJob(ctx, job)
	}

	expiredCreds, err := s.creds.ListExpired(ctx, now, s.batch)
	if err != nil {
		s.logf("ERROR sweep: list expired credentials: %v", err)
	}
	for _, cred := range expiredCreds {
		s.sweepCredential(ctx, cred)
	}

	// Orphan pass: a non-persisted sign deletes its job record immediately,
	// leaving the signed artifact and manifest with no record to expire.
	// Anything in the transient directories older than twice the job TTL is
	// unreachable and safe to drop.
	if removed := s.artifacts.RemoveOlderThan(now.Add(-2 * s.jobTTL)); removed > 0 {
		sweepDeletedTotal.WithLabelValues("orphan_file").Add(float64(removed))
	}
}

func (s *Sweeper) sweepJob(ctx context.Context, job JobRecord) {
	if err := s.jobs.Delete(ctx, job.ID); err != nil && !errors.Is(err, ErrNotFound) {
		sweepErrorsTotal.Inc()
		s.logf("ERROR sweep: delete job %s: %v", job.ID, err)
		return
	}
	sweepDeletedTotal.WithLabelValues("job").Inc()

	s.artifacts.RemoveSigned(job.ID)
	s.artifacts.RemoveManifest(job.ID)
	s.artifacts.RemovePackage(job.ID)

	// Certificate material outlives the job while a stored credential still
	// names it as owner; the credential sweep is then the sole deleter.
	owned, err := s.creds.HasOwner(ctx, job.ID)
	if err != nil {
		sweepErrorsTotal.Inc()
		s.logf("ERROR sweep: check credential owner for job %s: %v", job.ID, err)
		return
	}
	if !owned {
		s.artifacts.RemoveCertMaterial(job.ID)
	}
}

func (s *Sweeper) sweepCredential(ctx context.Context, cred StoredCredential) {
	if err := s.creds.Delete(ctx, cred.ID); err != nil && !errors.Is(err, ErrNotFound) {
		sweepErrorsTotal.Inc()
		s.logf("ERROR sweep: delete credential %s: %v", cred.ID, err)
		return
	}
	sweepDeletedTotal.WithLabelValues("credential").Inc()

	s.artifacts.RemoveCertMaterial(cred.OwnerJobID)
}

func (s *Sweeper) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
