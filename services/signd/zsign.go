package signd

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// SignRequest carries resolved file paths and options into the external
// signing tool. The password, when present, travels only through the process
// argument list and must never be logged.
type SignRequest struct {
	PackagePath       string
	CertPath          string
	ProfilePath       string
	OutputPath        string
	Password          string
	BundleID          string
	DisplayName       string
	StripProvisioning bool
}

// Signer is the contract with the external signing tool: given a package,
// certificate, profile, and options, produce a signed artifact at OutputPath
// or fail. Failures are not sub-classified; a wrong password and a corrupt
// package both surface as a SigningError.
type Signer interface {
	Sign(ctx context.Context, req SignRequest) error
}

// ZsignSigner shells out to a zsign-compatible binary. A timeout guards
// against a hung tool stalling the request forever; the output file must not
// be trusted until the exit status has been checked.
type ZsignSigner struct {
	Bin     string
	Timeout time.Duration
}

func NewZsignSigner(bin string, timeout time.Duration) *ZsignSigner {
	if bin == "" {
		bin = "zsign"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ZsignSigner{Bin: bin, Timeout: timeout}
}

func (s *ZsignSigner) Sign(ctx context.Context, req SignRequest) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.Bin, buildArgs(req)...)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err == nil {
		return nil
	}

	diag := output.String()
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.DeadlineExceeded) {
		return &SigningError{Diagnostic: diag, Err: ctxErr}
	}
	return &SigningError{Diagnostic: diag, Err: err}
}

func buildArgs(req SignRequest) []string {
	args := []string{
		"-k", req.CertPath,
		"-m", req.ProfilePath,
		"-o", req.OutputPath,
		"-f",
	}
	if req.Password != "" {
		args = append(args, "-p", req.Password)
	}
	if bid := normalizeBundleID(req.BundleID); bid != "" {
		args = append(args, "-b", bid)
	}
	if req.DisplayName != "" {
		args = append(args, "-n", req.DisplayName)
	}
	if req.StripProvisioning {
		args = append(args, "-x")
	}
	return append(args, req.PackagePath)
}

// normalizeBundleID collapses runs of whitespace; client-supplied overrides
// occasionally arrive with stray spaces pasted in.
func normalizeBundleID(bid string) string {
	return strings.Join(strings.Fields(bid), " ")
}
