// Package attest records verified completions on an external attestation
// ledger. The engine treats the ledger as a collaborator: attestation is
// retried with bounded backoff and a final failure is surfaced on the
// release receipt rather than blocking the release itself.
package attest

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentMesh/internal/errors"
	"AgentMesh/internal/proof"
	"AgentMesh/pkg/backoff"
	"AgentMesh/pkg/logger"
)

// Ref identifies a recorded attestation on the external ledger.
type Ref string

// Attestor records a verified proof for an escrow.
type Attestor interface {
	Attest(ctx context.Context, escrowID string, p proof.Proof) (Ref, error)
}

// CodeAttestFailed marks attestation attempts exhausted without success.
const CodeAttestFailed xerrors.Code = "ATTESTATION_FAILED"

func init() {
	xerrors.Register(CodeAttestFailed, xerrors.Attributes{
		Message:   "attestation ledger write failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// LocalAttestor derives the attestation reference from the proof
// commitment. It stands in for a chain-backed ledger in single-node
// deployments and tests.
type LocalAttestor struct{}

// Attest implements Attestor.
func (LocalAttestor) Attest(_ context.Context, escrowID string, p proof.Proof) (Ref, error) {
	digest := crypto.Keccak256([]byte(escrowID), p.CriteriaDigest, p.ContentHash)
	return Ref(hex.EncodeToString(digest)), nil
}

// Retrying wraps an Attestor with bounded exponential backoff.
type Retrying struct {
	inner  Attestor
	policy backoff.Policy
}

// NewRetrying builds the retrying wrapper. attempts <= 0 falls back to the
// default policy.
func NewRetrying(inner Attestor, attempts int) *Retrying {
	policy := backoff.DefaultPolicy
	if attempts > 0 {
		policy.Attempts = attempts
	}
	return &Retrying{inner: inner, policy: policy}
}

// Attest implements Attestor. Exhaustion is reported once with an alert
// attribute so the operator can reconcile the ledger by hand.
func (r *Retrying) Attest(ctx context.Context, escrowID string, p proof.Proof) (Ref, error) {
	var ref Ref
	err := backoff.Do(ctx, r.policy, func(ctx context.Context) error {
		var attemptErr error
		ref, attemptErr = r.inner.Attest(ctx, escrowID, p)
		return attemptErr
	})
	if err != nil {
		logger.L().Error("attestation attempts exhausted",
			"escrow_id", escrowID,
			"attempts", r.policy.Attempts,
			"error", err,
		)
		return "", xerrors.Wrap(CodeAttestFailed, err, fmt.Sprintf("attestation failed after %d attempts", r.policy.Attempts))
	}
	return ref, nil
}

var (
	_ Attestor = LocalAttestor{}
	_ Attestor = (*Retrying)(nil)
)
