package proof

import (
	"bytes"
	"time"
)

// Verifier validates execution proofs against completion criteria. It is
// deterministic and side-effect free: the same proof, criteria and clock
// reading always produce the same result.
type Verifier struct {
	backend Backend
	window  time.Duration
}

// NewVerifier constructs a verifier with the given backend and freshness
// window.
func NewVerifier(backend Backend, window time.Duration) *Verifier {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Verifier{backend: backend, window: window}
}

// Window returns the configured validity window.
func (v *Verifier) Window() time.Duration {
	return v.window
}

// Verify checks a proof in three steps, in order: freshness (a timestamp
// outside the window fails regardless of signature validity), commitment
// recomputation from the criteria, and signature validation. Confidence
// decays linearly with the proof's age inside the window.
func (v *Verifier) Verify(proof Proof, criteria Criteria, now time.Time) (Result, error) {
	submitted := time.Unix(proof.SubmittedAt, 0)
	age := now.Sub(submitted)
	if age < 0 {
		// A proof from the future is as suspect as a stale one.
		age = -age
	}
	if age > v.window {
		return Result{Valid: false, Confidence: 0, Reason: "proof timestamp outside validity window"}, nil
	}

	encoded, err := criteria.Encode()
	if err != nil {
		return Result{}, err
	}
	expected := v.backend.Digest(encoded)
	if !bytes.Equal(expected, proof.CriteriaDigest) {
		return Result{Valid: false, Confidence: 0, Reason: "criteria commitment mismatch"}, nil
	}

	if len(proof.ContentHash) == 0 {
		return Result{Valid: false, Confidence: 0, Reason: "missing deliverable hash"}, nil
	}

	digest := v.backend.Digest(SigningPayload(proof.CriteriaDigest, proof.ContentHash, proof.SubmittedAt))
	if !v.backend.VerifySignature(digest, proof.Signature, proof.Signer) {
		return Result{Valid: false, Confidence: 0, Reason: "signature verification failed"}, nil
	}

	confidence := 1.0 - 0.25*(float64(age)/float64(v.window))
	return Result{Valid: true, Confidence: confidence}, nil
}
