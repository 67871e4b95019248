// Package proof implements verifiable-completion checking for escrowed
// work: an execution proof commits to the agreed completion criteria and a
// deliverable hash, is signed by the submitting agent, and is validated
// against a freshness window so replayed proofs are rejected. The
// cryptographic primitive sits behind the Backend interface so the scheme
// can evolve without touching the escrow flow.
package proof

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	xerrors "AgentMesh/internal/errors"
)

// Criteria is the structured completion predicate agreed at escrow
// creation. It is opaque to the engine; only its canonical encoding and
// digest matter here.
type Criteria struct {
	EscrowID    string            `json:"escrow_id"`
	Deliverable string            `json:"deliverable"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// Encode returns the canonical JSON encoding used for the commitment
// digest. encoding/json writes struct fields in declaration order and map
// keys sorted, so the encoding is deterministic.
func (c Criteria) Encode() ([]byte, error) {
	encoded, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode criteria: %w", err)
	}
	return encoded, nil
}

// Proof is an execution proof submitted by an agent. It is immutable once
// created and retained for audit.
type Proof struct {
	ContentHash    []byte `json:"content_hash"`
	CriteriaDigest []byte `json:"criteria_digest"`
	Signature      []byte `json:"signature"`
	Signer         []byte `json:"signer"`
	SubmittedAt    int64  `json:"submitted_at"`
}

// Result reports the verification outcome. Confidence stays in [0,1] and
// degrades with the proof's age inside the validity window.
type Result struct {
	Valid      bool    `json:"valid"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// ErrProofInvalid is returned when verification fails; the escrow returns
// to in-progress and the agent may resubmit until the deadline.
var ErrProofInvalid = xerrors.New(CodeProofInvalid, "execution proof rejected")

// CodeProofInvalid is the unified error code for failed verification.
const CodeProofInvalid xerrors.Code = "PROOF_INVALID"

func init() {
	xerrors.Register(CodeProofInvalid, xerrors.Attributes{
		Message:   "execution proof rejected",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}

// Backend is the pluggable cryptographic primitive behind verification.
type Backend interface {
	// Digest computes the commitment hash over a canonical payload.
	Digest(payload []byte) []byte
	// VerifySignature checks a signature over a digest for the given
	// signer public key.
	VerifySignature(digest, signature, signer []byte) bool
}

// SigningPayload builds the byte string an agent signs: the criteria
// digest, the deliverable hash and the submission timestamp.
func SigningPayload(criteriaDigest, contentHash []byte, submittedAt int64) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(criteriaDigest)+len(contentHash)+8))
	buf.Write(criteriaDigest)
	buf.Write(contentHash)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(submittedAt))
	buf.Write(ts[:])
	return buf.Bytes()
}
