package proof

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

func buildProof(t *testing.T, criteria Criteria, submittedAt time.Time) Proof {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	backend := Secp256k1Backend{}

	encoded, err := criteria.Encode()
	if err != nil {
		t.Fatalf("encode criteria: %v", err)
	}
	criteriaDigest := backend.Digest(encoded)
	contentHash := backend.Digest([]byte("deliverable content"))

	digest := backend.Digest(SigningPayload(criteriaDigest, contentHash, submittedAt.Unix()))
	signature, err := Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return Proof{
		ContentHash:    contentHash,
		CriteriaDigest: criteriaDigest,
		Signature:      signature,
		Signer:         SignerBytes(key),
		SubmittedAt:    submittedAt.Unix(),
	}
}

func TestVerifyValidProof(t *testing.T) {
	criteria := Criteria{EscrowID: "e1", Deliverable: "report"}
	now := time.Now()
	p := buildProof(t, criteria, now)

	v := NewVerifier(Secp256k1Backend{}, 5*time.Minute)
	result, err := v.Verify(p, criteria, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid proof, got %+v", result)
	}
	if result.Confidence <= 0 || result.Confidence > 1 {
		t.Fatalf("confidence out of range: %f", result.Confidence)
	}
}

func TestVerifyRejectsStaleProofDespiteValidSignature(t *testing.T) {
	criteria := Criteria{EscrowID: "e1", Deliverable: "report"}
	submitted := time.Now().Add(-time.Hour)
	p := buildProof(t, criteria, submitted)

	v := NewVerifier(Secp256k1Backend{}, 5*time.Minute)
	result, err := v.Verify(p, criteria, time.Now())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatalf("stale proof must fail regardless of signature")
	}
	if result.Confidence != 0 {
		t.Fatalf("rejected proof should carry zero confidence, got %f", result.Confidence)
	}
}

func TestVerifyRejectsFutureTimestamp(t *testing.T) {
	criteria := Criteria{EscrowID: "e1", Deliverable: "report"}
	p := buildProof(t, criteria, time.Now().Add(time.Hour))

	v := NewVerifier(Secp256k1Backend{}, 5*time.Minute)
	result, err := v.Verify(p, criteria, time.Now())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatalf("future-dated proof must fail")
	}
}

func TestVerifyRejectsCriteriaMismatch(t *testing.T) {
	criteria := Criteria{EscrowID: "e1", Deliverable: "report"}
	now := time.Now()
	p := buildProof(t, criteria, now)

	other := Criteria{EscrowID: "e1", Deliverable: "different deliverable"}
	v := NewVerifier(Secp256k1Backend{}, 5*time.Minute)
	result, err := v.Verify(p, other, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatalf("criteria mismatch must fail")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	criteria := Criteria{EscrowID: "e1", Deliverable: "report"}
	now := time.Now()
	p := buildProof(t, criteria, now)
	p.Signature[0] ^= 0xff

	v := NewVerifier(Secp256k1Backend{}, 5*time.Minute)
	result, err := v.Verify(p, criteria, now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatalf("tampered signature must fail")
	}
}

func TestConfidenceDecaysWithAge(t *testing.T) {
	criteria := Criteria{EscrowID: "e1", Deliverable: "report"}
	now := time.Now()
	fresh := buildProof(t, criteria, now)
	aged := buildProof(t, criteria, now.Add(-4*time.Minute))

	v := NewVerifier(Secp256k1Backend{}, 5*time.Minute)
	freshResult, err := v.Verify(fresh, criteria, now)
	if err != nil {
		t.Fatalf("verify fresh: %v", err)
	}
	agedResult, err := v.Verify(aged, criteria, now)
	if err != nil {
		t.Fatalf("verify aged: %v", err)
	}
	if !freshResult.Valid || !agedResult.Valid {
		t.Fatalf("both proofs should verify: %+v %+v", freshResult, agedResult)
	}
	if agedResult.Confidence >= freshResult.Confidence {
		t.Fatalf("confidence should decay with age: fresh %f aged %f",
			freshResult.Confidence, agedResult.Confidence)
	}
}
