package proof

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/crypto"
)

// Secp256k1Backend is the default Backend: keccak256 commitments and
// secp256k1 signatures, matching the key material agents already hold for
// EVM networks.
type Secp256k1Backend struct{}

// Digest implements Backend.
func (Secp256k1Backend) Digest(payload []byte) []byte {
	return crypto.Keccak256(payload)
}

// VerifySignature implements Backend. Signatures produced by crypto.Sign
// carry a recovery id in byte 65, which is not part of the verified
// payload.
func (Secp256k1Backend) VerifySignature(digest, signature, signer []byte) bool {
	if len(signature) == crypto.SignatureLength {
		signature = signature[:crypto.SignatureLength-1]
	}
	if len(signature) != crypto.SignatureLength-1 {
		return false
	}
	if len(digest) != crypto.DigestLength {
		return false
	}
	return crypto.VerifySignature(signer, digest, signature)
}

// Sign produces a signature over a digest with the given key. Agents use
// this helper when assembling a proof; the engine itself never signs.
func Sign(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(digest, key)
}

// SignerBytes returns the uncompressed public key bytes VerifySignature
// expects for the given private key.
func SignerBytes(key *ecdsa.PrivateKey) []byte {
	return crypto.FromECDSAPub(&key.PublicKey)
}

var _ Backend = Secp256k1Backend{}
