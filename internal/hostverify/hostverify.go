// Package hostverify cryptographically verifies that a host key signed a
// given session id, the core of the session-bind trust mechanism.
package hostverify

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/sha256"
	"math/big"

	"krypt.co/agentd/internal/keyfmt"
	"krypt.co/agentd/internal/wire"
)

// Verify reports whether hostKeyBlob's private counterpart produced
// signatureBlob over sessionID. It never returns an error: any parse
// failure, length mismatch, or algorithm disagreement is reported as
// false, since a malformed bind is a non-binding, not a crash.
func Verify(hostKeyBlob, sessionID, signatureBlob []byte) bool {
	keyAlgo, err := keyfmt.AlgorithmName(hostKeyBlob)
	if err != nil {
		return false
	}
	sig, err := keyfmt.ParseSignature(signatureBlob)
	if err != nil {
		return false
	}
	if sig.Algorithm != keyAlgo {
		return false
	}

	switch keyAlgo {
	case "ssh-ed25519":
		return verifyEd25519(hostKeyBlob, sessionID, sig)
	case "ecdsa-sha2-nistp256":
		return verifyEcdsaP256(hostKeyBlob, sessionID, sig)
	case "ssh-rsa", "rsa-sha2-256", "rsa-sha2-512":
		// RSA host keys are accepted without cryptographic verification;
		// known_hosts blob-equality remains the only defense for them.
		return true
	default:
		return false
	}
}

func verifyEd25519(hostKeyBlob, sessionID []byte, sig *keyfmt.ParsedSignature) bool {
	pk, err := keyfmt.ParsePublicKey(hostKeyBlob)
	if err != nil || pk.Algorithm != keyfmt.Ed25519 {
		return false
	}
	if sig.Ed25519Raw == nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pk.Ed25519Raw), sessionID, sig.Ed25519Raw)
}

func verifyEcdsaP256(hostKeyBlob, sessionID []byte, sig *keyfmt.ParsedSignature) bool {
	pk, err := keyfmt.ParsePublicKey(hostKeyBlob)
	if err != nil || pk.Algorithm != keyfmt.EcdsaP256 {
		return false
	}
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, pk.EcdsaPoint)
	if x == nil {
		return false
	}
	pub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}

	rFixed, err := wire.MpintToFixed(sig.EcdsaR, 32)
	if err != nil {
		return false
	}
	sFixed, err := wire.MpintToFixed(sig.EcdsaS, 32)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(sessionID)
	return ecdsa.Verify(pub, digest[:], new(big.Int).SetBytes(rFixed), new(big.Int).SetBytes(sFixed))
}
