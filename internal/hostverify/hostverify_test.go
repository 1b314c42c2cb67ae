package hostverify

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"krypt.co/agentd/internal/keyfmt"
)

func TestEd25519HostKeyVerifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := keyfmt.EncodeEd25519PublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	session := []byte("session-id-bytes")
	sig := ed25519.Sign(priv, session)
	sigBlob, err := keyfmt.EncodeEd25519Signature(sig)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(blob, session, sigBlob) {
		t.Fatal("expected verification to succeed")
	}
	if Verify(blob, []byte("different-session"), sigBlob) {
		t.Fatal("expected verification to fail for a different session id")
	}
}

func TestEcdsaP256HostKeyVerifier(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	point := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	blob, err := keyfmt.EncodeEcdsaP256PublicKey(point)
	if err != nil {
		t.Fatal(err)
	}
	session := []byte("another-session-id")
	digest := sha256.Sum256(session)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	rawRS := make([]byte, 64)
	r.FillBytes(rawRS[:32])
	s.FillBytes(rawRS[32:])
	sigBlob, err := keyfmt.EncodeEcdsaP256Signature(rawRS)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(blob, session, sigBlob) {
		t.Fatal("expected verification to succeed")
	}
	if Verify(blob, []byte("wrong-session"), sigBlob) {
		t.Fatal("expected verification to fail for wrong session")
	}
}

func TestRSAHostKeyAcceptedWithoutVerification(t *testing.T) {
	blob := append([]byte{0, 0, 0, 7}, []byte("ssh-rsa")...)
	sigBlob := append([]byte{0, 0, 0, 7}, []byte("ssh-rsa")...)
	sigBlob = append(sigBlob, 0, 0, 0, 0)
	if !Verify(blob, []byte("anything"), sigBlob) {
		t.Fatal("expected RSA host keys to be accepted without cryptographic verification")
	}
}

func TestMalformedBindNeverPanics(t *testing.T) {
	cases := [][]byte{nil, {0x00}, bytes.Repeat([]byte{0xFF}, 10)}
	for _, blob := range cases {
		if Verify(blob, []byte("s"), blob) {
			t.Fatalf("malformed blob %v unexpectedly verified", blob)
		}
	}
}

func TestAlgorithmMismatchFails(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	edBlob, err := keyfmt.EncodeEd25519PublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	session := []byte("s")
	sig := ed25519.Sign(priv, session)
	edSig, err := keyfmt.EncodeEd25519Signature(sig)
	if err != nil {
		t.Fatal(err)
	}

	ecPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	point := elliptic.Marshal(elliptic.P256(), ecPriv.PublicKey.X, ecPriv.PublicKey.Y)
	ecBlob, err := keyfmt.EncodeEcdsaP256PublicKey(point)
	if err != nil {
		t.Fatal(err)
	}

	if Verify(ecBlob, session, edSig) {
		t.Fatal("expected mismatched algorithms to fail")
	}
	_ = edBlob
}
