// Package keyfmt encodes and decodes the SSH wire representations of
// Ed25519 and ECDSA-P256 public keys and signatures, and derives the
// human-facing fingerprint and authorized_keys line for a key blob.
package keyfmt

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"krypt.co/agentd/internal/wire"
)

// Algorithm is the closed set of key algorithms this agent understands.
type Algorithm int

const (
	Ed25519 Algorithm = iota
	EcdsaP256
)

// Name returns the canonical SSH algorithm name.
func (a Algorithm) Name() string {
	switch a {
	case Ed25519:
		return "ssh-ed25519"
	case EcdsaP256:
		return "ecdsa-sha2-nistp256"
	default:
		return "unknown"
	}
}

const nistp256CurveName = "nistp256"

// ErrUnsupportedAlgorithm is returned when a blob names an algorithm this
// agent does not implement (e.g. RSA).
var ErrUnsupportedAlgorithm = errors.New("keyfmt: unsupported algorithm")

// EncodeEd25519PublicKey builds the wire blob for a 32-byte raw Ed25519
// public key.
func EncodeEd25519PublicKey(raw []byte) ([]byte, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("keyfmt: ed25519 public key must be 32 bytes, got %d", len(raw))
	}
	w := wire.NewWriter()
	w.WriteUTF8String(Ed25519.Name())
	w.WriteString(raw)
	return w.Bytes(), nil
}

// EncodeEcdsaP256PublicKey builds the wire blob for a 65-byte uncompressed
// P-256 point (0x04 || X || Y).
func EncodeEcdsaP256PublicKey(point []byte) ([]byte, error) {
	if len(point) != 65 || point[0] != 0x04 {
		return nil, fmt.Errorf("keyfmt: ecdsa-p256 point must be a 65-byte uncompressed point")
	}
	w := wire.NewWriter()
	w.WriteUTF8String(EcdsaP256.Name())
	w.WriteUTF8String(nistp256CurveName)
	w.WriteString(point)
	return w.Bytes(), nil
}

// ParsedPublicKey is the decoded form of a public-key blob.
type ParsedPublicKey struct {
	Algorithm Algorithm
	// Ed25519Raw is the 32-byte raw public key, set only for Ed25519.
	Ed25519Raw []byte
	// EcdsaPoint is the 65-byte uncompressed point, set only for EcdsaP256.
	EcdsaPoint []byte
}

// ParsePublicKey decodes a public-key blob, dispatching on its algorithm
// name. Any other algorithm name (including "ssh-rsa") is reported via
// ErrUnsupportedAlgorithm since RSA key material is never cryptographically
// handled by this agent.
func ParsePublicKey(blob []byte) (*ParsedPublicKey, error) {
	r := wire.NewReader(blob)
	name, err := r.ReadUTF8String()
	if err != nil {
		return nil, err
	}
	switch name {
	case Ed25519.Name():
		raw, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("keyfmt: ed25519 public key must be 32 bytes, got %d", len(raw))
		}
		return &ParsedPublicKey{Algorithm: Ed25519, Ed25519Raw: raw}, nil
	case EcdsaP256.Name():
		curve, err := r.ReadUTF8String()
		if err != nil {
			return nil, err
		}
		if curve != nistp256CurveName {
			return nil, fmt.Errorf("keyfmt: unexpected ecdsa curve %q", curve)
		}
		point, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		if len(point) != 65 || point[0] != 0x04 {
			return nil, fmt.Errorf("keyfmt: ecdsa-p256 point must be a 65-byte uncompressed point")
		}
		return &ParsedPublicKey{Algorithm: EcdsaP256, EcdsaPoint: point}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
}

// AlgorithmName returns the leading algorithm name of a public-key or
// signature blob without fully decoding it. Used by the host-key verifier
// to compare the blob's and signature's declared algorithms.
func AlgorithmName(blob []byte) (string, error) {
	r := wire.NewReader(blob)
	return r.ReadUTF8String()
}

// EncodeEd25519Signature builds the wire signature blob for a 64-byte raw
// Ed25519 signature.
func EncodeEd25519Signature(raw []byte) ([]byte, error) {
	if len(raw) != 64 {
		return nil, fmt.Errorf("keyfmt: ed25519 signature must be 64 bytes, got %d", len(raw))
	}
	w := wire.NewWriter()
	w.WriteUTF8String(Ed25519.Name())
	w.WriteString(raw)
	return w.Bytes(), nil
}

// EncodeEcdsaP256Signature builds the wire signature blob from a 64-byte
// raw r||s ECDSA-P256 signature. Any other input length is rejected.
func EncodeEcdsaP256Signature(rawRS []byte) ([]byte, error) {
	if len(rawRS) != 64 {
		return nil, fmt.Errorf("keyfmt: ecdsa-p256 raw signature must be 64 bytes, got %d", len(rawRS))
	}
	w := wire.NewWriter()
	w.WriteUTF8String(EcdsaP256.Name())
	w.Composite(func(inner *wire.Writer) {
		inner.WriteMpint(rawRS[:32])
		inner.WriteMpint(rawRS[32:])
	})
	return w.Bytes(), nil
}

// ParsedSignature is the decoded form of a signature blob.
type ParsedSignature struct {
	Algorithm string
	// Ed25519Raw is the 64-byte raw signature, set only when Algorithm is
	// ssh-ed25519.
	Ed25519Raw []byte
	// EcdsaR and EcdsaS are the mpint payloads (not yet fixed-width) of an
	// ECDSA-P256 signature, set only when Algorithm is
	// ecdsa-sha2-nistp256.
	EcdsaR, EcdsaS []byte
}

// ParseSignature decodes a signature blob without assuming which
// algorithm it names; callers compare Algorithm against the expected
// public-key algorithm themselves (see internal/hostverify).
func ParseSignature(blob []byte) (*ParsedSignature, error) {
	r := wire.NewReader(blob)
	name, err := r.ReadUTF8String()
	if err != nil {
		return nil, err
	}
	switch name {
	case Ed25519.Name():
		raw, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		if len(raw) != 64 {
			return nil, fmt.Errorf("keyfmt: ed25519 signature must be 64 bytes, got %d", len(raw))
		}
		return &ParsedSignature{Algorithm: name, Ed25519Raw: raw}, nil
	case EcdsaP256.Name():
		inner, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		ir := wire.NewReader(inner)
		rVal, err := ir.ReadMpint()
		if err != nil {
			return nil, err
		}
		sVal, err := ir.ReadMpint()
		if err != nil {
			return nil, err
		}
		return &ParsedSignature{Algorithm: name, EcdsaR: rVal, EcdsaS: sVal}, nil
	default:
		return &ParsedSignature{Algorithm: name}, nil
	}
}

// Fingerprint derives the "SHA256:<base64>" fingerprint of a public-key
// blob, with the base64 padding stripped.
func Fingerprint(blob []byte) string {
	sum := sha256.Sum256(blob)
	return "SHA256:" + strings.TrimRight(base64.StdEncoding.EncodeToString(sum[:]), "=")
}

// AuthorizedKeysLine renders the authorized_keys representation of a key:
// "algorithm_name base64(blob) comment".
func AuthorizedKeysLine(algorithmName string, blob []byte, comment string) string {
	return fmt.Sprintf("%s %s %s", algorithmName, base64.StdEncoding.EncodeToString(blob), comment)
}
