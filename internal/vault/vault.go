// Package vault defines the KeyVault and Signer collaborator interfaces
// the core depends on for key material and signing, and provides a
// reference implementation that loads OpenSSH PEM private keys from a
// directory. Persistent keychain/secure-element backing is handled
// outside this package; this is the minimal stand-in needed to run the
// agent end to end.
package vault

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"

	"krypt.co/agentd/internal/keyfmt"
	"krypt.co/agentd/internal/wire"
)

// KeyIdentifier is a stable, opaque reference to a key owned by the
// vault. The core treats it as read-only.
type KeyIdentifier struct {
	ID        string
	Algorithm keyfmt.Algorithm
	Comment   string
	CreatedAt time.Time
}

// Signer is the capability set the request handler needs to produce a
// signature: its algorithm, its public key blob (for matching a sign
// request's key_blob), a comment, a fingerprint, and the signing
// operation itself.
//
// Invariant: for any Signer s, verifying s.Sign(m) against the public key
// in s.PublicKeyBlob() must succeed over m.
type Signer interface {
	Algorithm() keyfmt.Algorithm
	PublicKeyBlob() []byte
	Comment() string
	Fingerprint() string
	Sign(payload []byte) ([]byte, error)
}

// KeyVault is the collaborator interface for key storage. Production
// backing (OS keychain, hardware secure element) lives outside this
// module; the core only depends on this interface.
type KeyVault interface {
	List() ([]KeyIdentifier, error)
	Load(id KeyIdentifier) (Signer, error)
	ListAllSigners() ([]Signer, error)
}

// ProxySignerView is the read-only view of a non-local key presented to
// the approval callback when a sign request is headed for the upstream
// agent. It deliberately has no Sign method; the request handler never
// signs through it, only through the upstream proxy directly.
type ProxySignerView struct {
	algorithm     keyfmt.Algorithm
	publicKeyBlob []byte
	fingerprint   string
}

// NewProxySignerView builds a ProxySignerView for an upstream key blob.
// If the blob's algorithm cannot be determined (e.g. it is an RSA key
// proxied from upstream), Algorithm reports the zero value; the
// fingerprint and blob are always derivable from the wire bytes alone.
func NewProxySignerView(keyBlob []byte) *ProxySignerView {
	v := &ProxySignerView{publicKeyBlob: keyBlob, fingerprint: keyfmt.Fingerprint(keyBlob)}
	if parsed, err := keyfmt.ParsePublicKey(keyBlob); err == nil {
		v.algorithm = parsed.Algorithm
	}
	return v
}

func (v *ProxySignerView) Algorithm() keyfmt.Algorithm { return v.algorithm }
func (v *ProxySignerView) PublicKeyBlob() []byte       { return v.publicKeyBlob }
func (v *ProxySignerView) Fingerprint() string         { return v.fingerprint }

// localSigner is the concrete Signer backing both supported algorithms;
// algorithm-specific signing is dispatched in Sign.
type localSigner struct {
	algorithm keyfmt.Algorithm
	blob      []byte
	comment   string

	ed25519Priv ed25519.PrivateKey
	ecdsaPriv   *ecdsa.PrivateKey
}

func (s *localSigner) Algorithm() keyfmt.Algorithm { return s.algorithm }
func (s *localSigner) PublicKeyBlob() []byte       { return s.blob }
func (s *localSigner) Comment() string             { return s.comment }
func (s *localSigner) Fingerprint() string         { return keyfmt.Fingerprint(s.blob) }

// Sign produces the SSH-wire-format signature over payload directly, so
// the caller never has to know which algorithm a given signer holds.
func (s *localSigner) Sign(payload []byte) ([]byte, error) {
	switch s.algorithm {
	case keyfmt.Ed25519:
		raw := ed25519.Sign(s.ed25519Priv, payload)
		return keyfmt.EncodeEd25519Signature(raw)
	case keyfmt.EcdsaP256:
		digest := sha256.Sum256(payload)
		r, sVal, err := ecdsa.Sign(rand.Reader, s.ecdsaPriv, digest[:])
		if err != nil {
			return nil, err
		}
		rawRS := make([]byte, 64)
		r.FillBytes(rawRS[:32])
		sVal.FillBytes(rawRS[32:])
		return keyfmt.EncodeEcdsaP256Signature(rawRS)
	default:
		return nil, fmt.Errorf("vault: unsupported signing algorithm")
	}
}

// NewEd25519Signer builds a Signer from a raw Ed25519 private key.
func NewEd25519Signer(priv ed25519.PrivateKey, comment string) (Signer, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("vault: not an ed25519 private key")
	}
	blob, err := keyfmt.EncodeEd25519PublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &localSigner{algorithm: keyfmt.Ed25519, blob: blob, comment: comment, ed25519Priv: priv}, nil
}

// NewEcdsaP256Signer builds a Signer from an ECDSA P-256 private key.
func NewEcdsaP256Signer(priv *ecdsa.PrivateKey, comment string) (Signer, error) {
	if priv.Curve != elliptic.P256() {
		return nil, errors.New("vault: not a P-256 key")
	}
	point := elliptic.Marshal(elliptic.P256(), priv.PublicKey.X, priv.PublicKey.Y)
	blob, err := keyfmt.EncodeEcdsaP256PublicKey(point)
	if err != nil {
		return nil, err
	}
	return &localSigner{algorithm: keyfmt.EcdsaP256, blob: blob, comment: comment, ecdsaPriv: priv}, nil
}

// DirVault is a reference KeyVault that loads every OpenSSH-PEM-encoded,
// unencrypted private key file in a directory. It exists to give this
// module a runnable end-to-end example; it is not meant as production
// key storage, which belongs behind the KeyVault interface entirely.
type DirVault struct {
	signers map[string]Signer // by KeyIdentifier.ID
	ids     []KeyIdentifier
}

// LoadDir scans dir (non-recursive) for files containing an OpenSSH PEM
// private key and builds a DirVault from the Ed25519 and ECDSA-P256 keys
// found. Files that fail to parse, or whose key type this agent does not
// sign with, are skipped rather than failing the whole load.
func LoadDir(dir string) (*DirVault, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	v := &DirVault{signers: make(map[string]Signer)}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		signer, err := parsePEMKeyFile(data, e.Name())
		if err != nil {
			continue
		}
		id := KeyIdentifier{
			ID:        keyfmt.Fingerprint(signer.PublicKeyBlob()),
			Algorithm: signer.Algorithm(),
			Comment:   signer.Comment(),
			CreatedAt: time.Now(),
		}
		v.ids = append(v.ids, id)
		v.signers[id.ID] = signer
	}
	return v, nil
}

// List implements KeyVault.
func (v *DirVault) List() ([]KeyIdentifier, error) {
	out := make([]KeyIdentifier, len(v.ids))
	copy(out, v.ids)
	return out, nil
}

// Load implements KeyVault.
func (v *DirVault) Load(id KeyIdentifier) (Signer, error) {
	s, ok := v.signers[id.ID]
	if !ok {
		return nil, errUnknownKeyIdentifier
	}
	return s, nil
}

// ListAllSigners implements KeyVault.
func (v *DirVault) ListAllSigners() ([]Signer, error) {
	out := make([]Signer, 0, len(v.ids))
	for _, id := range v.ids {
		out = append(out, v.signers[id.ID])
	}
	return out, nil
}

var errUnknownKeyIdentifier = errors.New("vault: unknown key identifier")

func parsePEMKeyFile(data []byte, fallbackComment string) (Signer, error) {
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, err
	}
	comment := parseComment(data)
	if comment == "" {
		comment = fallbackComment
	}
	switch priv := raw.(type) {
	case *ed25519.PrivateKey:
		return NewEd25519Signer(*priv, comment)
	case ed25519.PrivateKey:
		return NewEd25519Signer(priv, comment)
	case *ecdsa.PrivateKey:
		return NewEcdsaP256Signer(priv, comment)
	default:
		return nil, errUnsupportedKeyFile
	}
}

var errUnsupportedKeyFile = errors.New("vault: unsupported or non-agent key type")

var opensshMagic = []byte("openssh-key-v1\x00")

// parseComment extracts the comment embedded in an OpenSSH-formatted
// unencrypted private key: past the magic header, the cipher/kdf fields
// and the public key list, the private section carries two repeated
// checkints, then per key a type-specific body followed by the comment
// string.
func parseComment(data []byte) string {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "OPENSSH PRIVATE KEY" {
		return ""
	}
	b := block.Bytes
	if !bytes.HasPrefix(b, opensshMagic) {
		return ""
	}
	r := wire.NewReader(b[len(opensshMagic):])

	cipherName, err := r.ReadString()
	if err != nil || string(cipherName) != "none" {
		return ""
	}
	if _, err := r.ReadString(); err != nil { // kdfname
		return ""
	}
	if _, err := r.ReadString(); err != nil { // kdfoptions
		return ""
	}
	numKeys, err := r.ReadUint32()
	if err != nil || numKeys < 1 {
		return ""
	}
	for i := uint32(0); i < numKeys; i++ {
		if _, err := r.ReadString(); err != nil { // public key blob
			return ""
		}
	}
	priv, err := r.ReadString()
	if err != nil {
		return ""
	}

	pr := wire.NewReader(priv)
	if _, err := pr.ReadUint32(); err != nil { // checkint1
		return ""
	}
	if _, err := pr.ReadUint32(); err != nil { // checkint2
		return ""
	}
	keyType, err := pr.ReadString()
	if err != nil {
		return ""
	}
	switch string(keyType) {
	case "ssh-ed25519":
		if _, err := pr.ReadString(); err != nil { // public key
			return ""
		}
		if _, err := pr.ReadString(); err != nil { // concatenated private+public
			return ""
		}
	case "ecdsa-sha2-nistp256":
		if _, err := pr.ReadString(); err != nil { // curve name
			return ""
		}
		if _, err := pr.ReadString(); err != nil { // public point
			return ""
		}
		if _, err := pr.ReadString(); err != nil { // private scalar
			return ""
		}
	default:
		return ""
	}
	comment, err := pr.ReadUTF8String()
	if err != nil {
		return ""
	}
	return comment
}
