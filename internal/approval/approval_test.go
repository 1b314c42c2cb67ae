package approval

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"krypt.co/agentd/internal/keyfmt"
	"krypt.co/agentd/internal/knownhosts"
	"krypt.co/agentd/internal/protocol"
	"krypt.co/agentd/internal/vault"
)

func candidateFromEd25519(t *testing.T) Candidate {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := vault.NewEd25519Signer(priv, "alice@laptop")
	if err != nil {
		t.Fatal(err)
	}
	return Candidate{Local: signer}
}

func TestApproveYes(t *testing.T) {
	c := candidateFromEd25519(t)
	var out bytes.Buffer
	console := NewConsole(strings.NewReader("y\n"), &out)
	if !console.Approve(c, nil, nil) {
		t.Fatal("expected approval")
	}
	if !strings.Contains(out.String(), "alice@laptop") {
		t.Fatalf("expected rendered comment, got: %s", out.String())
	}
}

func TestApproveDefaultDeny(t *testing.T) {
	c := candidateFromEd25519(t)
	var out bytes.Buffer
	console := NewConsole(strings.NewReader("\n"), &out)
	if console.Approve(c, nil, nil) {
		t.Fatal("expected denial on empty input")
	}
}

func TestApproveRendersHostContext(t *testing.T) {
	c := candidateFromEd25519(t)
	var out bytes.Buffer
	console := NewConsole(strings.NewReader("n\n"), &out)
	host := &HostContext{Hostname: "build.internal", Verification: knownhosts.Mismatch, KnownAliases: []string{"build.internal", "ci.internal"}}
	console.Approve(c, nil, host)
	if !strings.Contains(out.String(), "MISMATCH") {
		t.Fatalf("expected mismatch rendering, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "ci.internal") {
		t.Fatalf("expected known aliases rendered, got: %s", out.String())
	}
}

func TestApproveRendersIntrospectedUserauthFields(t *testing.T) {
	c := candidateFromEd25519(t)
	var out bytes.Buffer
	console := NewConsole(strings.NewReader("n\n"), &out)
	introspection := &protocol.SignPayloadInfo{
		Username:  "alice",
		Service:   "ssh-connection",
		Algorithm: "ssh-ed25519",
	}
	console.Approve(c, introspection, nil)
	if !strings.Contains(out.String(), "alice") || !strings.Contains(out.String(), "ssh-connection") {
		t.Fatalf("expected introspected userauth fields rendered, got: %s", out.String())
	}
}

func TestApproveUpstreamCandidateHasNoComment(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	blob, err := keyfmt.EncodeEd25519PublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatal(err)
	}
	c := Candidate{Upstream: vault.NewProxySignerView(blob)}
	var out bytes.Buffer
	console := NewConsole(strings.NewReader("y\n"), &out)
	if !console.Approve(c, nil, nil) {
		t.Fatal("expected approval")
	}
	if !strings.Contains(out.String(), "upstream agent") {
		t.Fatalf("expected upstream source note, got: %s", out.String())
	}
	if strings.Contains(out.String(), "comment:") {
		t.Fatalf("expected no comment line for an upstream candidate, got: %s", out.String())
	}
}
