package knownhosts

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
)

func hashedLine(t *testing.T, host, keyType string, keyBlob []byte) (string, []byte) {
	t.Helper()
	salt := make([]byte, 20)
	if _, err := rand.Read(salt); err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(host))
	sum := mac.Sum(nil)
	line := fmt.Sprintf("|1|%s|%s %s %s",
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(sum),
		keyType,
		base64.StdEncoding.EncodeToString(keyBlob),
	)
	return line, salt
}

func TestHashedEntryEndToEnd(t *testing.T) {
	blob := []byte{1, 2, 3, 4}
	line, _ := hashedLine(t, "myserver.example.com", "ssh-ed25519", blob)
	store, err := parse(strings.NewReader(line + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	res := store.Verify("myserver.example.com", 22, blob)
	if res.Verification != Verified {
		t.Fatalf("expected Verified, got %v", res.Verification)
	}
	res = store.Verify("other", 22, blob)
	if res.Verification != Unknown {
		t.Fatalf("expected Unknown for unrelated host, got %v", res.Verification)
	}
}

func TestPlainEntryPortDialect(t *testing.T) {
	blob := []byte{9, 9, 9}
	line := fmt.Sprintf("[host]:2222 ssh-ed25519 %s", base64.StdEncoding.EncodeToString(blob))
	store, err := parse(strings.NewReader(line + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	if res := store.Verify("host", 2222, blob); res.Verification != Verified {
		t.Fatalf("expected Verified for matching port, got %v", res.Verification)
	}
	if res := store.Verify("host", 22, blob); res.Verification != Unknown {
		t.Fatalf("expected Unknown for default port query, got %v", res.Verification)
	}
}

func TestMismatchVsUnknown(t *testing.T) {
	rightBlob := []byte{1}
	wrongBlob := []byte{2}
	line := fmt.Sprintf("host.example ssh-ed25519 %s", base64.StdEncoding.EncodeToString(rightBlob))
	store, err := parse(strings.NewReader(line + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	if res := store.Verify("host.example", 22, wrongBlob); res.Verification != Mismatch {
		t.Fatalf("expected Mismatch, got %v", res.Verification)
	}
	if res := store.Verify("nope.example", 22, rightBlob); res.Verification != Unknown {
		t.Fatalf("expected Unknown, got %v", res.Verification)
	}
}

func TestHostnamesForKey(t *testing.T) {
	blob := []byte{7, 7, 7}
	lines := "a.example,b.example ssh-ed25519 " + base64.StdEncoding.EncodeToString(blob) + "\n" +
		"c.example ecdsa-sha2-nistp256 " + base64.StdEncoding.EncodeToString([]byte{1}) + "\n"
	store, err := parse(strings.NewReader(lines))
	if err != nil {
		t.Fatal(err)
	}
	names := store.HostnamesForKey(blob)
	if len(names) != 2 || names[0] != "a.example" || names[1] != "b.example" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestCommentsAndBlankLinesSkipped(t *testing.T) {
	blob := []byte{5}
	lines := "# a comment\n\nhost.example ssh-ed25519 " + base64.StdEncoding.EncodeToString(blob) + "\n"
	store, err := parse(strings.NewReader(lines))
	if err != nil {
		t.Fatal(err)
	}
	if len(store.entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(store.entries))
	}
}
