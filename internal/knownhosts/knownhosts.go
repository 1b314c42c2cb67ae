// Package knownhosts parses an OpenSSH-compatible known_hosts file and
// answers host-key verification and reverse-lookup queries against it.
// The file is read once; there is no support for re-reading it during
// operation.
package knownhosts

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // required for OpenSSH hashed-hostname compatibility
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
)

// HostMatchKind distinguishes a plain comma-separated host list from a
// hashed |1|salt|hash entry.
type HostMatchKind int

const (
	Plain HostMatchKind = iota
	Hashed
)

// Entry is one parsed known_hosts line.
type Entry struct {
	MatchKind HostMatchKind
	// Names holds the plain comma-separated host names; empty for Hashed.
	Names []string
	// Salt and HMAC hold the decoded hashed-entry fields; empty for Plain.
	Salt, HMAC []byte
	KeyType    string
	KeyBlob    []byte
}

// Store is the parsed, read-only known_hosts file.
type Store struct {
	entries []Entry
}

// Load reads and parses a known_hosts file. Empty lines and lines
// beginning with "#" are skipped. Malformed lines are skipped rather than
// failing the whole load, matching OpenSSH's own tolerance of stray
// content in this file.
func Load(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(f)
}

func parse(r io.Reader) (*Store, error) {
	s := &Store{}
	scanner := bufio.NewScanner(r)
	// known_hosts lines can be long (certificates); raise the default
	// bufio.Scanner token limit well past it.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, ok := parseLine(line)
		if !ok {
			continue
		}
		s.entries = append(s.entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

func parseLine(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Entry{}, false
	}
	hostField, keyType, keyB64 := fields[0], fields[1], fields[2]
	keyBlob, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return Entry{}, false
	}

	if strings.HasPrefix(hostField, "|1|") {
		parts := strings.Split(hostField, "|")
		// "|1|salt|hash" splits into ["", "1", salt, hash].
		if len(parts) != 4 {
			return Entry{}, false
		}
		salt, err := base64.StdEncoding.DecodeString(parts[2])
		if err != nil {
			return Entry{}, false
		}
		mac, err := base64.StdEncoding.DecodeString(parts[3])
		if err != nil {
			return Entry{}, false
		}
		return Entry{MatchKind: Hashed, Salt: salt, HMAC: mac, KeyType: keyType, KeyBlob: keyBlob}, true
	}

	names := strings.Split(hostField, ",")
	return Entry{MatchKind: Plain, Names: names, KeyType: keyType, KeyBlob: keyBlob}, true
}

// lookupNames returns the candidate names OpenSSH would match against for
// (hostname, port): just the hostname for the default port 22, else both
// the bare hostname and the "[hostname]:port" form.
func lookupNames(hostname string, port int) []string {
	if port == 22 {
		return []string{hostname}
	}
	return []string{hostname, fmt.Sprintf("[%s]:%d", hostname, port)}
}

func hashMatches(e Entry, name string) bool {
	mac := hmac.New(sha1.New, e.Salt)
	mac.Write([]byte(name))
	return hmac.Equal(mac.Sum(nil), e.HMAC)
}

func entryMatchesHost(e Entry, names []string) bool {
	switch e.MatchKind {
	case Hashed:
		for _, n := range names {
			if hashMatches(e, n) {
				return true
			}
		}
	case Plain:
		for _, entryName := range e.Names {
			for _, n := range names {
				if entryName == n {
					return true
				}
			}
		}
	}
	return false
}

// Verification is the result of a Verify call.
type Verification int

const (
	Unknown Verification = iota
	Verified
	Mismatch
)

// Result pairs a Verification with the hostname it was computed for.
type Result struct {
	Hostname     string
	Verification Verification
}

// Verify looks up hostname/port in the store and reports whether
// candidateBlob is the expected host key. If some entry matches the host
// but not the key, the result is Mismatch; if no entry matches the host
// at all, the result is Unknown.
func (s *Store) Verify(hostname string, port int, candidateBlob []byte) Result {
	names := lookupNames(hostname, port)
	hostMatched := false
	for _, e := range s.entries {
		if !entryMatchesHost(e, names) {
			continue
		}
		hostMatched = true
		if bytes.Equal(e.KeyBlob, candidateBlob) {
			return Result{Hostname: hostname, Verification: Verified}
		}
	}
	if hostMatched {
		return Result{Hostname: hostname, Verification: Mismatch}
	}
	return Result{Hostname: hostname, Verification: Unknown}
}

// HostnamesForKey returns the union of plain host names across entries
// whose key blob equals blob. Hashed entries cannot be reverse-mapped and
// are omitted.
func (s *Store) HostnamesForKey(blob []byte) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range s.entries {
		if e.MatchKind != Plain || !bytes.Equal(e.KeyBlob, blob) {
			continue
		}
		for _, n := range e.Names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}
