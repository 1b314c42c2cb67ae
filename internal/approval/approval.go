// Package approval defines the interactive approval gate invoked before a
// forwarded-socket sign request is honored, and provides a console
// implementation that renders the request with fatih/color and reads a
// yes/no answer from stdin.
package approval

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"krypt.co/agentd/internal/keyfmt"
	"krypt.co/agentd/internal/knownhosts"
	"krypt.co/agentd/internal/protocol"
	"krypt.co/agentd/internal/vault"
)

// Candidate is whichever kind of signer a pending sign request resolved
// to: a local key, or a read-only view of an upstream key being proxied.
// Exactly one of the two fields is non-nil.
type Candidate struct {
	Local    vault.Signer
	Upstream *vault.ProxySignerView
}

func (c Candidate) algorithm() keyfmt.Algorithm {
	if c.Local != nil {
		return c.Local.Algorithm()
	}
	return c.Upstream.Algorithm()
}

func (c Candidate) comment() string {
	if c.Local != nil {
		return c.Local.Comment()
	}
	return ""
}

func (c Candidate) fingerprint() string {
	if c.Local != nil {
		return c.Local.Fingerprint()
	}
	return c.Upstream.Fingerprint()
}

// HostContext is the session-binding information to show alongside the
// sign request, when one is available. A nil *HostContext means no session
// binding matched the request: its payload did not parse as a publickey
// userauth request, or no session-bind had been stored for the session id
// it carries (bindings are shared by all connections).
type HostContext struct {
	Hostname     string
	Verification knownhosts.Verification
	KnownAliases []string
}

// Prompt is the collaborator interface the request handler calls before
// honoring a forwarded sign request. introspection is the advisory result
// of parsing the sign payload as a publickey userauth request, or nil if
// it didn't parse as one. Production UI (native dialog, menu bar app)
// lives outside this module.
type Prompt interface {
	Approve(candidate Candidate, introspection *protocol.SignPayloadInfo, host *HostContext) bool
}

// Console is a reference Prompt that renders the request to stderr and
// reads a line of input from in.
type Console struct {
	In  io.Reader
	Out io.Writer
}

// NewConsole builds a Console prompt reading from stdin-equivalent in and
// writing to out.
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{In: in, Out: out}
}

var (
	verifiedColor = color.New(color.FgGreen, color.Bold)
	mismatchColor = color.New(color.FgRed, color.Bold)
	unknownColor  = color.New(color.FgYellow, color.Bold)
	promptColor   = color.New(color.FgCyan, color.Bold)
)

// Approve implements Prompt.
func (c *Console) Approve(candidate Candidate, introspection *protocol.SignPayloadInfo, host *HostContext) bool {
	fmt.Fprintf(c.Out, "\nrequest to sign with %s\n", candidate.algorithm().Name())
	fmt.Fprintf(c.Out, "  fingerprint: %s\n", candidate.fingerprint())
	if comment := candidate.comment(); comment != "" {
		fmt.Fprintf(c.Out, "  comment:     %s\n", comment)
	}
	if candidate.Upstream != nil {
		fmt.Fprintf(c.Out, "  source:      upstream agent (not a locally held key)\n")
	}

	if introspection != nil {
		fmt.Fprintf(c.Out, "  userauth:    user %q via %q (%s)\n",
			introspection.Username, introspection.Service, introspection.Algorithm)
	}

	if host != nil {
		line := fmt.Sprintf("  host:        %s", host.Hostname)
		switch host.Verification {
		case knownhosts.Verified:
			verifiedColor.Fprintln(c.Out, line+" (verified against known_hosts)")
		case knownhosts.Mismatch:
			mismatchColor.Fprintln(c.Out, line+" (MISMATCH: host key in known_hosts differs)")
		default:
			unknownColor.Fprintln(c.Out, line+" (not present in known_hosts)")
		}
		if len(host.KnownAliases) > 0 {
			fmt.Fprintf(c.Out, "  known as:    %s\n", strings.Join(host.KnownAliases, ", "))
		}
	} else {
		fmt.Fprintln(c.Out, "  host:        no verified session binding for this session")
	}

	promptColor.Fprint(c.Out, "allow this signature? [y/N] ")
	reader := bufio.NewReader(c.In)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
