// Package upstream implements the client side of the agent protocol,
// forwarding identity and sign queries to a pre-existing agent whose
// socket path was captured from the process environment at startup.
package upstream

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"krypt.co/agentd/internal/protocol"
	"krypt.co/agentd/internal/wire"
)

// EnvVar is the conventional environment variable an upstream agent
// socket path is found under.
const EnvVar = "SSH_AUTH_SOCK"

// dialTimeout bounds how long a single upstream call may take to
// establish its connection; the proxy opens a fresh connection per call
// and never holds one open.
const dialTimeout = 2 * time.Second

var errUnexpectedShape = errors.New("upstream: unexpected response shape")

// Proxy forwards requests to a single upstream agent socket.
type Proxy struct {
	socketPath string
}

// New returns a Proxy for socketPath, or nil if socketPath is empty or
// equal to either of this agent's own socket paths — in that case there
// is no meaningful upstream to proxy to.
func New(socketPath string, ownSocketPaths ...string) *Proxy {
	if socketPath == "" {
		return nil
	}
	for _, own := range ownSocketPaths {
		if socketPath == own {
			return nil
		}
	}
	return &Proxy{socketPath: socketPath}
}

// CaptureFromEnviron reads the upstream socket path from the environment
// at process startup, before this agent's own socket paths are ever
// written into that environment, and returns a configured Proxy (or nil).
func CaptureFromEnviron(lookup func(string) (string, bool), ownSocketPaths ...string) *Proxy {
	path, ok := lookup(EnvVar)
	if !ok {
		return nil
	}
	return New(path, ownSocketPaths...)
}

func (p *Proxy) dial() (net.Conn, error) {
	return net.DialTimeout("unix", p.socketPath, dialTimeout)
}

// readFrame reads one length-prefixed frame, rejecting anything over
// protocol.MaxMessageLength.
func readFrame(conn net.Conn) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > protocol.MaxMessageLength {
		return nil, errors.New("upstream: response exceeds size ceiling")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	return body, nil
}

// RequestIdentities asks the upstream agent for its identity list. Any
// error — connect failure, write failure, malformed or oversize response,
// or a response that isn't IDENTITIES_ANSWER — yields an empty list
// rather than propagating.
func (p *Proxy) RequestIdentities() []protocol.Identity {
	if p == nil {
		return nil
	}
	conn, err := p.dial()
	if err != nil {
		return nil
	}
	defer conn.Close()

	if _, err := conn.Write(protocol.Frame([]byte{protocol.MsgRequestIdentities})); err != nil {
		return nil
	}
	body, err := readFrame(conn)
	if err != nil {
		return nil
	}
	parsed, err := parseIdentitiesAnswer(body)
	if err != nil {
		return nil
	}
	return parsed
}

func parseIdentitiesAnswer(body []byte) ([]protocol.Identity, error) {
	r := wire.NewReader(body)
	typ, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if typ != protocol.MsgIdentitiesAnswer {
		return nil, errUnexpectedShape
	}
	count, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	// count comes straight off the wire and is not itself bounded by the
	// 256 KiB frame ceiling, so it must not be used to pre-size an
	// allocation: a hostile upstream could claim a huge count in a small
	// body and force an out-of-range/OOM allocation before the mismatch
	// is ever noticed. Growing via append, reading each identity's own
	// length-prefixed fields off the already-size-capped body, keeps the
	// allocation bounded by the data actually present.
	var out []protocol.Identity
	for i := uint32(0); i < count; i++ {
		blob, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		comment, err := r.ReadUTF8String()
		if err != nil {
			return nil, err
		}
		out = append(out, protocol.Identity{KeyBlob: blob, Comment: comment})
	}
	return out, nil
}

// SignRequest asks the upstream agent to sign data with keyBlob. It
// returns (signature, true) on a SIGN_RESPONSE, or (nil, false) for any
// other outcome, including errors.
func (p *Proxy) SignRequest(keyBlob, data []byte, flags uint32) ([]byte, bool) {
	if p == nil {
		return nil, false
	}
	conn, err := p.dial()
	if err != nil {
		return nil, false
	}
	defer conn.Close()

	w := wire.NewWriter()
	w.WriteByte(protocol.MsgSignRequest)
	w.WriteString(keyBlob)
	w.WriteString(data)
	w.WriteUint32(flags)
	if _, err := conn.Write(protocol.Frame(w.Bytes())); err != nil {
		return nil, false
	}

	respBody, err := readFrame(conn)
	if err != nil {
		return nil, false
	}
	r := wire.NewReader(respBody)
	typ, err := r.ReadByte()
	if err != nil {
		return nil, false
	}
	if typ != protocol.MsgSignResponse {
		return nil, false
	}
	sig, err := r.ReadString()
	if err != nil {
		return nil, false
	}
	return sig, true
}
