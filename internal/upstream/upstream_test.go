package upstream

import (
	"bytes"
	"io"
	"net"
	"path/filepath"
	"testing"

	"krypt.co/agentd/internal/protocol"
	"krypt.co/agentd/internal/wire"
)

// startFakeAgent spins up a tiny one-shot agent that answers exactly one
// connection with respBody, framed. It returns the socket path.
func startFakeAgent(t *testing.T, respBody []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.sock")
	lst, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := lst.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer lst.Close()
		var lenBuf [4]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
		reqBody := make([]byte, n)
		io.ReadFull(conn, reqBody)
		conn.Write(protocol.Frame(respBody))
	}()
	return path
}

func TestRequestIdentitiesSuccess(t *testing.T) {
	w := wire.NewWriter()
	w.WriteByte(protocol.MsgIdentitiesAnswer)
	w.WriteUint32(1)
	w.WriteString([]byte{0xAB})
	w.WriteUTF8String("comment")
	path := startFakeAgent(t, w.Bytes())

	p := New(path)
	ids := p.RequestIdentities()
	if len(ids) != 1 || !bytes.Equal(ids[0].KeyBlob, []byte{0xAB}) || ids[0].Comment != "comment" {
		t.Fatalf("unexpected identities: %+v", ids)
	}
}

func TestRequestIdentitiesHostileCountDoesNotPanic(t *testing.T) {
	w := wire.NewWriter()
	w.WriteByte(protocol.MsgIdentitiesAnswer)
	w.WriteUint32(0xFFFFFFFF) // claims ~4 billion identities in a tiny body
	path := startFakeAgent(t, w.Bytes())

	p := New(path)
	ids := p.RequestIdentities()
	if len(ids) != 0 {
		t.Fatalf("expected empty on truncated body, got %+v", ids)
	}
}

func TestRequestIdentitiesUnreachableYieldsEmpty(t *testing.T) {
	p := New("/nonexistent/path/to/agent.sock")
	ids := p.RequestIdentities()
	if len(ids) != 0 {
		t.Fatalf("expected empty, got %+v", ids)
	}
}

func TestSignRequestSuccess(t *testing.T) {
	w := wire.NewWriter()
	w.WriteByte(protocol.MsgSignResponse)
	w.WriteString([]byte{1, 2, 3, 4})
	path := startFakeAgent(t, w.Bytes())

	p := New(path)
	sig, ok := p.SignRequest([]byte{0xAA}, []byte{0xBB}, 0)
	if !ok || !bytes.Equal(sig, []byte{1, 2, 3, 4}) {
		t.Fatalf("unexpected sign result: %v %v", sig, ok)
	}
}

func TestSignRequestFailureResponse(t *testing.T) {
	path := startFakeAgent(t, []byte{protocol.MsgFailure})
	p := New(path)
	_, ok := p.SignRequest([]byte{0xAA}, []byte{0xBB}, 0)
	if ok {
		t.Fatal("expected failure response to yield ok=false")
	}
}

func TestNewRejectsOwnSocketPath(t *testing.T) {
	if p := New("/x/sock", "/x/sock", "/y/sock"); p != nil {
		t.Fatal("expected nil proxy when path matches an own socket")
	}
	if p := New("", "/x/sock"); p != nil {
		t.Fatal("expected nil proxy for empty path")
	}
}

func TestCaptureFromEnviron(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == EnvVar {
			return "/some/upstream.sock", true
		}
		return "", false
	}
	p := CaptureFromEnviron(lookup, "/own/local.sock", "/own/forwarded.sock")
	if p == nil {
		t.Fatal("expected a configured proxy")
	}

	p = CaptureFromEnviron(lookup, "/some/upstream.sock")
	if p != nil {
		t.Fatal("expected nil when captured path equals an own socket")
	}
}
