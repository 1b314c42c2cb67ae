// Package protocol implements the SSH agent wire message types: parsing
// request bodies, serializing responses, and framing messages with their
// uint32 length prefix. It also implements introspection of a
// SIGN_REQUEST payload to recover the session id and public-key algorithm
// embedded in an SSH userauth request, when present.
package protocol

import (
	"errors"
	"fmt"

	"krypt.co/agentd/internal/wire"
)

// Message type codes, from the SSH agent protocol.
const (
	MsgFailure            = 5
	MsgSuccess            = 6
	MsgRequestIdentities  = 11
	MsgIdentitiesAnswer   = 12
	MsgSignRequest        = 13
	MsgSignResponse       = 14
	MsgExtension          = 27
)

// SessionBindExtensionName is the extension name recognized for the
// session-bind custom message.
const SessionBindExtensionName = "session-bind@pl.loee"

// MaxMessageLength is the size ceiling (256 KiB) for frames read from
// clients and from the upstream agent.
const MaxMessageLength = 256 * 1024

// SocketType distinguishes the trust level of the connection a request
// arrived on.
type SocketType int

const (
	Local SocketType = iota
	Forwarded
)

// Identity is one entry in an IdentitiesAnswer response.
type Identity struct {
	KeyBlob []byte
	Comment string
}

// SessionBindInfo carries the fields of a session-bind extension message.
type SessionBindInfo struct {
	Hostname         string
	HostKeyBlob      []byte
	SessionID        []byte
	HostKeySignature []byte
	IsForwarded      bool
}

// Request is the parsed form of a message body. ParseRequest receives the
// body after the uint32 frame length and consumes the type byte itself.
type Request struct {
	RequestIdentities *struct{}
	SignRequest       *SignRequest
	SessionBind       *SessionBindInfo
	Unknown           *byte // the unrecognized type code, nil otherwise
}

// SignRequest is a parsed SIGN_REQUEST body.
type SignRequest struct {
	KeyBlob []byte
	Data    []byte
	Flags   uint32
}

// ParseRequest parses a message body (the bytes that followed the
// uint32 frame length, beginning with the type byte) into a Request.
func ParseRequest(body []byte) (*Request, error) {
	r := wire.NewReader(body)
	typ, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch typ {
	case MsgRequestIdentities:
		return &Request{RequestIdentities: &struct{}{}}, nil
	case MsgSignRequest:
		keyBlob, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		data, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		flags, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		return &Request{SignRequest: &SignRequest{KeyBlob: keyBlob, Data: data, Flags: flags}}, nil
	case MsgExtension:
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		if string(name) != SessionBindExtensionName {
			t := typ
			return &Request{Unknown: &t}, nil
		}
		hostname, err := r.ReadUTF8String()
		if err != nil {
			return nil, err
		}
		hostKeyBlob, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		sessionID, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		sig, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		isForwarded, err := r.ReadBool()
		if err != nil {
			return nil, err
		}
		return &Request{SessionBind: &SessionBindInfo{
			Hostname:         hostname,
			HostKeyBlob:      hostKeyBlob,
			SessionID:        sessionID,
			HostKeySignature: sig,
			IsForwarded:      isForwarded,
		}}, nil
	default:
		t := typ
		return &Request{Unknown: &t}, nil
	}
}

// Response is the typed response produced by the request handler.
type Response struct {
	Failure          bool
	Success          bool
	IdentitiesAnswer []Identity
	SignResponse     []byte
}

// Failure is a ready-made Failure response.
func Failure() *Response { return &Response{Failure: true} }

// Success is a ready-made Success response.
func Success() *Response { return &Response{Success: true} }

// Serialize encodes a Response body (type byte plus payload); it does not
// add the outer uint32 frame length — use Frame for that.
func Serialize(resp *Response) []byte {
	w := wire.NewWriter()
	switch {
	case resp.Failure:
		w.WriteByte(MsgFailure)
	case resp.Success:
		w.WriteByte(MsgSuccess)
	case resp.IdentitiesAnswer != nil:
		w.WriteByte(MsgIdentitiesAnswer)
		w.WriteUint32(uint32(len(resp.IdentitiesAnswer)))
		for _, id := range resp.IdentitiesAnswer {
			w.WriteString(id.KeyBlob)
			w.WriteUTF8String(id.Comment)
		}
	case resp.SignResponse != nil:
		w.WriteByte(MsgSignResponse)
		w.WriteString(resp.SignResponse)
	default:
		// An IdentitiesAnswer with zero identities is represented with a
		// non-nil-but-empty slice by callers; a wholly zero-value Response
		// falls back to Failure so a bug here never silently emits
		// malformed bytes.
		w.WriteByte(MsgFailure)
	}
	return w.Bytes()
}

// Frame prepends the uint32 length prefix used on the wire.
func Frame(body []byte) []byte {
	w := wire.NewWriter()
	w.WriteUint32(uint32(len(body)))
	return append(w.Bytes(), body...)
}

// SignPayloadInfo is the advisory result of introspecting a SIGN_REQUEST
// data field as an SSH_MSG_USERAUTH_REQUEST publickey payload.
type SignPayloadInfo struct {
	SessionID []byte
	Username  string
	Service   string
	Algorithm string
	PubKey    []byte
}

const sshMsgUserauthRequest = 50

var errNotPublicKeyUserauth = errors.New("not a publickey userauth payload")

// ParseSignPayload attempts to parse data as a publickey userauth
// signature payload. This is advisory: any deviation from the expected
// shape returns errNotPublicKeyUserauth, and callers must treat that as
// "no introspection available", not a hard failure of the sign request.
func ParseSignPayload(data []byte) (*SignPayloadInfo, error) {
	r := wire.NewReader(data)
	sessionID, err := r.ReadString()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNotPublicKeyUserauth, err)
	}
	msgType, err := r.ReadByte()
	if err != nil {
		return nil, errNotPublicKeyUserauth
	}
	if msgType != sshMsgUserauthRequest {
		return nil, errNotPublicKeyUserauth
	}
	username, err := r.ReadUTF8String()
	if err != nil {
		return nil, errNotPublicKeyUserauth
	}
	service, err := r.ReadUTF8String()
	if err != nil {
		return nil, errNotPublicKeyUserauth
	}
	method, err := r.ReadUTF8String()
	if err != nil {
		return nil, errNotPublicKeyUserauth
	}
	if method != "publickey" {
		return nil, errNotPublicKeyUserauth
	}
	if _, err := r.ReadBool(); err != nil {
		return nil, errNotPublicKeyUserauth
	}
	algo, err := r.ReadUTF8String()
	if err != nil {
		return nil, errNotPublicKeyUserauth
	}
	pubkey, err := r.ReadString()
	if err != nil {
		return nil, errNotPublicKeyUserauth
	}
	return &SignPayloadInfo{
		SessionID: sessionID,
		Username:  username,
		Service:   service,
		Algorithm: algo,
		PubKey:    pubkey,
	}, nil
}

// IsNotPublicKeyUserauth reports whether err is the advisory
// "not a publickey userauth payload" condition from ParseSignPayload.
func IsNotPublicKeyUserauth(err error) bool {
	return errors.Is(err, errNotPublicKeyUserauth)
}
