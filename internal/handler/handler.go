// Package handler implements the request dispatcher: it turns a parsed
// protocol.Request plus the socket it arrived on into a protocol.Response,
// owning the session-binding table that links a verified session-bind to
// the sign requests that follow it.
package handler

import (
	"bytes"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	logging "github.com/op/go-logging"

	"krypt.co/agentd/internal/approval"
	"krypt.co/agentd/internal/hostverify"
	"krypt.co/agentd/internal/knownhosts"
	"krypt.co/agentd/internal/protocol"
	"krypt.co/agentd/internal/upstream"
	"krypt.co/agentd/internal/vault"
)

// defaultBindingTableSize bounds the session-binding LRU so a long-running
// agent talking to many hosts over its lifetime doesn't grow the table
// without limit.
const defaultBindingTableSize = 256

// knownHostPort is the port the core always verifies against; the
// session-bind extension carries no port of its own.
const knownHostPort = 22

// VerifiedHostContext is what a successful SessionBind stores, keyed by
// session id, for later SignRequests to observe.
type VerifiedHostContext struct {
	Hostname     string
	Verification knownhosts.Verification
	IsForwarded  bool
	KnownAliases []string
}

// Handler dispatches parsed requests. The zero value is not usable; build
// one with New.
type Handler struct {
	vault    vault.KeyVault
	known    *knownhosts.Store
	approve  approval.Prompt
	upstream *upstream.Proxy
	log      *logging.Logger

	mu       sync.Mutex
	bindings *lru.Cache
}

// Config collects Handler's collaborators. Known, Approve, and Upstream
// may all be nil: a nil Known means every SessionBind verifies as
// Unknown; a nil Approve means the approval gate is skipped entirely
// (every forwarded sign proceeds once a signer is found, matching a
// deployment that hasn't wired a UI yet); a nil Upstream disables
// upstream identity listing and sign fallback.
type Config struct {
	Vault    vault.KeyVault
	Known    *knownhosts.Store
	Approve  approval.Prompt
	Upstream *upstream.Proxy
	Logger   *logging.Logger
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	cache, _ := lru.New(defaultBindingTableSize)
	return &Handler{
		vault:    cfg.Vault,
		known:    cfg.Known,
		approve:  cfg.Approve,
		upstream: cfg.Upstream,
		log:      cfg.Logger,
		bindings: cache,
	}
}

func (h *Handler) logf(format string, args ...interface{}) {
	if h.log != nil {
		h.log.Errorf(format, args...)
	}
}

// Handle dispatches req, arrived on socketType, to a Response.
func (h *Handler) Handle(req *protocol.Request, socketType protocol.SocketType) *protocol.Response {
	switch {
	case req.RequestIdentities != nil:
		return h.handleRequestIdentities()
	case req.SessionBind != nil:
		return h.handleSessionBind(req.SessionBind)
	case req.SignRequest != nil:
		return h.handleSignRequest(req.SignRequest, socketType)
	default:
		return protocol.Failure()
	}
}

func (h *Handler) handleRequestIdentities() *protocol.Response {
	identities := []protocol.Identity{}
	if h.vault != nil {
		signers, err := h.vault.ListAllSigners()
		if err != nil {
			h.logf("vault.ListAllSigners: %v", err)
		}
		for _, s := range signers {
			identities = append(identities, protocol.Identity{KeyBlob: s.PublicKeyBlob(), Comment: s.Comment()})
		}
	}
	if h.upstream != nil {
		identities = append(identities, h.upstream.RequestIdentities()...)
	}
	return &protocol.Response{IdentitiesAnswer: identities}
}

func (h *Handler) handleSessionBind(info *protocol.SessionBindInfo) *protocol.Response {
	if !hostverify.Verify(info.HostKeyBlob, info.SessionID, info.HostKeySignature) {
		return protocol.Failure()
	}

	ctx := VerifiedHostContext{Hostname: info.Hostname, IsForwarded: info.IsForwarded}
	if h.known != nil {
		result := h.known.Verify(info.Hostname, knownHostPort, info.HostKeyBlob)
		ctx.Verification = result.Verification
		ctx.KnownAliases = h.known.HostnamesForKey(info.HostKeyBlob)
	} else {
		ctx.Verification = knownhosts.Unknown
	}

	h.mu.Lock()
	h.bindings.Add(sessionKey(info.SessionID), ctx)
	h.mu.Unlock()

	return protocol.Success()
}

func (h *Handler) handleSignRequest(req *protocol.SignRequest, socketType protocol.SocketType) *protocol.Response {
	localSigner := h.findLocalSigner(req.KeyBlob)

	var introspection *protocol.SignPayloadInfo
	var hostCtx *VerifiedHostContext
	if payload, err := protocol.ParseSignPayload(req.Data); err == nil {
		introspection = payload
		if ctx, ok := h.lookupBinding(payload.SessionID); ok {
			hostCtx = &ctx
		}
	}

	if socketType == protocol.Forwarded && h.approve != nil {
		var candidate approval.Candidate
		switch {
		case localSigner != nil:
			candidate = approval.Candidate{Local: localSigner}
		case h.upstream != nil:
			candidate = approval.Candidate{Upstream: vault.NewProxySignerView(req.KeyBlob)}
		default:
			return protocol.Failure()
		}
		if !h.approve.Approve(candidate, introspection, toApprovalHostContext(hostCtx)) {
			return protocol.Failure()
		}
	}

	if localSigner != nil {
		sig, err := localSigner.Sign(req.Data)
		if err != nil {
			h.logf("signer.Sign: %v", err)
			return protocol.Failure()
		}
		return &protocol.Response{SignResponse: sig}
	}

	if h.upstream != nil {
		if sig, ok := h.upstream.SignRequest(req.KeyBlob, req.Data, req.Flags); ok {
			return &protocol.Response{SignResponse: sig}
		}
	}

	return protocol.Failure()
}

func (h *Handler) findLocalSigner(keyBlob []byte) vault.Signer {
	if h.vault == nil {
		return nil
	}
	signers, err := h.vault.ListAllSigners()
	if err != nil {
		h.logf("vault.ListAllSigners: %v", err)
		return nil
	}
	for _, s := range signers {
		if bytes.Equal(s.PublicKeyBlob(), keyBlob) {
			return s
		}
	}
	return nil
}

func (h *Handler) lookupBinding(sessionID []byte) (VerifiedHostContext, bool) {
	if len(sessionID) == 0 {
		return VerifiedHostContext{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.bindings.Get(sessionKey(sessionID))
	if !ok {
		return VerifiedHostContext{}, false
	}
	return v.(VerifiedHostContext), true
}

func sessionKey(sessionID []byte) string {
	return hex.EncodeToString(sessionID)
}

func toApprovalHostContext(ctx *VerifiedHostContext) *approval.HostContext {
	if ctx == nil {
		return nil
	}
	return &approval.HostContext{
		Hostname:     ctx.Hostname,
		Verification: ctx.Verification,
		KnownAliases: ctx.KnownAliases,
	}
}
