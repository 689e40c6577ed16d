package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/splinter-mesh/splinter/splinterrors"
)

// AuthState enumerates the half-state a single direction of a connection
// (local's view of remote, or remote's view of local) progresses
// through.
type AuthState string

const (
	AuthUnknown              AuthState = "UNKNOWN"
	AuthProtocolAgreeing     AuthState = "PROTOCOL_AGREEING"
	AuthTrustConnecting      AuthState = "TRUST_CONNECTING"
	AuthWaitingForAuthorize  AuthState = "WAITING_FOR_AUTHORIZE"
	AuthChallengeConnecting  AuthState = "CHALLENGE_CONNECTING"
	AuthWaitingForNonceResp  AuthState = "WAITING_FOR_NONCE_RESPONSE"
	AuthWaitingForSubmitResp AuthState = "WAITING_FOR_SUBMIT_RESPONSE"
	AuthRemoteAuthorized     AuthState = "REMOTE_AUTHORIZED"
	AuthComplete             AuthState = "AUTH_COMPLETE"
	AuthUnauthorized         AuthState = "UNAUTHORIZED"
)

// IdentityKind distinguishes a Trust identity from a Challenge identity.
type IdentityKind string

const (
	IdentityTrust     IdentityKind = "TRUST"
	IdentityChallenge IdentityKind = "CHALLENGE"
)

// Identity is the tagged value an authorization state machine produces:
// Trust{peer_id} or Challenge{public_key}.
type Identity struct {
	Kind      IdentityKind
	PeerID    NodeID
	PublicKey ed25519.PublicKey
}

// legalTransitions lists, for each AuthState, the states it may legally
// move to on receipt of the next expected message. A transition attempted
// outside this table is an InvalidMessageOrder error; Unauthorizing is
// always legal and is checked separately in transition.
var legalTransitions = map[AuthState][]AuthState{
	AuthUnknown:              {AuthProtocolAgreeing},
	AuthProtocolAgreeing:     {AuthTrustConnecting, AuthChallengeConnecting},
	AuthTrustConnecting:      {AuthWaitingForAuthorize},
	AuthWaitingForAuthorize:  {AuthRemoteAuthorized},
	AuthChallengeConnecting:  {AuthWaitingForNonceResp},
	AuthWaitingForNonceResp:  {AuthWaitingForSubmitResp},
	AuthWaitingForSubmitResp: {AuthRemoteAuthorized},
	AuthRemoteAuthorized:     {AuthComplete},
	AuthComplete:             {},
	AuthUnauthorized:         {},
}

func isLegal(from, to AuthState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ConnectionAuthState tracks both halves of one connection's handshake:
// this node's view of the remote's progress, and this node's own
// progress as observed by the remote. The connection is authorized only
// once both halves reach AuthComplete.
type ConnectionAuthState struct {
	mu sync.Mutex

	localViewOfRemote AuthState
	remoteViewOfLocal AuthState

	remoteIdentity *Identity
	nonce          []byte
}

// NewConnectionAuthState starts both halves at Unknown.
func NewConnectionAuthState() *ConnectionAuthState {
	return &ConnectionAuthState{
		localViewOfRemote: AuthUnknown,
		remoteViewOfLocal: AuthUnknown,
	}
}

// TransitionLocalView advances this node's view of the remote's state,
// rejecting illegal orderings.
func (c *ConnectionAuthState) TransitionLocalView(to AuthState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(&c.localViewOfRemote, to)
}

// TransitionRemoteView advances this node's own state as observed by the
// remote.
func (c *ConnectionAuthState) TransitionRemoteView(to AuthState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(&c.remoteViewOfLocal, to)
}

func (c *ConnectionAuthState) transition(half *AuthState, to AuthState) error {
	if to == AuthUnauthorized {
		*half = AuthUnauthorized
		return nil
	}
	if *half == AuthUnauthorized {
		return splinterrors.New(splinterrors.InvalidState, "authorization", "connection already unauthorized")
	}
	if !isLegal(*half, to) {
		return splinterrors.New(splinterrors.InvalidState, "authorization", fmt.Sprintf("invalid message order: %s -> %s", *half, to))
	}
	*half = to
	return nil
}

// SetRemoteIdentity records the identity established for the remote
// side of the connection.
func (c *ConnectionAuthState) SetRemoteIdentity(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteIdentity = &id
}

// RemoteIdentity returns the established remote identity, if any.
func (c *ConnectionAuthState) RemoteIdentity() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteIdentity == nil {
		return Identity{}, false
	}
	return *c.remoteIdentity, true
}

// SetNonce stores the challenge nonce issued to (or received from) the
// peer, for later verification.
func (c *ConnectionAuthState) SetNonce(nonce []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonce = nonce
}

// Nonce returns the stored challenge nonce.
func (c *ConnectionAuthState) Nonce() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonce
}

// Authorized reports whether both halves have completed the handshake.
func (c *ConnectionAuthState) Authorized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localViewOfRemote == AuthComplete && c.remoteViewOfLocal == AuthComplete
}

// Unauthorize places both halves in the terminal Unauthorized state. It
// is always accepted regardless of current state.
func (c *ConnectionAuthState) Unauthorize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localViewOfRemote = AuthUnauthorized
	c.remoteViewOfLocal = AuthUnauthorized
}

// NewChallengeNonce generates a fresh random nonce for the Challenge
// authorization variant.
func NewChallengeNonce() ([]byte, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, splinterrors.Wrap(splinterrors.Internal, "authorization", "generate nonce", err)
	}
	return nonce, nil
}

// VerifyChallengeSignature checks that signature is a valid ed25519
// signature by publicKey over nonce.
func VerifyChallengeSignature(publicKey ed25519.PublicKey, nonce, signature []byte) bool {
	return ed25519.Verify(publicKey, nonce, signature)
}
