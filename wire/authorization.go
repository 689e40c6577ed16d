package wire

// AuthMessageType tags the payload carried inside an Authorization
// NetworkMessage.
type AuthMessageType string

const (
	ConnectRequest          AuthMessageType = "CONNECT_REQUEST"
	ConnectResponse         AuthMessageType = "CONNECT_RESPONSE"
	AuthorizedMessage       AuthMessageType = "AUTHORIZED_MESSAGE"
	TrustRequest            AuthMessageType = "TRUST_REQUEST"
	ChallengeNonceRequest   AuthMessageType = "CHALLENGE_NONCE_REQUEST"
	ChallengeNonceResponse  AuthMessageType = "CHALLENGE_NONCE_RESPONSE"
	ChallengeSubmitRequest  AuthMessageType = "CHALLENGE_SUBMIT_REQUEST"
	ChallengeSubmitResponse AuthMessageType = "CHALLENGE_SUBMIT_RESPONSE"
	AuthorizationError      AuthMessageType = "AUTHORIZATION_ERROR"
	Unauthorizing           AuthMessageType = "UNAUTHORIZING"
)

// AuthEnvelope is the payload of a wire.Authorization NetworkMessage.
type AuthEnvelope struct {
	Type AuthMessageType `json:"type"`
	Body interface{}     `json:"body,omitempty"`
}

// ConnectRequestBody advertises the protocol versions a connecting node
// supports.
type ConnectRequestBody struct {
	MinVersion int `json:"min_version"`
	MaxVersion int `json:"max_version"`
}

// ConnectResponseBody selects the protocol version to use, plus whether
// Trust or Challenge authorization is required.
type ConnectResponseBody struct {
	AcceptedVersion int    `json:"accepted_version"`
	AuthorizationType string `json:"authorization_type"`
}

// TrustRequestBody carries the node id of a Trust-authorizing peer.
type TrustRequestBody struct {
	NodeID string `json:"node_id"`
}

// ChallengeNonceRequestBody is empty; receiving it asks the peer to sign
// a fresh nonce.
type ChallengeNonceRequestBody struct{}

// ChallengeNonceResponseBody carries the nonce to sign.
type ChallengeNonceResponseBody struct {
	Nonce []byte `json:"nonce"`
}

// ChallengeSubmitRequestBody carries the public key, the signed nonce,
// and the node id claimed by the submitter.
type ChallengeSubmitRequestBody struct {
	NodeID    string `json:"node_id"`
	PublicKey []byte `json:"public_key"`
	Nonce     []byte `json:"nonce"`
	Signature []byte `json:"signature"`
}

// ChallengeSubmitResponseBody acknowledges a successful challenge.
type ChallengeSubmitResponseBody struct {
	Accepted bool `json:"accepted"`
}

// AuthorizationErrorBody carries a human-readable reason the handshake
// failed.
type AuthorizationErrorBody struct {
	Message string `json:"message"`
}

// AuthorizedMessageBody wraps an inner NetworkMessage once both halves of
// a connection have completed authorization; some transports route every
// subsequent message through this envelope to simplify demultiplexing.
type AuthorizedMessageBody struct {
	Inner NetworkMessage `json:"inner"`
}
