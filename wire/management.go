package wire

import (
	"crypto/sha512"
	"encoding/json"
	"fmt"
)

// ManagementActionType discriminates the action carried inside a signed
// CircuitManagementPayload.
type ManagementActionType string

const (
	ActionCircuitCreateRequest  ManagementActionType = "CIRCUIT_CREATE_REQUEST"
	ActionCircuitProposalVote   ManagementActionType = "CIRCUIT_PROPOSAL_VOTE"
	ActionCircuitDisbandRequest ManagementActionType = "CIRCUIT_DISBAND_REQUEST"
)

// ManagementHeader is signed by the requester; it binds the action's
// sha-512 digest to a declared requester identity so the admin service can
// reject payloads whose claimed requester does not match the issuing node.
type ManagementHeader struct {
	ActionType        ManagementActionType `json:"action_type"`
	RequesterPublicKey []byte              `json:"requester_public_key"`
	PayloadSHA512     []byte               `json:"payload_sha512"`
	RequesterNodeID   string               `json:"requester_node_id"`
}

// CircuitManagementPayload is the signed outer envelope REST/IPC callers
// submit to the admin service.
type CircuitManagementPayload struct {
	Header    ManagementHeader `json:"header"`
	Action    json.RawMessage  `json:"action"`
	Signature []byte           `json:"signature"`
}

// CircuitCreateRequestAction wraps a full circuit definition for
// proposal. Circuit is kept opaque (json.RawMessage) here to avoid an
// import cycle with the core package that owns the Circuit type; core
// marshals/unmarshals it directly.
type CircuitCreateRequestAction struct {
	Circuit json.RawMessage `json:"circuit"`
}

// CircuitProposalVoteAction casts a vote on an open proposal.
type CircuitProposalVoteAction struct {
	CircuitID   string    `json:"circuit_id"`
	CircuitHash string    `json:"circuit_hash"`
	Vote        VoteValue `json:"vote"`
}

// CircuitDisbandRequestAction proposes tearing down a committed circuit.
type CircuitDisbandRequestAction struct {
	CircuitID string `json:"circuit_id"`
}

// HashAction computes the sha-512 digest a ManagementHeader must carry for
// the given raw action bytes.
func HashAction(action []byte) []byte {
	sum := sha512.Sum512(action)
	return sum[:]
}

// BuildManagementPayload marshals action, computes its digest, and signs
// the resulting header with sign. It returns the fully formed payload
// ready to submit to an admin service.
func BuildManagementPayload(actionType ManagementActionType, requesterNodeID string, publicKey []byte, action interface{}, sign func([]byte) ([]byte, error)) (*CircuitManagementPayload, error) {
	raw, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal action: %w", err)
	}
	header := ManagementHeader{
		ActionType:         actionType,
		RequesterPublicKey: publicKey,
		PayloadSHA512:      HashAction(raw),
		RequesterNodeID:    requesterNodeID,
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal header: %w", err)
	}
	sig, err := sign(headerBytes)
	if err != nil {
		return nil, fmt.Errorf("wire: sign header: %w", err)
	}
	return &CircuitManagementPayload{Header: header, Action: raw, Signature: sig}, nil
}

// HeaderBytes re-derives the exact bytes that were signed, so a verifier
// can check Signature against them.
func (p *CircuitManagementPayload) HeaderBytes() ([]byte, error) {
	return json.Marshal(p.Header)
}

// VerifyDigest confirms the header's declared digest matches the actual
// action bytes, guarding against a header/action that were stitched
// together from two different payloads.
func (p *CircuitManagementPayload) VerifyDigest() bool {
	want := HashAction(p.Action)
	if len(want) != len(p.Header.PayloadSHA512) {
		return false
	}
	for i := range want {
		if want[i] != p.Header.PayloadSHA512[i] {
			return false
		}
	}
	return true
}
