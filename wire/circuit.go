package wire

// CircuitMessageType tags the payload carried inside a Circuit
// NetworkMessage.
type CircuitMessageType string

const (
	CircuitDirectMessage CircuitMessageType = "CIRCUIT_DIRECT_MESSAGE"
	AdminDirectMessage   CircuitMessageType = "ADMIN_DIRECT_MESSAGE"
	CircuitErrorMessage  CircuitMessageType = "CIRCUIT_ERROR_MESSAGE"
	VoteRequestMessage   CircuitMessageType = "CONSENSUS_VOTE_REQUEST"
	VoteMessage          CircuitMessageType = "CONSENSUS_VOTE"
	CommitMessage        CircuitMessageType = "CONSENSUS_COMMIT"
	AbortMessage         CircuitMessageType = "CONSENSUS_ABORT"
)

// CircuitEnvelope is the payload of a wire.Circuit NetworkMessage.
type CircuitEnvelope struct {
	Type CircuitMessageType `json:"type"`
	Body []byte             `json:"body"`
}

// CircuitDirectMessageBody is a standard service-to-service message.
type CircuitDirectMessageBody struct {
	CircuitID     string `json:"circuit_id"`
	Sender        string `json:"sender"`
	Recipient     string `json:"recipient"`
	Payload       []byte `json:"payload"`
	CorrelationID string `json:"correlation_id"`
}

// CircuitErrorCode enumerates the routing failures that can be reported
// back to a message's sender.
type CircuitErrorCode string

const (
	ErrCircuitDoesNotExist        CircuitErrorCode = "ERROR_CIRCUIT_DOES_NOT_EXIST"
	ErrSenderNotInCircuitRoster   CircuitErrorCode = "ERROR_SENDER_NOT_IN_CIRCUIT_ROSTER"
	ErrSenderNotInDirectory       CircuitErrorCode = "ERROR_SENDER_NOT_IN_DIRECTORY"
	ErrRecipientNotInCircuitRoster CircuitErrorCode = "ERROR_RECIPIENT_NOT_IN_CIRCUIT_ROSTER"
	ErrRecipientNotInDirectory    CircuitErrorCode = "ERROR_RECIPIENT_NOT_IN_DIRECTORY"
)

// CircuitErrorBody is returned to the source of a message that could not
// be routed.
type CircuitErrorBody struct {
	CorrelationID string           `json:"correlation_id"`
	ServiceID     string           `json:"service_id"`
	CircuitName   string           `json:"circuit_name"`
	Error         CircuitErrorCode `json:"error"`
	ErrorMessage  string           `json:"error_message"`
}

// ConsensusMessageBody identifies a proposal by circuit id and epoch. It
// is the whole body of Commit and Abort and is embedded in VoteBody; a
// VoteRequest carries the full proposal JSON instead. The admin service
// leaves ProposalHash empty.
type ConsensusMessageBody struct {
	CircuitID     string `json:"circuit_id"`
	Epoch         uint64 `json:"epoch"`
	ProposalHash  string `json:"proposal_hash"`
}

// VoteValue is Accept or Reject, the only two values a participant may
// cast for a proposal.
type VoteValue string

const (
	VoteAccept VoteValue = "ACCEPT"
	VoteReject VoteValue = "REJECT"
)

// VoteBody extends ConsensusMessageBody with the participant's node id
// and cast vote.
type VoteBody struct {
	ConsensusMessageBody
	NodeID string    `json:"node_id"`
	Vote   VoteValue `json:"vote"`
}

// AdminServiceID builds the reserved admin::<node_id> service id used to
// address a node's admin service on the implicit "admin" circuit.
func AdminServiceID(nodeID string) string {
	return "admin::" + nodeID
}

// AdminCircuitID is the reserved circuit name admin traffic travels on.
const AdminCircuitID = "admin"
