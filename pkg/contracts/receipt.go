package contracts

import "time"

// CommitmentClass categorizes the consequence a proposal asks for. Classes
// map onto policy tiers: ReadOnly=0, ExternalIO=1, FundsMovement=2,
// PolicyChange/OperatorUpgrade=3.
type CommitmentClass string

const (
	ClassReadOnly        CommitmentClass = "READ_ONLY"
	ClassExternalIO      CommitmentClass = "EXTERNAL_IO"
	ClassFundsMovement   CommitmentClass = "FUNDS_MOVEMENT"
	ClassPolicyChange    CommitmentClass = "POLICY_CHANGE"
	ClassOperatorUpgrade CommitmentClass = "OPERATOR_UPGRADE"
)

// Tier returns the policy tier for the class.
func (c CommitmentClass) Tier() int {
	switch c {
	case ClassReadOnly:
		return 0
	case ClassExternalIO:
		return 1
	case ClassFundsMovement:
		return 2
	case ClassPolicyChange, ClassOperatorUpgrade:
		return 3
	default:
		return 3
	}
}

// CommitmentProposal is the only admissible request for a consequential
// effect. Plan bytes are opaque to the kernel; drivers interpret them.
type CommitmentProposal struct {
	WorldLine             WorldLineID     `json:"worldline"`
	Class                 CommitmentClass `json:"class"`
	Intent                string          `json:"intent"`
	Plan                  []byte          `json:"plan"`
	EffectDomain          string          `json:"effect_domain"`
	CounterpartyCoupling  CouplingID      `json:"counterparty_coupling,omitempty"`
	RequestedCapabilities []string        `json:"requested_capabilities"`
	EvidenceDigest        [32]byte        `json:"evidence_digest"`
	Nonce                 uint64          `json:"nonce"`
	TemporalAnchor        TemporalAnchor  `json:"temporal_anchor"`
}

// Decision is the policy verdict on a proposal.
type Decision string

const (
	DecisionAccepted Decision = "ACCEPTED"
	DecisionRejected Decision = "REJECTED"
)

// CommitmentState is the kernel-owned lifecycle of an appended commitment.
type CommitmentState string

const (
	StateProposed         CommitmentState = "PROPOSED"
	StateApproved         CommitmentState = "APPROVED"
	StateDenied           CommitmentState = "DENIED"
	StateExecutionStarted CommitmentState = "EXECUTION_STARTED"
	StateActive           CommitmentState = "ACTIVE"
	StateFulfilled        CommitmentState = "FULFILLED"
	StateFailed           CommitmentState = "FAILED"
	StateExpired          CommitmentState = "EXPIRED"
	StateRevoked          CommitmentState = "REVOKED"
)

// Terminal reports whether the state admits no further transitions.
func (s CommitmentState) Terminal() bool {
	switch s {
	case StateDenied, StateFulfilled, StateFailed, StateExpired, StateRevoked:
		return true
	}
	return false
}

// CanTransition encodes the lifecycle state machine:
// Proposed → {Approved | Denied}; Approved → {ExecutionStarted | Expired |
// Revoked}; ExecutionStarted → Active → {Fulfilled | Failed | Expired |
// Revoked}.
func (s CommitmentState) CanTransition(to CommitmentState) bool {
	switch s {
	case StateProposed:
		return to == StateApproved || to == StateDenied
	case StateApproved:
		return to == StateExecutionStarted || to == StateExpired || to == StateRevoked
	case StateExecutionStarted:
		return to == StateActive || to == StateFailed || to == StateExpired || to == StateRevoked
	case StateActive:
		return to == StateFulfilled || to == StateFailed || to == StateExpired || to == StateRevoked
	}
	return false
}

// ReceiptKind discriminates ledger entries.
type ReceiptKind string

const (
	KindCommitment ReceiptKind = "COMMITMENT"
	KindOutcome    ReceiptKind = "OUTCOME"
	KindSnapshot   ReceiptKind = "SNAPSHOT"
)

// CommitmentReceipt is the immutable durable record of a policy decision.
type CommitmentReceipt struct {
	WorldLine           WorldLineID    `json:"worldline"`
	Seq                 uint64         `json:"seq"`
	ProposalHash        string         `json:"proposal_hash"`
	Nonce               uint64         `json:"nonce"`
	EffectDomain        string         `json:"effect_domain,omitempty"`
	Decision            Decision       `json:"decision"`
	Reasons             []ReasonCode   `json:"reasons"`
	PolicyHash          string         `json:"policy_hash"`
	CapabilitiesGranted []string       `json:"capabilities_granted"`
	TemporalAnchor      TemporalAnchor `json:"temporal_anchor"`
	PrevHash            string         `json:"prev_hash"`
	ReceiptHash         string         `json:"receipt_hash"`
}

// OutcomeResult classifies what a commitment's execution produced.
type OutcomeResult string

const (
	OutcomeFulfilled OutcomeResult = "FULFILLED"
	OutcomeFailed    OutcomeResult = "FAILED"
	OutcomeRejected  OutcomeResult = "REJECTED"
)

// Reversibility tags whether an effect can be undone.
type Reversibility string

const (
	Reversible   Reversibility = "REVERSIBLE"
	Irreversible Reversibility = "IRREVERSIBLE"
)

// Effect is one externally applied consequence.
type Effect struct {
	Domain        string        `json:"domain"`
	Reference     string        `json:"reference"`
	Reversibility Reversibility `json:"reversibility"`
}

// OutcomeReceipt is the durable record of what execution produced. Partial
// completion is always recorded as Failed with ReasonPartialCompletion and
// the completed effects enumerated; never promoted to success.
type OutcomeReceipt struct {
	WorldLine             WorldLineID    `json:"worldline"`
	Seq                   uint64         `json:"seq"`
	CommitmentReceiptHash string         `json:"commitment_receipt_hash"`
	Result                OutcomeResult  `json:"result"`
	Reasons               []ReasonCode   `json:"reasons"`
	Effects               []Effect       `json:"effects"`
	ProofRefs             []string       `json:"proof_refs"`
	TemporalAnchor        TemporalAnchor `json:"temporal_anchor"`
	PrevHash              string         `json:"prev_hash"`
	ReceiptHash           string         `json:"receipt_hash"`
}

// Snapshot anchors a state checkpoint to a specific receipt. Replaying from
// the snapshot plus subsequent receipts must reproduce StateHash at the
// anchored receipt.
type Snapshot struct {
	WorldLine           WorldLineID    `json:"worldline"`
	SnapshotSeq         uint64         `json:"snapshot_seq"`
	AnchoredReceiptHash string         `json:"anchored_receipt_hash"`
	StateHash           string         `json:"state_hash"`
	StateBlob           []byte         `json:"state_blob"`
	TemporalAnchor      TemporalAnchor `json:"temporal_anchor"`
}

// LifecycleEntry records one commitment state transition. Transitions live in
// a per-commitment lifecycle log, not in new commitment receipts.
type LifecycleEntry struct {
	ID             string          `json:"id"`
	CommitmentHash string          `json:"commitment_hash"`
	From           CommitmentState `json:"from"`
	To             CommitmentState `json:"to"`
	At             time.Time       `json:"at"`
	Note           string          `json:"note,omitempty"`
}
