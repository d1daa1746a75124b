package contracts

import (
	"errors"
	"fmt"
)

// ReasonCode is a stable machine-readable denial/failure reason. Reason codes
// appear in receipts, so their string values are part of the durable format.
type ReasonCode string

const (
	// Precondition reasons.
	ReasonPresenceMissing        ReasonCode = "PRESENCE_MISSING"
	ReasonCouplingMissing        ReasonCode = "COUPLING_MISSING"
	ReasonCapabilityMissing      ReasonCode = "CAPABILITY_MISSING"
	ReasonInsufficientAttention  ReasonCode = "INSUFFICIENT_ATTENTION"
	ReasonNotReady               ReasonCode = "NOT_READY"
	ReasonProfileForbidden       ReasonCode = "PROFILE_FORBIDDEN"
	ReasonRateLimited            ReasonCode = "RATE_LIMITED"
	ReasonInitialStrengthTooHigh ReasonCode = "INITIAL_STRENGTH_TOO_HIGH"
	ReasonStrengthenTooLarge     ReasonCode = "STRENGTHEN_TOO_LARGE"

	// Invariant reasons.
	ReasonInvariantViolation ReasonCode = "INVARIANT_VIOLATION"
	ReasonAgencyViolation    ReasonCode = "AGENCY_VIOLATION"

	// Gate reasons.
	ReasonPolicyDenied   ReasonCode = "POLICY_DENIED"
	ReasonPolicyTimeout  ReasonCode = "POLICY_TIMEOUT"
	ReasonBindingInvalid ReasonCode = "BINDING_INVALID"
	ReasonCircuitOpen    ReasonCode = "CIRCUIT_OPEN"

	// Execution reasons.
	ReasonDriverTimeout     ReasonCode = "DRIVER_TIMEOUT"
	ReasonDriverFailed      ReasonCode = "DRIVER_FAILED"
	ReasonPartialCompletion ReasonCode = "partial_completion"

	// Durability reasons.
	ReasonLedgerAppendFailed ReasonCode = "LEDGER_APPEND_FAILED"
	ReasonHashChainBroken    ReasonCode = "HASH_CHAIN_BROKEN"
	ReasonContinuityBroken   ReasonCode = "CONTINUITY_BROKEN"

	// Temporal and concurrency reasons.
	ReasonAnchorRegressed ReasonCode = "ANCHOR_REGRESSED"
	ReasonAdmissionDenied ReasonCode = "ADMISSION_DENIED"
	ReasonCancelled       ReasonCode = "CANCELLED"
	ReasonAlreadyTerminal ReasonCode = "ALREADY_TERMINAL"
	ReasonExpired         ReasonCode = "EXPIRED"
)

// Sentinel errors for the §7 taxonomy. Callers match with errors.Is; reason
// codes above are the durable form recorded in receipts.
var (
	ErrPresenceMissing        = errors.New("presence missing")
	ErrCouplingMissing        = errors.New("coupling missing")
	ErrCapabilityMissing      = errors.New("capability missing")
	ErrInsufficientAttention  = errors.New("insufficient attention")
	ErrNotReady               = errors.New("target not ready for coupling")
	ErrProfileForbidden       = errors.New("profile pair forbidden")
	ErrRateLimited            = errors.New("rate limited")
	ErrInitialStrengthTooHigh = errors.New("initial strength above cap")
	ErrStrengthenTooLarge     = errors.New("strengthen delta above cap")

	ErrInvariantViolation = errors.New("invariant violation")
	ErrAgencyViolation    = errors.New("agency violation")

	ErrPolicyDenied   = errors.New("policy denied")
	ErrPolicyTimeout  = errors.New("policy evaluation timed out")
	ErrBindingInvalid = errors.New("commitment binding invalid")
	ErrCircuitOpen    = errors.New("consequence-domain circuit open")

	ErrDriverTimeout = errors.New("driver execution timed out")
	ErrDriverFailed  = errors.New("driver failed")

	ErrLedgerAppendFailed = errors.New("ledger append failed")
	ErrHashChainBroken    = errors.New("hash chain broken")
	ErrContinuityBroken   = errors.New("continuity broken")
	ErrIdentityUnknown    = errors.New("identity unknown")

	ErrAnchorRegressed = errors.New("temporal anchor regressed")
	ErrAdmissionDenied = errors.New("admission denied")
	ErrCancelled       = errors.New("operation cancelled")
	ErrAlreadyTerminal = errors.New("commitment already terminal")

	ErrPresenceAxisOutOfRange = errors.New("presence axis out of [0,1]")
	ErrPresenceSilentClamp    = errors.New("silent presence must clamp discoverability")
	ErrWorldLineUnknown       = errors.New("worldline unknown")
	ErrCouplingUnknown        = errors.New("coupling unknown")
)

// InvariantName identifies one of the eight enforced invariants.
type InvariantName string

const (
	InvPresenceBeforeMeaning       InvariantName = "PRESENCE_BEFORE_MEANING"
	InvCouplingBeforeMeaning       InvariantName = "COUPLING_BEFORE_MEANING"
	InvMeaningBeforeIntent         InvariantName = "MEANING_BEFORE_INTENT"
	InvCommitmentBeforeConsequence InvariantName = "COMMITMENT_BEFORE_CONSEQUENCE"
	InvCouplingBoundedByAttention  InvariantName = "COUPLING_BOUNDED_BY_ATTENTION"
	InvSafetyOverOptimization      InvariantName = "SAFETY_OVER_OPTIMIZATION"
	InvAgencyNonBypass             InvariantName = "AGENCY_NON_BYPASS"
	InvExplicitFailure             InvariantName = "EXPLICIT_FAILURE"
)

// InvariantError carries which invariant was violated.
type InvariantError struct {
	Which  InvariantName
	Detail string
}

func (e *InvariantError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invariant %s violated", e.Which)
	}
	return fmt.Sprintf("invariant %s violated: %s", e.Which, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// ReasonOf maps a taxonomy error to its durable reason code. Errors outside
// the taxonomy return ok=false; callers must not guess a code for them.
func ReasonOf(err error) (ReasonCode, bool) {
	switch {
	case errors.Is(err, ErrPresenceMissing):
		return ReasonPresenceMissing, true
	case errors.Is(err, ErrCouplingMissing):
		return ReasonCouplingMissing, true
	case errors.Is(err, ErrCapabilityMissing):
		return ReasonCapabilityMissing, true
	case errors.Is(err, ErrInsufficientAttention):
		return ReasonInsufficientAttention, true
	case errors.Is(err, ErrNotReady):
		return ReasonNotReady, true
	case errors.Is(err, ErrProfileForbidden):
		return ReasonProfileForbidden, true
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited, true
	case errors.Is(err, ErrInitialStrengthTooHigh):
		return ReasonInitialStrengthTooHigh, true
	case errors.Is(err, ErrStrengthenTooLarge):
		return ReasonStrengthenTooLarge, true
	case errors.Is(err, ErrAgencyViolation):
		return ReasonAgencyViolation, true
	case errors.Is(err, ErrInvariantViolation):
		return ReasonInvariantViolation, true
	case errors.Is(err, ErrPolicyTimeout):
		return ReasonPolicyTimeout, true
	case errors.Is(err, ErrPolicyDenied):
		return ReasonPolicyDenied, true
	case errors.Is(err, ErrBindingInvalid):
		return ReasonBindingInvalid, true
	case errors.Is(err, ErrCircuitOpen):
		return ReasonCircuitOpen, true
	case errors.Is(err, ErrDriverTimeout):
		return ReasonDriverTimeout, true
	case errors.Is(err, ErrDriverFailed):
		return ReasonDriverFailed, true
	case errors.Is(err, ErrLedgerAppendFailed):
		return ReasonLedgerAppendFailed, true
	case errors.Is(err, ErrHashChainBroken):
		return ReasonHashChainBroken, true
	case errors.Is(err, ErrContinuityBroken):
		return ReasonContinuityBroken, true
	case errors.Is(err, ErrAnchorRegressed):
		return ReasonAnchorRegressed, true
	case errors.Is(err, ErrAdmissionDenied):
		return ReasonAdmissionDenied, true
	case errors.Is(err, ErrCancelled):
		return ReasonCancelled, true
	case errors.Is(err, ErrAlreadyTerminal):
		return ReasonAlreadyTerminal, true
	}
	return "", false
}
