package coupling

import "github.com/mapleaiorg/maple/core/pkg/contracts"

// MediatorCapability is the capability that unlocks profile pairs the static
// table forbids (e.g. Financial→HumanLike).
const MediatorCapability = "coupling.mediator"

// ReadinessOverrideCapability lets a source couple with a target whose
// coupling_readiness sits below the threshold.
const ReadinessOverrideCapability = "coupling.readiness_override"

type profilePair struct {
	source contracts.Profile
	target contracts.Profile
}

// forbiddenPairs holds the profile combinations that require a mediator
// capability. The table is static; profiles are tagged variants, not a
// hierarchy.
var forbiddenPairs = map[profilePair]bool{
	{contracts.ProfileFinancial, contracts.ProfileHumanLike}: true,
	{contracts.ProfileHumanLike, contracts.ProfileFinancial}: true,
	{contracts.ProfileFinancial, contracts.ProfileFinancial}: false,
}

// pairAllowed reports whether the profile pair may couple without a mediator.
func pairAllowed(source, target contracts.Profile) bool {
	return !forbiddenPairs[profilePair{source: source, target: target}]
}
