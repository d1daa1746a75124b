//go:build property
// +build property

// Property-based tests for hash-chain and projection determinism.
package ledger_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
	"github.com/mapleaiorg/maple/core/pkg/ledger"
	"github.com/mapleaiorg/maple/core/pkg/temporal"
)

const propWL = contracts.WorldLineID("2222222222222222222222222222222222222222222222222222222222222222")

// TestChainIntegrityUnderArbitraryTraffic verifies that any sequence of
// appended commitments and outcomes yields a verifiable, gap-free chain.
func TestChainIntegrityUnderArbitraryTraffic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("every appended stream verifies", prop.ForAll(
		func(intents []string) bool {
			ctx := context.Background()
			l := ledger.New(ledger.NewMemoryStore(), temporal.NewCoordinator())
			if _, err := l.AppendGenesis(contracts.WorldLine{ID: propWL}); err != nil {
				return false
			}
			for i, intent := range intents {
				p := contracts.CommitmentProposal{
					WorldLine: propWL,
					Class:     contracts.ClassExternalIO,
					Intent:    intent,
					Nonce:     uint64(i + 1),
				}
				c, err := l.AppendCommitment(ctx, p, contracts.DecisionAccepted, nil, "sha256:policy", nil)
				if err != nil {
					return false
				}
				if i%2 == 0 {
					if _, err := l.AppendOutcome(ctx, propWL, c.ReceiptHash, contracts.OutcomeFulfilled, nil, nil, nil); err != nil {
						return false
					}
				}
			}
			return l.VerifyStream(ctx, propWL) == nil
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("projection rebuild hash is stable", prop.ForAll(
		func(intents []string) bool {
			ctx := context.Background()
			l := ledger.New(ledger.NewMemoryStore(), temporal.NewCoordinator())
			if _, err := l.AppendGenesis(contracts.WorldLine{ID: propWL}); err != nil {
				return false
			}
			for i, intent := range intents {
				p := contracts.CommitmentProposal{
					WorldLine: propWL,
					Class:     contracts.ClassReadOnly,
					Intent:    intent,
					Nonce:     uint64(i + 1),
				}
				if _, err := l.AppendCommitment(ctx, p, contracts.DecisionAccepted, nil, "sha256:policy", nil); err != nil {
					return false
				}
			}
			s1, err := l.LatestState(ctx, propWL)
			if err != nil {
				return false
			}
			s2, err := l.LatestState(ctx, propWL)
			if err != nil {
				return false
			}
			h1, err1 := s1.Hash()
			h2, err2 := s2.Hash()
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
