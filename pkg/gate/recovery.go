package gate

import (
	"context"
	"time"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
	"github.com/mapleaiorg/maple/core/pkg/ledger"
)

// SweepReport summarizes one recovery pass.
type SweepReport struct {
	Expired    []string
	Reexecuted []string
}

// RecoverySweep finds commitments left Approved without an outcome — the
// crash window between commitment append and outcome append — and resolves
// them: drivers attesting idempotent re-execution run again; everything else
// past the deadline expires with a durable Failed outcome carrying the
// EXPIRED reason.
func (g *Gate) RecoverySweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	worldlines, err := g.ledger.WorldLines(ctx)
	if err != nil {
		return report, err
	}

	for _, w := range worldlines {
		state, err := g.ledger.LatestState(ctx, w)
		if err != nil {
			return report, err
		}
		for hash, status := range state.Commitments {
			if status.Terminal() {
				continue
			}
			if status.Receipt.PolicyHash == ledger.GenesisPolicyHash {
				continue
			}
			age := g.clock().Sub(status.Receipt.TemporalAnchor.WallHint)

			// After a restart the lifecycle log is empty; re-open the
			// commitment as Approved so transitions stay legal.
			if _, known := g.lifecycle.State(hash); !known {
				g.lifecycle.Open(hash)
				_ = g.lifecycle.Transition(hash, contracts.StateApproved, "recovered")
			}

			if driver, ok := g.registry.Lookup(status.Receipt.EffectDomain); ok && driver.AttestIdempotent() {
				if err := g.reexecute(ctx, w, status.Receipt, driver); err == nil {
					report.Reexecuted = append(report.Reexecuted, hash)
					continue
				}
			}
			if age < g.cfg.RecoveryDeadline {
				continue
			}

			if _, err := g.ledger.AppendOutcome(ctx, w, hash, contracts.OutcomeFailed,
				[]contracts.ReasonCode{contracts.ReasonExpired}, nil, nil); err != nil {
				return report, err
			}
			_ = g.lifecycle.Transition(hash, contracts.StateExpired, "recovery deadline passed")
			report.Expired = append(report.Expired, hash)
		}
	}
	return report, nil
}

// reexecute drives an attesting driver against a recovered commitment. The
// original plan bytes are not durable, so attesting drivers must resolve the
// plan from the proposal hash they recorded at first execution.
func (g *Gate) reexecute(ctx context.Context, w contracts.WorldLineID, receipt contracts.CommitmentReceipt, driver ConsequenceDriver) error {
	if err := g.lifecycle.Transition(receipt.ReceiptHash, contracts.StateExecutionStarted, "idempotent re-execution"); err != nil {
		return err
	}
	execCtx, cancel := context.WithTimeout(ctx, g.cfg.DriverTimeout)
	defer cancel()

	state, _ := g.lifecycle.State(receipt.ReceiptHash)
	result, err := driver.Execute(execCtx, &receipt, state, nil)
	_ = g.lifecycle.Transition(receipt.ReceiptHash, contracts.StateActive, "driver running")

	if err != nil || len(result.Failed) > 0 {
		reason := contracts.ReasonDriverFailed
		if len(result.Failed) > 0 {
			reason = contracts.ReasonPartialCompletion
		}
		if _, aerr := g.ledger.AppendOutcome(ctx, w, receipt.ReceiptHash, contracts.OutcomeFailed,
			[]contracts.ReasonCode{reason}, result.Completed, result.ProofRefs); aerr != nil {
			return aerr
		}
		_ = g.lifecycle.Transition(receipt.ReceiptHash, contracts.StateFailed, string(reason))
		return nil
	}

	if _, err := g.ledger.AppendOutcome(ctx, w, receipt.ReceiptHash, contracts.OutcomeFulfilled,
		nil, result.Completed, result.ProofRefs); err != nil {
		return err
	}
	_ = g.lifecycle.Transition(receipt.ReceiptHash, contracts.StateFulfilled, "recovered fulfilled")
	return nil
}

// RunSweeper runs RecoverySweep on the interval until the context ends.
func (g *Gate) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = g.RecoverySweep(ctx)
		}
	}
}
