package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// WASMDriver executes opaque plan bytes as a WebAssembly module in a
// deny-by-default sandbox: no filesystem, no network, no environment, memory
// capped, CPU bounded by the gate's driver timeout.
//
// The module reads the commitment receipt JSON on stdin and writes a
// DriverResult-shaped JSON document on stdout. Because execution is pure —
// the sandbox has no ambient authority — re-execution is idempotent by
// construction.
type WASMDriver struct {
	domain  string
	runtime wazero.Runtime
	config  wazero.ModuleConfig
}

// WASMDriverConfig bounds the sandbox.
type WASMDriverConfig struct {
	Domain           string
	MemoryLimitBytes int64
}

// NewWASMDriver creates a sandboxed driver for one effect domain.
func NewWASMDriver(ctx context.Context, cfg WASMDriverConfig) (*WASMDriver, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in 64KB pages.
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	// Deny-by-default: no FS mounts, no sys time, no randomness source.
	modCfg := wazero.NewModuleConfig().
		WithName("maple-consequence").
		WithStartFunctions("_start")

	return &WASMDriver{domain: cfg.Domain, runtime: r, config: modCfg}, nil
}

// Domain implements ConsequenceDriver.
func (d *WASMDriver) Domain() string { return d.domain }

// AttestIdempotent implements ConsequenceDriver. Sandboxed execution has no
// ambient authority, so replays observe nothing the first run didn't.
func (d *WASMDriver) AttestIdempotent() bool { return true }

// Execute implements ConsequenceDriver.
func (d *WASMDriver) Execute(ctx context.Context, receipt *contracts.CommitmentReceipt, state contracts.CommitmentState, plan []byte) (DriverResult, error) {
	if state != contracts.StateApproved && state != contracts.StateExecutionStarted {
		return DriverResult{}, fmt.Errorf("%w: receipt in state %s is not executable", contracts.ErrDriverFailed, state)
	}
	if len(plan) == 0 {
		return DriverResult{}, fmt.Errorf("%w: empty plan", contracts.ErrDriverFailed)
	}

	input, err := json.Marshal(receipt)
	if err != nil {
		return DriverResult{}, fmt.Errorf("%w: receipt marshal: %v", contracts.ErrDriverFailed, err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := d.config.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	compiled, err := d.runtime.CompileModule(ctx, plan)
	if err != nil {
		return DriverResult{}, fmt.Errorf("%w: compilation: %v", contracts.ErrDriverFailed, err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := d.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return DriverResult{}, contracts.ErrDriverTimeout
		}
		return DriverResult{}, fmt.Errorf("%w: instantiation: %v", contracts.ErrDriverFailed, err)
	}
	defer func() { _ = mod.Close(ctx) }()

	var out struct {
		Completed    []contracts.Effect `json:"completed"`
		Failed       []contracts.Effect `json:"failed"`
		ProofRefs    []string           `json:"proof_refs"`
		ExternalRefs []string           `json:"external_refs"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return DriverResult{}, fmt.Errorf("%w: module output: %v", contracts.ErrDriverFailed, err)
	}
	return DriverResult{
		Completed:    out.Completed,
		Failed:       out.Failed,
		ProofRefs:    out.ProofRefs,
		ExternalRefs: out.ExternalRefs,
	}, nil
}

// Close releases the wazero runtime.
func (d *WASMDriver) Close(ctx context.Context) error {
	return d.runtime.Close(ctx)
}
