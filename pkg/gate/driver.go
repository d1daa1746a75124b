// Package gate is the single, non-bypassable path from an approved proposal
// to execution of external effects.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// DriverResult reports what a consequence driver applied. Completed and
// Failed enumerate effects individually so partial completion is always
// visible; ExternalRefs carry provider-side ids for audit.
type DriverResult struct {
	Completed    []contracts.Effect
	Failed       []contracts.Effect
	ProofRefs    []string
	ExternalRefs []string
}

// ConsequenceDriver performs effects in one external domain on behalf of an
// approved commitment. Drivers must refuse calls whose receipt is not in an
// executable state and must record external-reference ids for audit.
type ConsequenceDriver interface {
	// Domain returns the effect domain the driver serves.
	Domain() string

	// Execute applies the plan. The receipt is passed by reference together
	// with its current lifecycle state; drivers refuse non-executable states.
	Execute(ctx context.Context, receipt *contracts.CommitmentReceipt, state contracts.CommitmentState, plan []byte) (DriverResult, error)

	// AttestIdempotent reports whether re-executing after a crash between
	// commitment and outcome is safe. Non-attesting drivers expire instead.
	AttestIdempotent() bool
}

// Registry resolves drivers by effect domain, populated at bootstrap. The
// kernel never calls a concrete driver directly. A domain may carry a JSON
// schema; plans failing validation never reach the driver.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]ConsequenceDriver
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]ConsequenceDriver),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a driver. schemaJSON, when non-empty, is compiled and
// enforced against every plan for the domain.
func (r *Registry) Register(d ConsequenceDriver, schemaJSON string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	domain := d.Domain()
	if _, exists := r.drivers[domain]; exists {
		return fmt.Errorf("gate: driver for domain %q already registered", domain)
	}
	if schemaJSON != "" {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(domain+".schema.json", strings.NewReader(schemaJSON)); err != nil {
			return fmt.Errorf("gate: schema for %q: %w", domain, err)
		}
		schema, err := compiler.Compile(domain + ".schema.json")
		if err != nil {
			return fmt.Errorf("gate: schema for %q: %w", domain, err)
		}
		r.schemas[domain] = schema
	}
	r.drivers[domain] = d
	return nil
}

// Lookup resolves a domain's driver.
func (r *Registry) Lookup(domain string) (ConsequenceDriver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[domain]
	return d, ok
}

// ValidatePlan checks plan bytes against the domain's schema, when one is
// registered. Plans must then be JSON; schemaless domains accept any bytes.
func (r *Registry) ValidatePlan(domain string, plan []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[domain]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(plan, &doc); err != nil {
		return fmt.Errorf("%w: plan is not JSON: %v", contracts.ErrBindingInvalid, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: plan schema: %v", contracts.ErrBindingInvalid, err)
	}
	return nil
}
