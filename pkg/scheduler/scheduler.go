// Package scheduler grants execution tokens to kernel tasks by attention
// class, bounded by a global concurrency budget and per-class quotas. On
// AttentionLow signals Background work is shed first, then Normal. Circuit
// breakers per consequence domain feed the gate's policy step.
package scheduler

import (
	"context"
	"sync"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// AttentionClass orders task urgency. Lower values admit first and shed last.
type AttentionClass int

const (
	ClassCritical AttentionClass = iota
	ClassHigh
	ClassNormal
	ClassBackground
)

// String implements fmt.Stringer for AttentionClass.
func (c AttentionClass) String() string {
	switch c {
	case ClassCritical:
		return "CRITICAL"
	case ClassHigh:
		return "HIGH"
	case ClassNormal:
		return "NORMAL"
	case ClassBackground:
		return "BACKGROUND"
	}
	return "UNKNOWN"
}

// Config bounds admission.
type Config struct {
	// GlobalConcurrency caps tokens outstanding across all classes.
	GlobalConcurrency int
	// ClassQuota caps tokens per class; missing classes share the global pool.
	ClassQuota map[AttentionClass]int
}

// DefaultConfig admits 64 concurrent tasks with conservative class quotas.
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency: 64,
		ClassQuota: map[AttentionClass]int{
			ClassCritical:   32,
			ClassHigh:       24,
			ClassNormal:     16,
			ClassBackground: 8,
		},
	}
}

// Token represents granted admission; Release returns it.
type Token struct {
	release func()
	once    sync.Once
}

// Release returns the token. Idempotent.
func (t *Token) Release() {
	t.once.Do(t.release)
}

// Scheduler performs admission control.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	inflight map[AttentionClass]int
	total    int
	// shedding marks classes currently refused due to attention pressure.
	shedding map[AttentionClass]bool
	draining bool
}

// New creates a scheduler with the given config.
func New(cfg Config) *Scheduler {
	if cfg.GlobalConcurrency <= 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		cfg:      cfg,
		inflight: make(map[AttentionClass]int),
		shedding: make(map[AttentionClass]bool),
	}
}

// Admit grants a token or fails AdmissionDenied. Admission never blocks:
// degraded callers retry under their own policy rather than queueing inside
// the kernel.
func (s *Scheduler) Admit(ctx context.Context, class AttentionClass) (*Token, error) {
	select {
	case <-ctx.Done():
		return nil, contracts.ErrCancelled
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		return nil, contracts.ErrAdmissionDenied
	}
	if s.shedding[class] {
		return nil, contracts.ErrAdmissionDenied
	}
	if s.total >= s.cfg.GlobalConcurrency {
		return nil, contracts.ErrAdmissionDenied
	}
	if quota, ok := s.cfg.ClassQuota[class]; ok && s.inflight[class] >= quota {
		return nil, contracts.ErrAdmissionDenied
	}

	s.total++
	s.inflight[class]++
	return &Token{release: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.total--
		s.inflight[class]--
	}}, nil
}

// AttentionLow implements the attention allocator's watcher: Background is
// shed first; if availability is already near zero Normal sheds too.
func (s *Scheduler) AttentionLow(w contracts.WorldLineID, available float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shedding[ClassBackground] = true
	if available <= 0 {
		s.shedding[ClassNormal] = true
	}
}

// AttentionRecovered clears shedding once budgets recover.
func (s *Scheduler) AttentionRecovered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shedding, ClassBackground)
	delete(s.shedding, ClassNormal)
}

// Drain refuses new admissions; outstanding tokens finish normally.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
}

// Inflight reports the outstanding token count.
func (s *Scheduler) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
