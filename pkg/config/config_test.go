package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.StorageBackend)
	assert.Equal(t, 500*time.Millisecond, cfg.PresenceSignalWindow)
	assert.Equal(t, 10*time.Minute, cfg.RecoveryDeadline)
	assert.Equal(t, 50.0, cfg.AttentionLowThreshold)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "memory")
	t.Setenv("POLICY_TIMEOUT", "5s")
	t.Setenv("ATTENTION_LOW_THRESHOLD", "12.5")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg := Load()
	assert.Equal(t, "memory", cfg.StorageBackend)
	assert.Equal(t, 5*time.Second, cfg.PolicyTimeout)
	assert.Equal(t, 12.5, cfg.AttentionLowThreshold)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("POLICY_TIMEOUT", "not-a-duration")
	cfg := Load()
	assert.Equal(t, 2*time.Second, cfg.PolicyTimeout)
}

const profileYAML = `
profiles:
  - profile: HUMAN_LIKE
    meaning_threshold: 0.4
    attention_capacity: 1500
  - profile: FINANCIAL
    meaning_threshold: 0.8
    readiness_threshold: 0.5
`

func TestLoadProfiles(t *testing.T) {
	set, err := LoadProfiles(strings.NewReader(profileYAML))
	require.NoError(t, err)

	human, ok := set.Tuning(contracts.ProfileHumanLike)
	require.True(t, ok)
	assert.Equal(t, 0.4, human.MeaningThreshold)
	assert.Equal(t, 1500.0, human.AttentionCapacity)

	_, ok = set.Tuning(contracts.ProfileWorldlike)
	assert.False(t, ok)
}

func TestLoadProfilesRejectsUnknownProfile(t *testing.T) {
	_, err := LoadProfiles(strings.NewReader("profiles:\n  - profile: ALIEN\n"))
	assert.Error(t, err)
}

func TestLoadProfilesRejectsBadThreshold(t *testing.T) {
	_, err := LoadProfiles(strings.NewReader("profiles:\n  - profile: HUMAN_LIKE\n    meaning_threshold: 1.4\n"))
	assert.Error(t, err)
}
