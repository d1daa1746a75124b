package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// ProfileTuning overrides kernel thresholds for one entity profile.
type ProfileTuning struct {
	Profile            string  `yaml:"profile"`
	MeaningThreshold   float64 `yaml:"meaning_threshold"`
	AttentionCapacity  float64 `yaml:"attention_capacity"`
	ReadinessThreshold float64 `yaml:"readiness_threshold"`
}

// ProfileSet is a loaded tuning document.
type ProfileSet struct {
	Profiles []ProfileTuning `yaml:"profiles"`
}

// LoadProfiles reads a YAML tuning document.
func LoadProfiles(r io.Reader) (*ProfileSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read profiles: %w", err)
	}
	var set ProfileSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("config: parse profiles: %w", err)
	}
	for _, p := range set.Profiles {
		switch contracts.Profile(p.Profile) {
		case contracts.ProfileHumanLike, contracts.ProfileWorldlike, contracts.ProfileCoordination, contracts.ProfileFinancial:
		default:
			return nil, fmt.Errorf("config: unknown profile %q", p.Profile)
		}
		if p.MeaningThreshold < 0 || p.MeaningThreshold > 1 {
			return nil, fmt.Errorf("config: profile %s meaning_threshold %.2f out of [0,1]", p.Profile, p.MeaningThreshold)
		}
	}
	return &set, nil
}

// LoadProfilesFile reads a YAML tuning document from disk.
func LoadProfilesFile(path string) (*ProfileSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open profiles: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadProfiles(f)
}

// Tuning returns the overrides for a profile, if any.
func (s *ProfileSet) Tuning(p contracts.Profile) (ProfileTuning, bool) {
	for _, t := range s.Profiles {
		if contracts.Profile(t.Profile) == p {
			return t, true
		}
	}
	return ProfileTuning{}, false
}
