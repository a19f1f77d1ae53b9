// Package config provides configuration management for solace.
package config

import (
	_ "embed"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var defaultProfilesYAML []byte

// Profile is a named preset of session-timing values. The conversation-page
// variants of the original product (2, 5, and 15 minute idle timeouts with
// differing engagement thresholds) are represented as presets instead of
// duplicated code paths.
type Profile struct {
	IdleTimeoutMinutes  int `yaml:"idle_timeout_minutes"`
	MaxDurationMinutes  int `yaml:"max_duration_minutes"`
	MinUserMessages     int `yaml:"min_user_messages"`
	PollAttempts        int `yaml:"poll_attempts"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// profileFile is the top-level YAML structure.
type profileFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// LoadProfiles returns the embedded presets merged with any overrides from
// the data-dir profiles.yaml. A missing override file is not an error.
func LoadProfiles() (map[string]Profile, error) {
	var base profileFile
	if err := yaml.Unmarshal(defaultProfilesYAML, &base); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(ProfilesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return base.Profiles, nil
		}
		return nil, err
	}

	var override profileFile
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, err
	}
	for name, p := range override.Profiles {
		base.Profiles[name] = p
	}
	return base.Profiles, nil
}

// lookupProfile resolves a preset by name. Unknown names and load failures
// return (zero, false) so Load falls back to plain defaults.
func lookupProfile(name string) (Profile, bool) {
	profiles, err := LoadProfiles()
	if err != nil {
		return Profile{}, false
	}
	p, ok := profiles[name]
	return p, ok
}

// applyTo copies the preset's non-zero values onto the config.
func (p Profile) applyTo(cfg *Config) {
	if p.IdleTimeoutMinutes > 0 {
		cfg.IdleTimeoutMinutes = p.IdleTimeoutMinutes
	}
	if p.MaxDurationMinutes > 0 {
		cfg.MaxDurationMinutes = p.MaxDurationMinutes
	}
	if p.MinUserMessages > 0 {
		cfg.MinUserMessages = p.MinUserMessages
	}
	if p.PollAttempts > 0 {
		cfg.PollAttempts = p.PollAttempts
	}
	if p.PollIntervalSeconds > 0 {
		cfg.PollIntervalSeconds = p.PollIntervalSeconds
	}
}
