// Copyright 2025 Certen Protocol
//
// Committee roster configuration: the static genesis committee (authority
// names, stake, BLS public keys) loaded from a YAML file, used to build the
// aggregator.Committee for each epoch (spec section 4.3, "committee's
// strong quorum"). Grounded on the teacher's pkg/config/anchor_config.go
// YAML loader: same ${VAR}/${VAR:-default} environment-variable
// substitution and custom yaml.Duration unmarshaling idiom, narrowed from
// anchor/contract/database settings down to the committee roster and the
// two checkpoint size caps this core actually reads.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML unmarshaling (e.g. "1s", "500ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// CommitteeMember is one validator's entry in the genesis roster.
type CommitteeMember struct {
	Authority   string `yaml:"authority"`
	Stake       uint64 `yaml:"stake"`
	BLSPublicKeyHex string `yaml:"bls_public_key"` // hex-encoded, uncompressed G2 point
}

// CommitteeFile is the top-level shape of a committee roster YAML file.
type CommitteeFile struct {
	Epoch   uint64             `yaml:"epoch"`
	Members []CommitteeMember  `yaml:"members"`

	ChunkLimits struct {
		MaxTransactions int `yaml:"max_transactions"`
		MaxBytes        int `yaml:"max_bytes"`
	} `yaml:"chunk_limits"`

	AggregatorPollInterval Duration `yaml:"aggregator_poll_interval"`
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

// LoadCommitteeFile loads a committee roster from a YAML file, substituting
// ${VAR_NAME} / ${VAR_NAME:-default} environment variable references first
// (e.g. per-deployment stake overrides without editing the checked-in file).
func LoadCommitteeFile(path string) (*CommitteeFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read committee file %s: %w", path, err)
	}

	expanded := substituteEnvVars(string(data))

	var cfg CommitteeFile
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse committee file %s: %w", path, err)
	}
	if len(cfg.Members) == 0 {
		return nil, fmt.Errorf("committee file %s: no members defined", path)
	}
	return &cfg, nil
}
