package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/be-wise-be-kind/safeshell/engine"
	"github.com/tailscale/hujson"
)

// daemonConfig is the engine's own operational configuration: where its
// sockets live, how long an approval waits, and where its policy layers
// are read from. This is distinct from the YAML rule files the loader
// consumes (§6.3): those are policy, this is process configuration, and
// they are merged and parsed differently on purpose.
type daemonConfig struct {
	ConfigDir       string `json:"config_dir"`
	GlobalRulesPath string `json:"global_rules_path"`
	RepoRulesFile   string `json:"repo_rules_file"`
	ApprovalTimeout int64  `json:"approval_timeout_seconds"`
	Debug           bool   `json:"debug"`
}

func defaultDaemonConfig(env map[string]string) (daemonConfig, error) {
	base, err := engine.ConfigBaseDir(env)
	if err != nil {
		return daemonConfig{}, err
	}

	return daemonConfig{
		ConfigDir:       base,
		GlobalRulesPath: filepath.Join(base, "rules.yaml"),
		RepoRulesFile:   ".safeshell.yaml",
		ApprovalTimeout: 0,
		Debug:           false,
	}, nil
}

// loadDaemonConfig starts from defaults, then merges an optional
// operational config file (JSON or JSONC, via hujson for comment support,
// matching the teacher's config layer) found at configPath or the
// conventional "daemon.jsonc" under the base config dir.
func loadDaemonConfig(env map[string]string, configPathOverride string) (daemonConfig, error) {
	cfg, err := defaultDaemonConfig(env)
	if err != nil {
		return daemonConfig{}, err
	}

	path := configPathOverride
	if path == "" {
		path = filepath.Join(cfg.ConfigDir, "daemon.jsonc")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && configPathOverride == "" {
			return cfg, nil
		}

		return daemonConfig{}, fmt.Errorf("reading daemon config %q: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return daemonConfig{}, fmt.Errorf("parsing daemon config %q: %w", path, err)
	}

	var overrides daemonConfig

	decoder := json.NewDecoder(bytes.NewReader(standardized))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&overrides); err != nil {
		return daemonConfig{}, fmt.Errorf("decoding daemon config %q: %w", path, err)
	}

	applyDaemonConfigOverrides(&cfg, &overrides)

	return cfg, nil
}

func applyDaemonConfigOverrides(cfg, overrides *daemonConfig) {
	if overrides.ConfigDir != "" {
		cfg.ConfigDir = overrides.ConfigDir
	}

	if overrides.GlobalRulesPath != "" {
		cfg.GlobalRulesPath = overrides.GlobalRulesPath
	}

	if overrides.RepoRulesFile != "" {
		cfg.RepoRulesFile = overrides.RepoRulesFile
	}

	if overrides.ApprovalTimeout != 0 {
		cfg.ApprovalTimeout = overrides.ApprovalTimeout
	}

	if overrides.Debug {
		cfg.Debug = true
	}
}
