package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigBaseDir returns the directory under which the daemon's sockets, PID
// file, and operational/policy config live. Both safeshelld and safeshell
// must resolve this identically — a daemon and a client that disagree here
// dial different sockets and the client reports a false "cannot reach
// daemon." Honors XDG_CONFIG_HOME via the caller-supplied env map rather
// than os.Getenv, so tests can override it without touching process-global
// state.
func ConfigBaseDir(env map[string]string) (string, error) {
	// SAFESHELL_CONFIG_DIR is the documented override for the endpoint
	// directory, meant for tests that don't want to touch a real home
	// directory or XDG_CONFIG_HOME (§6.5).
	if dir, ok := env["SAFESHELL_CONFIG_DIR"]; ok && dir != "" {
		return dir, nil
	}

	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "safeshell"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, ".config", "safeshell"), nil
}

// ClientSocketPath returns the path safeshell dials and safeshelld binds
// for the client endpoint, derived from ConfigBaseDir.
func ClientSocketPath(env map[string]string) (string, error) {
	base, err := ConfigBaseDir(env)
	if err != nil {
		return "", err
	}

	return filepath.Join(base, "client.sock"), nil
}
