// Package engine implements the policy/execution core: rule loading,
// matching, subprocess execution, approval coordination, and the event
// stream tying them together.
package engine

import (
	"hash/fnv"
	"strings"
)

// ExecutionContext identifies whether a request originated from a human
// typing at a shell or from an AI coding agent.
type ExecutionContext string

const (
	// ExecutionContextHuman marks a request issued directly by a human.
	ExecutionContextHuman ExecutionContext = "human"
	// ExecutionContextAI marks a request issued on behalf of an AI agent.
	ExecutionContextAI ExecutionContext = "ai"
)

// CommandContext is the immutable value evaluated against a RuleSet. It is
// built once per request and never mutated; git_branch/in_git_repo are
// resolved lazily by the caller (via the git cache) before evaluation.
type CommandContext struct {
	// Command is the full command string, including arguments.
	Command string
	// Executable is the first whitespace-delimited token, after stripping
	// redirections and leading variable-assignment prefixes (FOO=bar cmd).
	Executable string
	// Args are the remaining tokens after Executable.
	Args []string
	// WorkingDir is the absolute path of the caller's working directory.
	WorkingDir string
	// Environment is a filtered snapshot of the caller's environment,
	// restricted to an allow-list (see FilterEnvironment).
	Environment map[string]string
	// ExecutionContext identifies the calling party.
	ExecutionContext ExecutionContext

	// GitBranch is the current branch name, or nil if not yet resolved or
	// not applicable (not a git repository).
	GitBranch *string
	// InGitRepo reports whether WorkingDir is inside a git repository, or
	// nil if not yet resolved.
	InGitRepo *bool
}

// NewCommandContext parses a raw command string into a CommandContext. The
// executable is the first token after stripping simple redirection and
// VAR=value prefixes; args are whatever tokens remain.
func NewCommandContext(command, workingDir string, env map[string]string, execCtx ExecutionContext) CommandContext {
	executable, args := splitExecutable(command)

	return CommandContext{
		Command:          command,
		Executable:       executable,
		Args:             args,
		WorkingDir:       workingDir,
		Environment:      FilterEnvironment(env),
		ExecutionContext: execCtx,
	}
}

// splitExecutable extracts the first command token, skipping leading
// VAR=value assignment prefixes (e.g. "FOO=bar rm -rf x" -> "rm") and
// leading redirections (e.g. "2>/dev/null rm x" or "> out ls" -> "rm", "ls").
// Redirection tokens are not themselves candidates for the executable name.
func splitExecutable(command string) (string, []string) {
	fields := strings.Fields(command)

	i := 0
	for i < len(fields) {
		tok := fields[i]
		if isAssignment(tok) {
			i++
			continue
		}

		// A redirection is an optional fd number followed by '<' or '>'.
		rest := strings.TrimLeft(tok, "0123456789")
		if rest == "" || (rest[0] != '<' && rest[0] != '>') {
			break
		}

		i++
		if strings.TrimLeft(rest, "<>&") == "" {
			i++ // bare operator such as "> out": skip its target too
		}
	}

	if i >= len(fields) {
		return "", nil
	}

	return fields[i], fields[i+1:]
}

func isAssignment(token string) bool {
	eq := strings.IndexByte(token, '=')
	if eq <= 0 {
		return false
	}

	name := token[:eq]
	for i, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}

		if i > 0 && r >= '0' && r <= '9' {
			continue
		}

		return false
	}

	return true
}

// EnvironmentAllowList is the set of environment variables a CommandContext
// retains. Kept short and deliberate: environment is attached to every
// request and rule, so unconstrained growth here is a real cost, not a
// hypothetical one.
var EnvironmentAllowList = []string{
	"PATH", "HOME", "SHELL", "USER", "LANG", "LC_ALL", "PWD", "TERM",
	"CI", "SAFESHELL_AI_AGENT", "VIRTUAL_ENV", "PYENV_VERSION",
}

// FilterEnvironment returns the subset of env restricted to
// EnvironmentAllowList.
func FilterEnvironment(env map[string]string) map[string]string {
	out := make(map[string]string, len(EnvironmentAllowList))

	for _, key := range EnvironmentAllowList {
		if v, ok := env[key]; ok {
			out[key] = v
		}
	}

	return out
}

// Fingerprint computes the stable 64-bit identity hash over the fields the
// spec designates as identifying: command, working directory, and execution
// context. Two CommandContext values with equal Fingerprint are treated as
// the same logical request for approval single-flight purposes.
func (c CommandContext) Fingerprint() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(c.Command))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(c.WorkingDir))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(c.ExecutionContext))

	return h.Sum64()
}
