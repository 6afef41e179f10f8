package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// gitTTL is the design-point cache lifetime for git lookups (§4.3).
const gitTTL = 10 * time.Second

// gitResult is a cached (in_repo, branch) pair. A failed/negative lookup
// (not a repo, or detached HEAD) is represented positively, never as an
// error, and is cached exactly like a successful one.
type gitResult struct {
	inRepo   bool
	branch   string // empty when detached or not in a repo
	resolved time.Time
}

// GitCache memoizes branch/repo lookups per canonicalized working directory
// for gitTTL, so the evaluator's hot path never waits on repeated
// filesystem walks. Resolution reads git's own on-disk metadata (HEAD,
// refs, the worktree .git file) directly rather than spawning a `git`
// subprocess; this is faster and just as correct for the fields this engine
// needs (current branch, in-repo), and is the one documented place the
// bounded-lookup policy in §4.3/§5 is allowed to touch the filesystem.
type GitCache struct {
	mu      sync.Mutex
	entries map[string]gitResult
}

// NewGitCache constructs an empty GitCache.
func NewGitCache() *GitCache {
	return &GitCache{entries: make(map[string]gitResult)}
}

// Lookup returns (inRepo, branch) for workingDir, using a cached result if
// it is younger than gitTTL. branch is empty when inRepo is false or HEAD
// is detached.
func (c *GitCache) Lookup(workingDir string) (inRepo bool, branch string) {
	key, err := canonicalDir(workingDir)
	if err != nil {
		return false, ""
	}

	c.mu.Lock()
	cached, ok := c.entries[key]
	c.mu.Unlock()

	if ok && time.Since(cached.resolved) < gitTTL {
		return cached.inRepo, cached.branch
	}

	result := resolveGitState(key)

	c.mu.Lock()
	c.entries[key] = result
	c.mu.Unlock()

	return result.inRepo, result.branch
}

func canonicalDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Not found, permission denied, etc: treat like "not a repo" rather
		// than propagating an error out of a cache that never errors.
		return abs, nil
	}

	return resolved, nil
}

func resolveGitState(workingDir string) gitResult {
	gitDir, err := discoverGitDir(workingDir)
	if err != nil || gitDir == "" {
		return gitResult{inRepo: false, resolved: time.Now()}
	}

	branch, detached, err := gitHeadBranch(gitDir)
	if err != nil {
		return gitResult{inRepo: true, resolved: time.Now()}
	}

	if detached {
		return gitResult{inRepo: true, resolved: time.Now()}
	}

	return gitResult{inRepo: true, branch: branch, resolved: time.Now()}
}

// discoverGitDir finds the effective .git directory for workingDir,
// supporting both plain repositories (a .git directory) and worktrees (a
// .git file containing "gitdir: <path>"). Unlike a full repo search, this
// only looks at workingDir itself: CommandContext.WorkingDir is the
// caller's cwd, and the spec ties git_branch/in_git_repo to that directory,
// not to a repo discovered by walking upward.
func discoverGitDir(workingDir string) (string, error) {
	gitPath := filepath.Join(workingDir, ".git")

	info, err := os.Lstat(gitPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}

		return "", fmt.Errorf("stat git path %q: %w", gitPath, err)
	}

	if info.IsDir() {
		return gitPath, nil
	}

	data, err := os.ReadFile(gitPath)
	if err != nil {
		return "", fmt.Errorf("read git file %q: %w", gitPath, err)
	}

	line := strings.TrimSpace(string(data))

	const prefix = "gitdir:"

	if !strings.HasPrefix(strings.ToLower(line), prefix) {
		return "", nil
	}

	gitDirPath := strings.TrimSpace(line[len(prefix):])
	if gitDirPath == "" {
		return "", nil
	}

	if !filepath.IsAbs(gitDirPath) {
		gitDirPath = filepath.Join(workingDir, gitDirPath)
	}

	gitDirPath = filepath.Clean(gitDirPath)

	info, err = os.Stat(gitDirPath)
	if err != nil || !info.IsDir() {
		return "", nil
	}

	return gitDirPath, nil
}

// gitHeadBranch reads .git/HEAD and returns the current branch name, or
// detached=true if HEAD does not point at a branch ref.
func gitHeadBranch(gitDir string) (branch string, detached bool, err error) {
	headPath := filepath.Join(gitDir, "HEAD")

	head, err := os.ReadFile(headPath)
	if err != nil {
		return "", false, fmt.Errorf("read git HEAD %q: %w", headPath, err)
	}

	line := strings.TrimSpace(string(head))
	if line == "" {
		return "", false, fmt.Errorf("git HEAD %q is empty", headPath)
	}

	const refPrefix = "ref: "
	if !strings.HasPrefix(line, refPrefix) {
		return "", true, nil
	}

	ref := strings.TrimSpace(line[len(refPrefix):])

	const headsPrefix = "refs/heads/"

	after, ok := strings.CutPrefix(ref, headsPrefix)
	if !ok || after == "" {
		return "", true, nil
	}

	return after, false, nil
}
