package engine

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
)

// RuleSource resolves the three byte blobs the loader consumes for a given
// working directory, plus a content signature used to detect changes
// without rereading on every request. Production use is FileRuleSource;
// tests can substitute an in-memory source.
type RuleSource interface {
	// Load returns the defaults/global/repo blobs for workingDir.
	Load(workingDir string) (LoadInputs, error)
	// Signature returns a cheap, comparable snapshot (e.g. mtimes) that
	// changes whenever Load would return different bytes. Called far more
	// often than Load.
	Signature(workingDir string) (cacheSignature, error)
}

// cacheSignature is an opaque, comparable fingerprint of the on-disk state
// backing a RuleSource at a moment in time.
type cacheSignature struct {
	globalMtime int64
	globalSize  int64
	repoMtime   int64
	repoSize    int64
	repoPath    string
}

// FileRuleSource reads the global layer from a fixed path and the repo
// layer from a conventional path under the working directory.
type FileRuleSource struct {
	Defaults   []byte
	GlobalPath string
	RepoFile   string // file name to look for under workingDir, e.g. ".safeshell.yaml"
}

func (s *FileRuleSource) Load(workingDir string) (LoadInputs, error) {
	inputs := LoadInputs{Defaults: s.Defaults}

	global, err := readIfExists(s.GlobalPath)
	if err != nil {
		return LoadInputs{}, err
	}

	inputs.Global = global

	repoPath := s.repoPath(workingDir)

	repo, err := readIfExists(repoPath)
	if err != nil {
		return LoadInputs{}, err
	}

	inputs.Repo = repo

	return inputs, nil
}

func (s *FileRuleSource) Signature(workingDir string) (cacheSignature, error) {
	var sig cacheSignature

	if s.GlobalPath != "" {
		if info, err := os.Stat(s.GlobalPath); err == nil {
			sig.globalMtime = info.ModTime().UnixNano()
			sig.globalSize = info.Size()
		}
	}

	repoPath := s.repoPath(workingDir)
	sig.repoPath = repoPath

	if info, err := os.Stat(repoPath); err == nil {
		sig.repoMtime = info.ModTime().UnixNano()
		sig.repoSize = info.Size()
	}

	return sig, nil
}

func (s *FileRuleSource) repoPath(workingDir string) string {
	if s.RepoFile == "" {
		return ""
	}

	return filepath.Join(workingDir, s.RepoFile)
}

func readIfExists(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	return data, nil
}

// entryState is one working directory's cached build.
type entryState struct {
	mu        sync.Mutex
	sig       cacheSignature
	ruleSet   *RuleSet
	loading   chan struct{} // non-nil while a rebuild is in flight
	loadErr   error
	hasResult bool
}

// RuleCache memoizes RuleSet construction per working directory, rebuilding
// only when the backing source's Signature changes, and coalescing
// concurrent rebuilds for the same directory into a single Load call
// (§4.2, §9 "Rule-cache single-flight").
type RuleCache struct {
	source RuleSource

	mu      sync.Mutex
	entries map[string]*entryState
}

// NewRuleCache constructs a RuleCache reading from source.
func NewRuleCache(source RuleSource) *RuleCache {
	return &RuleCache{
		source:  source,
		entries: make(map[string]*entryState),
	}
}

// Acquire returns the active RuleSet for workingDir, rebuilding it if the
// source signature changed since the last successful build. On rebuild
// failure, the most recent successfully built RuleSet is retained and
// returned to callers other than the one that triggered the rebuild; the
// triggering caller receives the error.
func (c *RuleCache) Acquire(workingDir string) (*RuleSet, error) {
	entry := c.entryFor(workingDir)

	sig, err := c.source.Signature(workingDir)
	if err != nil {
		entry.mu.Lock()
		cached := entry.ruleSet
		hasResult := entry.hasResult
		entry.mu.Unlock()

		if hasResult {
			return cached, nil
		}

		return nil, err
	}

	entry.mu.Lock()

	if entry.hasResult && entry.sig == sig {
		rs := entry.ruleSet
		entry.mu.Unlock()

		return rs, nil
	}

	if entry.loading != nil {
		// Another goroutine is already rebuilding for this signature; wait
		// for it rather than racing a duplicate Load.
		ch := entry.loading
		entry.mu.Unlock()
		<-ch

		entry.mu.Lock()
		rs, loadErr, hasResult := entry.ruleSet, entry.loadErr, entry.hasResult
		entry.mu.Unlock()

		if loadErr != nil && hasResult {
			// A concurrent rebuild failed; waiters see the last-good set,
			// not the error (only the triggering goroutine sees it).
			return rs, nil
		}

		return rs, loadErr
	}

	ch := make(chan struct{})
	entry.loading = ch
	entry.mu.Unlock()

	rs, buildErr := c.build(workingDir)

	entry.mu.Lock()

	if buildErr != nil {
		entry.loadErr = buildErr
	} else {
		entry.ruleSet = rs
		entry.sig = sig
		entry.loadErr = nil
		entry.hasResult = true
	}

	entry.loading = nil

	lastGood := entry.ruleSet
	entry.mu.Unlock()

	close(ch)

	if buildErr != nil {
		return lastGood, buildErr
	}

	return rs, nil
}

func (c *RuleCache) build(workingDir string) (*RuleSet, error) {
	inputs, err := c.source.Load(workingDir)
	if err != nil {
		return nil, err
	}

	return Load(inputs)
}

func (c *RuleCache) entryFor(workingDir string) *entryState {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[workingDir]
	if !ok {
		e = &entryState{}
		c.entries[workingDir] = e
	}

	return e
}

// contentHash returns a short, comparable digest of a blob without going
// through the full RuleSet.Fingerprint machinery. Nothing in the package
// calls it at present.
func contentHash(data []byte) [32]byte {
	return sha256.Sum256(data)
}
