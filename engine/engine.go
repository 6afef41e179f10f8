package engine

import (
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config bundles the pieces needed to construct an Engine: where the
// policy layers live on disk and how long an approval may wait before
// timing out. The endpoint socket directory is passed to Bind instead.
type Config struct {
	// ConfigDir names the directory holding the endpoint sockets and PID
	// file (§6.4), e.g. ~/.config/safeshell. New does not read it; the
	// sockets are created in the directory given to Bind.
	ConfigDir string

	// Defaults is the compiled-in default rule layer.
	Defaults []byte

	// GlobalRulesPath is the optional user-wide rule file.
	GlobalRulesPath string

	// RepoRulesFile is the file name looked for under a request's
	// working_dir for the repo layer, e.g. ".safeshell.yaml".
	RepoRulesFile string

	// ApprovalTimeout overrides DefaultApprovalTimeout when positive.
	ApprovalTimeout int64 // seconds

	Logger *log.Logger
}

// Engine bundles the long-lived components named in §2 of the design: the
// rule cache, git cache, approval coordinator, event bus and dispatcher.
// It is constructed once per process and passed explicitly into whatever
// serves the endpoints; there are no ambient singletons beyond the event
// bus's own subscriber table.
type Engine struct {
	Rules     *RuleCache
	Git       *GitCache
	Approvals *ApprovalCoordinator
	Events    *EventBus
	Executor  *Executor
	Dispatch  *Dispatcher

	clientListener   net.Listener
	observerListener net.Listener
	socketPaths      []string
	pidFile          string
}

// New constructs an Engine from cfg but does not bind any endpoint or load
// any rules yet; call Bind and then Serve for that.
func New(cfg Config) *Engine {
	source := &FileRuleSource{
		Defaults:   cfg.Defaults,
		GlobalPath: cfg.GlobalRulesPath,
		RepoFile:   cfg.RepoRulesFile,
	}

	approvals := NewApprovalCoordinator()
	if cfg.ApprovalTimeout > 0 {
		approvals.Timeout = secondsToDuration(cfg.ApprovalTimeout)
	}

	events := NewEventBus()

	approvals.OnRequest(func(p PendingApproval) {
		events.Publish(Event{
			Kind:        EventApprovalNeeded,
			Fingerprint: p.Fingerprint,
			Command:     p.Command,
			RuleName:    p.RuleName,
			Message:     p.Reason,
			ApprovalID:  p.ID,
		})
	})

	e := &Engine{
		Rules:     NewRuleCache(source),
		Git:       NewGitCache(),
		Approvals: approvals,
		Events:    events,
		Executor:  &Executor{},
	}

	e.Dispatch = NewDispatcher(e.Rules, e.Git, e.Approvals, e.Events, e.Executor, cfg.Logger)

	return e
}

func secondsToDuration(seconds int64) (d time.Duration) {
	return time.Duration(seconds) * time.Second
}

// Bind creates the two endpoint sockets under configDir with 0600
// permissions (§5, §6.1, §6.2) and a PID file. It loads the rule cache
// eagerly for eagerLoadDir so the first request from that directory does
// not pay a cold-load cost.
func (e *Engine) Bind(configDir string, eagerLoadDir string) error {
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return err
	}

	clientPath := filepath.Join(configDir, "client.sock")
	observerPath := filepath.Join(configDir, "observer.sock")

	clientLn, err := bindUnixSocket(clientPath)
	if err != nil {
		return err
	}

	observerLn, err := bindUnixSocket(observerPath)
	if err != nil {
		_ = clientLn.Close()

		return err
	}

	e.clientListener = clientLn
	e.observerListener = observerLn
	e.socketPaths = []string{clientPath, observerPath}
	e.pidFile = filepath.Join(configDir, "engine.pid")

	if _, err := e.Rules.Acquire(eagerLoadDir); err != nil {
		e.Dispatch.Logger.Printf("initial rule load failed: %v", err)
	}

	return writePIDFile(e.pidFile)
}

func bindUnixSocket(path string) (net.Listener, error) {
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()

		return nil, err
	}

	return ln, nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// Serve runs both endpoint accept loops until Shutdown is called, blocking
// the caller. It returns the first non-nil error from either loop, if any,
// once both have stopped (the error channel has capacity 2 so neither
// accept loop can leak waiting for a reader that never arrives).
func (e *Engine) Serve() error {
	errCh := make(chan error, 2)

	go func() { errCh <- e.Dispatch.ServeClient(e.clientListener) }()
	go func() { errCh <- e.Dispatch.ServeObserver(e.observerListener) }()

	var firstErr error

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Shutdown drains the dispatcher, resolves all pending approvals as
// declined with "shutdown", closes both sockets, and removes the socket
// and PID files (§5 lifecycle step d).
func (e *Engine) Shutdown() {
	e.Dispatch.BeginDrain()

	if e.clientListener != nil {
		_ = e.clientListener.Close()
	}

	if e.observerListener != nil {
		_ = e.observerListener.Close()
	}

	e.Dispatch.Shutdown()

	for _, p := range e.socketPaths {
		_ = os.Remove(p)
	}

	if e.pidFile != "" {
		_ = os.Remove(e.pidFile)
	}
}
