package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/be-wise-be-kind/safeshell/engine"
)

const (
	daemonExecutableName = "safeshelld"

	// exitCodeSIGINT is the exit code when the process is interrupted (128 + 2).
	exitCodeSIGINT = 130

	// drainTimeout bounds how long shutdown waits for in-flight connections
	// and subprocesses before a second signal forces an immediate exit.
	drainTimeout = 10 * time.Second
)

// Run is the daemon's entry point, isolated from global state (stdin,
// stdout, stderr, env, signals) the way the sandbox CLI isolates its own
// Run. Returns the process exit code. sigCh may be nil in tests.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet(daemonExecutableName, flag.ContinueOnError)
	flags.SetOutput(&strings.Builder{})
	flags.Usage = func() {}

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagConfig := flags.StringP("config", "c", "", "Use specified operational config file")
	flagDebug := flags.Bool("debug", false, "Print daemon startup details to stderr")
	flagEagerDir := flags.StringP("cwd", "C", "", "Directory to use for the eager initial rule load")

	if err := flags.Parse(args[1:]); err != nil {
		fprintError(stderr, err)

		return 1
	}

	if *flagHelp {
		printUsage(stdout)

		return 0
	}

	cfg, err := loadDaemonConfig(env, *flagConfig)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	if *flagDebug {
		cfg.Debug = true
	}

	var debug *DebugLogger
	if cfg.Debug {
		debug = NewDebugLogger(stderr)
	}

	eagerDir := *flagEagerDir
	if eagerDir == "" {
		eagerDir = cfg.ConfigDir
	}

	debug.Section("startup")
	debug.ConfigValue("config_dir", cfg.ConfigDir, "resolved")
	debug.ConfigValue("global_rules_path", cfg.GlobalRulesPath, "resolved")
	debug.ConfigValue("repo_rules_file", cfg.RepoRulesFile, "resolved")
	debug.Bulletf("approval timeout: %s", approvalTimeoutDescription(cfg.ApprovalTimeout))
	debug.Bulletf("eager rule load directory: %s", eagerDir)

	eng := engine.New(engine.Config{
		Defaults:        engine.DefaultRules,
		GlobalRulesPath: cfg.GlobalRulesPath,
		RepoRulesFile:   cfg.RepoRulesFile,
		ApprovalTimeout: cfg.ApprovalTimeout,
	})

	if err := eng.Bind(cfg.ConfigDir, eagerDir); err != nil {
		fprintError(stderr, fmt.Errorf("binding endpoints: %w", err))

		return 1
	}

	debug.Logf("listening under %s", cfg.ConfigDir)

	done := make(chan error, 1)

	go func() {
		done <- eng.Serve()
	}()

	if sigCh == nil {
		err := <-done
		if err != nil {
			fprintError(stderr, err)

			return 1
		}

		return 0
	}

	select {
	case err := <-done:
		if err != nil {
			fprintError(stderr, err)

			return 1
		}

		return 0

	case <-sigCh:
		fprintln(stderr, "Shutting down, waiting up to 10s for in-flight work... (Ctrl+C again to force exit)")

		shutdownDone := make(chan struct{})

		go func() {
			eng.Shutdown()
			close(shutdownDone)
		}()

		select {
		case <-shutdownDone:
			fprintln(stderr, "Shutdown complete.")

			return 0

		case <-time.After(drainTimeout):
			fprintln(stderr, "Shutdown timed out, forced exit.")

			return exitCodeSIGINT

		case <-sigCh:
			fprintln(stderr, "Forced exit.")

			return exitCodeSIGINT
		}
	}
}

const usageHelp = `safeshelld - cooperative shell command policy daemon

Usage: safeshelld [flags]

Flags:
  -h, --help             Show help
  -c, --config <file>    Use specified operational config file
  -C, --cwd <dir>        Directory to use for the eager initial rule load
      --debug            Print daemon startup details to stderr
`

func printUsage(out io.Writer) {
	fprintln(out, usageHelp)
}

func fprintln(out io.Writer, a ...any) {
	_, _ = fmt.Fprintln(out, a...)
}

func fprintError(out io.Writer, err error) {
	fprintln(out, "safeshelld: error:", err)
}

// approvalTimeoutDescription reports the approval wait deadline that will
// actually be used, including the fallback to engine.DefaultApprovalTimeout
// when the operational config leaves it at its zero value.
func approvalTimeoutDescription(seconds int64) string {
	if seconds <= 0 {
		return fmt.Sprintf("%s (default)", engine.DefaultApprovalTimeout)
	}

	return (time.Duration(seconds) * time.Second).String()
}
