// Command safeshell is a thin byte-stream client for the safeshelld policy
// daemon: it dials the client endpoint, sends one request, prints exactly
// one response line, and exits. It implements the operational subcommands
// (status, reload, shutdown, approve, deny) that are thin clients of the
// core per the engine's design; it is not the bash shim (that is an
// external, non-Go client) and not the daemon itself.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/be-wise-be-kind/safeshell/engine"
)

const dialTimeout = 2 * time.Second

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr *os.File) int {
	if len(args) < 2 {
		printUsage(stderr)

		return 1
	}

	sockPath, err := engine.ClientSocketPath(envMap(os.Environ()))
	if err != nil {
		fmt.Fprintln(stderr, "safeshell:", err)

		return 1
	}

	switch args[1] {
	case "status":
		return sendSimple(stdout, stderr, sockPath, engine.Request{Type: engine.RequestStatus})

	case "reload":
		workingDir, _ := os.Getwd()

		return sendSimple(stdout, stderr, sockPath, engine.Request{Type: engine.RequestReloadRules, WorkingDir: workingDir})

	case "shutdown":
		return sendSimple(stdout, stderr, sockPath, engine.Request{Type: engine.RequestShutdown})

	case "approve", "deny":
		if len(args) < 3 {
			fmt.Fprintln(stderr, "safeshell:", args[1], "requires an approval id")

			return 1
		}

		reqType := engine.RequestApprove
		if args[1] == "deny" {
			reqType = engine.RequestDeny
		}

		message := ""
		if len(args) > 3 {
			message = args[3]
		}

		return sendSimple(stdout, stderr, sockPath, engine.Request{Type: reqType, ApprovalID: args[2], Message: message})

	default:
		printUsage(stderr)

		return 1
	}
}

func sendSimple(stdout, stderr *os.File, sockPath string, req engine.Request) int {
	conn, err := net.DialTimeout("unix", sockPath, dialTimeout)
	if err != nil {
		fmt.Fprintln(stderr, "safeshell: cannot reach daemon:", err)

		return 1
	}

	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	codec := engine.NewLineCodec(conn)

	if err := codec.WriteMessage(req); err != nil {
		fmt.Fprintln(stderr, "safeshell:", err)

		return 1
	}

	var raw json.RawMessage

	if err := codec.ReadMessage(&raw); err != nil {
		fmt.Fprintln(stderr, "safeshell:", err)

		return 1
	}

	fmt.Fprintln(stdout, string(raw))

	return 0
}

func envMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))

	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	return out
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, `safeshell - admin client for the safeshelld policy daemon

Usage:
  safeshell status
  safeshell reload
  safeshell shutdown
  safeshell approve <approval-id> [message]
  safeshell deny <approval-id> [message]`)
}
