package engine

import (
	"net"
	"os"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, rulesYAML string) (*Engine, func()) {
	t.Helper()

	configDir := t.TempDir()

	eng := New(Config{
		Defaults:        []byte(rulesYAML),
		ApprovalTimeout: 1,
	})

	if err := eng.Bind(configDir, configDir); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	go eng.Serve() //nolint:errcheck

	cleanup := func() { eng.Shutdown() }

	return eng, cleanup
}

func dialClient(t *testing.T, eng *Engine) *LineCodec {
	t.Helper()

	conn, err := net.DialTimeout("unix", eng.socketPaths[0], 2*time.Second)
	if err != nil {
		t.Fatalf("dial client endpoint: %v", err)
	}

	t.Cleanup(func() { conn.Close() })

	return NewLineCodec(conn)
}

func dialObserver(t *testing.T, eng *Engine) *LineCodec {
	t.Helper()

	conn, err := net.DialTimeout("unix", eng.socketPaths[1], 2*time.Second)
	if err != nil {
		t.Fatalf("dial observer endpoint: %v", err)
	}

	t.Cleanup(func() { conn.Close() })

	return NewLineCodec(conn)
}

func TestDispatcher_S1_AllowFastPath(t *testing.T) {
	eng, cleanup := newTestEngine(t, "rules:\n  - name: r1\n    commands: [rm]\n    action: deny\n")
	defer cleanup()

	codec := dialClient(t, eng)

	wd, _ := os.Getwd()

	if err := codec.WriteMessage(Request{Type: RequestExecute, Command: "echo allowed", WorkingDir: wd}); err != nil {
		t.Fatal(err)
	}

	var resp ExecuteResponse
	if err := codec.ReadMessage(&resp); err != nil {
		t.Fatal(err)
	}

	if resp.Decision != ActionAllow {
		t.Fatalf("decision = %v, want allow", resp.Decision)
	}

	if !resp.Executed || resp.ExitCode == nil || *resp.ExitCode != 0 {
		t.Fatalf("expected executed with exit 0, got %+v", resp)
	}
}

func TestDispatcher_S2_DenyExplicit(t *testing.T) {
	rules := "rules:\n  - name: no-rm-root\n    commands: [rm]\n    conditions:\n      - type: command_matches\n        pattern: '^rm\\s+-rf\\s+/(\\s|$)'\n    action: deny\n    message: \"Refusing to remove /.\"\n"

	eng, cleanup := newTestEngine(t, rules)
	defer cleanup()

	codec := dialClient(t, eng)

	if err := codec.WriteMessage(Request{Type: RequestExecute, Command: "rm -rf /", WorkingDir: "/tmp"}); err != nil {
		t.Fatal(err)
	}

	var resp ExecuteResponse
	if err := codec.ReadMessage(&resp); err != nil {
		t.Fatal(err)
	}

	if resp.Decision != ActionDeny || resp.Rule == nil || *resp.Rule != "no-rm-root" {
		t.Fatalf("got %+v, want deny/no-rm-root", resp)
	}

	if resp.Executed {
		t.Fatal("expected executed = false for a denied command")
	}

	if resp.Message == nil || *resp.Message != "Refusing to remove /." {
		t.Fatalf("message = %v, want rule message", resp.Message)
	}
}

func TestDispatcher_S3_Redirect(t *testing.T) {
	rules := "rules:\n  - name: rm-to-trash\n    commands: [rm]\n    action: redirect\n    redirect_to: \"echo trash $ARGS\"\n"

	eng, cleanup := newTestEngine(t, rules)
	defer cleanup()

	codec := dialClient(t, eng)

	wd, _ := os.Getwd()

	if err := codec.WriteMessage(Request{Type: RequestExecute, Command: "rm foo.txt", WorkingDir: wd}); err != nil {
		t.Fatal(err)
	}

	var resp ExecuteResponse
	if err := codec.ReadMessage(&resp); err != nil {
		t.Fatal(err)
	}

	if resp.Decision != ActionRedirect || !resp.Executed {
		t.Fatalf("got %+v, want redirect/executed", resp)
	}
}

func TestDispatcher_S4_ApprovalApproved(t *testing.T) {
	rules := "rules:\n  - name: force-push\n    commands: [git]\n    conditions:\n      - type: command_matches\n        pattern: '^git\\s+push\\s+--force'\n    action: require_approval\n"

	eng, cleanup := newTestEngine(t, rules)
	defer cleanup()

	observer := dialObserver(t, eng)

	// Give the observer's subscription goroutine time to register before
	// the client request is published, so the approval_needed event below
	// isn't missed by a subscription that hasn't attached yet.
	time.Sleep(20 * time.Millisecond)

	client := dialClient(t, eng)

	wd, _ := os.Getwd()

	if err := client.WriteMessage(Request{Type: RequestExecute, Command: "git push --force origin main", WorkingDir: wd}); err != nil {
		t.Fatal(err)
	}

	var wireEvent WireEvent

	var approvalID string

	for i := 0; i < 10; i++ {
		if err := observer.ReadMessage(&wireEvent); err != nil {
			t.Fatal(err)
		}

		if wireEvent.Event == EventApprovalNeeded {
			approvalID, _ = wireEvent.Payload["approval_id"].(string)

			break
		}
	}

	if approvalID == "" {
		t.Fatal("never observed approval_needed event")
	}

	if err := observer.WriteMessage(Request{Type: RequestApprove, ApprovalID: approvalID}); err != nil {
		t.Fatal(err)
	}

	var resp ExecuteResponse
	if err := client.ReadMessage(&resp); err != nil {
		t.Fatal(err)
	}

	if resp.Decision != ActionRequireApproval || resp.ApprovalOutcome == nil || *resp.ApprovalOutcome != "approved" {
		t.Fatalf("got %+v, want require_approval/approved", resp)
	}

	if !resp.Executed {
		t.Fatal("expected execution to proceed after approval")
	}
}

func TestDispatcher_S5_ApprovalTimeout(t *testing.T) {
	rules := "rules:\n  - name: force-push\n    commands: [git]\n    conditions:\n      - type: command_matches\n        pattern: '^git\\s+push\\s+--force'\n    action: require_approval\n"

	eng, cleanup := newTestEngine(t, rules)
	defer cleanup()

	client := dialClient(t, eng)

	if err := client.WriteMessage(Request{Type: RequestExecute, Command: "git push --force origin main", WorkingDir: "/tmp"}); err != nil {
		t.Fatal(err)
	}

	var resp ExecuteResponse
	if err := client.ReadMessage(&resp); err != nil {
		t.Fatal(err)
	}

	if resp.ApprovalOutcome == nil || *resp.ApprovalOutcome != "timeout" {
		t.Fatalf("got %+v, want approval_outcome=timeout", resp)
	}

	if resp.Executed {
		t.Fatal("expected executed = false after timeout")
	}
}

func TestDispatcher_S6_SingleFlightApproval(t *testing.T) {
	rules := "rules:\n  - name: force-push\n    commands: [git]\n    conditions:\n      - type: command_matches\n        pattern: '^git\\s+push\\s+--force'\n    action: require_approval\n"

	eng, cleanup := newTestEngine(t, rules)
	defer cleanup()

	observer := dialObserver(t, eng)

	time.Sleep(20 * time.Millisecond)

	wd, _ := os.Getwd()

	clientA := dialClient(t, eng)
	clientB := dialClient(t, eng)

	req := Request{Type: RequestExecute, Command: "git push --force origin main", WorkingDir: wd}

	if err := clientA.WriteMessage(req); err != nil {
		t.Fatal(err)
	}

	if err := clientB.WriteMessage(req); err != nil {
		t.Fatal(err)
	}

	var approvalIDs []string

	for i := 0; i < 20 && len(approvalIDs) < 1; i++ {
		var wireEvent WireEvent
		if err := observer.ReadMessage(&wireEvent); err != nil {
			t.Fatal(err)
		}

		if wireEvent.Event == EventApprovalNeeded {
			id, _ := wireEvent.Payload["approval_id"].(string)
			approvalIDs = append(approvalIDs, id)
		}
	}

	if len(approvalIDs) != 1 {
		t.Fatalf("expected exactly one approval_needed event for two identical in-flight requests, got %d", len(approvalIDs))
	}

	if err := observer.WriteMessage(Request{Type: RequestApprove, ApprovalID: approvalIDs[0]}); err != nil {
		t.Fatal(err)
	}

	var respA, respB ExecuteResponse

	if err := clientA.ReadMessage(&respA); err != nil {
		t.Fatal(err)
	}

	if err := clientB.ReadMessage(&respB); err != nil {
		t.Fatal(err)
	}

	for _, resp := range []ExecuteResponse{respA, respB} {
		if resp.ApprovalOutcome == nil || *resp.ApprovalOutcome != "approved" {
			t.Fatalf("got %+v, want approval_outcome=approved", resp)
		}

		if !resp.Executed {
			t.Fatal("expected both requests to execute after the shared approval")
		}
	}
}

func TestDispatcher_Status(t *testing.T) {
	eng, cleanup := newTestEngine(t, "")
	defer cleanup()

	codec := dialClient(t, eng)

	if err := codec.WriteMessage(Request{Type: RequestStatus}); err != nil {
		t.Fatal(err)
	}

	var resp StatusResponse
	if err := codec.ReadMessage(&resp); err != nil {
		t.Fatal(err)
	}
}

func TestEngine_SocketPermissions(t *testing.T) {
	eng, cleanup := newTestEngine(t, "")
	defer cleanup()

	for _, p := range eng.socketPaths {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}

		if info.Mode().Perm() != 0o600 {
			t.Fatalf("%s permissions = %v, want 0600", p, info.Mode().Perm())
		}
	}
}

func TestDispatcher_ConnectionCapIsPositive(t *testing.T) {
	// Sanity check only: MaxClientConnections is a soft cap checked per
	// accepted connection, not exercised at full scale here.
	if MaxClientConnections <= 0 {
		t.Fatal("MaxClientConnections must be positive")
	}
}
