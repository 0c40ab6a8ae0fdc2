package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/flagsweep/flagsweep/internal/domain"
)

// writeScript creates an executable stub agent for subprocess tests
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func testInvoker(t *testing.T, p Provider, timeout time.Duration) *Invoker {
	t.Helper()
	logger := zap.NewNop()
	return NewInvoker(p, timeout, NewProcessRegistry(logger), logger)
}

func TestInvoke_Success(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "working..."
echo "---RESULT---"
echo '{"status":"success","summary":"removed","filesChanged":["x.go"],"testsPass":true,"lintPass":true,"typecheckPass":true}'`)

	inv := testInvoker(t, Provider{
		Name:       "stub",
		Command:    script,
		PromptMode: PromptStdin,
	}, 30*time.Second)

	res, err := inv.Invoke(context.Background(), t.TempDir(), "remove-flag/x", "do it")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusSuccess || res.Summary != "removed" {
		t.Errorf("result = %+v, want success/removed", res.Payload)
	}
}

func TestInvoke_PromptViaArg(t *testing.T) {
	// Echoes its last argument back so the test can verify prompt delivery.
	script := writeScript(t, `for last; do :; done
echo "---RESULT---"
echo "{\"status\":\"refused\",\"summary\":\"$last\"}"`)

	inv := testInvoker(t, Provider{
		Name:       "stub",
		Command:    script,
		PromptMode: PromptArgMode,
	}, 30*time.Second)

	res, err := inv.Invoke(context.Background(), t.TempDir(), "remove-flag/x", "the-prompt")
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary != "the-prompt" {
		t.Errorf("Summary = %q, want the prompt echoed back", res.Summary)
	}
}

func TestInvoke_Timeout(t *testing.T) {
	script := writeScript(t, `sleep 30`)

	inv := testInvoker(t, Provider{
		Name:       "stub",
		Command:    script,
		PromptMode: PromptArgMode,
	}, 300*time.Millisecond)

	_, err := inv.Invoke(context.Background(), t.TempDir(), "remove-flag/x", "p")
	var te *domain.AgentTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want AgentTimeoutError", err)
	}
}

func TestInvoke_SessionIDExtracted(t *testing.T) {
	script := writeScript(t, `echo "session id: 0f6a2f6e-9c1d-4f4c-8a9e-aaaaaaaaaaaa"
echo "---RESULT---"
echo '{"status":"success","summary":"ok"}'`)

	inv := testInvoker(t, Provider{
		Name:           "stub",
		Command:        script,
		PromptMode:     PromptArgMode,
		SessionIDRegex: `session id: ([0-9a-f-]{36})`,
		ResumeTemplate: "cd {workspace} && {command} resume {session}",
	}, 30*time.Second)

	ws := t.TempDir()
	res, err := inv.Invoke(context.Background(), ws, "remove-flag/x", "p")
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "0f6a2f6e-9c1d-4f4c-8a9e-aaaaaaaaaaaa" {
		t.Errorf("SessionID = %q", res.SessionID)
	}
	want := "cd " + ws + " && " + script + " resume 0f6a2f6e-9c1d-4f4c-8a9e-aaaaaaaaaaaa"
	if res.ResumeCommand != want {
		t.Errorf("ResumeCommand = %q, want %q", res.ResumeCommand, want)
	}
}

func TestInvoke_ReformatFallback(t *testing.T) {
	// First call emits prose; the reformat call (stdin contains the marker
	// word "reformat" from ReformatPrompt) emits a valid fenced object.
	script := writeScript(t, `input=$(cat)
case "$input" in
*"Output to reformat"*)
  echo '` + "```json" + `'
  echo '{"status":"success","summary":"recovered"}'
  echo '` + "```" + `'
  ;;
*)
  echo "I did the work but forgot the protocol."
  ;;
esac`)

	inv := testInvoker(t, Provider{
		Name:       "stub",
		Command:    script,
		PromptMode: PromptStdin,
	}, 30*time.Second)

	res, err := inv.Invoke(context.Background(), t.TempDir(), "remove-flag/x", "p")
	if err != nil {
		t.Fatal(err)
	}
	if res.Summary != "recovered" {
		t.Errorf("Summary = %q, want recovered via reformat stage", res.Summary)
	}
}

func TestInvoke_AllStagesFail(t *testing.T) {
	script := writeScript(t, `cat > /dev/null
echo "nothing structured here"`)

	inv := testInvoker(t, Provider{
		Name:       "stub",
		Command:    script,
		PromptMode: PromptStdin,
	}, 30*time.Second)

	_, err := inv.Invoke(context.Background(), t.TempDir(), "remove-flag/x", "p")
	var pe *domain.AgentParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want AgentParseError", err)
	}
	if pe.Preview == "" {
		t.Error("parse error should carry an output preview")
	}
}

func TestSessionID_Deterministic(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	a := SessionID("remove-flag/x", at)
	b := SessionID("remove-flag/x", at)
	if a != b {
		t.Errorf("same inputs produced %q and %q", a, b)
	}

	c := SessionID("remove-flag/y", at)
	if a == c {
		t.Error("different branches produced the same session ID")
	}
}

func TestProcessRegistry_KillAll(t *testing.T) {
	script := writeScript(t, `sleep 60`)

	logger := zap.NewNop()
	procs := NewProcessRegistry(logger)
	inv := NewInvoker(Provider{Name: "stub", Command: script, PromptMode: PromptArgMode}, time.Minute, procs, logger)

	done := make(chan struct{})
	go func() {
		_, _ = inv.Invoke(context.Background(), t.TempDir(), "remove-flag/x", "p")
		close(done)
	}()

	// Wait for the subprocess to register.
	deadline := time.Now().Add(5 * time.Second)
	for procs.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if procs.Count() == 0 {
		t.Fatal("subprocess never registered")
	}

	procs.KillAll(100 * time.Millisecond)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("invocation did not return after KillAll")
	}
	if procs.Count() != 0 {
		t.Errorf("registry count = %d after exit, want 0", procs.Count())
	}
}
