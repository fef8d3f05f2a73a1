package pythonbridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"HiveMind-Copilot/internal/llm"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "infer.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestInvokeReadsStdout(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho '{\"text\":\"hello\",\"tokens_used\":3}'\n")
	client, err := NewClient(Config{PythonExec: "sh", ScriptPath: script})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	res, err := client.Invoke(context.Background(), llm.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Text != "hello" || res.TokensUsed != 3 || res.ProviderID != "python-bridge" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestInvokeFailureKinds(t *testing.T) {
	bad := writeScript(t, "cat >/dev/null\necho 'oops'\n")
	client, _ := NewClient(Config{PythonExec: "sh", ScriptPath: bad})
	if _, err := client.Invoke(context.Background(), llm.Request{}); llm.KindOf(err) != llm.KindInvalidResponse {
		t.Fatalf("expected invalid response, got %v", err)
	}

	failing := writeScript(t, "exit 3\n")
	client, _ = NewClient(Config{PythonExec: "sh", ScriptPath: failing})
	if _, err := client.Invoke(context.Background(), llm.Request{}); llm.KindOf(err) != llm.KindUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}

	slow := writeScript(t, "exec sleep 2\n")
	client, _ = NewClient(Config{PythonExec: "sh", ScriptPath: slow, Timeout: 50 * time.Millisecond})
	if _, err := client.Invoke(context.Background(), llm.Request{}); llm.KindOf(err) != llm.KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestResolveScriptPath(t *testing.T) {
	if got := ResolveScriptPath("/opt", "infer.py"); got != "/opt/infer.py" {
		t.Fatalf("unexpected path %s", got)
	}
	if got := ResolveScriptPath("/opt", "/abs/infer.py"); got != "/abs/infer.py" {
		t.Fatalf("absolute path must be kept, got %s", got)
	}
}
