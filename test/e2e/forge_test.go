// Package e2e builds the forge and enginestub binaries and drives them over
// HTTP.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	settleTimeout  = 10 * time.Second
	pollInterval   = 100 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

// proc is a running binary and its combined output.
type proc struct {
	cmd    *exec.Cmd
	stdout *lockedBuffer
	url    string
}

var (
	binaries  map[string]string
	buildOnce sync.Once
	buildErr  error
)

func getBinary(t *testing.T, name string) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "forge-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binaries = make(map[string]string)
		for _, bin := range []string{"forge", "enginestub"} {
			out := filepath.Join(dir, bin)
			cmd := exec.Command("go", "build", "-o", out, "./cmd/"+bin)
			cmd.Dir = findRepoRoot(t)
			if output, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", bin, err, output)
				return
			}
			binaries[bin] = out
		}
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return binaries[name]
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func start(t *testing.T, binary, readyPath string, env ...string) *proc {
	t.Helper()

	addr := freeAddr(t)
	stdout := &lockedBuffer{}
	cmd := exec.Command(binary)
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env,
		"FORGE_LISTEN_ADDR="+addr,
		"FORGE_STUB_LISTEN_ADDR="+addr,
	)
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", binary, err)
	}

	p := &proc{cmd: cmd, stdout: stdout, url: "http://" + addr}
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Wait()
	})

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(p.url + readyPath)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return p
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("%s did not become ready within %v\nstdout:\n%s", binary, startupTimeout, stdout.String())
	return nil
}

type stack struct {
	engine *proc
	forge  *proc
}

func startStack(t *testing.T, subscriptions string) stack {
	t.Helper()

	engine := start(t, getBinary(t, "enginestub"), "/engine-rest/stub/tasks")

	subFile := filepath.Join(t.TempDir(), "subscriptions.yaml")
	if err := os.WriteFile(subFile, []byte(subscriptions), 0o600); err != nil {
		t.Fatalf("write subscriptions: %v", err)
	}

	forge := start(t, getBinary(t, "forge"), "/readyz",
		"FORGE_ENGINE_URL="+engine.url+"/engine-rest",
		"FORGE_WORKER_ID=e2e-worker",
		"FORGE_DB_PATH="+filepath.Join(t.TempDir(), "forge.db"),
		"FORGE_SUBSCRIPTIONS_FILE="+subFile,
		"FORGE_ASYNC_RESPONSE_TIMEOUT=500ms",
		"FORGE_MAX_TASKS=2",
		"FORGE_SHUTDOWN_GRACE=2s",
		"FORGE_LOG_LEVEL=debug",
	)
	return stack{engine: engine, forge: forge}
}

func createTask(t *testing.T, engineURL, topic string, vars map[string]any) string {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"topic": topic, "variables": vars})
	resp, err := http.Post(engineURL+"/engine-rest/stub/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("create task status = %d: %s", resp.StatusCode, b)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode create task: %v", err)
	}
	return out["id"]
}

type taskView struct {
	ID           string         `json:"id"`
	State        string         `json:"state"`
	ErrorMessage string         `json:"error_message"`
	FetchCount   int            `json:"fetch_count"`
	Variables    map[string]any `json:"variables"`
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func waitTaskState(t *testing.T, s stack, id, state string) taskView {
	t.Helper()
	deadline := time.Now().Add(settleTimeout)
	for time.Now().Before(deadline) {
		var tasks []taskView
		getJSON(t, s.engine.url+"/engine-rest/stub/tasks", &tasks)
		for _, task := range tasks {
			if task.ID == id && task.State == state {
				return task
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("task %s never reached %s\nforge output:\n%s", id, state, s.forge.stdout.String())
	return taskView{}
}

func TestPrintVariablesCompletes(t *testing.T) {
	s := startStack(t, `
subscriptions:
  - topic: print-variables
    handler: print-variables
`)

	id := createTask(t, s.engine.url, "print-variables", map[string]any{"customer": "ACME"})
	waitTaskState(t, s, id, "completed")

	var list struct {
		Leases []map[string]any `json:"leases"`
		Total  int              `json:"total"`
	}
	getJSON(t, s.forge.url+"/v1/leases?task_id="+id, &list)
	if list.Total != 1 {
		t.Fatalf("journaled leases = %d, want 1", list.Total)
	}
	if list.Leases[0]["status"] != "completed" {
		t.Errorf("lease status = %v, want completed", list.Leases[0]["status"])
	}
	if !strings.Contains(s.forge.stdout.String(), `"name":"customer"`) {
		t.Error("forge output does not log the customer variable")
	}
}

func TestProbeAgainstFailingServerRaisesIncident(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer target.Close()

	s := startStack(t, `
subscriptions:
  - topic: penetration-test
    handler: http-probe
    variables: [testUrl]
`)

	id := createTask(t, s.engine.url, "penetration-test", map[string]any{"testUrl": target.URL})
	task := waitTaskState(t, s, id, "incident")

	if task.ErrorMessage != "Penetration Test Failed" {
		t.Errorf("error message = %q, want %q", task.ErrorMessage, "Penetration Test Failed")
	}

	// An incident is never offered again.
	time.Sleep(time.Second)
	var tasks []taskView
	getJSON(t, s.engine.url+"/engine-rest/stub/tasks", &tasks)
	for _, tv := range tasks {
		if tv.ID == id && tv.FetchCount != 1 {
			t.Errorf("fetch count = %d, want 1", tv.FetchCount)
		}
	}
}

func TestProbeCompletesWithResult(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"probe":"ok"}`))
	}))
	defer target.Close()

	s := startStack(t, `
subscriptions:
  - topic: penetration-test
    handler: http-probe
`)

	id := createTask(t, s.engine.url, "penetration-test", map[string]any{"testUrl": target.URL})
	task := waitTaskState(t, s, id, "completed")

	if task.Variables["testResult"] != `{"probe":"ok"}` {
		t.Errorf("testResult = %v", task.Variables["testResult"])
	}
}

func TestGracefulShutdown(t *testing.T) {
	s := startStack(t, `
subscriptions:
  - topic: print-variables
    handler: print-variables
`)

	if err := s.forge.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.forge.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("forge exited with %v\noutput:\n%s", err, s.forge.stdout.String())
		}
	case <-time.After(settleTimeout):
		t.Fatalf("forge did not exit after SIGTERM\noutput:\n%s", s.forge.stdout.String())
	}

	if !strings.Contains(s.forge.stdout.String(), "worker stopped") {
		t.Error("output missing worker stopped record")
	}
}

func TestInvalidSubscriptionsExitNonZero(t *testing.T) {
	subFile := filepath.Join(t.TempDir(), "subscriptions.yaml")
	if err := os.WriteFile(subFile, []byte("subscriptions:\n  - topic: fax\n    handler: fax\n"), 0o600); err != nil {
		t.Fatalf("write subscriptions: %v", err)
	}

	cmd := exec.Command(getBinary(t, "forge"))
	cmd.Env = append(os.Environ(),
		"FORGE_SUBSCRIPTIONS_FILE="+subFile,
		"FORGE_DB_PATH="+filepath.Join(t.TempDir(), "forge.db"),
	)
	out, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("forge exited zero with an invalid subscription\noutput:\n%s", out)
	}
	if !strings.Contains(string(out), "unknown handler") {
		t.Errorf("output does not name the problem:\n%s", out)
	}
}
