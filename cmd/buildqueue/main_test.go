package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"

	"github.com/fluxorio/buildqueue/pkg/core"
	"github.com/fluxorio/buildqueue/pkg/journal"
)

const testEnvPrefix = "BUILDQUEUE_CMD_TEST"

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buildqueue.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func runCLI(t *testing.T, ctx context.Context, args ...string) (int, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(ctx, append([]string{"-env-prefix", testEnvPrefix}, args...), &stdout, &stderr)
	if code != exitOK {
		t.Logf("stderr:\n%s", stderr.String())
	}
	return code, stdout.String()
}

func TestRun(t *testing.T) {
	tests := []struct {
		name     string
		settings string
		wantCode int
		wantOut  []string
	}{
		{
			name: "all jobs succeed",
			settings: `
queue:
  max_workers: 2
jobs:
  - title: compile
    command: ["true"]
  - title: vet
    command: ["sh", "-c", "exit 0"]
`,
			wantCode: exitOK,
			wantOut:  []string{"ok    compile", "ok    vet", "2 jobs, 2 succeeded, 0 failed"},
		},
		{
			name: "failing job",
			settings: `
jobs:
  - title: compile
    command: ["true"]
  - title: test
    command: ["sh", "-c", "exit 3"]
`,
			wantCode: exitFailed,
			wantOut:  []string{"ok    compile", "FAIL  test: sh: exit status 3", "1 failed"},
		},
		{
			name: "missing binary",
			settings: `
jobs:
  - title: lint
    command: ["buildqueue-no-such-binary"]
`,
			wantCode: exitFailed,
			wantOut:  []string{"FAIL  lint"},
		},
		{
			name: "job id exported",
			settings: `
jobs:
  - title: env
    command: ["sh", "-c", "test -n \"$BUILDQUEUE_JOB_ID\""]
`,
			wantCode: exitOK,
			wantOut:  []string{"ok    env"},
		},
		{
			name:     "no jobs",
			settings: "queue:\n  name: empty\n",
			wantCode: exitOK,
			wantOut:  []string{"0 jobs"},
		},
		{
			name: "invalid settings",
			settings: `
queue:
  max_workers: 50
`,
			wantCode: exitUsage,
		},
		{
			name:     "unknown key",
			settings: "queue:\n  workers: 3\n",
			wantCode: exitUsage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := runCLI(t, context.Background(), "-config", writeSettings(t, tt.settings))
			if code != tt.wantCode {
				t.Errorf("run() = %d, want %d\nstdout:\n%s", code, tt.wantCode, out)
			}
			for _, want := range tt.wantOut {
				if !strings.Contains(out, want) {
					t.Errorf("stdout missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestRunBadFlag(t *testing.T) {
	if code, _ := runCLI(t, context.Background(), "-no-such-flag"); code != exitUsage {
		t.Errorf("run() = %d, want %d", code, exitUsage)
	}
}

func TestRunEnvOverride(t *testing.T) {
	t.Setenv(testEnvPrefix+"_QUEUE_MAX_WORKERS", "0")
	code, _ := runCLI(t, context.Background(), "-config", writeSettings(t, "jobs: []\n"))
	if code != exitUsage {
		t.Errorf("run() = %d, want %d", code, exitUsage)
	}
}

func TestRunWritesJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.log")
	settings := writeSettings(t, `
journal:
  path: `+path+`
jobs:
  - title: compile
    command: ["true"]
  - title: test
    command: ["false"]
`)
	if code, out := runCLI(t, context.Background(), "-config", settings); code != exitFailed {
		t.Fatalf("run() = %d, want %d\n%s", code, exitFailed, out)
	}

	j, err := journal.Open(journal.Config{Path: path}, core.NewNopLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	entries, err := j.Read(0, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Read() returned %d entries, want 2", len(entries))
	}
	outcomes := map[string]bool{}
	for _, e := range entries {
		if e.Queue != "build" {
			t.Errorf("entry queue = %q, want build", e.Queue)
		}
		outcomes[e.Title] = e.OK
	}
	if !outcomes["compile"] || outcomes["test"] {
		t.Errorf("outcomes = %v, want compile ok and test failed", outcomes)
	}
}

func TestInterruptFailsRunningJobs(t *testing.T) {
	settings := writeSettings(t, `
shutdown_timeout: 5s
jobs:
  - title: hang
    command: ["sleep", "30"]
`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	code, out := runCLI(t, ctx, "-config", settings)
	if code != exitFailed {
		t.Errorf("run() = %d, want %d\n%s", code, exitFailed, out)
	}
	if !strings.Contains(out, "FAIL  hang") {
		t.Errorf("stdout missing interrupted job:\n%s", out)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("run() took %v after interrupt", elapsed)
	}
}

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()

	s, err := natssrv.NewServer(&natssrv.Options{Port: -1})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestServeAndSubmit(t *testing.T) {
	s := runTestNATSServer(t)
	settings := writeSettings(t, `
admin:
  addr: 127.0.0.1:0
nats:
  url: `+s.ClientURL()+`
  subject: buildqueue.cmdtest
`)

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan int, 1)
	go func() {
		var stdout, stderr bytes.Buffer
		serveDone <- run(ctx, []string{"-env-prefix", testEnvPrefix, "-config", settings}, &stdout, &stderr)
	}()

	// The bridge subscribes asynchronously; retry until it answers.
	var (
		code int
		out  string
	)
	deadline := time.Now().Add(5 * time.Second)
	for {
		code, out = runCLI(t, context.Background(), "-config", settings, "-submit", "remote", "true")
		if code != exitRuntime || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if code != exitOK {
		t.Errorf("submit = %d, want %d\n%s", code, exitOK, out)
	}
	if !strings.Contains(out, "ok    remote") {
		t.Errorf("submit stdout = %q", out)
	}

	if code, out := runCLI(t, context.Background(), "-config", settings, "-submit", "broken", "false"); code != exitFailed {
		t.Errorf("failing submit = %d, want %d\n%s", code, exitFailed, out)
	}

	cancel()
	select {
	case code := <-serveDone:
		if code != exitOK {
			t.Errorf("serve exit = %d, want %d", code, exitOK)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestSubmitNeedsArguments(t *testing.T) {
	settings := writeSettings(t, "nats:\n  url: nats://127.0.0.1:1\n")
	if code, _ := runCLI(t, context.Background(), "-config", settings, "-submit", "only-title"); code != exitUsage {
		t.Errorf("run() = %d, want %d", code, exitUsage)
	}
	if code, _ := runCLI(t, context.Background(), "-submit", "title", "true"); code != exitUsage {
		t.Errorf("run() without nats url = %d, want %d", code, exitUsage)
	}
}
