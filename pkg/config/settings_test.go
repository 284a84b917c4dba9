package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fluxorio/buildqueue/pkg/config"
	"github.com/fluxorio/buildqueue/pkg/workqueue"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buildqueue.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to create settings file: %v", err)
	}
	return path
}

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := config.LoadSettings("", "")
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if s.Queue.Name != "build" {
		t.Errorf("Queue.Name = %q, want build", s.Queue.Name)
	}
	if s.Queue.MaxWorkers != workqueue.HardMaxWorkers {
		t.Errorf("Queue.MaxWorkers = %d, want %d", s.Queue.MaxWorkers, workqueue.HardMaxWorkers)
	}
	if s.NATS.Subject != "buildqueue.jobs" {
		t.Errorf("NATS.Subject = %q, want buildqueue.jobs", s.NATS.Subject)
	}
	if s.Admin.Addr != "" || s.Journal.Path != "" || s.NATS.URL != "" {
		t.Errorf("optional components should be disabled by default: %+v", s)
	}
}

func TestLoadSettings_FileAndEnv(t *testing.T) {
	path := writeSettings(t, `
queue:
  name: ci
  growth_increment: 2
  growth_trigger_ratio: 1.5
  max_workers: 8
admin:
  addr: ":9090"
jobs:
  - title: compile
    command: ["go", "build", "./..."]
  - title: test
    command: ["go", "test", "./..."]
    dir: sub
shutdown_timeout: 30s
`)
	t.Setenv("BUILDQUEUE_QUEUE_MAX_WORKERS", "4")
	t.Setenv("BUILDQUEUE_JOURNAL_PATH", "/tmp/journal.log")

	s, err := config.LoadSettings(path, config.DefaultEnvPrefix)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}

	qc := s.QueueConfig()
	if qc.Name != "ci" || qc.GrowthIncrement != 2 || qc.GrowthTriggerRatio != 1.5 {
		t.Errorf("QueueConfig() = %+v", qc)
	}
	if qc.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d, want env override 4", qc.MaxWorkers)
	}
	if s.Journal.Path != "/tmp/journal.log" {
		t.Errorf("Journal.Path = %q, want env override", s.Journal.Path)
	}
	if s.Journal.MaxBuffered != 1024 {
		t.Errorf("Journal.MaxBuffered = %d, want default 1024", s.Journal.MaxBuffered)
	}
	if len(s.Jobs) != 2 || s.Jobs[1].Dir != "sub" || strings.Join(s.Jobs[0].Command, " ") != "go build ./..." {
		t.Errorf("Jobs = %+v", s.Jobs)
	}
	if s.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", s.ShutdownTimeout)
	}
}

func TestLoadSettings_Validation(t *testing.T) {
	tests := map[string]string{
		"max workers above cap":  "queue:\n  max_workers: 21\n",
		"zero growth increment":  "queue:\n  growth_increment: 0\n",
		"job without command":    "jobs:\n  - title: compile\n",
		"duplicate job titles":   "jobs:\n  - title: a\n    command: [\"true\"]\n  - title: a\n    command: [\"true\"]\n",
		"nats url without topic": "nats:\n  url: nats://localhost:4222\n  subject: \"\"\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := config.LoadSettings(writeSettings(t, content), ""); err == nil {
				t.Error("LoadSettings should fail")
			}
		})
	}
}

func TestLoadSettings_BlankNameFromEnv(t *testing.T) {
	t.Setenv("BUILDQUEUE_QUEUE_NAME", " ")
	if _, err := config.LoadSettings("", ""); err == nil {
		t.Error("LoadSettings should reject a blank queue name")
	}
}

func TestSaveYAML_RoundTripsSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	s := config.DefaultSettings()
	s.Jobs = []config.JobSpec{{Title: "lint", Command: []string{"golangci-lint", "run"}}}
	if err := config.SaveYAML(path, s); err != nil {
		t.Fatalf("SaveYAML failed: %v", err)
	}

	loaded, err := config.LoadSettings(path, "")
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if len(loaded.Jobs) != 1 || loaded.Jobs[0].Title != "lint" {
		t.Errorf("Jobs = %+v", loaded.Jobs)
	}
}
