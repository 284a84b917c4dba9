package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/fluxorio/buildqueue/pkg/workqueue"
)

// DefaultEnvPrefix prefixes every environment override of Settings.
const DefaultEnvPrefix = "BUILDQUEUE"

// Settings is the buildqueue settings document.
type Settings struct {
	Queue   workqueue.Config `yaml:"queue" json:"queue"`
	Admin   AdminSettings    `yaml:"admin" json:"admin"`
	Tracing TracingSettings  `yaml:"tracing" json:"tracing"`
	Journal JournalSettings  `yaml:"journal" json:"journal"`
	NATS    NATSSettings     `yaml:"nats" json:"nats"`
	Jobs    []JobSpec        `yaml:"jobs" json:"jobs"`

	// ShutdownTimeout bounds the final drain. Zero waits forever.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// AdminSettings configures the admin HTTP server. An empty Addr disables it.
type AdminSettings struct {
	Addr string `yaml:"addr" json:"addr"`
}

// TracingSettings configures job spans.
type TracingSettings struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name" json:"service_name"`
}

// JournalSettings configures the job outcome journal. An empty Path
// disables it.
type JournalSettings struct {
	Path        string `yaml:"path" json:"path"`
	MaxBuffered int    `yaml:"max_buffered" json:"max_buffered"`
}

// NATSSettings configures the NATS job bridge. An empty URL disables it.
type NATSSettings struct {
	URL        string `yaml:"url" json:"url"`
	Subject    string `yaml:"subject" json:"subject"`
	QueueGroup string `yaml:"queue_group" json:"queue_group"`
}

// JobSpec is one command the CLI runs as a job.
type JobSpec struct {
	Title   string   `yaml:"title" json:"title"`
	Command []string `yaml:"command" json:"command"`
	Dir     string   `yaml:"dir" json:"dir"`
}

// DefaultSettings returns the settings used when a key is absent.
func DefaultSettings() Settings {
	q := workqueue.DefaultConfig()
	q.Name = "build"
	return Settings{
		Queue:   q,
		Tracing: TracingSettings{ServiceName: "buildqueue"},
		Journal: JournalSettings{MaxBuffered: 1024},
		NATS:    NATSSettings{Subject: "buildqueue.jobs", QueueGroup: "buildqueue"},
	}
}

// LoadSettings builds Settings from defaults, then the file at path (if
// any), then environment overrides, and validates the result.
func LoadSettings(path, envPrefix string) (Settings, error) {
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}

	s := DefaultSettings()
	if path != "" {
		if err := Load(path, &s); err != nil {
			return Settings{}, err
		}
	}
	if err := ApplyEnvOverrides(envPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	if err := Validate(&s, SettingsValidators()...); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// SettingsValidators returns the checks LoadSettings applies.
func SettingsValidators() []Validator {
	return []Validator{
		RequiredFields("Queue.Name"),
		RangeValidator("Queue.MaxWorkers", 1, workqueue.HardMaxWorkers),
		RangeValidator("Queue.GrowthIncrement", 1, workqueue.HardMaxWorkers),
		RangeValidator("Queue.Capacity", 0, 1<<31-1),
		ValidatorFunc(validateJobs),
		ValidatorFunc(func(config interface{}) error {
			s := config.(*Settings)
			if s.NATS.URL != "" && s.NATS.Subject == "" {
				return fmt.Errorf("nats.subject is required when nats.url is set")
			}
			return nil
		}),
	}
}

func validateJobs(config interface{}) error {
	s := config.(*Settings)
	seen := make(map[string]bool, len(s.Jobs))
	for i, j := range s.Jobs {
		if strings.TrimSpace(j.Title) == "" {
			return fmt.Errorf("jobs[%d]: title is required", i)
		}
		if len(j.Command) == 0 || j.Command[0] == "" {
			return fmt.Errorf("jobs[%d] %q: command is required", i, j.Title)
		}
		if seen[j.Title] {
			return fmt.Errorf("jobs[%d]: duplicate title %q", i, j.Title)
		}
		seen[j.Title] = true
	}
	return nil
}

// QueueConfig returns the work queue configuration.
func (s Settings) QueueConfig() workqueue.Config {
	return s.Queue
}
