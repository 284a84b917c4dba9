package workqueue

import (
	"context"
	"errors"

	"github.com/fluxorio/buildqueue/pkg/core"
)

// HardMaxWorkers is the ceiling on live workers for any queue.
const HardMaxWorkers = 20

var (
	// ErrQueueShutdown is returned by Push once the queue stopped accepting work.
	ErrQueueShutdown = errors.New("work queue is shut down")

	// ErrNilJob is returned by Push for a nil job.
	ErrNilJob = errors.New("job cannot be nil")

	// ErrJobFailed marks a job that completed unsuccessfully without a
	// recorded cause.
	ErrJobFailed = errors.New("job failed")
)

// Config configures a WorkQueue
type Config struct {
	// Name is used for worker names and diagnostics.
	Name string `yaml:"name" json:"name"`

	// GrowthIncrement is the number of workers added per growth event.
	GrowthIncrement int `yaml:"growth_increment" json:"growth_increment"`

	// GrowthTriggerRatio is the pending/worker ratio above which the pool
	// grows. Zero or less means unbounded: the pool only grows from zero.
	GrowthTriggerRatio float64 `yaml:"growth_trigger_ratio" json:"growth_trigger_ratio"`

	// MaxWorkers caps the live worker count, clamped to [1, HardMaxWorkers].
	MaxWorkers int `yaml:"max_workers" json:"max_workers"`

	// Capacity bounds the pending queue. Zero means unbounded.
	Capacity int `yaml:"capacity" json:"capacity"`

	// Verbose enables debug logging on the default logger.
	Verbose bool `yaml:"verbose" json:"verbose"`
}

// DefaultConfig returns default work queue configuration
func DefaultConfig() Config {
	return Config{
		Name:            "workqueue",
		GrowthIncrement: 1,
		MaxWorkers:      HardMaxWorkers,
	}
}

func (c Config) normalize() Config {
	if c.Name == "" {
		c.Name = "workqueue"
	}
	if c.GrowthIncrement < 1 {
		c.GrowthIncrement = 1
	}
	if c.MaxWorkers < 1 || c.MaxWorkers > HardMaxWorkers {
		c.MaxWorkers = HardMaxWorkers
	}
	if c.Capacity < 0 {
		c.Capacity = 0
	}
	return c
}

type options struct {
	logger   core.Logger
	observer Observer
	parent   context.Context
}

// Option customizes a WorkQueue.
type Option func(*options)

// WithLogger sets the queue logger. Without it the queue logs through
// core.NewDefaultLogger(cfg.Verbose).
func WithLogger(l core.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver registers lifecycle observers. Repeated calls accumulate.
func WithObserver(obs ...Observer) Option {
	return func(o *options) {
		for _, ob := range obs {
			if ob == nil {
				continue
			}
			if o.observer == nil {
				o.observer = ob
				continue
			}
			o.observer = Observers{o.observer, ob}
		}
	}
}

// WithContext sets the parent context of the queue. Cancelling it
// interrupts every worker, as Interrupt does.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.parent = ctx }
}
