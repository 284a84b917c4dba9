// Command buildqueue runs the jobs listed in a settings file on a growing
// pool of workers and reports their outcomes. With NATS configured it also
// accepts jobs from remote peers until interrupted.
//
//	buildqueue -config buildqueue.yaml
//	buildqueue -config buildqueue.yaml -submit lint golangci-lint run
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	promclient "github.com/prometheus/client_golang/prometheus"

	"github.com/fluxorio/buildqueue/pkg/admin"
	"github.com/fluxorio/buildqueue/pkg/config"
	"github.com/fluxorio/buildqueue/pkg/core"
	"github.com/fluxorio/buildqueue/pkg/journal"
	"github.com/fluxorio/buildqueue/pkg/observability/prometheus"
	"github.com/fluxorio/buildqueue/pkg/observability/tracing"
	"github.com/fluxorio/buildqueue/pkg/transport/natsbridge"
	"github.com/fluxorio/buildqueue/pkg/workqueue"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitRuntime = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("buildqueue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "settings file (YAML or JSON)")
	envPrefix := fs.String("env-prefix", config.DefaultEnvPrefix, "prefix of environment overrides")
	verbose := fs.Bool("v", false, "verbose logging")
	submit := fs.Bool("submit", false, "send the remaining arguments (title, command...) as a job over NATS and wait for the reply")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	settings, err := config.LoadSettings(*configPath, *envPrefix)
	if err != nil {
		fmt.Fprintf(stderr, "buildqueue: %v\n", err)
		return exitUsage
	}
	if *verbose {
		settings.Queue.Verbose = true
	}
	logger := core.NewWriterLogger(stderr, stdout, settings.Queue.Verbose)

	if *submit {
		return submitRemote(ctx, settings, fs.Args(), stdout, logger)
	}

	a, err := newApp(ctx, settings, logger)
	if err != nil {
		logger.Errorf("startup failed: %v", err)
		return exitRuntime
	}
	return a.run(ctx, stdout)
}

// app holds every component wired from Settings.
type app struct {
	settings config.Settings
	logger   core.Logger

	queue    *workqueue.WorkQueue[struct{}]
	metrics  *prometheus.QueueMetrics
	registry *promclient.Registry
	journal  *journal.Journal
	admin    *admin.Server
	nc       *nats.Conn
	bridge   *natsbridge.Bridge

	stopTracing func(context.Context) error
}

func newApp(ctx context.Context, settings config.Settings, logger core.Logger) (a *app, err error) {
	a = &app{settings: settings, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.registry = promclient.NewRegistry()
	a.metrics = prometheus.NewQueueMetrics(promclient.WrapRegistererWith(promclient.Labels{"service": "buildqueue"}, a.registry))
	observers := []workqueue.Observer{a.metrics}

	if settings.Tracing.Enabled {
		a.stopTracing, err = tracing.Setup(ctx, tracing.Config{ServiceName: settings.Tracing.ServiceName, Writer: os.Stderr})
		if err != nil {
			return nil, err
		}
		observers = append(observers, tracing.NewObserver(nil))
	}

	if settings.Journal.Path != "" {
		a.journal, err = journal.Open(journal.Config{Path: settings.Journal.Path, MaxBuffered: settings.Journal.MaxBuffered}, logger)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		observers = append(observers, a.journal)
	}

	a.queue = workqueue.New[struct{}](workqueue.SimpleContext[struct{}]{}, settings.QueueConfig(),
		workqueue.WithLogger(logger),
		workqueue.WithObserver(observers...),
	)

	if settings.Admin.Addr != "" {
		a.admin = admin.New(settings.Admin.Addr, a.registry, logger)
		a.admin.CountRequests(a.metrics)
		a.admin.Register(a.queue.Name(), func() any { return a.queue.Stats() })
		if a.journal != nil {
			a.admin.Register("journal", func() any { return a.journal.Stats() })
		}
		if err := a.admin.Start(); err != nil {
			return nil, fmt.Errorf("start admin server: %w", err)
		}
	}

	if settings.NATS.URL != "" {
		a.nc, err = nats.Connect(settings.NATS.URL, nats.Name("buildqueue"))
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		a.bridge = natsbridge.New(a.nc, a.queue, natsbridge.Config{
			Subject:    settings.NATS.Subject,
			QueueGroup: settings.NATS.QueueGroup,
		}, remoteHandler(logger), logger)
		if err := a.bridge.Start(); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *app) run(ctx context.Context, stdout io.Writer) int {
	defer a.close()

	// Signals interrupt running jobs; shutdown still runs below.
	stop := context.AfterFunc(ctx, a.queue.Interrupt)
	defer stop()

	jobs := make([]*workqueue.Job[struct{}], 0, len(a.settings.Jobs))
	for _, spec := range a.settings.Jobs {
		job := workqueue.NewJob[struct{}](spec.Title, commandTask(spec, a.logger))
		if err := a.queue.Push(job); err != nil {
			a.logger.Errorf("push %s: %v", spec.Title, err)
			break
		}
		jobs = append(jobs, job)
	}

	failed := 0
	for _, job := range jobs {
		ok, _ := job.Await(context.Background())
		if ok {
			fmt.Fprintf(stdout, "ok    %s\n", job.Title())
			continue
		}
		failed++
		cause := job.Err()
		if cause == nil {
			cause = workqueue.ErrJobFailed
		}
		fmt.Fprintf(stdout, "FAIL  %s: %v\n", job.Title(), cause)
	}
	if len(jobs) < len(a.settings.Jobs) {
		failed += len(a.settings.Jobs) - len(jobs)
	}

	interrupted := ctx.Err() != nil
	if a.bridge != nil && !interrupted {
		a.logger.Infof("serving remote jobs on %s, interrupt to stop", a.settings.NATS.Subject)
		<-ctx.Done()
	}

	if err := a.shutdown(); err != nil {
		a.logger.Errorf("shutdown: %v", err)
		return exitFailed
	}

	s := a.queue.Stats()
	fmt.Fprintf(stdout, "%d jobs, %d succeeded, %d failed, %d workers used\n",
		s.Pushed, s.Succeeded, s.Failed, s.WorkersSpawned)

	if failed > 0 || interrupted {
		return exitFailed
	}
	return exitOK
}

func (a *app) shutdown() error {
	ctx := context.Background()
	if a.settings.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.settings.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if a.bridge != nil {
		if err := a.bridge.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop nats bridge: %w", err))
		}
	}
	if err := a.queue.ShutdownContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	return errors.Join(errs...)
}

// close releases every component. It is safe on a partially built app.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.queue != nil && a.queue.State() == workqueue.StateActive {
		a.queue.Shutdown()
	}
	if a.nc != nil {
		a.nc.Close()
	}
	if a.admin != nil {
		if err := a.admin.Shutdown(ctx); err != nil {
			a.logger.Warnf("admin shutdown: %v", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warnf("journal close: %v", err)
		}
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			a.logger.Warnf("tracing shutdown: %v", err)
		}
	}
}

func submitRemote(ctx context.Context, settings config.Settings, args []string, stdout io.Writer, logger core.Logger) int {
	if len(args) < 2 {
		logger.Errorf("-submit needs a title and a command")
		return exitUsage
	}
	if settings.NATS.URL == "" {
		logger.Errorf("-submit needs nats.url")
		return exitUsage
	}

	nc, err := nats.Connect(settings.NATS.URL, nats.Name("buildqueue-submit"))
	if err != nil {
		logger.Errorf("connect to nats: %v", err)
		return exitRuntime
	}
	defer nc.Close()

	reply, err := natsbridge.Submit(ctx, nc, settings.NATS.Subject, natsbridge.Request{Title: args[0], Args: args[1:]}, 0)
	if err != nil {
		logger.Errorf("submit %s: %v", args[0], err)
		return exitRuntime
	}
	if !reply.OK {
		fmt.Fprintf(stdout, "FAIL  %s: %s\n", reply.Title, reply.Error)
		return exitFailed
	}
	fmt.Fprintf(stdout, "ok    %s (%s) %s\n", reply.Title, reply.ID, strings.Join(args[1:], " "))
	return exitOK
}
