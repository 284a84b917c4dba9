package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/fluxorio/buildqueue/pkg/config"
	"github.com/fluxorio/buildqueue/pkg/core"
	"github.com/fluxorio/buildqueue/pkg/transport/natsbridge"
	"github.com/fluxorio/buildqueue/pkg/workqueue"
)

// maxOutput caps the command output kept in a failure message.
const maxOutput = 4 << 10

// commandTask runs spec's command. The command is killed when ctx is
// cancelled.
func commandTask(spec config.JobSpec, logger core.Logger) workqueue.Task[struct{}] {
	return func(ctx context.Context, _ *workqueue.Job[struct{}], _ workqueue.JobContext[struct{}]) error {
		return runCommand(ctx, spec.Title, spec.Command, spec.Dir, logger)
	}
}

// remoteHandler runs requests received over NATS. Args are the command line.
func remoteHandler(logger core.Logger) natsbridge.Handler {
	return func(ctx context.Context, req natsbridge.Request) error {
		if len(req.Args) == 0 {
			return fmt.Errorf("%s: no command", req.Title)
		}
		return runCommand(ctx, req.Title, req.Args, "", logger)
	}
}

func runCommand(ctx context.Context, title string, argv []string, dir string, logger core.Logger) error {
	// #nosec G204 -- commands come from the operator's settings or trusted peers.
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if id := core.JobIDFrom(ctx); id != "" {
		cmd.Env = append(os.Environ(), core.JobIDEnv+"="+id)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	logger.Debugf("%s: running %s", title, strings.Join(argv, " "))
	if err := cmd.Run(); err != nil {
		output := out.String()
		if len(output) > maxOutput {
			output = "..." + output[len(output)-maxOutput:]
		}
		if output = strings.TrimSpace(output); output != "" {
			logger.Errorf("%s output:\n%s", title, output)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	return nil
}
