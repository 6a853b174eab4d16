package deployer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// CommandReloader reloads the detection engine. When PIDFile is set the
// process it names is sent SIGHUP and Commands are not run. Otherwise each
// command is tried in order until one succeeds.
type CommandReloader struct {
	Commands [][]string
	PIDFile  string
	Timeout  time.Duration
	Log      *logrus.Logger
}

// Reload implements Reloader.
func (r *CommandReloader) Reload(ctx context.Context) error {
	if r.PIDFile != "" {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := SignalPIDFile(r.PIDFile, syscall.SIGHUP); err != nil {
			return fmt.Errorf("reload via pid file: %w", err)
		}
		r.logf(logrus.Fields{"pid_file": r.PIDFile}, "Detection engine signalled")
		return nil
	}

	timeout := r.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	var errs []error
	for _, c := range r.Commands {
		if len(c) == 0 {
			continue
		}
		err := runCommand(ctx, timeout, c)
		if err == nil {
			r.logf(logrus.Fields{"command": strings.Join(c, " ")}, "Detection engine reloaded")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", c[0], err))
	}
	if len(errs) == 0 {
		return errors.New("no reload method configured")
	}
	return fmt.Errorf("all reload methods failed: %w", errors.Join(errs...))
}

func (r *CommandReloader) logf(fields logrus.Fields, msg string) {
	if r.Log != nil {
		r.Log.WithFields(fields).Info(msg)
	}
}

func runCommand(ctx context.Context, timeout time.Duration, c []string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, c[0], c[1:]...).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(tail(string(out), 256)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// SignalPIDFile sends sig to the process whose pid is stored in path.
func SignalPIDFile(path string, sig os.Signal) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid in %s", path)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := p.Signal(sig); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}
