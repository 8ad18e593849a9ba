// Package supervise runs helper processes that live for the duration of a
// conversion and rendezvous with them through files they create.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultPollInterval is how often WaitForFile checks for the file.
const DefaultPollInterval = 250 * time.Millisecond

// ErrTimeout is returned by WaitForFile when the file did not appear in time.
var ErrTimeout = errors.New("timed out")

// Process is a supervised background helper. Its stdout and stderr go to a
// log file so failures can be diagnosed after the fact.
type Process struct {
	name    string
	cmd     *exec.Cmd
	logPath string
	logFile *os.File
	logger  *slog.Logger

	done    chan struct{}
	waitErr error
	once    sync.Once
}

// Start launches argv in the background. The child gets a parent-death
// signal on Linux so it does not outlive v2v.
func Start(ctx context.Context, name string, argv []string, logPath string, logger *slog.Logger) (*Process, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("starting %s: empty command", name)
	}
	if logger == nil {
		logger = slog.Default()
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating log for %s: %w", name, err)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	SetParentDeathSignal(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	p := &Process{
		name:    name,
		cmd:     cmd,
		logPath: logPath,
		logFile: logFile,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		logFile.Close()
		close(p.done)
	}()

	logger.Debug("started helper", "name", name, "pid", cmd.Process.Pid, "log", logPath)
	return p, nil
}

// Name returns the label the process was started with.
func (p *Process) Name() string { return p.name }

// LogPath returns the file receiving the helper's output.
func (p *Process) LogPath() string { return p.logPath }

// Exited reports whether the process has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Err returns the exit status once the process has exited.
func (p *Process) Err() error {
	if !p.Exited() {
		return nil
	}
	return p.waitErr
}

// Stop sends SIGTERM and waits up to grace before killing the process.
// Stopping an exited process is a no-op.
func (p *Process) Stop(grace time.Duration) error {
	var err error
	p.once.Do(func() {
		if p.Exited() {
			return
		}
		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			err = fmt.Errorf("signalling %s: %w", p.name, sigErr)
		}
		select {
		case <-p.done:
		case <-time.After(grace):
			p.logger.Warn("helper did not exit, killing it", "name", p.name)
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	})
	return err
}

// WaitForFile polls until path exists, the timeout expires, or proc (if not
// nil) exits first. Both failure modes point at the helper log.
func WaitForFile(ctx context.Context, path string, timeout, interval time.Duration, proc *Process) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("checking %s: %w", path, err)
		}

		if proc != nil && proc.Exited() {
			// One last look: the helper may have written the file and exited.
			if _, err := os.Stat(path); err == nil {
				return nil
			}
			return fmt.Errorf("%s exited before creating %s (status: %v); see %s", proc.name, path, proc.Err(), proc.logPath)
		}

		if !time.Now().Before(deadline) {
			if proc != nil {
				return fmt.Errorf("%w after %s waiting for %s; see %s", ErrTimeout, timeout, path, proc.logPath)
			}
			return fmt.Errorf("%w after %s waiting for %s", ErrTimeout, timeout, path)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
