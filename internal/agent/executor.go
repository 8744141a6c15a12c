package agent

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/remoteshell/remoteshell/internal/protocol"
)

// Executor runs shell commands with a hard deadline. Each command runs in
// its own process group so a kill takes down the whole pipeline, not just
// the shell.
type Executor struct {
	log            zerolog.Logger
	shell          string
	maxOutputBytes int

	mu      sync.Mutex
	running map[string]int // command_id → pgid
}

// NewExecutor creates an executor.
func NewExecutor(cfg *Config, log zerolog.Logger) *Executor {
	return &Executor{
		log:            log.With().Str("component", "executor").Logger(),
		shell:          cfg.Execution.Shell,
		maxOutputBytes: cfg.Execution.MaxOutputBytes,
		running:        make(map[string]int),
	}
}

// cappedBuffer collects output up to a byte ceiling and drops the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.limit - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + "\n[output truncated]"
	}
	return string(b.buf)
}

// Run executes one command and always returns a result payload: exit code
// -1 with a message in stderr when the command could not run or was killed
// on deadline.
func (e *Executor) Run(ctx context.Context, commandID, command string, timeout time.Duration) *protocol.ResultPayload {
	start := time.Now()

	result := func(stdout, stderr string, exitCode int) *protocol.ResultPayload {
		return &protocol.ResultPayload{
			CommandID:     commandID,
			Stdout:        stdout,
			Stderr:        stderr,
			ExitCode:      exitCode,
			ExecutionTime: time.Since(start).Seconds(),
		}
	}

	cmd := exec.Command(e.shell, "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := &cappedBuffer{limit: e.maxOutputBytes}
	stderr := &cappedBuffer{limit: e.maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return result("", fmt.Sprintf("failed to start command: %v", err), -1)
	}

	pgid := cmd.Process.Pid
	e.mu.Lock()
	e.running[commandID] = pgid
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, commandID)
		e.mu.Unlock()
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				return result(stdout.String(), fmt.Sprintf("command failed: %v", err), -1)
			}
		}
		return result(stdout.String(), stderr.String(), exitCode)

	case <-timer.C:
		e.killGroup(pgid)
		<-done
		e.log.Warn().Str("command_id", commandID).Dur("timeout", timeout).Msg("command killed on deadline")
		return result(stdout.String(),
			fmt.Sprintf("command timed out after %s", timeout), -1)

	case <-ctx.Done():
		e.killGroup(pgid)
		<-done
		return result(stdout.String(), "command aborted: agent shutting down", -1)
	}
}

// Cancel kills the process group of a running command. No-op when the
// command already finished.
func (e *Executor) Cancel(commandID string) {
	e.mu.Lock()
	pgid, ok := e.running[commandID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.log.Info().Str("command_id", commandID).Msg("cancelling running command")
	e.killGroup(pgid)
}

// killGroup sends SIGTERM to the process group, then SIGKILL after a short
// grace period if anything survived.
func (e *Executor) killGroup(pgid int) {
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return
	}
	time.AfterFunc(3*time.Second, func() {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	})
}
