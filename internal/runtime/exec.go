package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExecRuntime implements Runtime by running scripts through a shell in
// their own process group.
type ExecRuntime struct {
	Shell string
}

// NewExecRuntime creates a process runtime using shell (default "sh").
func NewExecRuntime(shell string) *ExecRuntime {
	if shell == "" {
		shell = "sh"
	}
	return &ExecRuntime{Shell: shell}
}

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Script == "" {
		return nil, fmt.Errorf("script is required")
	}

	cmd := exec.Command(e.Shell, "-c", opts.Script)
	cmd.Dir = opts.Dir
	cmd.Env = mergeEnv(os.Environ(), opts.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", e.Shell, err)
	}

	return &execHandle{cmd: cmd, stdout: stdout, stderr: stderr, done: make(chan struct{})}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	once   sync.Once
	done   chan struct{}
	result ExitResult
}

func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }

func (h *execHandle) wait() {
	h.once.Do(func() {
		go func() {
			err := h.cmd.Wait()
			var exitErr *exec.ExitError
			switch {
			case err == nil:
				h.result = ExitResult{ExitCode: 0}
			case errors.As(err, &exitErr):
				h.result = ExitResult{ExitCode: exitErr.ExitCode()}
			default:
				h.result = ExitResult{ExitCode: -1, Error: err}
			}
			close(h.done)
		}()
	})
}

// Wait implements Handle.Wait. It returns ctx.Err() with exit code -1 when
// ctx ends first; the process keeps running.
func (h *execHandle) Wait(ctx context.Context) (ExitResult, error) {
	h.wait()
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1}, ctx.Err()
	}
}

// Stop implements Handle.Stop by sending SIGKILL to the process group.
func (h *execHandle) Stop(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	err := unix.Kill(-h.cmd.Process.Pid, unix.SIGKILL)
	if err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill process group %d: %w", h.cmd.Process.Pid, err)
	}
	return nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	env := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, override := extra[key]; override {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
