// Package runtime provides the Runtime interface for spawning build steps.
package runtime

import (
	"context"
	"io"
)

// Runtime starts build step processes.
type Runtime interface {
	// Start spawns a step and returns a handle to it.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a step.
type StartOptions struct {
	Script string            // passed to the shell with -c
	Env    map[string]string // merged over the server's own environment
	Dir    string            // working directory
}

// ExitResult is the outcome of a finished process.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running step.
type Handle interface {
	// Stdout and Stderr return the process output streams. They reach EOF
	// when the process (and every child holding them) exits.
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process exits. Read both streams to EOF first.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop kills the process and every process in its group.
	Stop(ctx context.Context) error
}
