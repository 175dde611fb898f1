// Package pipeline runs the configured steps of the active build: payload
// extraction, parameter substitution, process spawn, output capture and the
// post-build hooks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"buildhook/internal/capture"
	"buildhook/internal/config"
	"buildhook/internal/logger"
	"buildhook/internal/observability"
	"buildhook/internal/payload"
	"buildhook/internal/runtime"
	"buildhook/internal/state"
	"buildhook/pkg/api"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// stopTimeout bounds the wait for a killed step to be reaped.
const stopTimeout = 10 * time.Second

var errTerminated = errors.New("build terminated")

// Runner executes builds one at a time against a shared state.
type Runner struct {
	state    *state.State
	runtime  runtime.Runtime
	capturer *capture.Capturer
	root     string
	build    config.BuildConfig
	metrics  *observability.BuildMetrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New creates a Runner for the project described by cfg. metrics may be nil.
func New(st *state.State, rt runtime.Runtime, cfg *config.Config, metrics *observability.BuildMetrics, log *slog.Logger) *Runner {
	return &Runner{
		state:    st,
		runtime:  rt,
		capturer: capture.New(st, cfg.Project.FlushEvery(), log),
		root:     cfg.Project.ProjectPath,
		build:    cfg.Project.Build,
		metrics:  metrics,
		tracer:   otel.Tracer(observability.TracerName),
		logger:   log,
	}
}

// vars are the environment and parameter tables of one build. They are
// owned by a single Run call.
type vars struct {
	env    map[string]string
	params map[string]string
}

type stepResult struct {
	exitCode   int
	terminated bool
}

// Run executes the active build to a terminal status and returns it. The
// active build's status, timestamps and step counters are updated as it
// goes; the caller clears it afterwards.
func (r *Runner) Run(ctx context.Context) api.Status {
	b, ok := r.state.Active()
	if !ok {
		return ""
	}
	log := logger.ForBuild(r.logger, b.ID, b.UniqueID)

	ctx, span := observability.StartBuild(ctx, r.tracer, b.ID, b.UniqueID)
	defer span.End()

	log.Info("build started", "steps", len(r.build.Commands))

	env, params := payload.Extract(b.Payload, r.build.Payload)
	v := &vars{env: env, params: params}

	status := api.StatusBuilding
	setStatus := func(s api.Status) {
		status = s
		r.state.UpdateActive(func(b *state.Build) { b.Status = s })
	}

	if err := payload.Materialize(r.root, b.Payload, r.build.Payload); err != nil {
		log.Error("failed to create payload files", "error", err)
		r.systemLine(0, fmt.Sprintf("Failed to create payload file: %v", err), true)
		setStatus(api.StatusError)
	} else {
		for i, cmd := range r.build.Commands {
			res := r.runStep(ctx, log, b, i+1, cmd, v, false)
			if res.terminated {
				setStatus(api.StatusAborted)
				break
			}
			if res.exitCode != 0 {
				setStatus(api.StatusError)
				if cmd.AbortsOnError() {
					log.Info("step failed, skipping remaining steps", "step", i+1, "exit_code", res.exitCode)
					break
				}
			} else if status != api.StatusError {
				setStatus(api.StatusSuccess)
			}
			if r.state.Terminated() {
				setStatus(api.StatusAborted)
				break
			}
		}
	}

	hooks := r.build.RunOnFailure
	if status == api.StatusSuccess {
		hooks = r.build.RunOnSuccess
	}
	if len(hooks) > 0 {
		first := len(r.build.Commands) + 1
		r.state.UpdateActive(func(b *state.Build) {
			b.TotalSteps = len(r.build.Commands) + len(hooks)
		})
		for j, hook := range hooks {
			res := r.runStep(ctx, log, b, first+j, hook, v, true)
			if res.terminated {
				break
			}
			if res.exitCode != 0 && hook.AbortsOnError() {
				break
			}
		}
	}

	if r.state.Terminated() {
		setStatus(api.StatusAborted)
	}
	if status == api.StatusBuilding {
		setStatus(api.StatusError)
	}

	end := time.Now().UTC()
	r.state.UpdateActive(func(b *state.Build) {
		b.EndedAt = end
		b.DurationSeconds = int64(end.Sub(b.StartedAt).Seconds())
	})

	r.state.AppendEvent(api.ProjectEvent{
		ID:          b.ID,
		Timestamp:   end,
		UniqueID:    b.UniqueID,
		SocketToken: b.StreamToken,
		Step:        len(r.build.Commands) + len(hooks),
		State:       status,
		Message:     fmt.Sprintf("Build finished: %s", status),
	})

	span.SetAttributes(attribute.String("build.status", string(status)))
	if status != api.StatusSuccess {
		span.SetStatus(codes.Error, string(status))
	}
	r.metrics.BuildFinished(ctx, status)
	log.Info("build finished", "status", status)
	return status
}

// runStep spawns one step and captures its output. Hook steps bypass the
// termination flag so they run to completion once started.
func (r *Runner) runStep(ctx context.Context, log *slog.Logger, b state.Build, step int, cmd config.CommandConfig, v *vars, hook bool) stepResult {
	start := time.Now()
	title := cmd.Title
	if title == "" {
		title = cmd.Command
	}

	ctx, span := observability.StartStep(ctx, r.tracer, step, title, hook)
	defer span.End()

	r.state.UpdateActive(func(b *state.Build) { b.CurrentStep = step })
	message := "Starting command: " + title
	r.state.AppendEvent(api.ProjectEvent{
		ID:          b.ID,
		Timestamp:   time.Now().UTC(),
		UniqueID:    b.UniqueID,
		SocketToken: b.StreamToken,
		Step:        step,
		State:       api.StatusBuilding,
		Message:     message,
	})
	r.systemLine(step, message, cmd.Publishes())
	log.Info("starting command", "step", step, "title", title, "hook", hook)

	sentinel := "__buildhook_env_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	script := withEnvDump(payload.Substitute(cmd.Command, v.params), sentinel)

	handle, err := r.runtime.Start(ctx, runtime.StartOptions{
		Script: script,
		Env:    maps.Clone(v.env),
		Dir:    r.root,
	})
	if err != nil {
		log.Error("failed to start command", "step", step, "error", err)
		r.systemLine(step, fmt.Sprintf("Failed to start command: %v", err), cmd.Publishes())
		span.RecordError(err)
		r.metrics.StepFinished(ctx, observability.StepFailed, time.Since(start))
		return stepResult{exitCode: -1}
	}

	var stdout, stderr capture.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		stdout = r.capturer.Run(gctx, handle.Stdout(), capture.Options{
			Step:        step,
			Stream:      state.Stdout,
			Publish:     cmd.Publishes(),
			Sentinel:    sentinel,
			ExtractEnvs: cmd.ExtractEnvs,
			Bypass:      hook,
		})
		if stdout.Terminated {
			return errTerminated
		}
		return nil
	})
	g.Go(func() error {
		stderr = r.capturer.Run(gctx, handle.Stderr(), capture.Options{
			Step:    step,
			Stream:  state.Stderr,
			Publish: cmd.Publishes(),
			Bypass:  hook,
		})
		if stderr.Terminated {
			return errTerminated
		}
		return nil
	})
	terminated := g.Wait() != nil

	maps.Copy(v.env, stdout.Extracted)
	maps.Copy(v.params, stdout.Extracted)

	if terminated {
		r.stop(log, step, handle)
		log.Info("step aborted", "step", step)
		r.metrics.StepFinished(ctx, observability.StepAborted, time.Since(start))
		span.SetStatus(codes.Error, "aborted")
		return stepResult{exitCode: -1, terminated: true}
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		r.stop(log, step, handle)
		r.metrics.StepFinished(ctx, observability.StepAborted, time.Since(start))
		return stepResult{exitCode: -1, terminated: true}
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if result.ExitCode != 0 {
		if result.Error != nil {
			span.RecordError(result.Error)
		}
		r.systemLine(step, fmt.Sprintf("Command exited with code %d", result.ExitCode), cmd.Publishes())
		log.Info("command failed", "step", step, "exit_code", result.ExitCode)
		r.metrics.StepFinished(ctx, observability.StepFailed, time.Since(start))
		return stepResult{exitCode: result.ExitCode}
	}

	r.metrics.StepFinished(ctx, observability.StepSucceeded, time.Since(start))
	return stepResult{}
}

// stop kills the step's process group and reaps it.
func (r *Runner) stop(log *slog.Logger, step int, handle runtime.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := handle.Stop(ctx); err != nil {
		log.Warn("failed to kill step", "step", step, "error", err)
	}
	if _, err := handle.Wait(ctx); err != nil {
		log.Warn("killed step was not reaped", "step", step, "error", err)
	}
}

func (r *Runner) systemLine(step int, message string, publish bool) {
	r.state.AppendLogs([]api.LogLine{{
		Timestamp: time.Now().UTC(),
		Stream:    string(state.System),
		Step:      step,
		Message:   message,
	}}, publish)
}

// withEnvDump appends the environment dump to script. The sentinel is
// random per step so ordinary output cannot collide with it. It is printed
// after a newline so output without a trailing newline cannot absorb it, and
// the step's own exit status is preserved.
func withEnvDump(script, sentinel string) string {
	return script + "\n__buildhook_rc=$?\nprintf '\\n%s\\n' '" + sentinel + "'\nenv\nexit $__buildhook_rc\n"
}
