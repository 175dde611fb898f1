// Package scheduler admits build submissions into the shared queue and runs
// the single worker loop that drains it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"buildhook/internal/config"
	"buildhook/internal/payload"
	"buildhook/internal/state"
	"buildhook/pkg/api"

	"github.com/google/uuid"
)

// ProjectTokenKey is the optional submission key that sets the project
// stream token. It is removed from the stored payload.
const ProjectTokenKey = "project_token"

// Runner runs the active build to a terminal status.
type Runner interface {
	Run(ctx context.Context) api.Status
}

// Notifier reports a finished build downstream.
type Notifier interface {
	Notify(ctx context.Context, b state.Build)
}

// Rejection is returned by Submit when a submission is refused.
type Rejection struct {
	Status  api.Status
	Message string
	Code    int // HTTP status code
	BuildID string
	Token   string
}

func (r *Rejection) Error() string {
	return r.Message
}

// Accepted describes an admitted submission.
type Accepted struct {
	ID      string
	Token   string
	Status  api.Status // building or pending
	Message string
}

// Scheduler owns the worker loop.
type Scheduler struct {
	state    *state.State
	runner   Runner
	notifier Notifier
	project  config.ProjectConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Workers run until Shutdown.
func New(st *state.State, runner Runner, notifier Notifier, cfg *config.Config, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		state:    st,
		runner:   runner,
		notifier: notifier,
		project:  cfg.Project,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit validates a submission and appends it to the queue, starting the
// worker when none is running. Refusals are returned as *Rejection.
func (s *Scheduler) Submit(submission map[string]string) (Accepted, error) {
	build := s.project.Build
	p := maps.Clone(submission)

	if token, ok := p[ProjectTokenKey]; ok {
		delete(p, ProjectTokenKey)
		if token != "" {
			s.state.SetProjectToken(token)
		}
	}

	uniqueID, ok := p[build.UniqueBuildKey]
	if !ok || uniqueID == "" {
		return Accepted{}, &Rejection{
			Status:  api.StatusMissingUniqueID,
			Message: fmt.Sprintf("Missing unique build key: %s", build.UniqueBuildKey),
			Code:    http.StatusBadRequest,
		}
	}

	if key, missing := payload.Missing(p, build.Payload); missing {
		return Accepted{}, &Rejection{
			Status:  api.StatusMissingPayload,
			Message: fmt.Sprintf("Missing payload key: %s", key),
			Code:    http.StatusBadRequest,
		}
	}

	if err := payload.CheckFiles(s.project.ProjectPath, build.Payload); err != nil {
		return Accepted{}, &Rejection{
			Status:  api.StatusFileCreateFailed,
			Message: fmt.Sprintf("Failed to create payload file: %v", err),
			Code:    http.StatusBadRequest,
		}
	}

	token, err := generateToken(tokenLength)
	if err != nil {
		s.logger.Error("failed to generate stream token", "error", err)
		return Accepted{}, &Rejection{
			Status:  api.StatusSomethingWentWrong,
			Message: "Failed to generate stream token",
			Code:    http.StatusInternalServerError,
		}
	}

	req := state.Request{
		ID:          uuid.NewString(),
		UniqueID:    uniqueID,
		Payload:     p,
		StreamToken: token,
	}

	adm, err := s.state.Enqueue(req, s.project.MaxPendingBuild)
	if err != nil {
		return Accepted{}, s.reject(err, uniqueID)
	}

	s.logger.Info("build queued", "build_id", req.ID, "unique_id", uniqueID, "waiting", adm.Waiting)

	if adm.StartWorker {
		s.wg.Add(1)
		go s.work()
	}

	if adm.Waiting {
		return Accepted{ID: req.ID, Token: token, Status: api.StatusPending, Message: "Build is in pending state"}, nil
	}
	return Accepted{ID: req.ID, Token: token, Status: api.StatusBuilding, Message: "Build started"}, nil
}

func (s *Scheduler) reject(err error, uniqueID string) *Rejection {
	switch {
	case errors.Is(err, state.ErrMaxPending):
		return &Rejection{
			Status:  api.StatusMaxPending,
			Message: fmt.Sprintf("Max Pending Reached: %d", s.project.MaxPendingBuild),
			Code:    http.StatusConflict,
		}
	case errors.Is(err, state.ErrAlreadyBuilding):
		rej := &Rejection{
			Status:  api.StatusAlreadyBuilding,
			Message: fmt.Sprintf("Build already in progress: %s", uniqueID),
			Code:    http.StatusConflict,
		}
		if b, ok := s.state.Active(); ok && b.UniqueID == uniqueID {
			rej.BuildID = b.ID
			rej.Token = b.StreamToken
		}
		return rej
	case errors.Is(err, state.ErrAlreadyQueued):
		return &Rejection{
			Status:  api.StatusAlreadyQueued,
			Message: "Build already in queue",
			Code:    http.StatusConflict,
		}
	default:
		return &Rejection{
			Status:  api.StatusSomethingWentWrong,
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		}
	}
}

// Abort stops the active build with uniqueID or removes it from the queue.
// An unknown key is reported as state.AbortNotFound and is not an error.
func (s *Scheduler) Abort(uniqueID string) state.AbortOutcome {
	outcome := s.state.Abort(uniqueID)
	switch outcome {
	case state.AbortActive:
		s.logger.Info("abort requested for active build", "unique_id", uniqueID)
	case state.AbortQueued:
		s.logger.Info("queued build removed", "unique_id", uniqueID)
	}
	return outcome
}

// AbortAll stops the active build and drops every queued one.
func (s *Scheduler) AbortAll() int {
	n := s.state.AbortAll()
	s.logger.Info("abort all requested", "dropped", n)
	return n
}

// wait blocks until no worker loop is running.
func (s *Scheduler) wait() {
	s.wg.Wait()
}

// Shutdown aborts everything and waits for the worker to exit. When ctx
// ends first the worker's context is cancelled as well.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.AbortAll()

	done := make(chan struct{})
	go func() {
		s.wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// work drains the queue. Exactly one instance runs at a time; the state's
// running flag is claimed by Enqueue and released by Promote.
func (s *Scheduler) work() {
	defer s.wg.Done()

	for {
		b, ok := s.state.Promote(len(s.project.Build.Commands))
		if !ok {
			s.logger.Debug("queue drained, worker exiting")
			return
		}

		s.runBuild(b)

		if s.state.QueueLen() == 0 || s.state.Terminated() {
			continue
		}
		if delay := s.project.BuildDelay(); delay > 0 {
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
			}
		}
	}
}

// runBuild runs, reports and clears one promoted build. A panic is contained
// to the build that caused it.
func (s *Scheduler) runBuild(b state.Build) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("build panicked", "build_id", b.ID, "unique_id", b.UniqueID, "panic", r)
			s.state.ClearActive()
		}
	}()

	s.runner.Run(s.ctx)
	s.finish()
}

func (s *Scheduler) finish() {
	final, ok := s.state.Active()
	if !ok {
		return
	}
	s.notifier.Notify(s.ctx, final)
	s.state.ClearActive()
}
