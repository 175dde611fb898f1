// Package state holds the mutable data shared by the scheduler, the pipeline
// and the capture loops: the pending queue, the single active build, the
// termination flag, the project event list, the failed-notification history
// and the two fan-out channels.
//
// Each group of fields has its own lock. When two locks are needed they are
// always taken in the order queue, then build, then events.
package state

import (
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"buildhook/internal/auth"
	"buildhook/pkg/api"
)

// Stream identifies which output of a step produced a log line.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	System Stream = "system" // lines written by the server itself
)

// channelBuffer is the per-subscriber buffer of both fan-out channels.
const channelBuffer = 100

var (
	ErrMaxPending      = errors.New("max pending builds reached")
	ErrAlreadyBuilding = errors.New("build already in progress")
	ErrAlreadyQueued   = errors.New("build already in queue")
	ErrNoActiveBuild   = errors.New("no build is running")
	ErrBuildMismatch   = errors.New("build is not the active build")
	ErrInvalidToken    = errors.New("invalid stream token")
)

// Request is a submitted build waiting in the queue. It is immutable.
type Request struct {
	ID          string
	UniqueID    string
	Payload     map[string]string
	StreamToken string
}

// Build is the single in-flight build.
type Build struct {
	ID              string
	UniqueID        string
	Status          api.Status
	CurrentStep     int
	TotalSteps      int
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int64
	StreamToken     string
	Payload         map[string]string
	OutPayload      map[string]string
	Logs            []api.LogLine
}

func (b *Build) clone() Build {
	c := *b
	c.Payload = maps.Clone(b.Payload)
	c.OutPayload = maps.Clone(b.OutPayload)
	c.Logs = slices.Clone(b.Logs)
	return c
}

// Record converts the build to its wire form.
func (b Build) Record() api.BuildRecord {
	payload := maps.Clone(b.Payload)
	if payload == nil {
		payload = map[string]string{}
	}
	out := maps.Clone(b.OutPayload)
	if out == nil {
		out = map[string]string{}
	}
	logs := slices.Clone(b.Logs)
	if logs == nil {
		logs = []api.LogLine{}
	}
	return api.BuildRecord{
		ID:              b.ID,
		UniqueID:        b.UniqueID,
		Status:          b.Status,
		CurrentStep:     b.CurrentStep,
		TotalSteps:      b.TotalSteps,
		StartedAt:       b.StartedAt,
		EndedAt:         b.EndedAt,
		DurationSeconds: b.DurationSeconds,
		SocketToken:     b.StreamToken,
		Payload:         payload,
		OutPayload:      out,
		Logs:            logs,
	}
}

// Admission describes an accepted submission.
type Admission struct {
	// StartWorker is true when the caller claimed the worker slot and must
	// start the worker loop.
	StartWorker bool
	// Waiting is true when another build is active or queued ahead.
	Waiting bool
}

// AbortOutcome reports what Abort matched.
type AbortOutcome int

const (
	AbortNotFound AbortOutcome = iota
	AbortActive
	AbortQueued
)

// State is the shared build state. Construct it with New; the zero value is
// not usable.
type State struct {
	queueMu sync.Mutex
	queue   []Request
	running bool // worker loop alive; guarded by queueMu

	buildMu sync.Mutex
	active  *Build

	terminated atomic.Bool

	eventsMu sync.Mutex
	events   []api.ProjectEvent

	failedMu sync.Mutex
	failed   []api.BuildRecord

	tokenMu      sync.RWMutex
	projectToken string

	builds  *Broadcaster
	project *Broadcaster
}

// New creates an empty state.
func New() *State {
	return &State{
		builds:  NewBroadcaster(channelBuffer),
		project: NewBroadcaster(channelBuffer),
	}
}

// Enqueue admits req to the tail of the queue. Rejections are checked in
// order: capacity, active build with the same key, queued build with the
// same key. On success a "queued" project event is recorded.
func (s *State) Enqueue(req Request, maxPending int) (Admission, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if len(s.queue) >= maxPending {
		return Admission{}, ErrMaxPending
	}

	s.buildMu.Lock()
	hasActive := s.active != nil
	activeKey := ""
	if hasActive {
		activeKey = s.active.UniqueID
	}
	s.buildMu.Unlock()

	if hasActive && activeKey == req.UniqueID {
		return Admission{}, ErrAlreadyBuilding
	}
	for _, queued := range s.queue {
		if queued.UniqueID == req.UniqueID {
			return Admission{}, ErrAlreadyQueued
		}
	}

	adm := Admission{
		StartWorker: !s.running,
		Waiting:     hasActive || len(s.queue) > 0,
	}
	req.Payload = maps.Clone(req.Payload)
	s.queue = append(s.queue, req)
	s.running = true

	eventState := api.StatusBuilding
	if adm.Waiting {
		eventState = api.StatusPending
	}
	s.AppendEvent(api.ProjectEvent{
		ID:          req.ID,
		Timestamp:   time.Now().UTC(),
		UniqueID:    req.UniqueID,
		SocketToken: req.StreamToken,
		Step:        0,
		State:       eventState,
		Message:     "In Queue",
	})
	return adm, nil
}

// Promote pops the queue head and installs it as the active build with
// status building. It resets the termination flag. When the queue is empty
// it releases the worker slot, clears the project event list and returns
// false; the caller's worker loop must then exit.
func (s *State) Promote(totalSteps int) (Build, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	if len(s.queue) == 0 {
		s.running = false
		s.eventsMu.Lock()
		s.events = nil
		s.eventsMu.Unlock()
		return Build{}, false
	}

	req := s.queue[0]
	s.queue = slices.Delete(s.queue, 0, 1)

	now := time.Now().UTC()
	b := &Build{
		ID:          req.ID,
		UniqueID:    req.UniqueID,
		Status:      api.StatusBuilding,
		CurrentStep: 0,
		TotalSteps:  totalSteps,
		StartedAt:   now,
		EndedAt:     now,
		StreamToken: req.StreamToken,
		Payload:     maps.Clone(req.Payload),
		OutPayload:  map[string]string{},
		Logs:        []api.LogLine{},
	}
	if b.Payload == nil {
		b.Payload = map[string]string{}
	}

	s.terminated.Store(false)
	s.buildMu.Lock()
	s.active = b
	s.buildMu.Unlock()
	return b.clone(), true
}

// Active returns a snapshot of the active build.
func (s *State) Active() (Build, bool) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if s.active == nil {
		return Build{}, false
	}
	return s.active.clone(), true
}

// UpdateActive runs fn on the active build under its lock. It reports false
// when no build is active.
func (s *State) UpdateActive(fn func(b *Build)) bool {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if s.active == nil {
		return false
	}
	fn(s.active)
	return true
}

// ClearActive removes the active build, returns its final snapshot and
// publishes a Shutdown message on the build channel.
func (s *State) ClearActive() (Build, bool) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if s.active == nil {
		return Build{}, false
	}
	b := s.active.clone()
	s.active = nil
	s.builds.Publish(Message{Shutdown: true})
	return b, true
}

// AppendLogs appends a batch to the active build's history and, when
// publish is set, sends the batch as a JSON array on the build channel.
// Both happen under the build lock so stream subscribers never see a batch
// twice or miss one.
func (s *State) AppendLogs(lines []api.LogLine, publish bool) bool {
	if len(lines) == 0 {
		return true
	}
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if s.active == nil {
		return false
	}
	s.active.Logs = append(s.active.Logs, lines...)
	if publish {
		if data, err := json.Marshal(lines); err == nil {
			s.builds.Publish(Message{Data: data})
		}
	}
	return true
}

// SubscribeBuild returns the active build's log history and a subscription
// registered before the build lock is released, so no batch falls between
// the two. uniqueID and token must match the active build.
func (s *State) SubscribeBuild(uniqueID, token string) ([]api.LogLine, *Subscription, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()
	if s.active == nil {
		return nil, nil, ErrNoActiveBuild
	}
	if s.active.UniqueID != uniqueID {
		return nil, nil, ErrBuildMismatch
	}
	if !auth.Equal(s.active.StreamToken, token) {
		return nil, nil, ErrInvalidToken
	}
	return slices.Clone(s.active.Logs), s.builds.Subscribe(), nil
}

// AppendEvent records a project event and publishes it.
func (s *State) AppendEvent(ev api.ProjectEvent) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.events = append(s.events, ev)
	if data, err := json.Marshal(ev); err == nil {
		s.project.Publish(Message{Data: data})
	}
}

// SubscribeEvents returns the current project events and a subscription
// registered under the same lock (replay-then-subscribe).
func (s *State) SubscribeEvents() ([]api.ProjectEvent, *Subscription) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	return slices.Clone(s.events), s.project.Subscribe()
}

// Terminate raises the termination flag.
func (s *State) Terminate() {
	s.terminated.Store(true)
}

// Terminated reports whether the termination flag is raised.
func (s *State) Terminated() bool {
	return s.terminated.Load()
}

// Abort raises the termination flag when uniqueID is the active build, or
// removes it from the queue when it is pending.
func (s *State) Abort(uniqueID string) AbortOutcome {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	s.buildMu.Lock()
	isActive := s.active != nil && s.active.UniqueID == uniqueID
	s.buildMu.Unlock()
	if isActive {
		s.Terminate()
		return AbortActive
	}

	for i, req := range s.queue {
		if req.UniqueID == uniqueID {
			s.queue = slices.Delete(s.queue, i, i+1)
			return AbortQueued
		}
	}
	return AbortNotFound
}

// AbortAll raises the termination flag and empties the queue. It returns
// the number of queued builds dropped.
func (s *State) AbortAll() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.Terminate()
	n := len(s.queue)
	s.queue = nil
	return n
}

// QueueLen returns the number of pending builds.
func (s *State) QueueLen() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

// QueuedKeys returns the unique ids of pending builds in queue order.
func (s *State) QueuedKeys() []string {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	keys := make([]string, len(s.queue))
	for i, req := range s.queue {
		keys[i] = req.UniqueID
	}
	return keys
}

// Running reports whether a worker loop is alive.
func (s *State) Running() bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.running
}

// AppendFailed records a build whose notification could not be delivered.
func (s *State) AppendFailed(rec api.BuildRecord) {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	s.failed = append(s.failed, rec)
}

// DrainFailed returns the failed history and clears it.
func (s *State) DrainFailed() []api.BuildRecord {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	out := s.failed
	s.failed = nil
	return out
}

// SetProjectToken replaces the token required by the project stream.
func (s *State) SetProjectToken(token string) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	s.projectToken = token
}

// ProjectToken returns the current project stream token, or "" when unset.
func (s *State) ProjectToken() string {
	s.tokenMu.RLock()
	defer s.tokenMu.RUnlock()
	return s.projectToken
}
