package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"buildhook/pkg/api"
)

func eventsOf(s *State) []api.ProjectEvent {
	events, sub := s.SubscribeEvents()
	sub.Close()
	return events
}

func req(key string) Request {
	return Request{ID: "id-" + key, UniqueID: key, StreamToken: "tok-" + key, Payload: map[string]string{"k": key}}
}

func TestEnqueue_RejectionOrder(t *testing.T) {
	s := New()

	adm, err := s.Enqueue(req("a"), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !adm.StartWorker || adm.Waiting {
		t.Errorf("first submission should claim the worker and not wait, got %+v", adm)
	}

	if _, err := s.Enqueue(req("a"), 2); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("expected ErrAlreadyQueued, got %v", err)
	}

	if _, ok := s.Promote(1); !ok {
		t.Fatal("expected promote to succeed")
	}
	if _, err := s.Enqueue(req("a"), 2); !errors.Is(err, ErrAlreadyBuilding) {
		t.Errorf("expected ErrAlreadyBuilding, got %v", err)
	}

	adm, err = s.Enqueue(req("b"), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adm.StartWorker {
		t.Error("worker already running, should not claim it again")
	}
	if !adm.Waiting {
		t.Error("expected submission behind an active build to be waiting")
	}
	if _, err := s.Enqueue(req("c"), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Capacity is checked before duplicates.
	if _, err := s.Enqueue(req("a"), 2); !errors.Is(err, ErrMaxPending) {
		t.Errorf("expected ErrMaxPending, got %v", err)
	}
	if _, err := s.Enqueue(req("d"), 2); !errors.Is(err, ErrMaxPending) {
		t.Errorf("expected ErrMaxPending, got %v", err)
	}
	if s.QueueLen() != 2 {
		t.Errorf("expected queue length 2, got %d", s.QueueLen())
	}
}

func TestEnqueue_ConcurrentSameKey(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Enqueue(req("same"), 100); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("expected exactly one accepted submission, got %d", accepted)
	}
}

func TestEnqueue_ConcurrentCapacity(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Enqueue(req(fmt.Sprintf("k%d", i)), 5)
		}(i)
	}
	wg.Wait()

	if s.QueueLen() != 5 {
		t.Errorf("expected queue to stop at capacity 5, got %d", s.QueueLen())
	}
}

func TestPromote_FIFOAndRelease(t *testing.T) {
	s := New()
	for _, k := range []string{"a", "b", "c"} {
		if _, err := s.Enqueue(req(k), 10); err != nil {
			t.Fatalf("enqueue %s: %v", k, err)
		}
	}
	s.Terminate()

	for _, want := range []string{"a", "b", "c"} {
		b, ok := s.Promote(3)
		if !ok {
			t.Fatalf("expected build %s", want)
		}
		if b.UniqueID != want {
			t.Errorf("expected %s, got %s", want, b.UniqueID)
		}
		if b.Status != api.StatusBuilding || b.CurrentStep != 0 || b.TotalSteps != 3 {
			t.Errorf("unexpected promoted build: %+v", b)
		}
		if s.Terminated() {
			t.Error("expected promote to reset the termination flag")
		}
		s.ClearActive()
	}

	if len(eventsOf(s)) != 3 {
		t.Errorf("expected 3 queued events before drain, got %d", len(eventsOf(s)))
	}
	if _, ok := s.Promote(3); ok {
		t.Fatal("expected empty queue")
	}
	if s.Running() {
		t.Error("expected worker slot to be released")
	}
	if len(eventsOf(s)) != 0 {
		t.Error("expected project events to be cleared when the queue drains")
	}

	adm, err := s.Enqueue(req("d"), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !adm.StartWorker {
		t.Error("expected a fresh worker to be requested after drain")
	}
}

func TestAbort(t *testing.T) {
	s := New()
	s.Enqueue(req("a"), 10)
	s.Enqueue(req("b"), 10)
	s.Enqueue(req("c"), 10)
	s.Promote(1)

	if got := s.Abort("missing"); got != AbortNotFound {
		t.Errorf("expected AbortNotFound, got %v", got)
	}
	if s.Terminated() {
		t.Error("aborting an unknown key must not raise the flag")
	}

	if got := s.Abort("b"); got != AbortQueued {
		t.Errorf("expected AbortQueued, got %v", got)
	}
	if keys := s.QueuedKeys(); len(keys) != 1 || keys[0] != "c" {
		t.Errorf("expected [c] to remain queued, got %v", keys)
	}

	if got := s.Abort("a"); got != AbortActive {
		t.Errorf("expected AbortActive, got %v", got)
	}
	if !s.Terminated() {
		t.Error("expected termination flag after aborting the active build")
	}
}

func TestAbortAll(t *testing.T) {
	s := New()
	s.Enqueue(req("a"), 10)
	s.Enqueue(req("b"), 10)

	if n := s.AbortAll(); n != 2 {
		t.Errorf("expected 2 dropped builds, got %d", n)
	}
	if s.QueueLen() != 0 || !s.Terminated() {
		t.Error("expected empty queue and raised flag")
	}
}

func TestAppendLogs_PublishAndHistory(t *testing.T) {
	s := New()
	if s.AppendLogs([]api.LogLine{{Message: "x"}}, true) {
		t.Error("expected AppendLogs to report false without an active build")
	}

	s.Enqueue(req("a"), 10)
	s.Promote(1)

	history, sub, err := s.SubscribeBuild("a", "tok-a")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()
	if len(history) != 0 {
		t.Errorf("expected empty history, got %d", len(history))
	}

	s.AppendLogs([]api.LogLine{{Step: 1, Message: "hidden"}}, false)
	s.AppendLogs([]api.LogLine{{Step: 1, Message: "one"}, {Step: 1, Message: "two"}}, true)

	msg := <-sub.C()
	var batch []api.LogLine
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		t.Fatalf("failed to decode batch: %v", err)
	}
	if len(batch) != 2 || batch[0].Message != "one" || batch[1].Message != "two" {
		t.Errorf("unexpected batch: %+v", batch)
	}

	b, _ := s.Active()
	if len(b.Logs) != 3 {
		t.Errorf("expected 3 lines in history (published or not), got %d", len(b.Logs))
	}

	final, ok := s.ClearActive()
	if !ok || len(final.Logs) != 3 {
		t.Errorf("unexpected final snapshot: %+v", final)
	}
	if msg := <-sub.C(); !msg.Shutdown {
		t.Error("expected shutdown message when the build is cleared")
	}
}

func TestSubscribeBuild_Errors(t *testing.T) {
	s := New()
	if _, _, err := s.SubscribeBuild("a", "tok-a"); !errors.Is(err, ErrNoActiveBuild) {
		t.Errorf("expected ErrNoActiveBuild, got %v", err)
	}
	s.Enqueue(req("a"), 10)
	s.Promote(1)
	if _, _, err := s.SubscribeBuild("b", "tok-a"); !errors.Is(err, ErrBuildMismatch) {
		t.Errorf("expected ErrBuildMismatch, got %v", err)
	}
	if _, _, err := s.SubscribeBuild("a", "wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestSubscribeEvents_ReplayThenLive(t *testing.T) {
	s := New()
	s.Enqueue(req("a"), 10)
	s.Enqueue(req("b"), 10)

	snapshot, sub := s.SubscribeEvents()
	defer sub.Close()
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 events in snapshot, got %d", len(snapshot))
	}
	if snapshot[0].State != api.StatusBuilding || snapshot[1].State != api.StatusPending {
		t.Errorf("unexpected queued states: %s, %s", snapshot[0].State, snapshot[1].State)
	}

	s.AppendEvent(api.ProjectEvent{UniqueID: "a", Message: "Starting command"})
	msg := <-sub.C()
	var ev api.ProjectEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("failed to decode event: %v", err)
	}
	if ev.Message != "Starting command" {
		t.Errorf("unexpected live event: %+v", ev)
	}
}

func TestFailedHistory_Drain(t *testing.T) {
	s := New()
	s.AppendFailed(api.BuildRecord{ID: "1"})
	s.AppendFailed(api.BuildRecord{ID: "2"})

	drained := s.DrainFailed()
	if len(drained) != 2 || drained[0].ID != "1" {
		t.Errorf("unexpected drained records: %+v", drained)
	}
	if len(s.DrainFailed()) != 0 {
		t.Error("expected history to be empty after drain")
	}
}

func TestBuildRecord_CopiesMaps(t *testing.T) {
	b := Build{ID: "x", Payload: map[string]string{"a": "1"}}
	rec := b.Record()
	rec.Payload["a"] = "2"
	if b.Payload["a"] != "1" {
		t.Error("record must not alias the build payload")
	}
	if rec.OutPayload == nil || rec.Logs == nil {
		t.Error("expected non-nil out payload and logs in the record")
	}
}
