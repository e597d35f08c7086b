package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/internal/worker"
	workermock "github.com/brightloom/stagehand/internal/worker/mock"
)

func testJob(conversationID string) model.DispatchProfile {
	return model.DispatchProfile{
		TenantID:       "t1",
		AgentID:        "agent-1",
		SystemPrompt:   "You are a helpful assistant.",
		UserID:         "u1",
		ConversationID: conversationID,
	}
}

func TestSupervisor_Claim_ReapsDuplicate(t *testing.T) {
	t.Parallel()
	spawner := workermock.New()
	sup := worker.NewSupervisor(spawner)

	h1, err := sup.Claim(context.Background(), testJob("conv-1"), "room-1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	h2, err := sup.Claim(context.Background(), testJob("conv-1"), "room-1")
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected second claim to reap the existing handle, got a distinct one")
	}
	if h1.State() != worker.StateServing {
		t.Fatalf("expected StateServing, got %s", h1.State())
	}
	if h1.Claim().Profile.SystemPrompt == "" {
		t.Fatalf("expected the claim to carry the dispatch profile for the spawner")
	}
}

// flakySpawner fails its first failures Spawn calls, then delegates to the
// in-memory mock.
type flakySpawner struct {
	*workermock.Spawner
	failures int
	spawns   int
}

func (f *flakySpawner) Spawn(ctx context.Context, claim model.JobClaim) error {
	f.spawns++
	if f.spawns <= f.failures {
		return errors.New("simulated worker crash")
	}
	return f.Spawner.Spawn(ctx, claim)
}

func TestSupervisor_Claim_CrashRetrySucceedsAfterFailures(t *testing.T) {
	t.Parallel()
	// The first two spawns crash; with two crash retries allowed, the third
	// attempt comes up ready and serves.
	spawner := &flakySpawner{Spawner: workermock.New(), failures: 2}

	sup := worker.NewSupervisor(spawner,
		worker.WithMaxCrashRetries(2),
		worker.WithProbeInterval(5*time.Millisecond),
		worker.WithProbeTimeout(20*time.Millisecond),
	)

	h, err := sup.Claim(context.Background(), testJob("conv-2"), "room-2")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if h.State() != worker.StateServing {
		t.Fatalf("expected StateServing, got %s", h.State())
	}
}

func TestSupervisor_Claim_FailsAfterExhaustingRetries(t *testing.T) {
	t.Parallel()
	spawner := workermock.New()
	spawner.FailJobs = map[string]bool{"room-3": true}

	sup := worker.NewSupervisor(spawner, worker.WithMaxCrashRetries(1))

	h, err := sup.Claim(context.Background(), testJob("conv-3"), "room-3")
	if err == nil {
		t.Fatalf("expected error, got handle %+v", h)
	}
}

func TestSupervisor_Drain_TerminatesAndForgetsHandle(t *testing.T) {
	t.Parallel()
	spawner := workermock.New()
	sup := worker.NewSupervisor(spawner)

	_, err := sup.Claim(context.Background(), testJob("conv-4"), "room-4")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := sup.Drain(context.Background(), "room-4"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if !spawner.Terminated("room-4") {
		t.Fatalf("expected spawner.Terminate to have been called")
	}
	if _, ok := sup.Handle("room-4"); ok {
		t.Fatalf("expected handle to be forgotten after drain")
	}

	// Draining a room with no handle is a no-op, not an error.
	if err := sup.Drain(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("drain of unknown room: %v", err)
	}
}
