// Package mock provides an in-process [worker.Spawner] for tests and for
// deployments that have not wired a real container/process runtime. It
// simulates a worker becoming ready after a short delay rather than
// launching an actual STT/LLM/TTS process, which lives outside this
// component's responsibility.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/internal/worker"
)

// Spawner is an in-memory [worker.Spawner]. Each claimed job transitions to
// ready after ReadyDelay elapses from Spawn.
type Spawner struct {
	// ReadyDelay is how long Probe reports not-ready after Spawn. Zero means
	// ready immediately.
	ReadyDelay time.Duration

	// FailJobs, if non-nil, names room names whose Spawn call fails —
	// useful for exercising the supervisor's crash-retry path.
	FailJobs map[string]bool

	mu         sync.Mutex
	spawnedAt  map[string]time.Time
	terminated map[string]bool
}

var _ worker.Spawner = (*Spawner)(nil)

// New returns a ready-to-use [Spawner].
func New() *Spawner {
	return &Spawner{
		spawnedAt:  make(map[string]time.Time),
		terminated: make(map[string]bool),
	}
}

func (s *Spawner) Spawn(ctx context.Context, claim model.JobClaim) error {
	if s.FailJobs[claim.RoomName] {
		return fmt.Errorf("worker mock: configured to fail spawn for %q", claim.RoomName)
	}
	s.mu.Lock()
	s.spawnedAt[claim.RoomName] = time.Now()
	delete(s.terminated, claim.RoomName)
	s.mu.Unlock()
	return nil
}

func (s *Spawner) Probe(ctx context.Context, claim model.JobClaim) (bool, error) {
	s.mu.Lock()
	t, ok := s.spawnedAt[claim.RoomName]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("worker mock: %q was never spawned", claim.RoomName)
	}
	return time.Since(t) >= s.ReadyDelay, nil
}

func (s *Spawner) Terminate(ctx context.Context, claim model.JobClaim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated[claim.RoomName] = true
	delete(s.spawnedAt, claim.RoomName)
	return nil
}

// Terminated reports whether roomName's worker has been terminated. Test-only.
func (s *Spawner) Terminated(roomName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated[roomName]
}
