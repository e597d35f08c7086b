// Package worker implements the worker supervisor (component C4): it tracks
// the lifecycle of one agent process per dispatched conversation, from
// spawn through readiness, serving, draining, and termination, reaping
// duplicate claims on the same room and retrying a crashed worker a bounded
// number of times before surfacing a dispatch failure.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/internal/stageerr"
)

// State is a stage in a worker's lifecycle.
type State string

const (
	StateSpawning    State = "spawning"
	StateRegistering State = "registering"
	StateReady       State = "ready"
	StateServing     State = "serving"
	StateDraining    State = "draining"
	StateTerminated  State = "terminated"
	StateFailed      State = "failed"
)

// Spawner launches the actual agent process/container for a job and
// returns once it has started (not necessarily ready). Implementations are
// supplied by internal/app, wrapping whatever runtime hosts agent processes.
type Spawner interface {
	// Spawn starts the worker process for claim, injecting claim.Profile
	// into its environment: that payload is the only thing telling the
	// process which persona, models, and credentials to serve with.
	Spawn(ctx context.Context, claim model.JobClaim) error
	// Probe checks whether the worker for claim is ready to serve traffic.
	Probe(ctx context.Context, claim model.JobClaim) (bool, error)
	// Terminate stops the worker process for claim.
	Terminate(ctx context.Context, claim model.JobClaim) error
}

// Handle tracks one worker's lifecycle. Safe for concurrent use.
type Handle struct {
	mu    sync.Mutex
	claim model.JobClaim
	state State
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Claim returns the job claim this handle tracks.
func (h *Handle) Claim() model.JobClaim {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.claim
}

// Supervisor manages [Handle] lifecycles, one per room, reaping duplicate
// claims for a room already being served.
type Supervisor struct {
	spawner Spawner

	maxCrashRetries int
	probeInterval   time.Duration
	probeTimeout    time.Duration
	poolLabel       string

	mu      sync.Mutex
	handles map[string]*Handle // room name -> handle
}

// Option configures a [Supervisor].
type Option func(*Supervisor)

// WithMaxCrashRetries sets how many times a crashed worker is respawned
// before the job is surfaced as failed. Default: 2.
func WithMaxCrashRetries(n int) Option {
	return func(s *Supervisor) {
		if n >= 0 {
			s.maxCrashRetries = n
		}
	}
}

// WithProbeInterval sets how often readiness is polled. Default: 200ms.
func WithProbeInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.probeInterval = d
		}
	}
}

// WithProbeTimeout bounds total time spent waiting for readiness. Default: 10s.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

// WithPoolLabel tags every claim with a worker pool label (see
// WORKER_POOL_LABEL), letting the spawner route work to a dedicated node
// pool. Default: "" (spawner's default pool).
func WithPoolLabel(label string) Option {
	return func(s *Supervisor) { s.poolLabel = label }
}

// NewSupervisor creates a [Supervisor] backed by spawner.
func NewSupervisor(spawner Spawner, opts ...Option) *Supervisor {
	s := &Supervisor{
		spawner:         spawner,
		maxCrashRetries: 2,
		probeInterval:   200 * time.Millisecond,
		probeTimeout:    10 * time.Second,
		handles:         make(map[string]*Handle),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Claim starts (or returns the existing) worker for roomName, carrying job
// — the same dispatch profile attached to the room as its job description —
// into the spawner. A second call for an already-serving room is reaped: it
// returns the existing handle rather than spawning a duplicate worker.
func (s *Supervisor) Claim(ctx context.Context, job model.DispatchProfile, roomName string) (*Handle, error) {
	s.mu.Lock()
	if h, ok := s.handles[roomName]; ok {
		st := h.State()
		if st != StateTerminated && st != StateFailed {
			s.mu.Unlock()
			slog.Debug("worker: reaped duplicate claim", "room", roomName, "state", st)
			return h, nil
		}
	}

	claim := model.JobClaim{
		JobID:     uuid.NewString(),
		RoomName:  roomName,
		Profile:   job,
		ClaimedAt: time.Now(),
		PoolLabel: s.poolLabel,
	}
	h := &Handle{claim: claim, state: StateSpawning}
	s.handles[roomName] = h
	s.mu.Unlock()

	if err := s.runWithCrashRetry(ctx, h); err != nil {
		h.setState(StateFailed)
		return nil, err
	}
	return h, nil
}

func (s *Supervisor) runWithCrashRetry(ctx context.Context, h *Handle) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxCrashRetries; attempt++ {
		h.setState(StateSpawning)
		if err := s.spawner.Spawn(ctx, h.Claim()); err != nil {
			lastErr = err
			slog.Warn("worker: spawn failed", "room", h.Claim().RoomName, "attempt", attempt, "err", err)
			continue
		}

		h.setState(StateRegistering)
		if err := s.awaitReady(ctx, h); err != nil {
			lastErr = err
			slog.Warn("worker: readiness probe failed, retrying", "room", h.Claim().RoomName, "attempt", attempt, "err", err)
			continue
		}

		h.setState(StateReady)
		h.setState(StateServing)
		return nil
	}
	return fmt.Errorf("%w: worker never became ready after %d attempts: %v", stageerr.ErrDispatchFailed, s.maxCrashRetries+1, lastErr)
}

func (s *Supervisor) awaitReady(ctx context.Context, h *Handle) error {
	deadline := time.Now().Add(s.probeTimeout)
	for time.Now().Before(deadline) {
		ready, err := s.spawner.Probe(ctx, h.Claim())
		if err == nil && ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.probeInterval):
		}
	}
	return fmt.Errorf("probe timeout after %s", s.probeTimeout)
}

// Drain transitions roomName's worker to draining and terminates it.
func (s *Supervisor) Drain(ctx context.Context, roomName string) error {
	s.mu.Lock()
	h, ok := s.handles[roomName]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	h.setState(StateDraining)
	if err := s.spawner.Terminate(ctx, h.Claim()); err != nil {
		return fmt.Errorf("worker: terminate %q: %w", roomName, err)
	}
	h.setState(StateTerminated)

	s.mu.Lock()
	delete(s.handles, roomName)
	s.mu.Unlock()
	return nil
}

// Handle returns the tracked handle for roomName, if any.
func (s *Supervisor) Handle(roomName string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[roomName]
	return h, ok
}
