// Package dispatch implements the dispatch controller (component C3): given
// a dispatch profile, it names a media-plane room and creates it with the
// serialised profile attached as the room's job description, so the worker
// that claims the room knows what to serve — collapsing concurrent requests
// for the same room into a single dispatch and retrying transient
// media-plane failures with backoff.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brightloom/stagehand/internal/mediaplane"
	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/internal/resilience"
	"github.com/brightloom/stagehand/internal/stageerr"
)

// RoomName returns the media-plane room name for job: the caller-provided
// override when set, otherwise one derived deterministically from tenant
// and conversation. Either way, dispatching the same job twice names the
// same room, which is what makes in-flight collapsing and
// crash-reconciliation possible.
func RoomName(job model.DispatchProfile, override string) string {
	if override != "" {
		return override
	}
	return fmt.Sprintf("%s-%s", job.TenantID, job.ConversationID)
}

// Controller dispatches conversations onto the media plane. Safe for
// concurrent use.
type Controller struct {
	media mediaplane.Provider

	maxRetries   int
	retryBaseMs  int
	emptyTimeout time.Duration
	breaker      *resilience.CircuitBreaker

	mu          sync.Mutex
	inflight    map[string]*sync.WaitGroup // room name -> collapses concurrent dispatches
	limiters    map[string]*rate.Limiter   // tenant ID -> per-tenant rate limiter
	expiredCred map[string]bool            // tenant ID -> credentials known-expired

	ratePerSecond float64
	burst         int
}

// Option configures a [Controller].
type Option func(*Controller)

// WithRetries sets the maximum dispatch attempts and the base backoff delay
// (doubled per attempt). Defaults: 3 retries, 200ms base.
func WithRetries(maxRetries, baseDelayMs int) Option {
	return func(c *Controller) {
		if maxRetries > 0 {
			c.maxRetries = maxRetries
		}
		if baseDelayMs > 0 {
			c.retryBaseMs = baseDelayMs
		}
	}
}

// WithEmptyTimeout sets how long a created room may sit with no
// participants before the media plane destroys it (see
// DEFAULT_EMPTY_TIMEOUT_SECONDS). Default: 5 minutes.
func WithEmptyTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.emptyTimeout = d
		}
	}
}

// WithPerTenantRate sets the token-bucket rate (dispatches/sec) and burst
// applied per tenant. Defaults: 5/s, burst 10.
func WithPerTenantRate(perSecond float64, burst int) Option {
	return func(c *Controller) {
		if perSecond > 0 {
			c.ratePerSecond = perSecond
		}
		if burst > 0 {
			c.burst = burst
		}
	}
}

// NewController creates a [Controller] backed by media.
func NewController(media mediaplane.Provider, opts ...Option) *Controller {
	c := &Controller{
		media:         media,
		maxRetries:    3,
		retryBaseMs:   200,
		emptyTimeout:  5 * time.Minute,
		ratePerSecond: 5,
		burst:         10,
		inflight:      make(map[string]*sync.WaitGroup),
		limiters:      make(map[string]*rate.Limiter),
		expiredCred:   make(map[string]bool),
	}
	c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "dispatch.media_plane"})
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dispatch serialises job as the room's job description and creates the
// media-plane room for it (idempotent by room name), respecting the
// tenant's rate limit and retrying transient failures with exponential
// backoff. roomName overrides the derived name when non-empty. Concurrent
// dispatches for the same room collapse into a single underlying
// CreateRoom call, and the first dispatch's job description wins.
func (c *Controller) Dispatch(ctx context.Context, job model.DispatchProfile, roomName string) (model.Room, error) {
	name := RoomName(job, roomName)

	payload, err := json.Marshal(job)
	if err != nil {
		return model.Room{}, fmt.Errorf("%w: marshal job description: %v", stageerr.ErrInvalidDispatch, err)
	}
	jobDescription := string(payload)

	c.mu.Lock()
	if c.expiredCred[job.TenantID] {
		c.mu.Unlock()
		return model.Room{}, fmt.Errorf("%w: tenant %q media-plane credentials must be rotated before dispatching", stageerr.ErrCredentialsExpired, job.TenantID)
	}
	if wg, ok := c.inflight[name]; ok {
		c.mu.Unlock()
		wg.Wait()
		return model.Room{Name: name, TenantID: job.TenantID, JobDescription: jobDescription}, nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inflight[name] = wg
	limiter := c.tenantLimiter(job.TenantID)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, name)
		c.mu.Unlock()
		wg.Done()
	}()

	if err := limiter.Wait(ctx); err != nil {
		return model.Room{}, fmt.Errorf("%w: rate limiter: %v", stageerr.ErrDispatchFailed, err)
	}

	if err := c.createRoomWithRetry(ctx, job.TenantID, name, jobDescription); err != nil {
		return model.Room{}, err
	}

	return model.Room{Name: name, TenantID: job.TenantID, JobDescription: jobDescription, CreatedAt: time.Now()}, nil
}

// MarkCredentialsExpired puts tenantID on the known-expired list: every
// subsequent Dispatch for it fails fast with
// [stageerr.ErrCredentialsExpired] before any network call, until
// ClearCredentialsExpired is called after rotation.
func (c *Controller) MarkCredentialsExpired(tenantID string) {
	c.mu.Lock()
	c.expiredCred[tenantID] = true
	c.mu.Unlock()
}

// ClearCredentialsExpired removes tenantID from the known-expired list.
func (c *Controller) ClearCredentialsExpired(tenantID string) {
	c.mu.Lock()
	delete(c.expiredCred, tenantID)
	c.mu.Unlock()
}

func (c *Controller) tenantLimiter(tenantID string) *rate.Limiter {
	if l, ok := c.limiters[tenantID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(c.ratePerSecond), c.burst)
	c.limiters[tenantID] = l
	return l
}

func (c *Controller) createRoomWithRetry(ctx context.Context, tenantID, roomName, jobDescription string) error {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		err := c.breaker.Execute(func() error {
			return c.media.CreateRoom(ctx, tenantID, roomName, jobDescription, c.emptyTimeout)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		delay := time.Duration(c.retryBaseMs) * time.Duration(1<<attempt) * time.Millisecond
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", stageerr.ErrDispatchFailed, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: create room %q after %d attempts: %v", stageerr.ErrDispatchFailed, roomName, c.maxRetries, lastErr)
}
