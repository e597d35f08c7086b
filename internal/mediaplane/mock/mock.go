// Package mock provides an in-memory [mediaplane.Provider] for tests and
// for tenants configured without a real media-plane vendor.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/brightloom/stagehand/internal/mediaplane"
)

// room is one in-memory room: its attached job description and who is
// currently present.
type room struct {
	jobDescription string
	participants   map[string]mediaplane.Participant // identity -> participant
}

// Provider is an in-memory [mediaplane.Provider].
type Provider struct {
	mu    sync.Mutex
	rooms map[string]*room // tenant-scoped room key -> room
}

var _ mediaplane.Provider = (*Provider)(nil)

// New returns an empty, ready-to-use [Provider].
func New() *Provider {
	return &Provider{rooms: make(map[string]*room)}
}

func (p *Provider) CreateRoom(ctx context.Context, tenantID, name, jobDescription string, emptyTimeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := roomKey(tenantID, name)
	if _, ok := p.rooms[key]; !ok {
		p.rooms[key] = &room{
			jobDescription: jobDescription,
			participants:   make(map[string]mediaplane.Participant),
		}
	}
	return nil
}

func (p *Provider) MintParticipantToken(ctx context.Context, tenantID, roomName, identity string, ttl time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := roomKey(tenantID, roomName)
	r, ok := p.rooms[key]
	if !ok {
		return "", fmt.Errorf("mediaplane mock: room %q does not exist", roomName)
	}
	r.participants[identity] = mediaplane.Participant{Identity: identity, JoinedAt: time.Now().Unix()}
	return fmt.Sprintf("mock-token:%s:%s:%s", tenantID, roomName, identity), nil
}

func (p *Provider) ListParticipants(ctx context.Context, tenantID, roomName string) ([]mediaplane.Participant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rooms[roomKey(tenantID, roomName)]
	if !ok {
		return nil, nil
	}
	out := make([]mediaplane.Participant, 0, len(r.participants))
	for _, pt := range r.participants {
		out = append(out, pt)
	}
	return out, nil
}

func (p *Provider) DeleteRoom(ctx context.Context, tenantID, roomName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms, roomKey(tenantID, roomName))
	return nil
}

// JobDescription returns the payload roomName was created with, and whether
// the room exists. Test-only.
func (p *Provider) JobDescription(tenantID, roomName string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rooms[roomKey(tenantID, roomName)]
	if !ok {
		return "", false
	}
	return r.jobDescription, true
}

func roomKey(tenantID, roomName string) string { return tenantID + "\x00" + roomName }
