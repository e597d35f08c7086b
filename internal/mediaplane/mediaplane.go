// Package mediaplane defines the realtime media-plane contract: creating
// rooms, minting participant tokens, and listing who is present. Dispatch
// (component C3) and the worker supervisor (component C4) depend on this
// interface rather than any specific room/SFU vendor.
package mediaplane

import (
	"context"
	"time"
)

// Participant describes one identity present in a room.
type Participant struct {
	Identity string
	JoinedAt int64 // unix seconds
}

// Provider is the abstraction over a tenant's realtime media plane.
// Implementations must be safe for concurrent use.
type Provider interface {
	// CreateRoom creates (or returns the existing) room named name, scoped
	// to tenantID, with jobDescription attached as an opaque payload the
	// plane routes to the single worker that claims the room. The media
	// plane destroys the room once it has sat empty for emptyTimeout.
	// Idempotent: creating an already-existing room is not an error, and
	// the original job description wins.
	CreateRoom(ctx context.Context, tenantID, name, jobDescription string, emptyTimeout time.Duration) error

	// MintParticipantToken issues an access token granting identity
	// permission to join room name, expiring after ttl.
	MintParticipantToken(ctx context.Context, tenantID, roomName, identity string, ttl time.Duration) (string, error)

	// ListParticipants returns everyone currently present in roomName.
	ListParticipants(ctx context.Context, tenantID, roomName string) ([]Participant, error)

	// DeleteRoom tears down roomName. Safe to call on a room that no
	// longer exists.
	DeleteRoom(ctx context.Context, tenantID, roomName string) error
}
