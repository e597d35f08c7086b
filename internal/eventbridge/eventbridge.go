// Package eventbridge implements the event bridge (component C8): it turns
// worker-emitted transcript events into turn-store writes (component C6)
// and republishes them on NATS subjects realtime subscribers can attach to,
// scoped by tenant and conversation. It guarantees at most one
// user_speech_committed and one agent_speech_committed event reaches a
// subscriber per turn_id.
package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/internal/turnstore"
)

// DefaultSubjectPrefix prefixes every published subject when no override is
// configured.
const DefaultSubjectPrefix = "stagehand"

// TurnRecorder is the subset of [turnstore.Store] the bridge depends on.
type TurnRecorder interface {
	RecordTurnPair(ctx context.Context, userTurn, agentTurn model.Turn) error
}

var _ TurnRecorder = (*turnstore.Store)(nil)

// Conn is the subset of [*nats.Conn] the bridge depends on, letting tests
// substitute a fake without a live server.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// pendingTurn tracks the user half of a turn_id until its matching agent
// response arrives (or it is abandoned, e.g. by a worker crash — the
// reconciliation query in turnstore.Store.Reconcile catches that case at
// the storage layer instead).
type pendingTurn struct {
	conversationID string
	tenantID       string
	userID         string
	text           string
	source         model.Source
	userCommitted  bool
	agentCommitted bool
}

// Bridge is the C8 event bridge. Safe for concurrent use.
type Bridge struct {
	conn          Conn
	turns         TurnRecorder
	subjectPrefix string

	mu      sync.Mutex
	pending map[string]*pendingTurn // turn_id -> pending state
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithSubjectPrefix overrides [DefaultSubjectPrefix].
func WithSubjectPrefix(prefix string) Option {
	return func(b *Bridge) {
		if prefix != "" {
			b.subjectPrefix = prefix
		}
	}
}

// New creates a [Bridge] publishing through conn and recording turns
// through turns.
func New(conn Conn, turns TurnRecorder, opts ...Option) *Bridge {
	b := &Bridge{
		conn:          conn,
		turns:         turns,
		subjectPrefix: DefaultSubjectPrefix,
		pending:       make(map[string]*pendingTurn),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// subject returns the per-conversation turns subject:
// "{prefix}.{tenant_id}.{conversation_id}.turns".
func (b *Bridge) subject(tenantID, conversationID string) string {
	return fmt.Sprintf("%s.%s.%s.turns", b.subjectPrefix, tenantID, conversationID)
}

type userSpeechEvent struct {
	Event          string `json:"event"`
	TurnID         string `json:"turn_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type agentSpeechEvent struct {
	Event          string           `json:"event"`
	TurnID         string           `json:"turn_id"`
	ConversationID string           `json:"conversation_id"`
	Text           string           `json:"text"`
	Citations      []model.Citation `json:"citations,omitempty"`
}

type turnCommittedEvent struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
	HasCitations   bool   `json:"has_citations"`
}

// UserSpeechCommitted records the user half of turnID and publishes a
// user_speech_committed event. A second call for the same turnID is a
// no-op: the bridge guarantees at most one such event reaches a subscriber
// per turn_id.
func (b *Bridge) UserSpeechCommitted(ctx context.Context, tenantID, conversationID, userID, turnID, text string, source model.Source) error {
	b.mu.Lock()
	pt, ok := b.pending[turnID]
	if !ok {
		pt = &pendingTurn{conversationID: conversationID, tenantID: tenantID, userID: userID}
		b.pending[turnID] = pt
	} else if pt.userID == "" {
		pt.userID = userID
	}
	if pt.userCommitted {
		b.mu.Unlock()
		return nil
	}
	pt.text = text
	pt.source = source
	pt.userCommitted = true
	b.mu.Unlock()

	return b.publish(b.subject(tenantID, conversationID), userSpeechEvent{
		Event:          "user_speech_committed",
		TurnID:         turnID,
		ConversationID: conversationID,
		Text:           text,
	})
}

// AgentSpeechCommitted pairs with the previously recorded user half of
// turnID, writes the atomic turn pair via the turn store (C6), and publishes
// agent_speech_committed followed by turn_committed. It is an error to call
// this before the matching UserSpeechCommitted, or again after the turn has
// already been committed — the pending entry is consumed on first success,
// so at most one agent_speech_committed ever reaches a subscriber per
// turn_id.
func (b *Bridge) AgentSpeechCommitted(ctx context.Context, turnID, text string, citations []model.Citation, source model.Source) error {
	b.mu.Lock()
	pt, ok := b.pending[turnID]
	if !ok || !pt.userCommitted {
		b.mu.Unlock()
		return fmt.Errorf("eventbridge: agent_speech_committed for turn_id %q with no prior user_speech_committed", turnID)
	}
	if pt.agentCommitted {
		b.mu.Unlock()
		return nil
	}
	pt.agentCommitted = true
	conversationID, tenantID, userID := pt.conversationID, pt.tenantID, pt.userID
	userText, userSource := pt.text, pt.source
	delete(b.pending, turnID)
	b.mu.Unlock()

	now := time.Now()
	userTurn := model.Turn{
		TurnID:         turnID,
		ConversationID: conversationID,
		TenantID:       tenantID,
		UserID:         userID,
		Role:           model.RoleUser,
		Text:           userText,
		Source:         userSource,
		CreatedAt:      now,
	}
	agentTurn := model.Turn{
		TurnID:         turnID,
		ConversationID: conversationID,
		TenantID:       tenantID,
		UserID:         userID,
		Role:           model.RoleAgent,
		Text:           text,
		Source:         source,
		Citations:      citations,
		CreatedAt:      now.Add(time.Microsecond),
	}

	if err := b.turns.RecordTurnPair(ctx, userTurn, agentTurn); err != nil {
		return err
	}

	if err := b.publish(b.subject(tenantID, conversationID), agentSpeechEvent{
		Event:          "agent_speech_committed",
		TurnID:         turnID,
		ConversationID: conversationID,
		Text:           text,
		Citations:      citations,
	}); err != nil {
		return err
	}

	return b.publish(b.subject(tenantID, conversationID), turnCommittedEvent{
		Event:          "turn_committed",
		ConversationID: conversationID,
		TurnID:         turnID,
		HasCitations:   len(citations) > 0,
	})
}

// Abandon drops a pending user turn that will never receive a matching
// agent response (e.g. the worker crashed mid-turn). It does not publish
// anything; the row, if already written by some other path, remains subject
// to turnstore.Store.Reconcile.
func (b *Bridge) Abandon(turnID string) {
	b.mu.Lock()
	delete(b.pending, turnID)
	b.mu.Unlock()
}

func (b *Bridge) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("eventbridge: marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("eventbridge: publish %s: %w", subject, err)
	}
	return nil
}
