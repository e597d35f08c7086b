package eventbridge_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	dpmock "github.com/brightloom/stagehand/internal/dataplane/mock"
	"github.com/brightloom/stagehand/internal/eventbridge"
	"github.com/brightloom/stagehand/internal/model"
	"github.com/brightloom/stagehand/internal/turnstore"
)

type fakeConn struct {
	mu        sync.Mutex
	published []fakeMsg
	err       error
}

type fakeMsg struct {
	subject string
	data    []byte
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.published = append(f.published, fakeMsg{subject: subject, data: data})
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) events() []fakeMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeMsg(nil), f.published...)
}

func newBridge() (*eventbridge.Bridge, *fakeConn, *turnstore.Store) {
	conn := &fakeConn{}
	turns := turnstore.New(dpmock.NewTurnStore())
	b := eventbridge.New(conn, turns)
	return b, conn, turns
}

func TestBridge_UserThenAgent_RecordsTurnAndPublishesThreeEvents(t *testing.T) {
	t.Parallel()
	b, conn, turns := newBridge()
	defer turns.Close()
	ctx := context.Background()

	if err := b.UserSpeechCommitted(ctx, "acme", "conv-1", "u1", "turn-1", "what is onboarding?", model.SourceText); err != nil {
		t.Fatalf("UserSpeechCommitted: %v", err)
	}
	if err := b.AgentSpeechCommitted(ctx, "turn-1", "here's the onboarding flow", nil, model.SourceText); err != nil {
		t.Fatalf("AgentSpeechCommitted: %v", err)
	}

	events := conn.events()
	if len(events) != 3 {
		t.Fatalf("published %d events, want 3", len(events))
	}
	var kinds []string
	for _, ev := range events {
		var decoded struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(ev.data, &decoded); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		kinds = append(kinds, decoded.Event)
	}
	want := []string{"user_speech_committed", "agent_speech_committed", "turn_committed"}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("events[%d] = %q, want %q", i, kinds[i], k)
		}
	}

	recent, err := turns.Recent(ctx, "conv-1", (model.Turn{}).CreatedAt, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent() returned %d turns, want 2", len(recent))
	}
	if recent[0].TurnID == "" || recent[0].TurnID != recent[1].TurnID {
		t.Fatalf("turn pair does not share turn_id: %q vs %q", recent[0].TurnID, recent[1].TurnID)
	}
}

func TestBridge_AgentWithoutUser_Errors(t *testing.T) {
	t.Parallel()
	b, _, turns := newBridge()
	defer turns.Close()

	err := b.AgentSpeechCommitted(context.Background(), "turn-missing", "reply", nil, model.SourceText)
	if err == nil {
		t.Fatal("expected error for agent event with no prior user event")
	}
}

func TestBridge_DuplicateUserEvent_PublishesOnce(t *testing.T) {
	t.Parallel()
	b, conn, turns := newBridge()
	defer turns.Close()
	ctx := context.Background()

	if err := b.UserSpeechCommitted(ctx, "acme", "conv-2", "u1", "turn-2", "hello", model.SourceVoice); err != nil {
		t.Fatalf("UserSpeechCommitted: %v", err)
	}
	if err := b.UserSpeechCommitted(ctx, "acme", "conv-2", "u1", "turn-2", "hello again", model.SourceVoice); err != nil {
		t.Fatalf("UserSpeechCommitted (dup): %v", err)
	}

	events := conn.events()
	if len(events) != 1 {
		t.Fatalf("published %d events, want 1 (duplicate suppressed)", len(events))
	}
}

func TestBridge_DuplicateAgentEvent_DoesNotDoubleWrite(t *testing.T) {
	t.Parallel()
	b, _, turns := newBridge()
	defer turns.Close()
	ctx := context.Background()

	if err := b.UserSpeechCommitted(ctx, "acme", "conv-3", "u1", "turn-3", "hi", model.SourceText); err != nil {
		t.Fatalf("UserSpeechCommitted: %v", err)
	}
	if err := b.AgentSpeechCommitted(ctx, "turn-3", "hello", nil, model.SourceText); err != nil {
		t.Fatalf("AgentSpeechCommitted: %v", err)
	}
	// Second call for the same turn_id: pending state was cleared, so this
	// now looks like an agent event with no prior user event.
	err := b.AgentSpeechCommitted(ctx, "turn-3", "hello again", nil, model.SourceText)
	if err == nil {
		t.Fatal("expected error on repeated agent_speech_committed for a completed turn")
	}
}

func TestBridge_PublishFailure_Propagates(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{err: errors.New("nats: no responders")}
	turns := turnstore.New(dpmock.NewTurnStore())
	defer turns.Close()
	b := eventbridge.New(conn, turns)

	err := b.UserSpeechCommitted(context.Background(), "acme", "conv-4", "u1", "turn-4", "hi", model.SourceText)
	if err == nil {
		t.Fatal("expected publish failure to propagate")
	}
}

func TestBridge_Abandon_ClearsPendingWithoutPublishing(t *testing.T) {
	t.Parallel()
	b, conn, turns := newBridge()
	defer turns.Close()
	ctx := context.Background()

	if err := b.UserSpeechCommitted(ctx, "acme", "conv-5", "u1", "turn-5", "hi", model.SourceText); err != nil {
		t.Fatalf("UserSpeechCommitted: %v", err)
	}
	b.Abandon("turn-5")

	err := b.AgentSpeechCommitted(ctx, "turn-5", "too late", nil, model.SourceText)
	if err == nil {
		t.Fatal("expected error: pending user turn was abandoned")
	}
	if len(conn.events()) != 1 {
		t.Fatalf("published %d events, want 1 (only the user event)", len(conn.events()))
	}
}
