package eventbridge_test

import (
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/brightloom/stagehand/internal/eventbridge"
)

// startEmbeddedNATS runs an in-process NATS server on a free port for the
// duration of the test.
func startEmbeddedNATS(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1, // let the OS pick a free port
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("start embedded nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded nats server never became ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestConnect_PublishSubscribeRoundTrip(t *testing.T) {
	srv := startEmbeddedNATS(t)

	conn, err := eventbridge.Connect(srv.ClientURL(), "stagehand-test")
	if err != nil {
		t.Fatalf("Connect() returned error: %v", err)
	}
	defer conn.Close()

	sub, err := conn.SubscribeSync("stagehand.test-tenant.conv-1.turns")
	if err != nil {
		t.Fatalf("SubscribeSync() returned error: %v", err)
	}

	if err := conn.Publish("stagehand.test-tenant.conv-1.turns", []byte(`{"event":"turn_committed"}`)); err != nil {
		t.Fatalf("Publish() returned error: %v", err)
	}

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("NextMsg() returned error: %v", err)
	}
	if string(msg.Data) != `{"event":"turn_committed"}` {
		t.Errorf("received data = %q, want %q", msg.Data, `{"event":"turn_committed"}`)
	}
}

func TestConnect_BadURL(t *testing.T) {
	_, err := eventbridge.Connect("nats://127.0.0.1:1", "stagehand-test")
	if err == nil {
		t.Fatal("Connect() to an unreachable address returned nil error")
	}
}
