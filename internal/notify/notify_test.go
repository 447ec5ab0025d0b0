package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/org/agentguard/pkg/models"
	"github.com/rs/zerolog"
)

func sampleEvent() Event {
	return RequestedEvent(&models.ApprovalRequest{
		ID:          "abc",
		PrincipalID: "u1",
		Resource:    models.ResourceKey{Type: models.ResourceDomain, Value: "api.github.com"},
		Metadata:    map[string]any{"method": "GET"},
		CreatedAt:   time.Now(),
	})
}

type recordingNotifier struct {
	events []Event
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestMultiContinuesPastFailures(t *testing.T) {
	bad := &recordingNotifier{err: errors.New("boom")}
	good := &recordingNotifier{}
	m := NewMulti(zerolog.Nop(), bad, good)
	if err := m.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Multi.Notify returned %v", err)
	}
	if len(bad.events) != 1 || len(good.events) != 1 {
		t.Errorf("bad=%d good=%d", len(bad.events), len(good.events))
	}
}

func TestRequestedEventActions(t *testing.T) {
	ev := sampleEvent()
	if ev.Type != EventApprovalRequested || len(ev.Actions) != 3 {
		t.Errorf("unexpected event %+v", ev)
	}
}

type fakeToken struct {
	err     error
	timeout bool
}

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return !f.timeout }
func (f *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (f *fakeToken) Error() error { return f.err }

type fakeMQTT struct {
	connected bool
	topics    []string
	payloads  [][]byte
	pubErr    error
}

func (f *fakeMQTT) Connect() mqtt.Token { f.connected = true; return &fakeToken{} }
func (f *fakeMQTT) Disconnect(uint)     { f.connected = false }
func (f *fakeMQTT) IsConnected() bool   { return f.connected }
func (f *fakeMQTT) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload.([]byte))
	return &fakeToken{err: f.pubErr}
}

func TestMQTTNotifierPublishes(t *testing.T) {
	client := &fakeMQTT{}
	n := NewMQTTNotifierWithClient(client, "", zerolog.Nop())
	if err := n.Notify(context.Background(), sampleEvent()); err == nil {
		t.Error("expected error while disconnected")
	}
	if err := n.connect(); err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), sampleEvent()); err != nil {
		t.Fatal(err)
	}
	if client.topics[0] != "agentguard/approvals/approval.requested" {
		t.Errorf("topic = %s", client.topics[0])
	}
	var ev Event
	if err := json.Unmarshal(client.payloads[0], &ev); err != nil || ev.ApprovalID != "abc" {
		t.Errorf("payload = %s", client.payloads[0])
	}

	client.pubErr = errors.New("broker full")
	if err := n.Notify(context.Background(), sampleEvent()); err == nil {
		t.Error("expected publish error")
	}
	n.Close()
	if client.connected {
		t.Error("Close should disconnect")
	}
}

func TestHubStreamsEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow() //nolint:errcheck

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := hub.Notify(ctx, sampleEvent()); err != nil {
		t.Fatal(err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil || ev.ApprovalID != "abc" || ev.Type != EventApprovalRequested {
		t.Errorf("got %s", data)
	}
}
