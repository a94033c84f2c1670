package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/launchpad/internal/domain"
	"github.com/splax/launchpad/internal/repository/memory"
	"github.com/splax/launchpad/internal/service/records"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	failSend bool
	closed   bool
}

func (s *recordingSubscriber) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend {
		return errors.New("broken pipe")
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSubscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *recordingSubscriber) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.payloads...)
}

func (s *recordingSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// stalledSubscriber blocks in Send until released, like a peer that stopped reading.
type stalledSubscriber struct {
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	closed  bool
}

func newStalledSubscriber() *stalledSubscriber {
	return &stalledSubscriber{release: make(chan struct{})}
}

func (s *stalledSubscriber) Send([]byte) error {
	<-s.release
	return nil
}

func (s *stalledSubscriber) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *stalledSubscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stalledSubscriber) unblock() {
	s.once.Do(func() { close(s.release) })
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(h.Close)
	return h
}

func TestHubNotifyOnlyReachesOwner(t *testing.T) {
	h := newTestHub(t)
	owner := &recordingSubscriber{}
	other := &recordingSubscriber{}
	h.Register("user-1", owner)
	h.Register("user-2", other)

	h.Notify("user-1", records.Event{Type: records.EventUpdated, Deployment: &domain.Deployment{ID: "dep-1", Status: domain.StatusCompleted}})

	waitUntil(t, func() bool { return len(owner.received()) == 1 })
	var event struct {
		Type       string `json:"type"`
		Deployment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"deployment"`
	}
	if err := json.Unmarshal(owner.received()[0], &event); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != records.EventUpdated || event.Deployment.ID != "dep-1" || event.Deployment.Status != "completed" {
		t.Fatalf("unexpected event %+v", event)
	}
	// A second broadcast to user-2 is processed after the first, so other has seen nothing of user-1's.
	h.Broadcast("user-2", []byte(`{}`))
	waitUntil(t, func() bool { return len(other.received()) == 1 })
	if string(other.received()[0]) != `{}` {
		t.Fatalf("user-2 received another user's event: %s", other.received()[0])
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	h := newTestHub(t)
	broken := &recordingSubscriber{failSend: true}
	h.Register("user-1", broken)
	h.Broadcast("user-1", []byte(`{"type":"deployment.created"}`))
	waitUntil(t, broken.isClosed)
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	h := NewHub(nil)
	sub := &recordingSubscriber{}
	h.Register("user-1", sub)
	h.Close()
	waitUntil(t, sub.isClosed)

	// Calls after Close must not block.
	late := &recordingSubscriber{}
	h.Register("user-1", late)
	h.Notify("user-1", records.Event{Type: records.EventDeleted})
	h.Unregister("user-1", sub)
	if !late.isClosed() {
		t.Fatal("subscriber registered after close should be closed immediately")
	}
}

func TestHubStalledSubscriberDoesNotBlockRecordWrites(t *testing.T) {
	h := newTestHub(t)
	stalled := newStalledSubscriber()
	t.Cleanup(stalled.unblock)
	h.Register("user-slow", stalled)
	healthy := &recordingSubscriber{}
	h.Register("user-2", healthy)

	svc := records.New(memory.New(), slog.New(slog.NewTextHandler(io.Discard, nil)), records.WithNotifier(h))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 2*broadcastBuffer; i++ {
			if _, err := svc.Create(ctx, "user-slow", records.CreateInput{ProjectName: "slow-app", TemplateRepo: "acme/shipkit"}); err != nil {
				done <- err
				return
			}
		}
		created, err := svc.Create(ctx, "user-2", records.CreateInput{ProjectName: "my-app", TemplateRepo: "acme/shipkit"})
		if err != nil {
			done <- err
			return
		}
		_, err = svc.Update(ctx, created.ID, "user-2", domain.DeploymentPatch{Status: domain.StatusPtr(domain.StatusCompleted)})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("record writes failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("record writes blocked behind a stalled subscriber")
	}

	waitUntil(t, stalled.isClosed)
	waitUntil(t, func() bool { return len(healthy.received()) == 2 })
}

func TestHubBroadcastNeverBlocks(t *testing.T) {
	h := newTestHub(t)
	stalled := newStalledSubscriber()
	t.Cleanup(stalled.unblock)
	h.Register("user-1", stalled)

	start := time.Now()
	for i := 0; i < 4*broadcastBuffer; i++ {
		h.Broadcast("user-1", []byte(`{}`))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("broadcasts took %s with a stalled subscriber", elapsed)
	}
}
