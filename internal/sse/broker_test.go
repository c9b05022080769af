package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish("repayment.processed", map[string]string{"owner": "0xabc"})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: repayment.processed") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"owner":"0xabc"`) {
			t.Errorf("missing data in %q", s)
		}
		if !strings.HasPrefix(s, "id: 1\n") {
			t.Errorf("missing sequence id in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRetainedEventReplayedToNewSubscriber(t *testing.T) {
	b := NewBroker(time.Second, "cycle.finished")
	defer b.Close()

	probe := b.Subscribe()
	defer b.Unsubscribe(probe)

	b.Publish("cycle.started", map[string]int{"n": 1})
	b.Publish("cycle.finished", map[string]int{"processed": 1})
	b.Publish("cycle.finished", map[string]int{"processed": 2})

	// Once the probe has seen all three, the loop has retained the last one.
	for i := 0; i < 3; i++ {
		select {
		case <-probe:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for probe")
		}
	}

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: cycle.finished") || !strings.Contains(s, `"processed":2`) {
			t.Errorf("replayed %q, want latest cycle.finished", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for replay")
	}

	select {
	case msg := <-ch:
		t.Fatalf("unexpected extra replay %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

// syncRecorder guards the body so the test can read it while the handler writes.
type syncRecorder struct {
	mu sync.Mutex
	*httptest.ResponseRecorder
}

func (r *syncRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(p)
}

func (r *syncRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Body.String()
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(20 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req = req.WithContext(ctx)
	w := &syncRecorder{ResponseRecorder: httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	// Give handler time to subscribe.
	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.Publish("cycle.started", map[string]string{"startedAt": "now"})
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.body()
	if !strings.Contains(body, "event: cycle.started") {
		t.Errorf("handler output missing event: %q", body)
	}
	if !strings.Contains(body, ": ping") {
		t.Errorf("handler output missing keepalive: %q", body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Fill buffer (capacity 64) and then one more should not block.
	for i := 0; i < 70; i++ {
		b.Publish("repayment.skipped", map[string]int{"i": i})
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(time.Second)
	ch := b.Subscribe()
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	// Should be safe no-op after close.
	b.Publish("cycle.finished", nil)
}
