package notify

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
)

type recordSender struct {
	mu     sync.Mutex
	sent   []string
	events []string
}

func (s *recordSender) Send(_ context.Context, event, title, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, title+": "+message)
	s.events = append(s.events, event)
	return nil
}

func (s *recordSender) Name() string { return "record" }

func (s *recordSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *recordSender) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

// chanBus is a minimal in-process signal bus for bridge tests.
type chanBus struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newChanBus() *chanBus {
	return &chanBus{subs: make(map[string][]chan []byte)}
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		ch <- payload
	}
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return ch, nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBridgeForwardsExecutionEvents(t *testing.T) {
	bus := newChanBus()
	sender := &recordSender{}
	notifier := NewNotifier([]Sender{sender}, nil, testLogger())
	bridge := NewBridge(bus, notifier, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	waitFor(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs) == 4
	})

	ev := domain.NewEvent(domain.EventExecutionCompleted, map[string]any{
		"execution_id": "ex-1",
		"net_profit":   88.041,
	})
	if err := bus.Publish(ctx, domain.ChannelExecutions, ev.Encode()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool { return len(sender.messages()) == 1 })

	got := sender.messages()[0]
	if !strings.Contains(got, "Execution settled") || !strings.Contains(got, "88.041") {
		t.Errorf("notification = %q", got)
	}
	// Senders receive the event type so they can pick presentation.
	if evs := sender.eventTypes(); len(evs) != 1 || evs[0] != domain.EventExecutionCompleted {
		t.Errorf("event types = %v", evs)
	}
}

func TestEventPresentationByType(t *testing.T) {
	if eventColor(domain.EventExecutionFailed) == eventColor(domain.EventProfitDistributed) {
		t.Error("failure and profit must not share an embed color")
	}
	if eventGlyph(domain.EventExecutionFailed) == eventGlyph(domain.EventProfitDistributed) {
		t.Error("failure and profit must not share a glyph")
	}
}

func TestBridgeFiltersDisallowedEvents(t *testing.T) {
	bus := newChanBus()
	sender := &recordSender{}
	notifier := NewNotifier([]Sender{sender}, []string{domain.EventProfitDistributed}, testLogger())
	bridge := NewBridge(bus, notifier, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	waitFor(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return len(bus.subs) == 4
	})

	filtered := domain.NewEvent(domain.EventExecutionStarted, map[string]any{"execution_id": "ex-1"})
	bus.Publish(ctx, domain.ChannelExecutions, filtered.Encode())

	allowed := domain.NewEvent(domain.EventProfitDistributed, map[string]any{
		"amount":    88.041,
		"reference": "0xdist1",
	})
	bus.Publish(ctx, domain.ChannelProfits, allowed.Encode())

	waitFor(t, func() bool { return len(sender.messages()) == 1 })

	got := sender.messages()[0]
	if !strings.Contains(got, "Profit distributed") {
		t.Errorf("notification = %q", got)
	}
}

func TestFormatEventUnlock(t *testing.T) {
	ev := domain.NewEvent(domain.EventUnlockConfirmed, map[string]any{
		"opportunity_id": "opp-1",
		"status":         "paid",
		"fee_usdc":       2.0,
	})
	ev.UserID = "user-1"

	title, message := formatEvent(ev)
	if title != "Unlock confirmed" {
		t.Errorf("title = %q", title)
	}
	for _, want := range []string{"user-1", "opp-1", "paid"} {
		if !strings.Contains(message, want) {
			t.Errorf("message %q missing %q", message, want)
		}
	}
}

func TestFormatEventUnknownTypeFallsBack(t *testing.T) {
	ev := domain.NewEvent("mystery", map[string]any{"k": "v"})
	title, message := formatEvent(ev)
	if title != "mystery" {
		t.Errorf("title = %q", title)
	}
	if !strings.Contains(message, `"k":"v"`) {
		t.Errorf("message = %q", message)
	}
}
