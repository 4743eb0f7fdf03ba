package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
	"github.com/arborlabs/arbd/internal/store/memory"
)

// captureBus records published events in order.
type captureBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *captureBus) Publish(ctx context.Context, channel string, payload []byte) error {
	var ev domain.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
	return nil
}

func (b *captureBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

func (b *captureBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return nil
}

func (b *captureBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *captureBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func opp(id, eventID string, createdAt time.Time) domain.Opportunity {
	return domain.Opportunity{
		ID:              id,
		EventID:         eventID,
		VenueA:          domain.Leg{Venue: "polymarket", Side: domain.SideYes, Price: 0.40, Size: 4739},
		VenueB:          domain.Leg{Venue: "kalshi", Side: domain.SideNo, Price: 0.58, Size: 4739},
		Size:            4739,
		TotalCost:       4644.22,
		EstimatedProfit: 94.78,
		CreatedAt:       createdAt,
		ExpiresAt:       createdAt.Add(5 * time.Minute),
	}
}

func TestPublishIdempotent(t *testing.T) {
	ctx := context.Background()
	bus := &captureBus{}
	r := New(memory.NewOpportunityStore(), bus, testLogger())

	o := opp("opp-1", "fed-rate-cut-march", time.Now().UTC())
	if err := r.Publish(ctx, o); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := r.Publish(ctx, o); err != nil {
		t.Fatalf("repeat Publish: %v", err)
	}

	if got := bus.types(); len(got) != 1 || got[0] != domain.EventOpportunityPublished {
		t.Errorf("events = %v, want single published event", got)
	}
	if n := len(r.List()); n != 1 {
		t.Errorf("active count = %d, want 1", n)
	}
}

func TestPublishSupersedesSameEvent(t *testing.T) {
	ctx := context.Background()
	bus := &captureBus{}
	store := memory.NewOpportunityStore()
	r := New(store, bus, testLogger())

	now := time.Now().UTC()
	if err := r.Publish(ctx, opp("opp-old", "fed-rate-cut-march", now)); err != nil {
		t.Fatal(err)
	}
	if err := r.Publish(ctx, opp("opp-new", "fed-rate-cut-march", now.Add(time.Second))); err != nil {
		t.Fatal(err)
	}

	// The superseded opportunity's expired event must precede the new
	// published event.
	want := []string{
		domain.EventOpportunityPublished,
		domain.EventOpportunityExpired,
		domain.EventOpportunityPublished,
	}
	got := bus.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	if _, err := r.Get("opp-old"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("superseded Get = %v, want ErrNotFound", err)
	}
	if _, err := r.Get("opp-new"); err != nil {
		t.Errorf("new Get = %v", err)
	}
	if n := len(r.List()); n != 1 {
		t.Errorf("active count = %d, want 1", n)
	}
}

func TestGetExpiryBoundary(t *testing.T) {
	r := New(nil, nil, testLogger())

	created := time.Now().UTC()
	o := opp("opp-1", "fed-rate-cut-march", created)
	if err := r.Publish(context.Background(), o); err != nil {
		t.Fatal(err)
	}

	// One instant before expiry: still valid.
	r.now = func() time.Time { return o.ExpiresAt.Add(-time.Nanosecond) }
	if _, err := r.Get("opp-1"); err != nil {
		t.Errorf("Get just before expiry = %v", err)
	}

	// Expiry is exclusive: at expiresAt the opportunity is gone.
	r.now = func() time.Time { return o.ExpiresAt }
	if _, err := r.Get("opp-1"); !errors.Is(err, domain.ErrOpportunityExpired) {
		t.Errorf("Get at expiry = %v, want ErrOpportunityExpired", err)
	}
}

func TestSweepRetiresLapsed(t *testing.T) {
	ctx := context.Background()
	bus := &captureBus{}
	store := memory.NewOpportunityStore()
	r := New(store, bus, testLogger())

	now := time.Now().UTC()
	if err := r.Publish(ctx, opp("opp-1", "event-a", now)); err != nil {
		t.Fatal(err)
	}
	if err := r.Publish(ctx, opp("opp-2", "event-b", now)); err != nil {
		t.Fatal(err)
	}

	r.now = func() time.Time { return now.Add(10 * time.Minute) }
	if n := r.Sweep(ctx); n != 2 {
		t.Fatalf("Sweep = %d, want 2", n)
	}
	if n := len(r.List()); n != 0 {
		t.Errorf("active after sweep = %d, want 0", n)
	}

	// Retired rows are persisted for the archiver.
	retired, err := store.ListRetiredBefore(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(retired) != 2 {
		t.Errorf("persisted retired rows = %d, want 2", len(retired))
	}

	// Sweeping again is a no-op.
	if n := r.Sweep(ctx); n != 0 {
		t.Errorf("second Sweep = %d, want 0", n)
	}
}

func TestRetireExecuted(t *testing.T) {
	ctx := context.Background()
	bus := &captureBus{}
	r := New(memory.NewOpportunityStore(), bus, testLogger())

	if err := r.Publish(ctx, opp("opp-1", "event-a", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	if err := r.Retire(ctx, "opp-1", RetireExecuted); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if err := r.Retire(ctx, "opp-1", RetireExecuted); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second Retire = %v, want ErrNotFound", err)
	}
}

func TestPublishRejectsInvalid(t *testing.T) {
	r := New(nil, nil, testLogger())

	bad := opp("opp-1", "event-a", time.Now().UTC())
	bad.VenueB.Side = domain.SideYes // not complementary
	if err := r.Publish(context.Background(), bad); err == nil {
		t.Fatal("expected validation error")
	}
}
