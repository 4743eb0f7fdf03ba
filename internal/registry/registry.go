// Package registry owns the live working set of arbitrage opportunities. It
// enforces the publish lifecycle: idempotent publish by ID, one active
// opportunity per event (new detections supersede the old one), validity
// windows of the form [createdAt, expiresAt), and a periodic sweep that
// retires whatever has lapsed.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
)

// Retirement reasons recorded in the store and broadcast in expired events.
const (
	RetireExpired    = "expired"
	RetireSuperseded = "superseded"
	RetireExecuted   = "executed"
)

// Registry is the in-memory working set with write-through persistence and
// event publication. All mutation happens under one mutex so the set never
// holds two active opportunities for the same event.
type Registry struct {
	mu      sync.RWMutex
	active  map[string]domain.Opportunity // keyed by opportunity ID
	byEvent map[string]string             // event ID -> active opportunity ID

	store  domain.OpportunityStore
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Registry over a persistence layer and signal bus. Either may
// be nil in tests.
func New(store domain.OpportunityStore, bus domain.SignalBus, logger *slog.Logger) *Registry {
	return &Registry{
		active:  make(map[string]domain.Opportunity),
		byEvent: make(map[string]string),
		store:   store,
		bus:     bus,
		logger:  logger.With(slog.String("component", "registry")),
		now:     time.Now,
	}
}

// Publish admits an opportunity into the working set. Publishing an ID
// already present is a no-op. When a different active opportunity exists for
// the same event it is retired as superseded, and its expired event is
// emitted before the new published event so subscribers never observe two
// active opportunities for one event.
func (r *Registry) Publish(ctx context.Context, opp domain.Opportunity) error {
	if err := opp.Validate(); err != nil {
		return fmt.Errorf("registry: publish: %w", err)
	}

	r.mu.Lock()
	if _, ok := r.active[opp.ID]; ok {
		r.mu.Unlock()
		return nil
	}

	var superseded *domain.Opportunity
	if oldID, ok := r.byEvent[opp.EventID]; ok && oldID != opp.ID {
		old := r.active[oldID]
		superseded = &old
		delete(r.active, oldID)
	}
	r.active[opp.ID] = opp
	r.byEvent[opp.EventID] = opp.ID
	r.mu.Unlock()

	if superseded != nil {
		r.retireOut(ctx, *superseded, RetireSuperseded)
	}

	if r.store != nil {
		if err := r.store.Insert(ctx, opp); err != nil && err != domain.ErrAlreadyExists {
			r.logger.Error("persist opportunity failed",
				slog.String("opportunity_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	r.publishEvent(ctx, domain.EventOpportunityPublished, opp, "")

	r.logger.Info("opportunity published",
		slog.String("opportunity_id", opp.ID),
		slog.String("event_id", opp.EventID),
		slog.Float64("estimated_profit", opp.EstimatedProfit),
	)
	return nil
}

// Get returns an active opportunity. An opportunity past its expiry is
// reported as domain.ErrOpportunityExpired even before the sweeper has run;
// one the registry has never seen (or already dropped) is
// domain.ErrNotFound.
func (r *Registry) Get(id string) (domain.Opportunity, error) {
	r.mu.RLock()
	opp, ok := r.active[id]
	r.mu.RUnlock()

	if !ok {
		return domain.Opportunity{}, domain.ErrNotFound
	}
	if !opp.ActiveAt(r.now()) {
		return domain.Opportunity{}, domain.ErrOpportunityExpired
	}
	return opp, nil
}

// List returns the currently valid opportunities, most profitable first.
func (r *Registry) List() []domain.Opportunity {
	now := r.now()

	r.mu.RLock()
	out := make([]domain.Opportunity, 0, len(r.active))
	for _, opp := range r.active {
		if opp.ActiveAt(now) {
			out = append(out, opp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].EstimatedProfit > out[j].EstimatedProfit
	})
	return out
}

// Retire removes an opportunity from the working set with an explicit
// reason, e.g. after a successful execution consumed it.
func (r *Registry) Retire(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	opp, ok := r.active[id]
	if ok {
		delete(r.active, id)
		if r.byEvent[opp.EventID] == id {
			delete(r.byEvent, opp.EventID)
		}
	}
	r.mu.Unlock()

	if !ok {
		return domain.ErrNotFound
	}
	r.retireOut(ctx, opp, reason)
	return nil
}

// Sweep retires every opportunity whose expiry has passed and returns how
// many were dropped.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	var lapsed []domain.Opportunity
	for id, opp := range r.active {
		if !opp.ActiveAt(now) {
			lapsed = append(lapsed, opp)
			delete(r.active, id)
			if r.byEvent[opp.EventID] == id {
				delete(r.byEvent, opp.EventID)
			}
		}
	}
	r.mu.Unlock()

	for _, opp := range lapsed {
		r.retireOut(ctx, opp, RetireExpired)
	}
	if len(lapsed) > 0 {
		r.logger.Debug("sweep retired opportunities", slog.Int("count", len(lapsed)))
	}
	return len(lapsed)
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, sweepInterval time.Duration) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	r.logger.Info("registry sweeper started", slog.Duration("interval", sweepInterval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// retireOut persists the retirement and emits the expired event. Callers must
// have already removed the opportunity from the working set.
func (r *Registry) retireOut(ctx context.Context, opp domain.Opportunity, reason string) {
	if r.store != nil {
		if err := r.store.MarkRetired(ctx, opp.ID, reason); err != nil && err != domain.ErrNotFound {
			r.logger.Error("mark retired failed",
				slog.String("opportunity_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	r.publishEvent(ctx, domain.EventOpportunityExpired, opp, reason)
}

func (r *Registry) publishEvent(ctx context.Context, eventType string, opp domain.Opportunity, reason string) {
	if r.bus == nil {
		return
	}
	payload := map[string]any{
		"opportunity": opp,
	}
	if reason != "" {
		payload["reason"] = reason
	}
	ev := domain.NewEvent(eventType, payload)
	if err := r.bus.Publish(ctx, domain.ChannelOpportunities, ev.Encode()); err != nil {
		r.logger.Warn("publish event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}
