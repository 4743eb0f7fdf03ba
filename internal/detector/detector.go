// Package detector polls quote sources across venues and publishes priced
// arbitrage opportunities into the registry.
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arborlabs/arbd/internal/domain"
	"github.com/arborlabs/arbd/internal/registry"
)

// Config configures the detection loop.
type Config struct {
	Interval       time.Duration
	QuoteTTL       time.Duration
	OpportunityTTL time.Duration
	MinProfitUSD   float64
	MinSpreadPct   float64
	Events         []string
}

// Detector scans a fixed set of events on a ticker. For each event it pulls
// the yes quote from one venue and the no quote from the other, in both
// orientations, and publishes any pairing whose combined price leaves a
// profit above the configured floor.
type Detector struct {
	cfg     Config
	sources []domain.QuoteSource
	reg     *registry.Registry
	logger  *slog.Logger
	now     func() time.Time
}

// New builds a Detector over two or more quote sources.
func New(cfg Config, sources []domain.QuoteSource, reg *registry.Registry, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:     cfg,
		sources: sources,
		reg:     reg,
		logger:  logger.With(slog.String("component", "detector")),
		now:     time.Now,
	}
}

// Run executes detection ticks on the configured interval until ctx is
// cancelled. One failing event never aborts the tick.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("detector started",
		slog.Duration("interval", d.cfg.Interval),
		slog.Int("events", len(d.cfg.Events)),
	)
	defer d.logger.Info("detector stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one detection pass over all configured events. Events are
// scanned concurrently; errors are logged per event.
func (d *Detector) Tick(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, eventID := range d.cfg.Events {
		g.Go(func() error {
			if err := d.scanEvent(gctx, eventID); err != nil {
				d.logger.Warn("event scan failed",
					slog.String("event_id", eventID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// scanEvent checks every ordered pair of venues for the event.
func (d *Detector) scanEvent(ctx context.Context, eventID string) error {
	for i, a := range d.sources {
		for j, b := range d.sources {
			if i == j {
				continue
			}
			opp, found, err := d.Detect(ctx, eventID, a, b)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			if err := d.reg.Publish(ctx, opp); err != nil {
				return fmt.Errorf("detector: publish %s: %w", opp.ID, err)
			}
		}
	}
	return nil
}

// Detect evaluates one orientation: buy yes on venue a, buy no on venue b.
// It returns found=false when prices leave no profitable spread, and an
// error when a quote cannot be fetched or is outside the freshness window.
func (d *Detector) Detect(ctx context.Context, eventID string, a, b domain.QuoteSource) (domain.Opportunity, bool, error) {
	yes, err := a.GetQuote(ctx, eventID, domain.SideYes)
	if err != nil {
		return domain.Opportunity{}, false, fmt.Errorf("detector: %s yes quote for %s: %w", a.Name(), eventID, err)
	}
	no, err := b.GetQuote(ctx, eventID, domain.SideNo)
	if err != nil {
		return domain.Opportunity{}, false, fmt.Errorf("detector: %s no quote for %s: %w", b.Name(), eventID, err)
	}

	now := d.now().UTC()
	if yes.StaleAt(now, d.cfg.QuoteTTL) {
		return domain.Opportunity{}, false, fmt.Errorf("detector: %s quote for %s aged out: %w", a.Name(), eventID, domain.ErrStaleQuote)
	}
	if no.StaleAt(now, d.cfg.QuoteTTL) {
		return domain.Opportunity{}, false, fmt.Errorf("detector: %s quote for %s aged out: %w", b.Name(), eventID, domain.ErrStaleQuote)
	}

	// A guaranteed payout needs both legs filled at the same size; the
	// tradable size is capped by the thinner book.
	size := yes.Size
	if no.Size < size {
		size = no.Size
	}
	if size <= 0 {
		return domain.Opportunity{}, false, nil
	}

	combined := yes.Price + no.Price
	if combined >= 1 {
		return domain.Opportunity{}, false, nil
	}
	spreadPct := (1 - combined) * 100
	if spreadPct < d.cfg.MinSpreadPct {
		return domain.Opportunity{}, false, nil
	}

	totalCost := yes.Price*size + no.Price*size
	profit := size - totalCost
	if profit < d.cfg.MinProfitUSD {
		return domain.Opportunity{}, false, nil
	}

	legA := domain.Leg{Venue: a.Name(), Side: domain.SideYes, Price: yes.Price, Size: size}
	legB := domain.Leg{Venue: b.Name(), Side: domain.SideNo, Price: no.Price, Size: size}
	opp := domain.Opportunity{
		ID:              domain.OpportunityID(eventID, legA, legB, size),
		EventID:         eventID,
		VenueA:          legA,
		VenueB:          legB,
		Size:            size,
		TotalCost:       totalCost,
		EstimatedProfit: profit,
		CreatedAt:       now,
		ExpiresAt:       now.Add(d.cfg.OpportunityTTL),
	}

	d.logger.Debug("opportunity detected",
		slog.String("opportunity_id", opp.ID),
		slog.String("event_id", eventID),
		slog.Float64("spread_pct", spreadPct),
		slog.Float64("estimated_profit", profit),
	)
	return opp, true, nil
}
