package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/arborlabs/arbd/internal/domain"
)

// Bridge subscribes to the signal bus and forwards lifecycle events to the
// notifier as operator alerts. It runs until its context is cancelled.
type Bridge struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewBridge creates a bridge between the signal bus and the notifier.
func NewBridge(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Bridge {
	return &Bridge{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_bridge")),
	}
}

// Run subscribes to all event channels and dispatches notifications until
// ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	channels := []string{
		domain.ChannelOpportunities,
		domain.ChannelUnlocks,
		domain.ChannelExecutions,
		domain.ChannelProfits,
	}

	for _, ch := range channels {
		msgs, err := b.bus.Subscribe(ctx, ch)
		if err != nil {
			return fmt.Errorf("notify: subscribe %s: %w", ch, err)
		}
		go b.consume(ctx, ch, msgs)
	}

	<-ctx.Done()
	return ctx.Err()
}

func (b *Bridge) consume(ctx context.Context, channel string, msgs <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				return
			}
			var ev domain.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				b.logger.WarnContext(ctx, "malformed event on bus",
					slog.String("channel", channel),
					slog.String("error", err.Error()),
				)
				continue
			}

			title, message := formatEvent(ev)
			if err := b.notifier.Notify(ctx, ev.Type, title, message); err != nil {
				b.logger.WarnContext(ctx, "notification delivery failed",
					slog.String("event", ev.Type),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// formatEvent renders an event into a short operator-facing title and body.
func formatEvent(ev domain.Event) (title, message string) {
	switch ev.Type {
	case domain.EventOpportunityPublished:
		title = "New arbitrage opportunity"
		if opp, ok := ev.Payload["opportunity"].(map[string]any); ok {
			message = fmt.Sprintf("Event %v: estimated profit $%v on cost $%v",
				opp["event_id"], opp["estimated_profit"], opp["total_cost"])
		}
	case domain.EventOpportunityExpired:
		title = "Opportunity retired"
		if opp, ok := ev.Payload["opportunity"].(map[string]any); ok {
			message = fmt.Sprintf("Opportunity %v retired (%v)", opp["id"], ev.Payload["reason"])
		}
	case domain.EventUnlockConfirmed:
		title = "Unlock confirmed"
		message = fmt.Sprintf("User %s unlocked opportunity %v (%v, fee $%v)",
			ev.UserID, ev.Payload["opportunity_id"], ev.Payload["status"], ev.Payload["fee_usdc"])
	case domain.EventExecutionStarted:
		title = "Execution started"
		message = fmt.Sprintf("Execution %v on opportunity %v", ev.Payload["execution_id"], ev.Payload["opportunity_id"])
	case domain.EventExecutionCompleted:
		title = "Execution settled"
		message = fmt.Sprintf("Execution %v settled: net profit $%v", ev.Payload["execution_id"], ev.Payload["net_profit"])
	case domain.EventExecutionFailed:
		title = "Execution failed"
		message = fmt.Sprintf("Execution %v failed: %v", ev.Payload["execution_id"], ev.Payload["reason"])
	case domain.EventProfitDistributed:
		title = "Profit distributed"
		message = fmt.Sprintf("Paid $%v to user %s (ref %v)", ev.Payload["amount"], ev.UserID, ev.Payload["reference"])
	default:
		title = ev.Type
		message = string(ev.Encode())
	}
	if message == "" {
		message = string(ev.Encode())
	}
	return title, message
}
