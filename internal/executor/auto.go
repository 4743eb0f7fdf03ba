package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/arborlabs/arbd/internal/domain"
	"github.com/arborlabs/arbd/internal/ledger"
	"github.com/arborlabs/arbd/internal/registry"
)

// Evaluator decides whether a user qualifies for an automatic unlock.
type Evaluator interface {
	Evaluate(ctx context.Context, user domain.User, opp domain.Opportunity) (domain.UnlockDecision, error)
}

// AutoRunner reacts to newly published opportunities. For every user whose
// risk profile clears the eligibility rules it records an auto-unlock, and
// when the user has auto-execute enabled it immediately runs the execution
// without a payment step.
type AutoRunner struct {
	bus       domain.SignalBus
	reg       *registry.Registry
	users     domain.UserStore
	evaluator Evaluator
	led       *ledger.Ledger
	exec      *Executor
	maxUsers  int
	logger    *slog.Logger
}

// NewAutoRunner builds an AutoRunner over the executor and its ledger.
func NewAutoRunner(
	bus domain.SignalBus,
	reg *registry.Registry,
	users domain.UserStore,
	evaluator Evaluator,
	led *ledger.Ledger,
	exec *Executor,
	logger *slog.Logger,
) *AutoRunner {
	return &AutoRunner{
		bus:       bus,
		reg:       reg,
		users:     users,
		evaluator: evaluator,
		led:       led,
		exec:      exec,
		maxUsers:  500,
		logger:    logger.With(slog.String("component", "auto_runner")),
	}
}

// Run consumes opportunity events until ctx is cancelled.
func (r *AutoRunner) Run(ctx context.Context) error {
	ch, err := r.bus.Subscribe(ctx, domain.ChannelOpportunities)
	if err != nil {
		return fmt.Errorf("executor: auto runner subscribe: %w", err)
	}

	r.logger.Info("auto runner started")
	defer r.logger.Info("auto runner stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, raw)
		}
	}
}

func (r *AutoRunner) handle(ctx context.Context, raw []byte) {
	var ev domain.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		r.logger.Warn("malformed event", slog.String("error", err.Error()))
		return
	}
	if ev.Type != domain.EventOpportunityPublished {
		return
	}

	oppID := opportunityIDFromPayload(ev.Payload)
	if oppID == "" {
		return
	}

	// Resolve through the registry so an opportunity that expired between
	// publish and delivery is skipped.
	opp, err := r.reg.Get(oppID)
	if err != nil {
		return
	}

	users, err := r.users.List(ctx, domain.ListOpts{Limit: r.maxUsers})
	if err != nil {
		r.logger.Error("list users failed", slog.String("error", err.Error()))
		return
	}

	for _, user := range users {
		r.tryUser(ctx, opp, user)
		if ctx.Err() != nil {
			return
		}
	}
}

// tryUser runs the auto-unlock path for one user. Failures are logged and
// never abort the scan over remaining users.
func (r *AutoRunner) tryUser(ctx context.Context, opp domain.Opportunity, user domain.User) {
	decision, err := r.evaluator.Evaluate(ctx, user, opp)
	if err != nil {
		r.logger.Warn("eligibility evaluation failed",
			slog.String("opportunity_id", opp.ID),
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !decision.AutoUnlock {
		return
	}

	if _, err := r.led.RecordAutoUnlock(ctx, opp, user); err != nil {
		r.logger.Warn("auto unlock failed",
			slog.String("opportunity_id", opp.ID),
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if !user.AutoExecuteEnabled {
		return
	}

	attempt, err := r.exec.Execute(ctx, opp.ID, user.ID, 1.0)
	if err != nil {
		r.logger.Warn("auto execution rejected",
			slog.String("opportunity_id", opp.ID),
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Info("auto execution finished",
		slog.String("execution_id", attempt.ID),
		slog.String("user_id", user.ID),
		slog.String("status", string(attempt.Status)),
		slog.Float64("net_profit", attempt.NetProfit),
	)
}

func opportunityIDFromPayload(payload map[string]any) string {
	obj, ok := payload["opportunity"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := obj["id"].(string)
	return id
}
