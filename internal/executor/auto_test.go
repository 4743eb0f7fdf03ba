package executor

import (
	"context"
	"testing"

	"github.com/arborlabs/arbd/internal/domain"
)

type stubEvaluator struct {
	decision domain.UnlockDecision
}

func (s *stubEvaluator) Evaluate(_ context.Context, _ domain.User, _ domain.Opportunity) (domain.UnlockDecision, error) {
	return s.decision, nil
}

func publishedEvent(oppID string) []byte {
	return domain.NewEvent(domain.EventOpportunityPublished, map[string]any{
		"opportunity": map[string]any{"id": oppID},
	}).Encode()
}

func newRunner(f *fixture, decision domain.UnlockDecision) *AutoRunner {
	return NewAutoRunner(nil, f.reg, f.users, &stubEvaluator{decision: decision}, f.led, f.exec, testLogger())
}

func TestAutoRunnerUnlocksAndExecutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	opp, user := f.seedWithoutUnlock(t)

	runner := newRunner(f, domain.AutoUnlocked())
	runner.handle(ctx, publishedEvent(opp.ID))

	unlocked, err := f.led.IsUnlocked(ctx, opp.ID, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !unlocked {
		t.Error("expected auto unlock on record")
	}

	attempts, err := f.store.ListByUser(ctx, user.ID, domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 {
		t.Fatalf("got %d attempts, want 1", len(attempts))
	}
	if attempts[0].Status != domain.ExecSettled {
		t.Errorf("status = %q, want settled", attempts[0].Status)
	}
}

func TestAutoRunnerSkipsIneligibleUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	opp, user := f.seedWithoutUnlock(t)

	runner := newRunner(f, domain.PreviewOnly(domain.ReasonCapitalLimit))
	runner.handle(ctx, publishedEvent(opp.ID))

	unlocked, err := f.led.IsUnlocked(ctx, opp.ID, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if unlocked {
		t.Error("ineligible user must stay locked")
	}
	attempts, err := f.store.ListByUser(ctx, user.ID, domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 0 {
		t.Errorf("got %d attempts, want 0", len(attempts))
	}
}

func TestAutoRunnerUnlocksWithoutExecutingWhenDisabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	opp, user := f.seedWithoutUnlock(t)

	user.AutoExecuteEnabled = false
	if err := f.users.Upsert(ctx, user); err != nil {
		t.Fatal(err)
	}

	runner := newRunner(f, domain.AutoUnlocked())
	runner.handle(ctx, publishedEvent(opp.ID))

	unlocked, err := f.led.IsUnlocked(ctx, opp.ID, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !unlocked {
		t.Error("auto unlock should be recorded even with auto-execute disabled")
	}
	attempts, err := f.store.ListByUser(ctx, user.ID, domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 0 {
		t.Errorf("got %d attempts, want 0", len(attempts))
	}
}

func TestAutoRunnerIgnoresNonPublishEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	opp, user := f.seedWithoutUnlock(t)

	runner := newRunner(f, domain.AutoUnlocked())
	raw := domain.NewEvent(domain.EventOpportunityExpired, map[string]any{
		"opportunity": map[string]any{"id": opp.ID},
	}).Encode()
	runner.handle(ctx, raw)

	unlocked, err := f.led.IsUnlocked(ctx, opp.ID, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if unlocked {
		t.Error("expired event must not trigger unlocks")
	}
}
