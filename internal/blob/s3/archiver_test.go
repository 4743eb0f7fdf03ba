package s3blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
)

type fakeWriter struct {
	paths  []string
	bodies [][]byte
}

func (w *fakeWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	w.paths = append(w.paths, path)
	w.bodies = append(w.bodies, body)
	return nil
}

func (w *fakeWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "")
}

type fakeOppStore struct{ opps []domain.Opportunity }

func (s *fakeOppStore) ListRetiredBefore(context.Context, time.Time) ([]domain.Opportunity, error) {
	return s.opps, nil
}

type fakeExecStore struct{ execs []domain.ExecutionAttempt }

func (s *fakeExecStore) ListSettledBefore(context.Context, time.Time) ([]domain.ExecutionAttempt, error) {
	return s.execs, nil
}

type fakeAudit struct{ events []string }

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestArchiveOpportunitiesWritesJSONL(t *testing.T) {
	writer := &fakeWriter{}
	audit := &fakeAudit{}
	arch := NewArchiver(writer, &fakeOppStore{opps: []domain.Opportunity{
		{ID: "opp-1", EventID: "fed-cut-december"},
		{ID: "opp-2", EventID: "nba-finals-game-7"},
	}}, &fakeExecStore{}, audit)

	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	n, err := arch.ArchiveOpportunities(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ArchiveOpportunities: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
	if len(writer.paths) != 1 || writer.paths[0] != "archive/opportunities/2026-08.jsonl" {
		t.Errorf("paths = %v", writer.paths)
	}
	if lines := bytes.Count(writer.bodies[0], []byte("\n")); lines != 2 {
		t.Errorf("jsonl lines = %d, want 2", lines)
	}
	if !strings.Contains(string(writer.bodies[0]), "opp-1") {
		t.Error("archived body missing record")
	}
	if len(audit.events) != 1 || audit.events[0] != "archive.opportunities" {
		t.Errorf("audit events = %v", audit.events)
	}
}

func TestArchiveExecutionsEmptySkipsUpload(t *testing.T) {
	writer := &fakeWriter{}
	arch := NewArchiver(writer, &fakeOppStore{}, &fakeExecStore{}, &fakeAudit{})

	n, err := arch.ArchiveExecutions(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ArchiveExecutions: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
	if len(writer.paths) != 0 {
		t.Errorf("unexpected upload to %v", writer.paths)
	}
}
