package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/database"
	"github.com/voxgate/voxgate/internal/eventstore"
	"github.com/voxgate/voxgate/internal/session"
)

type recordingRepo struct {
	created []*database.CallRecord
}

func (r *recordingRepo) Create(ctx context.Context, rec *database.CallRecord) error {
	r.created = append(r.created, rec)
	return nil
}

func (r *recordingRepo) GetByCallID(ctx context.Context, callID string) (*database.CallRecord, error) {
	return nil, nil
}

func (r *recordingRepo) List(ctx context.Context, filter database.CallListFilter) ([]database.CallRecord, int, error) {
	return nil, 0, nil
}

func (r *recordingRepo) CountByDirection(ctx context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}

type stubParty struct {
	calling, called string
}

func (p stubParty) CallingNumber() string { return p.calling }
func (p stubParty) CalledNumber() string  { return p.called }

func newTestGateway(repo *recordingRepo) *gateway {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &gateway{
		cfg:    &config.Config{AgentProject: "proj-1"},
		logger: logger,
		events: eventstore.New(logger, time.Hour),
		calls:  repo,
	}
}

func newTestSession() *session.Session {
	return session.New(session.Params{
		Direction: session.DirectionInbound,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// A call whose media attach failed is rejected before any event is
// published; it must leave no call record.
func TestWriteRecordSkipsUnestablishedCall(t *testing.T) {
	repo := &recordingRepo{}
	g := newTestGateway(repo)
	sess := newTestSession()

	g.writeRecord(sess, stubParty{"+15550001", "+15550002"}, "inbound", "", "", time.Now())

	if len(repo.created) != 0 {
		t.Fatalf("got %d call records, want none for an unestablished call", len(repo.created))
	}
}

func TestWriteRecordUsesEndReason(t *testing.T) {
	repo := &recordingRepo{}
	g := newTestGateway(repo)
	sess := newTestSession()

	g.events.Publish(session.Event{
		CallID:    sess.ID(),
		Kind:      session.KindInit,
		Time:      time.Now(),
		Direction: "inbound",
	})
	g.events.Publish(session.Event{
		CallID: sess.ID(),
		Kind:   session.KindEnd,
		Time:   time.Now(),
		Reason: "hangup",
	})

	start := time.Now().Add(-30 * time.Second)
	g.writeRecord(sess, stubParty{"+15550001", "+15550002"}, "inbound", "Alice", "", start)

	if len(repo.created) != 1 {
		t.Fatalf("got %d call records, want 1", len(repo.created))
	}
	rec := repo.created[0]
	if rec.CallID != sess.ID() {
		t.Errorf("CallID = %q, want %q", rec.CallID, sess.ID())
	}
	if rec.Disposition != "hangup" {
		t.Errorf("Disposition = %q, want %q", rec.Disposition, "hangup")
	}
	if rec.CallingNumber != "+15550001" || rec.CalledNumber != "+15550002" {
		t.Errorf("numbers = %q -> %q, want +15550001 -> +15550002", rec.CallingNumber, rec.CalledNumber)
	}
	if rec.Duration < 29 || rec.Duration > 31 {
		t.Errorf("Duration = %d, want about 30 seconds", rec.Duration)
	}
}
