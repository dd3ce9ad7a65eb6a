package eventstore

import (
	"log/slog"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/session"
)

func publishCall(s *Store, id string, start time.Time, ended bool) {
	s.Publish(session.Event{
		CallID:        id,
		Kind:          session.KindInit,
		Time:          start,
		Direction:     "inbound",
		CallingNumber: "15550001111",
		CalledNumber:  "15557770000",
	})
	if ended {
		s.Publish(session.Event{
			CallID: id,
			Kind:   session.KindEnd,
			Time:   start.Add(time.Minute),
			Reason: "hangup",
		})
	}
}

func TestStore_CallLifecycle(t *testing.T) {
	s := New(slog.Default(), 0)

	start := time.Now()
	publishCall(s, "c1", start, false)
	s.Publish(session.Event{CallID: "c1", Kind: session.KindIntent, Intent: "greet"})

	call, ok := s.Call("c1")
	if !ok {
		t.Fatal("call not found")
	}
	if !call.Active {
		t.Error("call not active")
	}
	if call.CallingNumber != "15550001111" {
		t.Errorf("calling number = %q", call.CallingNumber)
	}
	if len(call.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(call.Events))
	}

	s.Publish(session.Event{CallID: "c1", Kind: session.KindEnd, Reason: "hangup"})
	call, _ = s.Call("c1")
	if call.Active {
		t.Error("call still active after end")
	}
	if call.EndReason != "hangup" {
		t.Errorf("end reason = %q", call.EndReason)
	}
}

func TestStore_CallsMostRecentFirst(t *testing.T) {
	s := New(slog.Default(), 0)
	base := time.Now()
	publishCall(s, "old", base.Add(-time.Hour), true)
	publishCall(s, "new", base, false)

	calls := s.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].ID != "new" || calls[1].ID != "old" {
		t.Errorf("order = %s, %s", calls[0].ID, calls[1].ID)
	}
	if got := s.ActiveCount(); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
}

func TestStore_WatchDeliversAndCancel(t *testing.T) {
	s := New(slog.Default(), 0)
	ch, cancel := s.Watch()

	publishCall(s, "c1", time.Now(), false)

	select {
	case ev := <-ch:
		if ev.Kind != session.KindInit || ev.CallID != "c1" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	cancel() // second cancel is a no-op
	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}
}

func TestStore_PurgeKeepsActiveCalls(t *testing.T) {
	s := New(slog.Default(), time.Minute)
	base := time.Now().Add(-time.Hour)
	publishCall(s, "ended", base, true)
	publishCall(s, "live", base, false)

	s.purge(time.Now().Add(-time.Minute))

	if _, ok := s.Call("ended"); ok {
		t.Error("ended call not purged")
	}
	if _, ok := s.Call("live"); !ok {
		t.Error("active call purged")
	}
}
