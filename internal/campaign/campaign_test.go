package campaign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/sip"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSheet is an in-memory Sheet recording status transitions per number.
type fakeSheet struct {
	mu        sync.Mutex
	enabled   bool
	customers []Customer
	updates   map[string][]string
}

func newFakeSheet(enabled bool, customers ...Customer) *fakeSheet {
	return &fakeSheet{
		enabled:   enabled,
		customers: customers,
		updates:   make(map[string][]string),
	}
}

func (f *fakeSheet) CallingEnabled(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled, nil
}

func (f *fakeSheet) Customers(ctx context.Context) ([]Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Customer, len(f.customers))
	copy(out, f.customers)
	return out, nil
}

func (f *fakeSheet) UpdateStatus(ctx context.Context, cust Customer, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[cust.Number] = append(f.updates[cust.Number], status)
	return nil
}

func (f *fakeSheet) statusesFor(number string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.updates[number]))
	copy(out, f.updates[number])
	return out
}

func testCampaign(sheet Sheet, place PlaceFunc) *Campaign {
	cfg := &config.Config{SheetPoll: time.Hour, DialsPerMinute: 6000}
	return New(cfg, sheet, place, testLogger())
}

func equalStatuses(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestCampaignDialsEligibleRows(t *testing.T) {
	sheet := newFakeSheet(true,
		Customer{Number: "+15550001", Name: "Ada", Status: ""},
		Customer{Number: "+15550002", Name: "Ben", Status: StatusNotCalled},
		Customer{Number: "+15550003", Name: "Cem", Status: StatusComplete},
	)

	place := func(ctx context.Context, cust Customer, answered func()) error {
		answered()
		return nil
	}

	c := testCampaign(sheet, place)
	c.tick(context.Background())
	c.wg.Wait()

	want := []string{StatusDialing, StatusInProgress, StatusComplete}
	for _, number := range []string{"+15550001", "+15550002"} {
		if got := sheet.statusesFor(number); !equalStatuses(got, want) {
			t.Errorf("statuses for %s = %v, want %v", number, got, want)
		}
	}
	if got := sheet.statusesFor("+15550003"); len(got) != 0 {
		t.Errorf("completed row was redialed: %v", got)
	}
}

func TestCampaignDisabled(t *testing.T) {
	sheet := newFakeSheet(false, Customer{Number: "+15550001", Status: StatusNotCalled})

	var placed bool
	c := testCampaign(sheet, func(ctx context.Context, cust Customer, answered func()) error {
		placed = true
		return nil
	})
	c.tick(context.Background())
	c.wg.Wait()

	if placed {
		t.Error("campaign dialed while calling was disabled")
	}
}

func TestCampaignFailureStatus(t *testing.T) {
	sheet := newFakeSheet(true, Customer{Number: "+15550001", Status: StatusNotCalled})

	c := testCampaign(sheet, func(ctx context.Context, cust Customer, answered func()) error {
		return &sip.DialError{Status: 486, Reason: "Busy Here"}
	})
	c.tick(context.Background())
	c.wg.Wait()

	want := []string{StatusDialing, StatusFailedBusy}
	if got := sheet.statusesFor("+15550001"); !equalStatuses(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func TestCampaignDoesNotRedialInflight(t *testing.T) {
	sheet := newFakeSheet(true, Customer{Number: "+15550001", Status: StatusNotCalled})

	release := make(chan struct{})
	var mu sync.Mutex
	dials := 0
	c := testCampaign(sheet, func(ctx context.Context, cust Customer, answered func()) error {
		mu.Lock()
		dials++
		mu.Unlock()
		<-release
		return nil
	})

	c.tick(context.Background())
	// Second poll lands while the first call is still up and the sheet
	// still says not called.
	c.tick(context.Background())
	close(release)
	c.wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
}

func TestOutcomeStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, StatusComplete},
		{&sip.DialError{Status: 486, Reason: "Busy Here"}, StatusFailedBusy},
		{&sip.DialError{Status: 603, Reason: "Decline"}, StatusFailedBusy},
		{&sip.DialError{Status: 480, Reason: "Temporarily Unavailable"}, StatusFailedNoAnswer},
		{&sip.DialError{Status: 408, Reason: "Request Timeout"}, StatusFailedNoAnswer},
		{&sip.DialError{Status: 503, Reason: "Service Unavailable"}, StatusFailed},
		{fmt.Errorf("placing call: %w", &sip.DialError{Status: 487, Reason: "Terminated"}), StatusFailedNoAnswer},
		{context.DeadlineExceeded, StatusFailedNoAnswer},
		{errors.New("media server not connected"), StatusFailed},
	}

	for _, tt := range tests {
		if got := outcomeStatus(tt.err); got != tt.want {
			t.Errorf("outcomeStatus(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
