// Package campaign drives outbound calling from a Google Sheet of
// customers. The operator flips a cell to enable calling; the campaign
// polls the sheet, paces dials with a rate limiter, places each call
// through the gateway, and writes the outcome back into the row.
package campaign

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/sip"
)

// PlaceFunc places a single outbound call and blocks until it ends.
// answered is invoked once the callee picks up and a session is running,
// so the campaign can mark the row in progress. A nil error means the
// conversation ran to completion.
type PlaceFunc func(ctx context.Context, cust Customer, answered func()) error

// Campaign polls the customer sheet and dials eligible rows.
type Campaign struct {
	sheet  Sheet
	place  PlaceFunc
	poll   time.Duration
	pacer  *rate.Limiter
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// New builds a campaign from config. sheet and place are the two
// collaborators: the spreadsheet and the call path.
func New(cfg *config.Config, sheet Sheet, place PlaceFunc, logger *slog.Logger) *Campaign {
	return &Campaign{
		sheet:    sheet,
		place:    place,
		poll:     cfg.SheetPoll,
		pacer:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.DialsPerMinute)), 1),
		logger:   logger.With("subsystem", "campaign"),
		inflight: make(map[string]bool),
	}
}

// Run polls the sheet until ctx is cancelled, then waits for in-flight
// calls to finish.
func (c *Campaign) Run(ctx context.Context) {
	c.logger.Info("campaign started", "poll", c.poll)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		c.tick(ctx)
		select {
		case <-ctx.Done():
			c.logger.Info("campaign stopping, waiting for calls in flight")
			c.wg.Wait()
			return
		case <-ticker.C:
		}
	}
}

// tick runs one poll cycle: read the enabled cell, then dial every row
// still marked not called.
func (c *Campaign) tick(ctx context.Context) {
	enabled, err := c.sheet.CallingEnabled(ctx)
	if err != nil {
		c.logger.Error("reading calling-enabled cell", "error", err)
		return
	}
	if !enabled {
		c.logger.Debug("calling disabled, skipping poll")
		return
	}

	customers, err := c.sheet.Customers(ctx)
	if err != nil {
		c.logger.Error("reading customer rows", "error", err)
		return
	}

	for _, cust := range customers {
		if !eligible(cust) || !c.claim(cust.Number) {
			continue
		}
		if err := c.pacer.Wait(ctx); err != nil {
			c.release(cust.Number)
			return
		}
		c.wg.Add(1)
		go c.dial(ctx, cust)
	}
}

// eligible reports whether a row should be dialed. A blank status cell
// counts as not called.
func eligible(cust Customer) bool {
	return cust.Status == "" || cust.Status == StatusNotCalled
}

// claim marks a number as in flight so overlapping polls cannot dial
// it twice before the status writeback lands.
func (c *Campaign) claim(number string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[number] {
		return false
	}
	c.inflight[number] = true
	return true
}

func (c *Campaign) release(number string) {
	c.mu.Lock()
	delete(c.inflight, number)
	c.mu.Unlock()
}

// dial runs one outbound call end to end and records the outcome.
func (c *Campaign) dial(ctx context.Context, cust Customer) {
	defer c.wg.Done()
	defer c.release(cust.Number)

	logger := c.logger.With("number", cust.Number, "name", cust.Name)
	logger.Info("dialing customer")

	c.updateStatus(ctx, cust, StatusDialing)

	err := c.place(ctx, cust, func() {
		c.updateStatus(ctx, cust, StatusInProgress)
	})

	status := outcomeStatus(err)
	if err != nil {
		logger.Info("call failed", "status", status, "error", err)
	} else {
		logger.Info("call complete")
	}
	// The final writeback must land even during shutdown.
	c.updateStatus(context.WithoutCancel(ctx), cust, status)
}

func (c *Campaign) updateStatus(ctx context.Context, cust Customer, status string) {
	if err := c.sheet.UpdateStatus(ctx, cust, status); err != nil {
		c.logger.Error("updating customer status", "number", cust.Number, "status", status, "error", err)
	}
}

// outcomeStatus maps a call result to its spreadsheet status.
func outcomeStatus(err error) string {
	if err == nil {
		return StatusComplete
	}

	var dialErr *sip.DialError
	if errors.As(err, &dialErr) {
		switch dialErr.Status {
		case 486, 600, 603:
			return StatusFailedBusy
		case 408, 480, 487:
			return StatusFailedNoAnswer
		}
		return StatusFailed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusFailedNoAnswer
	}
	return StatusFailed
}
