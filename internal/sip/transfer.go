package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/voxgate/voxgate/internal/agent"
)

// ErrTransferAbandoned is returned when the caller hangs up while dial
// attempts are still in flight.
var ErrTransferAbandoned = errors.New("caller hung up during transfer")

// callerLeg is the original caller's dialog as the transfer
// orchestrator needs it.
type callerLeg interface {
	RemoteSDP() string
	OnDestroy(fn func())
	Destroyed() bool
	Reinvite(ctx context.Context, sdp string) error
	Destroy()
}

// dialerFactory builds one dialer per target. Injected for tests.
type dialerFactory func(target agent.Target, connectOnEarlyMedia bool) dialer

// Transferrer races one dialer per target and bridges the caller to
// whichever signals first. With a single target, early media is a
// winning signal on its own (warm transfer: the caller hears ringback
// from the far end); with multiple targets only a full connect wins.
// Losing attempts are killed exactly once; if every attempt fails, Run
// returns the last failure exactly once.
type Transferrer struct {
	logger   *slog.Logger
	caller   callerLeg
	callerID string
	targets  []agent.Target

	newDialer dialerFactory

	abandoned atomic.Bool

	mu     sync.Mutex
	dials  []dialer
	chosen dialer
}

// NewTransferrer builds a transfer orchestrator for the caller's dialog
// using the given trunk.
func NewTransferrer(
	client *sipgo.Client,
	logger *slog.Logger,
	trunk Trunk,
	contact sip.Uri,
	caller *Dialog,
	instructions *agent.TransferInstructions,
) *Transferrer {
	t := &Transferrer{
		logger:   logger.With("subsystem", "transfer", "call_id", caller.CallID()),
		caller:   caller,
		callerID: instructions.CallerID,
		targets:  instructions.Targets,
	}
	t.newDialer = func(target agent.Target, connectOnEarlyMedia bool) dialer {
		return NewSingleDialer(client, t.logger, trunk, contact,
			t.callerID, caller.RemoteSDP(), connectOnEarlyMedia, target)
	}
	return t
}

// Run launches all dial attempts and blocks until a winner is chosen,
// every attempt fails, or the caller hangs up. A single-target early
// media signal resolves Run immediately; the bridge is completed in the
// background when that leg answers.
func (t *Transferrer) Run(ctx context.Context) error {
	if len(t.targets) == 0 {
		return fmt.Errorf("transfer with no targets")
	}

	connectOnEarlyMedia := len(t.targets) == 1
	signals := make(chan dialSignal, len(t.targets)*2)

	t.mu.Lock()
	t.dials = make([]dialer, 0, len(t.targets))
	for _, target := range t.targets {
		d := t.newDialer(target, connectOnEarlyMedia)
		t.dials = append(t.dials, d)
	}
	dials := t.dials
	t.mu.Unlock()

	// If the caller hangs up mid-dial, kill everything and abandon.
	t.caller.OnDestroy(func() {
		if t.abandoned.CompareAndSwap(false, true) {
			t.logger.Info("caller hung up during outdial, killing outbound calls")
			t.killAllBut(nil)
		}
	})

	t.logger.Info("executing call transfer",
		"targets", len(dials),
		"caller_id", t.callerID,
	)

	for _, d := range dials {
		go d.Dial(ctx, signals)
	}

	// Each dialer delivers exactly one final signal (connect or fail),
	// possibly preceded by one early-media signal.
	finals := 0
	var lastErr error
	var earlySDP string

	for sig := range signals {
		switch sig.kind {
		case signalFail:
			t.logger.Debug("outdial failed", "target", sig.dialer.Describe(), "error", sig.err)
			finals++
			lastErr = sig.err
			if finals == len(dials) {
				if t.abandoned.Load() {
					return ErrTransferAbandoned
				}
				t.logger.Info("all attempted outdials failed")
				return fmt.Errorf("all transfer targets failed: %w", lastErr)
			}

		case signalEarlyMedia:
			if !t.choose(sig.dialer) {
				continue
			}
			earlySDP = sig.sdp
			t.logger.Info("early media from target, connecting caller",
				"target", sig.dialer.Describe())
			if err := t.caller.Reinvite(ctx, earlySDP); err != nil {
				t.logger.Info("error connecting caller to early media", "error", err)
			}
			// Resolved on early media alone; finish the bridge in the
			// background once the leg answers.
			go t.completeAfterEarlyMedia(ctx, signals, sig.dialer, earlySDP, len(dials)-finals)
			return nil

		case signalConnect:
			finals++
			if !t.choose(sig.dialer) {
				// A loser connected after the choice — hang it up.
				sig.leg.Destroy()
				continue
			}
			if sig.sdp != earlySDP {
				if err := t.caller.Reinvite(ctx, sig.sdp); err != nil {
					t.logger.Info("error connecting caller", "error", err)
				}
			}
			t.bridge(sig.leg)
			t.logger.Info("successfully connected call transfer",
				"target", sig.dialer.Describe())
			go t.drainFinals(signals, len(dials)-finals)
			return nil
		}
	}
	return fmt.Errorf("transfer signal channel closed")
}

// completeAfterEarlyMedia consumes the remaining signals after an
// early-media resolution. The chosen dialer's connect completes the
// bridge; its failure tears the caller down, since Run already reported
// success. Late-connecting losers are hung up. Exits once every dialer
// has delivered its final signal.
func (t *Transferrer) completeAfterEarlyMedia(ctx context.Context, signals <-chan dialSignal, chosen dialer, earlySDP string, remaining int) {
	for remaining > 0 {
		sig := <-signals
		if sig.kind == signalConnect || sig.kind == signalFail {
			remaining--
		}
		if sig.dialer != chosen {
			if sig.kind == signalConnect {
				sig.leg.Destroy()
			}
			continue
		}
		switch sig.kind {
		case signalConnect:
			if sig.sdp != earlySDP {
				if err := t.caller.Reinvite(ctx, sig.sdp); err != nil {
					t.logger.Info("error re-syncing caller media", "error", err)
				}
			}
			t.bridge(sig.leg)
			t.logger.Info("early-media transfer fully connected", "target", chosen.Describe())
		case signalFail:
			t.logger.Info("early-media target failed before answer",
				"target", chosen.Describe(), "error", sig.err)
			if !t.abandoned.Load() {
				t.caller.Destroy()
			}
		}
	}
}

// drainFinals consumes the losers' outstanding final signals after a
// winner was chosen, hanging up any leg that answered despite the
// cancel.
func (t *Transferrer) drainFinals(signals <-chan dialSignal, remaining int) {
	for remaining > 0 {
		sig := <-signals
		switch sig.kind {
		case signalConnect:
			remaining--
			sig.leg.Destroy()
		case signalFail:
			remaining--
		}
	}
}

// choose selects the winner on first signal; later signals from other
// dialers lose. The winner's competitors are killed exactly once.
func (t *Transferrer) choose(d dialer) bool {
	t.mu.Lock()
	if t.chosen != nil {
		won := t.chosen == d
		t.mu.Unlock()
		return won
	}
	t.chosen = d
	t.mu.Unlock()
	t.killAllBut(d)
	return true
}

// killAllBut kills every dialer except the winner, at most once.
func (t *Transferrer) killAllBut(winner dialer) {
	t.mu.Lock()
	dials := t.dials
	t.dials = nil
	t.mu.Unlock()
	for _, d := range dials {
		if d != winner {
			d.Kill()
		}
	}
}

// bridge cross-links the caller and the winning leg so either side's
// hangup tears down the other.
func (t *Transferrer) bridge(leg targetLeg) {
	caller := t.caller
	caller.OnDestroy(func() {
		t.logger.Info("transferred call ended by caller")
		leg.Destroy()
	})
	leg.OnDestroy(func() {
		t.logger.Info("transferred call ended by target")
		caller.Destroy()
	})
}
