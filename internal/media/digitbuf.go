package media

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterDigitTimeout is the maximum wait between consecutive
// digits before delivering accumulated input. Standard PBX inter-digit
// timeout is 3 seconds.
const DefaultInterDigitTimeout = 3 * time.Second

// DigitPolicy constrains one keypad collection.
type DigitPolicy struct {
	// Min is the number of digits that must be collected before the
	// inter-digit timer or the terminator can fulfill the collection.
	Min int

	// Max ends collection immediately when reached. 0 means unlimited.
	Max int

	// Terminator ends collection early once Min has been met. The
	// terminator digit is not included in the result. Before Min is
	// met it is treated as a literal digit. Empty disables it.
	Terminator string

	// InterDigit is the maximum wait between consecutive digits. Zero
	// selects DefaultInterDigitTimeout.
	InterDigit time.Duration
}

func (p DigitPolicy) interDigit() time.Duration {
	if p.InterDigit <= 0 {
		return DefaultInterDigitTimeout
	}
	return p.InterDigit
}

// DigitBuffer accumulates keypad digits against a DigitPolicy. Digits
// are fed in with Push from whatever goroutine receives them; a single
// Collect call drains them and applies the policy's timing rules.
//
// Fulfillment fires at most once per Collect, when one of:
//   - the accumulated length reaches Max
//   - the terminator arrives with at least Min digits collected
//   - the inter-digit timer expires with at least Min digits collected
//
// The timer is reset on every digit. When it expires below Min it
// re-arms and collection continues: fewer than Min digits never fulfill.
type DigitBuffer struct {
	policy DigitPolicy
	logger *slog.Logger

	source chan string
	flushc chan struct{}

	mu  sync.Mutex
	buf []byte
}

// NewDigitBuffer creates a buffer enforcing the given policy.
func NewDigitBuffer(policy DigitPolicy, logger *slog.Logger) *DigitBuffer {
	return &DigitBuffer{
		policy: policy,
		logger: logger.With("subsystem", "digit-buffer"),
		source: make(chan string, 32),
		flushc: make(chan struct{}, 1),
		buf:    make([]byte, 0, 32),
	}
}

// Push feeds one received digit into the buffer. Digits pushed while no
// Collect is running are queued. Push never blocks; if the queue is
// somehow full the digit is dropped.
func (b *DigitBuffer) Push(digit string) {
	if digit == "" {
		return
	}
	select {
	case b.source <- digit:
	default:
		b.logger.Warn("digit queue full, dropping digit", "digit", digit)
	}
}

// Flush discards the accumulated digits immediately without firing
// fulfillment. A Collect in progress returns ("", false).
func (b *DigitBuffer) Flush() {
	select {
	case b.flushc <- struct{}{}:
	default:
	}
}

// Collected returns the digits accumulated so far.
func (b *DigitBuffer) Collected() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Collect blocks until the policy fulfills, the buffer is flushed, or
// the context is cancelled. It returns the accumulated digit string and
// whether fulfillment fired. Only one goroutine may call Collect at a
// time per buffer.
func (b *DigitBuffer) Collect(ctx context.Context) (string, bool) {
	b.mu.Lock()
	b.buf = b.buf[:0]
	b.mu.Unlock()

	timer := time.NewTimer(b.policy.interDigit())
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			// Drain the timer channel if it already fired.
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.policy.interDigit())
	}

	for {
		select {
		case <-ctx.Done():
			return "", false

		case <-b.flushc:
			b.mu.Lock()
			b.buf = b.buf[:0]
			b.mu.Unlock()
			b.logger.Debug("digit buffer flushed")
			return "", false

		case digit := <-b.source:
			b.mu.Lock()
			count := len(b.buf)
			terminated := b.policy.Terminator != "" &&
				digit == b.policy.Terminator && count >= b.policy.Min
			if !terminated {
				b.buf = append(b.buf, digit[0])
				count = len(b.buf)
			}
			collected := string(b.buf)
			b.mu.Unlock()

			if terminated {
				b.logger.Debug("terminator received", "buffer", collected)
				return collected, true
			}
			b.logger.Debug("digit buffered", "digit", digit, "buffer", collected)
			if b.policy.Max > 0 && count >= b.policy.Max {
				b.logger.Debug("max digits reached", "max", b.policy.Max)
				return collected, true
			}
			resetTimer()

		case <-timer.C:
			b.mu.Lock()
			count := len(b.buf)
			collected := string(b.buf)
			b.mu.Unlock()

			if count >= b.policy.Min {
				b.logger.Debug("inter-digit timeout", "buffer", collected)
				return collected, true
			}
			// Below the minimum the timeout never fulfills; keep
			// waiting for more digits.
			timer.Reset(b.policy.interDigit())
		}
	}
}
