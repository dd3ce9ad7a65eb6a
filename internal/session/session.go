package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxgate/voxgate/internal/agent"
	"github.com/voxgate/voxgate/internal/media"
)

// Direction identifies which side placed the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Dialog is the signaling leg the session owns. The sip package's
// Dialog satisfies it.
type Dialog interface {
	CallID() string
	CallingNumber() string
	CalledNumber() string
	RemoteSDP() string
	Accept(ctx context.Context, answerSDP string) error
	Reject(code int, reason string) error
	Destroy()
	Destroyed() bool
	OnDestroy(fn func())
}

// Observer is the capability interface the session registers on its
// media endpoint. The Session itself implements it; calls must not
// block and may arrive from any goroutine.
type Observer interface {
	OnTurnResult(raw []byte)
	OnTranscription(raw []byte)
	OnAudioReady(path string)
	OnEndOfUtterance()
	OnAgentError(msg string)
	OnDigit(digit string)
}

// Endpoint is the media leg the session owns.
type Endpoint interface {
	UUID() string
	Subscribe(obs Observer)
	Api(ctx context.Context, cmd string, args string) (string, error)
	Set(ctx context.Context, name, value string) error
	Play(ctx context.Context, path string) error
	PlayBegin(ctx context.Context, path string) error
	Break(ctx context.Context) error
	Destroy()
}

// MediaConnector attaches an inbound call leg to the media server,
// returning the endpoint and the answer session description.
type MediaConnector interface {
	Allocate(ctx context.Context, offerSDP string) (Endpoint, string, error)
}

// TurnDriver runs agent turns against the session's endpoint.
type TurnDriver interface {
	StartTurn(ctx context.Context, req agent.TurnRequest) error
	CancelTurn(ctx context.Context) error
}

// TransferRunner executes one staged call transfer to completion.
type TransferRunner interface {
	Run(ctx context.Context) error
}

// TransferFactory stages a transfer run for the session's dialog.
type TransferFactory func(instructions *agent.TransferInstructions) (TransferRunner, error)

// Config is the per-call configuration snapshot captured at
// construction.
type Config struct {
	AgentProject string
	AgentLang    string

	// WelcomeEvent is fired on the first agent turn; chosen per
	// direction by the caller.
	WelcomeEvent string

	// CustomerName is outbound campaign metadata, exposed to the agent
	// as a channel variable.
	CustomerName string

	NoInputTimeout    time.Duration // 0 disables the no-input reprompt
	InterDigitTimeout time.Duration
	CollectDTMFAlways bool
	BargePhrase       string
	FillerSound       string
}

// Params bundles the collaborators a session is constructed over.
type Params struct {
	Direction Direction
	Dialog    Dialog

	// Media attaches inbound calls. Outbound calls arrive with their
	// endpoint already allocated and bridged.
	Media    MediaConnector
	Endpoint Endpoint

	// NewTransfer stages call transfers; nil disables them.
	NewTransfer TransferFactory

	Sink   Sink
	Logger *slog.Logger
	Config Config
}

// agentNoInputEvent is the agent event fired to reprompt after caller
// silence.
const agentNoInputEvent = "no-input"

// playStartFallback bounds how long the session waits for the agent to
// provide audio after a final turn before giving up on playback.
const playStartFallback = time.Second

// eventQueueSize bounds the per-session event queue. Media and
// signaling callbacks never block on a full queue; overflow is dropped
// with a warning.
const eventQueueSize = 64

// Session is the per-call state machine: it owns one dialog and one
// media endpoint, consumes agent events, and sequences playback, digit
// collection, transfer and teardown.
//
// All mutable state below the queue is touched only by the dispatch
// goroutine; external callbacks post closures onto the queue instead
// of mutating directly.
type Session struct {
	id        string
	direction Direction
	cfg       Config
	logger    *slog.Logger
	sink      Sink

	dialog      Dialog
	mediaConn   MediaConnector
	ep          Endpoint
	turns       TurnDriver
	newTurns    func(Endpoint) TurnDriver
	newTransfer TransferFactory

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan func()
	closed  chan struct{}
	endOnce sync.Once

	timerMu       sync.Mutex
	noInputTimer  *time.Timer
	fallbackTimer *time.Timer

	// dispatch-goroutine state
	waitingForPlayStart bool
	hangupAfterPlayDone bool
	playInProgress      bool
	fillerPlaying       bool
	noinput             bool
	greetingPlayed      bool
	currentAudioFile    string
	digits              *media.DigitBuffer
	digitsCancel        context.CancelFunc
	pendingDigits       string
	hasPendingDigits    bool
	stagedTransfer      TransferRunner
}

// New constructs a session over the given collaborators. No I/O is
// performed until Run.
func New(p Params) *Session {
	s := &Session{
		id:          uuid.NewString(),
		direction:   p.Direction,
		cfg:         p.Config,
		sink:        p.Sink,
		dialog:      p.Dialog,
		mediaConn:   p.Media,
		ep:          p.Endpoint,
		newTransfer: p.NewTransfer,
		events:      make(chan func(), eventQueueSize),
		closed:      make(chan struct{}),
	}
	s.logger = p.Logger.With("subsystem", "session", "session_id", s.id)
	s.newTurns = func(ep Endpoint) TurnDriver {
		return agent.NewDriver(s.logger, ep, p.Config.AgentProject, p.Config.AgentLang)
	}
	// Inbound calls defer to no greeting gate.
	s.greetingPlayed = p.Direction == DirectionInbound
	return s
}

// ID returns the generated session identifier.
func (s *Session) ID() string { return s.id }

// Direction reports which side placed the call.
func (s *Session) Direction() Direction { return s.direction }

// Done is closed when the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Run attaches the call to the media server, starts the agent turn
// loop, and blocks until the session terminates. A setup failure
// rejects or destroys the call and is returned.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.ep == nil {
		if s.mediaConn == nil {
			return fmt.Errorf("inbound session without media connector")
		}
		ep, answer, err := s.mediaConn.Allocate(s.ctx, s.dialog.RemoteSDP())
		if err != nil {
			s.logger.Error("media server unavailable, rejecting call", "error", err)
			if rerr := s.dialog.Reject(480, "Temporarily Unavailable"); rerr != nil {
				s.logger.Debug("rejecting call", "error", rerr)
			}
			return fmt.Errorf("attaching media: %w", err)
		}
		s.ep = ep
		if err := s.dialog.Accept(s.ctx, answer); err != nil {
			s.ep.Destroy()
			return fmt.Errorf("accepting call: %w", err)
		}
	}

	s.turns = s.newTurns(s.ep)
	s.ep.Subscribe(s)
	s.dialog.OnDestroy(func() { s.end("hangup", false) })

	select {
	case <-s.closed:
		// Hung up before setup completed.
		return fmt.Errorf("call gone during setup")
	default:
	}

	s.emit(Event{
		Kind:          KindInit,
		Direction:     string(s.direction),
		CallingNumber: s.dialog.CallingNumber(),
		CalledNumber:  s.dialog.CalledNumber(),
		AgentProject:  s.cfg.AgentProject,
	})
	s.setChannelInfo()

	go s.dispatch()

	if err := s.turns.StartTurn(s.ctx, agent.TurnRequest{Event: s.cfg.WelcomeEvent}); err != nil {
		s.logger.Error("starting first agent turn", "error", err)
		s.end("agent turn failed", true)
		return fmt.Errorf("starting first turn: %w", err)
	}

	<-s.closed
	return nil
}

// setChannelInfo publishes call attribution to the endpoint as channel
// variables for the agent's context parameters. Best effort.
func (s *Session) setChannelInfo() {
	vars := map[string]string{
		"agent_calling_number": s.dialog.CallingNumber(),
		"agent_called_number":  s.dialog.CalledNumber(),
	}
	if s.cfg.CustomerName != "" {
		vars["agent_customer_name"] = s.cfg.CustomerName
	}
	for name, value := range vars {
		if value == "" {
			continue
		}
		if err := s.ep.Set(s.ctx, name, value); err != nil {
			s.logger.Debug("setting channel variable", "name", name, "error", err)
		}
	}
}

// dispatch runs queued handlers one at a time, in arrival order.
func (s *Session) dispatch() {
	for {
		select {
		case <-s.closed:
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// post queues a handler for the dispatch goroutine. Never blocks; on a
// full queue the event is dropped.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.closed:
	default:
		s.logger.Warn("session event queue full, dropping event")
	}
}

func (s *Session) emit(ev Event) {
	if s.sink == nil {
		return
	}
	ev.CallID = s.id
	ev.Time = time.Now()
	s.sink.Publish(ev)
}

// end performs the single termination path: stop timers, release the
// media endpoint, optionally destroy the dialog, and emit the end
// event. Runs its body exactly once no matter how often or from where
// it is called.
func (s *Session) end(reason string, destroyDialog bool) {
	s.endOnce.Do(func() {
		s.timerMu.Lock()
		stopTimer(s.noInputTimer)
		stopTimer(s.fallbackTimer)
		s.timerMu.Unlock()

		close(s.closed)
		if s.cancel != nil {
			s.cancel()
		}
		if s.ep != nil {
			s.ep.Destroy()
		}
		if destroyDialog {
			s.dialog.Destroy()
		}
		s.emit(Event{Kind: KindEnd, Reason: reason})
		s.logger.Info("session ended", "reason", reason)
	})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// OnTurnResult receives the raw agent turn result from the endpoint.
func (s *Session) OnTurnResult(raw []byte) {
	s.post(func() { s.handleTurnResult(raw) })
}

// OnTranscription receives a raw recognition update from the endpoint.
func (s *Session) OnTranscription(raw []byte) {
	s.post(func() { s.handleTranscription(raw) })
}

// OnAudioReady receives the path of the agent's synthesized reply.
func (s *Session) OnAudioReady(path string) {
	s.post(func() { s.handleAudioReady(path) })
}

// OnEndOfUtterance marks the end of caller speech for a turn.
func (s *Session) OnEndOfUtterance() {
	s.post(func() { s.emit(Event{Kind: KindEndOfUtterance}) })
}

// OnAgentError receives turn errors reported by the media server.
func (s *Session) OnAgentError(msg string) {
	s.post(func() {
		s.logger.Error("agent error", "message", msg)
		s.emit(Event{Kind: KindError, Error: msg})
	})
}

// OnDigit receives one keypad digit, from either the media server or a
// SIP INFO fallback.
func (s *Session) OnDigit(digit string) {
	s.post(func() {
		if s.digits != nil {
			s.digits.Push(digit)
		}
	})
}

func (s *Session) handleTurnResult(raw []byte) {
	intent, err := agent.ParseIntent(raw, s.dialog.CallingNumber())
	if err != nil {
		// Malformed directives are not fatal: treat the turn as if
		// nothing matched and keep the conversation going.
		s.logger.Warn("uninterpretable turn result", "error", err)
		s.emit(Event{Kind: KindError, Error: err.Error()})
		s.handleEmptyIntent()
		return
	}

	s.emit(Event{
		Kind:            KindIntent,
		Intent:          intent.Name(),
		FulfillmentText: intent.FulfillmentText(),
	})

	if intent.IsEmpty() {
		s.handleEmptyIntent()
		return
	}

	s.disarmNoInput()
	s.noinput = false
	s.dropDigitBuffer()

	if intent.SaysCallTransfer() {
		s.stageTransfer(intent.TransferInstructions())
	}

	if intent.SaysEndInteraction() {
		if s.stagedTransfer == nil {
			s.hangupAfterPlayDone = true
		}
		s.waitingForPlayStart = true
		s.armFallback()
		return
	}

	if intent.SaysCollectDTMF() || s.cfg.CollectDTMFAlways {
		s.armDigits(intent.DTMFInstructions())
	}
}

// handleEmptyIntent re-requests a turn after a no-match result. The
// reprompt carries, by priority: the no-input event, pending collected
// digits, or nothing.
func (s *Session) handleEmptyIntent() {
	// An outbound call must not react to agent turns before its own
	// greeting has finished playing.
	if s.direction == DirectionOutbound && !s.greetingPlayed {
		return
	}

	switch {
	case s.noinput:
		s.noinput = false
		s.startTurn(agent.TurnRequest{Event: agentNoInputEvent})
	case s.hasPendingDigits:
		digits := s.pendingDigits
		s.pendingDigits = ""
		s.hasPendingDigits = false
		s.startTurn(agent.TurnRequest{Text: digits})
	default:
		s.startTurn(agent.TurnRequest{})
	}
}

func (s *Session) handleTranscription(raw []byte) {
	tr, err := agent.ParseTranscription(raw)
	if err != nil {
		s.logger.Debug("unreadable transcription", "error", err)
		return
	}

	s.emit(Event{
		Kind:       KindTranscription,
		Transcript: tr.Transcript,
		Confidence: tr.Confidence,
		Final:      tr.IsFinal,
	})

	if s.cfg.FillerSound != "" && tr.WantsFiller() {
		if err := s.ep.PlayBegin(s.ctx, s.cfg.FillerSound); err != nil {
			s.logger.Debug("starting filler sound", "error", err)
		} else {
			s.fillerPlaying = true
		}
	}

	if s.cfg.BargePhrase != "" && s.playInProgress && tr.MatchesBarge(s.cfg.BargePhrase) {
		s.logger.Info("barge-in, stopping playback", "transcript", tr.Transcript)
		if err := s.ep.Break(s.ctx); err != nil {
			s.logger.Debug("stopping playback", "error", err)
		}
		s.playInProgress = false
	}
}

func (s *Session) handleAudioReady(path string) {
	s.emit(Event{Kind: KindAudio, AudioFile: path})
	s.waitingForPlayStart = false
	s.disarmFallback()

	if s.fillerPlaying {
		if err := s.ep.Break(s.ctx); err != nil {
			s.logger.Debug("stopping filler sound", "error", err)
		}
		s.fillerPlaying = false
	}

	// Keep listening while speaking so the caller can barge in. The
	// next turn is deferred when this playback ends the call, leads
	// into a transfer, or is an outbound greeting that has to finish
	// before the conversation starts.
	if !s.hangupAfterPlayDone && s.stagedTransfer == nil && s.greetingPlayed {
		s.startTurn(agent.TurnRequest{})
	}

	s.playInProgress = true
	s.currentAudioFile = path
	go func() {
		err := s.ep.Play(s.ctx, path)
		s.post(func() { s.handlePlayDone(path, err) })
	}()
}

func (s *Session) handlePlayDone(path string, err error) {
	if path != s.currentAudioFile {
		// A completion for an older play that lost a race; ignore.
		return
	}
	s.playInProgress = false
	s.currentAudioFile = ""
	if err != nil {
		s.logger.Warn("playback failed", "path", path, "error", err)
	}

	firstGreeting := s.direction == DirectionOutbound && !s.greetingPlayed
	s.greetingPlayed = true

	switch {
	case s.hangupAfterPlayDone:
		s.end("agent ended interaction", true)
	case s.stagedTransfer != nil:
		s.beginTransfer()
	default:
		if firstGreeting {
			s.startTurn(agent.TurnRequest{})
		}
		s.armNoInput()
	}
}

// startTurn issues a turn request. A failure to start a turn makes the
// call meaningless, so it terminates the session.
func (s *Session) startTurn(req agent.TurnRequest) {
	if err := s.turns.StartTurn(s.ctx, req); err != nil {
		s.logger.Error("starting agent turn", "error", err)
		s.emit(Event{Kind: KindError, Error: err.Error()})
		s.end("agent turn failed", true)
	}
}

// stageTransfer constructs the transfer run without starting it; it
// starts once queued audio finishes playing.
func (s *Session) stageTransfer(instr *agent.TransferInstructions) {
	if s.stagedTransfer != nil {
		s.logger.Warn("transfer already staged, ignoring new directive")
		return
	}
	if s.newTransfer == nil {
		s.logger.Error("transfer requested but no trunk configured")
		s.end("transfer unavailable", true)
		return
	}
	runner, err := s.newTransfer(instr)
	if err != nil {
		s.logger.Error("staging transfer", "error", err)
		s.end("transfer unavailable", true)
		return
	}
	s.stagedTransfer = runner
	s.hangupAfterPlayDone = false
}

// beginTransfer hands the call to the staged transfer run. On success
// the bridged legs outlive the session; on failure the caller must not
// be left hanging.
func (s *Session) beginTransfer() {
	runner := s.stagedTransfer
	s.stagedTransfer = nil
	s.logger.Info("starting call transfer")
	go func() {
		err := runner.Run(s.ctx)
		s.post(func() {
			if err != nil {
				s.logger.Error("call transfer failed", "error", err)
				s.end("transfer failed", true)
				return
			}
			s.end("transferred", false)
		})
	}()
}

// armDigits starts keypad collection under the directive's policy, or
// a terminator-only default when the session always collects.
func (s *Session) armDigits(instr *agent.DTMFInstructions) {
	if s.digits != nil {
		return
	}

	policy := media.DigitPolicy{
		Min:        1,
		Terminator: "#",
		InterDigit: s.cfg.InterDigitTimeout,
	}
	if instr != nil {
		policy.Min = instr.Min
		policy.Max = instr.Max
		if instr.Terminator != "" {
			policy.Terminator = instr.Terminator
		}
	}

	buf := media.NewDigitBuffer(policy, s.logger)
	ctx, cancel := context.WithCancel(s.ctx)
	s.digits = buf
	s.digitsCancel = cancel

	go func() {
		digits, fulfilled := buf.Collect(ctx)
		cancel()
		s.post(func() { s.digitsDone(buf, digits, fulfilled) })
	}()
}

// digitsDone handles keypad collection finishing. The collected string
// is parked and the in-flight turn cancelled, so the resulting
// no-match turn result injects the digits as the next turn's input.
func (s *Session) digitsDone(buf *media.DigitBuffer, digits string, fulfilled bool) {
	if buf != s.digits {
		return
	}
	s.digits = nil
	s.digitsCancel = nil
	if !fulfilled {
		return
	}

	s.logger.Info("keypad collection fulfilled", "digits", digits)
	s.pendingDigits = digits
	s.hasPendingDigits = true

	if s.cfg.FillerSound != "" {
		if err := s.ep.PlayBegin(s.ctx, s.cfg.FillerSound); err != nil {
			s.logger.Debug("starting filler sound", "error", err)
		} else {
			s.fillerPlaying = true
		}
	}
	if err := s.turns.CancelTurn(s.ctx); err != nil {
		s.logger.Debug("cancelling turn after digits", "error", err)
	}
}

// dropDigitBuffer discards collection in progress; a real intent
// supersedes pending digits.
func (s *Session) dropDigitBuffer() {
	if s.digits == nil {
		return
	}
	s.digits.Flush()
	if s.digitsCancel != nil {
		s.digitsCancel()
		s.digitsCancel = nil
	}
	s.digits = nil
}

// armNoInput (re)arms the caller-silence reprompt timer.
func (s *Session) armNoInput() {
	if s.cfg.NoInputTimeout <= 0 {
		return
	}
	s.timerMu.Lock()
	stopTimer(s.noInputTimer)
	s.noInputTimer = time.AfterFunc(s.cfg.NoInputTimeout, func() {
		s.post(func() { s.handleNoInput() })
	})
	s.timerMu.Unlock()
}

func (s *Session) disarmNoInput() {
	s.timerMu.Lock()
	stopTimer(s.noInputTimer)
	s.noInputTimer = nil
	s.timerMu.Unlock()
}

// handleNoInput cancels the in-flight turn so the resulting no-match
// result reprompts with the no-input event.
func (s *Session) handleNoInput() {
	if s.dialog.Destroyed() || s.playInProgress || s.digits != nil || s.stagedTransfer != nil {
		return
	}
	s.logger.Info("no caller input, reprompting")
	s.noinput = true
	if err := s.turns.CancelTurn(s.ctx); err != nil {
		s.logger.Debug("cancelling turn after silence", "error", err)
	}
}

// armFallback bounds waiting for the agent's audio after a final turn.
// When the agent hangs up or transfers without a closing prompt, the
// session must not wait forever for playback that never comes.
func (s *Session) armFallback() {
	s.timerMu.Lock()
	stopTimer(s.fallbackTimer)
	s.fallbackTimer = time.AfterFunc(playStartFallback, func() {
		s.post(func() { s.handleFallback() })
	})
	s.timerMu.Unlock()
}

func (s *Session) disarmFallback() {
	s.timerMu.Lock()
	stopTimer(s.fallbackTimer)
	s.fallbackTimer = nil
	s.timerMu.Unlock()
}

func (s *Session) handleFallback() {
	if !s.waitingForPlayStart || s.dialog.Destroyed() {
		return
	}
	s.waitingForPlayStart = false
	if s.stagedTransfer != nil {
		s.logger.Info("no closing prompt, transferring immediately")
		s.beginTransfer()
		return
	}
	s.logger.Info("no closing prompt, hanging up")
	s.end("agent ended interaction", true)
}
