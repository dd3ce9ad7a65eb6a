package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/agent"
)

const (
	emptyResult = `{}`
	plainResult = `{"response_id":"r1","query_result":{"fulfillment_text":"hello","intent":{"display_name":"greet"}}}`
	endResult   = `{"response_id":"r2","query_result":{"fulfillment_text":"bye","intent":{"display_name":"goodbye","end_interaction":true}}}`

	gatherResult = `{"response_id":"r3","query_result":{"intent":{"display_name":"account"},` +
		`"fulfillment_messages":[{"payload":{"verb":"gather","numDigits":4,"finishOnKey":"#"}}]}}`

	transferResult = `{"response_id":"r4","query_result":{"fulfillment_text":"connecting you","intent":{"display_name":"reception"},` +
		`"fulfillment_messages":[{"payload":{"verb":"dial","target":[{"type":"phone","number":"15551112222"}]}}]}}`
)

type fakeDialog struct {
	mu        sync.Mutex
	destroyed bool
	onDestroy []func()
	rejected  int
}

func (d *fakeDialog) CallID() string        { return "cid-1" }
func (d *fakeDialog) CallingNumber() string { return "15550001111" }
func (d *fakeDialog) CalledNumber() string  { return "15557770000" }
func (d *fakeDialog) RemoteSDP() string     { return "offer-sdp" }

func (d *fakeDialog) Accept(ctx context.Context, answerSDP string) error { return nil }

func (d *fakeDialog) Reject(code int, reason string) error {
	d.mu.Lock()
	d.rejected = code
	d.mu.Unlock()
	return nil
}

func (d *fakeDialog) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	callbacks := d.onDestroy
	d.onDestroy = nil
	d.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (d *fakeDialog) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *fakeDialog) OnDestroy(fn func()) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		fn()
		return
	}
	d.onDestroy = append(d.onDestroy, fn)
	d.mu.Unlock()
}

type fakeEndpoint struct {
	mu          sync.Mutex
	obs         Observer
	plays       []string
	begins      []string
	breaks      int
	destroyed   bool
	playRelease chan struct{}
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{playRelease: make(chan struct{}, 8)}
}

func (ep *fakeEndpoint) UUID() string { return "ep-1" }

func (ep *fakeEndpoint) Subscribe(obs Observer) {
	ep.mu.Lock()
	ep.obs = obs
	ep.mu.Unlock()
}

func (ep *fakeEndpoint) Api(ctx context.Context, cmd, args string) (string, error) {
	return "+OK", nil
}

func (ep *fakeEndpoint) Set(ctx context.Context, name, value string) error { return nil }

func (ep *fakeEndpoint) Play(ctx context.Context, path string) error {
	ep.mu.Lock()
	ep.plays = append(ep.plays, path)
	ep.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ep.playRelease:
		return nil
	}
}

func (ep *fakeEndpoint) PlayBegin(ctx context.Context, path string) error {
	ep.mu.Lock()
	ep.begins = append(ep.begins, path)
	ep.mu.Unlock()
	return nil
}

func (ep *fakeEndpoint) Break(ctx context.Context) error {
	ep.mu.Lock()
	ep.breaks++
	ep.mu.Unlock()
	return nil
}

func (ep *fakeEndpoint) Destroy() {
	ep.mu.Lock()
	ep.destroyed = true
	ep.mu.Unlock()
}

func (ep *fakeEndpoint) breakCount() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.breaks
}

func (ep *fakeEndpoint) fillerStarts() []string {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return append([]string(nil), ep.begins...)
}

func (ep *fakeEndpoint) isDestroyed() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.destroyed
}

type fakeTurns struct {
	starts   chan agent.TurnRequest
	cancels  atomic.Int32
	failNext atomic.Bool
}

func newFakeTurns() *fakeTurns {
	return &fakeTurns{starts: make(chan agent.TurnRequest, 16)}
}

func (ft *fakeTurns) StartTurn(ctx context.Context, req agent.TurnRequest) error {
	if ft.failNext.Load() {
		return errors.New("agent backend gone")
	}
	ft.starts <- req
	return nil
}

func (ft *fakeTurns) CancelTurn(ctx context.Context) error {
	ft.cancels.Add(1)
	return nil
}

type fakeRunner struct {
	err  error
	runs atomic.Int32
}

func (r *fakeRunner) Run(ctx context.Context) error {
	r.runs.Add(1)
	return r.err
}

type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (rs *recordSink) Publish(ev Event) {
	rs.mu.Lock()
	rs.events = append(rs.events, ev)
	rs.mu.Unlock()
}

func (rs *recordSink) count(kind Kind) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	n := 0
	for _, ev := range rs.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (rs *recordSink) last(kind Kind) (Event, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for i := len(rs.events) - 1; i >= 0; i-- {
		if rs.events[i].Kind == kind {
			return rs.events[i], true
		}
	}
	return Event{}, false
}

type harness struct {
	s       *Session
	dlg     *fakeDialog
	ep      *fakeEndpoint
	turns   *fakeTurns
	sink    *recordSink
	runDone chan error
}

func startTestSession(t *testing.T, direction Direction, cfg Config, factory TransferFactory) *harness {
	t.Helper()
	h := &harness{
		dlg:     &fakeDialog{},
		ep:      newFakeEndpoint(),
		turns:   newFakeTurns(),
		sink:    &recordSink{},
		runDone: make(chan error, 1),
	}
	h.s = New(Params{
		Direction:   direction,
		Dialog:      h.dlg,
		Endpoint:    h.ep,
		NewTransfer: factory,
		Sink:        h.sink,
		Logger:      slog.Default(),
		Config:      cfg,
	})
	h.s.newTurns = func(Endpoint) TurnDriver { return h.turns }

	go func() { h.runDone <- h.s.Run(context.Background()) }()

	// Every session opens with a welcome turn.
	h.expectStart(t)
	return h
}

func (h *harness) expectStart(t *testing.T) agent.TurnRequest {
	t.Helper()
	select {
	case req := <-h.turns.starts:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a turn request")
		return agent.TurnRequest{}
	}
}

func (h *harness) expectNoStart(t *testing.T) {
	t.Helper()
	select {
	case req := <-h.turns.starts:
		t.Fatalf("unexpected turn request %+v", req)
	case <-time.After(100 * time.Millisecond):
	}
}

func (h *harness) waitEnd(t *testing.T) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		if ev, ok := h.sink.last(KindEnd); ok {
			select {
			case <-h.runDone:
			case <-deadline:
				t.Fatal("Run did not return after end")
			}
			return ev
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for session end")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSession_WelcomeTurn(t *testing.T) {
	h := &harness{
		dlg:     &fakeDialog{},
		ep:      newFakeEndpoint(),
		turns:   newFakeTurns(),
		sink:    &recordSink{},
		runDone: make(chan error, 1),
	}
	h.s = New(Params{
		Direction: DirectionInbound,
		Dialog:    h.dlg,
		Endpoint:  h.ep,
		Sink:      h.sink,
		Logger:    slog.Default(),
		Config:    Config{WelcomeEvent: "welcome", AgentProject: "proj"},
	})
	h.s.newTurns = func(Endpoint) TurnDriver { return h.turns }
	go func() { h.runDone <- h.s.Run(context.Background()) }()

	req := h.expectStart(t)
	if req.Event != "welcome" {
		t.Errorf("first turn event = %q, want %q", req.Event, "welcome")
	}

	waitFor(t, "init event", func() bool { return h.sink.count(KindInit) == 1 })
	ev, _ := h.sink.last(KindInit)
	if ev.CallingNumber != "15550001111" || ev.AgentProject != "proj" {
		t.Errorf("init event = %+v", ev)
	}
}

func TestSession_EmptyIntentFreshReprompt(t *testing.T) {
	h := startTestSession(t, DirectionInbound, Config{}, nil)

	h.s.OnTurnResult([]byte(emptyResult))
	req := h.expectStart(t)
	if req.Event != "" || req.Text != "" {
		t.Errorf("reprompt = %+v, want fresh contextless turn", req)
	}
	h.dlg.Destroy()
	h.waitEnd(t)
}

func TestSession_EmptyIntentPriority(t *testing.T) {
	h := startTestSession(t, DirectionInbound, Config{InterDigitTimeout: time.Minute}, nil)

	// Collect digits so a pending-digits reprompt is queued up.
	h.s.OnTurnResult([]byte(gatherResult))
	for _, d := range []string{"1", "2", "#"} {
		h.s.OnDigit(d)
	}
	waitFor(t, "turn cancel after digits", func() bool { return h.turns.cancels.Load() >= 1 })

	// Flag a no-input reprompt as well; it must win.
	h.s.post(func() { h.s.noinput = true })

	h.s.OnTurnResult([]byte(emptyResult))
	if req := h.expectStart(t); req.Event != agentNoInputEvent {
		t.Errorf("first reprompt event = %q, want %q", req.Event, agentNoInputEvent)
	}

	h.s.OnTurnResult([]byte(emptyResult))
	if req := h.expectStart(t); req.Text != "12" {
		t.Errorf("second reprompt text = %q, want collected digits %q", req.Text, "12")
	}

	h.s.OnTurnResult([]byte(emptyResult))
	if req := h.expectStart(t); req.Event != "" || req.Text != "" {
		t.Errorf("third reprompt = %+v, want fresh", req)
	}

	h.dlg.Destroy()
	h.waitEnd(t)
}

func TestSession_DigitCollectionInjectsText(t *testing.T) {
	h := startTestSession(t, DirectionInbound, Config{InterDigitTimeout: time.Minute}, nil)

	h.s.OnTurnResult([]byte(gatherResult))
	for _, d := range []string{"4", "5", "6", "7"} {
		h.s.OnDigit(d)
	}
	// Max of 4 reached: fulfillment cancels the in-flight turn.
	waitFor(t, "turn cancel after digits", func() bool { return h.turns.cancels.Load() == 1 })

	h.s.OnTurnResult([]byte(emptyResult))
	if req := h.expectStart(t); req.Text != "4567" {
		t.Errorf("reprompt text = %q, want %q", req.Text, "4567")
	}

	h.dlg.Destroy()
	h.waitEnd(t)
}

func TestSession_RealIntentFlushesDigits(t *testing.T) {
	h := startTestSession(t, DirectionInbound, Config{InterDigitTimeout: time.Minute}, nil)

	h.s.OnTurnResult([]byte(gatherResult))
	h.s.OnDigit("9")

	// A matched intent supersedes the collection in progress.
	h.s.OnTurnResult([]byte(plainResult))
	h.s.OnAudioReady("/tmp/prompt.wav")
	h.expectStart(t) // listen-while-speaking turn
	h.ep.playRelease <- struct{}{}

	// No fulfillment happened, so an empty result reprompts fresh.
	h.s.OnTurnResult([]byte(emptyResult))
	if req := h.expectStart(t); req.Text != "" {
		t.Errorf("reprompt text = %q, want none", req.Text)
	}
	if got := h.turns.cancels.Load(); got != 0 {
		t.Errorf("cancels = %d, want 0", got)
	}

	h.dlg.Destroy()
	h.waitEnd(t)
}

func TestSession_NoInputReprompt(t *testing.T) {
	h := startTestSession(t, DirectionInbound, Config{NoInputTimeout: 50 * time.Millisecond}, nil)

	h.s.OnTurnResult([]byte(plainResult))
	h.s.OnAudioReady("/tmp/hello.wav")
	h.expectStart(t) // listen-while-speaking turn
	h.ep.playRelease <- struct{}{}

	// Playback done, nobody speaks: the timer cancels the turn.
	waitFor(t, "no-input turn cancel", func() bool { return h.turns.cancels.Load() >= 1 })

	h.s.OnTurnResult([]byte(emptyResult))
	if req := h.expectStart(t); req.Event != agentNoInputEvent {
		t.Errorf("reprompt event = %q, want %q", req.Event, agentNoInputEvent)
	}

	h.dlg.Destroy()
	h.waitEnd(t)
}

func TestSession_HangupAfterFinalPlayback(t *testing.T) {
	h := startTestSession(t, DirectionInbound, Config{}, nil)

	h.s.OnTurnResult([]byte(endResult))
	h.s.OnAudioReady("/tmp/bye.wav")
	h.expectNoStart(t) // no listening during the goodbye prompt
	h.ep.playRelease <- struct{}{}

	ev := h.waitEnd(t)
	if ev.Reason != "agent ended interaction" {
		t.Errorf("end reason = %q", ev.Reason)
	}
	if !h.dlg.Destroyed() {
		t.Error("dialog not destroyed")
	}
	if !h.ep.isDestroyed() {
		t.Error("endpoint not destroyed")
	}
}

func TestSession_EndIsIdempotent(t *testing.T) {
	h := startTestSession(t, DirectionInbound, Config{}, nil)

	h.dlg.Destroy()
	h.waitEnd(t)

	// Further destruction and late events must not emit a second end.
	h.dlg.Destroy()
	h.s.end("again", true)
	h.s.OnTurnResult([]byte(emptyResult))

	if got := h.sink.count(KindEnd); got != 1 {
		t.Errorf("end events = %d, want 1", got)
	}
}

func TestSession_TransferAfterPlayback(t *testing.T) {
	runner := &fakeRunner{}
	factory := func(instr *agent.TransferInstructions) (TransferRunner, error) {
		if len(instr.Targets) != 1 || instr.Targets[0].Number != "15551112222" {
			t.Errorf("transfer targets = %+v", instr.Targets)
		}
		return runner, nil
	}
	h := startTestSession(t, DirectionInbound, Config{}, factory)

	h.s.OnTurnResult([]byte(transferResult))
	h.s.OnAudioReady("/tmp/connecting.wav")
	h.expectNoStart(t) // transfer staged: no listening turn
	h.ep.playRelease <- struct{}{}

	ev := h.waitEnd(t)
	if ev.Reason != "transferred" {
		t.Errorf("end reason = %q", ev.Reason)
	}
	if got := runner.runs.Load(); got != 1 {
		t.Errorf("transfer runs = %d, want 1", got)
	}
	// The bridged legs outlive the session; only the media leg is
	// released.
	if h.dlg.Destroyed() {
		t.Error("caller dialog destroyed on successful transfer")
	}
	if !h.ep.isDestroyed() {
		t.Error("endpoint not destroyed")
	}
}

func TestSession_TransferFailureEndsCall(t *testing.T) {
	runner := &fakeRunner{err: errors.New("all transfer targets failed")}
	factory := func(*agent.TransferInstructions) (TransferRunner, error) { return runner, nil }
	h := startTestSession(t, DirectionInbound, Config{}, factory)

	h.s.OnTurnResult([]byte(transferResult))
	h.s.OnAudioReady("/tmp/connecting.wav")
	h.ep.playRelease <- struct{}{}

	ev := h.waitEnd(t)
	if ev.Reason != "transfer failed" {
		t.Errorf("end reason = %q", ev.Reason)
	}
	if !h.dlg.Destroyed() {
		t.Error("dialog not destroyed after failed transfer")
	}
}

func TestSession_FallbackWhenNoClosingPrompt(t *testing.T) {
	h := startTestSession(t, DirectionInbound, Config{}, nil)

	h.s.OnTurnResult([]byte(endResult))
	// The agent never provides audio; the fallback timer must hang up.
	ev := h.waitEnd(t)
	if ev.Reason != "agent ended interaction" {
		t.Errorf("end reason = %q", ev.Reason)
	}
	if !h.dlg.Destroyed() {
		t.Error("dialog not destroyed")
	}
}

func TestSession_BargeInStopsPlayback(t *testing.T) {
	h := startTestSession(t, DirectionInbound, Config{BargePhrase: "operator"}, nil)

	h.s.OnTurnResult([]byte(plainResult))
	h.s.OnAudioReady("/tmp/menu.wav")
	h.expectStart(t)

	h.s.OnTranscription([]byte(`{"recognition_result":{"transcript":"Operator please","is_final":false,"confidence":0.4}}`))
	waitFor(t, "playback break", func() bool { return h.ep.breakCount() == 1 })

	h.dlg.Destroy()
	h.waitEnd(t)
}

func TestSession_FillerOnConfidentFinal(t *testing.T) {
	h := startTestSession(t, DirectionInbound, Config{FillerSound: "/sounds/typing.wav"}, nil)

	h.s.OnTranscription([]byte(`{"recognition_result":{"transcript":"what are your hours","is_final":true,"confidence":0.93}}`))
	waitFor(t, "filler start", func() bool {
		starts := h.ep.fillerStarts()
		return len(starts) == 1 && starts[0] == "/sounds/typing.wav"
	})

	// Interim and low-confidence results must not retrigger it.
	h.s.OnTranscription([]byte(`{"recognition_result":{"transcript":"hours","is_final":false,"confidence":0.95}}`))
	h.s.OnTranscription([]byte(`{"recognition_result":{"transcript":"hours","is_final":true,"confidence":0.5}}`))
	time.Sleep(50 * time.Millisecond)
	if got := len(h.ep.fillerStarts()); got != 1 {
		t.Errorf("filler starts = %d, want 1", got)
	}

	h.dlg.Destroy()
	h.waitEnd(t)
}

func TestSession_OutboundGreetingGate(t *testing.T) {
	h := startTestSession(t, DirectionOutbound, Config{WelcomeEvent: "outbound-greeting"}, nil)

	// Before the greeting has played, agent results must not restart
	// the turn loop.
	h.s.OnTurnResult([]byte(emptyResult))
	h.expectNoStart(t)

	h.s.OnTurnResult([]byte(plainResult))
	h.s.OnAudioReady("/tmp/greeting.wav")
	h.expectNoStart(t) // next turn deferred until the greeting finishes

	h.ep.playRelease <- struct{}{}
	if req := h.expectStart(t); req.Event != "" {
		t.Errorf("post-greeting turn = %+v, want fresh", req)
	}

	h.dlg.Destroy()
	h.waitEnd(t)
}

func TestSession_TurnFailureEndsSession(t *testing.T) {
	h := startTestSession(t, DirectionInbound, Config{}, nil)

	h.turns.failNext.Store(true)
	h.s.OnTurnResult([]byte(emptyResult))

	ev := h.waitEnd(t)
	if ev.Reason != "agent turn failed" {
		t.Errorf("end reason = %q", ev.Reason)
	}
	if !h.dlg.Destroyed() {
		t.Error("dialog not destroyed")
	}
}
