package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Direction identifies which side initiated a dialog.
type Direction string

const (
	// DirectionInbound is a call received from the trunk (we are the UAS).
	DirectionInbound Direction = "inbound"
	// DirectionOutbound is a call we placed (we are the UAC).
	DirectionOutbound Direction = "outbound"
)

// Dialog is one confirmed (or confirming) SIP dialog between the
// gateway and a remote party: the caller's leg on an inbound call, or a
// dialed leg on an outbound/transfer call.
//
// Destruction is idempotent: however many times Destroy is called, and
// whichever side initiated teardown, registered OnDestroy callbacks run
// exactly once.
type Dialog struct {
	client *sipgo.Client
	logger *slog.Logger

	id        string
	callID    string
	direction Direction

	callingNumber string
	calledNumber  string
	remoteSDP     string

	contact sip.Uri

	// UAS legs keep the original INVITE and its server transaction
	// until Accept/Reject; UAC legs keep their INVITE and the 2xx.
	inviteReq *sip.Request
	inviteTx  sip.ServerTransaction
	inviteRes *sip.Response

	localCSeq atomic.Uint32
	confirmed atomic.Bool
	destroyed atomic.Bool

	mu          sync.Mutex
	onDestroy   []func()
	onInfoDigit func(digit string)

	startTime time.Time
}

// newUASDialog wraps an incoming INVITE as the caller's dialog leg.
func newUASDialog(client *sipgo.Client, logger *slog.Logger, contact sip.Uri, req *sip.Request, tx sip.ServerTransaction) *Dialog {
	d := &Dialog{
		client:    client,
		id:        callIDOf(req),
		callID:    callIDOf(req),
		direction: DirectionInbound,
		contact:   contact,
		inviteReq: req,
		inviteTx:  tx,
		remoteSDP: string(req.Body()),
		startTime: time.Now(),
	}
	if from := req.From(); from != nil {
		d.callingNumber = from.Address.User
	}
	d.calledNumber = req.Recipient.User
	if cseq := req.CSeq(); cseq != nil {
		d.localCSeq.Store(cseq.SeqNo)
	}
	d.logger = logger.With("subsystem", "dialog", "call_id", d.callID)
	return d
}

// newUACDialog wraps the confirmed result of an outbound INVITE.
func newUACDialog(client *sipgo.Client, logger *slog.Logger, contact sip.Uri, req *sip.Request, res *sip.Response) *Dialog {
	d := &Dialog{
		client:    client,
		id:        callIDOf(req),
		callID:    callIDOf(req),
		direction: DirectionOutbound,
		contact:   contact,
		inviteReq: req,
		inviteRes: res,
		remoteSDP: string(res.Body()),
		startTime: time.Now(),
	}
	if to := req.To(); to != nil {
		d.calledNumber = to.Address.User
	}
	if from := req.From(); from != nil {
		d.callingNumber = from.Address.User
	}
	if cseq := req.CSeq(); cseq != nil {
		d.localCSeq.Store(cseq.SeqNo)
	}
	d.confirmed.Store(true)
	d.logger = logger.With("subsystem", "dialog", "call_id", d.callID)
	return d
}

// ID returns the dialog identifier (its Call-ID).
func (d *Dialog) ID() string { return d.id }

// CallID returns the SIP Call-ID.
func (d *Dialog) CallID() string { return d.callID }

// Direction reports which side initiated the dialog.
func (d *Dialog) Direction() Direction { return d.direction }

// CallingNumber returns the calling party number.
func (d *Dialog) CallingNumber() string { return d.callingNumber }

// CalledNumber returns the called party number.
func (d *Dialog) CalledNumber() string { return d.calledNumber }

// RemoteSDP returns the most recent session description from the far
// end: the caller's offer on a UAS leg, the answer on a UAC leg.
func (d *Dialog) RemoteSDP() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteSDP
}

func (d *Dialog) setRemoteSDP(sdp string) {
	d.mu.Lock()
	d.remoteSDP = sdp
	d.mu.Unlock()
}

// StartTime returns when the dialog was created.
func (d *Dialog) StartTime() time.Time { return d.startTime }

// Destroyed reports whether the dialog has been torn down.
func (d *Dialog) Destroyed() bool { return d.destroyed.Load() }

// OnDestroy registers a callback to run when the dialog is destroyed,
// by either side. Callbacks registered after destruction run
// immediately.
func (d *Dialog) OnDestroy(fn func()) {
	d.mu.Lock()
	if d.destroyed.Load() {
		d.mu.Unlock()
		fn()
		return
	}
	d.onDestroy = append(d.onDestroy, fn)
	d.mu.Unlock()
}

// OnInfoDigit registers a handler for keypad digits arriving via SIP
// INFO, a fallback some endpoints use instead of in-band signaling.
// Replaces any previous handler.
func (d *Dialog) OnInfoDigit(fn func(digit string)) {
	d.mu.Lock()
	d.onInfoDigit = fn
	d.mu.Unlock()
}

func (d *Dialog) pushInfoDigit(digit string) {
	d.mu.Lock()
	fn := d.onInfoDigit
	d.mu.Unlock()
	if fn != nil {
		fn(digit)
	}
}

// Accept confirms a UAS dialog with a 200 OK carrying the answer SDP.
func (d *Dialog) Accept(ctx context.Context, answerSDP string) error {
	if d.direction != DirectionInbound {
		return fmt.Errorf("accept on outbound dialog")
	}
	if d.destroyed.Load() {
		return fmt.Errorf("accept on destroyed dialog")
	}

	res := sip.NewResponseFromRequest(d.inviteReq, 200, "OK", []byte(answerSDP))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(&sip.ContactHeader{Address: d.contact})

	if err := d.inviteTx.Respond(res); err != nil {
		return fmt.Errorf("sending 200 ok: %w", err)
	}
	d.inviteRes = res
	d.confirmed.Store(true)
	d.logger.Info("dialog confirmed",
		"calling", d.callingNumber,
		"called", d.calledNumber,
	)
	return nil
}

// Reject answers an unconfirmed UAS dialog with a failure response.
func (d *Dialog) Reject(code int, reason string) error {
	if d.direction != DirectionInbound {
		return fmt.Errorf("reject on outbound dialog")
	}
	if !d.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	res := sip.NewResponseFromRequest(d.inviteReq, code, reason, nil)
	err := d.inviteTx.Respond(res)
	d.finish()
	if err != nil {
		return fmt.Errorf("sending %d: %w", code, err)
	}
	return nil
}

// Destroy tears the dialog down: a confirmed dialog gets a BYE, an
// unconfirmed UAS dialog gets 487. Safe to call more than once.
func (d *Dialog) Destroy() {
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}

	if !d.confirmed.Load() && d.direction == DirectionInbound {
		res := sip.NewResponseFromRequest(d.inviteReq, 487, "Request Terminated", nil)
		if err := d.inviteTx.Respond(res); err != nil {
			d.logger.Debug("sending 487", "error", err)
		}
	} else {
		d.sendBye()
	}
	d.finish()
}

// remoteBye handles a BYE received from the far end: respond 200 and
// run teardown without sending our own BYE.
func (d *Dialog) remoteBye(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		d.logger.Error("responding to bye", "error", err)
	}
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}
	d.logger.Info("remote hangup", "direction", d.direction)
	d.finish()
}

// finish runs destroy callbacks exactly once.
func (d *Dialog) finish() {
	d.mu.Lock()
	callbacks := d.onDestroy
	d.onDestroy = nil
	d.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (d *Dialog) sendBye() {
	bye := d.buildInDialogRequest(sip.BYE, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := d.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		d.logger.Debug("sending bye", "error", err)
		return
	}
	defer tx.Terminate()

	select {
	case <-ctx.Done():
	case <-tx.Done():
	case <-tx.Responses():
	}
	d.logger.Info("dialog destroyed", "direction", d.direction)
}

// Reinvite renegotiates the dialog's media with a new local SDP and
// waits for the far end's 200 OK, which it ACKs.
func (d *Dialog) Reinvite(ctx context.Context, sdp string) error {
	if d.destroyed.Load() {
		return fmt.Errorf("reinvite on destroyed dialog")
	}
	req := d.buildInDialogRequest(sip.INVITE, []byte(sdp))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))

	tx, err := d.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending re-invite: %w", err)
	}
	defer tx.Terminate()

	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return fmt.Errorf("re-invite transaction: %w", err)
			}
			return fmt.Errorf("re-invite ended without final response")
		case res = <-tx.Responses():
		}

		if res.StatusCode < 200 {
			continue
		}
		if res.StatusCode >= 300 {
			return fmt.Errorf("re-invite rejected: %d %s", res.StatusCode, res.Reason)
		}
		ack := buildACKFor2xx(req, res)
		if err := d.client.WriteRequest(ack); err != nil {
			return fmt.Errorf("acking re-invite: %w", err)
		}
		return nil
	}
}

// buildInDialogRequest constructs a BYE or re-INVITE with the dialog's
// route set, tags and an incremented CSeq. From/To are swapped for UAS
// dialogs since header direction follows who initiated the dialog, not
// who sends the request.
func (d *Dialog) buildInDialogRequest(method sip.RequestMethod, body []byte) *sip.Request {
	recipient := d.remoteTarget()
	req := sip.NewRequest(method, recipient)
	req.SetTransport(d.inviteReq.Transport())
	if len(body) > 0 {
		req.SetBody(body)
	}

	if len(d.inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", d.inviteReq, req)
	}

	if d.direction == DirectionOutbound {
		if from := d.inviteReq.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		to := d.inviteReq.To()
		var remoteTag string
		if d.inviteRes != nil {
			if resTo := d.inviteRes.To(); resTo != nil {
				remoteTag, _ = resTo.Params.Get("tag")
			}
		}
		if to != nil {
			toHdr := &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			if remoteTag != "" {
				toHdr.Params.Add("tag", remoteTag)
			}
			req.AppendHeader(toHdr)
		}
	} else {
		// UAS: our identity is the To of our 200 OK, theirs is the
		// From of the INVITE.
		if d.inviteRes != nil {
			if to := d.inviteRes.To(); to != nil {
				req.AppendHeader(&sip.FromHeader{
					DisplayName: to.DisplayName,
					Address:     to.Address,
					Params:      to.Params.Clone(),
				})
			}
		}
		if from := d.inviteReq.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	if cid := d.inviteReq.CallID(); cid != nil {
		req.AppendHeader(sip.HeaderClone(cid))
	}

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.localCSeq.Add(1),
		MethodName: method,
	})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: d.contact})

	return req
}

// remoteTarget resolves where in-dialog requests go: the far end's
// Contact when it gave one, its address-of-record otherwise.
func (d *Dialog) remoteTarget() sip.Uri {
	if d.direction == DirectionOutbound {
		if d.inviteRes != nil {
			if contact := d.inviteRes.Contact(); contact != nil {
				return *contact.Address.Clone()
			}
		}
		return *d.inviteReq.To().Address.Clone()
	}
	if contact := d.inviteReq.Contact(); contact != nil {
		uri := *contact.Address.Clone()
		uri.UriParams = sip.NewParams()
		return uri
	}
	return *d.inviteReq.From().Address.Clone()
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

// DialogManager tracks active dialogs by Call-ID so in-dialog requests
// (BYE, re-INVITE, INFO) can be routed to their leg.
type DialogManager struct {
	mu      sync.RWMutex
	dialogs map[string]*Dialog
	logger  *slog.Logger
}

// NewDialogManager creates an in-memory dialog tracker.
func NewDialogManager(logger *slog.Logger) *DialogManager {
	return &DialogManager{
		dialogs: make(map[string]*Dialog),
		logger:  logger.With("subsystem", "dialog-manager"),
	}
}

// Add registers a dialog. The dialog removes itself when destroyed.
func (dm *DialogManager) Add(d *Dialog) {
	dm.mu.Lock()
	dm.dialogs[d.callID] = d
	count := len(dm.dialogs)
	dm.mu.Unlock()
	d.OnDestroy(func() { dm.remove(d.callID) })
	dm.logger.Debug("dialog added", "call_id", d.callID, "active", count)
}

func (dm *DialogManager) remove(callID string) {
	dm.mu.Lock()
	delete(dm.dialogs, callID)
	dm.mu.Unlock()
}

// Get returns the dialog for a Call-ID, or nil.
func (dm *DialogManager) Get(callID string) *Dialog {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.dialogs[callID]
}

// Count returns the number of active dialogs.
func (dm *DialogManager) Count() int {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return len(dm.dialogs)
}

// DestroyAll tears down every active dialog. Used during shutdown.
func (dm *DialogManager) DestroyAll() {
	dm.mu.RLock()
	dialogs := make([]*Dialog, 0, len(dm.dialogs))
	for _, d := range dm.dialogs {
		dialogs = append(dialogs, d)
	}
	dm.mu.RUnlock()
	for _, d := range dialogs {
		d.Destroy()
	}
}
