package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/voxgate/voxgate/internal/agent"
)

// Trunk is the SIP trunk used for outbound and transfer calls.
type Trunk struct {
	Gateway  string
	Username string
	Password string
}

// DialError is a final SIP failure response to an outbound INVITE.
type DialError struct {
	Status int
	Reason string
}

func (e *DialError) Error() string {
	return fmt.Sprintf("outdial failure %d %s", e.Status, e.Reason)
}

// signalKind classifies one dialer progress signal.
type signalKind int

const (
	signalEarlyMedia signalKind = iota
	signalConnect
	signalFail
)

// targetLeg is the connected dialog of a winning dial attempt, as the
// transfer orchestrator sees it.
type targetLeg interface {
	RemoteSDP() string
	OnDestroy(fn func())
	Destroy()
}

// dialSignal is one progress report from a dialer to its orchestrator.
type dialSignal struct {
	dialer dialer
	kind   signalKind
	sdp    string
	leg    targetLeg
	err    error
}

// dialer is one outbound call attempt. SingleDialer is the real
// implementation.
type dialer interface {
	Dial(ctx context.Context, signals chan<- dialSignal)
	Kill()
	Describe() string
}

// SingleDialer places one outbound INVITE through the trunk and reports
// progress on a signal channel. Kill cancels an in-flight attempt with
// CANCEL, or hangs up an already-connected leg.
type SingleDialer struct {
	client  *sipgo.Client
	logger  *slog.Logger
	trunk   Trunk
	contact sip.Uri

	callerID            string
	localSDP            string
	connectOnEarlyMedia bool
	target              agent.Target

	mu        sync.Mutex
	killed    bool
	earlySent bool
	inviteTx  sip.ClientTransaction
	inviteReq *sip.Request
	dialog    *Dialog
}

// NewSingleDialer prepares one outbound attempt to target. localSDP is
// the caller's session description, offered to the target so media
// flows directly between them once bridged.
func NewSingleDialer(
	client *sipgo.Client,
	logger *slog.Logger,
	trunk Trunk,
	contact sip.Uri,
	callerID string,
	localSDP string,
	connectOnEarlyMedia bool,
	target agent.Target,
) *SingleDialer {
	return &SingleDialer{
		client:              client,
		logger:              logger.With("subsystem", "outdial", "target", describeTarget(target)),
		trunk:               trunk,
		contact:             contact,
		callerID:            callerID,
		localSDP:            localSDP,
		connectOnEarlyMedia: connectOnEarlyMedia,
		target:              target,
	}
}

// Describe returns a loggable name for the dial target.
func (sd *SingleDialer) Describe() string { return describeTarget(sd.target) }

func describeTarget(t agent.Target) string {
	if t.Type == "sip" {
		return t.SipURI
	}
	return t.Number
}

// Dialog returns the connected leg, or nil before connect.
func (sd *SingleDialer) Dialog() *Dialog {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	return sd.dialog
}

// targetURI resolves the Request-URI for the attempt.
func (sd *SingleDialer) targetURI() (sip.Uri, error) {
	var uriStr string
	switch sd.target.Type {
	case "phone":
		uriStr = fmt.Sprintf("sip:%s@%s", sd.target.Number, sd.trunk.Gateway)
	case "sip":
		uriStr = sd.target.SipURI
	default:
		return sip.Uri{}, fmt.Errorf("invalid dial target type %q", sd.target.Type)
	}
	var uri sip.Uri
	if err := sip.ParseUri(uriStr, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("parsing target uri %q: %w", uriStr, err)
	}
	return uri, nil
}

// Dial sends the INVITE and reports early media, connect or failure on
// the signal channel. It handles a digest challenge from the trunk by
// re-sending the INVITE with credentials.
func (sd *SingleDialer) Dial(ctx context.Context, signals chan<- dialSignal) {
	recipient, err := sd.targetURI()
	if err != nil {
		signals <- dialSignal{dialer: sd, kind: signalFail, err: err}
		return
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetBody([]byte(sd.localSDP))
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.AppendHeader(sip.NewHeader("Call-ID", uuid.NewString()))

	// Present the transfer caller id, not our own identity.
	from := &sip.FromHeader{
		Address: sip.Uri{User: sd.callerID, Host: sd.contact.Host, Port: sd.contact.Port},
		Params:  sip.NewParams(),
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)

	sd.logger.Info("launching invite", "caller_id", sd.callerID)

	tx, err := sd.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		signals <- dialSignal{dialer: sd, kind: signalFail, err: fmt.Errorf("sending invite: %w", err)}
		return
	}

	sd.mu.Lock()
	if sd.killed {
		sd.mu.Unlock()
		tx.Terminate()
		signals <- dialSignal{dialer: sd, kind: signalFail, err: fmt.Errorf("killed before invite")}
		return
	}
	sd.inviteTx = tx
	sd.inviteReq = req
	sd.mu.Unlock()

	sd.awaitAnswer(ctx, req, tx, signals, false)
}

// awaitAnswer consumes responses for one INVITE transaction. authRetry
// guards against challenge loops.
func (sd *SingleDialer) awaitAnswer(ctx context.Context, req *sip.Request, tx sip.ClientTransaction, signals chan<- dialSignal, authRetry bool) {
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			sd.fail(signals, ctx.Err())
			return
		case <-tx.Done():
			tx.Terminate()
			if txErr := tx.Err(); txErr != nil {
				sd.fail(signals, fmt.Errorf("invite transaction: %w", txErr))
				return
			}
			sd.fail(signals, fmt.Errorf("invite ended without final response"))
			return
		case res = <-tx.Responses():
		}

		sd.logger.Debug("outdial response", "status", res.StatusCode, "reason", res.Reason)

		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			if sd.connectOnEarlyMedia && len(res.Body()) > 0 && sd.markEarly() {
				signals <- dialSignal{dialer: sd, kind: signalEarlyMedia, sdp: string(res.Body())}
			}

		case res.StatusCode == 401 || res.StatusCode == 407:
			tx.Terminate()
			if authRetry {
				sd.fail(signals, fmt.Errorf("trunk re-challenged after auth"))
				return
			}
			sd.retryWithAuth(ctx, req, res, signals)
			return

		case res.StatusCode >= 200 && res.StatusCode < 300:
			ack := buildACKFor2xx(req, res)
			if err := sd.client.WriteRequest(ack); err != nil {
				tx.Terminate()
				sd.fail(signals, fmt.Errorf("sending ack: %w", err))
				return
			}
			dlg := newUACDialog(sd.client, sd.logger, sd.contact, req, res)
			tx.Terminate()

			sd.mu.Lock()
			sd.inviteTx = nil
			sd.inviteReq = nil
			killed := sd.killed
			if !killed {
				sd.dialog = dlg
			}
			sd.mu.Unlock()

			if killed {
				// Answered during cancellation — hang it up.
				dlg.Destroy()
				sd.fail(signals, fmt.Errorf("answered after kill"))
				return
			}
			sd.logger.Info("outdial connected", "o_call_id", dlg.CallID())
			signals <- dialSignal{dialer: sd, kind: signalConnect, leg: dlg, sdp: dlg.RemoteSDP()}
			return

		case res.StatusCode >= 300:
			tx.Terminate()
			sd.fail(signals, &DialError{Status: res.StatusCode, Reason: res.Reason})
			return
		}
	}
}

// retryWithAuth answers a 401/407 digest challenge with the trunk's
// credentials and re-sends the INVITE.
func (sd *SingleDialer) retryWithAuth(ctx context.Context, origReq *sip.Request, challenge *sip.Response, signals chan<- dialSignal) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		sd.fail(signals, fmt.Errorf("trunk sent %d but no %s header", challenge.StatusCode, authHeader))
		return
	}
	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		sd.fail(signals, fmt.Errorf("parsing auth challenge: %w", err))
		return
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      origReq.Recipient.String(),
		Username: sd.trunk.Username,
		Password: sd.trunk.Password,
	})
	if err != nil {
		sd.fail(signals, fmt.Errorf("computing digest: %w", err))
		return
	}

	sd.logger.Debug("re-sending invite with auth")

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	tx, err := sd.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		sd.fail(signals, fmt.Errorf("sending authenticated invite: %w", err))
		return
	}

	sd.mu.Lock()
	if sd.killed {
		sd.mu.Unlock()
		tx.Terminate()
		sd.fail(signals, fmt.Errorf("killed during auth retry"))
		return
	}
	sd.inviteTx = tx
	sd.inviteReq = authReq
	sd.mu.Unlock()

	sd.awaitAnswer(ctx, authReq, tx, signals, true)
}

func (sd *SingleDialer) fail(signals chan<- dialSignal, err error) {
	sd.mu.Lock()
	sd.inviteTx = nil
	sd.inviteReq = nil
	sd.mu.Unlock()
	signals <- dialSignal{dialer: sd, kind: signalFail, err: err}
}

func (sd *SingleDialer) markEarly() bool {
	sd.mu.Lock()
	defer sd.mu.Unlock()
	if sd.earlySent {
		return false
	}
	sd.earlySent = true
	return true
}

// Kill aborts the attempt: an in-flight INVITE is cancelled, a
// connected leg is hung up. Safe to call more than once.
func (sd *SingleDialer) Kill() {
	sd.mu.Lock()
	if sd.killed {
		sd.mu.Unlock()
		return
	}
	sd.killed = true
	req := sd.inviteReq
	dlg := sd.dialog
	sd.mu.Unlock()

	switch {
	case req != nil:
		sd.logger.Info("canceling outdial")
		sd.sendCancel(req)
	case dlg != nil:
		sd.logger.Info("hanging up outdial", "o_call_id", dlg.CallID())
		dlg.Destroy()
	}
}

// sendCancel cancels an in-flight INVITE. The CANCEL shares the
// INVITE's Call-ID and target.
func (sd *SingleDialer) sendCancel(inviteReq *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, inviteReq.Recipient)
	cancelReq.SetTransport(inviteReq.Transport())
	if cid := inviteReq.CallID(); cid != nil {
		cancelReq.AppendHeader(sip.NewHeader("Call-ID", cid.Value()))
	}

	cancelTx, err := sd.client.TransactionRequest(context.Background(), cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		sd.logger.Debug("sending cancel", "error", err)
		return
	}
	cancelTx.Terminate()
}
