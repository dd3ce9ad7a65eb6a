package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/voxgate/voxgate/internal/agent"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/media"
)

// CallHandler is invoked for every new inbound call, on its own
// goroutine, once the dialog has been registered. The handler owns the
// dialog from that point: it must Accept, Reject or Destroy it.
type CallHandler func(ctx context.Context, d *Dialog)

// Server wraps the sipgo SIP stack with the gateway's call handlers.
// It terminates inbound trunk calls as a UAS and places outbound legs
// (transfers, campaign dials) as a UAC through the configured trunk.
type Server struct {
	cfg     *config.Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	client  *sipgo.Client
	trunk   Trunk
	contact sip.Uri
	dialogs *DialogManager

	onCall CallHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewServer creates a SIP server with all handlers registered. Call
// SetCallHandler before Start or inbound INVITEs are rejected.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	logger = logger.With("subsystem", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("voxgate"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		trunk: Trunk{
			Gateway:  cfg.TrunkGateway,
			Username: cfg.TrunkUsername,
			Password: cfg.TrunkPassword,
		},
		contact: sip.Uri{
			User: "voxgate",
			Host: cfg.SIPHost(),
			Port: cfg.SIPPort,
		},
		dialogs: NewDialogManager(logger),
		logger:  logger,
	}

	s.registerHandlers()
	return s, nil
}

// SetCallHandler installs the handler for new inbound calls.
func (s *Server) SetCallHandler(fn CallHandler) {
	s.onCall = fn
}

// Dialogs returns the active dialog tracker.
func (s *Server) Dialogs() *DialogManager {
	return s.dialogs
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnInfo(s.handleInfo)
}

// Start begins listening on configured transports. It returns once the
// listeners are launched; they stop when the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	for _, transport := range []string{"udp", "tcp"} {
		transport := transport
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info("sip listener starting", "transport", transport, "addr", addr)
			if err := s.srv.ListenAndServe(s.ctx, transport, addr); err != nil {
				s.logger.Error("sip listener stopped", "transport", transport, "error", err)
			}
		}()
	}

	return nil
}

// Stop tears down every active dialog and shuts the listeners down.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	s.dialogs.DestroyAll()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.client.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Transfer builds a transfer run that races the instructed targets
// against each other on behalf of caller.
func (s *Server) Transfer(caller *Dialog, instructions *agent.TransferInstructions) *Transferrer {
	return NewTransferrer(s.client, s.logger, s.trunk, s.contact, caller, instructions)
}

// DialNumber places a single outbound call through the trunk and waits
// for it to be answered. Used by the outbound campaign. The returned
// dialog is registered with the dialog manager.
func (s *Server) DialNumber(ctx context.Context, number, callerID, offerSDP string) (*Dialog, error) {
	dialer := NewSingleDialer(s.client, s.logger, s.trunk, s.contact, callerID, offerSDP, false,
		agent.Target{Type: "phone", Number: number})

	signals := make(chan dialSignal, 4)
	go dialer.Dial(ctx, signals)

	for {
		select {
		case <-ctx.Done():
			dialer.Kill()
			return nil, ctx.Err()
		case sig := <-signals:
			switch sig.kind {
			case signalConnect:
				d := dialer.Dialog()
				s.dialogs.Add(d)
				return d, nil
			case signalFail:
				return nil, sig.err
			}
		}
	}
}

// handleInvite processes incoming INVITE requests: new calls spawn the
// call handler, in-dialog re-INVITEs are answered with our existing
// session description.
func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	if to := req.To(); to != nil {
		if _, hasTag := to.Params.Get("tag"); hasTag {
			s.handleReinvite(req, tx)
			return
		}
	}

	if s.onCall == nil {
		s.logger.Warn("invite received with no call handler", "source", req.Source())
		res := sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("responding to invite", "error", err)
		}
		return
	}

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		s.logger.Error("sending 100 trying", "error", err)
		return
	}

	d := newUASDialog(s.client, s.logger, s.contact, req, tx)
	s.dialogs.Add(d)

	s.logger.Info("inbound call",
		"call_id", d.CallID(),
		"calling", d.CallingNumber(),
		"called", d.CalledNumber(),
		"source", req.Source(),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.onCall(s.ctx, d)
	}()
}

// handleReinvite answers a mid-call INVITE from the far end by
// restating our current answer SDP and recording theirs.
func (s *Server) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	d := s.dialogs.Get(callIDOf(req))
	if d == nil {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("responding to re-invite", "error", err)
		}
		return
	}

	if len(req.Body()) > 0 {
		d.setRemoteSDP(string(req.Body()))
	}

	var answer []byte
	if d.inviteRes != nil {
		answer = d.inviteRes.Body()
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	if len(answer) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	res.AppendHeader(&sip.ContactHeader{Address: s.contact})
	if err := tx.Respond(res); err != nil {
		s.logger.Error("responding to re-invite", "error", err)
	}
	s.logger.Debug("re-invite answered", "call_id", d.CallID())
}

// handleBye routes a BYE to its dialog so teardown callbacks fire.
func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	d := s.dialogs.Get(callIDOf(req))
	if d == nil {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("responding to bye", "error", err)
		}
		return
	}
	d.remoteBye(req, tx)
}

// handleCancel processes a CANCEL for a not-yet-answered INVITE: the
// dialog is destroyed, which answers the INVITE with 487.
func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("responding to cancel", "error", err)
	}

	d := s.dialogs.Get(callIDOf(req))
	if d == nil || d.confirmed.Load() {
		return
	}
	s.logger.Info("caller cancelled", "call_id", d.CallID())
	d.Destroy()
}

// handleACK confirms a 2xx-answered dialog. ACK is not transactional,
// nothing to respond.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip ack received",
		"call_id", callIDOf(req),
		"source", req.Source(),
	)
}

// handleOptions responds to SIP OPTIONS keepalive pings from the trunk.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo processes SIP INFO requests, detecting DTMF digits sent
// out-of-band by endpoints that do not support RFC 2833
// telephone-event. Recognized digits are forwarded to the dialog.
func (s *Server) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to info", "error", err)
	}

	ct := req.ContentType()
	if ct == nil {
		return
	}

	dtmfInfo, err := media.ParseSIPInfoDTMF(ct.Value(), req.Body())
	if err != nil {
		s.logger.Debug("sip info with unsupported content type",
			"content_type", ct.Value(),
			"call_id", callIDOf(req),
		)
		return
	}

	d := s.dialogs.Get(callIDOf(req))
	if d == nil {
		return
	}

	s.logger.Debug("sip info dtmf received",
		"signal", dtmfInfo.Signal,
		"duration", dtmfInfo.Duration,
		"call_id", d.CallID(),
	)
	d.pushInfoDigit(dtmfInfo.Signal)
}
