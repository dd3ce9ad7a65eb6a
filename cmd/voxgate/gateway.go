package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxgate/voxgate/internal/agent"
	"github.com/voxgate/voxgate/internal/campaign"
	"github.com/voxgate/voxgate/internal/carrier"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/database"
	"github.com/voxgate/voxgate/internal/eventstore"
	"github.com/voxgate/voxgate/internal/media"
	"github.com/voxgate/voxgate/internal/session"
	sipserver "github.com/voxgate/voxgate/internal/sip"
)

// lookupTimeout bounds the pre-session caller name lookup.
const lookupTimeout = 3 * time.Second

// dialTimeout bounds how long a campaign dial may ring.
const dialTimeout = 45 * time.Second

// recordTimeout bounds the call record write at session end.
const recordTimeout = 5 * time.Second

// gateway glues the SIP server, media server, agent sessions and the
// stores together: one handleCall per inbound INVITE, one
// placeCampaignCall per campaign row.
type gateway struct {
	cfg    *config.Config
	logger *slog.Logger
	media  *media.Client
	sip    *sipserver.Server
	events *eventstore.Store
	calls  database.CallRepository
	lookup *carrier.LookupClient
	sms    *carrier.SMSClient
}

// endpointAdapter bridges the media endpoint's observer type to the
// session's. The method sets are identical, so subscribing forwards the
// observer unchanged.
type endpointAdapter struct {
	*media.Endpoint
}

func (a endpointAdapter) Subscribe(obs session.Observer) {
	a.Endpoint.Subscribe(obs)
}

// mediaConnector adapts the media client to the session's
// MediaConnector interface.
type mediaConnector struct {
	client *media.Client
}

func (m mediaConnector) Allocate(ctx context.Context, offerSDP string) (session.Endpoint, string, error) {
	ep, answer, err := m.client.Allocate(ctx, offerSDP)
	if err != nil {
		return nil, "", err
	}
	return endpointAdapter{ep}, answer, nil
}

// handleCall runs one inbound call from INVITE to teardown.
func (g *gateway) handleCall(ctx context.Context, d *sipserver.Dialog) {
	logger := g.logger.With("call_id", d.CallID())
	logger.Info("inbound call", "from", d.CallingNumber(), "to", d.CalledNumber())

	callerName := g.callerName(ctx, d.CallingNumber())

	var transferredTo string
	sess := session.New(session.Params{
		Direction:   session.DirectionInbound,
		Dialog:      d,
		Media:       mediaConnector{g.media},
		NewTransfer: g.transferFactory(d, &transferredTo),
		Sink:        g.events,
		Logger:      g.logger,
		Config:      g.sessionConfig(g.cfg.InboundWelcomeEvent, callerName),
	})
	d.OnInfoDigit(sess.OnDigit)

	start := time.Now()
	if err := sess.Run(ctx); err != nil {
		logger.Warn("call session ended with error", "error", err)
	}
	g.writeRecord(sess, d, "inbound", callerName, transferredTo, start)
}

// placeCampaignCall dials one campaign customer and runs an outbound
// session over the answered call. The media endpoint is allocated up
// front so its session description can be offered in the INVITE.
func (g *gateway) placeCampaignCall(ctx context.Context, cust campaign.Customer, answered func()) error {
	ep, offer, err := g.media.AllocateOutbound(ctx)
	if err != nil {
		return fmt.Errorf("allocating media: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	d, err := g.sip.DialNumber(dialCtx, cust.Number, g.cfg.CampaignCallerID, offer)
	cancel()
	if err != nil {
		ep.Destroy()
		return err
	}

	if err := ep.SetRemote(ctx, d.RemoteSDP()); err != nil {
		ep.Destroy()
		d.Destroy()
		return fmt.Errorf("attaching answered call to media: %w", err)
	}
	answered()

	var transferredTo string
	sess := session.New(session.Params{
		Direction:   session.DirectionOutbound,
		Dialog:      d,
		Endpoint:    endpointAdapter{ep},
		NewTransfer: g.transferFactory(d, &transferredTo),
		Sink:        g.events,
		Logger:      g.logger,
		Config:      g.sessionConfig(g.cfg.OutboundWelcomeEvent, cust.Name),
	})
	d.OnInfoDigit(sess.OnDigit)

	start := time.Now()
	runErr := sess.Run(ctx)
	g.writeRecord(sess, d, "outbound", cust.Name, transferredTo, start)
	if runErr != nil {
		return runErr
	}

	g.sendFollowUp(cust)
	return nil
}

// callerName enriches the caller with CNAM data when the lookup API is
// configured. Failures only mean the call proceeds without a name.
func (g *gateway) callerName(ctx context.Context, number string) string {
	if !g.lookup.Enabled() || number == "" {
		return ""
	}
	lctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	name, err := g.lookup.Lookup(lctx, number)
	if err != nil {
		g.logger.Debug("caller name lookup failed", "number", number, "error", err)
		return ""
	}
	return name
}

// transferFactory stages transfers for the given caller dialog, or nil
// when no trunk is configured. The chosen target is written back for
// the call record.
func (g *gateway) transferFactory(d *sipserver.Dialog, transferredTo *string) session.TransferFactory {
	if !g.cfg.TransferEnabled() {
		return nil
	}
	return func(instr *agent.TransferInstructions) (session.TransferRunner, error) {
		if len(instr.Targets) > 0 {
			t := instr.Targets[0]
			if t.Type == "sip" {
				*transferredTo = t.SipURI
			} else {
				*transferredTo = t.Number
			}
		}
		return g.sip.Transfer(d, instr), nil
	}
}

func (g *gateway) sessionConfig(welcomeEvent, customerName string) session.Config {
	return session.Config{
		AgentProject:      g.cfg.AgentProject,
		AgentLang:         g.cfg.AgentLang,
		WelcomeEvent:      welcomeEvent,
		CustomerName:      customerName,
		NoInputTimeout:    g.cfg.NoInputTimeout,
		InterDigitTimeout: g.cfg.InterDigitTimeout,
		CollectDTMFAlways: g.cfg.CollectDTMFAlways,
		BargePhrase:       g.cfg.BargePhrase,
		FillerSound:       g.cfg.FillerSound,
	}
}

// callParty exposes the numbers a call record attributes. The sip
// package's Dialog satisfies it.
type callParty interface {
	CallingNumber() string
	CalledNumber() string
}

// writeRecord persists the completed call. The disposition is the
// session's end reason as recorded in the event store. A call that
// never reached the event store was never established (media attach
// failed before answer) and leaves no record.
func (g *gateway) writeRecord(sess *session.Session, d callParty, direction, callerName, transferredTo string, start time.Time) {
	call, ok := g.events.Call(sess.ID())
	if !ok {
		g.logger.Debug("call never established, skipping record", "call_id", sess.ID())
		return
	}
	end := time.Now()
	disposition := "unknown"
	if call.EndReason != "" {
		disposition = call.EndReason
	}

	rec := &database.CallRecord{
		CallID:        sess.ID(),
		Direction:     direction,
		CallingNumber: d.CallingNumber(),
		CalledNumber:  d.CalledNumber(),
		CallerName:    callerName,
		AgentProject:  g.cfg.AgentProject,
		StartTime:     start,
		EndTime:       &end,
		Duration:      int64(end.Sub(start) / time.Second),
		Disposition:   disposition,
		TransferredTo: transferredTo,
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := g.calls.Create(ctx, rec); err != nil {
		g.logger.Error("writing call record", "call_id", rec.CallID, "error", err)
	}
}

// sendFollowUp texts the customer after a completed campaign call.
func (g *gateway) sendFollowUp(cust campaign.Customer) {
	if !g.sms.Enabled() || g.cfg.SMSFollowUp == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := g.sms.Send(ctx, g.cfg.CampaignCallerID, cust.Number, g.cfg.SMSFollowUp); err != nil {
		g.logger.Warn("follow-up sms failed", "number", cust.Number, "error", err)
	}
}
