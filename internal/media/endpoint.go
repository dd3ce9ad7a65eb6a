package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// Agent event subclasses delivered on the control socket.
const (
	evIntent        = "dialogflow::intent"
	evTranscription = "dialogflow::transcription"
	evAudioProvided = "dialogflow::audio_provided"
	evEndUtterance  = "dialogflow::end_of_utterance"
	evAgentError    = "dialogflow::error"
)

// EndpointObserver receives asynchronous events from one media
// endpoint. Calls arrive from the client's socket pump goroutine; the
// observer must not block.
type EndpointObserver interface {
	OnTurnResult(raw []byte)
	OnTranscription(raw []byte)
	OnAudioReady(path string)
	OnEndOfUtterance()
	OnAgentError(msg string)
	OnDigit(digit string)
}

// Endpoint is one media channel on the media server: a call leg's RTP
// anchored there, with playback, keypad detection and the agent module
// attached to it.
type Endpoint struct {
	client *Client
	uuid   string
	logger *slog.Logger

	obsMu sync.Mutex
	obs   EndpointObserver

	playDone  chan string
	destroyed atomic.Bool
}

// UUID returns the media server's channel id for this endpoint.
func (ep *Endpoint) UUID() string { return ep.uuid }

// Subscribe registers the observer for this endpoint's events. Only one
// observer is supported; a second call replaces the first.
func (ep *Endpoint) Subscribe(obs EndpointObserver) {
	ep.obsMu.Lock()
	ep.obs = obs
	ep.obsMu.Unlock()
}

// Api issues a raw api command over the shared control connection. The
// agent driver uses this for its start/stop commands.
func (ep *Endpoint) Api(ctx context.Context, cmd string, args string) (string, error) {
	return ep.client.api(ctx, cmd, args)
}

// Set sets a channel variable on the endpoint.
func (ep *Endpoint) Set(ctx context.Context, name, value string) error {
	res, err := ep.client.api(ctx, "uuid_setvar", fmt.Sprintf("%s %s %s", ep.uuid, name, value))
	if err != nil {
		return err
	}
	if strings.HasPrefix(res, "-ERR") {
		return fmt.Errorf("uuid_setvar %s: %s", name, strings.TrimSpace(res))
	}
	return nil
}

// SetRemote applies the far end's answer to an outbound endpoint
// created with AllocateOutbound.
func (ep *Endpoint) SetRemote(ctx context.Context, answerSDP string) error {
	args := ep.uuid + " " + base64.StdEncoding.EncodeToString([]byte(answerSDP))
	res, err := ep.client.api(ctx, "endpoint_remote", args)
	if err != nil {
		return err
	}
	if strings.HasPrefix(res, "-ERR") {
		return fmt.Errorf("endpoint_remote: %s", strings.TrimSpace(res))
	}
	return nil
}

// Play starts playback of an audio file and blocks until the media
// server reports it finished, the endpoint is broken, or the context is
// cancelled. Completion events for other files queued earlier are
// skipped over.
func (ep *Endpoint) Play(ctx context.Context, path string) error {
	if err := ep.PlayBegin(ctx, path); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case done, ok := <-ep.playDone:
			if !ok {
				return ErrNotConnected
			}
			if done == path || done == "" {
				return nil
			}
		}
	}
}

// PlayBegin starts playback without waiting for completion. Used for
// the filler sound, which is interrupted by the next agent reply.
func (ep *Endpoint) PlayBegin(ctx context.Context, path string) error {
	res, err := ep.client.api(ctx, "uuid_broadcast", ep.uuid+" "+path+" aleg")
	if err != nil {
		return err
	}
	if strings.HasPrefix(res, "-ERR") {
		return fmt.Errorf("uuid_broadcast: %s", strings.TrimSpace(res))
	}
	return nil
}

// Break stops any playback in progress on the endpoint.
func (ep *Endpoint) Break(ctx context.Context) error {
	res, err := ep.client.api(ctx, "uuid_break", ep.uuid)
	if err != nil {
		return err
	}
	if strings.HasPrefix(res, "-ERR") {
		return fmt.Errorf("uuid_break: %s", strings.TrimSpace(res))
	}
	return nil
}

// Destroy releases the endpoint on the media server. Safe to call more
// than once.
func (ep *Endpoint) Destroy() {
	if !ep.destroyed.CompareAndSwap(false, true) {
		return
	}
	ep.client.unregister(ep.uuid)
	ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
	defer cancel()
	if _, err := ep.client.api(ctx, "uuid_kill", ep.uuid); err != nil {
		ep.logger.Debug("destroying endpoint", "error", err)
	}
}

// connectionLost is called by the client when the control socket drops;
// pending Play calls unblock with an error.
func (ep *Endpoint) connectionLost() {
	if ep.destroyed.CompareAndSwap(false, true) {
		close(ep.playDone)
	}
}

func (ep *Endpoint) handleEvent(ev Event) {
	ep.obsMu.Lock()
	obs := ep.obs
	ep.obsMu.Unlock()

	switch ev.Name {
	case "DTMF":
		if obs != nil && ev.Digit != "" {
			obs.OnDigit(ev.Digit)
		}
	case "PLAYBACK_STOP":
		select {
		case ep.playDone <- ev.ApplicationData:
		default:
			ep.logger.Warn("playback completion dropped", "path", ev.ApplicationData)
		}
	case "CUSTOM":
		ep.handleAgentEvent(ev, obs)
	}
}

func (ep *Endpoint) handleAgentEvent(ev Event, obs EndpointObserver) {
	if obs == nil {
		return
	}
	switch ev.Subclass {
	case evIntent:
		obs.OnTurnResult(ev.Data)
	case evTranscription:
		obs.OnTranscription(ev.Data)
	case evAudioProvided:
		var payload struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil || payload.Path == "" {
			ep.logger.Warn("audio event without path")
			return
		}
		obs.OnAudioReady(payload.Path)
	case evEndUtterance:
		obs.OnEndOfUtterance()
	case evAgentError:
		msg := ev.Message
		if msg == "" {
			msg = string(ev.Data)
		}
		obs.OnAgentError(msg)
	}
}
