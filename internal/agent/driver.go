package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Commander issues api commands against one media endpoint. The media
// package's Endpoint satisfies it.
type Commander interface {
	UUID() string
	Api(ctx context.Context, cmd string, args string) (string, error)
}

// TurnRequest asks the agent to run one conversational turn. A non-empty
// Event starts the turn from a named agent event (welcome prompts)
// instead of listening for speech. A non-empty Text submits that string
// as the turn's input, used to inject collected keypad digits.
type TurnRequest struct {
	Event string
	Text  string
}

// Driver starts and stops agent turns on a media endpoint.
type Driver struct {
	logger  *slog.Logger
	cmd     Commander
	project string
	lang    string
}

// utteranceTimeout is the per-turn no-speech timeout, in seconds, passed
// to the media server's agent module.
const utteranceTimeout = 30

// NewDriver returns a Driver speaking to the given endpoint.
func NewDriver(logger *slog.Logger, cmd Commander, project, lang string) *Driver {
	return &Driver{
		logger:  logger.With("subsystem", "agent"),
		cmd:     cmd,
		project: project,
		lang:    lang,
	}
}

// StartTurn begins a new agent turn, canceling any turn in progress on
// the endpoint.
func (d *Driver) StartTurn(ctx context.Context, req TurnRequest) error {
	args := fmt.Sprintf("%s %s %s %d", d.cmd.UUID(), d.project, d.lang, utteranceTimeout)
	switch {
	case req.Text != "":
		// The text slot follows the event slot on the wire; "none"
		// fills the event slot when only text input is wanted.
		event := req.Event
		if event == "" {
			event = "none"
		}
		args += " " + event + " " + req.Text
	case req.Event != "":
		args += " " + req.Event
	}
	res, err := d.cmd.Api(ctx, "dialogflow_start", args)
	if err != nil {
		return fmt.Errorf("starting agent turn: %w", err)
	}
	if strings.HasPrefix(res, "-ERR") {
		return fmt.Errorf("starting agent turn: %s", strings.TrimSpace(res))
	}
	d.logger.Debug("turn started", "event", req.Event)
	return nil
}

// CancelTurn stops the turn in progress, if any.
func (d *Driver) CancelTurn(ctx context.Context) error {
	res, err := d.cmd.Api(ctx, "dialogflow_stop", d.cmd.UUID())
	if err != nil {
		return fmt.Errorf("stopping agent turn: %w", err)
	}
	if strings.HasPrefix(res, "-ERR") {
		return fmt.Errorf("stopping agent turn: %s", strings.TrimSpace(res))
	}
	return nil
}
