package media

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Frame content types on the media server control socket.
const (
	ctAuthRequest  = "auth/request"
	ctCommandReply = "command/reply"
	ctAPIResponse  = "api/response"
	ctEventJSON    = "text/event-json"
	ctDisconnect   = "text/disconnect-notice"
)

// retryInterval is how long to wait between connection attempts to the
// media server.
const retryInterval = 10 * time.Second

// apiTimeout bounds a single api command round trip.
const apiTimeout = 10 * time.Second

// ErrNotConnected is returned for commands issued while the media
// server connection is down.
var ErrNotConnected = errors.New("media server not connected")

// Event is one event frame from the media server, decoded from its
// JSON body. Agent events carry their payload in Data.
type Event struct {
	Name            string          `json:"Event-Name"`
	Subclass        string          `json:"Event-Subclass"`
	UUID            string          `json:"Unique-ID"`
	Application     string          `json:"Application"`
	ApplicationData string          `json:"Application-Data"`
	Digit           string          `json:"DTMF-Digit"`
	Data            json.RawMessage `json:"Event-Data"`
	Message         string          `json:"Message"`
}

// Client maintains the control connection to the media server. It
// authenticates, subscribes to events, routes per-channel events to
// their Endpoint, and serializes api commands over the socket.
//
// The connection is kept alive by Run: on loss it retries every
// retryInterval until the context is cancelled, matching the behavior
// operators expect from a media server that restarts independently.
type Client struct {
	logger *slog.Logger
	addr   string
	secret string

	active atomic.Bool

	connMu sync.Mutex
	conn   net.Conn
	done   chan struct{}

	cmdMu   sync.Mutex
	replies chan frame

	epMu      sync.Mutex
	endpoints map[string]*Endpoint
}

type frame struct {
	contentType string
	body        []byte
}

// NewClient returns a client for the media server at addr.
func NewClient(logger *slog.Logger, addr, secret string) *Client {
	return &Client{
		logger:    logger.With("subsystem", "media"),
		addr:      addr,
		secret:    secret,
		replies:   make(chan frame, 4),
		endpoints: make(map[string]*Endpoint),
	}
}

// Active reports whether the control connection is currently up.
func (c *Client) Active() bool { return c.active.Load() }

// Run connects to the media server and keeps the connection alive until
// the context is cancelled, retrying on failure.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.connect(ctx)
		if err == nil {
			c.active.Store(true)
			c.logger.Info("connected to media server", "addr", c.addr)
			err = c.readLoop(ctx)
			c.active.Store(false)
			c.dropEndpoints()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Info("lost connection to media server, will retry",
			"addr", c.addr, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dialing media server: %w", err)
	}

	br := bufio.NewReader(conn)
	f, err := readFrame(br)
	if err != nil {
		conn.Close()
		return fmt.Errorf("reading auth request: %w", err)
	}
	if f.contentType != ctAuthRequest {
		conn.Close()
		return fmt.Errorf("expected auth request, got %q", f.contentType)
	}
	if _, err := fmt.Fprintf(conn, "auth %s\n\n", c.secret); err != nil {
		conn.Close()
		return fmt.Errorf("sending auth: %w", err)
	}
	f, err = readFrame(br)
	if err != nil || f.contentType != ctCommandReply || !strings.HasPrefix(string(f.body), "+OK") {
		conn.Close()
		return fmt.Errorf("media server auth rejected")
	}
	if _, err := fmt.Fprintf(conn, "event json ALL\n\n"); err != nil {
		conn.Close()
		return fmt.Errorf("subscribing to events: %w", err)
	}
	f, err = readFrame(br)
	if err != nil || f.contentType != ctCommandReply {
		conn.Close()
		return fmt.Errorf("event subscription rejected")
	}

	done := make(chan struct{})
	c.connMu.Lock()
	c.conn = conn
	c.done = done
	c.connMu.Unlock()
	go c.pump(br, conn, done)
	return nil
}

// pump reads frames off the socket: api responses go to the command
// waiter, events go to their endpoint.
func (c *Client) pump(br *bufio.Reader, conn net.Conn, done chan struct{}) {
	defer close(done)
	defer conn.Close()
	for {
		f, err := readFrame(br)
		if err != nil {
			return
		}
		switch f.contentType {
		case ctAPIResponse, ctCommandReply:
			select {
			case c.replies <- f:
			default:
				c.logger.Warn("unexpected command reply dropped")
			}
		case ctEventJSON:
			var ev Event
			if err := json.Unmarshal(f.body, &ev); err != nil {
				c.logger.Warn("bad event from media server", "error", err)
				continue
			}
			c.dispatch(ev)
		case ctDisconnect:
			return
		}
	}
}

// readLoop blocks until the connection drops or the context ends. The
// pump goroutine owns the socket reader and closes done on exit.
func (c *Client) readLoop(ctx context.Context) error {
	c.connMu.Lock()
	conn, done := c.conn, c.done
	c.connMu.Unlock()

	select {
	case <-ctx.Done():
		conn.Close()
		<-done
		return ctx.Err()
	case <-done:
		return errors.New("connection closed")
	}
}

func (c *Client) dispatch(ev Event) {
	if ev.UUID == "" {
		return
	}
	c.epMu.Lock()
	ep := c.endpoints[ev.UUID]
	c.epMu.Unlock()
	if ep != nil {
		ep.handleEvent(ev)
	}
}

func (c *Client) dropEndpoints() {
	c.epMu.Lock()
	eps := make([]*Endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		eps = append(eps, ep)
	}
	c.endpoints = make(map[string]*Endpoint)
	c.epMu.Unlock()
	for _, ep := range eps {
		ep.connectionLost()
	}
}

// api sends one command and waits for its reply. Commands are
// serialized; the media server answers them in order.
func (c *Client) api(ctx context.Context, cmd, args string) (string, error) {
	if !c.active.Load() {
		return "", ErrNotConnected
	}
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return "", ErrNotConnected
	}

	line := "api " + cmd
	if args != "" {
		line += " " + args
	}
	if _, err := fmt.Fprintf(conn, "%s\n\n", line); err != nil {
		return "", fmt.Errorf("sending %s: %w", cmd, err)
	}

	timeout := time.NewTimer(apiTimeout)
	defer timeout.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timeout.C:
		return "", fmt.Errorf("%s: no reply from media server", cmd)
	case f := <-c.replies:
		return string(f.body), nil
	}
}

// Allocate creates a media endpoint for an inbound call: the remote
// offer is handed to the media server, which returns the endpoint id
// and the answer it wants sent back to the caller.
func (c *Client) Allocate(ctx context.Context, offerSDP string) (*Endpoint, string, error) {
	res, err := c.api(ctx, "endpoint_create", base64.StdEncoding.EncodeToString([]byte(offerSDP)))
	if err != nil {
		return nil, "", err
	}
	uuid, sdp, err := parseEndpointReply(res)
	if err != nil {
		return nil, "", fmt.Errorf("endpoint_create: %w", err)
	}
	return c.register(uuid), sdp, nil
}

// AllocateOutbound creates a media endpoint for an outbound call: the
// media server generates the offer; the far end's answer is applied
// later with Endpoint.SetRemote.
func (c *Client) AllocateOutbound(ctx context.Context) (*Endpoint, string, error) {
	res, err := c.api(ctx, "endpoint_offer", "")
	if err != nil {
		return nil, "", err
	}
	uuid, sdp, err := parseEndpointReply(res)
	if err != nil {
		return nil, "", fmt.Errorf("endpoint_offer: %w", err)
	}
	return c.register(uuid), sdp, nil
}

func (c *Client) register(uuid string) *Endpoint {
	ep := &Endpoint{
		client:   c,
		uuid:     uuid,
		logger:   c.logger.With("endpoint", uuid),
		playDone: make(chan string, 8),
	}
	c.epMu.Lock()
	c.endpoints[uuid] = ep
	c.epMu.Unlock()
	return ep
}

func (c *Client) unregister(uuid string) {
	c.epMu.Lock()
	delete(c.endpoints, uuid)
	c.epMu.Unlock()
}

// parseEndpointReply parses "+OK <uuid> <base64-sdp>".
func parseEndpointReply(res string) (string, string, error) {
	fields := strings.Fields(strings.TrimSpace(res))
	if len(fields) != 3 || fields[0] != "+OK" {
		return "", "", fmt.Errorf("unexpected reply %q", strings.TrimSpace(res))
	}
	sdp, err := base64.StdEncoding.DecodeString(fields[2])
	if err != nil {
		return "", "", fmt.Errorf("bad sdp in reply: %w", err)
	}
	return fields[1], string(sdp), nil
}

// readFrame reads one header block plus optional Content-Length body.
func readFrame(br *bufio.Reader) (frame, error) {
	var f frame
	var contentLength int
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return f, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(name) {
		case "content-type":
			f.contentType = value
		case "content-length":
			contentLength, err = strconv.Atoi(value)
			if err != nil {
				return f, fmt.Errorf("bad content-length %q", value)
			}
		}
	}
	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(br, body); err != nil {
			return f, err
		}
		f.body = body
	}
	return f, nil
}
