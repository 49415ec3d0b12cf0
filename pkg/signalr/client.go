package signalr

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"f1livesession/pkg/envelope"
	"f1livesession/pkg/queues"
)

// recordSeparator terminates every frame on the wire.
const recordSeparator = '\x1e'

const (
	clientProtocol   = "1.5"
	transportName    = "webSockets"
	handshakeTimeout = 10 * time.Second
	readLimit        = 32 * 1024 * 1024
)

// reconnectDelays is the backoff ladder. After the last rung the client gives
// up and reports a permanent failure.
var reconnectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// permanentError marks failures that must not be retried: failed negotiation
// and explicit handshake rejection. Mid-session socket loss stays retryable.
type permanentError struct{ error }

// FrameSink receives every raw frame read off the socket, before decoding.
// Used for recording sessions to disk for later replay.
type FrameSink interface {
	WriteFrame(raw []byte, at time.Time) error
}

// Options configures a live feed client.
type Options struct {
	// NegotiateURLBase is the https endpoint root, e.g.
	// "https://livetiming.formula1.com/signalr".
	NegotiateURLBase string
	// WebSocketURLBase is the wss endpoint root. Empty derives it from
	// NegotiateURLBase.
	WebSocketURLBase string
	HubName          string
	Streams          []string

	// KeepAlive is the ping interval; PongTimeout bounds how long the socket
	// may stay silent before the connection is considered dead.
	KeepAlive   time.Duration
	PongTimeout time.Duration

	// Sink, when set, receives raw frames for recording. Sink failures are
	// logged, never fatal.
	Sink FrameSink

	// OnOpen, when set, is called once per connection after the handshake is
	// accepted and the Subscribe invocation has been sent.
	OnOpen func()

	// SkipNegotiation dials WebSocketURLBase directly with no negotiate
	// round-trip or token. Used against local test servers.
	SkipNegotiation bool
}

type negotiation struct {
	token   string
	cookies []*http.Cookie
}

type negotiateResponse struct {
	ConnectionToken string `json:"ConnectionToken"`
	ConnectionID    string `json:"ConnectionId"`
}

// Client maintains one live connection to the timing feed and pushes every
// decoded message onto the queue.
type Client struct {
	opts  Options
	queue *queues.Queue[envelope.Triple]

	httpClient *http.Client
	now        func() time.Time

	// lastRead is the unix-nano instant of the last inbound read, used to
	// suppress keep-alive pings while traffic is flowing. delivered marks
	// that the current connection produced post-subscribe traffic.
	lastRead  atomic.Int64
	delivered atomic.Bool
}

func NewClient(opts Options, queue *queues.Queue[envelope.Triple]) *Client {
	if opts.WebSocketURLBase == "" {
		opts.WebSocketURLBase = toWebSocketScheme(opts.NegotiateURLBase)
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.PongTimeout == 0 {
		opts.PongTimeout = 60 * time.Second
	}
	return &Client{
		opts:       opts,
		queue:      queue,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
}

func toWebSocketScheme(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func (c *Client) connectionData() string {
	data, _ := json.Marshal([]map[string]string{{"name": c.opts.HubName}})
	return string(data)
}

// negotiate performs the pre-connection GET and returns the connection token
// plus any cookies the server set, which must accompany the websocket dial.
func (c *Client) negotiate(ctx context.Context) (*negotiation, error) {
	u, err := url.Parse(c.opts.NegotiateURLBase + "/negotiate")
	if err != nil {
		return nil, errors.Wrap(err, "negotiate url")
	}
	q := u.Query()
	q.Set("clientProtocol", clientProtocol)
	q.Set("connectionData", c.connectionData())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "negotiate request")
	}
	req.Header.Set("User-Agent", "BestHTTP")
	req.Header.Set("Accept-Encoding", "gzip,identity")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "negotiate")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("negotiate: unexpected status %d", resp.StatusCode)
	}

	var body negotiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "negotiate body")
	}
	if body.ConnectionToken == "" {
		return nil, errors.New("negotiate: empty connection token")
	}
	return &negotiation{token: body.ConnectionToken, cookies: resp.Cookies()}, nil
}

func (c *Client) connectURL(neg *negotiation) (string, error) {
	u, err := url.Parse(c.opts.WebSocketURLBase + "/connect")
	if err != nil {
		return "", errors.Wrap(err, "connect url")
	}
	q := u.Query()
	q.Set("clientProtocol", clientProtocol)
	q.Set("transport", transportName)
	q.Set("connectionToken", neg.token)
	q.Set("connectionData", c.connectionData())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("User-Agent", "BestHTTP")
	header.Set("Accept-Encoding", "gzip,identity")

	target := c.opts.WebSocketURLBase
	if !c.opts.SkipNegotiation {
		neg, err := c.negotiate(ctx)
		if err != nil {
			return nil, permanentError{err}
		}
		target, err = c.connectURL(neg)
		if err != nil {
			return nil, err
		}
		var cookies []string
		for _, ck := range neg.cookies {
			cookies = append(cookies, ck.Name+"="+ck.Value)
		}
		if len(cookies) > 0 {
			header.Set("Cookie", strings.Join(cookies, "; "))
		}
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: true,
	}
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// handshake sends the protocol selection frame and checks the reply. An
// empty-object reply means accepted; anything carrying an "error" key is a
// rejection.
func (c *Client) handshake(conn *websocket.Conn) error {
	frame := append([]byte(`{"protocol":"json","version":1}`), recordSeparator)
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.Wrap(err, "handshake write")
	}
	conn.SetReadDeadline(c.now().Add(handshakeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "handshake read")
	}
	conn.SetReadDeadline(time.Time{})
	for _, part := range splitFrames(raw) {
		var reply struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(part, &reply); err != nil {
			continue
		}
		if reply.Error != "" {
			return permanentError{errors.Errorf("handshake rejected: %s", reply.Error)}
		}
	}
	return nil
}

func (c *Client) subscribe(conn *websocket.Conn) error {
	invocation := map[string]any{
		"H": c.opts.HubName,
		"M": "Subscribe",
		"A": []any{c.opts.Streams},
		"I": uuid.NewString(),
	}
	data, err := json.Marshal(invocation)
	if err != nil {
		return errors.Wrap(err, "subscribe marshal")
	}
	data = append(data, recordSeparator)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "subscribe write")
	}
	return nil
}

// Run connects and consumes the feed until the context is cancelled. Dropped
// connections are retried on the backoff ladder; the error return is the
// permanent failure after the ladder is exhausted. A session that subscribed
// and delivered traffic resets the ladder, so only consecutive dead attempts
// count toward exhaustion.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.delivered.Store(false)
		err := c.runOnce(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if pe, ok := err.(permanentError); ok {
			return pe.error
		}
		if c.delivered.Load() {
			attempt = 0
		}
		if attempt >= len(reconnectDelays) {
			return errors.Wrap(err, "connection lost, retries exhausted")
		}
		delay := reconnectDelays[attempt]
		attempt++
		log.Printf("signalr: connection lost (%v), reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce is one full connection lifecycle: dial, handshake, subscribe and
// read until failure or cancellation. A nil return means clean shutdown.
func (c *Client) runOnce(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := c.handshake(conn); err != nil {
		return err
	}
	if err := c.subscribe(conn); err != nil {
		return err
	}
	log.Printf("signalr: subscribed to %d streams", len(c.opts.Streams))
	c.lastRead.Store(c.now().UnixNano())
	if c.opts.OnOpen != nil {
		c.opts.OnOpen()
	}

	conn.SetReadDeadline(c.now().Add(c.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(c.now().Add(c.opts.PongTimeout))
		return nil
	})

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ctx, conn)
	}()

	ticker := time.NewTicker(c.opts.KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			<-readErr
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			// Ping only when the socket has been silent for a full interval.
			if c.sinceLastRead() < c.opts.KeepAlive {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, c.now().Add(5*time.Second)); err != nil {
				conn.Close()
				<-readErr
				return errors.Wrap(err, "ping")
			}
		}
	}
}

func (c *Client) sinceLastRead() time.Duration {
	return c.now().Sub(time.Unix(0, c.lastRead.Load()))
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "read")
		}
		conn.SetReadDeadline(c.now().Add(c.opts.PongTimeout))
		c.lastRead.Store(c.now().UnixNano())
		c.delivered.Store(true)
		c.handleFrame(ctx, raw)
	}
}

func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	now := c.now()
	if c.opts.Sink != nil {
		if err := c.opts.Sink.WriteFrame(raw, now); err != nil {
			log.Printf("signalr: frame sink: %v", err)
		}
	}
	for _, part := range splitFrames(raw) {
		for _, triple := range envelope.Decode(part, c.now) {
			if err := c.queue.Push(ctx, triple); err != nil {
				return
			}
		}
	}
}

// splitFrames breaks a websocket message into record-separated frames,
// dropping empty segments.
func splitFrames(raw []byte) [][]byte {
	var out [][]byte
	for _, part := range strings.Split(string(raw), string(rune(recordSeparator))) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, []byte(part))
	}
	return out
}
