package commentsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	// DefaultKeepaliveInterval is the ping period while connected.
	DefaultKeepaliveInterval = 20 * time.Second
	// DefaultKeepaliveTimeout bounds how long a ping may wait for its pong.
	DefaultKeepaliveTimeout = 10 * time.Second

	// DefaultStreamPath is appended to an http(s) base URL by StreamURL.
	DefaultStreamPath = "/ws/chat"

	defaultMaxFrameSize = 1 << 20
)

// Stream is the streaming transport the engine consumes.
type Stream interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, msg OutgoingMessage) error
	States() <-chan ConnectionState
	Messages() <-chan Message
}

// StreamURL derives a WebSocket URL from an http(s) base URL.
func StreamURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + DefaultStreamPath
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	URL        string
	TokenStore TokenStore

	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	// AutoReconnect re-dials after a failure with exponential backoff.
	// Off by default: a failed stream stays failed until Connect is called.
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// MessageBuffer is the capacity of Messages. The read loop stops
	// reading while the buffer is full, and pongs are only processed while
	// it reads, so a consumer that stalls longer than KeepaliveTimeout
	// fails the stream with a keepalive error.
	MessageBuffer int

	// MaxFrameSize caps one inbound frame. A larger frame fails the stream
	// with a decode error. Default 1 MiB.
	MaxFrameSize int64

	HTTPClient *http.Client
	Logger     Logger
	Metrics    *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.MessageBuffer == 0 {
		c.MessageBuffer = 64
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = defaultMaxFrameSize
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	c.Logger = loggerOrDiscard(c.Logger)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	// A connection that stayed up for a minute earns a fresh budget.
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// RealtimeClient
// ============================================================================

// wsSession is one open socket. Goroutines started for a session stop
// touching client state once it is no longer current.
type wsSession struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// RealtimeClient is the WebSocket streaming transport. It moves through
// disconnected, connecting, connected and failed, pings on a fixed
// interval while connected, and publishes every decoded frame on Messages.
type RealtimeClient struct {
	config RealtimeConfig
	log    Logger

	mu         sync.Mutex
	state      ConnectionStatus
	session    *wsSession
	generation uint64
	recon      *reconnector
	life       context.Context
	stopLife   context.CancelFunc

	states   *notifier[ConnectionState]
	messages chan Message

	now   func() time.Time
	newID func() string
}

// NewRealtimeClient creates a disconnected client.
func NewRealtimeClient(config RealtimeConfig) *RealtimeClient {
	config.defaults()
	return &RealtimeClient{
		config:   config,
		log:      config.Logger,
		state:    StatusDisconnected,
		recon:    newReconnector(&config),
		states:   newNotifier[ConnectionState](32),
		messages: make(chan Message, config.MessageBuffer),
		now:      time.Now,
		newID:    newMessageID,
	}
}

// States delivers every state transition. A reader that falls behind loses
// the oldest transitions, never the newest.
func (c *RealtimeClient) States() <-chan ConnectionState { return c.states.C() }

// Messages delivers decoded inbound frames in arrival order.
func (c *RealtimeClient) Messages() <-chan Message { return c.messages }

// State returns the current status.
func (c *RealtimeClient) State() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState must be called with c.mu held.
func (c *RealtimeClient) setState(s ConnectionState) {
	c.state = s.Status
	c.config.Metrics.streamState(s)
	c.states.send(s)
}

// Connect opens the stream. It is a no-op while connecting or connected.
// The first Connect after a Disconnect binds the connection lifetime to
// ctx: the stream, its keepalive and any reconnects end when ctx is done
// or Disconnect is called. A dial failure moves the client to failed and
// is also returned.
func (c *RealtimeClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StatusConnecting || c.state == StatusConnected {
		c.mu.Unlock()
		return nil
	}
	if c.life == nil {
		c.life, c.stopLife = context.WithCancel(ctx)
	}
	life := c.life
	c.generation++
	gen := c.generation
	c.setState(ConnectionState{Status: StatusConnecting})
	c.mu.Unlock()

	header := http.Header{}
	if tok := bearerToken(c.config.TokenStore); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, _, err := websocket.Dial(ctx, c.config.URL, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
		HTTPHeader: header,
	})

	c.mu.Lock()
	if gen != c.generation {
		// Disconnect ran while dialing.
		c.mu.Unlock()
		if err == nil {
			conn.Close(websocket.StatusNormalClosure, "client disconnect")
		}
		return nil
	}
	defer c.mu.Unlock()
	if err != nil {
		terr := &TransportError{Kind: TransportConnect, Err: err}
		c.setState(ConnectionState{Status: StatusFailed, Err: terr})
		c.log.Log(ctx, slog.LevelWarn, "stream connect failed", "url", c.config.URL, "err", err)
		c.scheduleReconnectLocked()
		return terr
	}

	// One byte over the cap so readFrame, not the library, sees oversize.
	conn.SetReadLimit(c.config.MaxFrameSize + 1)
	connCtx, cancel := context.WithCancel(life)
	sess := &wsSession{conn: conn, cancel: cancel}
	c.session = sess
	c.recon.markConnected()
	c.setState(ConnectionState{Status: StatusConnected})
	c.log.Log(ctx, slog.LevelInfo, "stream connected", "url", c.config.URL)

	go c.readLoop(connCtx, sess)
	go c.keepaliveLoop(connCtx, sess)
	return nil
}

// Disconnect closes the stream and cancels the read loop, keepalive and any
// pending reconnect. Calling it again is a no-op.
func (c *RealtimeClient) Disconnect() error {
	c.mu.Lock()
	c.generation++
	if c.stopLife != nil {
		c.stopLife()
		c.life, c.stopLife = nil, nil
	}
	c.recon.reset()
	sess := c.session
	c.session = nil
	if c.state != StatusDisconnected {
		c.setState(ConnectionState{Status: StatusDisconnected})
	}
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	// Close before cancelling so the read loop sees the close handshake.
	if err := sess.conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
		c.log.Log(context.Background(), slog.LevelDebug, "stream close", "err", err)
	}
	sess.cancel()
	return nil
}

// Send writes msg as one text frame. A write failure moves the client to
// failed; it is not retried.
func (c *RealtimeClient) Send(ctx context.Context, msg OutgoingMessage) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return &TransportError{Kind: TransportSend, Err: fmt.Errorf("encode frame: %w", err)}
	}
	if err := sess.conn.Write(ctx, websocket.MessageText, data); err != nil {
		terr := &TransportError{Kind: TransportSend, Err: err}
		c.fail(sess, terr)
		return terr
	}
	return nil
}

// fail tears down sess and reports err, unless sess is no longer current.
func (c *RealtimeClient) fail(sess *wsSession, err *TransportError) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.setState(ConnectionState{Status: StatusFailed, Err: err})
	c.log.Log(context.Background(), slog.LevelWarn, "stream failed", "kind", string(err.Kind), "err", err.Err)
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	sess.cancel()
	sess.conn.Close(websocket.StatusGoingAway, string(err.Kind)+" failed")
}

// scheduleReconnectLocked arms one delayed Connect when AutoReconnect is on
// and the attempt budget allows. Must be called with c.mu held.
func (c *RealtimeClient) scheduleReconnectLocked() {
	if !c.config.AutoReconnect || c.life == nil || !c.recon.shouldReconnect() {
		return
	}
	delay := c.recon.nextDelay()
	attempt := c.recon.attempt
	life := c.life
	gen := c.generation
	c.log.Log(life, slog.LevelInfo, "stream reconnect scheduled", "attempt", attempt, "delay", delay)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-life.Done():
			return
		case <-timer.C:
		}
		c.mu.Lock()
		stale := gen != c.generation
		c.mu.Unlock()
		if stale {
			return
		}
		c.config.Metrics.reconnect()
		c.Connect(life)
	}()
}

func (c *RealtimeClient) readLoop(ctx context.Context, sess *wsSession) {
	for {
		data, err := c.readFrame(ctx, sess.conn)
		if err != nil {
			if ctx.Err() == nil {
				var terr *TransportError
				if !errors.As(err, &terr) {
					terr = &TransportError{Kind: TransportRead, Err: err}
				}
				c.fail(sess, terr)
			}
			return
		}

		msg, degraded, derr := decodeFrame(data, c.now, c.newID)
		if degraded {
			c.config.Metrics.push(pushDegraded)
			c.log.Log(ctx, slog.LevelWarn, "undecodable frame", "message_id", msg.ID, "err", derr)
		}
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// readFrame reads one whole frame. A frame over MaxFrameSize is a
// TransportDecode error: it cannot be shown even as a degraded message.
func (c *RealtimeClient) readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	_, r, err := conn.Reader(ctx)
	if err != nil {
		return nil, err
	}
	limit := c.config.MaxFrameSize
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, &TransportError{Kind: TransportDecode, Err: fmt.Errorf("frame exceeds %d bytes", limit)}
	}
	return data, nil
}

func (c *RealtimeClient) keepaliveLoop(ctx context.Context, sess *wsSession) {
	ticker := time.NewTicker(c.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.config.KeepaliveTimeout)
			err := sess.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.fail(sess, &TransportError{Kind: TransportKeepalive, Err: err})
				}
				return
			}
		}
	}
}
