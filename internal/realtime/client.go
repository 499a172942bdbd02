package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/BearBump/CourierBox/internal/logging"
	"github.com/BearBump/CourierBox/internal/observability"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("realtime: not connected")

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

type Handler func(Envelope)

type Config struct {
	URL               string
	Header            http.Header
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration

	// OnConnect runs after every successful dial, before inbound frames are read.
	OnConnect func(ctx context.Context, c *Client) error
	OnState   func(State)
}

// Client keeps one websocket open and re-dials it after drops. A drop caused
// by the network gets ReconnectAttempts tries; a normal close sent by the
// server gets exactly one.
type Client struct {
	cfg     Config
	handler Handler
	log     *zap.Logger
	dialer  *websocket.Dialer

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(cfg Config, h Handler, log *zap.Logger) *Client {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if h == nil {
		h = func(Envelope) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		handler: h,
		log:     logging.OrNop(log),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:   StateDisconnected,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect performs the first dial and starts the read/reconnect loop.
func (c *Client) Connect(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return errors.New("realtime: client closed")
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.attach(conn)

	c.wg.Add(1)
	go c.run(conn)
	return nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool { return c.State() == StateConnected }

// Emit writes one envelope. It fails fast with ErrNotConnected while the socket is down.
func (c *Client) Emit(event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return errors.Wrapf(err, "emit %s", event)
	}
	return nil
}

// Close stops reconnecting and closes the socket. Safe to call twice.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	c.wg.Wait()
	c.setState(StateDisconnected)
	return err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "realtime dial")
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)

	if c.cfg.OnConnect != nil {
		if err := c.cfg.OnConnect(c.ctx, c); err != nil {
			c.log.Warn("realtime on-connect hook failed", zap.Error(err))
		}
	}
}

func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		err := c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		c.setState(StateDisconnected)

		attempts, reason := c.cfg.ReconnectAttempts, "network"
		if serverClosed(err) {
			attempts, reason = 1, "server"
		}
		c.log.Info("realtime disconnected", zap.String("reason", reason), zap.Error(err))

		conn = c.reconnect(reason, attempts)
		if conn == nil {
			if c.ctx.Err() == nil {
				c.setState(StateFailed)
			}
			return
		}
	}
}

func (c *Client) reconnect(reason string, attempts int) *websocket.Conn {
	c.setState(StateReconnecting)
	for i := 1; i <= attempts; i++ {
		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-c.ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
		conn, err := c.dial(dialCtx)
		cancel()
		if err != nil {
			observability.RealtimeReconnectsTotal.WithLabelValues(reason, "error").Inc()
			c.log.Warn("realtime reconnect failed", zap.Int("attempt", i), zap.Int("of", attempts), zap.Error(err))
			continue
		}
		observability.RealtimeReconnectsTotal.WithLabelValues(reason, "ok").Inc()
		c.attach(conn)
		return conn
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.log.Warn("realtime: dropping malformed frame", zap.ByteString("frame", data))
			continue
		}
		c.handler(env)
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

// serverClosed is true for a deliberate 1000/1001 close frame from the server.
func serverClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
