// Package transport is the client side of the realtime channel: one
// websocket per battle view (or per matchmaking session) that redials with
// capped exponential backoff.
package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/metrics"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

var (
	ErrNotConnected  = errors.New("transport not connected")
	ErrClosed        = errors.New("transport closed")
	ErrInvalidBattle = errors.New("invalid battle id")
)

type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventMessage
	// EventGaveUp means the retry budget ran out. The Conn stays idle until
	// Reconnect or Close.
	EventGaveUp
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

// Event is delivered in order on Conn.Events. Epoch counts successful
// connections, starting at 1.
type Event struct {
	Kind    EventKind
	Epoch   uint64
	Message types.ServerMessage
	Err     error
}

type Options struct {
	// Header is called before every dial so a token adopted mid-session is used.
	Header func() http.Header
	// Resync is sent after every reconnect, never on the first connection.
	Resync *types.ClientMessage

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	DialTimeout    time.Duration
	WriteTimeout   time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
	Metrics    *metrics.Manager
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 250 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type connState uint8

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateClosed
)

type Conn struct {
	url  string
	opts Options
	log  *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	events  chan Event
	wake    chan struct{}
	done    chan struct{}
	onClose func()

	mu    sync.Mutex
	ws    *websocket.Conn
	state connState
	epoch uint64
}

// Open starts dialing url in the background and returns immediately.
func Open(url string, opts Options) *Conn {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:    url,
		opts:   opts,
		log:    opts.Logger.With(zap.String("url", redact(url))),
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, 64),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		state:  stateConnecting,
	}
	go c.run()
	return c
}

// Events is closed after Close.
func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

func (c *Conn) IsConnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnecting
}

func (c *Conn) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Send writes msg on the current connection.
func (c *Conn) Send(ctx context.Context, msg types.ClientMessage) error {
	c.mu.Lock()
	ws, st := c.ws, c.state
	c.mu.Unlock()
	switch {
	case st == stateClosed:
		return ErrClosed
	case st != stateConnected || ws == nil:
		return ErrNotConnected
	}
	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, ws, msg); err != nil {
		c.log.Debug("write failed", zap.String("type", string(msg.Type)), zap.Error(err))
		return err
	}
	return nil
}

func (c *Conn) SendTyping(typing bool) error {
	return c.Send(c.ctx, types.ClientMessage{Type: types.ClientTyping, Typing: typing})
}

// SubmitPrompt returns false at once when the channel is not ready, so the
// caller can keep the prompt editable and show an inline error.
func (c *Conn) SubmitPrompt(text string) bool {
	if !c.IsConnected() {
		return false
	}
	return c.Send(c.ctx, types.ClientMessage{Type: types.ClientSubmitPrompt, Prompt: text}) == nil
}

// RequestState asks the server for an authoritative resend.
func (c *Conn) RequestState() error {
	return c.Send(c.ctx, types.ClientMessage{Type: types.ClientRequestState})
}

// Reconnect drops the current connection, or wakes a Conn that gave up, and
// dials again with a fresh retry budget.
func (c *Conn) Reconnect() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		_ = ws.CloseNow()
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close is abrupt: in-flight writes are not awaited.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	ws := c.ws
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		_ = ws.CloseNow()
	}
	<-c.done
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

func (c *Conn) run() {
	defer close(c.done)
	defer close(c.events)

	for {
		ws, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.setState(stateIdle)
			c.opts.Metrics.Reconnect("gave_up")
			c.log.Warn("giving up on connection", zap.Error(err))
			c.emit(Event{Kind: EventGaveUp, Epoch: c.Epoch(), Err: err})
			select {
			case <-c.ctx.Done():
				return
			case <-c.wake:
				c.setState(stateConnecting)
				continue
			}
		}

		epoch, ok := c.attach(ws)
		if !ok {
			_ = ws.CloseNow()
			return
		}
		if epoch > 1 {
			c.opts.Metrics.Reconnect("ok")
		}
		c.emit(Event{Kind: EventConnected, Epoch: epoch})
		if epoch > 1 && c.opts.Resync != nil {
			if err := c.Send(c.ctx, *c.opts.Resync); err != nil {
				c.log.Debug("resync request failed", zap.Error(err))
			}
		}

		err = c.readLoop(ws, epoch)
		c.detach(ws)
		_ = ws.CloseNow()
		if c.ctx.Err() != nil {
			return
		}
		c.log.Info("connection dropped", zap.Uint64("epoch", epoch), zap.Error(err))
		c.emit(Event{Kind: EventDisconnected, Epoch: epoch, Err: err})
	}
}

func (c *Conn) dial() (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	attempt := 0
	op := func() (*websocket.Conn, error) {
		attempt++
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
		defer cancel()
		dopts := &websocket.DialOptions{HTTPClient: c.opts.HTTPClient}
		if c.opts.Header != nil {
			dopts.HTTPHeader = c.opts.Header()
		}
		ws, resp, err := websocket.Dial(ctx, c.url, dopts)
		if err != nil {
			if resp != nil && permanentStatus(resp.StatusCode) {
				return nil, backoff.Permanent(err)
			}
			c.opts.Metrics.Reconnect("retry")
			c.log.Debug("dial failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}
		return ws, nil
	}
	return backoff.Retry(c.ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
	)
}

// permanentStatus reports handshake refusals that retrying cannot fix.
func permanentStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func (c *Conn) readLoop(ws *websocket.Conn, epoch uint64) error {
	for {
		var msg types.ServerMessage
		if err := wsjson.Read(c.ctx, ws, &msg); err != nil {
			return err
		}
		c.emit(Event{Kind: EventMessage, Epoch: epoch, Message: msg})
	}
}

func (c *Conn) attach(ws *websocket.Conn) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return 0, false
	}
	c.ws = ws
	c.state = stateConnected
	c.epoch++
	return c.epoch, true
}

func (c *Conn) detach(ws *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == ws {
		c.ws = nil
	}
	if c.state != stateClosed {
		c.state = stateConnecting
	}
}

func (c *Conn) setState(s connState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateClosed {
		c.state = s
	}
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
