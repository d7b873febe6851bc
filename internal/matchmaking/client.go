// Package matchmaking is the client side of the matchmaking channel. A search
// survives reconnects: after every reconnect the client asks the server
// whether it is still queued and joins again if not.
package matchmaking

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/failure"
	"github.com/DoyleJ11/prompt-battle/internal/transport"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

// Conn is the channel the client drives; *transport.Conn satisfies it.
type Conn interface {
	Events() <-chan transport.Event
	Send(ctx context.Context, msg types.ClientMessage) error
	Close() error
}

// Callbacks report everything asynchronous. Failures never panic or block a
// caller; retrying is the caller's decision.
type Callbacks struct {
	OnQueueStatus func(types.QueueStatus)
	OnMatchFound  func(battleID int64)
	OnFailure     func(error)
}

type Options struct {
	KeepaliveInterval time.Duration
	// SearchTimeout ends an active-user search that found nobody. Zero
	// disables it.
	SearchTimeout time.Duration
	Logger        *zap.Logger
}

type cmd interface{ isCmd() }

type joinCmd struct{ mode types.MatchMode }
type leaveCmd struct{}
type statusCmd struct{ reply chan types.QueueStatus }

func (joinCmd) isCmd()   {}
func (leaveCmd) isCmd()  {}
func (statusCmd) isCmd() {}

type Client struct {
	conn Conn
	cb   Callbacks
	opts Options
	log  *zap.Logger

	cmds   chan cmd
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// loop-owned
	wanted    types.MatchMode
	status    types.QueueStatus
	connected bool
	resyncing bool
	deadline  *time.Timer
}

func New(parent context.Context, conn Conn, cb Callbacks, opts Options) *Client {
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Client{
		conn:   conn,
		cb:     cb,
		opts:   opts,
		log:    opts.Logger.Named("matchmaking").With(zap.String("component", "matchmaking")),
		cmds:   make(chan cmd, 8),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: types.QueueStatus{State: types.QueueIdle},
	}
	go c.loop()
	return c
}

// MatchWithPip asks for an immediate match against the AI opponent.
func (c *Client) MatchWithPip() { c.send(joinCmd{mode: types.ModeAI}) }

// FindActiveUser queues for a human opponent.
func (c *Client) FindActiveUser() { c.send(joinCmd{mode: types.ModeActiveUser}) }

// LeaveQueue cancels the search. It is a no-op when not queued.
func (c *Client) LeaveQueue() { c.send(leaveCmd{}) }

// Status returns the last known queue status.
func (c *Client) Status() types.QueueStatus {
	reply := make(chan types.QueueStatus, 1)
	select {
	case c.cmds <- statusCmd{reply: reply}:
	case <-c.done:
		return types.QueueStatus{State: types.QueueIdle}
	}
	select {
	case st := <-reply:
		return st
	case <-c.done:
		return types.QueueStatus{State: types.QueueIdle}
	}
}

// Close is abrupt: the channel is dropped without a leave message, which the
// server treats the same as leaving.
func (c *Client) Close() error {
	c.cancel()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) send(m cmd) {
	select {
	case c.cmds <- m:
	case <-c.done:
	}
}

func (c *Client) loop() {
	defer close(c.done)
	defer c.stopDeadline()

	ka := time.NewTicker(c.opts.KeepaliveInterval)
	defer ka.Stop()

	events := c.conn.Events()
	for {
		select {
		case <-c.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			c.onEvent(ev)

		case m := <-c.cmds:
			switch m := m.(type) {
			case joinCmd:
				c.join(m.mode)
			case leaveCmd:
				c.leave()
			case statusCmd:
				m.reply <- c.status
			}

		case <-ka.C:
			if c.wanted != "" && c.connected {
				c.write(types.ClientMessage{Type: types.ClientKeepalive})
			}

		case <-c.deadlineC():
			c.deadline = nil
			if c.wanted == types.ModeActiveUser && c.status.State != types.QueueMatched {
				c.log.Info("search timed out")
				c.leave()
				c.fail(failure.New(failure.Timeout, "find active user", errors.New("no opponent answered")))
			}
		}
	}
}

func (c *Client) onEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		c.connected = true
		if c.wanted == "" {
			return
		}
		if ev.Epoch > 1 {
			// Neither "still queued" nor "dropped" is assumed.
			c.resyncing = true
			c.write(types.ClientMessage{Type: types.ClientQueueStatus})
			return
		}
		c.sendJoin()

	case transport.EventDisconnected:
		c.connected = false

	case transport.EventGaveUp:
		c.connected = false
		if c.wanted != "" {
			c.fail(failure.New(failure.TransportUnavailable, "matchmaking", ev.Err))
		}

	case transport.EventMessage:
		c.onMessage(ev.Message)
	}
}

func (c *Client) onMessage(msg types.ServerMessage) {
	switch msg.Type {
	case types.ServerQueueStatus:
		if msg.Queue == nil {
			return
		}
		c.status = *msg.Queue
		if c.resyncing {
			c.resyncing = false
			if c.wanted != "" && c.status.State == types.QueueIdle {
				c.log.Info("queue entry lost across reconnect, joining again", zap.String("mode", string(c.wanted)))
				c.sendJoin()
			}
		}
		if c.cb.OnQueueStatus != nil {
			c.cb.OnQueueStatus(c.status)
		}

	case types.ServerMatchFound:
		c.wanted = ""
		c.resyncing = false
		c.stopDeadline()
		c.status = types.QueueStatus{State: types.QueueMatched}
		if c.cb.OnMatchFound != nil {
			c.cb.OnMatchFound(msg.BattleID)
		}

	case types.ServerError:
		c.log.Warn("matchmaking error", zap.String("code", msg.Code), zap.String("error", msg.Error))
		if c.wanted != "" {
			c.fail(failure.WithReason(failure.Unexpected, "matchmaking", msg.Code, errors.New(msg.Error)))
		}
	}
}

func (c *Client) join(mode types.MatchMode) {
	c.wanted = mode
	c.resyncing = false
	c.stopDeadline()
	if mode == types.ModeActiveUser && c.opts.SearchTimeout > 0 {
		c.deadline = time.NewTimer(c.opts.SearchTimeout)
	}
	if c.connected {
		c.sendJoin()
	}
}

func (c *Client) sendJoin() {
	c.write(types.ClientMessage{Type: types.ClientPreference, Mode: c.wanted})
	c.write(types.ClientMessage{Type: types.ClientQueueJoin, Mode: c.wanted})
}

func (c *Client) leave() {
	queued := c.status.State == types.QueueQueued || c.status.State == types.QueueOpponentWaiting
	if c.wanted == "" && !queued {
		return
	}
	c.wanted = ""
	c.resyncing = false
	c.stopDeadline()
	c.status = types.QueueStatus{State: types.QueueIdle}
	if c.connected {
		c.write(types.ClientMessage{Type: types.ClientQueueLeave})
	}
}

func (c *Client) write(msg types.ClientMessage) {
	if err := c.conn.Send(c.ctx, msg); err != nil {
		c.log.Debug("send failed", zap.String("type", string(msg.Type)), zap.Error(err))
		if c.wanted != "" && !errors.Is(err, transport.ErrNotConnected) {
			c.fail(failure.New(failure.TransportUnavailable, "matchmaking", err))
		}
	}
}

func (c *Client) fail(err error) {
	if c.cb.OnFailure != nil {
		c.cb.OnFailure(err)
	}
}

func (c *Client) deadlineC() <-chan time.Time {
	if c.deadline == nil {
		return nil
	}
	return c.deadline.C
}

func (c *Client) stopDeadline() {
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
}
