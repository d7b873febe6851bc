package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

// echoServer greets each connection with a "state" message, forwards every
// client message to got, and drops a connection when told to on drop.
type echoServer struct {
	*httptest.Server
	got   chan types.ClientMessage
	drop  chan struct{}
	conns atomic.Int32
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{got: make(chan types.ClientMessage, 16), drop: make(chan struct{}, 1)}
	es.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		n := es.conns.Add(1)
		ctx := r.Context()
		_ = wsjson.Write(ctx, c, types.ServerMessage{Type: types.ServerState, Version: int(n)})

		msgs := make(chan types.ClientMessage)
		go func() {
			defer close(msgs)
			for {
				var m types.ClientMessage
				if err := wsjson.Read(ctx, c, &m); err != nil {
					return
				}
				msgs <- m
			}
		}()
		for {
			select {
			case m, ok := <-msgs:
				if !ok {
					return
				}
				es.got <- m
			case <-es.drop:
				return
			}
		}
	}))
	t.Cleanup(es.Close)
	return es
}

func (es *echoServer) wsURL() string { return "ws" + es.URL[len("http"):] }

func recvEvent(t *testing.T, c *Conn, within time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatalf("events closed unexpectedly")
		}
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for transport event")
		return Event{}
	}
}

func recvClientMessage(t *testing.T, ch <-chan types.ClientMessage, within time.Duration) types.ClientMessage {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(within):
		t.Fatalf("timed out waiting for client message")
		return types.ClientMessage{}
	}
}

func fastOptions() Options {
	return Options{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		MaxAttempts:    3,
		DialTimeout:    time.Second,
	}
}

func TestConn_ConnectsAndDeliversMessages(t *testing.T) {
	es := newEchoServer(t)
	c := Open(es.wsURL(), fastOptions())
	defer c.Close()

	ev := recvEvent(t, c, time.Second)
	require.Equal(t, EventConnected, ev.Kind)
	assert.Equal(t, uint64(1), ev.Epoch)
	assert.True(t, c.IsConnected())

	ev = recvEvent(t, c, time.Second)
	require.Equal(t, EventMessage, ev.Kind)
	assert.Equal(t, types.ServerState, ev.Message.Type)

	require.True(t, c.SubmitPrompt("A golden phoenix"))
	m := recvClientMessage(t, es.got, time.Second)
	assert.Equal(t, types.ClientSubmitPrompt, m.Type)
	assert.Equal(t, "A golden phoenix", m.Prompt)

	require.NoError(t, c.SendTyping(true))
	m = recvClientMessage(t, es.got, time.Second)
	assert.True(t, m.Typing)
}

func TestConn_ReconnectRequestsFreshState(t *testing.T) {
	es := newEchoServer(t)
	opts := fastOptions()
	opts.Resync = &types.ClientMessage{Type: types.ClientRequestState}
	c := Open(es.wsURL(), opts)
	defer c.Close()

	require.Equal(t, EventConnected, recvEvent(t, c, time.Second).Kind)
	require.Equal(t, EventMessage, recvEvent(t, c, time.Second).Kind)

	// no resync on the first connection
	select {
	case m := <-es.got:
		t.Fatalf("unexpected client message on first connect: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}

	es.drop <- struct{}{}
	ev := recvEvent(t, c, time.Second)
	require.Equal(t, EventDisconnected, ev.Kind)
	assert.Equal(t, uint64(1), ev.Epoch)

	ev = recvEvent(t, c, 2*time.Second)
	require.Equal(t, EventConnected, ev.Kind)
	assert.Equal(t, uint64(2), ev.Epoch)

	m := recvClientMessage(t, es.got, time.Second)
	assert.Equal(t, types.ClientRequestState, m.Type)
}

func TestConn_SubmitFailsSynchronouslyWhenNotReady(t *testing.T) {
	// nothing listens here
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + srv.URL[len("http"):]
	srv.Close()

	opts := fastOptions()
	opts.MaxAttempts = 2
	c := Open(url, opts)
	defer c.Close()

	start := time.Now()
	assert.False(t, c.SubmitPrompt("too early"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.ErrorIs(t, c.RequestState(), ErrNotConnected)

	ev := recvEvent(t, c, 2*time.Second)
	require.Equal(t, EventGaveUp, ev.Kind)
	assert.Error(t, ev.Err)
	assert.False(t, c.IsConnecting())
	assert.False(t, c.IsConnected())
}

func TestConn_HandshakeRefusalIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such battle", http.StatusNotFound)
	}))
	defer srv.Close()

	opts := fastOptions()
	opts.MaxAttempts = 50
	c := Open("ws"+srv.URL[len("http"):], opts)
	defer c.Close()

	ev := recvEvent(t, c, time.Second)
	assert.Equal(t, EventGaveUp, ev.Kind)
}

func TestConn_CloseEndsEvents(t *testing.T) {
	es := newEchoServer(t)
	c := Open(es.wsURL(), fastOptions())
	require.Equal(t, EventConnected, recvEvent(t, c, time.Second).Kind)

	require.NoError(t, c.Close())
	for range c.Events() {
	}
	assert.ErrorIs(t, c.Send(context.Background(), types.ClientMessage{Type: types.ClientKeepalive}), ErrClosed)
	assert.False(t, c.SubmitPrompt("late"))
}

type fakeEndpoint struct{ base string }

func (f fakeEndpoint) WebsocketURL(path string) string { return f.base + path }
func (f fakeEndpoint) AuthHeader() http.Header { return http.Header{} }

func TestDialer_ReusesPerBattleAndRejectsInvalidIDs(t *testing.T) {
	es := newEchoServer(t)
	d := NewDialer(fakeEndpoint{base: es.wsURL()}, fastOptions())

	_, err := d.Connect(0)
	assert.ErrorIs(t, err, ErrInvalidBattle)
	assert.Equal(t, 0, d.Live())

	a, err := d.Connect(42)
	require.NoError(t, err)
	b, err := d.Connect(42)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, d.Live())

	require.NoError(t, a.Close())
	assert.Equal(t, 0, d.Live())

	c, err := d.Connect(42)
	require.NoError(t, err)
	defer c.Close()
	assert.NotSame(t, a, c)
}
