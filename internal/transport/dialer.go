package transport

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

// Endpoint is what a Dialer needs from the REST client.
type Endpoint interface {
	WebsocketURL(path string) string
	AuthHeader() http.Header
}

// Dialer hands out one Conn per battle and reuses it until it is closed.
type Dialer struct {
	ep   Endpoint
	opts Options

	mu    sync.Mutex
	conns map[int64]*Conn
}

func NewDialer(ep Endpoint, opts Options) *Dialer {
	opts.Header = ep.AuthHeader
	return &Dialer{ep: ep, opts: opts, conns: make(map[int64]*Conn)}
}

// Connect opens or reuses the channel of battleID. Non-positive ids are
// rejected before any network attempt.
func (d *Dialer) Connect(battleID int64) (*Conn, error) {
	if battleID <= 0 {
		return nil, ErrInvalidBattle
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.conns[battleID]; ok {
		return c, nil
	}
	opts := d.opts
	opts.Resync = &types.ClientMessage{Type: types.ClientRequestState}
	if opts.Logger != nil {
		opts.Logger = opts.Logger.Named("transport")
	}
	c := Open(d.ep.WebsocketURL("/ws/battles/"+strconv.FormatInt(battleID, 10)), opts)
	c.onClose = func() {
		d.mu.Lock()
		if d.conns[battleID] == c {
			delete(d.conns, battleID)
		}
		d.mu.Unlock()
	}
	d.conns[battleID] = c
	return c, nil
}

// Matchmaking opens a dedicated matchmaking channel. It is not shared.
func (d *Dialer) Matchmaking() *Conn {
	opts := d.opts
	opts.Resync = nil
	if opts.Logger != nil {
		opts.Logger = opts.Logger.Named("matchmaking")
	}
	return Open(d.ep.WebsocketURL("/ws/matchmaking"), opts)
}

// Live reports how many battle channels are open.
func (d *Dialer) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}
