// Package hub owns the running battle rooms and the matchmaking queue. Like a
// room it is an actor: all registry and queue changes happen on its loop.
package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/challenge"
	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/logging"
	"github.com/DoyleJ11/prompt-battle/internal/metrics"
	"github.com/DoyleJ11/prompt-battle/internal/room"
	"github.com/DoyleJ11/prompt-battle/internal/store"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

var ErrClosed = errors.New("hub closed")

type HubMsg interface{ isHubMsg() }

type RoomResult struct {
	Room *room.Room
	Err  error
}

// EnsureRoom returns the running room for a battle, loading the battle from
// the store when no room is running.
type EnsureRoom struct {
	BattleID int64
	Reply    chan RoomResult
}

type GetRoom struct {
	BattleID int64
	Reply    chan *room.Room
}

type RemoveRoom struct {
	BattleID int64
}

type BattleResult struct {
	Battle engine.Battle
	Err    error
}

// CreateBattle persists a new battle and assigns its id.
type CreateBattle struct {
	Battle engine.Battle
	Reply  chan BattleResult
}

// Register attaches a matchmaking connection.
type Register struct {
	ClientID    string
	Participant engine.Participant
	Outbox      chan types.ServerMessage
}

type Unregister struct{ ClientID string }

type Matchmaking struct {
	ClientID string
	Msg      types.ClientMessage
}

// PurgeStale drops queue entries not refreshed since Before.
type PurgeStale struct {
	Before time.Time
	Reply  chan int
}

type ShutdownHub struct{}

func (EnsureRoom) isHubMsg()   {}
func (GetRoom) isHubMsg()      {}
func (RemoveRoom) isHubMsg()   {}
func (CreateBattle) isHubMsg() {}
func (Register) isHubMsg()     {}
func (Unregister) isHubMsg()   {}
func (Matchmaking) isHubMsg()  {}
func (PurgeStale) isHubMsg()   {}
func (ShutdownHub) isHubMsg()  {}

type Options struct {
	Store   store.Store
	Catalog *challenge.Catalog
	Logger  *zap.Logger
	Metrics *metrics.Manager
	// Room is the template every room is started with.
	Room room.Options
	// Duration is the writing time of matchmade battles.
	Duration time.Duration
	Now      func() time.Time
}

type Hub struct {
	inbox chan HubMsg
	rooms map[int64]*room.Room
	opts  Options
	log   *zap.Logger

	conns map[string]*conn
	queue []*entry

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(parent context.Context, opts Options) *Hub {
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Catalog == nil {
		opts.Catalog = challenge.NewCatalog(uint64(time.Now().UnixNano()))
	}
	if opts.Duration <= 0 {
		opts.Duration = 90 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Room.Store == nil {
		opts.Room.Store = opts.Store
	}
	if opts.Room.Catalog == nil {
		opts.Room.Catalog = opts.Catalog
	}
	if opts.Room.Logger == nil {
		opts.Room.Logger = opts.Logger
	}
	if opts.Room.Metrics == nil {
		opts.Room.Metrics = opts.Metrics
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		rooms:  make(map[int64]*room.Room),
		opts:   opts,
		log:    logging.OrNop(opts.Logger).Named("hub"),
		conns:  make(map[string]*conn),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Done() <-chan struct{} { return h.done }

// Send delivers m unless the hub has stopped.
func (h *Hub) Send(m HubMsg) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.inbox <- m:
		return true
	case <-h.done:
		return false
	}
}

func request[T any](ctx context.Context, h *Hub, m HubMsg, reply chan T) (T, error) {
	var zero T
	if !h.Send(m) {
		return zero, ErrClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (h *Hub) EnsureRoom(ctx context.Context, battleID int64) (*room.Room, error) {
	reply := make(chan RoomResult, 1)
	res, err := request(ctx, h, EnsureRoom{BattleID: battleID, Reply: reply}, reply)
	if err != nil {
		return nil, err
	}
	return res.Room, res.Err
}

// Room returns the running room for battleID, or nil.
func (h *Hub) Room(ctx context.Context, battleID int64) *room.Room {
	reply := make(chan *room.Room, 1)
	r, err := request(ctx, h, GetRoom{BattleID: battleID, Reply: reply}, reply)
	if err != nil {
		return nil
	}
	return r
}

func (h *Hub) CreateBattle(ctx context.Context, b engine.Battle) (engine.Battle, error) {
	reply := make(chan BattleResult, 1)
	res, err := request(ctx, h, CreateBattle{Battle: b, Reply: reply}, reply)
	if err != nil {
		return engine.Battle{}, err
	}
	return res.Battle, res.Err
}

func (h *Hub) PurgeStale(ctx context.Context, before time.Time) (int, error) {
	reply := make(chan int, 1)
	return request(ctx, h, PurgeStale{Before: before, Reply: reply}, reply)
}

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureRoom:
				r, err := h.ensureRoom(msg.BattleID)
				msg.Reply <- RoomResult{Room: r, Err: err}

			case GetRoom:
				msg.Reply <- h.liveRoom(msg.BattleID) // may be nil

			case RemoveRoom:
				if r := h.rooms[msg.BattleID]; r != nil && isDone(r) {
					delete(h.rooms, msg.BattleID)
				}

			case CreateBattle:
				b, err := h.createBattle(msg.Battle)
				msg.Reply <- BattleResult{Battle: b, Err: err}

			case Register:
				h.register(msg)

			case Unregister:
				h.unregister(msg.ClientID)

			case Matchmaking:
				h.onMatchmaking(msg.ClientID, msg.Msg)

			case PurgeStale:
				msg.Reply <- h.purge(msg.Before)

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func isDone(r *room.Room) bool {
	select {
	case <-r.Done():
		return true
	default:
		return false
	}
}

func (h *Hub) liveRoom(id int64) *room.Room {
	r := h.rooms[id]
	if r == nil || isDone(r) {
		return nil
	}
	return r
}

func (h *Hub) ensureRoom(id int64) (*room.Room, error) {
	if r := h.liveRoom(id); r != nil {
		return r, nil
	}
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	b, err := h.opts.Store.Battle(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load battle %d: %w", id, err)
	}
	return h.openRoom(b), nil
}

func (h *Hub) openRoom(b engine.Battle) *room.Room {
	opts := h.opts.Room
	opts.OnClosed = func(id int64) {
		select {
		case h.inbox <- RemoveRoom{BattleID: id}:
		case <-h.ctx.Done():
		}
	}
	r := room.New(h.ctx, b, opts)
	h.rooms[b.ID] = r
	h.log.Debug("room opened", zap.Int64("battle_id", b.ID))
	return r
}

func (h *Hub) createBattle(b engine.Battle) (engine.Battle, error) {
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	b, err := h.opts.Store.CreateBattle(ctx, b)
	if err != nil {
		return engine.Battle{}, fmt.Errorf("create battle: %w", err)
	}
	h.opts.Metrics.BattleCreated(string(b.Source))
	h.log.Info("battle created", zap.Int64("battle_id", b.ID), zap.String("source", string(b.Source)))
	return b, nil
}

func (h *Hub) shutdown() {
	for id, r := range h.rooms {
		r.Send(room.Shutdown{})
		delete(h.rooms, id)
	}
	for id, c := range h.conns {
		close(c.out)
		delete(h.conns, id)
	}
	h.queue = nil
	h.cancel()
}
