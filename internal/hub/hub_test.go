package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/judge"
	"github.com/DoyleJ11/prompt-battle/internal/room"
	"github.com/DoyleJ11/prompt-battle/internal/store"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func recvMsg(t *testing.T, ch <-chan types.ServerMessage, within time.Duration) types.ServerMessage {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatalf("outbox closed unexpectedly")
		}
		return m
	case <-time.After(within):
		t.Fatalf("timed out waiting for message")
		return types.ServerMessage{}
	}
}

func newTestHub(t *testing.T) (*Hub, *store.MemoryStore, *fakeClock) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	st := store.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	h := NewHub(ctx, Options{
		Store:    st,
		Duration: 60 * time.Second,
		Now:      clock.Now,
		Room:     room.Options{Judge: judge.Stub{}, Tick: 5 * time.Millisecond, AIDelay: time.Hour},
	})
	return h, st, clock
}

func connect(h *Hub, clientID string, id int64) chan types.ServerMessage {
	out := make(chan types.ServerMessage, 16)
	h.Inbox() <- Register{ClientID: clientID, Participant: engine.Participant{ID: id, DisplayName: clientID}, Outbox: out}
	return out
}

func TestHub_EnsureRoom_SamePointer(t *testing.T) {
	h, st, _ := newTestHub(t)
	ctx := context.Background()

	b, err := h.CreateBattle(ctx, engine.NewBattle(0, engine.SourceInvitation, engine.Participant{ID: 1}, engine.Challenge{Text: "x"}, 60, time.Now()))
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}
	if _, err := st.Battle(ctx, b.ID); err != nil {
		t.Fatalf("battle should be persisted: %v", err)
	}

	if r := h.Room(ctx, b.ID); r != nil {
		t.Fatalf("no room should run before it is needed")
	}
	r1, err := h.EnsureRoom(ctx, b.ID)
	if err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	r2, err := h.EnsureRoom(ctx, b.ID)
	if err != nil {
		t.Fatalf("ensure room again: %v", err)
	}
	if r1 == nil || r1 != r2 || h.Room(ctx, b.ID) != r1 {
		t.Fatalf("expected same room pointer")
	}

	if _, err := h.EnsureRoom(ctx, 999); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown battle: want ErrNotFound, got %v", err)
	}
}

func TestHub_ClosedRoomIsReplaced(t *testing.T) {
	h, _, _ := newTestHub(t)
	ctx := context.Background()

	b, err := h.CreateBattle(ctx, engine.NewBattle(0, engine.SourceInvitation, engine.Participant{ID: 1}, engine.Challenge{Text: "x"}, 60, time.Now()))
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}
	r1, err := h.EnsureRoom(ctx, b.ID)
	if err != nil {
		t.Fatalf("ensure room: %v", err)
	}
	r1.Inbox() <- room.Shutdown{}
	<-r1.Done()

	r2, err := h.EnsureRoom(ctx, b.ID)
	if err != nil {
		t.Fatalf("ensure room after close: %v", err)
	}
	if r2 == r1 {
		t.Fatalf("a closed room must not be handed out")
	}
}

func TestHub_AIMode_MatchesImmediately(t *testing.T) {
	h, st, _ := newTestHub(t)
	out := connect(h, "c1", 1)

	h.Inbox() <- Matchmaking{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientPreference, Mode: types.ModeAI}}
	h.Inbox() <- Matchmaking{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientQueueJoin}}

	found := recvMsg(t, out, time.Second)
	if found.Type != types.ServerMatchFound || found.BattleID == 0 {
		t.Fatalf("want match_found, got %+v", found)
	}
	b, err := st.Battle(context.Background(), found.BattleID)
	if err != nil {
		t.Fatalf("load battle: %v", err)
	}
	if b.Source != engine.SourceAI || b.Opponent.ID != judge.PipID || b.Challenger.ID != 1 || b.DurationSec != 60 {
		t.Fatalf("unexpected ai battle: %+v", b)
	}
	if h.Room(context.Background(), b.ID) == nil {
		t.Fatalf("ai battle room should be running")
	}
}

func TestHub_ActiveUser_QueuesNotifiesAndPairs(t *testing.T) {
	h, st, _ := newTestHub(t)
	out1 := connect(h, "c1", 1)
	out2 := connect(h, "c2", 2)

	h.Inbox() <- Matchmaking{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientQueueJoin, Mode: types.ModeActiveUser}}

	queued := recvMsg(t, out1, time.Second)
	if queued.Queue == nil || queued.Queue.State != types.QueueQueued || queued.Queue.Position != 1 || queued.Queue.Notified != 1 {
		t.Fatalf("want queued at 1 with one notified user, got %+v", queued.Queue)
	}
	waiting := recvMsg(t, out2, time.Second)
	if waiting.Queue == nil || waiting.Queue.State != types.QueueOpponentWaiting {
		t.Fatalf("idle user should hear someone is waiting, got %+v", waiting)
	}

	h.Inbox() <- Matchmaking{ClientID: "c2", Msg: types.ClientMessage{Type: types.ClientQueueJoin, Mode: types.ModeActiveUser}}
	f1 := recvMsg(t, out1, time.Second)
	f2 := recvMsg(t, out2, time.Second)
	if f1.Type != types.ServerMatchFound || f1.BattleID != f2.BattleID {
		t.Fatalf("both sides should get the same match, got %+v / %+v", f1, f2)
	}
	b, err := st.Battle(context.Background(), f1.BattleID)
	if err != nil {
		t.Fatalf("load battle: %v", err)
	}
	if b.Source != engine.SourceRandom || b.Challenger.ID != 1 || b.Opponent.ID != 2 {
		t.Fatalf("unexpected matched battle: %+v", b)
	}

	h.Inbox() <- Matchmaking{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientQueueStatus}}
	idle := recvMsg(t, out1, time.Second)
	if idle.Queue.State != types.QueueIdle {
		t.Fatalf("matched user should be idle, got %+v", idle.Queue)
	}
}

func TestHub_QueueEntrySurvivesReconnect(t *testing.T) {
	h, _, _ := newTestHub(t)
	out1 := connect(h, "c1", 1)
	h.Inbox() <- Matchmaking{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientQueueJoin, Mode: types.ModeActiveUser}}
	_ = recvMsg(t, out1, time.Second)

	h.Inbox() <- Unregister{ClientID: "c1"}
	out1b := connect(h, "c1b", 1)
	h.Inbox() <- Matchmaking{ClientID: "c1b", Msg: types.ClientMessage{Type: types.ClientQueueStatus}}

	st := recvMsg(t, out1b, time.Second)
	if st.Queue.State != types.QueueQueued {
		t.Fatalf("entry should survive a reconnect, got %+v", st.Queue)
	}

	// the new connection receives the match
	out2 := connect(h, "c2", 2)
	h.Inbox() <- Matchmaking{ClientID: "c2", Msg: types.ClientMessage{Type: types.ClientQueueJoin, Mode: types.ModeActiveUser}}
	if m := recvMsg(t, out1b, time.Second); m.Type != types.ServerMatchFound {
		t.Fatalf("want match_found on the new connection, got %+v", m)
	}
	if m := recvMsg(t, out2, time.Second); m.Type != types.ServerMatchFound {
		t.Fatalf("want match_found for the joiner, got %+v", m)
	}
}

func TestHub_PurgeStale(t *testing.T) {
	h, _, clock := newTestHub(t)
	ctx := context.Background()
	out1 := connect(h, "c1", 1)
	h.Inbox() <- Matchmaking{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientQueueJoin, Mode: types.ModeActiveUser}}
	_ = recvMsg(t, out1, time.Second)

	clock.Advance(10 * time.Second)
	out3 := connect(h, "c3", 3)
	h.Inbox() <- Matchmaking{ClientID: "c3", Msg: types.ClientMessage{Type: types.ClientQueueJoin, Mode: types.ModeActiveUser}}
	if m := recvMsg(t, out3, time.Second); m.Type != types.ServerMatchFound {
		t.Fatalf("c3 should pair with the waiting c1, got %+v", m)
	}
	_ = recvMsg(t, out1, time.Second)

	h.Inbox() <- Unregister{ClientID: "c1"}
	out4 := connect(h, "c4", 4)
	h.Inbox() <- Matchmaking{ClientID: "c4", Msg: types.ClientMessage{Type: types.ClientQueueJoin, Mode: types.ModeActiveUser}}
	_ = recvMsg(t, out4, time.Second)
	h.Inbox() <- Matchmaking{ClientID: "c4", Msg: types.ClientMessage{Type: types.ClientKeepalive}}

	n, err := h.PurgeStale(ctx, clock.Now().Add(-5*time.Second))
	if err != nil || n != 0 {
		t.Fatalf("fresh entry must survive: n=%d err=%v", n, err)
	}

	clock.Advance(time.Minute)
	n, err = h.PurgeStale(ctx, clock.Now().Add(-30*time.Second))
	if err != nil || n != 1 {
		t.Fatalf("stale entry should be purged: n=%d err=%v", n, err)
	}
	idle := recvMsg(t, out4, time.Second)
	if idle.Queue == nil || idle.Queue.State != types.QueueIdle {
		t.Fatalf("purged user should be told they are idle, got %+v", idle)
	}
}

func TestHub_LeaveQueue(t *testing.T) {
	h, _, _ := newTestHub(t)
	out := connect(h, "c1", 1)
	h.Inbox() <- Matchmaking{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientQueueJoin, Mode: types.ModeActiveUser}}
	_ = recvMsg(t, out, time.Second)

	h.Inbox() <- Matchmaking{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientQueueLeave}}
	left := recvMsg(t, out, time.Second)
	if left.Queue.State != types.QueueIdle {
		t.Fatalf("after leave: want idle, got %+v", left.Queue)
	}

	h.Inbox() <- Matchmaking{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientQueueJoin, Mode: "bogus"}}
	if m := recvMsg(t, out, time.Second); m.Type != types.ServerError {
		t.Fatalf("unknown mode: want error, got %+v", m)
	}
}
