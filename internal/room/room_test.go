package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/judge"
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

// helper: receive one message with a timeout so tests never hang
func recvMsg(t *testing.T, ch <-chan types.ServerMessage, within time.Duration) types.ServerMessage {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return m
	case <-time.After(within):
		t.Fatalf("timed out waiting for message")
		return types.ServerMessage{}
	}
}

// recvUntil skips messages until one satisfies match.
func recvUntil(t *testing.T, ch <-chan types.ServerMessage, within time.Duration, match func(types.ServerMessage) bool) types.ServerMessage {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				t.Fatalf("client outbox closed unexpectedly")
			}
			if match(m) {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching message")
			return types.ServerMessage{}
		}
	}
}

func recvNoMessage(t *testing.T, ch <-chan types.ServerMessage, within time.Duration) {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			return
		}
		t.Fatalf("expected no message within %v, but got: %+v", within, m)
	case <-time.After(within):
	}
}

func ofType(typ types.ServerMessageType) func(types.ServerMessage) bool {
	return func(m types.ServerMessage) bool { return m.Type == typ }
}

func phaseIs(phase engine.Phase) func(types.ServerMessage) bool {
	return func(m types.ServerMessage) bool {
		return m.Type == types.ServerPhaseChanged && m.Phase == phase.String()
	}
}

func recvView(t *testing.T, r *Room, viewer int64) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := r.State(ctx, viewer)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	return v
}

var testChallenge = engine.Challenge{
	Text: "A dragon knitting a scarf on a mountain summit",
	Type: engine.ChallengeType{Key: "mythical-creatures", Name: "Mythical Creatures"},
}

func newBattle(t *testing.T, st store.Store, source engine.MatchSource, opponent engine.Participant) engine.Battle {
	t.Helper()
	b := engine.NewBattle(0, source, engine.Participant{ID: 1, DisplayName: "Ada"}, testChallenge, 60, time.Now())
	b.Opponent = opponent
	b, err := st.CreateBattle(context.Background(), b)
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}
	return b
}

func fastOptions(st store.Store) Options {
	return Options{
		Store:      st,
		Judge:      judge.Stub{},
		Tick:       5 * time.Millisecond,
		Countdown:  10 * time.Millisecond,
		RevealHold: 10 * time.Millisecond,
	}
}

func TestRoom_AIBattle_PlaysThroughToComplete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	b := newBattle(t, st, engine.SourceAI, judge.Pip())
	closed := make(chan int64, 1)
	opts := fastOptions(st)
	opts.OnClosed = func(id int64) { closed <- id }
	r := New(ctx, b, opts)

	out := make(chan types.ServerMessage, 64)
	r.Inbox() <- Join{ClientID: "c1", ViewerID: 1, Outbox: out}

	first := recvMsg(t, out, time.Second)
	if first.Type != types.ServerState || first.Phase != "waiting" {
		t.Fatalf("after join: want waiting state, got %s %s", first.Type, first.Phase)
	}
	if !first.Battle.Me.Connected || !first.Battle.Opponent.Connected {
		t.Fatalf("after join: both sides should show connected, got %+v", first.Battle)
	}

	recvUntil(t, out, time.Second, phaseIs(engine.PhaseCountdown))
	recvUntil(t, out, time.Second, phaseIs(engine.PhaseActive))

	status := recvUntil(t, out, time.Second, ofType(types.ServerOpponentStatus))
	if status.ParticipantID != judge.PipID || status.Status != string(engine.StatusSubmitted) {
		t.Fatalf("want pip submitted, got %+v", status)
	}

	r.Inbox() <- FromClient{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientSubmitPrompt, Prompt: "a dragon knitting a red scarf, snowy summit"}}

	gen := recvUntil(t, out, time.Second, phaseIs(engine.PhaseGenerating))
	if gen.Battle.MySubmission == nil || gen.Battle.MySubmission.Prompt == "" {
		t.Fatalf("generating state should confirm my submission, got %+v", gen.Battle.MySubmission)
	}
	if gen.Battle.OpponentSubmission == nil || gen.Battle.OpponentSubmission.Prompt != "" {
		t.Fatalf("opponent prompt must stay hidden before reveal, got %+v", gen.Battle.OpponentSubmission)
	}

	reveal := recvUntil(t, out, 2*time.Second, phaseIs(engine.PhaseReveal))
	if reveal.Battle.OpponentSubmission.Prompt == "" || reveal.Battle.OpponentSubmission.Score == nil {
		t.Fatalf("reveal should show the opponent prompt and score, got %+v", reveal.Battle.OpponentSubmission)
	}

	done := recvUntil(t, out, time.Second, ofType(types.ServerMatchComplete))
	if done.Phase != "complete" {
		t.Fatalf("match_complete phase: want complete, got %s", done.Phase)
	}
	if (done.WinnerID == nil) != (reveal.Battle.WinnerID == nil) {
		t.Fatalf("winner mismatch between reveal and completion")
	}

	saved, err := st.Battle(ctx, b.ID)
	if err != nil || saved.Phase != engine.PhaseComplete {
		t.Fatalf("want persisted complete battle, got %v (err %v)", saved.Phase, err)
	}

	r.Inbox() <- Leave{ClientID: "c1"}
	select {
	case id := <-closed:
		if id != b.ID {
			t.Fatalf("closed callback: want %d, got %d", b.ID, id)
		}
	case <-time.After(time.Second):
		t.Fatalf("room should close once complete and empty")
	}
}

func TestRoom_Submit_ConfirmsToSubmitterAndNotifiesOpponent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	b := newBattle(t, st, engine.SourceRandom, engine.Participant{ID: 2, DisplayName: "Grace"})
	r := New(ctx, b, fastOptions(st))

	out1 := make(chan types.ServerMessage, 64)
	out2 := make(chan types.ServerMessage, 64)
	r.Inbox() <- Join{ClientID: "c1", ViewerID: 1, Outbox: out1}
	r.Inbox() <- Join{ClientID: "c2", ViewerID: 2, Outbox: out2}

	recvUntil(t, out1, time.Second, phaseIs(engine.PhaseActive))
	recvUntil(t, out2, time.Second, phaseIs(engine.PhaseActive))

	r.Inbox() <- FromClient{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientTyping, Typing: true}}
	typing := recvUntil(t, out2, time.Second, ofType(types.ServerOpponentStatus))
	if typing.ParticipantID != 1 || typing.Status != string(engine.StatusTyping) {
		t.Fatalf("want typing status for 1, got %+v", typing)
	}

	r.Inbox() <- FromClient{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientSubmitPrompt, Prompt: "wool dragon"}}

	mine := recvUntil(t, out1, time.Second, ofType(types.ServerState))
	if mine.Battle.MySubmission == nil || mine.Battle.MySubmission.Prompt != "wool dragon" {
		t.Fatalf("submitter should get a state confirming the submission, got %+v", mine.Battle)
	}

	theirs := recvUntil(t, out2, time.Second, func(m types.ServerMessage) bool {
		return m.Type == types.ServerOpponentStatus && m.Status == string(engine.StatusSubmitted)
	})
	if theirs.ParticipantID != 1 {
		t.Fatalf("submitted status: want participant 1, got %d", theirs.ParticipantID)
	}

	r.Inbox() <- FromClient{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientSubmitPrompt, Prompt: "   "}}
	rejected := recvUntil(t, out1, time.Second, ofType(types.ServerError))
	if rejected.Code != types.CodeInvalidRequest {
		t.Fatalf("empty prompt: want invalid_request, got %q", rejected.Code)
	}

	r.Inbox() <- Leave{ClientID: "c2"}
	gone := recvUntil(t, out1, time.Second, ofType(types.ServerOpponentStatus))
	if gone.ParticipantID != 2 || gone.Status != string(engine.StatusDisconnected) {
		t.Fatalf("want disconnected status for 2, got %+v", gone)
	}
}

func TestRoom_StartTurn_IsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	b := newBattle(t, st, engine.SourceInvitation, engine.Participant{ID: 2})
	r := New(ctx, b, fastOptions(st))

	first, err := r.StartTurn(ctx, 1)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if first.Status != types.TurnStarted || first.TimeRemaining != 60 {
		t.Fatalf("first start: got %+v", first)
	}
	v1 := recvView(t, r, 1)

	again, err := r.StartTurn(ctx, 1)
	if err != nil {
		t.Fatalf("start turn again: %v", err)
	}
	if again.Status != types.TurnAlreadyStarted || again.TimeRemaining != 60 {
		t.Fatalf("second start: got %+v", again)
	}
	v2 := recvView(t, r, 1)
	if v2.Version != v1.Version {
		t.Fatalf("second start must not change the battle: version %d -> %d", v1.Version, v2.Version)
	}
	if !v2.Battle.Turns[1].StartedAt.Equal(v1.Battle.Turns[1].StartedAt) {
		t.Fatalf("second start must not restart the clock")
	}
	if v2.State.Phase != engine.PhaseChallengerTurn.String() || !v2.State.TurnStarted {
		t.Fatalf("want challenger_turn with turn started, got %s %v", v2.State.Phase, v2.State.TurnStarted)
	}

	if _, err := r.StartTurn(ctx, 3); !errors.Is(err, engine.ErrNotParticipant) {
		t.Fatalf("stranger start turn: want ErrNotParticipant, got %v", err)
	}
}

func TestRoom_TurnExpiry_Forfeits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	b := newBattle(t, st, engine.SourceInvitation, engine.Participant{ID: 2})
	opts := fastOptions(st)
	opts.Now = clock.Now
	r := New(ctx, b, opts)

	if _, err := r.StartTurn(ctx, 1); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	clock.Advance(61 * time.Second)

	deadline := time.Now().Add(time.Second)
	for {
		v := recvView(t, r, 1)
		if s, ok := v.Battle.Submissions[1]; ok {
			if !s.Forfeit {
				t.Fatalf("expired turn should be a forfeit, got %+v", s)
			}
			if v.Battle.Phase != engine.PhaseOpponentTurn {
				t.Fatalf("after challenger forfeit: want opponent_turn, got %v", v.Battle.Phase)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("turn never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRoom_RefreshChallenge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	b := newBattle(t, st, engine.SourceInvitation, engine.Participant{ID: 2})
	r := New(ctx, b, fastOptions(st))

	resp, err := r.RefreshChallenge(ctx, 1)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if resp.Challenge == testChallenge.Text || resp.ChallengeType.Key == "" || resp.TimeRemaining != 60 {
		t.Fatalf("refresh should pick another challenge with a full clock, got %+v", resp)
	}

	out := make(chan types.ServerMessage, 64)
	r.Inbox() <- Join{ClientID: "c1", ViewerID: 1, Outbox: out}
	if _, err := r.StartTurn(ctx, 1); err != nil {
		t.Fatalf("start turn: %v", err)
	}
	r.Inbox() <- FromClient{ClientID: "c1", Msg: types.ClientMessage{Type: types.ClientSubmitPrompt, Prompt: "done"}}

	if _, err := r.RefreshChallenge(ctx, 1); !errors.Is(err, engine.ErrRefreshNotAllowed) {
		t.Fatalf("refresh after submit: want ErrRefreshNotAllowed, got %v", err)
	}
}

func TestRoom_Seat_ShowsOpponent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	b := newBattle(t, st, engine.SourceInvitation, engine.Participant{})
	b.InviteToken = "tok"
	opts := fastOptions(st)
	opts.InviteURL = func(tok string) string { return "https://pb.test/invite/" + tok }
	r := New(ctx, b, opts)

	out := make(chan types.ServerMessage, 8)
	r.Inbox() <- Join{ClientID: "c1", ViewerID: 1, Outbox: out}
	first := recvMsg(t, out, time.Second)
	if first.Battle.InviteURL != "https://pb.test/invite/tok" || first.Battle.Opponent.ID != 0 {
		t.Fatalf("challenger awaiting an opponent should see the invite url, got %+v", first.Battle)
	}

	if err := r.Seat(ctx, engine.Participant{ID: 2, DisplayName: "Grace", IsGuest: true}); err != nil {
		t.Fatalf("seat: %v", err)
	}
	next := recvUntil(t, out, time.Second, ofType(types.ServerState))
	if next.Battle.Opponent.DisplayName != "Grace" || next.Battle.InviteURL != "" {
		t.Fatalf("after seat: want Grace without invite url, got %+v", next.Battle)
	}

	if err := r.Seat(ctx, engine.Participant{ID: 3}); !errors.Is(err, engine.ErrSeatTaken) {
		t.Fatalf("second seat: want ErrSeatTaken, got %v", err)
	}
}

func TestRoom_DropSlowClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	b := newBattle(t, st, engine.SourceInvitation, engine.Participant{ID: 2})
	r := New(ctx, b, fastOptions(st))

	out := make(chan types.ServerMessage, 1)
	r.Inbox() <- Join{ClientID: "c1", ViewerID: 1, Outbox: out}
	if _, err := r.StartTurn(ctx, 2); err != nil {
		t.Fatalf("start turn: %v", err)
	}

	view := recvView(t, r, 1)
	if view.NumClients != 0 {
		t.Fatalf("expected slow client to be dropped; NumClients=%d", view.NumClients)
	}
}

func TestRoom_Shutdown_ClosesOutboxes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	b := newBattle(t, st, engine.SourceRandom, engine.Participant{ID: 2})
	r := New(ctx, b, fastOptions(st))

	out := make(chan types.ServerMessage, 4)
	r.Inbox() <- Join{ClientID: "c1", ViewerID: 1, Outbox: out}
	_ = recvMsg(t, out, time.Second)

	r.Inbox() <- Shutdown{}
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatalf("room did not stop")
	}
	recvNoMessage(t, out, 50*time.Millisecond)
	if r.Send(Leave{ClientID: "c1"}) {
		t.Fatalf("send after shutdown should fail")
	}
}
