// Package room runs one battle. A Room is an actor: every mutation arrives on
// its inbox, goes through engine.Apply, is persisted, and is fanned out to the
// connected clients as per-viewer messages.
package room

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/challenge"
	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/judge"
	"github.com/DoyleJ11/prompt-battle/internal/logging"
	"github.com/DoyleJ11/prompt-battle/internal/metrics"
	"github.com/DoyleJ11/prompt-battle/internal/store"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

var ErrClosed = errors.New("room closed")

type Msg interface{ isRoomMsg() }

type Join struct {
	ClientID string
	ViewerID int64
	Outbox   chan types.ServerMessage
}

func (Join) isRoomMsg() {}

type Leave struct{ ClientID string }

func (Leave) isRoomMsg() {}

type FromClient struct {
	ClientID string
	Msg      types.ClientMessage
}

func (FromClient) isRoomMsg() {}

// Seat puts a participant in the empty opponent seat.
type Seat struct {
	Participant engine.Participant
	Reply       chan error
}

func (Seat) isRoomMsg() {}

type StartTurn struct {
	ViewerID int64
	Reply    chan TurnResult
}

func (StartTurn) isRoomMsg() {}

type TurnResult struct {
	Resp types.StartTurnResponse
	Err  error
}

type RefreshChallenge struct {
	ViewerID int64
	Reply    chan RefreshResult
}

func (RefreshChallenge) isRoomMsg() {}

type RefreshResult struct {
	Resp types.RefreshChallengeResponse
	Err  error
}

type GetState struct {
	ViewerID int64
	Reply    chan View
}

func (GetState) isRoomMsg() {}

type Shutdown struct{}

func (Shutdown) isRoomMsg() {}

// timers and pipeline results
type tickFired struct{ Gen uint64 }
type holdFired struct{ Gen uint64 }
type aiTurn struct{}
type generated struct {
	Outputs map[int64]string
	Err     error
}
type judged struct {
	Verdict engine.Verdict
	Err     error
}

func (tickFired) isRoomMsg() {}
func (holdFired) isRoomMsg() {}
func (aiTurn) isRoomMsg()    {}
func (generated) isRoomMsg() {}
func (judged) isRoomMsg()    {}

type View struct {
	Version    int
	NumClients int
	Battle     engine.Battle
	State      types.BattleState
}

type Options struct {
	Store   store.Store
	Judge   judge.Service
	Catalog *challenge.Catalog
	Logger  *zap.Logger
	Metrics *metrics.Manager

	// Countdown is how long the countdown phase lasts, counted in ticks.
	Countdown  time.Duration
	RevealHold time.Duration
	// AIDelay is how long the AI opponent takes to submit.
	AIDelay time.Duration
	Tick    time.Duration

	InviteURL func(token string) string
	Now       func() time.Time
	// OnClosed runs once the room loop has exited.
	OnClosed func(battleID int64)
}

type client struct {
	viewer int64
	out    chan types.ServerMessage
}

type Room struct {
	id       int64
	inbox    chan Msg
	battle   engine.Battle
	version  int
	clients  map[string]*client
	presence map[int64]*engine.Presence
	opts     Options
	log      *zap.Logger

	tick      *time.Timer
	tickGen   uint64
	hold      *time.Timer
	holdGen   uint64
	ai        *time.Timer
	countdown int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(parent context.Context, b engine.Battle, opts Options) *Room {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Judge == nil {
		opts.Judge = judge.Stub{}
	}
	if opts.Catalog == nil {
		opts.Catalog = challenge.NewCatalog(1)
	}
	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		id:       b.ID,
		inbox:    make(chan Msg, 64),
		battle:   b.Clone(),
		clients:  make(map[string]*client),
		presence: make(map[int64]*engine.Presence),
		opts:     opts,
		log:      logging.OrNop(opts.Logger).Named("room").With(zap.Int64("battle_id", b.ID)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	r.seatPresence(b.Challenger)
	r.seatPresence(b.Opponent)
	opts.Metrics.RoomOpened()

	go r.loop()
	return r
}

func (r *Room) ID() int64 { return r.id }

// Inbox exposes the inbox so the transport layer and tests can send messages.
func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Done is closed once the room has shut down.
func (r *Room) Done() <-chan struct{} { return r.done }

// Send delivers m unless the room has stopped.
func (r *Room) Send(m Msg) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.inbox <- m:
		return true
	case <-r.done:
		return false
	}
}

func (r *Room) post(m Msg) {
	select {
	case r.inbox <- m:
	case <-r.ctx.Done():
	}
}

func request[T any](ctx context.Context, r *Room, m Msg, reply chan T) (T, error) {
	var zero T
	if !r.Send(m) {
		return zero, ErrClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-r.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (r *Room) StartTurn(ctx context.Context, viewerID int64) (types.StartTurnResponse, error) {
	reply := make(chan TurnResult, 1)
	res, err := request(ctx, r, StartTurn{ViewerID: viewerID, Reply: reply}, reply)
	if err != nil {
		return types.StartTurnResponse{}, err
	}
	return res.Resp, res.Err
}

func (r *Room) RefreshChallenge(ctx context.Context, viewerID int64) (types.RefreshChallengeResponse, error) {
	reply := make(chan RefreshResult, 1)
	res, err := request(ctx, r, RefreshChallenge{ViewerID: viewerID, Reply: reply}, reply)
	if err != nil {
		return types.RefreshChallengeResponse{}, err
	}
	return res.Resp, res.Err
}

func (r *Room) Seat(ctx context.Context, p engine.Participant) error {
	reply := make(chan error, 1)
	err, rerr := request(ctx, r, Seat{Participant: p, Reply: reply}, reply)
	if rerr != nil {
		return rerr
	}
	return err
}

func (r *Room) State(ctx context.Context, viewerID int64) (View, error) {
	reply := make(chan View, 1)
	return request(ctx, r, GetState{ViewerID: viewerID, Reply: reply}, reply)
}

func (r *Room) loop() {
	defer func() {
		close(r.done)
		if r.opts.OnClosed != nil {
			r.opts.OnClosed(r.id)
		}
	}()
	r.resume()
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			if !r.handle(m) {
				r.shutdown()
				return
			}
		}
	}
}

// resume restarts the timers and pipeline a persisted battle was in.
func (r *Room) resume() {
	switch r.battle.Phase {
	case engine.PhaseCountdown:
		r.countdown = r.countdownTicks()
	case engine.PhaseActive:
		r.armAI()
	case engine.PhaseGenerating:
		r.startGeneration()
	case engine.PhaseJudging:
		r.startJudging()
	case engine.PhaseReveal:
		r.scheduleHold()
	}
	if r.needsTick() {
		r.scheduleTick()
	}
}

func (r *Room) handle(m Msg) bool {
	switch msg := m.(type) {
	case Join:
		r.clients[msg.ClientID] = &client{viewer: msg.ViewerID, out: msg.Outbox}
		p := r.presence[msg.ViewerID]
		if p != nil {
			p.Joined, p.Connected, p.Dropped = true, true, false
		}
		r.send(msg.ClientID, r.stateMsg(msg.ViewerID))
		if p != nil {
			r.notifyStatus(msg.ViewerID)
		}
		r.maybeStartCountdown()

	case Leave:
		c, ok := r.clients[msg.ClientID]
		if !ok {
			break
		}
		delete(r.clients, msg.ClientID)
		r.disconnected(c.viewer)
		if r.idle() {
			return false
		}

	case FromClient:
		c, ok := r.clients[msg.ClientID]
		if !ok {
			break
		}
		r.onClient(msg.ClientID, c, msg.Msg)

	case Seat:
		prev := r.battle.Phase
		events, err := r.apply(engine.Command{Type: engine.CmdJoin, Participant: msg.Participant, Now: r.opts.Now()})
		msg.Reply <- err
		if len(events) > 0 {
			r.seatPresence(msg.Participant)
			r.publish(prev)
		}

	case StartTurn:
		r.onStartTurn(msg)

	case RefreshChallenge:
		r.onRefresh(msg)

	case GetState:
		msg.Reply <- View{
			Version:    r.version,
			NumClients: len(r.clients),
			Battle:     r.battle.Clone(),
			State:      r.project(msg.ViewerID),
		}

	case tickFired:
		if msg.Gen != r.tickGen {
			break
		}
		r.tick = nil
		r.onTick()
		if r.needsTick() {
			r.scheduleTick()
		}

	case holdFired:
		if msg.Gen != r.holdGen || r.battle.Phase != engine.PhaseReveal {
			break
		}
		r.hold = nil
		prev := r.battle.Phase
		if _, err := r.apply(engine.Command{Type: engine.CmdComplete, Now: r.opts.Now()}); err != nil {
			r.log.Error("complete battle", zap.Error(err))
			break
		}
		r.publish(prev)
		if r.idle() {
			return false
		}

	case aiTurn:
		r.ai = nil
		r.onAITurn()

	case generated:
		if r.battle.Phase != engine.PhaseGenerating {
			break
		}
		if msg.Err != nil {
			r.log.Warn("generation failed, judging without outputs", zap.Error(msg.Err))
		}
		prev := r.battle.Phase
		if _, err := r.apply(engine.Command{Type: engine.CmdGenerated, Outputs: msg.Outputs, Now: r.opts.Now()}); err != nil {
			r.log.Error("record outputs", zap.Error(err))
			break
		}
		r.publish(prev)

	case judged:
		if r.battle.Phase != engine.PhaseJudging {
			break
		}
		if msg.Err != nil {
			r.log.Warn("judging failed, revealing without a winner", zap.Error(msg.Err))
		}
		prev := r.battle.Phase
		if _, err := r.apply(engine.Command{Type: engine.CmdJudged, Verdict: msg.Verdict, Now: r.opts.Now()}); err != nil {
			r.log.Error("record verdict", zap.Error(err))
			break
		}
		r.opts.Metrics.BattleJudged()
		r.publish(prev)

	case Shutdown:
		return false
	}
	return true
}

func (r *Room) onClient(id string, c *client, m types.ClientMessage) {
	switch m.Type {
	case types.ClientTyping:
		if p := r.presence[c.viewer]; p != nil && p.Typing != m.Typing {
			p.Typing = m.Typing
			r.notifyStatus(c.viewer)
		}

	case types.ClientSubmitPrompt:
		prev := r.battle.Phase
		_, err := r.apply(engine.Command{Type: engine.CmdSubmit, ParticipantID: c.viewer, Prompt: m.Prompt, Now: r.opts.Now()})
		if err != nil {
			r.send(id, types.ServerMessage{Type: types.ServerError, Version: r.version, BattleID: r.battle.ID, Error: err.Error(), Code: ErrorCode(err)})
			return
		}
		if p := r.presence[c.viewer]; p != nil {
			p.Typing = false
		}
		r.publish(prev)
		r.notifyStatus(c.viewer)

	case types.ClientRequestState:
		r.send(id, r.stateMsg(c.viewer))

	case types.ClientKeepalive:

	default:
		r.send(id, types.ServerMessage{Type: types.ServerError, Version: r.version, Error: "unsupported message " + string(m.Type), Code: types.CodeInvalidRequest})
	}
}

func (r *Room) onStartTurn(msg StartTurn) {
	prev := r.battle.Phase
	events, err := r.apply(engine.Command{Type: engine.CmdStartTurn, ParticipantID: msg.ViewerID, Now: r.opts.Now()})
	if err != nil {
		msg.Reply <- TurnResult{Err: err}
		return
	}
	var res TurnResult
	for _, e := range events {
		switch e.Type {
		case engine.EvtTurnStarted:
			res.Resp = types.StartTurnResponse{Status: types.TurnStarted, TimeRemaining: e.TimeRemaining}
		case engine.EvtTurnAlreadyStarted:
			res.Resp = types.StartTurnResponse{Status: types.TurnAlreadyStarted, TimeRemaining: e.TimeRemaining}
		}
	}
	msg.Reply <- res
	if engine.ContainsEvent(events, engine.EvtTurnStarted) {
		r.publish(prev)
	}
}

func (r *Room) onRefresh(msg RefreshChallenge) {
	prev := r.battle.Phase
	ch := r.opts.Catalog.PickOther(r.battle.Challenge.Text)
	events, err := r.apply(engine.Command{Type: engine.CmdRefreshChallenge, ParticipantID: msg.ViewerID, Challenge: ch, Now: r.opts.Now()})
	if err != nil {
		msg.Reply <- RefreshResult{Err: err}
		return
	}
	res := RefreshResult{Resp: types.RefreshChallengeResponse{
		Challenge:     ch.Text,
		ChallengeType: types.ChallengeType{Key: ch.Type.Key, Name: ch.Type.Name},
		TimeRemaining: r.battle.DurationSec,
	}}
	for _, e := range events {
		if e.Type == engine.EvtChallengeRefreshed {
			res.Resp.TimeRemaining = e.TimeRemaining
		}
	}
	msg.Reply <- res
	r.publish(prev)
}

func (r *Room) onTick() {
	now := r.opts.Now()
	b := r.battle
	switch {
	case b.Phase == engine.PhaseCountdown:
		r.countdown--
		if r.countdown > 0 {
			left := r.countdown
			r.broadcastTick(func(int64) (int, bool) { return left, true })
			return
		}
		prev := b.Phase
		if _, err := r.apply(engine.Command{Type: engine.CmdActivate, Now: now}); err != nil {
			r.log.Error("activate battle", zap.Error(err))
			return
		}
		r.publish(prev)

	case b.Phase == engine.PhaseActive:
		if now.Before(b.Deadline) {
			r.broadcastTick(func(viewer int64) (int, bool) { return engine.TimeRemaining(b, viewer, now), true })
			return
		}
		r.timeout(now)

	case b.Source == engine.SourceInvitation && (b.Phase == engine.PhaseWaiting || b.Phase.IsTurnPhase()):
		if r.timeout(now) {
			return
		}
		r.broadcastTick(func(viewer int64) (int, bool) {
			t, ok := b.Turns[viewer]
			if !ok || b.HasSubmitted(viewer) {
				return 0, false
			}
			return engine.TurnRemaining(t, now), true
		})
	}
}

// timeout forfeits expired turns and reports whether anything changed.
func (r *Room) timeout(now time.Time) bool {
	prev := r.battle.Phase
	events, err := r.apply(engine.Command{Type: engine.CmdTimeout, Now: now})
	if err != nil || len(events) == 0 {
		return false
	}
	r.publish(prev)
	for _, e := range events {
		if e.Type == engine.EvtTurnExpired {
			r.notifyStatus(e.ParticipantID)
		}
	}
	return true
}

func (r *Room) onAITurn() {
	b := r.battle
	if b.Phase != engine.PhaseActive || !b.Opponent.IsAI || b.HasSubmitted(b.Opponent.ID) {
		return
	}
	prev := b.Phase
	_, err := r.apply(engine.Command{Type: engine.CmdSubmit, ParticipantID: b.Opponent.ID, Prompt: judge.PipPrompt(b.Challenge), Now: r.opts.Now()})
	if err != nil {
		r.log.Warn("ai submit", zap.Error(err))
		return
	}
	r.publish(prev)
	r.notifyStatus(b.Opponent.ID)
}

// apply runs cmd through the engine and persists the result.
func (r *Room) apply(cmd engine.Command) ([]engine.Event, error) {
	events, nb, err := engine.Apply(r.battle, cmd)
	if err != nil {
		r.opts.Metrics.CommandRejected(string(cmd.Type))
		r.log.Debug("command rejected", zap.String("command", string(cmd.Type)), zap.Int64("participant_id", cmd.ParticipantID), zap.Error(err))
		return nil, err
	}
	if len(events) == 0 || (len(events) == 1 && events[0].Type == engine.EvtTurnAlreadyStarted) {
		return events, nil
	}
	r.battle = nb
	r.version++
	r.persist()
	return events, nil
}

func (r *Room) persist() {
	if r.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, 5*time.Second)
	defer cancel()
	if err := r.opts.Store.SaveBattle(ctx, r.battle); err != nil {
		r.log.Error("persist battle", zap.Error(err))
	}
}

// publish fans out the current battle. A phase change also starts whatever
// the new phase needs.
func (r *Room) publish(prev engine.Phase) {
	cur := r.battle.Phase
	if cur == prev {
		r.broadcast(types.ServerState)
		return
	}
	r.log.Info("phase changed", zap.Stringer("from", prev), zap.Stringer("to", cur))

	switch cur {
	case engine.PhaseCountdown:
		r.countdown = r.countdownTicks()
	case engine.PhaseActive:
		r.armAI()
	case engine.PhaseGenerating:
		r.stopTick()
		r.startGeneration()
	case engine.PhaseJudging:
		r.startJudging()
	case engine.PhaseReveal:
		r.scheduleHold()
	}

	if cur == engine.PhaseComplete {
		r.broadcast(types.ServerMatchComplete)
	} else {
		r.broadcast(types.ServerPhaseChanged)
	}
	if r.needsTick() {
		r.scheduleTick()
	}
}

func (r *Room) project(viewerID int64) types.BattleState {
	presence := make(map[int64]engine.Presence, len(r.presence))
	for id, p := range r.presence {
		presence[id] = *p
	}
	url := ""
	if r.opts.InviteURL != nil && r.battle.InviteToken != "" {
		url = r.opts.InviteURL(r.battle.InviteToken)
	}
	return Project(r.battle, viewerID, r.opts.Now(), presence, url)
}

func (r *Room) stateMsg(viewerID int64) types.ServerMessage {
	bs := r.project(viewerID)
	return types.ServerMessage{
		Type:          types.ServerState,
		Version:       r.version,
		BattleID:      r.battle.ID,
		Phase:         bs.Phase,
		Battle:        &bs,
		TimeRemaining: types.IntPtr(bs.TimeRemaining),
	}
}

func (r *Room) broadcast(typ types.ServerMessageType) {
	for id, c := range r.clients {
		msg := r.stateMsg(c.viewer)
		msg.Type = typ
		if typ == types.ServerMatchComplete {
			msg.WinnerID = msg.Battle.WinnerID
		}
		r.send(id, msg)
	}
}

func (r *Room) broadcastTick(left func(viewer int64) (int, bool)) {
	for id, c := range r.clients {
		n, ok := left(c.viewer)
		if !ok {
			continue
		}
		r.send(id, types.ServerMessage{Type: types.ServerCountdownTick, Version: r.version, BattleID: r.battle.ID, TimeRemaining: types.IntPtr(n)})
	}
}

// notifyStatus tells everyone but participantID how participantID is doing.
func (r *Room) notifyStatus(participantID int64) {
	p := r.presence[participantID]
	if p == nil {
		return
	}
	pr := *p
	pr.Submitted = r.battle.HasSubmitted(participantID)
	msg := types.ServerMessage{
		Type:          types.ServerOpponentStatus,
		Version:       r.version,
		BattleID:      r.battle.ID,
		ParticipantID: participantID,
		Status:        string(engine.DeriveStatus(pr)),
	}
	for id, c := range r.clients {
		if c.viewer != participantID {
			r.send(id, msg)
		}
	}
}

// send delivers to one client, dropping it when its outbox is full.
func (r *Room) send(id string, msg types.ServerMessage) {
	c, ok := r.clients[id]
	if !ok {
		return
	}
	select {
	case c.out <- msg:
	default:
		r.log.Warn("dropping slow client", zap.String("client_id", id))
		close(c.out)
		delete(r.clients, id)
		r.disconnected(c.viewer)
	}
}

func (r *Room) disconnected(viewer int64) {
	p := r.presence[viewer]
	if p == nil {
		return
	}
	for _, c := range r.clients {
		if c.viewer == viewer {
			return
		}
	}
	p.Connected, p.Typing, p.Dropped = false, false, true
	r.notifyStatus(viewer)
}

func (r *Room) seatPresence(p engine.Participant) {
	switch {
	case p.ID == 0:
	case p.IsAI:
		r.presence[p.ID] = &engine.Presence{Joined: true, Connected: true}
	default:
		if _, ok := r.presence[p.ID]; !ok {
			r.presence[p.ID] = &engine.Presence{}
		}
	}
}

// maybeStartCountdown starts a synchronous battle once every human
// participant is connected.
func (r *Room) maybeStartCountdown() {
	b := r.battle
	if b.Source == engine.SourceInvitation || b.Phase != engine.PhaseWaiting || b.Opponent.ID == 0 {
		return
	}
	for _, p := range []engine.Participant{b.Challenger, b.Opponent} {
		if pr := r.presence[p.ID]; pr == nil || !pr.Connected {
			return
		}
	}
	prev := b.Phase
	if _, err := r.apply(engine.Command{Type: engine.CmdStartCountdown, Now: r.opts.Now()}); err != nil {
		r.log.Error("start countdown", zap.Error(err))
		return
	}
	r.publish(prev)
}

func (r *Room) idle() bool {
	return r.battle.Phase == engine.PhaseComplete && len(r.clients) == 0
}

func (r *Room) countdownTicks() int {
	return max(int(r.opts.Countdown/r.opts.Tick), 1)
}

func (r *Room) needsTick() bool {
	b := r.battle
	switch b.Phase {
	case engine.PhaseCountdown, engine.PhaseActive:
		return true
	}
	if b.Source == engine.SourceInvitation && (b.Phase == engine.PhaseWaiting || b.Phase.IsTurnPhase()) {
		for id := range b.Turns {
			if !b.HasSubmitted(id) {
				return true
			}
		}
	}
	return false
}

func (r *Room) scheduleTick() {
	if r.tick != nil {
		return
	}
	r.tickGen++
	gen := r.tickGen
	r.tick = time.AfterFunc(r.opts.Tick, func() { r.post(tickFired{Gen: gen}) })
}

func (r *Room) stopTick() {
	if r.tick != nil {
		r.tick.Stop()
		r.tick = nil
	}
	r.tickGen++
}

func (r *Room) scheduleHold() {
	if r.hold != nil {
		r.hold.Stop()
	}
	r.holdGen++
	gen := r.holdGen
	r.hold = time.AfterFunc(r.opts.RevealHold, func() { r.post(holdFired{Gen: gen}) })
}

func (r *Room) armAI() {
	if !r.battle.Opponent.IsAI || r.ai != nil {
		return
	}
	r.ai = time.AfterFunc(r.opts.AIDelay, func() { r.post(aiTurn{}) })
}

func retry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}

func (r *Room) startGeneration() {
	b := r.battle.Clone()
	prompts := make(map[int64]string, len(b.Submissions))
	for id, s := range b.Submissions {
		if !s.Forfeit {
			prompts[id] = s.Prompt
		}
	}
	go func() {
		out, err := retry(r.ctx, func() (map[int64]string, error) {
			return r.opts.Judge.Generate(r.ctx, b.ID, prompts)
		})
		r.post(generated{Outputs: out, Err: err})
	}()
}

func (r *Room) startJudging() {
	b := r.battle.Clone()
	go func() {
		v, err := retry(r.ctx, func() (engine.Verdict, error) {
			return r.opts.Judge.Judge(r.ctx, b.Challenge, b.Submissions)
		})
		r.post(judged{Verdict: v, Err: err})
	}()
}

func (r *Room) shutdown() {
	for _, t := range []*time.Timer{r.tick, r.hold, r.ai} {
		if t != nil {
			t.Stop()
		}
	}
	for id, c := range r.clients {
		close(c.out) // no more messages for this client
		delete(r.clients, id)
	}
	r.cancel()
	r.opts.Metrics.RoomClosed()
}
