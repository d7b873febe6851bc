// Package battleview wires one open battle screen: the battle's channel, the
// session state machine, delayed REST reconciliation and the turn controls.
package battleview

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/config"
	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/failure"
	"github.com/DoyleJ11/prompt-battle/internal/metrics"
	"github.com/DoyleJ11/prompt-battle/internal/reconcile"
	"github.com/DoyleJ11/prompt-battle/internal/session"
	"github.com/DoyleJ11/prompt-battle/internal/transport"
	"github.com/DoyleJ11/prompt-battle/internal/turn"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

var ErrInvalidBattle = errors.New("invalid battle id")

type API interface {
	reconcile.API
	turn.API
}

// Connector hands out battle channels; *transport.Dialer satisfies it.
type Connector interface {
	Connect(battleID int64) (*transport.Conn, error)
}

type Deps struct {
	API      API
	Dialer   Connector
	Config   config.Client
	ViewerID int64
	Logger   *zap.Logger
	Metrics  *metrics.Manager
	// OnFailure receives failures that end reconciliation, already mapped to
	// user-facing copy.
	OnFailure func(failure.Message)
	// TickInterval drives the advisory clock; zero means one second.
	TickInterval time.Duration
}

type View struct {
	battleID int64
	deps     Deps
	log      *zap.Logger

	machine *session.Machine
	conn    *transport.Conn
	sched   *reconcile.Scheduler
	turns   *turn.Controller

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	watchdog *time.Timer
	closed   bool
	subs     int
}

// Open starts a view of battleID. A non-positive id never touches the
// network; the view shows the invalid screen.
func Open(parent context.Context, battleID int64, deps Deps) *View {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	v := &View{
		battleID: battleID,
		deps:     deps,
		log:      log.Named("battleview").With(zap.Int64("battle_id", battleID), zap.String("component", "battleview")),
		ctx:      ctx,
		cancel:   cancel,
	}
	v.machine = session.NewMachine(ctx, battleID,
		session.WithLogger(log),
		session.WithMetrics(deps.Metrics),
	)
	if battleID <= 0 {
		return v
	}

	conn, err := deps.Dialer.Connect(battleID)
	if err != nil {
		v.log.Warn("connect failed", zap.Error(err))
		v.machine.Send(session.TransportGaveUp{})
	} else {
		v.conn = conn
	}

	fetcher := reconcile.NewFetcher(deps.API, log, deps.Metrics)
	grace := reconcile.GraceDelay(deps.API.Authenticated(), deps.Config.AnonymousGrace, deps.Config.AuthenticatedGrace)
	v.sched = reconcile.NewScheduler(ctx, reconcile.SchedulerConfig{
		Grace: grace,
		Fetch: func(ctx context.Context) (session.State, error) {
			return fetcher.Fetch(ctx, battleID, deps.ViewerID)
		},
		Deliver: func(st session.State) { v.machine.Send(session.RESTSnapshot{State: st}) },
		OnError: v.reportFailure,
	})

	var resync turn.Resyncer
	if v.conn != nil {
		resync = v.conn
	}
	v.turns = turn.NewController(deps.API, battleID, v.machine, resync, log)

	if v.conn == nil {
		v.sched.Trigger()
	} else {
		v.sched.Arm()
		v.wg.Add(1)
		go v.pump()
	}
	v.wg.Add(1)
	go v.tick()
	return v
}

func (v *View) BattleID() int64 { return v.battleID }

// Current returns the latest view.
func (v *View) Current() session.View { return v.machine.View() }

// Screen is the screen the current view maps to.
func (v *View) Screen() turn.Screen { return turn.ScreenFor(v.Current()) }

// Subscribe returns a channel of views. It is closed when the view closes
// or the subscriber falls behind.
func (v *View) Subscribe() <-chan session.View {
	v.mu.Lock()
	v.subs++
	id := "sub-" + strconv.Itoa(v.subs)
	v.mu.Unlock()
	ch := make(chan session.View, 16)
	v.machine.Send(session.Subscribe{ID: id, Outbox: ch})
	return ch
}

func (v *View) SetOpponentName(name string) {
	v.machine.Send(session.SetOpponentName{Name: name})
}

func (v *View) Typing(typing bool) error {
	if v.conn == nil {
		return failure.New(failure.TransportUnavailable, "typing", ErrInvalidBattle)
	}
	return v.conn.SendTyping(typing)
}

// Submit sends the prompt over the live channel. When the channel is not
// ready it fails at once and the prompt stays editable. A submit that the
// server does not confirm in time demotes the live state and lets REST
// decide what happened.
func (v *View) Submit(prompt string) error {
	if v.conn == nil || !v.conn.SubmitPrompt(prompt) {
		return failure.New(failure.SubmissionRejected, "submit prompt", transport.ErrNotConnected)
	}
	v.armWatchdog()
	return nil
}

func (v *View) StartTurn(ctx context.Context) (types.StartTurnResponse, error) {
	if v.turns == nil {
		return types.StartTurnResponse{}, ErrInvalidBattle
	}
	return v.turns.StartTurn(ctx)
}

func (v *View) RefreshChallenge(ctx context.Context) (types.RefreshChallengeResponse, error) {
	if v.turns == nil {
		return types.RefreshChallengeResponse{}, ErrInvalidBattle
	}
	return v.turns.RefreshChallenge(ctx)
}

// Busy reports which turn controls are waiting for a response.
func (v *View) Busy() (starting, refreshing bool) {
	if v.turns == nil {
		return false, false
	}
	return v.turns.Starting(), v.turns.Refreshing()
}

// Close leaves the view abruptly. In-flight requests are not awaited.
func (v *View) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	if v.watchdog != nil {
		v.watchdog.Stop()
	}
	v.mu.Unlock()

	var err error
	if v.sched != nil {
		v.sched.Stop()
	}
	if v.conn != nil {
		err = multierr.Append(err, v.conn.Close())
	}
	v.machine.Send(session.Shutdown{})
	v.cancel()
	v.wg.Wait()
	return err
}

func (v *View) pump() {
	defer v.wg.Done()
	for ev := range v.conn.Events() {
		switch ev.Kind {
		case transport.EventConnected:
			v.machine.Send(session.TransportUp{Epoch: ev.Epoch})
		case transport.EventMessage:
			if carriesState(ev.Message) {
				v.sched.Disarm()
			}
			v.machine.Send(session.LiveMessage{Epoch: ev.Epoch, Msg: ev.Message})
		case transport.EventDisconnected:
			v.machine.Send(session.TransportDown{Epoch: ev.Epoch})
			v.sched.Arm()
		case transport.EventGaveUp:
			v.machine.Send(session.TransportGaveUp{})
			v.sched.Trigger()
		}
	}
}

func carriesState(msg types.ServerMessage) bool {
	switch msg.Type {
	case types.ServerState:
		return msg.Battle != nil
	case types.ServerPhaseChanged, types.ServerMatchComplete:
		return true
	}
	return false
}

func (v *View) tick() {
	defer v.wg.Done()
	every := v.deps.TickInterval
	if every <= 0 {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-v.ctx.Done():
			return
		case <-t.C:
			v.machine.Send(session.Tick{})
		}
	}
}

func (v *View) armWatchdog() {
	wait := v.deps.Config.SubmitConfirmTimeout
	if wait <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if v.watchdog != nil {
		v.watchdog.Stop()
	}
	v.watchdog = time.AfterFunc(wait, v.checkSubmitted)
}

func (v *View) checkSubmitted() {
	if v.ctx.Err() != nil {
		return
	}
	cur := v.machine.View()
	if cur.State.MySubmission != nil || cur.Phase.Decided() ||
		cur.Phase == engine.PhaseGenerating || cur.Phase == engine.PhaseJudging {
		return
	}
	v.log.Info("submit not confirmed, reconciling")
	v.machine.Send(session.MarkLiveStale{})
	v.conn.Reconnect()
	v.sched.Trigger()
}

func (v *View) reportFailure(err error) {
	v.log.Warn("reconciliation stopped", zap.Stringer("kind", failure.KindOf(err)), zap.Error(err))
	if v.deps.OnFailure != nil {
		v.deps.OnFailure(failure.Present(err))
	}
}
