package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/metrics"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

type Msg interface{ isSessionMsg() }

// LiveMessage is one message read from the transport during Epoch.
type LiveMessage struct {
	Epoch uint64
	Msg   types.ServerMessage
}

type TransportUp struct{ Epoch uint64 }

type TransportDown struct{ Epoch uint64 }

// TransportGaveUp means reconnects are exhausted.
type TransportGaveUp struct{}

// RESTSnapshot carries a normalized REST view.
type RESTSnapshot struct{ State State }

// MarkLiveStale demotes live state without a transport drop, e.g. when a
// submit went unconfirmed.
type MarkLiveStale struct{}

// Tick re-evaluates the local clock. It never changes the phase.
type Tick struct{}

// TurnStartConfirmed is a successful start-turn response. An already-started
// reply carries the remaining time at the original start, so it never resets
// the clock.
type TurnStartConfirmed struct {
	TimeRemaining  int
	AlreadyStarted bool
}

// ChallengeRefreshed is a successful refresh response. Seq orders requests;
// a response older than one already applied is dropped.
type ChallengeRefreshed struct {
	Seq           uint64
	Challenge     string
	ChallengeType types.ChallengeType
	TimeRemaining int
}

// SetOpponentName names an opponent who has not joined yet.
type SetOpponentName struct{ Name string }

type GetView struct{ Reply chan View }

type Subscribe struct {
	ID     string
	Outbox chan View
}

type Unsubscribe struct{ ID string }

type Shutdown struct{}

func (LiveMessage) isSessionMsg()        {}
func (TransportUp) isSessionMsg()        {}
func (TransportDown) isSessionMsg()      {}
func (TransportGaveUp) isSessionMsg()    {}
func (RESTSnapshot) isSessionMsg()       {}
func (MarkLiveStale) isSessionMsg()      {}
func (Tick) isSessionMsg()               {}
func (TurnStartConfirmed) isSessionMsg() {}
func (ChallengeRefreshed) isSessionMsg() {}
func (SetOpponentName) isSessionMsg()    {}
func (GetView) isSessionMsg()            {}
func (Subscribe) isSessionMsg()          {}
func (Unsubscribe) isSessionMsg()        {}
func (Shutdown) isSessionMsg()           {}

// TurnStart tracks whether the viewer holds the turn. A local confirmation
// stays visible until the server's own flag catches up.
type TurnStart uint8

const (
	TurnNotStarted TurnStart = iota
	TurnAwaitingConfirmation
	TurnConfirmed
)

func (t TurnStart) String() string {
	switch t {
	case TurnAwaitingConfirmation:
		return "awaiting_confirmation"
	case TurnConfirmed:
		return "confirmed"
	default:
		return "not_started"
	}
}

// Timer is the advisory clock. Remaining is derived from the last
// authoritative value; ResetToken changes whenever the basis is replaced by a
// turn start or challenge refresh, even if the number is the same.
type Timer struct {
	Basis      int
	Remaining  int
	Running    bool
	ResetToken uint64
}

// View is what renderers consume.
type View struct {
	Version  int
	BattleID int64
	// Phase includes the local pseudo-phases.
	Phase engine.Phase
	// RawPhase is the server's value when Phase is PhaseUnknown.
	RawPhase   string
	Origin     Origin
	Connecting bool
	HasState   bool
	State      State

	MyStatus       engine.ParticipantStatus
	OpponentStatus engine.ParticipantStatus
	OpponentName   string

	Timer Timer
	Turn  TurnStart
}

type Option func(*Machine)

func WithLogger(l *zap.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.log = l
		}
	}
}

func WithMetrics(mm *metrics.Manager) Option {
	return func(m *Machine) { m.metrics = mm }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

type presence struct {
	connected bool
	typing    bool
	dropped   bool
	submitted bool
}

type timerBasis struct {
	remaining int
	at        time.Time
	token     uint64
}

type Machine struct {
	inbox   chan Msg
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zap.Logger
	metrics *metrics.Manager
	now     func() time.Time

	battleID int64
	invalid  bool

	live, rest Holder
	origin     Origin
	state      State
	shown      engine.Phase
	rawPhase   string
	revealed   bool

	liveUp      bool
	gaveUp      bool
	liveVersion int

	opp          presence
	timer        timerBasis
	refreshSeq   uint64
	localTurn    bool
	nameOverride string

	version int
	last    View
	clients map[string]chan View
}

// NewMachine starts the actor. A non-positive battleID yields a machine that
// only ever shows PhaseInvalid.
func NewMachine(parent context.Context, battleID int64, opts ...Option) *Machine {
	ctx, cancel := context.WithCancel(parent)
	m := &Machine{
		inbox:    make(chan Msg, 64),
		ctx:      ctx,
		cancel:   cancel,
		log:      zap.NewNop(),
		now:      time.Now,
		battleID: battleID,
		invalid:  battleID <= 0,
		clients:  make(map[string]chan View),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With(zap.Int64("battle_id", battleID), zap.String("component", "session"))
	go m.loop()
	return m
}

func (m *Machine) Inbox() chan<- Msg { return m.inbox }

// Send delivers msg unless the machine has stopped.
func (m *Machine) Send(msg Msg) {
	select {
	case m.inbox <- msg:
	case <-m.ctx.Done():
	}
}

// View returns the current view, or the zero View after shutdown.
func (m *Machine) View() View {
	reply := make(chan View, 1)
	select {
	case m.inbox <- GetView{Reply: reply}:
	case <-m.ctx.Done():
		return View{}
	}
	select {
	case v := <-reply:
		return v
	case <-m.ctx.Done():
		return View{}
	}
}

func (m *Machine) Done() <-chan struct{} { return m.ctx.Done() }

func (m *Machine) loop() {
	for {
		select {
		case <-m.ctx.Done():
			m.shutdown()
			return

		case msg := <-m.inbox:
			switch msg := msg.(type) {
			case Subscribe:
				m.clients[msg.ID] = msg.Outbox
				msg.Outbox <- m.view()

			case Unsubscribe:
				if ch, ok := m.clients[msg.ID]; ok {
					close(ch)
					delete(m.clients, msg.ID)
				}

			case GetView:
				msg.Reply <- m.view()

			case Shutdown:
				m.shutdown()
				return

			default:
				if m.invalid {
					break
				}
				if m.handle(msg) {
					m.broadcast()
				}
			}
		}
	}
}

// handle applies one input and reports whether the view may have changed.
func (m *Machine) handle(msg Msg) bool {
	switch msg := msg.(type) {
	case LiveMessage:
		return m.onLive(msg)

	case TransportUp:
		m.liveUp = true
		m.gaveUp = false
		return true

	case TransportDown:
		m.liveUp = false
		if m.live.Present && msg.Epoch == m.live.Epoch {
			m.live.Stale = true
			m.opp.typing = false
			m.settle(engine.SourceResync)
		}
		return true

	case TransportGaveUp:
		m.liveUp = false
		m.gaveUp = true
		m.live.Stale = m.live.Present
		m.settle(engine.SourceResync)
		return true

	case RESTSnapshot:
		if msg.State.BattleID != 0 && msg.State.BattleID != m.battleID {
			m.log.Warn("dropping snapshot for another battle", zap.Int64("got", msg.State.BattleID))
			return false
		}
		m.rest = Holder{State: msg.State, Present: true, ReceivedAt: m.now()}
		if m.live.Present && !m.live.Stale {
			// Live already owns the view; keep the snapshot for a later gap.
			return false
		}
		m.settle(engine.SourceResync)
		return true

	case MarkLiveStale:
		if !m.live.Present || m.live.Stale {
			return false
		}
		m.live.Stale = true
		m.settle(engine.SourceResync)
		return true

	case Tick:
		v := m.view()
		return v.Phase != m.last.Phase || v.Timer.Remaining != m.last.Timer.Remaining

	case TurnStartConfirmed:
		m.localTurn = true
		if !msg.AlreadyStarted {
			m.resetTimer(msg.TimeRemaining)
		}
		return true

	case ChallengeRefreshed:
		if msg.Seq <= m.refreshSeq {
			m.log.Debug("dropping stale refresh response", zap.Uint64("seq", msg.Seq), zap.Uint64("applied", m.refreshSeq))
			return false
		}
		m.refreshSeq = msg.Seq
		m.state.Challenge = msg.Challenge
		m.state.ChallengeType = msg.ChallengeType
		for _, h := range []*Holder{&m.live, &m.rest} {
			if h.Present {
				h.State.Challenge = msg.Challenge
				h.State.ChallengeType = msg.ChallengeType
				h.State.TimeRemaining = msg.TimeRemaining
			}
		}
		m.resetTimer(msg.TimeRemaining)
		return true

	case SetOpponentName:
		m.nameOverride = msg.Name
		return true
	}
	return false
}

func (m *Machine) onLive(lm LiveMessage) bool {
	if lm.Epoch < m.live.Epoch {
		return false
	}
	src := engine.SourceEvent
	if lm.Epoch > m.live.Epoch {
		// first message of a new connection
		src = engine.SourceResync
		m.liveVersion = 0
	} else if lm.Msg.Version != 0 && lm.Msg.Version < m.liveVersion {
		m.log.Debug("dropping out of order message", zap.Int("version", lm.Msg.Version), zap.Int("seen", m.liveVersion))
		return false
	}
	if lm.Msg.Version > m.liveVersion {
		m.liveVersion = lm.Msg.Version
	}
	if m.live.Stale || !m.live.Present {
		src = engine.SourceResync
	}

	msg := lm.Msg
	switch msg.Type {
	case types.ServerState:
		if msg.Battle == nil {
			return false
		}
		m.acceptLive(lm.Epoch, FromBattleState(*msg.Battle), true)
		m.settle(engine.SourceResync)

	case types.ServerPhaseChanged:
		st := m.liveBase(msg.Battle)
		if msg.Phase != "" {
			st.Phase = engine.ParsePhase(msg.Phase)
			st.RawPhase = msg.Phase
		}
		bare := msg.Battle == nil && msg.TimeRemaining == nil
		if msg.TimeRemaining != nil {
			st.TimeRemaining = max(*msg.TimeRemaining, 0)
		} else if msg.Battle == nil {
			st.TimeRemaining = m.timer.remaining
		}
		prevShown, prevTimer := m.shown, m.timer
		m.acceptLive(lm.Epoch, st, msg.Battle != nil)
		m.settle(src)
		if bare {
			m.keepClock(prevShown, prevTimer)
		}

	case types.ServerMatchComplete:
		st := m.liveBase(msg.Battle)
		st.Phase = engine.PhaseComplete
		st.RawPhase = engine.PhaseComplete.String()
		if msg.WinnerID != nil {
			st.WinnerID = msg.WinnerID
		}
		m.acceptLive(lm.Epoch, st, msg.Battle != nil)
		m.settle(src)

	case types.ServerCountdownTick:
		if msg.TimeRemaining == nil {
			return false
		}
		left := max(*msg.TimeRemaining, 0)
		m.timer.remaining = left
		m.timer.at = m.now()
		if m.live.Present {
			m.live.State.TimeRemaining = left
			m.state.TimeRemaining = left
		}

	case types.ServerOpponentStatus:
		if msg.ParticipantID != 0 && msg.ParticipantID == m.state.Me.ID {
			return false
		}
		m.applyOpponentStatus(msg.Status)

	case types.ServerError:
		m.log.Info("server reported error", zap.String("code", msg.Code), zap.String("error", msg.Error))
		return false

	default:
		return false
	}
	return true
}

// liveBase is the state a message without a full snapshot builds on: the
// live state when it is current, otherwise whatever is on screen.
func (m *Machine) liveBase(bs *types.BattleState) State {
	switch {
	case bs != nil:
		return FromBattleState(*bs)
	case m.live.Present && !m.live.Stale:
		return m.live.State
	default:
		return m.state
	}
}

// acceptLive stores st as the live state. Presence is only rebuilt from a
// full snapshot; a bare phase change keeps what status notices reported.
func (m *Machine) acceptLive(epoch uint64, st State, full bool) {
	if st.BattleID == 0 {
		st.BattleID = m.battleID
	}
	m.live = Holder{State: st, Present: true, Epoch: epoch, ReceivedAt: m.now()}
	if !full {
		m.opp.submitted = m.opp.submitted || st.OpponentSubmission != nil
		return
	}
	m.opp = presence{
		connected: st.Opponent.Connected,
		typing:    st.Opponent.Typing,
		dropped:   st.Opponent.Dropped && !st.Opponent.Connected,
		submitted: st.OpponentSubmission != nil,
	}
}

// keepClock restores the timer after a phase message that carried no time.
// Within the same phase the old basis still holds; a new phase without a
// value leaves the clock stopped until a tick or resend supplies one.
func (m *Machine) keepClock(prevShown engine.Phase, prev timerBasis) {
	if m.shown == prevShown {
		m.timer = prev
	} else {
		m.timer.at = time.Time{}
	}
	m.state.TimeRemaining = m.timer.remaining
}

func (m *Machine) applyOpponentStatus(status string) {
	switch engine.ParticipantStatus(status) {
	case engine.StatusTyping:
		m.opp.typing, m.opp.connected, m.opp.dropped = true, true, false
	case engine.StatusConnected:
		m.opp.typing, m.opp.connected, m.opp.dropped = false, true, false
	case engine.StatusIdle:
		m.opp.typing = false
	case engine.StatusDisconnected:
		m.opp.typing, m.opp.connected, m.opp.dropped = false, false, true
	case engine.StatusSubmitted:
		m.opp.typing, m.opp.submitted = false, true
	}
}

// settle re-merges the holders and runs the candidate phase through the
// transition rules. A rejected candidate leaves the rendered payload alone.
func (m *Machine) settle(src engine.Source) {
	cand, origin, ok := Merge(m.live, m.rest)
	if !ok {
		return
	}
	if origin != m.origin {
		src = engine.SourceResync
	}
	if !m.applyPhase(cand.Phase, cand.RawPhase, src) {
		return
	}
	m.origin = origin
	m.state = cand
	m.timer.remaining = cand.TimeRemaining
	m.timer.at = m.now()
	if origin == OriginREST {
		m.opp = presence{
			connected: cand.Opponent.Connected,
			dropped:   cand.Opponent.Dropped && !cand.Opponent.Connected,
			submitted: cand.OpponentSubmission != nil,
		}
	}
}

func (m *Machine) applyPhase(to engine.Phase, raw string, src engine.Source) bool {
	if m.revealed && (to == engine.PhaseGenerating || to == engine.PhaseJudging) {
		m.metrics.Transition("rejected")
		return false
	}
	d := engine.Transition(m.shown, to, src)
	switch {
	case d.Rejected:
		m.metrics.Transition("rejected")
		m.log.Debug("phase rejected", zap.Stringer("shown", m.shown), zap.String("to", raw))
		return false
	case d.Changed:
		m.metrics.Transition("changed")
		m.shown = d.Phase
		m.rawPhase = raw
		if d.Phase.Decided() {
			m.revealed = true
		}
	default:
		m.metrics.Transition("unchanged")
	}
	return true
}

func (m *Machine) resetTimer(remaining int) {
	m.timer = timerBasis{remaining: max(remaining, 0), at: m.now(), token: m.timer.token + 1}
	m.state.TimeRemaining = m.timer.remaining
}

func (m *Machine) turnStart() TurnStart {
	switch {
	case m.state.TurnStarted:
		return TurnConfirmed
	case m.localTurn:
		return TurnAwaitingConfirmation
	default:
		return TurnNotStarted
	}
}

func (m *Machine) clockRunning(turn TurnStart) bool {
	switch {
	case m.shown == engine.PhaseCountdown || m.shown == engine.PhaseActive:
		return true
	case m.shown.IsTurnPhase() || (m.shown == engine.PhaseWaiting && m.state.MatchSource == engine.SourceInvitation):
		return turn != TurnNotStarted && m.state.MySubmission == nil
	}
	return false
}

func (m *Machine) view() View {
	v := View{
		Version:    m.version,
		BattleID:   m.battleID,
		Phase:      m.shown,
		RawPhase:   m.rawPhase,
		Origin:     m.origin,
		Connecting: !m.liveUp && !m.gaveUp && !m.invalid,
		HasState:   m.origin != OriginNone,
		State:      m.state,
		Turn:       m.turnStart(),
	}
	if m.invalid {
		v.Phase = engine.PhaseInvalid
		v.Connecting = false
		return v
	}

	v.Timer = Timer{Basis: m.timer.remaining, Remaining: m.timer.remaining, ResetToken: m.timer.token}
	if m.clockRunning(v.Turn) && !m.timer.at.IsZero() {
		elapsed := int(m.now().Sub(m.timer.at) / time.Second)
		v.Timer.Running = true
		v.Timer.Remaining = max(m.timer.remaining-elapsed, 0)
	}
	v.State.TimeRemaining = v.Timer.Remaining

	v.MyStatus = engine.DeriveStatus(engine.Presence{
		Joined:    v.HasState,
		Connected: m.liveUp,
		Submitted: m.state.MySubmission != nil,
	})
	v.OpponentStatus = engine.DeriveStatus(engine.Presence{
		Joined:    m.state.Opponent.ID != 0,
		Connected: m.opp.connected,
		Typing:    m.opp.typing,
		Dropped:   m.opp.dropped,
		Submitted: m.opp.submitted || m.state.OpponentSubmission != nil,
	})
	v.OpponentName = m.state.Opponent.DisplayName
	if m.state.Opponent.ID == 0 && m.nameOverride != "" {
		v.OpponentName = m.nameOverride
	}

	switch {
	case m.shown == engine.PhaseComplete:
	case m.gaveUp && !m.rest.Present:
		v.Phase = engine.PhaseConnectionLost
	case v.Timer.Running && v.Timer.Remaining == 0 && m.shown != engine.PhaseCountdown && m.state.MySubmission == nil:
		// tentative; the next server phase replaces it
		v.Phase = engine.PhaseExpired
	}
	return v
}

func (m *Machine) broadcast() {
	m.version++
	v := m.view()
	m.last = v
	for id, ch := range m.clients {
		select {
		case ch <- v:
		default:
			// slow subscriber
			close(ch)
			delete(m.clients, id)
		}
	}
}

func (m *Machine) shutdown() {
	for id, ch := range m.clients {
		close(ch)
		delete(m.clients, id)
	}
	m.cancel()
}
