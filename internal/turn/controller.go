// Package turn drives the start-turn and refresh-challenge requests of one
// battle view and decides which screen the view shows.
package turn

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/session"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

// ErrBusy is returned while the same request is still in flight.
var ErrBusy = errors.New("request already in flight")

type API interface {
	StartTurn(ctx context.Context, id int64) (types.StartTurnResponse, error)
	RefreshChallenge(ctx context.Context, id int64) (types.RefreshChallengeResponse, error)
}

// Sink receives the confirmed results; *session.Machine satisfies it.
type Sink interface {
	Send(msg session.Msg)
}

// Resyncer asks the live channel for an authoritative resend.
type Resyncer interface {
	RequestState() error
}

type Controller struct {
	api      API
	battleID int64
	sink     Sink
	resync   Resyncer
	log      *zap.Logger

	starting   atomic.Bool
	refreshing atomic.Bool
	seq        atomic.Uint64
}

func NewController(api API, battleID int64, sink Sink, resync Resyncer, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		api:      api,
		battleID: battleID,
		sink:     sink,
		resync:   resync,
		log:      log.Named("turn").With(zap.Int64("battle_id", battleID), zap.String("component", "turn")),
	}
}

// Starting reports whether the start control should be disabled.
func (c *Controller) Starting() bool { return c.starting.Load() }

// Refreshing reports whether the refresh control should be disabled.
func (c *Controller) Refreshing() bool { return c.refreshing.Load() }

// StartTurn begins the viewer's turn. The local flag is set as soon as the
// server confirms, and the live channel is asked to resend so the state
// machine does not guess what changed.
func (c *Controller) StartTurn(ctx context.Context) (types.StartTurnResponse, error) {
	if !c.starting.CompareAndSwap(false, true) {
		return types.StartTurnResponse{}, ErrBusy
	}
	defer c.starting.Store(false)

	resp, err := c.api.StartTurn(ctx, c.battleID)
	if err != nil {
		c.log.Warn("start turn failed", zap.Error(err))
		return types.StartTurnResponse{}, err
	}
	c.sink.Send(session.TurnStartConfirmed{
		TimeRemaining:  resp.TimeRemaining,
		AlreadyStarted: resp.Status == types.TurnAlreadyStarted,
	})
	c.requestState()
	return resp, nil
}

// RefreshChallenge swaps the challenge and restarts the timer basis.
func (c *Controller) RefreshChallenge(ctx context.Context) (types.RefreshChallengeResponse, error) {
	if !c.refreshing.CompareAndSwap(false, true) {
		return types.RefreshChallengeResponse{}, ErrBusy
	}
	defer c.refreshing.Store(false)

	seq := c.seq.Add(1)
	resp, err := c.api.RefreshChallenge(ctx, c.battleID)
	if err != nil {
		c.log.Warn("refresh challenge failed", zap.Error(err))
		return types.RefreshChallengeResponse{}, err
	}
	c.sink.Send(session.ChallengeRefreshed{
		Seq:           seq,
		Challenge:     resp.Challenge,
		ChallengeType: resp.ChallengeType,
		TimeRemaining: resp.TimeRemaining,
	})
	c.requestState()
	return resp, nil
}

func (c *Controller) requestState() {
	if c.resync == nil {
		return
	}
	if err := c.resync.RequestState(); err != nil {
		// the reconnect path resyncs on its own
		c.log.Debug("request state skipped", zap.Error(err))
	}
}
