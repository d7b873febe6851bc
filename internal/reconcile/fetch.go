package reconcile

import (
	"context"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/DoyleJ11/prompt-battle/internal/failure"
	"github.com/DoyleJ11/prompt-battle/internal/metrics"
	"github.com/DoyleJ11/prompt-battle/internal/session"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

// API is the subset of the REST client reconciliation uses.
type API interface {
	PublicBattle(ctx context.Context, id int64) (types.PublicBattle, error)
	Battle(ctx context.Context, id int64) (types.BattleState, error)
	Authenticated() bool
}

type Fetcher struct {
	api     API
	log     *zap.Logger
	metrics *metrics.Manager
	group   singleflight.Group
}

func NewFetcher(api API, log *zap.Logger, mm *metrics.Manager) *Fetcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fetcher{api: api, log: log.Named("reconcile"), metrics: mm}
}

// Fetch tries the public view first. An access-denied refusal means the
// battle is still live: an authenticated viewer falls back to the
// authenticated view, an anonymous one gets the refusal back so the caller
// can send them to sign in. Not-found is terminal. Concurrent calls for the
// same battle share one request.
func (f *Fetcher) Fetch(ctx context.Context, battleID, viewerID int64) (session.State, error) {
	key := strconv.FormatInt(battleID, 10) + ":" + strconv.FormatInt(viewerID, 10)
	v, err, _ := f.group.Do(key, func() (any, error) {
		return f.fetch(ctx, battleID, viewerID)
	})
	if err != nil {
		return session.State{}, err
	}
	return v.(session.State), nil
}

func (f *Fetcher) fetch(ctx context.Context, battleID, viewerID int64) (session.State, error) {
	log := f.log.With(zap.Int64("battle_id", battleID), zap.String("component", "reconcile"))

	pb, err := f.api.PublicBattle(ctx, battleID)
	if err == nil {
		f.metrics.RESTFetch("public")
		return NormalizePublic(pb, viewerID), nil
	}

	switch failure.KindOf(err) {
	case failure.NotFound:
		f.metrics.RESTFetch("not_found")
		return session.State{}, err
	case failure.AccessDeniedInProgress:
		if !f.api.Authenticated() {
			f.metrics.RESTFetch("denied")
			return session.State{}, err
		}
	default:
		f.metrics.RESTFetch("error")
		log.Warn("public fetch failed", zap.Error(err))
		return session.State{}, err
	}

	bs, err := f.api.Battle(ctx, battleID)
	if err != nil {
		if failure.KindOf(err) == failure.NotFound {
			f.metrics.RESTFetch("not_found")
		} else {
			f.metrics.RESTFetch("error")
			log.Warn("authenticated fetch failed", zap.Error(err))
		}
		return session.State{}, err
	}
	f.metrics.RESTFetch("auth")
	return NormalizeAuthenticated(bs), nil
}
