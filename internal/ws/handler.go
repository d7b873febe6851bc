// Package ws serves the battle and matchmaking websocket channels.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/auth"
	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/hub"
	"github.com/DoyleJ11/prompt-battle/internal/logging"
	"github.com/DoyleJ11/prompt-battle/internal/metrics"
	"github.com/DoyleJ11/prompt-battle/internal/room"
	"github.com/DoyleJ11/prompt-battle/internal/store"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

const (
	writeTimeout = 3 * time.Second
	pingInterval = 30 * time.Second
	outboxSize   = 32
)

type Deps struct {
	Hub     *hub.Hub
	Issuer  *auth.Issuer
	Store   store.Store
	Logger  *zap.Logger
	Metrics *metrics.Manager
	// OriginPatterns loosens the same-origin check, e.g. for local dev.
	OriginPatterns []string
}

// BattleHandler serves /ws/battles/{id}. Signed-in callers see the battle from
// their side; anonymous callers watch.
func BattleHandler(d Deps) http.HandlerFunc {
	log := logging.OrNop(d.Logger).Named("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		battleID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || battleID <= 0 {
			http.Error(w, "invalid battle id", http.StatusBadRequest)
			return
		}
		var viewer int64
		if tok := auth.FromRequest(r); tok != "" {
			id, err := d.Issuer.Verify(tok)
			if err != nil {
				http.Error(w, "invalid session", http.StatusUnauthorized)
				return
			}
			viewer = id.AccountID
		}

		rm, err := d.Hub.EnsureRoom(r.Context(), battleID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "battle not found", http.StatusNotFound)
				return
			}
			log.Error("open room", zap.Int64("battle_id", battleID), zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: d.OriginPatterns})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		defer d.Metrics.ConnOpened("battle")()

		out := make(chan types.ServerMessage, outboxSize)
		clientID := uuid.NewString()
		if !rm.Send(room.Join{ClientID: clientID, ViewerID: viewer, Outbox: out}) {
			conn.Close(websocket.StatusTryAgainLater, "battle closed")
			return
		}
		defer rm.Send(room.Leave{ClientID: clientID})

		serve(r.Context(), conn, out, log.With(zap.Int64("battle_id", battleID), zap.String("client_id", clientID)), func(cm types.ClientMessage) bool {
			return rm.Send(room.FromClient{ClientID: clientID, Msg: cm})
		})
	}
}

// MatchmakingHandler serves /ws/matchmaking for signed-in callers.
func MatchmakingHandler(d Deps) http.HandlerFunc {
	log := logging.OrNop(d.Logger).Named("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := d.Issuer.Verify(auth.FromRequest(r))
		if err != nil {
			http.Error(w, "sign in to find a match", http.StatusUnauthorized)
			return
		}
		acct, err := d.Store.Account(r.Context(), id.AccountID)
		if err != nil {
			http.Error(w, "unknown account", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: d.OriginPatterns})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		defer d.Metrics.ConnOpened("matchmaking")()

		out := make(chan types.ServerMessage, outboxSize)
		clientID := uuid.NewString()
		participant := engine.Participant{ID: acct.ID, DisplayName: acct.DisplayName, AvatarURL: acct.AvatarURL, IsGuest: acct.IsGuest}
		if !d.Hub.Send(hub.Register{ClientID: clientID, Participant: participant, Outbox: out}) {
			conn.Close(websocket.StatusTryAgainLater, "shutting down")
			return
		}
		defer d.Hub.Send(hub.Unregister{ClientID: clientID})

		serve(r.Context(), conn, out, log.With(zap.Int64("account_id", acct.ID), zap.String("client_id", clientID)), func(cm types.ClientMessage) bool {
			return d.Hub.Send(hub.Matchmaking{ClientID: clientID, Msg: cm})
		})
	}
}

// serve pumps out to the socket on a writer goroutine and hands every decoded
// client message to deliver until the socket or the outbox closes.
func serve(ctx context.Context, conn *websocket.Conn, out <-chan types.ServerMessage, log *zap.Logger, deliver func(types.ClientMessage) bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Writer goroutine
	go func() {
		defer cancel()
		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-out:
				if !ok {
					// dropped as a slow client or the room shut down
					conn.Close(websocket.StatusGoingAway, "closed by server")
					return
				}
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(wctx, conn, msg)
				wcancel()
				if err != nil {
					log.Debug("write failed", zap.Error(err))
					return
				}
			case <-ping.C:
				pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Ping(pctx)
				pcancel()
				if err != nil {
					log.Debug("ping failed", zap.Error(err))
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		var cm types.ClientMessage
		err := wsjson.Read(ctx, conn, &cm)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					log.Debug("read failed", zap.Error(err))
				}
			}
			return
		}
		if cm.Type == "" {
			continue
		}
		if !deliver(cm) {
			return
		}
	}
}
