package battleview

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/prompt-battle/internal/apiclient"
	"github.com/DoyleJ11/prompt-battle/internal/config"
	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/failure"
	"github.com/DoyleJ11/prompt-battle/internal/transport"
	"github.com/DoyleJ11/prompt-battle/internal/turn"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

// silentServer accepts submits on the channel but never confirms them. Its
// REST view already knows the battle finished.
type silentServer struct {
	*httptest.Server
	conns     atomic.Int32
	submitted atomic.Bool
}

func activeBattle() *types.BattleState {
	return &types.BattleState{
		ID:            42,
		Phase:         "active",
		Challenge:     "A golden phoenix rising from a teacup",
		Duration:      90,
		TimeRemaining: 80,
		MatchSource:   string(engine.SourceRandom),
		ChallengerID:  10,
		Me:            types.ParticipantState{ID: 10, DisplayName: "ada", Connected: true},
		Opponent:      types.ParticipantState{ID: 11, DisplayName: "grace", Connected: true},
	}
}

func newSilentServer(t *testing.T) *silentServer {
	t.Helper()
	s := &silentServer{}
	r := chi.NewRouter()
	r.Get("/api/battles/{id}/public", func(w http.ResponseWriter, r *http.Request) {
		score := 8.5
		winner := int64(10)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.PublicBattle{
			BattleID:             42,
			Status:               types.PublicStatusCompleted,
			PromptText:           "A golden phoenix rising from a teacup",
			Source:               string(engine.SourceRandom),
			WinnerUserID:         &winner,
			Challenger:           types.PublicParticipant{UserID: 10, Username: "ada"},
			Opponent:             types.PublicParticipant{UserID: 11, Username: "grace"},
			ChallengerSubmission: &types.PublicSubmission{Prompt: "A golden phoenix...", TotalScore: &score},
		})
	})
	r.Get("/ws/battles/{id}", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		n := s.conns.Add(1)

		bs := activeBattle()
		if n > 1 && s.submitted.Load() {
			winner := int64(10)
			bs.Phase = "reveal"
			bs.WinnerID = &winner
			bs.MySubmission = &types.Submission{Prompt: "A golden phoenix..."}
		}
		_ = wsjson.Write(ctx, c, types.ServerMessage{Type: types.ServerState, Version: 1, Battle: bs})
		for {
			var m types.ClientMessage
			if err := wsjson.Read(ctx, c, &m); err != nil {
				return
			}
			if m.Type == types.ClientSubmitPrompt {
				s.submitted.Store(true)
			}
		}
	})
	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func openView(t *testing.T, baseURL string, battleID int64) *View {
	t.Helper()
	api, err := apiclient.New(baseURL, apiclient.WithToken("session-token"))
	require.NoError(t, err)
	cfg := config.New().Client
	cfg.SubmitConfirmTimeout = 100 * time.Millisecond
	v := Open(context.Background(), battleID, Deps{
		API:          api,
		Dialer:       transport.NewDialer(api, transport.Options{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}),
		Config:       cfg,
		ViewerID:     10,
		TickInterval: 50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestView_UnconfirmedSubmitFallsBackToREST(t *testing.T) {
	srv := newSilentServer(t)
	v := openView(t, srv.URL, 42)

	require.Eventually(t, func() bool { return v.Current().Phase == engine.PhaseActive }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, turn.ScreenPlay, v.Screen())

	require.NoError(t, v.Submit("A golden phoenix..."))

	require.Eventually(t, func() bool { return v.Current().Phase == engine.PhaseReveal }, 3*time.Second, 10*time.Millisecond)
	cur := v.Current()
	require.NotNil(t, cur.State.WinnerID)
	assert.Equal(t, int64(10), *cur.State.WinnerID)
	assert.Equal(t, turn.ScreenResults, v.Screen())

	// the reconnected channel agrees and keeps the reveal on screen
	require.Eventually(t, func() bool { return srv.conns.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, engine.PhaseReveal, v.Current().Phase)
}

func TestView_InvalidIDNeverDials(t *testing.T) {
	srv := newSilentServer(t)
	v := openView(t, srv.URL, 0)

	cur := v.Current()
	assert.Equal(t, engine.PhaseInvalid, cur.Phase)
	assert.False(t, cur.Connecting)
	assert.Equal(t, turn.ScreenInvalid, v.Screen())

	err := v.Submit("anything")
	assert.Equal(t, failure.SubmissionRejected, failure.KindOf(err))
	_, err = v.StartTurn(context.Background())
	assert.ErrorIs(t, err, ErrInvalidBattle)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), srv.conns.Load())
}

func TestView_SubscribersSeeUpdates(t *testing.T) {
	srv := newSilentServer(t)
	v := openView(t, srv.URL, 42)
	ch := v.Subscribe()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case view, ok := <-ch:
			require.True(t, ok)
			if view.Phase == engine.PhaseActive {
				assert.Equal(t, "grace", view.OpponentName)
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for the active view")
		}
	}
}
