// Command client is a headless battle client. It signs in or accepts an
// invitation, optionally finds a match, then follows one battle to the end,
// logging every screen it would show and submitting -prompt when it may.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/apiclient"
	"github.com/DoyleJ11/prompt-battle/internal/battleview"
	"github.com/DoyleJ11/prompt-battle/internal/config"
	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/failure"
	"github.com/DoyleJ11/prompt-battle/internal/guest"
	"github.com/DoyleJ11/prompt-battle/internal/logging"
	"github.com/DoyleJ11/prompt-battle/internal/matchmaking"
	"github.com/DoyleJ11/prompt-battle/internal/metrics"
	"github.com/DoyleJ11/prompt-battle/internal/session"
	"github.com/DoyleJ11/prompt-battle/internal/transport"
	"github.com/DoyleJ11/prompt-battle/internal/turn"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

type flags struct {
	battleID int64
	match    string
	invite   string
	name     string
	prompt   string
}

func main() {
	var f flags
	flag.Int64Var(&f.battleID, "battle", 0, "battle id to open")
	flag.StringVar(&f.match, "match", "", "find a match first: ai or active_user")
	flag.StringVar(&f.invite, "invite", "", "invitation token to accept")
	flag.StringVar(&f.name, "name", "", "display name to sign in with when no session is stored")
	flag.StringVar(&f.prompt, "prompt", "", "prompt to submit once writing opens")
	flag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintln(os.Stderr, failure.Present(err).Text+":", err)
		os.Exit(1)
	}
}

func run(f flags) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	cc := cfg.Client

	kv, err := guest.OpenSQLite(cc.StoragePath)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, kv.Close()) }()

	api, err := apiclient.New(cc.BaseURL, apiclient.WithToken(cc.Token), apiclient.WithLogger(log))
	if err != nil {
		return err
	}
	guests := guest.NewManager(api, kv, log)
	if !api.Authenticated() {
		if _, err := guests.Restore(ctx); err != nil {
			return err
		}
	}
	if !api.Authenticated() && f.name != "" {
		resp, err := api.Session(ctx, f.name)
		if err != nil {
			return err
		}
		if err := kv.Set(ctx, guest.KeySessionToken, resp.Token); err != nil {
			return err
		}
	}

	battleID := f.battleID
	if f.invite != "" {
		inv, err := guests.Preview(ctx, f.invite)
		if err != nil {
			return err
		}
		log.Info("invitation", zap.String("from", inv.Sender.DisplayName), zap.String("challenge", inv.Battle.Challenge))
		acc, err := guests.Accept(ctx, f.invite)
		if err != nil {
			return err
		}
		battleID = acc.BattleID
	}

	var viewerID int64
	if api.Authenticated() {
		me, err := api.Me(ctx)
		if err != nil {
			return err
		}
		viewerID = me.ID
		log.Info("signed in", zap.Int64("account_id", me.ID), zap.String("name", me.DisplayName), zap.Bool("guest", me.IsGuest))
	}

	m := metrics.New()
	dialer := transport.NewDialer(api, transport.Options{
		InitialBackoff: cc.ReconnectInitial,
		MaxBackoff:     cc.ReconnectMax,
		MaxAttempts:    cc.ReconnectAttempts,
		Logger:         log,
		Metrics:        m,
	})

	if f.match != "" {
		if battleID, err = findMatch(ctx, dialer, types.MatchMode(f.match), cc, log); err != nil {
			return err
		}
	}
	if battleID <= 0 {
		return errors.New("nothing to open: pass -battle, -invite or -match")
	}
	if err := guests.Remember(ctx, battleID); err != nil {
		return err
	}

	view := battleview.Open(ctx, battleID, battleview.Deps{
		API:      api,
		Dialer:   dialer,
		Config:   cc,
		ViewerID: viewerID,
		Logger:   log,
		Metrics:  m,
		OnFailure: func(msg failure.Message) {
			log.Warn("battle unavailable", zap.String("message", msg.Text))
		},
	})
	defer func() { err = multierr.Append(err, view.Close()) }()

	return follow(ctx, view, f.prompt, log)
}

func findMatch(ctx context.Context, dialer *transport.Dialer, mode types.MatchMode, cc config.Client, log *zap.Logger) (int64, error) {
	found := make(chan int64, 1)
	failed := make(chan error, 1)
	mm := matchmaking.New(ctx, dialer.Matchmaking(), matchmaking.Callbacks{
		OnQueueStatus: func(st types.QueueStatus) {
			log.Info("queue", zap.String("state", string(st.State)), zap.Int("position", st.Position))
		},
		OnMatchFound: func(id int64) {
			select {
			case found <- id:
			default:
			}
		},
		OnFailure: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	}, matchmaking.Options{KeepaliveInterval: cc.KeepaliveInterval, SearchTimeout: cc.SearchTimeout, Logger: log})
	defer mm.Close()

	switch mode {
	case types.ModeAI:
		mm.MatchWithPip()
	case types.ModeActiveUser:
		mm.FindActiveUser()
	default:
		return 0, fmt.Errorf("unknown match mode %q", mode)
	}

	select {
	case id := <-found:
		log.Info("match found", zap.Int64("battle_id", id))
		return id, nil
	case err := <-failed:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// follow logs each new screen and plays the viewer's part until the battle
// completes.
func follow(ctx context.Context, view *battleview.View, prompt string, log *zap.Logger) error {
	updates := view.Subscribe()
	var (
		last      turn.Screen
		started   bool
		submitted bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case v, ok := <-updates:
			if !ok {
				return nil
			}
			screen := turn.ScreenFor(v)
			if screen != last {
				last = screen
				logScreen(log, screen, v)
			}
			switch screen {
			case turn.ScreenChallengeReady, turn.ScreenStartTurn:
				if !started && prompt != "" {
					started = true
					if _, err := view.StartTurn(ctx); err != nil {
						log.Warn("start turn", zap.String("message", failure.Present(err).Text), zap.Error(err))
					}
				}
			case turn.ScreenPlay:
				if !submitted && prompt != "" {
					if err := view.Submit(prompt); err != nil {
						log.Info("submit not ready", zap.Error(err))
						break
					}
					submitted = true
				}
			case turn.ScreenInvalid:
				return errors.New("invalid battle")
			}
			if v.Phase == engine.PhaseComplete {
				return nil
			}
		}
	}
}

func logScreen(log *zap.Logger, screen turn.Screen, v session.View) {
	fields := []zap.Field{
		zap.String("screen", screen.String()),
		zap.String("phase", v.Phase.String()),
		zap.String("origin", v.Origin.String()),
		zap.Int("time_remaining", v.Timer.Remaining),
	}
	if v.HasState {
		fields = append(fields, zap.String("challenge", v.State.Challenge), zap.String("opponent", v.OpponentName))
	}
	if v.Phase.Decided() {
		if w := v.State.WinnerID; w != nil {
			fields = append(fields, zap.Int64("winner_id", *w))
		} else {
			fields = append(fields, zap.Bool("tie", true))
		}
	}
	log.Info("battle", fields...)
}
