package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/prompt-battle/internal/auth"
	"github.com/DoyleJ11/prompt-battle/internal/challenge"
	"github.com/DoyleJ11/prompt-battle/internal/config"
	"github.com/DoyleJ11/prompt-battle/internal/httpapi"
	"github.com/DoyleJ11/prompt-battle/internal/hub"
	"github.com/DoyleJ11/prompt-battle/internal/jobs"
	"github.com/DoyleJ11/prompt-battle/internal/judge"
	"github.com/DoyleJ11/prompt-battle/internal/logging"
	"github.com/DoyleJ11/prompt-battle/internal/metrics"
	"github.com/DoyleJ11/prompt-battle/internal/room"
	"github.com/DoyleJ11/prompt-battle/internal/store"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() (err error) {
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
	sc := cfg.Server

	st, err := openStore(sc.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	iss, err := auth.NewIssuer(sc.JWTSecret, sc.SessionTTL, nil)
	if err != nil {
		return err
	}
	m := metrics.New()
	catalog := challenge.NewCatalog(sc.CatalogSeed)

	h := hub.NewHub(ctx, hub.Options{
		Store:    st,
		Catalog:  catalog,
		Logger:   log,
		Metrics:  m,
		Duration: sc.BattleDuration,
		Room: room.Options{
			Judge:      judge.Stub{OutputBase: sc.PublicBaseURL + "/outputs", Delay: sc.JudgeLatency},
			Countdown:  sc.Countdown,
			RevealHold: sc.RevealHold,
			AIDelay:    sc.AIDelay,
			InviteURL:  func(token string) string { return httpapi.InviteURL(sc.PublicBaseURL, token) },
		},
	})

	maint, err := jobs.New(jobs.Options{
		Store:           st,
		Queue:           h,
		Interval:        sc.MaintenanceInterval,
		QueueStaleAfter: sc.QueueStaleAfter,
		Logger:          log,
	})
	if err != nil {
		return err
	}
	if err := maint.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: sc.Addr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Hub:            h,
			Store:          st,
			Issuer:         iss,
			Catalog:        catalog,
			Logger:         log,
			Metrics:        m,
			PublicBaseURL:  sc.PublicBaseURL,
			BattleDuration: sc.BattleDuration,
			InvitationTTL:  sc.InvitationTTL,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", sc.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		errs := srv.Shutdown(sctx)
		errs = multierr.Append(errs, maint.Shutdown())
		h.Send(hub.ShutdownHub{})
		select {
		case <-h.Done():
		case <-sctx.Done():
			log.Warn("hub did not stop in time")
		}
		return errs
	})
	return g.Wait()
}

func openStore(dsn string, log *zap.Logger) (store.Store, error) {
	if dsn == "" {
		log.Info("using in-memory store")
		return store.NewMemoryStore(), nil
	}
	st, err := store.OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	log.Info("using postgres store")
	return st, nil
}
