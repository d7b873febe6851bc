package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/auth"
	"github.com/DoyleJ11/prompt-battle/internal/challenge"
	"github.com/DoyleJ11/prompt-battle/internal/hub"
	"github.com/DoyleJ11/prompt-battle/internal/logging"
	"github.com/DoyleJ11/prompt-battle/internal/metrics"
	"github.com/DoyleJ11/prompt-battle/internal/store"
	"github.com/DoyleJ11/prompt-battle/internal/ws"
)

type Deps struct {
	Hub     *hub.Hub
	Store   store.Store
	Issuer  *auth.Issuer
	Catalog *challenge.Catalog
	Logger  *zap.Logger
	Metrics *metrics.Manager
	// MetricsHandler serves /metrics. Defaults to the default Prometheus registry.
	MetricsHandler http.Handler

	PublicBaseURL  string
	BattleDuration time.Duration
	InvitationTTL  time.Duration
	OriginPatterns []string
	Now            func() time.Time
}

// InviteURL is the link an invited opponent opens.
func InviteURL(base, token string) string {
	return strings.TrimRight(base, "/") + "/invite/" + url.PathEscape(token)
}

func SetupRoutes(d Deps) http.Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Catalog == nil {
		d.Catalog = challenge.NewCatalog(1)
	}
	if d.BattleDuration <= 0 {
		d.BattleDuration = 90 * time.Second
	}
	if d.InvitationTTL <= 0 {
		d.InvitationTTL = 72 * time.Hour
	}
	if d.MetricsHandler == nil {
		d.MetricsHandler = promhttp.Handler()
	}
	a := &api{d: d, log: logging.OrNop(d.Logger).Named("http")}
	wd := ws.Deps{Hub: d.Hub, Issuer: d.Issuer, Store: d.Store, Logger: d.Logger, Metrics: d.Metrics, OriginPatterns: d.OriginPatterns}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Handle("/metrics", d.MetricsHandler)
	r.Get("/ws/battles/{id}", ws.BattleHandler(wd))
	r.Get("/ws/matchmaking", ws.MatchmakingHandler(wd))

	r.Route("/api", func(r chi.Router) {
		r.Use(a.identify)

		r.Get("/battles/{id}/public", a.publicBattle)
		r.Get("/invitations/{token}", a.invitation)
		r.Post("/invitations/{token}/accept", a.acceptInvitation)
		r.Post("/session", a.session)

		r.Group(func(r chi.Router) {
			r.Use(requireIdentity)
			r.Get("/battles/{id}", a.battle)
			r.Post("/battles/{id}/start-turn", a.startTurn)
			r.Post("/battles/{id}/refresh-challenge", a.refreshChallenge)
			r.Post("/invitations", a.createInvitation)
			r.Delete("/invitations/{token}", a.cancelInvitation)
			r.Get("/me", a.me)
			r.Post("/guest/convert", a.convertGuest)
		})
	})
	return r
}
