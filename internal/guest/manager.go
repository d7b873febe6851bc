// Package guest keeps an invited guest attached to their battle across the
// account-conversion redirect.
package guest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/failure"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

// ConvertedBanner is shown when a guest comes back with a permanent account.
const ConvertedBanner = "Your account is ready. Your battle and its results are saved."

// API is the REST surface the manager uses; *apiclient.Client satisfies it.
type API interface {
	Invitation(ctx context.Context, token string) (types.Invitation, error)
	AcceptInvitation(ctx context.Context, token string) (types.AcceptInvitationResponse, error)
	Me(ctx context.Context) (types.Account, error)
	ConvertGuest(ctx context.Context, req types.ConvertGuestRequest) (types.ConvertGuestResponse, error)
	SetToken(token string)
	Token() string
}

type Manager struct {
	api   API
	store Store
	log   *zap.Logger
}

func NewManager(api API, store Store, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{api: api, store: store, log: log.Named("guest").With(zap.String("component", "guest"))}
}

// Restore loads a persisted session token into the API client. It reports
// whether one was found.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	tok, ok, err := m.store.Get(ctx, KeySessionToken)
	if err != nil || !ok {
		return false, err
	}
	m.api.SetToken(tok)
	return true, nil
}

// Preview fetches an invitation so the landing page can show who sent it.
func (m *Manager) Preview(ctx context.Context, token string) (types.Invitation, error) {
	inv, err := m.api.Invitation(ctx, token)
	if err != nil {
		return types.Invitation{}, err
	}
	if inv.Cancelled {
		return types.Invitation{}, failure.New(failure.InvitationCancelled, "fetch invitation", nil)
	}
	return inv, nil
}

type Acceptance struct {
	BattleID        int64
	AlreadyAccepted bool
	Account         *types.Account
	// Guest is set when the accept created an ephemeral identity.
	Guest bool
}

// Accept accepts the invitation. An anonymous caller gets a guest identity
// transparently; the session token and the battle id are persisted so a later
// reload lands back in the same battle.
func (m *Manager) Accept(ctx context.Context, token string) (Acceptance, error) {
	resp, err := m.api.AcceptInvitation(ctx, token)
	if err != nil {
		m.log.Info("accept failed", zap.Stringer("kind", failure.KindOf(err)), zap.Error(err))
		return Acceptance{}, err
	}
	out := Acceptance{
		BattleID:        resp.BattleID,
		AlreadyAccepted: resp.AlreadyAccepted,
		Account:         resp.Account,
		Guest:           resp.Token != "",
	}
	if resp.Token != "" {
		if err := m.store.Set(ctx, KeySessionToken, resp.Token); err != nil {
			return out, fmt.Errorf("persist session: %w", err)
		}
	}
	if err := m.Remember(ctx, resp.BattleID); err != nil {
		return out, err
	}
	return out, nil
}

// Remember records the battle the guest is playing.
func (m *Manager) Remember(ctx context.Context, battleID int64) error {
	if err := m.store.Set(ctx, KeyActiveBattle, strconv.FormatInt(battleID, 10)); err != nil {
		return fmt.Errorf("persist battle: %w", err)
	}
	return nil
}

// ActiveBattle returns the remembered battle without clearing it.
func (m *Manager) ActiveBattle(ctx context.Context) (int64, bool, error) {
	v, ok, err := m.store.Get(ctx, KeyActiveBattle)
	if err != nil || !ok {
		return 0, false, err
	}
	return parseBattleID(v)
}

// Convert starts turning the guest into a permanent account and returns the
// redirect target.
func (m *Manager) Convert(ctx context.Context, email, provider string) (string, error) {
	resp, err := m.api.ConvertGuest(ctx, types.ConvertGuestRequest{Email: email, Provider: provider})
	if err != nil {
		m.log.Info("conversion failed", zap.String("reason", failure.ReasonOf(err)), zap.Error(err))
		return "", err
	}
	return resp.Redirect, nil
}

// Outcome is what the app shows after a reload.
type Outcome struct {
	BattleID  int64
	Converted bool
	Account   *types.Account
	Banner    string
	Failure   *failure.Message
}

// Resume inspects the query of the page the app reloaded on. After a
// successful conversion it refreshes the identity, consumes the remembered
// battle and returns the success banner. A conversion error keeps the
// pointer so the guest can retry from the same battle.
func (m *Manager) Resume(ctx context.Context, q url.Values) (Outcome, error) {
	if reason := q.Get("conversion_error"); reason != "" {
		msg := failure.ConversionMessage(reason)
		id, _, err := m.ActiveBattle(ctx)
		return Outcome{BattleID: id, Failure: &msg}, err
	}
	if q.Get("converted") != "true" {
		id, _, err := m.ActiveBattle(ctx)
		return Outcome{BattleID: id}, err
	}

	acct, err := m.api.Me(ctx)
	if err != nil {
		msg := failure.Present(err)
		return Outcome{Failure: &msg}, err
	}
	v, ok, err := m.store.Consume(ctx, KeyActiveBattle)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Converted: true, Account: &acct, Banner: ConvertedBanner}
	if ok {
		out.BattleID, _, _ = parseBattleID(v)
	}
	if out.BattleID == 0 {
		// the redirect carries the battle too
		out.BattleID, _, _ = parseBattleID(q.Get("battle_id"))
	}
	m.log.Info("guest converted", zap.Int64("account_id", acct.ID), zap.Int64("battle_id", out.BattleID))
	return out, nil
}

func parseBattleID(v string) (int64, bool, error) {
	if v == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, false, fmt.Errorf("stored battle id %q: %w", v, failure.New(failure.Unexpected, "parse battle id", err))
	}
	return id, true, nil
}
