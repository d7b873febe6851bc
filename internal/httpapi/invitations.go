package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/auth"
	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/store"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

const maxBattleDuration = 10 * time.Minute

func (a *api) createInvitation(w http.ResponseWriter, r *http.Request) {
	var req types.CreateInvitationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "invalid request body")
		return
	}
	dur := a.d.BattleDuration
	if req.Duration > 0 {
		dur = time.Duration(req.Duration) * time.Second
	}
	if dur > maxBattleDuration {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "duration too long")
		return
	}

	id, _ := auth.IdentityFrom(r.Context())
	acct, ok := a.account(w, r, id.AccountID)
	if !ok {
		return
	}

	now := a.d.Now().UTC()
	token := uuid.NewString()
	b := engine.NewBattle(0, engine.SourceInvitation, participant(acct), a.d.Catalog.Pick(), int(dur/time.Second), now)
	b.InviteToken = token
	b, err := a.d.Hub.CreateBattle(r.Context(), b)
	if err != nil {
		a.log.Error("create invitation battle", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	inv := store.Invitation{
		Token:     token,
		BattleID:  b.ID,
		SenderID:  acct.ID,
		Status:    store.InvitationPending,
		ExpiresAt: now.Add(a.d.InvitationTTL),
		CreatedAt: now,
	}
	if err := a.d.Store.CreateInvitation(r.Context(), inv); err != nil {
		a.log.Error("create invitation", zap.Int64("battle_id", b.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	a.log.Info("invitation created", zap.Int64("battle_id", b.ID), zap.Int64("sender_id", acct.ID))
	writeJSON(w, http.StatusCreated, types.CreateInvitationResponse{
		BattleID:  b.ID,
		Token:     token,
		InviteURL: InviteURL(a.d.PublicBaseURL, token),
		ExpiresAt: inv.ExpiresAt,
	})
}

// lookupInvitation writes the matching error and reports false for unknown,
// expired and cancelled tokens.
func (a *api) lookupInvitation(w http.ResponseWriter, r *http.Request) (store.Invitation, bool) {
	inv, err := a.d.Store.Invitation(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, types.CodeInvitationUnknown, "invitation not found")
			return store.Invitation{}, false
		}
		a.log.Error("load invitation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return store.Invitation{}, false
	}
	switch inv.EffectiveStatus(a.d.Now()) {
	case store.InvitationExpired:
		writeError(w, http.StatusGone, types.CodeInvitationExpired, "invitation expired")
		return store.Invitation{}, false
	case store.InvitationCancelled:
		writeError(w, http.StatusGone, types.CodeInvitationCancelled, "invitation cancelled")
		return store.Invitation{}, false
	}
	return inv, true
}

func (a *api) invitation(w http.ResponseWriter, r *http.Request) {
	inv, ok := a.lookupInvitation(w, r)
	if !ok {
		return
	}
	sender, err := a.d.Store.Account(r.Context(), inv.SenderID)
	if err != nil {
		a.storeError(w, "load sender", err)
		return
	}
	b, _, err := a.loadBattle(r.Context(), inv.BattleID, 0)
	if err != nil {
		a.storeError(w, "load battle", err)
		return
	}
	writeJSON(w, http.StatusOK, types.Invitation{
		Token:  inv.Token,
		Sender: accountDTO(sender),
		Battle: types.BattleSummary{
			ID:            b.ID,
			Challenge:     b.Challenge.Text,
			ChallengeType: types.ChallengeType{Key: b.Challenge.Type.Key, Name: b.Challenge.Type.Name},
			Duration:      b.DurationSec,
			Phase:         b.Phase.String(),
		},
		ExpiresAt: inv.ExpiresAt,
		Cancelled: inv.Status == store.InvitationCancelled,
	})
}

// acceptInvitation seats the caller as the opponent. Anonymous callers get a
// guest account and token.
func (a *api) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	inv, ok := a.lookupInvitation(w, r)
	if !ok {
		return
	}
	if inv.Status == store.InvitationAccepted {
		writeJSON(w, http.StatusOK, types.AcceptInvitationResponse{BattleID: inv.BattleID, AlreadyAccepted: true})
		return
	}

	var (
		acct  store.Account
		token string
	)
	if id, signedIn := auth.IdentityFrom(r.Context()); signedIn {
		if id.AccountID == inv.SenderID {
			writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "cannot accept your own invitation")
			return
		}
		if acct, ok = a.account(w, r, id.AccountID); !ok {
			return
		}
	} else {
		var err error
		acct, err = a.d.Store.CreateAccount(r.Context(), store.Account{
			DisplayName: "Guest " + uuid.NewString()[:4],
			IsGuest:     true,
			CreatedAt:   a.d.Now().UTC(),
		})
		if err != nil {
			a.log.Error("create guest", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "", "internal error")
			return
		}
		if token, err = a.d.Issuer.Issue(acct.ID, true); err != nil {
			a.log.Error("issue guest token", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "", "internal error")
			return
		}
	}

	rm, err := a.d.Hub.EnsureRoom(r.Context(), inv.BattleID)
	if err != nil {
		a.storeError(w, "open room", err)
		return
	}
	if err := rm.Seat(r.Context(), participant(acct)); err != nil {
		if errors.Is(err, engine.ErrSeatTaken) {
			writeJSON(w, http.StatusOK, types.AcceptInvitationResponse{BattleID: inv.BattleID, AlreadyAccepted: true})
			return
		}
		a.commandError(w, "seat opponent", err)
		return
	}

	inv.Status = store.InvitationAccepted
	inv.AcceptedBy = acct.ID
	if err := a.d.Store.UpdateInvitation(r.Context(), inv); err != nil {
		a.log.Error("mark invitation accepted", zap.Int64("battle_id", inv.BattleID), zap.Error(err))
	}
	a.log.Info("invitation accepted", zap.Int64("battle_id", inv.BattleID), zap.Int64("account_id", acct.ID), zap.Bool("guest", acct.IsGuest))

	dto := accountDTO(acct)
	writeJSON(w, http.StatusOK, types.AcceptInvitationResponse{BattleID: inv.BattleID, Account: &dto, Token: token})
}

func (a *api) cancelInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := a.d.Store.Invitation(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, types.CodeInvitationUnknown, "invitation not found")
			return
		}
		a.log.Error("load invitation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	if id.AccountID != inv.SenderID {
		writeError(w, http.StatusForbidden, types.CodeAccessDenied, "not your invitation")
		return
	}
	switch inv.Status {
	case store.InvitationCancelled:
		w.WriteHeader(http.StatusNoContent)
		return
	case store.InvitationAccepted:
		writeError(w, http.StatusConflict, types.CodeInvalidRequest, "invitation already accepted")
		return
	}
	inv.Status = store.InvitationCancelled
	if err := a.d.Store.UpdateInvitation(r.Context(), inv); err != nil {
		a.log.Error("cancel invitation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
