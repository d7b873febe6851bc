package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/auth"
	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/store"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

const maxDisplayName = 40

var conversionProviders = map[string]bool{"email": true, "google": true, "github": true}

func accountDTO(a store.Account) types.Account {
	return types.Account{ID: a.ID, DisplayName: a.DisplayName, AvatarURL: a.AvatarURL, Email: a.Email, IsGuest: a.IsGuest}
}

func participant(a store.Account) engine.Participant {
	return engine.Participant{ID: a.ID, DisplayName: a.DisplayName, AvatarURL: a.AvatarURL, IsGuest: a.IsGuest}
}

// account loads the caller. A token for a deleted account is unauthorized.
func (a *api) account(w http.ResponseWriter, r *http.Request, id int64) (store.Account, bool) {
	acct, err := a.d.Store.Account(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, types.CodeUnauthorized, "unknown account")
			return store.Account{}, false
		}
		a.log.Error("load account", zap.Int64("account_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return store.Account{}, false
	}
	return acct, true
}

func (a *api) me(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())
	acct, ok := a.account(w, r, id.AccountID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, accountDTO(acct))
}

// session is the development sign-in: a display name buys a permanent account.
func (a *api) session(w http.ResponseWriter, r *http.Request) {
	var req types.SessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "invalid request body")
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayName {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "display name must be 1-40 characters")
		return
	}
	acct, err := a.d.Store.CreateAccount(r.Context(), store.Account{DisplayName: name, CreatedAt: a.d.Now().UTC()})
	if err != nil {
		a.log.Error("create account", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	tok, err := a.d.Issuer.Issue(acct.ID, false)
	if err != nil {
		a.log.Error("issue token", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "", "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, types.SessionResponse{Account: accountDTO(acct), Token: tok})
}

// convertGuest makes the caller's guest account permanent. The account keeps
// its id so its battles stay attached.
func (a *api) convertGuest(w http.ResponseWriter, r *http.Request) {
	var req types.ConvertGuestRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "invalid request body")
		return
	}
	id, _ := auth.IdentityFrom(r.Context())
	acct, ok := a.account(w, r, id.AccountID)
	if !ok {
		return
	}
	if !acct.IsGuest {
		writeError(w, http.StatusConflict, types.CodeNotGuest, "account is already permanent")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, http.StatusBadRequest, types.CodeMissingEmail, "an email address is required")
		return
	}
	provider := req.Provider
	if provider == "" {
		provider = "email"
	}
	if !conversionProviders[provider] {
		writeError(w, http.StatusBadRequest, types.CodeProviderFailed, "unsupported provider")
		return
	}

	acct.Email = email
	acct.IsGuest = false
	if err := a.d.Store.UpdateAccount(r.Context(), acct); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			writeError(w, http.StatusConflict, types.CodeEmailAlreadyRegistered, "email already registered")
			return
		}
		a.log.Error("convert guest", zap.Int64("account_id", acct.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, types.CodeConversionFailed, "conversion failed")
		return
	}
	a.log.Info("guest converted", zap.Int64("account_id", acct.ID), zap.String("provider", provider))

	redirect := "/?converted=true"
	if b, err := a.d.Store.LatestBattleFor(r.Context(), acct.ID); err == nil {
		q := url.Values{"converted": {"true"}, "battle_id": {strconv.FormatInt(b.ID, 10)}}
		redirect = "/battles/" + strconv.FormatInt(b.ID, 10) + "?" + q.Encode()
	}
	writeJSON(w, http.StatusOK, types.ConvertGuestResponse{Redirect: redirect, Account: accountDTO(acct)})
}
