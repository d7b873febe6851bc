package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/prompt-battle/internal/auth"
	"github.com/DoyleJ11/prompt-battle/internal/engine"
	"github.com/DoyleJ11/prompt-battle/internal/room"
	"github.com/DoyleJ11/prompt-battle/internal/store"
	"github.com/DoyleJ11/prompt-battle/pkg/types"
)

func battleID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// loadBattle prefers the running room, which also knows who is connected.
func (a *api) loadBattle(ctx context.Context, id, viewerID int64) (engine.Battle, *types.BattleState, error) {
	if rm := a.d.Hub.Room(ctx, id); rm != nil {
		v, err := rm.State(ctx, viewerID)
		if err == nil {
			return v.Battle, &v.State, nil
		}
	}
	b, err := a.d.Store.Battle(ctx, id)
	return b, nil, err
}

func (a *api) publicBattle(w http.ResponseWriter, r *http.Request) {
	id, ok := battleID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "invalid battle id")
		return
	}
	b, _, err := a.loadBattle(r.Context(), id, 0)
	if err != nil {
		a.storeError(w, "load battle", err)
		return
	}
	status := publicStatus(b.Phase)
	if status == types.PublicStatusInProgress {
		writeError(w, http.StatusForbidden, types.CodeAccessDenied, "battle in progress")
		return
	}
	writeJSON(w, http.StatusOK, publicView(b, status))
}

func (a *api) battle(w http.ResponseWriter, r *http.Request) {
	id, ok := battleID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "invalid battle id")
		return
	}
	viewer, _ := auth.IdentityFrom(r.Context())
	b, live, err := a.loadBattle(r.Context(), id, viewer.AccountID)
	if err != nil {
		a.storeError(w, "load battle", err)
		return
	}
	if live != nil {
		writeJSON(w, http.StatusOK, live)
		return
	}
	writeJSON(w, http.StatusOK, room.Project(b, viewer.AccountID, a.d.Now(), nil, a.inviteURL(b)))
}

func (a *api) startTurn(w http.ResponseWriter, r *http.Request) {
	id, ok := battleID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "invalid battle id")
		return
	}
	viewer, _ := auth.IdentityFrom(r.Context())
	rm, err := a.d.Hub.EnsureRoom(r.Context(), id)
	if err != nil {
		a.storeError(w, "open room", err)
		return
	}
	resp, err := rm.StartTurn(r.Context(), viewer.AccountID)
	if err != nil {
		a.commandError(w, "start turn", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) refreshChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := battleID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, types.CodeInvalidRequest, "invalid battle id")
		return
	}
	viewer, _ := auth.IdentityFrom(r.Context())
	rm, err := a.d.Hub.EnsureRoom(r.Context(), id)
	if err != nil {
		a.storeError(w, "open room", err)
		return
	}
	resp, err := rm.RefreshChallenge(r.Context(), viewer.AccountID)
	if err != nil {
		a.commandError(w, "refresh challenge", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) inviteURL(b engine.Battle) string {
	if b.InviteToken == "" {
		return ""
	}
	return InviteURL(a.d.PublicBaseURL, b.InviteToken)
}

func (a *api) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, types.CodeNotFound, "battle not found")
		return
	}
	a.log.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "", "internal error")
}

func (a *api) commandError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, engine.ErrNotParticipant):
		writeError(w, http.StatusForbidden, types.CodeAccessDenied, err.Error())
	case errors.Is(err, engine.ErrNotYourTurn),
		errors.Is(err, engine.ErrAlreadySubmitted),
		errors.Is(err, engine.ErrWrongPhase),
		errors.Is(err, engine.ErrRefreshNotAllowed),
		errors.Is(err, engine.ErrTurnExpired),
		errors.Is(err, engine.ErrBattleCompleted):
		writeError(w, http.StatusConflict, room.ErrorCode(err), err.Error())
	case errors.Is(err, room.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "", "battle unavailable, try again")
	default:
		a.log.Error(op, zap.Error(err))
		writeError(w, http.StatusInternalServerError, "", "internal error")
	}
}

// publicStatus collapses phases into the public vocabulary. Anything still
// being played is in progress.
func publicStatus(p engine.Phase) string {
	switch p {
	case engine.PhaseWaiting:
		return types.PublicStatusWaiting
	case engine.PhaseGenerating:
		return types.PublicStatusGenerating
	case engine.PhaseJudging:
		return types.PublicStatusJudging
	case engine.PhaseReveal, engine.PhaseComplete:
		return types.PublicStatusCompleted
	default:
		return types.PublicStatusInProgress
	}
}

func publicView(b engine.Battle, status string) types.PublicBattle {
	pb := types.PublicBattle{
		BattleID:        b.ID,
		Status:          status,
		PromptText:      b.Challenge.Text,
		Category:        types.PublicCategory{Slug: b.Challenge.Type.Key, Label: b.Challenge.Type.Name},
		DurationSeconds: b.DurationSec,
		Source:          string(b.Source),
		Challenger:      publicParticipant(b.Challenger),
		Opponent:        publicParticipant(b.Opponent),
	}
	if status == types.PublicStatusWaiting {
		return pb
	}
	decided := status == types.PublicStatusCompleted
	if decided && b.WinnerID != nil {
		w := *b.WinnerID
		pb.WinnerUserID = &w
	}
	if s, ok := b.Submissions[b.Challenger.ID]; ok {
		pb.ChallengerSubmission = publicSubmission(s, decided)
	}
	if s, ok := b.Submissions[b.Opponent.ID]; ok && b.Opponent.ID != 0 {
		pb.OpponentSubmission = publicSubmission(s, decided)
	}
	return pb
}

func publicParticipant(p engine.Participant) types.PublicParticipant {
	return types.PublicParticipant{UserID: p.ID, Username: p.DisplayName, AvatarURL: p.AvatarURL}
}

func publicSubmission(s engine.Submission, scored bool) *types.PublicSubmission {
	out := &types.PublicSubmission{Prompt: s.Prompt, ImageURL: s.OutputURL}
	if scored {
		out.TotalScore = s.Score
		out.Criteria = s.Criteria
		out.Feedback = s.Feedback
	}
	return out
}
