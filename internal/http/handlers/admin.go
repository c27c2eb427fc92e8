package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"visionbatch/internal/domain"
)

func (a *App) AdminListBatches(w http.ResponseWriter, r *http.Request) {
	var (
		batches []*domain.Batch
		err     error
	)
	if owner := strings.TrimSpace(r.URL.Query().Get("user_id")); owner != "" {
		batches, err = a.Batches.ListByUser(r.Context(), owner)
	} else {
		batches, err = a.Batches.List(r.Context())
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, paginate(batches, r))
}

func (a *App) AdminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.Users.ListUsers(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]userDTO, 0, len(users))
	for _, u := range users {
		out = append(out, toUserDTO(&u))
	}
	a.json(w, http.StatusOK, map[string]any{"users": out})
}

type setCreditsRequest struct {
	Credits *int `json:"credits" validate:"required,gte=0"`
}

func (a *App) AdminSetCredits(w http.ResponseWriter, r *http.Request) {
	var req setCreditsRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	userID := chi.URLParam(r, "user_id")
	u, err := a.Users.SetCredits(r.Context(), userID, *req.Credits)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.Logger.Info().
		Str("admin_id", a.currentUserID(r)).
		Str("user_id", u.ID).
		Int("credits", u.Credits).
		Msg("admin set credits")
	a.json(w, http.StatusOK, toUserDTO(u))
}

type setTokenRequest struct {
	Token string `json:"token" validate:"required,min=8,max=4096"`
}

// AdminSetLightX2VToken stores a new access token and hands it to the live
// client without a restart.
func (a *App) AdminSetLightX2VToken(w http.ResponseWriter, r *http.Request) {
	var req setTokenRequest
	if err := a.decodeJSON(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	token := strings.TrimSpace(req.Token)
	if err := a.Tokens.SetLightX2VToken(r.Context(), token, a.currentUserID(r)); err != nil {
		a.fail(w, r, err)
		return
	}
	if a.TokenSink != nil {
		a.TokenSink.UpdateToken(token)
	}
	a.Logger.Info().Str("admin_id", a.currentUserID(r)).Msg("lightx2v token rotated")
	w.WriteHeader(http.StatusNoContent)
}
