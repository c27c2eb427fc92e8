package handlers

import (
	"net/http"
	"time"

	"visionbatch/internal/domain"
)

type userDTO struct {
	ID        string          `json:"id"`
	Username  string          `json:"username"`
	Role      domain.UserRole `json:"role"`
	Credits   int             `json:"credits"`
	CreatedAt time.Time       `json:"created_at"`
}

func toUserDTO(u *domain.User) userDTO {
	return userDTO{ID: u.ID, Username: u.Username, Role: u.Role, Credits: u.Credits, CreatedAt: u.CreatedAt}
}

func (a *App) Me(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, r, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	u, err := a.Users.GetUser(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toUserDTO(u))
}
