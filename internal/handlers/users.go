package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-maintenance/internal/db"
	"github.com/ukydev/fleet-maintenance/internal/middleware"
	"github.com/ukydev/fleet-maintenance/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// UserHandler serves account administration.
type UserHandler struct {
	users db.UserCollection
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(users db.UserCollection) *UserHandler {
	return &UserHandler{users: users}
}

// List handles GET /api/users?role=.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	role := models.Role(r.URL.Query().Get("role"))
	if role != "" && !models.IsValidRole(role) {
		http.Error(w, "Invalid role", http.StatusBadRequest)
		return
	}
	users, err := h.users.FindUsers(r.Context(), role)
	if err != nil {
		writeError(w, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// Delete handles DELETE /api/users/{id}. Admins cannot delete themselves.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := primitive.ObjectIDFromHex(id); err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}
	if claims, ok := middleware.GetUserFromContext(r.Context()); ok && claims.UserID == id {
		http.Error(w, "Cannot delete your own account", http.StatusBadRequest)
		return
	}

	user, err := h.users.FindUserByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.users.DeleteUser(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	log.WithFields(log.Fields{"user": user.Username, "by": username(r)}).Info("user deleted")
	w.WriteHeader(http.StatusNoContent)
}
