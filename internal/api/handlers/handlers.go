package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/buildhive/engine/internal/api/middleware"
	"github.com/buildhive/engine/internal/api/types"
	"github.com/buildhive/engine/internal/models"
	"github.com/buildhive/engine/internal/repository"
	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, types.StatusFromError(err), types.APIResponse{Success: false, Error: types.FromAppError(err)})
}

func writeErrorStr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.APIResponse{Success: false, Error: &types.APIError{Code: "invalid", Message: msg}})
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := validate.Struct(dest); err != nil {
		writeErrorStr(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// authedUserID extracts the authenticated user's id set by the auth middleware.
func authedUserID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(middleware.GetUserID(r.Context()))
	if err != nil {
		writeErrorStr(w, http.StatusUnauthorized, "missing user identity")
		return uuid.Nil, false
	}
	return id, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

// loadOwnedProject fetches the project in the path and enforces ownership.
// A project owned by someone else reads as not found, never forbidden.
func loadOwnedProject(w http.ResponseWriter, r *http.Request, projects repository.ProjectRepository) (*models.Project, bool) {
	userID, ok := authedUserID(w, r)
	if !ok {
		return nil, false
	}
	projectID, ok := pathUUID(w, r, "id")
	if !ok {
		return nil, false
	}
	var project models.Project
	if err := projects.GetByID(r.Context(), projectID, &project); err != nil {
		writeError(w, err)
		return nil, false
	}
	if project.UserID != userID {
		writeError(w, appErr.New(appErr.CodeNotFound, "project not found"))
		return nil, false
	}
	return &project, true
}
