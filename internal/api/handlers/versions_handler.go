package handlers

import (
	"net/http"

	"github.com/buildhive/engine/internal/api/types"
	"github.com/buildhive/engine/internal/models"
	"github.com/buildhive/engine/internal/repository"
	"github.com/buildhive/engine/internal/services"
	"github.com/google/uuid"
)

type VersionsHandler struct {
	lifecycle services.LifecycleService
	projects  repository.ProjectRepository
	versions  repository.VersionRepository
}

func NewVersionsHandler(lifecycle services.LifecycleService, projects repository.ProjectRepository, versions repository.VersionRepository) *VersionsHandler {
	return &VersionsHandler{lifecycle: lifecycle, projects: projects, versions: versions}
}

func (h *VersionsHandler) List(w http.ResponseWriter, r *http.Request) {
	project, ok := loadOwnedProject(w, r, h.projects)
	if !ok {
		return
	}
	items, err := h.versions.ListByProject(r.Context(), project.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items})
}

func (h *VersionsHandler) GetPublished(w http.ResponseWriter, r *http.Request) {
	project, ok := loadOwnedProject(w, r, h.projects)
	if !ok {
		return
	}
	var v models.Version
	if err := h.versions.GetPublished(r.Context(), project.ID, &v); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: v})
}

func (h *VersionsHandler) Publish(w http.ResponseWriter, r *http.Request) {
	project, ok := loadOwnedProject(w, r, h.projects)
	if !ok {
		return
	}
	versionID, ok := pathUUID(w, r, "versionID")
	if !ok {
		return
	}
	userID, ok := authedUserID(w, r)
	if !ok {
		return
	}

	v, err := h.lifecycle.Publish(r.Context(), project.ID, versionID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: v})
}

// Supersede replaces the live publication with the version in the path in
// one atomic step. With nothing currently live it behaves as a plain publish.
func (h *VersionsHandler) Supersede(w http.ResponseWriter, r *http.Request) {
	project, ok := loadOwnedProject(w, r, h.projects)
	if !ok {
		return
	}
	newVersionID, ok := pathUUID(w, r, "versionID")
	if !ok {
		return
	}
	userID, ok := authedUserID(w, r)
	if !ok {
		return
	}

	v, err := h.lifecycle.SupersedePublication(r.Context(), project.ID, newVersionID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: v})
}

func (h *VersionsHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	project, ok := loadOwnedProject(w, r, h.projects)
	if !ok {
		return
	}
	var req types.RollbackRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	targetID, _ := uuid.Parse(req.TargetVersionID)
	userID, ok := authedUserID(w, r)
	if !ok {
		return
	}

	v, err := h.lifecycle.Rollback(r.Context(), project.ID, targetID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: v})
}
