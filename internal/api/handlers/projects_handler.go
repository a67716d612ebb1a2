package handlers

import (
	"net/http"
	"strconv"

	"github.com/buildhive/engine/internal/api/types"
	"github.com/buildhive/engine/internal/models"
	"github.com/buildhive/engine/internal/repository"
	"github.com/buildhive/engine/internal/services"
)

type ProjectsHandler struct {
	creation services.CreationService
	projects repository.ProjectRepository
	builds   repository.BuildRepository
}

func NewProjectsHandler(creation services.CreationService, projects repository.ProjectRepository, builds repository.BuildRepository) *ProjectsHandler {
	return &ProjectsHandler{creation: creation, projects: projects, builds: builds}
}

// Create resolves a creation request to its canonical project and build.
// A request that matched an in-flight duplicate returns 200 with the
// winner's identifiers; a fresh creation returns 201. Both shapes carry
// the same identifier triple.
func (h *ProjectsHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUserID(w, r)
	if !ok {
		return
	}
	var req types.ProjectCreateRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.creation.CreateOrGetProject(r.Context(), userID, &services.CreateProjectInput{
		Framework: models.Framework(req.Framework),
		Prompt:    req.Prompt,
		Name:      req.Name,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, types.APIResponse{Success: true, Data: map[string]any{
		"project":              result.Project,
		"build":                result.Build,
		"version_candidate_id": result.VersionCandidateID,
		"reused":               result.Reused,
	}})
}

func (h *ProjectsHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := authedUserID(w, r)
	if !ok {
		return
	}
	items, err := h.projects.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	start := (page - 1) * size
	end := start + size
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	writeJSON(w, http.StatusOK, types.APIResponse{
		Success: true,
		Data:    items[start:end],
		Meta:    &types.Meta{Page: page, PageSize: size, Total: int64(len(items))},
	})
}

func (h *ProjectsHandler) Get(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: project})
}

func (h *ProjectsHandler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	builds, err := h.builds.ListByProject(r.Context(), project.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: builds})
}

// LatestBuild returns the most recently started build, whatever its state.
func (h *ProjectsHandler) LatestBuild(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	var build models.Build
	if err := h.builds.GetLatestByProject(r.Context(), project.ID, &build); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: build})
}

func (h *ProjectsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	project, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	if err := h.projects.Delete(r.Context(), project.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true})
}

func (h *ProjectsHandler) loadOwned(w http.ResponseWriter, r *http.Request) (*models.Project, bool) {
	return loadOwnedProject(w, r, h.projects)
}
