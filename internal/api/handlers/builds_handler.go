package handlers

import (
	"net/http"

	"github.com/buildhive/engine/internal/api/types"
	"github.com/buildhive/engine/internal/models"
	"github.com/buildhive/engine/internal/repository"
	"github.com/buildhive/engine/internal/services"
	appErr "github.com/buildhive/engine/pkg/errors"
)

type BuildsHandler struct {
	lifecycle services.LifecycleService
	builds    repository.BuildRepository
	versions  repository.VersionRepository
}

func NewBuildsHandler(lifecycle services.LifecycleService, builds repository.BuildRepository, versions repository.VersionRepository) *BuildsHandler {
	return &BuildsHandler{lifecycle: lifecycle, builds: builds, versions: versions}
}

func (h *BuildsHandler) Get(w http.ResponseWriter, r *http.Request) {
	build, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: build})
}

// Outcome records a completion signal for a build. The response is the
// same whether this call applied the transition or a previous identical
// one did; callers can retry freely.
func (h *BuildsHandler) Outcome(w http.ResponseWriter, r *http.Request) {
	build, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	var req types.BuildOutcomeRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	outcome := services.BuildOutcome(req.Outcome)
	var data *services.VersionData
	if outcome == services.OutcomeSuccess {
		if req.Version == nil {
			writeErrorStr(w, http.StatusBadRequest, "success outcome requires version data")
			return
		}
		data = &services.VersionData{
			Major:          req.Version.Major,
			Minor:          req.Version.Minor,
			Patch:          req.Version.Patch,
			Prerelease:     req.Version.Prerelease,
			ChangeType:     models.ChangeType(req.Version.ChangeType),
			Confidence:     req.Version.Confidence,
			AutoClassified: req.Version.AutoClassified,
		}
	}

	if err := h.lifecycle.RecordBuildOutcome(r.Context(), build.ID, outcome, data); err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{"build_id": build.ID, "outcome": req.Outcome}
	if outcome == services.OutcomeSuccess {
		var v models.Version
		if err := h.versions.GetByBuild(r.Context(), build.ID, &v); err == nil {
			resp["version"] = v
		}
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: resp})
}

func (h *BuildsHandler) loadOwned(w http.ResponseWriter, r *http.Request) (*models.Build, bool) {
	userID, ok := authedUserID(w, r)
	if !ok {
		return nil, false
	}
	buildID, ok := pathUUID(w, r, "id")
	if !ok {
		return nil, false
	}
	var build models.Build
	if err := h.builds.GetByID(r.Context(), buildID, &build); err != nil {
		writeError(w, err)
		return nil, false
	}
	if build.UserID != userID {
		writeError(w, appErr.New(appErr.CodeNotFound, "build not found"))
		return nil, false
	}
	return &build, true
}
