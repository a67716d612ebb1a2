package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/buildhive/engine/internal/api/middleware"
	"github.com/buildhive/engine/internal/api/types"
	"github.com/buildhive/engine/internal/models"
	"github.com/buildhive/engine/internal/services"
	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/buildhive/engine/pkg/logger"
)

func TestMain(m *testing.M) {
	_, err := logger.Init("info", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

// Mock implementations

type mockCreationService struct {
	mock.Mock
}

func (m *mockCreationService) CreateOrGetProject(ctx context.Context, userID uuid.UUID, input *services.CreateProjectInput) (*services.CreationResult, error) {
	args := m.Called(ctx, userID, input)
	if v := args.Get(0); v != nil {
		return v.(*services.CreationResult), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockLifecycleService struct {
	mock.Mock
}

func (m *mockLifecycleService) RecordBuildOutcome(ctx context.Context, buildID uuid.UUID, outcome services.BuildOutcome, data *services.VersionData) error {
	args := m.Called(ctx, buildID, outcome, data)
	return args.Error(0)
}

func (m *mockLifecycleService) Publish(ctx context.Context, projectID, versionID, actingUserID uuid.UUID) (*models.Version, error) {
	args := m.Called(ctx, projectID, versionID, actingUserID)
	if v := args.Get(0); v != nil {
		return v.(*models.Version), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLifecycleService) SupersedePublication(ctx context.Context, projectID, newVersionID, actingUserID uuid.UUID) (*models.Version, error) {
	args := m.Called(ctx, projectID, newVersionID, actingUserID)
	if v := args.Get(0); v != nil {
		return v.(*models.Version), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLifecycleService) Rollback(ctx context.Context, projectID, targetVersionID, actingUserID uuid.UUID) (*models.Version, error) {
	args := m.Called(ctx, projectID, targetVersionID, actingUserID)
	if v := args.Get(0); v != nil {
		return v.(*models.Version), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockProjectRepository struct {
	mock.Mock
}

func (m *mockProjectRepository) Create(ctx context.Context, obj *models.Project) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockProjectRepository) GetByID(ctx context.Context, id any, dest *models.Project) error {
	args := m.Called(ctx, id, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		src := args.Get(1).(*models.Project)
		*dest = *src
	}
	return args.Error(0)
}

func (m *mockProjectRepository) Update(ctx context.Context, obj *models.Project) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockProjectRepository) Delete(ctx context.Context, id any) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockProjectRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Project, error) {
	args := m.Called(ctx, userID)
	if v := args.Get(0); v != nil {
		return v.([]models.Project), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProjectRepository) FindRecentDuplicate(ctx context.Context, userID uuid.UUID, name string, framework models.Framework, window time.Duration, dest *models.Project) error {
	args := m.Called(ctx, userID, name, framework, window, dest)
	return args.Error(0)
}

func (m *mockProjectRepository) UpdateStatus(ctx context.Context, projectID uuid.UUID, status models.ProjectStatus) error {
	args := m.Called(ctx, projectID, status)
	return args.Error(0)
}

type mockBuildRepository struct {
	mock.Mock
}

func (m *mockBuildRepository) Create(ctx context.Context, obj *models.Build) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockBuildRepository) GetByID(ctx context.Context, id any, dest *models.Build) error {
	args := m.Called(ctx, id, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		src := args.Get(1).(*models.Build)
		*dest = *src
	}
	return args.Error(0)
}

func (m *mockBuildRepository) Update(ctx context.Context, obj *models.Build) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockBuildRepository) Delete(ctx context.Context, id any) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockBuildRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Build, error) {
	args := m.Called(ctx, projectID)
	if v := args.Get(0); v != nil {
		return v.([]models.Build), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBuildRepository) GetLatestByProject(ctx context.Context, projectID uuid.UUID, dest *models.Build) error {
	args := m.Called(ctx, projectID, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		src := args.Get(1).(*models.Build)
		*dest = *src
	}
	return args.Error(0)
}

type mockVersionRepository struct {
	mock.Mock
}

func (m *mockVersionRepository) Create(ctx context.Context, obj *models.Version) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockVersionRepository) GetByID(ctx context.Context, id any, dest *models.Version) error {
	args := m.Called(ctx, id, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		src := args.Get(1).(*models.Version)
		*dest = *src
	}
	return args.Error(0)
}

func (m *mockVersionRepository) Update(ctx context.Context, obj *models.Version) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockVersionRepository) Delete(ctx context.Context, id any) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockVersionRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Version, error) {
	args := m.Called(ctx, projectID)
	if v := args.Get(0); v != nil {
		return v.([]models.Version), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockVersionRepository) GetByBuild(ctx context.Context, buildID uuid.UUID, dest *models.Version) error {
	args := m.Called(ctx, buildID, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		src := args.Get(1).(*models.Version)
		*dest = *src
	}
	return args.Error(0)
}

func (m *mockVersionRepository) GetPublished(ctx context.Context, projectID uuid.UUID, dest *models.Version) error {
	args := m.Called(ctx, projectID, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		src := args.Get(1).(*models.Version)
		*dest = *src
	}
	return args.Error(0)
}

// Test helpers

func authedRequest(method, target string, body []byte, userID uuid.UUID) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	ctx := context.WithValue(req.Context(), middleware.UserIDKey, userID.String())
	return req.WithContext(ctx)
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) types.APIResponse {
	t.Helper()
	var resp types.APIResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp
}

func TestProjectsHandler_Create(t *testing.T) {
	userID := uuid.New()
	projectID := uuid.New()
	buildID := uuid.New()

	body, _ := json.Marshal(types.ProjectCreateRequest{
		Name:      "My Blog",
		Framework: "react",
		Prompt:    "build me a blog",
	})

	t.Run("fresh creation returns 201", func(t *testing.T) {
		creation := &mockCreationService{}
		result := &services.CreationResult{
			Project:            &models.Project{ID: projectID, UserID: userID, Name: "My Blog"},
			Build:              &models.Build{ID: buildID, ProjectID: projectID},
			VersionCandidateID: services.VersionCandidateID(buildID),
		}
		creation.On("CreateOrGetProject", mock.Anything, userID, mock.MatchedBy(func(in *services.CreateProjectInput) bool {
			return in.Prompt == "build me a blog" && in.Framework == models.FrameworkReact
		})).Return(result, nil).Once()

		h := NewProjectsHandler(creation, &mockProjectRepository{}, &mockBuildRepository{})
		rr := httptest.NewRecorder()
		h.Create(rr, authedRequest(http.MethodPost, "/api/v1/projects", body, userID))

		require.Equal(t, http.StatusCreated, rr.Code)
		resp := decodeResponse(t, rr)
		require.True(t, resp.Success)
		mock.AssertExpectationsForObjects(t, creation)
	})

	t.Run("deduplicated creation returns 200", func(t *testing.T) {
		creation := &mockCreationService{}
		result := &services.CreationResult{
			Project:            &models.Project{ID: projectID, UserID: userID, Name: "My Blog"},
			Build:              &models.Build{ID: buildID, ProjectID: projectID},
			VersionCandidateID: services.VersionCandidateID(buildID),
			Reused:             true,
		}
		creation.On("CreateOrGetProject", mock.Anything, userID, mock.Anything).Return(result, nil).Once()

		h := NewProjectsHandler(creation, &mockProjectRepository{}, &mockBuildRepository{})
		rr := httptest.NewRecorder()
		h.Create(rr, authedRequest(http.MethodPost, "/api/v1/projects", body, userID))

		require.Equal(t, http.StatusOK, rr.Code)
		mock.AssertExpectationsForObjects(t, creation)
	})

	t.Run("lock timeout maps to 503", func(t *testing.T) {
		creation := &mockCreationService{}
		creation.On("CreateOrGetProject", mock.Anything, userID, mock.Anything).
			Return(nil, appErr.New(appErr.CodeLockTimeout, "creation lock wait exceeded bound")).Once()

		h := NewProjectsHandler(creation, &mockProjectRepository{}, &mockBuildRepository{})
		rr := httptest.NewRecorder()
		h.Create(rr, authedRequest(http.MethodPost, "/api/v1/projects", body, userID))

		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		resp := decodeResponse(t, rr)
		require.Equal(t, "lock_timeout", resp.Error.Code)
	})

	t.Run("unsupported framework rejected", func(t *testing.T) {
		bad, _ := json.Marshal(types.ProjectCreateRequest{Framework: "angular", Prompt: "x"})
		h := NewProjectsHandler(&mockCreationService{}, &mockProjectRepository{}, &mockBuildRepository{})
		rr := httptest.NewRecorder()
		h.Create(rr, authedRequest(http.MethodPost, "/api/v1/projects", bad, userID))
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestBuildsHandler_Outcome(t *testing.T) {
	userID := uuid.New()
	projectID := uuid.New()
	buildID := uuid.New()
	build := &models.Build{ID: buildID, ProjectID: projectID, UserID: userID, Status: models.BuildStarted}

	outcomeBody := func(outcome string, v *types.VersionPayload) []byte {
		b, _ := json.Marshal(types.BuildOutcomeRequest{Outcome: outcome, Version: v})
		return b
	}

	t.Run("success outcome records version", func(t *testing.T) {
		lifecycle := &mockLifecycleService{}
		builds := &mockBuildRepository{}
		versions := &mockVersionRepository{}

		builds.On("GetByID", mock.Anything, buildID, &models.Build{}).
			Run(func(args mock.Arguments) {
				dest := args.Get(2).(*models.Build)
				*dest = *build
			}).Return(nil, build).Once()
		lifecycle.On("RecordBuildOutcome", mock.Anything, buildID, services.OutcomeSuccess,
			mock.MatchedBy(func(d *services.VersionData) bool {
				return d != nil && d.Major == 1 && d.Minor == 2 && d.Patch == 3
			})).Return(nil).Once()
		versions.On("GetByBuild", mock.Anything, buildID, &models.Version{}).
			Return(nil, &models.Version{ID: services.VersionCandidateID(buildID), BuildID: buildID, Major: 1, Minor: 2, Patch: 3}).Once()

		h := NewBuildsHandler(lifecycle, builds, versions)
		req := authedRequest(http.MethodPost, "/api/v1/builds/"+buildID.String()+"/outcome",
			outcomeBody("success", &types.VersionPayload{Major: 1, Minor: 2, Patch: 3, ChangeType: "minor", Confidence: 0.9}), userID)
		req = withURLParam(req, "id", buildID.String())

		rr := httptest.NewRecorder()
		h.Outcome(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		mock.AssertExpectationsForObjects(t, lifecycle, builds, versions)
	})

	t.Run("conflicting outcome maps to 409", func(t *testing.T) {
		lifecycle := &mockLifecycleService{}
		builds := &mockBuildRepository{}

		builds.On("GetByID", mock.Anything, buildID, &models.Build{}).
			Run(func(args mock.Arguments) {
				dest := args.Get(2).(*models.Build)
				*dest = *build
			}).Return(nil, build).Once()
		lifecycle.On("RecordBuildOutcome", mock.Anything, buildID, services.OutcomeFailure, (*services.VersionData)(nil)).
			Return(appErr.New(appErr.CodeConflict, "build already succeeded")).Once()

		h := NewBuildsHandler(lifecycle, builds, &mockVersionRepository{})
		req := authedRequest(http.MethodPost, "/api/v1/builds/"+buildID.String()+"/outcome",
			outcomeBody("failure", nil), userID)
		req = withURLParam(req, "id", buildID.String())

		rr := httptest.NewRecorder()
		h.Outcome(rr, req)

		require.Equal(t, http.StatusConflict, rr.Code)
		mock.AssertExpectationsForObjects(t, lifecycle, builds)
	})

	t.Run("someone else's build reads as not found", func(t *testing.T) {
		otherUser := uuid.New()
		builds := &mockBuildRepository{}
		builds.On("GetByID", mock.Anything, buildID, &models.Build{}).
			Run(func(args mock.Arguments) {
				dest := args.Get(2).(*models.Build)
				*dest = *build
			}).Return(nil, build).Once()

		h := NewBuildsHandler(&mockLifecycleService{}, builds, &mockVersionRepository{})
		req := authedRequest(http.MethodPost, "/api/v1/builds/"+buildID.String()+"/outcome",
			outcomeBody("failure", nil), otherUser)
		req = withURLParam(req, "id", buildID.String())

		rr := httptest.NewRecorder()
		h.Outcome(rr, req)

		require.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestVersionsHandler_Rollback(t *testing.T) {
	userID := uuid.New()
	projectID := uuid.New()
	targetID := uuid.New()
	project := &models.Project{ID: projectID, UserID: userID}

	t.Run("lineage cycle maps to 422", func(t *testing.T) {
		lifecycle := &mockLifecycleService{}
		projects := &mockProjectRepository{}

		projects.On("GetByID", mock.Anything, projectID, &models.Project{}).
			Run(func(args mock.Arguments) {
				dest := args.Get(2).(*models.Project)
				*dest = *project
			}).Return(nil, project).Once()
		lifecycle.On("Rollback", mock.Anything, projectID, targetID, userID).
			Return(nil, appErr.New(appErr.CodeLineageCycle, "rollback lineage forms a cycle")).Once()

		h := NewVersionsHandler(lifecycle, projects, &mockVersionRepository{})
		body, _ := json.Marshal(types.RollbackRequest{TargetVersionID: targetID.String()})
		req := authedRequest(http.MethodPost, "/api/v1/projects/"+projectID.String()+"/rollback", body, userID)
		req = withURLParam(req, "id", projectID.String())

		rr := httptest.NewRecorder()
		h.Rollback(rr, req)

		require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		resp := decodeResponse(t, rr)
		require.Equal(t, "lineage_cycle", resp.Error.Code)
		mock.AssertExpectationsForObjects(t, lifecycle, projects)
	})
}

func TestHealthLiveness(t *testing.T) {
	h := NewHealthHandler(nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.Liveness(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
