package services

import (
	"context"
	"fmt"
	"time"

	"github.com/buildhive/engine/internal/models"
	"github.com/buildhive/engine/internal/repository"
	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/buildhive/engine/pkg/hashutil"
	"github.com/buildhive/engine/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// versionNamespace seeds deterministic version-candidate ids. A build's
// candidate id must come out the same on every call that returns the same
// build, so racing callers and redelivered success signals converge on one
// version row.
var versionNamespace = uuid.MustParse("8f9d2c5e-41aa-4c1b-9d67-2f0a3b5c7e91")

// VersionCandidateID returns the version id a build will materialize if it
// succeeds. Derived, not stored: stable across retries with no extra column.
func VersionCandidateID(buildID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(versionNamespace, buildID[:])
}

// CreateProjectInput carries a creation request.
type CreateProjectInput struct {
	Framework models.Framework
	Prompt    string
	Name      string
}

// CreationResult is the canonical identifier triple for a logical creation
// request. Reused is true when the request matched a concurrent duplicate.
type CreationResult struct {
	Project            *models.Project
	Build              *models.Build
	VersionCandidateID uuid.UUID
	Reused             bool
}

// CreationService serializes and deduplicates create-project requests so
// that concurrent duplicate submissions yield exactly one Project+Build pair.
type CreationService interface {
	CreateOrGetProject(ctx context.Context, userID uuid.UUID, input *CreateProjectInput) (*CreationResult, error)
}

type creationService struct {
	db           *gorm.DB
	lockTimeout  time.Duration
	dedupeWindow time.Duration
}

func NewCreationService(db *gorm.DB, lockTimeout, dedupeWindow time.Duration) CreationService {
	return &creationService{db: db, lockTimeout: lockTimeout, dedupeWindow: dedupeWindow}
}

var _ CreationService = (*creationService)(nil)

// CreateOrGetProject runs the whole read-decide-write under a transaction-
// scoped advisory lock keyed by (owner, prompt), so only one concurrent
// caller per contention domain proceeds past acquisition. The lock is
// released automatically on commit or rollback.
func (s *creationService) CreateOrGetProject(ctx context.Context, userID uuid.UUID, input *CreateProjectInput) (*CreationResult, error) {
	if userID == uuid.Nil {
		return nil, appErr.New(appErr.CodeInvalid, "owner id is required")
	}
	if !models.ValidFramework(input.Framework) {
		return nil, appErr.New(appErr.CodeInvalid, fmt.Sprintf("unsupported framework %q", input.Framework))
	}
	name := input.Name
	if name == "" {
		name = models.DefaultProjectName
	}

	logger.L().Info("create or get project",
		zap.String("user_id", userID.String()),
		zap.String("name", name),
		zap.String("framework", string(input.Framework)))

	var result *CreationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := acquireCreationLock(tx, s.lockTimeout, userID, input.Prompt); err != nil {
			return err
		}

		// Look back a short window for a project the same owner created with
		// matching name and framework. A hit means two independent callers
		// raced on "the same" logical project; return the winner's ids.
		// The repository is bound to tx so the probe sees rows committed by
		// the lock's previous holder.
		var existing models.Project
		err := repository.NewProjectRepository(tx).
			FindRecentDuplicate(ctx, userID, name, input.Framework, s.dedupeWindow, &existing)
		switch {
		case err == nil:
			r, lerr := s.reuseExisting(tx, &existing, userID)
			if lerr != nil {
				return lerr
			}
			result = r
			return nil
		case appErr.IsCode(err, appErr.CodeNotFound):
			// fresh creation below
		default:
			return err
		}

		project := &models.Project{
			ID:        uuid.New(),
			UserID:    userID,
			Name:      name,
			Framework: input.Framework,
			Prompt:    input.Prompt,
			Status:    models.StatusQueued,
		}
		build := &models.Build{
			ID:        uuid.New(),
			ProjectID: project.ID,
			UserID:    userID,
			Status:    models.BuildStarted,
			Attempt:   1,
			StartedAt: time.Now(),
		}
		project.CurrentBuildID = &build.ID

		// Insert-or-ignore keyed by the pre-generated ids: redelivery of the
		// identical request cannot produce a second row or an error.
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(project).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "create project failed")
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(build).Error; err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "create build failed")
		}

		result = &CreationResult{
			Project:            project,
			Build:              build,
			VersionCandidateID: VersionCandidateID(build.ID),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.L().Info("project creation resolved",
		zap.String("project_id", result.Project.ID.String()),
		zap.String("build_id", result.Build.ID.String()),
		zap.Bool("reused", result.Reused))
	return result, nil
}

// reuseExisting returns the already-created pair, lazily completing a
// missing initial build if the other caller raced ahead of its bookkeeping.
func (s *creationService) reuseExisting(tx *gorm.DB, project *models.Project, userID uuid.UUID) (*CreationResult, error) {
	var build models.Build
	err := tx.Where("project_id = ?", project.ID).Order("created_at ASC").First(&build).Error
	switch {
	case err == gorm.ErrRecordNotFound:
		build = models.Build{
			ID:        uuid.New(),
			ProjectID: project.ID,
			UserID:    userID,
			Status:    models.BuildStarted,
			Attempt:   1,
			StartedAt: time.Now(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&build).Error; err != nil {
			return nil, appErr.Wrap(err, appErr.CodeInternal, "create missing initial build failed")
		}
		if project.CurrentBuildID == nil {
			if err := tx.Model(&models.Project{}).Where("id = ?", project.ID).
				Update("current_build_id", build.ID).Error; err != nil {
				return nil, appErr.Wrap(err, appErr.CodeInternal, "attach initial build failed")
			}
			project.CurrentBuildID = &build.ID
		}
	case err != nil:
		return nil, appErr.Wrap(err, appErr.CodeInternal, "load initial build failed")
	}

	return &CreationResult{
		Project:            project,
		Build:              &build,
		VersionCandidateID: VersionCandidateID(build.ID),
		Reused:             true,
	}, nil
}

// acquireCreationLock takes a transaction-scoped advisory lock for the
// contention domain with a bounded wait. SQLSTATE 55P03 (lock_timeout hit)
// surfaces as a retryable lock_timeout error.
func acquireCreationLock(tx *gorm.DB, timeout time.Duration, userID uuid.UUID, prompt string) error {
	// SET LOCAL only accepts literals; the value is server-side config text
	// derived from a duration, not user input.
	if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())).Error; err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "set lock timeout failed")
	}
	key := hashutil.LockKey(userID.String(), prompt)
	if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", key).Error; err != nil {
		return translateLockError(err)
	}
	return nil
}
