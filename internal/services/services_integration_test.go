package services

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/gorm"

	"github.com/buildhive/engine/internal/models"
	"github.com/buildhive/engine/pkg/database"
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

// setupDB starts a disposable postgres, migrates the schema, and creates the
// uniqueness indexes the coordinator relies on.
func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("buildhive_test"),
		tcpostgres.WithUsername("buildhive"),
		tcpostgres.WithPassword("buildhive"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := database.OpenPostgres(ctx, dsn)
	require.NoError(t, err)

	require.NoError(t, db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Project{},
		&models.Build{},
		&models.Version{},
		&models.TimelineEvent{},
		&models.ProjectSequence{},
		&models.OutboundEvent{},
	))
	require.NoError(t, db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_published_singleton
		ON versions(project_id)
		WHERE is_published AND soft_deleted_at IS NULL`).Error)
	require.NoError(t, db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_timeline_events_project_sequence
		ON timeline_events(project_id, sequence)
		WHERE sequence IS NOT NULL`).Error)
	require.NoError(t, db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_timeline_events_client_message
		ON timeline_events(project_id, client_message_id)
		WHERE client_message_id IS NOT NULL`).Error)

	return db
}

func seedProject(t *testing.T, db *gorm.DB, userID uuid.UUID) *models.Project {
	t.Helper()
	p := &models.Project{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      "seeded",
		Framework: models.FrameworkReact,
		Status:    models.StatusQueued,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

func seedBuild(t *testing.T, db *gorm.DB, project *models.Project) *models.Build {
	t.Helper()
	b := &models.Build{
		ID:        uuid.New(),
		ProjectID: project.ID,
		UserID:    project.UserID,
		Status:    models.BuildStarted,
		Attempt:   1,
		StartedAt: time.Now(),
	}
	require.NoError(t, db.Create(b).Error)
	return b
}

// succeedBuild drives a seeded build to success and returns its version.
func succeedBuild(t *testing.T, db *gorm.DB, svc LifecycleService, build *models.Build, major, minor, patch int) *models.Version {
	t.Helper()
	require.NoError(t, svc.RecordBuildOutcome(context.Background(), build.ID, OutcomeSuccess, &VersionData{
		Major: major, Minor: minor, Patch: patch,
		ChangeType: models.ChangeMinor, Confidence: 0.8, AutoClassified: true,
	}))
	var v models.Version
	require.NoError(t, db.First(&v, "build_id = ?", build.ID).Error)
	return &v
}

func TestCreateOrGetProjectConcurrent(t *testing.T) {
	db := setupDB(t)
	svc := NewCreationService(db, 5*time.Second, 10*time.Second)
	userID := uuid.New()
	input := &CreateProjectInput{Framework: models.FrameworkReact, Prompt: "build me a blog", Name: "My Blog"}

	const callers = 8
	results := make([]*CreationResult, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.CreateOrGetProject(context.Background(), userID, input)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0].Project.ID, results[i].Project.ID, "caller %d got a different project", i)
		require.Equal(t, results[0].Build.ID, results[i].Build.ID, "caller %d got a different build", i)
		require.Equal(t, results[0].VersionCandidateID, results[i].VersionCandidateID)
	}

	var projectCount, buildCount int64
	require.NoError(t, db.Model(&models.Project{}).Where("user_id = ?", userID).Count(&projectCount).Error)
	require.NoError(t, db.Model(&models.Build{}).Where("user_id = ?", userID).Count(&buildCount).Error)
	require.EqualValues(t, 1, projectCount, "duplicate submissions must yield one project")
	require.EqualValues(t, 1, buildCount, "duplicate submissions must yield one build")
}

func TestCreateOrGetProjectDistinctPrompts(t *testing.T) {
	db := setupDB(t)
	svc := NewCreationService(db, 5*time.Second, 10*time.Second)
	userID := uuid.New()

	a, err := svc.CreateOrGetProject(context.Background(), userID,
		&CreateProjectInput{Framework: models.FrameworkReact, Prompt: "a blog", Name: "Blog"})
	require.NoError(t, err)
	b, err := svc.CreateOrGetProject(context.Background(), userID,
		&CreateProjectInput{Framework: models.FrameworkVue, Prompt: "a shop", Name: "Shop"})
	require.NoError(t, err)
	require.NotEqual(t, a.Project.ID, b.Project.ID)
}

func TestRecordBuildOutcomeIdempotent(t *testing.T) {
	db := setupDB(t)
	svc := NewLifecycleService(db, nil)
	project := seedProject(t, db, uuid.New())
	build := seedBuild(t, db, project)

	data := &VersionData{Major: 1, Minor: 0, Patch: 0, ChangeType: models.ChangeMinor}
	require.NoError(t, svc.RecordBuildOutcome(context.Background(), build.ID, OutcomeSuccess, data))

	// Identical redelivery is a no-op.
	require.NoError(t, svc.RecordBuildOutcome(context.Background(), build.ID, OutcomeSuccess, data))

	// Conflicting redeliveries surface as conflict.
	err := svc.RecordBuildOutcome(context.Background(), build.ID, OutcomeSuccess,
		&VersionData{Major: 2, Minor: 0, Patch: 0})
	require.True(t, appErr.IsCode(err, appErr.CodeConflict))
	err = svc.RecordBuildOutcome(context.Background(), build.ID, OutcomeFailure, nil)
	require.True(t, appErr.IsCode(err, appErr.CodeConflict))

	// Exactly one version row, at the deterministic candidate id.
	var count int64
	require.NoError(t, db.Model(&models.Version{}).Where("build_id = ?", build.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)
	var v models.Version
	require.NoError(t, db.First(&v, "build_id = ?", build.ID).Error)
	require.Equal(t, VersionCandidateID(build.ID), v.ID)

	var p models.Project
	require.NoError(t, db.First(&p, "id = ?", project.ID).Error)
	require.Equal(t, models.StatusDeployed, p.Status)
	require.NotNil(t, p.CurrentVersionID)
	require.Equal(t, v.ID, *p.CurrentVersionID)
}

func TestFailedBuildLeavesNoVersion(t *testing.T) {
	db := setupDB(t)
	svc := NewLifecycleService(db, nil)
	project := seedProject(t, db, uuid.New())
	build := seedBuild(t, db, project)

	require.NoError(t, svc.RecordBuildOutcome(context.Background(), build.ID, OutcomeFailure, nil))

	var count int64
	require.NoError(t, db.Model(&models.Version{}).Where("build_id = ?", build.ID).Count(&count).Error)
	require.EqualValues(t, 0, count, "failed builds must not leave ghost versions")

	var p models.Project
	require.NoError(t, db.First(&p, "id = ?", project.ID).Error)
	require.Equal(t, models.StatusFailed, p.Status)

	// Success after a recorded failure is rejected.
	err := svc.RecordBuildOutcome(context.Background(), build.ID, OutcomeSuccess,
		&VersionData{Major: 1})
	require.True(t, appErr.IsCode(err, appErr.CodeConflict))
}

func TestPublicationSingleton(t *testing.T) {
	db := setupDB(t)
	svc := NewLifecycleService(db, nil)
	userID := uuid.New()
	project := seedProject(t, db, userID)

	v1 := succeedBuild(t, db, svc, seedBuild(t, db, project), 1, 0, 0)
	v2 := succeedBuild(t, db, svc, seedBuild(t, db, project), 1, 1, 0)

	_, err := svc.Publish(context.Background(), project.ID, v1.ID, userID)
	require.NoError(t, err)

	// Re-publish of the live version is idempotent.
	_, err = svc.Publish(context.Background(), project.ID, v1.ID, userID)
	require.NoError(t, err)

	// A second live publication is refused.
	_, err = svc.Publish(context.Background(), project.ID, v2.ID, userID)
	require.True(t, appErr.IsCode(err, appErr.CodeConflict))

	// Supersede swaps the live version atomically.
	_, err = svc.SupersedePublication(context.Background(), project.ID, v2.ID, userID)
	require.NoError(t, err)

	var old models.Version
	require.NoError(t, db.First(&old, "id = ?", v1.ID).Error)
	require.False(t, old.IsPublished)
	require.NotNil(t, old.SupersededBy)
	require.Equal(t, v2.ID, *old.SupersededBy)

	var livecount int64
	require.NoError(t, db.Model(&models.Version{}).
		Where("project_id = ? AND is_published AND soft_deleted_at IS NULL", project.ID).
		Count(&livecount).Error)
	require.EqualValues(t, 1, livecount)

	// v1 was not the version the project was running, so the status holds.
	var p models.Project
	require.NoError(t, db.First(&p, "id = ?", project.ID).Error)
	require.Equal(t, models.StatusDeployed, p.Status)
	require.Equal(t, v2.ID, *p.PublishedVersionID)
	require.Equal(t, v2.ID, *p.CurrentVersionID)

	// Superseding the version the project is currently running does flip it.
	_, err = svc.SupersedePublication(context.Background(), project.ID, v1.ID, userID)
	require.NoError(t, err)
	require.NoError(t, db.First(&p, "id = ?", project.ID).Error)
	require.Equal(t, models.StatusSuperseded, p.Status)
	require.Equal(t, v1.ID, *p.CurrentVersionID)
}

func TestRollback(t *testing.T) {
	db := setupDB(t)
	svc := NewLifecycleService(db, nil)
	userID := uuid.New()
	project := seedProject(t, db, userID)

	v1 := succeedBuild(t, db, svc, seedBuild(t, db, project), 1, 0, 0)
	v2 := succeedBuild(t, db, svc, seedBuild(t, db, project), 1, 1, 0)

	_, err := svc.Publish(context.Background(), project.ID, v2.ID, userID)
	require.NoError(t, err)

	// Roll the project back from v2 to v1; publication follows because v2 was live.
	_, err = svc.Rollback(context.Background(), project.ID, v1.ID, userID)
	require.NoError(t, err)

	var p models.Project
	require.NoError(t, db.First(&p, "id = ?", project.ID).Error)
	require.Equal(t, models.StatusDeployed, p.Status)
	require.Equal(t, v1.ID, *p.CurrentVersionID)
	require.Equal(t, v1.ID, *p.PublishedVersionID)

	var source, target models.Version
	require.NoError(t, db.First(&source, "id = ?", v2.ID).Error)
	require.NoError(t, db.First(&target, "id = ?", v1.ID).Error)
	require.NotNil(t, source.RollbackTarget)
	require.Equal(t, v1.ID, *source.RollbackTarget)
	require.NotNil(t, target.RollbackSource)
	require.Equal(t, v2.ID, *target.RollbackSource)
	require.False(t, source.IsPublished)
	require.True(t, target.IsPublished)

	// Rolling back to the version already current is a no-op.
	_, err = svc.Rollback(context.Background(), project.ID, v1.ID, userID)
	require.NoError(t, err)

	// A cycle (v1 -> v2 when v2 already rolled back to v1) is rejected.
	_, err = svc.Rollback(context.Background(), project.ID, v2.ID, userID)
	require.True(t, appErr.IsCode(err, appErr.CodeLineageCycle))
}

func TestNextSequenceConcurrent(t *testing.T) {
	db := setupDB(t)
	svc := NewTimelineService(db)
	projectID := uuid.New()

	const callers = 100
	seqs := make([]int64, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seqs[i], errs[i] = svc.NextSequence(context.Background(), projectID)
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.False(t, seen[seqs[i]], "duplicate ordinal %d", seqs[i])
		seen[seqs[i]] = true
	}
	for want := int64(1); want <= callers; want++ {
		require.True(t, seen[want], "missing ordinal %d", want)
	}
}

func TestInsertEventIfNewDedupe(t *testing.T) {
	db := setupDB(t)
	svc := NewTimelineService(db)
	projectID := uuid.New()
	msgID := "client-msg-1"

	first, wasNew, err := svc.InsertEventIfNew(context.Background(), projectID, &AppendEventInput{
		Actor:           models.ActorClient,
		ClientMessageID: &msgID,
		Payload:         []byte(`{"text":"hello"}`),
	})
	require.NoError(t, err)
	require.True(t, wasNew)
	require.NotNil(t, first.Sequence)
	require.EqualValues(t, 1, *first.Sequence)

	second, wasNew, err := svc.InsertEventIfNew(context.Background(), projectID, &AppendEventInput{
		Actor:           models.ActorClient,
		ClientMessageID: &msgID,
		Payload:         []byte(`{"text":"hello again"}`),
	})
	require.NoError(t, err)
	require.False(t, wasNew)
	require.Equal(t, first.ID, second.ID)

	// The ordinal the duplicate briefly held must have rolled back: the next
	// distinct event takes 2, leaving no gap.
	other := "client-msg-2"
	third, wasNew, err := svc.InsertEventIfNew(context.Background(), projectID, &AppendEventInput{
		Actor:           models.ActorAssistant,
		ClientMessageID: &other,
		Payload:         []byte(`{"text":"reply"}`),
	})
	require.NoError(t, err)
	require.True(t, wasNew)
	require.EqualValues(t, 2, *third.Sequence)
}

func TestBackfillSequences(t *testing.T) {
	db := setupDB(t)
	svc := NewTimelineService(db)
	projectA := uuid.New()
	projectB := uuid.New()

	// Legacy rows: no sequence, ordered by created_at.
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		pid := projectA
		if i%2 == 1 {
			pid = projectB
		}
		require.NoError(t, db.Exec(`
			INSERT INTO timeline_events (id, project_id, actor, payload, hidden, created_at, updated_at)
			VALUES (?, ?, 'client', '{}', false, ?, ?)`,
			uuid.New(), pid, base.Add(time.Duration(i)*time.Minute), base).Error)
	}

	// Small batches force multiple passes; the run must converge to zero.
	total := 0
	for {
		n, err := svc.BackfillSequences(context.Background(), 3)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		total += n
	}
	require.Equal(t, 7, total)

	for _, pid := range []uuid.UUID{projectA, projectB} {
		var events []models.TimelineEvent
		require.NoError(t, db.Where("project_id = ?", pid).Order("created_at ASC").Find(&events).Error)
		for i, e := range events {
			require.NotNil(t, e.Sequence, "row left without ordinal")
			require.EqualValues(t, i+1, *e.Sequence, "ordinals must follow creation order")
		}
	}

	// New events continue after the backfilled range.
	seq, err := svc.NextSequence(context.Background(), projectA)
	require.NoError(t, err)
	require.EqualValues(t, 5, seq)
}
