package services

import (
	"context"
	"errors"

	"github.com/buildhive/engine/internal/models"
	"github.com/buildhive/engine/internal/repository"
	appErr "github.com/buildhive/engine/pkg/errors"
	"github.com/buildhive/engine/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AppendEventInput describes a timeline/chat row to append.
type AppendEventInput struct {
	Actor models.ActorType
	// ClientMessageID, when set, dedupes resubmissions of the same
	// client-originated message.
	ClientMessageID *string
	Payload         []byte
	Hidden          bool
}

// TimelineService owns the per-project monotonic sequence and the ordered
// event stream built on it.
type TimelineService interface {
	// NextSequence allocates the next ordinal for projectID. Concurrent
	// calls receive a contiguous, duplicate-free range.
	NextSequence(ctx context.Context, projectID uuid.UUID) (int64, error)
	// InsertEventIfNew appends an event, returning the original row and
	// wasNew=false when the client message id was seen before.
	InsertEventIfNew(ctx context.Context, projectID uuid.UUID, input *AppendEventInput) (*models.TimelineEvent, bool, error)
	// ListEvents returns the visible stream in sequence order.
	ListEvents(ctx context.Context, projectID uuid.UUID, limit int) ([]models.TimelineEvent, error)
	// BackfillSequences assigns ordinals to legacy rows in bounded batches.
	// Returns the number of rows processed; zero means the backfill is done.
	BackfillSequences(ctx context.Context, batchSize int) (int, error)
}

type timelineService struct {
	db     *gorm.DB
	events repository.TimelineRepository
}

func NewTimelineService(db *gorm.DB) TimelineService {
	return &timelineService{db: db, events: repository.NewTimelineRepository(db)}
}

var _ TimelineService = (*timelineService)(nil)

// errDuplicateEvent aborts the append transaction so the allocated ordinal
// rolls back with it. Committing an increment no row uses would open a gap.
var errDuplicateEvent = errors.New("duplicate client message")

func (s *timelineService) NextSequence(ctx context.Context, projectID uuid.UUID) (int64, error) {
	var seq int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		seq, err = nextSequenceTx(tx, projectID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// nextSequenceTx performs the atomic increment-and-return against the
// per-project counter row. The single upsert statement both creates the
// row on first use and serializes concurrent allocators on its row lock,
// so no two transactions can observe and increment the same prior value.
func nextSequenceTx(tx *gorm.DB, projectID uuid.UUID) (int64, error) {
	var seq int64
	err := tx.Raw(`
		INSERT INTO project_sequences (project_id, value, updated_at)
		VALUES (?, 1, now())
		ON CONFLICT (project_id)
		DO UPDATE SET value = project_sequences.value + 1, updated_at = now()
		RETURNING value`, projectID).Scan(&seq).Error
	if err != nil {
		return 0, appErr.Wrap(err, appErr.CodeInternal, "sequence allocation failed")
	}
	return seq, nil
}

func (s *timelineService) InsertEventIfNew(ctx context.Context, projectID uuid.UUID, input *AppendEventInput) (*models.TimelineEvent, bool, error) {
	if input.Actor == "" {
		return nil, false, appErr.New(appErr.CodeInvalid, "actor is required")
	}

	var event *models.TimelineEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Cheap pre-check; the unique index remains the arbiter for races.
		if input.ClientMessageID != nil {
			var existing models.TimelineEvent
			err := tx.Where("project_id = ? AND client_message_id = ?", projectID, *input.ClientMessageID).
				First(&existing).Error
			if err == nil {
				return errDuplicateEvent
			}
			if err != gorm.ErrRecordNotFound {
				return appErr.Wrap(err, appErr.CodeInternal, "dedupe lookup failed")
			}
		}

		seq, err := nextSequenceTx(tx, projectID)
		if err != nil {
			return err
		}

		row := &models.TimelineEvent{
			ID:              uuid.New(),
			ProjectID:       projectID,
			Sequence:        &seq,
			Actor:           input.Actor,
			ClientMessageID: input.ClientMessageID,
			Payload:         datatypes.JSON(input.Payload),
			Hidden:          input.Hidden,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if res.Error != nil {
			return appErr.Wrap(res.Error, appErr.CodeInternal, "insert event failed")
		}
		if res.RowsAffected == 0 {
			if input.ClientMessageID == nil {
				return appErr.New(appErr.CodeInternal, "event insert affected no rows")
			}
			// Lost the race to a concurrent resubmission. Abort so the
			// allocated ordinal is returned to the counter.
			return errDuplicateEvent
		}
		event = row
		return nil
	})

	if errors.Is(err, errDuplicateEvent) {
		var existing models.TimelineEvent
		if ferr := s.events.GetByClientMessageID(ctx, projectID, *input.ClientMessageID, &existing); ferr != nil {
			return nil, false, ferr
		}
		return &existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return event, true, nil
}

func (s *timelineService) ListEvents(ctx context.Context, projectID uuid.UUID, limit int) ([]models.TimelineEvent, error) {
	q := s.db.WithContext(ctx).
		Where("project_id = ? AND deleted_at IS NULL AND hidden = false", projectID).
		Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.TimelineEvent
	if err := q.Find(&out).Error; err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "list events failed")
	}
	return out, nil
}

// BackfillSequences claims up to batchSize legacy rows (sequence IS NULL),
// ranks them per project by creation time then id, and assigns ordinals
// continuing from each project's counter. One transaction per batch keeps
// lock hold times bounded; the NULL marker itself is the checkpoint, so an
// interrupted run resumes without reprocessing or reordering anything.
func (s *timelineService) BackfillSequences(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, appErr.New(appErr.CodeInvalid, "batch size must be positive")
	}

	processed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		type claim struct {
			ID        uuid.UUID
			ProjectID uuid.UUID
		}
		var rows []claim
		err := tx.Raw(`
			SELECT id, project_id FROM timeline_events
			WHERE sequence IS NULL
			ORDER BY project_id, created_at, id
			LIMIT ?
			FOR UPDATE SKIP LOCKED`, batchSize).Scan(&rows).Error
		if err != nil {
			return appErr.Wrap(err, appErr.CodeInternal, "claim backfill batch failed")
		}

		for _, row := range rows {
			seq, err := nextSequenceTx(tx, row.ProjectID)
			if err != nil {
				return err
			}
			if err := tx.Model(&models.TimelineEvent{}).Where("id = ?", row.ID).
				Update("sequence", seq).Error; err != nil {
				return appErr.Wrap(err, appErr.CodeInternal, "assign backfill ordinal failed")
			}
		}
		processed = len(rows)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if processed > 0 {
		logger.L().Info("backfilled sequence batch", zap.Int("rows", processed))
	}
	return processed, nil
}
