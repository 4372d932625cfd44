package notes

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/livesession/internal/errs"
	"github.com/MarcoPoloResearchLab/livesession/internal/ids"
	"github.com/MarcoPoloResearchLab/livesession/internal/presence"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew        = "notes.store.new"
	opSave            = "notes.save"
	opListParticipant = "notes.list_for_participant"
)

// StoreConfig wires the note store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Store persists per-slide participant notes. Notes are never broadcast.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errs.New(opStoreNew, "missing_database", errs.ErrInternal, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, errs.New(opStoreNew, "missing_id_provider", errs.ErrInternal, errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Save upserts the note keyed by (session, participant, slide) and returns the stored row.
// The participant must belong to the session.
func (s *Store) Save(ctx context.Context, request SaveRequest) (Note, error) {
	if request.SlideIndex < 0 {
		return Note{}, errs.New(opSave, "negative_slide", errs.ErrBadRequest, nil)
	}
	if len(request.Content) > maxContentLength {
		return Note{}, errs.New(opSave, "content_too_large", errs.ErrBadRequest, nil)
	}

	noteID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSave, "id_generation_failed", err, zap.String("session_id", request.SessionID))
		return Note{}, errs.New(opSave, "id_generation_failed", errs.ErrInternal, err)
	}

	now := s.clock().UTC()
	candidate := Note{
		ID:            noteID,
		SessionID:     request.SessionID,
		ParticipantID: request.ParticipantID,
		SlideIndex:    request.SlideIndex,
		Content:       request.Content,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var stored Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var members int64
		if err := tx.Model(&presence.Participant{}).
			Where("id = ? AND session_id = ?", request.ParticipantID, request.SessionID).
			Count(&members).Error; err != nil {
			s.logError(opSave, "membership_query_failed", err,
				zap.String("session_id", request.SessionID),
				zap.String("participant_id", request.ParticipantID))
			return errs.New(opSave, "membership_query_failed", errs.ErrInternal, err)
		}
		if members == 0 {
			return errs.New(opSave, "not_a_participant", errs.ErrUnauthenticated, nil)
		}

		updates := map[string]interface{}{
			"content":    request.Content,
			"updated_at": now,
			"version":    gorm.Expr("session_notes.version + 1"),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "participant_id"}, {Name: "slide_index"}},
			DoUpdates: clause.Assignments(updates),
		}).Create(&candidate).Error; err != nil {
			s.logError(opSave, "upsert_failed", err,
				zap.String("session_id", request.SessionID),
				zap.String("participant_id", request.ParticipantID),
				zap.Int("slide_index", request.SlideIndex))
			return errs.New(opSave, "upsert_failed", errs.ErrInternal, err)
		}

		if err := tx.Where("session_id = ? AND participant_id = ? AND slide_index = ?",
			request.SessionID, request.ParticipantID, request.SlideIndex).
			Take(&stored).Error; err != nil {
			s.logError(opSave, "reload_failed", err, zap.String("session_id", request.SessionID))
			return errs.New(opSave, "reload_failed", errs.ErrInternal, err)
		}
		return nil
	})
	if txErr != nil {
		return Note{}, txErr
	}
	return stored, nil
}

// ListForParticipant returns the participant's notes for the session ordered by slide.
func (s *Store) ListForParticipant(ctx context.Context, sessionID, participantID string) ([]Note, error) {
	var notes []Note
	if err := s.db.WithContext(ctx).
		Where("session_id = ? AND participant_id = ?", sessionID, participantID).
		Order("slide_index ASC").
		Find(&notes).Error; err != nil {
		s.logError(opListParticipant, "query_failed", err,
			zap.String("session_id", sessionID),
			zap.String("participant_id", participantID))
		return nil, errs.New(opListParticipant, "query_failed", errs.ErrInternal, err)
	}
	return notes, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notes store error", attrs...)
}
