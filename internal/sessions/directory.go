package sessions

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/livesession/internal/errs"
	"github.com/MarcoPoloResearchLab/livesession/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opFindByCode = "sessions.find_by_code"
	opGet        = "sessions.get"
	opCreate     = "sessions.create"
	opJoin       = "sessions.join"
	opJoinLock   = "sessions.join_lock"

	maxJoinCodeLength = 32
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// DirectoryConfig wires the session directory.
type DirectoryConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Directory looks sessions up by join code or id and gates joins on lifecycle state.
type Directory struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

// NewDirectory constructs a Directory.
func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// FindByCode returns the session whose canonical join code matches code.
func (d *Directory) FindByCode(ctx context.Context, code string) (Session, error) {
	canonical := CanonicalCode(code)
	if canonical == "" {
		return Session{}, errs.New(opFindByCode, "empty_code", errs.ErrNotFound, nil)
	}

	var session Session
	err := d.db.WithContext(ctx).Where("join_code = ?", canonical).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, errs.New(opFindByCode, "unknown_code", errs.ErrNotFound, nil)
	}
	if err != nil {
		logError(d.logger, opFindByCode, "query_failed", err, zap.String("join_code", canonical))
		return Session{}, errs.New(opFindByCode, "query_failed", errs.ErrInternal, err)
	}
	return session, nil
}

// Get returns the session with the given id.
func (d *Directory) Get(ctx context.Context, sessionID string) (Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Session{}, errs.New(opGet, "empty_id", errs.ErrNotFound, nil)
	}
	var session Session
	err := d.db.WithContext(ctx).Where("id = ?", sessionID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, errs.New(opGet, "unknown_id", errs.ErrNotFound, nil)
	}
	if err != nil {
		logError(d.logger, opGet, "query_failed", err, zap.String("session_id", sessionID))
		return Session{}, errs.New(opGet, "query_failed", errs.ErrInternal, err)
	}
	return session, nil
}

// RequireJoinable rejects joins on sessions that are not ACTIVE.
func RequireJoinable(session Session) error {
	if session.Status != StatusActive {
		return errs.New(opJoin, "not_active", errs.ErrInvalidState, nil)
	}
	return nil
}

// RequireJoinableTx locks the session row inside tx and rejects the join unless the session is
// ACTIVE. End takes the same row lock, so a join either commits before the session ends or sees
// it ended.
func (d *Directory) RequireJoinableTx(tx *gorm.DB, sessionID string) error {
	var session Session
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", sessionID).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.New(opJoinLock, "unknown_id", errs.ErrNotFound, nil)
	}
	if err != nil {
		logError(d.logger, opJoinLock, "select_failed", err, zap.String("session_id", sessionID))
		return errs.New(opJoinLock, "select_failed", errs.ErrInternal, err)
	}
	return RequireJoinable(session)
}

// CreateRequest describes a new live session.
type CreateRequest struct {
	JoinCode  string
	TeacherID string
	LessonID  string
}

// Create persists a new ACTIVE session at slide 0.
func (d *Directory) Create(ctx context.Context, request CreateRequest) (Session, error) {
	code := CanonicalCode(request.JoinCode)
	teacherID := strings.TrimSpace(request.TeacherID)
	lessonID := strings.TrimSpace(request.LessonID)
	if code == "" || len(code) > maxJoinCodeLength {
		return Session{}, errs.New(opCreate, "invalid_code", errs.ErrBadRequest, nil)
	}
	if teacherID == "" {
		return Session{}, errs.New(opCreate, "missing_teacher", errs.ErrBadRequest, nil)
	}
	if lessonID == "" {
		return Session{}, errs.New(opCreate, "missing_lesson", errs.ErrBadRequest, nil)
	}

	sessionID, err := d.idProvider.NewID()
	if err != nil {
		logError(d.logger, opCreate, "id_generation_failed", err)
		return Session{}, errs.New(opCreate, "id_generation_failed", errs.ErrInternal, err)
	}

	now := d.clock().UTC()
	session := Session{
		ID:             sessionID,
		JoinCode:       code,
		Status:         StatusActive,
		TeacherID:      teacherID,
		LessonID:       lessonID,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	result := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "join_code"}}, DoNothing: true}).
		Create(&session)
	if result.Error != nil {
		logError(d.logger, opCreate, "insert_failed", result.Error, zap.String("join_code", code))
		return Session{}, errs.New(opCreate, "insert_failed", errs.ErrInternal, result.Error)
	}
	if result.RowsAffected == 0 {
		return Session{}, errs.New(opCreate, "duplicate_code", errs.ErrInvalidState, nil)
	}

	d.logger.Info("live session created",
		zap.String("session_id", session.ID),
		zap.String("join_code", code),
		zap.String("teacher_id", teacherID))
	return session, nil
}

func logError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("sessions service error", attrs...)
}
