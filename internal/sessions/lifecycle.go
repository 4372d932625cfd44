package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/livesession/internal/errs"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opAdvanceSlide = "sessions.advance_slide"
	opPause        = "sessions.pause"
	opResume       = "sessions.resume"
	opEnd          = "sessions.end"
)

// Roster deactivates every participant of an ending session inside the ending transaction.
type Roster interface {
	DeactivateSessionTx(tx *gorm.DB, sessionID string, at time.Time) (int64, error)
}

// LifecycleConfig wires the lifecycle state machine.
type LifecycleConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Roster   Roster
	Logger   *zap.Logger
}

// Lifecycle owns teacher-only mutations: slide position and ACTIVE ⇄ PAUSED → ENDED transitions.
type Lifecycle struct {
	db     *gorm.DB
	clock  func() time.Time
	roster Roster
	logger *zap.Logger
}

// NewLifecycle constructs a Lifecycle.
func NewLifecycle(cfg LifecycleConfig) (*Lifecycle, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		db:     cfg.Database,
		clock:  clock,
		roster: cfg.Roster,
		logger: logger,
	}, nil
}

// Authorize rejects callers other than the session teacher. Anonymous callers pass an empty id.
func Authorize(session Session, callerUserID string) error {
	if !session.IsTeacher(callerUserID) {
		return errs.New("sessions.authorize", "not_teacher", errs.ErrUnauthorized, nil)
	}
	return nil
}

// Transition is the result of a lifecycle mutation.
type Transition struct {
	Session Session
	// Deactivated counts participants marked inactive by End.
	Deactivated int64
}

// AdvanceSlide moves the shared slide position. Allowed while ACTIVE or PAUSED.
func (l *Lifecycle) AdvanceSlide(ctx context.Context, sessionID, callerUserID string, slideIndex int) (Transition, error) {
	return l.mutate(ctx, opAdvanceSlide, sessionID, callerUserID, func(session *Session, now time.Time) (map[string]interface{}, error) {
		if slideIndex < 0 {
			return nil, errs.New(opAdvanceSlide, "negative_index", errs.ErrInvalidState, nil)
		}
		if session.Status == StatusEnded {
			return nil, errs.New(opAdvanceSlide, "ended", errs.ErrInvalidState, nil)
		}
		session.CurrentSlideIndex = slideIndex
		return map[string]interface{}{"current_slide_index": slideIndex}, nil
	})
}

// Pause moves an ACTIVE session to PAUSED.
func (l *Lifecycle) Pause(ctx context.Context, sessionID, callerUserID string) (Transition, error) {
	return l.mutate(ctx, opPause, sessionID, callerUserID, func(session *Session, now time.Time) (map[string]interface{}, error) {
		if session.Status != StatusActive {
			return nil, errs.New(opPause, "not_active", errs.ErrInvalidState, nil)
		}
		session.Status = StatusPaused
		return map[string]interface{}{"status": StatusPaused}, nil
	})
}

// Resume moves a PAUSED session back to ACTIVE.
func (l *Lifecycle) Resume(ctx context.Context, sessionID, callerUserID string) (Transition, error) {
	return l.mutate(ctx, opResume, sessionID, callerUserID, func(session *Session, now time.Time) (map[string]interface{}, error) {
		if session.Status != StatusPaused {
			return nil, errs.New(opResume, "not_paused", errs.ErrInvalidState, nil)
		}
		session.Status = StatusActive
		return map[string]interface{}{"status": StatusActive}, nil
	})
}

// End moves an ACTIVE or PAUSED session to the terminal ENDED state and deactivates its roster.
func (l *Lifecycle) End(ctx context.Context, sessionID, callerUserID string) (Transition, error) {
	return l.mutate(ctx, opEnd, sessionID, callerUserID, func(session *Session, now time.Time) (map[string]interface{}, error) {
		if session.Status == StatusEnded {
			return nil, errs.New(opEnd, "already_ended", errs.ErrInvalidState, nil)
		}
		endedAt := now
		session.Status = StatusEnded
		session.EndedAt = &endedAt
		return map[string]interface{}{"status": StatusEnded, "ended_at": endedAt}, nil
	})
}

type mutation func(session *Session, now time.Time) (map[string]interface{}, error)

func (l *Lifecycle) mutate(ctx context.Context, operation, sessionID, callerUserID string, apply mutation) (Transition, error) {
	var transition Transition
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session Session
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", sessionID).
			Take(&session).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.New(operation, "unknown_session", errs.ErrNotFound, nil)
		}
		if err != nil {
			logError(l.logger, operation, "select_failed", err, zap.String("session_id", sessionID))
			return errs.New(operation, "select_failed", errs.ErrInternal, err)
		}

		if err := Authorize(session, callerUserID); err != nil {
			l.logger.Warn("teacher-only command rejected",
				zap.String("operation", operation),
				zap.String("session_id", sessionID),
				zap.String("caller_user_id", callerUserID))
			return err
		}

		now := l.clock().UTC()
		updates, err := apply(&session, now)
		if err != nil {
			return err
		}
		updates["last_activity_at"] = now
		session.LastActivityAt = now

		if err := tx.Model(&Session{}).Where("id = ?", sessionID).Updates(updates).Error; err != nil {
			logError(l.logger, operation, "update_failed", err, zap.String("session_id", sessionID))
			return errs.New(operation, "update_failed", errs.ErrInternal, err)
		}

		if session.Status == StatusEnded && l.roster != nil {
			deactivated, err := l.roster.DeactivateSessionTx(tx, sessionID, now)
			if err != nil {
				logError(l.logger, operation, "roster_deactivate_failed", err, zap.String("session_id", sessionID))
				return errs.New(operation, "roster_deactivate_failed", errs.ErrInternal, err)
			}
			transition.Deactivated = deactivated
		}

		transition.Session = session
		return nil
	})
	if err != nil {
		return Transition{}, err
	}
	return transition, nil
}
