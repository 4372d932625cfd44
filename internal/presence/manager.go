package presence

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
	opReconcile   = "presence.reconcile"
	opTouch       = "presence.touch"
	opMarkLeft    = "presence.mark_left"
	opCountActive = "presence.count_active"
	opEvictStale  = "presence.evict_stale"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// JoinGate checks, inside the reconciling transaction, that the session still accepts joins.
type JoinGate interface {
	RequireJoinableTx(tx *gorm.DB, sessionID string) error
}

// ManagerConfig wires the presence manager. Gate is optional; without it Reconcile does not
// look at session state.
type ManagerConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Gate       JoinGate
	Logger     *zap.Logger
}

// Manager owns participant rows: reconciliation on join, liveness touches and departures.
type Manager struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	gate       JoinGate
	logger     *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
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
	return &Manager{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		gate:       cfg.Gate,
		logger:     logger,
	}, nil
}

// Reconciliation is the outcome of a join.
type Reconciliation struct {
	Participant Participant
	// Rejoined is true when an existing row was reactivated.
	Rejoined bool
}

// Reconcile returns the canonical participant for the identity key, reactivating an existing
// row or inserting a new one. The upsert is keyed by the identity unique index, so concurrent
// joins for the same identity converge on one row.
func (m *Manager) Reconcile(ctx context.Context, sessionID string, key IdentityKey, displayName string) (Reconciliation, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Reconciliation{}, errs.New(opReconcile, "missing_session", errs.ErrBadRequest, nil)
	}
	if err := key.validate(); err != nil {
		return Reconciliation{}, errs.New(opReconcile, "invalid_identity", errs.ErrBadRequest, err)
	}

	participantID, err := m.idProvider.NewID()
	if err != nil {
		m.logError(opReconcile, "id_generation_failed", err, zap.String("session_id", sessionID))
		return Reconciliation{}, errs.New(opReconcile, "id_generation_failed", errs.ErrInternal, err)
	}

	now := m.clock().UTC()
	displayName = strings.TrimSpace(displayName)
	candidate := Participant{
		ID:          participantID,
		SessionID:   sessionID,
		DisplayName: displayName,
		IsActive:    true,
		JoinedAt:    now,
		LastSeenAt:  now,
	}
	keyColumn, keyValue := key.column()
	if key.Authenticated() {
		candidate.UserID = &keyValue
	} else {
		candidate.AnonymousID = &keyValue
	}

	updates := map[string]interface{}{
		"is_active":    true,
		"last_seen_at": now,
		"left_at":      nil,
	}
	if displayName != "" {
		updates["display_name"] = displayName
	}

	var stored Participant
	var rejected error
	txErr := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if m.gate != nil {
			if err := m.gate.RequireJoinableTx(tx, sessionID); err != nil {
				rejected = err
				return err
			}
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: keyColumn}},
			DoUpdates: clause.Assignments(updates),
		}).Create(&candidate).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ? AND "+keyColumn+" = ?", sessionID, keyValue).Take(&stored).Error
	})
	if rejected != nil {
		return Reconciliation{}, rejected
	}
	if txErr != nil {
		m.logError(opReconcile, "upsert_failed", txErr,
			zap.String("session_id", sessionID),
			zap.String("identity_column", keyColumn))
		return Reconciliation{}, errs.New(opReconcile, "upsert_failed", errs.ErrInternal, txErr)
	}

	return Reconciliation{
		Participant: stored,
		Rejoined:    stored.ID != participantID,
	}, nil
}

// Touch records a liveness signal. It never changes activity state.
func (m *Manager) Touch(ctx context.Context, participantID string) error {
	result := m.db.WithContext(ctx).
		Model(&Participant{}).
		Where("id = ?", participantID).
		Update("last_seen_at", m.clock().UTC())
	if result.Error != nil {
		return errs.New(opTouch, "update_failed", errs.ErrInternal, result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.New(opTouch, "unknown_participant", errs.ErrNotFound, nil)
	}
	return nil
}

// MarkLeft marks a participant inactive. The row is retained.
func (m *Manager) MarkLeft(ctx context.Context, participantID string) error {
	now := m.clock().UTC()
	result := m.db.WithContext(ctx).
		Model(&Participant{}).
		Where("id = ?", participantID).
		Updates(map[string]interface{}{
			"is_active":    false,
			"left_at":      now,
			"last_seen_at": now,
		})
	if result.Error != nil {
		m.logError(opMarkLeft, "update_failed", result.Error, zap.String("participant_id", participantID))
		return errs.New(opMarkLeft, "update_failed", errs.ErrInternal, result.Error)
	}
	if result.RowsAffected == 0 {
		return errs.New(opMarkLeft, "unknown_participant", errs.ErrNotFound, nil)
	}
	return nil
}

// DeactivateSessionTx marks every active participant of the session inactive inside tx.
func (m *Manager) DeactivateSessionTx(tx *gorm.DB, sessionID string, at time.Time) (int64, error) {
	result := tx.Model(&Participant{}).
		Where("session_id = ? AND is_active = ?", sessionID, true).
		Updates(map[string]interface{}{
			"is_active": false,
			"left_at":   at.UTC(),
		})
	return result.RowsAffected, result.Error
}

// CountActive counts active participants, leaving out excludeUserID (the teacher) when set.
func (m *Manager) CountActive(ctx context.Context, sessionID, excludeUserID string) (int64, error) {
	query := m.db.WithContext(ctx).
		Model(&Participant{}).
		Where("session_id = ? AND is_active = ?", sessionID, true)
	if excludeUserID != "" {
		query = query.Where("(user_id IS NULL OR user_id <> ?)", excludeUserID)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		m.logError(opCountActive, "query_failed", err, zap.String("session_id", sessionID))
		return 0, errs.New(opCountActive, "query_failed", errs.ErrInternal, err)
	}
	return count, nil
}

// EvictStale marks active participants whose last liveness signal is older than cutoff inactive.
// It is meant to be driven by an external scheduler; no events are emitted.
func (m *Manager) EvictStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result := m.db.WithContext(ctx).
		Model(&Participant{}).
		Where("is_active = ? AND last_seen_at < ?", true, cutoff.UTC()).
		Updates(map[string]interface{}{
			"is_active": false,
			"left_at":   m.clock().UTC(),
		})
	if result.Error != nil {
		m.logError(opEvictStale, "update_failed", result.Error, zap.Time("cutoff", cutoff))
		return 0, errs.New(opEvictStale, "update_failed", errs.ErrInternal, result.Error)
	}
	if result.RowsAffected > 0 {
		m.logger.Info("stale participants evicted",
			zap.Int64("count", result.RowsAffected),
			zap.Time("cutoff", cutoff))
	}
	return result.RowsAffected, nil
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("presence manager error", attrs...)
}
