package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/livesession/internal/sessions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCanonicalizeJoinCodes = "2026-03-01_canonicalize_join_codes"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationCanonicalizeJoinCodes, apply: canonicalizeJoinCodes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db, logger); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// canonicalizeJoinCodes repairs live_sessions rows provisioned straight into the table (bulk
// imports from the course catalogue) instead of through Directory.Create. Those rows can carry
// lowercase or padded codes that FindByCode never matches. A row whose canonical code is already
// taken keeps its code and is logged for manual cleanup.
func canonicalizeJoinCodes(db *gorm.DB, logger *zap.Logger) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var rows []sessions.Session
		if err := tx.Where("join_code <> UPPER(TRIM(join_code))").Order("created_at ASC").Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			canonical := sessions.CanonicalCode(row.JoinCode)
			if canonical == "" || canonical == row.JoinCode {
				continue
			}
			var taken int64
			if err := tx.Model(&sessions.Session{}).Where("join_code = ?", canonical).Count(&taken).Error; err != nil {
				return err
			}
			if taken > 0 {
				logger.Warn("join code not canonicalized",
					zap.String("session_id", row.ID),
					zap.String("join_code", row.JoinCode),
					zap.String("conflicts_with", canonical))
				continue
			}
			if err := tx.Model(&sessions.Session{}).Where("id = ?", row.ID).Update("join_code", canonical).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
