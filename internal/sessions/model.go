package sessions

import (
	"strings"
	"time"
)

// Status enumerates the lifecycle states of a live session.
type Status string

const (
	// StatusActive accepts joins and slide changes.
	StatusActive Status = "ACTIVE"
	// StatusPaused keeps joined channels but rejects new joins.
	StatusPaused Status = "PAUSED"
	// StatusEnded is terminal.
	StatusEnded Status = "ENDED"
)

// Session is the persisted live session driven by a single teacher.
type Session struct {
	ID                string     `gorm:"column:id;primaryKey;size:64;not null"`
	JoinCode          string     `gorm:"column:join_code;size:32;not null;uniqueIndex:idx_live_sessions_join_code"`
	Status            Status     `gorm:"column:status;size:16;not null;index:idx_live_sessions_status"`
	CurrentSlideIndex int        `gorm:"column:current_slide_index;not null;default:0"`
	TeacherID         string     `gorm:"column:teacher_id;size:190;not null;index:idx_live_sessions_teacher"`
	LessonID          string     `gorm:"column:lesson_id;size:190;not null"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
	LastActivityAt    time.Time  `gorm:"column:last_activity_at;not null"`
	EndedAt           *time.Time `gorm:"column:ended_at"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "live_sessions"
}

// CanonicalCode normalizes a human-entered join code.
func CanonicalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsTeacher reports whether userID holds authority over the session.
func (s Session) IsTeacher(userID string) bool {
	return userID != "" && userID == s.TeacherID
}
