package notes

import "time"

// maxContentLength bounds a single note body in bytes.
const maxContentLength = 64 * 1024

// Note is a participant's private note for one slide of one session.
type Note struct {
	ID            string    `gorm:"column:id;primaryKey;size:64;not null"`
	SessionID     string    `gorm:"column:session_id;size:64;not null;uniqueIndex:idx_notes_session_participant_slide,priority:1"`
	ParticipantID string    `gorm:"column:participant_id;size:64;not null;uniqueIndex:idx_notes_session_participant_slide,priority:2"`
	SlideIndex    int       `gorm:"column:slide_index;not null;uniqueIndex:idx_notes_session_participant_slide,priority:3"`
	Content       string    `gorm:"column:content;type:text;not null"`
	Version       int64     `gorm:"column:version;not null;default:1"`
	CreatedAt     time.Time `gorm:"column:created_at;not null"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "session_notes"
}

// SaveRequest describes a note write.
type SaveRequest struct {
	SessionID     string
	ParticipantID string
	SlideIndex    int
	Content       string
}
