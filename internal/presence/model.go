package presence

import (
	"errors"
	"strings"
	"time"
)

var errInvalidIdentityKey = errors.New("presence: exactly one of user id or anonymous id is required")

// Participant is one logical attendee of a session. Rows survive disconnects and session end.
type Participant struct {
	ID          string     `gorm:"column:id;primaryKey;size:64;not null"`
	SessionID   string     `gorm:"column:session_id;size:64;not null;uniqueIndex:idx_participants_session_user,priority:1;uniqueIndex:idx_participants_session_anon,priority:1;index:idx_participants_session_active,priority:1"`
	UserID      *string    `gorm:"column:user_id;size:190;uniqueIndex:idx_participants_session_user,priority:2"`
	AnonymousID *string    `gorm:"column:anonymous_id;size:190;uniqueIndex:idx_participants_session_anon,priority:2"`
	DisplayName string     `gorm:"column:display_name;size:320;not null;default:''"`
	IsActive    bool       `gorm:"column:is_active;not null;default:false;index:idx_participants_session_active,priority:2"`
	JoinedAt    time.Time  `gorm:"column:joined_at;not null"`
	LastSeenAt  time.Time  `gorm:"column:last_seen_at;not null;index:idx_participants_last_seen"`
	LeftAt      *time.Time `gorm:"column:left_at"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "session_participants"
}

// IdentityKey identifies a participant within a session across reconnects.
type IdentityKey struct {
	UserID      string
	AnonymousID string
}

// UserKey keys an authenticated participant.
func UserKey(userID string) IdentityKey {
	return IdentityKey{UserID: strings.TrimSpace(userID)}
}

// AnonymousKey keys an anonymous participant.
func AnonymousKey(anonymousID string) IdentityKey {
	return IdentityKey{AnonymousID: strings.TrimSpace(anonymousID)}
}

// Authenticated reports whether the key carries a user id.
func (k IdentityKey) Authenticated() bool {
	return k.UserID != ""
}

func (k IdentityKey) validate() error {
	if (k.UserID == "") == (k.AnonymousID == "") {
		return errInvalidIdentityKey
	}
	return nil
}

func (k IdentityKey) column() (string, string) {
	if k.Authenticated() {
		return "user_id", k.UserID
	}
	return "anonymous_id", k.AnonymousID
}
