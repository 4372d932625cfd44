package live

import (
	"time"

	"github.com/MarcoPoloResearchLab/livesession/internal/errs"
	"github.com/MarcoPoloResearchLab/livesession/internal/notes"
	"github.com/MarcoPoloResearchLab/livesession/internal/realtime"
	"github.com/MarcoPoloResearchLab/livesession/internal/sessions"
)

// Outbound event names.
const (
	EventSessionJoined     = "session-joined"
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventSlideChanged      = "slide-changed"
	EventSessionPaused     = "session-paused"
	EventSessionResumed    = "session-resumed"
	EventSessionEnded      = "session-ended"
	EventNoteSaved         = "note-saved"
	EventNotesListed       = "notes-listed"
	EventError             = "error"
)

// SessionJoinedPayload is the authoritative snapshot sent to a joining channel.
type SessionJoinedPayload struct {
	SessionID         string          `json:"sessionId"`
	CurrentSlideIndex int             `json:"currentSlideIndex"`
	LessonID          string          `json:"lessonId"`
	ParticipantID     string          `json:"participantId"`
	ParticipantCount  int64           `json:"participantCount"`
	Status            sessions.Status `json:"status"`
}

type ParticipantJoinedPayload struct {
	ParticipantID    string `json:"participantId"`
	DisplayName      string `json:"displayName"`
	ParticipantCount int64  `json:"participantCount"`
}

type ParticipantLeftPayload struct {
	ParticipantID    string `json:"participantId"`
	ParticipantCount int64  `json:"participantCount"`
}

type SlideChangedPayload struct {
	SessionID  string    `json:"sessionId"`
	SlideIndex int       `json:"slideIndex"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionStatusPayload accompanies session-paused, session-resumed and session-ended.
type SessionStatusPayload struct {
	SessionID string          `json:"sessionId"`
	Status    sessions.Status `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
}

type NoteSavedPayload struct {
	NoteID     string    `json:"noteId"`
	SlideIndex int       `json:"slideIndex"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type NotePayload struct {
	NoteID     string    `json:"noteId"`
	SlideIndex int       `json:"slideIndex"`
	Content    string    `json:"content"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type NotesListedPayload struct {
	SessionID string        `json:"sessionId"`
	Notes     []NotePayload `json:"notes"`
}

// ErrorPayload is delivered to the originating channel only.
type ErrorPayload struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
	Command string    `json:"command,omitempty"`
}

func newEvent(eventType string, payload interface{}) realtime.Event {
	return realtime.Event{Type: eventType, Payload: payload}
}

func statusEvent(eventType string, session sessions.Session) realtime.Event {
	return newEvent(eventType, SessionStatusPayload{
		SessionID: session.ID,
		Status:    session.Status,
		Timestamp: session.LastActivityAt,
	})
}

func errorEvent(commandName string, err error) realtime.Event {
	code := errs.Classify(err)
	return newEvent(EventError, ErrorPayload{
		Code:    code,
		Message: errs.Message(code),
		Command: commandName,
	})
}

func notePayloads(stored []notes.Note) []NotePayload {
	payloads := make([]NotePayload, 0, len(stored))
	for _, note := range stored {
		payloads = append(payloads, NotePayload{
			NoteID:     note.ID,
			SlideIndex: note.SlideIndex,
			Content:    note.Content,
			UpdatedAt:  note.UpdatedAt,
		})
	}
	return payloads
}
