// Package live decodes channel commands and drives session state, presence, notes and fan-out.
package live

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/MarcoPoloResearchLab/livesession/internal/errs"
)

const opDecode = "live.decode"

// CommandType names an inbound command.
type CommandType string

const (
	CommandJoinSession   CommandType = "join-session"
	CommandAdvanceSlide  CommandType = "advance-slide"
	CommandUpdateStatus  CommandType = "update-status"
	CommandSaveNote      CommandType = "save-note"
	CommandListNotes     CommandType = "list-notes"
	CommandPauseSession  CommandType = "pause-session"
	CommandResumeSession CommandType = "resume-session"
	CommandEndSession    CommandType = "end-session"
)

// Command is one decoded inbound command variant.
type Command interface {
	Type() CommandType
}

// JoinSession binds the channel to the session with the given join code.
type JoinSession struct {
	SessionCode string `json:"sessionCode"`
	DisplayName string `json:"displayName"`
	AnonymousID string `json:"anonymousId"`
}

// AdvanceSlide moves the shared slide position.
type AdvanceSlide struct {
	SessionID  string `json:"sessionId"`
	SlideIndex *int   `json:"slideIndex"`
}

// UpdateStatus is a liveness heartbeat.
type UpdateStatus struct{}

// SaveNote writes the caller's private note for one slide.
type SaveNote struct {
	SessionID  string `json:"sessionId"`
	SlideIndex *int   `json:"slideIndex"`
	Content    string `json:"content"`
}

// ListNotes returns the caller's notes for the session.
type ListNotes struct {
	SessionID string `json:"sessionId"`
}

// PauseSession moves an ACTIVE session to PAUSED.
type PauseSession struct {
	SessionID string `json:"sessionId"`
}

// ResumeSession moves a PAUSED session back to ACTIVE.
type ResumeSession struct {
	SessionID string `json:"sessionId"`
}

// EndSession terminates the session.
type EndSession struct {
	SessionID string `json:"sessionId"`
}

func (*JoinSession) Type() CommandType   { return CommandJoinSession }
func (*AdvanceSlide) Type() CommandType  { return CommandAdvanceSlide }
func (*UpdateStatus) Type() CommandType  { return CommandUpdateStatus }
func (*SaveNote) Type() CommandType      { return CommandSaveNote }
func (*ListNotes) Type() CommandType     { return CommandListNotes }
func (*PauseSession) Type() CommandType  { return CommandPauseSession }
func (*ResumeSession) Type() CommandType { return CommandResumeSession }
func (*EndSession) Type() CommandType    { return CommandEndSession }

// commandDecoders allocates the payload target for each command type.
var commandDecoders = map[CommandType]func() Command{
	CommandJoinSession:   func() Command { return &JoinSession{} },
	CommandAdvanceSlide:  func() Command { return &AdvanceSlide{} },
	CommandUpdateStatus:  func() Command { return &UpdateStatus{} },
	CommandSaveNote:      func() Command { return &SaveNote{} },
	CommandListNotes:     func() Command { return &ListNotes{} },
	CommandPauseSession:  func() Command { return &PauseSession{} },
	CommandResumeSession: func() Command { return &ResumeSession{} },
	CommandEndSession:    func() Command { return &EndSession{} },
}

// CommandTypes lists every decodable command type.
func CommandTypes() []CommandType {
	types := make([]CommandType, 0, len(commandDecoders))
	for commandType := range commandDecoders {
		types = append(types, commandType)
	}
	return types
}

type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeCommand parses a `{"type","payload"}` frame. The raw type name is returned even when
// decoding fails so error events can echo it.
func DecodeCommand(frame []byte) (Command, string, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return nil, "", errs.New(opDecode, "malformed_envelope", errs.ErrBadRequest, err)
	}
	commandName := strings.TrimSpace(envelope.Type)
	build, ok := commandDecoders[CommandType(commandName)]
	if !ok {
		return nil, commandName, errs.New(opDecode, "unknown_command", errs.ErrBadRequest, nil)
	}

	command := build()
	payload := bytes.TrimSpace(envelope.Payload)
	if len(payload) > 0 && !bytes.Equal(payload, []byte("null")) {
		if err := json.Unmarshal(payload, command); err != nil {
			return nil, commandName, errs.New(opDecode, "malformed_payload", errs.ErrBadRequest, err)
		}
	}
	if err := validateCommand(command); err != nil {
		return nil, commandName, err
	}
	return command, commandName, nil
}

func validateCommand(command Command) error {
	switch typed := command.(type) {
	case *JoinSession:
		if strings.TrimSpace(typed.SessionCode) == "" {
			return errs.New(opDecode, "missing_session_code", errs.ErrBadRequest, nil)
		}
	case *AdvanceSlide:
		if typed.SlideIndex == nil {
			return errs.New(opDecode, "missing_slide_index", errs.ErrBadRequest, nil)
		}
	case *SaveNote:
		if typed.SlideIndex == nil {
			return errs.New(opDecode, "missing_slide_index", errs.ErrBadRequest, nil)
		}
	}
	return nil
}
