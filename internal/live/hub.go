package live

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/livesession/internal/errs"
	"github.com/MarcoPoloResearchLab/livesession/internal/notes"
	"github.com/MarcoPoloResearchLab/livesession/internal/presence"
	"github.com/MarcoPoloResearchLab/livesession/internal/realtime"
	"github.com/MarcoPoloResearchLab/livesession/internal/sessions"
	"go.uber.org/zap"
)

const (
	opResolveSession = "live.resolve_session"
	opRequireBinding = "live.require_binding"
)

var (
	errMissingDirectory = errors.New("session directory is required")
	errMissingLifecycle = errors.New("session lifecycle is required")
	errMissingPresence  = errors.New("presence manager is required")
	errMissingNotes     = errors.New("note store is required")
	errMissingRouter    = errors.New("router is required")
)

// SessionDirectory looks sessions up.
type SessionDirectory interface {
	FindByCode(ctx context.Context, code string) (sessions.Session, error)
	Get(ctx context.Context, sessionID string) (sessions.Session, error)
}

// SessionLifecycle applies teacher-only mutations.
type SessionLifecycle interface {
	AdvanceSlide(ctx context.Context, sessionID, callerUserID string, slideIndex int) (sessions.Transition, error)
	Pause(ctx context.Context, sessionID, callerUserID string) (sessions.Transition, error)
	Resume(ctx context.Context, sessionID, callerUserID string) (sessions.Transition, error)
	End(ctx context.Context, sessionID, callerUserID string) (sessions.Transition, error)
}

// PresenceTracker maintains participant rows.
type PresenceTracker interface {
	Reconcile(ctx context.Context, sessionID string, key presence.IdentityKey, displayName string) (presence.Reconciliation, error)
	Touch(ctx context.Context, participantID string) error
	MarkLeft(ctx context.Context, participantID string) error
	CountActive(ctx context.Context, sessionID, excludeUserID string) (int64, error)
}

// NoteStore persists participant notes.
type NoteStore interface {
	Save(ctx context.Context, request notes.SaveRequest) (notes.Note, error)
	ListForParticipant(ctx context.Context, sessionID, participantID string) ([]notes.Note, error)
}

// HubConfig wires the hub.
type HubConfig struct {
	Directory SessionDirectory
	Lifecycle SessionLifecycle
	Presence  PresenceTracker
	Notes     NoteStore
	Router    *realtime.Router
	Logger    *zap.Logger
}

type handlerFunc func(ctx context.Context, channel *realtime.Channel, command Command) error

// Hub dispatches decoded commands. Commands of one channel are handled in arrival order by the
// caller; different channels are handled concurrently. Joins, departures and lifecycle commands
// of one session are serialized on a per-session lock.
type Hub struct {
	directory SessionDirectory
	lifecycle SessionLifecycle
	presence  PresenceTracker
	notes     NoteStore
	router    *realtime.Router
	logger    *zap.Logger
	handlers  map[CommandType]handlerFunc
	locks     *sessionLocks
}

// NewHub constructs a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	switch {
	case cfg.Directory == nil:
		return nil, errMissingDirectory
	case cfg.Lifecycle == nil:
		return nil, errMissingLifecycle
	case cfg.Presence == nil:
		return nil, errMissingPresence
	case cfg.Notes == nil:
		return nil, errMissingNotes
	case cfg.Router == nil:
		return nil, errMissingRouter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &Hub{
		directory: cfg.Directory,
		lifecycle: cfg.Lifecycle,
		presence:  cfg.Presence,
		notes:     cfg.Notes,
		router:    cfg.Router,
		logger:    logger,
		locks:     newSessionLocks(),
	}
	hub.handlers = map[CommandType]handlerFunc{
		CommandJoinSession:   hub.handleJoinSession,
		CommandAdvanceSlide:  hub.handleAdvanceSlide,
		CommandUpdateStatus:  hub.handleUpdateStatus,
		CommandSaveNote:      hub.handleSaveNote,
		CommandListNotes:     hub.handleListNotes,
		CommandPauseSession:  hub.handlePauseSession,
		CommandResumeSession: hub.handleResumeSession,
		CommandEndSession:    hub.handleEndSession,
	}
	return hub, nil
}

// Handles reports whether a handler is registered for the command type.
func (h *Hub) Handles(commandType CommandType) bool {
	_, ok := h.handlers[commandType]
	return ok
}

// Connect registers a newly opened channel.
func (h *Hub) Connect(channel *realtime.Channel) {
	h.router.Register(channel)
	h.logger.Debug("channel connected",
		zap.String("channel_id", channel.ID()),
		zap.String("identity_state", string(channel.Identity().State)))
}

// HandleFrame decodes one inbound frame and dispatches it. Failures are reported to the
// originating channel as an error event; the channel stays open.
func (h *Hub) HandleFrame(ctx context.Context, channel *realtime.Channel, frame []byte) {
	command, commandName, err := DecodeCommand(frame)
	if err != nil {
		h.reportFailure(channel, commandName, err)
		return
	}
	if err := h.Dispatch(ctx, channel, command); err != nil {
		h.reportFailure(channel, commandName, err)
	}
}

// Dispatch runs the handler registered for the command.
func (h *Hub) Dispatch(ctx context.Context, channel *realtime.Channel, command Command) error {
	handler, ok := h.handlers[command.Type()]
	if !ok {
		return errs.New("live.dispatch", "unhandled_command", errs.ErrBadRequest, nil)
	}
	return handler(ctx, channel, command)
}

// Disconnect removes the channel. Its participant is marked inactive only when no other open
// channel is still bound to it, and the rest of the group is told it left.
func (h *Hub) Disconnect(ctx context.Context, channel *realtime.Channel) {
	binding, bound := h.router.Unregister(channel.ID())
	channel.Close()
	if !bound {
		return
	}
	h.depart(ctx, binding)
}

func (h *Hub) handleJoinSession(ctx context.Context, channel *realtime.Channel, command Command) error {
	join := command.(*JoinSession)
	session, err := h.directory.FindByCode(ctx, join.SessionCode)
	if err != nil {
		return err
	}
	if err := sessions.RequireJoinable(session); err != nil {
		return err
	}

	resolution := channel.Identity()
	key := presence.AnonymousKey(join.AnonymousID)
	if resolution.Authenticated() {
		key = presence.UserKey(resolution.UserID)
	} else if key.AnonymousID == "" {
		key = presence.AnonymousKey(channel.ID())
	}
	displayName := strings.TrimSpace(join.DisplayName)
	if displayName == "" {
		displayName = resolution.DisplayName
	}

	previous, participantID, moved, err := h.admit(ctx, channel, session.ID, key, displayName)
	if err != nil {
		return err
	}
	// depart takes the previous session's lock, so it runs only after admit released ours.
	if moved && (previous.SessionID != session.ID || previous.ParticipantID != participantID) {
		h.depart(ctx, previous)
	}
	return nil
}

// admit reconciles the participant, binds the channel and announces the join while holding the
// session lock, so a departing channel of the same participant cannot interleave.
func (h *Hub) admit(ctx context.Context, channel *realtime.Channel, sessionID string, key presence.IdentityKey, displayName string) (realtime.Binding, string, bool, error) {
	release := h.locks.lock(sessionID)
	defer release()

	reconciliation, err := h.presence.Reconcile(ctx, sessionID, key, displayName)
	if err != nil {
		return realtime.Binding{}, "", false, err
	}
	participant := reconciliation.Participant

	session, err := h.directory.Get(ctx, sessionID)
	if err != nil {
		h.abandon(ctx, participant.ID)
		return realtime.Binding{}, "", false, err
	}
	count, err := h.presence.CountActive(ctx, session.ID, session.TeacherID)
	if err != nil {
		h.abandon(ctx, participant.ID)
		return realtime.Binding{}, "", false, err
	}

	previous, moved := h.router.Bind(channel, session.ID, participant.ID)

	h.router.Send(channel.ID(), newEvent(EventSessionJoined, SessionJoinedPayload{
		SessionID:         session.ID,
		CurrentSlideIndex: session.CurrentSlideIndex,
		LessonID:          session.LessonID,
		ParticipantID:     participant.ID,
		ParticipantCount:  count,
		Status:            session.Status,
	}))
	h.router.BroadcastExcept(session.ID, channel.ID(), newEvent(EventParticipantJoined, ParticipantJoinedPayload{
		ParticipantID:    participant.ID,
		DisplayName:      participant.DisplayName,
		ParticipantCount: count,
	}))

	h.logger.Info("channel joined session",
		zap.String("channel_id", channel.ID()),
		zap.String("session_id", session.ID),
		zap.String("participant_id", participant.ID),
		zap.Bool("rejoined", reconciliation.Rejoined),
		zap.Int("group_channels", h.router.Count(session.ID)))
	return previous, participant.ID, moved, nil
}

// abandon undoes a reconciliation whose join could not complete. Callers hold the session lock.
func (h *Hub) abandon(ctx context.Context, participantID string) {
	if len(h.router.ParticipantChannels(participantID)) > 0 {
		return
	}
	if err := h.presence.MarkLeft(ctx, participantID); err != nil {
		h.logger.Warn("abandoned join not rolled back",
			zap.String("participant_id", participantID),
			zap.Error(err))
	}
}

func (h *Hub) handleAdvanceSlide(ctx context.Context, channel *realtime.Channel, command Command) error {
	advance := command.(*AdvanceSlide)
	sessionID, err := h.resolveSessionID(channel, advance.SessionID)
	if err != nil {
		return err
	}
	release := h.locks.lock(sessionID)
	defer release()
	transition, err := h.lifecycle.AdvanceSlide(ctx, sessionID, callerUserID(channel), *advance.SlideIndex)
	if err != nil {
		return err
	}
	h.broadcastToGroupAndCaller(sessionID, channel, newEvent(EventSlideChanged, SlideChangedPayload{
		SessionID:  sessionID,
		SlideIndex: transition.Session.CurrentSlideIndex,
		Timestamp:  transition.Session.LastActivityAt,
	}))
	return nil
}

func (h *Hub) handleUpdateStatus(ctx context.Context, channel *realtime.Channel, _ Command) error {
	binding, ok := h.router.Binding(channel.ID())
	if !ok {
		return nil
	}
	if err := h.presence.Touch(ctx, binding.ParticipantID); err != nil {
		h.logger.Warn("heartbeat not persisted",
			zap.String("channel_id", channel.ID()),
			zap.String("participant_id", binding.ParticipantID),
			zap.Error(err))
	}
	return nil
}

func (h *Hub) handleSaveNote(ctx context.Context, channel *realtime.Channel, command Command) error {
	save := command.(*SaveNote)
	binding, err := h.requireBinding(channel, save.SessionID)
	if err != nil {
		return err
	}
	note, err := h.notes.Save(ctx, notes.SaveRequest{
		SessionID:     binding.SessionID,
		ParticipantID: binding.ParticipantID,
		SlideIndex:    *save.SlideIndex,
		Content:       save.Content,
	})
	if err != nil {
		return err
	}
	h.router.Send(channel.ID(), newEvent(EventNoteSaved, NoteSavedPayload{
		NoteID:     note.ID,
		SlideIndex: note.SlideIndex,
		UpdatedAt:  note.UpdatedAt,
	}))
	return nil
}

func (h *Hub) handleListNotes(ctx context.Context, channel *realtime.Channel, command Command) error {
	list := command.(*ListNotes)
	binding, err := h.requireBinding(channel, list.SessionID)
	if err != nil {
		return err
	}
	stored, err := h.notes.ListForParticipant(ctx, binding.SessionID, binding.ParticipantID)
	if err != nil {
		return err
	}
	h.router.Send(channel.ID(), newEvent(EventNotesListed, NotesListedPayload{
		SessionID: binding.SessionID,
		Notes:     notePayloads(stored),
	}))
	return nil
}

func (h *Hub) handlePauseSession(ctx context.Context, channel *realtime.Channel, command Command) error {
	sessionID, err := h.resolveSessionID(channel, command.(*PauseSession).SessionID)
	if err != nil {
		return err
	}
	release := h.locks.lock(sessionID)
	defer release()
	transition, err := h.lifecycle.Pause(ctx, sessionID, callerUserID(channel))
	if err != nil {
		return err
	}
	h.broadcastToGroupAndCaller(sessionID, channel, statusEvent(EventSessionPaused, transition.Session))
	return nil
}

func (h *Hub) handleResumeSession(ctx context.Context, channel *realtime.Channel, command Command) error {
	sessionID, err := h.resolveSessionID(channel, command.(*ResumeSession).SessionID)
	if err != nil {
		return err
	}
	release := h.locks.lock(sessionID)
	defer release()
	transition, err := h.lifecycle.Resume(ctx, sessionID, callerUserID(channel))
	if err != nil {
		return err
	}
	h.broadcastToGroupAndCaller(sessionID, channel, statusEvent(EventSessionResumed, transition.Session))
	return nil
}

func (h *Hub) handleEndSession(ctx context.Context, channel *realtime.Channel, command Command) error {
	sessionID, err := h.resolveSessionID(channel, command.(*EndSession).SessionID)
	if err != nil {
		return err
	}
	release := h.locks.lock(sessionID)
	defer release()
	transition, err := h.lifecycle.End(ctx, sessionID, callerUserID(channel))
	if err != nil {
		return err
	}
	h.broadcastToGroupAndCaller(sessionID, channel, statusEvent(EventSessionEnded, transition.Session))
	members := h.router.Dissolve(sessionID)
	h.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.Int64("participants_deactivated", transition.Deactivated),
		zap.Int("channels_released", len(members)))
	return nil
}

// depart handles a binding that a channel gave up by disconnecting or moving to another session.
// The bound-channel check and MarkLeft run under the session lock so a concurrent join of the same
// participant is either fully before or fully after them.
func (h *Hub) depart(ctx context.Context, binding realtime.Binding) {
	release := h.locks.lock(binding.SessionID)
	defer release()

	if len(h.router.ParticipantChannels(binding.ParticipantID)) > 0 {
		return
	}
	if err := h.presence.MarkLeft(ctx, binding.ParticipantID); err != nil {
		h.logger.Warn("participant departure not persisted",
			zap.String("session_id", binding.SessionID),
			zap.String("participant_id", binding.ParticipantID),
			zap.Error(err))
	}

	session, err := h.directory.Get(ctx, binding.SessionID)
	if err != nil {
		h.logger.Warn("participant-left not announced",
			zap.String("session_id", binding.SessionID),
			zap.Error(err))
		return
	}
	count, err := h.presence.CountActive(ctx, session.ID, session.TeacherID)
	if err != nil {
		h.logger.Warn("participant-left not announced",
			zap.String("session_id", binding.SessionID),
			zap.Error(err))
		return
	}
	h.router.Broadcast(session.ID, newEvent(EventParticipantLeft, ParticipantLeftPayload{
		ParticipantID:    binding.ParticipantID,
		ParticipantCount: count,
	}))
}

// broadcastToGroupAndCaller fans the event out to the group and also delivers it to a caller
// that issued the command without being joined to the session.
func (h *Hub) broadcastToGroupAndCaller(sessionID string, caller *realtime.Channel, event realtime.Event) {
	h.router.Broadcast(sessionID, event)
	if binding, ok := h.router.Binding(caller.ID()); !ok || binding.SessionID != sessionID {
		h.router.Send(caller.ID(), event)
	}
}

// resolveSessionID defaults an omitted session id to the channel's bound session.
func (h *Hub) resolveSessionID(channel *realtime.Channel, sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID != "" {
		return sessionID, nil
	}
	if binding, ok := h.router.Binding(channel.ID()); ok {
		return binding.SessionID, nil
	}
	return "", errs.New(opResolveSession, "missing_session_id", errs.ErrBadRequest, nil)
}

// requireBinding returns the channel's binding when it is joined to the requested session.
func (h *Hub) requireBinding(channel *realtime.Channel, sessionID string) (realtime.Binding, error) {
	binding, ok := h.router.Binding(channel.ID())
	if !ok {
		return realtime.Binding{}, errs.New(opRequireBinding, "not_joined", errs.ErrUnauthenticated, nil)
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID != "" && sessionID != binding.SessionID {
		return realtime.Binding{}, errs.New(opRequireBinding, "other_session", errs.ErrUnauthenticated, nil)
	}
	return binding, nil
}

func (h *Hub) reportFailure(channel *realtime.Channel, commandName string, err error) {
	code := errs.Classify(err)
	fields := []zap.Field{
		zap.String("channel_id", channel.ID()),
		zap.String("command", commandName),
		zap.String("code", string(code)),
		zap.Error(err),
	}
	if code == errs.CodeInternal {
		h.logger.Error("command failed", fields...)
	} else {
		h.logger.Debug("command rejected", fields...)
	}
	h.router.Send(channel.ID(), errorEvent(commandName, err))
}

func callerUserID(channel *realtime.Channel) string {
	resolution := channel.Identity()
	if !resolution.Authenticated() {
		return ""
	}
	return resolution.UserID
}
