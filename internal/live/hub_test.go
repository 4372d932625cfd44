package live

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/livesession/internal/errs"
	"github.com/MarcoPoloResearchLab/livesession/internal/identity"
	"github.com/MarcoPoloResearchLab/livesession/internal/ids"
	"github.com/MarcoPoloResearchLab/livesession/internal/notes"
	"github.com/MarcoPoloResearchLab/livesession/internal/presence"
	"github.com/MarcoPoloResearchLab/livesession/internal/realtime"
	"github.com/MarcoPoloResearchLab/livesession/internal/sessions"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testTeacherID = "T1"
	testJoinCode  = "AB12CD"
)

type hubHarness struct {
	hub       *Hub
	db        *gorm.DB
	directory *sessions.Directory
	presence  *presence.Manager
	lifecycle *sessions.Lifecycle
	router    *realtime.Router
	session   sessions.Session
}

func newHubHarness(t *testing.T) *hubHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "live.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&sessions.Session{}, &presence.Participant{}, &notes.Note{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	directory, err := sessions.NewDirectory(sessions.DirectoryConfig{Database: db, Clock: clock, IDProvider: ids.NewSequence("session")})
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}
	manager, err := presence.NewManager(presence.ManagerConfig{Database: db, Clock: clock, IDProvider: ids.NewSequence("participant"), Gate: directory})
	if err != nil {
		t.Fatalf("failed to construct presence manager: %v", err)
	}
	lifecycle, err := sessions.NewLifecycle(sessions.LifecycleConfig{Database: db, Clock: clock, Roster: manager})
	if err != nil {
		t.Fatalf("failed to construct lifecycle: %v", err)
	}
	store, err := notes.NewStore(notes.StoreConfig{Database: db, Clock: clock, IDProvider: ids.NewSequence("note")})
	if err != nil {
		t.Fatalf("failed to construct note store: %v", err)
	}
	router := realtime.NewRouter(nil)
	hub, err := NewHub(HubConfig{
		Directory: directory,
		Lifecycle: lifecycle,
		Presence:  manager,
		Notes:     store,
		Router:    router,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}

	session, err := directory.Create(context.Background(), sessions.CreateRequest{
		JoinCode:  testJoinCode,
		TeacherID: testTeacherID,
		LessonID:  "lesson-1",
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return &hubHarness{hub: hub, db: db, directory: directory, presence: manager, lifecycle: lifecycle, router: router, session: session}
}

func (h *hubHarness) connect(channelID string, resolution identity.Resolution) *realtime.Channel {
	channel := realtime.NewChannel(channelID, resolution, 32)
	h.hub.Connect(channel)
	return channel
}

func (h *hubHarness) send(channel *realtime.Channel, frame string) {
	h.hub.HandleFrame(context.Background(), channel, []byte(frame))
}

func authenticated(userID string) identity.Resolution {
	return identity.Resolution{State: identity.StateAuthenticated, UserID: userID, DisplayName: "User " + userID}
}

func drainEvents(channel *realtime.Channel) []realtime.Event {
	var events []realtime.Event
	for {
		select {
		case event := <-channel.Outbox():
			events = append(events, event)
		default:
			return events
		}
	}
}

func expectSingle(t *testing.T, channel *realtime.Channel, eventType string) realtime.Event {
	t.Helper()
	events := drainEvents(channel)
	if len(events) != 1 || events[0].Type != eventType {
		t.Fatalf("channel %s: expected one %s event, got %+v", channel.ID(), eventType, events)
	}
	return events[0]
}

func findEvent(t *testing.T, events []realtime.Event, eventType string) realtime.Event {
	t.Helper()
	for _, event := range events {
		if event.Type == eventType {
			return event
		}
	}
	t.Fatalf("expected a %s event, got %+v", eventType, events)
	return realtime.Event{}
}

func expectError(t *testing.T, channel *realtime.Channel, code errs.Code) ErrorPayload {
	t.Helper()
	event := expectSingle(t, channel, EventError)
	payload := event.Payload.(ErrorPayload)
	if payload.Code != code {
		t.Fatalf("expected error code %s, got %+v", code, payload)
	}
	return payload
}

func (h *hubHarness) participant(t *testing.T, participantID string) presence.Participant {
	t.Helper()
	var participant presence.Participant
	if err := h.db.Where("id = ?", participantID).Take(&participant).Error; err != nil {
		t.Fatalf("failed to load participant %s: %v", participantID, err)
	}
	return participant
}

// hookedPresence runs one-shot callbacks around Reconcile and can fail CountActive.
type hookedPresence struct {
	PresenceTracker
	beforeReconcile func()
	afterReconcile  func()
	countErr        error
}

func (p *hookedPresence) Reconcile(ctx context.Context, sessionID string, key presence.IdentityKey, displayName string) (presence.Reconciliation, error) {
	if hook := p.beforeReconcile; hook != nil {
		p.beforeReconcile = nil
		hook()
	}
	result, err := p.PresenceTracker.Reconcile(ctx, sessionID, key, displayName)
	if hook := p.afterReconcile; hook != nil && err == nil {
		p.afterReconcile = nil
		hook()
	}
	return result, err
}

func (p *hookedPresence) CountActive(ctx context.Context, sessionID, excludeUserID string) (int64, error) {
	if p.countErr != nil {
		return 0, p.countErr
	}
	return p.PresenceTracker.CountActive(ctx, sessionID, excludeUserID)
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEveryCommandHasAHandler(t *testing.T) {
	harness := newHubHarness(t)
	for _, commandType := range CommandTypes() {
		if !harness.hub.Handles(commandType) {
			t.Fatalf("no handler registered for %s", commandType)
		}
	}
	if len(harness.hub.handlers) != len(CommandTypes()) {
		t.Fatalf("handler table and decoder table differ: %d vs %d", len(harness.hub.handlers), len(CommandTypes()))
	}
}

func TestLiveSessionScenario(t *testing.T) {
	harness := newHubHarness(t)
	teacher := harness.connect("teacher-channel", authenticated(testTeacherID))
	student := harness.connect("student-channel", authenticated("U2"))

	harness.send(teacher, `{"type":"join-session","payload":{"sessionCode":"ab12cd"}}`)
	teacherJoined := expectSingle(t, teacher, EventSessionJoined).Payload.(SessionJoinedPayload)
	if teacherJoined.ParticipantCount != 0 || teacherJoined.Status != sessions.StatusActive {
		t.Fatalf("unexpected teacher snapshot %+v", teacherJoined)
	}

	harness.send(student, `{"type":"join-session","payload":{"sessionCode":"AB12CD","displayName":"Student Two"}}`)
	joined := expectSingle(t, student, EventSessionJoined).Payload.(SessionJoinedPayload)
	if joined.SessionID != harness.session.ID || joined.CurrentSlideIndex != 0 || joined.ParticipantCount != 1 || joined.LessonID != "lesson-1" {
		t.Fatalf("unexpected student snapshot %+v", joined)
	}
	announced := expectSingle(t, teacher, EventParticipantJoined).Payload.(ParticipantJoinedPayload)
	if announced.ParticipantID != joined.ParticipantID || announced.DisplayName != "Student Two" || announced.ParticipantCount != 1 {
		t.Fatalf("unexpected participant-joined %+v", announced)
	}

	harness.send(teacher, fmt.Sprintf(`{"type":"advance-slide","payload":{"sessionId":%q,"slideIndex":3}}`, harness.session.ID))
	for _, channel := range []*realtime.Channel{teacher, student} {
		changed := expectSingle(t, channel, EventSlideChanged).Payload.(SlideChangedPayload)
		if changed.SlideIndex != 3 {
			t.Fatalf("expected slide 3, got %+v", changed)
		}
	}

	harness.send(student, `{"type":"save-note","payload":{"slideIndex":3,"content":"remember this"}}`)
	saved := expectSingle(t, student, EventNoteSaved).Payload.(NoteSavedPayload)
	if saved.SlideIndex != 3 || saved.NoteID == "" {
		t.Fatalf("unexpected note-saved %+v", saved)
	}
	if events := drainEvents(teacher); len(events) != 0 {
		t.Fatalf("notes must not be broadcast, teacher got %+v", events)
	}

	harness.send(teacher, `{"type":"end-session","payload":{}}`)
	for _, channel := range []*realtime.Channel{teacher, student} {
		ended := expectSingle(t, channel, EventSessionEnded).Payload.(SessionStatusPayload)
		if ended.Status != sessions.StatusEnded {
			t.Fatalf("unexpected session-ended %+v", ended)
		}
	}

	var participants []presence.Participant
	if err := harness.db.Where("session_id = ?", harness.session.ID).Find(&participants).Error; err != nil {
		t.Fatalf("failed to load participants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected two participant rows, got %d", len(participants))
	}
	for _, participant := range participants {
		if participant.IsActive || participant.LeftAt == nil {
			t.Fatalf("expected inactive participant with leftAt, got %+v", participant)
		}
	}
	if harness.router.Count(harness.session.ID) != 0 {
		t.Fatalf("expected the group to be dissolved")
	}

	late := harness.connect("late-channel", identity.Anonymous())
	harness.send(late, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	expectError(t, late, errs.CodeInvalidState)
}

func TestTeacherOnlyCommandsAreGated(t *testing.T) {
	harness := newHubHarness(t)
	teacher := harness.connect("teacher-channel", authenticated(testTeacherID))
	student := harness.connect("student-channel", authenticated("U2"))
	guest := harness.connect("guest-channel", identity.Anonymous())
	for _, channel := range []*realtime.Channel{teacher, student, guest} {
		harness.send(channel, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
		drainEvents(teacher)
		drainEvents(student)
		drainEvents(guest)
	}

	for _, caller := range []*realtime.Channel{student, guest} {
		for _, frame := range []string{
			`{"type":"advance-slide","payload":{"slideIndex":5}}`,
			`{"type":"pause-session"}`,
			`{"type":"resume-session"}`,
			`{"type":"end-session"}`,
		} {
			harness.send(caller, frame)
			payload := expectError(t, caller, errs.CodeUnauthorized)
			if payload.Command == "" {
				t.Fatalf("expected error to name the command")
			}
			if events := drainEvents(teacher); len(events) != 0 {
				t.Fatalf("rejected command must not broadcast, teacher got %+v", events)
			}
		}
	}

	stored, err := harness.directory.Get(context.Background(), harness.session.ID)
	if err != nil {
		t.Fatalf("failed to reload session: %v", err)
	}
	if stored.CurrentSlideIndex != 0 || stored.Status != sessions.StatusActive {
		t.Fatalf("expected untouched session, got %+v", stored)
	}
}

func TestPauseAndResumeBroadcast(t *testing.T) {
	harness := newHubHarness(t)
	teacher := harness.connect("teacher-channel", authenticated(testTeacherID))
	student := harness.connect("student-channel", identity.Anonymous())
	harness.send(teacher, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	harness.send(student, `{"type":"join-session","payload":{"sessionCode":"AB12CD","anonymousId":"device-1"}}`)
	drainEvents(teacher)
	drainEvents(student)

	harness.send(teacher, `{"type":"pause-session"}`)
	expectSingle(t, teacher, EventSessionPaused)
	expectSingle(t, student, EventSessionPaused)

	late := harness.connect("late-channel", identity.Anonymous())
	harness.send(late, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	expectError(t, late, errs.CodeInvalidState)

	harness.send(teacher, `{"type":"pause-session"}`)
	expectError(t, teacher, errs.CodeInvalidState)

	harness.send(teacher, `{"type":"resume-session"}`)
	expectSingle(t, teacher, EventSessionResumed)
	expectSingle(t, student, EventSessionResumed)
}

func TestTeacherCommandFromUnjoinedChannelReachesCaller(t *testing.T) {
	harness := newHubHarness(t)
	teacher := harness.connect("teacher-channel", authenticated(testTeacherID))
	student := harness.connect("student-channel", authenticated("U2"))
	harness.send(student, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	drainEvents(student)

	harness.send(teacher, fmt.Sprintf(`{"type":"advance-slide","payload":{"sessionId":%q,"slideIndex":2}}`, harness.session.ID))
	expectSingle(t, teacher, EventSlideChanged)
	expectSingle(t, student, EventSlideChanged)

	harness.send(teacher, `{"type":"advance-slide","payload":{"slideIndex":2}}`)
	expectError(t, teacher, errs.CodeBadRequest)
}

func TestNotesRequireJoin(t *testing.T) {
	harness := newHubHarness(t)
	channel := harness.connect("student-channel", authenticated("U2"))

	harness.send(channel, fmt.Sprintf(`{"type":"save-note","payload":{"sessionId":%q,"slideIndex":0,"content":"x"}}`, harness.session.ID))
	expectError(t, channel, errs.CodeUnauthenticated)
	harness.send(channel, fmt.Sprintf(`{"type":"list-notes","payload":{"sessionId":%q}}`, harness.session.ID))
	expectError(t, channel, errs.CodeUnauthenticated)

	harness.send(channel, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	drainEvents(channel)
	harness.send(channel, `{"type":"save-note","payload":{"sessionId":"other-session","slideIndex":0,"content":"x"}}`)
	expectError(t, channel, errs.CodeUnauthenticated)

	harness.send(channel, `{"type":"save-note","payload":{"slideIndex":1,"content":"first"}}`)
	first := expectSingle(t, channel, EventNoteSaved).Payload.(NoteSavedPayload)
	harness.send(channel, `{"type":"save-note","payload":{"slideIndex":1,"content":"second"}}`)
	second := expectSingle(t, channel, EventNoteSaved).Payload.(NoteSavedPayload)
	if first.NoteID != second.NoteID {
		t.Fatalf("expected upsert to keep the note id, got %s and %s", first.NoteID, second.NoteID)
	}

	harness.send(channel, `{"type":"list-notes"}`)
	listed := expectSingle(t, channel, EventNotesListed).Payload.(NotesListedPayload)
	if len(listed.Notes) != 1 || listed.Notes[0].Content != "second" {
		t.Fatalf("unexpected notes %+v", listed)
	}
}

func TestMalformedFramesReportBadRequest(t *testing.T) {
	harness := newHubHarness(t)
	channel := harness.connect("channel-1", identity.Anonymous())

	harness.send(channel, `not json`)
	expectError(t, channel, errs.CodeBadRequest)

	harness.send(channel, `{"type":"launch-rocket","payload":{}}`)
	payload := expectError(t, channel, errs.CodeBadRequest)
	if payload.Command != "launch-rocket" {
		t.Fatalf("expected error to echo the command, got %+v", payload)
	}

	harness.send(channel, `{"type":"advance-slide","payload":{"slideIndex":"three"}}`)
	expectError(t, channel, errs.CodeBadRequest)

	harness.send(channel, `{"type":"join-session","payload":{}}`)
	expectError(t, channel, errs.CodeBadRequest)

	harness.send(channel, `{"type":"join-session","payload":{"sessionCode":"NOPE00"}}`)
	expectError(t, channel, errs.CodeNotFound)
}

func TestUpdateStatusIsSilent(t *testing.T) {
	harness := newHubHarness(t)
	channel := harness.connect("student-channel", authenticated("U2"))

	harness.send(channel, `{"type":"update-status"}`)
	if events := drainEvents(channel); len(events) != 0 {
		t.Fatalf("expected unjoined heartbeat to be ignored, got %+v", events)
	}

	harness.send(channel, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	drainEvents(channel)
	harness.send(channel, `{"type":"update-status","payload":{}}`)
	if events := drainEvents(channel); len(events) != 0 {
		t.Fatalf("expected heartbeat to be silent, got %+v", events)
	}
}

func TestReconnectReusesParticipantAndDisconnectWaitsForLastChannel(t *testing.T) {
	harness := newHubHarness(t)
	teacher := harness.connect("teacher-channel", authenticated(testTeacherID))
	firstTab := harness.connect("tab-1", authenticated("U2"))
	secondTab := harness.connect("tab-2", authenticated("U2"))
	harness.send(teacher, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	harness.send(firstTab, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	harness.send(secondTab, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)

	first := findEvent(t, drainEvents(firstTab), EventSessionJoined).Payload.(SessionJoinedPayload)
	second := findEvent(t, drainEvents(secondTab), EventSessionJoined).Payload.(SessionJoinedPayload)
	if first.ParticipantID != second.ParticipantID {
		t.Fatalf("expected both tabs to share one participant, got %s and %s", first.ParticipantID, second.ParticipantID)
	}
	if second.ParticipantCount != 1 {
		t.Fatalf("expected one participant, got %d", second.ParticipantCount)
	}
	drainEvents(teacher)

	harness.hub.Disconnect(context.Background(), firstTab)
	if events := drainEvents(teacher); len(events) != 0 {
		t.Fatalf("expected no departure while another tab is open, got %+v", events)
	}
	participant := harness.participant(t, first.ParticipantID)
	if !participant.IsActive {
		t.Fatalf("expected participant to stay active, got %+v", participant)
	}

	harness.hub.Disconnect(context.Background(), secondTab)
	left := expectSingle(t, teacher, EventParticipantLeft).Payload.(ParticipantLeftPayload)
	if left.ParticipantID != first.ParticipantID || left.ParticipantCount != 0 {
		t.Fatalf("unexpected participant-left %+v", left)
	}
	participant = harness.participant(t, first.ParticipantID)
	if participant.IsActive || participant.LeftAt == nil {
		t.Fatalf("expected participant to be inactive, got %+v", participant)
	}
	if !secondTab.Closed() {
		t.Fatalf("expected disconnected channel to be closed")
	}
}

func TestOldTabClosingDuringReconnectKeepsParticipantActive(t *testing.T) {
	harness := newHubHarness(t)
	teacher := harness.connect("teacher-channel", authenticated(testTeacherID))
	oldTab := harness.connect("tab-old", authenticated("U2"))
	harness.send(teacher, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	harness.send(oldTab, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	first := findEvent(t, drainEvents(oldTab), EventSessionJoined).Payload.(SessionJoinedPayload)
	drainEvents(teacher)

	departed := make(chan struct{})
	harness.hub.presence = &hookedPresence{
		PresenceTracker: harness.presence,
		afterReconcile: func() {
			go func() {
				harness.hub.Disconnect(context.Background(), oldTab)
				close(departed)
			}()
			waitFor(t, "old tab to unregister", oldTab.Closed)
		},
	}

	newTab := harness.connect("tab-new", authenticated("U2"))
	harness.send(newTab, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	select {
	case <-departed:
	case <-time.After(2 * time.Second):
		t.Fatalf("old tab disconnect did not finish")
	}

	joined := findEvent(t, drainEvents(newTab), EventSessionJoined).Payload.(SessionJoinedPayload)
	if joined.ParticipantID != first.ParticipantID || joined.ParticipantCount != 1 {
		t.Fatalf("unexpected snapshot for the new tab %+v", joined)
	}
	binding, ok := harness.router.Binding(newTab.ID())
	if !ok || binding.ParticipantID != first.ParticipantID {
		t.Fatalf("expected new tab to be bound to %s, got %+v (%v)", first.ParticipantID, binding, ok)
	}
	participant := harness.participant(t, first.ParticipantID)
	if !participant.IsActive || participant.LeftAt != nil {
		t.Fatalf("expected participant to stay active, got %+v", participant)
	}
	teacherEvents := drainEvents(teacher)
	for _, event := range teacherEvents {
		if event.Type == EventParticipantLeft {
			t.Fatalf("participant-left must not be announced for a reconnect, got %+v", teacherEvents)
		}
	}
	announced := findEvent(t, teacherEvents, EventParticipantJoined).Payload.(ParticipantJoinedPayload)
	if announced.ParticipantCount != 1 {
		t.Fatalf("expected participant-joined count 1, got %+v", announced)
	}
	if harness.hub.locks.size() != 0 {
		t.Fatalf("expected session locks to be released, %d held", harness.hub.locks.size())
	}
}

func TestJoinRacingEndIsRejected(t *testing.T) {
	harness := newHubHarness(t)
	student := harness.connect("student-channel", authenticated("U2"))
	harness.hub.presence = &hookedPresence{
		PresenceTracker: harness.presence,
		beforeReconcile: func() {
			if _, err := harness.lifecycle.End(context.Background(), harness.session.ID, testTeacherID); err != nil {
				t.Fatalf("end failed: %v", err)
			}
		},
	}

	harness.send(student, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	expectError(t, student, errs.CodeInvalidState)

	if _, ok := harness.router.Binding(student.ID()); ok {
		t.Fatalf("expected the channel to stay unbound")
	}
	if harness.router.Count(harness.session.ID) != 0 {
		t.Fatalf("expected no group for the ended session")
	}
	var active int64
	if err := harness.db.Model(&presence.Participant{}).
		Where("session_id = ? AND is_active = ?", harness.session.ID, true).
		Count(&active).Error; err != nil {
		t.Fatalf("failed to count participants: %v", err)
	}
	if active != 0 {
		t.Fatalf("ended session has %d active participants", active)
	}
}

func TestFailedJoinLeavesChannelUnbound(t *testing.T) {
	harness := newHubHarness(t)
	teacher := harness.connect("teacher-channel", authenticated(testTeacherID))
	harness.send(teacher, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	drainEvents(teacher)

	harness.hub.presence = &hookedPresence{
		PresenceTracker: harness.presence,
		countErr:        errs.New("test.count", "unavailable", errs.ErrInternal, nil),
	}
	student := harness.connect("student-channel", authenticated("U2"))
	harness.send(student, `{"type":"join-session","payload":{"sessionCode":"AB12CD"}}`)
	expectError(t, student, errs.CodeInternal)

	if _, ok := harness.router.Binding(student.ID()); ok {
		t.Fatalf("expected failed join to leave the channel unbound")
	}
	if events := drainEvents(teacher); len(events) != 0 {
		t.Fatalf("expected no announcement for a failed join, got %+v", events)
	}
	var participant presence.Participant
	if err := harness.db.Where("session_id = ? AND user_id = ?", harness.session.ID, "U2").Take(&participant).Error; err != nil {
		t.Fatalf("failed to load participant: %v", err)
	}
	if participant.IsActive {
		t.Fatalf("expected abandoned join to be rolled back, got %+v", participant)
	}
}
