package server

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/livesession/internal/auth"
	"github.com/MarcoPoloResearchLab/livesession/internal/database"
	"github.com/MarcoPoloResearchLab/livesession/internal/identity"
	"github.com/MarcoPoloResearchLab/livesession/internal/ids"
	"github.com/MarcoPoloResearchLab/livesession/internal/live"
	"github.com/MarcoPoloResearchLab/livesession/internal/notes"
	"github.com/MarcoPoloResearchLab/livesession/internal/presence"
	"github.com/MarcoPoloResearchLab/livesession/internal/realtime"
	"github.com/MarcoPoloResearchLab/livesession/internal/sessions"
	"github.com/MarcoPoloResearchLab/livesession/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "tauth"
	testCookieName    = "app_session"
)

type testStack struct {
	server    *httptest.Server
	directory *sessions.Directory
	presence  *presence.Manager
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "server.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	directory, err := sessions.NewDirectory(sessions.DirectoryConfig{Database: db, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}
	manager, err := presence.NewManager(presence.ManagerConfig{Database: db, IDProvider: ids.NewUUIDProvider(), Gate: directory})
	if err != nil {
		t.Fatalf("failed to construct presence manager: %v", err)
	}
	lifecycle, err := sessions.NewLifecycle(sessions.LifecycleConfig{Database: db, Roster: manager})
	if err != nil {
		t.Fatalf("failed to construct lifecycle: %v", err)
	}
	store, err := notes.NewStore(notes.StoreConfig{Database: db, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct note store: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	validator, err := auth.NewCredentialValidator(auth.CredentialValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	resolver := identity.NewResolver(identity.ResolverConfig{Validator: validator, Profiles: userService})

	hub, err := live.NewHub(live.HubConfig{
		Directory: directory,
		Lifecycle: lifecycle,
		Presence:  manager,
		Notes:     store,
		Router:    realtime.NewRouter(nil),
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Directory:      directory,
		Presence:       manager,
		Identities:     resolver,
		Hub:            hub,
		AllowedOrigins: []string{"*"},
		OutboxSize:     32,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testStack{server: server, directory: directory, presence: manager}
}

func mintToken(t *testing.T, userID, displayName string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		UserID:          userID,
		UserDisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
