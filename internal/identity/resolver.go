// Package identity turns an optional channel credential into a user identity or an anonymous
// observer. Resolution never fails outward.
package identity

import (
	"context"
	"net/http"

	"github.com/MarcoPoloResearchLab/livesession/internal/auth"
	"github.com/MarcoPoloResearchLab/livesession/internal/users"
	"go.uber.org/zap"
)

// State enumerates the outcomes of credential resolution.
type State string

const (
	// StateAuthenticated means the credential validated and mapped onto a user id.
	StateAuthenticated State = "authenticated"
	// StateAnonymous means no credential was presented.
	StateAnonymous State = "anonymous"
	// StateDegraded means a credential was presented but rejected; the channel continues anonymously.
	StateDegraded State = "degraded"
)

// Resolution is the cached identity of one channel.
type Resolution struct {
	State       State
	UserID      string
	DisplayName string
}

// Authenticated reports whether the resolution carries a user id.
func (r Resolution) Authenticated() bool {
	return r.State == StateAuthenticated && r.UserID != ""
}

// Anonymous is the resolution used for channels without a usable credential.
func Anonymous() Resolution {
	return Resolution{State: StateAnonymous}
}

// CredentialValidator validates raw credentials.
type CredentialValidator interface {
	ValidateToken(token string) (auth.Claims, error)
	ExtractCredential(r *http.Request) string
}

// ProfileResolver maps validated claims onto a canonical profile.
type ProfileResolver interface {
	ResolveProfile(ctx context.Context, claims auth.Claims) (users.Profile, error)
}

// ResolverConfig wires the resolver dependencies.
type ResolverConfig struct {
	Validator CredentialValidator
	Profiles  ProfileResolver
	Logger    *zap.Logger
}

// Resolver resolves channel credentials.
type Resolver struct {
	validator CredentialValidator
	profiles  ProfileResolver
	logger    *zap.Logger
}

// NewResolver constructs a Resolver. A nil validator resolves every channel as anonymous.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		validator: cfg.Validator,
		profiles:  cfg.Profiles,
		logger:    logger,
	}
}

// ResolveRequest resolves the credential carried by a channel upgrade request.
func (r *Resolver) ResolveRequest(ctx context.Context, request *http.Request) Resolution {
	if r.validator == nil {
		return r.Resolve(ctx, "")
	}
	return r.Resolve(ctx, r.validator.ExtractCredential(request))
}

// Resolve resolves a raw credential.
func (r *Resolver) Resolve(ctx context.Context, credential string) Resolution {
	if credential == "" || r.validator == nil {
		r.logger.Debug("channel resolved anonymously", zap.String("identity_state", string(StateAnonymous)))
		return Anonymous()
	}

	claims, err := r.validator.ValidateToken(credential)
	if err != nil {
		r.logger.Warn("channel credential rejected; continuing anonymously",
			zap.String("identity_state", string(StateDegraded)),
			zap.Error(err))
		return Resolution{State: StateDegraded}
	}

	profile := users.Profile{UserID: claims.UserID, DisplayName: claims.UserDisplayName}
	if r.profiles != nil {
		resolved, profileErr := r.profiles.ResolveProfile(ctx, claims)
		if profileErr != nil {
			r.logger.Warn("channel identity lookup failed; continuing anonymously",
				zap.String("identity_state", string(StateDegraded)),
				zap.String("subject", claims.Subject),
				zap.Error(profileErr))
			return Resolution{State: StateDegraded}
		}
		profile = resolved
	}
	if profile.UserID == "" {
		profile.UserID = claims.Subject
	}

	r.logger.Debug("channel authenticated",
		zap.String("identity_state", string(StateAuthenticated)),
		zap.String("user_id", profile.UserID))
	return Resolution{
		State:       StateAuthenticated,
		UserID:      profile.UserID,
		DisplayName: profile.DisplayName,
	}
}
