package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AnonymousName is the display name of a principal without any profile data.
const AnonymousName = "Anonymous"

// ErrInvalidIdentity indicates the principal did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

type cachedProfile struct {
	userID      string
	email       string
	displayName string
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// Resolve maps a verified principal to its canonical user id and display name. The identity row is
// created on first sight and its profile refreshed when the token carries newer values.
func (s *Service) Resolve(ctx context.Context, principal auth.Principal) (auth.Principal, error) {
	provider, subject := deriveProviderSubject(principal)
	if subject == "" {
		return auth.Principal{}, ErrInvalidIdentity
	}
	email := normalize(principal.Email)
	displayName := normalize(principal.DisplayName)

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		profile, ok := cached.(cachedProfile)
		if ok && (email == "" || email == profile.email) && (displayName == "" || displayName == profile.displayName) {
			return resolved(principal, profile), nil
		}
	}

	identity, err := s.findIdentity(ctx, provider, subject)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity, err = s.createIdentity(ctx, Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       email,
			DisplayName: displayName,
			LastSeenAt:  s.now(),
		})
	} else if err == nil {
		identity = s.refreshProfile(ctx, identity, email, displayName)
	}
	if err != nil {
		return auth.Principal{}, err
	}

	profile := cachedProfile{userID: identity.UserID, email: identity.Email, displayName: identity.DisplayName}
	s.cache.Store(cacheKey, profile)
	return resolved(principal, profile), nil
}

func (s *Service) findIdentity(ctx context.Context, provider, subject string) (Identity, error) {
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	return identity, err
}

// createIdentity inserts the row unless a concurrent resolve already did, then refreshes the
// stored row with this principal's profile.
func (s *Service) createIdentity(ctx context.Context, identity Identity) (Identity, error) {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&identity)
	if result.Error != nil {
		return Identity{}, result.Error
	}
	if result.RowsAffected == 1 {
		return identity, nil
	}
	stored, err := s.findIdentity(ctx, identity.Provider, identity.Subject)
	if err != nil {
		return Identity{}, err
	}
	return s.refreshProfile(ctx, stored, identity.Email, identity.DisplayName), nil
}

func (s *Service) refreshProfile(ctx context.Context, identity Identity, email, displayName string) Identity {
	updates := map[string]interface{}{}
	if email != "" && email != identity.Email {
		updates["user_email"] = email
		identity.Email = email
	}
	if displayName != "" && displayName != identity.DisplayName {
		updates["user_display_name"] = displayName
		identity.DisplayName = displayName
	}
	updates["last_seen_at"] = s.now()
	if err := s.db.WithContext(ctx).Model(&Identity{}).
		Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
		Updates(updates).
		Error; err != nil {
		s.logger.Warn("identity profile refresh failed",
			zap.String("provider", identity.Provider),
			zap.String("user_id", identity.UserID),
			zap.Error(err))
	}
	return identity
}

func resolved(principal auth.Principal, profile cachedProfile) auth.Principal {
	name := profile.displayName
	if name == "" {
		name = profile.email
	}
	if name == "" {
		name = AnonymousName
	}
	principal.UserID = profile.userID
	principal.DisplayName = name
	if principal.Email == "" {
		principal.Email = profile.email
	}
	return principal
}

func deriveProviderSubject(principal auth.Principal) (string, string) {
	provider := normalize(principal.Provider)
	if provider == "" {
		provider = "default"
	}
	subject := normalize(principal.Subject)

	raw := normalize(principal.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(principal.Email)
	}
	return provider, subject
}
