// Package auth validates API keys and the anonymous-publish policy.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pkgfoundry/depot/internal/model"
	"github.com/pkgfoundry/depot/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrMissingKey means no credentials were supplied at all.
	ErrMissingKey = errors.New("missing api key")
	// ErrInvalidKey covers unknown or non-matching secrets.
	ErrInvalidKey = errors.New("invalid api key")
	// ErrRevokedKey is distinct from ErrInvalidKey: the key existed and
	// matched but has been revoked.
	ErrRevokedKey = errors.New("api key revoked")
)

// Gate validates credentials against the store on every call.
type Gate struct {
	store  store.Store
	logger *zap.Logger
}

// NewGate creates an auth gate
func NewGate(st store.Store, logger *zap.Logger) *Gate {
	return &Gate{store: st, logger: logger}
}

// ValidateKey checks a presented secret of the form "<id>.<token>"
// against the stored hash and records the key's last use.
func (g *Gate) ValidateKey(ctx context.Context, secret string) (*model.APIKey, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	id, _, ok := strings.Cut(secret, ".")
	if !ok {
		return nil, ErrInvalidKey
	}

	key, err := g.store.GetKeyByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return nil, ErrInvalidKey
	}
	if key.Revoked {
		return nil, ErrRevokedKey
	}

	// Best effort; a failed timestamp update never fails the request.
	if err := g.store.TouchKey(ctx, key.ID, time.Now()); err != nil {
		g.logger.Warn("failed to record key use",
			zap.String("key_id", key.ID),
			zap.Error(err),
		)
	}
	return key, nil
}

// ValidatePassword checks basic-auth credentials against the stored
// password hash. The anonymous service account never authenticates.
func (g *Gate) ValidatePassword(ctx context.Context, username, password string) (*model.User, error) {
	u, err := g.store.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if u.ServiceAccount {
		return nil, ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidKey
	}
	return u, nil
}

// AnonymousPublishingEnabled reads the publish singleton on every call so
// toggling it takes effect on the next request.
func (g *Gate) AnonymousPublishingEnabled(ctx context.Context) (bool, error) {
	cfg, err := g.store.GetPublishConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load publish config: %w", err)
	}
	return cfg.AnonymousEnabled, nil
}

// AnonymousKey is the synthetic credential attributed to the protected
// anonymous service account when anonymous publishing is enabled.
func AnonymousKey() *model.APIKey {
	return &model.APIKey{
		Username:    model.AnonymousUser,
		Name:        model.AnonymousUser,
		Permissions: []string{model.PermRead, model.PermWrite},
	}
}
