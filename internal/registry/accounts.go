package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pkgfoundry/depot/internal/model"
	"github.com/pkgfoundry/depot/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_\-\.]{2,60}$`)

// CreateUser registers a new account. The reserved anonymous username can
// never be claimed.
func (e *Engine) CreateUser(ctx context.Context, username, email, password string) (*model.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == model.AnonymousUser {
		return nil, validationf("username %q is reserved", username)
	}
	if !usernamePattern.MatchString(username) {
		return nil, validationf("invalid username %q", username)
	}
	if email == "" || !strings.Contains(email, "@") {
		return nil, validationf("invalid email")
	}
	if len(password) < 8 {
		return nil, validationf("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &model.User{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := e.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: username %s is taken", ErrConflict, username)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return u, nil
}

// GetUser fetches an account by username.
func (e *Engine) GetUser(ctx context.Context, username string) (*model.User, error) {
	u, err := e.store.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return u, nil
}

// EnsureAnonymousUser creates the protected anonymous service account if
// it does not exist yet. Called once at startup.
func (e *Engine) EnsureAnonymousUser(ctx context.Context) error {
	_, err := e.store.GetUser(ctx, model.AnonymousUser)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	u := &model.User{
		Username:       model.AnonymousUser,
		Email:          "anonymous@localhost",
		PasswordHash:   "!", // no password ever matches
		ServiceAccount: true,
	}
	if err := e.store.CreateUser(ctx, u); err != nil && !errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	e.logger.Info("ensured anonymous service account")
	return nil
}

// CreateKey generates a new API key for username and returns the record
// together with the plaintext secret, which is shown exactly once.
func (e *Engine) CreateKey(ctx context.Context, username, name string, permissions []string) (*model.APIKey, string, error) {
	if name == "" {
		return nil, "", validationf("key name is required")
	}
	if len(permissions) == 0 {
		permissions = []string{model.PermRead}
	}
	for _, p := range permissions {
		if p != model.PermRead && p != model.PermWrite {
			return nil, "", validationf("unknown permission %q", p)
		}
	}

	id := uuid.NewString()
	secret := id + "." + strings.ReplaceAll(uuid.NewString(), "-", "")
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash key secret: %w", err)
	}

	k := &model.APIKey{
		ID:          id,
		Username:    username,
		Name:        name,
		SecretHash:  string(hash),
		Permissions: permissions,
	}
	if err := e.store.CreateKey(ctx, k); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, "", fmt.Errorf("%w: key %s already exists", ErrConflict, name)
		}
		return nil, "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return k, secret, nil
}

// ListKeys lists a user's API keys.
func (e *Engine) ListKeys(ctx context.Context, username string) ([]*model.APIKey, error) {
	keys, err := e.store.ListKeys(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return keys, nil
}

// GetKey fetches one of a user's keys by name.
func (e *Engine) GetKey(ctx context.Context, username, name string) (*model.APIKey, error) {
	k, err := e.store.GetKeyByName(ctx, username, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return k, nil
}

// RevokeKey marks one of a user's keys revoked.
func (e *Engine) RevokeKey(ctx context.Context, username, name string) error {
	err := e.store.RevokeKey(ctx, username, name)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	e.logger.Info("revoked api key",
		zap.String("username", username),
		zap.String("key", name),
	)
	return nil
}

// ListOwners lists a package's owners. Cached packages have none.
func (e *Engine) ListOwners(ctx context.Context, pkg string) ([]*model.Owner, error) {
	if _, err := e.GetPackage(ctx, pkg); err != nil {
		return nil, err
	}
	owners, err := e.store.ListOwners(ctx, pkg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return owners, nil
}

// AddOwner grants ownership of a package to the user behind email.
// Requires the actor to be a full owner.
func (e *Engine) AddOwner(ctx context.Context, pkg, email, level, actor string) error {
	if level == "" {
		level = model.OwnerLevelFull
	}
	if level != model.OwnerLevelFull && level != model.OwnerLevelMaintainer {
		return validationf("unknown ownership level %q", level)
	}
	if err := e.requireFullOwner(ctx, pkg, actor); err != nil {
		return err
	}

	u, err := e.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if u.ServiceAccount {
		return validationf("service accounts cannot own packages")
	}

	owner := &model.Owner{
		PackageName: pkg,
		Username:    u.Username,
		Level:       level,
	}
	if err := e.store.PutOwner(ctx, owner); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// RemoveOwner revokes ownership from the user behind email. Requires the
// actor to be a full owner.
func (e *Engine) RemoveOwner(ctx context.Context, pkg, email, actor string) error {
	if err := e.requireFullOwner(ctx, pkg, actor); err != nil {
		return err
	}

	u, err := e.store.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	err = e.store.DeleteOwner(ctx, pkg, u.Username)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// requireFullOwner fails with ErrForbidden unless actor holds full
// ownership of pkg.
func (e *Engine) requireFullOwner(ctx context.Context, pkg, actor string) error {
	owners, err := e.store.ListOwners(ctx, pkg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, o := range owners {
		if o.Username == actor && o.Level == model.OwnerLevelFull {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a full owner of %s", ErrForbidden, actor, pkg)
}
