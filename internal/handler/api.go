package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkgfoundry/depot/internal/auth"
	"github.com/pkgfoundry/depot/internal/cluster"
	"github.com/pkgfoundry/depot/internal/config"
	"github.com/pkgfoundry/depot/internal/model"
	"github.com/pkgfoundry/depot/internal/registry"
	"github.com/pkgfoundry/depot/internal/store"
	"go.uber.org/zap"
)

// maxPublishBytes bounds the accepted archive upload size.
const maxPublishBytes = 64 << 20

// API handles HTTP requests
type API struct {
	logger      *zap.Logger
	engine      *registry.Engine
	gate        *auth.Gate
	store       store.Store
	cluster     *cluster.Manager
	rateLimiter *RateLimiter
}

// NewAPI creates a new API instance
func NewAPI(cfg *config.Config, logger *zap.Logger, engine *registry.Engine, gate *auth.Gate, st store.Store, cm *cluster.Manager) *API {
	return &API{
		logger:      logger,
		engine:      engine,
		gate:        gate,
		store:       st,
		cluster:     cm,
		rateLimiter: NewRateLimiter(float64(cfg.RateLimit.RPS), cfg.RateLimit.Burst),
	}
}

// Close releases the API's resources
func (a *API) Close() error {
	a.rateLimiter.Close()
	return nil
}

// RegisterRoutes registers the API routes
func (a *API) RegisterRoutes(r chi.Router) {
	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Get("/healthz", a.health)

	// Registry API with rate limiting
	r.Group(func(r chi.Router) {
		r.Use(a.rateLimiter.RateLimit)

		r.Get("/packages", a.listPackages)
		r.Get("/packages/{name}", a.getPackage)
		r.Get("/packages/{name}/releases/{version}", a.getRelease)
		r.Get("/packages/{name}/releases/{version}/download", a.downloadTarball)
		r.Get("/packages/{name}/releases/{version}/docs/download", a.downloadDocs)

		r.Post("/publish", a.publish)
		r.Post("/packages/{name}/releases/{version}/retire", a.retire)
		r.Delete("/packages/{name}/releases/{version}/retire", a.unretire)

		r.Get("/packages/{name}/owners", a.listOwners)
		r.Put("/packages/{name}/owners/{email}", a.addOwner)
		r.Delete("/packages/{name}/owners/{email}", a.removeOwner)

		r.Get("/keys", a.listKeys)
		r.Post("/keys", a.createKey)
		r.Get("/keys/{name}", a.getKey)
		r.Delete("/keys/{name}", a.revokeKey)

		r.Post("/users", a.createUser)
		r.Get("/users/{id}", a.getUser)
	})

	// Admin routes (localhost only)
	r.Route("/admin", func(r chi.Router) {
		r.Use(LocalOnly)
		r.Get("/config/upstream", a.getUpstreamConfig)
		r.Put("/config/upstream", a.putUpstreamConfig)
		r.Get("/config/publish", a.getPublishConfig)
		r.Put("/config/publish", a.putPublishConfig)
		r.Post("/packages/{name}/evict", a.evictPackage)
		r.Get("/cluster", a.clusterStatus)
	})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeError maps the registry and auth error taxonomy to status codes.
func (a *API) writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case registry.IsValidation(err):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, auth.ErrMissingKey),
		errors.Is(err, auth.ErrInvalidKey),
		errors.Is(err, auth.ErrRevokedKey):
		status = http.StatusUnauthorized
	default:
		a.logger.Error("internal error", zap.Error(err))
		a.writeJSON(w, http.StatusInternalServerError,
			map[string]string{"message": "internal server error"})
		return
	}
	a.writeJSON(w, status, map[string]string{"message": err.Error()})
}

// requireKey resolves the Authorization header into a validated API key.
func (a *API) requireKey(r *http.Request) (*model.APIKey, error) {
	secret := r.Header.Get("Authorization")
	if secret == "" {
		return nil, auth.ErrMissingKey
	}
	return a.gate.ValidateKey(r.Context(), secret)
}

// identity resolves either basic-auth credentials or an API key into a
// username. Key management endpoints accept both so a fresh account can
// mint its first key.
func (a *API) identity(r *http.Request) (string, error) {
	if username, password, ok := r.BasicAuth(); ok {
		u, err := a.gate.ValidatePassword(r.Context(), username, password)
		if err != nil {
			return "", err
		}
		return u.Username, nil
	}
	key, err := a.requireKey(r)
	if err != nil {
		return "", err
	}
	return key.Username, nil
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Healthy(r.Context()); err != nil {
		a.writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "unhealthy", "message": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) listPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := a.engine.ListPackages(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if pkgs == nil {
		pkgs = []*model.Package{}
	}
	a.writeJSON(w, http.StatusOK, pkgs)
}

func (a *API) getPackage(w http.ResponseWriter, r *http.Request) {
	pkg, err := a.engine.GetPackage(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, pkg)
}

func (a *API) getRelease(w http.ResponseWriter, r *http.Request) {
	rel, err := a.engine.GetRelease(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rel)
}

func (a *API) downloadTarball(w http.ResponseWriter, r *http.Request) {
	data, err := a.engine.DownloadTarball(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (a *API) downloadDocs(w http.ResponseWriter, r *http.Request) {
	data, err := a.engine.DownloadDocs(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (a *API) publish(w http.ResponseWriter, r *http.Request) {
	key, err := a.requireKey(r)
	if errors.Is(err, auth.ErrMissingKey) {
		enabled, cfgErr := a.gate.AnonymousPublishingEnabled(r.Context())
		if cfgErr != nil {
			a.writeError(w, cfgErr)
			return
		}
		if !enabled {
			a.writeError(w, auth.ErrMissingKey)
			return
		}
		key = auth.AnonymousKey()
		// Every anonymous publish is audited with the requester address.
		a.logger.Info("anonymous publish",
			zap.String("remote_addr", r.RemoteAddr),
		)
	} else if err != nil {
		a.writeError(w, err)
		return
	}
	if !key.HasPermission(model.PermWrite) {
		a.writeError(w, registry.ErrForbidden)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPublishBytes))
	if err != nil {
		a.writeError(w, err)
		return
	}

	rel, err := a.engine.Publish(r.Context(), raw, key.Username)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, rel)
}

type retireRequest struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (a *API) retire(w http.ResponseWriter, r *http.Request) {
	key, err := a.requireKey(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !key.HasPermission(model.PermWrite) {
		a.writeError(w, registry.ErrForbidden)
		return
	}

	var req retireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, &registry.ValidationError{Message: "malformed retirement body"})
		return
	}
	err = a.engine.Retire(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "version"),
		key.Username, &model.RetirementInfo{Reason: req.Reason, Message: req.Message})
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) unretire(w http.ResponseWriter, r *http.Request) {
	key, err := a.requireKey(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !key.HasPermission(model.PermWrite) {
		a.writeError(w, registry.ErrForbidden)
		return
	}
	err = a.engine.Unretire(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "version"), key.Username)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listOwners(w http.ResponseWriter, r *http.Request) {
	owners, err := a.engine.ListOwners(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if owners == nil {
		owners = []*model.Owner{}
	}
	a.writeJSON(w, http.StatusOK, owners)
}

type addOwnerRequest struct {
	Level string `json:"level"`
}

func (a *API) addOwner(w http.ResponseWriter, r *http.Request) {
	key, err := a.requireKey(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !key.HasPermission(model.PermWrite) {
		a.writeError(w, registry.ErrForbidden)
		return
	}

	var req addOwnerRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, &registry.ValidationError{Message: "malformed owner body"})
			return
		}
	}
	err = a.engine.AddOwner(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "email"),
		req.Level, key.Username)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) removeOwner(w http.ResponseWriter, r *http.Request) {
	key, err := a.requireKey(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !key.HasPermission(model.PermWrite) {
		a.writeError(w, registry.ErrForbidden)
		return
	}
	err = a.engine.RemoveOwner(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "email"), key.Username)
	if err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listKeys(w http.ResponseWriter, r *http.Request) {
	username, err := a.identity(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	keys, err := a.engine.ListKeys(r.Context(), username)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if keys == nil {
		keys = []*model.APIKey{}
	}
	a.writeJSON(w, http.StatusOK, keys)
}

type createKeyRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type createKeyResponse struct {
	*model.APIKey
	Secret string `json:"secret"`
}

func (a *API) createKey(w http.ResponseWriter, r *http.Request) {
	username, err := a.identity(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, &registry.ValidationError{Message: "malformed key body"})
		return
	}
	key, secret, err := a.engine.CreateKey(r.Context(), username, req.Name, req.Permissions)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, createKeyResponse{APIKey: key, Secret: secret})
}

func (a *API) getKey(w http.ResponseWriter, r *http.Request) {
	username, err := a.identity(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	key, err := a.engine.GetKey(r.Context(), username, chi.URLParam(r, "name"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, key)
}

func (a *API) revokeKey(w http.ResponseWriter, r *http.Request) {
	username, err := a.identity(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.engine.RevokeKey(r.Context(), username, chi.URLParam(r, "name")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, &registry.ValidationError{Message: "malformed user body"})
		return
	}
	u, err := a.engine.CreateUser(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, u)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := a.engine.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, u)
}

func (a *API) getUpstreamConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.engine.UpstreamConfig(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, cfg)
}

func (a *API) putUpstreamConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.UpstreamConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		a.writeError(w, &registry.ValidationError{Message: "malformed upstream config"})
		return
	}
	if err := a.store.PutUpstreamConfig(r.Context(), &cfg); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, &cfg)
}

func (a *API) getPublishConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.store.GetPublishConfig(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		cfg = &model.PublishConfig{}
	} else if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, cfg)
}

func (a *API) putPublishConfig(w http.ResponseWriter, r *http.Request) {
	var cfg model.PublishConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		a.writeError(w, &registry.ValidationError{Message: "malformed publish config"})
		return
	}
	if err := a.store.PutPublishConfig(r.Context(), &cfg); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, &cfg)
}

func (a *API) evictPackage(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.EvictPackage(r.Context(), chi.URLParam(r, "name")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) clusterStatus(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.cluster.Status())
}
