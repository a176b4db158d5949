// Package registry orchestrates the store, blob storage, upstream client,
// and archive codec into the package/release/ownership/key operations and
// the cache-fill protocol.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/pkgfoundry/depot/internal/blob"
	"github.com/pkgfoundry/depot/internal/model"
	"github.com/pkgfoundry/depot/internal/store"
	"github.com/pkgfoundry/depot/internal/upstream"
	"github.com/pkgfoundry/depot/pkg/archive"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Engine implements the registry operations.
type Engine struct {
	store    store.Store
	blobs    blob.Storage
	upstream *upstream.Client
	logger   *zap.Logger
	// fills coalesces concurrent cache-fills for the same key so one miss
	// storm produces a single upstream call.
	fills singleflight.Group
}

// NewEngine creates a registry engine
func NewEngine(st store.Store, blobs blob.Storage, up *upstream.Client, logger *zap.Logger) *Engine {
	return &Engine{
		store:    st,
		blobs:    blobs,
		upstream: up,
		logger:   logger,
	}
}

// UpstreamConfig returns the current upstream configuration snapshot,
// falling back to a disabled config when none has been stored.
func (e *Engine) UpstreamConfig(ctx context.Context) (*model.UpstreamConfig, error) {
	cfg, err := e.store.GetUpstreamConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return &model.UpstreamConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return cfg, nil
}

// ListPackages lists packages by name prefix.
func (e *Engine) ListPackages(ctx context.Context, prefix string) ([]*model.Package, error) {
	pkgs, err := e.store.ListPackages(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return pkgs, nil
}

// GetPackage looks up a package locally, filling the cache from upstream
// on a miss. Upstream failures are indistinguishable from a true absence.
func (e *Engine) GetPackage(ctx context.Context, name string) (*model.Package, error) {
	pkg, err := e.store.GetPackage(ctx, name)
	if err == nil {
		return pkg, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	if err := e.fillPackage(ctx, name); err != nil {
		return nil, err
	}
	pkg, err = e.store.GetPackage(ctx, name)
	if err != nil {
		return nil, ErrNotFound
	}
	return pkg, nil
}

// GetRelease looks up one release, filling the whole package from
// upstream on a miss.
func (e *Engine) GetRelease(ctx context.Context, name, version string) (*model.Release, error) {
	rel, err := e.store.GetRelease(ctx, name, version)
	if err == nil {
		return rel, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	// The local registry is authoritative for locally-published packages;
	// a missing version of one is a plain miss, never an upstream fetch.
	if pkg, err := e.store.GetPackage(ctx, name); err == nil && pkg.Source == model.SourceLocal {
		return nil, ErrNotFound
	}

	if err := e.fillPackage(ctx, name); err != nil {
		return nil, err
	}
	rel, err = e.store.GetRelease(ctx, name, version)
	if err != nil {
		return nil, ErrNotFound
	}
	return rel, nil
}

// fillPackage fetches a package and all of its known releases from
// upstream and persists them tagged source=cached. Concurrent fills for
// one name share a single upstream call.
func (e *Engine) fillPackage(ctx context.Context, name string) error {
	_, err, _ := e.fills.Do("package:"+name, func() (any, error) {
		cfg, err := e.UpstreamConfig(ctx)
		if err != nil {
			return nil, err
		}
		doc, err := e.upstream.FetchPackage(ctx, cfg, name)
		if err != nil {
			return nil, e.collapseUpstream(err, "package", name, "")
		}
		if doc.Name != name {
			e.logger.Warn("upstream returned mismatched package",
				zap.String("requested", name),
				zap.String("got", doc.Name),
			)
			return nil, ErrNotFound
		}

		pkg := &model.Package{
			Name:       doc.Name,
			Repository: doc.Repository,
			Meta:       doc.Meta,
			Source:     model.SourceCached,
		}
		rels := make([]*model.Release, 0, len(doc.Releases))
		for _, rd := range doc.Releases {
			if rd.Version == "" {
				continue
			}
			rels = append(rels, &model.Release{
				PackageName:  name,
				Version:      rd.Version,
				HasDocs:      rd.HasDocs,
				Meta:         rd.Meta,
				Requirements: rd.Requirements,
				Retirement:   rd.Retirement,
				ContentKey:   blob.TarballKey(name, rd.Version),
			})
		}
		if err := e.store.PutCachedPackage(ctx, pkg, rels); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		e.logger.Info("cache-filled package",
			zap.String("package", name),
			zap.Int("releases", len(rels)),
		)
		return nil, nil
	})
	return err
}

// collapseUpstream turns upstream failures into ErrNotFound for the
// caller, logging the real cause. Only a hard storage error survives.
func (e *Engine) collapseUpstream(err error, kind, name, version string) error {
	switch {
	case errors.Is(err, upstream.ErrNotFound), errors.Is(err, upstream.ErrDisabled):
	default:
		e.logger.Warn("upstream fetch failed",
			zap.String("kind", kind),
			zap.String("package", name),
			zap.String("version", version),
			zap.Error(err),
		)
	}
	return ErrNotFound
}

// DownloadTarball returns a release's archive bytes, fetching and
// validating them from upstream when the blob is not yet cached. The
// bytes served are always byte-identical to the bytes first accepted.
func (e *Engine) DownloadTarball(ctx context.Context, name, version string) ([]byte, error) {
	rel, err := e.GetRelease(ctx, name, version)
	if err != nil {
		return nil, err
	}

	data, err := e.blobs.Get(ctx, rel.ContentKey)
	if errors.Is(err, blob.ErrNotFound) {
		// Upstream holds replacement bytes only for cached packages. A
		// local release with no blob is storage damage, not a cache miss.
		pkg, pkgErr := e.store.GetPackage(ctx, name)
		if pkgErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, pkgErr)
		}
		if pkg.Source == model.SourceLocal {
			return nil, fmt.Errorf("%w: archive for %s %s missing from blob storage", ErrStorage, name, version)
		}
		data, err = e.fillTarball(ctx, rel.ContentKey, name, version)
	}
	if err != nil {
		return nil, err
	}

	if err := e.store.IncrementDownloads(ctx, name, version); err != nil {
		e.logger.Warn("failed to count download",
			zap.String("package", name),
			zap.String("version", version),
			zap.Error(err),
		)
	}
	return data, nil
}

func (e *Engine) fillTarball(ctx context.Context, key, name, version string) ([]byte, error) {
	v, err, _ := e.fills.Do("tarball:"+key, func() (any, error) {
		cfg, err := e.UpstreamConfig(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := e.upstream.FetchReleaseTarball(ctx, cfg, name, version)
		if err != nil {
			return nil, e.collapseUpstream(err, "tarball", name, version)
		}
		// The upstream bytes go through the same validation as a publish.
		if _, err := archive.Decode(raw, name, version); err != nil {
			e.logger.Warn("upstream tarball failed validation",
				zap.String("package", name),
				zap.String("version", version),
				zap.Error(err),
			)
			return nil, ErrNotFound
		}
		if err := e.blobs.Put(ctx, key, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// DownloadDocs returns a release's documentation tarball, cache-filling
// from upstream on a miss.
func (e *Engine) DownloadDocs(ctx context.Context, name, version string) ([]byte, error) {
	if _, err := e.GetRelease(ctx, name, version); err != nil {
		return nil, err
	}

	key := blob.DocsKey(name, version)
	data, err := e.blobs.Get(ctx, key)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	v, err, _ := e.fills.Do("docs:"+key, func() (any, error) {
		cfg, err := e.UpstreamConfig(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := e.upstream.FetchDocsTarball(ctx, cfg, name, version)
		if err != nil {
			return nil, e.collapseUpstream(err, "docs", name, version)
		}
		if len(raw) == 0 {
			return nil, ErrNotFound
		}
		if err := e.blobs.Put(ctx, key, raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if err := e.store.SetHasDocs(ctx, name, version, true); err != nil {
			e.logger.Warn("failed to flag docs",
				zap.String("package", name),
				zap.String("version", version),
				zap.Error(err),
			)
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Publish decodes and validates an uploaded archive, stores its bytes,
// and creates the release. The publisher becomes a full owner of a brand
// new package unless publishing anonymously.
func (e *Engine) Publish(ctx context.Context, raw []byte, publisher string) (*model.Release, error) {
	pkg, err := archive.Decode(raw, "", "")
	if err != nil {
		return nil, validationf("invalid archive: %v", err)
	}

	existing, err := e.store.GetPackage(ctx, pkg.Name)
	switch {
	case err == nil:
		if existing.Source == model.SourceCached {
			return nil, fmt.Errorf("%w: package %s mirrors the upstream registry", ErrConflict, pkg.Name)
		}
		for _, rel := range existing.Releases {
			if rel.Version == pkg.Version {
				return nil, fmt.Errorf("%w: %s %s already published", ErrConflict, pkg.Name, pkg.Version)
			}
		}
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	// The content key carries a digest prefix so a racing publish for the
	// same version can never clobber the accepted archive's bytes.
	contentKey := fmt.Sprintf("tarballs/%s-%s-%s.tar", pkg.Name, pkg.Version, pkg.Checksum[:12])
	if err := e.blobs.Put(ctx, contentKey, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	reqs := make(map[string]*model.Requirement, len(pkg.Requirements))
	for dep, r := range pkg.Requirements {
		reqs[dep] = &model.Requirement{Requirement: r.Requirement, Optional: r.Optional}
	}
	rel := &model.Release{
		PackageName:  pkg.Name,
		Version:      pkg.Version,
		Meta:         pkg.Metadata,
		Requirements: reqs,
		ContentKey:   contentKey,
	}
	pkgRec := &model.Package{
		Name:   pkg.Name,
		Meta:   packageMeta(pkg.Metadata),
		Source: model.SourceLocal,
	}

	// First release of a new package makes the publisher a full owner;
	// anonymous publishes own nothing.
	var owner *model.Owner
	if existing == nil && publisher != model.AnonymousUser {
		owner = &model.Owner{
			PackageName: pkg.Name,
			Username:    publisher,
			Level:       model.OwnerLevelFull,
		}
	}

	if err := e.store.PublishRelease(ctx, pkgRec, rel, owner); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// A racing publish of identical bytes lands on the same digest
			// key, which now belongs to the accepted release. Compensate
			// only when the winner's content key provably differs.
			if cur, curErr := e.store.GetRelease(ctx, pkg.Name, pkg.Version); curErr == nil && cur.ContentKey != contentKey {
				e.cleanupBlob(ctx, contentKey)
			}
			return nil, fmt.Errorf("%w: %s %s already published", ErrConflict, pkg.Name, pkg.Version)
		}
		// Compensate the blob write so no orphan archive survives a
		// failed metadata transaction.
		e.cleanupBlob(ctx, contentKey)
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	e.logger.Info("published release",
		zap.String("package", pkg.Name),
		zap.String("version", pkg.Version),
		zap.String("publisher", publisher),
	)
	return e.storedRelease(ctx, pkg.Name, pkg.Version)
}

func (e *Engine) cleanupBlob(ctx context.Context, key string) {
	if err := e.blobs.Delete(ctx, key); err != nil {
		e.logger.Error("failed to clean up blob after aborted publish",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (e *Engine) storedRelease(ctx context.Context, name, version string) (*model.Release, error) {
	rel, err := e.store.GetRelease(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return rel, nil
}

// packageMeta lifts the descriptive subset of the archive metadata onto
// the package record.
func packageMeta(meta map[string]any) map[string]any {
	out := make(map[string]any)
	for _, field := range []string{"description", "licenses", "links"} {
		if v, ok := meta[field]; ok {
			out[field] = v
		}
	}
	return out
}

// Retire marks a release retired. Requires full ownership.
func (e *Engine) Retire(ctx context.Context, name, version, actor string, info *model.RetirementInfo) error {
	if info == nil || info.Reason == "" {
		return validationf("retirement reason is required")
	}
	if err := e.requireFullOwner(ctx, name, actor); err != nil {
		return err
	}
	return e.setRetirement(ctx, name, version, info)
}

// Unretire clears a release's retired state. Requires full ownership.
func (e *Engine) Unretire(ctx context.Context, name, version, actor string) error {
	if err := e.requireFullOwner(ctx, name, actor); err != nil {
		return err
	}
	return e.setRetirement(ctx, name, version, nil)
}

func (e *Engine) setRetirement(ctx context.Context, name, version string, info *model.RetirementInfo) error {
	err := e.store.SetRetirement(ctx, name, version, info)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// EvictPackage purges a cached package, its releases, and their blobs.
// Local packages are never evicted.
func (e *Engine) EvictPackage(ctx context.Context, name string) error {
	keys, err := e.store.DeleteCachedPackage(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: package %s is local", ErrConflict, name)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	for _, key := range keys {
		if err := e.blobs.Delete(ctx, key); err != nil {
			e.logger.Warn("failed to delete evicted blob",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
	e.logger.Info("evicted cached package", zap.String("package", name))
	return nil
}

// Healthy reports whether the store and blob storage are reachable.
func (e *Engine) Healthy(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := e.blobs.Ping(ctx); err != nil {
		return fmt.Errorf("blobs: %w", err)
	}
	return nil
}
