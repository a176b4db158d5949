package store

import (
	"context"
	"errors"
	"time"

	"github.com/pkgfoundry/depot/internal/model"
)

// Store failure modes. ErrTxAborted is retryable; ErrTableUnavailable is
// fatal to the calling operation and surfaced to the caller.
var (
	ErrNotFound         = errors.New("record not found")
	ErrConflict         = errors.New("record already exists")
	ErrTxAborted        = errors.New("transaction aborted")
	ErrTableUnavailable = errors.New("table unavailable")
)

// Store is the transactional table storage for registry records. Each
// method is one logical operation: either all of its writes commit or none
// do. Implementations decide replication; the default engine is a
// single-node SQLite database, with the replica-set metadata managed here
// consumed by multi-node engines (last-writer-wins per record on rejoin,
// an explicit consistency trade-off).
type Store interface {
	// Packages and releases.
	GetPackage(ctx context.Context, name string) (*model.Package, error)
	ListPackages(ctx context.Context, prefix string) ([]*model.Package, error)
	GetRelease(ctx context.Context, pkg, version string) (*model.Release, error)
	// PublishRelease creates the package if absent, inserts the release,
	// and records the first owner (nil owner skips that step). Returns
	// ErrConflict if (package, version) already exists.
	PublishRelease(ctx context.Context, pkg *model.Package, rel *model.Release, owner *model.Owner) error
	// PutCachedPackage upserts an upstream-fetched package and its known
	// releases in one transaction. Existing releases keep their rows.
	PutCachedPackage(ctx context.Context, pkg *model.Package, rels []*model.Release) error
	SetRetirement(ctx context.Context, pkg, version string, info *model.RetirementInfo) error
	SetHasDocs(ctx context.Context, pkg, version string, hasDocs bool) error
	IncrementDownloads(ctx context.Context, pkg, version string) error
	// DeleteCachedPackage purges a cached package and returns the content
	// keys of its releases so blobs can be removed. Local packages are
	// never deleted.
	DeleteCachedPackage(ctx context.Context, name string) ([]string, error)

	// Owners.
	ListOwners(ctx context.Context, pkg string) ([]*model.Owner, error)
	PutOwner(ctx context.Context, owner *model.Owner) error
	DeleteOwner(ctx context.Context, pkg, username string) error

	// Users.
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, username string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)

	// API keys.
	CreateKey(ctx context.Context, k *model.APIKey) error
	GetKeyByID(ctx context.Context, id string) (*model.APIKey, error)
	GetKeyByName(ctx context.Context, username, name string) (*model.APIKey, error)
	ListKeys(ctx context.Context, username string) ([]*model.APIKey, error)
	RevokeKey(ctx context.Context, username, name string) error
	TouchKey(ctx context.Context, id string, usedAt time.Time) error

	// Singleton configuration records.
	GetUpstreamConfig(ctx context.Context) (*model.UpstreamConfig, error)
	PutUpstreamConfig(ctx context.Context, cfg *model.UpstreamConfig) error
	GetPublishConfig(ctx context.Context) (*model.PublishConfig, error)
	PutPublishConfig(ctx context.Context, cfg *model.PublishConfig) error
	// SeedConfigs writes both singletons only if they are absent.
	SeedConfigs(ctx context.Context, up *model.UpstreamConfig, pub *model.PublishConfig) error

	// Replica-set metadata per table.
	ReplicaSet(ctx context.Context, table string) ([]string, error)
	SetReplicaSet(ctx context.Context, table string, nodes []string) error

	Ping(ctx context.Context) error
	Close() error
}
