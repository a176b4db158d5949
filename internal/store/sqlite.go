package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkgfoundry/depot/internal/model"
	"go.uber.org/zap"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at dbPath and initializes
// the schema. Pass ":memory:" for an in-memory database.
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	// Foreign keys default off per connection, so every DSN needs the
	// pragma or the schema's ON DELETE CASCADE clauses are inert.
	dsn := fmt.Sprintf("file:%s?_fk=1&_busy_timeout=5000", dbPath)
	if strings.Contains(dbPath, ":memory:") {
		dsn = "file::memory:?_fk=1"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between our own
	// transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(model.Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTableUnavailable, err)
	}
	return nil
}

// withTx runs fn in a transaction, retrying once if the transaction was
// aborted by a lock conflict.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		lastErr = s.runTx(ctx, fn)
		if lastErr == nil || !errors.Is(lastErr, ErrTxAborted) {
			return lastErr
		}
		s.logger.Warn("transaction aborted, retrying", zap.Error(lastErr))
	}
	return lastErr
}

func (s *SQLiteStore) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLiteErr(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return mapSQLiteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapSQLiteErr(err)
	}
	return nil
}

// mapSQLiteErr translates driver errors into the store's failure modes.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrTxAborted) || errors.Is(err, ErrTableUnavailable) {
		return err
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", ErrTxAborted, err)
		case sqlite3.ErrConstraint:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrTableUnavailable, err)
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(b), nil
}

// GetPackage gets a package and its releases by name
func (s *SQLiteStore) GetPackage(ctx context.Context, name string) (*model.Package, error) {
	pkg, err := s.scanPackage(ctx, name)
	if err != nil {
		return nil, err
	}
	rels, err := s.releasesOf(ctx, name)
	if err != nil {
		return nil, err
	}
	pkg.Releases = rels
	return pkg, nil
}

func (s *SQLiteStore) scanPackage(ctx context.Context, name string) (*model.Package, error) {
	query := `SELECT name, repository, meta, private, downloads, source, inserted_at, updated_at
		FROM packages WHERE name = ?`
	pkg := &model.Package{}
	var meta string
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&pkg.Name,
		&pkg.Repository,
		&meta,
		&pkg.Private,
		&pkg.Downloads,
		&pkg.Source,
		&pkg.InsertedAt,
		&pkg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	if err := json.Unmarshal([]byte(meta), &pkg.Meta); err != nil {
		return nil, fmt.Errorf("failed to decode package meta: %w", err)
	}
	return pkg, nil
}

// ListPackages lists packages whose name starts with prefix, ordered by name
func (s *SQLiteStore) ListPackages(ctx context.Context, prefix string) ([]*model.Package, error) {
	query := `SELECT name, repository, meta, private, downloads, source, inserted_at, updated_at
		FROM packages WHERE name LIKE ? ESCAPE '\' ORDER BY name`
	pattern := likePrefix(prefix)
	rows, err := s.db.QueryContext(ctx, query, pattern)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	var pkgs []*model.Package
	for rows.Next() {
		pkg := &model.Package{}
		var meta string
		err := rows.Scan(
			&pkg.Name,
			&pkg.Repository,
			&meta,
			&pkg.Private,
			&pkg.Downloads,
			&pkg.Source,
			&pkg.InsertedAt,
			&pkg.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &pkg.Meta); err != nil {
			return nil, fmt.Errorf("failed to decode package meta: %w", err)
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, rows.Err()
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func (s *SQLiteStore) releasesOf(ctx context.Context, pkg string) ([]*model.Release, error) {
	query := `SELECT package_name, version, has_docs, meta, requirements, retirement,
		downloads, content_key, inserted_at, updated_at
		FROM releases WHERE package_name = ? ORDER BY inserted_at`
	rows, err := s.db.QueryContext(ctx, query, pkg)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	var rels []*model.Release
	for rows.Next() {
		rel, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelease(row rowScanner) (*model.Release, error) {
	rel := &model.Release{}
	var meta, reqs string
	var retirement sql.NullString
	err := row.Scan(
		&rel.PackageName,
		&rel.Version,
		&rel.HasDocs,
		&meta,
		&reqs,
		&retirement,
		&rel.Downloads,
		&rel.ContentKey,
		&rel.InsertedAt,
		&rel.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &rel.Meta); err != nil {
		return nil, fmt.Errorf("failed to decode release meta: %w", err)
	}
	if err := json.Unmarshal([]byte(reqs), &rel.Requirements); err != nil {
		return nil, fmt.Errorf("failed to decode requirements: %w", err)
	}
	if retirement.Valid {
		rel.Retirement = &model.RetirementInfo{}
		if err := json.Unmarshal([]byte(retirement.String), rel.Retirement); err != nil {
			return nil, fmt.Errorf("failed to decode retirement: %w", err)
		}
	}
	return rel, nil
}

// GetRelease gets one release by (package, version)
func (s *SQLiteStore) GetRelease(ctx context.Context, pkg, version string) (*model.Release, error) {
	query := `SELECT package_name, version, has_docs, meta, requirements, retirement,
		downloads, content_key, inserted_at, updated_at
		FROM releases WHERE package_name = ? AND version = ?`
	rel, err := scanRelease(s.db.QueryRowContext(ctx, query, pkg, version))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return rel, nil
}

// PublishRelease creates the package if absent, inserts the release, and
// records the first owner, all in one transaction
func (s *SQLiteStore) PublishRelease(ctx context.Context, pkg *model.Package, rel *model.Release, owner *model.Owner) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		meta, err := marshalJSON(pkg.Meta)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO packages (name, repository, meta, private, source, inserted_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				meta = excluded.meta,
				updated_at = excluded.updated_at`,
			pkg.Name, pkg.Repository, meta, pkg.Private, pkg.Source, now, now)
		if err != nil {
			return err
		}

		var exists int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM releases WHERE package_name = ? AND version = ?`,
			rel.PackageName, rel.Version).Scan(&exists)
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("%w: release %s %s", ErrConflict, rel.PackageName, rel.Version)
		}

		relMeta, err := marshalJSON(rel.Meta)
		if err != nil {
			return err
		}
		reqs, err := marshalJSON(rel.Requirements)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO releases (package_name, version, has_docs, meta, requirements,
				content_key, inserted_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rel.PackageName, rel.Version, rel.HasDocs, relMeta, reqs, rel.ContentKey, now, now)
		if err != nil {
			return err
		}

		if owner != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO owners (package_name, username, level, inserted_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(package_name, username) DO NOTHING`,
				owner.PackageName, owner.Username, owner.Level, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// PutCachedPackage upserts an upstream-fetched package and its releases
func (s *SQLiteStore) PutCachedPackage(ctx context.Context, pkg *model.Package, rels []*model.Release) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		meta, err := marshalJSON(pkg.Meta)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO packages (name, repository, meta, private, source, inserted_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				meta = excluded.meta,
				updated_at = excluded.updated_at`,
			pkg.Name, pkg.Repository, meta, model.SourceCached, now, now)
		if err != nil {
			return err
		}

		for _, rel := range rels {
			relMeta, err := marshalJSON(rel.Meta)
			if err != nil {
				return err
			}
			reqs, err := marshalJSON(rel.Requirements)
			if err != nil {
				return err
			}
			var retirement any
			if rel.Retirement != nil {
				r, err := marshalJSON(rel.Retirement)
				if err != nil {
					return err
				}
				retirement = r
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO releases (package_name, version, has_docs, meta, requirements,
					retirement, content_key, inserted_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(package_name, version) DO UPDATE SET
					has_docs = excluded.has_docs,
					retirement = excluded.retirement,
					updated_at = excluded.updated_at`,
				rel.PackageName, rel.Version, rel.HasDocs, relMeta, reqs,
				retirement, rel.ContentKey, now, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// SetRetirement sets or clears (info == nil) a release's retired state
func (s *SQLiteStore) SetRetirement(ctx context.Context, pkg, version string, info *model.RetirementInfo) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var retirement any
		if info != nil {
			r, err := marshalJSON(info)
			if err != nil {
				return err
			}
			retirement = r
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE releases SET retirement = ?, updated_at = ? WHERE package_name = ? AND version = ?`,
			retirement, time.Now().UTC(), pkg, version)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// SetHasDocs flags whether a release has documentation stored
func (s *SQLiteStore) SetHasDocs(ctx context.Context, pkg, version string, hasDocs bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE releases SET has_docs = ?, updated_at = ? WHERE package_name = ? AND version = ?`,
			hasDocs, time.Now().UTC(), pkg, version)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// IncrementDownloads bumps the release and package download counters
func (s *SQLiteStore) IncrementDownloads(ctx context.Context, pkg, version string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE releases SET downloads = downloads + 1 WHERE package_name = ? AND version = ?`,
			pkg, version)
		if err != nil {
			return err
		}
		if err := requireRow(res); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE packages SET downloads = downloads + 1 WHERE name = ?`, pkg)
		return err
	})
}

// DeleteCachedPackage purges a cached package, returning its content keys
func (s *SQLiteStore) DeleteCachedPackage(ctx context.Context, name string) ([]string, error) {
	var keys []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var source string
		err := tx.QueryRowContext(ctx, `SELECT source FROM packages WHERE name = ?`, name).Scan(&source)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if source != model.SourceCached {
			return fmt.Errorf("%w: package %s is local", ErrConflict, name)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT content_key FROM releases WHERE package_name = ? AND content_key != ''`, name)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return err
			}
			keys = append(keys, key)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `DELETE FROM packages WHERE name = ?`, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOwners lists a package's owners joined with their emails
func (s *SQLiteStore) ListOwners(ctx context.Context, pkg string) ([]*model.Owner, error) {
	query := `SELECT o.package_name, o.username, u.email, o.level, o.inserted_at
		FROM owners o JOIN users u ON u.username = o.username
		WHERE o.package_name = ? ORDER BY o.username`
	rows, err := s.db.QueryContext(ctx, query, pkg)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	var owners []*model.Owner
	for rows.Next() {
		o := &model.Owner{}
		if err := rows.Scan(&o.PackageName, &o.Username, &o.Email, &o.Level, &o.InsertedAt); err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// PutOwner adds or updates an ownership record
func (s *SQLiteStore) PutOwner(ctx context.Context, owner *model.Owner) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO owners (package_name, username, level, inserted_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(package_name, username) DO UPDATE SET level = excluded.level`,
			owner.PackageName, owner.Username, owner.Level, time.Now().UTC())
		return err
	})
}

// DeleteOwner removes an ownership record
func (s *SQLiteStore) DeleteOwner(ctx context.Context, pkg, username string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM owners WHERE package_name = ? AND username = ?`, pkg, username)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// CreateUser inserts a new user; ErrConflict if the username is taken
func (s *SQLiteStore) CreateUser(ctx context.Context, u *model.User) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users (username, email, password_hash, service_account, inserted_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			u.Username, u.Email, u.PasswordHash, u.ServiceAccount, now, now)
		return err
	})
}

// GetUser gets a user by username
func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*model.User, error) {
	return s.scanUser(ctx, `SELECT username, email, password_hash, service_account,
		inserted_at, updated_at FROM users WHERE username = ?`, username)
}

// GetUserByEmail gets a user by email
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return s.scanUser(ctx, `SELECT username, email, password_hash, service_account,
		inserted_at, updated_at FROM users WHERE email = ?`, email)
}

func (s *SQLiteStore) scanUser(ctx context.Context, query string, arg any) (*model.User, error) {
	u := &model.User{}
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.Username,
		&u.Email,
		&u.PasswordHash,
		&u.ServiceAccount,
		&u.InsertedAt,
		&u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return u, nil
}

// CreateKey inserts a new API key
func (s *SQLiteStore) CreateKey(ctx context.Context, k *model.APIKey) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		perms, err := marshalJSON(k.Permissions)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO keys (id, username, name, secret_hash, permissions, inserted_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			k.ID, k.Username, k.Name, k.SecretHash, perms, time.Now().UTC())
		return err
	})
}

const keyColumns = `id, username, name, secret_hash, permissions, revoked, last_used_at, inserted_at`

func scanKey(row rowScanner) (*model.APIKey, error) {
	k := &model.APIKey{}
	var perms string
	var lastUsed sql.NullTime
	err := row.Scan(
		&k.ID,
		&k.Username,
		&k.Name,
		&k.SecretHash,
		&perms,
		&k.Revoked,
		&lastUsed,
		&k.InsertedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perms), &k.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode key permissions: %w", err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}
	return k, nil
}

// GetKeyByID gets a key by its id
func (s *SQLiteStore) GetKeyByID(ctx context.Context, id string) (*model.APIKey, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return k, nil
}

// GetKeyByName gets a user's key by its friendly name
func (s *SQLiteStore) GetKeyByName(ctx context.Context, username, name string) (*model.APIKey, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE username = ? AND name = ?`, username, name))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	return k, nil
}

// ListKeys lists a user's keys
func (s *SQLiteStore) ListKeys(ctx context.Context, username string) ([]*model.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM keys WHERE username = ? ORDER BY name`, username)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	var keys []*model.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeKey marks a key revoked
func (s *SQLiteStore) RevokeKey(ctx context.Context, username, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE keys SET revoked = 1 WHERE username = ? AND name = ?`, username, name)
		if err != nil {
			return err
		}
		return requireRow(res)
	})
}

// TouchKey records when a key was last used
func (s *SQLiteStore) TouchKey(ctx context.Context, id string, usedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE keys SET last_used_at = ? WHERE id = ?`, usedAt.UTC(), id)
		return err
	})
}

// Singleton config record names.
const (
	configUpstream = "upstream"
	configPublish  = "publish"
)

// GetUpstreamConfig reads the upstream singleton record
func (s *SQLiteStore) GetUpstreamConfig(ctx context.Context) (*model.UpstreamConfig, error) {
	cfg := &model.UpstreamConfig{}
	if err := s.getConfig(ctx, configUpstream, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PutUpstreamConfig replaces the upstream singleton record
func (s *SQLiteStore) PutUpstreamConfig(ctx context.Context, cfg *model.UpstreamConfig) error {
	return s.putConfig(ctx, configUpstream, cfg)
}

// GetPublishConfig reads the publish singleton record
func (s *SQLiteStore) GetPublishConfig(ctx context.Context) (*model.PublishConfig, error) {
	cfg := &model.PublishConfig{}
	if err := s.getConfig(ctx, configPublish, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// PutPublishConfig replaces the publish singleton record
func (s *SQLiteStore) PutPublishConfig(ctx context.Context, cfg *model.PublishConfig) error {
	return s.putConfig(ctx, configPublish, cfg)
}

// SeedConfigs writes both singleton records only if they are absent
func (s *SQLiteStore) SeedConfigs(ctx context.Context, up *model.UpstreamConfig, pub *model.PublishConfig) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for name, v := range map[string]any{configUpstream: up, configPublish: pub} {
			value, err := marshalJSON(v)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO configs (name, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(name) DO NOTHING`,
				name, value, time.Now().UTC())
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) getConfig(ctx context.Context, name string, out any) error {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM configs WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return mapSQLiteErr(err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) putConfig(ctx context.Context, name string, v any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		value, err := marshalJSON(v)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO configs (name, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
			name, value, time.Now().UTC())
		return err
	})
}

// ReplicaSet returns the nodes holding a durable copy of table
func (s *SQLiteStore) ReplicaSet(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT node FROM table_replicas WHERE table_name = ? ORDER BY node`, table)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer rows.Close()

	var nodes []string
	for rows.Next() {
		var node string
		if err := rows.Scan(&node); err != nil {
			return nil, fmt.Errorf("failed to scan replica: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// SetReplicaSet replaces a table's replica set in one transaction
func (s *SQLiteStore) SetReplicaSet(ctx context.Context, table string, nodes []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM table_replicas WHERE table_name = ?`, table); err != nil {
			return err
		}
		for _, node := range nodes {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO table_replicas (table_name, node) VALUES (?, ?)`, table, node); err != nil {
				return err
			}
		}
		return nil
	})
}
