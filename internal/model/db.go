package model

// Core table names, as used by the store and by replica-set configuration.
const (
	TablePackages = "packages"
	TableReleases = "releases"
	TableOwners   = "owners"
	TableUsers    = "users"
	TableKeys     = "keys"
	TableConfigs  = "configs"
)

// CoreTables lists every table the cluster manager replicates.
var CoreTables = []string{
	TablePackages,
	TableReleases,
	TableOwners,
	TableUsers,
	TableKeys,
	TableConfigs,
}

// Schema contains the SQL schema for the database
const Schema = `
CREATE TABLE IF NOT EXISTS packages (
    name TEXT PRIMARY KEY,
    repository TEXT NOT NULL,
    meta TEXT NOT NULL DEFAULT '{}',
    private INTEGER NOT NULL DEFAULT 0,
    downloads INTEGER NOT NULL DEFAULT 0,
    source TEXT NOT NULL,
    inserted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS releases (
    package_name TEXT NOT NULL,
    version TEXT NOT NULL,
    has_docs INTEGER NOT NULL DEFAULT 0,
    meta TEXT NOT NULL DEFAULT '{}',
    requirements TEXT NOT NULL DEFAULT '{}',
    retirement TEXT,
    downloads INTEGER NOT NULL DEFAULT 0,
    content_key TEXT NOT NULL,
    inserted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (package_name, version),
    FOREIGN KEY (package_name) REFERENCES packages(name) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS owners (
    package_name TEXT NOT NULL,
    username TEXT NOT NULL,
    level TEXT NOT NULL,
    inserted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (package_name, username),
    FOREIGN KEY (package_name) REFERENCES packages(name) ON DELETE CASCADE,
    FOREIGN KEY (username) REFERENCES users(username) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS users (
    username TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    service_account INTEGER NOT NULL DEFAULT 0,
    inserted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS keys (
    id TEXT PRIMARY KEY,
    username TEXT NOT NULL,
    name TEXT NOT NULL,
    secret_hash TEXT NOT NULL,
    permissions TEXT NOT NULL DEFAULT '["read"]',
    revoked INTEGER NOT NULL DEFAULT 0,
    last_used_at TIMESTAMP,
    inserted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (username, name),
    FOREIGN KEY (username) REFERENCES users(username) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS configs (
    name TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS table_replicas (
    table_name TEXT NOT NULL,
    node TEXT NOT NULL,
    PRIMARY KEY (table_name, node)
);

CREATE INDEX IF NOT EXISTS idx_releases_package ON releases(package_name);
CREATE INDEX IF NOT EXISTS idx_owners_username ON owners(username);
CREATE INDEX IF NOT EXISTS idx_keys_username ON keys(username);
`
