package model

import "time"

// Package source tags.
const (
	SourceLocal  = "local"
	SourceCached = "cached"
)

// Ownership levels.
const (
	OwnerLevelFull       = "full"
	OwnerLevelMaintainer = "maintainer"
)

// API key permissions.
const (
	PermRead  = "read"
	PermWrite = "write"
)

// AnonymousUser is the protected service account used for anonymous
// publishing. It is created at startup and can never be deleted, edited,
// or claimed by registration.
const AnonymousUser = "anonymous"

// Package represents a package record in the registry
type Package struct {
	Name       string         `json:"name"`
	Repository string         `json:"repository"`
	Meta       map[string]any `json:"meta,omitempty"`
	Private    bool           `json:"private"`
	Downloads  int64          `json:"downloads"`
	Source     string         `json:"source"`
	Releases   []*Release     `json:"releases,omitempty"`
	InsertedAt time.Time      `json:"inserted_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Requirement is one entry of a release's dependency map
type Requirement struct {
	Requirement string `json:"requirement"`
	Optional    bool   `json:"optional,omitempty"`
}

// RetirementInfo marks a release as retired
type RetirementInfo struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// Release represents one published version of a package
type Release struct {
	PackageName  string                  `json:"-"`
	Version      string                  `json:"version"`
	HasDocs      bool                    `json:"has_docs"`
	Meta         map[string]any          `json:"meta,omitempty"`
	Requirements map[string]*Requirement `json:"requirements,omitempty"`
	Retirement   *RetirementInfo         `json:"retirement,omitempty"`
	Downloads    int64                   `json:"downloads"`
	ContentKey   string                  `json:"-"`
	InsertedAt   time.Time               `json:"inserted_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// Retired reports whether the release is retired.
func (r *Release) Retired() bool { return r.Retirement != nil }

// Owner links a user to a package with an ownership level
type Owner struct {
	PackageName string    `json:"-"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	Level       string    `json:"level"`
	InsertedAt  time.Time `json:"inserted_at"`
}

// User represents a registered account
type User struct {
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	PasswordHash   string    `json:"-"`
	ServiceAccount bool      `json:"service_account,omitempty"`
	InsertedAt     time.Time `json:"inserted_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// APIKey represents an authentication key. SecretHash is a bcrypt hash of
// the full secret; the plaintext is shown once at creation.
type APIKey struct {
	ID          string     `json:"id"`
	Username    string     `json:"-"`
	Name        string     `json:"name"`
	SecretHash  string     `json:"-"`
	Permissions []string   `json:"permissions"`
	Revoked     bool       `json:"revoked"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	InsertedAt  time.Time  `json:"inserted_at"`
}

// HasPermission reports whether the key grants perm.
func (k *APIKey) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// UpstreamConfig is the singleton record controlling the upstream proxy.
// It is read from the store on every relevant request so admin mutations
// take effect without a restart.
type UpstreamConfig struct {
	Enabled       bool          `json:"enabled"`
	APIURL        string        `json:"api_url"`
	RepoURL       string        `json:"repo_url"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// PublishConfig is the singleton record controlling publishing policy.
type PublishConfig struct {
	AnonymousEnabled bool `json:"anonymous_enabled"`
}
