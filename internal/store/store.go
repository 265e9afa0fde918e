// ABOUTME: Store interface and record types for ria-gateway persistence
// ABOUTME: Defines Website, Agent, ModelClient and Archive records and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a record with the same unique key already exists
var ErrDuplicate = errors.New("record already exists")

// Website is a calling site allowed to open conversations.
// The key pair is never stored in clear; Key1Hash and Key2Hash are
// argon2id digests computed with Salt.
type Website struct {
	ID       string
	Name     string
	Host     string // matched against the caller's host or IP at login
	Key1Hash string
	Key2Hash string
	Salt     string
	Group    string // AI group; selects model clients and agents
	Enabled  bool
	Removed  bool

	CreatedAt time.Time
}

// Agent is a human-agent messenger endpoint.
type Agent struct {
	ID      int
	Name    string
	URL     string
	Group   string
	Enabled bool
	Removed bool

	CreatedAt time.Time
}

// ModelClient is one AI backend of the model pool.
type ModelClient struct {
	ID       int64
	URL      string
	Provider string // prefix of the flow's <provider>_api_key param
	Group    string
	Enabled  bool

	CreatedAt time.Time
}

// Archive indexes one archived conversation file.
type Archive struct {
	ID        string
	UserID    string
	WebsiteID string
	Path      string
	Finished  bool // false when archived by a server disable
	Messages  int
	StartedAt time.Time
	EndedAt   time.Time
}

// Store is the record lookup service used by the gateway.
type Store interface {
	CreateWebsite(ctx context.Context, w *Website) error
	GetWebsite(ctx context.Context, id string) (*Website, error)
	GetWebsiteByHost(ctx context.Context, host string) (*Website, error)
	ListWebsites(ctx context.Context) ([]*Website, error)

	CreateAgent(ctx context.Context, a *Agent) error
	ListAgents(ctx context.Context) ([]*Agent, error)

	CreateModelClient(ctx context.Context, c *ModelClient) error
	ListModelClients(ctx context.Context) ([]*ModelClient, error)

	// SaveArchive upserts by ID so re-archiving a session replaces its row.
	SaveArchive(ctx context.Context, a *Archive) error
	ListArchives(ctx context.Context, limit int) ([]*Archive, error)

	Close() error
}
