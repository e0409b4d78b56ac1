// Package registry defines the provider contract every connector implements
// and the central lookup used by the worker to resolve a connector type to
// its implementation.
package registry

import (
	"context"
	"encoding/json"
	"time"
)

// Action describes what happened to an item at the source.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ItemMetadata identifies one item at the source without its content.
type ItemMetadata struct {
	SourceID    string
	Name        string
	MimeType    string
	ModifiedAt  time.Time
	OriginalURL string
}

// ItemChange is one change discovered during enumeration. Item is nil for
// deletes.
type ItemChange struct {
	SourceID string
	Action   Action
	Item     *ItemMetadata
}

// DownloadedItem is a fully materialized item ready for storage.
type DownloadedItem struct {
	SourceID    string
	Name        string
	Content     []byte
	MimeType    string
	ContentHash string
	ModifiedAt  time.Time
	Access      ExternalAccess
	OriginalURL string
}

// DeletedItem marks an item removed at the source.
type DeletedItem struct {
	SourceID string
}

// SyncResult carries exactly one of a downloaded or deleted item.
type SyncResult struct {
	Item    *DownloadedItem
	Deleted *DeletedItem
}

// ChangeFunc receives enumerated changes. Returning an error stops the
// enumeration and propagates out of GetChanges.
type ChangeFunc func(change ItemChange) error

// ResultFunc receives sync results as they are produced.
type ResultFunc func(result SyncResult) error

// Provider is the per-connector sync implementation. A provider is
// constructed for a single connector row and carries its decoded config.
type Provider interface {
	// Authenticate establishes a valid session, refreshing credentials if
	// needed.
	Authenticate(ctx context.Context) error

	// GetChanges enumerates changed items since the checkpoint, advancing the
	// checkpoint in place as pages drain.
	GetChanges(ctx context.Context, cp any, yield ChangeFunc) error

	// DownloadItem fetches one item's content.
	DownloadItem(ctx context.Context, meta *ItemMetadata) (*DownloadedItem, error)

	// Sync runs the full cycle: authenticate, enumerate, download, yield.
	// Item-level download failures are recorded on the checkpoint and do not
	// abort the run.
	Sync(ctx context.Context, cp any, yield ResultFunc) error

	// NewCheckpoint returns this provider's zero-value checkpoint.
	NewCheckpoint() any

	// DecodeCheckpoint restores a checkpoint persisted from a previous run.
	// Empty or nil input yields a fresh checkpoint.
	DecodeCheckpoint(raw json.RawMessage) (any, error)

	// Close releases provider resources.
	Close() error
}

// Definition binds a connector kind to its provider constructor. The raw
// config is the connector row's config column; each definition decodes its
// own typed struct.
type Definition interface {
	Kind() string
	NewProvider(raw json.RawMessage) (Provider, error)
}
