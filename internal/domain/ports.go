package domain

import (
	"context"
	"time"
)

// Collection names one of the persisted record sets.
type Collection string

const (
	CollectionPosts       Collection = "posts"
	CollectionCommunities Collection = "communities"
)

// Store is the durable mirror of the board's two collections. It has no
// authority of its own: every save replaces the whole collection.
type Store interface {
	// LoadPosts returns every saved post. Never-saved collections yield an
	// empty slice.
	LoadPosts(ctx context.Context) ([]Post, error)

	// LoadCommunities returns every saved community.
	LoadCommunities(ctx context.Context) ([]Community, error)

	// SavePosts atomically replaces the posts collection with posts.
	SavePosts(ctx context.Context, posts []Post) error

	// SaveCommunities atomically replaces the communities collection.
	SaveCommunities(ctx context.Context, communities []Community) error

	// Reset irrecoverably deletes all stored data.
	Reset(ctx context.Context) error
}

// ImageNormalizer bounds and re-compresses inline images before they are
// stored.
type ImageNormalizer interface {
	// IsImageData reports whether ref is an inline image the normalizer
	// should process. Emoji and remote URLs are left untouched.
	IsImageData(ref string) bool

	// Normalize returns ref re-encoded to fit within maxWidth x maxHeight.
	Normalize(ctx context.Context, ref string, maxWidth, maxHeight int) (string, error)
}

// NoticeKind classifies a Notice.
type NoticeKind string

const (
	// NoticeStorageFull tells the user to free space.
	NoticeStorageFull NoticeKind = "storage_full"

	// NoticeStorageError reports any other persistence failure.
	NoticeStorageError NoticeKind = "storage_error"

	// NoticeStorageReset is sent after all local data was deleted.
	NoticeStorageReset NoticeKind = "storage_reset"
)

// Notice is a user-visible message about persistence.
type Notice struct {
	Kind       NoticeKind `json:"kind"`
	Message    string     `json:"message"`
	Collection Collection `json:"collection,omitempty"`
	At         time.Time  `json:"at"`
}

// Notifier delivers notices to the view.
type Notifier interface {
	Notify(n Notice)
}
