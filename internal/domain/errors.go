package domain

import "errors"

// Store errors. Implementations of Store wrap one of these so callers can
// classify failures with errors.Is.
var (
	// ErrStoreUnavailable means the storage backend could not be opened.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrStoreRead means a collection could not be loaded.
	ErrStoreRead = errors.New("store read failed")

	// ErrStoreWrite means a collection could not be saved.
	ErrStoreWrite = errors.New("store write failed")

	// ErrStoreQuotaExceeded means the storage capacity is exhausted. Errors
	// wrapping it also match ErrStoreWrite.
	ErrStoreQuotaExceeded = &quotaError{}
)

type quotaError struct{}

func (*quotaError) Error() string { return "store quota exceeded" }

func (*quotaError) Is(target error) bool { return target == ErrStoreWrite }

// Action errors returned by Board.
var (
	ErrPostNotFound      = errors.New("post not found")
	ErrCommunityNotFound = errors.New("community not found")
	ErrEmptyComment      = errors.New("comment content is empty")
	ErrInvalidPost       = errors.New("invalid post")
	ErrInvalidCommunity  = errors.New("invalid community")
)
