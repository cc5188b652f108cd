// Package legacy reads data written by the first, key-value based version of
// the board, where each collection was a JSON string under a fixed key.
package legacy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/blackmichael/privy-board/internal/domain"
)

// Keys under which the key-value store kept each collection.
const (
	PostsKey       = "privy_posts"
	CommunitiesKey = "privy_communities"
)

// ErrMalformedSnapshot is returned when a dump cannot be parsed.
var ErrMalformedSnapshot = errors.New("malformed legacy snapshot")

// Snapshot is the content of a key-value dump.
type Snapshot struct {
	Communities []domain.Community
	Posts       []domain.Post
}

// Empty reports whether the dump holds no records at all.
func (s Snapshot) Empty() bool {
	return len(s.Communities) == 0 && len(s.Posts) == 0
}

// Read parses a dump: a JSON object mapping keys to either the JSON-encoded
// string the key-value store held or the array itself. Missing keys yield
// empty collections; unknown keys are ignored.
func Read(r io.Reader) (Snapshot, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
	}

	snap := Snapshot{
		Communities: []domain.Community{},
		Posts:       []domain.Post{},
	}
	if err := decodeValue(raw[CommunitiesKey], &snap.Communities); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %w", ErrMalformedSnapshot, CommunitiesKey, err)
	}
	if err := decodeValue(raw[PostsKey], &snap.Posts); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s: %w", ErrMalformedSnapshot, PostsKey, err)
	}

	for i := range snap.Posts {
		if snap.Posts[i].Comments == nil {
			snap.Posts[i].Comments = []domain.Comment{}
		}
	}
	for i := range snap.Communities {
		c := &snap.Communities[i]
		if c.Slug == "" {
			c.Slug = domain.Slugify(c.Name)
		}
	}
	return snap, nil
}

// ReadFile is Read on the named file.
func ReadFile(path string) (Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open legacy snapshot: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// decodeValue unmarshals v into dst, unwrapping one level of string encoding
// when present.
func decodeValue(v json.RawMessage, dst any) error {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil
	}
	if v[0] == '"' {
		var inner string
		if err := json.Unmarshal(v, &inner); err != nil {
			return err
		}
		if inner == "" || inner == "null" {
			return nil
		}
		v = json.RawMessage(inner)
	}
	return json.Unmarshal(v, dst)
}
