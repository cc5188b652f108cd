package domain

import "github.com/google/uuid"

// ID prefixes identify the entity type an id belongs to.
const (
	PostIDPrefix      = "post"
	CommentIDPrefix   = "comment"
	CommunityIDPrefix = "community"
)

// NewID returns a collision-resistant identifier of the form prefix_<uuid>.
// Version 7 UUIDs keep ids roughly ordered by creation time.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + id.String()
}
