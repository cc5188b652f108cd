package domain

import (
	"sort"
	"time"
)

// PostType distinguishes plain text posts from image posts.
type PostType string

const (
	PostTypeText  PostType = "text"
	PostTypeImage PostType = "image"
)

// Valid reports whether t is a known post type.
func (t PostType) Valid() bool {
	return t == PostTypeText || t == PostTypeImage
}

// Post is a single entry on the board. ID and Timestamp are assigned when the
// post is created and never change afterwards.
type Post struct {
	// ID is the unique, prefixed identifier (e.g. post_0190c3...).
	ID string `json:"id"`

	Title   string `json:"title"`
	Content string `json:"content"`

	// ImageURL is either an inline data URI or a remote URL. Empty for text posts.
	ImageURL string `json:"imageUrl,omitempty"`

	Author string `json:"author"`

	// CommunityID references the community the post was created in. The
	// reference is not kept valid: deleting the community leaves it dangling.
	CommunityID string `json:"communityId"`

	// Timestamp is the creation time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Votes is an accumulating score, not a per-user ledger.
	Votes int `json:"votes"`

	// Comments are kept in insertion order. Never nil on a created post.
	Comments []Comment `json:"comments"`

	Type     PostType `json:"type"`
	IsPinned bool     `json:"isPinned"`
}

// CreatedAt returns Timestamp as a time.Time.
func (p Post) CreatedAt() time.Time {
	return time.UnixMilli(p.Timestamp)
}

// CommentsNewestFirst returns a copy of the comments ordered by descending
// timestamp, the order in which they are displayed.
func (p Post) CommentsNewestFirst() []Comment {
	out := make([]Comment, len(p.Comments))
	copy(out, p.Comments)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	return out
}

func (p Post) clone() Post {
	c := p
	c.Comments = make([]Comment, len(p.Comments))
	copy(c.Comments, p.Comments)
	return c
}

// Comment is a reply owned by exactly one post. Comments are append-only.
type Comment struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Votes     int    `json:"votes"`
}

// PostDraft is what the view submits to create a post. Fields the board
// assigns itself (id, timestamp, votes, comments, pin state) are absent.
type PostDraft struct {
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	ImageURL    string   `json:"imageUrl,omitempty"`
	Author      string   `json:"author,omitempty"`
	CommunityID string   `json:"communityId"`
	Type        PostType `json:"type,omitempty"`
}
