package domain

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	// DefaultCommunityIcon is used when a community is created without an icon.
	DefaultCommunityIcon = "📁"

	defaultMemberCount = 1
)

// Community groups posts under a name and a URL slug.
type Community struct {
	// ID is immutable once the community is created.
	ID string `json:"id"`

	Name string `json:"name"`

	// Slug is derived from Name at creation but may be edited independently.
	Slug string `json:"slug"`

	Description string `json:"description"`

	// Icon is an emoji, a URL or an inline data URI.
	Icon string `json:"icon"`

	// Banner is a URL or an inline data URI.
	Banner string `json:"banner"`

	MemberCount int `json:"memberCount"`
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Slugify lowercases name and replaces every run of whitespace with a hyphen.
func Slugify(name string) string {
	return whitespaceRun.ReplaceAllString(strings.ToLower(name), "-")
}

// PlaceholderBanner returns the generated banner image used when a community
// is created without one.
func PlaceholderBanner(name string) string {
	return "https://picsum.photos/seed/" + url.PathEscape(name) + "/800/200"
}

// DefaultCommunities returns the communities seeded into an empty board.
func DefaultCommunities() []Community {
	return []Community{
		{
			ID:          "c1",
			Name:        "General",
			Slug:        "general",
			Description: "The place for everything that matters.",
			Icon:        "🏠",
			Banner:      PlaceholderBanner("general"),
			MemberCount: defaultMemberCount,
		},
		{
			ID:          "c2",
			Name:        "Technology",
			Slug:        "technology",
			Description: "The future is now.",
			Icon:        "💻",
			Banner:      PlaceholderBanner("tech"),
			MemberCount: defaultMemberCount,
		},
		{
			ID:          "c3",
			Name:        "Images",
			Slug:        "images",
			Description: "Private photo gallery.",
			Icon:        "🖼️",
			Banner:      PlaceholderBanner("images"),
			MemberCount: defaultMemberCount,
		},
	}
}
