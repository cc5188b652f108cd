package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultAuthor       = "Admin"
	DefaultImageMaxDim  = 1200
	DefaultIconMaxDim   = 800
	storageFullMessage  = "Local storage is full. Delete some posts or images to free space."
	storageErrorMessage = "Changes could not be saved to local storage."
	storageResetMessage = "All local data was deleted."
)

// BoardOptions tunes a Board. Zero values fall back to defaults.
type BoardOptions struct {
	// Author is the acting user's display name, used for comments and for
	// posts submitted without an author.
	Author string

	// ImageMaxWidth and ImageMaxHeight bound post images and banners.
	ImageMaxWidth  int
	ImageMaxHeight int

	// IconMaxDim bounds inline community icons in both dimensions.
	IconMaxDim int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// NewID generates entity ids. Defaults to NewID.
	NewID func(prefix string) string
}

func (o BoardOptions) withDefaults() BoardOptions {
	if o.Author == "" {
		o.Author = DefaultAuthor
	}
	if o.ImageMaxWidth <= 0 {
		o.ImageMaxWidth = DefaultImageMaxDim
	}
	if o.ImageMaxHeight <= 0 {
		o.ImageMaxHeight = DefaultImageMaxDim
	}
	if o.IconMaxDim <= 0 {
		o.IconMaxDim = DefaultIconMaxDim
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = NewID
	}
	return o
}

// Snapshot is a copy of the board's current state.
type Snapshot struct {
	Communities []Community `json:"communities"`
	Posts       []Post      `json:"posts"`
}

// CommunityDraft is what the view submits to create a community. Icon and
// Banner are optional.
type CommunityDraft struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Icon        string `json:"icon,omitempty"`
	Banner      string `json:"banner,omitempty"`
}

// collectionSync tracks how far the store lags behind memory for one
// collection. version and persisted are guarded by Board.mu; saveMu
// serializes saves and is always acquired before Board.mu. When both save
// locks are held, posts is taken first.
type collectionSync struct {
	saveMu    sync.Mutex
	version   uint64
	persisted uint64
}

// Board is the state container. It owns the canonical communities and posts
// and mirrors every change into the Store. Store failures are logged and
// reported to the Notifier but never undo an in-memory change.
type Board struct {
	mu          sync.Mutex
	communities []Community
	posts       []Post

	collections map[Collection]*collectionSync

	store    Store
	images   ImageNormalizer
	notifier Notifier
	logger   *slog.Logger
	opts     BoardOptions
}

// NewBoard creates a Board holding the default communities and no posts.
// Call Load to replace that with the stored state.
func NewBoard(store Store, images ImageNormalizer, notifier Notifier, logger *slog.Logger, opts BoardOptions) *Board {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{
		communities: DefaultCommunities(),
		posts:       []Post{},
		collections: map[Collection]*collectionSync{
			CollectionPosts:       {},
			CollectionCommunities: {},
		},
		store:    store,
		images:   images,
		notifier: notifier,
		logger:   logger,
		opts:     opts.withDefaults(),
	}
}

// Author returns the acting user's name.
func (b *Board) Author() string {
	return b.opts.Author
}

// Load replaces the in-memory state with the stored collections. A collection
// that fails to load keeps its current value. An empty community collection
// is seeded with DefaultCommunities. The returned error describes load
// failures only; the board stays usable either way.
func (b *Board) Load(ctx context.Context) error {
	unlock := b.lockSaves()
	defer unlock()
	return b.loadLocked(ctx)
}

// lockSaves blocks every save until the returned func is called. Saves
// already running complete first.
func (b *Board) lockSaves() func() {
	posts, communities := b.collections[CollectionPosts], b.collections[CollectionCommunities]
	posts.saveMu.Lock()
	communities.saveMu.Lock()
	return func() {
		communities.saveMu.Unlock()
		posts.saveMu.Unlock()
	}
}

// loadLocked is Load with both save locks held.
func (b *Board) loadLocked(ctx context.Context) error {
	var errs []error

	posts, err := b.store.LoadPosts(ctx)
	if err != nil {
		b.reportStoreError(CollectionPosts, err)
		errs = append(errs, fmt.Errorf("load posts: %w", err))
	}
	communities, cerr := b.store.LoadCommunities(ctx)
	if cerr != nil {
		b.reportStoreError(CollectionCommunities, cerr)
		errs = append(errs, fmt.Errorf("load communities: %w", cerr))
	}

	seeded := false
	b.mu.Lock()
	if err == nil {
		for i := range posts {
			normalizeLoadedPost(&posts[i])
		}
		b.posts = posts
		b.markPersistedLocked(CollectionPosts)
	}
	if cerr == nil {
		if len(communities) == 0 {
			b.communities = DefaultCommunities()
			b.collections[CollectionCommunities].version++
			seeded = true
		} else {
			b.communities = communities
			b.markPersistedLocked(CollectionCommunities)
		}
	}
	nPosts, nComms := len(b.posts), len(b.communities)
	b.mu.Unlock()

	if seeded {
		b.logger.Info("seeding default communities")
		_ = b.persistLocked(ctx, CollectionCommunities)
	}

	b.logger.Info("board loaded", "posts", nPosts, "communities", nComms)
	return errors.Join(errs...)
}

// markPersistedLocked records that memory and store agree for c.
func (b *Board) markPersistedLocked(c Collection) {
	s := b.collections[c]
	s.version++
	s.persisted = s.version
}

// Snapshot returns a copy of the current communities and posts.
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Communities: cloneCommunities(b.communities),
		Posts:       clonePosts(b.posts),
	}
}

// CreatePost assigns the system fields of draft and prepends the new post.
// Votes start at 1 (the creator's implicit upvote).
func (b *Board) CreatePost(ctx context.Context, draft PostDraft) (Post, error) {
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		return Post{}, fmt.Errorf("%w: title is required", ErrInvalidPost)
	}
	if draft.CommunityID == "" {
		return Post{}, fmt.Errorf("%w: community is required", ErrInvalidPost)
	}

	postType := draft.Type
	switch {
	case postType == "" && draft.ImageURL != "":
		postType = PostTypeImage
	case postType == "":
		postType = PostTypeText
	case !postType.Valid():
		return Post{}, fmt.Errorf("%w: unknown type %q", ErrInvalidPost, postType)
	}

	imageURL, err := b.normalizeImage(ctx, draft.ImageURL, b.opts.ImageMaxWidth, b.opts.ImageMaxHeight)
	if err != nil {
		return Post{}, fmt.Errorf("normalize post image: %w", err)
	}

	author := draft.Author
	if author == "" {
		author = b.opts.Author
	}

	now := b.opts.Now()
	post := Post{
		ID:          b.opts.NewID(PostIDPrefix),
		Title:       title,
		Content:     draft.Content,
		ImageURL:    imageURL,
		Author:      author,
		CommunityID: draft.CommunityID,
		Timestamp:   now.UnixMilli(),
		Votes:       1,
		Comments:    []Comment{},
		Type:        postType,
		IsPinned:    false,
	}

	b.mu.Lock()
	if b.communityIndexLocked(draft.CommunityID) < 0 {
		b.mu.Unlock()
		return Post{}, fmt.Errorf("create post in %s: %w", draft.CommunityID, ErrCommunityNotFound)
	}
	b.posts = append([]Post{post}, b.posts...)
	b.collections[CollectionPosts].version++
	b.mu.Unlock()

	b.logger.Debug("post created", "post_id", post.ID, "community_id", post.CommunityID)
	_ = b.persist(ctx, CollectionPosts)
	return post.clone(), nil
}

// Vote adds delta to the post's score. Any integer is accepted.
func (b *Board) Vote(ctx context.Context, postID string, delta int) (Post, error) {
	return b.updatePost(ctx, postID, func(p *Post) {
		p.Votes += delta
	})
}

// TogglePin flips the post's pinned flag.
func (b *Board) TogglePin(ctx context.Context, postID string) (Post, error) {
	return b.updatePost(ctx, postID, func(p *Post) {
		p.IsPinned = !p.IsPinned
	})
}

// AddComment appends a comment by the acting user to the post. Content that
// is empty after trimming is rejected with ErrEmptyComment.
func (b *Board) AddComment(ctx context.Context, postID, content string) (Comment, error) {
	if strings.TrimSpace(content) == "" {
		return Comment{}, ErrEmptyComment
	}

	comment := Comment{
		ID:        b.opts.NewID(CommentIDPrefix),
		Author:    b.opts.Author,
		Content:   content,
		Timestamp: b.opts.Now().UnixMilli(),
		Votes:     1,
	}

	_, err := b.updatePost(ctx, postID, func(p *Post) {
		p.Comments = append(p.Comments, comment)
	})
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

// DeletePost removes the post.
func (b *Board) DeletePost(ctx context.Context, postID string) error {
	b.mu.Lock()
	i := b.postIndexLocked(postID)
	if i < 0 {
		b.mu.Unlock()
		return fmt.Errorf("delete post %s: %w", postID, ErrPostNotFound)
	}
	b.posts = append(b.posts[:i:i], b.posts[i+1:]...)
	b.collections[CollectionPosts].version++
	b.mu.Unlock()

	b.logger.Debug("post deleted", "post_id", postID)
	_ = b.persist(ctx, CollectionPosts)
	return nil
}

// CreateCommunity adds a community. The slug is derived from the name and
// missing icon or banner get placeholders.
func (b *Board) CreateCommunity(ctx context.Context, draft CommunityDraft) (Community, error) {
	name := strings.TrimSpace(draft.Name)
	if name == "" {
		return Community{}, fmt.Errorf("%w: name is required", ErrInvalidCommunity)
	}

	icon := draft.Icon
	if icon == "" {
		icon = DefaultCommunityIcon
	}
	banner := draft.Banner
	if banner == "" {
		banner = PlaceholderBanner(name)
	}

	community := Community{
		ID:          b.opts.NewID(CommunityIDPrefix),
		Name:        name,
		Slug:        Slugify(name),
		Description: draft.Description,
		Icon:        icon,
		Banner:      banner,
		MemberCount: defaultMemberCount,
	}
	if err := b.normalizeCommunityImages(ctx, &community); err != nil {
		return Community{}, err
	}

	b.mu.Lock()
	b.communities = append(b.communities, community)
	b.collections[CollectionCommunities].version++
	b.mu.Unlock()

	b.logger.Debug("community created", "community_id", community.ID, "slug", community.Slug)
	_ = b.persist(ctx, CollectionCommunities)
	return community, nil
}

// UpdateCommunity replaces the community with the same id. The slug is
// re-normalized; an empty slug is derived from the name again.
func (b *Board) UpdateCommunity(ctx context.Context, community Community) (Community, error) {
	community.Name = strings.TrimSpace(community.Name)
	if community.Name == "" {
		return Community{}, fmt.Errorf("%w: name is required", ErrInvalidCommunity)
	}
	community.Slug = Slugify(strings.TrimSpace(community.Slug))
	if community.Slug == "" {
		community.Slug = Slugify(community.Name)
	}
	if err := b.normalizeCommunityImages(ctx, &community); err != nil {
		return Community{}, err
	}

	b.mu.Lock()
	i := b.communityIndexLocked(community.ID)
	if i < 0 {
		b.mu.Unlock()
		return Community{}, fmt.Errorf("update community %s: %w", community.ID, ErrCommunityNotFound)
	}
	b.communities[i] = community
	b.collections[CollectionCommunities].version++
	b.mu.Unlock()

	_ = b.persist(ctx, CollectionCommunities)
	return community, nil
}

// DeleteCommunity removes the community. Its posts are kept and keep
// referencing the deleted id.
func (b *Board) DeleteCommunity(ctx context.Context, communityID string) error {
	b.mu.Lock()
	i := b.communityIndexLocked(communityID)
	if i < 0 {
		b.mu.Unlock()
		return fmt.Errorf("delete community %s: %w", communityID, ErrCommunityNotFound)
	}
	b.communities = append(b.communities[:i:i], b.communities[i+1:]...)
	b.collections[CollectionCommunities].version++
	b.mu.Unlock()

	b.logger.Debug("community deleted", "community_id", communityID)
	_ = b.persist(ctx, CollectionCommunities)
	return nil
}

// Import replaces both collections, e.g. when migrating a legacy snapshot or
// restoring an export. Unlike the interactive actions it returns persistence
// errors, since there is no view to notify.
func (b *Board) Import(ctx context.Context, communities []Community, posts []Post) error {
	posts = clonePosts(posts)
	for i := range posts {
		normalizeLoadedPost(&posts[i])
	}

	b.mu.Lock()
	b.communities = cloneCommunities(communities)
	b.posts = posts
	b.collections[CollectionCommunities].version++
	b.collections[CollectionPosts].version++
	b.mu.Unlock()

	b.logger.Info("importing board", "posts", len(posts), "communities", len(communities))
	return errors.Join(
		b.persist(ctx, CollectionCommunities),
		b.persist(ctx, CollectionPosts),
	)
}

// Reset deletes every stored record and reloads the board from the now empty
// store, which leaves the default communities and no posts.
func (b *Board) Reset(ctx context.Context) error {
	// Saves queued behind the reset must see the reloaded state, not the
	// records that were just deleted.
	unlock := b.lockSaves()
	defer unlock()

	if err := b.store.Reset(ctx); err != nil {
		b.reportStoreError("", err)
		return fmt.Errorf("reset store: %w", err)
	}
	b.logger.Warn("local data deleted")
	b.notifier.Notify(Notice{
		Kind:    NoticeStorageReset,
		Message: storageResetMessage,
		At:      b.opts.Now(),
	})
	return b.loadLocked(ctx)
}

func (b *Board) updatePost(ctx context.Context, postID string, mutate func(*Post)) (Post, error) {
	b.mu.Lock()
	i := b.postIndexLocked(postID)
	if i < 0 {
		b.mu.Unlock()
		return Post{}, fmt.Errorf("post %s: %w", postID, ErrPostNotFound)
	}
	mutate(&b.posts[i])
	updated := b.posts[i].clone()
	b.collections[CollectionPosts].version++
	b.mu.Unlock()

	_ = b.persist(ctx, CollectionPosts)
	return updated, nil
}

// persist writes the current state of c to the store unless a save of the
// same or a newer version already succeeded. Saves of one collection are
// serialized and always write the latest in-memory state, so an older
// snapshot can never overwrite a newer one. The save is detached from ctx
// cancellation: once started it runs to completion.
func (b *Board) persist(ctx context.Context, c Collection) error {
	s := b.collections[c]
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return b.persistLocked(ctx, c)
}

// persistLocked is persist with the save lock of c held.
func (b *Board) persistLocked(ctx context.Context, c Collection) error {
	s := b.collections[c]
	b.mu.Lock()
	version, persisted := s.version, s.persisted
	var posts []Post
	var communities []Community
	switch c {
	case CollectionPosts:
		posts = clonePosts(b.posts)
	case CollectionCommunities:
		communities = cloneCommunities(b.communities)
	}
	b.mu.Unlock()

	if version <= persisted {
		return nil
	}

	ctx = context.WithoutCancel(ctx)
	var err error
	switch c {
	case CollectionPosts:
		err = b.store.SavePosts(ctx, posts)
	case CollectionCommunities:
		err = b.store.SaveCommunities(ctx, communities)
	}
	if err != nil {
		b.reportStoreError(c, err)
		return fmt.Errorf("save %s: %w", c, err)
	}

	b.mu.Lock()
	if version > s.persisted {
		s.persisted = version
	}
	b.mu.Unlock()
	return nil
}

func (b *Board) reportStoreError(c Collection, err error) {
	n := Notice{
		Kind:       NoticeStorageError,
		Message:    storageErrorMessage,
		Collection: c,
		At:         b.opts.Now(),
	}
	if errors.Is(err, ErrStoreQuotaExceeded) {
		n.Kind = NoticeStorageFull
		n.Message = storageFullMessage
		b.logger.Warn("local storage is full", "collection", c, "error", err)
	} else {
		b.logger.Error("store operation failed", "collection", c, "error", err)
	}
	b.notifier.Notify(n)
}

func (b *Board) normalizeCommunityImages(ctx context.Context, c *Community) error {
	icon, err := b.normalizeImage(ctx, c.Icon, b.opts.IconMaxDim, b.opts.IconMaxDim)
	if err != nil {
		return fmt.Errorf("normalize community icon: %w", err)
	}
	banner, err := b.normalizeImage(ctx, c.Banner, b.opts.ImageMaxWidth, b.opts.ImageMaxHeight)
	if err != nil {
		return fmt.Errorf("normalize community banner: %w", err)
	}
	c.Icon, c.Banner = icon, banner
	return nil
}

// normalizeImage passes anything that is not inline image data through.
func (b *Board) normalizeImage(ctx context.Context, ref string, maxWidth, maxHeight int) (string, error) {
	if ref == "" || b.images == nil || !b.images.IsImageData(ref) {
		return ref, nil
	}
	return b.images.Normalize(ctx, ref, maxWidth, maxHeight)
}

func (b *Board) postIndexLocked(id string) int {
	for i := range b.posts {
		if b.posts[i].ID == id {
			return i
		}
	}
	return -1
}

func (b *Board) communityIndexLocked(id string) int {
	for i := range b.communities {
		if b.communities[i].ID == id {
			return i
		}
	}
	return -1
}

func normalizeLoadedPost(p *Post) {
	if p.Comments == nil {
		p.Comments = []Comment{}
	}
	if p.Type == "" {
		p.Type = PostTypeText
		if p.ImageURL != "" {
			p.Type = PostTypeImage
		}
	}
}

func clonePosts(posts []Post) []Post {
	out := make([]Post, len(posts))
	for i := range posts {
		out[i] = posts[i].clone()
	}
	return out
}

func cloneCommunities(communities []Community) []Community {
	out := make([]Community, len(communities))
	copy(out, communities)
	return out
}

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}
