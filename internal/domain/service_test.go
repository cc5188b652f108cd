package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu          sync.Mutex
	posts       []Post
	communities []Community
	postSaves   int
	commSaves   int
	resets      int

	loadErr error
	saveErr error

	// postGate, when set, holds the next SavePosts until released.
	postGate *saveGate
}

type saveGate struct {
	started chan struct{}
	release chan struct{}
}

func newSaveGate() *saveGate {
	return &saveGate{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (m *memStore) LoadPosts(context.Context) ([]Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return clonePosts(m.posts), nil
}

func (m *memStore) LoadCommunities(context.Context) ([]Community, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return cloneCommunities(m.communities), nil
}

func (m *memStore) SavePosts(_ context.Context, posts []Post) error {
	m.mu.Lock()
	gate := m.postGate
	m.postGate = nil
	m.mu.Unlock()
	if gate != nil {
		gate.started <- struct{}{}
		<-gate.release
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.posts = clonePosts(posts)
	m.postSaves++
	return nil
}

func (m *memStore) SaveCommunities(_ context.Context, communities []Community) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.communities = cloneCommunities(communities)
	m.commSaves++
	return nil
}

func (m *memStore) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts, m.communities = nil, nil
	m.resets++
	return nil
}

func (m *memStore) storedPosts() []Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clonePosts(m.posts)
}

func (m *memStore) storedCommunities() []Community {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneCommunities(m.communities)
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingNotifier) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) kinds() []NoticeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []NoticeKind
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

type fakeImages struct {
	calls []string
	err   error
}

func (f *fakeImages) IsImageData(ref string) bool {
	return len(ref) > 5 && ref[:5] == "data:"
}

func (f *fakeImages) Normalize(_ context.Context, ref string, maxWidth, maxHeight int) (string, error) {
	f.calls = append(f.calls, fmt.Sprintf("%dx%d", maxWidth, maxHeight))
	if f.err != nil {
		return "", f.err
	}
	return "data:image/jpeg;base64,normalized", nil
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestBoard(t *testing.T, store *memStore) (*Board, *recordingNotifier, *fakeImages) {
	t.Helper()
	var mu sync.Mutex
	seq := 0
	notifier := &recordingNotifier{}
	images := &fakeImages{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	board := NewBoard(store, images, notifier, logger, BoardOptions{
		Author: "tester",
		Now:    func() time.Time { return testNow },
		NewID: func(prefix string) string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("%s_%d", prefix, seq)
		},
	})
	require.NoError(t, board.Load(context.Background()))
	return board, notifier, images
}

func TestLoadSeedsDefaultCommunities(t *testing.T) {
	store := &memStore{}
	board, _, _ := newTestBoard(t, store)

	snap := board.Snapshot()
	assert.Equal(t, DefaultCommunities(), snap.Communities)
	assert.Empty(t, snap.Posts)
	assert.NotNil(t, snap.Posts)
	assert.Equal(t, DefaultCommunities(), store.storedCommunities())
}

func TestLoadKeepsStoredState(t *testing.T) {
	store := &memStore{
		communities: []Community{{ID: "x", Name: "X", Slug: "x"}},
		posts:       []Post{{ID: "p", Title: "old", CommunityID: "x"}},
	}
	board, _, _ := newTestBoard(t, store)

	snap := board.Snapshot()
	require.Len(t, snap.Communities, 1)
	require.Len(t, snap.Posts, 1)
	assert.Equal(t, []Comment{}, snap.Posts[0].Comments)
	assert.Equal(t, PostTypeText, snap.Posts[0].Type)
	assert.Zero(t, store.commSaves, "loading existing data must not re-save it")
}

func TestLoadFailureKeepsDefaults(t *testing.T) {
	store := &memStore{loadErr: fmt.Errorf("%w: boom", ErrStoreRead)}
	notifier := &recordingNotifier{}
	board := NewBoard(store, nil, notifier, slog.New(slog.NewTextHandler(io.Discard, nil)), BoardOptions{})

	err := board.Load(context.Background())
	require.ErrorIs(t, err, ErrStoreRead)

	snap := board.Snapshot()
	assert.Equal(t, DefaultCommunities(), snap.Communities)
	assert.Empty(t, snap.Posts)
	assert.Equal(t, []NoticeKind{NoticeStorageError, NoticeStorageError}, notifier.kinds())
}

func TestCreatePostAssignsSystemFields(t *testing.T) {
	store := &memStore{}
	board, _, _ := newTestBoard(t, store)

	post, err := board.CreatePost(context.Background(), PostDraft{
		Title:       "Hi",
		Content:     "hello",
		CommunityID: "c1",
	})
	require.NoError(t, err)

	assert.Equal(t, "post_1", post.ID)
	assert.Equal(t, testNow.UnixMilli(), post.Timestamp)
	assert.Equal(t, 1, post.Votes)
	assert.Equal(t, []Comment{}, post.Comments)
	assert.False(t, post.IsPinned)
	assert.Equal(t, PostTypeText, post.Type)
	assert.Equal(t, "tester", post.Author)

	assert.Equal(t, []Post{post}, store.storedPosts())
}

func TestCreatePostPrependsNewest(t *testing.T) {
	board, _, _ := newTestBoard(t, &memStore{})
	ctx := context.Background()

	first, err := board.CreatePost(ctx, PostDraft{Title: "first", CommunityID: "c1"})
	require.NoError(t, err)
	second, err := board.CreatePost(ctx, PostDraft{Title: "second", CommunityID: "c2"})
	require.NoError(t, err)

	posts := board.Snapshot().Posts
	require.Len(t, posts, 2)
	assert.Equal(t, second.ID, posts[0].ID)
	assert.Equal(t, first.ID, posts[1].ID)
}

func TestCreatePostValidation(t *testing.T) {
	board, _, _ := newTestBoard(t, &memStore{})
	ctx := context.Background()

	tests := []struct {
		name  string
		draft PostDraft
		want  error
	}{
		{"empty title", PostDraft{Title: "  ", CommunityID: "c1"}, ErrInvalidPost},
		{"no community", PostDraft{Title: "t"}, ErrInvalidPost},
		{"unknown type", PostDraft{Title: "t", CommunityID: "c1", Type: "video"}, ErrInvalidPost},
		{"unknown community", PostDraft{Title: "t", CommunityID: "nope"}, ErrCommunityNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := board.CreatePost(ctx, tt.draft)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, board.Snapshot().Posts)
}

func TestCreatePostNormalizesInlineImage(t *testing.T) {
	board, _, images := newTestBoard(t, &memStore{})

	post, err := board.CreatePost(context.Background(), PostDraft{
		Title:       "pic",
		CommunityID: "c3",
		ImageURL:    "data:image/png;base64,AAAA",
	})
	require.NoError(t, err)

	assert.Equal(t, PostTypeImage, post.Type)
	assert.Equal(t, "data:image/jpeg;base64,normalized", post.ImageURL)
	assert.Equal(t, []string{"1200x1200"}, images.calls)
}

func TestCreatePostRemoteImageUntouched(t *testing.T) {
	board, _, images := newTestBoard(t, &memStore{})

	post, err := board.CreatePost(context.Background(), PostDraft{
		Title:       "pic",
		CommunityID: "c3",
		ImageURL:    "https://example.com/cat.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/cat.png", post.ImageURL)
	assert.Empty(t, images.calls)
}

func TestCreatePostImageDecodeFailure(t *testing.T) {
	board, _, images := newTestBoard(t, &memStore{})
	images.err = errors.New("bad image")

	_, err := board.CreatePost(context.Background(), PostDraft{
		Title:       "pic",
		CommunityID: "c3",
		ImageURL:    "data:image/png;base64,AAAA",
	})
	require.Error(t, err)
	assert.Empty(t, board.Snapshot().Posts)
}

func TestVoteUpThenDownRestoresScore(t *testing.T) {
	board, _, _ := newTestBoard(t, &memStore{})
	ctx := context.Background()

	post, err := board.CreatePost(ctx, PostDraft{Title: "t", CommunityID: "c1"})
	require.NoError(t, err)

	up, err := board.Vote(ctx, post.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, up.Votes)

	down, err := board.Vote(ctx, post.ID, -1)
	require.NoError(t, err)
	assert.Equal(t, post.Votes, down.Votes)
}

func TestVoteAcceptsAnyDelta(t *testing.T) {
	board, _, _ := newTestBoard(t, &memStore{})
	ctx := context.Background()

	post, err := board.CreatePost(ctx, PostDraft{Title: "t", CommunityID: "c1"})
	require.NoError(t, err)

	got, err := board.Vote(ctx, post.ID, -10)
	require.NoError(t, err)
	assert.Equal(t, -9, got.Votes)
}

func TestUnknownPostIsNoop(t *testing.T) {
	store := &memStore{}
	board, _, _ := newTestBoard(t, store)
	ctx := context.Background()

	_, err := board.CreatePost(ctx, PostDraft{Title: "t", CommunityID: "c1"})
	require.NoError(t, err)
	before := board.Snapshot()
	saves := store.postSaves

	_, err = board.Vote(ctx, "missing", 1)
	assert.ErrorIs(t, err, ErrPostNotFound)
	_, err = board.TogglePin(ctx, "missing")
	assert.ErrorIs(t, err, ErrPostNotFound)
	_, err = board.AddComment(ctx, "missing", "hi")
	assert.ErrorIs(t, err, ErrPostNotFound)
	err = board.DeletePost(ctx, "missing")
	assert.ErrorIs(t, err, ErrPostNotFound)

	assert.Equal(t, before, board.Snapshot())
	assert.Equal(t, saves, store.postSaves)
}

func TestTogglePin(t *testing.T) {
	board, _, _ := newTestBoard(t, &memStore{})
	ctx := context.Background()

	post, err := board.CreatePost(ctx, PostDraft{Title: "t", CommunityID: "c1"})
	require.NoError(t, err)

	pinned, err := board.TogglePin(ctx, post.ID)
	require.NoError(t, err)
	assert.True(t, pinned.IsPinned)
	assert.Equal(t, post.Votes, pinned.Votes)

	unpinned, err := board.TogglePin(ctx, post.ID)
	require.NoError(t, err)
	assert.False(t, unpinned.IsPinned)
}

func TestAddComment(t *testing.T) {
	store := &memStore{}
	board, _, _ := newTestBoard(t, store)
	ctx := context.Background()

	post, err := board.CreatePost(ctx, PostDraft{Title: "t", CommunityID: "c1"})
	require.NoError(t, err)

	comment, err := board.AddComment(ctx, post.ID, "Nice!")
	require.NoError(t, err)
	assert.Equal(t, "tester", comment.Author)
	assert.Equal(t, 1, comment.Votes)
	assert.Equal(t, testNow.UnixMilli(), comment.Timestamp)
	assert.NotEqual(t, post.ID, comment.ID)

	_, err = board.AddComment(ctx, post.ID, " \n\t")
	assert.ErrorIs(t, err, ErrEmptyComment)

	stored := store.storedPosts()
	require.Len(t, stored, 1)
	assert.Equal(t, []Comment{comment}, stored[0].Comments)
}

func TestDeletePost(t *testing.T) {
	store := &memStore{}
	board, _, _ := newTestBoard(t, store)
	ctx := context.Background()

	a, err := board.CreatePost(ctx, PostDraft{Title: "a", CommunityID: "c1"})
	require.NoError(t, err)
	b, err := board.CreatePost(ctx, PostDraft{Title: "b", CommunityID: "c1"})
	require.NoError(t, err)

	require.NoError(t, board.DeletePost(ctx, a.ID))

	posts := board.Snapshot().Posts
	require.Len(t, posts, 1)
	assert.Equal(t, b.ID, posts[0].ID)
	assert.Equal(t, posts, store.storedPosts())
}

func TestCreateCommunityDefaults(t *testing.T) {
	store := &memStore{}
	board, _, _ := newTestBoard(t, store)

	c, err := board.CreateCommunity(context.Background(), CommunityDraft{Name: "Tech", Description: "gadgets"})
	require.NoError(t, err)

	assert.Equal(t, "tech", c.Slug)
	assert.Equal(t, DefaultCommunityIcon, c.Icon)
	assert.Equal(t, PlaceholderBanner("Tech"), c.Banner)
	assert.Equal(t, 1, c.MemberCount)
	assert.Contains(t, store.storedCommunities(), c)
}

func TestCreateCommunityNormalizesInlineIcon(t *testing.T) {
	board, _, images := newTestBoard(t, &memStore{})

	c, err := board.CreateCommunity(context.Background(), CommunityDraft{
		Name: "Pics",
		Icon: "data:image/png;base64,AAAA",
	})
	require.NoError(t, err)
	assert.Equal(t, "data:image/jpeg;base64,normalized", c.Icon)
	assert.Equal(t, []string{"800x800"}, images.calls)
}

func TestCreateCommunityRequiresName(t *testing.T) {
	board, _, _ := newTestBoard(t, &memStore{})

	_, err := board.CreateCommunity(context.Background(), CommunityDraft{Name: "   "})
	assert.ErrorIs(t, err, ErrInvalidCommunity)
}

func TestUpdateCommunityReplacesByID(t *testing.T) {
	store := &memStore{}
	board, _, _ := newTestBoard(t, store)
	ctx := context.Background()

	c, err := board.CreateCommunity(ctx, CommunityDraft{Name: "Tech"})
	require.NoError(t, err)

	c.Name = "Tech News"
	c.Slug = "Gadgets And  Stuff"
	c.Description = "updated"
	c.MemberCount = 7
	updated, err := board.UpdateCommunity(ctx, c)
	require.NoError(t, err)

	assert.Equal(t, c.ID, updated.ID)
	assert.Equal(t, "gadgets-and-stuff", updated.Slug)
	assert.Equal(t, 7, updated.MemberCount)
	assert.Contains(t, store.storedCommunities(), updated)

	_, err = board.UpdateCommunity(ctx, Community{ID: "missing", Name: "x"})
	assert.ErrorIs(t, err, ErrCommunityNotFound)
}

func TestDeleteCommunityKeepsPosts(t *testing.T) {
	store := &memStore{}
	board, _, _ := newTestBoard(t, store)
	ctx := context.Background()

	tech, err := board.CreateCommunity(ctx, CommunityDraft{Name: "Tech"})
	require.NoError(t, err)
	assert.Equal(t, "tech", tech.Slug)

	post, err := board.CreatePost(ctx, PostDraft{Title: "Hi", CommunityID: tech.ID, Type: PostTypeText})
	require.NoError(t, err)
	assert.Equal(t, 1, post.Votes)
	assert.Empty(t, post.Comments)

	_, err = board.AddComment(ctx, post.ID, "Nice!")
	require.NoError(t, err)
	assert.Len(t, board.Snapshot().Posts[0].Comments, 1)

	require.NoError(t, board.DeleteCommunity(ctx, tech.ID))

	snap := board.Snapshot()
	for _, c := range snap.Communities {
		assert.NotEqual(t, tech.ID, c.ID)
	}
	require.Len(t, snap.Posts, 1)
	assert.Equal(t, tech.ID, snap.Posts[0].CommunityID)
	assert.Len(t, store.storedPosts(), 1)

	assert.ErrorIs(t, board.DeleteCommunity(ctx, tech.ID), ErrCommunityNotFound)
}

func TestSaveFailureKeepsMemoryAndNotifies(t *testing.T) {
	store := &memStore{}
	board, notifier, _ := newTestBoard(t, store)
	ctx := context.Background()

	store.saveErr = fmt.Errorf("%w: disk full", ErrStoreQuotaExceeded)
	post, err := board.CreatePost(ctx, PostDraft{Title: "t", CommunityID: "c1"})
	require.NoError(t, err, "persistence errors must not reach the caller")
	assert.Len(t, board.Snapshot().Posts, 1)
	assert.Empty(t, store.storedPosts())

	store.saveErr = fmt.Errorf("%w: io", ErrStoreWrite)
	_, err = board.Vote(ctx, post.ID, 1)
	require.NoError(t, err)

	assert.Equal(t, []NoticeKind{NoticeStorageFull, NoticeStorageError}, notifier.kinds())

	// The next successful save carries everything that failed before.
	store.saveErr = nil
	_, err = board.TogglePin(ctx, post.ID)
	require.NoError(t, err)
	stored := store.storedPosts()
	require.Len(t, stored, 1)
	assert.Equal(t, 2, stored[0].Votes)
	assert.True(t, stored[0].IsPinned)
}

func TestConcurrentVotesPersistLatestState(t *testing.T) {
	store := &memStore{}
	board, _, _ := newTestBoard(t, store)
	ctx := context.Background()

	post, err := board.CreatePost(ctx, PostDraft{Title: "t", CommunityID: "c1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := board.Vote(ctx, post.ID, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 51, board.Snapshot().Posts[0].Votes)
	stored := store.storedPosts()
	require.Len(t, stored, 1)
	assert.Equal(t, 51, stored[0].Votes)
}

func TestResetReloadsDefaults(t *testing.T) {
	store := &memStore{}
	board, notifier, _ := newTestBoard(t, store)
	ctx := context.Background()

	_, err := board.CreatePost(ctx, PostDraft{Title: "t", CommunityID: "c1"})
	require.NoError(t, err)
	_, err = board.CreateCommunity(ctx, CommunityDraft{Name: "Extra"})
	require.NoError(t, err)

	require.NoError(t, board.Reset(ctx))

	assert.Equal(t, 1, store.resets)
	snap := board.Snapshot()
	assert.Empty(t, snap.Posts)
	assert.Equal(t, DefaultCommunities(), snap.Communities)
	assert.Contains(t, notifier.kinds(), NoticeStorageReset)
}

func TestResetWaitsForInFlightSave(t *testing.T) {
	store := &memStore{}
	board, _, _ := newTestBoard(t, store)
	ctx := context.Background()

	post, err := board.CreatePost(ctx, PostDraft{Title: "t", CommunityID: "c1"})
	require.NoError(t, err)

	gate := newSaveGate()
	store.mu.Lock()
	store.postGate = gate
	store.mu.Unlock()

	voted := make(chan struct{})
	go func() {
		defer close(voted)
		_, _ = board.Vote(ctx, post.ID, 1)
	}()
	<-gate.started

	reset := make(chan error, 1)
	go func() { reset <- board.Reset(ctx) }()

	assert.Never(t, func() bool { return len(reset) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	close(gate.release)
	<-voted
	require.NoError(t, <-reset)

	assert.Empty(t, store.storedPosts())
	assert.Empty(t, board.Snapshot().Posts)
	assert.Equal(t, DefaultCommunities(), store.storedCommunities())
}

func TestImportReplacesCollections(t *testing.T) {
	store := &memStore{}
	board, _, _ := newTestBoard(t, store)

	communities := []Community{{ID: "legacy", Name: "Legacy", Slug: "legacy"}}
	posts := []Post{{ID: "post_1", Title: "old", CommunityID: "legacy", ImageURL: "https://x/y.png"}}
	require.NoError(t, board.Import(context.Background(), communities, posts))

	snap := board.Snapshot()
	assert.Equal(t, communities, snap.Communities)
	require.Len(t, snap.Posts, 1)
	assert.Equal(t, PostTypeImage, snap.Posts[0].Type)
	assert.Equal(t, []Comment{}, snap.Posts[0].Comments)
	assert.Equal(t, snap.Posts, store.storedPosts())
	assert.Equal(t, communities, store.storedCommunities())
}

func TestImportReturnsPersistErrors(t *testing.T) {
	store := &memStore{}
	board, _, _ := newTestBoard(t, store)
	store.saveErr = fmt.Errorf("%w: disk full", ErrStoreQuotaExceeded)

	err := board.Import(context.Background(), DefaultCommunities(), nil)
	assert.ErrorIs(t, err, ErrStoreQuotaExceeded)
}

func TestSnapshotIsACopy(t *testing.T) {
	board, _, _ := newTestBoard(t, &memStore{})
	ctx := context.Background()

	post, err := board.CreatePost(ctx, PostDraft{Title: "t", CommunityID: "c1"})
	require.NoError(t, err)
	_, err = board.AddComment(ctx, post.ID, "one")
	require.NoError(t, err)

	snap := board.Snapshot()
	snap.Posts[0].Votes = 100
	snap.Posts[0].Comments[0].Content = "changed"
	snap.Communities[0].Name = "changed"

	fresh := board.Snapshot()
	assert.Equal(t, 1, fresh.Posts[0].Votes)
	assert.Equal(t, "one", fresh.Posts[0].Comments[0].Content)
	assert.Equal(t, "General", fresh.Communities[0].Name)
}
