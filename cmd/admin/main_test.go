package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/blackmichael/privy-board/internal/domain"
	"github.com/blackmichael/privy-board/internal/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportDoesNotSeedEmptyDatabase(t *testing.T) {
	dir := t.TempDir()
	store := sqlite.NewStore(filepath.Join(dir, "privy.db"), sqlite.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer store.Close()
	ctx := context.Background()

	snap, err := readStore(ctx, store)
	require.NoError(t, err)
	assert.Empty(t, snap.Communities)
	assert.Empty(t, snap.Posts)

	out := filepath.Join(dir, "export.json")
	require.NoError(t, export(snap, out))

	communities, err := store.LoadCommunities(ctx)
	require.NoError(t, err)
	assert.Empty(t, communities, "export must not write to the database")
}

func TestExportThenReadExport(t *testing.T) {
	dir := t.TempDir()
	store := sqlite.NewStore(filepath.Join(dir, "privy.db"), sqlite.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.SaveCommunities(ctx, domain.DefaultCommunities()))
	require.NoError(t, store.SavePosts(ctx, []domain.Post{{
		ID:          "post_1",
		Title:       "t",
		Author:      "Admin",
		CommunityID: "c1",
		Votes:       1,
		Comments:    []domain.Comment{},
		Type:        domain.PostTypeText,
	}}))

	snap, err := readStore(ctx, store)
	require.NoError(t, err)

	out := filepath.Join(dir, "export.json")
	require.NoError(t, export(snap, out))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, json.Valid(raw))

	back, err := readExport(out)
	require.NoError(t, err)
	assert.Equal(t, snap, back)
}
