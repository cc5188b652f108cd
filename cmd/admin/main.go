package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/blackmichael/privy-board/internal/domain"
	"github.com/blackmichael/privy-board/internal/imaging"
	"github.com/blackmichael/privy-board/internal/legacy"
	"github.com/blackmichael/privy-board/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dbPath     string
		reset      bool
		confirm    bool
		exportPath string
		importPath string
		legacyPath string
		verbose    bool
	)

	flag.StringVar(&dbPath, "db", envOrDefault("PRIVY_DB_PATH", "privy.db"), "SQLite database file")
	flag.BoolVar(&reset, "reset", false, "Delete all local data irrecoverably")
	flag.BoolVar(&confirm, "yes", false, "Confirm --reset")
	flag.StringVar(&exportPath, "export", "", "Write communities and posts as JSON to this file (- for stdout)")
	flag.StringVar(&importPath, "import", "", "Replace all data with a JSON export")
	flag.StringVar(&legacyPath, "import-legacy", "", "Replace all data with a key-value store dump (privy_posts / privy_communities)")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx := context.Background()
	store := sqlite.NewStore(dbPath, sqlite.Options{}, logger)
	defer store.Close()

	board := domain.NewBoard(store, imaging.NewNormalizer(), nil, logger, domain.BoardOptions{})

	switch {
	case reset:
		if !confirm {
			return fmt.Errorf("--reset deletes %s for good; pass --yes to confirm", dbPath)
		}
		if err := store.Reset(ctx); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", dbPath)
		return nil

	case exportPath != "":
		snap, err := readStore(ctx, store)
		if err != nil {
			return err
		}
		return export(snap, exportPath)

	case importPath != "":
		snap, err := readExport(importPath)
		if err != nil {
			return err
		}
		if err := board.Import(ctx, snap.Communities, snap.Posts); err != nil {
			return err
		}
		fmt.Printf("Imported %d communities and %d posts\n", len(snap.Communities), len(snap.Posts))
		return nil

	case legacyPath != "":
		snap, err := legacy.ReadFile(legacyPath)
		if err != nil {
			return err
		}
		communities := snap.Communities
		if len(communities) == 0 {
			communities = domain.DefaultCommunities()
		}
		if err := board.Import(ctx, communities, snap.Posts); err != nil {
			return err
		}
		fmt.Printf("Imported %d communities and %d posts from %s\n", len(communities), len(snap.Posts), legacyPath)
		return nil

	default:
		flag.Usage()
		return fmt.Errorf("one of --reset, --export, --import or --import-legacy is required")
	}
}

// readStore reads both collections as stored, without seeding defaults into
// an empty database.
func readStore(ctx context.Context, store domain.Store) (domain.Snapshot, error) {
	communities, err := store.LoadCommunities(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read communities: %w", err)
	}
	posts, err := store.LoadPosts(ctx)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("read posts: %w", err)
	}
	return domain.Snapshot{Communities: communities, Posts: posts}, nil
}

func export(snap domain.Snapshot, path string) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create export file: %w", err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	if path != "-" {
		fmt.Fprintf(os.Stderr, "Exported %d communities and %d posts to %s\n", len(snap.Communities), len(snap.Posts), path)
	}
	return nil
}

func readExport(path string) (domain.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("open export file: %w", err)
	}
	defer f.Close()

	var snap domain.Snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode export file: %w", err)
	}
	return snap, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
