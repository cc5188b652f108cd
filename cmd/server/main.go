package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/privy-board/internal/config"
	"github.com/blackmichael/privy-board/internal/domain"
	"github.com/blackmichael/privy-board/internal/httpserver"
	"github.com/blackmichael/privy-board/internal/imaging"
	"github.com/blackmichael/privy-board/internal/legacy"
	"github.com/blackmichael/privy-board/internal/notify"
	"github.com/blackmichael/privy-board/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := sqlite.NewStore(cfg.DBPath, sqlite.Options{MaxPages: cfg.MaxDBPages}, logger)
	defer store.Close()

	// Storage problems are reported, not fatal: the board runs from memory.
	if err := store.Open(ctx); err != nil {
		logger.Error("local database unavailable, changes will not persist", "path", cfg.DBPath, "error", err)
	}

	hub := notify.NewHub(cfg.AllowedOrigins, logger)
	defer hub.Close()

	board := domain.NewBoard(store, imaging.NewNormalizer(), hub, logger, domain.BoardOptions{
		Author:         cfg.User,
		ImageMaxWidth:  cfg.MaxImageDim,
		ImageMaxHeight: cfg.MaxImageDim,
		IconMaxDim:     cfg.IconMaxDim,
	})
	if err := board.Load(ctx); err != nil {
		logger.Error("failed to load board, starting from defaults", "error", err)
	}

	if cfg.LegacySnapshot != "" {
		if err := importLegacy(ctx, board, cfg.LegacySnapshot, logger); err != nil {
			logger.Error("legacy import failed", "path", cfg.LegacySnapshot, "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	server := httpserver.NewServer(cfg, board, hub, logger)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited with error", "error", err)
			sigCh <- syscall.SIGTERM
		}
	}()

	logger.Info("server started", "addr", cfg.Addr(), "db", cfg.DBPath)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}

// importLegacy migrates a key-value dump into the board, but only while the
// board holds no posts so a restart never clobbers newer data.
func importLegacy(ctx context.Context, board *domain.Board, path string, logger *slog.Logger) error {
	if len(board.Snapshot().Posts) > 0 {
		logger.Info("board already has posts, skipping legacy import", "path", path)
		return nil
	}

	snap, err := legacy.ReadFile(path)
	if err != nil {
		return err
	}
	if snap.Empty() {
		return nil
	}

	communities := snap.Communities
	if len(communities) == 0 {
		communities = board.Snapshot().Communities
	}
	if err := board.Import(ctx, communities, snap.Posts); err != nil {
		return fmt.Errorf("import legacy snapshot: %w", err)
	}
	logger.Info("imported legacy snapshot", "posts", len(snap.Posts), "communities", len(communities))
	return nil
}
