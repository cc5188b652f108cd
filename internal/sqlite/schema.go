package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaVersion is stored in PRAGMA user_version. Bump it together with a
// new entry in migrations.
const schemaVersion = 1

// migrations[i] upgrades a database from version i to i+1.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS communities (
		id           TEXT PRIMARY KEY,
		position     INTEGER NOT NULL,
		name         TEXT NOT NULL,
		slug         TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		icon         TEXT NOT NULL DEFAULT '',
		banner       TEXT NOT NULL DEFAULT '',
		member_count INTEGER NOT NULL DEFAULT 0
	);

	-- community_id is deliberately not a foreign key: posts outlive their community.
	CREATE TABLE IF NOT EXISTS posts (
		id           TEXT PRIMARY KEY,
		position     INTEGER NOT NULL,
		title        TEXT NOT NULL,
		content      TEXT NOT NULL DEFAULT '',
		image_url    TEXT NOT NULL DEFAULT '',
		author       TEXT NOT NULL,
		community_id TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		votes        INTEGER NOT NULL,
		post_type    TEXT NOT NULL,
		is_pinned    INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS comments (
		post_id    TEXT NOT NULL,
		position   INTEGER NOT NULL,
		id         TEXT NOT NULL,
		author     TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		votes      INTEGER NOT NULL,
		PRIMARY KEY (post_id, position),
		FOREIGN KEY (post_id) REFERENCES posts(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_posts_position ON posts(position);
	CREATE INDEX IF NOT EXISTS idx_communities_position ON communities(position);
	`,
}

// migrate brings db up to schemaVersion. A database written by a newer
// version is refused rather than downgraded.
func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}

	for v := version; v < schemaVersion; v++ {
		if err := applyMigration(ctx, db, v); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, from int) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", from+1, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, migrations[from]); err != nil {
		return fmt.Errorf("apply migration %d: %w", from+1, err)
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, from+1)); err != nil {
		return fmt.Errorf("set schema version %d: %w", from+1, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", from+1, err)
	}
	return nil
}
