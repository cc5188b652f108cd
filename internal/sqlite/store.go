package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"sync"

	"github.com/blackmichael/privy-board/internal/domain"
	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// MemoryPath opens a private in-memory database that lives as long as the
// Store's connection.
const MemoryPath = ":memory:"

// Options configures a Store.
type Options struct {
	// MaxPages caps the database size in pages (PRAGMA max_page_count).
	// Zero means no cap beyond the disk itself.
	MaxPages int
}

// Store implements domain.Store on a single SQLite file. The database is
// opened lazily on first use and recreated after Reset.
type Store struct {
	path   string
	opts   Options
	logger *slog.Logger

	mu sync.RWMutex
	db *sql.DB
}

// NewStore returns a Store for the database file at path. Nothing is opened
// until the first operation or an explicit Open.
func NewStore(path string, opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, opts: opts, logger: logger}
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Open ensures the database exists at the current schema version. It is
// idempotent. Failures wrap domain.ErrStoreUnavailable.
func (s *Store) Open(ctx context.Context) error {
	_, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Close releases the connection. A later operation reopens the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// acquire returns the open database, opening it if needed. release must be
// called once the caller is done with db; Reset waits for all holders.
func (s *Store) acquire(ctx context.Context) (db *sql.DB, release func(), err error) {
	for {
		s.mu.RLock()
		if s.db != nil {
			return s.db, s.mu.RUnlock, nil
		}
		s.mu.RUnlock()

		s.mu.Lock()
		if s.db == nil {
			opened, oerr := s.open(ctx)
			if oerr != nil {
				s.mu.Unlock()
				return nil, nil, oerr
			}
			s.db = opened
		}
		s.mu.Unlock()
	}
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", domain.ErrStoreUnavailable, err)
	}
	// One connection serializes writers and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping database: %w", domain.ErrStoreUnavailable, err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	s.logger.Info("opened local database", "path", s.path, "schema_version", schemaVersion)
	return db, nil
}

func (s *Store) dsn() string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	if s.path != MemoryPath {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	if s.opts.MaxPages > 0 {
		q.Add("_pragma", "max_page_count("+strconv.Itoa(s.opts.MaxPages)+")")
	}
	return "file:" + s.path + "?" + q.Encode()
}

// Reset closes and deletes the database file. The data is gone for good;
// the next operation starts from an empty database.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("close database before reset", "error", err)
		}
		s.db = nil
	}
	if s.path == MemoryPath {
		return nil
	}

	for _, name := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: remove %s: %w", domain.ErrStoreWrite, name, err)
		}
	}
	s.logger.Warn("deleted local database", "path", s.path)
	return nil
}

// LoadCommunities returns every stored community in saved order.
func (s *Store) LoadCommunities(ctx context.Context) ([]domain.Community, error) {
	db, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, `
		SELECT id, name, slug, description, icon, banner, member_count
		FROM communities
		ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("%w: query communities: %w", domain.ErrStoreRead, err)
	}
	defer rows.Close()

	communities := []domain.Community{}
	for rows.Next() {
		var c domain.Community
		err := rows.Scan(
			&c.ID,
			&c.Name,
			&c.Slug,
			&c.Description,
			&c.Icon,
			&c.Banner,
			&c.MemberCount,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan community: %w", domain.ErrStoreRead, err)
		}
		communities = append(communities, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate communities: %w", domain.ErrStoreRead, err)
	}
	return communities, nil
}

// LoadPosts returns every stored post, with its comments, in saved order.
func (s *Store) LoadPosts(ctx context.Context) ([]domain.Post, error) {
	db, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin transaction: %w", domain.ErrStoreRead, err)
	}
	defer tx.Rollback()

	posts, err := queryPosts(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreRead, err)
	}

	index := make(map[string]int, len(posts))
	for i := range posts {
		index[posts[i].ID] = i
	}
	if err := attachComments(ctx, tx, posts, index); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreRead, err)
	}
	return posts, nil
}

func queryPosts(ctx context.Context, tx *sql.Tx) ([]domain.Post, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, title, content, image_url, author, community_id,
		       created_at, votes, post_type, is_pinned
		FROM posts
		ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	defer rows.Close()

	posts := []domain.Post{}
	for rows.Next() {
		p := domain.Post{Comments: []domain.Comment{}}
		var postType string
		err := rows.Scan(
			&p.ID,
			&p.Title,
			&p.Content,
			&p.ImageURL,
			&p.Author,
			&p.CommunityID,
			&p.Timestamp,
			&p.Votes,
			&postType,
			&p.IsPinned,
		)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.Type = domain.PostType(postType)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

func attachComments(ctx context.Context, tx *sql.Tx, posts []domain.Post, index map[string]int) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT post_id, id, author, content, created_at, votes
		FROM comments
		ORDER BY post_id, position`)
	if err != nil {
		return fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var postID string
		var c domain.Comment
		if err := rows.Scan(&postID, &c.ID, &c.Author, &c.Content, &c.Timestamp, &c.Votes); err != nil {
			return fmt.Errorf("scan comment: %w", err)
		}
		i, ok := index[postID]
		if !ok {
			continue
		}
		posts[i].Comments = append(posts[i].Comments, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate comments: %w", err)
	}
	return nil
}

// SaveCommunities replaces the communities collection in one transaction.
func (s *Store) SaveCommunities(ctx context.Context, communities []domain.Community) error {
	return s.replace(ctx, domain.CollectionCommunities, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM communities`); err != nil {
			return fmt.Errorf("clear communities: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO communities (id, position, name, slug, description, icon, banner, member_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare community insert: %w", err)
		}
		defer stmt.Close()

		for i, c := range communities {
			_, err := stmt.ExecContext(ctx,
				c.ID,
				i,
				c.Name,
				c.Slug,
				c.Description,
				c.Icon,
				c.Banner,
				c.MemberCount,
			)
			if err != nil {
				return fmt.Errorf("insert community %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// SavePosts replaces the posts collection, comments included, in one
// transaction.
func (s *Store) SavePosts(ctx context.Context, posts []domain.Post) error {
	return s.replace(ctx, domain.CollectionPosts, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments`); err != nil {
			return fmt.Errorf("clear comments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM posts`); err != nil {
			return fmt.Errorf("clear posts: %w", err)
		}

		postStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO posts (id, position, title, content, image_url, author, community_id,
			                   created_at, votes, post_type, is_pinned)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare post insert: %w", err)
		}
		defer postStmt.Close()

		commentStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO comments (post_id, position, id, author, content, created_at, votes)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare comment insert: %w", err)
		}
		defer commentStmt.Close()

		for i, p := range posts {
			_, err := postStmt.ExecContext(ctx,
				p.ID,
				i,
				p.Title,
				p.Content,
				p.ImageURL,
				p.Author,
				p.CommunityID,
				p.Timestamp,
				p.Votes,
				string(p.Type),
				p.IsPinned,
			)
			if err != nil {
				return fmt.Errorf("insert post %s: %w", p.ID, err)
			}

			for j, c := range p.Comments {
				_, err := commentStmt.ExecContext(ctx,
					p.ID,
					j,
					c.ID,
					c.Author,
					c.Content,
					c.Timestamp,
					c.Votes,
				)
				if err != nil {
					return fmt.Errorf("insert comment %s on post %s: %w", c.ID, p.ID, err)
				}
			}
		}
		return nil
	})
}

// replace runs write inside a transaction. Either every record lands or the
// collection is left as it was.
func (s *Store) replace(ctx context.Context, collection domain.Collection, write func(tx *sql.Tx) error) error {
	db, release, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classifyWriteError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	if err := write(tx); err != nil {
		return classifyWriteError(err)
	}
	if err := tx.Commit(); err != nil {
		return classifyWriteError(fmt.Errorf("commit %s: %w", collection, err))
	}

	s.logger.Debug("collection saved", "collection", collection)
	return nil
}

// classifyWriteError wraps err in domain.ErrStoreQuotaExceeded when SQLite
// reports a full database, and in domain.ErrStoreWrite otherwise.
func classifyWriteError(err error) error {
	if isFull(err) {
		return fmt.Errorf("%w: %w", domain.ErrStoreQuotaExceeded, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
}

func isFull(err error) bool {
	var serr *sqlitedriver.Error
	if errors.As(err, &serr) {
		return serr.Code()&0xff == sqlite3.SQLITE_FULL
	}
	return false
}
