package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/iiviie/go-harvester/internal/models"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	sqlStorage
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA synchronous = NORMAL;
		PRAGMA foreign_keys = true;
		PRAGMA temp_store = memory;`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}

	s := &SQLiteStorage{sqlStorage{db: db, rebind: func(q string) string { return q }}}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// sqlStorage holds the queries shared by the SQLite and PostgreSQL stores.
// Queries are written with ? placeholders; rebind adapts them to the driver.
type sqlStorage struct {
	db     *sql.DB
	rebind func(string) string
}

// initDB initializes the database schema
func (s *sqlStorage) initDB() error {
	query := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		subreddit TEXT NOT NULL,
		after_utc BIGINT,
		before_utc BIGINT,
		requested INTEGER,
		submissions INTEGER,
		comments INTEGER,
		missing INTEGER,
		failed INTEGER,
		started_at BIGINT NOT NULL,
		finished_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		created_utc BIGINT NOT NULL,
		subreddit_name_prefixed TEXT,
		num_comments INTEGER,
		total_awards_received INTEGER,
		ups INTEGER,
		view_count INTEGER,
		title TEXT,
		selftext TEXT,
		run_id TEXT REFERENCES runs(run_id),
		fetched_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		link_id TEXT NOT NULL,
		submission_id TEXT NOT NULL REFERENCES submissions(id),
		parent_id TEXT NOT NULL,
		is_root BOOLEAN NOT NULL,
		depth INTEGER NOT NULL,
		position INTEGER NOT NULL,
		created_utc BIGINT NOT NULL,
		total_awards_received INTEGER,
		ups INTEGER,
		body TEXT,
		run_id TEXT REFERENCES runs(run_id)
	);

	CREATE INDEX IF NOT EXISTS idx_submissions_created ON submissions(created_utc);
	CREATE INDEX IF NOT EXISTS idx_submissions_subreddit ON submissions(subreddit_name_prefixed);
	CREATE INDEX IF NOT EXISTS idx_comments_submission ON comments(submission_id, position);
	`

	_, err := s.db.Exec(query)
	return err
}

// SaveBatch saves a batch and its run in one transaction
func (s *sqlStorage) SaveBatch(ctx context.Context, run Run, batch models.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
	INSERT INTO runs (run_id, mode, subreddit, after_utc, before_utc, requested, submissions, comments, missing, failed, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO NOTHING`),
		run.ID, run.Mode, run.Subreddit, run.After, run.Before, run.Requested,
		run.Submissions, run.Comments, run.Missing, run.Failed,
		run.StartedAt.Unix(), run.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	subStmt, err := tx.PrepareContext(ctx, s.rebind(`
	INSERT INTO submissions (id, created_utc, subreddit_name_prefixed, num_comments, total_awards_received, ups, view_count, title, selftext, run_id, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		num_comments = excluded.num_comments,
		total_awards_received = excluded.total_awards_received,
		ups = excluded.ups,
		view_count = excluded.view_count,
		title = excluded.title,
		selftext = excluded.selftext,
		run_id = excluded.run_id,
		fetched_at = excluded.fetched_at`))
	if err != nil {
		return err
	}
	defer subStmt.Close()

	comStmt, err := tx.PrepareContext(ctx, s.rebind(`
	INSERT INTO comments (id, link_id, submission_id, parent_id, is_root, depth, position, created_utc, total_awards_received, ups, body, run_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		position = excluded.position,
		total_awards_received = excluded.total_awards_received,
		ups = excluded.ups,
		body = excluded.body,
		run_id = excluded.run_id`))
	if err != nil {
		return err
	}
	defer comStmt.Close()

	now := time.Now().Unix()
	for _, list := range batch {
		sub := list.Submission()
		if sub == nil {
			continue
		}
		_, err := subStmt.ExecContext(ctx,
			sub.ID, sub.CreatedUTC, sub.SubredditNamePrefixed, sub.NumComments,
			sub.TotalAwardsReceived, sub.Ups, sub.ViewCount, sub.Title, sub.Selftext,
			run.ID, now,
		)
		if err != nil {
			return fmt.Errorf("upsert submission %s: %w", sub.ID, err)
		}
		for i, c := range list.Comments() {
			_, err := comStmt.ExecContext(ctx,
				c.ID, c.LinkID, sub.ID, c.ParentID, c.IsRoot, c.Depth, i+1, c.CreatedUTC,
				c.TotalAwardsReceived, c.Ups, c.Body, run.ID,
			)
			if err != nil {
				return fmt.Errorf("upsert comment %s: %w", c.ID, err)
			}
		}
	}

	return tx.Commit()
}

// GetThread retrieves one submission and its comments in stored order
func (s *sqlStorage) GetThread(ctx context.Context, id string) (models.RecordList, error) {
	var sub models.Submission
	err := s.db.QueryRowContext(ctx, s.rebind(`
	SELECT id, created_utc, subreddit_name_prefixed, num_comments, total_awards_received, ups, view_count, title, selftext
	FROM submissions WHERE id = ?`), id).Scan(
		&sub.ID, &sub.CreatedUTC, &sub.SubredditNamePrefixed, &sub.NumComments,
		&sub.TotalAwardsReceived, &sub.Ups, &sub.ViewCount, &sub.Title, &sub.Selftext,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
	SELECT id, link_id, parent_id, is_root, depth, created_utc, total_awards_received, ups, body
	FROM comments WHERE submission_id = ? ORDER BY position`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := models.RecordList{models.SubmissionRecord(sub)}
	for rows.Next() {
		var c models.Comment
		err := rows.Scan(&c.ID, &c.LinkID, &c.ParentID, &c.IsRoot, &c.Depth,
			&c.CreatedUTC, &c.TotalAwardsReceived, &c.Ups, &c.Body)
		if err != nil {
			return nil, err
		}
		list = append(list, models.CommentRecord(c))
	}
	return list, rows.Err()
}

// GetSubmissions retrieves stored submissions, newest first
func (s *sqlStorage) GetSubmissions(ctx context.Context, subreddit string, limit int) ([]models.Submission, error) {
	query := `SELECT id, created_utc, subreddit_name_prefixed, num_comments, total_awards_received, ups, view_count, title, selftext
	          FROM submissions`
	var args []any
	if subreddit != "" {
		query += ` WHERE subreddit_name_prefixed = ?`
		args = append(args, "r/"+strings.TrimPrefix(subreddit, "r/"))
	}
	query += ` ORDER BY created_utc DESC LIMIT ` + strconv.Itoa(max(limit, 1))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.Submission
	for rows.Next() {
		var sub models.Submission
		err := rows.Scan(&sub.ID, &sub.CreatedUTC, &sub.SubredditNamePrefixed, &sub.NumComments,
			&sub.TotalAwardsReceived, &sub.Ups, &sub.ViewCount, &sub.Title, &sub.Selftext)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// GetRuns retrieves the most recent runs
func (s *sqlStorage) GetRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT run_id, mode, subreddit, after_utc, before_utc, requested, submissions, comments, missing, failed, started_at, finished_at
	FROM runs ORDER BY started_at DESC LIMIT `+strconv.Itoa(max(limit, 1)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		err := rows.Scan(&r.ID, &r.Mode, &r.Subreddit, &r.After, &r.Before, &r.Requested,
			&r.Submissions, &r.Comments, &r.Missing, &r.Failed, &started, &finished)
		if err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(started, 0).UTC()
		r.FinishedAt = time.Unix(finished, 0).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close closes the database connection
func (s *sqlStorage) Close() error {
	return s.db.Close()
}
