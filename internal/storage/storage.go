package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iiviie/go-harvester/internal/models"
)

// ErrNotFound is returned when a requested thread is not stored
var ErrNotFound = errors.New("storage: not found")

// Run describes one pipeline run stored next to its batch
type Run struct {
	ID          string    `json:"id"`
	Mode        string    `json:"mode"`
	Subreddit   string    `json:"subreddit"`
	After       int64     `json:"after"`
	Before      int64     `json:"before"`
	Requested   int       `json:"requested"`
	Submissions int       `json:"submissions"`
	Comments    int       `json:"comments"`
	Missing     int       `json:"missing"`
	Failed      int       `json:"failed"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Storage defines the interface for thread storage
type Storage interface {
	// SaveBatch upserts every submission and comment of batch and records run
	SaveBatch(ctx context.Context, run Run, batch models.Batch) error

	// GetThread returns the flat record list of one stored submission
	GetThread(ctx context.Context, id string) (models.RecordList, error)

	// GetSubmissions returns stored submissions, newest first. An empty
	// subreddit matches all of them.
	GetSubmissions(ctx context.Context, subreddit string, limit int) ([]models.Submission, error)

	// GetRuns returns the most recent runs, newest first
	GetRuns(ctx context.Context, limit int) ([]Run, error)

	// Close closes the storage connection
	Close() error
}

// Open creates the storage named by kind: "sqlite" uses path, "postgres"
// uses dsn and "none" returns a nil Storage.
func Open(kind, path, dsn string) (Storage, error) {
	switch kind {
	case "sqlite":
		s, err := NewSQLiteStorage(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStorage(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", kind)
	}
}
