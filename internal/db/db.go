package db

import (
	"context"
	"time"
)

// Member is the local record of a roster entry that was processed.
type Member struct {
	RosterID  int64     `db:"roster_id"`
	FirstName string    `db:"first_name"`
	LastName  string    `db:"last_name"`
	LastSync  time.Time `db:"-"`
}

type Checkpoint interface {
	Migrate() error
	LastSyncDate(ctx context.Context) (time.Time, error)
	RecordSeen(ctx context.Context, m Member) error
	CommitSyncTime(ctx context.Context, at time.Time) error
	Close()
}
