package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/flant/roster-sync/internal/db"
	dberrors "github.com/flant/roster-sync/internal/db/errors"
	"github.com/flant/roster-sync/internal/db/sqlite/migrations"
)

const (
	currentDatabaseVersion = 1
	timeLayout             = time.RFC3339Nano
)

type CheckpointDatabase struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ db.Checkpoint = (*CheckpointDatabase)(nil)

func NewCheckpointDatabase(path string) (*CheckpointDatabase, error) {
	database, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	database.SetMaxOpenConns(1)

	return &CheckpointDatabase{db: database, now: time.Now}, nil
}

func (c *CheckpointDatabase) Close() {
	if c.db != nil {
		c.db.Close()
	}
}

func (c *CheckpointDatabase) Migrate() error {
	sourceDriver, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}

	dbDriver, err := sqlite3.WithInstance(c.db.DB, &sqlite3.Config{})
	if err != nil {
		return err
	}

	migrator, err := migrate.NewWithInstance("iofs", sourceDriver, "checkpoint", dbDriver)
	if err != nil {
		return err
	}

	err = migrator.Migrate(currentDatabaseVersion)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

// LastSyncDate returns the date of the last committed sync truncated to a
// day. Without any committed sync it returns today.
func (c *CheckpointDatabase) LastSyncDate(ctx context.Context) (time.Time, error) {
	var raw string
	err := c.db.QueryRowxContext(ctx, `SELECT last_sync FROM sync WHERE id = 1`).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return truncateToDay(c.now()), nil
	case err != nil:
		return time.Time{}, err
	}

	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed sync timestamp %q: %w", raw, err)
	}

	return truncateToDay(t), nil
}

func (c *CheckpointDatabase) RecordSeen(ctx context.Context, m db.Member) error {
	seen := m.LastSync
	if seen.IsZero() {
		seen = c.now()
	}

	_, err := c.db.ExecContext(ctx, `
INSERT INTO members (roster_id, first_name, last_name, last_sync)
VALUES (?, ?, ?, ?)
ON CONFLICT (roster_id) DO UPDATE SET
    first_name = excluded.first_name,
    last_name  = excluded.last_name,
    last_sync  = excluded.last_sync;`,
		m.RosterID, m.FirstName, m.LastName, seen.UTC().Format(timeLayout))

	return err
}

func (c *CheckpointDatabase) CommitSyncTime(ctx context.Context, at time.Time) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(tx *sqlx.Tx) {
		_ = tx.Rollback()
	}(tx)

	_, err = tx.ExecContext(ctx, `
INSERT INTO sync (id, last_sync) VALUES (1, ?)
ON CONFLICT (id) DO UPDATE SET last_sync = excluded.last_sync;`, at.UTC().Format(timeLayout))
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (c *CheckpointDatabase) GetMember(ctx context.Context, rosterID int64) (db.Member, error) {
	var row struct {
		db.Member
		RawLastSync string `db:"last_sync"`
	}

	err := c.db.QueryRowxContext(ctx, `
SELECT roster_id, first_name, last_name, last_sync FROM members WHERE roster_id = ?`, rosterID).StructScan(&row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.Member{}, dberrors.NewEntryNotFound("members", rosterID)
		}
		return db.Member{}, err
	}

	row.Member.LastSync, err = time.Parse(timeLayout, row.RawLastSync)
	if err != nil {
		return db.Member{}, err
	}

	return row.Member, nil
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
