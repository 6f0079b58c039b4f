package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"gforms-notifier/pkg/formwatch"
)

//go:embed migrations
var migrations embed.FS

// SQLStore keeps watches in a SQLite database with a unique (form, destination) index.
type SQLStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQL opens the database at path and applies pending migrations.
func OpenSQL(path string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrateDB(db); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("SQLite watch store ready", "path", path)
	return &SQLStore{db: db, logger: logger}, nil
}

func migrateDB(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return err
	}
	dst, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	migrator, err := migrate.NewWithInstance("iofs", src, "sqlite", dst)
	if err != nil {
		return err
	}
	err = migrator.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		// already up to date
	case err != nil:
		return err
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanRecord(row interface{ Scan(...any) error }) (*formwatch.WatchRecord, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan watch: %w", err)
	}
	var rec formwatch.WatchRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal watch: %w", err)
	}
	return &rec, nil
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]*formwatch.WatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query watches: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("Failed to close rows", "error", closeErr)
		}
	}()
	var out []*formwatch.WatchRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindEarliestDue returns the record with the smallest due time, or nil when there are none.
func (s *SQLStore) FindEarliestDue(ctx context.Context) (*formwatch.WatchRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT record FROM watches ORDER BY when_at, id LIMIT 1`))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// Get returns the record for a form and destination.
func (s *SQLStore) Get(ctx context.Context, key formwatch.Key) (*formwatch.WatchRecord, error) {
	return scanRecord(s.db.QueryRowContext(ctx,
		`SELECT record FROM watches WHERE form_id = ? AND destination_id = ?`, key.FormID, key.DestinationID))
}

// Upsert inserts or replaces rec by id.
func (s *SQLStore) Upsert(ctx context.Context, rec *formwatch.WatchRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal watch: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO watches (id, form_id, destination_id, guild_id, when_at, record)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			form_id = excluded.form_id,
			destination_id = excluded.destination_id,
			guild_id = excluded.guild_id,
			when_at = excluded.when_at,
			record = excluded.record`,
		rec.ID, rec.FormID, rec.DestinationID, rec.GuildID, dueKey(rec.When), string(data))
	if err != nil {
		var sqlErr *sqlite.Error
		if errors.As(err, &sqlErr) && sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return ErrDuplicate
		}
		return fmt.Errorf("upsert watch: %w", err)
	}
	return nil
}

// Delete removes the record for a form and destination.
func (s *SQLStore) Delete(ctx context.Context, formID, destinationID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watches WHERE form_id = ? AND destination_id = ?`, formID, destinationID)
	if err != nil {
		return fmt.Errorf("delete watch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	s.logger.Info("Watch deleted", "form_id", formID, "destination_id", destinationID)
	return nil
}

// DeleteAll removes every record of a guild, or every record when guildID is empty.
func (s *SQLStore) DeleteAll(ctx context.Context, guildID string) (int, error) {
	var res sql.Result
	var err error
	if guildID == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM watches`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM watches WHERE guild_id = ?`, guildID)
	}
	if err != nil {
		return 0, fmt.Errorf("delete watches: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted watches: %w", err)
	}
	s.logger.Info("Watches deleted", "guild_id", guildID, "count", n)
	return int(n), nil
}

// ListByGuild returns a guild's records ordered by due time. An empty guildID lists all.
func (s *SQLStore) ListByGuild(ctx context.Context, guildID string) ([]*formwatch.WatchRecord, error) {
	if guildID == "" {
		return s.query(ctx, `SELECT record FROM watches ORDER BY when_at, id`)
	}
	return s.query(ctx, `SELECT record FROM watches WHERE guild_id = ? ORDER BY when_at, id`, guildID)
}

// dueKey is the integer ordering key stored in when_at.
func dueKey(t time.Time) int64 {
	return t.UTC().UnixNano()
}
