// Package storage handles persistence of watch records.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"gforms-notifier/pkg/formwatch"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("storage: watch doesn't exist")
	// ErrDuplicate is returned when another record already holds the (form, destination) pair.
	ErrDuplicate = errors.New("storage: watch already exists for form and destination")
)

// IsNotFound checks if an error indicates a watch was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// WatchStore is the logical watch collection every backend implements.
type WatchStore interface {
	FindEarliestDue(ctx context.Context) (*formwatch.WatchRecord, error)
	Get(ctx context.Context, key formwatch.Key) (*formwatch.WatchRecord, error)
	Upsert(ctx context.Context, rec *formwatch.WatchRecord) error
	Delete(ctx context.Context, formID, destinationID string) error
	DeleteAll(ctx context.Context, guildID string) (int, error)
	ListByGuild(ctx context.Context, guildID string) ([]*formwatch.WatchRecord, error)
}

// Store keeps one JSON object per watch, either in a local directory or a Cloud Storage bucket.
// Queries are full scans.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. A non-empty localPath selects the filesystem.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// objectKey generates a stable object name from a record id.
// Returns "" for ids that could escape the storage prefix.
func objectKey(id string) string {
	if id == "" || len(id) > 64 {
		return ""
	}
	for _, c := range id {
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-'
		if !ok {
			return ""
		}
	}
	return fmt.Sprintf("watch-%s.json", id)
}

func (s *Store) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", retryErr)
		}),
	}
}

// Upsert saves rec, rejecting a second record for the same form and destination.
func (s *Store) Upsert(ctx context.Context, rec *formwatch.WatchRecord) error {
	key := objectKey(rec.ID)
	if key == "" {
		return fmt.Errorf("invalid watch id %q", rec.ID)
	}

	all, err := s.list(ctx)
	if err != nil {
		return err
	}
	for _, other := range all {
		if other.ID != rec.ID && other.Key() == rec.Key() {
			return ErrDuplicate
		}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watch: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		tmp := filePath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, filePath); err != nil {
			return fmt.Errorf("replace local watch: %w", err)
		}
		s.logger.Debug("Watch saved to local storage", "path", filePath, "form_id", rec.FormID, "destination_id", rec.DestinationID)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		s.retryOptions(ctx, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("Watch saved", "key", key, "form_id", rec.FormID, "destination_id", rec.DestinationID)
	return nil
}

// load reads one record by object key.
func (s *Store) load(ctx context.Context, key string) (*formwatch.WatchRecord, error) {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			s.retryOptions(ctx, "load", key)...,
		)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var rec formwatch.WatchRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal watch: %w", err)
	}
	return &rec, nil
}

// remove deletes one object. Missing objects are not an error.
func (s *Store) remove(ctx context.Context, key string) error {
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		s.retryOptions(ctx, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// list loads every record, skipping unreadable ones.
func (s *Store) list(ctx context.Context) ([]*formwatch.WatchRecord, error) {
	var keys []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), "watch-") || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
	} else {
		it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: "watch-"})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("iterate storage: %w", err)
			}
			keys = append(keys, attrs.Name)
		}
	}

	recs := make([]*formwatch.WatchRecord, 0, len(keys))
	for _, key := range keys {
		rec, err := s.load(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			s.logger.Warn("Failed to load watch", "key", key, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// FindEarliestDue returns the record with the smallest due time, or nil when there are none.
func (s *Store) FindEarliestDue(ctx context.Context) (*formwatch.WatchRecord, error) {
	all, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	var earliest *formwatch.WatchRecord
	for _, rec := range all {
		if earliest == nil || rec.Before(earliest) {
			earliest = rec
		}
	}
	return earliest, nil
}

// Get returns the record for a form and destination.
func (s *Store) Get(ctx context.Context, key formwatch.Key) (*formwatch.WatchRecord, error) {
	all, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range all {
		if rec.Key() == key {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// Delete removes the record for a form and destination.
func (s *Store) Delete(ctx context.Context, formID, destinationID string) error {
	rec, err := s.Get(ctx, formwatch.Key{FormID: formID, DestinationID: destinationID})
	if err != nil {
		return err
	}
	if err := s.remove(ctx, objectKey(rec.ID)); err != nil {
		return err
	}
	s.logger.Info("Watch deleted", "form_id", formID, "destination_id", destinationID)
	return nil
}

// DeleteAll removes every record of a guild, or every record when guildID is empty.
func (s *Store) DeleteAll(ctx context.Context, guildID string) (int, error) {
	all, err := s.list(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	for _, rec := range all {
		if guildID != "" && rec.GuildID != guildID {
			continue
		}
		if err := s.remove(ctx, objectKey(rec.ID)); err != nil {
			return n, err
		}
		n++
	}
	s.logger.Info("Watches deleted", "guild_id", guildID, "count", n)
	return n, nil
}

// ListByGuild returns a guild's records ordered by due time. An empty guildID lists all.
func (s *Store) ListByGuild(ctx context.Context, guildID string) ([]*formwatch.WatchRecord, error) {
	all, err := s.list(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if guildID == "" || rec.GuildID == guildID {
			out = append(out, rec)
		}
	}
	sortByDue(out)
	return out, nil
}

func sortByDue(recs []*formwatch.WatchRecord) {
	slices.SortFunc(recs, func(a, b *formwatch.WatchRecord) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		default:
			return 0
		}
	})
}

var (
	_ WatchStore = (*Store)(nil)
	_ WatchStore = (*SQLStore)(nil)
	_ WatchStore = (*RedisStore)(nil)
)
