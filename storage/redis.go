package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"gforms-notifier/pkg/formwatch"
)

// RedisStore keeps records in a hash, a due-time index in a sorted set and the
// (form, destination) uniqueness map in a second hash.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedis creates a Redis-backed store. Keys are namespaced by prefix.
func NewRedis(rdb *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	if rdb == nil {
		panic("storage: nil redis client")
	}
	if prefix == "" {
		prefix = "formwatch"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, logger: logger}
}

func (s *RedisStore) recordsKey() string { return s.prefix + ":watches" }
func (s *RedisStore) indexKey() string   { return s.prefix + ":due" }
func (s *RedisStore) pairsKey() string   { return s.prefix + ":pairs" }

func (s *RedisStore) loadIDs(ctx context.Context, ids []string) ([]*formwatch.WatchRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.HMGet(ctx, s.recordsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load watches: %w", err)
	}
	out := make([]*formwatch.WatchRecord, 0, len(vals))
	for i, v := range vals {
		data, ok := v.(string)
		if !ok {
			s.logger.Warn("Due index references missing watch", "id", ids[i])
			continue
		}
		var rec formwatch.WatchRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal watch %s: %w", ids[i], err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// FindEarliestDue returns the record with the smallest due time, or nil when there are none.
// Equal scores are ordered by member, i.e. by id.
func (s *RedisStore) FindEarliestDue(ctx context.Context) (*formwatch.WatchRecord, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("read due index: %w", err)
	}
	recs, err := s.loadIDs(ctx, ids)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// Get returns the record for a form and destination.
func (s *RedisStore) Get(ctx context.Context, key formwatch.Key) (*formwatch.WatchRecord, error) {
	id, err := s.rdb.HGet(ctx, s.pairsKey(), key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read pair index: %w", err)
	}
	recs, err := s.loadIDs(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// Upsert saves rec, rejecting a second record for the same form and destination.
func (s *RedisStore) Upsert(ctx context.Context, rec *formwatch.WatchRecord) error {
	pair := rec.Key().String()
	claimed, err := s.rdb.HSetNX(ctx, s.pairsKey(), pair, rec.ID).Result()
	if err != nil {
		return fmt.Errorf("claim pair: %w", err)
	}
	if !claimed {
		owner, err := s.rdb.HGet(ctx, s.pairsKey(), pair).Result()
		if err != nil {
			return fmt.Errorf("read pair owner: %w", err)
		}
		if owner != rec.ID {
			return ErrDuplicate
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal watch: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.recordsKey(), rec.ID, data)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rec.When.UnixMicro()), Member: rec.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("save watch: %w", err)
	}
	return nil
}

func (s *RedisStore) remove(ctx context.Context, rec *formwatch.WatchRecord) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.recordsKey(), rec.ID)
		pipe.ZRem(ctx, s.indexKey(), rec.ID)
		pipe.HDel(ctx, s.pairsKey(), rec.Key().String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete watch: %w", err)
	}
	return nil
}

// Delete removes the record for a form and destination.
func (s *RedisStore) Delete(ctx context.Context, formID, destinationID string) error {
	rec, err := s.Get(ctx, formwatch.Key{FormID: formID, DestinationID: destinationID})
	if err != nil {
		return err
	}
	if err := s.remove(ctx, rec); err != nil {
		return err
	}
	s.logger.Info("Watch deleted", "form_id", formID, "destination_id", destinationID)
	return nil
}

// DeleteAll removes every record of a guild, or every record when guildID is empty.
func (s *RedisStore) DeleteAll(ctx context.Context, guildID string) (int, error) {
	recs, err := s.ListByGuild(ctx, guildID)
	if err != nil {
		return 0, err
	}
	for i, rec := range recs {
		if err := s.remove(ctx, rec); err != nil {
			return i, err
		}
	}
	s.logger.Info("Watches deleted", "guild_id", guildID, "count", len(recs))
	return len(recs), nil
}

// ListByGuild returns a guild's records ordered by due time. An empty guildID lists all.
func (s *RedisStore) ListByGuild(ctx context.Context, guildID string) ([]*formwatch.WatchRecord, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read due index: %w", err)
	}
	recs, err := s.loadIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if guildID == "" {
		return recs, nil
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.GuildID == guildID {
			out = append(out, rec)
		}
	}
	return out, nil
}
