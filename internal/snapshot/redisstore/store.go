// Package redisstore keeps snapshots as JSON documents in Redis, one key per
// object plus a sorted set indexing every key by version.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"configline/internal/domain"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type Store struct {
	client *redis.Client
	prefix string
}

// save writes the document unless a newer version is indexed.
// KEYS: document, index. ARGV: member, version, document.
var save = redis.NewScript(`
local cur = redis.call('ZSCORE', KEYS[2], ARGV[1])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// Open connects to Redis and checks the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address required")
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping redis: %w", domain.ErrStorage, err)
	}
	return &Store{client: client, prefix: opts.Prefix}, nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}

func (s *Store) indexKey() string { return s.prefix + "snapshots" }

func (s *Store) docKey(member string) string { return s.prefix + "snapshot:" + member }

func member(dt domain.DataType, id string) string {
	return domain.Snapshot{DataType: dt, Identifier: id}.Key()
}

// SaveSnapshots writes the batch in one MULTI/EXEC so a checkpoint never
// lands without the snapshots it covers.
func (s *Store) SaveSnapshots(ctx context.Context, snaps []domain.Snapshot) error {
	docs := make([][]byte, len(snaps))
	for i, snap := range snaps {
		doc, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot %s: %w", snap.Key(), err)
		}
		docs[i] = doc
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, snap := range snaps {
			m := snap.Key()
			save.Eval(ctx, pipe, []string{s.docKey(m), s.indexKey()}, m, strconv.FormatUint(uint64(snap.Version), 10), docs[i])
		}
		return nil
	})
	if err != nil {
		return storageErr("save snapshots", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, dt domain.DataType, id string) (domain.Snapshot, error) {
	raw, err := s.client.Get(ctx, s.docKey(member(dt, id))).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Snapshot{}, fmt.Errorf("%w: snapshot %s %s", domain.ErrNotFound, dt, id)
	}
	if err != nil {
		return domain.Snapshot{}, storageErr("get snapshot", err)
	}
	return decode(raw)
}

func decode(raw []byte) (domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) GetLatestSnapshotRevision(ctx context.Context) (domain.Revision, error) {
	res, err := s.client.ZRevRangeWithScores(ctx, s.indexKey(), 0, 0).Result()
	if err != nil {
		return 0, storageErr("latest revision", err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return domain.Revision(res[0].Score), nil
}

const listChunk = 256

func (s *Store) ListSnapshots(ctx context.Context) ([]domain.Snapshot, error) {
	members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, storageErr("list snapshots", err)
	}
	var res []domain.Snapshot
	for start := 0; start < len(members); start += listChunk {
		end := min(start+listChunk, len(members))
		keys := make([]string, 0, end-start)
		for _, m := range members[start:end] {
			keys = append(keys, s.docKey(m))
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, storageErr("load snapshots", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}
			snap, err := decode([]byte(str))
			if err != nil {
				return nil, err
			}
			res = append(res, snap)
		}
	}
	sortSnapshots(res)
	return res, nil
}

// Truncate removes every snapshot under the prefix.
func (s *Store) Truncate(ctx context.Context) error {
	members, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return storageErr("list snapshots", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			pipe.Del(ctx, s.docKey(m))
		}
		pipe.Del(ctx, s.indexKey())
		return nil
	})
	if err != nil {
		return storageErr("truncate snapshots", err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }

func sortSnapshots(snaps []domain.Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].DataType != snaps[j].DataType {
			return snaps[i].DataType < snaps[j].DataType
		}
		return snaps[i].Identifier < snaps[j].Identifier
	})
}
