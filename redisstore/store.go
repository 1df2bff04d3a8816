// Package redisstore is a storage engine on top of redis.
//
// Layout, all keys under a configurable prefix:
//
//	h:<compKey>    sorted set, member = height, score = height
//	v:<compKey>    hash, height -> 0x00 (tombstone) | 0x01 ‖ value
//	s:<account>    sorted set of stored data subKeys, score 0 (lex order)
//	b:<hex hash>   blob
//	m:latest       latest block height
//	m:ts:<height>  block timestamp
package redisstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"nearview/keys"
	"nearview/logs"
	"nearview/storage"
)

const (
	valTombstone byte = 0x00
	valPresent   byte = 0x01

	scanChunk  = 128
	txAttempts = 5
)

type Config struct {
	Addr            string
	DB              int
	Prefix          string
	MaxSubKeyLength int
}

type Store struct {
	rdb       redis.UniversalClient
	prefix    string
	maxSubKey int
	log       logs.Logger
}

var _ storage.Engine = (*Store)(nil)

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redisstore: empty address")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", cfg.Addr, err)
	}
	s := NewWithClient(rdb, cfg.Prefix, cfg.MaxSubKeyLength)
	s.log.Info("connected to %s db=%d prefix=%q", cfg.Addr, cfg.DB, cfg.Prefix)
	return s, nil
}

// NewWithClient wraps an existing client. The store owns it from now on.
func NewWithClient(rdb redis.UniversalClient, prefix string, maxSubKey int) *Store {
	if maxSubKey <= 0 {
		maxSubKey = keys.DefaultMaxSubKeyLength
	}
	return &Store{rdb: rdb, prefix: prefix, maxSubKey: maxSubKey, log: logs.Named("redisstore")}
}

func (s *Store) heightsKey(comp []byte) string { return s.prefix + "h:" + string(comp) }
func (s *Store) valuesKey(comp []byte) string  { return s.prefix + "v:" + string(comp) }
func (s *Store) scanKey(account string) string { return s.prefix + "s:" + account }
func (s *Store) blobKey(hash [32]byte) string  { return s.prefix + "b:" + hex.EncodeToString(hash[:]) }
func (s *Store) latestKey() string             { return s.prefix + "m:latest" }
func (s *Store) timestampKey(h uint64) string  { return s.prefix + "m:ts:" + fmtHeight(h) }

func fmtHeight(h uint64) string { return strconv.FormatUint(h, 10) }

func (s *Store) getU64(ctx context.Context, key string) (uint64, bool, error) {
	v, err := s.rdb.Get(ctx, key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *Store) GetLatestBlockHeight(ctx context.Context) (uint64, bool, error) {
	return s.getU64(ctx, s.latestKey())
}

func (s *Store) SetLatestBlockHeight(ctx context.Context, height uint64) error {
	return s.rdb.Set(ctx, s.latestKey(), fmtHeight(height), 0).Err()
}

func (s *Store) GetBlockTimestamp(ctx context.Context, height uint64) (uint64, bool, error) {
	return s.getU64(ctx, s.timestampKey(height))
}

func (s *Store) SetBlockTimestamp(ctx context.Context, height, timestamp uint64) error {
	return s.rdb.Set(ctx, s.timestampKey(height), fmtHeight(timestamp), 0).Err()
}

func latestArgs(height uint64) *redis.ZRangeBy {
	return &redis.ZRangeBy{Min: "-inf", Max: fmtHeight(height), Count: 1}
}

func parseLatest(members []string) (uint64, bool, error) {
	if len(members) == 0 {
		return 0, false, nil
	}
	h, err := strconv.ParseUint(members[0], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redisstore: bad height member %q: %w", members[0], err)
	}
	return h, true, nil
}

func (s *Store) GetLatestDataBlockHeight(ctx context.Context, compKey []byte, height uint64) (uint64, bool, error) {
	comp := keys.Normalize(compKey, s.maxSubKey)
	members, err := s.rdb.ZRevRangeByScore(ctx, s.heightsKey(comp), latestArgs(height)).Result()
	if err != nil {
		return 0, false, err
	}
	return parseLatest(members)
}

func decodeValue(raw string) ([]byte, error) {
	if raw == "" {
		return nil, errors.New("redisstore: empty value cell")
	}
	switch raw[0] {
	case valTombstone:
		return nil, nil
	case valPresent:
		return append([]byte{}, raw[1:]...), nil
	}
	return nil, fmt.Errorf("redisstore: bad value tag %#x", raw[0])
}

func (s *Store) GetData(ctx context.Context, compKey []byte, height uint64) ([]byte, error) {
	comp := keys.Normalize(compKey, s.maxSubKey)
	raw, err := s.rdb.HGet(ctx, s.valuesKey(comp), fmtHeight(height)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeValue(raw)
}

func (s *Store) GetLatestData(ctx context.Context, compKey []byte, height uint64) ([]byte, error) {
	return storage.LatestData(ctx, s, compKey, height)
}

func (s *Store) GetBlob(ctx context.Context, hash [32]byte) ([]byte, error) {
	v, err := s.rdb.Get(ctx, s.blobKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return v, err
}

// WriteBatch commits the batch as one MULTI/EXEC. Keys touched by
// CleanOlderData are WATCHed so their pruning plan is recomputed if another
// writer races in.
func (s *Store) WriteBatch(ctx context.Context, fn func(storage.Batch) error) error {
	b := &batch{maxSubKey: s.maxSubKey}
	if err := fn(b); err != nil {
		return err
	}
	if len(b.ops) == 0 {
		return nil
	}

	var watched []string
	for _, op := range b.ops {
		if op.kind == opClean {
			watched = append(watched, s.heightsKey(op.comp))
		}
	}

	for attempt := 0; attempt < txAttempts; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			drops, err := s.planCleanups(ctx, tx, b.ops)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				for i, op := range b.ops {
					s.queue(ctx, p, op, drops[i])
				}
				return nil
			})
			return err
		}, watched...)
		if !errors.Is(err, redis.TxFailedErr) {
			if err != nil {
				s.log.Error("batch commit failed: %v", err)
			}
			return err
		}
		s.log.Debug("batch transaction conflict, retrying (attempt %d)", attempt+1)
	}
	return fmt.Errorf("redisstore: batch: %w", redis.TxFailedErr)
}

// planCleanups resolves, for every clean op, the heights it removes. The
// heights written earlier in the same batch count as existing versions.
func (s *Store) planCleanups(ctx context.Context, tx *redis.Tx, ops []op) ([][]string, error) {
	drops := make([][]string, len(ops))
	for i, o := range ops {
		if o.kind != opClean {
			continue
		}
		committed, err := tx.ZRangeByScore(ctx, s.heightsKey(o.comp), &redis.ZRangeBy{
			Min: "-inf",
			Max: fmtHeight(o.height),
		}).Result()
		if err != nil {
			return nil, err
		}
		heights := make(map[uint64]struct{}, len(committed))
		for _, m := range committed {
			h, err := strconv.ParseUint(m, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("redisstore: bad height member %q: %w", m, err)
			}
			heights[h] = struct{}{}
		}
		for _, prev := range ops[:i] {
			if prev.kind != opClean && string(prev.comp) == string(o.comp) && prev.height <= o.height {
				heights[prev.height] = struct{}{}
			}
		}
		var keep uint64
		found := false
		for h := range heights {
			if !found || h > keep {
				keep, found = h, true
			}
		}
		for h := range heights {
			if h < keep {
				drops[i] = append(drops[i], fmtHeight(h))
			}
		}
		sort.Strings(drops[i])
	}
	return drops, nil
}

func (s *Store) queue(ctx context.Context, p redis.Pipeliner, o op, drops []string) {
	switch o.kind {
	case opSet, opDel:
		member := fmtHeight(o.height)
		p.ZAdd(ctx, s.heightsKey(o.comp), redis.Z{Score: float64(o.height), Member: member})
		p.HSet(ctx, s.valuesKey(o.comp), member, o.value)
		if o.scope == keys.ScopeData {
			p.ZAdd(ctx, s.scanKey(o.account), redis.Z{Score: 0, Member: string(o.stored)})
		}
	case opClean:
		if len(drops) == 0 {
			return
		}
		members := make([]any, len(drops))
		for i, d := range drops {
			members[i] = d
		}
		p.ZRem(ctx, s.heightsKey(o.comp), members...)
		p.HDel(ctx, s.valuesKey(o.comp), drops...)
	case opBlob:
		p.Set(ctx, s.blobKey(o.hash), o.value, 0)
	}
}

func (s *Store) ScanDataKeys(ctx context.Context, account string, height uint64, pattern string, cursor []byte, limit int) (storage.ScanResult, error) {
	col := storage.NewCollector(pattern, cursor, limit, s.maxSubKey)
	start := col.RangePrefix()
	lexMin := "[" + string(start)
	if after := col.After(); after != nil && string(after) >= string(start) {
		lexMin = "(" + string(after)
	}
	lexMax := "+"
	if upper := prefixUpperBound(start); upper != nil {
		lexMax = "(" + string(upper)
	}
	dataPrefix := keys.DataPrefix(account)

	for offset := int64(0); ; offset += scanChunk {
		members, err := s.rdb.ZRangeByLex(ctx, s.scanKey(account), &redis.ZRangeBy{
			Min: lexMin, Max: lexMax, Offset: offset, Count: scanChunk,
		}).Result()
		if err != nil {
			return storage.ScanResult{}, err
		}
		if len(members) == 0 {
			return col.Result(), nil
		}

		// 两轮 pipeline：先取每个 key 的最新高度，再取对应的值
		heightCmds := make([]*redis.StringSliceCmd, len(members))
		if _, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, m := range members {
				comp := append(append([]byte(nil), dataPrefix...), m...)
				heightCmds[i] = p.ZRevRangeByScore(ctx, s.heightsKey(comp), latestArgs(height))
			}
			return nil
		}); err != nil {
			return storage.ScanResult{}, err
		}
		valueCmds := make([]*redis.StringCmd, len(members))
		if _, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			for i, m := range members {
				h, ok, err := parseLatest(heightCmds[i].Val())
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				comp := append(append([]byte(nil), dataPrefix...), m...)
				valueCmds[i] = p.HGet(ctx, s.valuesKey(comp), fmtHeight(h))
			}
			return nil
		}); err != nil && !errors.Is(err, redis.Nil) {
			return storage.ScanResult{}, err
		}

		for i, m := range members {
			if valueCmds[i] == nil || errors.Is(valueCmds[i].Err(), redis.Nil) {
				continue
			}
			value, err := decodeValue(valueCmds[i].Val())
			if err != nil {
				return storage.ScanResult{}, err
			}
			stored := []byte(m)
			if col.Skip(stored) {
				continue
			}
			original := stored
			if value != nil {
				if original, err = storage.ResolveSubKey(ctx, stored, s.maxSubKey, s.GetBlob); err != nil {
					return storage.ScanResult{}, err
				}
			}
			if !col.Add(stored, original, value) {
				return col.Result(), nil
			}
		}
		if len(members) < scanChunk {
			return col.Result(), nil
		}
	}
}

func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

// ClearDatabase deletes every key under the store prefix.
func (s *Store) ClearDatabase(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, s.prefix+"*", 1000).Iterator()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := s.rdb.Del(ctx, batch...).Err()
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 1000 {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	s.log.Warn("cleared keys under prefix %q", s.prefix)
	return flush()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// ====== Batch ======

type opKind uint8

const (
	opSet opKind = iota
	opDel
	opClean
	opBlob
)

type op struct {
	kind    opKind
	scope   keys.Scope
	account string
	stored  []byte
	comp    []byte
	height  uint64
	value   []byte
	hash    [32]byte
}

type batch struct {
	maxSubKey int
	ops       []op
}

func (b *batch) put(kind opKind, scope keys.Scope, account string, subKey []byte, height uint64, cell []byte) error {
	stored, overflow, digest, err := storage.PrepareWrite(scope, account, subKey, b.maxSubKey)
	if err != nil {
		return err
	}
	if overflow != nil {
		b.ops = append(b.ops, op{kind: opBlob, hash: digest, value: append([]byte(nil), overflow...)})
	}
	b.ops = append(b.ops, op{
		kind:    kind,
		scope:   scope,
		account: account,
		stored:  append([]byte(nil), stored...),
		comp:    keys.Composite(scope, account, stored),
		height:  height,
		value:   cell,
	})
	return nil
}

func (b *batch) SetData(scope keys.Scope, account string, subKey []byte, height uint64, value []byte) error {
	cell := make([]byte, 0, len(value)+1)
	cell = append(cell, valPresent)
	return b.put(opSet, scope, account, subKey, height, append(cell, value...))
}

func (b *batch) DeleteData(scope keys.Scope, account string, subKey []byte, height uint64) error {
	return b.put(opDel, scope, account, subKey, height, []byte{valTombstone})
}

func (b *batch) CleanOlderData(compKey []byte, threshold uint64) error {
	b.ops = append(b.ops, op{kind: opClean, comp: keys.Normalize(compKey, b.maxSubKey), height: threshold})
	return nil
}

func (b *batch) SetBlob(data []byte) ([32]byte, error) {
	hash := storage.HashBlob(data)
	b.ops = append(b.ops, op{kind: opBlob, hash: hash, value: append([]byte(nil), data...)})
	return hash, nil
}
