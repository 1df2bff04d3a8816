// Package shards spreads accounts over several storage engines. Every
// single-account operation goes to the engine picked by a murmur3 hash of
// the account id.
package shards

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"nearview/keys"
	"nearview/logs"
	"nearview/storage"
)

type Router struct {
	engines []storage.Engine
	log     logs.Logger
}

var _ storage.Engine = (*Router)(nil)

// New takes ownership of engines; Close closes all of them.
func New(engines ...storage.Engine) (*Router, error) {
	if len(engines) == 0 {
		return nil, errors.New("shards: no engines")
	}
	return &Router{engines: engines, log: logs.Named("shards")}, nil
}

func (r *Router) NumShards() int { return len(r.engines) }

// ShardOf returns the shard index serving account.
func (r *Router) ShardOf(account string) int {
	return int(murmur3.Sum32([]byte(account)) % uint32(len(r.engines)))
}

func (r *Router) blobShard(hash [32]byte) int {
	return int(binary.BigEndian.Uint32(hash[:4]) % uint32(len(r.engines)))
}

func (r *Router) byKey(compKey []byte) (storage.Engine, error) {
	p, err := keys.Split(compKey)
	if err != nil {
		return nil, err
	}
	return r.engines[r.ShardOf(p.Account)], nil
}

// 区块元信息写入所有分片，从 0 号分片读取。

func (r *Router) GetLatestBlockHeight(ctx context.Context) (uint64, bool, error) {
	return r.engines[0].GetLatestBlockHeight(ctx)
}

func (r *Router) SetLatestBlockHeight(ctx context.Context, height uint64) error {
	for i, e := range r.engines {
		if err := e.SetLatestBlockHeight(ctx, height); err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
	}
	return nil
}

func (r *Router) GetBlockTimestamp(ctx context.Context, height uint64) (uint64, bool, error) {
	return r.engines[0].GetBlockTimestamp(ctx, height)
}

func (r *Router) SetBlockTimestamp(ctx context.Context, height, timestamp uint64) error {
	for i, e := range r.engines {
		if err := e.SetBlockTimestamp(ctx, height, timestamp); err != nil {
			return fmt.Errorf("shard %d: %w", i, err)
		}
	}
	return nil
}

func (r *Router) GetLatestDataBlockHeight(ctx context.Context, compKey []byte, height uint64) (uint64, bool, error) {
	e, err := r.byKey(compKey)
	if err != nil {
		return 0, false, err
	}
	return e.GetLatestDataBlockHeight(ctx, compKey, height)
}

func (r *Router) GetData(ctx context.Context, compKey []byte, height uint64) ([]byte, error) {
	e, err := r.byKey(compKey)
	if err != nil {
		return nil, err
	}
	return e.GetData(ctx, compKey, height)
}

func (r *Router) GetLatestData(ctx context.Context, compKey []byte, height uint64) ([]byte, error) {
	e, err := r.byKey(compKey)
	if err != nil {
		return nil, err
	}
	return e.GetLatestData(ctx, compKey, height)
}

func (r *Router) GetBlob(ctx context.Context, hash [32]byte) ([]byte, error) {
	return r.engines[r.blobShard(hash)].GetBlob(ctx, hash)
}

func (r *Router) ScanDataKeys(ctx context.Context, account string, height uint64, pattern string, cursor []byte, limit int) (storage.ScanResult, error) {
	return r.engines[r.ShardOf(account)].ScanDataKeys(ctx, account, height, pattern, cursor, limit)
}

// WriteBatch records fn's writes per shard and then commits one batch per
// touched shard in shard order. Each shard commit is atomic; if a later
// shard fails, earlier shards stay committed.
func (r *Router) WriteBatch(ctx context.Context, fn func(storage.Batch) error) error {
	rb := &recordingBatch{r: r, perShard: make([][]func(storage.Batch) error, len(r.engines))}
	if err := fn(rb); err != nil {
		return err
	}
	for i, ops := range rb.perShard {
		if len(ops) == 0 {
			continue
		}
		err := r.engines[i].WriteBatch(ctx, func(b storage.Batch) error {
			for _, op := range ops {
				if err := op(b); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			r.log.Error("batch commit failed on shard %d: %v", i, err)
			return fmt.Errorf("shard %d: %w", i, err)
		}
	}
	return nil
}

func (r *Router) ClearDatabase(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, e := range r.engines {
		g.Go(func() error {
			if err := e.ClearDatabase(ctx); err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Router) Close() error {
	var g errgroup.Group
	for i, e := range r.engines {
		g.Go(func() error {
			if err := e.Close(); err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// recordingBatch validates and routes writes; they are replayed into the
// shard batches after fn returns.
type recordingBatch struct {
	r        *Router
	perShard [][]func(storage.Batch) error
}

func (b *recordingBatch) add(shard int, op func(storage.Batch) error) {
	b.perShard[shard] = append(b.perShard[shard], op)
}

func (b *recordingBatch) SetData(scope keys.Scope, account string, subKey []byte, height uint64, value []byte) error {
	if !scope.Valid() || account == "" {
		return fmt.Errorf("shards: invalid write target %q/%q", scope, account)
	}
	subKey, value = bytes.Clone(subKey), bytes.Clone(value)
	b.add(b.r.ShardOf(account), func(sb storage.Batch) error {
		return sb.SetData(scope, account, subKey, height, value)
	})
	return nil
}

func (b *recordingBatch) DeleteData(scope keys.Scope, account string, subKey []byte, height uint64) error {
	if !scope.Valid() || account == "" {
		return fmt.Errorf("shards: invalid write target %q/%q", scope, account)
	}
	subKey = bytes.Clone(subKey)
	b.add(b.r.ShardOf(account), func(sb storage.Batch) error {
		return sb.DeleteData(scope, account, subKey, height)
	})
	return nil
}

func (b *recordingBatch) CleanOlderData(compKey []byte, threshold uint64) error {
	p, err := keys.Split(compKey)
	if err != nil {
		return err
	}
	compKey = bytes.Clone(compKey)
	b.add(b.r.ShardOf(p.Account), func(sb storage.Batch) error {
		return sb.CleanOlderData(compKey, threshold)
	})
	return nil
}

func (b *recordingBatch) SetBlob(data []byte) ([32]byte, error) {
	hash := storage.HashBlob(data)
	data = bytes.Clone(data)
	b.add(b.r.blobShard(hash), func(sb storage.Batch) error {
		_, err := sb.SetBlob(data)
		return err
	})
	return hash, nil
}
