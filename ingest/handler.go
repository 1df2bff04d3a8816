// Package ingest writes decoded state changes into a storage engine.
package ingest

import (
	"context"
	"fmt"
	"time"

	"nearview/keys"
	"nearview/logs"
	"nearview/stats"
	"nearview/storage"
	"nearview/types"
)

// Block is every change recorded at one height, grouped by shard.
type Block struct {
	Height    uint64
	Timestamp uint64
	Shards    []ShardChanges
}

type ShardChanges struct {
	ShardID uint64
	Changes []types.StateChange
}

type Config struct {
	// KeepHistory > 0 collapses versions of every touched key older than
	// Height-KeepHistory while the block is written.
	KeepHistory uint64

	Metrics *stats.Metrics
	Latency *stats.LatencyRecorder
}

type Handler struct {
	engine storage.Engine
	cfg    Config
	log    logs.Logger
}

func New(engine storage.Engine, cfg Config) *Handler {
	return &Handler{engine: engine, cfg: cfg, log: logs.Named("ingest")}
}

// HandleChange translates one change record into writes on b at height.
func (h *Handler) HandleChange(b storage.Batch, height uint64, c *types.StateChange) error {
	if err := c.Validate(); err != nil {
		return err
	}
	id := c.AccountID

	var (
		scope  keys.Scope
		subKey []byte
		err    error
	)
	switch c.Type {
	case types.ChangeAccountUpdate:
		scope = keys.ScopeAccount
		var v []byte
		if v, err = c.Account.Marshal(); err != nil {
			return fmt.Errorf("%s %s: %w", c.Type, id, err)
		}
		err = b.SetData(scope, id, nil, height, v)
	case types.ChangeAccountDeletion:
		scope = keys.ScopeAccount
		err = b.DeleteData(scope, id, nil, height)

	case types.ChangeDataUpdate:
		scope, subKey = keys.ScopeData, c.Key
		err = b.SetData(scope, id, subKey, height, c.Value)
	case types.ChangeDataDeletion:
		scope, subKey = keys.ScopeData, c.Key
		err = b.DeleteData(scope, id, subKey, height)

	case types.ChangeAccessKeyUpdate:
		scope, subKey = keys.ScopeAccessKey, c.PublicKey
		var v []byte
		if v, err = c.AccessKey.Marshal(); err != nil {
			return fmt.Errorf("%s %s: %w", c.Type, id, err)
		}
		err = b.SetData(scope, id, subKey, height, v)
	case types.ChangeAccessKeyDeletion:
		scope, subKey = keys.ScopeAccessKey, c.PublicKey
		err = b.DeleteData(scope, id, subKey, height)

	case types.ChangeContractCodeUpdate:
		scope = keys.ScopeCode
		// 代码本体按 sha256 存入 blob，code 条目只记录哈希
		var hash [32]byte
		if hash, err = b.SetBlob(c.Code); err != nil {
			return fmt.Errorf("%s %s: %w", c.Type, id, err)
		}
		err = b.SetData(scope, id, nil, height, hash[:])
	case types.ChangeContractCodeDeletion:
		scope = keys.ScopeCode
		err = b.DeleteData(scope, id, nil, height)

	default:
		return fmt.Errorf("unknown change type %q", c.Type)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.Type, id, err)
	}

	if h.cfg.KeepHistory > 0 && height > h.cfg.KeepHistory {
		if err := b.CleanOlderData(keys.Composite(scope, id, subKey), height-h.cfg.KeepHistory); err != nil {
			return fmt.Errorf("compact %s %s: %w", scope, id, err)
		}
	}
	return nil
}

// HandleBlock writes all changes of block in one batch, records its
// timestamp and then advances the latest block height. A block at or below
// the latest height is rewritten without moving the latest height back.
func (h *Handler) HandleBlock(ctx context.Context, block *Block) error {
	start := time.Now()
	latest, ok, err := h.engine.GetLatestBlockHeight(ctx)
	if err != nil {
		return fmt.Errorf("latest block height: %w", err)
	}
	advance := !ok || block.Height > latest
	if !advance {
		h.log.Warn("block %d is not above the latest block %d, rewriting it", block.Height, latest)
	}

	counts := make(map[string]int)
	err = h.engine.WriteBatch(ctx, func(b storage.Batch) error {
		for _, shard := range block.Shards {
			for i := range shard.Changes {
				c := &shard.Changes[i]
				if err := h.HandleChange(b, block.Height, c); err != nil {
					return fmt.Errorf("block %d shard %d change %d: %w", block.Height, shard.ShardID, i, err)
				}
				counts[string(c.Type)]++
			}
		}
		return nil
	})
	if err != nil {
		h.log.Error("write block %d: %v", block.Height, err)
		return err
	}
	if err := h.engine.SetBlockTimestamp(ctx, block.Height, block.Timestamp); err != nil {
		return fmt.Errorf("block %d timestamp: %w", block.Height, err)
	}
	if advance {
		if err := h.engine.SetLatestBlockHeight(ctx, block.Height); err != nil {
			return fmt.Errorf("block %d latest height: %w", block.Height, err)
		}
	}

	h.cfg.Metrics.BlockIngested(counts)
	h.cfg.Latency.Since("HandleBlock", start)
	h.log.Debug("block %d ingested: %v", block.Height, counts)
	return nil
}
