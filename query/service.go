// Package query serves point-in-time reads and view calls.
//
// Every entry point takes an optional block height. A nil height means the
// latest ingested block; an explicit one must lie between the configured
// minimum and the latest height.
package query

import (
	"context"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/tetratelabs/wazero"

	"nearview/fault"
	"nearview/keys"
	"nearview/logs"
	"nearview/stats"
	"nearview/storage"
	"nearview/types"
	"nearview/vm"
)

// Compiler turns contract bytes into a runnable module. *vm.Sandbox
// implements it. Every module from Compile goes back through Release once
// the call is done with it.
type Compiler interface {
	Compile(ctx context.Context, accountID string, codeHash [32]byte, code []byte) (wazero.CompiledModule, error)
	Release(module wazero.CompiledModule)
}

// Executor runs a prepared call. *workers.Pool implements it.
type Executor interface {
	RunContract(ctx context.Context, call *vm.Call) (*vm.Outcome, error)
}

type Config struct {
	MinBlockHeight uint64
	ScanLimit      int
}

// CallResult is the outcome of a view call at BlockHeight.
type CallResult struct {
	Result      []byte   `json:"result"`
	Logs        []string `json:"logs"`
	BlockHeight uint64   `json:"block_height"`
}

// CodeView is the deployed contract of an account.
type CodeView struct {
	Code        []byte `json:"code"`
	Hash        string `json:"hash"`
	BlockHeight uint64 `json:"block_height"`
}

// ScanView is one page of data keys.
type ScanView struct {
	Items       []storage.KeyValue `json:"items"`
	Cursor      []byte             `json:"cursor,omitempty"`
	BlockHeight uint64             `json:"block_height"`
}

type Service struct {
	engine   storage.Engine
	compiler Compiler
	executor Executor
	cfg      Config
	stats    *stats.Stats
	log      logs.Logger
}

// New wires a Service. compiler and executor may be nil when RunContract is
// never used (e.g. command line tools that only read state).
func New(engine storage.Engine, compiler Compiler, executor Executor, cfg Config) *Service {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 100
	}
	return &Service{
		engine:   engine,
		compiler: compiler,
		executor: executor,
		cfg:      cfg,
		stats:    stats.NewStats(),
		log:      logs.Named("query"),
	}
}

// Stats exposes per-operation call and failure counts.
func (s *Service) Stats() *stats.Stats { return s.stats }

// ResolveHeight returns the height a query runs at.
func (s *Service) ResolveHeight(ctx context.Context, height *uint64) (uint64, error) {
	latest, ok, err := s.engine.GetLatestBlockHeight(ctx)
	if err != nil {
		return 0, fmt.Errorf("latest block height: %w", err)
	}
	if !ok {
		return 0, fault.New(fault.CodeBlockHeightTooHigh, "no block has been ingested yet")
	}
	if height == nil {
		return latest, nil
	}
	h := *height
	if h < s.cfg.MinBlockHeight {
		return 0, fault.Newf(fault.CodeBlockHeightTooLow, "block %d is below the retained minimum %d", h, s.cfg.MinBlockHeight).
			With("min", s.cfg.MinBlockHeight)
	}
	if h > latest {
		return 0, fault.Newf(fault.CodeBlockHeightTooHigh, "block %d is above the latest block %d", h, latest).
			With("latest", latest)
	}
	return h, nil
}

func (s *Service) ViewAccount(ctx context.Context, accountID string, height *uint64) (view *types.AccountView, err error) {
	defer func() { s.stats.RecordCall("ViewAccount", err) }()

	h, err := s.ResolveHeight(ctx, height)
	if err != nil {
		return nil, err
	}
	acct, err := s.account(ctx, accountID, h)
	if err != nil {
		return nil, err
	}
	v := acct.View(h)
	return &v, nil
}

func (s *Service) ViewAccessKey(ctx context.Context, accountID string, publicKey types.PublicKey, height *uint64) (view *types.AccessKeyView, err error) {
	defer func() { s.stats.RecordCall("ViewAccessKey", err) }()

	h, err := s.ResolveHeight(ctx, height)
	if err != nil {
		return nil, err
	}
	raw, err := s.engine.GetLatestData(ctx, keys.AccessKeyKey(accountID, publicKey.Bytes()), h)
	if err != nil {
		return nil, fmt.Errorf("read access key of %s: %w", accountID, err)
	}
	if raw == nil {
		return nil, fault.Newf(fault.CodeAccessKeyNotFound, "access key %s of %s does not exist at block %d", publicKey, accountID, h)
	}
	key, err := types.UnmarshalAccessKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode access key %s of %s: %w", publicKey, accountID, err)
	}
	v, err := key.View(h)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Service) ViewCode(ctx context.Context, accountID string, height *uint64) (view *CodeView, err error) {
	defer func() { s.stats.RecordCall("ViewCode", err) }()

	h, err := s.ResolveHeight(ctx, height)
	if err != nil {
		return nil, err
	}
	acct, err := s.account(ctx, accountID, h)
	if err != nil {
		return nil, err
	}
	hash, code, err := s.code(ctx, accountID, acct, h)
	if err != nil {
		return nil, err
	}
	return &CodeView{Code: code, Hash: base58.Encode(hash[:]), BlockHeight: h}, nil
}

// RunContract executes a view method of accountID's contract.
func (s *Service) RunContract(ctx context.Context, accountID, method string, args []byte, height *uint64) (res *CallResult, err error) {
	defer func() { s.stats.RecordCall("RunContract", err) }()

	if s.compiler == nil || s.executor == nil {
		return nil, fault.New(fault.CodeHostError, "contract execution is not configured")
	}
	h, err := s.ResolveHeight(ctx, height)
	if err != nil {
		return nil, err
	}
	acct, err := s.account(ctx, accountID, h)
	if err != nil {
		return nil, err
	}
	hash, code, err := s.code(ctx, accountID, acct, h)
	if err != nil {
		return nil, err
	}
	ts, _, err := s.engine.GetBlockTimestamp(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("block timestamp at %d: %w", h, err)
	}
	module, err := s.compiler.Compile(ctx, accountID, hash, code)
	if err != nil {
		return nil, err
	}
	defer s.compiler.Release(module)

	out, err := s.executor.RunContract(ctx, &vm.Call{
		Module:         module,
		AccountID:      accountID,
		Method:         method,
		Args:           args,
		BlockHeight:    h,
		BlockTimestamp: ts,
		Balance:        acct.Amount,
		Locked:         acct.Locked,
		StorageUsage:   acct.StorageUsage,
	})
	if err != nil {
		if !fault.IsGuest(err) {
			s.log.Warn("call %s.%s at %d failed: %v", accountID, method, h, err)
		}
		return nil, err
	}
	return &CallResult{Result: out.Result, Logs: nonNilLogs(out.Logs), BlockHeight: h}, nil
}

// ScanDataKeys lists accountID's data keys matching pattern. limit <= 0 or
// above the configured scan limit is clamped to it.
func (s *Service) ScanDataKeys(ctx context.Context, accountID, pattern string, cursor []byte, limit int, height *uint64) (view *ScanView, err error) {
	defer func() { s.stats.RecordCall("ScanDataKeys", err) }()

	h, err := s.ResolveHeight(ctx, height)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cfg.ScanLimit {
		limit = s.cfg.ScanLimit
	}
	page, err := s.engine.ScanDataKeys(ctx, accountID, h, pattern, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", accountID, err)
	}
	items := page.Items
	if items == nil {
		items = []storage.KeyValue{}
	}
	return &ScanView{Items: items, Cursor: page.Cursor, BlockHeight: h}, nil
}

func (s *Service) account(ctx context.Context, accountID string, h uint64) (*types.Account, error) {
	raw, err := s.engine.GetLatestData(ctx, keys.AccountKey(accountID), h)
	if err != nil {
		return nil, fmt.Errorf("read account %s: %w", accountID, err)
	}
	if raw == nil {
		return nil, fault.Newf(fault.CodeAccountNotFound, "account %s does not exist at block %d", accountID, h)
	}
	acct, err := types.UnmarshalAccount(raw)
	if err != nil {
		return nil, fmt.Errorf("decode account %s: %w", accountID, err)
	}
	return acct, nil
}

// code resolves the contract deployed at h through the code scope entry.
func (s *Service) code(ctx context.Context, accountID string, acct *types.Account, h uint64) ([32]byte, []byte, error) {
	var hash [32]byte
	if !acct.HasCode() {
		return hash, nil, fault.Newf(fault.CodeCodeNotFound, "account %s has no contract at block %d", accountID, h)
	}
	ref, err := s.engine.GetLatestData(ctx, keys.CodeKey(accountID), h)
	if err != nil {
		return hash, nil, fmt.Errorf("read code entry of %s: %w", accountID, err)
	}
	if len(ref) != len(hash) {
		return hash, nil, fault.Newf(fault.CodeCodeNotFound, "account %s has no contract at block %d", accountID, h)
	}
	copy(hash[:], ref)
	code, err := s.engine.GetBlob(ctx, hash)
	if err != nil {
		return hash, nil, fmt.Errorf("read code blob of %s: %w", accountID, err)
	}
	if code == nil {
		s.log.Warn("code blob %x of %s is missing", hash[:8], accountID)
		return hash, nil, fault.Newf(fault.CodeCodeNotFound, "contract of %s is missing from the blob store", accountID)
	}
	return hash, code, nil
}

func nonNilLogs(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}
