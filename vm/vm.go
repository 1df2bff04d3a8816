// Package vm runs contract view methods inside a wazero sandbox.
//
// One Sandbox owns a wazero runtime with the "env" host module and an LRU of
// compiled contract modules. Every call instantiates a fresh guest module,
// so memory and registers never leak between calls.
package vm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/sync/singleflight"

	"nearview/fault"
	"nearview/logs"
)

// State is a call's position in its life cycle.
type State int

const (
	StateCreated State = iota
	StateInstantiated
	StateRunning
	StateReturned
	StatePanicked
	StateAborted
	StateTimedOut
	StateHostError
)

var stateNames = [...]string{"created", "instantiated", "running", "returned", "panicked", "aborted", "timedOut", "hostError"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// TerminalState maps the result of Run to the terminal state it represents.
func TerminalState(err error) State {
	switch fault.CodeOf(err) {
	case "":
		if err == nil {
			return StateReturned
		}
		return StateHostError
	case fault.CodePanic:
		return StatePanicked
	case fault.CodeAbort:
		return StateAborted
	case fault.CodeExecutionTimedOut:
		return StateTimedOut
	}
	return StateHostError
}

type Config struct {
	ModuleCacheSize  int
	MemoryLimitPages uint32
}

func DefaultConfig() Config {
	return Config{ModuleCacheSize: 128, MemoryLimitPages: 1024}
}

// StorageReader serves storage_read and storage_has_key for one call. Read
// returns nil when the key has no value at the call's height.
type StorageReader interface {
	Read(ctx context.Context, key []byte) ([]byte, error)
}

// StorageReaderFunc adapts a function to StorageReader.
type StorageReaderFunc func(ctx context.Context, key []byte) ([]byte, error)

func (f StorageReaderFunc) Read(ctx context.Context, key []byte) ([]byte, error) { return f(ctx, key) }

// Call is one view-method invocation.
type Call struct {
	Module         wazero.CompiledModule
	AccountID      string
	Method         string
	Args           []byte
	BlockHeight    uint64
	BlockTimestamp uint64
	Balance        *uint256.Int
	Locked         *uint256.Int
	StorageUsage   uint64
}

// Outcome is a successful call. Result is empty, not nil, when the method
// never called value_return.
type Outcome struct {
	Result []byte
	Logs   []string
}

type Sandbox struct {
	runtime wazero.Runtime
	group   singleflight.Group
	log     logs.Logger

	// mu guards modules and refs. onEvict runs inside modules.Add and
	// modules.Purge, which are only called with mu held.
	mu      sync.Mutex
	modules *lru.Cache[string, wazero.CompiledModule]
	refs    map[wazero.CompiledModule]*moduleRef
}

// moduleRef counts the callers holding a module between Compile and Release.
// An evicted module is closed by its last Release.
type moduleRef struct {
	n       int
	evicted bool
}

func New(ctx context.Context, cfg Config) (*Sandbox, error) {
	if cfg.ModuleCacheSize <= 0 {
		cfg.ModuleCacheSize = DefaultConfig().ModuleCacheSize
	}
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rc)
	if err := instantiateHost(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("vm: host module: %w", err)
	}
	s := &Sandbox{runtime: rt, refs: make(map[wazero.CompiledModule]*moduleRef), log: logs.Named("vm")}
	modules, err := lru.NewWithEvict[string, wazero.CompiledModule](cfg.ModuleCacheSize, s.onEvict)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	s.modules = modules
	return s, nil
}

func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	s.modules.Purge()
	s.mu.Unlock()
	return s.runtime.Close(ctx)
}

// onEvict closes a module nobody holds and leaves held ones to Release.
func (s *Sandbox) onEvict(_ string, cm wazero.CompiledModule) {
	if r := s.refs[cm]; r != nil {
		r.evicted = true
		return
	}
	_ = cm.Close(context.Background())
}

func (s *Sandbox) hold(cm wazero.CompiledModule) {
	r := s.refs[cm]
	if r == nil {
		r = &moduleRef{}
		s.refs[cm] = r
	}
	r.n++
}

func (s *Sandbox) acquire(key string) wazero.CompiledModule {
	s.mu.Lock()
	defer s.mu.Unlock()
	cm, ok := s.modules.Get(key)
	if !ok {
		return nil
	}
	s.hold(cm)
	return cm
}

// Compile returns the compiled form of code, reusing a cached module for the
// same account and code hash. The module stays usable until the caller hands
// it back with Release, even if the cache evicts it meanwhile.
func (s *Sandbox) Compile(ctx context.Context, accountID string, codeHash [32]byte, code []byte) (wazero.CompiledModule, error) {
	key := accountID + "|" + hex.EncodeToString(codeHash[:])
	if cm := s.acquire(key); cm != nil {
		return cm, nil
	}
	held := false
	v, err, _ := s.group.Do(key, func() (any, error) {
		s.mu.Lock()
		cached := s.modules.Contains(key)
		s.mu.Unlock()
		if cached {
			return nil, nil
		}
		cm, err := s.compile(ctx, accountID, code)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.modules.Add(key, cm)
		s.hold(cm)
		s.mu.Unlock()
		held = true
		return cm, nil
	})
	if err != nil {
		return nil, err
	}
	if held {
		return v.(wazero.CompiledModule), nil
	}
	if cm := s.acquire(key); cm != nil {
		return cm, nil
	}
	// 共享的编译结果在拿到之前已被淘汰，单独编译一份，Release 时关闭
	cm, err := s.compile(ctx, accountID, code)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.refs[cm] = &moduleRef{n: 1, evicted: true}
	s.mu.Unlock()
	return cm, nil
}

func (s *Sandbox) compile(ctx context.Context, accountID string, code []byte) (wazero.CompiledModule, error) {
	start := time.Now()
	cm, err := s.runtime.CompileModule(ctx, code)
	if err != nil {
		return nil, fault.Newf(fault.CodeWasmTrap, "compile contract of %s: %v", accountID, err)
	}
	s.log.Debug("compiled %s (%d bytes) in %v", accountID, len(code), time.Since(start))
	return cm, nil
}

// Release hands back a module obtained from Compile.
func (s *Sandbox) Release(cm wazero.CompiledModule) {
	if cm == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.refs[cm]
	if r == nil {
		return
	}
	if r.n--; r.n > 0 {
		return
	}
	delete(s.refs, cm)
	if r.evicted {
		_ = cm.Close(context.Background())
	}
}

// CachedModules reports how many compiled modules are cached.
func (s *Sandbox) CachedModules() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modules.Len()
}

// HeldModules reports how many modules are between Compile and Release.
func (s *Sandbox) HeldModules() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

// Run instantiates call.Module and executes call.Method. Cancellation and
// deadlines of ctx stop the guest.
func (s *Sandbox) Run(ctx context.Context, call *Call, reader StorageReader) (*Outcome, error) {
	if call.Module == nil {
		return nil, fault.New(fault.CodeHostError, "no compiled module")
	}
	st := newCallState(call, reader)
	ctx = withCallState(ctx, st)

	mod, err := s.runtime.InstantiateModule(ctx, call.Module, wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		return nil, st.classify(ctx, err)
	}
	defer mod.Close(context.Background())
	st.state = StateInstantiated

	fn := mod.ExportedFunction(call.Method)
	if fn == nil {
		st.state = StateHostError
		return nil, fault.Newf(fault.CodeMethodNotFound, "contract method %q not found", call.Method)
	}
	if def := fn.Definition(); len(def.ParamTypes()) != 0 || len(def.ResultTypes()) != 0 {
		st.state = StateHostError
		return nil, fault.Newf(fault.CodeMethodNotFound, "contract method %q has signature %s, want () -> ()", call.Method, signature(def))
	}

	st.state = StateRunning
	if _, err := fn.Call(ctx); err != nil {
		return nil, st.classify(ctx, err)
	}
	st.state = StateReturned

	result := st.result
	if result == nil {
		result = []byte{}
	}
	return &Outcome{Result: result, Logs: st.logs}, nil
}

func signature(def api.FunctionDefinition) string {
	name := func(ts []api.ValueType) string {
		parts := make([]string, len(ts))
		for i, t := range ts {
			parts[i] = api.ValueTypeName(t)
		}
		return "(" + strings.Join(parts, ", ") + ")"
	}
	return name(def.ParamTypes()) + " -> " + name(def.ResultTypes())
}

// classify turns a wazero error into the call's terminal fault.
func (st *callState) classify(ctx context.Context, err error) error {
	if st.fault != nil {
		st.state = TerminalState(st.fault)
		return st.fault
	}
	var exit *sys.ExitError
	if errors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			st.state = StateTimedOut
			return fault.New(fault.CodeExecutionTimedOut, "contract execution timed out")
		case sys.ExitCodeContextCanceled:
			st.state = StateHostError
			return fmt.Errorf("vm: call canceled: %w", context.Cause(ctx))
		}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		st.state = StateTimedOut
		return fault.New(fault.CodeExecutionTimedOut, "contract execution timed out")
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		st.state = TerminalState(fe)
		return fe
	}
	st.state = StateHostError
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return fault.New(fault.CodeWasmTrap, msg)
}
