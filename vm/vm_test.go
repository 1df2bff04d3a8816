package vm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"

	"nearview/fault"
	"nearview/vm/wasmtest"
)

func newSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sb.Close(context.Background()) })
	return sb
}

func compile(t *testing.T, sb *Sandbox, m *wasmtest.Module) wazero.CompiledModule {
	t.Helper()
	code := m.Bytes()
	cm, err := sb.Compile(context.Background(), "test.near", sha256.Sum256(code), code)
	require.NoError(t, err)
	return cm
}

func runMethod(t *testing.T, sb *Sandbox, m *wasmtest.Module, method string, reader StorageReader) (*Outcome, error) {
	t.Helper()
	call := &Call{Module: compile(t, sb, m), AccountID: "test.near", Method: method}
	return sb.Run(context.Background(), call, reader)
}

func TestValueReturn(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	vr := m.Import("value_return", wasmtest.SigI64x2)
	m.Memory(1)
	m.Data(16, []byte("hello"))
	m.Func("get", wasmtest.SigVoid, nil, wasmtest.U64(5), wasmtest.U64(16), wasmtest.Call(vr))
	m.Func("noop", wasmtest.SigVoid, nil)

	out, err := runMethod(t, sb, m, "get", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out.Result)
	assert.Equal(t, StateReturned, TerminalState(err))

	out, err = runMethod(t, sb, m, "noop", nil)
	require.NoError(t, err)
	assert.NotNil(t, out.Result)
	assert.Empty(t, out.Result)
}

func TestInputAndRegisters(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	input := m.Import("input", wasmtest.SigI64)
	regLen := m.Import("register_len", wasmtest.SigI64RetI64)
	readReg := m.Import("read_register", wasmtest.SigI64x2)
	vr := m.Import("value_return", wasmtest.SigI64x2)
	m.Memory(1)
	m.Func("echo", wasmtest.SigVoid, nil,
		wasmtest.U64(0), wasmtest.Call(input),
		wasmtest.U64(0), wasmtest.U64(100), wasmtest.Call(readReg),
		wasmtest.U64(0), wasmtest.Call(regLen), wasmtest.U64(100), wasmtest.Call(vr),
	)

	call := &Call{Module: compile(t, sb, m), Method: "echo", Args: []byte(`{"x":1}`)}
	out, err := sb.Run(context.Background(), call, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(out.Result))
}

func TestAbsentRegister(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	regLen := m.Import("register_len", wasmtest.SigI64RetI64)
	readReg := m.Import("read_register", wasmtest.SigI64x2)
	vr := m.Import("value_return", wasmtest.SigI64x2)
	m.Memory(1)
	m.Data(8, []byte("keep"))
	m.Func("probe", wasmtest.SigVoid, nil,
		wasmtest.I32Const(0), wasmtest.U64(7), wasmtest.Call(regLen), wasmtest.I64Store(0),
		// 读取未设置的寄存器不写内存
		wasmtest.U64(9), wasmtest.U64(8), wasmtest.Call(readReg),
		wasmtest.U64(12), wasmtest.U64(0), wasmtest.Call(vr),
	)

	out, err := runMethod(t, sb, m, "probe", nil)
	require.NoError(t, err)
	require.Len(t, out.Result, 12)
	assert.Equal(t, uint64(math.MaxUint64), binary.LittleEndian.Uint64(out.Result[:8]))
	assert.Equal(t, "keep", string(out.Result[8:]))
}

func TestContextFunctions(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	blockIndex := m.Import("block_index", wasmtest.SigRetI64)
	blockTs := m.Import("block_timestamp", wasmtest.SigRetI64)
	usage := m.Import("storage_usage", wasmtest.SigRetI64)
	balance := m.Import("account_balance", wasmtest.SigI64)
	locked := m.Import("account_locked_balance", wasmtest.SigI64)
	accountID := m.Import("current_account_id", wasmtest.SigI64)
	readReg := m.Import("read_register", wasmtest.SigI64x2)
	vr := m.Import("value_return", wasmtest.SigI64x2)
	m.Memory(1)
	m.Func("ctx", wasmtest.SigVoid, nil,
		wasmtest.I32Const(0), wasmtest.Call(blockIndex), wasmtest.I64Store(0),
		wasmtest.I32Const(8), wasmtest.Call(blockTs), wasmtest.I64Store(0),
		wasmtest.I32Const(16), wasmtest.Call(usage), wasmtest.I64Store(0),
		wasmtest.U64(24), wasmtest.Call(balance),
		wasmtest.U64(40), wasmtest.Call(locked),
		wasmtest.U64(2), wasmtest.Call(accountID),
		wasmtest.U64(2), wasmtest.U64(56), wasmtest.Call(readReg),
		wasmtest.U64(65), wasmtest.U64(0), wasmtest.Call(vr),
	)

	bal := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	call := &Call{
		Module:         compile(t, sb, m),
		AccountID:      "bob.near",
		Method:         "ctx",
		BlockHeight:    42,
		BlockTimestamp: 1_700_000_000_000_000_000,
		Balance:        bal,
		Locked:         uint256.NewInt(7),
		StorageUsage:   512,
	}
	out, err := sb.Run(context.Background(), call, nil)
	require.NoError(t, err)
	r := out.Result
	require.Len(t, r, 65)
	assert.Equal(t, uint64(42), binary.LittleEndian.Uint64(r[0:]))
	assert.Equal(t, uint64(1_700_000_000_000_000_000), binary.LittleEndian.Uint64(r[8:]))
	assert.Equal(t, uint64(512), binary.LittleEndian.Uint64(r[16:]))
	// 2^100 的小端 u128：低 8 字节为 0，高 8 字节为 2^36
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(r[24:]))
	assert.Equal(t, uint64(1)<<36, binary.LittleEndian.Uint64(r[32:]))
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(r[40:]))
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(r[48:]))
	assert.Equal(t, "bob.near", string(r[56:64]))
}

func TestStorageRead(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	read := m.Import("storage_read", wasmtest.SigN(3, true))
	hasKey := m.Import("storage_has_key", wasmtest.SigN(2, true))
	readReg := m.Import("read_register", wasmtest.SigI64x2)
	vr := m.Import("value_return", wasmtest.SigI64x2)
	m.Memory(1)
	m.Data(0, []byte("k"))
	m.Data(32, []byte("missing"))
	m.Func("read", wasmtest.SigVoid, nil,
		wasmtest.I32Const(8), wasmtest.U64(1), wasmtest.U64(0), wasmtest.U64(3), wasmtest.Call(read), wasmtest.I64Store(0),
		wasmtest.I32Const(16), wasmtest.U64(7), wasmtest.U64(32), wasmtest.Call(hasKey), wasmtest.I64Store(0),
		wasmtest.U64(3), wasmtest.U64(24), wasmtest.Call(readReg),
		wasmtest.U64(17), wasmtest.U64(8), wasmtest.Call(vr),
	)

	var seen []string
	reader := StorageReaderFunc(func(_ context.Context, key []byte) ([]byte, error) {
		seen = append(seen, string(key))
		if string(key) == "k" {
			return []byte("v"), nil
		}
		return nil, nil
	})
	out, err := runMethod(t, sb, m, "read", reader)
	require.NoError(t, err)
	require.Len(t, out.Result, 17)
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(out.Result[0:]))
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(out.Result[8:]))
	assert.Equal(t, byte('v'), out.Result[16])
	assert.Equal(t, []string{"k", "missing"}, seen)
}

func TestStorageErrors(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	hasKey := m.Import("storage_has_key", wasmtest.SigN(2, true))
	m.Memory(1)
	m.Func("has", wasmtest.SigVoid, nil, wasmtest.U64(1), wasmtest.U64(0), wasmtest.Call(hasKey), wasmtest.Drop)

	_, err := runMethod(t, sb, m, "has", StorageReaderFunc(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("disk on fire")
	}))
	assert.True(t, fault.Is(err, fault.CodeStorageError))
	assert.Contains(t, err.Error(), "disk on fire")

	_, err = runMethod(t, sb, m, "has", StorageReaderFunc(func(context.Context, []byte) ([]byte, error) {
		return nil, fault.New(fault.CodeExecutionTimedOut, "relay abandoned")
	}))
	assert.True(t, fault.Is(err, fault.CodeExecutionTimedOut))

	_, err = runMethod(t, sb, m, "has", nil)
	assert.True(t, fault.Is(err, fault.CodeStorageError))
}

func TestPanics(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	panicFn := m.Import("panic", wasmtest.SigVoid)
	panicUTF8 := m.Import("panic_utf8", wasmtest.SigI64x2)
	m.Memory(1)
	m.Data(0, []byte("boom"))
	m.Func("plain", wasmtest.SigVoid, nil, wasmtest.Call(panicFn))
	m.Func("msg", wasmtest.SigVoid, nil, wasmtest.U64(4), wasmtest.U64(0), wasmtest.Call(panicUTF8))

	_, err := runMethod(t, sb, m, "plain", nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CodePanic))
	assert.Equal(t, StatePanicked, TerminalState(err))

	_, err = runMethod(t, sb, m, "msg", nil)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodePanic, fe.Code)
	assert.Equal(t, "boom", fe.Message)
}

func TestAbort(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	abort := m.Import("abort", wasmtest.Sig{Params: []wasmtest.ValType{wasmtest.I32, wasmtest.I32, wasmtest.I32, wasmtest.I32}})
	m.Memory(1)
	m.Data(0, []byte{4, 0, 0, 0, 'h', 0, 'i', 0})
	m.Data(16, []byte{2, 0, 0, 0, 'a', 0})
	m.Func("fail", wasmtest.SigVoid, nil,
		wasmtest.I32Const(4), wasmtest.I32Const(20), wasmtest.I32Const(3), wasmtest.I32Const(7), wasmtest.Call(abort),
	)
	m.Func("badptr", wasmtest.SigVoid, nil,
		wasmtest.I32Const(2), wasmtest.I32Const(20), wasmtest.I32Const(0), wasmtest.I32Const(0), wasmtest.Call(abort),
	)

	_, err := runMethod(t, sb, m, "fail", nil)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeAbort, fe.Code)
	assert.Contains(t, fe.Message, "hi")
	assert.Equal(t, "a", fe.Data["filename"])
	assert.Equal(t, uint32(3), fe.Data["line"])
	assert.Equal(t, uint32(7), fe.Data["col"])
	assert.Equal(t, StateAborted, TerminalState(err))

	_, err = runMethod(t, sb, m, "badptr", nil)
	assert.True(t, fault.Is(err, fault.CodeMemoryAccessViolation))
}

func TestUnsupportedHostFunctions(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	write := m.Import("storage_write", wasmtest.SigN(5, true))
	epoch := m.Import("epoch_height", wasmtest.SigRetI64)
	m.Memory(1)
	m.Func("write", wasmtest.SigVoid, nil,
		wasmtest.U64(0), wasmtest.U64(0), wasmtest.U64(0), wasmtest.U64(0), wasmtest.U64(0), wasmtest.Call(write), wasmtest.Drop,
	)
	m.Func("epoch", wasmtest.SigVoid, nil, wasmtest.Call(epoch), wasmtest.Drop)

	_, err := runMethod(t, sb, m, "write", nil)
	assert.True(t, fault.Is(err, fault.CodeProhibitedInView))
	assert.Contains(t, err.Error(), "storage_write")

	_, err = runMethod(t, sb, m, "epoch", nil)
	assert.True(t, fault.Is(err, fault.CodeNotImplemented))
}

func TestMemoryAccessViolation(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	vr := m.Import("value_return", wasmtest.SigI64x2)
	m.Memory(1)
	m.Func("oob", wasmtest.SigVoid, nil, wasmtest.U64(10), wasmtest.U64(70000), wasmtest.Call(vr))

	_, err := runMethod(t, sb, m, "oob", nil)
	assert.True(t, fault.Is(err, fault.CodeMemoryAccessViolation))
	assert.Equal(t, StateHostError, TerminalState(err))
}

func TestMethodNotFound(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	m.Memory(1)
	m.Func("withArg", wasmtest.SigI64, nil)

	_, err := runMethod(t, sb, m, "missing", nil)
	assert.True(t, fault.Is(err, fault.CodeMethodNotFound))

	_, err = runMethod(t, sb, m, "withArg", nil)
	assert.True(t, fault.Is(err, fault.CodeMethodNotFound))
	assert.Contains(t, err.Error(), "(i64) -> ()")
}

func TestTrapAndTimeout(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	m.Memory(1)
	m.Func("trap", wasmtest.SigVoid, nil, wasmtest.Unreachable)
	m.Func("spin", wasmtest.SigVoid, nil, wasmtest.InfiniteLoop)

	_, err := runMethod(t, sb, m, "trap", nil)
	assert.True(t, fault.Is(err, fault.CodeWasmTrap))
	assert.NotContains(t, err.Error(), "\n")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	call := &Call{Module: compile(t, sb, m), Method: "spin"}
	start := time.Now()
	_, err = sb.Run(ctx, call, nil)
	assert.True(t, fault.Is(err, fault.CodeExecutionTimedOut))
	assert.Equal(t, StateTimedOut, TerminalState(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLogs(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	logUTF8 := m.Import("log_utf8", wasmtest.SigI64x2)
	logUTF16 := m.Import("log_utf16", wasmtest.SigI64x2)
	m.Memory(1)
	m.Data(0, []byte("hey"))
	m.Data(8, []byte("nul\x00tail"))
	m.Data(32, []byte{'o', 0, 'k', 0, 0, 0})
	m.Func("log", wasmtest.SigVoid, nil,
		wasmtest.U64(3), wasmtest.U64(0), wasmtest.Call(logUTF8),
		wasmtest.U64(math.MaxUint64), wasmtest.U64(8), wasmtest.Call(logUTF8),
		wasmtest.U64(math.MaxUint64), wasmtest.U64(32), wasmtest.Call(logUTF16),
	)

	out, err := runMethod(t, sb, m, "log", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"hey", "nul", "ok"}, out.Logs)
}

func TestHashFunctions(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	sha := m.Import("sha256", wasmtest.SigI64x3)
	readReg := m.Import("read_register", wasmtest.SigI64x2)
	vr := m.Import("value_return", wasmtest.SigI64x2)
	m.Memory(1)
	m.Data(0, []byte("abc"))
	m.Func("hash", wasmtest.SigVoid, nil,
		wasmtest.U64(3), wasmtest.U64(0), wasmtest.U64(1), wasmtest.Call(sha),
		wasmtest.U64(1), wasmtest.U64(64), wasmtest.Call(readReg),
		wasmtest.U64(32), wasmtest.U64(64), wasmtest.Call(vr),
	)

	out, err := runMethod(t, sb, m, "hash", nil)
	require.NoError(t, err)
	want := sha256.Sum256([]byte("abc"))
	assert.Equal(t, want[:], out.Result)
}

func TestEcrecoverRejectsShortHash(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	ecrecoverFn := m.Import("ecrecover", wasmtest.SigN(7, true))
	vr := m.Import("value_return", wasmtest.SigI64x2)
	m.Memory(1)
	m.Func("recover", wasmtest.SigVoid, nil,
		wasmtest.I32Const(0),
		wasmtest.U64(31), wasmtest.U64(100), wasmtest.U64(64), wasmtest.U64(200), wasmtest.U64(0), wasmtest.U64(0), wasmtest.U64(1),
		wasmtest.Call(ecrecoverFn), wasmtest.I64Store(0),
		wasmtest.U64(8), wasmtest.U64(0), wasmtest.Call(vr),
	)

	out, err := runMethod(t, sb, m, "recover", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(out.Result))
}

func TestUnknownImportFailsAtInstantiation(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	m.Import("no_such_function", wasmtest.SigVoid)
	m.Memory(1)
	m.Func("f", wasmtest.SigVoid, nil)

	_, err := runMethod(t, sb, m, "f", nil)
	assert.True(t, fault.Is(err, fault.CodeWasmTrap))
}

func TestCompileCache(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	m.Func("f", wasmtest.SigVoid, nil)
	code := m.Bytes()
	hash := sha256.Sum256(code)
	ctx := context.Background()

	var wg sync.WaitGroup
	mods := make([]wazero.CompiledModule, 8)
	for i := range mods {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cm, err := sb.Compile(ctx, "a.near", hash, code)
			assert.NoError(t, err)
			mods[i] = cm
		}()
	}
	wg.Wait()
	for _, cm := range mods[1:] {
		assert.Same(t, mods[0], cm)
	}
	assert.Equal(t, 1, sb.CachedModules())

	_, err := sb.Compile(ctx, "b.near", hash, code)
	require.NoError(t, err)
	assert.Equal(t, 2, sb.CachedModules())

	_, err = sb.Compile(ctx, "c.near", [32]byte{1}, []byte("not wasm"))
	assert.True(t, fault.Is(err, fault.CodeWasmTrap))
	assert.Equal(t, 2, sb.CachedModules())
}

func TestEvictedModuleRunsUntilReleased(t *testing.T) {
	ctx := context.Background()
	sb, err := New(ctx, Config{ModuleCacheSize: 1})
	require.NoError(t, err)
	defer sb.Close(ctx)

	m := wasmtest.New()
	m.Func("f", wasmtest.SigVoid, nil)
	code := m.Bytes()
	hash := sha256.Sum256(code)

	a, err := sb.Compile(ctx, "a.near", hash, code)
	require.NoError(t, err)
	b, err := sb.Compile(ctx, "b.near", hash, code)
	require.NoError(t, err)
	assert.Equal(t, 1, sb.CachedModules())
	assert.Equal(t, 2, sb.HeldModules())

	// a 已被淘汰但仍被持有
	out, err := sb.Run(ctx, &Call{Module: a, AccountID: "a.near", Method: "f"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{}, out.Result)

	sb.Release(a)
	sb.Release(b)
	assert.Equal(t, 0, sb.HeldModules())
	_, err = sb.Run(ctx, &Call{Module: a, AccountID: "a.near", Method: "f"}, nil)
	assert.Error(t, err, "released evicted module is closed")

	_, err = sb.Run(ctx, &Call{Module: b, AccountID: "b.near", Method: "f"}, nil)
	require.NoError(t, err, "cached module survives its release")

	again, err := sb.Compile(ctx, "a.near", hash, code)
	require.NoError(t, err)
	assert.NotSame(t, a, again)
	_, err = sb.Run(ctx, &Call{Module: again, AccountID: "a.near", Method: "f"}, nil)
	require.NoError(t, err)
	sb.Release(again)
}

func TestConcurrentCallsAreIsolated(t *testing.T) {
	sb := newSandbox(t)
	m := wasmtest.New()
	input := m.Import("input", wasmtest.SigI64)
	regLen := m.Import("register_len", wasmtest.SigI64RetI64)
	readReg := m.Import("read_register", wasmtest.SigI64x2)
	vr := m.Import("value_return", wasmtest.SigI64x2)
	m.Memory(1)
	m.Func("echo", wasmtest.SigVoid, nil,
		wasmtest.U64(0), wasmtest.Call(input),
		wasmtest.U64(0), wasmtest.U64(0), wasmtest.Call(readReg),
		wasmtest.U64(0), wasmtest.Call(regLen), wasmtest.U64(0), wasmtest.Call(vr),
	)
	cm := compile(t, sb, m)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			arg := []byte{byte('a' + i)}
			out, err := sb.Run(context.Background(), &Call{Module: cm, Method: "echo", Args: arg}, nil)
			if assert.NoError(t, err) {
				assert.Equal(t, arg, out.Result)
			}
		}()
	}
	wg.Wait()
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "timedOut", StateTimedOut.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.Equal(t, StateHostError, TerminalState(errors.New("io")))
}
