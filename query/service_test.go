package query

import (
	"context"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearview/fault"
	"nearview/filestore"
	"nearview/ingest"
	"nearview/storage"
	"nearview/types"
	"nearview/vm"
	"nearview/vm/wasmtest"
	"nearview/workers"
)

// readValueContract returns the value stored under "8charkey".
func readValueContract() []byte {
	m := wasmtest.New()
	read := m.Import("storage_read", wasmtest.SigN(3, true))
	readReg := m.Import("read_register", wasmtest.SigI64x2)
	regLen := m.Import("register_len", wasmtest.SigI64RetI64)
	vr := m.Import("value_return", wasmtest.SigI64x2)
	panicUTF8 := m.Import("panic_utf8", wasmtest.SigI64x2)
	m.Memory(1)
	m.Data(0, []byte("8charkey"))
	m.Data(16, []byte("nope"))
	m.Func("read_value", wasmtest.SigVoid, nil,
		wasmtest.U64(8), wasmtest.U64(0), wasmtest.U64(0), wasmtest.Call(read), wasmtest.Drop,
		wasmtest.U64(0), wasmtest.U64(64), wasmtest.Call(readReg),
		wasmtest.U64(0), wasmtest.Call(regLen), wasmtest.U64(64), wasmtest.Call(vr),
	)
	m.Func("fail", wasmtest.SigVoid, nil, wasmtest.U64(4), wasmtest.U64(16), wasmtest.Call(panicUTF8))
	return m.Bytes()
}

type fixture struct {
	engine  storage.Engine
	ingest  *ingest.Handler
	service *Service
	sandbox *vm.Sandbox
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	engine, err := filestore.Open(filestore.Config{Dir: t.TempDir(), MaxSubKeyLength: 256})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	sb, err := vm.New(ctx, vm.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sb.Close(ctx) })

	pool, err := workers.New(sb, engine, workers.Config{Workers: 2, Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	return &fixture{
		engine:  engine,
		ingest:  ingest.New(engine, ingest.Config{}),
		service: New(engine, sb, pool, cfg),
		sandbox: sb,
	}
}

func (f *fixture) block(t *testing.T, height uint64, changes ...types.StateChange) {
	t.Helper()
	require.NoError(t, f.ingest.HandleBlock(context.Background(), &ingest.Block{
		Height:    height,
		Timestamp: height * 1000,
		Shards:    []ingest.ShardChanges{{Changes: changes}},
	}))
}

func ptr(h uint64) *uint64 { return &h }

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	code := readValueContract()
	acct := &types.Account{
		Amount:       uint256.NewInt(1_000_000),
		Locked:       uint256.NewInt(5),
		CodeHash:     storage.HashBlob(code),
		StorageUsage: 182,
	}
	f.block(t, 1,
		types.StateChange{Type: types.ChangeAccountUpdate, AccountID: "test.near", Account: acct},
		types.StateChange{Type: types.ChangeContractCodeUpdate, AccountID: "test.near", Code: code},
		types.StateChange{Type: types.ChangeDataUpdate, AccountID: "test.near", Key: []byte("8charkey"), Value: []byte("test-value")},
	)

	res, err := f.service.RunContract(ctx, "test.near", "read_value", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "test-value", string(res.Result))
	assert.Equal(t, uint64(1), res.BlockHeight)
	assert.Equal(t, []string{}, res.Logs)

	view, err := f.service.ViewAccount(ctx, "test.near", nil)
	require.NoError(t, err)
	assert.Equal(t, acct.View(1), *view)

	cv, err := f.service.ViewCode(ctx, "test.near", ptr(1))
	require.NoError(t, err)
	assert.Equal(t, code, cv.Code)

	_, err = f.service.RunContract(ctx, "test.near", "fail", nil, nil)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodePanic, fe.Code)
	assert.Equal(t, "nope", fe.Message)

	calls, failures := f.service.Stats().CallCounts()
	assert.Equal(t, uint64(2), calls["RunContract"])
	assert.Equal(t, uint64(1), failures["RunContract"])
	assert.Equal(t, 0, f.sandbox.HeldModules())
}

func TestDeletionThenRequery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.block(t, 1, types.StateChange{Type: types.ChangeAccountUpdate, AccountID: "gone.near",
		Account: &types.Account{Amount: uint256.NewInt(1), Locked: new(uint256.Int)}})
	f.block(t, 2, types.StateChange{Type: types.ChangeAccountDeletion, AccountID: "gone.near"})

	_, err := f.service.ViewAccount(ctx, "gone.near", ptr(2))
	assert.True(t, fault.Is(err, fault.CodeAccountNotFound))
	_, err = f.service.ViewAccount(ctx, "gone.near", nil)
	assert.True(t, fault.Is(err, fault.CodeAccountNotFound))

	view, err := f.service.ViewAccount(ctx, "gone.near", ptr(1))
	require.NoError(t, err)
	assert.Equal(t, "1", view.Amount)
	assert.Equal(t, uint64(1), view.BlockHeight)
}

func TestHeightValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MinBlockHeight: 5})

	_, err := f.service.ViewAccount(ctx, "a.near", nil)
	assert.True(t, fault.Is(err, fault.CodeBlockHeightTooHigh))

	f.block(t, 10, types.StateChange{Type: types.ChangeAccountUpdate, AccountID: "a.near",
		Account: &types.Account{Amount: uint256.NewInt(1), Locked: new(uint256.Int)}})

	_, err = f.service.ViewAccount(ctx, "a.near", ptr(4))
	assert.True(t, fault.Is(err, fault.CodeBlockHeightTooLow))
	_, err = f.service.ViewAccount(ctx, "a.near", ptr(11))
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fault.CodeBlockHeightTooHigh, fe.Code)
	assert.Equal(t, uint64(10), fe.Data["latest"])

	h, err := f.service.ResolveHeight(ctx, ptr(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), h)
	h, err = f.service.ResolveHeight(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), h)
}

func TestCodeNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	f.block(t, 1, types.StateChange{Type: types.ChangeAccountUpdate, AccountID: "plain.near",
		Account: &types.Account{Amount: uint256.NewInt(1), Locked: new(uint256.Int)}})

	_, err := f.service.RunContract(ctx, "plain.near", "anything", nil, nil)
	assert.True(t, fault.Is(err, fault.CodeCodeNotFound))
	_, err = f.service.ViewCode(ctx, "plain.near", nil)
	assert.True(t, fault.Is(err, fault.CodeCodeNotFound))
	_, err = f.service.RunContract(ctx, "nobody.near", "anything", nil, nil)
	assert.True(t, fault.Is(err, fault.CodeAccountNotFound))
}

func TestViewAccessKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	pk := types.PublicKey{Type: types.KeyTypeED25519, Data: make([]byte, 32)}
	pk.Data[0] = 9
	f.block(t, 3, types.StateChange{
		Type:      types.ChangeAccessKeyUpdate,
		AccountID: "keys.near",
		PublicKey: pk.Bytes(),
		AccessKey: &types.AccessKey{Nonce: 12, Permission: types.FunctionCallPermission{
			Allowance:   uint256.NewInt(250),
			ReceiverID:  "app.near",
			MethodNames: []string{"vote"},
		}},
	})

	view, err := f.service.ViewAccessKey(ctx, "keys.near", pk, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), view.Nonce)
	assert.Equal(t, "FunctionCall", view.Permission)
	require.NotNil(t, view.FunctionCall)
	assert.Equal(t, "250", *view.FunctionCall.Allowance)
	assert.Equal(t, []string{"vote"}, view.FunctionCall.MethodNames)

	other := types.PublicKey{Type: types.KeyTypeED25519, Data: make([]byte, 32)}
	_, err = f.service.ViewAccessKey(ctx, "keys.near", other, nil)
	assert.True(t, fault.Is(err, fault.CodeAccessKeyNotFound))
}

func TestScanDataKeys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{ScanLimit: 2})
	f.block(t, 1,
		types.StateChange{Type: types.ChangeDataUpdate, AccountID: "s.near", Key: []byte("a1"), Value: []byte("1")},
		types.StateChange{Type: types.ChangeDataUpdate, AccountID: "s.near", Key: []byte("a2"), Value: []byte("2")},
		types.StateChange{Type: types.ChangeDataUpdate, AccountID: "s.near", Key: []byte("a3"), Value: []byte("3")},
		types.StateChange{Type: types.ChangeDataUpdate, AccountID: "s.near", Key: []byte("b1"), Value: []byte("4")},
	)

	page, err := f.service.ScanDataKeys(ctx, "s.near", "a*", nil, 100, nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "a1", string(page.Items[0].Key))
	require.NotNil(t, page.Cursor)

	page, err = f.service.ScanDataKeys(ctx, "s.near", "a*", page.Cursor, 0, nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "a3", string(page.Items[0].Key))
	assert.Nil(t, page.Cursor)

	page, err = f.service.ScanDataKeys(ctx, "empty.near", "*", nil, 10, nil)
	require.NoError(t, err)
	assert.NotNil(t, page.Items)
	assert.Empty(t, page.Items)
}

func TestRunContractWithoutExecutor(t *testing.T) {
	s := New(nil, nil, nil, Config{})
	_, err := s.RunContract(context.Background(), "a", "b", nil, nil)
	assert.True(t, fault.Is(err, fault.CodeHostError))
}
