package vm

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck
	"golang.org/x/crypto/sha3"

	"nearview/fault"
)

const hostModule = "env"

// stub 描述一个不支持的 host 函数：名字、i64 参数个数、是否返回 i64
type stub struct {
	name   string
	params int
	result bool
}

var prohibitedInView = []stub{
	{"signer_account_id", 1, false},
	{"signer_account_pk", 1, false},
	{"predecessor_account_id", 1, false},
	{"attached_deposit", 1, false},
	{"prepaid_gas", 0, true},
	{"used_gas", 0, true},
	{"random_seed", 1, false},
	{"validator_stake", 3, false},
	{"validator_total_stake", 1, false},

	{"storage_write", 5, true},
	{"storage_remove", 3, true},
	{"storage_iter_prefix", 2, true},
	{"storage_iter_range", 4, true},
	{"storage_iter_next", 3, true},

	{"promise_create", 8, true},
	{"promise_then", 9, true},
	{"promise_and", 2, true},
	{"promise_batch_create", 2, true},
	{"promise_batch_then", 3, true},
	{"promise_batch_action_create_account", 1, false},
	{"promise_batch_action_deploy_contract", 3, false},
	{"promise_batch_action_function_call", 7, false},
	{"promise_batch_action_transfer", 2, false},
	{"promise_batch_action_stake", 4, false},
	{"promise_batch_action_add_key_with_full_access", 4, false},
	{"promise_batch_action_add_key_with_function_call", 9, false},
	{"promise_batch_action_delete_key", 3, false},
	{"promise_batch_action_delete_account", 3, false},
	{"promise_results_count", 0, true},
	{"promise_result", 2, true},
	{"promise_return", 1, false},
}

var notImplemented = []stub{
	{"epoch_height", 0, true},
	{"alt_bn128_g1_multiexp", 3, false},
	{"alt_bn128_g1_sum", 3, false},
	{"alt_bn128_pairing_check", 2, true},
	{"bls12381_p1_sum", 3, true},
	{"bls12381_p2_sum", 3, true},
	{"bls12381_g1_multiexp", 3, true},
	{"bls12381_g2_multiexp", 3, true},
	{"bls12381_map_fp_to_g1", 3, true},
	{"bls12381_map_fp2_to_g2", 3, true},
	{"bls12381_pairing_check", 2, true},
	{"bls12381_p1_decompress", 3, true},
	{"bls12381_p2_decompress", 3, true},
}

func instantiateHost(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder(hostModule)

	export := func(name string, fn any) {
		b.NewFunctionBuilder().WithFunc(fn).Export(name)
	}

	// ---- registers ----
	export("read_register", func(ctx context.Context, m api.Module, reg, ptr uint64) {
		st := stateFrom(ctx)
		if data, ok := st.registers[reg]; ok {
			st.write(m, ptr, data)
		}
	})
	export("register_len", func(ctx context.Context, reg uint64) uint64 {
		data, ok := stateFrom(ctx).registers[reg]
		if !ok {
			return absentRegister
		}
		return uint64(len(data))
	})
	export("write_register", func(ctx context.Context, m api.Module, reg, n, ptr uint64) {
		st := stateFrom(ctx)
		st.setRegister(reg, st.read(m, ptr, n))
	})

	// ---- context ----
	export("current_account_id", func(ctx context.Context, reg uint64) {
		st := stateFrom(ctx)
		st.setRegister(reg, []byte(st.call.AccountID))
	})
	export("input", func(ctx context.Context, reg uint64) {
		st := stateFrom(ctx)
		st.setRegister(reg, st.call.Args)
	})
	export("block_index", func(ctx context.Context) uint64 {
		return stateFrom(ctx).call.BlockHeight
	})
	export("block_timestamp", func(ctx context.Context) uint64 {
		return stateFrom(ctx).call.BlockTimestamp
	})
	export("storage_usage", func(ctx context.Context) uint64 {
		return stateFrom(ctx).call.StorageUsage
	})
	export("account_balance", func(ctx context.Context, m api.Module, ptr uint64) {
		st := stateFrom(ctx)
		st.write(m, ptr, st.u128LE(st.call.Balance))
	})
	export("account_locked_balance", func(ctx context.Context, m api.Module, ptr uint64) {
		st := stateFrom(ctx)
		st.write(m, ptr, st.u128LE(st.call.Locked))
	})

	// ---- math ----
	hashFn := func(sum func([]byte) []byte) func(context.Context, api.Module, uint64, uint64, uint64) {
		return func(ctx context.Context, m api.Module, n, ptr, reg uint64) {
			st := stateFrom(ctx)
			st.setRegister(reg, sum(st.read(m, ptr, n)))
		}
	}
	export("sha256", hashFn(func(b []byte) []byte {
		h := sha256.Sum256(b)
		return h[:]
	}))
	export("keccak256", hashFn(func(b []byte) []byte {
		h := sha3.NewLegacyKeccak256()
		h.Write(b)
		return h.Sum(nil)
	}))
	export("keccak512", hashFn(func(b []byte) []byte {
		h := sha3.NewLegacyKeccak512()
		h.Write(b)
		return h.Sum(nil)
	}))
	export("ripemd160", hashFn(func(b []byte) []byte {
		h := ripemd160.New()
		h.Write(b)
		return h.Sum(nil)
	}))
	export("ecrecover", func(ctx context.Context, m api.Module, hashLen, hashPtr, sigLen, sigPtr, v, malleability, reg uint64) uint64 {
		st := stateFrom(ctx)
		if hashLen != 32 || sigLen != 64 {
			return 0
		}
		pub, ok := ecrecover(st.read(m, hashPtr, hashLen), st.read(m, sigPtr, sigLen), v, malleability != 0)
		if !ok {
			return 0
		}
		st.setRegister(reg, pub)
		return 1
	})
	export("ed25519_verify", func(ctx context.Context, m api.Module, sigLen, sigPtr, msgLen, msgPtr, pkLen, pkPtr uint64) uint64 {
		st := stateFrom(ctx)
		if sigLen != 64 || pkLen != 32 {
			return 0
		}
		if ed25519Verify(st.read(m, pkPtr, pkLen), st.read(m, msgPtr, msgLen), st.read(m, sigPtr, sigLen)) {
			return 1
		}
		return 0
	})

	// ---- termination and output ----
	export("value_return", func(ctx context.Context, m api.Module, n, ptr uint64) {
		st := stateFrom(ctx)
		st.result = st.read(m, ptr, n)
	})
	export("panic", func(ctx context.Context) {
		stateFrom(ctx).raise(fault.New(fault.CodePanic, "explicit guest panic"))
	})
	export("panic_utf8", func(ctx context.Context, m api.Module, n, ptr uint64) {
		st := stateFrom(ctx)
		st.raise(fault.New(fault.CodePanic, decodeUTF8(st.read(m, ptr, n))))
	})
	export("abort", func(ctx context.Context, m api.Module, msgPtr, filePtr, line, col uint32) {
		st := stateFrom(ctx)
		msg := st.abortString(m, msgPtr)
		file := st.abortString(m, filePtr)
		st.raise(fault.Newf(fault.CodeAbort, "%s, filename: %q line: %d col: %d", msg, file, line, col).
			With("filename", file).
			With("line", line).
			With("col", col))
	})
	export("log_utf8", func(ctx context.Context, m api.Module, n, ptr uint64) {
		st := stateFrom(ctx)
		var raw []byte
		if n == absentRegister {
			raw = st.readUntilNul(m, ptr, 1)
		} else {
			raw = st.read(m, ptr, n)
		}
		st.logs = append(st.logs, decodeUTF8(raw))
	})
	export("log_utf16", func(ctx context.Context, m api.Module, n, ptr uint64) {
		st := stateFrom(ctx)
		var raw []byte
		if n == absentRegister {
			raw = st.readUntilNul(m, ptr, 2)
		} else {
			raw = st.read(m, ptr, n)
		}
		st.logs = append(st.logs, decodeUTF16(raw))
	})

	// ---- storage ----
	export("storage_read", func(ctx context.Context, m api.Module, keyLen, keyPtr, reg uint64) uint64 {
		st := stateFrom(ctx)
		v := st.storageRead(ctx, st.read(m, keyPtr, keyLen))
		if v == nil {
			return 0
		}
		st.setRegister(reg, v)
		return 1
	})
	export("storage_has_key", func(ctx context.Context, m api.Module, keyLen, keyPtr uint64) uint64 {
		st := stateFrom(ctx)
		if st.storageRead(ctx, st.read(m, keyPtr, keyLen)) == nil {
			return 0
		}
		return 1
	})

	// gas 计量在只读调用里是空操作
	export("gas", func(uint32) {})

	exportStub := func(sig stub, code fault.Code, format string) {
		params := make([]api.ValueType, sig.params)
		for i := range params {
			params[i] = api.ValueTypeI64
		}
		var results []api.ValueType
		if sig.result {
			results = []api.ValueType{api.ValueTypeI64}
		}
		msg := fmt.Sprintf(format, sig.name)
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, _ api.Module, _ []uint64) {
				stateFrom(ctx).raise(fault.New(code, msg))
			}), params, results).
			Export(sig.name)
	}
	for _, sig := range prohibitedInView {
		exportStub(sig, fault.CodeProhibitedInView, "%s is not allowed in view calls")
	}
	for _, sig := range notImplemented {
		exportStub(sig, fault.CodeNotImplemented, "%s is not implemented")
	}

	_, err := b.Instantiate(ctx)
	return err
}

func (st *callState) storageRead(ctx context.Context, key []byte) []byte {
	if st.reader == nil {
		st.raise(fault.New(fault.CodeStorageError, "no storage attached to this call"))
	}
	v, err := st.reader.Read(ctx, key)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			st.raise(fe)
		}
		st.raise(fault.Newf(fault.CodeStorageError, "storage_read: %v", err))
	}
	return v
}

// abortString decodes an AssemblyScript string: UTF-16LE data at ptr with
// its byte length stored in the four bytes before it.
func (st *callState) abortString(m api.Module, ptr uint32) string {
	if ptr < 4 {
		st.raise(fault.Newf(fault.CodeMemoryAccessViolation, "abort string pointer %d below length prefix", ptr))
	}
	n := st.readU32(m, uint64(ptr)-4)
	return decodeUTF16(st.read(m, uint64(ptr), uint64(n)))
}

func decodeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

func decodeUTF16(b []byte) string {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}
	return string(utf16.Decode(u))
}
