package vm

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/holiman/uint256"
	"github.com/tetratelabs/wazero/api"

	"nearview/fault"
)

// absentRegister is what register_len reports for an unset register.
const absentRegister = math.MaxUint64

// callState 是单次调用的执行上下文，随 context 传给 host 函数。
type callState struct {
	call   *Call
	reader StorageReader

	state     State
	registers map[uint64][]byte
	logs      []string
	result    []byte
	fault     *fault.Error
}

func newCallState(call *Call, reader StorageReader) *callState {
	return &callState{
		call:      call,
		reader:    reader,
		state:     StateCreated,
		registers: make(map[uint64][]byte, 16),
	}
}

type callStateKey struct{}

func withCallState(ctx context.Context, st *callState) context.Context {
	return context.WithValue(ctx, callStateKey{}, st)
}

func stateFrom(ctx context.Context) *callState {
	st, _ := ctx.Value(callStateKey{}).(*callState)
	if st == nil {
		panic(fault.New(fault.CodeHostError, "host function called outside a contract call"))
	}
	return st
}

// raise records err as the call's fault and unwinds the guest.
func (st *callState) raise(err *fault.Error) {
	if st.fault == nil {
		st.fault = err
	}
	panic(err)
}

func (st *callState) setRegister(reg uint64, data []byte) {
	st.registers[reg] = append(make([]byte, 0, len(data)), data...)
}

func (st *callState) memory(m api.Module) api.Memory {
	mem := m.Memory()
	if mem == nil {
		st.raise(fault.New(fault.CodeMemoryAccessViolation, "contract exports no memory"))
	}
	return mem
}

// read copies guest memory [ptr, ptr+n).
func (st *callState) read(m api.Module, ptr, n uint64) []byte {
	mem := st.memory(m)
	if ptr > math.MaxUint32 || n > math.MaxUint32 {
		st.raise(fault.Newf(fault.CodeMemoryAccessViolation, "read of %d bytes at %d out of range", n, ptr))
	}
	buf, ok := mem.Read(uint32(ptr), uint32(n))
	if !ok {
		st.raise(fault.Newf(fault.CodeMemoryAccessViolation, "read of %d bytes at %d exceeds memory size %d", n, ptr, mem.Size()))
	}
	return append(make([]byte, 0, len(buf)), buf...)
}

func (st *callState) write(m api.Module, ptr uint64, data []byte) {
	mem := st.memory(m)
	if ptr > math.MaxUint32 || !mem.Write(uint32(ptr), data) {
		st.raise(fault.Newf(fault.CodeMemoryAccessViolation, "write of %d bytes at %d exceeds memory size %d", len(data), ptr, mem.Size()))
	}
}

func (st *callState) readU32(m api.Module, ptr uint64) uint32 {
	return binary.LittleEndian.Uint32(st.read(m, ptr, 4))
}

// readUntilNul reads elemSize-wide elements from ptr up to (not including) the
// first all-zero element.
func (st *callState) readUntilNul(m api.Module, ptr uint64, elemSize int) []byte {
	size := uint64(st.memory(m).Size())
	if ptr > size {
		st.raise(fault.Newf(fault.CodeMemoryAccessViolation, "string at %d out of range", ptr))
	}
	buf := st.read(m, ptr, size-ptr)
	for i := 0; i+elemSize <= len(buf); i += elemSize {
		zero := true
		for _, b := range buf[i : i+elemSize] {
			if b != 0 {
				zero = false
				break
			}
		}
		if zero {
			return buf[:i]
		}
	}
	st.raise(fault.Newf(fault.CodeMemoryAccessViolation, "unterminated string at %d", ptr))
	return nil
}

// u128LE encodes v as 16 little-endian bytes.
func (st *callState) u128LE(v *uint256.Int) []byte {
	out := make([]byte, 16)
	if v == nil {
		return out
	}
	if v.BitLen() > 128 {
		st.raise(fault.New(fault.CodeHostError, "balance exceeds 128 bits"))
	}
	be := v.Bytes32()
	for i := 0; i < 16; i++ {
		out[i] = be[31-i]
	}
	return out
}
