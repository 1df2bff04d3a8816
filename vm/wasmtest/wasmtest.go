// Package wasmtest assembles small WebAssembly modules for tests. It knows
// just enough of the binary format to declare host imports, functions with
// hand-written bodies, one memory and active data segments.
package wasmtest

import (
	"google.golang.org/protobuf/encoding/protowire"
)

type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

// Sig is a function signature.
type Sig struct {
	Params  []ValType
	Results []ValType
}

func (s Sig) encode() []byte {
	out := []byte{0x60}
	out = appendVec(out, len(s.Params))
	for _, p := range s.Params {
		out = append(out, byte(p))
	}
	out = appendVec(out, len(s.Results))
	for _, r := range s.Results {
		out = append(out, byte(r))
	}
	return out
}

type importFn struct {
	module, name string
	typeIdx      uint32
}

type function struct {
	export  string
	typeIdx uint32
	locals  []ValType
	body    []byte
}

type dataSeg struct {
	offset uint32
	data   []byte
}

// Module is a module under construction. Declare every import before the
// first function.
type Module struct {
	types    [][]byte
	imports  []importFn
	funcs    []function
	memPages uint32
	hasMem   bool
	data     []dataSeg
}

func New() *Module { return &Module{} }

func (m *Module) typeIndex(s Sig) uint32 {
	enc := s.encode()
	for i, t := range m.types {
		if string(t) == string(enc) {
			return uint32(i)
		}
	}
	m.types = append(m.types, enc)
	return uint32(len(m.types) - 1)
}

// Import declares a function imported from module "env" and returns its
// function index.
func (m *Module) Import(name string, sig Sig) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	m.imports = append(m.imports, importFn{module: "env", name: name, typeIdx: m.typeIndex(sig)})
	return uint32(len(m.imports) - 1)
}

// Func adds a function. export may be empty. body is the instruction
// sequence without the trailing end opcode.
func (m *Module) Func(export string, sig Sig, locals []ValType, body ...[]byte) uint32 {
	var code []byte
	for _, b := range body {
		code = append(code, b...)
	}
	m.funcs = append(m.funcs, function{export: export, typeIdx: m.typeIndex(sig), locals: locals, body: code})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Memory declares an exported memory named "memory".
func (m *Module) Memory(pages uint32) {
	m.memPages, m.hasMem = pages, true
}

// Data places bytes at offset in memory 0.
func (m *Module) Data(offset uint32, data []byte) {
	m.data = append(m.data, dataSeg{offset: offset, data: data})
}

// Bytes returns the encoded module.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

	if len(m.types) > 0 {
		var sec []byte
		sec = appendVec(sec, len(m.types))
		for _, t := range m.types {
			sec = append(sec, t...)
		}
		out = appendSection(out, 1, sec)
	}
	if len(m.imports) > 0 {
		var sec []byte
		sec = appendVec(sec, len(m.imports))
		for _, im := range m.imports {
			sec = appendName(sec, im.module)
			sec = appendName(sec, im.name)
			sec = append(sec, 0x00)
			sec = protowire.AppendVarint(sec, uint64(im.typeIdx))
		}
		out = appendSection(out, 2, sec)
	}
	if len(m.funcs) > 0 {
		var sec []byte
		sec = appendVec(sec, len(m.funcs))
		for _, f := range m.funcs {
			sec = protowire.AppendVarint(sec, uint64(f.typeIdx))
		}
		out = appendSection(out, 3, sec)
	}
	if m.hasMem {
		sec := appendVec(nil, 1)
		sec = append(sec, 0x00)
		sec = protowire.AppendVarint(sec, uint64(m.memPages))
		out = appendSection(out, 5, sec)
	}

	var exports []byte
	n := 0
	if m.hasMem {
		exports = appendName(exports, "memory")
		exports = append(exports, 0x02, 0x00)
		n++
	}
	for i, f := range m.funcs {
		if f.export == "" {
			continue
		}
		exports = appendName(exports, f.export)
		exports = append(exports, 0x00)
		exports = protowire.AppendVarint(exports, uint64(len(m.imports)+i))
		n++
	}
	if n > 0 {
		out = appendSection(out, 7, append(appendVec(nil, n), exports...))
	}

	if len(m.funcs) > 0 {
		var sec []byte
		sec = appendVec(sec, len(m.funcs))
		for _, f := range m.funcs {
			var body []byte
			body = appendVec(body, len(f.locals))
			for _, l := range f.locals {
				body = append(body, 0x01, byte(l))
			}
			body = append(body, f.body...)
			body = append(body, 0x0b)
			sec = appendVec(sec, len(body))
			sec = append(sec, body...)
		}
		out = appendSection(out, 10, sec)
	}
	if len(m.data) > 0 {
		var sec []byte
		sec = appendVec(sec, len(m.data))
		for _, d := range m.data {
			sec = append(sec, 0x00)
			sec = append(sec, I32Const(int32(d.offset))...)
			sec = append(sec, 0x0b)
			sec = appendVec(sec, len(d.data))
			sec = append(sec, d.data...)
		}
		out = appendSection(out, 11, sec)
	}
	return out
}

func appendVec(b []byte, n int) []byte {
	return protowire.AppendVarint(b, uint64(n))
}

func appendName(b []byte, s string) []byte {
	b = appendVec(b, len(s))
	return append(b, s...)
}

func appendSection(b []byte, id byte, payload []byte) []byte {
	b = append(b, id)
	b = appendVec(b, len(payload))
	return append(b, payload...)
}

func appendSLEB(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// ====== 指令 ======

func I32Const(v int32) []byte { return appendSLEB([]byte{0x41}, int64(v)) }
func I64Const(v int64) []byte { return appendSLEB([]byte{0x42}, v) }
func Call(fn uint32) []byte   { return protowire.AppendVarint([]byte{0x10}, uint64(fn)) }
func LocalGet(i uint32) []byte {
	return protowire.AppendVarint([]byte{0x20}, uint64(i))
}
func LocalSet(i uint32) []byte {
	return protowire.AppendVarint([]byte{0x21}, uint64(i))
}

// I64Store pops an i64 value and an i32 address and stores the value at
// address+offset.
func I64Store(offset uint32) []byte {
	return protowire.AppendVarint([]byte{0x37, 0x03}, uint64(offset))
}

var (
	Drop        = []byte{0x1a}
	Unreachable = []byte{0x00}
	// InfiniteLoop is `loop br 0 end`.
	InfiniteLoop = []byte{0x03, 0x40, 0x0c, 0x00, 0x0b}
)

// U64 is an unsigned convenience wrapper around I64Const.
func U64(v uint64) []byte { return I64Const(int64(v)) }

// Sigs for the common host imports.
var (
	SigVoid      = Sig{}
	SigI64       = Sig{Params: []ValType{I64}}
	SigI64x2     = Sig{Params: []ValType{I64, I64}}
	SigI64x3     = Sig{Params: []ValType{I64, I64, I64}}
	SigRetI64    = Sig{Results: []ValType{I64}}
	SigI64RetI64 = Sig{Params: []ValType{I64}, Results: []ValType{I64}}
)

// SigN returns a signature of n i64 params and optionally one i64 result.
func SigN(n int, result bool) Sig {
	s := Sig{Params: make([]ValType, n)}
	for i := range s.Params {
		s.Params[i] = I64
	}
	if result {
		s.Results = []ValType{I64}
	}
	return s
}
