package types

import (
	"fmt"

	"github.com/holiman/uint256"

	"nearview/codec"
	"nearview/fault"
)

// Permission is either FunctionCallPermission or FullAccessPermission.
type Permission interface {
	permissionTag() uint8
}

type FunctionCallPermission struct {
	Allowance   *uint256.Int // nil = unlimited
	ReceiverID  string
	MethodNames []string
}

type FullAccessPermission struct{}

func (FunctionCallPermission) permissionTag() uint8 { return 0 }
func (FullAccessPermission) permissionTag() uint8   { return 1 }

type AccessKey struct {
	Nonce      uint64
	Permission Permission
}

func (k *AccessKey) Marshal() ([]byte, error) {
	w := codec.NewWriter(32)
	w.PutU64(k.Nonce)
	switch p := k.Permission.(type) {
	case FunctionCallPermission:
		if err := writeFunctionCall(w, &p); err != nil {
			return nil, err
		}
	case *FunctionCallPermission:
		if err := writeFunctionCall(w, p); err != nil {
			return nil, err
		}
	case FullAccessPermission, *FullAccessPermission:
		w.PutU8(1)
	default:
		return nil, fault.Newf(fault.CodeUnexpectedPermissionType, "%T", k.Permission)
	}
	return w.Bytes(), nil
}

func writeFunctionCall(w *codec.Writer, p *FunctionCallPermission) error {
	w.PutU8(0)
	if p.Allowance == nil {
		w.PutU8(0)
	} else {
		w.PutU8(1)
		if err := w.PutU128(p.Allowance.ToBig()); err != nil {
			return fmt.Errorf("allowance: %w", err)
		}
	}
	w.PutString(p.ReceiverID)
	w.PutVarint(uint64(len(p.MethodNames)))
	for _, m := range p.MethodNames {
		w.PutString(m)
	}
	return nil
}

func UnmarshalAccessKey(b []byte) (*AccessKey, error) {
	r := codec.NewReader(b)
	nonce, err := r.U64()
	if err != nil {
		return nil, err
	}
	tag, err := r.U8()
	if err != nil {
		return nil, err
	}
	k := &AccessKey{Nonce: nonce}
	switch tag {
	case 0:
		p, err := readFunctionCall(r)
		if err != nil {
			return nil, err
		}
		k.Permission = p
	case 1:
		k.Permission = FullAccessPermission{}
	default:
		return nil, fault.Newf(fault.CodeUnexpectedPermissionType, "permission tag %d", tag)
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return k, nil
}

func readFunctionCall(r *codec.Reader) (FunctionCallPermission, error) {
	var p FunctionCallPermission
	present, err := r.U8()
	if err != nil {
		return p, err
	}
	switch present {
	case 0:
	case 1:
		v, err := r.U128()
		if err != nil {
			return p, err
		}
		p.Allowance, _ = uint256.FromBig(v)
	default:
		return p, fault.Newf(fault.CodeUnexpectedPermissionType, "allowance option tag %d", present)
	}
	if p.ReceiverID, err = r.ReadString(); err != nil {
		return p, err
	}
	n, err := r.Varint()
	if err != nil {
		return p, err
	}
	if n > uint64(r.Remaining()) {
		return p, fmt.Errorf("%w: method name count %d", codec.ErrDecode, n)
	}
	p.MethodNames = make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		m, err := r.ReadString()
		if err != nil {
			return p, err
		}
		p.MethodNames = append(p.MethodNames, m)
	}
	return p, nil
}

// AccessKeyView is the JSON shape returned by viewAccessKey.
type AccessKeyView struct {
	Nonce        uint64            `json:"nonce"`
	Permission   string            `json:"permission"` // "FullAccess" | "FunctionCall"
	FunctionCall *FunctionCallView `json:"function_call,omitempty"`
	BlockHeight  uint64            `json:"block_height"`
}

type FunctionCallView struct {
	Allowance   *string  `json:"allowance"`
	ReceiverID  string   `json:"receiver_id"`
	MethodNames []string `json:"method_names"`
}

func (k *AccessKey) View(height uint64) (AccessKeyView, error) {
	v := AccessKeyView{Nonce: k.Nonce, BlockHeight: height}
	switch p := k.Permission.(type) {
	case FullAccessPermission, *FullAccessPermission:
		v.Permission = "FullAccess"
	case FunctionCallPermission:
		v.Permission = "FunctionCall"
		v.FunctionCall = functionCallView(&p)
	case *FunctionCallPermission:
		v.Permission = "FunctionCall"
		v.FunctionCall = functionCallView(p)
	default:
		return v, fault.Newf(fault.CodeUnexpectedPermissionType, "%T", k.Permission)
	}
	return v, nil
}

func functionCallView(p *FunctionCallPermission) *FunctionCallView {
	fc := &FunctionCallView{ReceiverID: p.ReceiverID, MethodNames: p.MethodNames}
	if fc.MethodNames == nil {
		fc.MethodNames = []string{}
	}
	if p.Allowance != nil {
		s := p.Allowance.Dec()
		fc.Allowance = &s
	}
	return fc
}
