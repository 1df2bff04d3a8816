package types

import (
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

type KeyType uint8

const (
	KeyTypeED25519   KeyType = 0
	KeyTypeSECP256K1 KeyType = 1
)

func (k KeyType) String() string {
	switch k {
	case KeyTypeED25519:
		return "ed25519"
	case KeyTypeSECP256K1:
		return "secp256k1"
	}
	return fmt.Sprintf("keytype(%d)", uint8(k))
}

// DataLen is the raw key length for the type, or 0 when unknown.
func (k KeyType) DataLen() int {
	switch k {
	case KeyTypeED25519:
		return 32
	case KeyTypeSECP256K1:
		return 64
	}
	return 0
}

// PublicKey serializes as one key-type byte followed by the raw key.
type PublicKey struct {
	Type KeyType
	Data []byte
}

func (p PublicKey) Bytes() []byte {
	out := make([]byte, 0, 1+len(p.Data))
	out = append(out, byte(p.Type))
	return append(out, p.Data...)
}

func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	if len(b) == 0 {
		return PublicKey{}, fmt.Errorf("empty public key")
	}
	kt := KeyType(b[0])
	if kt.DataLen() == 0 {
		return PublicKey{}, fmt.Errorf("unknown key type %d", b[0])
	}
	if len(b)-1 != kt.DataLen() {
		return PublicKey{}, fmt.Errorf("%s key wants %d bytes, got %d", kt, kt.DataLen(), len(b)-1)
	}
	return PublicKey{Type: kt, Data: append([]byte(nil), b[1:]...)}, nil
}

// String renders "ed25519:<base58>".
func (p PublicKey) String() string {
	return p.Type.String() + ":" + base58.Encode(p.Data)
}

// ParsePublicKey parses the text form. A missing type prefix means ed25519.
func ParsePublicKey(s string) (PublicKey, error) {
	kt := KeyTypeED25519
	body := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		switch s[:i] {
		case "ed25519":
		case "secp256k1":
			kt = KeyTypeSECP256K1
		default:
			return PublicKey{}, fmt.Errorf("unknown key type %q", s[:i])
		}
		body = s[i+1:]
	}
	data, err := base58.Decode(body)
	if err != nil {
		return PublicKey{}, fmt.Errorf("decode public key: %w", err)
	}
	if len(data) != kt.DataLen() {
		return PublicKey{}, fmt.Errorf("%s key wants %d bytes, got %d", kt, kt.DataLen(), len(data))
	}
	return PublicKey{Type: kt, Data: data}, nil
}
