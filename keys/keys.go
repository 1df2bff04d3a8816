// 统一的 Key 定义包，供存储后端、入库和查询共同使用
package keys

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Scope 标识一个版本化条目所属的命名空间
type Scope byte

const (
	ScopeAccount   Scope = 'a'
	ScopeData      Scope = 'd'
	ScopeAccessKey Scope = 'k'
	ScopeCode      Scope = 'c'
)

// Separator 位于 accountId 与 subKey 之间
const Separator = ':'

// DefaultMaxSubKeyLength 超过（含）该长度的 subKey 会被截断为 prefix+sha256
const DefaultMaxSubKeyLength = 256

// HashLen is the length of the sha256 suffix of a truncated subKey.
const HashLen = sha256.Size

var ErrMalformedKey = errors.New("keys: malformed composite key")

func (s Scope) Valid() bool {
	switch s {
	case ScopeAccount, ScopeData, ScopeAccessKey, ScopeCode:
		return true
	}
	return false
}

func (s Scope) String() string {
	switch s {
	case ScopeAccount:
		return "account"
	case ScopeData:
		return "data"
	case ScopeAccessKey:
		return "access_key"
	case ScopeCode:
		return "code"
	}
	return fmt.Sprintf("scope(%q)", byte(s))
}

// ParseScope accepts either the long name ("data") or the tag ("d").
func ParseScope(s string) (Scope, error) {
	switch s {
	case "account", "a":
		return ScopeAccount, nil
	case "data", "d":
		return ScopeData, nil
	case "access_key", "k":
		return ScopeAccessKey, nil
	case "code", "c":
		return ScopeCode, nil
	}
	return 0, fmt.Errorf("unknown scope %q", s)
}

// ===================== 复合键 =====================

// Composite 构造复合键
// 例：d + "test.near" + ':' + subKey
func Composite(scope Scope, account string, subKey []byte) []byte {
	n := 1 + len(account)
	if subKey != nil {
		n += 1 + len(subKey)
	}
	out := make([]byte, 0, n)
	out = append(out, byte(scope))
	out = append(out, account...)
	if subKey != nil {
		out = append(out, Separator)
		out = append(out, subKey...)
	}
	return out
}

// AccountKey / CodeKey 没有 subKey
func AccountKey(account string) []byte { return Composite(ScopeAccount, account, nil) }
func CodeKey(account string) []byte    { return Composite(ScopeCode, account, nil) }

func DataKey(account string, subKey []byte) []byte {
	return Composite(ScopeData, account, nonNil(subKey))
}

func AccessKeyKey(account string, publicKey []byte) []byte {
	return Composite(ScopeAccessKey, account, nonNil(publicKey))
}

// DataPrefix 某账户所有 data 条目的公共前缀
func DataPrefix(account string) []byte {
	return Composite(ScopeData, account, []byte{})
}

// Parsed is the decomposed form of a composite key. HasSubKey separates an
// empty subKey from a missing one.
type Parsed struct {
	Scope     Scope
	Account   string
	SubKey    []byte
	HasSubKey bool
}

// Split 把复合键拆回 (scope, account, subKey)。账户名不含 ':'，因此以第一个分隔符为界。
func Split(key []byte) (Parsed, error) {
	if len(key) < 2 || !Scope(key[0]).Valid() {
		return Parsed{}, ErrMalformedKey
	}
	p := Parsed{Scope: Scope(key[0])}
	rest := key[1:]
	if i := bytes.IndexByte(rest, Separator); i >= 0 {
		p.Account = string(rest[:i])
		p.SubKey = rest[i+1:]
		p.HasSubKey = true
	} else {
		p.Account = string(rest)
	}
	if p.Account == "" {
		return Parsed{}, ErrMalformedKey
	}
	return p, nil
}

// ===================== 超长 subKey =====================

// Truncate 返回实际落盘的 subKey。len(subKey) >= maxLen 时保存为
// subKey[:maxLen-32] ‖ sha256(subKey)，长度恰好为 maxLen。
func Truncate(subKey []byte, maxLen int) (stored []byte, digest [32]byte, truncated bool) {
	if maxLen <= HashLen || len(subKey) < maxLen {
		return subKey, digest, false
	}
	digest = sha256.Sum256(subKey)
	stored = make([]byte, 0, maxLen)
	stored = append(stored, subKey[:maxLen-HashLen]...)
	stored = append(stored, digest[:]...)
	return stored, digest, true
}

// IsTruncated reports whether a stored subKey is a truncated form; the hash
// suffix then addresses the original in the blob store.
func IsTruncated(stored []byte, maxLen int) bool {
	return maxLen > HashLen && len(stored) == maxLen
}

// TruncatedDigest returns the blob hash embedded in a truncated subKey.
func TruncatedDigest(stored []byte) (digest [32]byte) {
	copy(digest[:], stored[len(stored)-HashLen:])
	return digest
}

// Normalize 把查询方给出的复合键改写为落盘形式（截断超长 subKey）。
func Normalize(key []byte, maxLen int) []byte {
	p, err := Split(key)
	if err != nil || !p.HasSubKey {
		return key
	}
	stored, _, truncated := Truncate(p.SubKey, maxLen)
	if !truncated {
		return key
	}
	return Composite(p.Scope, p.Account, stored)
}

// ScanPrefix limits a literal subKey prefix to the part that survives
// truncation, so range scans still cover truncated keys.
func ScanPrefix(literal []byte, maxLen int) []byte {
	if maxLen > HashLen && len(literal) > maxLen-HashLen {
		return literal[:maxLen-HashLen]
	}
	return literal
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
