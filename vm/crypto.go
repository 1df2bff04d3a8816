package vm

import (
	"crypto/ed25519"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ecrecover recovers the uncompressed public key (x ‖ y, 64 bytes) that
// produced sig (r ‖ s) over hash. Every invalid input yields ok == false.
func ecrecover(hash, sig []byte, v uint64, checkMalleability bool) ([]byte, bool) {
	if len(hash) != 32 || len(sig) != 64 || v > 3 {
		return nil, false
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow || r.IsZero() {
		return nil, false
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow || s.IsZero() {
		return nil, false
	}
	if checkMalleability && s.IsOverHalfOrder() {
		return nil, false
	}

	// compact 格式：recovery 头字节 ‖ r ‖ s，27 表示非压缩公钥
	compact := make([]byte, 65)
	compact[0] = 27 + byte(v)
	copy(compact[1:], sig)
	pub, _, err := ecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return nil, false
	}
	return pub.SerializeUncompressed()[1:], true
}

func ed25519Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
