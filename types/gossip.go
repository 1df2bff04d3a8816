package types

import "nearview/codec"

// GossipSchema is the peer message catalog carried over wire frames. It
// extends Schema; new messages are new table entries.
var GossipSchema = func() codec.Schema {
	s := codec.Schema{
		"ChainInfo": codec.StructOf(
			codec.F("genesis_hash", codec.Fixed(32)),
			codec.F("height", codec.U64),
		),
		"Handshake": codec.StructOf(
			codec.F("protocol_version", codec.U32),
			codec.F("oldest_supported_version", codec.U32),
			codec.F("sender_peer_id", codec.Ref("PublicKey")),
			codec.F("target_peer_id", codec.Ref("PublicKey")),
			codec.F("sender_listen_port", codec.OptionOf(codec.U16)),
			codec.F("chain_info", codec.Ref("ChainInfo")),
		),
		"Ping": codec.StructOf(
			codec.F("nonce", codec.U64),
			codec.F("source", codec.Ref("PublicKey")),
		),
		"BlockRequest": codec.Fixed(32),
		"PeerMessage": codec.EnumOf(
			codec.V("Handshake", codec.Ref("Handshake")),
			codec.V("Ping", codec.Ref("Ping")),
			codec.V("Pong", codec.Ref("Ping")),
			codec.V("BlockRequest", codec.Ref("BlockRequest")),
			codec.V("Disconnect", nil),
		),
	}
	for name, t := range Schema {
		s[name] = t
	}
	return s
}()

// PublicKeyValue converts a key to its codec enum form.
func PublicKeyValue(p PublicKey) codec.Enum {
	tag := "ED25519"
	if p.Type == KeyTypeSECP256K1 {
		tag = "SECP256K1"
	}
	return codec.Enum{Tag: tag, Value: append([]byte(nil), p.Data...)}
}
